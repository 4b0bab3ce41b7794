// SPDX-License-Identifier: MIT
// Copyright (c) 2026 Andrey Akinshin
// Source: github.com/AndreyAkinshin/zesven

package zesven

import (
	"bytes"
	"fmt"
)

// encodeStreamsInfo serializes a StreamsInfo scope for the given folders.
// withSubStreams controls SubStreamsInfo emission; the encoded-header
// envelope never carries one.
func encodeStreamsInfo(buf *bytes.Buffer, packPos uint64, folders []writtenFolder, withSubStreams bool) error {
	// PackInfo.
	buf.WriteByte(idPackInfo)
	if err := writeNumber(buf, packPos); err != nil {
		return err
	}

	totalPack := 0
	for i := range folders {
		totalPack += len(folders[i].packSizes)
	}
	if err := writeNumber(buf, uint64(totalPack)); err != nil {
		return err
	}

	buf.WriteByte(idSize)
	for i := range folders {
		for _, size := range folders[i].packSizes {
			if err := writeNumber(buf, size); err != nil {
				return err
			}
		}
	}
	buf.WriteByte(idEnd)

	// UnpackInfo.
	buf.WriteByte(idUnpackInfo)
	buf.WriteByte(idFolder)
	if err := writeNumber(buf, uint64(len(folders))); err != nil {
		return err
	}
	buf.WriteByte(0) // folders defined inline

	for i := range folders {
		if err := encodeFolderLayout(buf, &folders[i]); err != nil {
			return err
		}
	}

	buf.WriteByte(idCodersUnpackSize)
	for i := range folders {
		for _, size := range folders[i].unpackSizes {
			if err := writeNumber(buf, size); err != nil {
				return err
			}
		}
	}

	folderDefined := make([]bool, len(folders))
	anyFolderCRC := false
	for i := range folders {
		folderDefined[i] = folders[i].hasCRC
		if folders[i].hasCRC {
			anyFolderCRC = true
		}
	}
	if anyFolderCRC {
		buf.WriteByte(idCRC)
		if allTrue(folderDefined) {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
			buf.Write(packBoolVector(folderDefined))
		}

		for i := range folders {
			if !folders[i].hasCRC {
				continue
			}

			var crc [4]byte
			putLeUint32(crc[:], folders[i].crc)
			buf.Write(crc[:])
		}
	}

	buf.WriteByte(idEnd)

	if withSubStreams {
		if err := encodeSubStreamsInfo(buf, folders); err != nil {
			return err
		}
	}

	buf.WriteByte(idEnd)

	return nil
}

// encodeFolderLayout serializes one folder's coder chain.
func encodeFolderLayout(buf *bytes.Buffer, wf *writtenFolder) error {
	if err := writeNumber(buf, uint64(len(wf.coders))); err != nil {
		return err
	}

	for i := range wf.coders {
		c := &wf.coders[i]
		if len(c.methodID) == 0 || len(c.methodID) > maxCoderIDLen {
			return fmt.Errorf("%w: coder method ID length %d", ErrInvalidArchive, len(c.methodID))
		}

		flags := byte(len(c.methodID))
		if c.numIn != 1 || c.numOut != 1 {
			flags |= 0x10
		}
		if len(c.properties) > 0 {
			flags |= 0x20
		}

		buf.WriteByte(flags)
		buf.Write(c.methodID)

		if flags&0x10 != 0 {
			if err := writeNumber(buf, uint64(c.numIn)); err != nil {
				return err
			}
			if err := writeNumber(buf, uint64(c.numOut)); err != nil {
				return err
			}
		}

		if flags&0x20 != 0 {
			if err := writeNumber(buf, uint64(len(c.properties))); err != nil {
				return err
			}
			buf.Write(c.properties)
		}
	}

	for _, bp := range wf.binds {
		if err := writeNumber(buf, uint64(bp.inIndex)); err != nil {
			return err
		}
		if err := writeNumber(buf, uint64(bp.outIndex)); err != nil {
			return err
		}
	}

	// A single pack slot is implicit; multiple slots are written explicitly.
	if len(wf.packed) > 1 {
		for _, idx := range wf.packed {
			if err := writeNumber(buf, uint64(idx)); err != nil {
				return err
			}
		}
	}

	return nil
}

// encodeSubStreamsInfo serializes SubStreamsInfo when any folder holds more
// than one file. Single-file folders inherit their folder CRC on read.
func encodeSubStreamsInfo(buf *bytes.Buffer, folders []writtenFolder) error {
	multi := false
	for i := range folders {
		if len(folders[i].fileSizes) != 1 {
			multi = true
			break
		}
	}
	if !multi {
		return nil
	}

	buf.WriteByte(idSubStreamsInfo)

	buf.WriteByte(idNumUnpackStream)
	for i := range folders {
		if err := writeNumber(buf, uint64(len(folders[i].fileSizes))); err != nil {
			return err
		}
	}

	buf.WriteByte(idSize)
	for i := range folders {
		sizes := folders[i].fileSizes
		// The last size per folder is implicit.
		for j := 0; j < len(sizes)-1; j++ {
			if err := writeNumber(buf, sizes[j]); err != nil {
				return err
			}
		}
	}

	// CRCs of streams whose folder CRC cannot stand in for them.
	var needDefined []bool
	var needCRCs []uint32
	for i := range folders {
		if len(folders[i].fileSizes) == 1 && folders[i].hasCRC {
			continue // inherits the folder CRC
		}

		for j := range folders[i].fileSizes {
			has := j < len(folders[i].fileHasCRC) && folders[i].fileHasCRC[j]
			needDefined = append(needDefined, has)
			if has {
				needCRCs = append(needCRCs, folders[i].fileCRCs[j])
			}
		}
	}

	if len(needCRCs) > 0 {
		buf.WriteByte(idCRC)
		if allTrue(needDefined) {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
			buf.Write(packBoolVector(needDefined))
		}

		for _, crc := range needCRCs {
			var raw [4]byte
			putLeUint32(raw[:], crc)
			buf.Write(raw[:])
		}
	}

	buf.WriteByte(idEnd)

	return nil
}

// encodeFilesInfo serializes the FilesInfo section in ascending property order.
func encodeFilesInfo(buf *bytes.Buffer, entries []writtenEntry, comment string) error {
	if len(entries) == 0 {
		return nil
	}

	buf.WriteByte(idFilesInfo)
	if err := writeNumber(buf, uint64(len(entries))); err != nil {
		return err
	}

	emptyStreams := make([]bool, len(entries))
	anyEmpty := false
	for i := range entries {
		if !entries[i].hasStream {
			emptyStreams[i] = true
			anyEmpty = true
		}
	}

	if anyEmpty {
		if err := writeFilesProperty(buf, idEmptyStream, packBoolVector(emptyStreams)); err != nil {
			return err
		}

		var emptyFiles, antiItems []bool
		anyEmptyFile, anyAnti := false, false
		for i := range entries {
			if !emptyStreams[i] {
				continue
			}

			isFile := !entries[i].isDir
			emptyFiles = append(emptyFiles, isFile)
			antiItems = append(antiItems, entries[i].isAnti)
			if isFile {
				anyEmptyFile = true
			}
			if entries[i].isAnti {
				anyAnti = true
			}
		}

		if anyEmptyFile {
			if err := writeFilesProperty(buf, idEmptyFile, packBoolVector(emptyFiles)); err != nil {
				return err
			}
		}
		if anyAnti {
			if err := writeFilesProperty(buf, idAnti, packBoolVector(antiItems)); err != nil {
				return err
			}
		}
	}

	// Names.
	var names bytes.Buffer
	names.WriteByte(0) // not external
	for i := range entries {
		if err := writeUTF16String(&names, entries[i].path); err != nil {
			return err
		}
	}
	if err := writeFilesProperty(buf, idName, names.Bytes()); err != nil {
		return err
	}

	// Modification times.
	defined := make([]bool, len(entries))
	anyTime := false
	for i := range entries {
		if entries[i].mtime != 0 {
			defined[i] = true
			anyTime = true
		}
	}
	if anyTime {
		var times bytes.Buffer
		if allTrue(defined) {
			times.WriteByte(1)
		} else {
			times.WriteByte(0)
			times.Write(packBoolVector(defined))
		}
		times.WriteByte(0) // not external

		for i := range entries {
			if !defined[i] {
				continue
			}

			var raw [8]byte
			putLeUint64(raw[:], uint64(entries[i].mtime))
			times.Write(raw[:])
		}

		if err := writeFilesProperty(buf, idMTime, times.Bytes()); err != nil {
			return err
		}
	}

	// Attributes.
	attrDefined := make([]bool, len(entries))
	anyAttr := false
	for i := range entries {
		if entries[i].attrs != 0 {
			attrDefined[i] = true
			anyAttr = true
		}
	}
	if anyAttr {
		var attrs bytes.Buffer
		if allTrue(attrDefined) {
			attrs.WriteByte(1)
		} else {
			attrs.WriteByte(0)
			attrs.Write(packBoolVector(attrDefined))
		}
		attrs.WriteByte(0) // not external

		for i := range entries {
			if !attrDefined[i] {
				continue
			}

			var raw [4]byte
			putLeUint32(raw[:], entries[i].attrs)
			attrs.Write(raw[:])
		}

		if err := writeFilesProperty(buf, idWinAttributes, attrs.Bytes()); err != nil {
			return err
		}
	}

	// Comment.
	if comment != "" {
		var cb bytes.Buffer
		cb.WriteByte(0) // not external
		if err := writeUTF16String(&cb, comment); err != nil {
			return err
		}

		if err := writeFilesProperty(buf, idComment, cb.Bytes()); err != nil {
			return err
		}
	}

	buf.WriteByte(idEnd)

	return nil
}

// writeFilesProperty writes one size-prefixed FilesInfo property.
func writeFilesProperty(buf *bytes.Buffer, id byte, body []byte) error {
	buf.WriteByte(id)
	if err := writeNumber(buf, uint64(len(body))); err != nil {
		return err
	}
	buf.Write(body)

	return nil
}

// allTrue reports whether every boolean is set.
func allTrue(bits []bool) bool {
	for _, b := range bits {
		if !b {
			return false
		}
	}

	return true
}
