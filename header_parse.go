// SPDX-License-Identifier: MIT
// Copyright (c) 2026 Andrey Akinshin
// Source: github.com/AndreyAkinshin/zesven

package zesven

import (
	"bytes"
	"fmt"
	"io"
)

// headerParser walks the tagged property grammar with limit enforcement.
type headerParser struct {
	limits    *ResourceLimits
	password  string
	keys      *keyCache
	recursion int
}

// parseSignatureHeader reads and validates the 32-byte signature header.
func parseSignatureHeader(src ByteSource) (*signatureHeader, error) {
	var raw [signatureHeaderSize]byte
	if err := readFullAt(src, raw[:], 0); err != nil {
		return nil, fmt.Errorf("%w: short signature header", ErrInvalidArchive)
	}

	if !bytes.Equal(raw[:6], signature[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidArchive)
	}

	h := &signatureHeader{
		versionMajor: raw[6],
		versionMinor: raw[7],
	}
	if h.versionMajor != versionMajor {
		return nil, fmt.Errorf("%w: unsupported version %d.%d", ErrInvalidArchive, h.versionMajor, h.versionMinor)
	}

	h.startHeaderCRC = leUint32(raw[8:12])
	if crc32Compute(raw[12:32]) != h.startHeaderCRC {
		return nil, fmt.Errorf("%w: start header CRC mismatch", ErrInvalidArchive)
	}

	h.nextHeaderOffset = leUint64(raw[12:20])
	h.nextHeaderSize = leUint64(raw[20:28])
	h.nextHeaderCRC = leUint32(raw[28:32])

	end := int64(signatureHeaderSize) + int64(h.nextHeaderOffset) + int64(h.nextHeaderSize)
	if h.nextHeaderOffset > 1<<62 || h.nextHeaderSize > 1<<62 || end > src.Size() {
		return nil, fmt.Errorf("%w: next header outside archive", ErrInvalidArchive)
	}

	return h, nil
}

// leUint32 decodes 4 little-endian bytes.
func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// leUint64 decodes 8 little-endian bytes.
func leUint64(b []byte) uint64 {
	return uint64(leUint32(b[:4])) | uint64(leUint32(b[4:8]))<<32
}

// parseMainHeader parses header bytes, following encoded-header envelopes
// through src. The data parameter holds the verified next-header bytes.
func (p *headerParser) parseMainHeader(data []byte, src ByteSource) (*mainHeader, error) {
	if len(data) == 0 {
		return &mainHeader{}, nil
	}

	if uint64(len(data)) > p.limits.MaxHeaderBytes {
		return nil, limitErrorf(LimitHeaderSize, "header is %d bytes", len(data))
	}

	r := bytes.NewReader(data)
	first, err := readByte(r)
	if err != nil {
		return nil, err
	}

	switch first {
	case idHeader:
		return p.parsePlainHeader(r)
	case idEncodedHeader:
		return p.parseEncodedHeader(r, src)
	default:
		return nil, fmt.Errorf("%w: unexpected header marker %#x", ErrInvalidArchive, first)
	}
}

// parsePlainHeader parses the body of a 0x01 header.
func (p *headerParser) parsePlainHeader(r io.Reader) (*mainHeader, error) {
	h := &mainHeader{}
	seen := map[byte]bool{}

	for {
		id, err := readByte(r)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated header", ErrInvalidArchive)
		}

		if id == idEnd {
			break
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate property %#x in header", ErrInvalidArchive, id)
		}
		seen[id] = true

		switch id {
		case idArchiveProperties:
			if err := skipArchiveProperties(r); err != nil {
				return nil, err
			}
		case idAdditionalStreamsInfo:
			// Deprecated section: parsed for compatibility, never kept.
			if _, err := p.parseStreamsInfo(r); err != nil {
				return nil, err
			}
		case idMainStreamsInfo:
			si, err := p.parseStreamsInfo(r)
			if err != nil {
				return nil, err
			}
			h.streams = si
		case idFilesInfo:
			if err := p.parseFilesInfo(r, h); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unexpected property %#x in header", ErrInvalidArchive, id)
		}
	}

	return h, nil
}

// skipArchiveProperties consumes the opaque archive properties section.
func skipArchiveProperties(r io.Reader) error {
	for {
		id, err := readByte(r)
		if err != nil {
			return fmt.Errorf("%w: truncated archive properties", ErrInvalidArchive)
		}
		if id == idEnd {
			return nil
		}

		size, err := readNumber(r)
		if err != nil {
			return fmt.Errorf("%w: truncated archive properties", ErrInvalidArchive)
		}
		if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
			return fmt.Errorf("%w: truncated archive properties", ErrInvalidArchive)
		}
	}
}

// parseEncodedHeader decompresses the 0x17 mini-archive and recurses.
func (p *headerParser) parseEncodedHeader(r io.Reader, src ByteSource) (*mainHeader, error) {
	p.recursion++
	if p.recursion > maxHeaderRecursion {
		return nil, limitErrorf(LimitHeaderRecursion, "encoded header nested deeper than %d", maxHeaderRecursion)
	}

	si, err := p.parseStreamsInfo(r)
	if err != nil {
		return nil, err
	}

	plain, encrypted, err := p.decodeEncodedStreams(si, src)
	if err != nil {
		return nil, err
	}

	h, err := p.parseMainHeader(plain, src)
	if err != nil {
		return nil, err
	}
	if encrypted {
		h.headerEncrypted = true
	}

	return h, nil
}

// decodeEncodedStreams decodes the single-folder mini-archive described by si
// and returns the plain header bytes.
func (p *headerParser) decodeEncodedStreams(si *streamsInfo, src ByteSource) ([]byte, bool, error) {
	if si.pack == nil || len(si.folders) == 0 {
		return nil, false, fmt.Errorf("%w: encoded header missing streams", ErrInvalidArchive)
	}

	if err := validateStreams(si, p.limits); err != nil {
		return nil, false, err
	}

	fo := si.folders[0]
	encrypted := fo.usesMethod(methodAES256)
	if encrypted && p.password == "" {
		return nil, false, ErrPasswordRequired
	}

	unpackSize := fo.finalUnpackSize()
	if unpackSize > p.limits.MaxHeaderBytes {
		return nil, false, limitErrorf(LimitHeaderSize, "encoded header declares %d bytes", unpackSize)
	}

	packReaders, err := folderPackReaders(fo, si.pack, 0, src, int64(signatureHeaderSize))
	if err != nil {
		return nil, false, err
	}

	cfg := pipelineConfig{limits: p.limits, password: p.password, keys: p.keys}
	pr, err := newFolderReader(fo, packReaders, cfg)
	if err != nil {
		return nil, false, err
	}

	decoded := make([]byte, unpackSize)
	if _, err := io.ReadFull(pr, decoded); err != nil {
		if encrypted {
			return nil, false, ErrBadPasswordOrCorrupt
		}

		return nil, false, fmt.Errorf("%w: encoded header decode: %v", ErrCorruptData, err)
	}

	if fo.hasUnpackCRC && crc32Compute(decoded) != fo.unpackCRC {
		if encrypted {
			return nil, false, ErrBadPasswordOrCorrupt
		}

		return nil, false, fmt.Errorf("%w: encoded header CRC mismatch", ErrCorruptData)
	}

	return decoded, encrypted, nil
}

// folderPackReaders builds one section reader per folder pack slot.
// firstPackStream is the folder's starting index in the global pack table.
func folderPackReaders(fo *folder, pi *packInfo, firstPackStream int, src ByteSource, dataStart int64) ([]io.Reader, error) {
	// Pack streams are laid out contiguously from dataStart + packPos.
	offset := dataStart + int64(pi.packPos)
	for i := 0; i < firstPackStream; i++ {
		offset += int64(pi.packSizes[i])
	}

	readers := make([]io.Reader, len(fo.packedStreams))
	for slot := range fo.packedStreams {
		idx := firstPackStream + slot
		if idx >= pi.numStreams() {
			return nil, fmt.Errorf("%w: pack stream %d out of range", ErrInvalidArchive, idx)
		}

		size := int64(pi.packSizes[idx])
		readers[slot] = sectionReader(src, offset, size)
		offset += size
	}

	return readers, nil
}

// parseStreamsInfo parses a StreamsInfo scope: PackInfo, UnpackInfo, SubStreamsInfo.
func (p *headerParser) parseStreamsInfo(r io.Reader) (*streamsInfo, error) {
	si := &streamsInfo{}
	seen := map[byte]bool{}

	for {
		id, err := readByte(r)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated streams info", ErrInvalidArchive)
		}

		if id == idEnd {
			break
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate property %#x in streams info", ErrInvalidArchive, id)
		}
		seen[id] = true

		switch id {
		case idPackInfo:
			pi, err := p.parsePackInfo(r)
			if err != nil {
				return nil, err
			}
			si.pack = pi
		case idUnpackInfo:
			folders, err := p.parseUnpackInfo(r)
			if err != nil {
				return nil, err
			}
			si.folders = folders
		case idSubStreamsInfo:
			ss, err := p.parseSubStreamsInfo(r, si.folders)
			if err != nil {
				return nil, err
			}
			si.subStreams = ss
		default:
			return nil, fmt.Errorf("%w: unexpected property %#x in streams info", ErrInvalidArchive, id)
		}
	}

	if err := validateStreams(si, p.limits); err != nil {
		return nil, err
	}

	return si, nil
}

// parsePackInfo parses the PackInfo section body.
func (p *headerParser) parsePackInfo(r io.Reader) (*packInfo, error) {
	packPos, err := readNumber(r)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated pack info", ErrInvalidArchive)
	}

	numStreams, err := readNumber(r)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated pack info", ErrInvalidArchive)
	}
	if numStreams > uint64(p.limits.MaxEntries) {
		return nil, limitErrorf(LimitEntries, "%d pack streams", numStreams)
	}

	count := int(numStreams)
	pi := &packInfo{
		packPos:    packPos,
		packCRCs:   make([]uint32, count),
		packHasCRC: make([]bool, count),
	}

	seen := map[byte]bool{}
	for {
		id, err := readByte(r)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated pack info", ErrInvalidArchive)
		}

		if id == idEnd {
			break
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate property %#x in pack info", ErrInvalidArchive, id)
		}
		seen[id] = true

		switch id {
		case idSize:
			pi.packSizes = make([]uint64, count)
			for i := 0; i < count; i++ {
				if pi.packSizes[i], err = readNumber(r); err != nil {
					return nil, fmt.Errorf("%w: truncated pack sizes", ErrInvalidArchive)
				}
			}
		case idCRC:
			defined, err := readAllOrBits(r, count)
			if err != nil {
				return nil, fmt.Errorf("%w: truncated pack CRCs", ErrInvalidArchive)
			}

			for i, has := range defined {
				if !has {
					continue
				}

				if pi.packCRCs[i], err = readUint32(r); err != nil {
					return nil, fmt.Errorf("%w: truncated pack CRCs", ErrInvalidArchive)
				}
				pi.packHasCRC[i] = true
			}
		default:
			return nil, fmt.Errorf("%w: unexpected property %#x in pack info", ErrInvalidArchive, id)
		}
	}

	if pi.packSizes == nil {
		pi.packSizes = make([]uint64, count)
	}

	return pi, nil
}

// parseUnpackInfo parses the UnpackInfo section body into folders.
func (p *headerParser) parseUnpackInfo(r io.Reader) ([]*folder, error) {
	var folders []*folder
	seen := map[byte]bool{}

	for {
		id, err := readByte(r)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated unpack info", ErrInvalidArchive)
		}

		if id == idEnd {
			break
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate property %#x in unpack info", ErrInvalidArchive, id)
		}
		seen[id] = true

		switch id {
		case idFolder:
			numFolders, err := readNumber(r)
			if err != nil {
				return nil, fmt.Errorf("%w: truncated folder count", ErrInvalidArchive)
			}
			if numFolders > uint64(p.limits.MaxEntries) {
				return nil, limitErrorf(LimitEntries, "%d folders", numFolders)
			}

			external, err := readByte(r)
			if err != nil {
				return nil, fmt.Errorf("%w: truncated folder section", ErrInvalidArchive)
			}
			if external != 0 {
				return nil, fmt.Errorf("%w: external folder definitions", ErrInvalidArchive)
			}

			folders = make([]*folder, numFolders)
			for i := range folders {
				if folders[i], err = p.parseFolder(r); err != nil {
					return nil, fmt.Errorf("folder %d: %w", i, err)
				}
			}
		case idCodersUnpackSize:
			for _, fo := range folders {
				fo.unpackSizes = make([]uint64, fo.totalOut())
				for j := range fo.unpackSizes {
					var err error
					if fo.unpackSizes[j], err = readNumber(r); err != nil {
						return nil, fmt.Errorf("%w: truncated unpack sizes", ErrInvalidArchive)
					}
				}
			}
		case idCRC:
			defined, err := readAllOrBits(r, len(folders))
			if err != nil {
				return nil, fmt.Errorf("%w: truncated folder CRCs", ErrInvalidArchive)
			}

			for i, has := range defined {
				if !has {
					continue
				}

				crc, err := readUint32(r)
				if err != nil {
					return nil, fmt.Errorf("%w: truncated folder CRCs", ErrInvalidArchive)
				}

				folders[i].unpackCRC = crc
				folders[i].hasUnpackCRC = true
			}
		default:
			return nil, fmt.Errorf("%w: unexpected property %#x in unpack info", ErrInvalidArchive, id)
		}
	}

	return folders, nil
}

// parseFolder parses one folder's coder list, bind pairs, and pack slots.
func (p *headerParser) parseFolder(r io.Reader) (*folder, error) {
	numCoders, err := readNumber(r)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated folder", ErrInvalidArchive)
	}
	if numCoders == 0 {
		return nil, fmt.Errorf("%w: folder has no coders", ErrInvalidArchive)
	}
	if numCoders > maxCodersPerFolder {
		return nil, limitErrorf(LimitEntries, "%d coders in folder", numCoders)
	}

	fo := &folder{coders: make([]coder, numCoders)}
	totalIn, totalOut := 0, 0

	for i := range fo.coders {
		flags, err := readByte(r)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated coder", ErrInvalidArchive)
		}

		// Bits 6-7 are reserved and must be zero.
		if flags&0xC0 != 0 {
			return nil, fmt.Errorf("%w: reserved coder flag bits set", ErrInvalidArchive)
		}

		idSize := int(flags & 0x0F)
		isComplex := flags&0x10 != 0
		hasProps := flags&0x20 != 0

		if idSize == 0 {
			return nil, fmt.Errorf("%w: empty coder method ID", ErrInvalidArchive)
		}

		c := &fo.coders[i]
		c.methodID = make([]byte, idSize)
		if _, err := io.ReadFull(r, c.methodID); err != nil {
			return nil, fmt.Errorf("%w: truncated coder method ID", ErrInvalidArchive)
		}

		c.numIn, c.numOut = 1, 1
		if isComplex {
			in, err := readNumber(r)
			if err != nil {
				return nil, fmt.Errorf("%w: truncated coder stream counts", ErrInvalidArchive)
			}
			out, err := readNumber(r)
			if err != nil {
				return nil, fmt.Errorf("%w: truncated coder stream counts", ErrInvalidArchive)
			}
			if in == 0 || out == 0 || in > 64 || out > 64 {
				return nil, fmt.Errorf("%w: coder stream counts %d/%d", ErrInvalidArchive, in, out)
			}

			c.numIn, c.numOut = int(in), int(out)
		}

		if hasProps {
			propSize, err := readNumber(r)
			if err != nil {
				return nil, fmt.Errorf("%w: truncated coder properties", ErrInvalidArchive)
			}
			if propSize > p.limits.MaxHeaderBytes {
				return nil, limitErrorf(LimitHeaderSize, "coder properties of %d bytes", propSize)
			}

			c.properties = make([]byte, propSize)
			if _, err := io.ReadFull(r, c.properties); err != nil {
				return nil, fmt.Errorf("%w: truncated coder properties", ErrInvalidArchive)
			}
		}

		totalIn += c.numIn
		totalOut += c.numOut
	}

	numBinds := totalOut - 1
	fo.binds = make([]bindPair, numBinds)
	for i := range fo.binds {
		in, err := readNumber(r)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated bind pairs", ErrInvalidArchive)
		}
		out, err := readNumber(r)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated bind pairs", ErrInvalidArchive)
		}
		if in >= uint64(totalIn) || out >= uint64(totalOut) {
			return nil, fmt.Errorf("%w: bind pair index out of range", ErrInvalidArchive)
		}

		fo.binds[i] = bindPair{inIndex: int(in), outIndex: int(out)}
	}

	numPacked := totalIn - numBinds
	if numPacked <= 0 {
		return nil, fmt.Errorf("%w: folder has no pack inputs", ErrInvalidArchive)
	}

	fo.packedStreams = make([]int, numPacked)
	if numPacked == 1 {
		// The single pack slot is the one input no bind pair feeds.
		found := -1
		for in := 0; in < totalIn; in++ {
			if fo.bindOfInStream(in) == nil {
				found = in
				break
			}
		}
		if found < 0 {
			return nil, fmt.Errorf("%w: no unbound input stream", ErrInvalidArchive)
		}

		fo.packedStreams[0] = found
	} else {
		for i := range fo.packedStreams {
			idx, err := readNumber(r)
			if err != nil {
				return nil, fmt.Errorf("%w: truncated pack stream indices", ErrInvalidArchive)
			}
			if idx >= uint64(totalIn) {
				return nil, fmt.Errorf("%w: pack stream index out of range", ErrInvalidArchive)
			}

			fo.packedStreams[i] = int(idx)
		}
	}

	return fo, nil
}

// parseSubStreamsInfo parses the SubStreamsInfo section body.
func (p *headerParser) parseSubStreamsInfo(r io.Reader, folders []*folder) (*subStreamsInfo, error) {
	ss := &subStreamsInfo{numUnpackStreams: make([]int, len(folders))}
	for i := range ss.numUnpackStreams {
		ss.numUnpackStreams[i] = 1
	}

	seen := map[byte]bool{}
	sizesRead := false

	for {
		id, err := readByte(r)
		if err != nil {
			return nil, fmt.Errorf("%w: truncated substreams info", ErrInvalidArchive)
		}

		if id == idEnd {
			break
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate property %#x in substreams info", ErrInvalidArchive, id)
		}
		seen[id] = true

		switch id {
		case idNumUnpackStream:
			total := uint64(0)
			for i := range ss.numUnpackStreams {
				n, err := readNumber(r)
				if err != nil {
					return nil, fmt.Errorf("%w: truncated substream counts", ErrInvalidArchive)
				}
				total += n
				if total > uint64(p.limits.MaxEntries) {
					return nil, limitErrorf(LimitEntries, "%d substreams", total)
				}

				ss.numUnpackStreams[i] = int(n)
			}
		case idSize:
			sizesRead = true
			for i, n := range ss.numUnpackStreams {
				if n == 0 {
					continue
				}

				// The last substream size per folder is implicit.
				remaining := folders[i].finalUnpackSize()
				for j := 0; j < n-1; j++ {
					size, err := readNumber(r)
					if err != nil {
						return nil, fmt.Errorf("%w: truncated substream sizes", ErrInvalidArchive)
					}
					if size > remaining {
						return nil, fmt.Errorf("%w: substream sizes exceed folder output", ErrInvalidArchive)
					}

					ss.sizes = append(ss.sizes, size)
					remaining -= size
				}

				ss.sizes = append(ss.sizes, remaining)
			}
		case idCRC:
			if err := p.parseSubStreamCRCs(r, ss, folders); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unexpected property %#x in substreams info", ErrInvalidArchive, id)
		}
	}

	if !sizesRead {
		for i, n := range ss.numUnpackStreams {
			if n == 1 {
				ss.sizes = append(ss.sizes, folders[i].finalUnpackSize())
			} else if n != 0 {
				return nil, fmt.Errorf("%w: missing substream sizes", ErrInvalidArchive)
			}
		}
	}

	if ss.hasDigests == nil {
		p.inheritFolderDigests(ss, folders)
	}

	return ss, nil
}

// parseSubStreamCRCs reads per-substream digests; folders whose single stream
// already carries a folder CRC are skipped in the stored stream order.
func (p *headerParser) parseSubStreamCRCs(r io.Reader, ss *subStreamsInfo, folders []*folder) error {
	needing := 0
	for i, n := range ss.numUnpackStreams {
		if n == 1 && folders[i].hasUnpackCRC {
			continue
		}

		needing += n
	}

	defined, err := readAllOrBits(r, needing)
	if err != nil {
		return fmt.Errorf("%w: truncated substream CRCs", ErrInvalidArchive)
	}

	total := ss.totalStreams()
	ss.digests = make([]uint32, 0, total)
	ss.hasDigests = make([]bool, 0, total)

	cursor := 0
	for i, n := range ss.numUnpackStreams {
		if n == 1 && folders[i].hasUnpackCRC {
			ss.digests = append(ss.digests, folders[i].unpackCRC)
			ss.hasDigests = append(ss.hasDigests, true)
			continue
		}

		for j := 0; j < n; j++ {
			has := cursor < len(defined) && defined[cursor]
			cursor++

			if !has {
				ss.digests = append(ss.digests, 0)
				ss.hasDigests = append(ss.hasDigests, false)
				continue
			}

			crc, err := readUint32(r)
			if err != nil {
				return fmt.Errorf("%w: truncated substream CRCs", ErrInvalidArchive)
			}

			ss.digests = append(ss.digests, crc)
			ss.hasDigests = append(ss.hasDigests, true)
		}
	}

	return nil
}

// inheritFolderDigests fills per-substream digests from folder CRCs.
func (p *headerParser) inheritFolderDigests(ss *subStreamsInfo, folders []*folder) {
	for i, n := range ss.numUnpackStreams {
		if n == 1 {
			ss.digests = append(ss.digests, folders[i].unpackCRC)
			ss.hasDigests = append(ss.hasDigests, folders[i].hasUnpackCRC)
			continue
		}

		for j := 0; j < n; j++ {
			ss.digests = append(ss.digests, 0)
			ss.hasDigests = append(ss.hasDigests, false)
		}
	}
}

// parseFilesInfo parses the FilesInfo section and fills h.entries.
func (p *headerParser) parseFilesInfo(r io.Reader, h *mainHeader) error {
	numFiles, err := readNumber(r)
	if err != nil {
		return fmt.Errorf("%w: truncated files info", ErrInvalidArchive)
	}
	if numFiles > uint64(p.limits.MaxEntries) {
		return limitErrorf(LimitEntries, "%d entries", numFiles)
	}

	count := int(numFiles)
	entries := make([]FileEntry, count)
	emptyStreams := make([]bool, count)
	var emptyFiles, antiItems []bool
	seen := map[byte]bool{}

	for {
		id, err := readByte(r)
		if err != nil {
			return fmt.Errorf("%w: truncated files info", ErrInvalidArchive)
		}

		if id == idEnd {
			break
		}

		size, err := readNumber(r)
		if err != nil {
			return fmt.Errorf("%w: truncated files info property", ErrInvalidArchive)
		}

		// Dummy padding may repeat; every other ID appears at most once.
		if id != idDummy {
			if seen[id] {
				return fmt.Errorf("%w: duplicate property %#x in files info", ErrInvalidArchive, id)
			}
			seen[id] = true
		}

		body := make([]byte, size)
		if _, err := io.ReadFull(r, body); err != nil {
			return fmt.Errorf("%w: truncated files info property", ErrInvalidArchive)
		}
		br := bytes.NewReader(body)

		switch id {
		case idName:
			external, err := readByte(br)
			if err != nil {
				return fmt.Errorf("%w: truncated names", ErrInvalidArchive)
			}
			if external != 0 {
				return fmt.Errorf("%w: external file names", ErrInvalidArchive)
			}

			for i := range entries {
				name, err := readUTF16String(br)
				if err != nil {
					return fmt.Errorf("read entry name: %w", err)
				}

				entries[i].Path = name
			}
		case idEmptyStream:
			if emptyStreams, err = readBoolVector(br, count); err != nil {
				return fmt.Errorf("%w: truncated empty stream bits", ErrInvalidArchive)
			}
		case idEmptyFile:
			numEmpty := countTrue(emptyStreams)
			if emptyFiles, err = readBoolVector(br, numEmpty); err != nil {
				return fmt.Errorf("%w: truncated empty file bits", ErrInvalidArchive)
			}
		case idAnti:
			numEmpty := countTrue(emptyStreams)
			if antiItems, err = readBoolVector(br, numEmpty); err != nil {
				return fmt.Errorf("%w: truncated anti bits", ErrInvalidArchive)
			}
		case idCTime:
			if err := parseTimes(br, entries, func(e *FileEntry, t FileTime) { e.CreationTime = t }); err != nil {
				return err
			}
		case idATime:
			if err := parseTimes(br, entries, func(e *FileEntry, t FileTime) { e.AccessTime = t }); err != nil {
				return err
			}
		case idMTime:
			if err := parseTimes(br, entries, func(e *FileEntry, t FileTime) { e.ModificationTime = t }); err != nil {
				return err
			}
		case idWinAttributes:
			if err := parseWinAttributes(br, entries); err != nil {
				return err
			}
		case idComment:
			external, err := readByte(br)
			if err != nil {
				return fmt.Errorf("%w: truncated comment", ErrInvalidArchive)
			}
			if external != 0 {
				return fmt.Errorf("%w: external comment", ErrInvalidArchive)
			}

			if h.comment, err = readUTF16String(br); err != nil {
				return fmt.Errorf("read comment: %w", err)
			}
		default:
			// StartPos, Dummy, and unknown properties are size-prefixed; skip.
		}
	}

	// Resolve stream ownership from empty-stream bookkeeping.
	emptyIdx := 0
	for i := range entries {
		if !emptyStreams[i] {
			entries[i].HasStream = true
			continue
		}

		isFile := emptyIdx < len(emptyFiles) && emptyFiles[emptyIdx]
		entries[i].IsDir = !isFile
		if emptyIdx < len(antiItems) {
			entries[i].IsAnti = antiItems[emptyIdx]
		}
		if entries[i].IsAnti {
			entries[i].IsDir = false
		}

		emptyIdx++
	}

	h.entries = entries

	return nil
}

// countTrue returns the number of set booleans.
func countTrue(bits []bool) int {
	n := 0
	for _, b := range bits {
		if b {
			n++
		}
	}

	return n
}

// parseTimes reads an optional FILETIME vector into entries.
func parseTimes(r io.Reader, entries []FileEntry, set func(*FileEntry, FileTime)) error {
	defined, err := readAllOrBits(r, len(entries))
	if err != nil {
		return fmt.Errorf("%w: truncated time bits", ErrInvalidArchive)
	}

	external, err := readByte(r)
	if err != nil {
		return fmt.Errorf("%w: truncated time section", ErrInvalidArchive)
	}
	if external != 0 {
		return fmt.Errorf("%w: external timestamps", ErrInvalidArchive)
	}

	for i := range entries {
		if !defined[i] {
			continue
		}

		v, err := readUint64(r)
		if err != nil {
			return fmt.Errorf("%w: truncated timestamps", ErrInvalidArchive)
		}

		set(&entries[i], FileTime(v))
	}

	return nil
}

// parseWinAttributes reads the optional attributes vector into entries.
func parseWinAttributes(r io.Reader, entries []FileEntry) error {
	defined, err := readAllOrBits(r, len(entries))
	if err != nil {
		return fmt.Errorf("%w: truncated attribute bits", ErrInvalidArchive)
	}

	external, err := readByte(r)
	if err != nil {
		return fmt.Errorf("%w: truncated attributes", ErrInvalidArchive)
	}
	if external != 0 {
		return fmt.Errorf("%w: external attributes", ErrInvalidArchive)
	}

	for i := range entries {
		if !defined[i] {
			continue
		}

		v, err := readUint32(r)
		if err != nil {
			return fmt.Errorf("%w: truncated attributes", ErrInvalidArchive)
		}

		entries[i].Attributes = v
		entries[i].HasAttributes = true
	}

	return nil
}
