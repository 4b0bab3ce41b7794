// SPDX-License-Identifier: MIT
// Copyright (c) 2026 Andrey Akinshin
// Source: github.com/AndreyAkinshin/zesven

package zesven

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Editor accumulates archive edit operations and applies them on Commit.
// Folders containing only untouched files are copied byte-for-byte from the
// source pack region; renames never trigger recompression.
type Editor struct {
	path string
	ops  []editOperation
	opts EditOptions
}

// editOperation stores one staged editor operation.
type editOperation struct {
	inputs  []Input
	paths   []string
	oldPath string
	newPath string
	kind    editOperationKind
}

// editOperationKind identifies a staged edit action type.
type editOperationKind uint8

const (
	// editOperationAdd appends new entries and fails on existing path.
	editOperationAdd editOperationKind = iota + 1
	// editOperationUpdate replaces existing entry payloads.
	editOperationUpdate
	// editOperationDelete removes exact paths.
	editOperationDelete
	// editOperationRename changes an entry path without recompression.
	editOperationRename
)

// OpenEditor creates a staged editor for a file-based archive rewrite.
func OpenEditor(path string, opts EditOptions) (*Editor, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty archive path", ErrPathUnsafe)
	}

	opts.applyDefaults()

	return &Editor{
		path: trimmed,
		opts: opts,
		ops:  make([]editOperation, 0, 8),
	}, nil
}

// Add schedules new entries; commit fails on path collision.
func (e *Editor) Add(inputs ...Input) error {
	return e.stageInputs(editOperationAdd, inputs)
}

// Update schedules payload replacement for existing entries.
func (e *Editor) Update(inputs ...Input) error {
	return e.stageInputs(editOperationUpdate, inputs)
}

// stageInputs normalizes and stages one input-backed operation.
func (e *Editor) stageInputs(kind editOperationKind, inputs []Input) error {
	if e == nil {
		return ErrNilReader
	}
	if len(inputs) == 0 {
		return nil
	}

	normalized := make([]Input, 0, len(inputs))
	for i := range inputs {
		path, err := NormalizeEntryPath(inputs[i].Path)
		if err != nil {
			return err
		}

		item := inputs[i]
		item.Path = path
		normalized = append(normalized, item)
	}

	e.ops = append(e.ops, editOperation{kind: kind, inputs: normalized})

	return nil
}

// Delete schedules exact-path removal; absent paths are ignored.
func (e *Editor) Delete(paths ...string) error {
	if e == nil {
		return ErrNilReader
	}
	if len(paths) == 0 {
		return nil
	}

	normalized := make([]string, 0, len(paths))
	for _, raw := range paths {
		path, err := NormalizeEntryPath(raw)
		if err != nil {
			return err
		}

		normalized = append(normalized, path)
	}

	e.ops = append(e.ops, editOperation{kind: editOperationDelete, paths: normalized})

	return nil
}

// Rename schedules a header-only path change.
func (e *Editor) Rename(oldPath, newPath string) error {
	if e == nil {
		return ErrNilReader
	}

	oldNorm, err := NormalizeEntryPath(oldPath)
	if err != nil {
		return err
	}
	newNorm, err := NormalizeEntryPath(newPath)
	if err != nil {
		return err
	}

	e.ops = append(e.ops, editOperation{kind: editOperationRename, oldPath: oldNorm, newPath: newNorm})

	return nil
}

// Commit applies all staged operations in one rewrite transaction with the
// backup/rollback flow.
func (e *Editor) Commit(ctx context.Context) (*PackResult, error) {
	if e == nil {
		return nil, ErrNilReader
	}
	if ctx == nil {
		ctx = context.Background()
	}

	backupPath := e.path + ".bak"
	if err := prepareBackupSlot(backupPath, e.opts.BackupKeep); err != nil {
		return nil, err
	}

	if err := os.Rename(e.path, backupPath); err != nil {
		return nil, fmt.Errorf("move archive to backup: %w", err)
	}

	res, err := e.commitFromBackup(ctx, backupPath)
	if err != nil {
		if rollbackErr := rollbackFromBackup(e.path, backupPath); rollbackErr != nil {
			return nil, fmt.Errorf("%v (rollback failed: %v)", err, rollbackErr)
		}

		return nil, err
	}

	if e.opts.BackupKeep == 0 {
		if err := removeIfExists(backupPath); err != nil {
			return nil, fmt.Errorf("remove backup: %w", err)
		}
	}

	return res, nil
}

// commitFromBackup rewrites the edited archive from the backup source.
func (e *Editor) commitFromBackup(ctx context.Context, backupPath string) (*PackResult, error) {
	src, err := OpenWithOptions(backupPath, e.opts.ReaderOptions)
	if err != nil {
		return nil, fmt.Errorf("parse backup: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(e.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create destination archive: %w", err)
	}

	res, writeErr := e.Apply(ctx, src, dst)
	if writeErr != nil {
		_ = dst.Close()
		return nil, writeErr
	}

	if end, err := dst.Seek(0, io.SeekCurrent); err == nil {
		_ = dst.Truncate(end)
	}

	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		return nil, fmt.Errorf("sync destination archive: %w", err)
	}
	if err := dst.Close(); err != nil {
		return nil, fmt.Errorf("close destination archive: %w", err)
	}

	return res, nil
}

// entryEditState tracks one source entry through the staged operations.
type entryEditState struct {
	entry   FileEntry
	path    string
	deleted bool
	update  *Input
}

// Apply rewrites src with the staged operations into out.
func (e *Editor) Apply(ctx context.Context, src *Reader, out io.WriteSeeker) (*PackResult, error) {
	if src == nil {
		return nil, ErrNilReader
	}
	if out == nil {
		return nil, ErrNilWriter
	}
	if ctx == nil {
		ctx = context.Background()
	}

	states := make([]*entryEditState, len(src.entries))
	byKey := make(map[string]*entryEditState, len(src.entries))
	for i := range src.entries {
		st := &entryEditState{entry: src.entries[i], path: src.entries[i].Path}
		states[i] = st
		byKey[archivePathKey(st.path)] = st
	}

	var adds []Input
	for _, op := range e.ops {
		switch op.kind {
		case editOperationAdd:
			for _, in := range op.inputs {
				if st, ok := byKey[archivePathKey(in.Path)]; ok && !st.deleted {
					return nil, fmt.Errorf("%w: %q", ErrDuplicateEntryPath, in.Path)
				}

				adds = append(adds, in)
			}
		case editOperationUpdate:
			for i := range op.inputs {
				st, ok := byKey[archivePathKey(op.inputs[i].Path)]
				if !ok || st.deleted {
					return nil, fmt.Errorf("%w: %q", ErrEntryNotFound, op.inputs[i].Path)
				}

				in := op.inputs[i]
				st.update = &in
			}
		case editOperationDelete:
			for _, path := range op.paths {
				if st, ok := byKey[archivePathKey(path)]; ok {
					st.deleted = true
				}
			}
		case editOperationRename:
			st, ok := byKey[archivePathKey(op.oldPath)]
			if !ok || st.deleted {
				return nil, fmt.Errorf("%w: %q", ErrEntryNotFound, op.oldPath)
			}
			if other, exists := byKey[archivePathKey(op.newPath)]; exists && other != st && !other.deleted {
				return nil, fmt.Errorf("%w: %q", ErrDuplicateEntryPath, op.newPath)
			}

			delete(byKey, archivePathKey(st.path))
			st.path = op.newPath
			byKey[archivePathKey(st.path)] = st
		default:
			return nil, fmt.Errorf("unknown edit operation kind: %d", op.kind)
		}
	}

	return e.rewrite(ctx, src, out, states, adds)
}

// rewrite streams preserved folders raw, re-encodes touched folders, and
// appends added content.
func (e *Editor) rewrite(
	ctx context.Context,
	src *Reader,
	out io.WriteSeeker,
	states []*entryEditState,
	adds []Input,
) (*PackResult, error) {
	opts := e.opts.WriteOptions
	state := &packState{out: out, opts: &opts}

	var placeholder [signatureHeaderSize]byte
	if _, err := out.Write(placeholder[:]); err != nil {
		return nil, fmt.Errorf("write signature placeholder: %w", err)
	}

	si := src.header.streams
	numFolders := 0
	if si != nil {
		numFolders = len(si.folders)
	}

	// A folder is preserved only when none of its files changed.
	touched := make([]bool, numFolders)
	for _, st := range states {
		if st.entry.folder < 0 {
			continue
		}
		if st.deleted || st.update != nil {
			touched[st.entry.folder] = true
		}
	}

	var reencode []Input
	for folderIdx := 0; folderIdx < numFolders; folderIdx++ {
		if err := ctx.Err(); err != nil {
			return nil, ErrCancelled
		}

		if touched[folderIdx] {
			reencode = append(reencode, e.survivorInputs(src, states, folderIdx)...)
			continue
		}

		if err := copyPreservedFolder(state, src, states, folderIdx); err != nil {
			return nil, err
		}
	}

	for _, st := range states {
		if st.deleted || st.entry.folder >= 0 {
			continue
		}

		if st.update != nil {
			in := *st.update
			in.Path = st.path
			reencode = append(reencode, in)
			continue
		}

		// Empty entries (directories, empty files, anti items) are header-only.
		state.entries = append(state.entries, writtenEntry{
			path:   st.path,
			mtime:  st.entry.ModificationTime,
			attrs:  st.entry.Attributes,
			isDir:  st.entry.IsDir,
			isAnti: st.entry.IsAnti,
		})
	}

	reencode = append(reencode, adds...)
	if len(reencode) > 0 {
		matcher, err := newCompressMatcher(opts.CompressRules, opts.CompressMatcherOptions)
		if err != nil {
			return nil, err
		}

		plan, err := preparePackPlan(reencode)
		if err != nil {
			return nil, err
		}

		if err := state.writeFolders(ctx, plan, matcher); err != nil {
			return nil, err
		}
	}

	headerBytes, err := state.finishHeader()
	if err != nil {
		return nil, err
	}

	return &PackResult{
		WrittenEntries: len(state.entries),
		Folders:        len(state.folders),
		PackedBytes:    state.packOffset,
		OriginalBytes:  state.original,
		HeaderBytes:    int64(len(headerBytes)),
	}, nil
}

// survivorInputs turns a touched folder's surviving files into re-encode inputs
// streaming from the source archive.
func (e *Editor) survivorInputs(src *Reader, states []*entryEditState, folderIdx int) []Input {
	var inputs []Input
	for _, st := range states {
		if st.entry.folder != folderIdx || st.deleted {
			continue
		}

		path := st.path
		if st.update != nil {
			in := *st.update
			in.Path = path
			inputs = append(inputs, in)
			continue
		}

		sourcePath := st.entry.Path
		entry := st.entry
		inputs = append(inputs, Input{
			Path:       path,
			SizeHint:   int64(entry.Size),
			ModTime:    fileTimeToTime(entry.ModificationTime),
			Attributes: entry.Attributes,
			Open: func() (io.ReadCloser, error) {
				r, err := src.OpenEntry(sourcePath)
				if err != nil {
					return nil, err
				}

				return io.NopCloser(r), nil
			},
		})
	}

	return inputs
}

// fileTimeToTime converts an optional FILETIME, zero mapping to the zero time.
func fileTimeToTime(ft FileTime) time.Time {
	if ft == 0 {
		return time.Time{}
	}

	return ft.Time()
}

// copyPreservedFolder copies one untouched folder's pack bytes and metadata.
func copyPreservedFolder(state *packState, src *Reader, states []*entryEditState, folderIdx int) error {
	si := src.header.streams
	fo := si.folders[folderIdx]

	firstPack := src.folderFirstPack[folderIdx]
	offset := int64(signatureHeaderSize) + int64(si.pack.packPos)
	for i := 0; i < firstPack; i++ {
		offset += int64(si.pack.packSizes[i])
	}

	var packTotal int64
	packSizes := make([]uint64, len(fo.packedStreams))
	for i := range fo.packedStreams {
		packSizes[i] = si.pack.packSizes[firstPack+i]
		packTotal += int64(packSizes[i])
	}

	if _, err := io.Copy(state.out, sectionReader(src.src, offset, packTotal)); err != nil {
		return fmt.Errorf("copy preserved folder %d: %w", folderIdx, err)
	}

	wf := writtenFolder{
		coders:      append([]coder(nil), fo.coders...),
		binds:       append([]bindPair(nil), fo.binds...),
		packed:      append([]int(nil), fo.packedStreams...),
		unpackSizes: append([]uint64(nil), fo.unpackSizes...),
		packSizes:   packSizes,
		crc:         fo.unpackCRC,
		hasCRC:      fo.hasUnpackCRC,
	}

	first := src.folderStreams[folderIdx]
	count := si.subStreams.numUnpackStreams[folderIdx]
	for s := first; s < first+count; s++ {
		wf.fileSizes = append(wf.fileSizes, si.subStreams.sizes[s])
		if si.subStreams.hasDigests != nil && s < len(si.subStreams.hasDigests) {
			wf.fileCRCs = append(wf.fileCRCs, si.subStreams.digests[s])
			wf.fileHasCRC = append(wf.fileHasCRC, si.subStreams.hasDigests[s])
		} else {
			wf.fileCRCs = append(wf.fileCRCs, 0)
			wf.fileHasCRC = append(wf.fileHasCRC, false)
		}
	}

	for _, st := range states {
		if st.entry.folder != folderIdx {
			continue
		}

		state.entries = append(state.entries, writtenEntry{
			path:      st.path,
			mtime:     st.entry.ModificationTime,
			attrs:     st.entry.Attributes,
			size:      st.entry.Size,
			crc:       st.entry.CRC32,
			hasStream: true,
		})
	}

	state.folders = append(state.folders, wf)
	state.packOffset += packTotal
	for _, size := range wf.fileSizes {
		state.original += int64(size)
	}

	return nil
}

// prepareBackupSlot rotates or removes existing backup generations.
func prepareBackupSlot(backupPath string, keep int) error {
	if keep < 0 {
		keep = 0
	}

	switch keep {
	case 0, 1:
		return removeIfExists(backupPath)
	default:
		oldest := fmt.Sprintf("%s.%d", backupPath, keep-1)
		if err := removeIfExists(oldest); err != nil {
			return err
		}

		for i := keep - 2; i >= 1; i-- {
			from := fmt.Sprintf("%s.%d", backupPath, i)
			to := fmt.Sprintf("%s.%d", backupPath, i+1)
			if err := renameIfExists(from, to); err != nil {
				return err
			}
		}

		return renameIfExists(backupPath, backupPath+".1")
	}
}

// renameIfExists renames source to destination when source exists.
func renameIfExists(from, to string) error {
	_, err := os.Stat(from)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", from, err)
	}

	if err := removeIfExists(to); err != nil {
		return err
	}

	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("rename %s to %s: %w", from, to, err)
	}

	return nil
}

// removeIfExists removes a file when present.
func removeIfExists(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) || err == nil {
		return nil
	}

	return fmt.Errorf("remove %s: %w", path, err)
}

// rollbackFromBackup restores the backup on a failed commit.
func rollbackFromBackup(path, backupPath string) error {
	_ = os.Remove(path)

	if err := os.Rename(backupPath, path); err != nil {
		return fmt.Errorf("restore backup: %w", err)
	}

	return nil
}
