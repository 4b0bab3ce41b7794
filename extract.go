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
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// extractItem is one selected entry with its prepared output path.
type extractItem struct {
	relPath string
	entry   FileEntry
	index   int
}

// Extract writes selected entries from the archive to dstDir. Files sharing
// a solid folder are decoded in one pass per folder.
func (r *Reader) Extract(ctx context.Context, dstDir string, opts ExtractOptions) (*ExtractStats, error) {
	if r == nil || r.src == nil {
		return nil, ErrNilReader
	}
	if r.isClosed() {
		return nil, ErrClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}

	opts.applyDefaults()
	startedAt := time.Now()

	dstRootAbs, err := filepath.Abs(dstDir)
	if err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}
	if err := os.MkdirAll(dstRootAbs, 0o750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	items, antis, err := r.prepareExtractItems(&opts)
	if err != nil {
		return nil, err
	}

	stats := &ExtractStats{}
	var bytesTotal uint64
	for _, item := range items {
		bytesTotal += item.entry.Size
	}

	// Directories first so nested files land in existing parents.
	for _, item := range items {
		if !item.entry.IsDir {
			continue
		}

		if err := os.MkdirAll(filepath.Join(dstRootAbs, filepath.FromSlash(item.relPath)), 0o750); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", item.relPath, err)
		}

		stats.Entries++
	}

	if err := r.extractStreamItems(ctx, dstRootAbs, items, &opts, stats, bytesTotal); err != nil {
		return nil, err
	}

	// Anti-items delete after normal entries, before link resolution.
	for _, item := range antis {
		target := filepath.Join(dstRootAbs, filepath.FromSlash(item.relPath))
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			if info, statErr := os.Stat(target); statErr == nil && info.IsDir() {
				// Non-empty directories are never deleted recursively.
				continue
			}

			return nil, fmt.Errorf("apply anti-item %s: %w", item.relPath, err)
		}

		stats.Entries++
	}

	if err := r.applyLinks(dstRootAbs, items, &opts, stats); err != nil {
		return nil, err
	}

	stats.Duration = time.Since(startedAt)

	return stats, nil
}

// prepareExtractItems filters, validates, and orders the entries to extract.
func (r *Reader) prepareExtractItems(opts *ExtractOptions) ([]extractItem, []extractItem, error) {
	var items, antis []extractItem
	for i := range r.entries {
		entry := r.entries[i]
		if opts.Filter != nil && !opts.Filter(entry) {
			continue
		}

		normalized, err := NormalizeEntryPath(entry.Path)
		if err != nil {
			return nil, nil, &EntryError{Err: err, Path: entry.Path, Index: i}
		}

		relPath := normalized
		if !opts.RawNames {
			if relPath, err = SanitizePath(normalized); err != nil {
				return nil, nil, &EntryError{Err: err, Path: entry.Path, Index: i}
			}
		}

		item := extractItem{entry: entry, relPath: relPath, index: i}
		if entry.IsAnti {
			antis = append(antis, item)
			continue
		}

		if entry.IsSymlink() && opts.Links == LinkForbid {
			return nil, nil, &EntryError{
				Err:   fmt.Errorf("%w: symlink entries are forbidden", ErrPathUnsafe),
				Path:  entry.Path,
				Index: i,
			}
		}

		items = append(items, item)
	}

	// Solid folders decode once; order by (folder, substream).
	sort.SliceStable(items, func(a, b int) bool {
		ia, ib := items[a], items[b]
		if ia.entry.folder != ib.entry.folder {
			return ia.entry.folder < ib.entry.folder
		}

		return ia.entry.substream < ib.entry.substream
	})

	return items, antis, nil
}

// extractStreamItems decodes folder by folder and writes file payloads.
func (r *Reader) extractStreamItems(
	ctx context.Context,
	dstRootAbs string,
	items []extractItem,
	opts *ExtractOptions,
	stats *ExtractStats,
	bytesTotal uint64,
) error {
	buf := make([]byte, defaultCopyBufferSize)
	var bytesDone uint64

	i := 0
	for i < len(items) {
		if items[i].entry.IsDir || !items[i].entry.HasStream || items[i].entry.IsSymlink() {
			// Empty files still need materialization.
			if !items[i].entry.IsDir && !items[i].entry.IsSymlink() {
				if err := r.writeExtractFile(dstRootAbs, items[i], strings.NewReader(""), opts, stats, buf); err != nil {
					return err
				}
			}

			i++
			continue
		}

		folderIdx := items[i].entry.folder
		end := i
		for end < len(items) && items[end].entry.folder == folderIdx {
			end++
		}

		err := r.extractFolderRun(ctx, dstRootAbs, items[i:end], folderIdx, opts, stats, buf, &bytesDone, bytesTotal)
		if err != nil {
			var methodErr *MethodError
			if opts.BestEffort && errors.As(err, &methodErr) {
				stats.SkippedFolders++
				i = end
				continue
			}

			return err
		}

		i = end
	}

	return nil
}

// extractFolderRun streams one folder and emits its selected substreams in order.
func (r *Reader) extractFolderRun(
	ctx context.Context,
	dstRootAbs string,
	run []extractItem,
	folderIdx int,
	opts *ExtractOptions,
	stats *ExtractStats,
	buf []byte,
	bytesDone *uint64,
	bytesTotal uint64,
) error {
	fr, err := r.folderReaderLimits(folderIdx, &opts.Limits)
	if err != nil {
		return err
	}

	si := r.header.streams
	encrypted := si.folders[folderIdx].usesMethod(methodAES256)
	cursor := r.folderStreams[folderIdx]

	for _, item := range run {
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}

		// Skip unselected substreams between the cursor and this entry.
		for cursor < item.entry.streamIndex {
			if err := discardN(fr, si.subStreams.sizes[cursor], buf); err != nil {
				return err
			}

			cursor++
		}

		// Symlink payloads are applied in the link pass, not as files.
		if item.entry.IsSymlink() {
			if err := discardN(fr, item.entry.Size, buf); err != nil {
				return err
			}

			cursor++
			continue
		}

		sub := &substreamReader{
			src:       fr,
			remaining: item.entry.Size,
			wantCRC:   item.entry.CRC32,
			hasCRC:    item.entry.HasCRC,
			encrypted: encrypted,
		}

		err := r.writeExtractFile(dstRootAbs, item, sub, opts, stats, buf)
		if err != nil {
			if opts.BestEffort && errors.Is(err, ErrCorruptData) {
				stats.CRCFailures++
				cursor++
				continue
			}

			return err
		}

		cursor++
		*bytesDone += item.entry.Size
		if opts.Progress != nil && !opts.Progress(*bytesDone, bytesTotal) {
			return ErrCancelled
		}
	}

	return nil
}

// writeExtractFile writes one entry payload honoring the overwrite policy.
func (r *Reader) writeExtractFile(
	dstRootAbs string,
	item extractItem,
	src io.Reader,
	opts *ExtractOptions,
	stats *ExtractStats,
	buf []byte,
) error {
	outPath := filepath.Join(dstRootAbs, filepath.FromSlash(item.relPath))
	if dir := filepath.Dir(outPath); dir != dstRootAbs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create parent for %s: %w", item.relPath, err)
		}
	}

	flags := os.O_WRONLY | os.O_CREATE
	switch opts.Overwrite {
	case OverwriteError:
		flags |= os.O_EXCL
	case OverwriteReplace:
		flags |= os.O_TRUNC
	case OverwriteSkip:
		if _, err := os.Lstat(outPath); err == nil {
			// Consume the substream so the folder cursor stays aligned.
			if err := discardN(src, item.entry.Size, buf); err != nil {
				return &EntryError{Err: err, Path: item.entry.Path, Index: item.index}
			}

			return nil
		}

		flags |= os.O_EXCL
	}

	file, err := os.OpenFile(outPath, flags, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", item.relPath, err)
	}

	written, copyErr := io.CopyBuffer(file, src, buf)
	closeErr := file.Close()
	if copyErr != nil {
		return &EntryError{Err: copyErr, Path: item.entry.Path, Index: item.index}
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", item.relPath, closeErr)
	}

	applyEntryMetadata(outPath, &item.entry, opts)

	stats.Entries++
	stats.Bytes += written
	if opts.OnEntryDone != nil {
		opts.OnEntryDone(item.entry, written, outPath)
	}

	return nil
}

// applyEntryMetadata applies preserved timestamps and modes to the output.
func applyEntryMetadata(outPath string, entry *FileEntry, opts *ExtractOptions) {
	if opts.Preserve.Attributes {
		if mode, ok := entry.UnixMode(); ok {
			_ = os.Chmod(outPath, os.FileMode(mode&0o7777))
		} else if entry.HasAttributes && entry.Attributes&attrReadonly != 0 {
			_ = os.Chmod(outPath, 0o400)
		}
	}

	if opts.Preserve.ModTime && entry.ModificationTime != 0 {
		mtime := entry.ModificationTime.Time()
		atime := mtime
		if opts.Preserve.AccessTime && entry.AccessTime != 0 {
			atime = entry.AccessTime.Time()
		}

		_ = os.Chtimes(outPath, atime, mtime)
	}
}

// applyLinks materializes symlink entries after regular files, validating
// targets against the extraction root per policy.
func (r *Reader) applyLinks(dstRootAbs string, items []extractItem, opts *ExtractOptions, stats *ExtractStats) error {
	if opts.Links == LinkForbid {
		return nil
	}

	for _, item := range items {
		if !item.entry.IsSymlink() {
			continue
		}

		target, err := r.ReadEntry(item.entry.Path)
		if err != nil {
			return &EntryError{Err: err, Path: item.entry.Path, Index: item.index}
		}

		linkPath := filepath.Join(dstRootAbs, filepath.FromSlash(item.relPath))
		if opts.Links == LinkValidate {
			if err := validateLinkTarget(dstRootAbs, linkPath, string(target)); err != nil {
				return &EntryError{Err: err, Path: item.entry.Path, Index: item.index}
			}
		}

		_ = os.Remove(linkPath)
		if err := os.Symlink(string(target), linkPath); err != nil {
			return fmt.Errorf("create symlink %s: %w", item.relPath, err)
		}

		stats.Entries++
	}

	return nil
}

// validateLinkTarget rejects link targets resolving outside the extraction root.
func validateLinkTarget(root, linkPath, target string) error {
	if strings.ContainsRune(target, 0) {
		return fmt.Errorf("%w: NUL in link target", ErrPathUnsafe)
	}
	if filepath.IsAbs(target) || hasWindowsDrivePrefix(target) {
		return fmt.Errorf("%w: absolute link target %q", ErrPathUnsafe, target)
	}

	resolved := filepath.Clean(filepath.Join(filepath.Dir(linkPath), filepath.FromSlash(target)))
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: link target %q escapes extraction root", ErrPathUnsafe, target)
	}

	// Bounded chain walk guards against link loops below the root.
	depth := 0
	probe := resolved
	for depth < maxLinkChainDepth {
		info, err := os.Lstat(probe)
		if err != nil || info.Mode()&os.ModeSymlink == 0 {
			return nil
		}

		next, err := os.Readlink(probe)
		if err != nil {
			return nil
		}
		if filepath.IsAbs(next) {
			return fmt.Errorf("%w: link chain leaves extraction root", ErrPathUnsafe)
		}

		probe = filepath.Clean(filepath.Join(filepath.Dir(probe), next))
		if rel, err := filepath.Rel(root, probe); err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("%w: link chain leaves extraction root", ErrPathUnsafe)
		}

		depth++
	}

	return fmt.Errorf("%w: link chain deeper than %d", ErrPathUnsafe, maxLinkChainDepth)
}
