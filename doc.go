// SPDX-License-Identifier: MIT
// Copyright (c) 2026 Andrey Akinshin
// Source: github.com/AndreyAkinshin/zesven

/*
Package zesven provides read, extract, test, pack, and edit operations for
7z archives. It is a pure library built around streaming workflows: packing
accepts caller-provided streams (Input.Open), and reading decodes folders as
pull streams without loading whole payloads into memory.

The package understands the full container grammar (signature header, tagged
property sections, encoded and encrypted headers), folder coder graphs
including BCJ2 multi-stream folders, solid archives, AES-256 content and
header encryption, multi-volume sets, and self-extracting archives with a
leading stub.

# Reading

Open an archive and list or read entries:

	r, err := zesven.Open("archive.7z")
	if err != nil {
	    return err
	}
	defer r.Close()
	for _, e := range r.Entries() {
	    data, _ := r.ReadEntry(e.Path)
	    // use data
	}

Encrypted archives take the password through reader options; an encrypted
header without a password fails with ErrPasswordRequired:

	r, err := zesven.OpenWithOptions("secret.7z", zesven.ReaderOptions{
	    Password: "hunter2",
	})

For metadata-only scans use the fast helpers:

	entries, err := zesven.ListEntries("archive.7z")
	comment, err := zesven.ReadComment("archive.7z")

Multi-volume archives open from the first part:

	r, err := zesven.OpenVolumes("archive.7z.001", zesven.ReaderOptions{})

# Extracting

Extract to a directory with path safety on by default. Hostile entry names
(traversal, drive letters, NUL) are rejected, and remaining names are
sanitized unless RawNames is set:

	stats, err := r.Extract(ctx, "out/", zesven.ExtractOptions{
	    Overwrite: zesven.OverwriteReplace,
	    Preserve:  zesven.PreserveMetadata{ModTime: true},
	})

Integrity of the whole archive can be checked without producing output:

	if err := r.Test(ctx); err != nil {
	    return err
	}

# Packing

Pack from stream-oriented inputs (order is deterministic by path). Entries
can be excluded from compression with github.com/woozymasta/pathrules rules;
excluded entries are stored:

	inputs := []zesven.Input{
	    {Path: "readme.txt", Open: func() (io.ReadCloser, error) { return os.Open("readme.txt") }},
	}
	res, err := zesven.PackFile(ctx, "out.7z", inputs, zesven.WriteOptions{
	    Method: zesven.MethodLZMA2,
	    Solid:  zesven.SolidBlock,
	    CompressRules: []pathrules.Rule{
	        {Action: pathrules.ActionExclude, Pattern: "*.jpg"},
	    },
	})

Password-protected archives with an encrypted header hide names and sizes:

	res, err := zesven.PackFile(ctx, "secret.7z", inputs, zesven.WriteOptions{
	    Password:      "hunter2",
	    EncryptHeader: true,
	})

# Editing

Edits rewrite the archive in one transaction; untouched folders are copied
byte-for-byte and renames never recompress:

	editor, err := zesven.OpenEditor("archive.7z", zesven.EditOptions{BackupKeep: 1})
	if err != nil {
	    return err
	}
	_ = editor.Rename("old.txt", "new.txt")
	_ = editor.Delete("tmp/scratch.bin")
	if _, err := editor.Commit(ctx); err != nil {
	    return err
	}

# Safety

Parsing and extraction are bounded by ResourceLimits: entry counts, header
size, declared unpacked sizes, and a compression-ratio guard against archive
bombs. These limits have conservative defaults and are configurable per call.
Key-derivation work (at most 2^30 rounds) and encoded-header nesting (at most
4 levels) have fixed bounds that are not configurable.
*/
package zesven
