package zesven

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/woozymasta/pathrules"
)

// memWriter is an in-memory io.WriteSeeker for pack tests.
type memWriter struct {
	buf []byte
	pos int64
}

// Write implements io.Writer.
func (m *memWriter) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}

	copy(m.buf[m.pos:end], p)
	m.pos = end

	return len(p), nil
}

// Seek implements io.Seeker.
func (m *memWriter) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.pos = offset
	case io.SeekCurrent:
		m.pos += offset
	case io.SeekEnd:
		m.pos = int64(len(m.buf)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}

	return m.pos, nil
}

// bytesInput builds an Input backed by an in-memory payload.
func bytesInput(path string, payload []byte) Input {
	return Input{
		Path:     path,
		SizeHint: int64(len(payload)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(payload)), nil
		},
	}
}

// packToBytes packs inputs into an in-memory archive.
func packToBytes(t *testing.T, inputs []Input, opts WriteOptions) []byte {
	t.Helper()

	out := &memWriter{}
	if _, err := Pack(context.Background(), out, inputs, opts); err != nil {
		t.Fatalf("Pack: %v", err)
	}

	return out.buf
}

// TestPackCopyRoundTrip verifies write/read identity with the Copy method.
func TestPackCopyRoundTrip(t *testing.T) {
	mtime := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)
	inputs := []Input{
		bytesInput("b/data.bin", []byte{0, 1, 2, 3, 4, 5}),
		{Path: "a.txt", ModTime: mtime, SizeHint: 5, Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader([]byte("hello"))), nil
		}},
		{Path: "emptydir", IsDir: true},
		bytesInput("zero.dat", nil),
		{Path: "obsolete.tmp", Anti: true},
	}

	raw := packToBytes(t, inputs, WriteOptions{Method: MethodCopy, Comment: "test archive"})

	r, err := NewReaderFromBytes(raw, ReaderOptions{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	if r.Comment() != "test archive" {
		t.Errorf("comment = %q", r.Comment())
	}

	entries := r.Entries()
	if len(entries) != 5 {
		t.Fatalf("entries = %d", len(entries))
	}

	byPath := map[string]FileEntry{}
	for _, e := range entries {
		byPath[e.Path] = e
	}

	if e := byPath["a.txt"]; e.Size != 5 || e.ModificationTime == 0 {
		t.Errorf("a.txt = %+v", e)
	}
	if e := byPath["emptydir"]; !e.IsDir {
		t.Errorf("emptydir = %+v", e)
	}
	if e := byPath["zero.dat"]; e.IsDir || e.HasStream || e.Size != 0 {
		t.Errorf("zero.dat = %+v", e)
	}
	if e := byPath["obsolete.tmp"]; !e.IsAnti {
		t.Errorf("obsolete.tmp = %+v", e)
	}

	data, err := r.ReadEntry("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("a.txt = %q", data)
	}

	data, err = r.ReadEntry("b/data.bin")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte{0, 1, 2, 3, 4, 5}) {
		t.Errorf("b/data.bin = % X", data)
	}

	if err := r.Test(context.Background()); err != nil {
		t.Errorf("Test: %v", err)
	}
}

// TestPackMethodsRoundTrip verifies every supported codec end to end.
func TestPackMethodsRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 200)

	for _, method := range []Method{
		MethodCopy, MethodLZMA2, MethodDeflate, MethodBZip2,
		MethodZstd, MethodBrotli, MethodLZ4,
	} {
		t.Run(string(method), func(t *testing.T) {
			raw := packToBytes(t,
				[]Input{bytesInput("payload.txt", payload)},
				WriteOptions{Method: method},
			)

			r, err := NewReaderFromBytes(raw, ReaderOptions{})
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}

			data, err := r.ReadEntry("payload.txt")
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(data, payload) {
				t.Fatalf("payload mismatch (%d vs %d bytes)", len(data), len(payload))
			}

			if err := r.Test(context.Background()); err != nil {
				t.Errorf("Test: %v", err)
			}
		})
	}
}

// TestPackHeaderRoundTrip verifies structural round-trip of the header:
// reserializing a parsed archive parses back to the same structure.
func TestPackHeaderRoundTrip(t *testing.T) {
	inputs := []Input{
		bytesInput("one.txt", []byte("first")),
		bytesInput("two.txt", []byte("second")),
		{Path: "dir", IsDir: true},
	}

	raw := packToBytes(t, inputs, WriteOptions{Method: MethodCopy})

	src, err := NewReaderFromBytes(raw, ReaderOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// An editor with no staged operations is a pure reserialization.
	editor, err := OpenEditor("unused", EditOptions{WriteOptions: WriteOptions{Method: MethodCopy}})
	if err != nil {
		t.Fatal(err)
	}

	out := &memWriter{}
	if _, err := editor.Apply(context.Background(), src, out); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	again, err := NewReaderFromBytes(out.buf, ReaderOptions{})
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}

	first, second := src.Entries(), again.Entries()
	if len(first) != len(second) {
		t.Fatalf("entry counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Path != second[i].Path || first[i].Size != second[i].Size ||
			first[i].CRC32 != second[i].CRC32 || first[i].IsDir != second[i].IsDir {
			t.Errorf("entry %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}

	for _, name := range []string{"one.txt", "two.txt"} {
		want, err := src.ReadEntry(name)
		if err != nil {
			t.Fatal(err)
		}
		got, err := again.ReadEntry(name)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(want, got) {
			t.Errorf("%s differs after reserialization", name)
		}
	}
}

// TestPackSolidSelectiveRead verifies substream slicing inside a solid folder.
func TestPackSolidSelectiveRead(t *testing.T) {
	fileA := bytes.Repeat([]byte{0xAA}, 300)
	fileB := bytes.Repeat([]byte{0xBB}, 400)
	fileC := bytes.Repeat([]byte{0xCC}, 300)

	raw := packToBytes(t, []Input{
		bytesInput("a.bin", fileA),
		bytesInput("b.bin", fileB),
		bytesInput("c.bin", fileC),
	}, WriteOptions{Method: MethodLZMA2, Solid: SolidAll})

	r, err := NewReaderFromBytes(raw, ReaderOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// One folder holds all three files.
	if len(r.header.streams.folders) != 1 {
		t.Fatalf("folders = %d, want 1", len(r.header.streams.folders))
	}

	got, err := r.ReadEntry("c.bin")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, fileC) {
		t.Error("c.bin differs after selective read")
	}

	got, err = r.ReadEntry("b.bin")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, fileB) {
		t.Error("b.bin differs after selective read")
	}
}

// TestPackSolidZeroSizedMembers verifies zero-length files inside solid folders.
func TestPackSolidZeroSizedMembers(t *testing.T) {
	fileB := bytes.Repeat([]byte{0x42}, 100)

	raw := packToBytes(t, []Input{
		bytesInput("m/a.bin", nil),
		bytesInput("m/b.bin", fileB),
		bytesInput("m/c.bin", nil),
	}, WriteOptions{Method: MethodCopy, Solid: SolidAll})

	r, err := NewReaderFromBytes(raw, ReaderOptions{})
	if err != nil {
		t.Fatal(err)
	}

	for name, want := range map[string][]byte{"m/a.bin": nil, "m/b.bin": fileB, "m/c.bin": nil} {
		got, err := r.ReadEntry(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%s = %d bytes, want %d", name, len(got), len(want))
		}
	}
}

// TestPackEncryptedRoundTrip verifies content+header encryption behavior:
// no password, wrong password, and the correct password.
func TestPackEncryptedRoundTrip(t *testing.T) {
	raw := packToBytes(t, []Input{bytesInput("secret.txt", []byte("hello"))}, WriteOptions{
		Method:         MethodLZMA2,
		Password:       "test",
		EncryptHeader:  true,
		KeyCyclesPower: 19,
	})

	if bytes.Contains(raw, []byte("hello")) {
		t.Fatal("plaintext leaked into archive bytes")
	}

	if _, err := NewReaderFromBytes(raw, ReaderOptions{}); !errors.Is(err, ErrPasswordRequired) {
		t.Fatalf("no password: expected ErrPasswordRequired, got %v", err)
	}

	if _, err := NewReaderFromBytes(raw, ReaderOptions{Password: "wrong"}); !errors.Is(err, ErrBadPasswordOrCorrupt) {
		t.Fatalf("wrong password: expected ErrBadPasswordOrCorrupt, got %v", err)
	}

	r, err := NewReaderFromBytes(raw, ReaderOptions{Password: "test"})
	if err != nil {
		t.Fatalf("correct password: %v", err)
	}
	if !r.HeaderEncrypted() {
		t.Error("HeaderEncrypted = false")
	}

	entries := r.Entries()
	if len(entries) != 1 || entries[0].Path != "secret.txt" {
		t.Fatalf("entries = %+v", entries)
	}

	data, err := r.ReadEntry("secret.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("data = %q", data)
	}
}

// TestPackEncryptedContentOnly verifies file names stay readable while
// payloads need the password.
func TestPackEncryptedContentOnly(t *testing.T) {
	raw := packToBytes(t, []Input{bytesInput("visible.txt", []byte("payload"))}, WriteOptions{
		Method:         MethodCopy,
		Password:       "pw",
		KeyCyclesPower: 10,
	})

	r, err := NewReaderFromBytes(raw, ReaderOptions{})
	if err != nil {
		t.Fatalf("open without password: %v", err)
	}
	if len(r.Entries()) != 1 || r.Entries()[0].Path != "visible.txt" {
		t.Fatalf("entries = %+v", r.Entries())
	}

	if _, err := r.ReadEntry("visible.txt"); !errors.Is(err, ErrPasswordRequired) {
		t.Errorf("payload without password: %v", err)
	}

	r2, err := NewReaderFromBytes(raw, ReaderOptions{Password: "pw"})
	if err != nil {
		t.Fatal(err)
	}
	data, err := r2.ReadEntry("visible.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("data = %q", data)
	}
}

// TestPackWithFilters verifies delta and BCJ filter chains round-trip.
func TestPackWithFilters(t *testing.T) {
	// A ramp compresses badly without delta and well with it; content with
	// E8 opcodes exercises the x86 branch converter.
	ramp := make([]byte, 4096)
	for i := range ramp {
		ramp[i] = byte(i / 3)
	}

	code := make([]byte, 4096)
	for i := range code {
		code[i] = byte(i * 31)
	}
	for i := 64; i+5 < len(code); i += 128 {
		code[i] = 0xE8
		code[i+4] = 0x00
	}

	cases := []struct {
		filter  Filter
		payload []byte
	}{
		{FilterDelta, ramp},
		{FilterBCJX86, code},
		{FilterBCJARM, code},
		{FilterBCJARM64, code},
	}

	for _, tc := range cases {
		t.Run(string(tc.filter), func(t *testing.T) {
			raw := packToBytes(t, []Input{bytesInput("f.bin", tc.payload)}, WriteOptions{
				Method:        MethodLZMA2,
				PreFilter:     tc.filter,
				DeltaDistance: 3,
			})

			r, err := NewReaderFromBytes(raw, ReaderOptions{})
			if err != nil {
				t.Fatal(err)
			}

			got, err := r.ReadEntry("f.bin")
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tc.payload) {
				t.Error("payload differs after filter round-trip")
			}
		})
	}
}

// TestPackCompressRules verifies pathrules-driven store/compress selection.
func TestPackCompressRules(t *testing.T) {
	compressible := bytes.Repeat([]byte("abcabcabc"), 500)

	raw := packToBytes(t, []Input{
		bytesInput("keep/data.txt", compressible),
		bytesInput("skip/image.jpg", compressible),
	}, WriteOptions{
		Method: MethodLZMA2,
		CompressRules: []pathrules.Rule{
			{Action: pathrules.ActionExclude, Pattern: "*.jpg"},
			{Action: pathrules.ActionInclude, Pattern: "**"},
		},
	})

	r, err := NewReaderFromBytes(raw, ReaderOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// One folder per file; the jpg folder must be stored with Copy.
	methods := map[string]string{}
	for _, e := range r.Entries() {
		fo := r.header.streams.folders[e.folder]
		methods[e.Path] = MethodName(fo.coders[0].methodID)
	}

	if methods["skip/image.jpg"] != "Copy" {
		t.Errorf("image.jpg stored with %s", methods["skip/image.jpg"])
	}
	if methods["keep/data.txt"] != "LZMA2" {
		t.Errorf("data.txt stored with %s", methods["keep/data.txt"])
	}

	for _, name := range []string{"keep/data.txt", "skip/image.jpg"} {
		got, err := r.ReadEntry(name)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, compressible) {
			t.Errorf("%s differs", name)
		}
	}
}

// TestRatioGuard verifies compression-bomb rejection during decode.
func TestRatioGuard(t *testing.T) {
	zeros := make([]byte, 4<<20)

	raw := packToBytes(t, []Input{bytesInput("bomb.bin", zeros)}, WriteOptions{Method: MethodLZMA2})

	r, err := NewReaderFromBytes(raw, ReaderOptions{
		Limits: ResourceLimits{MaxRatio: 10, RatioFloor: 1 << 20},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = r.ReadEntry("bomb.bin")
	if !errors.Is(err, ErrResourceLimit) {
		t.Fatalf("expected ErrResourceLimit, got %v", err)
	}

	var limitErr *LimitError
	if !errors.As(err, &limitErr) || limitErr.Reason != LimitRatio {
		t.Errorf("limit reason = %v", err)
	}

	// Opting out of the guard makes the same archive readable.
	r2, err := NewReaderFromBytes(raw, ReaderOptions{
		Limits: ResourceLimits{DisableRatioGuard: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	data, err := r2.ReadEntry("bomb.bin")
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != len(zeros) {
		t.Errorf("data = %d bytes", len(data))
	}
}

// TestPackCompressedHeader verifies the LZMA2 encoded-header envelope.
func TestPackCompressedHeader(t *testing.T) {
	inputs := make([]Input, 0, 40)
	for i := 0; i < 40; i++ {
		inputs = append(inputs, bytesInput(
			fmt.Sprintf("dir/with/long/common/prefix/file-%03d.txt", i),
			[]byte("x"),
		))
	}

	raw := packToBytes(t, inputs, WriteOptions{Method: MethodCopy, CompressHeader: true})

	r, err := NewReaderFromBytes(raw, ReaderOptions{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(r.Entries()) != 40 {
		t.Errorf("entries = %d", len(r.Entries()))
	}

	data, err := r.ReadEntry("dir/with/long/common/prefix/file-007.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "x" {
		t.Errorf("data = %q", data)
	}
}

// TestPackRejectsDuplicateInputs verifies case-insensitive input dedup.
func TestPackRejectsDuplicateInputs(t *testing.T) {
	_, err := Pack(context.Background(), &memWriter{}, []Input{
		bytesInput("File.txt", []byte("a")),
		bytesInput("file.TXT", []byte("b")),
	}, WriteOptions{Method: MethodCopy})

	if !errors.Is(err, ErrDuplicateEntryPath) {
		t.Errorf("expected ErrDuplicateEntryPath, got %v", err)
	}
}

// TestPackRejectsHostilePaths verifies writer-side path validation.
func TestPackRejectsHostilePaths(t *testing.T) {
	_, err := Pack(context.Background(), &memWriter{}, []Input{
		bytesInput("../escape.txt", []byte("x")),
	}, WriteOptions{Method: MethodCopy})

	if !errors.Is(err, ErrPathUnsafe) {
		t.Errorf("expected ErrPathUnsafe, got %v", err)
	}
}
