// SPDX-License-Identifier: MIT
// Copyright (c) 2026 Andrey Akinshin
// Source: github.com/AndreyAkinshin/zesven

package zesven

import (
	"io"
	"time"

	"github.com/woozymasta/pathrules"
)

// Internal binary layout and format limits.
const (
	signatureHeaderSize = 32 // fixed signature header size in bytes
	versionMajor        = 0
	versionMinor        = 4
	maxCoderIDLen       = 15 // method ID length limit from the coder flag byte
	maxCodersPerFolder  = 64
	sfxSearchLimit      = 1 << 20 // signature scan window for SFX stubs
	maxHeaderRecursion  = 4       // encoded-header nesting bound
	maxKeyCyclesPower   = 30
	maxLinkChainDepth   = 40
)

// signature is the 6-byte 7z magic.
var signature = [6]byte{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C}

// Default writer tuning values.
const (
	DefaultSolidBlockSize  = 64 * 1024 * 1024
	DefaultKeyCyclesPower  = 19
	DefaultWriteBufferSize = 1024 * 1024
	defaultCopyBufferSize  = 64 * 1024
	defaultRatioGuardFloor = 16 * 1024 * 1024
	defaultRatioGuardLimit = 1000
)

// ResourceLimits bounds parsing and extraction work. Zero values select defaults.
type ResourceLimits struct {
	// MaxEntries bounds the number of files, folders, and streams.
	MaxEntries int `json:"max_entries,omitempty" yaml:"max_entries,omitempty"`
	// MaxHeaderBytes bounds the decoded header size.
	MaxHeaderBytes uint64 `json:"max_header_bytes,omitempty" yaml:"max_header_bytes,omitempty"`
	// MaxTotalUnpacked bounds the total declared unpacked size.
	MaxTotalUnpacked uint64 `json:"max_total_unpacked,omitempty" yaml:"max_total_unpacked,omitempty"`
	// MaxEntryUnpacked bounds one entry's declared unpacked size.
	MaxEntryUnpacked uint64 `json:"max_entry_unpacked,omitempty" yaml:"max_entry_unpacked,omitempty"`
	// MaxRatio bounds unpacked/packed ratio during decode; see RatioFloor.
	MaxRatio uint64 `json:"max_ratio,omitempty" yaml:"max_ratio,omitempty"`
	// RatioFloor is the produced-bytes floor below which the ratio guard stays quiet.
	RatioFloor uint64 `json:"ratio_floor,omitempty" yaml:"ratio_floor,omitempty"`
	// DisableRatioGuard turns the compression-bomb ratio check off.
	DisableRatioGuard bool `json:"disable_ratio_guard,omitempty" yaml:"disable_ratio_guard,omitempty"`
}

// applyDefaults fills zero-valued limits with defaults.
func (l *ResourceLimits) applyDefaults() {
	if l.MaxEntries == 0 {
		l.MaxEntries = 1_000_000
	}

	if l.MaxHeaderBytes == 0 {
		l.MaxHeaderBytes = 64 << 20
	}

	if l.MaxTotalUnpacked == 0 {
		l.MaxTotalUnpacked = 1 << 40
	}

	if l.MaxEntryUnpacked == 0 {
		l.MaxEntryUnpacked = 64 << 30
	}

	if l.MaxRatio == 0 {
		l.MaxRatio = defaultRatioGuardLimit
	}

	if l.RatioFloor == 0 {
		l.RatioFloor = defaultRatioGuardFloor
	}
}

// PathPolicy controls duplicate and safety checks on entry paths.
type PathPolicy struct {
	// CaseInsensitive also rejects duplicates after ASCII case folding.
	CaseInsensitive bool `json:"case_insensitive,omitempty" yaml:"case_insensitive,omitempty"`
	// AllowDuplicates disables duplicate path rejection entirely.
	AllowDuplicates bool `json:"allow_duplicates,omitempty" yaml:"allow_duplicates,omitempty"`
}

// ReaderOptions configures reader parse behavior.
type ReaderOptions struct {
	// Password decrypts encrypted headers and content when set.
	Password string `json:"-" yaml:"-"`
	// Limits bounds header parse work; zero values select defaults.
	Limits ResourceLimits `json:"limits,omitzero" yaml:"limits,omitzero"`
	// PathPolicy controls duplicate path rejection. Defaults to strict
	// case-insensitive rejection.
	PathPolicy *PathPolicy `json:"path_policy,omitempty" yaml:"path_policy,omitempty"`
}

// applyDefaults fills zero-valued reader options with defaults.
func (opts *ReaderOptions) applyDefaults() {
	opts.Limits.applyDefaults()

	if opts.PathPolicy == nil {
		opts.PathPolicy = &PathPolicy{CaseInsensitive: true}
	}
}

// OverwritePolicy controls extraction behavior on existing output files.
type OverwritePolicy string

// Output overwrite policies for extraction.
const (
	// OverwriteError fails when the output file already exists.
	OverwriteError OverwritePolicy = "error"
	// OverwriteReplace truncates existing output files.
	OverwriteReplace OverwritePolicy = "overwrite"
	// OverwriteSkip silently keeps existing output files.
	OverwriteSkip OverwritePolicy = "skip"
)

// LinkPolicy controls symlink handling during extraction.
type LinkPolicy string

// Symlink extraction policies.
const (
	// LinkForbid rejects symlink entries.
	LinkForbid LinkPolicy = "forbid"
	// LinkValidate extracts symlinks whose targets resolve inside the root.
	LinkValidate LinkPolicy = "validate"
	// LinkAllow extracts symlinks without target validation.
	LinkAllow LinkPolicy = "allow"
)

// PreserveMetadata selects which entry metadata is applied to extracted files.
type PreserveMetadata struct {
	ModTime    bool `json:"mtime,omitempty" yaml:"mtime,omitempty"`
	AccessTime bool `json:"atime,omitempty" yaml:"atime,omitempty"`
	Attributes bool `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// ExtractOptions configures Extract behavior.
type ExtractOptions struct {
	// OnEntryDone is called after one entry is fully written to disk.
	OnEntryDone func(entry FileEntry, written int64, outputPath string) `json:"-" yaml:"-"`
	// Progress is called with running byte counts; returning false cancels.
	Progress func(bytesDone, bytesTotal uint64) bool `json:"-" yaml:"-"`
	// Filter limits extraction to entries it accepts; nil means all entries.
	Filter func(entry FileEntry) bool `json:"-" yaml:"-"`
	// Overwrite selects behavior for existing output files.
	Overwrite OverwritePolicy `json:"overwrite,omitempty" yaml:"overwrite,omitempty"`
	// Links selects symlink handling. Default forbids links.
	Links LinkPolicy `json:"links,omitempty" yaml:"links,omitempty"`
	// Preserve selects metadata applied to outputs.
	Preserve PreserveMetadata `json:"preserve,omitzero" yaml:"preserve,omitzero"`
	// Limits bounds decode work; zero values select defaults.
	Limits ResourceLimits `json:"limits,omitzero" yaml:"limits,omitzero"`
	// RawNames disables default path sanitization of hostile output names.
	RawNames bool `json:"raw_names,omitempty" yaml:"raw_names,omitempty"`
	// BestEffort continues past per-entry CRC failures and unsupported folders.
	BestEffort bool `json:"best_effort,omitempty" yaml:"best_effort,omitempty"`
}

// applyDefaults fills zero-valued extract options with defaults.
func (opts *ExtractOptions) applyDefaults() {
	if opts.Overwrite == "" {
		opts.Overwrite = OverwriteError
	}

	if opts.Links == "" {
		opts.Links = LinkForbid
	}

	opts.Limits.applyDefaults()
}

// ExtractStats contains extraction output statistics.
type ExtractStats struct {
	// Entries is the number of entries materialized.
	Entries int `json:"entries" yaml:"entries"`
	// Bytes is the total decoded payload bytes written.
	Bytes int64 `json:"bytes" yaml:"bytes"`
	// SkippedFolders counts folders skipped due to unsupported methods.
	SkippedFolders int `json:"skipped_folders,omitempty" yaml:"skipped_folders,omitempty"`
	// CRCFailures counts per-entry CRC mismatches tolerated in best-effort mode.
	CRCFailures int `json:"crc_failures,omitempty" yaml:"crc_failures,omitempty"`
	// Duration is end-to-end extract duration.
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Method selects the primary compression codec for written folders.
type Method string

// Writer codec selection.
const (
	MethodCopy    Method = "copy"
	MethodLZMA2   Method = "lzma2"
	MethodDeflate Method = "deflate"
	MethodBZip2   Method = "bzip2"
	MethodZstd    Method = "zstd"
	MethodBrotli  Method = "brotli"
	MethodLZ4     Method = "lz4"
)

// Filter selects an optional pre-compression branch/delta filter.
type Filter string

// Writer filter selection.
const (
	FilterNone     Filter = ""
	FilterDelta    Filter = "delta"
	FilterBCJX86   Filter = "bcj-x86"
	FilterBCJARM   Filter = "bcj-arm"
	FilterBCJARM64 Filter = "bcj-arm64"
)

// SolidMode controls how files are grouped into folders.
type SolidMode string

// Folder grouping policies.
const (
	// SolidOff writes one folder per file.
	SolidOff SolidMode = "off"
	// SolidBlock groups files until SolidBlockSize is reached.
	SolidBlock SolidMode = "block"
	// SolidAll groups every file into a single folder.
	SolidAll SolidMode = "all"
)

// WriteOptions configures pack behavior.
type WriteOptions struct {
	// OnEntryDone is called after one entry payload is consumed.
	OnEntryDone func(path string, packed int64, original int64) `json:"-" yaml:"-"`
	// Method is the folder compression codec. Default LZMA2.
	Method Method `json:"method,omitempty" yaml:"method,omitempty"`
	// Level is the codec compression level 0..9. Default 5.
	Level int `json:"level,omitempty" yaml:"level,omitempty"`
	// DictSize overrides the LZMA2 dictionary size in bytes; zero selects by level.
	DictSize uint32 `json:"dict_size,omitempty" yaml:"dict_size,omitempty"`
	// Solid selects folder grouping. Default off.
	Solid SolidMode `json:"solid,omitempty" yaml:"solid,omitempty"`
	// SolidBlockSize bounds one solid folder's unpacked size.
	SolidBlockSize int64 `json:"solid_block_size,omitempty" yaml:"solid_block_size,omitempty"`
	// CompressRules selects which entries enter the compression path; an empty
	// rule set compresses everything. Entries excluded by the rules are stored.
	CompressRules []pathrules.Rule `json:"compress_rules,omitempty" yaml:"compress_rules,omitempty"`
	// CompressMatcherOptions control compression path rule matching.
	CompressMatcherOptions pathrules.MatcherOptions `json:"compress_matcher_options,omitzero" yaml:"compress_matcher_options,omitzero"`
	// PreFilter applies a branch/delta filter before the codec.
	PreFilter Filter `json:"pre_filter,omitempty" yaml:"pre_filter,omitempty"`
	// DeltaDistance is the delta filter distance 1..256 when PreFilter is delta.
	DeltaDistance int `json:"delta_distance,omitempty" yaml:"delta_distance,omitempty"`
	// Password enables AES-256 content encryption when non-empty.
	Password string `json:"-" yaml:"-"`
	// EncryptHeader additionally encrypts the header envelope.
	EncryptHeader bool `json:"encrypt_header,omitempty" yaml:"encrypt_header,omitempty"`
	// KeyCyclesPower is the key derivation iteration exponent 0..30. Default 19.
	KeyCyclesPower int `json:"key_cycles_power,omitempty" yaml:"key_cycles_power,omitempty"`
	// Salt overrides the generated key derivation salt (0-16 bytes).
	Salt []byte `json:"-" yaml:"-"`
	// IV overrides the generated AES initialization vector (0-16 bytes).
	IV []byte `json:"-" yaml:"-"`
	// CompressHeader stores the header through LZMA2 when it saves space.
	CompressHeader bool `json:"compress_header,omitempty" yaml:"compress_header,omitempty"`
	// Comment stores an archive comment.
	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`
	// SplitVolumeSize splits output into name.7z.NNN parts when non-zero.
	SplitVolumeSize int64 `json:"split_volume_size,omitempty" yaml:"split_volume_size,omitempty"`
}

// applyDefaults fills zero-valued write options with defaults.
func (opts *WriteOptions) applyDefaults() {
	if opts.Method == "" {
		opts.Method = MethodLZMA2
	}

	if opts.Level == 0 {
		opts.Level = 5
	}
	if opts.Level < 0 {
		opts.Level = 0
	}
	if opts.Level > 9 {
		opts.Level = 9
	}

	if opts.Solid == "" {
		opts.Solid = SolidOff
	}

	if opts.SolidBlockSize <= 0 {
		opts.SolidBlockSize = DefaultSolidBlockSize
	}

	if opts.KeyCyclesPower == 0 {
		opts.KeyCyclesPower = DefaultKeyCyclesPower
	}

	if opts.DeltaDistance <= 0 || opts.DeltaDistance > 256 {
		opts.DeltaDistance = 1
	}

	if opts.CompressMatcherOptions == (pathrules.MatcherOptions{}) {
		opts.CompressMatcherOptions = pathrules.MatcherOptions{
			CaseInsensitive: true,
			DefaultAction:   pathrules.ActionInclude,
		}
	}
}

// Input describes one source stream to be packed into the archive.
type Input struct {
	// ModTime is the entry modification timestamp; zero omits it.
	ModTime time.Time `json:"mod_time,omitzero" yaml:"mod_time,omitzero"`
	// Open returns the raw source stream for this entry. Nil for directories
	// and anti-items.
	Open func() (io.ReadCloser, error) `json:"-" yaml:"-"`
	// Path is the destination path inside the archive.
	Path string `json:"path" yaml:"path"`
	// SizeHint is the expected size in bytes (zero when unknown).
	SizeHint int64 `json:"size_hint,omitempty" yaml:"size_hint,omitempty"`
	// Attributes are Windows attributes; bit 15 marks a Unix mode in the high half.
	Attributes uint32 `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	// IsDir marks a directory entry without payload.
	IsDir bool `json:"is_dir,omitempty" yaml:"is_dir,omitempty"`
	// Anti marks a deletion marker for incremental archives.
	Anti bool `json:"anti,omitempty" yaml:"anti,omitempty"`
}

// PackResult contains pack output statistics.
type PackResult struct {
	// WrittenEntries is the number of entries written to the archive.
	WrittenEntries int `json:"written_entries" yaml:"written_entries"`
	// Folders is the number of folders produced.
	Folders int `json:"folders" yaml:"folders"`
	// PackedBytes is the total pack region size.
	PackedBytes int64 `json:"packed_bytes" yaml:"packed_bytes"`
	// OriginalBytes is the total unpacked payload size.
	OriginalBytes int64 `json:"original_bytes" yaml:"original_bytes"`
	// HeaderBytes is the emitted next-header size.
	HeaderBytes int64 `json:"header_bytes" yaml:"header_bytes"`
	// Duration is end-to-end pack duration.
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// EditOptions configures the file-based archive edit flow.
type EditOptions struct {
	// WriteOptions are applied to re-encoded and added folders during commit.
	WriteOptions WriteOptions `json:"write_options,omitzero" yaml:"write_options,omitzero"`
	// ReaderOptions configure parsing of the source archive.
	ReaderOptions ReaderOptions `json:"reader_options,omitzero" yaml:"reader_options,omitzero"`
	// BackupKeep controls how many backup generations survive a successful
	// commit: 0 removes the backup, 1 keeps `<archive>.bak`, N keeps N generations.
	BackupKeep int `json:"backup_keep,omitempty" yaml:"backup_keep,omitempty"`
}

// applyDefaults fills zero-valued edit options with defaults.
func (opts *EditOptions) applyDefaults() {
	opts.WriteOptions.applyDefaults()
	opts.ReaderOptions.applyDefaults()

	if opts.BackupKeep < 0 {
		opts.BackupKeep = 0
	}
}

// MemoryBudget bounds StreamingReader buffer and decoder pool usage.
type MemoryBudget struct {
	// MaxBufferBytes bounds total buffered decode output.
	MaxBufferBytes int64 `json:"max_buffer_bytes,omitempty" yaml:"max_buffer_bytes,omitempty"`
	// DecoderPoolCapacity is the number of cached per-folder decode states.
	DecoderPoolCapacity int `json:"decoder_pool_capacity,omitempty" yaml:"decoder_pool_capacity,omitempty"`
	// ReadBufferBytes is the per-read chunk size.
	ReadBufferBytes int `json:"read_buffer_bytes,omitempty" yaml:"read_buffer_bytes,omitempty"`
}

// applyDefaults fills zero-valued budget fields with defaults.
func (b *MemoryBudget) applyDefaults() {
	if b.MaxBufferBytes <= 0 {
		b.MaxBufferBytes = 256 << 20
	}

	if b.DecoderPoolCapacity <= 0 {
		b.DecoderPoolCapacity = 4
	}

	if b.ReadBufferBytes <= 0 {
		b.ReadBufferBytes = defaultCopyBufferSize
	}
}

// Windows attribute bits surfaced by FileEntry.
const (
	attrReadonly      = 0x0001
	attrDirectory     = 0x0010
	attrReparsePoint  = 0x0400
	attrUnixExtension = 0x8000
)

// FileEntry describes a single parsed archive entry.
type FileEntry struct {
	// Path is the normalized slash-separated entry path.
	Path string `json:"path" yaml:"path"`
	// Size is the uncompressed size in bytes.
	Size uint64 `json:"size" yaml:"size"`
	// CRC32 is the stored checksum of uncompressed data; HasCRC reports presence.
	CRC32 uint32 `json:"crc32,omitempty" yaml:"crc32,omitempty"`
	// HasCRC reports whether CRC32 is stored.
	HasCRC bool `json:"has_crc,omitempty" yaml:"has_crc,omitempty"`
	// IsDir reports a directory entry.
	IsDir bool `json:"is_dir,omitempty" yaml:"is_dir,omitempty"`
	// IsAnti reports a deletion marker entry.
	IsAnti bool `json:"is_anti,omitempty" yaml:"is_anti,omitempty"`
	// HasStream reports whether the entry owns a data substream.
	HasStream bool `json:"has_stream,omitempty" yaml:"has_stream,omitempty"`
	// CreationTime, AccessTime, ModificationTime are optional FILETIMEs; zero means absent.
	CreationTime     FileTime `json:"ctime,omitempty" yaml:"ctime,omitempty"`
	AccessTime       FileTime `json:"atime,omitempty" yaml:"atime,omitempty"`
	ModificationTime FileTime `json:"mtime,omitempty" yaml:"mtime,omitempty"`
	// Attributes are Windows attributes; HasAttributes reports presence.
	Attributes    uint32 `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	HasAttributes bool   `json:"has_attributes,omitempty" yaml:"has_attributes,omitempty"`

	// folder is the owning folder index, -1 for empty entries.
	folder int
	// substream is the index into the folder's substream sequence.
	substream int
	// streamIndex is the global substream index across folders.
	streamIndex int
}

// IsSymlink reports whether the entry is a symbolic link by attributes.
func (e *FileEntry) IsSymlink() bool {
	if !e.HasAttributes {
		return false
	}

	if e.Attributes&attrReparsePoint != 0 {
		return true
	}

	// Unix extension keeps the mode in the high 16 bits.
	return e.Attributes&attrUnixExtension != 0 && e.Attributes>>16&0xF000 == 0xA000
}

// UnixMode returns the Unix permission bits when the extension bit is set.
func (e *FileEntry) UnixMode() (uint32, bool) {
	if !e.HasAttributes || e.Attributes&attrUnixExtension == 0 {
		return 0, false
	}

	return e.Attributes >> 16, true
}
