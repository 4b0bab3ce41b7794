// SPDX-License-Identifier: MIT
// Copyright (c) 2026 Andrey Akinshin
// Source: github.com/AndreyAkinshin/zesven

package zesven

import "bytes"

// Property IDs of the tagged header grammar.
const (
	idEnd                   = 0x00
	idHeader                = 0x01
	idArchiveProperties     = 0x02
	idAdditionalStreamsInfo = 0x03
	idMainStreamsInfo       = 0x04
	idFilesInfo             = 0x05
	idPackInfo              = 0x06
	idUnpackInfo            = 0x07
	idSubStreamsInfo        = 0x08
	idSize                  = 0x09
	idCRC                   = 0x0A
	idFolder                = 0x0B
	idCodersUnpackSize      = 0x0C
	idNumUnpackStream       = 0x0D
	idEmptyStream           = 0x0E
	idEmptyFile             = 0x0F
	idAnti                  = 0x10
	idName                  = 0x11
	idCTime                 = 0x12
	idATime                 = 0x13
	idMTime                 = 0x14
	idWinAttributes         = 0x15
	idComment               = 0x16
	idEncodedHeader         = 0x17
	idStartPos              = 0x18
	idDummy                 = 0x19
)

// Method IDs of the known coders.
var (
	methodCopy      = []byte{0x00}
	methodDelta     = []byte{0x03}
	methodLZMA      = []byte{0x03, 0x01, 0x01}
	methodLZMA2     = []byte{0x21}
	methodPPMd      = []byte{0x03, 0x04, 0x01}
	methodDeflate   = []byte{0x04, 0x01, 0x08}
	methodDeflate64 = []byte{0x04, 0x01, 0x09}
	methodBZip2     = []byte{0x04, 0x02, 0x02}
	methodZstd      = []byte{0x04, 0xF7, 0x11, 0x01}
	methodBrotli    = []byte{0x04, 0xF7, 0x11, 0x02}
	methodLZ4       = []byte{0x04, 0xF7, 0x11, 0x04}
	methodLZ5       = []byte{0x04, 0xF7, 0x11, 0x05}
	methodLizard    = []byte{0x04, 0xF7, 0x11, 0x06}
	methodBCJX86    = []byte{0x03, 0x03, 0x01, 0x03}
	methodBCJX86S   = []byte{0x04} // short alias of BCJ x86
	methodBCJ2      = []byte{0x03, 0x03, 0x01, 0x1B}
	methodBCJPPC    = []byte{0x03, 0x03, 0x02, 0x05}
	methodBCJIA64   = []byte{0x03, 0x03, 0x04, 0x01}
	methodBCJARM    = []byte{0x03, 0x03, 0x05, 0x01}
	methodBCJARMT   = []byte{0x03, 0x03, 0x07, 0x01}
	methodBCJSPARC  = []byte{0x03, 0x03, 0x08, 0x05}
	methodBCJARM64  = []byte{0x0A}
	methodBCJRISCV  = []byte{0x0B}
	methodAES256    = []byte{0x06, 0xF1, 0x07, 0x01}
)

// signatureHeader is the fixed 32-byte structure at the archive base offset.
type signatureHeader struct {
	versionMajor     byte
	versionMinor     byte
	startHeaderCRC   uint32
	nextHeaderOffset uint64
	nextHeaderSize   uint64
	nextHeaderCRC    uint32
}

// coder is one transformation step inside a folder.
type coder struct {
	// methodID is the raw 1-15 byte method identifier.
	methodID []byte
	// properties are opaque codec parameters; nil when absent.
	properties []byte
	// numIn and numOut are the stream counts; simple coders have 1/1.
	numIn  int
	numOut int
}

// isMethod reports whether the coder matches id, folding BCJ x86 aliases.
func (c *coder) isMethod(id []byte) bool {
	if bytes.Equal(c.methodID, id) {
		return true
	}

	// Short and long BCJ x86 forms are equivalent on read.
	if bytes.Equal(id, methodBCJX86) || bytes.Equal(id, methodBCJX86S) {
		return bytes.Equal(c.methodID, methodBCJX86) || bytes.Equal(c.methodID, methodBCJX86S)
	}

	return false
}

// bindPair connects one coder's output stream to another coder's input stream.
// Indices are folder-local prefix sums over coder stream counts.
type bindPair struct {
	inIndex  int
	outIndex int
}

// folder is one compression processing unit: a DAG of coders consuming pack
// streams and producing a single unpack stream.
type folder struct {
	coders []coder
	binds  []bindPair
	// packedStreams maps folder-local pack slots to input stream indices.
	packedStreams []int
	// unpackSizes holds one size per coder output stream in prefix-sum order.
	unpackSizes []uint64
	// unpackCRC is the optional CRC of the final unpack stream.
	unpackCRC    uint32
	hasUnpackCRC bool
	// execution is the validated topological coder order, producers first.
	execution []int
}

// packInfo describes the packed stream region.
type packInfo struct {
	packPos    uint64
	packSizes  []uint64
	packCRCs   []uint32
	packHasCRC []bool
}

// numStreams returns the pack stream count.
func (p *packInfo) numStreams() int {
	return len(p.packSizes)
}

// totalPackedSize returns the sum of pack sizes.
func (p *packInfo) totalPackedSize() uint64 {
	var total uint64
	for _, s := range p.packSizes {
		total += s
	}

	return total
}

// subStreamsInfo slices folder outputs into per-file substreams.
type subStreamsInfo struct {
	// numUnpackStreams holds the file count per folder.
	numUnpackStreams []int
	// sizes holds one size per substream in folder order.
	sizes []uint64
	// digests holds optional per-substream CRCs aligned with sizes.
	digests    []uint32
	hasDigests []bool
}

// totalStreams returns the substream count across folders.
func (s *subStreamsInfo) totalStreams() int {
	total := 0
	for _, n := range s.numUnpackStreams {
		total += n
	}

	return total
}

// streamsInfo groups the three stream sections of a header scope.
type streamsInfo struct {
	pack       *packInfo
	folders    []*folder
	subStreams *subStreamsInfo
}

// mainHeader is the parsed plain-form archive header.
type mainHeader struct {
	streams *streamsInfo
	entries []FileEntry
	comment string
	// headerEncrypted reports whether the encoded-header envelope used AES.
	headerEncrypted bool
}

// folderList returns the folder list or nil.
func (h *mainHeader) folderList() []*folder {
	if h.streams == nil {
		return nil
	}

	return h.streams.folders
}
