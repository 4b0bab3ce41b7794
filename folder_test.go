package zesven

import (
	"errors"
	"testing"
)

// simpleCoder builds a 1-in 1-out coder for topology tests.
func simpleCoder(id byte) coder {
	return coder{methodID: []byte{id}, numIn: 1, numOut: 1}
}

// TestFolderValidateSingleCoder verifies the minimal valid folder.
func TestFolderValidateSingleCoder(t *testing.T) {
	fo := &folder{
		coders:        []coder{simpleCoder(0x21)},
		packedStreams: []int{0},
		unpackSizes:   []uint64{1000},
	}

	if err := fo.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(fo.execution) != 1 || fo.execution[0] != 0 {
		t.Errorf("execution = %v", fo.execution)
	}
	if fo.finalUnpackSize() != 1000 {
		t.Errorf("finalUnpackSize = %d", fo.finalUnpackSize())
	}
}

// TestFolderValidateChain verifies a two-coder chain orders producer first.
func TestFolderValidateChain(t *testing.T) {
	// coder0 (filter) consumes coder1 (codec); pack feeds coder1.
	fo := &folder{
		coders:        []coder{simpleCoder(0x03), simpleCoder(0x21)},
		binds:         []bindPair{{inIndex: 0, outIndex: 1}},
		packedStreams: []int{1},
		unpackSizes:   []uint64{500, 500},
	}

	if err := fo.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	// Producer (coder 1) must precede consumer (coder 0).
	if len(fo.execution) != 2 || fo.execution[0] != 1 || fo.execution[1] != 0 {
		t.Errorf("execution = %v", fo.execution)
	}

	out, err := fo.finalOutStream()
	if err != nil {
		t.Fatal(err)
	}
	if out != 0 {
		t.Errorf("final out stream = %d", out)
	}
}

// TestFolderValidateNoCoders verifies empty folders are rejected.
func TestFolderValidateNoCoders(t *testing.T) {
	fo := &folder{}
	if err := fo.validate(); !errors.Is(err, ErrInvalidArchive) {
		t.Errorf("expected ErrInvalidArchive, got %v", err)
	}
}

// TestFolderValidateCycle verifies cyclic bind pairs are rejected.
func TestFolderValidateCycle(t *testing.T) {
	// Two coders feeding each other; an extra output keeps bind count legal.
	fo := &folder{
		coders: []coder{
			{methodID: []byte{0x01}, numIn: 1, numOut: 2},
			simpleCoder(0x02),
		},
		binds:         []bindPair{{inIndex: 0, outIndex: 2}, {inIndex: 1, outIndex: 0}},
		packedStreams: []int{},
		unpackSizes:   []uint64{1, 1, 1},
	}

	err := fo.validate()
	if !errors.Is(err, ErrInvalidArchive) {
		t.Errorf("expected ErrInvalidArchive for cycle, got %v", err)
	}
}

// TestFolderValidateMultipleUnboundOutputs verifies single-output invariant.
func TestFolderValidateMultipleUnboundOutputs(t *testing.T) {
	fo := &folder{
		coders:        []coder{simpleCoder(0x01), simpleCoder(0x02)},
		binds:         nil, // two outputs, no binds: both unbound
		packedStreams: []int{0, 1},
		unpackSizes:   []uint64{1, 1},
	}

	if err := fo.validate(); !errors.Is(err, ErrInvalidArchive) {
		t.Errorf("expected ErrInvalidArchive, got %v", err)
	}
}

// TestFolderValidateUnfedInput verifies every input needs a feed.
func TestFolderValidateUnfedInput(t *testing.T) {
	fo := &folder{
		coders:        []coder{simpleCoder(0x01)},
		packedStreams: []int{}, // nothing feeds input 0
		unpackSizes:   []uint64{1},
	}

	if err := fo.validate(); !errors.Is(err, ErrInvalidArchive) {
		t.Errorf("expected ErrInvalidArchive, got %v", err)
	}
}

// TestFolderBCJ2Topology verifies the 5-coder BCJ2 layout validates.
func TestFolderBCJ2Topology(t *testing.T) {
	// Streams: coder 0 is LZMA2 and coders 1-3 are LZMA (in 0-3, out 0-3),
	// coder 4 is BCJ2 (in 4-7, out 4). Each of the four codec outputs binds
	// to one BCJ2 input; the four pack streams feed the codec inputs 0-3.
	fo := &folder{
		coders: []coder{
			{methodID: methodLZMA2, numIn: 1, numOut: 1},
			{methodID: methodLZMA, numIn: 1, numOut: 1},
			{methodID: methodLZMA, numIn: 1, numOut: 1},
			{methodID: methodLZMA, numIn: 1, numOut: 1},
			{methodID: methodBCJ2, numIn: 4, numOut: 1},
		},
		binds: []bindPair{
			{inIndex: 4, outIndex: 0},
			{inIndex: 5, outIndex: 1},
			{inIndex: 6, outIndex: 2},
			{inIndex: 7, outIndex: 3},
		},
		packedStreams: []int{0, 1, 2, 3},
		unpackSizes:   []uint64{100, 20, 20, 4, 144},
	}

	if err := fo.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	out, err := fo.finalOutStream()
	if err != nil {
		t.Fatal(err)
	}
	if out != 4 {
		t.Errorf("final out stream = %d, want 4", out)
	}
	if fo.finalUnpackSize() != 144 {
		t.Errorf("finalUnpackSize = %d", fo.finalUnpackSize())
	}

	// BCJ2 must execute last.
	if fo.execution[len(fo.execution)-1] != 4 {
		t.Errorf("execution = %v", fo.execution)
	}
}

// TestFolderStreamIndexing verifies prefix-sum stream index helpers.
func TestFolderStreamIndexing(t *testing.T) {
	fo := &folder{
		coders: []coder{
			{methodID: []byte{0x01}, numIn: 2, numOut: 1},
			{methodID: []byte{0x02}, numIn: 1, numOut: 2},
		},
	}

	if got := fo.coderOfInStream(0); got != 0 {
		t.Errorf("coderOfInStream(0) = %d", got)
	}
	if got := fo.coderOfInStream(2); got != 1 {
		t.Errorf("coderOfInStream(2) = %d", got)
	}
	if got := fo.coderOfOutStream(0); got != 0 {
		t.Errorf("coderOfOutStream(0) = %d", got)
	}
	if got := fo.coderOfOutStream(2); got != 1 {
		t.Errorf("coderOfOutStream(2) = %d", got)
	}
	if got := fo.firstInStream(1); got != 2 {
		t.Errorf("firstInStream(1) = %d", got)
	}
	if got := fo.firstOutStream(1); got != 1 {
		t.Errorf("firstOutStream(1) = %d", got)
	}
}
