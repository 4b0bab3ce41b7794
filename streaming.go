// SPDX-License-Identifier: MIT
// Copyright (c) 2026 Andrey Akinshin
// Source: github.com/AndreyAkinshin/zesven

package zesven

import (
	"container/list"
	"fmt"
	"io"
)

// StreamingReader wraps a Reader with a bounded-memory decode model: a small
// LRU pool of per-folder decode states so repeated access to files of the
// same solid folder is amortized instead of re-decoded from folder start.
type StreamingReader struct {
	reader *Reader
	budget MemoryBudget
	pool   *decoderPool
}

// NewStreamingReader builds a StreamingReader over an already parsed Reader.
func NewStreamingReader(r *Reader, budget MemoryBudget) (*StreamingReader, error) {
	if r == nil {
		return nil, ErrNilReader
	}

	budget.applyDefaults()

	return &StreamingReader{
		reader: r,
		budget: budget,
		pool:   newDecoderPool(budget.DecoderPoolCapacity),
	}, nil
}

// OpenStreaming opens an archive file and wraps it in a StreamingReader.
func OpenStreaming(path string, opts ReaderOptions, budget MemoryBudget) (*StreamingReader, error) {
	r, err := OpenWithOptions(path, opts)
	if err != nil {
		return nil, err
	}

	sr, err := NewStreamingReader(r, budget)
	if err != nil {
		_ = r.Close()
		return nil, err
	}

	return sr, nil
}

// Entries returns a copy of parsed entries.
func (s *StreamingReader) Entries() []FileEntry {
	return s.reader.Entries()
}

// Close closes the pool and the underlying reader.
func (s *StreamingReader) Close() error {
	if s == nil {
		return nil
	}

	s.pool.clear()

	return s.reader.Close()
}

// ReadEntry reads one entry, reusing a pooled folder decode state when the
// entry lies at or past the cached stream position.
func (s *StreamingReader) ReadEntry(name string) ([]byte, error) {
	if s == nil || s.reader == nil {
		return nil, ErrNilReader
	}
	if s.reader.isClosed() {
		return nil, ErrClosed
	}

	entry := s.reader.findEntryByName(name)
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	if !entry.HasStream {
		return nil, nil
	}
	if int64(entry.Size) > s.budget.MaxBufferBytes {
		return nil, limitErrorf(LimitMemory, "entry %q needs %d buffered bytes", entry.Path, entry.Size)
	}

	si := s.reader.header.streams
	var offset uint64
	first := s.reader.folderStreams[entry.folder]
	for idx := first; idx < entry.streamIndex; idx++ {
		offset += si.subStreams.sizes[idx]
	}

	state, err := s.pool.acquire(s.reader, entry.folder, offset)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, s.budget.ReadBufferBytes)
	if err := discardN(state.src, offset-state.pos, buf); err != nil {
		s.pool.drop(entry.folder)
		return nil, err
	}
	state.pos = offset

	sub := &substreamReader{
		src:       state.src,
		remaining: entry.Size,
		wantCRC:   entry.CRC32,
		hasCRC:    entry.HasCRC,
		encrypted: si.folders[entry.folder].usesMethod(methodAES256),
	}

	data, err := io.ReadAll(sub)
	if err != nil {
		s.pool.drop(entry.folder)
		return nil, err
	}
	state.pos += entry.Size

	return data, nil
}

// folderDecodeState is one pooled, partially consumed folder stream.
type folderDecodeState struct {
	src io.Reader
	pos uint64
}

// decoderPool is an LRU cache of folder decode states keyed by folder index.
type decoderPool struct {
	capacity int
	order    *list.List
	states   map[int]*list.Element
}

// poolItem pairs a folder index with its decode state.
type poolItem struct {
	folder int
	state  *folderDecodeState
}

// newDecoderPool creates a pool with the given capacity.
func newDecoderPool(capacity int) *decoderPool {
	if capacity < 1 {
		capacity = 1
	}

	return &decoderPool{
		capacity: capacity,
		order:    list.New(),
		states:   make(map[int]*list.Element),
	}
}

// acquire returns a decode state positioned at or before offset, rebuilding
// the pipeline when the cached state has advanced past it.
func (p *decoderPool) acquire(r *Reader, folderIdx int, offset uint64) (*folderDecodeState, error) {
	if el, ok := p.states[folderIdx]; ok {
		item := el.Value.(*poolItem)
		if item.state.pos <= offset {
			p.order.MoveToFront(el)
			return item.state, nil
		}

		// The stream moved past the target; a folder restart is required.
		p.order.Remove(el)
		delete(p.states, folderIdx)
	}

	src, err := r.folderReader(folderIdx)
	if err != nil {
		return nil, err
	}

	state := &folderDecodeState{src: src}
	p.insert(folderIdx, state)

	return state, nil
}

// insert adds a state, evicting the least recently used past capacity.
func (p *decoderPool) insert(folderIdx int, state *folderDecodeState) {
	el := p.order.PushFront(&poolItem{folder: folderIdx, state: state})
	p.states[folderIdx] = el

	for p.order.Len() > p.capacity {
		last := p.order.Back()
		item := last.Value.(*poolItem)
		p.order.Remove(last)
		delete(p.states, item.folder)
	}
}

// drop removes one folder's state after a decode failure.
func (p *decoderPool) drop(folderIdx int) {
	if el, ok := p.states[folderIdx]; ok {
		p.order.Remove(el)
		delete(p.states, folderIdx)
	}
}

// clear removes every pooled state.
func (p *decoderPool) clear() {
	p.order.Init()
	p.states = make(map[int]*list.Element)
}
