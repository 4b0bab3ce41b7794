// SPDX-License-Identifier: MIT
// Copyright (c) 2026 Andrey Akinshin
// Source: github.com/AndreyAkinshin/zesven

package zesven

import "fmt"

// totalIn returns the input stream count across coders.
func (f *folder) totalIn() int {
	total := 0
	for i := range f.coders {
		total += f.coders[i].numIn
	}

	return total
}

// totalOut returns the output stream count across coders.
func (f *folder) totalOut() int {
	total := 0
	for i := range f.coders {
		total += f.coders[i].numOut
	}

	return total
}

// coderOfOutStream maps a folder-local output stream index to its coder index.
func (f *folder) coderOfOutStream(out int) int {
	idx := 0
	for i := range f.coders {
		if out < idx+f.coders[i].numOut {
			return i
		}

		idx += f.coders[i].numOut
	}

	return -1
}

// coderOfInStream maps a folder-local input stream index to its coder index.
func (f *folder) coderOfInStream(in int) int {
	idx := 0
	for i := range f.coders {
		if in < idx+f.coders[i].numIn {
			return i
		}

		idx += f.coders[i].numIn
	}

	return -1
}

// firstInStream returns the folder-local index of coderIdx's first input stream.
func (f *folder) firstInStream(coderIdx int) int {
	idx := 0
	for i := 0; i < coderIdx; i++ {
		idx += f.coders[i].numIn
	}

	return idx
}

// firstOutStream returns the folder-local index of coderIdx's first output stream.
func (f *folder) firstOutStream(coderIdx int) int {
	idx := 0
	for i := 0; i < coderIdx; i++ {
		idx += f.coders[i].numOut
	}

	return idx
}

// bindOfInStream returns the bind pair feeding the given input stream, or nil.
func (f *folder) bindOfInStream(in int) *bindPair {
	for i := range f.binds {
		if f.binds[i].inIndex == in {
			return &f.binds[i]
		}
	}

	return nil
}

// bindOfOutStream returns the bind pair consuming the given output stream, or nil.
func (f *folder) bindOfOutStream(out int) *bindPair {
	for i := range f.binds {
		if f.binds[i].outIndex == out {
			return &f.binds[i]
		}
	}

	return nil
}

// packSlotOfInStream returns the folder-local pack slot feeding the input stream, or -1.
func (f *folder) packSlotOfInStream(in int) int {
	for slot, idx := range f.packedStreams {
		if idx == in {
			return slot
		}
	}

	return -1
}

// finalOutStream returns the folder-local index of the single unbound output.
func (f *folder) finalOutStream() (int, error) {
	found := -1
	for out := 0; out < f.totalOut(); out++ {
		if f.bindOfOutStream(out) != nil {
			continue
		}

		if found >= 0 {
			return 0, fmt.Errorf("%w: folder has multiple unbound outputs", ErrInvalidArchive)
		}

		found = out
	}

	if found < 0 {
		return 0, fmt.Errorf("%w: folder has no unbound output", ErrInvalidArchive)
	}

	return found, nil
}

// finalUnpackSize returns the size of the folder's final unpack stream.
func (f *folder) finalUnpackSize() uint64 {
	out, err := f.finalOutStream()
	if err != nil || out >= len(f.unpackSizes) {
		return 0
	}

	return f.unpackSizes[out]
}

// validate checks folder topology invariants and computes the execution order.
func (f *folder) validate() error {
	if len(f.coders) == 0 {
		return fmt.Errorf("%w: folder has no coders", ErrInvalidArchive)
	}

	totalIn := f.totalIn()
	totalOut := f.totalOut()

	for i := range f.coders {
		c := &f.coders[i]
		if len(c.methodID) == 0 || len(c.methodID) > maxCoderIDLen {
			return fmt.Errorf("%w: coder method ID length %d", ErrInvalidArchive, len(c.methodID))
		}
		if c.numIn < 1 || c.numOut < 1 {
			return fmt.Errorf("%w: coder stream counts %d/%d", ErrInvalidArchive, c.numIn, c.numOut)
		}
	}

	if len(f.binds) != totalOut-1 {
		return fmt.Errorf("%w: %d bind pairs for %d outputs", ErrInvalidArchive, len(f.binds), totalOut)
	}

	seenIn := make(map[int]bool, len(f.binds))
	seenOut := make(map[int]bool, len(f.binds))
	for _, bp := range f.binds {
		if bp.inIndex < 0 || bp.inIndex >= totalIn {
			return fmt.Errorf("%w: bind input index %d out of range", ErrInvalidArchive, bp.inIndex)
		}
		if bp.outIndex < 0 || bp.outIndex >= totalOut {
			return fmt.Errorf("%w: bind output index %d out of range", ErrInvalidArchive, bp.outIndex)
		}
		if seenIn[bp.inIndex] || seenOut[bp.outIndex] {
			return fmt.Errorf("%w: duplicate bind pair endpoint", ErrInvalidArchive)
		}

		seenIn[bp.inIndex] = true
		seenOut[bp.outIndex] = true
	}

	// Every input is fed by exactly one bind pair or one pack slot.
	unbound := 0
	for in := 0; in < totalIn; in++ {
		bound := seenIn[in]
		packed := f.packSlotOfInStream(in) >= 0
		switch {
		case bound && packed:
			return fmt.Errorf("%w: input stream %d both bound and packed", ErrInvalidArchive, in)
		case !bound && !packed:
			return fmt.Errorf("%w: input stream %d unfed", ErrInvalidArchive, in)
		case packed:
			unbound++
		}
	}

	if len(f.packedStreams) != unbound {
		return fmt.Errorf("%w: %d pack slots for %d unbound inputs", ErrInvalidArchive, len(f.packedStreams), unbound)
	}
	for _, idx := range f.packedStreams {
		if idx < 0 || idx >= totalIn {
			return fmt.Errorf("%w: packed stream index %d out of range", ErrInvalidArchive, idx)
		}
	}

	if len(f.unpackSizes) != totalOut {
		return fmt.Errorf("%w: %d unpack sizes for %d outputs", ErrInvalidArchive, len(f.unpackSizes), totalOut)
	}

	if _, err := f.finalOutStream(); err != nil {
		return err
	}

	order, err := f.topoOrder()
	if err != nil {
		return err
	}
	f.execution = order

	return nil
}

// topoOrder returns coder indices in producer-before-consumer order.
// Bind pairs draw edges from producing coder to consuming coder; a back edge
// in the DFS means the graph is cyclic.
func (f *folder) topoOrder() ([]int, error) {
	adj := make([][]int, len(f.coders))
	for _, bp := range f.binds {
		producer := f.coderOfOutStream(bp.outIndex)
		consumer := f.coderOfInStream(bp.inIndex)
		if producer < 0 || consumer < 0 {
			return nil, fmt.Errorf("%w: bind pair outside coder streams", ErrInvalidArchive)
		}

		adj[producer] = append(adj[producer], consumer)
	}

	const (
		colorWhite = 0
		colorGray  = 1
		colorBlack = 2
	)

	color := make([]int, len(f.coders))
	order := make([]int, 0, len(f.coders))

	var visit func(int) error
	visit = func(node int) error {
		color[node] = colorGray
		for _, next := range adj[node] {
			switch color[next] {
			case colorGray:
				return fmt.Errorf("%w: cyclic bind pairs", ErrInvalidArchive)
			case colorWhite:
				if err := visit(next); err != nil {
					return err
				}
			}
		}

		color[node] = colorBlack
		order = append(order, node)

		return nil
	}

	for i := range f.coders {
		if color[i] == colorWhite {
			if err := visit(i); err != nil {
				return nil, err
			}
		}
	}

	// Post-order appends consumers first; reverse for producers-first order.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}

	return order, nil
}

// usesMethod reports whether any coder in the folder matches id.
func (f *folder) usesMethod(id []byte) bool {
	for i := range f.coders {
		if f.coders[i].isMethod(id) {
			return true
		}
	}

	return false
}

// validateStreams cross-checks folder pack usage against the global pack table.
func validateStreams(si *streamsInfo, limits *ResourceLimits) error {
	if si == nil {
		return nil
	}

	numPack := 0
	if si.pack != nil {
		numPack = si.pack.numStreams()
	}

	used := 0
	var totalUnpacked uint64
	for i, fo := range si.folders {
		if err := fo.validate(); err != nil {
			return fmt.Errorf("folder %d: %w", i, err)
		}

		used += len(fo.packedStreams)
		totalUnpacked += fo.finalUnpackSize()
	}

	if used > numPack {
		return fmt.Errorf("%w: folders use %d pack streams of %d", ErrInvalidArchive, used, numPack)
	}

	if limits != nil && totalUnpacked > limits.MaxTotalUnpacked {
		return limitErrorf(LimitTotalUnpacked, "declared %d bytes", totalUnpacked)
	}

	if si.subStreams != nil {
		if len(si.subStreams.numUnpackStreams) != len(si.folders) {
			return fmt.Errorf("%w: substream folder count mismatch", ErrInvalidArchive)
		}

		// Per-folder substream sizes must add up to the folder output.
		idx := 0
		for i, n := range si.subStreams.numUnpackStreams {
			var sum uint64
			for j := 0; j < n; j++ {
				if idx >= len(si.subStreams.sizes) {
					return fmt.Errorf("%w: missing substream sizes", ErrInvalidArchive)
				}

				sum += si.subStreams.sizes[idx]
				idx++
			}

			if n > 0 && sum != si.folders[i].finalUnpackSize() {
				return fmt.Errorf("%w: folder %d substream sizes sum %d != %d",
					ErrInvalidArchive, i, sum, si.folders[i].finalUnpackSize())
			}
		}
	}

	return nil
}
