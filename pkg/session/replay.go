package session

import "encoding/binary"

// ReplayWindow is a sliding bitmap over recently accepted sequence
// counters. Counters at or below the floor (max - size) are rejected,
// as is any counter whose bit is already set. Accepting a counter above
// max slides the window forward.
type ReplayWindow struct {
	size   uint64
	max    uint64 // highest accepted counter, 0 = nothing accepted yet
	bitmap []uint64
}

// NewReplayWindow creates a window tracking the last size counters.
// size is rounded up to a multiple of 64.
func NewReplayWindow(size int) *ReplayWindow {
	if size < 64 {
		size = 64
	}
	words := (size + 63) / 64
	return &ReplayWindow{
		size:   uint64(words * 64),
		bitmap: make([]uint64, words),
	}
}

// Floor returns the lowest counter the window can still accept minus one
func (w *ReplayWindow) Floor() uint64 {
	if w.max <= w.size {
		return 0
	}
	return w.max - w.size
}

// Max returns the highest accepted counter
func (w *ReplayWindow) Max() uint64 {
	return w.max
}

// Seen reports whether counter would be rejected as a replay
func (w *ReplayWindow) Seen(counter uint64) bool {
	if counter == 0 {
		return true // counter 0 is reserved for handshakes
	}
	if counter > w.max {
		return false
	}
	if counter <= w.Floor() {
		return true
	}
	return w.bit(counter)
}

// Accept records counter as seen, sliding the window forward if needed.
// Callers must check Seen first; Accept on a seen counter is a no-op.
func (w *ReplayWindow) Accept(counter uint64) {
	if counter == 0 || w.Seen(counter) {
		return
	}

	if counter > w.max {
		// Clear the bits between the old and new max.
		advance := counter - w.max
		if advance >= w.size {
			for i := range w.bitmap {
				w.bitmap[i] = 0
			}
		} else {
			for c := w.max + 1; c < counter; c++ {
				w.clearBit(c)
			}
		}
		w.max = counter
	}
	w.setBit(counter)
}

func (w *ReplayWindow) index(counter uint64) (word int, mask uint64) {
	bit := counter % w.size
	return int(bit / 64), uint64(1) << (bit % 64)
}

func (w *ReplayWindow) bit(counter uint64) bool {
	word, mask := w.index(counter)
	return w.bitmap[word]&mask != 0
}

func (w *ReplayWindow) setBit(counter uint64) {
	word, mask := w.index(counter)
	w.bitmap[word] |= mask
}

func (w *ReplayWindow) clearBit(counter uint64) {
	word, mask := w.index(counter)
	w.bitmap[word] &^= mask
}

// Marshal serializes the window for persistence
func (w *ReplayWindow) Marshal() []byte {
	buf := make([]byte, 8*len(w.bitmap))
	for i, word := range w.bitmap {
		binary.BigEndian.PutUint64(buf[i*8:], word)
	}
	return buf
}

// RestoreReplayWindow rebuilds a window from its persisted max and
// bitmap. A bitmap of the wrong shape falls back to an empty window at
// the same max, which only risks re-accepting counters the transport
// should not redeliver anyway.
func RestoreReplayWindow(size int, max uint64, bitmap []byte) *ReplayWindow {
	w := NewReplayWindow(size)
	w.max = max
	if len(bitmap) == 8*len(w.bitmap) {
		for i := range w.bitmap {
			w.bitmap[i] = binary.BigEndian.Uint64(bitmap[i*8:])
		}
	}
	return w
}
