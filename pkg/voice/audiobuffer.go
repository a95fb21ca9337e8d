package voice

import "sync"

// audioBuffer is a rolling buffer of the most recent audio, kept for the
// smart-turn classifier. Audio is stored in fixed-size frames with absolute
// indexing, so time-based slices stay valid as old frames are evicted.
//
// Puts are non-blocking: when full, the oldest frame is dropped. Unlike the
// rest of the pipeline it is written from the caller's audio goroutine and
// read from the worker, so it carries its own lock.
type audioBuffer struct {
	mu        sync.Mutex
	frameSize int
	maxFrames int
	frames    [][]byte
	// head is the absolute index of frames[0].
	head int64
	// pending accumulates bytes until a whole frame is available.
	pending []byte
}

func newAudioBuffer(frameSize, maxFrames int) *audioBuffer {
	return &audioBuffer{frameSize: frameSize, maxFrames: maxFrames}
}

// put appends audio bytes, chunking them into frames. Odd-sized chunks are
// accumulated until a full frame is available.
func (b *audioBuffer) put(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(b.pending, chunk...)
	for len(b.pending) >= b.frameSize {
		frame := make([]byte, b.frameSize)
		copy(frame, b.pending[:b.frameSize])
		b.pending = b.pending[b.frameSize:]
		b.frames = append(b.frames, frame)
		if len(b.frames) > b.maxFrames {
			b.frames = b.frames[1:]
			b.head++
		}
	}
}

// slice returns the bytes of the frame range [start, end), clamped to what
// is actually buffered.
func (b *audioBuffer) slice(start, end int64) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if start < b.head {
		start = b.head
	}
	if max := b.head + int64(len(b.frames)); end > max {
		end = max
	}
	if end <= start {
		return nil
	}
	out := make([]byte, 0, int(end-start)*b.frameSize)
	for i := start; i < end; i++ {
		out = append(out, b.frames[i-b.head]...)
	}
	return out
}

// framesWritten returns the absolute index one past the newest full frame.
func (b *audioBuffer) framesWritten() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head + int64(len(b.frames))
}
