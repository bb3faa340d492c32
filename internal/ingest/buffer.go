// Package ingest provides per-connection bounded buffering for the two
// timestamped media streams a client delivers: compressed video frames and
// raw PCM audio chunks.
//
// A Buffer is exclusively owned by one connection and is mutated only from
// that connection's read loop, so it performs no internal locking. Overflow
// is handled by evicting the oldest entries and reporting the drop count as
// a backpressure signal; appends never fail.
package ingest

// Frame is a single timestamped compressed image (typically JPEG) captured
// by the client. Arrival order is not guaranteed to be sorted by timestamp.
type Frame struct {
	// TsMs is the capture timestamp in milliseconds on the client's clock.
	TsMs float64

	// Data is the opaque compressed image payload.
	Data []byte
}

// AudioChunk is a run of 16-bit little-endian mono PCM samples starting at
// a known timestamp.
type AudioChunk struct {
	// StartTsMs is the timestamp of the first sample in milliseconds.
	StartTsMs float64

	// PCM holds the raw sample bytes (2 bytes per sample).
	PCM []byte

	// Samples is the number of samples in PCM.
	Samples int

	// SampleRate is the chunk's sample rate in Hz.
	SampleRate int
}

// EndTsMs returns the timestamp just past the last sample of the chunk.
func (c AudioChunk) EndTsMs() float64 {
	if c.SampleRate <= 0 {
		return c.StartTsMs
	}
	return c.StartTsMs + float64(c.Samples)/float64(c.SampleRate)*1000.0
}

// Buffer holds one bounded sequence of frames and one bounded sequence of
// audio chunks for a single connection.
type Buffer struct {
	maxFrames int
	maxChunks int

	frames []Frame
	chunks []AudioChunk
}

// NewBuffer creates a Buffer with the given capacity limits. Non-positive
// limits fall back to 1 so an append always retains at least the newest entry.
func NewBuffer(maxFrames, maxChunks int) *Buffer {
	if maxFrames <= 0 {
		maxFrames = 1
	}
	if maxChunks <= 0 {
		maxChunks = 1
	}
	return &Buffer{maxFrames: maxFrames, maxChunks: maxChunks}
}

// AppendFrame stores a frame and returns the number of oldest frames evicted
// to keep the buffer within its capacity. A non-zero return is a
// backpressure signal, not an error.
func (b *Buffer) AppendFrame(tsMs float64, data []byte) (dropped int) {
	b.frames = append(b.frames, Frame{TsMs: tsMs, Data: data})
	if over := len(b.frames) - b.maxFrames; over > 0 {
		b.frames = trimOldest(b.frames, over)
		dropped = over
	}
	return dropped
}

// AppendAudio stores an audio chunk and returns the number of oldest chunks
// evicted to keep the buffer within its capacity.
func (b *Buffer) AppendAudio(startTsMs float64, pcm []byte, samples, sampleRate int) (dropped int) {
	b.chunks = append(b.chunks, AudioChunk{
		StartTsMs:  startTsMs,
		PCM:        pcm,
		Samples:    samples,
		SampleRate: sampleRate,
	})
	if over := len(b.chunks) - b.maxChunks; over > 0 {
		b.chunks = trimOldest(b.chunks, over)
		dropped = over
	}
	return dropped
}

// Window returns the frames whose timestamp lies in [startMs, endMs] and the
// audio chunks whose sample interval overlaps [startMs, endMs]. The returned
// slices are fresh copies of the matching entries; calling Window twice with
// no intervening append yields identical results.
func (b *Buffer) Window(startMs, endMs float64) ([]Frame, []AudioChunk) {
	var frames []Frame
	for _, f := range b.frames {
		if f.TsMs >= startMs && f.TsMs <= endMs {
			frames = append(frames, f)
		}
	}

	var chunks []AudioChunk
	for _, c := range b.chunks {
		if c.EndTsMs() >= startMs && c.StartTsMs <= endMs {
			chunks = append(chunks, c)
		}
	}
	return frames, chunks
}

// LatestTimestamp returns the most recent timestamp covered by either
// buffer: the last frame's timestamp or the last audio chunk's end,
// whichever is greater. Returns 0 when both buffers are empty.
func (b *Buffer) LatestTimestamp() float64 {
	var latest float64
	if n := len(b.frames); n > 0 {
		latest = b.frames[n-1].TsMs
	}
	if n := len(b.chunks); n > 0 {
		if end := b.chunks[n-1].EndTsMs(); end > latest {
			latest = end
		}
	}
	return latest
}

// FrameCount returns the number of buffered frames.
func (b *Buffer) FrameCount() int { return len(b.frames) }

// AudioChunkCount returns the number of buffered audio chunks.
func (b *Buffer) AudioChunkCount() int { return len(b.chunks) }

// trimOldest drops the first n entries of s without retaining references to
// the evicted payloads in the backing array.
func trimOldest[T any](s []T, n int) []T {
	copy(s, s[n:])
	var zero T
	for i := len(s) - n; i < len(s); i++ {
		s[i] = zero
	}
	return s[:len(s)-n]
}
