package segment

import "sync"

// transcriptCap bounds the per-connection transcript log.
const transcriptCap = 500

// TranscriptEntry is one final transcript line reported by the client.
type TranscriptEntry struct {
	TsMs float64
	Text string
}

// TranscriptLog is a bounded per-connection store of final transcripts.
// Unlike the media buffers it is read by finalize goroutines while the read
// loop appends, so it locks internally.
type TranscriptLog struct {
	mu      sync.Mutex
	entries []TranscriptEntry
}

// NewTranscriptLog returns an empty log.
func NewTranscriptLog() *TranscriptLog {
	return &TranscriptLog{}
}

// Append stores a final transcript, evicting the oldest entries beyond the
// log's capacity.
func (l *TranscriptLog) Append(tsMs float64, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, TranscriptEntry{TsMs: tsMs, Text: text})
	if over := len(l.entries) - transcriptCap; over > 0 {
		l.entries = l.entries[over:]
	}
}

// Lookup returns the newest entry with timestamp in [startMs, endMs], or
// false when none matches.
func (l *TranscriptLog) Lookup(startMs, endMs float64) (TranscriptEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.TsMs >= startMs && e.TsMs <= endMs {
			return e, true
		}
	}
	return TranscriptEntry{}, false
}

// Len returns the number of stored entries.
func (l *TranscriptLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
