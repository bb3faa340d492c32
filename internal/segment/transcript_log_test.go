package segment

import (
	"fmt"
	"testing"
)

func TestTranscriptLog_LookupNewestFirst(t *testing.T) {
	log := NewTranscriptLog()
	log.Append(100, "first")
	log.Append(200, "second")
	log.Append(900, "outside")

	e, ok := log.Lookup(50, 250)
	if !ok {
		t.Fatal("Lookup returned no match")
	}
	if e.Text != "second" {
		t.Errorf("Lookup = %q, want newest in-window entry %q", e.Text, "second")
	}

	if _, ok := log.Lookup(1000, 2000); ok {
		t.Error("Lookup matched outside the window")
	}
}

func TestTranscriptLog_BoundsInclusive(t *testing.T) {
	log := NewTranscriptLog()
	log.Append(500, "edge")

	if _, ok := log.Lookup(500, 500); !ok {
		t.Error("Lookup excluded an entry exactly on the bounds")
	}
}

func TestTranscriptLog_EvictsOldest(t *testing.T) {
	log := NewTranscriptLog()
	for i := 0; i < transcriptCap+25; i++ {
		log.Append(float64(i), fmt.Sprintf("t%d", i))
	}

	if got := log.Len(); got != transcriptCap {
		t.Fatalf("Len = %d, want %d", got, transcriptCap)
	}
	if _, ok := log.Lookup(0, 24); ok {
		t.Error("evicted entries are still visible")
	}
	if _, ok := log.Lookup(25, 25); !ok {
		t.Error("oldest surviving entry was evicted")
	}
}
