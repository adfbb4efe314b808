package clock

import (
	"context"
	"testing"
	"time"

	"github.com/driftsync/driftsync/storage/memory"
)

func TestNextIsMonotonic(t *testing.T) {
	store := memory.New()
	c, err := NewDurable(context.Background(), store, "n1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var prev Timestamp
	for i := 0; i < 100; i++ {
		ts, err := c.Next(context.Background())
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if i > 0 && ts.Compare(prev) <= 0 {
			t.Fatalf("timestamp %v not after %v", ts, prev)
		}
		prev = ts
	}
}

func TestLogicalTieBreakWithinSameMillisecond(t *testing.T) {
	store := memory.New()
	c, err := NewDurable(context.Background(), store, "n1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	frozen := time.Now()
	c.now = func() time.Time { return frozen }

	a, err := c.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	b, err := c.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if b.Wall != a.Wall || b.Logical != a.Logical+1 {
		t.Fatalf("expected logical tie-break, got %v then %v", a, b)
	}
}

func TestMonotonicAcrossReconstruction(t *testing.T) {
	store := memory.New()
	c1, err := NewDurable(context.Background(), store, "n1")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	last, err := c1.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}

	// Same store, fresh clock: the persisted high-water mark must hold.
	c2, err := NewDurable(context.Background(), store, "n1")
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	ts, err := c2.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ts.Compare(last) <= 0 {
		t.Fatalf("reconstructed clock issued %v, not after %v", ts, last)
	}
}

func TestStringRoundTrip(t *testing.T) {
	in := Timestamp{Wall: 1712345678901, Logical: 7, Node: "node-a"}
	out, err := Parse(in.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %v != %v", out, in)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "123", "a-b-c", "12-x-node"} {
		if _, err := Parse(s); err == nil {
			t.Fatalf("expected error for %q", s)
		}
	}
}
