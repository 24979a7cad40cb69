package ids

import (
	"testing"
	"time"
)

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 1000; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("id %q is not after %q", next, prev)
		}
		prev = next
	}
}

func TestNewAtSameMillisecond(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	a := NewAt(at)
	b := NewAt(at)
	if b <= a {
		t.Fatalf("expected %q > %q", b, a)
	}
}

func TestRandomUnique(t *testing.T) {
	if Random() == Random() {
		t.Fatal("expected distinct random ids")
	}
}

func TestTimeReadsTimestamp(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	got, err := Time(NewAt(at))
	if err != nil {
		t.Fatalf("Time: %v", err)
	}
	if !got.Equal(at) {
		t.Fatalf("Time = %s, want %s", got, at)
	}
	if _, err := Time("not-an-id"); err == nil {
		t.Fatal("expected error for malformed id")
	}
}
