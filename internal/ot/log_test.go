package ot

import "testing"

func TestVersionLogAppend(t *testing.T) {
	l := NewVersionLog()
	if l.Version() != 0 {
		t.Fatalf("fresh log at version %d", l.Version())
	}
	for i := 0; i < 5; i++ {
		v := l.Append(ins(0, "x", "a", ""))
		if v != i+1 {
			t.Fatalf("append %d assigned version %d", i, v)
		}
	}
	// history[i].Version == i+1, with no skips or repeats.
	for i := 1; i <= 5; i++ {
		op, ok := l.At(i)
		if !ok {
			t.Fatalf("At(%d) not found", i)
		}
		if op.Version != i {
			t.Errorf("At(%d).Version = %d", i, op.Version)
		}
	}
}

func TestVersionLogSince(t *testing.T) {
	l := NewVersionLog()
	l.Append(ins(0, "a", "u", ""))
	l.Append(ins(1, "b", "u", ""))
	l.Append(ins(2, "c", "u", ""))

	tests := []struct {
		since int
		want  int
	}{
		{0, 3}, {1, 2}, {2, 1}, {3, 0}, {7, 0}, {-1, 3},
	}
	for _, tt := range tests {
		got := l.Since(tt.since)
		if len(got) != tt.want {
			t.Errorf("Since(%d) returned %d ops, want %d", tt.since, len(got), tt.want)
		}
		for i := 1; i < len(got); i++ {
			if got[i].Version != got[i-1].Version+1 {
				t.Errorf("Since(%d) out of order at %d", tt.since, i)
			}
		}
	}
}

func TestVersionLogAt(t *testing.T) {
	l := NewVersionLog()
	l.Append(ins(0, "a", "u", ""))
	if _, ok := l.At(0); ok {
		t.Error("At(0) found an op")
	}
	if _, ok := l.At(2); ok {
		t.Error("At(2) found an op")
	}
	if op, ok := l.At(1); !ok || op.Content != "a" {
		t.Errorf("At(1) = %v, %v", op, ok)
	}
}
