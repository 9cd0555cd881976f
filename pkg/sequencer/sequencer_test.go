package sequencer

import (
	"testing"
)

func TestSubmitAssignsIncreasingSequences(t *testing.T) {
	s := New()

	h1 := s.Submit(ChannelText, "x")
	h2 := s.Submit(ChannelGraph, `{"graph":{}}`)

	if h1.Sequence != 1 || h2.Sequence != 2 {
		t.Fatalf("unexpected sequences: %d, %d", h1.Sequence, h2.Sequence)
	}
	seq, text := s.LastSent()
	if seq != 2 || text != `{"graph":{}}` {
		t.Errorf("LastSent = (%d, %q)", seq, text)
	}
}

func TestStaleResponseIsDiscardedRegardlessOfArrivalOrder(t *testing.T) {
	cases := []struct {
		name  string
		order []int // indexes into handles, in arrival order
	}{
		{"old first", []int{0, 1}},
		{"new first", []int{1, 0}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New()
			handles := []Handle{s.Submit(ChannelText, "x"), s.Submit(ChannelText, "y")}

			for _, i := range tc.order {
				got := s.Admit(handles[i])
				want := Stale
				if i == 1 {
					want = Apply
				}
				if got != want {
					t.Errorf("Admit(seq=%d) = %s, want %s", handles[i].Sequence, got, want)
				}
			}
		})
	}
}

func TestGraphChannelSupersedesText(t *testing.T) {
	s := New()
	text := s.Submit(ChannelText, "x")
	s.Submit(ChannelGraph, "{}")

	if s.IsRelevant(text) {
		t.Error("text request should be superseded by the later graph request")
	}
}

func TestGuardSuppressesCurrentResponse(t *testing.T) {
	selecting := true
	s := New(WithGuard(func() bool { return selecting }))

	h := s.Submit(ChannelText, "x")
	if v := s.Admit(h); v != Suppressed {
		t.Fatalf("expected Suppressed while guard holds, got %s", v)
	}

	// Dropped, not queued: lifting the guard does not replay anything,
	// but the same handle is still current and would now be applied.
	selecting = false
	if v := s.Admit(h); v != Apply {
		t.Errorf("expected Apply after guard lifted, got %s", v)
	}
}

func TestStaleTakesPrecedenceOverGuard(t *testing.T) {
	s := New(WithGuard(func() bool { return true }))
	old := s.Submit(ChannelText, "x")
	s.Submit(ChannelText, "y")

	if v := s.Admit(old); v != Stale {
		t.Errorf("expected Stale, got %s", v)
	}
}
