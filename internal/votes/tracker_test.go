package votes

import (
	"testing"

	"github.com/nimbusledger/streamlet/internal/digest"
)

func TestQuorum(t *testing.T) {
	cases := map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3, 6: 4}
	for n, want := range cases {
		if got := Quorum(n); got != want {
			t.Errorf("Quorum(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestRecordIdempotent(t *testing.T) {
	tr := NewTracker(2)
	var d digest.Digest
	d[0] = 1

	newVote, notarized := tr.Record(d, "node-a")
	if !newVote || notarized {
		t.Fatalf("first vote: got newVote=%v notarized=%v", newVote, notarized)
	}
	newVote, notarized = tr.Record(d, "node-a")
	if newVote || notarized {
		t.Fatalf("duplicate vote must be a no-op, got newVote=%v notarized=%v", newVote, notarized)
	}
	if tally := tr.Tally(d); tally != 1 {
		t.Fatalf("expected tally 1 after duplicate vote, got %d", tally)
	}
}

func TestNewlyNotarizedFiresOnce(t *testing.T) {
	tr := NewTracker(2)
	var d digest.Digest
	d[0] = 2

	_, notarized := tr.Record(d, "a")
	if notarized {
		t.Fatalf("should not notarize on first of two votes")
	}
	_, notarized = tr.Record(d, "b")
	if !notarized {
		t.Fatalf("expected notarization on reaching quorum")
	}
	_, notarized = tr.Record(d, "c")
	if notarized {
		t.Fatalf("newlyNotarized must fire exactly once, fired again on vote past quorum")
	}
}

func TestHasQuorum(t *testing.T) {
	tr := NewTracker(2)
	var d digest.Digest
	d[0] = 3

	if tr.HasQuorum(d) {
		t.Fatalf("unvoted digest must not report quorum")
	}
	tr.Record(d, "a")
	if tr.HasQuorum(d) {
		t.Fatalf("single vote below quorum must not report quorum")
	}
	tr.Record(d, "b")
	if !tr.HasQuorum(d) {
		t.Fatalf("two votes against quorum 2 must report quorum")
	}
	tr.Record(d, "c")
	if !tr.HasQuorum(d) {
		t.Fatalf("HasQuorum must stay true past quorum, unlike newlyNotarized")
	}
}

func TestTallyIndependentPerDigest(t *testing.T) {
	tr := NewTracker(3)
	var d1, d2 digest.Digest
	d1[0], d2[0] = 1, 2

	tr.Record(d1, "a")
	tr.Record(d2, "a")
	tr.Record(d2, "b")

	if got := tr.Tally(d1); got != 1 {
		t.Errorf("d1 tally = %d, want 1", got)
	}
	if got := tr.Tally(d2); got != 2 {
		t.Errorf("d2 tally = %d, want 2", got)
	}
}
