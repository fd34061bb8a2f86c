package voice

import (
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/voicechat/domain/entities"
)

func TestReconciler_DeltasThenComplete(t *testing.T) {
	r := NewReconciler(zaptest.NewLogger(t))
	r.AppendDelta("Hi")
	r.AppendDelta(" there")

	if r.Text() != "Hi there" {
		t.Errorf("Expected 'Hi there', got %q", r.Text())
	}

	text, mismatch := r.Complete("Hi there")
	if text != "Hi there" || mismatch {
		t.Errorf("Expected 'Hi there' without mismatch, got %q (mismatch=%v)", text, mismatch)
	}
}

func TestReconciler_FinalTextWins(t *testing.T) {
	r := NewReconciler(zaptest.NewLogger(t))
	r.AppendDelta("Hi th")

	text, mismatch := r.Complete("Hi there!")
	if text != "Hi there!" {
		t.Errorf("Expected final text to win, got %q", text)
	}
	if !mismatch {
		t.Error("Expected mismatch to be reported")
	}
	if r.Text() != "Hi there!" {
		t.Errorf("Expected display text 'Hi there!', got %q", r.Text())
	}
}

func TestReconciler_DeltaAfterCompleteIsDropped(t *testing.T) {
	r := NewReconciler(zaptest.NewLogger(t))
	r.AppendDelta("Done")
	r.Complete("Done")

	if r.AppendDelta(" extra") {
		t.Error("Expected delta after completion to be rejected")
	}
	if r.Text() != "Done" {
		t.Errorf("Expected 'Done', got %q", r.Text())
	}
}

func TestReconciler_EmptyFinalKeepsStreamedText(t *testing.T) {
	r := NewReconciler(zaptest.NewLogger(t))
	r.AppendDelta("partial")

	if text, _ := r.Complete(""); text != "partial" {
		t.Errorf("Expected 'partial', got %q", text)
	}
}

func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestReconciler_ChunksReleasedInSequenceForEveryArrivalOrder(t *testing.T) {
	for _, order := range permutations(5) {
		r := NewReconciler(zaptest.NewLogger(t))

		var released []int
		for _, seq := range order {
			for _, c := range r.AddChunk(entities.AudioChunk{Seq: seq}) {
				released = append(released, c.Seq)
			}
		}

		if len(released) != 5 {
			t.Fatalf("Order %v: expected 5 chunks, got %v", order, released)
		}
		for i, seq := range released {
			if seq != i {
				t.Fatalf("Order %v: expected ascending release, got %v", order, released)
			}
		}
	}
}

func TestReconciler_DuplicateChunksDropped(t *testing.T) {
	r := NewReconciler(zaptest.NewLogger(t))

	if got := r.AddChunk(entities.AudioChunk{Seq: 1}); len(got) != 0 {
		t.Errorf("Expected seq 1 to be held, got %v", got)
	}
	if got := r.AddChunk(entities.AudioChunk{Seq: 1}); len(got) != 0 {
		t.Errorf("Expected duplicate to be dropped, got %v", got)
	}
	if got := r.AddChunk(entities.AudioChunk{Seq: 0}); len(got) != 2 {
		t.Errorf("Expected 2 chunks released, got %d", len(got))
	}
	if got := r.AddChunk(entities.AudioChunk{Seq: 0}); len(got) != 0 {
		t.Errorf("Expected replayed seq 0 to be dropped, got %v", got)
	}
}

func TestReconciler_FinishReleasesHeldChunks(t *testing.T) {
	r := NewReconciler(zaptest.NewLogger(t))
	r.AddChunk(entities.AudioChunk{Seq: 3})
	r.AddChunk(entities.AudioChunk{Seq: 2})

	if r.Pending() != 2 {
		t.Fatalf("Expected 2 pending chunks, got %d", r.Pending())
	}

	got := r.Finish()
	if len(got) != 2 || got[0].Seq != 2 || got[1].Seq != 3 {
		t.Errorf("Expected seqs [2 3], got %v", got)
	}
	if r.Pending() != 0 {
		t.Errorf("Expected nothing pending, got %d", r.Pending())
	}
}
