package voice

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/entities"
)

// Reconciler merges the text deltas and out-of-order audio chunks of one
// turn. It is owned by the session loop and is not safe for concurrent use.
type Reconciler struct {
	logger *zap.Logger

	text      strings.Builder
	final     string
	completed bool

	nextSeq int
	held    map[int]entities.AudioChunk
	seen    map[int]bool
}

func NewReconciler(logger *zap.Logger) *Reconciler {
	return &Reconciler{
		logger: logger,
		held:   make(map[int]entities.AudioChunk),
		seen:   make(map[int]bool),
	}
}

// AppendDelta appends in arrival order. Deltas after Complete are dropped.
func (r *Reconciler) AppendDelta(delta string) bool {
	if r.completed {
		r.logger.Warn("Dropping text delta after completion",
			zap.Error(domain.ErrReconciliationMismatch), zap.Int("deltaLength", len(delta)))
		return false
	}
	r.text.WriteString(delta)
	return true
}

// Text returns the display text: the final text once completed, the
// accumulated deltas before that.
func (r *Reconciler) Text() string {
	if r.completed {
		return r.final
	}
	return r.text.String()
}

// Complete fixes the display text. A non-empty full text is authoritative and
// replaces whatever the deltas produced.
func (r *Reconciler) Complete(full string) (text string, mismatch bool) {
	if r.completed {
		r.logger.Warn("Ignoring repeated completion", zap.Error(domain.ErrReconciliationMismatch))
		return r.final, false
	}
	r.completed = true

	accumulated := r.text.String()
	switch {
	case full == "":
		r.final = accumulated
	case full != accumulated:
		r.logger.Warn("Final text differs from streamed deltas, using final text",
			zap.Error(domain.ErrReconciliationMismatch),
			zap.Int("streamedLength", len(accumulated)),
			zap.Int("finalLength", len(full)))
		r.final = full
		mismatch = true
	default:
		r.final = full
	}
	return r.final, mismatch
}

// AddChunk accepts a chunk and returns the chunks that are now playable, in
// ascending sequence order. Chunks behind a gap are held back.
func (r *Reconciler) AddChunk(chunk entities.AudioChunk) []entities.AudioChunk {
	if chunk.Seq < r.nextSeq || r.seen[chunk.Seq] {
		r.logger.Warn("Dropping duplicate audio chunk", zap.Int("seq", chunk.Seq), zap.Int("nextSeq", r.nextSeq))
		return nil
	}
	r.seen[chunk.Seq] = true
	r.held[chunk.Seq] = chunk

	var ready []entities.AudioChunk
	for {
		c, ok := r.held[r.nextSeq]
		if !ok {
			break
		}
		delete(r.held, r.nextSeq)
		ready = append(ready, c)
		r.nextSeq++
	}
	return ready
}

// Pending is the number of chunks held behind a gap.
func (r *Reconciler) Pending() int {
	return len(r.held)
}

// Finish releases every chunk still held behind a gap, in ascending order.
func (r *Reconciler) Finish() []entities.AudioChunk {
	if len(r.held) == 0 {
		return nil
	}
	seqs := make([]int, 0, len(r.held))
	for seq := range r.held {
		seqs = append(seqs, seq)
	}
	sort.Ints(seqs)

	r.logger.Warn("Releasing audio chunks held behind a gap",
		zap.Int("missingSeq", r.nextSeq), zap.Ints("heldSeqs", seqs))

	out := make([]entities.AudioChunk, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, r.held[seq])
		delete(r.held, seq)
	}
	r.nextSeq = seqs[len(seqs)-1] + 1
	return out
}
