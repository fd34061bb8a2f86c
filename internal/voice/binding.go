package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/domain/repositories"
)

var errNotBound = errors.New("conversation not bound")

type ensureAttempt struct {
	done chan struct{}
	ref  repositories.ConversationRef
	err  error
}

// Binding ties a voice session to exactly one persisted conversation.
// Concurrent Ensure calls share a single in-flight creation; a failed creation
// is forgotten so the next call tries again.
type Binding struct {
	store     repositories.ConversationStore
	projectID string
	logger    *zap.Logger

	mu       sync.Mutex
	ref      *repositories.ConversationRef
	inFlight *ensureAttempt
	named    bool
}

func NewBinding(store repositories.ConversationStore, projectID string, logger *zap.Logger) *Binding {
	return &Binding{
		store:     store,
		projectID: projectID,
		logger:    logger,
	}
}

// Ensure returns the bound conversation, creating it on first use.
func (b *Binding) Ensure(ctx context.Context, titleHint string) (repositories.ConversationRef, error) {
	b.mu.Lock()
	if b.ref != nil {
		ref := *b.ref
		b.mu.Unlock()
		return ref, nil
	}
	if attempt := b.inFlight; attempt != nil {
		b.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.ref, attempt.err
		case <-ctx.Done():
			return repositories.ConversationRef{}, ctx.Err()
		}
	}
	attempt := &ensureAttempt{done: make(chan struct{})}
	b.inFlight = attempt
	b.mu.Unlock()

	ref, err := b.store.EnsureConversation(ctx, b.projectID, titleHint)
	if err != nil {
		err = fmt.Errorf("ensure conversation: %w", err)
	}

	b.mu.Lock()
	b.inFlight = nil
	if err == nil {
		b.ref = &ref
	}
	b.mu.Unlock()

	attempt.ref, attempt.err = ref, err
	close(attempt.done)

	if err != nil {
		b.logger.Error("Failed to create conversation", zap.String("projectID", b.projectID), zap.Error(err))
		return repositories.ConversationRef{}, err
	}
	b.logger.Info("Conversation bound",
		zap.String("conversationID", ref.ID),
		zap.String("sessionID", ref.SessionID))
	return ref, nil
}

// Current returns the bound conversation without creating one.
func (b *Binding) Current() (repositories.ConversationRef, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ref == nil {
		return repositories.ConversationRef{}, false
	}
	return *b.ref, true
}

// Name sets the conversation title from the first transcript. Later calls are no-ops.
func (b *Binding) Name(ctx context.Context, title string) error {
	b.mu.Lock()
	if b.ref == nil {
		b.mu.Unlock()
		return errNotBound
	}
	if b.named {
		b.mu.Unlock()
		return nil
	}
	b.named = true
	ref := *b.ref
	b.mu.Unlock()

	if err := b.store.UpdateConversation(ctx, ref.ID, ref.SessionID, repositories.ConversationUpdate{Name: title}); err != nil {
		b.mu.Lock()
		b.named = false
		b.mu.Unlock()
		return fmt.Errorf("name conversation: %w", err)
	}
	return nil
}

// Record appends a message to the bound conversation.
func (b *Binding) Record(ctx context.Context, message entities.Message) error {
	ref, ok := b.Current()
	if !ok {
		return errNotBound
	}
	if err := b.store.AddMessage(ctx, ref.ID, message); err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}
