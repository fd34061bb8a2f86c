package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/domain/repositories"
)

const conversationsCollection = "conversations"

// ConversationRepository stores conversations with their messages embedded
type ConversationRepository struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

var _ repositories.ConversationStore = (*ConversationRepository)(nil)

// NewConversationRepository creates a new MongoDB conversation repository
func NewConversationRepository(db *mongo.Database, logger *zap.Logger) *ConversationRepository {
	return &ConversationRepository{
		collection: db.Collection(conversationsCollection),
		logger:     logger,
	}
}

// EnsureConversation implements repositories.ConversationStore
func (r *ConversationRepository) EnsureConversation(ctx context.Context, projectID, titleHint string) (repositories.ConversationRef, error) {
	if projectID == "" {
		return repositories.ConversationRef{}, errors.New("project ID cannot be empty")
	}

	conversation := entities.NewConversation(projectID, titleHint)
	if _, err := r.collection.InsertOne(ctx, conversation); err != nil {
		return repositories.ConversationRef{}, fmt.Errorf("failed to create conversation: %w", err)
	}

	r.logger.Info("Created conversation",
		zap.String("conversationID", conversation.ID),
		zap.String("projectID", projectID))
	return repositories.ConversationRef{ID: conversation.ID, SessionID: conversation.SessionID}, nil
}

// UpdateConversation implements repositories.ConversationStore
func (r *ConversationRepository) UpdateConversation(ctx context.Context, id, sessionID string, update repositories.ConversationUpdate) error {
	set := bson.M{"updated_at": time.Now()}
	if update.Name != "" {
		set["name"] = update.Name
	}

	result, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "session_id": sessionID},
		bson.M{"$set": set},
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("conversation %s: %w", id, repositories.ErrNotFound)
	}
	return nil
}

// AddMessage implements repositories.ConversationStore
func (r *ConversationRepository) AddMessage(ctx context.Context, conversationID string, message entities.Message) error {
	if err := message.Validate(); err != nil {
		return err
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}

	result, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{
			"$push": bson.M{"messages": message},
			"$set": bson.M{
				"last_message_at": message.Timestamp,
				"updated_at":      time.Now(),
			},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to add message: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, repositories.ErrNotFound)
	}
	return nil
}

// GetConversation implements repositories.ConversationStore
func (r *ConversationRepository) GetConversation(ctx context.Context, id string) (*entities.Conversation, error) {
	var conversation entities.Conversation
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&conversation)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("conversation %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return &conversation, nil
}

// ListByProject implements repositories.ConversationStore. Messages are left
// out of the listing.
func (r *ConversationRepository) ListByProject(ctx context.Context, projectID string, limit int) ([]*entities.Conversation, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}}).
		SetProjection(bson.M{"messages": 0})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.collection.Find(ctx, bson.M{"project_id": projectID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer cursor.Close(ctx)

	var conversations []*entities.Conversation
	if err := cursor.All(ctx, &conversations); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return conversations, nil
}
