package mongo

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/domain/repositories"
)

// ProjectRepository stores projects in the "projects" collection
type ProjectRepository struct {
	collection *mongo.Collection
}

var _ repositories.ProjectRepository = (*ProjectRepository)(nil)

// NewProjectRepository creates a new MongoDB project repository
func NewProjectRepository(db *mongo.Database) *ProjectRepository {
	return &ProjectRepository{collection: db.Collection("projects")}
}

// Create implements repositories.ProjectRepository
func (r *ProjectRepository) Create(ctx context.Context, project *entities.Project) error {
	if project == nil {
		return errors.New("project cannot be nil")
	}
	if err := project.Validate(); err != nil {
		return err
	}

	now := time.Now()
	project.CreatedAt = now
	project.UpdatedAt = now

	if _, err := r.collection.InsertOne(ctx, project); err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// GetByID implements repositories.ProjectRepository
func (r *ProjectRepository) GetByID(ctx context.Context, id string) (*entities.Project, error) {
	var project entities.Project
	if err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&project); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("project %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get project %s: %w", id, err)
	}
	return &project, nil
}

// ValidateWidgetKey implements repositories.ProjectRepository
func (r *ProjectRepository) ValidateWidgetKey(ctx context.Context, projectID, widgetKey string) (*entities.Project, error) {
	project, err := r.GetByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(project.WidgetKey), []byte(widgetKey)) != 1 {
		return nil, errors.New("invalid credentials")
	}
	return project, nil
}
