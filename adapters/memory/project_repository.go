package memory

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/domain/repositories"
)

// ProjectRepository is an in-memory ProjectRepository for single-node
// deployments and development
type ProjectRepository struct {
	mu       sync.RWMutex
	projects map[string]*entities.Project
}

var _ repositories.ProjectRepository = (*ProjectRepository)(nil)

// NewProjectRepository creates a new in-memory project repository
func NewProjectRepository() *ProjectRepository {
	return &ProjectRepository{projects: make(map[string]*entities.Project)}
}

// Create implements repositories.ProjectRepository
func (m *ProjectRepository) Create(ctx context.Context, project *entities.Project) error {
	if project == nil {
		return errors.New("project cannot be nil")
	}
	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	if err := project.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.projects[project.ID]; exists {
		return errors.New("project with this ID already exists")
	}

	now := time.Now()
	project.CreatedAt = now
	project.UpdatedAt = now

	projectCopy := *project
	m.projects[project.ID] = &projectCopy
	return nil
}

// GetByID implements repositories.ProjectRepository
func (m *ProjectRepository) GetByID(ctx context.Context, id string) (*entities.Project, error) {
	if id == "" {
		return nil, errors.New("project ID cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	project, exists := m.projects[id]
	if !exists {
		return nil, fmt.Errorf("project %s: %w", id, repositories.ErrNotFound)
	}

	// Return a copy to prevent external modifications
	projectCopy := *project
	return &projectCopy, nil
}

// ValidateWidgetKey implements repositories.ProjectRepository
func (m *ProjectRepository) ValidateWidgetKey(ctx context.Context, projectID, widgetKey string) (*entities.Project, error) {
	project, err := m.GetByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(project.WidgetKey), []byte(widgetKey)) != 1 {
		return nil, errors.New("invalid credentials")
	}
	return project, nil
}
