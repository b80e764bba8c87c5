package repository

import (
	"context"

	"coursegrab/internal/domain"
)

// SessionRepository exposes persistence operations for download session
// aggregates. Queue items are children of a session and travel with it.
type SessionRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, session *domain.Session) error
	Update(ctx context.Context, session *domain.Session) error
	Get(ctx context.Context, id string) (*domain.Session, error)
	List(ctx context.Context) ([]domain.Session, error)
	Delete(ctx context.Context, id string) error
	ReplaceItems(ctx context.Context, sessionID string, items []domain.QueueItem) error
	UpsertItem(ctx context.Context, sessionID string, item domain.QueueItem) error
	ListItems(ctx context.Context, sessionID string) ([]domain.QueueItem, error)
}
