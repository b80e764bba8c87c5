package service

import (
	"context"
	"errors"

	"coursegrab/internal/domain"
	"coursegrab/internal/repository"
)

// HistoryService records download sessions and their per-item outcomes so
// finished runs stay inspectable after the process restarts.
type HistoryService interface {
	SessionStarted(ctx context.Context, session *domain.Session) error
	SessionUpdated(ctx context.Context, session *domain.Session) error
	ReplaceItems(ctx context.Context, sessionID string, items []domain.QueueItem) error
	RecordItem(ctx context.Context, sessionID string, item domain.QueueItem) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	ListSessions(ctx context.Context) ([]domain.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

type historyService struct {
	sessions repository.SessionRepository
}

func NewHistoryService(sessions repository.SessionRepository) HistoryService {
	return &historyService{sessions: sessions}
}

func (s *historyService) SessionStarted(ctx context.Context, session *domain.Session) error {
	if session.ID == "" {
		return errors.New("session id is required")
	}
	if session.URL == "" {
		return errors.New("session url is required")
	}
	return s.sessions.Create(ctx, session)
}

func (s *historyService) SessionUpdated(ctx context.Context, session *domain.Session) error {
	if session.ID == "" {
		return errors.New("session id is required")
	}
	return s.sessions.Update(ctx, session)
}

func (s *historyService) ReplaceItems(ctx context.Context, sessionID string, items []domain.QueueItem) error {
	return s.sessions.ReplaceItems(ctx, sessionID, items)
}

func (s *historyService) RecordItem(ctx context.Context, sessionID string, item domain.QueueItem) error {
	return s.sessions.UpsertItem(ctx, sessionID, item)
}

func (s *historyService) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	return s.sessions.Get(ctx, id)
}

func (s *historyService) ListSessions(ctx context.Context) ([]domain.Session, error) {
	return s.sessions.List(ctx)
}

func (s *historyService) DeleteSession(ctx context.Context, id string) error {
	return s.sessions.Delete(ctx, id)
}
