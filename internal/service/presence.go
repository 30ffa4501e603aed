package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/iago/pdfqueue-back/internal/domain"
	"github.com/iago/pdfqueue-back/internal/repository"
)

// PresenceService records worker heartbeats. Stale entries are kept as-is;
// readers judge staleness from LastHeartbeat.
type PresenceService struct {
	store repository.PresenceStore
	now   func() time.Time
}

func NewPresenceService(store repository.PresenceStore) *PresenceService {
	return &PresenceService{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *PresenceService) Heartbeat(ctx context.Context, workerID string) (domain.WorkerPresence, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return domain.WorkerPresence{}, fmt.Errorf("worker id is required: %w", domain.ErrValidation)
	}

	presence := domain.WorkerPresence{
		WorkerID:      workerID,
		LastHeartbeat: s.now(),
		Status:        domain.PresenceOnline,
	}
	if err := s.store.UpsertPresence(ctx, presence); err != nil {
		return domain.WorkerPresence{}, err
	}
	return presence, nil
}

func (s *PresenceService) List(ctx context.Context) ([]domain.WorkerPresence, error) {
	return s.store.ListPresence(ctx)
}
