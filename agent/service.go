package agent

import (
	"context"
	"fmt"
)

// Reader abstracts the read side of the repository.
type Reader interface {
	GetByID(ctx context.Context, id string) (Agent, error)
	List(ctx context.Context, filter Filter) ([]Agent, error)
}

// Service exposes read-only agent queries. Status writes go through the
// dispatch service so they share its transactions and audit trail.
type Service struct {
	repo Reader
}

func NewService(repo Reader) *Service {
	return &Service{repo: repo}
}

func (s *Service) GetByID(ctx context.Context, id string) (Agent, error) {
	return s.repo.GetByID(ctx, id)
}

// List validates the status filter before querying.
func (s *Service) List(ctx context.Context, filter Filter) ([]Agent, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("agent: invalid status filter %q", filter.Status)
	}
	return s.repo.List(ctx, filter)
}
