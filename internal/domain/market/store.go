package market

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a read model entity does not exist.
var ErrNotFound = errors.New("entity not found")

// AgentReader loads agent profiles.
type AgentReader interface {
	// GetAgent returns an agent by ID. Returns ErrNotFound when absent.
	GetAgent(ctx context.Context, id string) (*Agent, error)
}

// TaskReader loads task listings.
type TaskReader interface {
	// GetTask returns a task by ID. Returns ErrNotFound when absent.
	GetTask(ctx context.Context, id string) (*Task, error)
}

// OrgReader loads organization read models.
type OrgReader interface {
	// GetOrganization returns an org by ID. Returns ErrNotFound when absent.
	GetOrganization(ctx context.Context, id string) (*Organization, error)
}
