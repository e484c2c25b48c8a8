// Package project stores the projects the orchestrator builds in: workspace
// path plus the agent and model preferences consulted when a submit omits
// them.
package project

import (
	"context"
	"time"

	"github.com/vrabby/vrabby/internal/agent"
)

// Project is one buildable app workspace.
type Project struct {
	ID              string     `json:"id" db:"id"`
	Name            string     `json:"name" db:"name"`
	Path            string     `json:"path" db:"path"`
	PreferredAgent  agent.Kind `json:"preferred_agent" db:"preferred_agent"`
	PreferredModel  string     `json:"preferred_model,omitempty" db:"preferred_model"`
	FallbackEnabled bool       `json:"fallback_enabled" db:"fallback_enabled"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// Store provides project storage operations.
type Store interface {
	Create(ctx context.Context, p *Project) error
	Get(ctx context.Context, id string) (*Project, error)
	List(ctx context.Context) ([]*Project, error)
	Update(ctx context.Context, p *Project) error
	SetPreferredAgent(ctx context.Context, id string, kind agent.Kind) error
	SetPreferredModel(ctx context.Context, id, model string) error
	Delete(ctx context.Context, id string) error
}
