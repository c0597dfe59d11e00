package server

import (
	"context"
	"time"

	"github.com/visly/visly/internal/repository"
	"github.com/visly/visly/internal/service"
)

// Service is the application surface the HTTP transport exposes.
type Service interface {
	Render(ctx context.Context, req service.RenderRequest) service.RenderResult
	RenderBatch(ctx context.Context, reqs []service.RenderRequest) []service.RenderResult
	Stylesheet(ctx context.Context, preview bool) (string, int64)
	Settings(ctx context.Context) repository.Settings
	UpdateSettings(ctx context.Context, settings repository.Settings) (repository.Settings, error)
	RegisteredRoles(ctx context.Context) ([]repository.RegisteredRole, error)
	InsightSummary(ctx context.Context, since time.Time) ([]repository.InsightSummary, error)
}

var _ Service = (*service.Service)(nil)
