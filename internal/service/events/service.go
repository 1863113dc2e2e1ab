package events

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	"github.com/airliftapp/airlift/internal/domain"
	"github.com/airliftapp/airlift/internal/repository"
	"github.com/airliftapp/airlift/internal/ws"
)

// Service handles deployment event persistence and streaming.
type Service struct {
	repo   repository.EventRepository
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs an event service.
func New(repo repository.EventRepository, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{repo: repo, hub: hub, logger: logger}
}

// Append stores and broadcasts a deployment event.
func (s Service) Append(ctx context.Context, event domain.DeploymentEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	event.CreatedAt = event.CreatedAt.UTC()
	if err := s.repo.AppendEvent(ctx, event); err != nil {
		return err
	}
	s.broadcast(event)
	return nil
}

// List returns events for a deployment.
func (s Service) List(ctx context.Context, deploymentID string, limit, offset int) ([]domain.DeploymentEvent, error) {
	return s.repo.ListEventsByDeployment(ctx, deploymentID, limit, offset)
}

func (s Service) broadcast(event domain.DeploymentEvent) {
	if s.hub == nil {
		return
	}
	data, err := MarshalEvent(event)
	if err != nil {
		s.logger.Warn("failed to marshal event payload", "error", err)
		return
	}
	s.hub.Broadcast(event.DeploymentID, data)
}

// Hub returns the websocket hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}

// MarshalEvent formats a deployment event for streaming payloads.
func MarshalEvent(event domain.DeploymentEvent) ([]byte, error) {
	var metadata any
	if len(event.Metadata) > 0 {
		metadata = json.RawMessage(event.Metadata)
	}
	payload := map[string]any{
		"deployment_id": event.DeploymentID,
		"revision_id":   event.RevisionID,
		"source":        event.Source,
		"level":         event.Level,
		"message":       event.Message,
		"metadata":      metadata,
		"created_at":    event.CreatedAt.Format(time.RFC3339Nano),
	}
	return json.Marshal(payload)
}
