package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fern-labs/fernflow/flow"
)

// Sentinel errors for store operations.
var (
	ErrAppExists   = errors.New("app already exists")
	ErrAppNotFound = errors.New("app not found")
)

// AppRecord represents a stored app. Source is the raw definition as
// submitted; App is the decoded form used by the engine.
type AppRecord struct {
	Slug      string          `json:"slug"`
	Name      string          `json:"name,omitempty"`
	Source    json.RawMessage `json:"source"`
	App       *flow.App       `json:"app,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AppStore provides CRUD operations for app records.
type AppStore interface {
	List(ctx context.Context) ([]AppRecord, error)
	Get(ctx context.Context, slug string) (AppRecord, bool, error)
	Create(ctx context.Context, rec AppRecord) error
	Update(ctx context.Context, rec AppRecord) error
	Delete(ctx context.Context, slug string) error
}

// decodeAppSource parses and normalizes an app definition body.
func decodeAppSource(source []byte) (*flow.App, error) {
	var app flow.App
	if err := json.Unmarshal(source, &app); err != nil {
		return nil, fmt.Errorf("decoding app definition: %w", err)
	}
	app.Slug = flow.NormalizeSlug(app.Slug)
	if app.Slug == "" {
		return nil, errors.New("app slug is required")
	}
	return &app, nil
}
