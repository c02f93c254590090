package server

import (
	"database/sql"

	"github.com/onnwee/viewer-atlas/config"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db      *sql.DB
	cfg     *config.Config
	analyze TriggerFunc
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(db *sql.DB, cfg *config.Config, analyze TriggerFunc) *Handlers {
	return &Handlers{
		db:      db,
		cfg:     cfg,
		analyze: analyze,
	}
}
