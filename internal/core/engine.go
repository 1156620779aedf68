// engine.go provides the central Engine that wires together the
// orchestrator's persistent subsystems.
package core

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ticketops-framework/ticketops/internal/audit"
	"github.com/ticketops-framework/ticketops/internal/config"
	"github.com/ticketops-framework/ticketops/internal/db"
	"github.com/ticketops-framework/ticketops/internal/logging"
)

// Engine is the central coordinator: configuration, databases, audit
// chain, and the root logger.
type Engine struct {
	Config      config.Config
	MetadataDB  *sql.DB
	AuditDB     *sql.DB
	AuditLogger *audit.Logger
	Logger      zerolog.Logger
}

// Open initializes the data directory and opens all engine resources.
func Open(cfg config.Config) (*Engine, error) {
	if err := db.EnsureDataDir(cfg.DataDir); err != nil {
		return nil, err
	}

	metaDB, err := db.OpenMetadataDB(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}

	auditDB, err := db.OpenAuditDB(cfg.DataDir)
	if err != nil {
		metaDB.Close()
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	al, err := audit.NewLogger(auditDB)
	if err != nil {
		metaDB.Close()
		auditDB.Close()
		return nil, fmt.Errorf("creating audit logger: %w", err)
	}

	return &Engine{
		Config:      cfg,
		MetadataDB:  metaDB,
		AuditDB:     auditDB,
		AuditLogger: al,
		Logger:      logging.NewLogger(cfg.LogLevel, ""),
	}, nil
}

// Close cleanly shuts down all engine resources.
func (e *Engine) Close() error {
	var firstErr error
	if e.MetadataDB != nil {
		if err := e.MetadataDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.AuditDB != nil {
		if err := e.AuditDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
