// Package app wires a workspace: database, schema, config and the engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"drawline/internal/config"
	"drawline/internal/db"
	"drawline/internal/domain"
	"drawline/internal/engine"
	"drawline/internal/metrics"
	"drawline/internal/migrate"
	"drawline/internal/repo"
)

// Workspace holds the open resources of one drawline workspace.
type Workspace struct {
	Path   string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open opens the database, applies migrations and loads drawline.yml,
// falling back to defaults when the file is absent.
func Open(workspace string, m *metrics.Metrics) (*Workspace, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	eng := engine.New(conn, cfg)
	if m != nil {
		eng.Metrics = m
	}
	return &Workspace{Path: workspace, DB: conn, Config: cfg, Engine: eng}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// ErrNotAdmin is returned when admin mode is requested for a participant
// that is not listed under admins in drawline.yml.
var ErrNotAdmin = errors.New("participant is not an admin")

// ResolveSession loads the participant behind participantID and builds the
// session. Admin mode is granted only to configured admins.
func ResolveSession(ctx context.Context, r repo.Repo, cfg *config.Config, participantID string, admin bool) (domain.Session, error) {
	participantID = strings.TrimSpace(participantID)
	if participantID == "" {
		return domain.Session{}, fmt.Errorf("participant not specified; use --as")
	}
	p, err := r.GetParticipant(ctx, participantID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Session{}, fmt.Errorf("participant %s: %w", participantID, err)
		}
		return domain.Session{}, err
	}
	if admin && !cfg.IsAdmin(p.ID) {
		return domain.Session{}, fmt.Errorf("%s: %w", p.ID, ErrNotAdmin)
	}
	return domain.Session{Participant: p, AdminMode: admin}, nil
}
