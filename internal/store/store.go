// Package store persists fleet registrations (webhooks and repo
// identities) so they survive a hub restart. Message and job history is
// deliberately in-memory only.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/CosmoTheDev/fleethub/internal/router"
	"github.com/CosmoTheDev/fleethub/internal/webhooks"
)

type webhookRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	URL         string `db:"url"`
	Events      string `db:"events"`
	Secret      string `db:"secret"`
	RepoName    string `db:"repo_name"`
	Active      bool   `db:"active"`
	CreatedAt   int64  `db:"created_at"`
	TotalFired  int64  `db:"total_fired"`
	TotalFailed int64  `db:"total_failed"`
}

type repoRow struct {
	Name         string `db:"name"`
	Identity     string `db:"identity"`
	RegisteredAt int64  `db:"registered_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

// Repo is a persisted repo identity.
type Repo struct {
	Identity     router.Identity
	RegisteredAt int64
	UpdatedAt    int64
}

// Store maps fleet registrations onto a DB.
type Store struct {
	db DB
}

func New(db DB) *Store { return &Store{db: db} }

// Driver reports the backing database driver.
func (s *Store) Driver() string { return s.db.Driver() }

func (s *Store) Close() error { return s.db.Close() }

// SaveWebhook inserts or updates a registration, including its secret.
func (s *Store) SaveWebhook(ctx context.Context, reg webhooks.Registration) error {
	events, err := json.Marshal(reg.Events)
	if err != nil {
		return fmt.Errorf("encoding events: %w", err)
	}
	row := webhookRow{
		ID:          reg.ID,
		Name:        reg.Name,
		URL:         reg.URL,
		Events:      string(events),
		Secret:      reg.Secret,
		RepoName:    reg.RepoName,
		Active:      reg.Active,
		CreatedAt:   reg.CreatedAt,
		TotalFired:  reg.TotalFired,
		TotalFailed: reg.TotalFailed,
	}
	if err := s.db.Upsert(ctx, "webhooks", row, []string{"id"}); err != nil {
		return fmt.Errorf("saving webhook %s: %w", reg.ID, err)
	}
	return nil
}

func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	if err := s.db.Exec(ctx, `DELETE FROM webhooks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting webhook %s: %w", id, err)
	}
	return nil
}

// Webhooks loads every persisted registration ordered by creation.
func (s *Store) Webhooks(ctx context.Context) ([]webhooks.Registration, error) {
	var rows []webhookRow
	if err := s.db.Select(ctx, &rows, `SELECT id, name, url, events, secret, repo_name, active, created_at, total_fired, total_failed FROM webhooks ORDER BY created_at, id`); err != nil {
		return nil, fmt.Errorf("loading webhooks: %w", err)
	}
	out := make([]webhooks.Registration, 0, len(rows))
	for _, r := range rows {
		var events []string
		if err := json.Unmarshal([]byte(r.Events), &events); err != nil {
			return nil, fmt.Errorf("decoding events for webhook %s: %w", r.ID, err)
		}
		out = append(out, webhooks.Registration{
			ID:          r.ID,
			Name:        r.Name,
			URL:         r.URL,
			Events:      events,
			Secret:      r.Secret,
			HasSecret:   r.Secret != "",
			RepoName:    r.RepoName,
			Active:      r.Active,
			CreatedAt:   r.CreatedAt,
			TotalFired:  r.TotalFired,
			TotalFailed: r.TotalFailed,
		})
	}
	return out, nil
}

// SaveRepo inserts or updates a repo identity.
func (s *Store) SaveRepo(ctx context.Context, rec router.Record) error {
	identity, err := json.Marshal(rec.Identity)
	if err != nil {
		return fmt.Errorf("encoding identity: %w", err)
	}
	row := repoRow{
		Name:         rec.Identity.Name,
		Identity:     string(identity),
		RegisteredAt: rec.RegisteredAt,
		UpdatedAt:    rec.LastSeen,
	}
	if err := s.db.Upsert(ctx, "repos", row, []string{"name"}); err != nil {
		return fmt.Errorf("saving repo %s: %w", rec.Identity.Name, err)
	}
	return nil
}

// Repos loads every persisted repo ordered by name.
func (s *Store) Repos(ctx context.Context) ([]Repo, error) {
	var rows []repoRow
	if err := s.db.Select(ctx, &rows, `SELECT name, identity, registered_at, updated_at FROM repos ORDER BY name`); err != nil {
		return nil, fmt.Errorf("loading repos: %w", err)
	}
	out := make([]Repo, 0, len(rows))
	for _, r := range rows {
		var id router.Identity
		if err := json.Unmarshal([]byte(r.Identity), &id); err != nil {
			return nil, fmt.Errorf("decoding identity for repo %s: %w", r.Name, err)
		}
		out = append(out, Repo{Identity: id, RegisteredAt: r.RegisteredAt, UpdatedAt: r.UpdatedAt})
	}
	return out, nil
}
