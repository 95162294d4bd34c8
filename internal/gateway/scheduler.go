package gateway

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the gateway's periodic jobs on robfig/cron. Jobs are
// named so they can be replaced or removed at runtime.
type Scheduler struct {
	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func newScheduler() *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// Start begins running registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()
	slog.Info("gateway scheduler started", "jobs", n)
}

// Stop halts the cron runner and waits for running jobs.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

// Set registers fn under name on expr, replacing any previous job with
// that name. An empty expr only removes the job.
func (s *Scheduler) Set(name, expr string, fn func()) error {
	s.Remove(name)
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}
	id, err := s.cron.AddFunc(expr, fn)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	s.mu.Lock()
	s.entries[name] = id
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	return out
}
