// Package router keeps the registry of capability-advertising repos and
// dispatches jobs to them. Jobs advance forward only through
// queued -> running -> completed|failed; delivery goes through the
// cross-machine relay and is always mirrored to the local sink.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/CosmoTheDev/fleethub/internal/bus"
	"github.com/CosmoTheDev/fleethub/internal/ids"
	"github.com/CosmoTheDev/fleethub/internal/relay"
	"github.com/CosmoTheDev/fleethub/internal/ringbuf"
)

const (
	globalJobCapacity = 10000
	repoJobCapacity   = 2000
	defaultRequester  = "human"
	anyRequester      = "*"
)

var (
	ErrUnknownRepo       = errors.New("unknown repo")
	ErrNotAllowed        = errors.New("requester not allowed")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrInvalidRepo       = errors.New("invalid repo")
)

// Relay routes a serialised job to the machine hosting a repo.
type Relay interface {
	Send(ctx context.Context, to, content string, typ relay.Type, channel relay.Channel, metadata map[string]any) (relay.Message, []relay.Delivery)
}

// Sink mirrors dispatched jobs to same-host consumers.
type Sink interface {
	Send(from, to, content string, kind bus.Kind, metadata map[string]any) bus.Message
}

// Option configures a Router.
type Option func(*Router)

func WithClock(now func() time.Time) Option { return func(r *Router) { r.now = now } }

// Router is the repo registry and job dispatcher. relay and sink may be nil.
type Router struct {
	relay Relay
	sink  Sink
	now   func() time.Time

	mu       sync.RWMutex
	repos    map[string]*Record
	repoJobs map[string]*ringbuf.Ring[*Job]
	allJobs  *ringbuf.Ring[*Job]
	byID     map[string]*Job
	subs     map[string]func(Event)
}

func New(rl Relay, sink Sink, opts ...Option) *Router {
	r := &Router{
		relay:    rl,
		sink:     sink,
		now:      time.Now,
		repos:    make(map[string]*Record),
		repoJobs: make(map[string]*ringbuf.Ring[*Job]),
		allJobs:  ringbuf.New[*Job](globalJobCapacity),
		byID:     make(map[string]*Job),
		subs:     make(map[string]func(Event)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterRepo upserts a repo keyed by identity.Name. RegisteredAt is kept
// across re-registration and counters never go below their prior values.
// A nil patch registers the repo as idle.
func (r *Router) RegisterRepo(identity Identity, patch *StatePatch) (Record, error) {
	return r.register(identity, patch, 0)
}

// RestoreRepo re-registers a persisted repo as offline, keeping the
// registeredAt it was first seen with. A repo already in memory keeps its
// own RegisteredAt.
func (r *Router) RestoreRepo(identity Identity, registeredAt int64) (Record, error) {
	offline := RepoOffline
	return r.register(identity, &StatePatch{Status: &offline}, registeredAt)
}

func (r *Router) register(identity Identity, patch *StatePatch, registeredAt int64) (Record, error) {
	identity.Name = strings.TrimSpace(identity.Name)
	if identity.Name == "" {
		return Record{}, fmt.Errorf("%w: name is required", ErrInvalidRepo)
	}
	if identity.DisplayName == "" {
		identity.DisplayName = identity.Name
	}
	now := r.now().UnixMilli()

	state := State{Status: RepoIdle, LastActivity: now}
	if patch != nil {
		if err := applyPatch(&state, patch); err != nil {
			return Record{}, err
		}
	}

	r.mu.Lock()
	rec := &Record{Identity: identity, State: state, RegisteredAt: now, LastSeen: now}
	if registeredAt > 0 {
		rec.RegisteredAt = registeredAt
	}
	if existing, ok := r.repos[identity.Name]; ok {
		rec.RegisteredAt = existing.RegisteredAt
		rec.State.TotalJobsCompleted = max(existing.State.TotalJobsCompleted, rec.State.TotalJobsCompleted)
		rec.State.TotalJobsFailed = max(existing.State.TotalJobsFailed, rec.State.TotalJobsFailed)
	}
	r.repos[identity.Name] = rec
	if _, ok := r.repoJobs[identity.Name]; !ok {
		r.repoJobs[identity.Name] = ringbuf.New[*Job](repoJobCapacity)
	}
	out := copyRecord(rec)
	r.mu.Unlock()

	slog.Info("router: repo registered",
		"name", identity.Name, "display_name", identity.DisplayName,
		"machine", identity.MachineName, "capabilities", strings.Join(identity.Capabilities, ","))
	r.emit(EventRepoRegistered, identity.Name, out)
	return out, nil
}

// UnregisterRepo marks a repo offline. History is kept and a later
// RegisterRepo revives it. It reports whether the repo was known.
func (r *Router) UnregisterRepo(name string) bool {
	r.mu.Lock()
	rec, ok := r.repos[name]
	if ok {
		rec.State.Status = RepoOffline
	}
	var out Record
	if ok {
		out = copyRecord(rec)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	slog.Info("router: repo offline", "name", name)
	r.emit(EventRepoOffline, name, out)
	return true
}

// UpdateRepoState shallow-merges patch into the repo's state and refreshes
// LastSeen.
func (r *Router) UpdateRepoState(name string, patch StatePatch) (Record, error) {
	r.mu.Lock()
	rec, ok := r.repos[name]
	if !ok {
		r.mu.Unlock()
		return Record{}, r.unknownRepo(name)
	}
	next := rec.State
	if err := applyPatch(&next, &patch); err != nil {
		r.mu.Unlock()
		return Record{}, err
	}
	next.TotalJobsCompleted = max(next.TotalJobsCompleted, rec.State.TotalJobsCompleted)
	next.TotalJobsFailed = max(next.TotalJobsFailed, rec.State.TotalJobsFailed)
	rec.State = next
	rec.LastSeen = r.now().UnixMilli()
	out := copyRecord(rec)
	r.mu.Unlock()

	r.emit(EventRepoState, name, out)
	return out, nil
}

func applyPatch(s *State, p *StatePatch) error {
	if p.Status != nil {
		if !validRepoStatus(*p.Status) {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidRepo, *p.Status)
		}
		s.Status = *p.Status
	}
	if p.CurrentTask != nil {
		s.CurrentTask = *p.CurrentTask
	}
	if p.LastActivity != nil {
		s.LastActivity = *p.LastActivity
	}
	if p.TotalJobsCompleted != nil {
		s.TotalJobsCompleted = *p.TotalJobsCompleted
	}
	if p.TotalJobsFailed != nil {
		s.TotalJobsFailed = *p.TotalJobsFailed
	}
	return nil
}

// unknownRepo must be called with r.mu held.
func (r *Router) unknownRepo(name string) error {
	names := make([]string, 0, len(r.repos))
	for n := range r.repos {
		names = append(names, n)
	}
	sort.Strings(names)
	return fmt.Errorf("%w: %q not found (available: %s)", ErrUnknownRepo, name, strings.Join(names, ", "))
}

// Repo returns a copy of a registered repo.
func (r *Router) Repo(name string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.repos[name]
	if !ok {
		return Record{}, false
	}
	return copyRecord(rec), true
}

// Repos returns every registered repo sorted by name.
func (r *Router) Repos() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.repos))
	for _, rec := range r.repos {
		out = append(out, copyRecord(rec))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.Name < out[j].Identity.Name })
	return out
}

// FindByCapability returns non-offline repos advertising capability.
func (r *Router) FindByCapability(capability string) []Record {
	out := make([]Record, 0)
	for _, rec := range r.Repos() {
		if rec.State.Status != RepoOffline && slices.Contains(rec.Identity.Capabilities, capability) {
			out = append(out, rec)
		}
	}
	return out
}

func copyRecord(rec *Record) Record {
	cp := *rec
	cp.Identity.Capabilities = slices.Clone(rec.Identity.Capabilities)
	cp.Identity.TechStack = slices.Clone(rec.Identity.TechStack)
	cp.Identity.AcceptsTasksFrom = slices.Clone(rec.Identity.AcceptsTasksFrom)
	return cp
}

// SendTask validates the target and requester, queues a job and routes it
// to the repo's machine. The job is returned queued even when routing
// fails; the local sink always sees it.
func (r *Router) SendTask(ctx context.Context, toRepo, action, description, requestedBy string, params map[string]any) (Job, error) {
	if requestedBy == "" {
		requestedBy = defaultRequester
	}

	r.mu.Lock()
	rec, ok := r.repos[toRepo]
	if !ok {
		err := r.unknownRepo(toRepo)
		r.mu.Unlock()
		return Job{}, err
	}
	allow := rec.Identity.AcceptsTasksFrom
	if !slices.Contains(allow, anyRequester) && !slices.Contains(allow, requestedBy) {
		r.mu.Unlock()
		return Job{}, fmt.Errorf("%w: repo %q does not accept tasks from %q (accepts: %s)",
			ErrNotAllowed, toRepo, requestedBy, strings.Join(allow, ", "))
	}

	job := &Job{
		ID:          ids.New("job"),
		RepoName:    toRepo,
		Action:      action,
		Description: description,
		Params:      params,
		RequestedBy: requestedBy,
		RequestedAt: r.now().UnixMilli(),
		Status:      JobQueued,
	}
	r.byID[job.ID] = job
	if evicted, ok := r.allJobs.Push(job); ok {
		delete(r.byID, evicted.ID)
	}
	r.repoJobs[toRepo].Push(job)
	machineID := rec.Identity.MachineID
	out := *job
	r.mu.Unlock()

	r.route(ctx, machineID, out)

	if r.sink != nil {
		payload, _ := json.Marshal(map[string]any{
			"action":      action,
			"description": description,
			"params":      params,
			"jobId":       out.ID,
		})
		r.sink.Send("repo:"+requestedBy, "repo:"+toRepo, string(payload), bus.KindCommand, map[string]any{"repoTask": true})
	}

	slog.Info("router: task sent", "repo", toRepo, "action", action, "description", description, "job", out.ID)
	r.emit(EventJobQueued, toRepo, out)
	return out, nil
}

func (r *Router) route(ctx context.Context, machineID string, job Job) {
	if r.relay == nil || machineID == "" {
		slog.Debug("router: no relay route for repo, relying on local sink", "repo", job.RepoName)
		return
	}
	content, err := json.Marshal(map[string]any{
		"type":       "repo:task",
		"job":        job,
		"targetRepo": job.RepoName,
	})
	if err != nil {
		slog.Warn("router: could not encode task", "job", job.ID, "error", err)
		return
	}
	_, deliveries := r.relay.Send(ctx, machineID, string(content), relay.TypeTask, relay.ChannelWebSocket,
		map[string]any{"repoName": job.RepoName, "action": job.Action, "jobId": job.ID})
	for _, d := range deliveries {
		if d.Outcome == relay.OutcomeUnreachable {
			slog.Warn("router: could not route task via relay (repo may be local)",
				"job", job.ID, "machine", d.MachineID, "error", d.Error)
		}
	}
}

// UpdateJob applies a status report. It returns (nil, nil) for an unknown
// id. A backwards transition or one out of a terminal state returns
// ErrInvalidTransition and changes nothing.
func (r *Router) UpdateJob(jobID string, u JobUpdate) (*Job, error) {
	r.mu.Lock()
	job, ok := r.byID[jobID]
	if !ok {
		r.mu.Unlock()
		return nil, nil
	}

	prev := job.Status
	changed := u.Status != "" && u.Status != prev
	if changed && !canTransition(prev, u.Status) {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: job %s is %s, cannot become %s", ErrInvalidTransition, jobID, prev, u.Status)
	}

	if changed {
		job.Status = u.Status
	}
	if u.Result != "" {
		job.Result = u.Result
	}
	if u.Error != "" {
		job.Error = u.Error
	}
	if u.StartedAt != 0 {
		job.StartedAt = u.StartedAt
	}
	if u.CompletedAt != 0 {
		job.CompletedAt = u.CompletedAt
		job.Duration = job.CompletedAt - max(job.StartedAt, job.RequestedAt)
	}

	var repoOut *Record
	if rec, ok := r.repos[job.RepoName]; ok && changed {
		switch {
		case job.Status.Terminal():
			if job.Status == JobCompleted {
				rec.State.TotalJobsCompleted++
			} else {
				rec.State.TotalJobsFailed++
			}
			rec.State.CurrentTask = ""
			rec.State.Status = RepoIdle
			rec.State.LastActivity = r.now().UnixMilli()
		case job.Status == JobRunning:
			rec.State.CurrentTask = job.Action + ": " + job.Description
			rec.State.Status = RepoWorking
		}
		cp := copyRecord(rec)
		repoOut = &cp
	}
	out := *job
	r.mu.Unlock()

	slog.Info("router: job updated", "job", jobID, "status", out.Status, "result", truncate(out.Result, 100))
	if changed {
		r.emit("job:"+string(out.Status), out.RepoName, out)
	}
	if repoOut != nil {
		r.emit(EventRepoState, out.RepoName, *repoOut)
	}
	return &out, nil
}

// Job returns a copy of a job by id.
func (r *Router) Job(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.byID[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// JobsForRepo lists a repo's jobs newest first.
func (r *Router) JobsForRepo(name string, q JobQuery) []Job {
	r.mu.RLock()
	ring, ok := r.repoJobs[name]
	var jobs []Job
	if ok {
		jobs = collect(ring, q.Status)
	}
	r.mu.RUnlock()
	return newestFirst(jobs, q.Limit)
}

// AllJobs lists every retained job newest first.
func (r *Router) AllJobs(q JobQuery) []Job {
	r.mu.RLock()
	jobs := collect(r.allJobs, q.Status)
	r.mu.RUnlock()
	return newestFirst(jobs, q.Limit)
}

func collect(ring *ringbuf.Ring[*Job], status JobStatus) []Job {
	out := make([]Job, 0, ring.Len())
	ring.Each(func(j *Job) bool {
		if status == "" || j.Status == status {
			out = append(out, *j)
		}
		return true
	})
	return out
}

func newestFirst(jobs []Job, limit int) []Job {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].RequestedAt != jobs[j].RequestedAt {
			return jobs[i].RequestedAt > jobs[j].RequestedAt
		}
		return jobs[i].ID > jobs[j].ID
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	if jobs == nil {
		jobs = []Job{}
	}
	return jobs
}

// RepoSummary is the per-repo rollup in Stats.
type RepoSummary struct {
	Name          string     `json:"name"`
	DisplayName   string     `json:"displayName"`
	Machine       string     `json:"machine"`
	Status        RepoStatus `json:"status"`
	Capabilities  []string   `json:"capabilities"`
	JobsCompleted int64      `json:"jobsCompleted"`
	JobsFailed    int64      `json:"jobsFailed"`
	LastSeen      int64      `json:"lastSeen"`
}

type Stats struct {
	TotalRepos    int            `json:"totalRepos"`
	ReposByStatus map[string]int `json:"reposByStatus"`
	TotalJobs     int            `json:"totalJobs"`
	JobsByStatus  map[string]int `json:"jobsByStatus"`
	Repos         []RepoSummary  `json:"repos"`
}

func (r *Router) Stats() Stats {
	repos := r.Repos()
	st := Stats{
		TotalRepos:    len(repos),
		ReposByStatus: make(map[string]int),
		JobsByStatus:  make(map[string]int),
		Repos:         make([]RepoSummary, 0, len(repos)),
	}
	for _, rec := range repos {
		st.ReposByStatus[string(rec.State.Status)]++
		st.Repos = append(st.Repos, RepoSummary{
			Name:          rec.Identity.Name,
			DisplayName:   rec.Identity.DisplayName,
			Machine:       rec.Identity.MachineName,
			Status:        rec.State.Status,
			Capabilities:  rec.Identity.Capabilities,
			JobsCompleted: rec.State.TotalJobsCompleted,
			JobsFailed:    rec.State.TotalJobsFailed,
			LastSeen:      rec.LastSeen,
		})
	}
	r.mu.RLock()
	st.TotalJobs = r.allJobs.Len()
	r.allJobs.Each(func(j *Job) bool {
		st.JobsByStatus[string(j.Status)]++
		return true
	})
	r.mu.RUnlock()
	return st
}

// Subscribe registers fn for every router event. The returned func removes
// it.
func (r *Router) Subscribe(fn func(Event)) (unsubscribe func()) {
	id := ids.New("esub")
	r.mu.Lock()
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

func (r *Router) emit(name, repo string, data any) {
	ev := Event{Name: name, Repo: repo, Data: data, Timestamp: r.now().UnixMilli()}

	r.mu.RLock()
	keys := make([]string, 0, len(r.subs))
	for k := range r.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fns := make([]func(Event), len(keys))
	for i, k := range keys {
		fns[i] = r.subs[k]
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Warn("router: subscriber panicked", "event", name, "panic", rec)
				}
			}()
			fn(ev)
		}()
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
