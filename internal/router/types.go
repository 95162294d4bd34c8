package router

// RepoStatus is the coarse availability of a repo.
type RepoStatus string

const (
	RepoIdle    RepoStatus = "idle"
	RepoWorking RepoStatus = "working"
	RepoError   RepoStatus = "error"
	RepoOffline RepoStatus = "offline"
)

func validRepoStatus(s RepoStatus) bool {
	switch s {
	case RepoIdle, RepoWorking, RepoError, RepoOffline:
		return true
	}
	return false
}

// JobStatus is a job's lifecycle position.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

// canTransition enforces queued -> running -> terminal, with queued ->
// terminal allowed for peers that never report running.
func canTransition(from, to JobStatus) bool {
	switch from {
	case JobQueued:
		return to == JobRunning || to == JobCompleted || to == JobFailed
	case JobRunning:
		return to == JobCompleted || to == JobFailed
	}
	return false
}

// Identity is what a repo announces about itself. Name is the stable key.
type Identity struct {
	Name             string   `json:"name" yaml:"name"`
	DisplayName      string   `json:"displayName" yaml:"display_name"`
	Description      string   `json:"description" yaml:"description"`
	Capabilities     []string `json:"capabilities" yaml:"capabilities"`
	TechStack        []string `json:"techStack" yaml:"tech_stack"`
	MachineID        string   `json:"machineId" yaml:"machine_id"`
	MachineName      string   `json:"machineName" yaml:"machine_name"`
	Port             int      `json:"port" yaml:"port"`
	AcceptsTasksFrom []string `json:"acceptsTasksFrom" yaml:"accepts_tasks_from"`
	HubURL           string   `json:"hubUrl,omitempty" yaml:"hub_url,omitempty"`
}

// State is a repo's mutable runtime state. Counters never decrease.
type State struct {
	Status             RepoStatus `json:"status"`
	CurrentTask        string     `json:"currentTask"`
	LastActivity       int64      `json:"lastActivity"`
	TotalJobsCompleted int64      `json:"totalJobsCompleted"`
	TotalJobsFailed    int64      `json:"totalJobsFailed"`
}

// StatePatch is a partial State. Nil fields are left unchanged.
type StatePatch struct {
	Status             *RepoStatus `json:"status,omitempty"`
	CurrentTask        *string     `json:"currentTask,omitempty"`
	LastActivity       *int64      `json:"lastActivity,omitempty"`
	TotalJobsCompleted *int64      `json:"totalJobsCompleted,omitempty"`
	TotalJobsFailed    *int64      `json:"totalJobsFailed,omitempty"`
}

// Record is a registered repo.
type Record struct {
	Identity     Identity `json:"identity"`
	State        State    `json:"state"`
	RegisteredAt int64    `json:"registeredAt"`
	LastSeen     int64    `json:"lastSeen"`
}

// Job is a unit of work dispatched to a repo. Times are Unix ms and
// Duration is in ms.
type Job struct {
	ID          string         `json:"id"`
	RepoName    string         `json:"repoName"`
	Action      string         `json:"action"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params,omitempty"`
	RequestedBy string         `json:"requestedBy"`
	RequestedAt int64          `json:"requestedAt"`
	StartedAt   int64          `json:"startedAt,omitempty"`
	CompletedAt int64          `json:"completedAt,omitempty"`
	Status      JobStatus      `json:"status"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Duration    int64          `json:"duration,omitempty"`
}

// JobUpdate carries a remote status report. Zero fields are ignored.
type JobUpdate struct {
	Status      JobStatus `json:"status,omitempty"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   int64     `json:"startedAt,omitempty"`
	CompletedAt int64     `json:"completedAt,omitempty"`
}

// JobQuery filters job listings.
type JobQuery struct {
	Status JobStatus
	Limit  int
}

// Router event names.
const (
	EventRepoRegistered = "repo:registered"
	EventRepoOffline    = "repo:offline"
	EventRepoState      = "repo:state"
	EventJobQueued      = "job:queued"
	EventJobRunning     = "job:running"
	EventJobCompleted   = "job:completed"
	EventJobFailed      = "job:failed"
)

// Event is emitted to router subscribers. Data is a Record for repo events
// and a Job for job events.
type Event struct {
	Name      string `json:"event"`
	Repo      string `json:"repo"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}
