package gateway

import (
	"net/http"
	"strings"

	"github.com/CosmoTheDev/fleethub/internal/router"
)

const recentJobsOnDetail = 10

func (gw *Gateway) handleRepoRegister(w http.ResponseWriter, r *http.Request) {
	var req repoRegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := gw.hub.RegisterRepo(r.Context(), req.Identity, req.State)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (gw *Gateway) handleListRepos(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.hub.Router.Repos())
}

func (gw *Gateway) handleRepoStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.hub.Router.Stats())
}

func (gw *Gateway) handleGetRepo(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	rec, ok := gw.hub.Router.Repo(name)
	if !ok {
		writeError(w, http.StatusNotFound, "repo "+name+" not found")
		return
	}
	writeJSON(w, http.StatusOK, repoDetail{
		Record:     rec,
		RecentJobs: gw.hub.Router.JobsForRepo(name, router.JobQuery{Limit: recentJobsOnDetail}),
	})
}

func (gw *Gateway) handleUnregisterRepo(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !gw.hub.Router.UnregisterRepo(name) {
		writeError(w, http.StatusNotFound, "repo "+name+" not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "status": router.RepoOffline})
}

// handleRepoSection serves GET /api/repos/find/{capability},
// /api/repos/{name}/state and /api/repos/{name}/jobs.
func (gw *Gateway) handleRepoSection(w http.ResponseWriter, r *http.Request) {
	name, section := r.PathValue("name"), r.PathValue("section")
	switch {
	case name == "find":
		writeJSON(w, http.StatusOK, gw.hub.Router.FindByCapability(section))
	case section == "state":
		rec, ok := gw.hub.Router.Repo(name)
		if !ok {
			writeError(w, http.StatusNotFound, "repo "+name+" not found")
			return
		}
		writeJSON(w, http.StatusOK, rec.State)
	case section == "jobs":
		if _, ok := gw.hub.Router.Repo(name); !ok {
			writeError(w, http.StatusNotFound, "repo "+name+" not found")
			return
		}
		writeJSON(w, http.StatusOK, gw.hub.Router.JobsForRepo(name, jobQuery(r)))
	default:
		http.NotFound(w, r)
	}
}

func (gw *Gateway) handlePutRepoState(w http.ResponseWriter, r *http.Request) {
	var patch router.StatePatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := gw.hub.Router.UpdateRepoState(r.PathValue("name"), patch)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (gw *Gateway) handleSendTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}
	job, err := gw.hub.Router.SendTask(r.Context(), r.PathValue("name"), req.Action, req.Description, req.RequestedBy, req.Params)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (gw *Gateway) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.hub.Router.AllJobs(jobQuery(r)))
}

func (gw *Gateway) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := gw.hub.Router.Job(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (gw *Gateway) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	var u router.JobUpdate
	if err := decodeJSON(w, r, &u); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := gw.hub.Router.UpdateJob(r.PathValue("id"), u)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func jobQuery(r *http.Request) router.JobQuery {
	return router.JobQuery{
		Status: router.JobStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
		Limit:  queryInt(r, "limit", 0),
	}
}
