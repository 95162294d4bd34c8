package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/fleethub/internal/relay"
	"github.com/CosmoTheDev/fleethub/internal/router"
)

func TestSendTaskSendsTokenAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Api-Token"))
		assert.Equal(t, "/api/repos/dao/task", r.URL.Path)
		var req TaskRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "build", req.Action)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(router.Job{ID: "job_1", RepoName: "dao", Action: req.Action, Status: router.JobQueued})
	}))
	defer srv.Close()

	job, err := New(srv.URL+"/", "secret").SendTask(context.Background(), "dao", TaskRequest{Action: "build"})
	require.NoError(t, err)
	assert.Equal(t, "job_1", job.ID)
	assert.Equal(t, router.JobQueued, job.Status)
}

func TestErrorsCarryGatewayMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"job not found"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").UpdateJob(context.Background(), "nope", router.JobUpdate{Status: router.JobRunning})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "job not found")
}

func TestRelaySendBroadcastUsesBroadcastRoute(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewEncoder(w).Encode(RelayResult{Deliveries: []relay.Delivery{}})
	}))
	defer srv.Close()

	_, err := New(srv.URL, "t").RelaySend(context.Background(), relay.BroadcastID, "hi", relay.TypeChat)
	require.NoError(t, err)
	assert.Equal(t, "/api/relay/broadcast", path)
}
