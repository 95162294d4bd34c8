package cmd

import (
	"strings"
	"testing"
	"time"

	"github.com/CosmoTheDev/fleethub/internal/hub"
	"github.com/CosmoTheDev/fleethub/internal/router"
)

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"branch=main", "depth=3", `flags=["a","b"]`, "note=has=equals"})
	if err != nil {
		t.Fatalf("parseParams: %v", err)
	}
	if got["branch"] != "main" {
		t.Fatalf("branch = %#v", got["branch"])
	}
	if got["depth"] != float64(3) {
		t.Fatalf("depth = %#v, want JSON number", got["depth"])
	}
	if flags, ok := got["flags"].([]any); !ok || len(flags) != 2 {
		t.Fatalf("flags = %#v", got["flags"])
	}
	if got["note"] != "has=equals" {
		t.Fatalf("note = %#v", got["note"])
	}

	if _, err := parseParams([]string{"novalue"}); err == nil {
		t.Fatal("expected error for pair without =")
	}
	if p, err := parseParams(nil); err != nil || p != nil {
		t.Fatalf("empty input = %v, %v", p, err)
	}
}

func TestJobUpdateForStampsTimes(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)

	running := jobUpdateFor(router.JobRunning, "", "", now)
	if running.StartedAt != now.UnixMilli() || running.CompletedAt != 0 {
		t.Fatalf("running update = %+v", running)
	}
	done := jobUpdateFor(router.JobCompleted, "ok", "", now)
	if done.CompletedAt != now.UnixMilli() || done.StartedAt != 0 || done.Result != "ok" {
		t.Fatalf("completed update = %+v", done)
	}
	plain := jobUpdateFor("", "partial", "", now)
	if plain.StartedAt != 0 || plain.CompletedAt != 0 {
		t.Fatalf("status-less update stamped times: %+v", plain)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	if got := parseDurationOrDefault("2s", time.Minute); got != 2*time.Second {
		t.Fatalf("got %v", got)
	}
	for _, in := range []string{"", "soon", "-1s"} {
		if got := parseDurationOrDefault(in, time.Minute); got != time.Minute {
			t.Fatalf("%q: got %v, want default", in, got)
		}
	}
}

func TestRenderStatus(t *testing.T) {
	st := &hub.Stats{MachineID: "hub-1", Uptime: 90}
	st.Repos.TotalRepos = 2
	st.Repos.ReposByStatus = map[string]int{"idle": 1, "working": 1}
	st.Webhooks.SuccessRate = 100

	out := renderStatus("http://127.0.0.1:3000", st)
	for _, want := range []string{"hub-1", "http://127.0.0.1:3000", "1m30s", "idle:1 working:1", "100%"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestGatewayHelpListsJobUpdateRoute(t *testing.T) {
	if !strings.Contains(gatewayCmd.Long, "PUT  /api/jobs/{id} ") {
		t.Fatalf("gateway help does not list PUT /api/jobs/{id}:\n%s", gatewayCmd.Long)
	}
	if strings.Contains(gatewayCmd.Long, "/api/repos/jobs/") {
		t.Fatalf("gateway help lists a route the gateway does not serve")
	}
}
