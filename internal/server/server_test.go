package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deploymate/deploymate/internal/application"
	"github.com/deploymate/deploymate/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockFactory struct {
	gw domain.Gateway
}

func (f mockFactory) ForToken(string) domain.Gateway { return f.gw }

type testRig struct {
	router   *gin.Engine
	handlers *handlers
	gw       *domain.MockGateway
	groups   *domain.MockGroupStore
	history  *domain.MockHistoryStore
	sched    *application.Scheduler
	poller   *application.Poller
}

func newRig(gw *domain.MockGateway) *testRig {
	log := zap.NewNop()
	groups := &domain.MockGroupStore{
		Groups:  []domain.Group{{ID: 1, Name: "payments", ProjectIDs: []int64{101, 102}}},
		Version: 1,
	}
	history := &domain.MockHistoryStore{}
	poller := application.NewPoller(gw, log)
	sched := application.NewScheduler(log, gw, application.NewFetcher(gw, log), poller, groups, time.Hour, "")

	h := &handlers{
		deps: Deps{
			Log:             log,
			Factory:         mockFactory{gw: gw},
			Groups:          groups,
			History:         history,
			Scheduler:       sched,
			Poller:          poller,
			Locks:           application.NewKeyedMutex(),
			ClientOrigin:    "http://localhost:3000",
			JobPollAttempts: 3,
			JobPollInterval: time.Millisecond,
		},
		sessions: NewSessionStore(time.Hour),
	}
	r := gin.New()
	draw(r, h)
	return &testRig{router: r, handlers: h, gw: gw, groups: groups, history: history, sched: sched, poller: poller}
}

// runCycle runs the scheduler long enough for one fetch cycle.
func (rig *testRig) runCycle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rig.sched.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, _, fetchedAt := rig.sched.Snapshot(); !fetchedAt.IsZero() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scheduler never completed a cycle")
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	<-done
}

func (rig *testRig) do(method, path, body string, authed bool) *httptest.ResponseRecorder {
	return rig.doHeaders(method, path, body, authed, nil)
}

func (rig *testRig) doHeaders(method, path, body string, authed bool, headers map[string]string) *httptest.ResponseRecorder {
	var rd *strings.Reader
	if body != "" {
		rd = strings.NewReader(body)
	} else {
		rd = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		id := rig.handlers.sessions.Create(domain.User{ID: 7, Username: "dev"}, "tok")
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: id})
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	rig.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	rig := newRig(&domain.MockGateway{})
	w := rig.do(http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"OK"`)
}

func TestCORSPreflight(t *testing.T) {
	rig := newRig(&domain.MockGateway{})
	w := rig.do(http.MethodOptions, "/api/groups", "", false)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "If-Match")
}

func TestRequireAuth(t *testing.T) {
	rig := newRig(&domain.MockGateway{})

	w := rig.do(http.MethodGet, "/api/projects", "", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = rig.do(http.MethodGet, "/api/projects", "", true)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthStatus(t *testing.T) {
	rig := newRig(&domain.MockGateway{})

	w := rig.do(http.MethodGet, "/auth/status", "", false)
	assert.Contains(t, w.Body.String(), `"authenticated":false`)

	w = rig.do(http.MethodGet, "/auth/status", "", true)
	assert.Contains(t, w.Body.String(), `"authenticated":true`)
	assert.Contains(t, w.Body.String(), `"dev"`)
}

func TestSessionExpiry(t *testing.T) {
	store := NewSessionStore(time.Millisecond)
	id := store.Create(domain.User{ID: 1}, "tok")
	time.Sleep(5 * time.Millisecond)
	_, ok := store.Get(id)
	assert.False(t, ok)
}

func TestGroupsVersioning(t *testing.T) {
	rig := newRig(&domain.MockGateway{})

	w := rig.do(http.MethodGet, "/api/groups", "", true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("ETag"))

	body := `[{"id":1,"name":"payments","projectIds":[101]}]`

	t.Run("stale version is rejected", func(t *testing.T) {
		w := rig.doHeaders(http.MethodPost, "/api/groups", body, true, map[string]string{"If-Match": "99"})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("current version saves and bumps", func(t *testing.T) {
		w := rig.doHeaders(http.MethodPost, "/api/groups", body, true, map[string]string{"If-Match": "1"})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("ETag"))
		assert.Equal(t, []int64{101}, rig.groups.Groups[0].ProjectIDs)
	})

	t.Run("no If-Match falls back to last write wins", func(t *testing.T) {
		w := rig.do(http.MethodPost, "/api/groups", body, true)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestHistoryEndpoints(t *testing.T) {
	rig := newRig(&domain.MockGateway{})

	w := rig.do(http.MethodPost, "/api/bulk-deployments", `{"module":"payments"}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	rec := `{"module":"payments","branch":"develop","started":"2026-08-31T10:00:00Z"}`
	w = rig.do(http.MethodPost, "/api/bulk-deployments", rec, true)
	assert.Equal(t, http.StatusOK, w.Code)

	w = rig.do(http.MethodGet, "/api/bulk-deployments", "", true)
	assert.Equal(t, http.StatusOK, w.Code)
	var records []domain.DeploymentRecord
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	if assert.Len(t, records, 1) {
		assert.Equal(t, "idle", records[0].Environments["QA"])
	}
}

func TestTriggerPipelineDefaultBranchFallback(t *testing.T) {
	rig := newRig(&domain.MockGateway{
		Projects: []domain.Project{{ID: 101, Name: "api", DefaultBranch: "develop"}},
	})

	w := rig.do(http.MethodPost, "/api/projects/101/trigger-pipeline", `{"ref":"main"}`, true)
	assert.Equal(t, http.StatusOK, w.Code)
	if assert.Len(t, rig.gw.Triggered, 1) {
		assert.Equal(t, "develop", rig.gw.Triggered[0].Ref)
	}
}

func TestModuleDeploy(t *testing.T) {
	t.Run("missing branch maps to 422", func(t *testing.T) {
		rig := newRig(&domain.MockGateway{
			Projects: []domain.Project{{ID: 101, Name: "api"}, {ID: 102, Name: "worker"}},
			Branches: map[int64][]domain.Branch{101: {{Name: "develop"}}},
		})

		w := rig.do(http.MethodPost, "/api/modules/1/deploy", `{"branch":"develop"}`, true)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Contains(t, w.Body.String(), "worker")
		assert.Empty(t, rig.gw.Triggered)
	})

	t.Run("triggers the whole group", func(t *testing.T) {
		rig := newRig(&domain.MockGateway{
			Projects: []domain.Project{{ID: 101, Name: "api"}, {ID: 102, Name: "worker"}},
			Branches: map[int64][]domain.Branch{
				101: {{Name: "develop"}},
				102: {{Name: "develop"}},
			},
		})

		w := rig.do(http.MethodPost, "/api/modules/1/deploy", `{"branch":"develop","variables":{"DEPLOY_ENV":"qa"}}`, true)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, rig.gw.Triggered, 2)
		assert.Len(t, rig.history.Records, 1)

		var outcome application.DeploymentOutcome
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &outcome))
		assert.Len(t, outcome.Triggered, 2)
	})

	t.Run("unknown group maps to 400", func(t *testing.T) {
		rig := newRig(&domain.MockGateway{})
		w := rig.do(http.MethodPost, "/api/modules/42/deploy", `{"branch":"develop"}`, true)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestModulePromote(t *testing.T) {
	now := time.Now()
	gw := &domain.MockGateway{
		Projects: []domain.Project{{ID: 101, Name: "api"}, {ID: 102, Name: "worker"}},
		Pipelines: map[int64][]domain.Pipeline{
			101: {{ID: 10, ProjectID: 101, Ref: "develop", Status: domain.StatusManual, CreatedAt: now}},
			102: {{ID: 20, ProjectID: 102, Ref: "develop", Status: domain.StatusManual, CreatedAt: now}},
		},
		Jobs: map[int64][]domain.Job{
			10: {{ID: 1, Name: "deploy_to_qa", Status: domain.JobManual}},
			20: {{ID: 2, Name: "deploy_to_qa", Status: domain.JobManual}},
		},
		JobScript: map[int64][]domain.JobStatus{
			1: {domain.JobManual, domain.JobSuccess},
			2: {domain.JobManual, domain.JobSuccess},
		},
	}
	rig := newRig(gw)
	rig.runCycle(t)

	t.Run("staging refused while qa is manual", func(t *testing.T) {
		w := rig.do(http.MethodPost, "/api/modules/1/promote", `{"branch":"develop","stage":"Staging"}`, true)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Empty(t, gw.Played)
	})

	t.Run("qa promote plays every manual job", func(t *testing.T) {
		w := rig.do(http.MethodPost, "/api/modules/1/promote", `{"branch":"develop","stage":"QA"}`, true)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.ElementsMatch(t, []int64{1, 2}, gw.Played)

		var outcome application.PromoteOutcome
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &outcome))
		assert.Equal(t, "QA", outcome.Stage)
		assert.Len(t, outcome.Played, 2)
	})

	t.Run("unknown stage maps to 400", func(t *testing.T) {
		w := rig.do(http.MethodPost, "/api/modules/1/promote", `{"branch":"develop","stage":"Sandbox"}`, true)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("no pipelines maps to 409", func(t *testing.T) {
		w := rig.do(http.MethodPost, "/api/modules/1/promote", `{"branch":"release/9.9.9","stage":"QA"}`, true)
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestDashboard(t *testing.T) {
	now := time.Now()
	gw := &domain.MockGateway{
		Projects: []domain.Project{{ID: 101, Name: "api"}},
		Pipelines: map[int64][]domain.Pipeline{
			101: {{ID: 10, ProjectID: 101, Ref: "develop", Status: domain.StatusManual, CreatedAt: now}},
		},
		Jobs: map[int64][]domain.Job{
			10: {{ID: 1, Name: "deploy_to_qa", Status: domain.JobManual}},
		},
	}
	rig := newRig(gw)
	rig.runCycle(t)

	w := rig.do(http.MethodGet, "/api/dashboard?group=payments&branch=develop", "", true)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Buckets []struct {
			Key    application.BucketKey    `json:"key"`
			Active []domain.Pipeline        `json:"active"`
			Stages []application.StageState `json:"stages"`
		} `json:"buckets"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	if assert.Len(t, resp.Buckets, 1) {
		b := resp.Buckets[0]
		assert.Equal(t, "payments", b.Key.Group)
		assert.Len(t, b.Active, 1)
		assert.Len(t, b.Stages, 4)
	}
}

func TestCreateReleaseBranchEndpoint(t *testing.T) {
	rig := newRig(&domain.MockGateway{
		Projects: []domain.Project{{ID: 101, Name: "api", DefaultBranch: "main", WebURL: "https://gitlab.example.com/acme/api"}},
	})

	w := rig.do(http.MethodPost, "/api/projects/101/branches/release", `{"releaseNumber":"2.1.0"}`, true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "release/2.1.0 created successfully")
	assert.Contains(t, rig.gw.Branches[101], domain.Branch{Name: "release/2.1.0"})

	w = rig.do(http.MethodPost, "/api/projects/101/branches/release", `{}`, true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
