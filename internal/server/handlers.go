package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/deploymate/deploymate/internal/application"
	"github.com/deploymate/deploymate/internal/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type handlers struct {
	deps     Deps
	sessions *SessionStore
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "OK", "timestamp": time.Now().UTC().Format(time.RFC3339)})
}

func (h *handlers) respondError(c *gin.Context, err error) {
	var (
		ve *domain.ValidationError
		pe *domain.PreconditionError
		ge *domain.GateNotReadyError
		ue *domain.UpstreamError
	)
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error()})
	case errors.As(err, &pe):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": pe.Error(), "missing": pe.Missing})
	case errors.As(err, &ge):
		c.JSON(http.StatusConflict, gin.H{"error": ge.Error()})
	case errors.Is(err, domain.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "groups changed since you loaded them"})
	case errors.As(err, &ue):
		c.JSON(http.StatusBadGateway, gin.H{"error": ue.Error(), "details": ue.Detail})
	default:
		h.deps.Log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid %s", name)})
		return 0, false
	}
	return id, true
}

// --- GitLab passthrough ---

func (h *handlers) listProjects(c *gin.Context) {
	projects, err := gateway(c).ListProjects(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, projects)
}

func (h *handlers) getProject(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	project, err := gateway(c).GetProject(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (h *handlers) listBranches(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	branches, err := gateway(c).ListBranches(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, branches)
}

func (h *handlers) createReleaseBranch(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body struct {
		ReleaseNumber string `json:"releaseNumber"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.ReleaseNumber == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "releaseNumber is required"})
		return
	}

	ctx := c.Request.Context()
	gw := gateway(c)
	project, err := gw.GetProject(ctx, id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	name := "release/" + body.ReleaseNumber
	branch, err := gw.CreateBranch(ctx, id, name, project.DefaultBranch)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if content, err := gw.GetRawFile(ctx, id, ".gitlab-ci.yml", project.DefaultBranch); err == nil {
		if err := gw.CreateFile(ctx, id, ".gitlab-ci.yml", name, string(content), "Add .gitlab-ci.yml to release branch"); err != nil {
			h.deps.Log.Warn("ci config copy failed", zap.Int64("project", id), zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"message": fmt.Sprintf("Branch %s created successfully", name),
		"branch":  branch,
		"web_url": project.WebURL + "/-/tree/" + name,
	})
}

func (h *handlers) listPipelines(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	pipelines, err := gateway(c).ListPipelines(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pipelines)
}

func (h *handlers) retryPipeline(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	pipelineID, ok := pathID(c, "pipelineId")
	if !ok {
		return
	}
	pipeline, err := gateway(c).RetryPipeline(c.Request.Context(), id, pipelineID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pipeline)
}

func (h *handlers) listPipelineJobs(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	pipelineID, ok := pathID(c, "pipelineId")
	if !ok {
		return
	}
	jobs, err := gateway(c).ListPipelineJobs(c.Request.Context(), id, pipelineID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (h *handlers) triggerPipeline(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body struct {
		Ref       string            `json:"ref"`
		Variables map[string]string `json:"variables"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx := c.Request.Context()
	gw := gateway(c)

	// "main" is the client's placeholder for "whatever this project calls
	// its default branch".
	ref := body.Ref
	if ref == "" || ref == "main" {
		project, err := gw.GetProject(ctx, id)
		if err != nil {
			h.respondError(c, err)
			return
		}
		if project.DefaultBranch != "" {
			ref = project.DefaultBranch
		}
	}

	vars := make([]domain.Variable, 0, len(body.Variables))
	for k, v := range body.Variables {
		vars = append(vars, domain.Variable{Key: k, Value: v})
	}
	pipeline, err := gw.TriggerPipeline(ctx, id, ref, vars)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pipeline)
}

func (h *handlers) playJob(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	jobID, ok := pathID(c, "jobId")
	if !ok {
		return
	}
	job, err := gateway(c).PlayJob(c.Request.Context(), id, jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *handlers) listEnvironments(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	envs, err := gateway(c).ListEnvironments(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, envs)
}

func (h *handlers) stopEnvironment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	envID, ok := pathID(c, "environmentId")
	if !ok {
		return
	}
	env, err := gateway(c).StopEnvironment(c.Request.Context(), id, envID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, env)
}

// --- Groups ---

func (h *handlers) getGroups(c *gin.Context) {
	groups, version, err := h.deps.Groups.Load(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("ETag", strconv.FormatInt(version, 10))
	c.JSON(http.StatusOK, groups)
}

// saveGroups is full-replace. If-Match carries the version from a prior
// GET; omitting it falls back to last-write-wins against the current
// version, matching clients that predate conflict detection.
func (h *handlers) saveGroups(c *gin.Context) {
	var groups []domain.Group
	if err := c.ShouldBindJSON(&groups); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx := c.Request.Context()
	var version int64
	if m := c.GetHeader("If-Match"); m != "" {
		v, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid If-Match header"})
			return
		}
		version = v
	} else {
		_, v, err := h.deps.Groups.Load(ctx)
		if err != nil {
			h.respondError(c, err)
			return
		}
		version = v
	}

	next, err := h.deps.Groups.Save(ctx, groups, version)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.deps.Scheduler.Kick()
	c.Header("ETag", strconv.FormatInt(next, 10))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// --- Deployment history ---

func (h *handlers) listHistory(c *gin.Context) {
	records, err := h.deps.History.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *handlers) appendHistory(c *gin.Context) {
	var rec domain.DeploymentRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if rec.Module == "" || rec.Branch == "" || rec.Started.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields"})
		return
	}
	if rec.Environments == nil {
		rec.Environments = map[string]string{}
		for _, stage := range domain.Stages() {
			rec.Environments[stage.String()] = "idle"
		}
	}
	saved, err := h.deps.History.Append(c.Request.Context(), rec)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "record": saved})
}

// --- Orchestration ---

func (h *handlers) orchestrator(c *gin.Context) *application.Orchestrator {
	return application.NewOrchestrator(gateway(c), h.deps.Groups, h.deps.History, h.deps.Locks, h.deps.Log)
}

func (h *handlers) moduleDeploy(c *gin.Context) {
	groupID, ok := pathID(c, "groupId")
	if !ok {
		return
	}
	var body struct {
		Branch    string            `json:"branch"`
		Variables map[string]string `json:"variables"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	vars := make([]domain.Variable, 0, len(body.Variables))
	for k, v := range body.Variables {
		vars = append(vars, domain.Variable{Key: k, Value: v})
	}

	outcome, err := h.orchestrator(c).BulkTrigger(c.Request.Context(), groupID, body.Branch, vars)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.deps.Scheduler.Kick()
	c.JSON(http.StatusOK, outcome)
}

func (h *handlers) moduleRelease(c *gin.Context) {
	groupID, ok := pathID(c, "groupId")
	if !ok {
		return
	}
	var body struct {
		ReleaseNumber string `json:"releaseNumber"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	outcome, err := h.orchestrator(c).CreateReleaseBranches(c.Request.Context(), groupID, body.ReleaseNumber)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *handlers) modulePromote(c *gin.Context) {
	groupID, ok := pathID(c, "groupId")
	if !ok {
		return
	}
	var body struct {
		Branch string `json:"branch"`
		Stage  string `json:"stage"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Branch == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "branch and stage are required"})
		return
	}
	stage, ok := domain.ParseStage(body.Stage)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown stage %q", body.Stage)})
		return
	}

	ctx := c.Request.Context()
	groups, _, err := h.deps.Groups.Load(ctx)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var group *domain.Group
	for i := range groups {
		if groups[i].ID == groupID {
			group = &groups[i]
			break
		}
	}
	if group == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("group %d not found", groupID)})
		return
	}

	buckets := h.deps.Scheduler.Buckets(application.BucketFilter{Group: group.Name, Branch: body.Branch})
	if len(buckets) == 0 {
		c.JSON(http.StatusConflict, gin.H{"error": "no pipelines found for this module and branch"})
		return
	}
	// Buckets are sorted newest day first; promotion targets today's run.
	active := buckets[0].Active

	coord := application.NewGateCoordinator(gateway(c), h.deps.Poller, h.deps.Locks, h.deps.Log,
		h.deps.JobPollAttempts, h.deps.JobPollInterval)
	outcome, err := coord.Promote(ctx, group.Name, body.Branch, active, stage)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// --- Dashboard ---

type dashboardBucket struct {
	application.Bucket
	Stages []application.StageState `json:"stages"`
	Jobs   map[int64][]domain.Job   `json:"jobs"`
}

// dashboard exposes the bucketed pipeline view with per-stage readiness,
// the server-side equivalent of the client grouping the UI used to do.
func (h *handlers) dashboard(c *gin.Context) {
	filter := application.BucketFilter{
		Group:  c.Query("group"),
		Branch: c.Query("branch"),
	}
	buckets := h.deps.Scheduler.Buckets(filter)
	jobs := h.deps.Poller.JobsByPipeline()

	out := make([]dashboardBucket, 0, len(buckets))
	for _, b := range buckets {
		db := dashboardBucket{
			Bucket: b,
			Stages: application.StageStates(b.Active, jobs),
			Jobs:   make(map[int64][]domain.Job),
		}
		for _, p := range b.Active {
			if js, ok := jobs[p.ID]; ok {
				db.Jobs[p.ID] = js
			}
		}
		out = append(out, db)
	}

	_, _, fetchedAt := h.deps.Scheduler.Snapshot()
	c.JSON(http.StatusOK, gin.H{"buckets": out, "fetchedAt": fetchedAt})
}
