package domain

import "context"

// Gateway is the upstream GitLab REST surface, bound to a bearer token.
type Gateway interface {
	CurrentUser(ctx context.Context) (User, error)
	ListProjects(ctx context.Context) ([]Project, error)
	GetProject(ctx context.Context, projectID int64) (Project, error)
	ListBranches(ctx context.Context, projectID int64) ([]Branch, error)
	CreateBranch(ctx context.Context, projectID int64, branch, ref string) (Branch, error)
	GetRawFile(ctx context.Context, projectID int64, path, ref string) ([]byte, error)
	CreateFile(ctx context.Context, projectID int64, path, branch, content, message string) error
	ListPipelines(ctx context.Context, projectID int64) ([]Pipeline, error)
	GetPipeline(ctx context.Context, projectID, pipelineID int64) (Pipeline, error)
	TriggerPipeline(ctx context.Context, projectID int64, ref string, vars []Variable) (Pipeline, error)
	RetryPipeline(ctx context.Context, projectID, pipelineID int64) (Pipeline, error)
	ListPipelineJobs(ctx context.Context, projectID, pipelineID int64) ([]Job, error)
	PlayJob(ctx context.Context, projectID, jobID int64) (Job, error)
	ListEnvironments(ctx context.Context, projectID int64) ([]Environment, error)
	StopEnvironment(ctx context.Context, projectID, environmentID int64) (Environment, error)
}

// GatewayFactory binds a Gateway to a per-session access token.
type GatewayFactory interface {
	ForToken(token string) Gateway
}

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// GroupStore persists group membership. Save is full-replace guarded by an
// optimistic version: passing a stale version fails with ErrVersionConflict.
type GroupStore interface {
	Load(ctx context.Context) ([]Group, int64, error)
	Save(ctx context.Context, groups []Group, version int64) (int64, error)
}

// HistoryStore is the append-only deployment history, newest first.
type HistoryStore interface {
	List(ctx context.Context) ([]DeploymentRecord, error)
	Append(ctx context.Context, rec DeploymentRecord) (DeploymentRecord, error)
}
