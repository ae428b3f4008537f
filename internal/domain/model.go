package domain

import "time"

type PipelineStatus string

const (
	StatusPending            PipelineStatus = "pending"
	StatusRunning            PipelineStatus = "running"
	StatusSuccess            PipelineStatus = "success"
	StatusFailed             PipelineStatus = "failed"
	StatusCanceled           PipelineStatus = "canceled"
	StatusSkipped            PipelineStatus = "skipped"
	StatusManual             PipelineStatus = "manual"
	StatusWaitingForResource PipelineStatus = "waiting_for_resource"
)

// Terminal reports whether no further pipeline progress is possible.
// A skipped pipeline is not terminal for trigger-skip purposes: triggering
// again over a skipped run is allowed.
func (s PipelineStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

type JobStatus string

const (
	JobManual   JobStatus = "manual"
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobSuccess  JobStatus = "success"
	JobFailed   JobStatus = "failed"
	JobCanceled JobStatus = "canceled"
	JobSkipped  JobStatus = "skipped"
)

// Terminal reports whether the job has left the manual/pending/running set.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobManual, JobPending, JobRunning:
		return false
	}
	return true
}

type Project struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Path          string `json:"path_with_namespace"`
	DefaultBranch string `json:"default_branch"`
	WebURL        string `json:"web_url"`
}

type Branch struct {
	Name string `json:"name"`
}

type Variable struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Pipeline is one snapshot of an upstream pipeline, tagged with the owning
// project so a flat list can be bucketed without further lookups.
type Pipeline struct {
	ID          int64          `json:"id"`
	IID         int64          `json:"iid"`
	ProjectID   int64          `json:"project_id"`
	Ref         string         `json:"ref"`
	Status      PipelineStatus `json:"status"`
	SHA         string         `json:"sha"`
	CreatedAt   time.Time      `json:"created_at"`
	WebURL      string         `json:"web_url"`
	Duration    float64        `json:"duration"`
	Variables   []Variable     `json:"variables,omitempty"`
	ProjectName string         `json:"project_name,omitempty"`
	ProjectPath string         `json:"project_path,omitempty"`
}

type Job struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Status     JobStatus `json:"status"`
	Stage      string    `json:"stage"`
	PipelineID int64     `json:"pipeline_id,omitempty"`
	ProjectID  int64     `json:"project_id,omitempty"`
	WebURL     string    `json:"web_url,omitempty"`
}

type Environment struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Slug  string `json:"slug"`
	State string `json:"state"`
}

// Group is a user-authored set of projects deployed and promoted together.
// Membership is by project ID; a project conventionally belongs to at most
// one group, though the store does not enforce it.
type Group struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	ProjectIDs  []int64 `json:"projectIds"`
}

func (g Group) Contains(projectID int64) bool {
	for _, id := range g.ProjectIDs {
		if id == projectID {
			return true
		}
	}
	return false
}

// DeploymentRecord is the append-only history entry written once per bulk
// trigger. Environment statuses are a point-in-time snapshot and are never
// updated afterwards.
type DeploymentRecord struct {
	ID           int64             `json:"id"`
	Module       string            `json:"module"`
	Branch       string            `json:"branch"`
	Started      time.Time         `json:"started"`
	Environments map[string]string `json:"environments"`
}
