package application

import (
	"context"
	"fmt"
	"time"

	"github.com/deploymate/deploymate/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// GateCoordinator derives environment-promotion readiness from job state
// across a bucket's active pipelines and fans out the play calls that
// advance a whole group through a manual gate.
type GateCoordinator struct {
	gw     domain.Gateway
	poller *Poller
	locks  *KeyedMutex
	log    *zap.Logger

	pollAttempts int
	pollInterval time.Duration
}

func NewGateCoordinator(gw domain.Gateway, poller *Poller, locks *KeyedMutex, log *zap.Logger, pollAttempts int, pollInterval time.Duration) *GateCoordinator {
	return &GateCoordinator{
		gw:           gw,
		poller:       poller,
		locks:        locks,
		log:          log,
		pollAttempts: pollAttempts,
		pollInterval: pollInterval,
	}
}

// StageState summarizes one environment stage across a bucket's active set.
type StageState struct {
	Stage   string `json:"stage"`
	JobName string `json:"jobName"`
	Manual  int    `json:"manual"`
	Success int    `json:"success"`
	Ready   bool   `json:"ready"`
	Reason  string `json:"reason,omitempty"`
}

// PlayedJob is one fan-out play call's outcome.
type PlayedJob struct {
	ProjectID  int64            `json:"projectId"`
	PipelineID int64            `json:"pipelineId"`
	JobID      int64            `json:"jobId"`
	Status     domain.JobStatus `json:"status"`
	Terminal   bool             `json:"terminal"`
	Error      string           `json:"error,omitempty"`
}

type PromoteOutcome struct {
	Stage  string      `json:"stage"`
	Played []PlayedJob `json:"played"`
}

// StageReady reports whether stage may be offered for the given active set.
// Every prerequisite stage must show success on every active pipeline and
// must have no manual job outstanding anywhere in the set: all projects
// clear stage N before any project attempts stage N+1.
func StageReady(active []domain.Pipeline, jobs map[int64][]domain.Job, stage domain.EnvironmentStage) (bool, string) {
	for _, prereq := range stage.Prerequisites() {
		name := prereq.JobName()
		for _, pipeline := range active {
			success, manual := 0, 0
			for _, j := range jobs[pipeline.ID] {
				if j.Name != name {
					continue
				}
				switch j.Status {
				case domain.JobSuccess:
					success++
				case domain.JobManual:
					manual++
				}
			}
			if manual > 0 {
				return false, fmt.Sprintf("%s is still manual on pipeline #%d", prereq, pipeline.ID)
			}
			if success == 0 {
				return false, fmt.Sprintf("%s has not succeeded on pipeline #%d", prereq, pipeline.ID)
			}
		}
	}
	return true, ""
}

// StageStates computes the per-stage summary for a bucket's active set,
// counting jobs by name rather than assuming uniqueness within a pipeline.
func StageStates(active []domain.Pipeline, jobs map[int64][]domain.Job) []StageState {
	states := make([]StageState, 0, len(domain.Stages()))
	for _, stage := range domain.Stages() {
		st := StageState{Stage: stage.String(), JobName: stage.JobName()}
		for _, pipeline := range active {
			for _, j := range jobs[pipeline.ID] {
				if j.Name != st.JobName {
					continue
				}
				switch j.Status {
				case domain.JobManual:
					st.Manual++
				case domain.JobSuccess:
					st.Success++
				}
			}
		}
		st.Ready, st.Reason = StageReady(active, jobs, stage)
		states = append(states, st)
	}
	return states
}

// Promote plays every manual job for the stage across the active pipelines,
// polls each played job to a terminal state, then refreshes every touched
// pipeline's job list. A refused gate returns GateNotReadyError before any
// play call is issued. Individual play failures are reported in the outcome
// and not retried; re-invoking Promote is the retry path.
func (c *GateCoordinator) Promote(ctx context.Context, group, branch string, active []domain.Pipeline, stage domain.EnvironmentStage) (*PromoteOutcome, error) {
	unlock := c.locks.Lock(group + "\x00" + branch)
	defer unlock()

	jobs := c.poller.JobsByPipeline()
	if ready, reason := StageReady(active, jobs, stage); !ready {
		return nil, &domain.GateNotReadyError{Stage: stage, Reason: reason}
	}

	var targets []PlayedJob
	for _, pipeline := range active {
		for _, j := range jobs[pipeline.ID] {
			if j.Name == stage.JobName() && j.Status == domain.JobManual {
				targets = append(targets, PlayedJob{
					ProjectID:  pipeline.ProjectID,
					PipelineID: pipeline.ID,
					JobID:      j.ID,
				})
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range targets {
		target := &targets[i]
		g.Go(func() error {
			if _, err := c.gw.PlayJob(gctx, target.ProjectID, target.JobID); err != nil {
				c.log.Warn("job play failed",
					zap.Int64("project", target.ProjectID),
					zap.Int64("job", target.JobID),
					zap.Error(err),
				)
				target.Error = err.Error()
				return nil
			}
			job, terminal := c.poller.PollUntilTerminal(gctx, target.ProjectID, target.PipelineID, target.JobID, c.pollAttempts, c.pollInterval)
			target.Status = job.Status
			target.Terminal = terminal
			return nil
		})
	}
	_ = g.Wait()

	// Final reconciliation pass over every touched pipeline.
	touched := make(map[int64]int64, len(targets))
	for _, t := range targets {
		touched[t.PipelineID] = t.ProjectID
	}
	for pipelineID, projectID := range touched {
		if _, err := c.poller.Refresh(ctx, projectID, pipelineID); err != nil {
			c.log.Warn("post-promote refresh failed",
				zap.Int64("pipeline", pipelineID),
				zap.Error(err),
			)
		}
	}

	return &PromoteOutcome{Stage: stage.String(), Played: targets}, nil
}
