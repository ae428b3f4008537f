package application

import (
	"context"
	"sync"
	"time"

	"github.com/deploymate/deploymate/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Poller owns the per-pipeline job cache. Passive refresh keeps gate-pending
// pipelines current; active polls track a played job to a terminal state.
type Poller struct {
	gw  domain.Gateway
	log *zap.Logger

	mu   sync.RWMutex
	jobs map[int64][]domain.Job
}

func NewPoller(gw domain.Gateway, log *zap.Logger) *Poller {
	return &Poller{gw: gw, log: log, jobs: make(map[int64][]domain.Job)}
}

// Jobs returns the cached job list for a pipeline.
func (p *Poller) Jobs(pipelineID int64) []domain.Job {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]domain.Job(nil), p.jobs[pipelineID]...)
}

// JobsByPipeline snapshots the whole cache for gating checks.
func (p *Poller) JobsByPipeline() map[int64][]domain.Job {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[int64][]domain.Job, len(p.jobs))
	for id, jobs := range p.jobs {
		out[id] = append([]domain.Job(nil), jobs...)
	}
	return out
}

// Refresh fetches a pipeline's job list and overwrites the cached entry.
func (p *Poller) Refresh(ctx context.Context, projectID, pipelineID int64) ([]domain.Job, error) {
	jobs, err := p.gw.ListPipelineJobs(ctx, projectID, pipelineID)
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		jobs[i].ProjectID = projectID
		jobs[i].PipelineID = pipelineID
	}
	p.mu.Lock()
	p.jobs[pipelineID] = jobs
	p.mu.Unlock()
	return jobs, nil
}

// RefreshManualOrWaiting refreshes jobs for every active pipeline sitting at
// a manual gate or waiting for a resource. Per-pipeline failures are logged
// and skipped.
func (p *Poller) RefreshManualOrWaiting(ctx context.Context, active []domain.Pipeline) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for _, pipeline := range active {
		if pipeline.Status != domain.StatusManual && pipeline.Status != domain.StatusWaitingForResource {
			continue
		}
		pipeline := pipeline
		g.Go(func() error {
			if _, err := p.Refresh(ctx, pipeline.ProjectID, pipeline.ID); err != nil {
				p.log.Warn("job refresh failed",
					zap.Int64("project", pipeline.ProjectID),
					zap.Int64("pipeline", pipeline.ID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Prune drops cached job lists for pipelines no longer in the active set,
// so a superseded run cannot feed stale state into a gate check.
func (p *Poller) Prune(active []domain.Pipeline) {
	keep := make(map[int64]struct{}, len(active))
	for _, pipeline := range active {
		keep[pipeline.ID] = struct{}{}
	}
	p.mu.Lock()
	for id := range p.jobs {
		if _, ok := keep[id]; !ok {
			delete(p.jobs, id)
		}
	}
	p.mu.Unlock()
}

// PollUntilTerminal watches one job until it leaves manual/pending/running,
// up to maxAttempts fetches spaced by interval. A failed fetch counts as an
// attempt and is retried on the next tick. Exhausting attempts is not an
// error; the state is simply unknown until the next periodic refresh. In
// every case the pipeline's job list is refreshed once more at the end to
// reconcile anything missed between polls.
func (p *Poller) PollUntilTerminal(ctx context.Context, projectID, pipelineID, jobID int64, maxAttempts int, interval time.Duration) (domain.Job, bool) {
	var (
		job      domain.Job
		terminal bool
	)
poll:
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				break poll
			case <-time.After(interval):
			}
		}
		jobs, err := p.gw.ListPipelineJobs(ctx, projectID, pipelineID)
		if err != nil {
			p.log.Debug("job poll attempt failed",
				zap.Int64("pipeline", pipelineID),
				zap.Int64("job", jobID),
				zap.Error(err),
			)
			continue
		}
		for _, j := range jobs {
			if j.ID == jobID {
				job = j
				break
			}
		}
		if job.ID == jobID && job.Status.Terminal() {
			terminal = true
			break poll
		}
	}

	if jobs, err := p.Refresh(ctx, projectID, pipelineID); err == nil {
		for _, j := range jobs {
			if j.ID == jobID {
				job = j
			}
		}
	}
	return job, terminal
}
