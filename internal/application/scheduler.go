package application

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/deploymate/deploymate/internal/domain"
	"go.uber.org/zap"
)

// Scheduler drives the periodic fetch cycle: pull the project list, fan out
// pipeline fetches, rebuild the snapshot, then refresh jobs for gate-pending
// active pipelines. Overlapping ticks coalesce: a tick that arrives while a
// cycle is still running is skipped, not queued.
type Scheduler struct {
	log       *zap.Logger
	gw        domain.Gateway
	fetcher   *Fetcher
	poller    *Poller
	groups    domain.GroupStore
	every     time.Duration
	pauseFile string

	kick    chan struct{}
	running sync.Mutex

	mu        sync.RWMutex
	pipelines []domain.Pipeline
	grouplist []domain.Group
	fetchedAt time.Time
}

func NewScheduler(log *zap.Logger, gw domain.Gateway, fetcher *Fetcher, poller *Poller, groups domain.GroupStore, every time.Duration, pauseFile string) *Scheduler {
	return &Scheduler{
		log:       log,
		gw:        gw,
		fetcher:   fetcher,
		poller:    poller,
		groups:    groups,
		every:     every,
		pauseFile: pauseFile,
		kick:      make(chan struct{}, 1),
	}
}

// Kick requests an immediate fetch cycle, e.g. after the group store
// changed on disk. Coalesces if one is already pending.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(s.every)
	defer t.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick(ctx)
		case <-s.kick:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.isPaused() {
		s.log.Debug("paused: skipping fetch cycle")
		return
	}
	if !s.running.TryLock() {
		s.log.Debug("previous fetch cycle still running: skipping tick")
		return
	}
	defer s.running.Unlock()

	projects, err := s.gw.ListProjects(ctx)
	if err != nil {
		s.log.Warn("project list fetch failed", zap.Error(err))
		return
	}

	groups, _, err := s.groups.Load(ctx)
	if err != nil {
		s.log.Warn("group load failed", zap.Error(err))
	}

	pipelines := s.fetcher.FetchAll(ctx, projects)

	s.mu.Lock()
	s.pipelines = pipelines
	s.grouplist = groups
	s.fetchedAt = time.Now()
	s.mu.Unlock()

	active := s.activeAcrossBuckets(pipelines, groups)
	s.poller.Prune(active)
	s.poller.RefreshManualOrWaiting(ctx, active)

	s.log.Debug("fetch cycle complete",
		zap.Int("projects", len(projects)),
		zap.Int("pipelines", len(pipelines)),
		zap.Int("active", len(active)),
	)
}

func (s *Scheduler) activeAcrossBuckets(pipelines []domain.Pipeline, groups []domain.Group) []domain.Pipeline {
	var active []domain.Pipeline
	for _, b := range BucketPipelines(pipelines, GroupResolver(groups), BucketFilter{}) {
		active = append(active, b.Active...)
	}
	return active
}

func (s *Scheduler) isPaused() bool {
	if s.pauseFile == "" {
		return false
	}
	_, err := os.Stat(s.pauseFile)
	return err == nil
}

// Snapshot returns the latest fetched state.
func (s *Scheduler) Snapshot() ([]domain.Pipeline, []domain.Group, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Pipeline(nil), s.pipelines...),
		append([]domain.Group(nil), s.grouplist...),
		s.fetchedAt
}

// Buckets builds the bucketed view over the latest snapshot.
func (s *Scheduler) Buckets(filter BucketFilter) []Bucket {
	pipelines, groups, _ := s.Snapshot()
	return BucketPipelines(pipelines, GroupResolver(groups), filter)
}
