package application

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/deploymate/deploymate/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Orchestrator runs bulk operations across every project in a group:
// validate the branch everywhere, trigger pipelines, aggregate per-project
// outcomes, and record the deployment.
type Orchestrator struct {
	gw      domain.Gateway
	groups  domain.GroupStore
	history domain.HistoryStore
	locks   *KeyedMutex
	log     *zap.Logger
}

func NewOrchestrator(gw domain.Gateway, groups domain.GroupStore, history domain.HistoryStore, locks *KeyedMutex, log *zap.Logger) *Orchestrator {
	return &Orchestrator{gw: gw, groups: groups, history: history, locks: locks, log: log}
}

type ProjectOutcome struct {
	ProjectID  int64  `json:"projectId"`
	Name       string `json:"name"`
	PipelineID int64  `json:"pipelineId,omitempty"`
	WebURL     string `json:"webUrl,omitempty"`
	Error      string `json:"error,omitempty"`
}

type DeploymentOutcome struct {
	Group     string           `json:"group"`
	Branch    string           `json:"branch"`
	Started   time.Time        `json:"started"`
	Triggered []ProjectOutcome `json:"triggered"`
	Skipped   []ProjectOutcome `json:"skipped"`
	Failed    []ProjectOutcome `json:"failed"`
}

// BulkTrigger deploys a branch across every member project of a group.
//
// The branch must exist in every member: the check runs in full before any
// trigger is issued, and a miss anywhere aborts the whole operation naming
// the offending projects. Partially deploying a module to mismatched
// branches is worse than refusing.
//
// Trigger calls are then independent. A project whose latest pipeline for
// the branch is still in flight is skipped rather than doubled up; failures
// are collected per project instead of aborting the rest.
func (o *Orchestrator) BulkTrigger(ctx context.Context, groupID int64, branch string, vars []domain.Variable) (*DeploymentOutcome, error) {
	if strings.TrimSpace(branch) == "" {
		return nil, &domain.ValidationError{Field: "branch", Reason: "must not be blank"}
	}

	group, err := o.findGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if len(group.ProjectIDs) == 0 {
		return nil, &domain.ValidationError{Field: "group", Reason: fmt.Sprintf("group %q has no projects", group.Name)}
	}

	unlock := o.locks.Lock(group.Name + "\x00" + branch)
	defer unlock()

	members, err := o.checkBranches(ctx, group, branch)
	if err != nil {
		return nil, err
	}

	outcome := &DeploymentOutcome{Group: group.Name, Branch: branch, Started: time.Now().UTC()}
	results := make([]ProjectOutcome, len(members))
	skipped := make([]bool, len(members))
	failed := make([]bool, len(members))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, member := range members {
		i, member := i, member
		g.Go(func() error {
			results[i] = ProjectOutcome{ProjectID: member.ID, Name: member.Name}

			if active, ok := o.activeFor(gctx, member.ID, branch); ok && !active.Status.Terminal() {
				results[i].PipelineID = active.ID
				results[i].WebURL = active.WebURL
				skipped[i] = true
				return nil
			}

			pipeline, err := o.gw.TriggerPipeline(gctx, member.ID, branch, vars)
			if err != nil {
				o.log.Warn("trigger failed",
					zap.String("group", group.Name),
					zap.Int64("project", member.ID),
					zap.String("branch", branch),
					zap.Error(err),
				)
				results[i].Error = err.Error()
				failed[i] = true
				return nil
			}
			results[i].PipelineID = pipeline.ID
			results[i].WebURL = pipeline.WebURL
			return nil
		})
	}
	_ = g.Wait()

	for i, r := range results {
		switch {
		case skipped[i]:
			outcome.Skipped = append(outcome.Skipped, r)
		case failed[i]:
			outcome.Failed = append(outcome.Failed, r)
		default:
			outcome.Triggered = append(outcome.Triggered, r)
		}
	}

	if len(outcome.Triggered)+len(outcome.Skipped) > 0 {
		o.record(ctx, outcome)
	}
	return outcome, nil
}

// CreateReleaseBranches cuts release/<number> from every member project's
// default branch and copies .gitlab-ci.yml onto it so the release branch
// can run pipelines immediately. Outcomes are aggregated per project.
func (o *Orchestrator) CreateReleaseBranches(ctx context.Context, groupID int64, releaseNumber string) (*DeploymentOutcome, error) {
	if strings.TrimSpace(releaseNumber) == "" {
		return nil, &domain.ValidationError{Field: "releaseNumber", Reason: "must not be blank"}
	}
	group, err := o.findGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if len(group.ProjectIDs) == 0 {
		return nil, &domain.ValidationError{Field: "group", Reason: fmt.Sprintf("group %q has no projects", group.Name)}
	}

	branch := "release/" + releaseNumber
	outcome := &DeploymentOutcome{Group: group.Name, Branch: branch, Started: time.Now().UTC()}
	results := make([]ProjectOutcome, len(group.ProjectIDs))
	failed := make([]bool, len(group.ProjectIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, projectID := range group.ProjectIDs {
		i, projectID := i, projectID
		g.Go(func() error {
			results[i] = ProjectOutcome{ProjectID: projectID}
			project, err := o.gw.GetProject(gctx, projectID)
			if err != nil {
				results[i].Error = err.Error()
				failed[i] = true
				return nil
			}
			results[i].Name = project.Name
			if _, err := o.gw.CreateBranch(gctx, projectID, branch, project.DefaultBranch); err != nil {
				results[i].Error = err.Error()
				failed[i] = true
				return nil
			}
			// Best effort: a release branch without CI config still exists,
			// it just cannot run pipelines until someone adds one.
			if content, err := o.gw.GetRawFile(gctx, projectID, ".gitlab-ci.yml", project.DefaultBranch); err == nil {
				if err := o.gw.CreateFile(gctx, projectID, ".gitlab-ci.yml", branch, string(content), "Add .gitlab-ci.yml to release branch"); err != nil {
					o.log.Warn("ci config copy failed",
						zap.Int64("project", projectID),
						zap.String("branch", branch),
						zap.Error(err),
					)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, r := range results {
		if failed[i] {
			outcome.Failed = append(outcome.Failed, r)
		} else {
			outcome.Triggered = append(outcome.Triggered, r)
		}
	}
	return outcome, nil
}

func (o *Orchestrator) findGroup(ctx context.Context, groupID int64) (domain.Group, error) {
	groups, _, err := o.groups.Load(ctx)
	if err != nil {
		return domain.Group{}, fmt.Errorf("loading groups: %w", err)
	}
	for _, g := range groups {
		if g.ID == groupID {
			return g, nil
		}
	}
	return domain.Group{}, &domain.ValidationError{Field: "group", Reason: fmt.Sprintf("group %d not found", groupID)}
}

// checkBranches resolves every member project and verifies the branch
// exists in each. All-or-nothing: any miss or any failed lookup aborts
// before a single trigger is issued.
func (o *Orchestrator) checkBranches(ctx context.Context, group domain.Group, branch string) ([]domain.Project, error) {
	members := make([]domain.Project, len(group.ProjectIDs))
	has := make([]bool, len(group.ProjectIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, projectID := range group.ProjectIDs {
		i, projectID := i, projectID
		g.Go(func() error {
			project, err := o.gw.GetProject(gctx, projectID)
			if err != nil {
				return fmt.Errorf("resolving project %d: %w", projectID, err)
			}
			members[i] = project
			branches, err := o.gw.ListBranches(gctx, projectID)
			if err != nil {
				return fmt.Errorf("listing branches for %s: %w", project.Name, err)
			}
			for _, b := range branches {
				if b.Name == branch {
					has[i] = true
					break
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var missing []string
	for i, ok := range has {
		if !ok {
			name := members[i].Name
			if name == "" {
				name = fmt.Sprintf("ID %d", group.ProjectIDs[i])
			}
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &domain.PreconditionError{Branch: branch, Missing: missing}
	}
	return members, nil
}

// activeFor finds the latest existing pipeline for (project, branch). A
// failed lookup degrades to "no active pipeline" and the trigger proceeds.
func (o *Orchestrator) activeFor(ctx context.Context, projectID int64, branch string) (domain.Pipeline, bool) {
	pipelines, err := o.gw.ListPipelines(ctx, projectID)
	if err != nil {
		return domain.Pipeline{}, false
	}
	var (
		latest domain.Pipeline
		found  bool
	)
	for _, p := range pipelines {
		if p.Ref != branch {
			continue
		}
		if !found || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
			found = true
		}
	}
	return latest, found
}

func (o *Orchestrator) record(ctx context.Context, outcome *DeploymentOutcome) {
	envs := make(map[string]string, len(domain.Stages()))
	for _, stage := range domain.Stages() {
		envs[stage.String()] = "idle"
	}
	rec := domain.DeploymentRecord{
		Module:       outcome.Group,
		Branch:       outcome.Branch,
		Started:      outcome.Started,
		Environments: envs,
	}
	if _, err := o.history.Append(ctx, rec); err != nil {
		o.log.Warn("history append failed",
			zap.String("group", outcome.Group),
			zap.String("branch", outcome.Branch),
			zap.Error(err),
		)
	}
}
