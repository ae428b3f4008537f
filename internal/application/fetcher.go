package application

import (
	"context"

	"github.com/deploymate/deploymate/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const fetchConcurrency = 8

// Fetcher pulls recent pipelines for a set of projects and normalizes them
// into a flat snapshot list tagged with project identity.
type Fetcher struct {
	gw  domain.Gateway
	log *zap.Logger
}

func NewFetcher(gw domain.Gateway, log *zap.Logger) *Fetcher {
	return &Fetcher{gw: gw, log: log}
}

// FetchAll fans out one pipeline-list request per project. A failing
// project contributes nothing; the rest of the snapshot is still returned.
func (f *Fetcher) FetchAll(ctx context.Context, projects []domain.Project) []domain.Pipeline {
	results := make([][]domain.Pipeline, len(projects))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, project := range projects {
		i, project := i, project
		g.Go(func() error {
			pipelines, err := f.gw.ListPipelines(ctx, project.ID)
			if err != nil {
				f.log.Warn("pipeline fetch failed",
					zap.Int64("project", project.ID),
					zap.String("name", project.Name),
					zap.Error(err),
				)
				return nil
			}
			for j := range pipelines {
				pipelines[j].ProjectID = project.ID
				pipelines[j].ProjectName = project.Name
				pipelines[j].ProjectPath = project.Path
			}
			results[i] = pipelines
			return nil
		})
	}
	_ = g.Wait()

	var all []domain.Pipeline
	for _, ps := range results {
		all = append(all, ps...)
	}
	return all
}
