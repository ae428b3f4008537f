package application

import (
	"sort"

	"github.com/deploymate/deploymate/internal/domain"
)

// BucketKey groups pipelines for display and gating: one logical
// multi-project deployment is everything a group ran on a branch that day.
type BucketKey struct {
	Date   string `json:"date"` // ISO date of created_at
	Group  string `json:"group"`
	Branch string `json:"branch"`
}

type BucketCounts struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Running int `json:"running"`
	Total   int `json:"total"`
}

type Bucket struct {
	Key       BucketKey         `json:"key"`
	Pipelines []domain.Pipeline `json:"pipelines"`
	Counts    BucketCounts      `json:"counts"`
	// Active holds the latest pipeline per project. Promotion checks and
	// trigger-skip logic operate on this subset only; superseded runs must
	// neither block nor satisfy a gate.
	Active []domain.Pipeline `json:"active"`
}

type BucketFilter struct {
	Group  string
	Branch string
}

// BucketPipelines partitions a flat pipeline list by (date, group, branch).
// Pure function. Pipelines whose project maps to no group are dropped.
func BucketPipelines(pipelines []domain.Pipeline, groupOf func(projectID int64) (string, bool), filter BucketFilter) []Bucket {
	byKey := make(map[BucketKey][]domain.Pipeline)
	for _, p := range pipelines {
		group, ok := groupOf(p.ProjectID)
		if !ok {
			continue
		}
		if filter.Group != "" && group != filter.Group {
			continue
		}
		if filter.Branch != "" && p.Ref != filter.Branch {
			continue
		}
		key := BucketKey{
			Date:   p.CreatedAt.UTC().Format("2006-01-02"),
			Group:  group,
			Branch: p.Ref,
		}
		byKey[key] = append(byKey[key], p)
	}

	buckets := make([]Bucket, 0, len(byKey))
	for key, ps := range byKey {
		buckets = append(buckets, Bucket{
			Key:       key,
			Pipelines: ps,
			Counts:    countStatuses(ps),
			Active:    ActivePipelines(ps),
		})
	}

	sort.Slice(buckets, func(i, j int) bool {
		a, b := buckets[i].Key, buckets[j].Key
		if a.Date != b.Date {
			return a.Date > b.Date // newest day first
		}
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Branch < b.Branch
	})
	return buckets
}

// ActivePipelines selects the latest pipeline per project by created_at.
// Idempotent: applying it to its own output yields the same set.
func ActivePipelines(pipelines []domain.Pipeline) []domain.Pipeline {
	latest := make(map[int64]domain.Pipeline)
	for _, p := range pipelines {
		cur, ok := latest[p.ProjectID]
		if !ok || p.CreatedAt.After(cur.CreatedAt) {
			latest[p.ProjectID] = p
		}
	}
	out := make([]domain.Pipeline, 0, len(latest))
	for _, p := range latest {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

func countStatuses(pipelines []domain.Pipeline) BucketCounts {
	c := BucketCounts{Total: len(pipelines)}
	for _, p := range pipelines {
		switch p.Status {
		case domain.StatusSuccess:
			c.Success++
		case domain.StatusFailed:
			c.Failed++
		case domain.StatusRunning:
			c.Running++
		}
	}
	return c
}

// GroupResolver builds the projectID -> group-name lookup used for
// bucketing from the stored group list.
func GroupResolver(groups []domain.Group) func(int64) (string, bool) {
	byProject := make(map[int64]string)
	for _, g := range groups {
		for _, pid := range g.ProjectIDs {
			byProject[pid] = g.Name
		}
	}
	return func(projectID int64) (string, bool) {
		name, ok := byProject[projectID]
		return name, ok
	}
}
