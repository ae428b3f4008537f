package application

import (
	"testing"
	"time"

	"github.com/deploymate/deploymate/internal/domain"
	"github.com/stretchr/testify/assert"
)

func day(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func resolver() func(int64) (string, bool) {
	return GroupResolver([]domain.Group{
		{ID: 1, Name: "payments", ProjectIDs: []int64{101, 102}},
		{ID: 2, Name: "search", ProjectIDs: []int64{201}},
	})
}

func TestBucketPipelines(t *testing.T) {
	pipelines := []domain.Pipeline{
		{ID: 1, ProjectID: 101, Ref: "develop", Status: domain.StatusSuccess, CreatedAt: day("2026-08-30T09:00:00Z")},
		{ID: 2, ProjectID: 102, Ref: "develop", Status: domain.StatusFailed, CreatedAt: day("2026-08-30T09:05:00Z")},
		{ID: 3, ProjectID: 101, Ref: "develop", Status: domain.StatusRunning, CreatedAt: day("2026-08-31T10:00:00Z")},
		{ID: 4, ProjectID: 201, Ref: "develop", Status: domain.StatusSuccess, CreatedAt: day("2026-08-31T10:00:00Z")},
		{ID: 5, ProjectID: 101, Ref: "release/2.0.0", Status: domain.StatusSuccess, CreatedAt: day("2026-08-31T11:00:00Z")},
		{ID: 6, ProjectID: 999, Ref: "develop", Status: domain.StatusSuccess, CreatedAt: day("2026-08-31T10:00:00Z")},
	}

	t.Run("partitions by date group and branch", func(t *testing.T) {
		buckets := BucketPipelines(pipelines, resolver(), BucketFilter{})
		assert.Len(t, buckets, 4)

		keys := make([]BucketKey, 0, len(buckets))
		total := 0
		for _, b := range buckets {
			keys = append(keys, b.Key)
			total += len(b.Pipelines)
		}
		// everything except the ungrouped project lands somewhere
		assert.Equal(t, 5, total)
		assert.Contains(t, keys, BucketKey{Date: "2026-08-30", Group: "payments", Branch: "develop"})
		assert.Contains(t, keys, BucketKey{Date: "2026-08-31", Group: "payments", Branch: "release/2.0.0"})
	})

	t.Run("newest day first", func(t *testing.T) {
		buckets := BucketPipelines(pipelines, resolver(), BucketFilter{})
		assert.Equal(t, "2026-08-31", buckets[0].Key.Date)
		assert.Equal(t, "2026-08-30", buckets[len(buckets)-1].Key.Date)
	})

	t.Run("filter narrows to one module and branch", func(t *testing.T) {
		buckets := BucketPipelines(pipelines, resolver(), BucketFilter{Group: "payments", Branch: "develop"})
		assert.Len(t, buckets, 2)
		for _, b := range buckets {
			assert.Equal(t, "payments", b.Key.Group)
			assert.Equal(t, "develop", b.Key.Branch)
		}
	})

	t.Run("counts statuses", func(t *testing.T) {
		buckets := BucketPipelines(pipelines, resolver(), BucketFilter{Group: "payments", Branch: "develop"})
		old := buckets[1]
		assert.Equal(t, BucketCounts{Success: 1, Failed: 1, Total: 2}, old.Counts)
	})
}

func TestActivePipelines(t *testing.T) {
	pipelines := []domain.Pipeline{
		{ID: 1, ProjectID: 101, CreatedAt: day("2026-08-31T09:00:00Z")},
		{ID: 2, ProjectID: 101, CreatedAt: day("2026-08-31T12:00:00Z")},
		{ID: 3, ProjectID: 102, CreatedAt: day("2026-08-31T10:00:00Z")},
	}

	active := ActivePipelines(pipelines)
	assert.Len(t, active, 2)
	assert.Equal(t, int64(2), active[0].ID)
	assert.Equal(t, int64(3), active[1].ID)

	t.Run("idempotent", func(t *testing.T) {
		assert.Equal(t, active, ActivePipelines(active))
	})
}
