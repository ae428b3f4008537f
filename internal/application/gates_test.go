package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deploymate/deploymate/internal/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var gateActive = []domain.Pipeline{
	{ID: 10, ProjectID: 101, Ref: "develop", Status: domain.StatusManual},
	{ID: 20, ProjectID: 102, Ref: "develop", Status: domain.StatusManual},
}

func TestStageReady(t *testing.T) {
	t.Run("qa has no prerequisites", func(t *testing.T) {
		ready, _ := StageReady(gateActive, map[int64][]domain.Job{}, domain.StageQA)
		assert.True(t, ready)
	})

	t.Run("staging blocked while qa is manual anywhere", func(t *testing.T) {
		jobs := map[int64][]domain.Job{
			10: {{ID: 1, Name: "deploy_to_qa", Status: domain.JobSuccess}},
			20: {{ID: 2, Name: "deploy_to_qa", Status: domain.JobManual}},
		}
		ready, reason := StageReady(gateActive, jobs, domain.StageStaging)
		assert.False(t, ready)
		assert.Contains(t, reason, "still manual")
	})

	t.Run("staging blocked while qa has not succeeded", func(t *testing.T) {
		jobs := map[int64][]domain.Job{
			10: {{ID: 1, Name: "deploy_to_qa", Status: domain.JobSuccess}},
			20: {{ID: 2, Name: "deploy_to_qa", Status: domain.JobFailed}},
		}
		ready, reason := StageReady(gateActive, jobs, domain.StageStaging)
		assert.False(t, ready)
		assert.Contains(t, reason, "has not succeeded")
	})

	t.Run("staging opens once qa is green everywhere", func(t *testing.T) {
		jobs := map[int64][]domain.Job{
			10: {{ID: 1, Name: "deploy_to_qa", Status: domain.JobSuccess}},
			20: {{ID: 2, Name: "deploy_to_qa", Status: domain.JobSuccess}},
		}
		ready, _ := StageReady(gateActive, jobs, domain.StageStaging)
		assert.True(t, ready)
	})

	t.Run("production needs qa and staging", func(t *testing.T) {
		jobs := map[int64][]domain.Job{
			10: {
				{ID: 1, Name: "deploy_to_qa", Status: domain.JobSuccess},
				{ID: 3, Name: "deploy_to_staging", Status: domain.JobSuccess},
			},
			20: {
				{ID: 2, Name: "deploy_to_qa", Status: domain.JobSuccess},
				{ID: 4, Name: "deploy_to_staging", Status: domain.JobManual},
			},
		}
		ready, _ := StageReady(gateActive, jobs, domain.StageProduction)
		assert.False(t, ready)

		jobs[20][1].Status = domain.JobSuccess
		ready, _ = StageReady(gateActive, jobs, domain.StageProduction)
		assert.True(t, ready)
	})
}

func TestStageStates(t *testing.T) {
	jobs := map[int64][]domain.Job{
		10: {
			{ID: 1, Name: "deploy_to_qa", Status: domain.JobSuccess},
			{ID: 3, Name: "deploy_to_staging", Status: domain.JobManual},
		},
		20: {
			{ID: 2, Name: "deploy_to_qa", Status: domain.JobSuccess},
			{ID: 4, Name: "deploy_to_staging", Status: domain.JobManual},
		},
	}

	states := StageStates(gateActive, jobs)
	assert.Len(t, states, 4)

	byStage := make(map[string]StageState)
	for _, st := range states {
		byStage[st.Stage] = st
	}
	assert.Equal(t, 2, byStage["QA"].Success)
	assert.Equal(t, 2, byStage["Staging"].Manual)
	assert.True(t, byStage["Staging"].Ready)
	assert.False(t, byStage["Production"].Ready)
}

func TestPromote(t *testing.T) {
	ctx := context.Background()

	newCoord := func(gw *domain.MockGateway) (*GateCoordinator, *Poller) {
		poller := NewPoller(gw, zap.NewNop())
		coord := NewGateCoordinator(gw, poller, NewKeyedMutex(), zap.NewNop(), 3, time.Millisecond)
		return coord, poller
	}

	t.Run("refused gate plays nothing", func(t *testing.T) {
		gw := &domain.MockGateway{
			Jobs: map[int64][]domain.Job{
				10: {{ID: 1, Name: "deploy_to_qa", Status: domain.JobManual}},
				20: {{ID: 2, Name: "deploy_to_qa", Status: domain.JobSuccess}},
			},
		}
		coord, poller := newCoord(gw)
		for _, p := range gateActive {
			_, err := poller.Refresh(ctx, p.ProjectID, p.ID)
			assert.NoError(t, err)
		}

		_, err := coord.Promote(ctx, "payments", "develop", gateActive, domain.StageStaging)
		var ge *domain.GateNotReadyError
		assert.ErrorAs(t, err, &ge)
		assert.Empty(t, gw.Played)
	})

	t.Run("plays every manual job and polls to terminal", func(t *testing.T) {
		gw := &domain.MockGateway{
			Jobs: map[int64][]domain.Job{
				10: {
					{ID: 1, Name: "deploy_to_qa", Status: domain.JobSuccess},
					{ID: 3, Name: "deploy_to_staging", Status: domain.JobManual},
				},
				20: {
					{ID: 2, Name: "deploy_to_qa", Status: domain.JobSuccess},
					{ID: 4, Name: "deploy_to_staging", Status: domain.JobManual},
				},
			},
			JobScript: map[int64][]domain.JobStatus{
				3: {domain.JobManual, domain.JobSuccess},
				4: {domain.JobManual, domain.JobSuccess},
			},
		}
		coord, poller := newCoord(gw)
		for _, p := range gateActive {
			_, err := poller.Refresh(ctx, p.ProjectID, p.ID)
			assert.NoError(t, err)
		}

		outcome, err := coord.Promote(ctx, "payments", "develop", gateActive, domain.StageStaging)
		assert.NoError(t, err)
		assert.Equal(t, "Staging", outcome.Stage)
		assert.ElementsMatch(t, []int64{3, 4}, gw.Played)
		if assert.Len(t, outcome.Played, 2) {
			for _, played := range outcome.Played {
				assert.True(t, played.Terminal)
				assert.Equal(t, domain.JobSuccess, played.Status)
				assert.Empty(t, played.Error)
			}
		}

		// cache reconciled after the final refresh
		for _, jobs := range poller.JobsByPipeline() {
			for _, j := range jobs {
				if j.Name == "deploy_to_staging" {
					assert.Equal(t, domain.JobSuccess, j.Status)
				}
			}
		}
	})

	t.Run("play failure lands in the outcome", func(t *testing.T) {
		gw := &domain.MockGateway{
			Jobs: map[int64][]domain.Job{
				10: {{ID: 1, Name: "deploy_to_qa", Status: domain.JobManual}},
			},
			PlayErr: map[int64]error{1: errors.New("job is not playable")},
		}
		coord, poller := newCoord(gw)
		_, err := poller.Refresh(ctx, 101, 10)
		assert.NoError(t, err)

		outcome, err := coord.Promote(ctx, "payments", "develop", gateActive[:1], domain.StageQA)
		assert.NoError(t, err)
		if assert.Len(t, outcome.Played, 1) {
			assert.Contains(t, outcome.Played[0].Error, "not playable")
			assert.False(t, outcome.Played[0].Terminal)
		}
	})
}
