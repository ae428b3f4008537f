package domain

import (
	"context"
	"sync"
)

// MockGateway is a scriptable in-memory Gateway for application tests.
// Fan-out code calls it concurrently, so every method takes the lock.
type MockGateway struct {
	mu sync.Mutex

	Projects     []Project
	Branches     map[int64][]Branch
	BranchesErr  map[int64]error
	Pipelines    map[int64][]Pipeline
	PipelinesErr map[int64]error
	Jobs         map[int64][]Job
	JobsErr      error

	// JobScript replaces a job's status on successive ListPipelineJobs
	// calls, simulating progress while a poller watches.
	JobScript map[int64][]JobStatus

	TriggerErr map[int64]error
	PlayErr    map[int64]error

	Triggered []TriggerCall
	Played    []int64
	JobsCalls map[int64]int
}

type TriggerCall struct {
	ProjectID int64
	Ref       string
	Variables []Variable
}

func (m *MockGateway) CurrentUser(context.Context) (User, error) {
	return User{ID: 1, Username: "mock"}, nil
}

func (m *MockGateway) ListProjects(context.Context) ([]Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Project(nil), m.Projects...), nil
}

func (m *MockGateway) GetProject(_ context.Context, projectID int64) (Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.Projects {
		if p.ID == projectID {
			return p, nil
		}
	}
	return Project{ID: projectID}, nil
}

func (m *MockGateway) ListBranches(_ context.Context, projectID int64) ([]Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.BranchesErr[projectID]; err != nil {
		return nil, err
	}
	return append([]Branch(nil), m.Branches[projectID]...), nil
}

func (m *MockGateway) CreateBranch(_ context.Context, projectID int64, branch, _ string) (Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := Branch{Name: branch}
	if m.Branches == nil {
		m.Branches = make(map[int64][]Branch)
	}
	m.Branches[projectID] = append(m.Branches[projectID], b)
	return b, nil
}

func (m *MockGateway) GetRawFile(context.Context, int64, string, string) ([]byte, error) {
	return []byte("stages: [deploy]\n"), nil
}

func (m *MockGateway) CreateFile(context.Context, int64, string, string, string, string) error {
	return nil
}

func (m *MockGateway) ListPipelines(_ context.Context, projectID int64) ([]Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.PipelinesErr[projectID]; err != nil {
		return nil, err
	}
	return append([]Pipeline(nil), m.Pipelines[projectID]...), nil
}

func (m *MockGateway) GetPipeline(_ context.Context, projectID, pipelineID int64) (Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.Pipelines[projectID] {
		if p.ID == pipelineID {
			return p, nil
		}
	}
	return Pipeline{ID: pipelineID, ProjectID: projectID}, nil
}

func (m *MockGateway) TriggerPipeline(_ context.Context, projectID int64, ref string, vars []Variable) (Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.TriggerErr[projectID]; err != nil {
		return Pipeline{}, err
	}
	m.Triggered = append(m.Triggered, TriggerCall{ProjectID: projectID, Ref: ref, Variables: vars})
	return Pipeline{ID: int64(1000 + len(m.Triggered)), ProjectID: projectID, Ref: ref, Status: StatusPending}, nil
}

func (m *MockGateway) RetryPipeline(_ context.Context, projectID, pipelineID int64) (Pipeline, error) {
	return Pipeline{ID: pipelineID, ProjectID: projectID, Status: StatusPending}, nil
}

func (m *MockGateway) ListPipelineJobs(_ context.Context, _ int64, pipelineID int64) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.JobsErr != nil {
		return nil, m.JobsErr
	}
	if m.JobsCalls == nil {
		m.JobsCalls = make(map[int64]int)
	}
	m.JobsCalls[pipelineID]++
	jobs := append([]Job(nil), m.Jobs[pipelineID]...)
	for i, j := range jobs {
		script := m.JobScript[j.ID]
		if len(script) == 0 {
			continue
		}
		idx := m.JobsCalls[pipelineID] - 1
		if idx >= len(script) {
			idx = len(script) - 1
		}
		jobs[i].Status = script[idx]
	}
	return jobs, nil
}

func (m *MockGateway) PlayJob(_ context.Context, _ int64, jobID int64) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.PlayErr[jobID]; err != nil {
		return Job{}, err
	}
	m.Played = append(m.Played, jobID)
	return Job{ID: jobID, Status: JobPending}, nil
}

func (m *MockGateway) ListEnvironments(context.Context, int64) ([]Environment, error) {
	return nil, nil
}

func (m *MockGateway) StopEnvironment(_ context.Context, _ int64, environmentID int64) (Environment, error) {
	return Environment{ID: environmentID, State: "stopped"}, nil
}

type MockGroupStore struct {
	mu      sync.Mutex
	Groups  []Group
	Version int64
	Err     error
}

func (s *MockGroupStore) Load(context.Context) ([]Group, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, 0, s.Err
	}
	return append([]Group(nil), s.Groups...), s.Version, nil
}

func (s *MockGroupStore) Save(_ context.Context, groups []Group, version int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	if version != s.Version {
		return 0, ErrVersionConflict
	}
	s.Groups = append([]Group(nil), groups...)
	s.Version++
	return s.Version, nil
}

type MockHistoryStore struct {
	mu      sync.Mutex
	Records []DeploymentRecord
	Err     error
}

func (s *MockHistoryStore) List(context.Context) ([]DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]DeploymentRecord(nil), s.Records...), nil
}

func (s *MockHistoryStore) Append(_ context.Context, rec DeploymentRecord) (DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return DeploymentRecord{}, s.Err
	}
	s.Records = append([]DeploymentRecord{rec}, s.Records...)
	return rec, nil
}
