package repository

import (
	"context"
	"dispatchcore/internal/domain"
	"sync"
	"time"
)

// Memory is an in-memory Repository, primarily for tests and single-process
// development deployments without a configured DB_TYPE.
type Memory struct {
	mu sync.Mutex

	specs       map[string]*domain.JobSpecification
	jobs        map[string]*domain.Job
	queues      map[string]*domain.Queue
	workers     map[string]*domain.Worker
	assignments map[string]map[string]bool // queueID -> workerID -> true
	deployments map[string]*domain.DeploymentStatus
	users       map[string]*domain.User
	sessions    map[string]*domain.Session
	config      map[string]map[string]string // category -> key -> value

	seq int
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		specs:       make(map[string]*domain.JobSpecification),
		jobs:        make(map[string]*domain.Job),
		queues:      make(map[string]*domain.Queue),
		workers:     make(map[string]*domain.Worker),
		assignments: make(map[string]map[string]bool),
		deployments: make(map[string]*domain.DeploymentStatus),
		users:       make(map[string]*domain.User),
		sessions:    make(map[string]*domain.Session),
		config:      make(map[string]map[string]string),
	}
}

func (m *Memory) nextID(prefix string) string {
	m.seq++
	return prefix + "-" + itoa(m.seq)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ---- Specs ----

func (m *Memory) CreateSpec(ctx context.Context, s *domain.JobSpecification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = m.nextID("spec")
	}
	for _, existing := range m.specs {
		if existing.Name == s.Name {
			return ErrNameConflict
		}
	}
	cp := *s
	m.specs[s.ID] = &cp
	return nil
}

func (m *Memory) GetSpec(ctx context.Context, id string) (*domain.JobSpecification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.specs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) GetSpecByName(ctx context.Context, name string) (*domain.JobSpecification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.specs {
		if s.Name == name {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateSpec(ctx context.Context, s *domain.JobSpecification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.specs[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	m.specs[s.ID] = &cp
	return nil
}

func (m *Memory) DeleteSpec(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.specs[id]
	if !ok {
		return ErrNotFound
	}
	for _, j := range m.jobs {
		if j.SpecName == spec.Name && j.Status == domain.JobRunning {
			return ErrRunningJobsBlockDelete
		}
	}
	delete(m.specs, id)
	return nil
}

func (m *Memory) CountRunningJobsForSpec(ctx context.Context, specID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.specs[specID]
	if !ok {
		return 0, ErrNotFound
	}
	count := 0
	for _, j := range m.jobs {
		if j.SpecName == spec.Name && j.Status == domain.JobRunning {
			count++
		}
	}
	return count, nil
}

func (m *Memory) ListSpecs(ctx context.Context, page, perPage int) ([]*domain.JobSpecification, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*domain.JobSpecification, 0, len(m.specs))
	for _, s := range m.specs {
		cp := *s
		all = append(all, &cp)
	}
	sortByCreatedAt(all, func(s *domain.JobSpecification) time.Time { return s.CreatedAt })
	total := len(all)
	return paginate(all, page, perPage), total, nil
}

// ---- Jobs ----

func (m *Memory) CreateJob(ctx context.Context, j *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == "" {
		j.ID = m.nextID("job")
	}
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) UpdateJob(ctx context.Context, j *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.jobs[j.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Status.Terminal() && j.Status != existing.Status {
		return ErrTerminalAbsorbed
	}
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *Memory) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *Memory) ListJobs(ctx context.Context, f JobFilter) ([]*domain.Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	excluded := make(map[domain.JobStatus]bool, len(f.ExcludeStatus))
	for _, s := range f.ExcludeStatus {
		excluded[s] = true
	}
	all := make([]*domain.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if excluded[j.Status] {
			continue
		}
		if f.QueueName != "" && j.QueueName != f.QueueName {
			continue
		}
		cp := *j
		all = append(all, &cp)
	}
	sortByCreatedAt(all, func(j *domain.Job) time.Time { return j.CreatedAt })
	total := len(all)
	return paginate(all, f.Page, f.PerPage), total, nil
}

func (m *Memory) PendingJobsForQueue(ctx context.Context, queueName string) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Job
	for _, j := range m.jobs {
		if j.QueueName == queueName && j.Status == domain.JobPending {
			cp := *j
			out = append(out, &cp)
		}
	}
	sortByCreatedAtThenID(out, func(j *domain.Job) time.Time { return j.CreatedAt }, func(j *domain.Job) string { return j.ID })
	return out, nil
}

func (m *Memory) JobStats(ctx context.Context) (*JobStatsSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary := &JobStatsSummary{
		TotalByStatus: make(map[domain.JobStatus]int),
		BySpec:        make(map[string]int),
	}
	for _, j := range m.jobs {
		summary.TotalByStatus[j.Status]++
		summary.BySpec[j.SpecName]++
	}
	return summary, nil
}

// ReserveJob implements the atomic compare-and-set dispatch reservation on
// (job.status='Pending', worker.current_jobs<max_jobs). Single mutex makes
// this trivially atomic in-process; SQL backends use UPDATE ... WHERE for
// the same effect.
func (m *Memory) ReserveJob(ctx context.Context, jobID, workerID string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	w, ok := m.workers[workerID]
	if !ok {
		return ErrNotFound
	}
	if j.Status != domain.JobPending || w.CurrentJobs >= w.MaxJobs {
		return ErrReservationFailed
	}

	j.Status = domain.JobRunning
	j.AssignedWorker = workerID
	j.StartedAt = &startedAt
	w.CurrentJobs++
	return nil
}

// ---- Queues ----

func (m *Memory) CreateQueue(ctx context.Context, q *domain.Queue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.ID == "" {
		q.ID = m.nextID("queue")
	}
	for _, existing := range m.queues {
		if existing.Name == q.Name {
			return ErrNameConflict
		}
		if q.IsDefault && existing.IsDefault {
			return ErrMultipleDefaultQueues
		}
	}
	cp := *q
	m.queues[q.ID] = &cp
	return nil
}

func (m *Memory) GetQueue(ctx context.Context, id string) (*domain.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func (m *Memory) GetQueueByName(ctx context.Context, name string) (*domain.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.queues {
		if q.Name == name {
			cp := *q
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetDefaultQueue(ctx context.Context) (*domain.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.queues {
		if q.IsDefault {
			cp := *q
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateQueue(ctx context.Context, q *domain.Queue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[q.ID]; !ok {
		return ErrNotFound
	}
	if q.IsDefault {
		for id, existing := range m.queues {
			if id != q.ID && existing.IsDefault {
				return ErrMultipleDefaultQueues
			}
		}
	}
	cp := *q
	m.queues[q.ID] = &cp
	return nil
}

func (m *Memory) DeleteQueue(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[id]; !ok {
		return ErrNotFound
	}
	for _, j := range m.jobs {
		if j.QueueName == m.queues[id].Name && j.Status == domain.JobPending {
			return ErrPendingJobsBlockDelete
		}
	}
	delete(m.queues, id)
	delete(m.assignments, id)
	return nil
}

func (m *Memory) ListQueues(ctx context.Context) ([]*domain.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Queue, 0, len(m.queues))
	for _, q := range m.queues {
		cp := *q
		out = append(out, &cp)
	}
	sortByCreatedAt(out, func(q *domain.Queue) time.Time { return q.CreatedAt })
	return out, nil
}

func (m *Memory) CountPendingJobsInQueue(ctx context.Context, queueID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queueID]
	if !ok {
		return 0, ErrNotFound
	}
	count := 0
	for _, j := range m.jobs {
		if j.QueueName == q.Name && j.Status == domain.JobPending {
			count++
		}
	}
	return count, nil
}

// ---- Workers ----

func (m *Memory) CreateWorker(ctx context.Context, w *domain.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == "" {
		w.ID = m.nextID("worker")
	}
	for _, existing := range m.workers {
		if existing.Name == w.Name {
			return ErrNameConflict
		}
	}
	cp := *w
	m.workers[w.ID] = &cp
	return nil
}

func (m *Memory) GetWorker(ctx context.Context, id string) (*domain.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *Memory) GetWorkerByName(ctx context.Context, name string) (*domain.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers {
		if w.Name == name {
			cp := *w
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateWorker(ctx context.Context, w *domain.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[w.ID]; !ok {
		return ErrNotFound
	}
	cp := *w
	m.workers[w.ID] = &cp
	return nil
}

func (m *Memory) DeleteWorker(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return ErrNotFound
	}
	if w.IsSystem() {
		return ErrSystemWorkerUndeletable
	}
	delete(m.workers, id)
	for qID := range m.assignments {
		delete(m.assignments[qID], id)
	}
	return nil
}

func (m *Memory) ListWorkers(ctx context.Context) ([]*domain.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		cp := *w
		out = append(out, &cp)
	}
	sortByCreatedAt(out, func(w *domain.Worker) time.Time { return w.CreatedAt })
	return out, nil
}

func (m *Memory) EligibleWorkersForQueue(ctx context.Context, queueID string) ([]*domain.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	assigned := m.assignments[queueID]
	var out []*domain.Worker
	for workerID := range assigned {
		w, ok := m.workers[workerID]
		if !ok {
			continue
		}
		if w.Eligible() {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ---- Assignments ----

func (m *Memory) AssignWorkerToQueue(ctx context.Context, queueID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[queueID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.workers[workerID]; !ok {
		return ErrNotFound
	}
	if m.assignments[queueID] == nil {
		m.assignments[queueID] = make(map[string]bool)
	}
	m.assignments[queueID][workerID] = true
	return nil
}

func (m *Memory) UnassignWorkerFromQueue(ctx context.Context, queueID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.assignments[queueID] != nil {
		delete(m.assignments[queueID], workerID)
	}
	return nil
}

func (m *Memory) WorkersForQueue(ctx context.Context, queueID string) ([]*domain.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Worker
	for workerID := range m.assignments[queueID] {
		if w, ok := m.workers[workerID]; ok {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) QueuesForWorker(ctx context.Context, workerID string) ([]*domain.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Queue
	for queueID, workers := range m.assignments {
		if workers[workerID] {
			if q, ok := m.queues[queueID]; ok {
				cp := *q
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

// ---- Deployments ----

func (m *Memory) CreateDeployment(ctx context.Context, d *domain.DeploymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = m.nextID("deploy")
	}
	cp := *d
	m.deployments[d.ID] = &cp
	return nil
}

func (m *Memory) UpdateDeployment(ctx context.Context, d *domain.DeploymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[d.ID]; !ok {
		return ErrNotFound
	}
	cp := *d
	m.deployments[d.ID] = &cp
	return nil
}

func (m *Memory) GetDeployment(ctx context.Context, id string) (*domain.DeploymentStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// ---- Auth ----

func (m *Memory) CreateUser(ctx context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = m.nextID("user")
	}
	for _, existing := range m.users {
		if existing.Username == u.Username {
			return ErrNameConflict
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CreateSession(ctx context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.Token] = &cp
	return nil
}

func (m *Memory) GetSession(ctx context.Context, token string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) DeleteSession(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

// ---- Config ----

func (m *Memory) GetConfig(ctx context.Context, category, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cat, ok := m.config[category]
	if !ok {
		return "", ErrNotFound
	}
	v, ok := cat[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) SetConfig(ctx context.Context, category, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config[category] == nil {
		m.config[category] = make(map[string]string)
	}
	m.config[category][key] = value
	return nil
}

func (m *Memory) ListConfig(ctx context.Context, category string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.config[category] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

// Ready always succeeds: there is no external dependency to lose.
func (m *Memory) Ready(ctx context.Context) error { return nil }

var _ Repository = (*Memory)(nil)
