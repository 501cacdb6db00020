package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/delaywatch/pkg/api"
)

// MemoryBackend is a goroutine-safe Backend backed by maps. Values are
// deep-copied on the way in and out.
type MemoryBackend struct {
	name string

	mu            sync.RWMutex
	deliveries    map[string]*api.Delivery
	notifications map[string]*api.Notification
	snapshots     map[string][]*api.TrafficSnapshot
	snapshotIDs   map[string]struct{}
	executions    map[string]*api.WorkflowExecution
	thresholds    map[string]*api.Threshold
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(name string) *MemoryBackend {
	if name == "" {
		name = "memory"
	}
	return &MemoryBackend{
		name:          name,
		deliveries:    make(map[string]*api.Delivery),
		notifications: make(map[string]*api.Notification),
		snapshots:     make(map[string][]*api.TrafficSnapshot),
		snapshotIDs:   make(map[string]struct{}),
		executions:    make(map[string]*api.WorkflowExecution),
		thresholds:    make(map[string]*api.Threshold),
	}
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	data, err := EncodeValue(*v)
	if err == nil {
		if out, err := decodePtr[T](data); err == nil {
			return out
		}
	}
	c := *v
	return &c
}

func (m *MemoryBackend) Name() string { return m.name }

func (m *MemoryBackend) SaveDelivery(_ context.Context, d *api.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := clone(d)
	if existing, ok := m.deliveries[d.ID]; ok {
		c.ChecksPerformed = existing.ChecksPerformed
		c.LastCheckAt = existing.LastCheckAt
	}
	m.deliveries[d.ID] = c
	return nil
}

func (m *MemoryBackend) GetDelivery(_ context.Context, id string) (*api.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(d), nil
}

func (m *MemoryBackend) ListDeliveries(_ context.Context, filter DeliveryFilter) ([]*api.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*api.Delivery, 0, len(m.deliveries))
	for _, d := range m.deliveries {
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		out = append(out, clone(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryBackend) UpdateDeliveryStatus(_ context.Context, id string, status api.DeliveryStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	d.UpdatedAt = at
	return nil
}

func (m *MemoryBackend) DeleteDelivery(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deliveries[id]; !ok {
		return ErrNotFound
	}
	delete(m.deliveries, id)
	return nil
}

func (m *MemoryBackend) IncrementChecks(_ context.Context, id string, expected int, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.deliveries[id]
	if !ok {
		return 0, ErrNotFound
	}
	if d.ChecksPerformed != expected {
		return d.ChecksPerformed, ErrCounterConflict
	}
	d.ChecksPerformed++
	d.LastCheckAt = at
	return d.ChecksPerformed, nil
}

func (m *MemoryBackend) SaveNotification(_ context.Context, n *api.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.notifications[n.ID]; ok {
		return nil
	}
	m.notifications[n.ID] = clone(n)
	return nil
}

func (m *MemoryBackend) UpdateNotification(_ context.Context, n *api.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.notifications[n.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Status != api.NotificationPending {
		return ErrNotificationFinal
	}
	m.notifications[n.ID] = clone(n)
	return nil
}

func (m *MemoryBackend) GetNotification(_ context.Context, id string) (*api.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(n), nil
}

func (m *MemoryBackend) ListNotifications(_ context.Context, deliveryID string) ([]*api.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*api.Notification
	for _, n := range m.notifications {
		if n.DeliveryID == deliveryID {
			out = append(out, clone(n))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryBackend) LastSentNotification(_ context.Context, deliveryID string) (*api.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var last *api.Notification
	for _, n := range m.notifications {
		if n.DeliveryID != deliveryID || n.Status != api.NotificationSent {
			continue
		}
		if last == nil || n.SentAt.After(last.SentAt) {
			last = n
		}
	}
	if last == nil {
		return nil, ErrNotFound
	}
	return clone(last), nil
}

func (m *MemoryBackend) AppendSnapshot(_ context.Context, s *api.TrafficSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.snapshotIDs[s.ID]; ok {
		return nil
	}
	m.snapshotIDs[s.ID] = struct{}{}
	m.snapshots[s.DeliveryID] = append(m.snapshots[s.DeliveryID], clone(s))
	return nil
}

func (m *MemoryBackend) ListSnapshots(_ context.Context, deliveryID string) ([]*api.TrafficSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.snapshots[deliveryID]
	out := make([]*api.TrafficSnapshot, 0, len(src))
	for _, s := range src {
		out = append(out, clone(s))
	}
	return out, nil
}

func executionKey(workflowID, runID string) string { return workflowID + "\x00" + runID }

func (m *MemoryBackend) SaveExecution(_ context.Context, e *api.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.executions[executionKey(e.WorkflowID, e.RunID)] = clone(e)
	return nil
}

func (m *MemoryBackend) GetExecution(_ context.Context, workflowID, runID string) (*api.WorkflowExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.executions[executionKey(workflowID, runID)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e), nil
}

func (m *MemoryBackend) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*api.WorkflowExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*api.WorkflowExecution
	for _, e := range m.executions {
		if filter.DeliveryID != "" && e.DeliveryID != filter.DeliveryID {
			continue
		}
		if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, clone(e))
	}
	sortExecutions(out)
	return out, nil
}

func sortExecutions(out []*api.WorkflowExecution) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].WorkflowID < out[j].WorkflowID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
}

func (m *MemoryBackend) SaveThreshold(_ context.Context, t *api.Threshold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.thresholds[t.ID] = clone(t)
	return nil
}

func (m *MemoryBackend) GetThreshold(_ context.Context, id string) (*api.Threshold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.thresholds[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(t), nil
}

func (m *MemoryBackend) ListThresholds(_ context.Context) ([]*api.Threshold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*api.Threshold, 0, len(m.thresholds))
	for _, t := range m.thresholds {
		out = append(out, clone(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryBackend) DeleteThreshold(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.thresholds[id]; !ok {
		return ErrNotFound
	}
	delete(m.thresholds, id)
	return nil
}

func (m *MemoryBackend) Close() error { return nil }

// MemoryRunStore is a goroutine-safe RunStore backed by maps.
type MemoryRunStore struct {
	mu      sync.RWMutex
	runs    map[string]*api.Run
	signals map[string][]api.Signal
	events  map[string][]api.WorkflowEvent
}

var _ RunStore = (*MemoryRunStore)(nil)

// NewMemoryRunStore creates an empty in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{
		runs:    make(map[string]*api.Run),
		signals: make(map[string][]api.Signal),
		events:  make(map[string][]api.WorkflowEvent),
	}
}

func (s *MemoryRunStore) CreateRun(_ context.Context, run *api.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.runs {
		if r.WorkflowID == run.WorkflowID && r.Status == api.StatusRunning {
			return ErrRunAlreadyActive
		}
	}
	s.runs[run.RunID] = clone(run)
	return nil
}

func (s *MemoryRunStore) SaveRun(_ context.Context, run *api.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.RunID]; !ok {
		return ErrNotFound
	}
	s.runs[run.RunID] = clone(run)
	return nil
}

func (s *MemoryRunStore) GetRun(_ context.Context, workflowID string) (*api.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *api.Run
	for _, r := range s.runs {
		if r.WorkflowID != workflowID {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return clone(latest), nil
}

func (s *MemoryRunStore) ListRuns(_ context.Context, filter RunFilter) ([]*api.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.Run
	for _, r := range s.runs {
		if matchRun(r, filter) {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func matchRun(r *api.Run, f RunFilter) bool {
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.DeliveryID != "" && r.DeliveryID != f.DeliveryID {
		return false
	}
	return true
}

func (s *MemoryRunStore) AppendSignal(_ context.Context, runID string, sig api.Signal) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return 0, ErrNotFound
	}
	sig.Seq = int64(len(s.signals[runID]) + 1)
	s.signals[runID] = append(s.signals[runID], sig)
	return sig.Seq, nil
}

func (s *MemoryRunStore) SignalsAfter(_ context.Context, runID string, after int64) ([]api.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []api.Signal
	for _, sig := range s.signals[runID] {
		if sig.Seq > after {
			out = append(out, sig)
		}
	}
	return out, nil
}

func (s *MemoryRunStore) AppendEvent(_ context.Context, ev api.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[ev.RunID] = append(s.events[ev.RunID], ev)
	return nil
}

func (s *MemoryRunStore) ListEvents(_ context.Context, runID string) ([]api.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]api.WorkflowEvent(nil), s.events[runID]...), nil
}

func (s *MemoryRunStore) Close() error { return nil }
