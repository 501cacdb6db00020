package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/delaywatch/internal/testutil"
	"github.com/petrijr/delaywatch/pkg/api"
)

// QueueSuite runs the same behavior checks against every Queue.
type QueueSuite struct {
	suite.Suite
	open  func(t *testing.T) Queue
	queue Queue
	ctx   context.Context
}

func (s *QueueSuite) SetupTest() {
	s.ctx = context.Background()
	s.queue = s.open(s.T())
}

func (s *QueueSuite) TearDownTest() {
	_ = s.queue.Close()
}

func (s *QueueSuite) dequeue() *Task {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	task, err := s.queue.Dequeue(ctx)
	s.Require().NoError(err)
	s.Require().NotNil(task)
	return task
}

func (s *QueueSuite) TestFIFOAndPayloads() {
	in := api.MonitorInput{DeliveryID: "d-1", CustomerEmail: "a@example.com", ThresholdMinutes: 20}
	first := NewTask(TaskStartDelayCheck, api.WorkflowID(api.KindDelayNotification, "d-1"), api.StartDelayCheckPayload{Input: in})
	second := NewTask(TaskSignal, "recurring-check-d-2", api.SignalPayload{
		WorkflowID: "recurring-check-d-2",
		Signal:     api.Signal{Name: api.SignalCancel, Reason: "done"},
	})
	second.EnqueuedAt = first.EnqueuedAt.Add(time.Millisecond)

	s.Require().NoError(s.queue.Enqueue(s.ctx, first))
	s.Require().NoError(s.queue.Enqueue(s.ctx, second))
	s.Equal(2, s.queue.Len())

	got := s.dequeue()
	s.Equal(first.ID, got.ID)
	s.Equal(TaskStartDelayCheck, got.Type)
	payload, ok := got.Payload.(api.StartDelayCheckPayload)
	s.Require().True(ok)
	s.Equal(in, payload.Input)

	got = s.dequeue()
	s.Equal(second.ID, got.ID)
	sig, ok := got.Payload.(api.SignalPayload)
	s.Require().True(ok)
	s.Equal(api.SignalCancel, sig.Signal.Name)
	s.Equal("done", sig.Signal.Reason)

	s.Zero(s.queue.Len())
}

func (s *QueueSuite) TestNotBeforeDelaysDelivery() {
	later := NewTask(TaskStartRecurringCheck, "recurring-check-d-3", api.StartRecurringPayload{
		Input: api.RecurringInput{MonitorInput: api.MonitorInput{DeliveryID: "d-3"}, MaxChecks: 2},
	})
	later.NotBefore = time.Now().Add(300 * time.Millisecond)
	now := NewTask(TaskSignal, "w", api.SignalPayload{WorkflowID: "w"})

	s.Require().NoError(s.queue.Enqueue(s.ctx, later))
	s.Require().NoError(s.queue.Enqueue(s.ctx, now))

	s.Equal(now.ID, s.dequeue().ID)

	start := time.Now()
	got := s.dequeue()
	s.Equal(later.ID, got.ID)
	s.GreaterOrEqual(time.Since(start), 150*time.Millisecond)
	s.Equal(2, got.Payload.(api.StartRecurringPayload).Input.MaxChecks)
}

func (s *QueueSuite) TestDequeueHonorsContext() {
	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()
	_, err := s.queue.Dequeue(ctx)
	s.Error(err)
}

func TestInMemoryQueueSuite(t *testing.T) {
	suite.Run(t, &QueueSuite{open: func(*testing.T) Queue { return NewInMemoryQueue(16) }})
}

func TestSQLiteQueueSuite(t *testing.T) {
	suite.Run(t, &QueueSuite{open: func(t *testing.T) Queue {
		q, err := Open(context.Background(), "sqlite://:memory:")
		if err != nil {
			t.Fatalf("open sqlite queue: %v", err)
		}
		return q
	}})
}

func TestPostgresQueueSuite(t *testing.T) {
	dsn := testutil.PostgresDSN(t)
	suite.Run(t, &QueueSuite{open: func(t *testing.T) Queue {
		q, err := Open(context.Background(), dsn)
		if err != nil {
			t.Fatalf("open postgres queue: %v", err)
		}
		if _, err := q.(*PostgresQueue).db.Exec(`TRUNCATE TABLE queue_tasks`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return q
	}})
}

func TestRedisQueueSuite(t *testing.T) {
	dsn := testutil.RedisDSN(t)
	suite.Run(t, &QueueSuite{open: func(t *testing.T) Queue {
		q, err := Open(context.Background(), dsn+"?prefix=test:"+uuid.NewString()[:8]+":")
		if err != nil {
			t.Fatalf("open redis queue: %v", err)
		}
		return q
	}})
}

func TestMongoQueueSuite(t *testing.T) {
	dsn := testutil.MongoDSN(t)
	suite.Run(t, &QueueSuite{open: func(t *testing.T) Queue {
		q, err := Open(context.Background(), dsn+"/queue_"+uuid.NewString()[:8])
		if err != nil {
			t.Fatalf("open mongo queue: %v", err)
		}
		return q
	}})
}

func TestInMemoryQueue_EnqueueBlocksWhenFull(t *testing.T) {
	q := NewInMemoryQueue(1)
	ctx := context.Background()
	if err := q.Enqueue(ctx, NewTask(TaskSignal, "a", nil)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	full, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(full, NewTask(TaskSignal, "b", nil)); err == nil {
		t.Fatalf("expected Enqueue on a full queue to fail when ctx expires")
	}
}

func TestDecodeTask_InvalidData_ReturnsError(t *testing.T) {
	bad := []byte{0x00, 0x01, 0x02, 0x03, 0xFF}
	if task, err := DecodeTask(bad); err == nil {
		t.Fatalf("expected error, got task: %#v", task)
	}
}

func TestOpen_RejectsUnknownScheme(t *testing.T) {
	if _, err := Open(context.Background(), "kafka://broker"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
	if _, err := Open(context.Background(), "no-scheme"); err == nil {
		t.Fatalf("expected error for invalid dsn")
	}
}
