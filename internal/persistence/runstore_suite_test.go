package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/delaywatch/internal/testutil"
	"github.com/petrijr/delaywatch/pkg/api"
)

type RunStoreSuite struct {
	suite.Suite
	open  func(t *testing.T) RunStore
	store RunStore
	ns    string
	ctx   context.Context
}

func (s *RunStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.ns = uuid.NewString()[:8]
	s.store = s.open(s.T())
}

func (s *RunStoreSuite) TearDownTest() {
	_ = s.store.Close()
}

func (s *RunStoreSuite) newRun(deliveryID string, created time.Time) *api.Run {
	deliveryID = s.ns + "-" + deliveryID
	return &api.Run{
		WorkflowID: api.WorkflowID(api.KindRecurringCheck, deliveryID),
		RunID:      uuid.NewString(),
		Kind:       api.KindRecurringCheck,
		DeliveryID: deliveryID,
		Status:     api.StatusRunning,
		Step:       api.StepFetchDelivery,
		Input: api.RecurringInput{
			MonitorInput:         api.MonitorInput{DeliveryID: deliveryID, ThresholdMinutes: 30},
			CheckIntervalMinutes: 15,
			MaxChecks:            5,
		},
		ThresholdMinutes: 30,
		CreatedAt:        created,
		UpdatedAt:        created,
	}
}

func (s *RunStoreSuite) TestCreateRejectsSecondActiveRun() {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	first := s.newRun("d1", base)
	s.Require().NoError(s.store.CreateRun(s.ctx, first))

	second := s.newRun("d1", base.Add(time.Minute))
	second.WorkflowID = first.WorkflowID
	s.ErrorIs(s.store.CreateRun(s.ctx, second), ErrRunAlreadyActive)

	// Once the first run finishes a new one may start.
	first.Status = api.StatusCompleted
	first.Step = api.StepCompleted
	s.Require().NoError(s.store.SaveRun(s.ctx, first))
	s.Require().NoError(s.store.CreateRun(s.ctx, second))

	latest, err := s.store.GetRun(s.ctx, first.WorkflowID)
	s.Require().NoError(err)
	s.Equal(second.RunID, latest.RunID)
}

func (s *RunStoreSuite) TestSaveRunCheckpoint() {
	run := s.newRun("d2", time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	s.Require().NoError(s.store.CreateRun(s.ctx, run))

	run.Step = api.StepSleeping
	run.Iteration = 3
	run.ExpectedChecks = 3
	run.NextCheckAt = run.CreatedAt.Add(45 * time.Minute)
	run.Result.Evaluation = &api.EvaluationResult{ExceedsThreshold: true, DelayMinutes: 45, Severity: api.SeverityModerate}
	s.Require().NoError(s.store.SaveRun(s.ctx, run))

	got, err := s.store.GetRun(s.ctx, run.WorkflowID)
	s.Require().NoError(err)
	s.Equal(api.StepSleeping, got.Step)
	s.Equal(3, got.Iteration)
	s.True(run.NextCheckAt.Equal(got.NextCheckAt))
	s.Require().NotNil(got.Result.Evaluation)
	s.Equal(45, got.Result.Evaluation.DelayMinutes)

	missing := s.newRun("never-created", run.CreatedAt)
	s.ErrorIs(s.store.SaveRun(s.ctx, missing), ErrNotFound)

	_, err = s.store.GetRun(s.ctx, missing.WorkflowID)
	s.ErrorIs(err, ErrNotFound)
}

func (s *RunStoreSuite) TestListRunsFilter() {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	a := s.newRun("la", base)
	b := s.newRun("lb", base.Add(time.Minute))
	s.Require().NoError(s.store.CreateRun(s.ctx, a))
	s.Require().NoError(s.store.CreateRun(s.ctx, b))

	b.Status = api.StatusFailed
	s.Require().NoError(s.store.SaveRun(s.ctx, b))

	running, err := s.store.ListRuns(s.ctx, RunFilter{Status: api.StatusRunning, DeliveryID: a.DeliveryID})
	s.Require().NoError(err)
	s.Require().Len(running, 1)
	s.Equal(a.RunID, running[0].RunID)

	failed, err := s.store.ListRuns(s.ctx, RunFilter{Status: api.StatusFailed, DeliveryID: b.DeliveryID})
	s.Require().NoError(err)
	s.Require().Len(failed, 1)
	s.Equal(b.RunID, failed[0].RunID)
}

func (s *RunStoreSuite) TestSignalInbox() {
	run := s.newRun("ds", time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	s.Require().NoError(s.store.CreateRun(s.ctx, run))

	seq1, err := s.store.AppendSignal(s.ctx, run.RunID, api.Signal{Name: api.SignalUpdateThreshold, ThresholdMinutes: 10})
	s.Require().NoError(err)
	seq2, err := s.store.AppendSignal(s.ctx, run.RunID, api.Signal{Name: api.SignalCancel, Reason: "customer request", Actor: "ops"})
	s.Require().NoError(err)
	s.Greater(seq2, seq1)

	all, err := s.store.SignalsAfter(s.ctx, run.RunID, 0)
	s.Require().NoError(err)
	s.Require().Len(all, 2)
	s.Equal(api.SignalUpdateThreshold, all[0].Name)
	s.Equal(10, all[0].ThresholdMinutes)
	s.Equal(seq1, all[0].Seq)

	rest, err := s.store.SignalsAfter(s.ctx, run.RunID, seq1)
	s.Require().NoError(err)
	s.Require().Len(rest, 1)
	s.Equal(api.SignalCancel, rest[0].Name)
	s.Equal("ops", rest[0].Actor)

	none, err := s.store.SignalsAfter(s.ctx, run.RunID, seq2)
	s.Require().NoError(err)
	s.Empty(none)

	_, err = s.store.AppendSignal(s.ctx, uuid.NewString(), api.Signal{Name: api.SignalCancel})
	s.ErrorIs(err, ErrNotFound)
}

func (s *RunStoreSuite) TestEventHistory() {
	run := s.newRun("de", time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	s.Require().NoError(s.store.CreateRun(s.ctx, run))

	for _, ev := range []api.WorkflowEvent{
		{RunID: run.RunID, WorkflowID: run.WorkflowID, Type: api.EventRunStarted},
		{RunID: run.RunID, WorkflowID: run.WorkflowID, Type: api.EventStepStarted, Step: api.StepTrafficCheck, Iteration: 1},
		{RunID: run.RunID, WorkflowID: run.WorkflowID, Type: api.EventStepCompleted, Step: api.StepTrafficCheck, Iteration: 1},
	} {
		s.Require().NoError(s.store.AppendEvent(s.ctx, ev))
	}

	events, err := s.store.ListEvents(s.ctx, run.RunID)
	s.Require().NoError(err)
	s.Require().Len(events, 3)
	s.Equal(api.EventRunStarted, events[0].Type)
	s.Equal(api.StepTrafficCheck, events[2].Step)
}

func TestMemoryRunStoreSuite(t *testing.T) {
	suite.Run(t, &RunStoreSuite{open: func(*testing.T) RunStore { return NewMemoryRunStore() }})
}

func TestSQLiteRunStoreSuite(t *testing.T) {
	suite.Run(t, &RunStoreSuite{open: func(t *testing.T) RunStore {
		rs, err := NewSQLRunStore(context.Background(), openSQLiteMemory(t), DialectSQLite)
		require.NoError(t, err)
		return rs
	}})
}

func TestPostgresRunStoreSuite(t *testing.T) {
	dsn := testutil.PostgresDSN(t)
	suite.Run(t, &RunStoreSuite{open: func(t *testing.T) RunStore {
		rs, err := OpenRunStore(context.Background(), dsn)
		require.NoError(t, err)
		return rs
	}})
}

func TestRedisRunStoreSuite(t *testing.T) {
	dsn := testutil.RedisDSN(t)
	suite.Run(t, &RunStoreSuite{open: func(t *testing.T) RunStore {
		opts, err := redis.ParseURL(dsn)
		require.NoError(t, err)
		return NewRedisRunStore(redis.NewClient(opts), "delaywatch:test:"+uuid.NewString()[:8]+":")
	}})
}
