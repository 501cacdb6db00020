package persistence

import (
	"context"
	"errors"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/delaywatch/pkg/api"
)

// RedisRunStore is a RunStore backed by Redis.
//
//	<prefix>run:<runID>        => gob-encoded run
//	<prefix>runs:<workflowID>  => ZSET of run IDs scored by created_at
//	<prefix>idx:runs           => SET of run IDs
//	<prefix>active:<workflowID> => run ID of the running run
//	<prefix>signals:<runID>    => LIST of gob-encoded signals, seq = position
//	<prefix>events:<runID>     => LIST of gob-encoded events
type RedisRunStore struct {
	client *redis.Client
	prefix string
}

var _ RunStore = (*RedisRunStore)(nil)

func NewRedisRunStore(client *redis.Client, prefix string) *RedisRunStore {
	if prefix == "" {
		prefix = "delaywatch:"
	}
	return &RedisRunStore{client: client, prefix: prefix}
}

var (
	// KEYS[1]=active KEYS[2]=run KEYS[3]=wf runs KEYS[4]=idx ARGV: runID, payload, created_at
	createRunScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[1])
return 1`)

	// KEYS[1]=run KEYS[2]=active ARGV: payload, runID, done
	saveRunScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('SET', KEYS[1], ARGV[1])
if ARGV[3] == '1' and redis.call('GET', KEYS[2]) == ARGV[2] then redis.call('DEL', KEYS[2]) end
return 1`)
)

func (s *RedisRunStore) keyRun(id string) string       { return s.prefix + "run:" + id }
func (s *RedisRunStore) keyWorkflow(wf string) string  { return s.prefix + "runs:" + wf }
func (s *RedisRunStore) keyRuns() string               { return s.prefix + "idx:runs" }
func (s *RedisRunStore) keyActive(wf string) string    { return s.prefix + "active:" + wf }
func (s *RedisRunStore) keySignals(id string) string   { return s.prefix + "signals:" + id }
func (s *RedisRunStore) keyEvents(id string) string    { return s.prefix + "events:" + id }

func (s *RedisRunStore) CreateRun(ctx context.Context, run *api.Run) error {
	payload, err := EncodeValue(*run)
	if err != nil {
		return err
	}
	ok, err := createRunScript.Run(ctx, s.client,
		[]string{s.keyActive(run.WorkflowID), s.keyRun(run.RunID), s.keyWorkflow(run.WorkflowID), s.keyRuns()},
		run.RunID, payload, unixNano(run.CreatedAt),
	).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrRunAlreadyActive
	}
	return nil
}

func (s *RedisRunStore) SaveRun(ctx context.Context, run *api.Run) error {
	payload, err := EncodeValue(*run)
	if err != nil {
		return err
	}
	done := "0"
	if run.Status.Done() {
		done = "1"
	}
	ok, err := saveRunScript.Run(ctx, s.client,
		[]string{s.keyRun(run.RunID), s.keyActive(run.WorkflowID)},
		payload, run.RunID, done,
	).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisRunStore) loadRun(ctx context.Context, runID string) (*api.Run, error) {
	data, err := s.client.Get(ctx, s.keyRun(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodePtr[api.Run](data)
}

func (s *RedisRunStore) GetRun(ctx context.Context, workflowID string) (*api.Run, error) {
	ids, err := s.client.ZRevRange(ctx, s.keyWorkflow(workflowID), 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	return s.loadRun(ctx, ids[0])
}

func (s *RedisRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.Run, error) {
	ids, err := s.client.SMembers(ctx, s.keyRuns()).Result()
	if err != nil {
		return nil, err
	}
	var out []*api.Run
	for _, id := range ids {
		run, err := s.loadRun(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if matchRun(run, filter) {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *RedisRunStore) AppendSignal(ctx context.Context, runID string, sig api.Signal) (int64, error) {
	exists, err := s.client.Exists(ctx, s.keyRun(runID)).Result()
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, ErrNotFound
	}
	sig.Seq = 0
	payload, err := EncodeValue(sig)
	if err != nil {
		return 0, err
	}
	// RPUSH returns the new length, which is the 1-based position.
	return s.client.RPush(ctx, s.keySignals(runID), payload).Result()
}

func (s *RedisRunStore) SignalsAfter(ctx context.Context, runID string, after int64) ([]api.Signal, error) {
	items, err := s.client.LRange(ctx, s.keySignals(runID), after, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.Signal, 0, len(items))
	for i, item := range items {
		sig, err := DecodeValue[api.Signal]([]byte(item))
		if err != nil {
			return nil, err
		}
		sig.Seq = after + int64(i) + 1
		out = append(out, sig)
	}
	return out, nil
}

func (s *RedisRunStore) AppendEvent(ctx context.Context, ev api.WorkflowEvent) error {
	payload, err := EncodeValue(ev)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.keyEvents(ev.RunID), payload).Err()
}

func (s *RedisRunStore) ListEvents(ctx context.Context, runID string) ([]api.WorkflowEvent, error) {
	items, err := s.client.LRange(ctx, s.keyEvents(runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.WorkflowEvent, 0, len(items))
	for _, item := range items {
		ev, err := DecodeValue[api.WorkflowEvent]([]byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *RedisRunStore) Close() error { return s.client.Close() }
