package persistence

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/delaywatch/pkg/api"
)

// RedisBackend is a Backend backed by Redis.
// It uses a simple key structure:
//
//	<prefix>delivery:<id>          => HASH payload, status, checks, last_check, updated_at
//	<prefix>idx:deliveries         => SET of delivery IDs
//	<prefix>notif:<id>             => HASH payload, status, delivery_id
//	<prefix>idx:notif:<delivery>   => ZSET of notification IDs scored by created_at
//	<prefix>sent:<delivery>        => ZSET of sent notification IDs scored by sent_at
//	<prefix>snap:<delivery>        => LIST of gob-encoded snapshots
//	<prefix>idx:snap               => SET of snapshot IDs
//	<prefix>exec:<wf>:<run>        => gob-encoded execution
//	<prefix>idx:exec:<delivery>    => SET of execution keys
//	<prefix>idx:exec               => SET of execution keys
//	<prefix>thresholds             => HASH id -> gob-encoded threshold
//
// Conditional writes run as Lua scripts so they are atomic.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend creates a RedisBackend.
// prefix is optional but recommended (e.g. "delaywatch:").
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "delaywatch:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

var (
	// KEYS[1]=delivery ARGV: payload, status, checks, last_check, updated_at
	saveDeliveryScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'payload', ARGV[1], 'status', ARGV[2], 'updated_at', ARGV[5])
redis.call('HSETNX', KEYS[1], 'checks', ARGV[3])
redis.call('HSETNX', KEYS[1], 'last_check', ARGV[4])
return 1`)

	// KEYS[1]=delivery ARGV: expected, at. Returns {code, current}; code 1 ok, 0 conflict, -1 missing.
	incrementChecksScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {-1, 0} end
local current = tonumber(redis.call('HGET', KEYS[1], 'checks') or '0')
if current ~= tonumber(ARGV[1]) then return {0, current} end
redis.call('HSET', KEYS[1], 'checks', current + 1, 'last_check', ARGV[2])
return {1, current + 1}`)

	// KEYS[1]=delivery ARGV: status, updated_at
	updateStatusScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2])
return 1`)

	// KEYS[1]=notif KEYS[2]=delivery index ARGV: payload, status, delivery_id, created_at, id
	insertNotificationScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'payload', ARGV[1], 'status', ARGV[2], 'delivery_id', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
return 1`)

	// KEYS[1]=notif KEYS[2]=sent index ARGV: payload, status, sent_at, id. Returns 1 ok, 0 final, -1 missing.
	updateNotificationScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return -1 end
if st ~= 'pending' then return 0 end
redis.call('HSET', KEYS[1], 'payload', ARGV[1], 'status', ARGV[2])
if ARGV[2] == 'sent' then redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4]) end
return 1`)
)

func (r *RedisBackend) keyDelivery(id string) string  { return r.prefix + "delivery:" + id }
func (r *RedisBackend) keyDeliveries() string         { return r.prefix + "idx:deliveries" }
func (r *RedisBackend) keyNotif(id string) string     { return r.prefix + "notif:" + id }
func (r *RedisBackend) keyNotifIdx(d string) string   { return r.prefix + "idx:notif:" + d }
func (r *RedisBackend) keySent(d string) string       { return r.prefix + "sent:" + d }
func (r *RedisBackend) keySnap(d string) string       { return r.prefix + "snap:" + d }
func (r *RedisBackend) keySnapIDs() string            { return r.prefix + "idx:snap" }
func (r *RedisBackend) keyExec(wf, run string) string { return r.prefix + "exec:" + wf + ":" + run }
func (r *RedisBackend) keyExecIdx(d string) string    { return r.prefix + "idx:exec:" + d }
func (r *RedisBackend) keyExecAll() string            { return r.prefix + "idx:exec" }
func (r *RedisBackend) keyThresholds() string         { return r.prefix + "thresholds" }

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) Close() error { return r.client.Close() }

func itoa64(n int64) string { return strconv.FormatInt(n, 10) }

func (r *RedisBackend) SaveDelivery(ctx context.Context, d *api.Delivery) error {
	payload, err := EncodeValue(*d)
	if err != nil {
		return err
	}
	if err := saveDeliveryScript.Run(ctx, r.client, []string{r.keyDelivery(d.ID)},
		payload, string(d.Status), d.ChecksPerformed, itoa64(unixNano(d.LastCheckAt)), itoa64(unixNano(d.UpdatedAt)),
	).Err(); err != nil {
		return err
	}
	return r.client.SAdd(ctx, r.keyDeliveries(), d.ID).Err()
}

func (r *RedisBackend) GetDelivery(ctx context.Context, id string) (*api.Delivery, error) {
	vals, err := r.client.HGetAll(ctx, r.keyDelivery(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return deliveryFromHash(vals)
}

func deliveryFromHash(vals map[string]string) (*api.Delivery, error) {
	d, err := decodePtr[api.Delivery]([]byte(vals["payload"]))
	if err != nil {
		return nil, err
	}
	d.Status = api.DeliveryStatus(vals["status"])
	d.ChecksPerformed, _ = strconv.Atoi(vals["checks"])
	lastCheck, _ := strconv.ParseInt(vals["last_check"], 10, 64)
	d.LastCheckAt = fromUnixNano(lastCheck)
	if upd, _ := strconv.ParseInt(vals["updated_at"], 10, 64); upd != 0 {
		d.UpdatedAt = fromUnixNano(upd)
	}
	return d, nil
}

func (r *RedisBackend) ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]*api.Delivery, error) {
	ids, err := r.client.SMembers(ctx, r.keyDeliveries()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.keyDelivery(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var out []*api.Delivery
	for _, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		d, err := deliveryFromHash(vals)
		if err != nil {
			return nil, err
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *RedisBackend) UpdateDeliveryStatus(ctx context.Context, id string, status api.DeliveryStatus, at time.Time) error {
	n, err := updateStatusScript.Run(ctx, r.client, []string{r.keyDelivery(id)}, string(status), itoa64(unixNano(at))).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisBackend) DeleteDelivery(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, r.keyDelivery(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return r.client.SRem(ctx, r.keyDeliveries(), id).Err()
}

func (r *RedisBackend) IncrementChecks(ctx context.Context, id string, expected int, at time.Time) (int, error) {
	res, err := incrementChecksScript.Run(ctx, r.client, []string{r.keyDelivery(id)}, expected, itoa64(unixNano(at))).Int64Slice()
	if err != nil {
		return 0, err
	}
	switch res[0] {
	case -1:
		return 0, ErrNotFound
	case 0:
		return int(res[1]), ErrCounterConflict
	}
	return int(res[1]), nil
}

func (r *RedisBackend) SaveNotification(ctx context.Context, n *api.Notification) error {
	payload, err := EncodeValue(*n)
	if err != nil {
		return err
	}
	return insertNotificationScript.Run(ctx, r.client,
		[]string{r.keyNotif(n.ID), r.keyNotifIdx(n.DeliveryID)},
		payload, string(n.Status), n.DeliveryID, unixNano(n.CreatedAt), n.ID,
	).Err()
}

func (r *RedisBackend) UpdateNotification(ctx context.Context, n *api.Notification) error {
	payload, err := EncodeValue(*n)
	if err != nil {
		return err
	}
	code, err := updateNotificationScript.Run(ctx, r.client,
		[]string{r.keyNotif(n.ID), r.keySent(n.DeliveryID)},
		payload, string(n.Status), unixNano(n.SentAt), n.ID,
	).Int()
	if err != nil {
		return err
	}
	switch code {
	case -1:
		return ErrNotFound
	case 0:
		return ErrNotificationFinal
	}
	return nil
}

func (r *RedisBackend) GetNotification(ctx context.Context, id string) (*api.Notification, error) {
	data, err := r.client.HGet(ctx, r.keyNotif(id), "payload").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodePtr[api.Notification](data)
}

func (r *RedisBackend) ListNotifications(ctx context.Context, deliveryID string) ([]*api.Notification, error) {
	ids, err := r.client.ZRange(ctx, r.keyNotifIdx(deliveryID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []*api.Notification
	for _, id := range ids {
		n, err := r.GetNotification(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (r *RedisBackend) LastSentNotification(ctx context.Context, deliveryID string) (*api.Notification, error) {
	ids, err := r.client.ZRevRange(ctx, r.keySent(deliveryID), 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	return r.GetNotification(ctx, ids[0])
}

func (r *RedisBackend) AppendSnapshot(ctx context.Context, s *api.TrafficSnapshot) error {
	added, err := r.client.SAdd(ctx, r.keySnapIDs(), s.ID).Result()
	if err != nil {
		return err
	}
	if added == 0 {
		return nil
	}
	payload, err := EncodeValue(*s)
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, r.keySnap(s.DeliveryID), payload).Err()
}

func (r *RedisBackend) ListSnapshots(ctx context.Context, deliveryID string) ([]*api.TrafficSnapshot, error) {
	items, err := r.client.LRange(ctx, r.keySnap(deliveryID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*api.TrafficSnapshot, 0, len(items))
	for _, item := range items {
		s, err := decodePtr[api.TrafficSnapshot]([]byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *RedisBackend) SaveExecution(ctx context.Context, e *api.WorkflowExecution) error {
	payload, err := EncodeValue(*e)
	if err != nil {
		return err
	}
	member := e.WorkflowID + ":" + e.RunID
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.keyExec(e.WorkflowID, e.RunID), payload, 0)
	pipe.SAdd(ctx, r.keyExecIdx(e.DeliveryID), member)
	pipe.SAdd(ctx, r.keyExecAll(), member)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisBackend) GetExecution(ctx context.Context, workflowID, runID string) (*api.WorkflowExecution, error) {
	data, err := r.client.Get(ctx, r.keyExec(workflowID, runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodePtr[api.WorkflowExecution](data)
}

func (r *RedisBackend) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.WorkflowExecution, error) {
	idx := r.keyExecAll()
	if filter.DeliveryID != "" {
		idx = r.keyExecIdx(filter.DeliveryID)
	}
	members, err := r.client.SMembers(ctx, idx).Result()
	if err != nil {
		return nil, err
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.Get(ctx, r.prefix+"exec:"+m)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var out []*api.WorkflowExecution
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		e, err := decodePtr[api.WorkflowExecution](data)
		if err != nil {
			return nil, err
		}
		if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, e)
	}
	sortExecutions(out)
	return out, nil
}

func (r *RedisBackend) SaveThreshold(ctx context.Context, t *api.Threshold) error {
	payload, err := EncodeValue(*t)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, r.keyThresholds(), t.ID, payload).Err()
}

func (r *RedisBackend) GetThreshold(ctx context.Context, id string) (*api.Threshold, error) {
	data, err := r.client.HGet(ctx, r.keyThresholds(), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodePtr[api.Threshold](data)
}

func (r *RedisBackend) ListThresholds(ctx context.Context) ([]*api.Threshold, error) {
	vals, err := r.client.HGetAll(ctx, r.keyThresholds()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*api.Threshold, 0, len(vals))
	for _, v := range vals {
		t, err := decodePtr[api.Threshold]([]byte(v))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *RedisBackend) DeleteThreshold(ctx context.Context, id string) error {
	n, err := r.client.HDel(ctx, r.keyThresholds(), id).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
