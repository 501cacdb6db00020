package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/delaywatch/pkg/api"
)

const mongoOpTimeout = 5 * time.Second

// MongoBackend is a Backend storing each entity in its own collection.
// Documents carry the gob payload plus the fields queries filter on.
type MongoBackend struct {
	client        *mongo.Client
	deliveries    *mongo.Collection
	notifications *mongo.Collection
	snapshots     *mongo.Collection
	executions    *mongo.Collection
	thresholds    *mongo.Collection
}

var _ Backend = (*MongoBackend)(nil)

// NewMongoBackend creates a Mongo-backed Backend. dbName defaults to "delaywatch".
func NewMongoBackend(ctx context.Context, client *mongo.Client, dbName string) (*MongoBackend, error) {
	if dbName == "" {
		dbName = "delaywatch"
	}
	db := client.Database(dbName)
	m := &MongoBackend{
		client:        client,
		deliveries:    db.Collection("deliveries"),
		notifications: db.Collection("notifications"),
		snapshots:     db.Collection("traffic_snapshots"),
		executions:    db.Collection("workflow_executions"),
		thresholds:    db.Collection("thresholds"),
	}

	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	indexes := []struct {
		coll *mongo.Collection
		keys bson.D
	}{
		{m.notifications, bson.D{{Key: "delivery_id", Value: 1}, {Key: "created_at", Value: 1}}},
		{m.snapshots, bson.D{{Key: "delivery_id", Value: 1}, {Key: "captured_at", Value: 1}}},
		{m.executions, bson.D{{Key: "delivery_id", Value: 1}, {Key: "started_at", Value: 1}}},
	}
	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: idx.keys}); err != nil {
			return nil, err
		}
	}
	return m, nil
}

type mongoDeliveryDoc struct {
	ID        string `bson:"_id"`
	Status    string `bson:"status"`
	Checks    int    `bson:"checks_performed"`
	LastCheck int64  `bson:"last_check_at"`
	UpdatedAt int64  `bson:"updated_at"`
	Payload   []byte `bson:"payload"`
}

type mongoNotificationDoc struct {
	ID         string `bson:"_id"`
	DeliveryID string `bson:"delivery_id"`
	Status     string `bson:"status"`
	CreatedAt  int64  `bson:"created_at"`
	SentAt     int64  `bson:"sent_at"`
	Payload    []byte `bson:"payload"`
}

type mongoPayloadDoc struct {
	Payload []byte `bson:"payload"`
}

func (m *MongoBackend) Name() string { return "mongo" }

func (m *MongoBackend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoOpTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoBackend) SaveDelivery(ctx context.Context, d *api.Delivery) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	payload, err := EncodeValue(*d)
	if err != nil {
		return err
	}
	update := bson.M{
		"$set": bson.M{
			"status":     string(d.Status),
			"updated_at": unixNano(d.UpdatedAt),
			"payload":    payload,
		},
		"$setOnInsert": bson.M{
			"checks_performed": d.ChecksPerformed,
			"last_check_at":    unixNano(d.LastCheckAt),
		},
	}
	_, err = m.deliveries.UpdateByID(ctx, d.ID, update, options.Update().SetUpsert(true))
	return err
}

func deliveryFromDoc(doc mongoDeliveryDoc) (*api.Delivery, error) {
	d, err := decodePtr[api.Delivery](doc.Payload)
	if err != nil {
		return nil, err
	}
	d.Status = api.DeliveryStatus(doc.Status)
	d.ChecksPerformed = doc.Checks
	d.LastCheckAt = fromUnixNano(doc.LastCheck)
	if doc.UpdatedAt != 0 {
		d.UpdatedAt = fromUnixNano(doc.UpdatedAt)
	}
	return d, nil
}

func (m *MongoBackend) GetDelivery(ctx context.Context, id string) (*api.Delivery, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var doc mongoDeliveryDoc
	if err := m.deliveries.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return deliveryFromDoc(doc)
}

func (m *MongoBackend) ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]*api.Delivery, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	q := bson.M{}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}
	cur, err := m.deliveries.Find(ctx, q, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []mongoDeliveryDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]*api.Delivery, 0, len(docs))
	for _, doc := range docs {
		d, err := deliveryFromDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (m *MongoBackend) UpdateDeliveryStatus(ctx context.Context, id string, status api.DeliveryStatus, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	res, err := m.deliveries.UpdateByID(ctx, id, bson.M{"$set": bson.M{
		"status":     string(status),
		"updated_at": unixNano(at),
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoBackend) DeleteDelivery(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	res, err := m.deliveries.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoBackend) IncrementChecks(ctx context.Context, id string, expected int, at time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var doc mongoDeliveryDoc
	err := m.deliveries.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "checks_performed": expected},
		bson.M{
			"$inc": bson.M{"checks_performed": 1},
			"$set": bson.M{"last_check_at": unixNano(at)},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == nil {
		return doc.Checks, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return 0, err
	}

	// Either the delivery is missing or the counter moved.
	current, err := m.GetDelivery(ctx, id)
	if err != nil {
		return 0, err
	}
	return current.ChecksPerformed, ErrCounterConflict
}

func (m *MongoBackend) SaveNotification(ctx context.Context, n *api.Notification) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	payload, err := EncodeValue(*n)
	if err != nil {
		return err
	}
	_, err = m.notifications.UpdateByID(ctx, n.ID, bson.M{"$setOnInsert": bson.M{
		"delivery_id": n.DeliveryID,
		"status":      string(n.Status),
		"created_at":  unixNano(n.CreatedAt),
		"sent_at":     unixNano(n.SentAt),
		"payload":     payload,
	}}, options.Update().SetUpsert(true))
	return err
}

func (m *MongoBackend) UpdateNotification(ctx context.Context, n *api.Notification) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	payload, err := EncodeValue(*n)
	if err != nil {
		return err
	}
	res, err := m.notifications.UpdateOne(ctx,
		bson.M{"_id": n.ID, "status": string(api.NotificationPending)},
		bson.M{"$set": bson.M{
			"status":  string(n.Status),
			"sent_at": unixNano(n.SentAt),
			"payload": payload,
		}})
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	count, err := m.notifications.CountDocuments(ctx, bson.M{"_id": n.ID})
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrNotificationFinal
}

func (m *MongoBackend) GetNotification(ctx context.Context, id string) (*api.Notification, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var doc mongoNotificationDoc
	if err := m.notifications.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodePtr[api.Notification](doc.Payload)
}

func (m *MongoBackend) ListNotifications(ctx context.Context, deliveryID string) ([]*api.Notification, error) {
	return findPayloads[api.Notification](ctx, m.notifications,
		bson.M{"delivery_id": deliveryID}, bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
}

func (m *MongoBackend) LastSentNotification(ctx context.Context, deliveryID string) (*api.Notification, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var doc mongoNotificationDoc
	err := m.notifications.FindOne(ctx,
		bson.M{"delivery_id": deliveryID, "status": string(api.NotificationSent)},
		options.FindOne().SetSort(bson.D{{Key: "sent_at", Value: -1}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodePtr[api.Notification](doc.Payload)
}

func (m *MongoBackend) AppendSnapshot(ctx context.Context, s *api.TrafficSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	payload, err := EncodeValue(*s)
	if err != nil {
		return err
	}
	_, err = m.snapshots.UpdateByID(ctx, s.ID, bson.M{"$setOnInsert": bson.M{
		"delivery_id": s.DeliveryID,
		"captured_at": unixNano(s.CapturedAt),
		"payload":     payload,
	}}, options.Update().SetUpsert(true))
	return err
}

func (m *MongoBackend) ListSnapshots(ctx context.Context, deliveryID string) ([]*api.TrafficSnapshot, error) {
	return findPayloads[api.TrafficSnapshot](ctx, m.snapshots,
		bson.M{"delivery_id": deliveryID}, bson.D{{Key: "captured_at", Value: 1}})
}

func (m *MongoBackend) SaveExecution(ctx context.Context, e *api.WorkflowExecution) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	payload, err := EncodeValue(*e)
	if err != nil {
		return err
	}
	_, err = m.executions.UpdateByID(ctx, mongoExecID(e.WorkflowID, e.RunID), bson.M{"$set": bson.M{
		"workflow_id": e.WorkflowID,
		"run_id":      e.RunID,
		"delivery_id": e.DeliveryID,
		"status":      string(e.Status),
		"started_at":  unixNano(e.StartedAt),
		"iteration":   e.Iteration,
		"payload":     payload,
	}}, options.Update().SetUpsert(true))
	return err
}

func (m *MongoBackend) GetExecution(ctx context.Context, workflowID, runID string) (*api.WorkflowExecution, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var doc mongoPayloadDoc
	err := m.executions.FindOne(ctx, bson.M{"_id": mongoExecID(workflowID, runID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodePtr[api.WorkflowExecution](doc.Payload)
}

func (m *MongoBackend) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.WorkflowExecution, error) {
	q := bson.M{}
	if filter.DeliveryID != "" {
		q["delivery_id"] = filter.DeliveryID
	}
	if filter.WorkflowID != "" {
		q["workflow_id"] = filter.WorkflowID
	}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}
	out, err := findPayloads[api.WorkflowExecution](ctx, m.executions, q, nil)
	if err != nil {
		return nil, err
	}
	sortExecutions(out)
	return out, nil
}

func (m *MongoBackend) SaveThreshold(ctx context.Context, t *api.Threshold) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	payload, err := EncodeValue(*t)
	if err != nil {
		return err
	}
	_, err = m.thresholds.UpdateByID(ctx, t.ID, bson.M{"$set": bson.M{"payload": payload}}, options.Update().SetUpsert(true))
	return err
}

func (m *MongoBackend) GetThreshold(ctx context.Context, id string) (*api.Threshold, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var doc mongoPayloadDoc
	err := m.thresholds.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodePtr[api.Threshold](doc.Payload)
}

func (m *MongoBackend) ListThresholds(ctx context.Context) ([]*api.Threshold, error) {
	return findPayloads[api.Threshold](ctx, m.thresholds, bson.M{}, bson.D{{Key: "_id", Value: 1}})
}

func (m *MongoBackend) DeleteThreshold(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	res, err := m.thresholds.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func findPayloads[T any](ctx context.Context, coll *mongo.Collection, q bson.M, sortBy bson.D) ([]*T, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	opts := options.Find().SetProjection(bson.M{"payload": 1})
	if sortBy != nil {
		opts.SetSort(sortBy)
	}
	cur, err := coll.Find(ctx, q, opts)
	if err != nil {
		return nil, err
	}
	var docs []mongoPayloadDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(docs))
	for _, doc := range docs {
		v, err := decodePtr[T](doc.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func mongoExecID(workflowID, runID string) string { return workflowID + "/" + runID }
