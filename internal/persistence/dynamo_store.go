package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/petrijr/delaywatch/pkg/api"
)

// DynamoBackend is a Backend on a single DynamoDB table keyed by (pk, sk).
//
//	delivery      DELIVERY#<id>        / META
//	notification  NOTIF#<id>           / META
//	snapshot      SNAP#<deliveryID>    / <captured nanos>#<id>
//	execution     EXEC#<workflowID>    / <runID>
//	threshold     THRESHOLD            / <id>
type DynamoBackend struct {
	db    *dynamodb.Client
	table string
}

var _ Backend = (*DynamoBackend)(nil)

const (
	kindDelivery     = "delivery"
	kindNotification = "notification"
	kindSnapshot     = "snapshot"
	kindExecution    = "execution"
	kindThreshold    = "threshold"
	metaSK           = "META"
)

type dynamoItem struct {
	PK         string `dynamodbav:"pk"`
	SK         string `dynamodbav:"sk"`
	Kind       string `dynamodbav:"kind"`
	DeliveryID string `dynamodbav:"delivery_id,omitempty"`
	Status     string `dynamodbav:"status,omitempty"`
	Checks     int    `dynamodbav:"checks,omitempty"`
	LastCheck  int64  `dynamodbav:"last_check,omitempty"`
	UpdatedAt  int64  `dynamodbav:"updated_at,omitempty"`
	SentAt     int64  `dynamodbav:"sent_at,omitempty"`
	Payload    []byte `dynamodbav:"payload"`
}

// NewDynamoBackend wraps an existing client.
func NewDynamoBackend(client *dynamodb.Client, table string) *DynamoBackend {
	return &DynamoBackend{db: client, table: table}
}

// OpenDynamoBackend loads the default AWS config for region and points the
// client at endpoint when set (e.g. DynamoDB Local). The table is created
// when missing.
func OpenDynamoBackend(ctx context.Context, table, region, endpoint string) (*DynamoBackend, error) {
	if table == "" {
		return nil, fmt.Errorf("dynamodb: table name is required")
	}
	if region == "" {
		region = "us-east-2"
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	b := NewDynamoBackend(client, table)
	if err := b.EnsureTable(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// EnsureTable creates the table with on-demand billing if it does not exist.
func (b *DynamoBackend) EnsureTable(ctx context.Context) error {
	_, err := b.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(b.table)})
	if err == nil {
		return nil
	}
	var nf *types.ResourceNotFoundException
	if !errors.As(err, &nf) {
		return err
	}
	_, err = b.db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(b.table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("pk"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("sk"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("sk"), KeyType: types.KeyTypeRange},
		},
	})
	if err != nil {
		return err
	}
	waiter := dynamodb.NewTableExistsWaiter(b.db)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(b.table)}, time.Minute)
}

func (b *DynamoBackend) Name() string { return "dynamodb" }

func (b *DynamoBackend) Close() error { return nil }

func dynamoKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func avS(s string) types.AttributeValue { return &types.AttributeValueMemberS{Value: s} }

func avN[T int | int64](n T) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(int64(n), 10)}
}

func isConditionFailed(err error) bool {
	var cfe *types.ConditionalCheckFailedException
	return errors.As(err, &cfe)
}

func (b *DynamoBackend) getItem(ctx context.Context, pk, sk string) (*dynamoItem, error) {
	out, err := b.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.table),
		Key:            dynamoKey(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (b *DynamoBackend) putItem(ctx context.Context, item dynamoItem, condition string) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return err
	}
	in := &dynamodb.PutItemInput{
		TableName: aws.String(b.table),
		Item:      av,
	}
	if condition != "" {
		in.ConditionExpression = aws.String(condition)
	}
	_, err = b.db.PutItem(ctx, in)
	return err
}

func (b *DynamoBackend) scan(ctx context.Context, filter string, values map[string]types.AttributeValue) ([]dynamoItem, error) {
	in := &dynamodb.ScanInput{
		TableName:                 aws.String(b.table),
		FilterExpression:          aws.String(filter),
		ExpressionAttributeNames:  map[string]string{"#kd": "kind"},
		ExpressionAttributeValues: values,
		ConsistentRead:            aws.Bool(true),
	}
	if _, ok := values[":st"]; ok {
		in.ExpressionAttributeNames["#st"] = "status"
	}
	var items []dynamoItem
	p := dynamodb.NewScanPaginator(b.db, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		var batch []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, err
		}
		items = append(items, batch...)
	}
	return items, nil
}

func (b *DynamoBackend) queryPK(ctx context.Context, pk string) ([]dynamoItem, error) {
	p := dynamodb.NewQueryPaginator(b.db, &dynamodb.QueryInput{
		TableName:                 aws.String(b.table),
		KeyConditionExpression:    aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":pk": avS(pk)},
		ConsistentRead:            aws.Bool(true),
	})
	var items []dynamoItem
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		var batch []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, err
		}
		items = append(items, batch...)
	}
	return items, nil
}

func decodeItems[T any](items []dynamoItem) ([]*T, error) {
	out := make([]*T, 0, len(items))
	for _, item := range items {
		v, err := decodePtr[T](item.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func deliveryPK(id string) string { return "DELIVERY#" + id }

func notificationPK(id string) string { return "NOTIF#" + id }

func (b *DynamoBackend) SaveDelivery(ctx context.Context, d *api.Delivery) error {
	payload, err := EncodeValue(*d)
	if err != nil {
		return err
	}
	_, err = b.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(b.table),
		Key:              dynamoKey(deliveryPK(d.ID), metaSK),
		UpdateExpression: aws.String("SET #kd = :kd, #st = :st, #pl = :pl, #ua = :ua, #ck = if_not_exists(#ck, :ck), #lc = if_not_exists(#lc, :lc)"),
		ExpressionAttributeNames: map[string]string{
			"#kd": "kind",
			"#st": "status",
			"#pl": "payload",
			"#ua": "updated_at",
			"#ck": "checks",
			"#lc": "last_check",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":kd": avS(kindDelivery),
			":st": avS(string(d.Status)),
			":pl": &types.AttributeValueMemberB{Value: payload},
			":ua": avN(unixNano(d.UpdatedAt)),
			":ck": avN(d.ChecksPerformed),
			":lc": avN(unixNano(d.LastCheckAt)),
		},
	})
	return err
}

func deliveryFromItem(item *dynamoItem) (*api.Delivery, error) {
	d, err := decodePtr[api.Delivery](item.Payload)
	if err != nil {
		return nil, err
	}
	d.Status = api.DeliveryStatus(item.Status)
	d.ChecksPerformed = item.Checks
	d.LastCheckAt = fromUnixNano(item.LastCheck)
	if item.UpdatedAt != 0 {
		d.UpdatedAt = fromUnixNano(item.UpdatedAt)
	}
	return d, nil
}

func (b *DynamoBackend) GetDelivery(ctx context.Context, id string) (*api.Delivery, error) {
	item, err := b.getItem(ctx, deliveryPK(id), metaSK)
	if err != nil {
		return nil, err
	}
	return deliveryFromItem(item)
}

func (b *DynamoBackend) ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]*api.Delivery, error) {
	expr := "#kd = :kd"
	values := map[string]types.AttributeValue{":kd": avS(kindDelivery)}
	if filter.Status != "" {
		expr += " AND #st = :st"
		values[":st"] = avS(string(filter.Status))
	}
	items, err := b.scan(ctx, expr, values)
	if err != nil {
		return nil, err
	}
	out := make([]*api.Delivery, 0, len(items))
	for i := range items {
		d, err := deliveryFromItem(&items[i])
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *DynamoBackend) UpdateDeliveryStatus(ctx context.Context, id string, status api.DeliveryStatus, at time.Time) error {
	_, err := b.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(b.table),
		Key:                      dynamoKey(deliveryPK(id), metaSK),
		ConditionExpression:      aws.String("attribute_exists(pk)"),
		UpdateExpression:         aws.String("SET #st = :st, #ua = :ua"),
		ExpressionAttributeNames: map[string]string{"#st": "status", "#ua": "updated_at"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":st": avS(string(status)),
			":ua": avN(unixNano(at)),
		},
	})
	if isConditionFailed(err) {
		return ErrNotFound
	}
	return err
}

func (b *DynamoBackend) DeleteDelivery(ctx context.Context, id string) error {
	return b.deleteItem(ctx, deliveryPK(id), metaSK)
}

func (b *DynamoBackend) deleteItem(ctx context.Context, pk, sk string) error {
	_, err := b.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(b.table),
		Key:                 dynamoKey(pk, sk),
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if isConditionFailed(err) {
		return ErrNotFound
	}
	return err
}

func (b *DynamoBackend) IncrementChecks(ctx context.Context, id string, expected int, at time.Time) (int, error) {
	_, err := b.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(b.table),
		Key:                      dynamoKey(deliveryPK(id), metaSK),
		ConditionExpression:      aws.String("attribute_exists(pk) AND #ck = :exp"),
		UpdateExpression:         aws.String("SET #ck = :next, #lc = :at"),
		ExpressionAttributeNames: map[string]string{"#ck": "checks", "#lc": "last_check"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":exp":  avN(expected),
			":next": avN(expected + 1),
			":at":   avN(unixNano(at)),
		},
	})
	if err == nil {
		return expected + 1, nil
	}
	if !isConditionFailed(err) {
		return 0, err
	}
	current, err := b.GetDelivery(ctx, id)
	if err != nil {
		return 0, err
	}
	return current.ChecksPerformed, ErrCounterConflict
}

func (b *DynamoBackend) SaveNotification(ctx context.Context, n *api.Notification) error {
	payload, err := EncodeValue(*n)
	if err != nil {
		return err
	}
	err = b.putItem(ctx, dynamoItem{
		PK:         notificationPK(n.ID),
		SK:         metaSK,
		Kind:       kindNotification,
		DeliveryID: n.DeliveryID,
		Status:     string(n.Status),
		SentAt:     unixNano(n.SentAt),
		Payload:    payload,
	}, "attribute_not_exists(pk)")
	if isConditionFailed(err) {
		return nil
	}
	return err
}

func (b *DynamoBackend) UpdateNotification(ctx context.Context, n *api.Notification) error {
	payload, err := EncodeValue(*n)
	if err != nil {
		return err
	}
	_, err = b.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(b.table),
		Key:                      dynamoKey(notificationPK(n.ID), metaSK),
		ConditionExpression:      aws.String("attribute_exists(pk) AND #st = :pending"),
		UpdateExpression:         aws.String("SET #st = :st, #sa = :sa, #pl = :pl"),
		ExpressionAttributeNames: map[string]string{"#st": "status", "#sa": "sent_at", "#pl": "payload"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": avS(string(api.NotificationPending)),
			":st":      avS(string(n.Status)),
			":sa":      avN(unixNano(n.SentAt)),
			":pl":      &types.AttributeValueMemberB{Value: payload},
		},
	})
	if err == nil {
		return nil
	}
	if !isConditionFailed(err) {
		return err
	}
	if _, gerr := b.getItem(ctx, notificationPK(n.ID), metaSK); gerr != nil {
		return gerr
	}
	return ErrNotificationFinal
}

func (b *DynamoBackend) GetNotification(ctx context.Context, id string) (*api.Notification, error) {
	item, err := b.getItem(ctx, notificationPK(id), metaSK)
	if err != nil {
		return nil, err
	}
	return decodePtr[api.Notification](item.Payload)
}

func (b *DynamoBackend) ListNotifications(ctx context.Context, deliveryID string) ([]*api.Notification, error) {
	items, err := b.scan(ctx, "#kd = :kd AND delivery_id = :d", map[string]types.AttributeValue{
		":kd": avS(kindNotification),
		":d":  avS(deliveryID),
	})
	if err != nil {
		return nil, err
	}
	out, err := decodeItems[api.Notification](items)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (b *DynamoBackend) LastSentNotification(ctx context.Context, deliveryID string) (*api.Notification, error) {
	items, err := b.scan(ctx, "#kd = :kd AND delivery_id = :d AND #st = :st", map[string]types.AttributeValue{
		":kd": avS(kindNotification),
		":d":  avS(deliveryID),
		":st": avS(string(api.NotificationSent)),
	})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	latest := items[0]
	for _, item := range items[1:] {
		if item.SentAt > latest.SentAt {
			latest = item
		}
	}
	return decodePtr[api.Notification](latest.Payload)
}

func (b *DynamoBackend) AppendSnapshot(ctx context.Context, s *api.TrafficSnapshot) error {
	payload, err := EncodeValue(*s)
	if err != nil {
		return err
	}
	err = b.putItem(ctx, dynamoItem{
		PK:         "SNAP#" + s.DeliveryID,
		SK:         fmt.Sprintf("%020d#%s", unixNano(s.CapturedAt), s.ID),
		Kind:       kindSnapshot,
		DeliveryID: s.DeliveryID,
		Payload:    payload,
	}, "attribute_not_exists(pk)")
	if isConditionFailed(err) {
		return nil
	}
	return err
}

func (b *DynamoBackend) ListSnapshots(ctx context.Context, deliveryID string) ([]*api.TrafficSnapshot, error) {
	items, err := b.queryPK(ctx, "SNAP#"+deliveryID)
	if err != nil {
		return nil, err
	}
	return decodeItems[api.TrafficSnapshot](items)
}

func (b *DynamoBackend) SaveExecution(ctx context.Context, e *api.WorkflowExecution) error {
	payload, err := EncodeValue(*e)
	if err != nil {
		return err
	}
	return b.putItem(ctx, dynamoItem{
		PK:         "EXEC#" + e.WorkflowID,
		SK:         e.RunID,
		Kind:       kindExecution,
		DeliveryID: e.DeliveryID,
		Status:     string(e.Status),
		Payload:    payload,
	}, "")
}

func (b *DynamoBackend) GetExecution(ctx context.Context, workflowID, runID string) (*api.WorkflowExecution, error) {
	item, err := b.getItem(ctx, "EXEC#"+workflowID, runID)
	if err != nil {
		return nil, err
	}
	return decodePtr[api.WorkflowExecution](item.Payload)
}

func (b *DynamoBackend) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.WorkflowExecution, error) {
	var (
		items []dynamoItem
		err   error
	)
	if filter.WorkflowID != "" {
		items, err = b.queryPK(ctx, "EXEC#"+filter.WorkflowID)
	} else {
		expr := "#kd = :kd"
		values := map[string]types.AttributeValue{":kd": avS(kindExecution)}
		if filter.DeliveryID != "" {
			expr += " AND delivery_id = :d"
			values[":d"] = avS(filter.DeliveryID)
		}
		items, err = b.scan(ctx, expr, values)
	}
	if err != nil {
		return nil, err
	}

	var out []*api.WorkflowExecution
	for _, item := range items {
		if filter.DeliveryID != "" && item.DeliveryID != filter.DeliveryID {
			continue
		}
		if filter.Status != "" && item.Status != string(filter.Status) {
			continue
		}
		e, err := decodePtr[api.WorkflowExecution](item.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sortExecutions(out)
	return out, nil
}

const thresholdPK = "THRESHOLD"

func (b *DynamoBackend) SaveThreshold(ctx context.Context, t *api.Threshold) error {
	payload, err := EncodeValue(*t)
	if err != nil {
		return err
	}
	return b.putItem(ctx, dynamoItem{PK: thresholdPK, SK: t.ID, Kind: kindThreshold, Payload: payload}, "")
}

func (b *DynamoBackend) GetThreshold(ctx context.Context, id string) (*api.Threshold, error) {
	item, err := b.getItem(ctx, thresholdPK, id)
	if err != nil {
		return nil, err
	}
	return decodePtr[api.Threshold](item.Payload)
}

func (b *DynamoBackend) ListThresholds(ctx context.Context) ([]*api.Threshold, error) {
	items, err := b.queryPK(ctx, thresholdPK)
	if err != nil {
		return nil, err
	}
	return decodeItems[api.Threshold](items)
}

func (b *DynamoBackend) DeleteThreshold(ctx context.Context, id string) error {
	return b.deleteItem(ctx, thresholdPK, id)
}
