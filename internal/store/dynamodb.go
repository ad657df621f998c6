package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	skPrefixCheckpoint = "CKPT#"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoCheckpoints.
// *dynamodb.Client satisfies it.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoCheckpoints stores checkpoints in a single DynamoDB table keyed by
// PK=THREAD#<id>, SK=CKPT#<uuidv7>. Retention is delegated to the table's TTL
// attribute, so SweepCheckpoints is a no-op.
type DynamoCheckpoints struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
}

var _ CheckpointStore = (*DynamoCheckpoints)(nil)

// NewDynamoCheckpoints creates a DynamoDB checkpoint store.
func NewDynamoCheckpoints(api dynamodbAPI, tableName string, ttl time.Duration) (*DynamoCheckpoints, error) {
	if api == nil {
		return nil, errors.New("store: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("store: dynamodb table name must not be empty")
	}
	return &DynamoCheckpoints{api: api, tableName: tableName, ttl: ttl}, nil
}

func threadPK(threadID string) string {
	return "THREAD#" + threadID
}

// PutCheckpoint writes a checkpoint item with its blobs and writes inline.
func (d *DynamoCheckpoints) PutCheckpoint(ctx context.Context, cp *Checkpoint) (string, error) {
	if cp.ThreadID == "" {
		return "", errors.New("store: PutCheckpoint: thread id is required")
	}
	id, err := NewCheckpointID()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()

	blobs := make(map[string]types.AttributeValue, len(cp.Blobs))
	for channel, value := range cp.Blobs {
		blobs[channel] = &types.AttributeValueMemberB{Value: value}
	}
	writes := make([]types.AttributeValue, 0, len(cp.Writes))
	for _, w := range cp.Writes {
		writes = append(writes, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"channel": &types.AttributeValueMemberS{Value: w.Channel},
			"value":   &types.AttributeValueMemberB{Value: w.Value},
		}})
	}

	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: threadPK(cp.ThreadID)},
		"SK":        &types.AttributeValueMemberS{Value: skPrefixCheckpoint + id},
		"threadId":  &types.AttributeValueMemberS{Value: cp.ThreadID},
		"state":     &types.AttributeValueMemberB{Value: cp.State},
		"blobs":     &types.AttributeValueMemberM{Value: blobs},
		"writes":    &types.AttributeValueMemberL{Value: writes},
		"createdAt": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
		"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(d.ttl).Unix(), 10)},
	}

	_, err = d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return "", fmt.Errorf("store: PutCheckpoint: %w", err)
	}
	cp.ID = id
	cp.CreatedAt = now
	return id, nil
}

// LatestCheckpoint queries the newest checkpoint of a thread.
func (d *DynamoCheckpoints) LatestCheckpoint(ctx context.Context, threadID string) (*Checkpoint, error) {
	out, err := d.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: threadPK(threadID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixCheckpoint},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("store: LatestCheckpoint query: %w", err)
	}
	if out == nil || len(out.Items) == 0 {
		return nil, nil
	}
	return itemToCheckpoint(threadID, out.Items[0])
}

// SweepCheckpoints relies on the table TTL attribute and removes nothing itself.
func (d *DynamoCheckpoints) SweepCheckpoints(context.Context, time.Time) (SweepResult, error) {
	return SweepResult{}, nil
}

func itemToCheckpoint(threadID string, item map[string]types.AttributeValue) (*Checkpoint, error) {
	sk, ok := item["SK"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.New("store: checkpoint item missing SK")
	}
	state, ok := item["state"].(*types.AttributeValueMemberB)
	if !ok {
		return nil, errors.New("store: checkpoint item missing state")
	}
	cp := &Checkpoint{
		ThreadID: threadID,
		ID:       strings.TrimPrefix(sk.Value, skPrefixCheckpoint),
		State:    state.Value,
		Blobs:    map[string][]byte{},
	}
	if n, ok := item["createdAt"].(*types.AttributeValueMemberN); ok {
		ms, err := strconv.ParseInt(n.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("store: parse createdAt: %w", err)
		}
		cp.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if m, ok := item["blobs"].(*types.AttributeValueMemberM); ok {
		for channel, v := range m.Value {
			b, ok := v.(*types.AttributeValueMemberB)
			if !ok {
				return nil, fmt.Errorf("store: blob %q is not binary", channel)
			}
			cp.Blobs[channel] = b.Value
		}
	}
	if l, ok := item["writes"].(*types.AttributeValueMemberL); ok {
		for i, v := range l.Value {
			m, ok := v.(*types.AttributeValueMemberM)
			if !ok {
				return nil, fmt.Errorf("store: write %d is not a map", i)
			}
			channel, _ := m.Value["channel"].(*types.AttributeValueMemberS)
			value, _ := m.Value["value"].(*types.AttributeValueMemberB)
			if channel == nil || value == nil {
				return nil, fmt.Errorf("store: write %d is incomplete", i)
			}
			cp.Writes = append(cp.Writes, CheckpointWrite{Channel: channel.Value, Value: value.Value})
		}
	}
	return cp, nil
}
