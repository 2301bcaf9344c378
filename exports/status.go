package exports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/nyaruka/gocommon/aws/dynamo"
)

const statusTableBase = "ExportRequests"

// Record is the persisted state of one export request. Producer completions are entries in
// the Completed map, keyed by producer name. A producer's entry is only ever created, never
// removed or overwritten, so completion is monotonic.
type Record struct {
	RequestID string               `dynamodbav:"RequestId"`
	CreatedAt time.Time            `dynamodbav:"CreatedAt,unixtime"`
	ExpiresAt time.Time            `dynamodbav:"ExpiresAt,unixtime"`
	Completed map[string]time.Time `dynamodbav:"Completed"`
}

func NewRecord(requestID string, ttl time.Duration) *Record {
	now := time.Now()
	return &Record{
		RequestID: requestID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Completed: map[string]time.Time{},
	}
}

// Complete reports whether every required producer has completed
func (r *Record) Complete(required []string) bool {
	for _, name := range required {
		if _, done := r.Completed[name]; !done {
			return false
		}
	}
	return true
}

// StatusStore persists export request records. MarkComplete must be an atomic field level
// update returning the post-update record, so concurrent producer completions never race to
// a lost update.
type StatusStore interface {
	// Create writes a new record, leaving any existing record for the ID untouched
	Create(ctx context.Context, rec *Record) error

	// MarkComplete records a producer's completion and returns the post-update record.
	// The returned bool is false when the producer was already marked complete.
	MarkComplete(ctx context.Context, requestID, producer string, t time.Time) (*Record, bool, error)

	Get(ctx context.Context, requestID string) (*Record, error)
}

// DynamoStatusStore implements StatusStore against DynamoDB
type DynamoStatusStore struct {
	ds *dynamo.Service
}

func NewDynamoStatusStore(ds *dynamo.Service) *DynamoStatusStore {
	return &DynamoStatusStore{ds: ds}
}

func (s *DynamoStatusStore) Create(ctx context.Context, rec *Record) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("error marshaling export record: %w", err)
	}

	// an existing record may already carry completions, never clobber it
	_, err = s.ds.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.ds.TableName(statusTableBase)),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(RequestId)"),
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return nil
		}
		return fmt.Errorf("error creating export record %s: %w", rec.RequestID, err)
	}
	return nil
}

func (s *DynamoStatusStore) MarkComplete(ctx context.Context, requestID, producer string, t time.Time) (*Record, bool, error) {
	resp, err := s.ds.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.ds.TableName(statusTableBase)),
		Key: map[string]types.AttributeValue{
			"RequestId": &types.AttributeValueMemberS{Value: requestID},
		},
		UpdateExpression:    aws.String("SET Completed.#p = :t"),
		ConditionExpression: aws.String("attribute_not_exists(Completed.#p)"),
		ExpressionAttributeNames: map[string]string{
			"#p": producer,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberS{Value: t.UTC().Format(time.RFC3339)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			// already marked, a redelivered completion.. return the current record
			rec, err := s.Get(ctx, requestID)
			return rec, false, err
		}
		return nil, false, fmt.Errorf("error marking %s complete on %s: %w", producer, requestID, err)
	}

	rec := &Record{}
	if err := attributevalue.UnmarshalMap(resp.Attributes, rec); err != nil {
		return nil, false, fmt.Errorf("error unmarshaling export record %s: %w", requestID, err)
	}
	return rec, true, nil
}

func (s *DynamoStatusStore) Get(ctx context.Context, requestID string) (*Record, error) {
	resp, err := s.ds.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.ds.TableName(statusTableBase)),
		Key: map[string]types.AttributeValue{
			"RequestId": &types.AttributeValueMemberS{Value: requestID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("error getting export record %s: %w", requestID, err)
	}
	if resp.Item == nil {
		return nil, fmt.Errorf("no export record with id %s", requestID)
	}

	rec := &Record{}
	if err := attributevalue.UnmarshalMap(resp.Item, rec); err != nil {
		return nil, fmt.Errorf("error unmarshaling export record %s: %w", requestID, err)
	}
	return rec, nil
}
