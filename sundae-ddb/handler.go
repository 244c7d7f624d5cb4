// Package sundaeddb provides DynamoDB and DAX client utilities along with a
// DynamoDB stream handler that runs either as a Lambda or, in console mode, by
// polling the table's stream directly.
package sundaeddb

import (
	"context"
	"encoding/json"
	"fmt"

	sundaecli "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-cli"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams"
	"github.com/rs/zerolog"
	"github.com/savaki/ddb"
	"golang.org/x/sync/errgroup"
)

const (
	EventInsert = "INSERT"
	EventModify = "MODIFY"
	EventRemove = "REMOVE"
)

type InsertCallback func(ctx context.Context, newValue map[string]*dynamodb.AttributeValue) error
type UpdateCallback func(ctx context.Context, oldValue, newValue map[string]*dynamodb.AttributeValue) error
type DeleteCallback func(ctx context.Context, oldValue map[string]*dynamodb.AttributeValue) error

type Handler struct {
	service sundaecli.Service
	Logger  zerolog.Logger

	onInsert InsertCallback
	onUpdate UpdateCallback
	onDelete DeleteCallback
}

// NewHandler wires stream callbacks; any of them may be nil, in which case
// records of that kind are ignored.
func NewHandler(
	service sundaecli.Service,
	onInsert InsertCallback,
	onUpdate UpdateCallback,
	onDelete DeleteCallback,
) *Handler {
	return &Handler{
		service:  service,
		Logger:   sundaecli.Logger(service),
		onInsert: onInsert,
		onUpdate: onUpdate,
		onDelete: onDelete,
	}
}

func (h *Handler) Start() error {
	if sundaecli.CommonOpts.Console {
		return h.pollStream(context.Background())
	}
	lambda.Start(h.HandleEvent)
	return nil
}

func (h *Handler) HandleEvent(ctx context.Context, event ddb.Event) error {
	ctx = h.Logger.WithContext(ctx)
	h.Logger.Trace().Int("count", len(event.Records)).Msg("handling a batch of stream records")
	for _, record := range event.Records {
		if err := h.HandleSingleRecord(ctx, record); err != nil {
			h.Logger.Error().Err(err).Str("event", record.EventID).Msg("unable to handle record")
			return fmt.Errorf("unable to handle record %v: %w", record.EventID, err)
		}
	}
	return nil
}

func (h *Handler) HandleSingleRecord(ctx context.Context, record ddb.Record) error {
	switch record.EventName {
	case EventInsert:
		if h.onInsert != nil {
			return h.onInsert(ctx, record.Change.NewImage)
		}
	case EventModify:
		if h.onUpdate != nil {
			return h.onUpdate(ctx, record.Change.OldImage, record.Change.NewImage)
		}
	case EventRemove:
		if h.onDelete != nil {
			return h.onDelete(ctx, record.Change.OldImage)
		}
	}
	return nil
}

// pollStream reads every shard of the table's stream from the trim horizon.
// Only meant for local debugging; Lambda mode is the production path.
func (h *Handler) pollStream(ctx context.Context) error {
	ctx = h.Logger.WithContext(ctx)
	streams := dynamodbstreams.New(Session())

	listed, err := streams.ListStreamsWithContext(ctx, &dynamodbstreams.ListStreamsInput{
		TableName: aws.String(DDBOpts.TableName),
	})
	if err != nil {
		return fmt.Errorf("unable to list streams for table %v: %w", DDBOpts.TableName, err)
	}
	if len(listed.Streams) != 1 {
		return fmt.Errorf("expected exactly one stream for table %v, found %v", DDBOpts.TableName, len(listed.Streams))
	}
	streamArn := listed.Streams[0].StreamArn

	var (
		shards    []*dynamodbstreams.Shard
		lastShard *string
	)
	for {
		described, err := streams.DescribeStreamWithContext(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             streamArn,
			ExclusiveStartShardId: lastShard,
		})
		if err != nil {
			return fmt.Errorf("unable to describe stream %v: %w", aws.StringValue(streamArn), err)
		}
		shards = append(shards, described.StreamDescription.Shards...)
		if described.StreamDescription.LastEvaluatedShardId == nil {
			break
		}
		lastShard = described.StreamDescription.LastEvaluatedShardId
	}

	h.Logger.Info().Str("tableName", DDBOpts.TableName).Int("shardCount", len(shards)).Msg("responding to stream events")

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(256)
	for _, shard := range shards {
		shardID := shard.ShardId
		group.Go(func() error {
			return h.pollShard(ctx, streams, streamArn, shardID)
		})
	}
	return group.Wait()
}

func (h *Handler) pollShard(ctx context.Context, streams *dynamodbstreams.DynamoDBStreams, streamArn, shardID *string) error {
	it, err := streams.GetShardIteratorWithContext(ctx, &dynamodbstreams.GetShardIteratorInput{
		StreamArn:         streamArn,
		ShardId:           shardID,
		ShardIteratorType: aws.String(dynamodbstreams.ShardIteratorTypeTrimHorizon),
	})
	if err != nil {
		return fmt.Errorf("unable to get shard iterator: %w", err)
	}

	for iterator := it.ShardIterator; iterator != nil; {
		out, err := streams.GetRecordsWithContext(ctx, &dynamodbstreams.GetRecordsInput{
			ShardIterator: iterator,
		})
		if err != nil {
			return fmt.Errorf("unable to get records: %w", err)
		}
		for _, record := range out.Records {
			// Reserialize to the ddb event type so both paths share one handler
			raw, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("unable to marshal record: %w", err)
			}
			var r ddb.Record
			if err := json.Unmarshal(raw, &r); err != nil {
				return fmt.Errorf("unable to unmarshal record: %w", err)
			}
			if err := h.HandleSingleRecord(ctx, r); err != nil {
				return fmt.Errorf("error processing record %v: %w", r.EventID, err)
			}
		}
		iterator = out.NextShardIterator
	}
	return nil
}

func ParseItem(item map[string]*dynamodb.AttributeValue, v interface{}) error {
	if err := dynamodbattribute.UnmarshalMap(item, v); err != nil {
		return fmt.Errorf("unable to unmarshal item: %w", err)
	}
	return nil
}
