package connectiondao

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/rs/zerolog"
	"github.com/savaki/ddb"
)

// ErrStoreUnavailable wraps every failure to reach the backing store.
var ErrStoreUnavailable = errors.New("connection store unavailable")

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %v: %w", ErrStoreUnavailable, op, err)
}

// DAO provides access to the WebSocket connections table, keyed by
// (subject, connection_id).
type DAO struct {
	table           *ddb.Table
	api             dynamodbiface.DynamoDBAPI
	tableName       string
	connectionIndex string
	now             func() time.Time
}

type Option func(*DAO)

// WithConnectionIndex makes reverse lookups query a GSI hashed on
// connection_id instead of scanning the table.
func WithConnectionIndex(indexName string) Option {
	return func(d *DAO) {
		d.connectionIndex = indexName
	}
}

// WithClock overrides the clock used to filter expired records.
func WithClock(now func() time.Time) Option {
	return func(d *DAO) {
		d.now = now
	}
}

// New creates a new connections DAO.
func New(api dynamodbiface.DynamoDBAPI, tableName string, opts ...Option) *DAO {
	d := &DAO{
		table:     ddb.New(api).MustTable(tableName, Connection{}),
		api:       api,
		tableName: tableName,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Put stores a connection record, overwriting any record with the same key.
func (d *DAO) Put(ctx context.Context, conn Connection) error {
	if err := conn.Validate(); err != nil {
		return err
	}
	if err := d.table.Put(conn).RunWithContext(ctx); err != nil {
		return unavailable(fmt.Sprintf("put connection %v", conn.ConnectionID), err)
	}
	return nil
}

// Delete removes a connection. With a known subject this is a point delete;
// otherwise every record carrying the connection id is found by scanning.
func (d *DAO) Delete(ctx context.Context, connectionID, subject string) error {
	if subject != "" {
		return d.deleteKey(ctx, subject, connectionID)
	}

	conns, err := d.findByConnectionID(ctx, connectionID, false)
	if err != nil {
		return err
	}
	for _, conn := range conns {
		if err := d.deleteKey(ctx, conn.Subject, conn.ConnectionID); err != nil {
			return err
		}
	}
	zerolog.Ctx(ctx).Debug().
		Str("connection_id", connectionID).
		Int("deleted", len(conns)).
		Msg("deleted connection records")
	return nil
}

func (d *DAO) deleteKey(ctx context.Context, subject, connectionID string) error {
	if err := d.table.Delete(subject).Range(connectionID).RunWithContext(ctx); err != nil {
		return unavailable(fmt.Sprintf("delete connection %v/%v", subject, connectionID), err)
	}
	return nil
}

// ListBySubject returns the ids of live connections of the given type under
// subject.
func (d *DAO) ListBySubject(ctx context.Context, subject string, connectionType ConnectionType) ([]string, error) {
	var conns []Connection
	err := d.table.Query("#Subject = ?", subject).
		FindAllWithContext(ctx, &conns)
	if err != nil {
		return nil, unavailable(fmt.Sprintf("query connections for subject %v", subject), err)
	}

	now := d.now()
	var ids []string
	for _, conn := range conns {
		if conn.ConnectionType != connectionType || conn.Expired(now) {
			continue
		}
		ids = append(ids, conn.ConnectionID)
	}
	return ids, nil
}

// GetByConnectionID returns the live record for connectionID, or nil if there
// is none.
func (d *DAO) GetByConnectionID(ctx context.Context, connectionID string) (*Connection, error) {
	conns, err := d.findByConnectionID(ctx, connectionID, true)
	if err != nil {
		return nil, err
	}
	now := d.now()
	for _, conn := range conns {
		if !conn.Expired(now) {
			conn := conn
			return &conn, nil
		}
	}
	return nil, nil
}

// Sweep deletes records whose ttl has passed and returns how many were
// removed. A ttl of 0 means the record never expires and is left alone.
func (d *DAO) Sweep(ctx context.Context, now time.Time) (int, error) {
	input := &dynamodb.ScanInput{
		TableName:        aws.String(d.tableName),
		FilterExpression: aws.String("#ttl > :zero AND #ttl <= :now"),
		ExpressionAttributeNames: map[string]*string{
			"#ttl": aws.String("ttl"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":zero": {N: aws.String("0")},
			":now":  {N: aws.String(fmt.Sprint(now.Unix()))},
		},
	}

	var expired []Connection
	if err := d.scan(ctx, input, func(page []Connection) bool {
		expired = append(expired, page...)
		return false
	}); err != nil {
		return 0, err
	}

	for i, conn := range expired {
		if err := d.deleteKey(ctx, conn.Subject, conn.ConnectionID); err != nil {
			return i, err
		}
	}
	return len(expired), nil
}

// findByConnectionID collects the records for connectionID, optionally
// stopping at the first page with a match.
func (d *DAO) findByConnectionID(ctx context.Context, connectionID string, first bool) ([]Connection, error) {
	values := map[string]*dynamodb.AttributeValue{
		":connection_id": {S: aws.String(connectionID)},
	}

	var found []Connection
	collect := func(page []Connection) bool {
		found = append(found, page...)
		return first && len(found) > 0
	}

	if d.connectionIndex != "" {
		err := d.query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(d.tableName),
			IndexName:                 aws.String(d.connectionIndex),
			KeyConditionExpression:    aws.String("connection_id = :connection_id"),
			ExpressionAttributeValues: values,
		}, collect)
		return found, err
	}

	err := d.scan(ctx, &dynamodb.ScanInput{
		TableName:                 aws.String(d.tableName),
		FilterExpression:          aws.String("connection_id = :connection_id"),
		ExpressionAttributeValues: values,
	}, collect)
	return found, err
}

// scan walks every page of input. A filtered scan may return empty pages
// before the end of the table, so only a missing LastEvaluatedKey (or the
// callback) ends the walk.
func (d *DAO) scan(ctx context.Context, input *dynamodb.ScanInput, callback func(page []Connection) (stop bool)) error {
	for {
		out, err := d.api.ScanWithContext(ctx, input)
		if err != nil {
			return unavailable(fmt.Sprintf("scan %v", d.tableName), err)
		}

		var page []Connection
		if err := dynamodbattribute.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return fmt.Errorf("failed to unmarshal connections: %w", err)
		}
		if callback(page) || len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (d *DAO) query(ctx context.Context, input *dynamodb.QueryInput, callback func(page []Connection) (stop bool)) error {
	for {
		out, err := d.api.QueryWithContext(ctx, input)
		if err != nil {
			return unavailable(fmt.Sprintf("query %v/%v", d.tableName, aws.StringValue(input.IndexName)), err)
		}

		var page []Connection
		if err := dynamodbattribute.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return fmt.Errorf("failed to unmarshal connections: %w", err)
		}
		if callback(page) || len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}
