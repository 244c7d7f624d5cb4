package sundaews

import (
	"context"
	"time"

	sundaecli "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-cli"
	sundaeddb "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ddb"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/connectiondao"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/rs/zerolog"
)

// ExpiryObserver watches deletes on the connections table and records which
// connections ended by expiring rather than by an explicit disconnect.
type ExpiryObserver struct {
	Metrics sundaecli.Recorder
	Now     func() time.Time
}

// OnDelete is a sundaeddb.DeleteCallback.
func (o *ExpiryObserver) OnDelete(ctx context.Context, oldValue map[string]*dynamodb.AttributeValue) error {
	var conn connectiondao.Connection
	if err := sundaeddb.ParseItem(oldValue, &conn); err != nil {
		return err
	}

	now := time.Now()
	if o.Now != nil {
		now = o.Now()
	}
	if !conn.Expired(now) {
		return nil
	}

	lifetime := time.Duration(conn.TTL-conn.CreatedAt) * time.Second
	zerolog.Ctx(ctx).Info().
		Str("connection_id", conn.ConnectionID).
		Str("subject", conn.Subject).
		Str("connection_type", string(conn.ConnectionType)).
		Dur("lifetime", lifetime).
		Msg("connection expired without a disconnect")

	if o.Metrics != nil {
		o.Metrics.Event(ctx, sundaecli.ConnectionExpiredMetric, map[sundaecli.DimensionName]string{
			sundaecli.ConnectionTypeDimension: string(conn.ConnectionType),
		})
	}
	return nil
}

var _ sundaeddb.DeleteCallback = (&ExpiryObserver{}).OnDelete
