// Package redisdir is a Redis-backed connection directory. Unlike the
// DynamoDB table it indexes connections by id natively, so reverse lookups
// never scan.
package redisdir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/connectiondao"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	connKeyPrefix    = "relay:conn:"
	subjectKeyPrefix = "relay:subject:"
)

func connKey(connectionID string) string {
	return connKeyPrefix + connectionID
}

func subjectKey(subject string, connectionType connectiondao.ConnectionType) string {
	return subjectKeyPrefix + subject + ":" + string(connectionType)
}

var connectionTypes = []connectiondao.ConnectionType{
	connectiondao.StatusChannel,
	connectiondao.Chat,
	connectiondao.Notification,
	connectiondao.Feed,
}

// addMember adds ARGV[1] to the subject set KEYS[1] and keeps the set alive
// for at least ARGV[2] milliseconds. The set ttl only ever grows so a short
// lived member cannot expire longer lived ones; 0 means no expiry.
var addMember = goredis.NewScript(`
local current = redis.call('PTTL', KEYS[1])
redis.call('SADD', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl <= 0 then
  redis.call('PERSIST', KEYS[1])
elseif current == -2 or (current >= 0 and current < ttl) then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %v: %w", connectiondao.ErrStoreUnavailable, op, err)
}

// Directory keeps each record as JSON under relay:conn:{id}, expiring with
// the record's ttl, and each subject's members in relay:subject:{subject}:{type}.
type Directory struct {
	client goredis.UniversalClient
	now    func() time.Time
}

type Option func(*Directory)

func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		d.now = now
	}
}

func New(client goredis.UniversalClient, opts ...Option) *Directory {
	d := &Directory{
		client: client,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Build connects to the Redis server at addr.
func Build(addr, password string, opts ...Option) *Directory {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
	})
	return New(client, opts...)
}

func (d *Directory) Put(ctx context.Context, conn connectiondao.Connection) error {
	if err := conn.Validate(); err != nil {
		return err
	}

	previous, err := d.get(ctx, conn.ConnectionID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(conn)
	if err != nil {
		return fmt.Errorf("failed to marshal connection %v: %w", conn.ConnectionID, err)
	}

	var ttl time.Duration
	if conn.TTL > 0 {
		ttl = time.Unix(conn.TTL, 0).Sub(d.now())
		if ttl <= 0 {
			return nil
		}
	}

	members := subjectKey(conn.Subject, conn.ConnectionType)
	pipe := d.client.TxPipeline()
	if previous != nil {
		if old := subjectKey(previous.Subject, previous.ConnectionType); old != members {
			pipe.SRem(ctx, old, conn.ConnectionID)
		}
	}
	pipe.Set(ctx, connKey(conn.ConnectionID), data, ttl)
	addMember.Eval(ctx, pipe, []string{members}, conn.ConnectionID, ttl.Milliseconds())
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(fmt.Sprintf("put connection %v", conn.ConnectionID), err)
	}
	return nil
}

func (d *Directory) Delete(ctx context.Context, connectionID, subject string) error {
	conn, err := d.get(ctx, connectionID)
	if err != nil {
		return err
	}

	pipe := d.client.TxPipeline()
	pipe.Del(ctx, connKey(connectionID))
	switch {
	case conn != nil:
		pipe.SRem(ctx, subjectKey(conn.Subject, conn.ConnectionType), connectionID)
	case subject != "":
		for _, connectionType := range connectionTypes {
			pipe.SRem(ctx, subjectKey(subject, connectionType), connectionID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable(fmt.Sprintf("delete connection %v", connectionID), err)
	}
	return nil
}

// ListBySubject returns the live members of subject. Members whose record has
// expired are pruned from the set as a side effect.
func (d *Directory) ListBySubject(ctx context.Context, subject string, connectionType connectiondao.ConnectionType) ([]string, error) {
	key := subjectKey(subject, connectionType)
	members, err := d.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, unavailable(fmt.Sprintf("list subject %v", subject), err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(members))
	for _, id := range members {
		keys = append(keys, connKey(id))
	}
	values, err := d.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable(fmt.Sprintf("load subject %v", subject), err)
	}

	var (
		now   = d.now()
		ids   []string
		stale []interface{}
	)
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, members[i])
			continue
		}
		var conn connectiondao.Connection
		if err := json.Unmarshal([]byte(s), &conn); err != nil || conn.Expired(now) {
			stale = append(stale, members[i])
			continue
		}
		ids = append(ids, members[i])
	}

	if len(stale) > 0 {
		if err := d.client.SRem(ctx, key, stale...).Err(); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("subject", subject).Msg("failed to prune stale members")
		}
	}
	return ids, nil
}

func (d *Directory) GetByConnectionID(ctx context.Context, connectionID string) (*connectiondao.Connection, error) {
	conn, err := d.get(ctx, connectionID)
	if err != nil || conn == nil {
		return nil, err
	}
	if conn.Expired(d.now()) {
		return nil, nil
	}
	return conn, nil
}

func (d *Directory) get(ctx context.Context, connectionID string) (*connectiondao.Connection, error) {
	data, err := d.client.Get(ctx, connKey(connectionID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(fmt.Sprintf("get connection %v", connectionID), err)
	}

	var conn connectiondao.Connection
	if err := json.Unmarshal(data, &conn); err != nil {
		return nil, fmt.Errorf("failed to unmarshal connection %v: %w", connectionID, err)
	}
	return &conn, nil
}

func (d *Directory) Close() error {
	return d.client.Close()
}
