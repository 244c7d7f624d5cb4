package sundaews

import (
	"context"

	sundaecli "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-cli"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/backend"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/connectiondao"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/transport"
	"github.com/rs/zerolog"
)

func (r *Router) message(ctx context.Context, event Event) Outcome {
	logger := zerolog.Ctx(ctx)
	msg := ParseMessage(event.Body)

	conn, err := r.lookup(ctx, event.ConnectionID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to look up connection")
		return failure(routingError("connection metadata unavailable, please reconnect"))
	}
	if conn == nil {
		return failure(routingError("connection metadata not found, please reconnect"))
	}

	dimensions := map[sundaecli.DimensionName]string{
		sundaecli.ConnectionTypeDimension: string(conn.ConnectionType),
	}

	subject := conn.Subject
	if conn.ConnectionType == connectiondao.Chat {
		if msg.Subject != "" {
			subject = msg.Subject
		}
		if connectiondao.IsUserSubject(subject) {
			return failure(validationError("subject required in message payload"))
		}
	}

	req := backend.Request{
		ConnectionID: event.ConnectionID,
		Token:        conn.Token,
		Message:      msg.Raw,
	}
	if conn.ConnectionType == connectiondao.Feed {
		req.Token = ""
	}

	result := r.Backend.Call(ctx, messagePath(conn.ConnectionType, subject), req)
	if !result.OK {
		r.metrics().Event(ctx, sundaecli.BackendFailureMetric, dimensions)
		return failure(backendError("backend request failed: " + result.Reason))
	}
	r.metrics().Event(ctx, sundaecli.MessageRelayedMetric, dimensions)

	if result.Empty {
		logger.Debug().Msg("backend returned no reply")
		return ok()
	}

	var (
		reply = ParseReply(result.Body)
		t     = r.transport(event)
	)

	targets, fanout := r.targets(ctx, conn, subject, reply)
	if !fanout {
		r.reply(ctx, t, conn, reply.Raw)
		return ok()
	}

	report := r.broadcaster().Deliver(ctx, t, targets, reply.Raw)
	logger.Info().
		Str("subject", subject).
		Str("scope", reply.Broadcast.String()).
		Int("resolved", report.Resolved).
		Int("delivered", report.Delivered).
		Int("gone", report.Gone).
		Int("failed", report.Failed).
		Msg("broadcast complete")
	return ok()
}

func (r *Router) lookup(ctx context.Context, connectionID string) (*connectiondao.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout())
	defer cancel()
	return r.Directory.GetByConnectionID(ctx, connectionID)
}

// reply sends payload to the sender. A sender that is gone is removed right
// away since nothing else will be racing to reconnect it.
func (r *Router) reply(ctx context.Context, t transport.Transport, conn *connectiondao.Connection, payload []byte) {
	logger := zerolog.Ctx(ctx)

	outcome := r.send(ctx, t, conn.ConnectionID, payload)
	switch outcome.Status {
	case transport.Delivered:
		return
	case transport.Gone:
		logger.Info().Msg("sender gone, removing connection")
		storeCtx, cancel := context.WithTimeout(ctx, r.storeTimeout())
		defer cancel()
		if err := r.Directory.Delete(storeCtx, conn.ConnectionID, conn.Subject); err != nil {
			logger.Error().Err(err).Msg("failed to remove gone connection")
		}
	default:
		logger.Warn().Err(outcome.Err).Msg("failed to reply to sender")
	}
}

// targets resolves the connections a reply fans out to. fanout is false when
// the reply goes to the sender only.
func (r *Router) targets(ctx context.Context, conn *connectiondao.Connection, subject string, reply Reply) (ids []string, fanout bool) {
	logger := zerolog.Ctx(ctx)

	scope := reply.Broadcast
	if scope == DefaultScope {
		scope = SubjectScope
		if conn.ConnectionType == connectiondao.Notification {
			scope = UserScope
		}
	}

	switch scope {
	case UserScope:
		if reply.UserID == "" {
			logger.Debug().Msg("user broadcast without user_id, replying to sender")
			return nil, false
		}
		return r.listBySubject(ctx, connectiondao.UserSubject(reply.UserID), conn.ConnectionType), true

	case SubjectScope:
		if reply.Subject != "" {
			subject = reply.Subject
		}
		ids = r.listBySubject(ctx, subject, conn.ConnectionType)
		if conn.ConnectionType == connectiondao.Chat && !connectiondao.IsUserSubject(subject) {
			ids = append(ids, r.participantConnections(ctx, subject, conn.Token)...)
		}
		return dedupe(ids), true

	default:
		return nil, false
	}
}

// participantConnections finds the per-user chat connections of everyone in
// the chat for subject. Failures only narrow the broadcast.
func (r *Router) participantConnections(ctx context.Context, subject, token string) []string {
	logger := zerolog.Ctx(ctx)

	result := r.Backend.Call(ctx, chatParticipantsPath(subject), backend.Request{Token: token})
	if !result.OK {
		logger.Warn().Str("reason", result.Reason).Msg("failed to get chat participants")
		return nil
	}

	var ids []string
	for _, userID := range ParseParticipants(result.Body).All() {
		ids = append(ids, r.listBySubject(ctx, connectiondao.UserSubject(userID), connectiondao.Chat)...)
	}
	return ids
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	var unique []string
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	return unique
}
