package sundaews

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sundaecli "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-cli"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/backend"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/connectiondao"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/transport"
	"github.com/rs/zerolog"
)

// FeedSubject groups feed connections that connect without a subject.
const FeedSubject = "feed"

// ConnectParams are the query parameters of a connect request.
type ConnectParams struct {
	Type    connectiondao.ConnectionType
	Subject string
	Token   string
}

// ParseConnectParams reads type, subject (alias booking_id) and token.
func ParseConnectParams(query map[string]string) (ConnectParams, error) {
	connectionType, err := connectiondao.ParseConnectionType(query["type"])
	if err != nil {
		return ConnectParams{}, validationError(err.Error())
	}

	subject := strings.TrimSpace(query["subject"])
	if subject == "" {
		subject = strings.TrimSpace(query["booking_id"])
	}

	return ConnectParams{
		Type:    connectionType,
		Subject: subject,
		Token:   strings.TrimSpace(query["token"]),
	}, nil
}

var connectRules = map[connectiondao.ConnectionType]struct {
	subject bool
	token   bool
}{
	connectiondao.StatusChannel: {subject: true, token: true},
	connectiondao.Chat:          {token: true},
	connectiondao.Notification:  {token: true},
	connectiondao.Feed:          {},
}

// Validate checks the required fields for the connection type. A missing
// subject is reported before a missing token.
func (p ConnectParams) Validate() error {
	rules, ok := connectRules[p.Type]
	if !ok {
		return validationError(fmt.Sprintf("unknown connection type %q", p.Type))
	}
	if rules.subject && p.Subject == "" {
		return validationError(fmt.Sprintf("subject required for %v connections", p.Type))
	}
	if rules.token && p.Token == "" {
		return authError(fmt.Sprintf("token required for %v connections", p.Type))
	}
	return nil
}

// connectedAck tells chat clients the socket only carries live messages.
var connectedAck = []byte(`{"type":"connected","status":"ready","message":"WebSocket connected. Fetch chat history via HTTP GET /api/chat/bookings/{booking_id}"}`)

func (r *Router) connect(ctx context.Context, event Event) Outcome {
	logger := zerolog.Ctx(ctx)

	params, err := ParseConnectParams(event.QueryParams)
	if err == nil {
		err = params.Validate()
	}
	if err != nil {
		r.metrics().Event(ctx, sundaecli.ConnectionRejectedMetric, map[sundaecli.DimensionName]string{
			sundaecli.ConnectionTypeDimension: string(params.Type),
		})
		return failure(err)
	}

	var (
		now  = r.now()
		t    = r.transport(event)
		conn = connectiondao.Connection{
			ConnectionID:   event.ConnectionID,
			ConnectionType: params.Type,
			Token:          params.Token,
			Endpoint:       event.Endpoint(),
			CreatedAt:      now.Unix(),
			TTL:            now.Add(r.connTTL()).Unix(),
		}
		req = backend.Request{
			ConnectionID: event.ConnectionID,
			Token:        params.Token,
		}
	)

	switch params.Type {
	case connectiondao.StatusChannel:
		conn.Subject = params.Subject
		r.store(ctx, conn)
		result := r.Backend.Call(ctx, statusConnectPath(params.Subject), req)
		r.pushInitial(ctx, t, event.ConnectionID, result)

	case connectiondao.Chat:
		if params.Subject != "" {
			conn.Subject = params.Subject
			r.store(ctx, conn)
			result := r.Backend.Call(ctx, chatSubjectConnectPath(params.Subject), req)
			r.ackChat(ctx, t, event.ConnectionID, result)
			break
		}

		result := r.Backend.Call(ctx, chatConnectPath, req)
		if userID := result.Field("user_id"); result.OK && userID != "" {
			conn.Subject = connectiondao.UserSubject(userID)
			conn.UserID = userID
			r.store(ctx, conn)
		} else {
			logger.Warn().Str("reason", result.Reason).Msg("chat connect without user identity; connection not stored")
		}
		r.ackChat(ctx, t, event.ConnectionID, result)

	case connectiondao.Notification:
		result := r.Backend.Call(ctx, notificationConnectPath, req)
		userID := result.Field("user_id")
		if !result.OK || userID == "" {
			logger.Warn().Str("reason", result.Reason).Msg("notification connect without user identity; connection not stored")
			break
		}
		conn.Subject = connectiondao.UserSubject(userID)
		conn.UserID = userID
		r.store(ctx, conn)
		r.pushInitial(ctx, t, event.ConnectionID, result)

	case connectiondao.Feed:
		conn.Subject = params.Subject
		if conn.Subject == "" {
			conn.Subject = FeedSubject
		}
		r.store(ctx, conn)
	}

	r.metrics().Event(ctx, sundaecli.ConnectionOpenedMetric, map[sundaecli.DimensionName]string{
		sundaecli.ConnectionTypeDimension: string(params.Type),
	})
	logger.Info().
		Str("connection_type", string(params.Type)).
		Str("subject", conn.Subject).
		Msg("connection established")
	return ok()
}

// pushInitial sends the "initial" value of a connect response, if any.
func (r *Router) pushInitial(ctx context.Context, t transport.Transport, connectionID string, result backend.Result) {
	logger := zerolog.Ctx(ctx)

	if !result.OK {
		logger.Warn().Str("reason", result.Reason).Msg("initial state unavailable")
		return
	}

	var body struct {
		Initial json.RawMessage `json:"initial"`
	}
	if err := result.Decode(&body); err != nil || len(body.Initial) == 0 || string(body.Initial) == "null" {
		logger.Debug().Msg("no initial state to send")
		return
	}

	if outcome := r.send(ctx, t, connectionID, body.Initial); outcome.Err != nil {
		logger.Warn().Err(outcome.Err).Msg("failed to send initial state")
	}
}

func (r *Router) ackChat(ctx context.Context, t transport.Transport, connectionID string, result backend.Result) {
	logger := zerolog.Ctx(ctx)

	if !result.OK {
		logger.Warn().Str("reason", result.Reason).Msg("chat auth failed")
		return
	}
	if outcome := r.send(ctx, t, connectionID, connectedAck); outcome.Err != nil {
		logger.Warn().Err(outcome.Err).Msg("failed to send connected ack")
	}
}
