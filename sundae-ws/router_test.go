package sundaews

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	sundaecli "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-cli"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/backend"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/connectiondao"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/transport"
	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"
	"github.com/tj/assert"
)

func TestConnect_RejectsBeforeSideEffects(t *testing.T) {
	testCases := map[string]struct {
		Query  map[string]string
		Status int
		Kind   error
	}{
		"status without subject": {
			Query:  map[string]string{"type": "status", "token": "T"},
			Status: http.StatusBadRequest,
			Kind:   ErrValidation,
		},
		"default type without subject": {
			Query:  map[string]string{"token": "T"},
			Status: http.StatusBadRequest,
			Kind:   ErrValidation,
		},
		"status without token": {
			Query:  map[string]string{"type": "booking", "booking_id": "B1"},
			Status: http.StatusUnauthorized,
			Kind:   ErrAuth,
		},
		"chat without token": {
			Query:  map[string]string{"type": "chat", "subject": "B1"},
			Status: http.StatusUnauthorized,
			Kind:   ErrAuth,
		},
		"notification without token": {
			Query:  map[string]string{"type": "notification"},
			Status: http.StatusUnauthorized,
			Kind:   ErrAuth,
		},
		"unknown type": {
			Query:  map[string]string{"type": "pigeon", "subject": "B1", "token": "T"},
			Status: http.StatusBadRequest,
			Kind:   ErrValidation,
		},
	}

	for label, tc := range testCases {
		t.Run(label, func(t *testing.T) {
			f := newFixture(t)

			outcome := f.connect("c1", tc.Query)
			assert.Equal(t, tc.Status, outcome.StatusCode)
			assert.True(t, errors.Is(outcome.Err, tc.Kind), outcome.Err)
			assert.Contains(t, outcome.Body, `"error"`)

			assert.Equal(t, 0, f.directory.puts)
			assert.Empty(t, f.backend.paths())
			assert.Equal(t, 0, f.transport.total())
		})
	}
}

func TestConnect_ThenListIncludesConnectionOnce(t *testing.T) {
	f := newFixture(t)
	query := map[string]string{"type": "chat", "subject": "B1", "token": "T"}

	assert.Equal(t, http.StatusOK, f.connect("c1", query).StatusCode)
	assert.Equal(t, http.StatusOK, f.connect("c1", query).StatusCode)

	ids, err := f.directory.ListBySubject(context.Background(), "B1", connectiondao.Chat)
	assert.Nil(t, err)
	assert.Equal(t, []string{"c1"}, ids)

	conn, err := f.directory.GetByConnectionID(context.Background(), "c1")
	assert.Nil(t, err)
	assert.Equal(t, "T", conn.Token)
	assert.Equal(t, "https://abc.execute-api.us-east-2.amazonaws.com/prod", conn.Endpoint)
	assert.Equal(t, testNow.Unix(), conn.CreatedAt)
	assert.Equal(t, testNow.Add(DefaultConnTTL).Unix(), conn.TTL)

	assert.Equal(t, []string{"/api/chat/ws/B1/connect", "/api/chat/ws/B1/connect"}, f.backend.paths())
	assert.Equal(t, string(connectedAck), f.transport.received("c1")[0])

	var ack map[string]string
	assert.Nil(t, json.Unmarshal([]byte(f.transport.received("c1")[0]), &ack))
	assert.Equal(t, map[string]string{
		"type":    "connected",
		"status":  "ready",
		"message": "WebSocket connected. Fetch chat history via HTTP GET /api/chat/bookings/{booking_id}",
	}, ack)
}

func TestConnect_Status(t *testing.T) {
	f := newFixture(t)
	f.backend.respond("/api/ws/bookings/B1/connect", `{"initial":{"status":"confirmed"}}`)

	outcome := f.connect("c1", map[string]string{"booking_id": "B1", "token": "T"})
	assert.Equal(t, http.StatusOK, outcome.StatusCode)

	ids, _ := f.directory.ListBySubject(context.Background(), "B1", connectiondao.StatusChannel)
	assert.Equal(t, []string{"c1"}, ids)
	assert.Equal(t, []string{`{"status":"confirmed"}`}, f.transport.received("c1"))
	assert.Equal(t, "T", f.backend.calls[0].Request.Token)
	assert.Equal(t, "c1", f.backend.calls[0].Request.ConnectionID)
}

func TestConnect_StatusInitialStateIsBestEffort(t *testing.T) {
	f := newFixture(t)
	f.backend.respond("/api/ws/bookings/B1/connect", `{"initial":{"status":"confirmed"}}`)
	f.transport.statuses["c1"] = transport.Failed

	outcome := f.connect("c1", map[string]string{"type": "status", "subject": "B1", "token": "T"})
	assert.Equal(t, http.StatusOK, outcome.StatusCode)
	assert.Nil(t, outcome.Err)
}

func TestConnect_Notification(t *testing.T) {
	t.Run("stored under the user", func(t *testing.T) {
		f := newFixture(t)
		f.backend.respond(notificationConnectPath, `{"user_id":42,"initial":[{"id":1}]}`)

		outcome := f.connect("n1", map[string]string{"type": "notification", "token": "T"})
		assert.Equal(t, http.StatusOK, outcome.StatusCode)

		conn, err := f.directory.GetByConnectionID(context.Background(), "n1")
		assert.Nil(t, err)
		assert.Equal(t, "user_42", conn.Subject)
		assert.Equal(t, "42", conn.UserID)
		assert.Equal(t, connectiondao.Notification, conn.ConnectionType)
		assert.Equal(t, []string{`[{"id":1}]`}, f.transport.received("n1"))
	})

	t.Run("identity exchange failure is degraded", func(t *testing.T) {
		f := newFixture(t)
		f.backend.fail(notificationConnectPath, "HTTP 503")

		outcome := f.connect("n1", map[string]string{"type": "notification", "token": "T"})
		assert.Equal(t, http.StatusOK, outcome.StatusCode)
		assert.Equal(t, 0, f.directory.puts)
		assert.Equal(t, 0, f.transport.total())
	})
}

func TestConnect_ChatWithoutSubject(t *testing.T) {
	f := newFixture(t)
	f.backend.respond(chatConnectPath, `{"user_id":"7","status":"connected"}`)

	outcome := f.connect("u1", map[string]string{"type": "chat", "token": "T"})
	assert.Equal(t, http.StatusOK, outcome.StatusCode)

	ids, _ := f.directory.ListBySubject(context.Background(), "user_7", connectiondao.Chat)
	assert.Equal(t, []string{"u1"}, ids)
	assert.Equal(t, []string{string(connectedAck)}, f.transport.received("u1"))
}

func TestConnect_FeedUsesSharedSubject(t *testing.T) {
	f := newFixture(t)

	outcome := f.connect("f1", map[string]string{"type": "feed"})
	assert.Equal(t, http.StatusOK, outcome.StatusCode)

	ids, _ := f.directory.ListBySubject(context.Background(), FeedSubject, connectiondao.Feed)
	assert.Equal(t, []string{"f1"}, ids)
	assert.Empty(t, f.backend.paths())
}

func TestConnect_StoreFailureStillAccepted(t *testing.T) {
	f := newFixture(t)
	f.directory.putErr = connectiondao.ErrStoreUnavailable

	outcome := f.connect("c1", map[string]string{"type": "chat", "subject": "B1", "token": "T"})
	assert.Equal(t, http.StatusOK, outcome.StatusCode)
	assert.Nil(t, outcome.Err)
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t)
	f.connect("c1", map[string]string{"type": "chat", "subject": "B1", "token": "T"})

	assert.Equal(t, http.StatusOK, f.disconnect("c1").StatusCode)

	conn, err := f.directory.GetByConnectionID(context.Background(), "c1")
	assert.Nil(t, err)
	assert.Nil(t, conn)

	f.directory.deleteErr = connectiondao.ErrStoreUnavailable
	assert.Equal(t, http.StatusOK, f.disconnect("c1").StatusCode)
}

func TestMessage_UnknownConnection(t *testing.T) {
	f := newFixture(t)

	outcome := f.message("ghost", `{"text":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, outcome.StatusCode)
	assert.True(t, errors.Is(outcome.Err, ErrRouting))
	assert.JSONEq(t, `{"error":"connection metadata not found, please reconnect"}`, outcome.Body)
	assert.Empty(t, f.backend.paths())
}

func TestMessage_DirectoryFailureIsRoutingError(t *testing.T) {
	f := newFixture(t)
	f.directory.getErr = connectiondao.ErrStoreUnavailable

	outcome := f.message("c1", `{"text":"hi"}`)
	assert.True(t, errors.Is(outcome.Err, ErrRouting))
	assert.Empty(t, f.backend.paths())
}

func TestMessage_ChatBroadcast(t *testing.T) {
	f := newFixture(t)
	f.connect("c1", map[string]string{"type": "chat", "subject": "B1", "token": "T"})
	f.connect("c2", map[string]string{"type": "chat", "subject": "B1", "token": "T2"})
	f.backend.respond("/api/chat/ws/B1/message", `{"broadcast":true,"text":"hi"}`)
	f.backend.fail("/api/chat/ws/B1/participants", "HTTP 404")

	outcome := f.message("c1", `{"text":"hi"}`)
	assert.Equal(t, http.StatusOK, outcome.StatusCode)

	call := f.backend.calls[2]
	assert.Equal(t, "/api/chat/ws/B1/message", call.Path)
	assert.Equal(t, "c1", call.Request.ConnectionID)
	assert.Equal(t, "T", call.Request.Token)
	assert.JSONEq(t, `{"text":"hi"}`, string(call.Request.Message))

	for _, id := range []string{"c1", "c2"} {
		received := f.transport.received(id)
		assert.Len(t, received, 2, id)
		assert.JSONEq(t, `{"broadcast":true,"text":"hi"}`, received[1])
	}
}

func TestMessage_ChatBroadcastReachesParticipants(t *testing.T) {
	f := newFixture(t)
	f.directory.add(
		chatConn("c1", "B1"),
		chatConn("u7", "user_7"),
		chatConn("u8", "user_8"),
		chatConn("u9", "user_9"),
	)
	f.backend.respond("/api/chat/ws/B1/message", `{"broadcast":true,"text":"hi"}`)
	f.backend.respond("/api/chat/ws/B1/participants", `{"owner_id":7,"renter_id":"8","user_ids":[7]}`)

	outcome := f.message("c1", `{"text":"hi"}`)
	assert.Equal(t, http.StatusOK, outcome.StatusCode)

	for _, id := range []string{"c1", "u7", "u8"} {
		assert.Len(t, f.transport.received(id), 1, id)
	}
	assert.Empty(t, f.transport.received("u9"))
}

func TestMessage_PerUserChat(t *testing.T) {
	t.Run("subject comes from the payload", func(t *testing.T) {
		f := newFixture(t)
		f.directory.add(chatConn("u7", "user_7"))

		outcome := f.message("u7", `{"booking_id":"B9","text":"hi"}`)
		assert.Equal(t, http.StatusOK, outcome.StatusCode)
		assert.Equal(t, []string{"/api/chat/ws/B9/message"}, f.backend.paths())
	})

	t.Run("payload without subject is rejected", func(t *testing.T) {
		f := newFixture(t)
		f.directory.add(chatConn("u7", "user_7"))

		outcome := f.message("u7", `{"text":"hi"}`)
		assert.Equal(t, http.StatusBadRequest, outcome.StatusCode)
		assert.True(t, errors.Is(outcome.Err, ErrValidation))
		assert.Empty(t, f.backend.paths())
	})
}

func TestMessage_BackendFailure(t *testing.T) {
	f := newFixture(t)
	f.directory.add(chatConn("c1", "B1"), chatConn("c2", "B1"))
	f.backend.fail("/api/chat/ws/B1/message", "context deadline exceeded")

	outcome := f.message("c1", `{"text":"hi"}`)
	assert.Equal(t, http.StatusBadGateway, outcome.StatusCode)
	assert.True(t, errors.Is(outcome.Err, ErrBackend))
	assert.Contains(t, outcome.Body, "context deadline exceeded")
	assert.Equal(t, 0, f.transport.total())

	conn, _ := f.directory.GetByConnectionID(context.Background(), "c1")
	assert.NotNil(t, conn)
}

func TestMessage_EmptyReplyIsNotPushed(t *testing.T) {
	f := newFixture(t)
	f.directory.add(chatConn("c1", "B1"))

	outcome := f.message("c1", `{"text":"hi"}`)
	assert.Equal(t, http.StatusOK, outcome.StatusCode)
	assert.Equal(t, 0, f.transport.total())
}

func TestMessage_DirectReply(t *testing.T) {
	f := newFixture(t)
	f.directory.add(chatConn("c1", "B1"), chatConn("c2", "B1"))
	f.backend.respond("/api/chat/ws/B1/message", `{"type":"typing"}`)

	outcome := f.message("c1", `{"text":"hi"}`)
	assert.Equal(t, http.StatusOK, outcome.StatusCode)
	assert.Equal(t, []string{`{"type":"typing"}`}, f.transport.received("c1"))
	assert.Empty(t, f.transport.received("c2"))
}

func TestMessage_DirectReplyToGoneSenderRemovesIt(t *testing.T) {
	f := newFixture(t)
	f.directory.add(chatConn("c1", "B1"))
	f.backend.respond("/api/chat/ws/B1/message", `{"type":"typing"}`)
	f.transport.statuses["c1"] = transport.Gone

	outcome := f.message("c1", `{"text":"hi"}`)
	assert.Equal(t, http.StatusOK, outcome.StatusCode)

	conn, _ := f.directory.GetByConnectionID(context.Background(), "c1")
	assert.Nil(t, conn)
}

func TestMessage_BroadcastNeverDeletesGoneTargets(t *testing.T) {
	f := newFixture(t)
	f.directory.add(chatConn("c1", "B1"), chatConn("c2", "B1"), chatConn("c3", "B1"))
	f.backend.respond("/api/chat/ws/B1/message", `{"broadcast":"subject","text":"hi"}`)
	f.transport.statuses["c2"] = transport.Gone
	f.transport.statuses["c3"] = transport.Failed

	outcome := f.message("c1", `{"text":"hi"}`)
	assert.Equal(t, http.StatusOK, outcome.StatusCode)
	assert.Len(t, f.transport.received("c1"), 1)
	assert.Equal(t, 0, f.directory.deletes)

	ids, _ := f.directory.ListBySubject(context.Background(), "B1", connectiondao.Chat)
	assert.Equal(t, []string{"c1", "c2", "c3"}, ids)
}

func TestMessage_BroadcastToResponseSubject(t *testing.T) {
	f := newFixture(t)
	f.directory.add(
		connectiondao.Connection{Subject: "B1", ConnectionID: "s1", ConnectionType: connectiondao.StatusChannel, Token: "T"},
		connectiondao.Connection{Subject: "B2", ConnectionID: "s2", ConnectionType: connectiondao.StatusChannel, Token: "T"},
	)
	f.backend.respond("/api/ws/bookings/B1/message", `{"broadcast":true,"booking_id":"B2","status":"paid"}`)

	outcome := f.message("s1", `ping`)
	assert.Equal(t, http.StatusOK, outcome.StatusCode)
	assert.JSONEq(t, `{"text":"ping"}`, string(f.backend.calls[0].Request.Message))
	assert.Empty(t, f.transport.received("s1"))
	assert.Len(t, f.transport.received("s2"), 1)
}

func TestMessage_NotificationBroadcast(t *testing.T) {
	notification := func(id string) connectiondao.Connection {
		return connectiondao.Connection{Subject: "user_42", ConnectionID: id, ConnectionType: connectiondao.Notification, Token: "T", UserID: "42"}
	}

	t.Run("to every connection of the user", func(t *testing.T) {
		f := newFixture(t)
		f.directory.add(notification("n1"), notification("n2"))
		f.backend.respond(notificationMessagePath, `{"broadcast":true,"user_id":42,"unread":3}`)

		assert.Equal(t, http.StatusOK, f.message("n1", `{"read":1}`).StatusCode)
		assert.Len(t, f.transport.received("n1"), 1)
		assert.Len(t, f.transport.received("n2"), 1)
	})

	t.Run("without user_id only the sender", func(t *testing.T) {
		f := newFixture(t)
		f.directory.add(notification("n1"), notification("n2"))
		f.backend.respond(notificationMessagePath, `{"broadcast":true,"unread":3}`)

		assert.Equal(t, http.StatusOK, f.message("n1", `{"read":1}`).StatusCode)
		assert.Len(t, f.transport.received("n1"), 1)
		assert.Empty(t, f.transport.received("n2"))
	})
}

func TestMessage_FeedSendsNoToken(t *testing.T) {
	f := newFixture(t)
	f.directory.add(connectiondao.Connection{Subject: FeedSubject, ConnectionID: "f1", ConnectionType: connectiondao.Feed, Token: "T"})

	assert.Equal(t, http.StatusOK, f.message("f1", `{"page":2}`).StatusCode)
	assert.Equal(t, feedMessagePath, f.backend.calls[0].Path)
	assert.Equal(t, "", f.backend.calls[0].Request.Token)
}

func TestRouter_ListFailureDeliversToNobody(t *testing.T) {
	f := newFixture(t)
	f.directory.add(chatConn("c1", "B1"))
	f.directory.listErr = connectiondao.ErrStoreUnavailable
	f.backend.respond("/api/chat/ws/B1/message", `{"broadcast":true}`)
	f.backend.fail("/api/chat/ws/B1/participants", "HTTP 404")

	assert.Equal(t, http.StatusOK, f.message("c1", `{}`).StatusCode)
	assert.Equal(t, 0, f.transport.total())
}

func TestRouter_Endpoint(t *testing.T) {
	f := newFixture(t)
	f.directory.add(chatConn("c1", "B1"))
	f.backend.respond("/api/chat/ws/B1/message", `{"ok":true}`)

	f.message("c1", `{}`)
	f.router.Endpoint = "https://configured.example.com/prod"
	f.message("c1", `{}`)

	assert.Equal(t, []string{
		"https://abc.execute-api.us-east-2.amazonaws.com/prod",
		"https://configured.example.com/prod",
	}, f.transport.endpoints)
}

func TestRouter_HandleEvent(t *testing.T) {
	f := newFixture(t)
	f.directory.add(chatConn("c1", "B1"))
	f.backend.respond("/api/chat/ws/B1/message", `{"ok":true}`)

	var req events.APIGatewayWebsocketProxyRequest
	req.RequestContext.RouteKey = "sendMessage"
	req.RequestContext.ConnectionID = "c1"
	req.RequestContext.DomainName = "abc.execute-api.us-east-2.amazonaws.com"
	req.RequestContext.Stage = "prod"
	req.IsBase64Encoded = true
	req.Body = base64.StdEncoding.EncodeToString([]byte(`{"text":"hi"}`))

	resp, err := f.router.HandleEvent(context.Background(), req)
	assert.Nil(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"text":"hi"}`, string(f.backend.calls[0].Request.Message))

	req.RequestContext.ConnectionID = "ghost"
	resp, err = f.router.HandleEvent(context.Background(), req)
	assert.Nil(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Headers["Content-Type"])

	var body map[string]string
	assert.Nil(t, json.Unmarshal([]byte(resp.Body), &body))
	assert.NotEmpty(t, body["error"])
}

// panickingBackend blows up with a value that must never reach the client.
type panickingBackend struct{}

func (panickingBackend) Call(context.Context, string, backend.Request) backend.Result {
	panic("dial tcp 10.0.3.7:8443: secret-internal-host")
}

func TestRouter_PanicHidesDetails(t *testing.T) {
	f := newFixture(t)
	f.directory.add(chatConn("c1", "B1"))
	f.router.Backend = panickingBackend{}

	outcome := f.message("c1", `{"text":"hi"}`)
	assert.Equal(t, http.StatusInternalServerError, outcome.StatusCode)
	assert.JSONEq(t, `{"error":"internal error"}`, outcome.Body)
	assert.NotContains(t, outcome.Response().Body, "secret-internal-host")
	assert.NotContains(t, outcome.Response().Body, "10.0.3.7")
}

// stallingCloudWatch never answers a publish until the caller gives up.
type stallingCloudWatch struct {
	cloudwatchiface.CloudWatchAPI
}

func (stallingCloudWatch) PutMetricDataWithContext(ctx context.Context, _ *cloudwatch.PutMetricDataInput, _ ...request.Option) (*cloudwatch.PutMetricDataOutput, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRouter_SlowMetricsDoNotStall(t *testing.T) {
	f := newFixture(t)
	f.directory.add(chatConn("c1", "B1"))
	f.router.Metrics = sundaecli.NewMetrics(sundaecli.Service{Name: "test"}, stallingCloudWatch{}).WithTimeout(20 * time.Millisecond)

	started := time.Now()
	assert.Equal(t, http.StatusOK, f.disconnect("c1").StatusCode)
	assert.True(t, time.Since(started) < time.Second, "took %v", time.Since(started))
	assert.Equal(t, 1, f.directory.deletes)
}

func TestRouter_IgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := f.router.Handle(ctx, Event{
		Route:        RouteConnect,
		ConnectionID: "c1",
		QueryParams:  map[string]string{"type": "feed"},
	})
	assert.Equal(t, http.StatusOK, outcome.StatusCode)
	assert.Equal(t, 1, f.directory.puts)
}
