package sundaews

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	sundaecli "github.com/SundaeSwap-finance/sundae-ws-relay/sundae-cli"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/backend"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/connectiondao"
	"github.com/SundaeSwap-finance/sundae-ws-relay/sundae-ws/transport"
	"github.com/rs/zerolog"
)

type memDirectory struct {
	mu      sync.Mutex
	records map[string]connectiondao.Connection // keyed by subject + "/" + connection id

	putErr, deleteErr, listErr, getErr error

	puts, deletes int
}

func newMemDirectory() *memDirectory {
	return &memDirectory{records: map[string]connectiondao.Connection{}}
}

func (m *memDirectory) Put(_ context.Context, conn connectiondao.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if err := conn.Validate(); err != nil {
		return err
	}
	if m.putErr != nil {
		return m.putErr
	}
	m.records[conn.Subject+"/"+conn.ConnectionID] = conn
	return nil
}

func (m *memDirectory) Delete(_ context.Context, connectionID, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	if m.deleteErr != nil {
		return m.deleteErr
	}
	for key, conn := range m.records {
		if conn.ConnectionID == connectionID && (subject == "" || conn.Subject == subject) {
			delete(m.records, key)
		}
	}
	return nil
}

func (m *memDirectory) ListBySubject(_ context.Context, subject string, connectionType connectiondao.ConnectionType) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var ids []string
	for _, conn := range m.records {
		if conn.Subject == subject && conn.ConnectionType == connectionType {
			ids = append(ids, conn.ConnectionID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memDirectory) GetByConnectionID(_ context.Context, connectionID string) (*connectiondao.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	for _, conn := range m.records {
		if conn.ConnectionID == connectionID {
			conn := conn
			return &conn, nil
		}
	}
	return nil, nil
}

func (m *memDirectory) add(conns ...connectiondao.Connection) {
	for _, conn := range conns {
		_ = m.Put(context.Background(), conn)
	}
	m.puts -= len(conns)
}

type backendCall struct {
	Path    string
	Request backend.Request
}

// fakeBackend answers each path with a canned result; unknown paths get an
// empty 200.
type fakeBackend struct {
	mu      sync.Mutex
	results map[string]backend.Result
	calls   []backendCall
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{results: map[string]backend.Result{}}
}

func (f *fakeBackend) Call(_ context.Context, path string, req backend.Request) backend.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, backendCall{Path: path, Request: req})
	if result, ok := f.results[path]; ok {
		return result
	}
	return backend.Result{OK: true, Empty: true, Status: 200, Body: json.RawMessage(`{}`)}
}

func (f *fakeBackend) respond(path, body string) {
	f.results[path] = backend.Result{OK: true, Status: 200, Body: json.RawMessage(body)}
}

func (f *fakeBackend) fail(path, reason string) {
	f.results[path] = backend.Result{Status: 502, Reason: reason}
}

func (f *fakeBackend) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var paths []string
	for _, c := range f.calls {
		paths = append(paths, c.Path)
	}
	return paths
}

// fakeTransport delivers everything unless told a connection is gone or
// failing.
type fakeTransport struct {
	mu        sync.Mutex
	statuses  map[string]transport.Status
	sent      map[string][]string
	endpoints []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		statuses: map[string]transport.Status{},
		sent:     map[string][]string{},
	}
}

func (f *fakeTransport) Send(_ context.Context, connectionID string, payload []byte) transport.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch status := f.statuses[connectionID]; status {
	case transport.Gone:
		return transport.Outcome{Status: transport.Gone, Err: transport.ErrGone}
	case transport.Failed:
		return transport.Outcome{Status: transport.Failed, Err: transport.ErrNotInitialized}
	}
	f.sent[connectionID] = append(f.sent[connectionID], string(payload))
	return transport.Outcome{Status: transport.Delivered}
}

func (f *fakeTransport) factory(endpoint string) transport.Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoints = append(f.endpoints, endpoint)
	return f
}

func (f *fakeTransport) received(connectionID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[connectionID]
}

func (f *fakeTransport) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	for _, payloads := range f.sent {
		n += len(payloads)
	}
	return n
}

var testNow = time.Unix(1_700_000_000, 0)

type fixture struct {
	router    *Router
	directory *memDirectory
	backend   *fakeBackend
	transport *fakeTransport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		directory: newMemDirectory(),
		backend:   newFakeBackend(),
		transport: newFakeTransport(),
	}
	f.router = &Router{
		Directory:  f.directory,
		Backend:    f.backend,
		Transports: f.transport.factory,
		Logger:     zerolog.Nop(),
		Now:        func() time.Time { return testNow },
	}
	return f
}

func (f *fixture) connect(id string, query map[string]string) Outcome {
	return f.router.Handle(context.Background(), Event{
		Route:        RouteConnect,
		ConnectionID: id,
		DomainName:   "abc.execute-api.us-east-2.amazonaws.com",
		Stage:        "prod",
		QueryParams:  query,
	})
}

func (f *fixture) message(id, body string) Outcome {
	return f.router.Handle(context.Background(), Event{
		Route:        RouteDefault,
		ConnectionID: id,
		DomainName:   "abc.execute-api.us-east-2.amazonaws.com",
		Stage:        "prod",
		Body:         body,
	})
}

func (f *fixture) disconnect(id string) Outcome {
	return f.router.Handle(context.Background(), Event{
		Route:        RouteDisconnect,
		ConnectionID: id,
	})
}

func chatConn(id, subject string) connectiondao.Connection {
	return connectiondao.Connection{
		Subject:        subject,
		ConnectionID:   id,
		ConnectionType: connectiondao.Chat,
		Token:          "T",
		TTL:            testNow.Add(time.Hour).Unix(),
	}
}

// recordingMetrics keeps the last value recorded for each metric.
type recordingMetrics struct {
	mu     sync.Mutex
	counts map[sundaecli.MetricName]int
	events map[sundaecli.MetricName][]map[sundaecli.DimensionName]string
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		counts: map[sundaecli.MetricName]int{},
		events: map[sundaecli.MetricName][]map[sundaecli.DimensionName]string{},
	}
}

func (m *recordingMetrics) Event(_ context.Context, name sundaecli.MetricName, dimensions ...map[sundaecli.DimensionName]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var d map[sundaecli.DimensionName]string
	if len(dimensions) > 0 {
		d = dimensions[0]
	}
	m.events[name] = append(m.events[name], d)
}

func (m *recordingMetrics) Count(_ context.Context, name sundaecli.MetricName, n int, _ ...map[sundaecli.DimensionName]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[name] = n
}

func (m *recordingMetrics) Timing(context.Context, sundaecli.MetricName, time.Time, ...map[sundaecli.DimensionName]string) {
}
