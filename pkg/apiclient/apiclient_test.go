package apiclient_test

import (
	"crypto/x509"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mon-mesh/pkg/apiclient"
	"github.com/mon-mesh/pkg/directory"
	"github.com/mon-mesh/pkg/jsonrpc"
	"github.com/mon-mesh/pkg/registry"
)

var (
	countCalls  atomic.Int64
	originZones = make(chan string, 16)
)

func init() {
	registry.Register("test", "Echo", func(origin *registry.Origin, params map[string]interface{}) (interface{}, error) {
		if params == nil {
			return nil, nil
		}
		return params["value"], nil
	})
	registry.Register("test", "Fail", func(origin *registry.Origin, params map[string]interface{}) (interface{}, error) {
		return nil, errors.New("boom")
	})
	registry.Register("test", "Panic", func(origin *registry.Origin, params map[string]interface{}) (interface{}, error) {
		panic("kaboom")
	})
	registry.Register("test", "Count", func(origin *registry.Origin, params map[string]interface{}) (interface{}, error) {
		countCalls.Add(1)
		return nil, nil
	})
	registry.Register("test", "Origin", func(origin *registry.Origin, params map[string]interface{}) (interface{}, error) {
		name := ""
		if origin.FromZone != nil {
			name = origin.FromZone.Name()
		}
		originZones <- name
		return nil, nil
	})
}

// pipeTransport runs a client over one end of a net.Pipe.
type pipeTransport struct {
	conn   net.Conn
	closed atomic.Bool
}

func (p *pipeTransport) Read(b []byte) (int, error)  { return p.conn.Read(b) }
func (p *pipeTransport) Write(b []byte) (int, error) { return p.conn.Write(b) }
func (p *pipeTransport) Close() error {
	p.closed.Store(true)
	return p.conn.Close()
}
func (p *pipeTransport) PeerCertificate() *x509.Certificate { return nil }

type fakeAnon struct {
	removed atomic.Bool
}

func (f *fakeAnon) RemoveAnonymousClient(c *apiclient.Client) {
	f.removed.Store(true)
}

func newTestClient(t *testing.T, identity string, authenticated bool, dir *directory.Directory) (*apiclient.Client, net.Conn, *pipeTransport, *fakeAnon) {
	t.Helper()
	local, remote := net.Pipe()
	tr := &pipeTransport{conn: local}
	anon := &fakeAnon{}
	c := apiclient.NewClient(identity, authenticated, tr, apiclient.RoleServer, apiclient.Options{
		Directory: dir,
		Anonymous: anon,
	})
	c.Start()
	t.Cleanup(func() {
		c.Disconnect()
		_ = remote.Close()
	})
	return c, remote, tr, anon
}

func send(t *testing.T, conn net.Conn, msg jsonrpc.Message) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := jsonrpc.WriteMessage(conn, msg); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func receive(t *testing.T, conn net.Conn) jsonrpc.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msg, err := jsonrpc.ReadMessage(conn)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return msg
}

func TestUnknownMethodYieldsErrorResponse(t *testing.T) {
	_, remote, _, _ := newTestClient(t, "anon", false, nil)

	send(t, remote, jsonrpc.Message{"method": "test::Nope", "id": "req-1"})
	resp := receive(t, remote)

	if resp["jsonrpc"] != jsonrpc.Version {
		t.Fatalf("jsonrpc marker: got %v", resp["jsonrpc"])
	}
	if id, _ := resp.ID(); id != "req-1" {
		t.Fatalf("id: got %v", id)
	}
	errMsg, _ := resp["error"].(string)
	if !strings.Contains(errMsg, "test::Nope") {
		t.Fatalf("error must reference the method name, got %q", errMsg)
	}
	if _, ok := resp["result"]; ok {
		t.Fatalf("response must not carry both result and error")
	}
}

func TestRequestResponseCorrelation(t *testing.T) {
	_, remote, _, _ := newTestClient(t, "anon", false, nil)

	send(t, remote, jsonrpc.Message{
		"method": "test::Echo",
		"id":     float64(7),
		"params": map[string]interface{}{"value": "hello"},
	})
	resp := receive(t, remote)

	if id, _ := resp.ID(); id != float64(7) {
		t.Fatalf("id: got %v", id)
	}
	if resp["result"] != "hello" {
		t.Fatalf("result: got %v", resp["result"])
	}
	if _, ok := resp["error"]; ok {
		t.Fatalf("unexpected error field: %v", resp["error"])
	}
}

func TestHandlerErrorIsCaught(t *testing.T) {
	_, remote, _, _ := newTestClient(t, "anon", false, nil)

	send(t, remote, jsonrpc.Message{"method": "test::Fail", "id": "a"})
	resp := receive(t, remote)
	if errMsg, _ := resp["error"].(string); errMsg != "boom" {
		t.Fatalf("error: got %v", resp["error"])
	}
	if _, ok := resp["result"]; ok {
		t.Fatalf("response must not carry both result and error")
	}

	// The connection survives handler failures.
	send(t, remote, jsonrpc.Message{"method": "test::Echo", "id": "b", "params": map[string]interface{}{"value": "still here"}})
	resp = receive(t, remote)
	if resp["result"] != "still here" {
		t.Fatalf("connection did not survive handler error: %v", resp)
	}
}

func TestHandlerPanicIsCaught(t *testing.T) {
	_, remote, _, _ := newTestClient(t, "anon", false, nil)

	send(t, remote, jsonrpc.Message{"method": "test::Panic", "id": "a"})
	resp := receive(t, remote)
	errMsg, _ := resp["error"].(string)
	if !strings.Contains(errMsg, "kaboom") {
		t.Fatalf("error: got %q", errMsg)
	}

	send(t, remote, jsonrpc.Message{"method": "test::Echo", "id": "b", "params": map[string]interface{}{"value": "alive"}})
	resp = receive(t, remote)
	if resp["result"] != "alive" {
		t.Fatalf("connection did not survive handler panic: %v", resp)
	}
}

func TestMessageWithoutIDGetsNoResponse(t *testing.T) {
	_, remote, _, _ := newTestClient(t, "anon", false, nil)

	send(t, remote, jsonrpc.Message{"method": "test::Echo", "params": map[string]interface{}{"value": "fire and forget"}})
	send(t, remote, jsonrpc.Message{"method": "test::Echo", "id": "only", "params": map[string]interface{}{"value": "answered"}})

	resp := receive(t, remote)
	if id, _ := resp.ID(); id != "only" {
		t.Fatalf("first response must belong to the id-carrying request, got id %v", id)
	}
}

func newClusterDirectory(t *testing.T) *directory.Directory {
	t.Helper()
	dir, err := directory.Open("")
	if err != nil {
		t.Fatalf("open directory: %v", err)
	}
	dir.AddZone("master")
	dir.AddZone("satellite")
	if _, err := dir.AddEndpoint("node1", "master", ""); err != nil {
		t.Fatalf("add node1: %v", err)
	}
	if _, err := dir.AddEndpoint("agent1", "satellite", ""); err != nil {
		t.Fatalf("add agent1: %v", err)
	}
	if err := dir.SetLocalZone("master"); err != nil {
		t.Fatalf("set local zone: %v", err)
	}
	return dir
}

func TestStaleTimestampsAreSuppressed(t *testing.T) {
	dir := newClusterDirectory(t)
	c, remote, _, _ := newTestClient(t, "agent1", true, dir)
	ep := dir.Endpoint("agent1")
	if ep.Client() != c {
		t.Fatalf("authenticated client must register with its endpoint")
	}

	countCalls.Store(0)

	// Fresh message advances the watermark and is dispatched.
	send(t, remote, jsonrpc.Message{"method": "test::Count", "ts": 100.0})
	// At or below the watermark: consumed, not dispatched.
	send(t, remote, jsonrpc.Message{"method": "test::Count", "ts": 50.0})
	send(t, remote, jsonrpc.Message{"method": "test::Count", "ts": 100.0})
	// Fresh again.
	send(t, remote, jsonrpc.Message{"method": "test::Count", "ts": 150.0, "id": "sync"})

	resp := receive(t, remote)
	if id, _ := resp.ID(); id != "sync" {
		t.Fatalf("sync response id: got %v", id)
	}
	if got := countCalls.Load(); got != 2 {
		t.Fatalf("dispatched count: got %d, want 2", got)
	}
	if got := ep.RemoteLogPosition(); got != 150 {
		t.Fatalf("remote log position: got %v, want 150", got)
	}
}

func TestOriginZoneResolution(t *testing.T) {
	dir := newClusterDirectory(t)

	// A peer outside the local zone: its own zone is the origin,
	// regardless of what the message claims.
	_, remote, _, _ := newTestClient(t, "agent1", true, dir)
	send(t, remote, jsonrpc.Message{"method": "test::Origin", "originZone": "master"})
	if got := <-originZones; got != "satellite" {
		t.Fatalf("non-local sender: origin zone got %q, want satellite", got)
	}
}

func TestLocalZoneRelayUsesOriginZoneField(t *testing.T) {
	dir := newClusterDirectory(t)

	// A local-zone member relays for a third zone, named in the message.
	_, remote, _, _ := newTestClient(t, "node1", true, dir)
	send(t, remote, jsonrpc.Message{"method": "test::Origin", "originZone": "satellite"})
	if got := <-originZones; got != "satellite" {
		t.Fatalf("relay: origin zone got %q, want satellite", got)
	}

	// Without the field the zone stays unresolved.
	send(t, remote, jsonrpc.Message{"method": "test::Origin"})
	if got := <-originZones; got != "" {
		t.Fatalf("missing originZone: got %q, want unresolved", got)
	}
}

func TestSetLogPositionHandler(t *testing.T) {
	dir := newClusterDirectory(t)
	c, remote, _, _ := newTestClient(t, "agent1", true, dir)
	ep := dir.Endpoint("agent1")

	seenBefore := c.Seen()
	time.Sleep(20 * time.Millisecond)

	send(t, remote, jsonrpc.Message{
		"method": "log::SetLogPosition",
		"params": map[string]interface{}{"log_position": 42.5},
	})

	deadline := time.Now().Add(5 * time.Second)
	for ep.LocalLogPosition() != 42.5 {
		if time.Now().After(deadline) {
			t.Fatalf("log position not applied, got %v", ep.LocalLogPosition())
		}
		time.Sleep(time.Millisecond)
	}

	// Heartbeats are not liveness.
	if got := c.Seen(); !got.Equal(seenBefore) {
		t.Fatalf("log-position heartbeat must not refresh lastSeen")
	}

	// Monotonic: an older claim is a no-op.
	send(t, remote, jsonrpc.Message{
		"method": "log::SetLogPosition",
		"params": map[string]interface{}{"log_position": 10.0},
		"id":     "sync",
	})
	resp := receive(t, remote)
	if _, ok := resp["error"]; ok {
		t.Fatalf("unexpected error: %v", resp["error"])
	}
	if got := ep.LocalLogPosition(); got != 42.5 {
		t.Fatalf("log position regressed to %v", got)
	}
}

func TestWriteQueueOverflowDisconnects(t *testing.T) {
	dir := newClusterDirectory(t)
	c, _, tr, _ := newTestClient(t, "agent1", true, dir)

	// Nobody reads the remote end, so the writer stalls on the first
	// message and the queue fills up behind it.
	msg := jsonrpc.Message{"method": "test::Count"}
	for i := 0; i < apiclient.MaxQueueDepth+2; i++ {
		c.Send(msg)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !tr.closed.Load() {
		if time.Now().After(deadline) {
			t.Fatalf("connection not disconnected after queue overflow")
		}
		time.Sleep(time.Millisecond)
	}
	for dir.Endpoint("agent1").Client() != nil {
		if time.Now().After(deadline) {
			t.Fatalf("endpoint still references the overflowed connection")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDisconnectIsIdempotentAndCleansUpAnonymous(t *testing.T) {
	c, _, tr, anon := newTestClient(t, "anon", false, nil)

	c.Disconnect()
	c.Disconnect()

	deadline := time.Now().Add(5 * time.Second)
	for !tr.closed.Load() || !anon.removed.Load() {
		if time.Now().After(deadline) {
			t.Fatalf("teardown incomplete: closed=%t removed=%t", tr.closed.Load(), anon.removed.Load())
		}
		time.Sleep(time.Millisecond)
	}

	// Sends after closing are dropped silently.
	c.Send(jsonrpc.Message{"method": "test::Count"})
}

func TestPeerEOFDisconnects(t *testing.T) {
	dir := newClusterDirectory(t)
	c, remote, tr, _ := newTestClient(t, "agent1", true, dir)
	if dir.Endpoint("agent1").Client() != c {
		t.Fatalf("expected registered client")
	}

	_ = remote.Close()

	deadline := time.Now().Add(5 * time.Second)
	for !tr.closed.Load() {
		if time.Now().After(deadline) {
			t.Fatalf("EOF did not disconnect the client")
		}
		time.Sleep(time.Millisecond)
	}
}
