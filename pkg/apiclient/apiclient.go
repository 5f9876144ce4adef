// Package apiclient owns one authenticated-or-anonymous TLS session to
// a peer and turns it into a reliable, backpressured, bidirectional
// message channel: read loop, bounded write queue and method dispatch.
package apiclient

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mon-mesh/pkg/directory"
	"github.com/mon-mesh/pkg/jsonrpc"
	"github.com/mon-mesh/pkg/logging"
	"github.com/mon-mesh/pkg/registry"
)

// Role records which side initiated the TCP connection. It affects
// reconnect policy only, never message semantics.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// MaxQueueDepth is the write queue high-water mark. A connection whose
// peer cannot drain this many pending messages is beyond saving and is
// disconnected; this bounds memory under a permanently stalled peer.
const MaxQueueDepth = 20000

// methodSetLogPosition is the heartbeat method. Pure log-position
// traffic does not count as liveness.
const methodSetLogPosition = "log::SetLogPosition"

// Transport is the byte stream a client runs on: TLS-wrapped
// read/write plus access to the peer certificate of the session.
type Transport interface {
	io.ReadWriteCloser
	PeerCertificate() *x509.Certificate
}

// AnonymousSet is the listener-side cleanup hook for connections that
// never resolved to an endpoint.
type AnonymousSet interface {
	RemoveAnonymousClient(*Client)
}

// Stats receives connection events for metrics. All methods must be
// safe for concurrent use. A nil Stats disables collection.
type Stats interface {
	RecordMessageReceived(method string)
	RecordMessageSent()
	RecordStaleDropped()
	RecordQueueOverflow()
}

// Client is one peer connection.
type Client struct {
	identity      string
	authenticated bool
	endpoint      *directory.Endpoint
	role          Role
	transport     Transport
	dir           *directory.Directory
	anonymous     AnonymousSet
	stats         Stats

	seenMu sync.Mutex
	seen   time.Time

	sendQueue chan jsonrpc.Message
	closing   atomic.Bool
	closedCh  chan struct{}
}

// Options carries the collaborators a client needs.
type Options struct {
	Directory *directory.Directory
	Anonymous AnonymousSet
	Stats     Stats
}

// NewClient records connection state and, for authenticated peers,
// installs this connection as the endpoint's current one (most recent
// wins; a previous connection is closed). Call Start to begin the read
// and write loops.
func NewClient(identity string, authenticated bool, transport Transport, role Role, opts Options) *Client {
	c := &Client{
		identity:      identity,
		authenticated: authenticated,
		role:          role,
		transport:     transport,
		dir:           opts.Directory,
		anonymous:     opts.Anonymous,
		stats:         opts.Stats,
		seen:          time.Now(),
		sendQueue:     make(chan jsonrpc.Message, MaxQueueDepth),
		closedCh:      make(chan struct{}),
	}
	if authenticated && opts.Directory != nil {
		c.endpoint = opts.Directory.Endpoint(identity)
		if c.endpoint != nil {
			c.endpoint.SetClient(c)
		}
	}
	return c
}

// Start launches the reader and writer goroutines. The two never run
// the codec concurrently against the same stream: the reader owns all
// reads, the writer owns all writes.
func (c *Client) Start() {
	go c.readLoop()
	go c.writeLoop()
}

// Identity returns the peer's claimed or verified name.
func (c *Client) Identity() string { return c.identity }

// IsAuthenticated reports whether the TLS peer certificate resolved to
// a known endpoint.
func (c *Client) IsAuthenticated() bool { return c.authenticated }

// Endpoint returns the directory record for this peer, nil for
// anonymous connections.
func (c *Client) Endpoint() *directory.Endpoint { return c.endpoint }

// Role returns which side initiated the connection.
func (c *Client) Role() Role { return c.role }

// PeerCertificate returns the certificate presented during the TLS
// handshake of this session.
func (c *Client) PeerCertificate() *x509.Certificate {
	return c.transport.PeerCertificate()
}

// Seen returns the time of the last message exchanged with the peer,
// log-position heartbeats excluded.
func (c *Client) Seen() time.Time {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	return c.seen
}

func (c *Client) updateSeen() {
	c.seenMu.Lock()
	c.seen = time.Now()
	c.seenMu.Unlock()
}

// Send enqueues a message for delivery. Messages enqueued after the
// connection started closing are dropped silently. Exceeding the queue
// high-water mark is a terminal backpressure failure: the connection is
// disconnected and the message dropped, not retried.
func (c *Client) Send(msg jsonrpc.Message) {
	if c.closing.Load() {
		return
	}
	if len(c.sendQueue) >= MaxQueueDepth {
		logging.Warnf("[apiclient] closing connection for identity %q: too many queued messages", c.identity)
		if c.stats != nil {
			c.stats.RecordQueueOverflow()
		}
		c.Disconnect()
		return
	}
	select {
	case c.sendQueue <- msg:
	default:
		// Queue filled between the check and the send. Same failure.
		logging.Warnf("[apiclient] closing connection for identity %q: too many queued messages", c.identity)
		if c.stats != nil {
			c.stats.RecordQueueOverflow()
		}
		c.Disconnect()
	}
}

// Disconnect schedules teardown. Idempotent, and always asynchronous so
// a handler running on this very connection never tears the connection
// down from under itself.
func (c *Client) Disconnect() {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}
	go c.disconnectSync()
}

func (c *Client) disconnectSync() {
	logging.Infof("[apiclient] connection closed for identity %q", c.identity)

	if c.endpoint != nil {
		c.endpoint.RemoveClient(c)
	} else if c.anonymous != nil {
		c.anonymous.RemoveAnonymousClient(c)
	}

	close(c.closedCh)
	_ = c.transport.Close()
}

func (c *Client) writeLoop() {
	for {
		select {
		case msg := <-c.sendQueue:
			if err := jsonrpc.WriteMessage(c.transport, msg); err != nil {
				logging.Warnf("[apiclient] error sending message to %q: %v", c.identity, err)
				c.Disconnect()
				return
			}
			if c.stats != nil {
				c.stats.RecordMessageSent()
			}
			if msg.Method() != methodSetLogPosition {
				c.updateSeen()
			}
		case <-c.closedCh:
			return
		}
	}
}

func (c *Client) readLoop() {
	for {
		msg, err := jsonrpc.ReadMessage(c.transport)
		if err != nil {
			// EOF on a message boundary is a clean close. Everything
			// else is connection-fatal but never crashes the process.
			if errors.Is(err, io.EOF) || c.closing.Load() {
				logging.Debugf("[apiclient] stream for %q reached end", c.identity)
			} else {
				logging.Warnf("[apiclient] error reading message from %q: %v", c.identity, err)
			}
			c.Disconnect()
			return
		}
		c.processMessage(msg)
	}
}

// processMessage handles exactly one decoded inbound message:
// freshness check, origin resolution, dispatch, and correlation.
func (c *Client) processMessage(msg jsonrpc.Message) {
	method := msg.Method()

	if method != methodSetLogPosition {
		c.updateSeen()
	}

	// Replay suppression: a timestamp at or below the watermark means
	// the peer is resending history we already applied. Consume it
	// without dispatching.
	if c.endpoint != nil {
		if ts, ok := msg.Timestamp(); ok {
			if ts <= c.endpoint.RemoteLogPosition() {
				if c.stats != nil {
					c.stats.RecordStaleDropped()
				}
				return
			}
			c.endpoint.SetRemoteLogPosition(ts)
		}
	}

	origin := &registry.Origin{FromClient: c}
	if c.endpoint != nil && c.dir != nil {
		if c.endpoint.Zone() != c.dir.LocalZone() {
			origin.FromZone = c.endpoint.Zone()
		} else {
			// A local-zone member is relaying on behalf of another zone;
			// the message must name it. An unknown or absent originZone
			// leaves FromZone nil and handlers reject as needed.
			origin.FromZone = c.dir.Zone(msg.OriginZone())
		}
	}

	logging.Debugf("[apiclient] received %q message from %q", method, c.identity)
	if c.stats != nil {
		c.stats.RecordMessageReceived(method)
	}

	response := jsonrpc.Message{}
	if handler, ok := registry.Lookup(method); ok {
		result, err := invoke(handler, origin, msg.Params())
		if err != nil {
			response["error"] = err.Error()
		} else {
			response["result"] = result
		}
	} else {
		response["error"] = fmt.Sprintf("Function '%s' does not exist.", method)
	}

	if id, ok := msg.ID(); ok {
		response["jsonrpc"] = jsonrpc.Version
		response["id"] = id
		c.Send(response)
	}
}

// invoke runs a handler and converts any failure, including panics,
// into an error. Nothing may unwind through the read loop.
func invoke(handler registry.Handler, origin *registry.Origin, params map[string]interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(origin, params)
}
