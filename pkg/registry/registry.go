// Package registry is the process-wide table of cluster RPC handlers.
// It is populated during startup, before any connection is accepted,
// and is read-only afterwards, so lookups take no lock.
package registry

import (
	"crypto/x509"
	"fmt"
	"sync/atomic"

	"github.com/mon-mesh/pkg/directory"
)

// Connection is the view of a peer connection a handler may use.
type Connection interface {
	// Identity is the peer's claimed or certificate-verified name.
	Identity() string
	// Endpoint is the directory record for an authenticated peer, nil for
	// anonymous connections.
	Endpoint() *directory.Endpoint
	// PeerCertificate is the certificate presented during the TLS
	// handshake of the current session, nil when none was presented.
	PeerCertificate() *x509.Certificate
}

// Origin identifies where an inbound message came from. It is built
// fresh per message and must not be retained past the handler call.
type Origin struct {
	FromClient Connection
	// FromZone is the resolved zone of the sender. Nil when resolution
	// failed (e.g. a local-zone relay without an originZone field);
	// handlers reject as needed.
	FromZone *directory.Zone
}

// Handler processes one inbound message. The returned value becomes the
// response result; a returned error becomes the response error. Handlers
// run concurrently across connections and must not block on their own
// connection's I/O.
type Handler func(origin *Origin, params map[string]interface{}) (interface{}, error)

var (
	handlers = make(map[string]Handler)
	sealed   atomic.Bool
)

// Register associates category::name with a handler. Duplicate
// registration, or registration after the table is sealed, is a
// programming error and panics at startup.
func Register(category, name string, h Handler) {
	if sealed.Load() {
		panic(fmt.Sprintf("registry: registration of %s::%s after startup", category, name))
	}
	method := category + "::" + name
	if _, ok := handlers[method]; ok {
		panic(fmt.Sprintf("registry: duplicate registration of %s", method))
	}
	handlers[method] = h
}

// Seal freezes the table. Called once by the listener before accepting
// connections; lookups are lock-free from then on.
func Seal() {
	sealed.Store(true)
}

// Lookup returns the handler for a fully qualified method name.
// Absence is an expected outcome, not an error.
func Lookup(method string) (Handler, bool) {
	h, ok := handlers[method]
	return h, ok
}
