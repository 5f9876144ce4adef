// Package listener owns the set of peer connections: it accepts and
// dials TLS sockets, authenticates peers against the directory, tracks
// anonymous connections, and runs the heartbeat and reaper loops.
package listener

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mon-mesh/pkg/apiclient"
	"github.com/mon-mesh/pkg/config"
	"github.com/mon-mesh/pkg/directory"
	"github.com/mon-mesh/pkg/jsonrpc"
	"github.com/mon-mesh/pkg/logging"
	"github.com/mon-mesh/pkg/metrics"
	"github.com/mon-mesh/pkg/pki"
	"github.com/mon-mesh/pkg/registry"
)

// instance is the process-wide listener, resolved by handlers that are
// registered statically at init time.
var instance atomic.Pointer[Listener]

func init() {
	registry.Register("pki", "RequestCertificate", func(origin *registry.Origin, params map[string]interface{}) (interface{}, error) {
		l := instance.Load()
		if l == nil {
			return nil, fmt.Errorf("listener is not running")
		}
		return l.requestCertificate(origin, params)
	})
}

// Listener is the connection registry for this node.
type Listener struct {
	cfg       *config.Config
	dir       *directory.Directory
	authority *pki.Authority
	collector *metrics.Collector

	nodeCert           tls.Certificate
	caPool             *x509.CertPool
	requestCertificate registry.Handler

	mu        sync.Mutex
	anonymous map[*apiclient.Client]struct{}

	ln       net.Listener
	shutdown chan struct{}
	once     sync.Once
}

// New builds the listener: loads CA and node certificate material and
// wires the certificate-request handler. The dispatch table is sealed
// when Start is called.
func New(cfg *config.Config, dir *directory.Directory, collector *metrics.Collector) (*Listener, error) {
	authority, err := pki.LoadAuthority(cfg.Node.PKIDir)
	if err != nil {
		return nil, fmt.Errorf("load CA: %w", err)
	}

	certPath := filepath.Join(cfg.Node.PKIDir, cfg.Node.Name+".crt")
	keyPath := filepath.Join(cfg.Node.PKIDir, cfg.Node.Name+".key")
	nodeCert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load node certificate: %w", err)
	}

	l := &Listener{
		cfg:       cfg,
		dir:       dir,
		authority: authority,
		collector: collector,
		nodeCert:  nodeCert,
		caPool:    authority.CertPool(),
		anonymous: make(map[*apiclient.Client]struct{}),
		shutdown:  make(chan struct{}),
	}

	l.requestCertificate = pki.NewRequestCertificateHandler(authority, cfg.Node.TicketSalt)
	instance.Store(l)

	if collector != nil {
		collector.GetConnections = l.connectionCounts
		collector.GetEndpoints = l.endpointStatuses
	}
	return l, nil
}

// Start begins accepting connections and launches the dial, heartbeat
// and reaper loops. It returns once the socket is listening.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.cfg.Node.BindAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.cfg.Node.BindAddr, err)
	}
	l.ln = ln
	logging.Infof("[listen] cluster addr=%s", l.cfg.Node.BindAddr)

	registry.Seal()
	go l.acceptLoop()
	go l.heartbeatLoop()
	go l.reaperLoop()

	for _, ep := range l.dir.Endpoints() {
		if ep.Name() == l.cfg.Node.Name {
			continue
		}
		if ep.Address() != "" {
			go l.connectLoop(ep)
		}
	}
	return nil
}

// Addr returns the bound cluster listener address, "" before Start.
func (l *Listener) Addr() string {
	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

// Close stops the listener and disconnects every connection.
func (l *Listener) Close() {
	l.once.Do(func() {
		close(l.shutdown)
		if l.ln != nil {
			_ = l.ln.Close()
		}
		for _, ep := range l.dir.Endpoints() {
			if c := ep.Client(); c != nil {
				if client, ok := c.(*apiclient.Client); ok {
					client.Disconnect()
				}
			}
		}
		l.mu.Lock()
		clients := make([]*apiclient.Client, 0, len(l.anonymous))
		for c := range l.anonymous {
			clients = append(clients, c)
		}
		l.mu.Unlock()
		for _, c := range clients {
			c.Disconnect()
		}
	})
}

// RemoveAnonymousClient drops a connection from the anonymous set.
// Called by the connection itself during teardown.
func (l *Listener) RemoveAnonymousClient(c *apiclient.Client) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.anonymous, c)
}

func (l *Listener) addAnonymousClient(c *apiclient.Client) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.anonymous[c] = struct{}{}
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.shutdown:
				return
			default:
			}
			logging.Warnf("[listen] accept failed: %v", err)
			continue
		}
		go l.handleInbound(conn)
	}
}

// handleInbound runs the server-side TLS handshake and hands the
// session to a new API client. A handshake failure closes the socket
// and affects nothing else.
func (l *Listener) handleInbound(conn net.Conn) {
	tlsConn := tls.Server(conn, &tls.Config{
		Certificates: []tls.Certificate{l.nodeCert},
		// Chain verification happens after the handshake: a peer with
		// no certificate, or one we did not sign, is still let in as an
		// anonymous connection so it can request enrollment.
		ClientAuth: tls.RequestClientCert,
		MinVersion: tls.VersionTLS12,
	})
	if err := tlsConn.Handshake(); err != nil {
		logging.Warnf("[listen] TLS handshake from %s failed: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	l.newAPIClient(tlsConn, apiclient.RoleServer)
}

// newAPIClient resolves the session's identity and authentication
// state and registers the resulting client.
func (l *Listener) newAPIClient(tlsConn *tls.Conn, role apiclient.Role) {
	identity := ""
	authenticated := false

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) > 0 {
		cert := state.PeerCertificates[0]
		identity = cert.Subject.CommonName
		if l.verifyPeer(cert, state.PeerCertificates[1:]) {
			authenticated = l.dir.Endpoint(identity) != nil
		}
	}
	if identity == "" {
		identity = tlsConn.RemoteAddr().String()
	}

	if authenticated {
		logging.Infof("[listen] new cluster connection for identity %q", identity)
	} else {
		logging.Infof("[listen] new anonymous connection from %q", identity)
	}

	opts := apiclient.Options{
		Directory: l.dir,
		Anonymous: l,
	}
	if l.collector != nil {
		opts.Stats = l.collector
	}
	client := apiclient.NewClient(identity, authenticated, &tlsTransport{conn: tlsConn}, role, opts)
	if !authenticated {
		l.addAnonymousClient(client)
	}
	client.Start()

	if authenticated {
		l.sendLogPosition(client)
	}
}

// verifyPeer checks the presented certificate chains to our CA.
func (l *Listener) verifyPeer(cert *x509.Certificate, rest []*x509.Certificate) bool {
	intermediates := x509.NewCertPool()
	for _, c := range rest {
		intermediates.AddCert(c)
	}
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:         l.caPool,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	})
	return err == nil
}

// connectLoop keeps one outbound connection to an endpoint alive,
// redialing with a fixed interval after failures and disconnects.
func (l *Listener) connectLoop(ep *directory.Endpoint) {
	interval := l.cfg.GetReconnectInterval()
	for {
		select {
		case <-l.shutdown:
			return
		default:
		}

		if ep.Client() == nil {
			if err := l.dial(ep); err != nil {
				logging.Infof("[listen] cannot connect to endpoint %q at %s: %v", ep.Name(), ep.Address(), err)
			}
		}

		select {
		case <-l.shutdown:
			return
		case <-time.After(interval):
		}
	}
}

// dial opens the client-side TLS session to an endpoint. The server
// certificate must chain to our CA and carry the endpoint's name as its
// subject; hostname checks do not apply inside the mesh.
func (l *Listener) dial(ep *directory.Endpoint) error {
	expected := ep.Name()
	tlsCfg := &tls.Config{
		Certificates:       []tls.Certificate{l.nodeCert},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			certs := make([]*x509.Certificate, 0, len(rawCerts))
			for _, raw := range rawCerts {
				cert, err := x509.ParseCertificate(raw)
				if err != nil {
					return err
				}
				certs = append(certs, cert)
			}
			if len(certs) == 0 {
				return fmt.Errorf("peer presented no certificate")
			}
			if !l.verifyPeer(certs[0], certs[1:]) {
				return fmt.Errorf("peer certificate does not chain to the cluster CA")
			}
			if cn := certs[0].Subject.CommonName; cn != expected {
				return fmt.Errorf("peer certificate subject %q does not match endpoint %q", cn, expected)
			}
			return nil
		},
	}

	conn, err := tls.Dial("tcp", ep.Address(), tlsCfg)
	if err != nil {
		return err
	}
	l.newAPIClient(conn, apiclient.RoleClient)
	return nil
}

// heartbeatLoop tells every connected peer how far we have applied its
// log. Heartbeats carry no correlation id and do not refresh liveness.
func (l *Listener) heartbeatLoop() {
	ticker := time.NewTicker(l.cfg.GetHeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-l.shutdown:
			return
		case <-ticker.C:
			for _, ep := range l.dir.Endpoints() {
				if c, ok := ep.Client().(*apiclient.Client); ok && c != nil {
					l.sendLogPosition(c)
				}
			}
		}
	}
}

func (l *Listener) sendLogPosition(c *apiclient.Client) {
	ep := c.Endpoint()
	if ep == nil {
		return
	}
	c.Send(jsonrpc.Message{
		"jsonrpc": jsonrpc.Version,
		"method":  "log::SetLogPosition",
		"params": map[string]interface{}{
			"log_position": ep.LocalLogPosition(),
		},
	})
}

// reaperLoop disconnects peers that have been silent past the stale
// timeout. Heartbeat-only traffic does not keep a connection alive.
func (l *Listener) reaperLoop() {
	timeout := l.cfg.GetStaleTimeout()
	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-l.shutdown:
			return
		case <-ticker.C:
			deadline := time.Now().Add(-timeout)
			for _, c := range l.allClients() {
				if c.Seen().Before(deadline) {
					logging.Warnf("[listen] disconnecting stale connection for identity %q", c.Identity())
					c.Disconnect()
				}
			}
		}
	}
}

func (l *Listener) allClients() []*apiclient.Client {
	var out []*apiclient.Client
	for _, ep := range l.dir.Endpoints() {
		if c, ok := ep.Client().(*apiclient.Client); ok && c != nil {
			out = append(out, c)
		}
	}
	l.mu.Lock()
	for c := range l.anonymous {
		out = append(out, c)
	}
	l.mu.Unlock()
	return out
}

func (l *Listener) connectionCounts() (float64, float64) {
	var auth float64
	for _, ep := range l.dir.Endpoints() {
		if ep.Client() != nil {
			auth++
		}
	}
	l.mu.Lock()
	anon := float64(len(l.anonymous))
	l.mu.Unlock()
	return auth, anon
}

func (l *Listener) endpointStatuses() []metrics.EndpointStatus {
	eps := l.dir.Endpoints()
	out := make([]metrics.EndpointStatus, 0, len(eps))
	for _, ep := range eps {
		out = append(out, metrics.EndpointStatus{
			Name:              ep.Name(),
			Zone:              ep.Zone().Name(),
			Connected:         ep.Client() != nil,
			LocalLogPosition:  ep.LocalLogPosition(),
			RemoteLogPosition: ep.RemoteLogPosition(),
		})
	}
	return out
}
