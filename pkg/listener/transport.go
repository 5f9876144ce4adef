package listener

import (
	"crypto/tls"
	"crypto/x509"
)

// tlsTransport adapts a completed TLS session to the byte-stream
// abstraction the API client runs on.
type tlsTransport struct {
	conn *tls.Conn
}

func (t *tlsTransport) Read(p []byte) (int, error)  { return t.conn.Read(p) }
func (t *tlsTransport) Write(p []byte) (int, error) { return t.conn.Write(p) }
func (t *tlsTransport) Close() error                { return t.conn.Close() }

// PeerCertificate returns the leaf certificate presented by the peer
// during the handshake of this session, or nil.
func (t *tlsTransport) PeerCertificate() *x509.Certificate {
	state := t.conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	return state.PeerCertificates[0]
}
