package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mon-mesh/pkg/logging"
	"github.com/mon-mesh/pkg/registry"
)

// Authority is the process-wide certificate authority. The key is
// read-only after load, so signing is safe from concurrent handlers.
type Authority struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

// CACertFile and CAKeyFile are the CA material file names inside the
// configured PKI directory.
const (
	CACertFile = "ca.crt"
	CAKeyFile  = "ca.key"
)

// NewCA generates a fresh CA key pair in pkiDir. It refuses to
// overwrite existing material.
func NewCA(pkiDir, commonName string) error {
	certPath := filepath.Join(pkiDir, CACertFile)
	keyPath := filepath.Join(pkiDir, CAKeyFile)
	if _, err := os.Stat(certPath); err == nil {
		return fmt.Errorf("CA certificate %s already exists", certPath)
	}
	if err := os.MkdirAll(pkiDir, 0700); err != nil {
		return fmt.Errorf("create PKI directory: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return err
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(certLifetime),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create CA certificate: %w", err)
	}
	if err := writePEMFile(keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), 0600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}
	if err := writePEMFile(certPath, "CERTIFICATE", der, 0644); err != nil {
		return fmt.Errorf("write CA certificate: %w", err)
	}
	logging.Infof("[pki] generated new CA %q in %s", commonName, pkiDir)
	return nil
}

// LoadAuthority reads the CA certificate and key from pkiDir.
func LoadAuthority(pkiDir string) (*Authority, error) {
	certData, err := os.ReadFile(filepath.Join(pkiDir, CACertFile))
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	cert, err := ParseCertificatePEM(certData)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	keyData, err := os.ReadFile(filepath.Join(pkiDir, CAKeyFile))
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}
	key, err := parseRSAKeyPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse CA key: %w", err)
	}
	return &Authority{cert: cert, key: key}, nil
}

func parseRSAKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", parsed)
	}
	return key, nil
}

// Certificate returns the CA's own certificate.
func (a *Authority) Certificate() *x509.Certificate { return a.cert }

// CertPool returns a pool containing the CA certificate, for verifying
// peer certificates during TLS handshakes.
func (a *Authority) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.cert)
	return pool
}

// SignCertificate issues a certificate over the given public key and
// subject. All-or-nothing: no state changes on failure.
func (a *Authority) SignCertificate(pub crypto.PublicKey, subject pkix.Name) (*x509.Certificate, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(certLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, pub, a.key)
	if err != nil {
		return nil, fmt.Errorf("sign certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}

// NewRequestCertificateHandler builds the pki::RequestCertificate
// handler. Failures are reported inside the result (not as transport
// errors) so an enrolling node always gets a structured answer.
//
// The certificate is bound to the public key and subject of the TLS
// session's peer certificate, never to anything carried in params, so a
// valid ticket cannot be replayed to enroll an arbitrary key.
func NewRequestCertificateHandler(authority *Authority, ticketSalt string) registry.Handler {
	return func(origin *registry.Origin, params map[string]interface{}) (interface{}, error) {
		if params == nil {
			return nil, nil
		}

		result := map[string]interface{}{}

		if ticketSalt == "" {
			result["error"] = "Ticket salt is not configured."
			return result, nil
		}

		ticket, _ := params["ticket"].(string)
		realTicket := ComputeTicket(origin.FromClient.Identity(), ticketSalt)
		if subtle.ConstantTimeCompare([]byte(ticket), []byte(realTicket)) != 1 {
			logging.Warnf("[pki] invalid ticket from %q", origin.FromClient.Identity())
			result["error"] = "Invalid ticket."
			return result, nil
		}

		peerCert := origin.FromClient.PeerCertificate()
		if peerCert == nil {
			result["error"] = "No client certificate."
			return result, nil
		}

		newCert, err := authority.SignCertificate(peerCert.PublicKey, peerCert.Subject)
		if err != nil {
			return nil, err
		}
		logging.Infof("[pki] issued certificate for %q", origin.FromClient.Identity())

		result["cert"] = CertificateToPEM(newCert)
		result["ca"] = CertificateToPEM(authority.cert)
		return result, nil
	}
}
