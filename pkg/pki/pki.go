// Package pki implements the mesh trust bootstrap: ticket derivation,
// the private certificate authority, and the client side of
// certificate enrollment.
package pki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// TicketIterations is the PBKDF2 cost. Fixed: changing it would
// invalidate every ticket already handed to an operator.
const TicketIterations = 50000

const (
	rsaKeyBits   = 4096
	certLifetime = 15 * 365 * 24 * time.Hour
)

// ComputeTicket derives the enrollment ticket for an identity from the
// shared salt. Deliberately slow (PBKDF2-SHA1) to throttle brute force.
func ComputeTicket(identity, salt string) string {
	key := pbkdf2.Key([]byte(identity), []byte(salt), TicketIterations, sha1.Size, sha1.New)
	return hex.EncodeToString(key)
}

// CertificateToPEM encodes a certificate in PEM form.
func CertificateToPEM(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

// ParseCertificatePEM decodes the first certificate in a PEM bundle.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no certificate found in PEM data")
	}
	return x509.ParseCertificate(block.Bytes)
}

func writePEMFile(path, blockType string, der []byte, mode os.FileMode) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	return os.WriteFile(path, data, mode)
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

// GenerateSelfSigned creates a throwaway key pair with a self-signed
// certificate for the given common name. A node uses it to open the TLS
// session over which it requests its real certificate.
func GenerateSelfSigned(commonName string) (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return tls.Certificate{}, err
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(certLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}
