package pki

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mon-mesh/pkg/jsonrpc"
	"github.com/mon-mesh/pkg/logging"
)

const requestTimeout = 60 * time.Second

// Request performs the client side of certificate enrollment: it
// connects to a cluster node with a fresh self-signed certificate for
// commonName, invokes pki::RequestCertificate with the given ticket and
// returns the issued certificate and CA certificate in PEM form, along
// with the generated private key.
//
// The server binds the issued certificate to the key of the TLS session,
// which is exactly the key generated here.
func Request(addr, commonName, ticket string) (certPEM, keyPEM, caPEM string, err error) {
	selfSigned, err := GenerateSelfSigned(commonName)
	if err != nil {
		return "", "", "", err
	}

	// The node has no trust anchor yet; the returned CA certificate
	// becomes one. Verification starts with the first real connection.
	conn, err := tls.Dial("tcp", addr, &tls.Config{
		Certificates:       []tls.Certificate{selfSigned},
		InsecureSkipVerify: true,
	})
	if err != nil {
		return "", "", "", fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(requestTimeout))

	id := uuid.NewString()
	request := jsonrpc.Message{
		"jsonrpc": jsonrpc.Version,
		"method":  "pki::RequestCertificate",
		"id":      id,
		"params":  map[string]interface{}{"ticket": ticket},
	}
	if err := jsonrpc.WriteMessage(conn, request); err != nil {
		return "", "", "", fmt.Errorf("send certificate request: %w", err)
	}
	logging.Infof("[pki] requested certificate for %q from %s", commonName, addr)

	result, err := awaitResult(conn, id)
	if err != nil {
		return "", "", "", err
	}
	if errMsg, ok := result["error"].(string); ok {
		return "", "", "", fmt.Errorf("certificate request rejected: %s", errMsg)
	}
	certPEM, _ = result["cert"].(string)
	caPEM, _ = result["ca"].(string)
	if certPEM == "" || caPEM == "" {
		return "", "", "", fmt.Errorf("malformed certificate response")
	}

	key := selfSigned.PrivateKey.(*rsa.PrivateKey)
	keyPEM = string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
	return certPEM, keyPEM, caPEM, nil
}

// awaitResult reads messages until one carries the given correlation id.
// Unrelated traffic (e.g. heartbeats from the server) is skipped.
func awaitResult(conn net.Conn, id string) (map[string]interface{}, error) {
	for {
		msg, err := jsonrpc.ReadMessage(conn)
		if err != nil {
			return nil, fmt.Errorf("read certificate response: %w", err)
		}
		gotID, ok := msg.ID()
		if !ok || gotID != id {
			continue
		}
		if errMsg, ok := msg["error"].(string); ok {
			return nil, fmt.Errorf("certificate request failed: %s", errMsg)
		}
		result, _ := msg["result"].(map[string]interface{})
		if result == nil {
			return nil, fmt.Errorf("response carries no result")
		}
		return result, nil
	}
}

// WriteNodeFiles stores enrollment output in pkiDir as <cn>.crt,
// <cn>.key and ca.crt.
func WriteNodeFiles(pkiDir, commonName, certPEM, keyPEM, caPEM string) error {
	if err := os.MkdirAll(pkiDir, 0700); err != nil {
		return fmt.Errorf("create PKI directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(pkiDir, commonName+".crt"), []byte(certPEM), 0644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(pkiDir, commonName+".key"), []byte(keyPEM), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(pkiDir, CACertFile), []byte(caPEM), 0644)
}
