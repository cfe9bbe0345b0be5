// Package certutil generates the ephemeral self-signed TLS certificates
// a QUIC or WebSocket candidate listener needs to bind. Dilation has no
// certificate authority of its own: a candidate's identity is vouched
// for by the wormhole key agreement, not by the TLS chain, so one
// self-signed leaf per listener is all the transport layer needs.
package certutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"
)

// GeneratedCert holds a freshly minted self-signed certificate and its
// private key, in both parsed and PEM-encoded form.
type GeneratedCert struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
	CertPEM     []byte
	KeyPEM      []byte
}

// Fingerprint returns the SHA256 fingerprint of the certificate.
func (gc *GeneratedCert) Fingerprint() string {
	hash := sha256.Sum256(gc.Certificate.Raw)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// TLSCertificate returns a tls.Certificate built from this GeneratedCert,
// ready for tls.Config.Certificates.
func (gc *GeneratedCert) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(gc.CertPEM, gc.KeyPEM)
}

// GenerateSelfSigned creates a self-signed ECDSA P-256 certificate for
// commonName, valid for validFor and covering "localhost" plus the
// loopback IPs, so it works for both direct dials and test harnesses.
func GenerateSelfSigned(commonName string, validFor time.Duration) (*GeneratedCert, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certutil: generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("certutil: generate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{CommonName: commonName, Organization: []string{"dilation"}},
		NotBefore:    now,
		NotAfter:     now.Add(validFor),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{commonName, "localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("certutil: create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("certutil: parse certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("certutil: marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return &GeneratedCert{
		Certificate: cert,
		PrivateKey:  privateKey,
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
	}, nil
}

// ServerTLSConfig builds a minimal tls.Config for a candidate listener:
// one self-signed certificate and the given ALPN protocols.
func ServerTLSConfig(commonName string, validFor time.Duration, alpn ...string) (*tls.Config, error) {
	gc, err := GenerateSelfSigned(commonName, validFor)
	if err != nil {
		return nil, err
	}
	tlsCert, err := gc.TLSCertificate()
	if err != nil {
		return nil, fmt.Errorf("certutil: build tls certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   alpn,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// InsecureClientTLSConfig builds a tls.Config that trusts no CA and
// skips verification: dilation authenticates candidates cryptographically
// at the L2 layer, so the transport's own certificate is never checked
// against a CA; it only needs to negotiate TLS 1.3 and the ALPN protocol.
func InsecureClientTLSConfig(alpn ...string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         alpn,
		MinVersion:         tls.VersionTLS13,
	}
}
