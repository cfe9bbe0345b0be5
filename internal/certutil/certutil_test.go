package certutil

import (
	"crypto/tls"
	"strings"
	"testing"
	"time"
)

func TestGenerateSelfSignedCoversLoopback(t *testing.T) {
	gc, err := GenerateSelfSigned("dilation-test", time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}
	if gc.Certificate.Subject.CommonName != "dilation-test" {
		t.Errorf("CommonName = %q, want dilation-test", gc.Certificate.Subject.CommonName)
	}
	found := false
	for _, name := range gc.Certificate.DNSNames {
		if name == "localhost" {
			found = true
		}
	}
	if !found {
		t.Error("expected localhost in DNSNames")
	}
	if !strings.HasPrefix(gc.Fingerprint(), "sha256:") {
		t.Errorf("Fingerprint() = %q, want sha256: prefix", gc.Fingerprint())
	}
}

func TestTLSCertificateRoundTrip(t *testing.T) {
	gc, err := GenerateSelfSigned("dilation-test", time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}
	tlsCert, err := gc.TLSCertificate()
	if err != nil {
		t.Fatalf("TLSCertificate: %v", err)
	}
	if len(tlsCert.Certificate) == 0 {
		t.Fatal("expected at least one certificate in chain")
	}
}

func TestServerTLSConfigAdvertisesALPN(t *testing.T) {
	cfg, err := ServerTLSConfig("dilation-test", time.Hour, "dilation/1")
	if err != nil {
		t.Fatalf("ServerTLSConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("len(Certificates) = %d, want 1", len(cfg.Certificates))
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Errorf("MinVersion = %v, want TLS 1.3", cfg.MinVersion)
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != "dilation/1" {
		t.Errorf("NextProtos = %v, want [dilation/1]", cfg.NextProtos)
	}
}

func TestInsecureClientTLSConfigSkipsVerification(t *testing.T) {
	cfg := InsecureClientTLSConfig("dilation/1")
	if !cfg.InsecureSkipVerify {
		t.Error("expected InsecureSkipVerify")
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != "dilation/1" {
		t.Errorf("NextProtos = %v, want [dilation/1]", cfg.NextProtos)
	}
}
