package certutil

import (
	"crypto/x509"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestGenerateCA(t *testing.T) {
	ca, err := GenerateCA("edgewire test CA", time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}

	if !ca.Certificate.IsCA {
		t.Error("CA certificate not marked as CA")
	}
	if ca.Certificate.KeyUsage&x509.KeyUsageCertSign == 0 {
		t.Error("CA missing CertSign key usage")
	}
	if got := ca.Certificate.Subject.CommonName; got != "edgewire test CA" {
		t.Errorf("common name = %q", got)
	}
}

func TestGenerateServerCertSignedByCA(t *testing.T) {
	ca, err := GenerateCA("edgewire test CA", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	cert, err := GenerateServerCert("relay.example.com", []string{"relay-alt.example.com", "10.1.2.3"}, time.Hour, ca)
	if err != nil {
		t.Fatalf("GenerateServerCert: %v", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(ca.Certificate)
	if _, err := cert.Certificate.Verify(x509.VerifyOptions{
		Roots:     pool,
		DNSName:   "relay.example.com",
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}); err != nil {
		t.Errorf("verify against CA: %v", err)
	}

	hasAlt := false
	for _, n := range cert.Certificate.DNSNames {
		if n == "relay-alt.example.com" {
			hasAlt = true
		}
	}
	if !hasAlt {
		t.Errorf("extra DNS SAN missing, got %v", cert.Certificate.DNSNames)
	}

	hasIP := false
	for _, ip := range cert.Certificate.IPAddresses {
		if ip.String() == "10.1.2.3" {
			hasIP = true
		}
	}
	if !hasIP {
		t.Errorf("extra IP SAN missing, got %v", cert.Certificate.IPAddresses)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "certs", "relay.crt")
	keyPath := filepath.Join(dir, "certs", "relay.key")

	cert, err := Generate(ServerOptions("relay.test"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cert.SaveToFiles(certPath, keyPath); err != nil {
		t.Fatalf("SaveToFiles: %v", err)
	}

	loaded, err := LoadCert(certPath, keyPath)
	if err != nil {
		t.Fatalf("LoadCert: %v", err)
	}
	if loaded.Fingerprint() != cert.Fingerprint() {
		t.Error("fingerprint changed across save/load")
	}
	if _, err := loaded.TLSCertificate(); err != nil {
		t.Errorf("TLSCertificate: %v", err)
	}
}

func TestFingerprint(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "relay.crt")
	keyPath := filepath.Join(dir, "relay.key")

	cert, err := Generate(ServerOptions("relay.test"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cert.SaveToFiles(certPath, keyPath); err != nil {
		t.Fatal(err)
	}

	fp := cert.Fingerprint()
	if !strings.HasPrefix(fp, "sha256:") {
		t.Errorf("fingerprint = %q, want sha256: prefix", fp)
	}

	fromFile, err := FingerprintFromFile(certPath)
	if err != nil {
		t.Fatalf("FingerprintFromFile: %v", err)
	}
	if fromFile != fp {
		t.Errorf("file fingerprint %q != %q", fromFile, fp)
	}

	if !VerifyFingerprint(cert.Certificate, strings.ToUpper(fp)) {
		t.Error("VerifyFingerprint should be case-insensitive")
	}
	if VerifyFingerprint(cert.Certificate, "sha256:deadbeef") {
		t.Error("VerifyFingerprint matched a wrong value")
	}
}

func TestExpiresSoon(t *testing.T) {
	opts := ServerOptions("relay.test")
	opts.ValidFor = time.Hour
	cert, err := Generate(opts)
	if err != nil {
		t.Fatal(err)
	}

	if ExpiresSoon(cert.Certificate, time.Minute) {
		t.Error("fresh certificate reported as expiring")
	}
	if !ExpiresSoon(cert.Certificate, 2*time.Hour) {
		t.Error("certificate inside the window not reported")
	}
}

func TestPoolFromFiles(t *testing.T) {
	dir := t.TempDir()
	ca, err := GenerateCA("edgewire test CA", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	caPath := filepath.Join(dir, "ca.crt")
	if err := ca.SaveToFiles(caPath, filepath.Join(dir, "ca.key")); err != nil {
		t.Fatal(err)
	}

	pool, err := PoolFromFiles(caPath)
	if err != nil {
		t.Fatalf("PoolFromFiles: %v", err)
	}
	if pool == nil {
		t.Fatal("nil pool")
	}

	if _, err := PoolFromFiles(filepath.Join(dir, "missing.crt")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseCertRejectsGarbage(t *testing.T) {
	if _, err := ParseCert([]byte("not pem"), []byte("not pem")); err == nil {
		t.Error("expected error for non-PEM input")
	}
}
