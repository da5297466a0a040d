package certstore

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_GeneratesWhenMissing(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	ca, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ca == nil {
		t.Fatal("expected non-nil RootCA")
	}

	if _, err := os.Stat(filepath.Join(dir, "certificates", "rootCA.crt")); err != nil {
		t.Errorf("cert file was not generated: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "certificates", "rootCA.key")); err != nil {
		t.Errorf("key file was not generated: %v", err)
	}
}

func TestLoad_FilePermissions(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	if _, err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	for _, name := range []string{"rootCA.crt", "rootCA.key"} {
		info, err := os.Stat(filepath.Join(dir, "certificates", name))
		if err != nil {
			t.Fatalf("stat %s: %v", name, err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("%s permissions: got %04o, want 0600", name, perm)
		}
	}
}

func TestLoad_LoadsExistingOnSecondCall(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	first, err := s.Load()
	if err != nil {
		t.Fatalf("first Load: %v", err)
	}

	second, err := s.Load()
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}

	if first.Cert.SerialNumber.Cmp(second.Cert.SerialNumber) != 0 {
		t.Error("second Load should return the same persisted RootCA, got a different serial")
	}
}

func TestLoad_RootCAProperties(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	ca, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !ca.Cert.IsCA {
		t.Error("RootCA must be a CA certificate")
	}
	if ca.Cert.Subject.CommonName != rootCACommonName {
		t.Errorf("CommonName: got %q, want %q", ca.Cert.Subject.CommonName, rootCACommonName)
	}
	if ca.Cert.Subject.String() != ca.Cert.Issuer.String() {
		t.Error("RootCA subject and issuer must be equal (self-signed)")
	}
	for _, bit := range []struct {
		name string
		flag int
	}{
		{"keyCertSign", 32},
		{"digitalSignature", 1},
		{"cRLSign", 64},
	} {
		if int(ca.Cert.KeyUsage)&bit.flag == 0 {
			t.Errorf("expected KeyUsage to include %s", bit.name)
		}
	}

	remaining := time.Until(ca.Cert.NotAfter)
	if remaining < 9*365*24*time.Hour {
		t.Errorf("expected ~10 years of validity remaining, got %s", remaining)
	}
}

func TestLoad_RegeneratesWhenNearExpiry(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	original, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Force the on-disk cert to look like it's about to expire by writing a
	// cert whose NotAfter is in the past, re-signed with its own key.
	expired, err := generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	tmpl := *expired.Cert
	tmpl.NotAfter = time.Now().Add(-time.Hour)
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &expired.Key.PublicKey, expired.Key)
	if err != nil {
		t.Fatalf("re-sign expired cert: %v", err)
	}
	expired.certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := s.writeAtomic(expired); err != nil {
		t.Fatalf("writeAtomic: %v", err)
	}

	regenerated, err := s.Load()
	if err != nil {
		t.Fatalf("Load after forced expiry: %v", err)
	}
	if regenerated.Cert.SerialNumber.Cmp(original.Cert.SerialNumber) == 0 {
		t.Error("expected a freshly generated RootCA, got the original serial")
	}
	if regenerated.Cert.SerialNumber.Cmp(expired.Cert.SerialNumber) == 0 {
		t.Error("expected a freshly generated RootCA, got the forced-expired serial")
	}
}

func TestReadPEM_ReadDER_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	if _, err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	pemBytes, err := s.ReadPEM()
	if err != nil {
		t.Fatalf("ReadPEM: %v", err)
	}
	if len(pemBytes) == 0 {
		t.Error("expected non-empty PEM bytes")
	}

	derBytes, err := s.ReadDER()
	if err != nil {
		t.Fatalf("ReadDER: %v", err)
	}
	if len(derBytes) == 0 {
		t.Error("expected non-empty DER bytes")
	}
}

func TestLoad_PermissionErrorIsFatal(t *testing.T) {
	dir := t.TempDir()
	// Make the parent directory read-only so MkdirAll for the certificates
	// subdirectory fails.
	if err := os.Chmod(dir, 0500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	defer os.Chmod(dir, 0700) //nolint:errcheck // best-effort cleanup so TempDir can remove it

	s := New(filepath.Join(dir, "nested"))
	if _, err := s.Load(); err == nil {
		t.Error("expected permission error, got nil")
	}
}
