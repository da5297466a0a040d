package certminter

import (
	"crypto/tls"
	"net"
	"sync"
	"testing"
	"time"

	"mitmcore/internal/certstore"
	"mitmcore/internal/metrics"
)

func testCA(t *testing.T) *certstore.RootCA {
	t.Helper()
	s := certstore.New(t.TempDir())
	ca, err := s.Load()
	if err != nil {
		t.Fatalf("certstore.Load: %v", err)
	}
	return ca
}

func TestCertFor_ReturnsValidLeaf(t *testing.T) {
	m := New(testCA(t), 0, metrics.New())

	leaf, err := m.CertFor("example.test")
	if err != nil {
		t.Fatalf("CertFor: %v", err)
	}
	if leaf.Cert.Subject.CommonName != "example.test" {
		t.Errorf("CommonName: got %q, want example.test", leaf.Cert.Subject.CommonName)
	}
	if leaf.Cert.Issuer.String() != m.ca.Cert.Subject.String() {
		t.Error("leaf issuer must equal RootCA subject")
	}
	if leaf.Cert.IsCA {
		t.Error("leaf must not be a CA certificate")
	}
}

func TestCertFor_SANIncludesHostnameAndWildcard(t *testing.T) {
	m := New(testCA(t), 0, metrics.New())
	leaf, err := m.CertFor("api.example.test")
	if err != nil {
		t.Fatalf("CertFor: %v", err)
	}

	wantDNS := map[string]bool{"api.example.test": false, "*.api.example.test": false}
	for _, name := range leaf.Cert.DNSNames {
		if _, ok := wantDNS[name]; ok {
			wantDNS[name] = true
		}
	}
	for name, found := range wantDNS {
		if !found {
			t.Errorf("expected SAN to contain %q, got %v", name, leaf.Cert.DNSNames)
		}
	}
}

func TestCertFor_IPv4LiteralGetsIPSAN(t *testing.T) {
	m := New(testCA(t), 0, metrics.New())
	leaf, err := m.CertFor("192.0.2.10")
	if err != nil {
		t.Fatalf("CertFor: %v", err)
	}
	if len(leaf.Cert.IPAddresses) != 1 || !leaf.Cert.IPAddresses[0].Equal(net.ParseIP("192.0.2.10")) {
		t.Errorf("expected IP SAN 192.0.2.10, got %v", leaf.Cert.IPAddresses)
	}
	wantDNS := map[string]bool{"192.0.2.10": false, "*.192.0.2.10": false}
	for _, name := range leaf.Cert.DNSNames {
		if _, ok := wantDNS[name]; ok {
			wantDNS[name] = true
		}
	}
	for name, found := range wantDNS {
		if !found {
			t.Errorf("expected DNS SAN to still contain %q alongside the IP SAN, got %v", name, leaf.Cert.DNSNames)
		}
	}
}

func TestCertFor_ValidityCoversNow(t *testing.T) {
	m := New(testCA(t), 0, metrics.New())
	leaf, err := m.CertFor("time.example.test")
	if err != nil {
		t.Fatalf("CertFor: %v", err)
	}
	now := time.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		t.Errorf("validity [%s, %s] does not cover now (%s)", leaf.NotBefore, leaf.NotAfter, now)
	}
}

func TestCertFor_CachesOnSecondCall(t *testing.T) {
	m := New(testCA(t), 0, metrics.New())

	first, err := m.CertFor("cache.example.test")
	if err != nil {
		t.Fatalf("first CertFor: %v", err)
	}
	second, err := m.CertFor("cache.example.test")
	if err != nil {
		t.Fatalf("second CertFor: %v", err)
	}
	if first != second {
		t.Error("expected identical *LeafCert pointer on cache hit")
	}
}

func TestCertFor_DifferentHostsDifferentLeaves(t *testing.T) {
	m := New(testCA(t), 0, metrics.New())
	a, _ := m.CertFor("alpha.example.test")
	b, _ := m.CertFor("beta.example.test")
	if a == b {
		t.Error("different hosts must produce different leaves")
	}
}

// TestCertFor_ConcurrentMintSingleFlight verifies that many concurrent
// misses for the same hostname coalesce into exactly one minted leaf.
func TestCertFor_ConcurrentMintSingleFlight(t *testing.T) {
	m := New(testCA(t), 0, metrics.New())

	const n = 100
	results := make([]*LeafCert, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.CertFor("concurrent.example.test")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("CertFor[%d]: %v", i, err)
		}
	}
	first := results[0]
	for i, leaf := range results {
		if leaf != first {
			t.Errorf("result[%d] differs from result[0]; expected single-flight coalescing", i)
		}
	}

	if got := len(m.cache.entries); got != 1 {
		t.Errorf("expected exactly one cache entry after concurrent mints, got %d", got)
	}
}

func TestCertFor_ExpiredEntryIsRegenerated(t *testing.T) {
	m := New(testCA(t), 0, metrics.New())

	leaf, err := m.CertFor("expiring.example.test")
	if err != nil {
		t.Fatalf("CertFor: %v", err)
	}
	// Force expiry by mutating the cached leaf directly.
	leaf.NotAfter = time.Now().Add(-time.Minute)

	fresh, err := m.CertFor("expiring.example.test")
	if err != nil {
		t.Fatalf("CertFor after expiry: %v", err)
	}
	if fresh == leaf {
		t.Error("expected a freshly minted leaf after expiry, got the same pointer")
	}
	if !time.Now().Before(fresh.NotAfter) {
		t.Error("fresh leaf should not be expired")
	}
}

func TestCertFor_NoRootCA(t *testing.T) {
	m := New(nil, 0, metrics.New())
	if _, err := m.CertFor("no-ca.example.test"); err == nil {
		t.Error("expected error when RootCA is not loaded")
	}
}

func TestCertFor_RecordsCacheHitAndMissMetrics(t *testing.T) {
	m := New(testCA(t), 0, metrics.New())

	if _, err := m.CertFor("metered.example.test"); err != nil {
		t.Fatalf("first CertFor: %v", err)
	}
	if _, err := m.CertFor("metered.example.test"); err != nil {
		t.Fatalf("second CertFor: %v", err)
	}

	snap := m.metrics.Snapshot()
	if snap.Leaves.CacheMiss != 1 {
		t.Errorf("CacheMiss: got %d, want 1", snap.Leaves.CacheMiss)
	}
	if snap.Leaves.CacheHit != 1 {
		t.Errorf("CacheHit: got %d, want 1", snap.Leaves.CacheHit)
	}
}

func TestPurge_ClearsCache(t *testing.T) {
	m := New(testCA(t), 0, metrics.New())
	first, _ := m.CertFor("purge.example.test")

	m.Purge()

	second, err := m.CertFor("purge.example.test")
	if err != nil {
		t.Fatalf("CertFor after purge: %v", err)
	}
	if first == second {
		t.Error("expected a new leaf after Purge")
	}
}

func TestTLSConfigForHost_NoH2(t *testing.T) {
	m := New(testCA(t), 0, metrics.New())
	cfg := m.TLSConfigForHost("h1only.example.test")

	for _, proto := range cfg.NextProtos {
		if proto == "h2" {
			t.Error("client-facing TLS config must not negotiate h2")
		}
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != "http/1.1" {
		t.Errorf("expected NextProtos=[http/1.1], got %v", cfg.NextProtos)
	}
}

func TestTLSConfigForHost_GetCertificateUsesSNI(t *testing.T) {
	m := New(testCA(t), 0, metrics.New())
	cfg := m.TLSConfigForHost("fallback.example.test")

	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{ServerName: "sni.example.test"})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if cert.Leaf.Subject.CommonName != "sni.example.test" {
		t.Errorf("expected SNI to override fallback host, got CN=%s", cert.Leaf.Subject.CommonName)
	}
}
