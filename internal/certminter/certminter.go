// Package certminter mints per-hostname TLS leaf certificates signed by a
// RootCA, on demand, caching them for reuse.
//
// Concurrent misses for the same hostname are coalesced with
// golang.org/x/sync/singleflight so exactly one keygen+sign happens per
// hostname at a time; every other concurrent caller blocks and receives
// the same result.
package certminter

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/sync/singleflight"

	"mitmcore/internal/certstore"
	"mitmcore/internal/logger"
	"mitmcore/internal/metrics"
)

const (
	defaultCacheCapacity = 10_000
	leafValidity         = 365 * 24 * time.Hour
)

// LeafCert is a per-hostname certificate signed by the RootCA, together
// with the private key needed to present it in a TLS handshake.
type LeafCert struct {
	Hostname  string
	Key       *rsa.PrivateKey
	Cert      *x509.Certificate
	NotBefore time.Time
	NotAfter  time.Time

	// tlsCert is the (key, chain) pair ready to hand to crypto/tls.
	tlsCert *tls.Certificate
}

// TLSCertificate returns the *tls.Certificate form of this leaf, suitable
// for tls.Config.GetCertificate / Certificates.
func (l *LeafCert) TLSCertificate() *tls.Certificate { return l.tlsCert }

// Minter mints and caches leaf certificates for a single RootCA.
type Minter struct {
	ca *certstore.RootCA

	cache  *leafCache
	flight singleflight.Group

	metrics *metrics.Metrics
	log     *logger.Logger
}

// New returns a Minter that signs leaves with ca, caching up to
// cacheCapacity of them (0 selects a default of 10,000). m may be nil,
// in which case cache hit/miss counters are not recorded.
func New(ca *certstore.RootCA, cacheCapacity int, m *metrics.Metrics) *Minter {
	if cacheCapacity <= 0 {
		cacheCapacity = defaultCacheCapacity
	}
	return &Minter{
		ca:      ca,
		cache:   newLeafCache(cacheCapacity),
		metrics: m,
		log:     logger.New("CERTMINTER", "info"),
	}
}

// CertFor returns a leaf certificate for hostname, generating and caching
// one on first use (or after expiry). hostname may be a DNS name or a
// dotted-quad IPv4 literal, as given by CONNECT's request-target authority
// or the client's SNI server name.
func (m *Minter) CertFor(hostname string) (*LeafCert, error) {
	if m.ca == nil {
		return nil, fmt.Errorf("certminter: RootCA not loaded")
	}

	normalized, err := normalizeHostname(hostname)
	if err != nil {
		return nil, fmt.Errorf("certminter: normalize hostname %q: %w", hostname, err)
	}

	if leaf, ok := m.cache.get(normalized); ok {
		m.recordCacheHit()
		return leaf, nil
	}

	result, err, _ := m.flight.Do(normalized, func() (any, error) {
		// Re-check: another caller may have populated the cache while we
		// were waiting to enter the singleflight section.
		if leaf, ok := m.cache.get(normalized); ok {
			m.recordCacheHit()
			return leaf, nil
		}
		m.recordCacheMiss()
		leaf, err := m.mint(normalized)
		if err != nil {
			return nil, err
		}
		m.cache.set(normalized, leaf)
		return leaf, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*LeafCert), nil //nolint:errcheck // flight.Do only ever returns *LeafCert or an error
}

func (m *Minter) recordCacheHit() {
	if m.metrics != nil {
		m.metrics.LeavesCacheHit.Add(1)
	}
}

func (m *Minter) recordCacheMiss() {
	if m.metrics != nil {
		m.metrics.LeavesCacheMiss.Add(1)
	}
}

// Purge discards every cached leaf certificate.
func (m *Minter) Purge() {
	m.cache.purge()
}

// mint signs a fresh leaf certificate for hostname: RSA-2048, SHA-256,
// one year validity, SAN list
// {DNS:hostname, DNS:*.hostname} plus {IP:hostname} when hostname is a
// dotted-quad IPv4 literal, basicConstraints{cA:false}, keyUsage
// {digitalSignature, keyEncipherment}, extKeyUsage{serverAuth}.
func (m *Minter) mint(hostname string) (*LeafCert, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	notBefore := time.Now().Add(-time.Hour)
	notAfter := time.Now().Add(leafValidity)

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hostname},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		DNSNames:              []string{hostname, "*." + hostname},
	}
	if ip := net.ParseIP(hostname); ip != nil && ip.To4() != nil {
		template.IPAddresses = []net.IP{ip}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, m.ca.Cert, &key.PublicKey, m.ca.Key)
	if err != nil {
		return nil, fmt.Errorf("sign leaf certificate for %s: %w", hostname, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse signed leaf for %s: %w", hostname, err)
	}

	m.log.Infof("mint", "minted leaf for %s, expires %s", hostname, notAfter.Format(time.RFC3339))

	return &LeafCert{
		Hostname:  hostname,
		Key:       key,
		Cert:      cert,
		NotBefore: notBefore,
		NotAfter:  notAfter,
		tlsCert: &tls.Certificate{
			Certificate: [][]byte{der, m.ca.Cert.Raw},
			PrivateKey:  key,
			Leaf:        cert,
		},
	}, nil
}

// TLSConfigForHost returns a *tls.Config that presents a dynamically
// minted certificate for host. Only HTTP/1.1 is negotiated on the
// client-facing side; upstream HTTP/2 framing is out of scope for this
// proxy, so ALPN never offers "h2" here.
func (m *Minter) TLSConfigForHost(host string) *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := host
			if hello != nil && hello.ServerName != "" {
				name = hello.ServerName
			}
			leaf, err := m.CertFor(name)
			if err != nil {
				return nil, err
			}
			return leaf.TLSCertificate(), nil
		},
		NextProtos: []string{"http/1.1"},
	}
}

// normalizeHostname converts an internationalized hostname to its ASCII
// (punycode) form so cache keys and SAN entries are compared consistently.
// TrafficStore host fields are not passed through it. IP literals pass
// through unchanged; ASCII names come back lowercased.
func normalizeHostname(hostname string) (string, error) {
	if ip := net.ParseIP(hostname); ip != nil {
		return hostname, nil
	}
	ascii, err := idna.Lookup.ToASCII(hostname)
	if err != nil {
		// Not every authority string is a strict IDNA label (e.g. names
		// containing "_"); fall back to the raw value rather than fail the
		// whole mint.
		return hostname, nil //nolint:nilerr // fallback is intentional, see comment
	}
	return ascii, nil
}
