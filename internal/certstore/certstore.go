// Package certstore persists the installation's root certificate authority
// (RootCA) to disk and loads it back across restarts.
//
// The RootCA is generated lazily on first run and never regenerated except
// when no more than 30 whole days of validity remain (counted from the start
// of the current day). Leaves minted shortly before that point can still
// outlive the RootCA that signed them, since a leaf is valid for one year.
package certstore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"mitmcore/internal/logger"
)

const (
	rootCAOrganization = "MITM Core"
	rootCACommonName   = "MITM Core Root CA"
	rootCAValidity     = 10 * 365 * 24 * time.Hour
	minRemainingDays   = 30
)

// RootCA holds the long-lived self-signed CA certificate and private key.
type RootCA struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey

	certPEM []byte
	certDER []byte
}

// Store persists the RootCA under <dataDir>/certificates/.
type Store struct {
	dir string
	log *logger.Logger
}

// New returns a Store rooted at dataDir. The certificates subdirectory is
// created (mode 0700) the first time Load is called, not here.
func New(dataDir string) *Store {
	return &Store{
		dir: filepath.Join(dataDir, "certificates"),
		log: logger.New("CERTSTORE", "info"),
	}
}

func (s *Store) certFile() string { return filepath.Join(s.dir, "rootCA.crt") }
func (s *Store) keyFile() string  { return filepath.Join(s.dir, "rootCA.key") }

// Load reads the RootCA from disk, generating and atomically persisting a
// fresh one if the files are absent or the existing CA has no more than 30
// whole days of validity left. Filesystem permission errors are returned to the
// caller as fatal — there is no degraded mode to fall back to without a
// usable CA.
func (s *Store) Load() (*RootCA, error) {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return nil, fmt.Errorf("create certificate directory: %w", err)
	}

	ca, err := s.readFromDisk()
	switch {
	case err == nil:
		if remainingDays(ca.Cert) > minRemainingDays {
			s.log.Infof("load", "loaded RootCA from %s (expires %s)", s.dir, ca.Cert.NotAfter.Format(time.RFC3339))
			return ca, nil
		}
		s.log.Warnf("load", "RootCA has <=%d days remaining, regenerating", minRemainingDays)
	case errors.Is(err, os.ErrNotExist):
		s.log.Infof("load", "no RootCA found at %s, generating", s.dir)
	default:
		return nil, fmt.Errorf("load RootCA: %w", err)
	}

	ca, err = generate()
	if err != nil {
		return nil, fmt.Errorf("generate RootCA: %w", err)
	}
	if err := s.writeAtomic(ca); err != nil {
		return nil, fmt.Errorf("persist RootCA: %w", err)
	}
	s.log.Infof("load", "generated new RootCA, valid until %s", ca.Cert.NotAfter.Format(time.RFC3339))
	return ca, nil
}

// ReadPEM returns the RootCA certificate as a PEM block, for clients that
// install certificates via the PEM download path.
func (s *Store) ReadPEM() ([]byte, error) {
	ca, err := s.readFromDisk()
	if err != nil {
		return nil, fmt.Errorf("read RootCA PEM: %w", err)
	}
	return ca.certPEM, nil
}

// ReadDER returns the RootCA certificate as raw DER bytes, for clients
// (notably mobile OSes) that expect a .crt/.der profile rather than PEM.
func (s *Store) ReadDER() ([]byte, error) {
	ca, err := s.readFromDisk()
	if err != nil {
		return nil, fmt.Errorf("read RootCA DER: %w", err)
	}
	return ca.certDER, nil
}

func remainingDays(cert *x509.Certificate) int {
	startOfDay := time.Now().Truncate(24 * time.Hour)
	return int(cert.NotAfter.Sub(startOfDay).Hours() / 24)
}

func (s *Store) readFromDisk() (*RootCA, error) {
	certPEMBytes, err := os.ReadFile(s.certFile())
	if err != nil {
		return nil, err
	}
	keyPEMBytes, err := os.ReadFile(s.keyFile())
	if err != nil {
		return nil, err
	}

	certBlock, _ := pem.Decode(certPEMBytes)
	if certBlock == nil {
		return nil, fmt.Errorf("no PEM block in %s", s.certFile())
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse RootCA cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEMBytes)
	if keyBlock == nil {
		return nil, fmt.Errorf("no PEM block in %s", s.keyFile())
	}
	key, err := parseRSAKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse RootCA key: %w", err)
	}

	return &RootCA{
		Cert:    cert,
		Key:     key,
		certPEM: certPEMBytes,
		certDER: certBlock.Bytes,
	}, nil
}

func parseRSAKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("RootCA key is not RSA")
	}
	return rsaKey, nil
}

// generate creates a new self-signed RootCA: RSA-2048, 128-bit serial,
// 10-year validity, subject==issuer,
// basicConstraints{cA:true,critical}, keyUsage{keyCertSign,digitalSignature,
// cRLSign,critical}, subjectKeyIdentifier (auto-derived by crypto/x509 for
// CA templates with an empty SubjectKeyId), signed with SHA-256.
func generate() (*RootCA, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	subject := pkix.Name{
		CommonName:   rootCACommonName,
		Organization: []string{rootCAOrganization},
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		Issuer:                subject,
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create RootCA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated RootCA: %w", err)
	}

	certPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	return &RootCA{
		Cert:    cert,
		Key:     key,
		certPEM: certPEMBytes,
		certDER: der,
	}, nil
}

// writeAtomic writes both RootCA files via temp-file-then-rename so a
// concurrent reader never observes a partially written file.
func (s *Store) writeAtomic(ca *RootCA) error {
	if err := writeFileAtomic(s.dir, s.certFile(), ca.certPEM, 0600); err != nil {
		return fmt.Errorf("write cert: %w", err)
	}
	keyPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(ca.Key)})
	if err := writeFileAtomic(s.dir, s.keyFile(), keyPEMBytes, 0600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

func writeFileAtomic(dir, path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()         //nolint:errcheck // best-effort cleanup
		os.Remove(tmpName) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()         //nolint:errcheck // best-effort cleanup
		os.Remove(tmpName) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
