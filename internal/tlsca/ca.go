// Package tlsca implements the local certificate authority the Windows
// and macOS MITM listeners use to mint per-host TLS leaf certificates at
// runtime. The root key lives in the OS credential store; leaves are
// generated fresh and cached only in memory.
package tlsca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oisp-project/oisp-sensor/internal/oisperr"
	"github.com/oisp-project/oisp-sensor/internal/ttlcache"

	log "github.com/sirupsen/logrus"
)

const (
	rootKeyBits    = 4096
	rootValidity   = 10 * 365 * 24 * time.Hour
	leafKeyBits    = 2048
	leafValidity   = 24 * time.Hour
	leafCacheSize  = 1024
	keyStoreEntry  = "oisp-ca-root-key"
	rootCertFile   = "oisp-ca-root.pem"
	rootCommonName = "OISP Local CA"
	sweepInterval  = time.Hour
)

// CA owns the root key pair and mints per-hostname leaf certificates on
// demand, caching them until expiry.
type CA struct {
	mu       sync.Mutex
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
	rootDER  []byte

	keystore KeyStore
	certDir  string

	leaves *ttlcache.Cache[tls.Certificate]
	stop   chan struct{}

	errors uint64
}

// New loads (or generates on first run) the root certificate and key,
// using store for the private key and certDir for the public PEM.
func New(store KeyStore, certDir string) (*CA, error) {
	ca := &CA{
		keystore: store,
		certDir:  certDir,
		leaves:   ttlcache.New[tls.Certificate](leafCacheSize, leafValidity),
		stop:     make(chan struct{}),
	}
	if err := ca.loadOrGenerate(); err != nil {
		return nil, err
	}
	ca.leaves.RunSweeper(ca.stop, sweepInterval)
	return ca, nil
}

// Close stops the leaf cache sweeper.
func (ca *CA) Close() { close(ca.stop) }

// RootPEM returns the root certificate in PEM form, for trust-install UIs.
func (ca *CA) RootPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.rootDER})
}

func (ca *CA) loadOrGenerate() error {
	keyPEM, ok, err := ca.keystore.Load(keyStoreEntry)
	if err != nil {
		return oisperr.CA("root", fmt.Errorf("load root key: %w", err))
	}

	certPath := filepath.Join(ca.certDir, rootCertFile)
	certPEM, certErr := os.ReadFile(certPath)

	if ok && certErr == nil {
		key, cert, err := parseRootPair(keyPEM, certPEM)
		if err == nil {
			ca.rootKey, ca.rootCert, ca.rootDER = key, cert, cert.Raw
			return nil
		}
		log.WithError(err).Warn("tlsca: stored root pair invalid, regenerating")
	}

	return ca.generateRoot(certPath)
}

func parseRootPair(keyPEM, certPEM []byte) (*rsa.PrivateKey, *x509.Certificate, error) {
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("no PEM block in stored key")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse root key: %w", err)
	}
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("no PEM block in stored cert")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse root cert: %w", err)
	}
	return key, cert, nil
}

func (ca *CA) generateRoot(certPath string) error {
	key, err := rsa.GenerateKey(rand.Reader, rootKeyBits)
	if err != nil {
		return oisperr.CA("root", fmt.Errorf("generate root key: %w", err))
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return oisperr.CA("root", fmt.Errorf("generate serial: %w", err))
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: rootCommonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return oisperr.CA("root", fmt.Errorf("create root cert: %w", err))
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return oisperr.CA("root", fmt.Errorf("parse generated root cert: %w", err))
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := ca.keystore.Save(keyStoreEntry, keyPEM); err != nil {
		return oisperr.CA("root", fmt.Errorf("persist root key: %w", err))
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.MkdirAll(ca.certDir, 0o700); err != nil {
		return oisperr.CA("root", fmt.Errorf("create cert dir: %w", err))
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return oisperr.CA("root", fmt.Errorf("persist root cert: %w", err))
	}

	ca.rootKey, ca.rootCert, ca.rootDER = key, cert, der
	return nil
}
