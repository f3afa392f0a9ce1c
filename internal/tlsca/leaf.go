package tlsca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/oisp-project/oisp-sensor/internal/oisperr"
)

// LeafFor returns a tls.Certificate valid for hostname, serving it from
// cache when an unexpired one exists and minting a fresh leaf otherwise.
func (ca *CA) LeafFor(hostname string) (tls.Certificate, error) {
	if cert, ok := ca.leaves.Get(hostname); ok {
		return cert, nil
	}

	cert, err := ca.mintLeaf(hostname)
	if err != nil {
		ca.mu.Lock()
		ca.errors++
		ca.mu.Unlock()
		return tls.Certificate{}, err
	}

	ca.leaves.Put(hostname, cert)
	return cert, nil
}

// Errors reports the cumulative count of leaf-generation failures.
func (ca *CA) Errors() uint64 {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ca.errors
}

func (ca *CA) mintLeaf(hostname string) (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return tls.Certificate{}, oisperr.CA(hostname, fmt.Errorf("generate leaf key: %w", err))
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, oisperr.CA(hostname, fmt.Errorf("generate serial: %w", err))
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hostname},
		DNSNames:              []string{hostname},
		NotBefore:             time.Now().Add(-5 * time.Minute),
		NotAfter:              time.Now().Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}

	ca.mu.Lock()
	rootCert, rootKey := ca.rootCert, ca.rootKey
	ca.mu.Unlock()

	der, err := x509.CreateCertificate(rand.Reader, template, rootCert, &key.PublicKey, rootKey)
	if err != nil {
		return tls.Certificate{}, oisperr.CA(hostname, fmt.Errorf("sign leaf: %w", err))
	}

	return tls.Certificate{
		Certificate: [][]byte{der, rootCert.Raw},
		PrivateKey:  key,
	}, nil
}
