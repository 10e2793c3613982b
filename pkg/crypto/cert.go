package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	ErrCertificateExpired     = errors.New("certificate expired")
	ErrCertificateNotYetValid = errors.New("certificate not yet valid")
	ErrHostMismatch           = errors.New("certificate host mismatch")
	ErrSignatureInvalid       = errors.New("certificate signature invalid")
)

// CertificateAuthority is a root of trust able to issue node certificates.
type CertificateAuthority struct {
	Certificate *x509.Certificate
	PEM         []byte
	Key         *rsa.PrivateKey
}

func newSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

func encodeCertificate(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// GenerateCA creates a self-signed root certificate valid for validity.
func GenerateCA(commonName string, key *rsa.PrivateKey, validity time.Duration) (*CertificateAuthority, error) {
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	return &CertificateAuthority{Certificate: cert, PEM: encodeCertificate(der), Key: key}, nil
}

// LoadCA rebuilds a CertificateAuthority from its PEM certificate and key.
func LoadCA(certPEM, keyPEM []byte) (*CertificateAuthority, error) {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}
	key, err := ImportPrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}
	return &CertificateAuthority{Certificate: cert, PEM: certPEM, Key: key}, nil
}

// IssueNodeCertificate signs a server certificate for node whose DNS name
// is the node identifier.
func (ca *CertificateAuthority) IssueNodeCertificate(node string, key *rsa.PublicKey, validity time.Duration) ([]byte, error) {
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: node},
		DNSNames:     []string{node},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.Certificate, key, ca.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to issue certificate for %s: %w", node, err)
	}
	return encodeCertificate(der), nil
}

// VerifyCertificate checks certPEM against the root: both validity windows
// at now, the host name and the root's signature.
func VerifyCertificate(certPEM, rootPEM []byte, host string, now time.Time) error {
	root, err := ParseCertificatePEM(rootPEM)
	if err != nil {
		return fmt.Errorf("root CA: %w", err)
	}
	if now.Before(root.NotBefore) {
		return fmt.Errorf("root CA: %w", ErrCertificateNotYetValid)
	}
	if now.After(root.NotAfter) {
		return fmt.Errorf("root CA: %w", ErrCertificateExpired)
	}

	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return err
	}
	if now.Before(cert.NotBefore) {
		return ErrCertificateNotYetValid
	}
	if now.After(cert.NotAfter) {
		return ErrCertificateExpired
	}
	if err := cert.VerifyHostname(host); err != nil {
		return fmt.Errorf("%w: %v", ErrHostMismatch, err)
	}
	if err := cert.CheckSignatureFrom(root); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}
