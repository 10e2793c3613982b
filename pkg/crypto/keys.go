package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

var (
	ErrInvalidKey         = errors.New("invalid key")
	ErrInvalidCertificate = errors.New("invalid certificate")
	ErrEncryptionFailed   = errors.New("encryption failed")
	ErrDecryptionFailed   = errors.New("decryption failed")
)

// DefaultKeyBits is the RSA modulus size for node keys.
const DefaultKeyBits = 2048

// PremasterSize is the premaster secret length, as in TLS 1.2.
const PremasterSize = 48

// GenerateRSAKeyPair generates a new RSA key pair of the given size
// (DefaultKeyBits when bits <= 0).
func GenerateRSAKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	return rsa.GenerateKey(rand.Reader, bits)
}

// ExportPrivateKeyPEM exports private key to PKCS#1 PEM format
func ExportPrivateKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

// ImportPrivateKeyPEM imports a PKCS#1 or PKCS#8 RSA private key
func ImportPrivateKeyPEM(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, ErrInvalidKey
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return key, nil
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKey)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidKey, block.Type)
	}
}

// ParseCertificatePEM parses the first certificate in pemData
func ParseCertificatePEM(pemData []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidCertificate
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return cert, nil
}

// CertificatePublicKey extracts the RSA public key of a PEM certificate
func CertificatePublicKey(certPEM string) (*rsa.PublicKey, error) {
	cert, err := ParseCertificatePEM([]byte(certPEM))
	if err != nil {
		return nil, err
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: certificate key is not RSA", ErrInvalidCertificate)
	}
	return pub, nil
}

// SaveKeyToFile saves a PEM encoded key to file
func SaveKeyToFile(filename string, pemData []byte) error {
	return os.WriteFile(filename, pemData, 0600)
}

// LoadPrivateKeyFile loads a PEM private key from disk
func LoadPrivateKeyFile(filename string) (*rsa.PrivateKey, error) {
	pemData, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ImportPrivateKeyPEM(pemData)
}

// RSAEncrypt encrypts data with RSA public key using OAEP
func RSAEncrypt(data []byte, publicKey *rsa.PublicKey) ([]byte, error) {
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, publicKey, data, nil)
	if err != nil {
		return nil, ErrEncryptionFailed
	}
	return ciphertext, nil
}

// RSADecrypt decrypts data with RSA private key using OAEP
func RSADecrypt(ciphertext []byte, privateKey *rsa.PrivateKey) ([]byte, error) {
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, privateKey, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// NewPremaster generates a fresh premaster secret
func NewPremaster() ([]byte, error) {
	return GenerateNonce(PremasterSize)
}

// EncryptPremaster encrypts premaster under the public key of certPEM and
// returns it base64 encoded for the wire.
func EncryptPremaster(certPEM string, premaster []byte) (string, error) {
	pub, err := CertificatePublicKey(certPEM)
	if err != nil {
		return "", &CryptoError{Op: "premaster encrypt", Err: err}
	}

	ciphertext, err := RSAEncrypt(premaster, pub)
	if err != nil {
		return "", &CryptoError{Op: "premaster encrypt", Err: err}
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptPremaster reverses EncryptPremaster with the node's private key.
func DecryptPremaster(privateKey *rsa.PrivateKey, encoded string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &CryptoError{Op: "premaster decrypt", Err: fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)}
	}

	premaster, err := RSADecrypt(ciphertext, privateKey)
	if err != nil {
		return nil, &CryptoError{Op: "premaster decrypt", Err: err}
	}
	return premaster, nil
}
