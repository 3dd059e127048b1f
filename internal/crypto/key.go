package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"io"
	"math/big"
	"time"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of every derived cipher key.
const KeySize = 32

var kdfSalt = []byte("cipher-relay")

// GenerateKey creates a new random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// EncodeKeyToBase64 encodes a byte slice key into a URL-safe base64 string.
func EncodeKeyToBase64(key []byte) string {
	return base64.URLEncoding.EncodeToString(key)
}

// DecodeBase64Key decodes a URL-safe base64 string into a byte slice key.
func DecodeBase64Key(encodedKey string) ([]byte, error) {
	return base64.URLEncoding.DecodeString(encodedKey)
}

// DeriveKey turns the configured shared secret into a cipher key. A secret
// produced by keygen (URL-safe base64 of 32 bytes) is used as-is; anything
// else is stretched with HKDF-SHA256 using the method name as info.
func DeriveKey(secret, method string) ([]byte, error) {
	if key, err := DecodeBase64Key(secret); err == nil && len(key) == KeySize {
		return key, nil
	}
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, []byte(secret), kdfSalt, []byte(method))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateTLSConfig creates a self-signed TLS certificate and key.
func GenerateTLSConfig() (certPEM, keyPEM []byte, err error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "cipher-relay"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return
	}

	certOut := &bytes.Buffer{}
	pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	certPEM = certOut.Bytes()

	keyOut := &bytes.Buffer{}
	pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	keyPEM = keyOut.Bytes()

	return
}

// NewServerTLSConfig wraps a fresh self-signed certificate for the websocket
// carrier. The local agent does not verify it.
func NewServerTLSConfig() (*tls.Config, error) {
	certPEM, keyPEM, err := GenerateTLSConfig()
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
