package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// -----------------------------------------------------------------------------
// Orion mesh crypto
//
// - identity: static P-256 keypair, PKIX public / PKCS8 private encoding
// - messages: ECDH(P-256) -> SHA-256 -> AES-256-GCM (12-byte nonce, 128-bit tag)
// - signatures: ECDSA over SHA-256, ASN.1 DER
// - keystore at rest: argon2id -> XChaCha20-Poly1305
// -----------------------------------------------------------------------------

const (
	GCMNonceSize = 12
	GCMTagSize   = 16

	XKeySize   = chacha20poly1305.KeySize
	XNonceSize = chacha20poly1305.NonceSizeX
)

var (
	// ErrCannotDecrypt covers every message decryption failure.
	ErrCannotDecrypt = errors.New("cannot decrypt")
	ErrInvalidCode   = errors.New("invalid shareable code")
)

// Sealed is an encrypted private payload as carried on the wire.
type Sealed struct {
	Nonce      []byte
	Ciphertext []byte
	SenderCode string
}

// NonceString and CiphertextString give the standard base64 wire forms.
func (s Sealed) NonceString() string {
	return base64.StdEncoding.EncodeToString(s.Nonce)
}

func (s Sealed) CiphertextString() string {
	return base64.StdEncoding.EncodeToString(s.Ciphertext)
}

// ParseSealed decodes wire fields into a Sealed payload.
func ParseSealed(ciphertextB64, nonceB64, senderCode string) (Sealed, error) {
	ct, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return Sealed{}, ErrCannotDecrypt
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return Sealed{}, ErrCannotDecrypt
	}
	return Sealed{Nonce: nonce, Ciphertext: ct, SenderCode: senderCode}, nil
}

func SHA256(msg []byte) []byte {
	sum := sha256.Sum256(msg)
	return sum[:]
}

func sharedKey(priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey) ([]byte, error) {
	ep, err := priv.ECDH()
	if err != nil {
		return nil, err
	}
	epub, err := pub.ECDH()
	if err != nil {
		return nil, err
	}
	secret, err := ep.ECDH(epub)
	if err != nil {
		return nil, err
	}
	return SHA256(secret), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, GCMNonceSize)
}

// -----------------------------------------------------------------------------
// XChaCha20-Poly1305 AEAD (keystore sealing)
// -----------------------------------------------------------------------------

func XSeal(key32, plaintext, aad []byte) (nonce24 []byte, ciphertext []byte, err error) {
	if len(key32) != XKeySize {
		return nil, nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, XNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

func XOpen(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce24, ciphertext, aad)
}
