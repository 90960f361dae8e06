package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
)

// Encrypt seals plaintext for recipient under a fresh random nonce.
func (i *Identity) Encrypt(plaintext []byte, recipient *ecdsa.PublicKey) (Sealed, error) {
	key, err := sharedKey(i.priv, recipient)
	if err != nil {
		return Sealed{}, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return Sealed{}, err
	}
	nonce := make([]byte, GCMNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, err
	}
	return Sealed{
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
		SenderCode: i.code,
	}, nil
}

// Decrypt opens a payload sealed for this identity. Any failure is ErrCannotDecrypt.
func (i *Identity) Decrypt(s Sealed) ([]byte, error) {
	if len(s.Nonce) != GCMNonceSize || len(s.Ciphertext) < GCMTagSize {
		return nil, ErrCannotDecrypt
	}
	sender, err := ParsePublicKey(s.SenderCode)
	if err != nil {
		return nil, ErrCannotDecrypt
	}
	key, err := sharedKey(i.priv, sender)
	if err != nil {
		return nil, ErrCannotDecrypt
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, ErrCannotDecrypt
	}
	out, err := aead.Open(nil, s.Nonce, s.Ciphertext, nil)
	if err != nil {
		return nil, ErrCannotDecrypt
	}
	return out, nil
}

// Sign produces an ASN.1 ECDSA signature over SHA-256(data).
func (i *Identity) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return ecdsa.SignASN1(rand.Reader, i.priv, digest[:])
}

func Verify(pub *ecdsa.PublicKey, data, sig []byte) bool {
	if pub == nil || len(sig) == 0 {
		return false
	}
	digest := sha256.Sum256(data)
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}
