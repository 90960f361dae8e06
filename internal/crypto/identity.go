package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
)

// Identity is the node's long-lived keypair.
type Identity struct {
	priv   *ecdsa.PrivateKey
	pubDER []byte
	id     string
	code   string
}

func GenerateIdentity() (*Identity, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return newIdentity(priv)
}

func newIdentity(priv *ecdsa.PrivateKey) (*Identity, error) {
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Identity{
		priv:   priv,
		pubDER: der,
		id:     DeviceIDFromPublic(der),
		code:   base64.RawURLEncoding.EncodeToString(der),
	}, nil
}

// ParsePrivateKey rebuilds an identity from its PKCS8 encoding.
func ParsePrivateKey(pkcs8 []byte) (*Identity, error) {
	key, err := x509.ParsePKCS8PrivateKey(pkcs8)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := key.(*ecdsa.PrivateKey)
	if !ok || priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("parse private key: not a P-256 key")
	}
	return newIdentity(priv)
}

func (i *Identity) MarshalPrivateKey() ([]byte, error) {
	return x509.MarshalPKCS8PrivateKey(i.priv)
}

func (i *Identity) String() string {
	return "Identity{" + i.id + "}"
}

func (i *Identity) DeviceID() string      { return i.id }
func (i *Identity) ShareableCode() string { return i.code }

func (i *Identity) PublicKey() *ecdsa.PublicKey {
	return &i.priv.PublicKey
}

// PublicKeyDER returns a copy of the PKIX encoded public key.
func (i *Identity) PublicKeyDER() []byte {
	return append([]byte(nil), i.pubDER...)
}

// DeviceIDFromPublic is the upper-case hex of the first 4 bytes of SHA-256(pkix).
func DeviceIDFromPublic(pkix []byte) string {
	sum := SHA256(pkix)
	return fmt.Sprintf("%02X%02X%02X%02X", sum[0], sum[1], sum[2], sum[3])
}

func decodeCode(code string) ([]byte, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrInvalidCode
	}
	// tolerate padded input from other encoders
	der, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(code, "="))
	if err != nil {
		return nil, ErrInvalidCode
	}
	return der, nil
}

// ParsePublicKey decodes a shareable code into a P-256 public key.
func ParsePublicKey(code string) (*ecdsa.PublicKey, error) {
	der, err := decodeCode(code)
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, ErrInvalidCode
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, ErrInvalidCode
	}
	return pub, nil
}

// ContactIDFromCode derives the device id a shareable code belongs to.
func ContactIDFromCode(code string) (string, error) {
	if _, err := ParsePublicKey(code); err != nil {
		return "", err
	}
	der, _ := decodeCode(code)
	return DeviceIDFromPublic(der), nil
}
