package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"

	"orionmesh/internal/fsutil"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	saltSize     = 16
)

var (
	ErrLocked         = errors.New("identity is sealed: passphrase required")
	ErrBadPassphrase  = errors.New("invalid passphrase")
	ErrCorruptKeyFile = errors.New("corrupted identity file")
)

type identityFile struct {
	DeviceID   string     `json:"deviceId"`
	PublicKey  string     `json:"publicKey"`
	PrivateKey string     `json:"privateKey,omitempty"`
	Sealed     *sealedKey `json:"sealed,omitempty"`
	CreatedAt  int64      `json:"createdAt,omitempty"`
}

type sealedKey struct {
	KDF        string `json:"kdf"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

func deriveSealKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, XKeySize)
}

// GetOrCreateIdentity loads the identity at path, creating it on first use.
// A non-empty passphrase seals the private key at rest.
func GetOrCreateIdentity(path, passphrase string, now int64) (*Identity, error) {
	raw, err := fsutil.ReadFileIfExists(path)
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}
	if raw != nil {
		return loadIdentity(raw, passphrase)
	}
	id, err := GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := SaveIdentity(path, id, passphrase, now); err != nil {
		return nil, err
	}
	return id, nil
}

func SaveIdentity(path string, id *Identity, passphrase string, now int64) error {
	pkcs8, err := id.MarshalPrivateKey()
	if err != nil {
		return err
	}
	file := identityFile{
		DeviceID:  id.DeviceID(),
		PublicKey: base64.StdEncoding.EncodeToString(id.pubDER),
		CreatedAt: now,
	}
	if passphrase == "" {
		file.PrivateKey = base64.StdEncoding.EncodeToString(pkcs8)
	} else {
		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("generate salt: %w", err)
		}
		nonce, ct, err := XSeal(deriveSealKey(passphrase, salt), pkcs8, id.pubDER)
		if err != nil {
			return fmt.Errorf("seal identity: %w", err)
		}
		file.Sealed = &sealedKey{
			KDF:        "argon2id",
			Salt:       base64.StdEncoding.EncodeToString(salt),
			Nonce:      base64.StdEncoding.EncodeToString(nonce),
			Ciphertext: base64.StdEncoding.EncodeToString(ct),
		}
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0600)
}

func loadIdentity(raw []byte, passphrase string) (*Identity, error) {
	var file identityFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptKeyFile, err)
	}
	var pkcs8 []byte
	switch {
	case file.Sealed != nil:
		if passphrase == "" {
			return nil, ErrLocked
		}
		pub, err := base64.StdEncoding.DecodeString(file.PublicKey)
		if err != nil {
			return nil, ErrCorruptKeyFile
		}
		salt, err1 := base64.StdEncoding.DecodeString(file.Sealed.Salt)
		nonce, err2 := base64.StdEncoding.DecodeString(file.Sealed.Nonce)
		ct, err3 := base64.StdEncoding.DecodeString(file.Sealed.Ciphertext)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, ErrCorruptKeyFile
		}
		pkcs8, err = XOpen(deriveSealKey(passphrase, salt), nonce, ct, pub)
		if err != nil {
			return nil, ErrBadPassphrase
		}
	case file.PrivateKey != "":
		var err error
		pkcs8, err = base64.StdEncoding.DecodeString(file.PrivateKey)
		if err != nil {
			return nil, ErrCorruptKeyFile
		}
	default:
		return nil, ErrCorruptKeyFile
	}
	id, err := ParsePrivateKey(pkcs8)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptKeyFile, err)
	}
	if file.DeviceID != "" && file.DeviceID != id.DeviceID() {
		return nil, fmt.Errorf("%w: device id mismatch", ErrCorruptKeyFile)
	}
	return id, nil
}
