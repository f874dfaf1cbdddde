// Package vault implements the persistent state layout of spec §6: an
// encrypted secrets vault, a node-descriptor store, a group store, and a
// known_hosts-backed TOFU host-key store.
//
// Vault on-disk format: ["OXV1"][salt:16][nonce:12][ciphertext:n],
// where ciphertext is the ChaCha20-Poly1305 AEAD sealed output (its
// trailing 16 bytes are the authentication tag) and the key is derived
// from the user passphrase via Argon2id with memory >= 256 MiB and
// >= 4 iterations, per spec §6.
package vault

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/oxideterm/core/errs"
)

const (
	magic        = "OXV1"
	saltLen      = 16
	nonceLen     = 12
	argonTime    = 4
	argonMemory  = 256 * 1024 // KiB, spec §6: ">= 256 MiB memory"
	argonThreads = 4
	keyLen       = chacha20poly1305.KeySize
)

// Vault is the encrypted secrets container of spec §6. It holds one
// secret blob per node id, keyed by node id, serialized as a simple
// length-prefixed record set before encryption.
type Vault struct {
	path string

	mu      sync.Mutex
	salt    []byte
	key     []byte
	secrets map[string][]byte
	unlocked bool
}

// New constructs a Vault backed by the file at path. Callers must call
// Create (first use) or Unlock (subsequent uses) before Save/Get.
func New(path string) *Vault {
	return &Vault{path: path, secrets: make(map[string][]byte)}
}

// Create initializes a brand-new vault under passphrase and persists an
// empty secret set; core's UnlockVault calls it when no vault file exists
// yet.
func (v *Vault) Create(passphrase string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return errs.ErrInternal{Inner: err, Context: errs.InternalContext{Detail: "salt generation failed"}}
	}
	v.salt = salt
	v.key = deriveKey(passphrase, salt)
	v.secrets = make(map[string][]byte)
	v.unlocked = true
	return v.persistLocked()
}

// Unlock reads the vault file and decrypts it under passphrase (spec §8
// scenario 5). A wrong passphrase, or a ciphertext that fails
// authentication, returns AuthFailed; a missing file returns NotFound,
// and a truncated file, bad magic, or malformed payload returns
// ProtocolViolation.
func (v *Vault) Unlock(passphrase string) error {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		return errs.ErrNotFound{Inner: err, Context: errs.NotFoundContext{Kind: "vault file", ID: v.path}}
	}

	if len(raw) < len(magic)+saltLen+nonceLen {
		return errs.ErrProtocolViolation{Context: errs.ProtocolViolationContext{Reason: "vault file too short"}}
	}
	if string(raw[:len(magic)]) != magic {
		return errs.ErrProtocolViolation{Context: errs.ProtocolViolationContext{Reason: "bad vault magic"}}
	}
	cursor := len(magic)
	salt := raw[cursor : cursor+saltLen]
	cursor += saltLen
	nonce := raw[cursor : cursor+nonceLen]
	cursor += nonceLen
	ciphertext := raw[cursor:]

	key := deriveKey(passphrase, salt)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return errs.ErrInternal{Inner: err}
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return errs.ErrAuthFailed{Inner: err}
	}

	secrets, err := decodeSecrets(plaintext)
	if err != nil {
		return errs.ErrProtocolViolation{Inner: err, Context: errs.ProtocolViolationContext{Reason: "vault payload corrupt"}}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.salt = append([]byte(nil), salt...)
	v.key = key
	v.secrets = secrets
	v.unlocked = true
	return nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keyLen)
}

// Save stores secret under nodeID and persists the vault (spec §6
// vault.save control-surface op).
func (v *Vault) Save(nodeID string, secret []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.unlocked {
		return errs.ErrAuthRequired{Context: errs.AuthRequiredContext{NodeID: nodeID}}
	}
	v.secrets[nodeID] = append([]byte(nil), secret...)
	return v.persistLocked()
}

// Get returns the secret bytes stored for nodeID.
func (v *Vault) Get(nodeID string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.unlocked {
		return nil, errs.ErrAuthRequired{Context: errs.AuthRequiredContext{NodeID: nodeID}}
	}
	secret, ok := v.secrets[nodeID]
	if !ok {
		return nil, errs.ErrNotFound{Context: errs.NotFoundContext{Kind: "secret", ID: nodeID}}
	}
	return append([]byte(nil), secret...), nil
}

// Forget deletes nodeID's secret and persists the vault (spec §6
// vault.forget control-surface op).
func (v *Vault) Forget(nodeID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.unlocked {
		return errs.ErrAuthRequired{Context: errs.AuthRequiredContext{NodeID: nodeID}}
	}
	delete(v.secrets, nodeID)
	return v.persistLocked()
}

// persistLocked re-encrypts the full secret set under a fresh nonce and
// writes it to v.path. Caller must hold v.mu.
func (v *Vault) persistLocked() error {
	aead, err := chacha20poly1305.New(v.key)
	if err != nil {
		return errs.ErrInternal{Inner: err}
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return errs.ErrInternal{Inner: err, Context: errs.InternalContext{Detail: "nonce generation failed"}}
	}

	plaintext := encodeSecrets(v.secrets)
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.Write(v.salt)
	buf.Write(nonce)
	buf.Write(ciphertext)

	return os.WriteFile(v.path, buf.Bytes(), 0o600)
}

// Export writes a portable copy of the vault's current on-disk
// representation to path, with a trailing SHA-256 checksum of the
// preceding bytes appended (spec §6: "the optional portable export uses
// the same format with a SHA-256 integrity checksum appended").
func (v *Vault) Export(path string) error {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		return errs.ErrNotFound{Inner: err, Context: errs.NotFoundContext{Kind: "vault file", ID: v.path}}
	}
	sum := sha256.Sum256(raw)
	return os.WriteFile(path, append(raw, sum[:]...), 0o600)
}

// VerifyExport checks a portable export's trailing checksum against its
// body, without decrypting the payload.
func VerifyExport(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errs.ErrNotFound{Inner: err, Context: errs.NotFoundContext{Kind: "export file", ID: path}}
	}
	if len(raw) < sha256.Size {
		return errs.ErrProtocolViolation{Context: errs.ProtocolViolationContext{Reason: "export file too short"}}
	}
	body, sum := raw[:len(raw)-sha256.Size], raw[len(raw)-sha256.Size:]
	got := sha256.Sum256(body)
	if !bytes.Equal(got[:], sum) {
		return errs.ErrProtocolViolation{Context: errs.ProtocolViolationContext{Reason: "export checksum mismatch"}}
	}
	return nil
}

// encodeSecrets serializes the secret map as a sequence of
// [keyLen:u32][key][valLen:u32][val] records, order-independent since
// Get/Save/Forget never rely on encoding order.
func encodeSecrets(secrets map[string][]byte) []byte {
	var buf bytes.Buffer
	for k, val := range secrets {
		writeLenPrefixed(&buf, []byte(k))
		writeLenPrefixed(&buf, val)
	}
	return buf.Bytes()
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func decodeSecrets(raw []byte) (map[string][]byte, error) {
	secrets := make(map[string][]byte)
	r := bytes.NewReader(raw)
	for r.Len() > 0 {
		k, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		val, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		secrets[string(k)] = val
	}
	return secrets, nil
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Exists reports whether a vault file is already present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
