package audit

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// ErrUnknownKid is returned when an envelope names a kid the encryptor
// does not hold a key for and no fallback key decrypts it.
var ErrUnknownKid = errors.New("audit: no key could decrypt envelope")

var envelopePattern = regexp.MustCompile(`^ENC\[AES256-GCM,(?:kid:([^,]+),)?data:([^,]+),iv:([^,]+),tag:([^\]]+)\]$`)

// EncryptionKeyset holds AES-256 keys (32 bytes each) by kid. Keys are
// zeroized on Close so no plaintext key material is retained beyond the
// process needing it.
type EncryptionKeyset struct {
	mu         sync.RWMutex
	keys       map[string][]byte
	currentKid string
}

// NewEncryptionKeyset validates every key is 32 bytes and indexes them.
func NewEncryptionKeyset(currentKid string, keys map[string][]byte) (*EncryptionKeyset, error) {
	for kid, k := range keys {
		if len(k) != 32 {
			return nil, fmt.Errorf("audit: key %q must be 32 bytes, got %d", kid, len(k))
		}
	}
	if _, ok := keys[currentKid]; !ok {
		return nil, fmt.Errorf("audit: currentKid %q not present in keys", currentKid)
	}
	copied := make(map[string][]byte, len(keys))
	for k, v := range keys {
		copied[k] = append([]byte(nil), v...)
	}
	return &EncryptionKeyset{keys: copied, currentKid: currentKid}, nil
}

// Close zeroizes all key material.
func (ks *EncryptionKeyset) Close() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	for kid, k := range ks.keys {
		for i := range k {
			k[i] = 0
		}
		delete(ks.keys, kid)
	}
}

func (ks *EncryptionKeyset) all() map[string][]byte {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make(map[string][]byte, len(ks.keys))
	for k, v := range ks.keys {
		out[k] = v
	}
	return out
}

func (ks *EncryptionKeyset) current() (string, []byte) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.currentKid, ks.keys[ks.currentKid]
}

// Encryptor wraps a Store's Payload field in an AES-256-GCM envelope:
// `ENC[AES256-GCM,kid:<id>,data:<b64>,iv:<b64 12B>,tag:<b64 16B>]`.
type Encryptor struct {
	inner  Store
	keyset *EncryptionKeyset
}

// NewEncryptor wraps inner, encrypting Payload with keyset's current key.
func NewEncryptor(inner Store, keyset *EncryptionKeyset) *Encryptor {
	return &Encryptor{inner: inner, keyset: keyset}
}

func encryptPayload(keyset *EncryptionKeyset, payload map[string]interface{}) (string, error) {
	if len(payload) == 0 {
		return "", nil
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	kid, key := keyset.current()
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)
	data := sealed[:len(sealed)-aead.Overhead()]
	tag := sealed[len(sealed)-aead.Overhead():]

	return fmt.Sprintf("ENC[AES256-GCM,kid:%s,data:%s,iv:%s,tag:%s]",
		kid,
		base64.StdEncoding.EncodeToString(data),
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(tag),
	), nil
}

// decryptPayload decrypts env, trying the kid-matched key first and
// falling back to every key (legacy envelopes predate the kid field).
// A plain (non-envelope) string is decoded as JSON; one that is not a
// JSON object yields a nil payload.
func decryptPayload(keyset *EncryptionKeyset, env string) (map[string]interface{}, error) {
	if env == "" {
		return nil, nil
	}
	if !strings.HasPrefix(env, "ENC[") {
		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(env), &payload); err != nil {
			return nil, nil
		}
		return payload, nil
	}

	m := envelopePattern.FindStringSubmatch(env)
	if m == nil {
		return nil, fmt.Errorf("audit: malformed envelope")
	}
	kid, dataB64, ivB64, tagB64 := m[1], m[2], m[3], m[4]

	data, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		return nil, err
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return nil, err
	}
	tag, err := base64.StdEncoding.DecodeString(tagB64)
	if err != nil {
		return nil, err
	}
	sealed := append(append([]byte(nil), data...), tag...)

	all := keyset.all()
	var tryKeys [][]byte
	if k, ok := all[kid]; ok && kid != "" {
		tryKeys = append(tryKeys, k)
	}
	for name, v := range all {
		if name != kid || kid == "" {
			tryKeys = append(tryKeys, v)
		}
	}

	for _, key := range tryKeys {
		block, err := aes.NewCipher(key)
		if err != nil {
			continue
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			continue
		}
		plaintext, err := aead.Open(nil, iv, sealed, nil)
		if err != nil {
			continue
		}
		var payload map[string]interface{}
		if err := json.Unmarshal(plaintext, &payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
	return nil, ErrUnknownKid
}

func (e *Encryptor) Record(ctx context.Context, r *Record) error {
	cp := *r
	env, err := encryptPayload(e.keyset, r.Payload)
	if err != nil {
		return err
	}
	if env != "" {
		cp.Payload = map[string]interface{}{"__enc__": env}
	}
	return e.inner.Record(ctx, &cp)
}

func (e *Encryptor) decryptRecord(r *Record) (*Record, error) {
	if r == nil {
		return nil, nil
	}
	env, _ := r.Payload["__enc__"].(string)
	if env == "" {
		return r, nil
	}
	payload, err := decryptPayload(e.keyset, env)
	if err != nil {
		return nil, err
	}
	cp := *r
	cp.Payload = payload
	return &cp, nil
}

func (e *Encryptor) GetByActionID(ctx context.Context, actionID string) ([]*Record, error) {
	records, err := e.inner.GetByActionID(ctx, actionID)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(records))
	for _, r := range records {
		dec, err := e.decryptRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, dec)
	}
	return out, nil
}

func (e *Encryptor) GetByID(ctx context.Context, id string) (*Record, error) {
	r, err := e.inner.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.decryptRecord(r)
}

func (e *Encryptor) Query(ctx context.Context, f Filter) (Page, error) {
	page, err := e.inner.Query(ctx, f)
	if err != nil {
		return Page{}, err
	}
	for i, r := range page.Records {
		dec, err := e.decryptRecord(r)
		if err != nil {
			return Page{}, err
		}
		page.Records[i] = dec
	}
	return page, nil
}

func (e *Encryptor) CleanupExpired(ctx context.Context) (int, error) {
	return e.inner.CleanupExpired(ctx)
}
