// Package approval implements the human-approval queue and its
// HMAC-signed approve/reject URLs.
package approval

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"sync"
)

// ErrUnknownKid is returned when a signature names a kid the keyset does
// not hold.
var ErrUnknownKid = errors.New("approval: unknown kid")

// Keyset is a rotating set of HMAC signing keys identified by kid (spec
// §6 "using the key identified by kid from a rotating keyset"). Old kids
// are kept so URLs issued before a rotation still verify.
type Keyset struct {
	mu         sync.RWMutex
	keys       map[string][]byte
	currentKid string
}

// NewKeyset builds a Keyset. currentKid must be a key present in keys.
func NewKeyset(currentKid string, keys map[string][]byte) (*Keyset, error) {
	if _, ok := keys[currentKid]; !ok {
		return nil, errors.New("approval: currentKid not present in keys")
	}
	copied := make(map[string][]byte, len(keys))
	for k, v := range keys {
		copied[k] = append([]byte(nil), v...)
	}
	return &Keyset{keys: copied, currentKid: currentKid}, nil
}

// CurrentKid returns the kid new signatures are issued under.
func (k *Keyset) CurrentKid() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.currentKid
}

// Rotate adds or replaces a key and makes it current.
func (k *Keyset) Rotate(kid string, key []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[kid] = append([]byte(nil), key...)
	k.currentKid = kid
}

// Sign computes the HMAC-SHA256 of message under kid.
func (k *Keyset) Sign(kid string, message []byte) ([]byte, error) {
	k.mu.RLock()
	key, ok := k.keys[kid]
	k.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownKid
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil), nil
}

// Verify reports whether sig is the HMAC-SHA256 of message under kid.
func (k *Keyset) Verify(kid string, message, sig []byte) bool {
	expected, err := k.Sign(kid, message)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, sig)
}
