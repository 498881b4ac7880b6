package approval

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrExpired is returned when a signed URL's expires_at has passed.
var ErrExpired = errors.New("approval: signed url expired")

// ErrInvalidSignature is returned when the HMAC does not verify.
var ErrInvalidSignature = errors.New("approval: invalid signature")

func signingMessage(approvalID string, expiresAt int64, action string) []byte {
	return []byte(fmt.Sprintf("%s|%d|%s", approvalID, expiresAt, action))
}

// BuildURL constructs a signed approval URL of the form
// `{externalURL}/v1/approvals/{namespace}/{tenant}/{approvalID}?sig=<hex>&expires_at=<unix_ts>&kid=<key_id>`.
func BuildURL(ks *Keyset, externalURL, namespace, tenant, approvalID string, expiresAt time.Time, action string) (string, error) {
	kid := ks.CurrentKid()
	sig, err := ks.Sign(kid, signingMessage(approvalID, expiresAt.Unix(), action))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/v1/approvals/%s/%s/%s?sig=%s&expires_at=%d&kid=%s",
		externalURL, namespace, tenant, approvalID,
		hex.EncodeToString(sig), expiresAt.Unix(), kid), nil
}

// VerifySignedURL checks sigHex against the HMAC of
// {approvalID}|{expiresAt}|{action} under kid, and rejects an expired
// expiresAt.
func VerifySignedURL(ks *Keyset, approvalID, sigHex string, expiresAt int64, kid, action string, now time.Time) error {
	if now.Unix() > expiresAt {
		return ErrExpired
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return ErrInvalidSignature
	}
	if !ks.Verify(kid, signingMessage(approvalID, expiresAt, action), sig) {
		return ErrInvalidSignature
	}
	return nil
}

func parseUnix(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
