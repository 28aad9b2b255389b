package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	apperrors "wholesale_backend/pkg/errors"
)

const signaturePrefix = "sha256="

// VerifySignature checks the X-Hub-Signature-256 header: an HMAC-SHA256 of
// the raw body keyed with the shared app secret.
func VerifySignature(appSecret string, body []byte, header string) error {
	if appSecret == "" {
		return fmt.Errorf("%w: app secret not configured", apperrors.ErrAuthorization)
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return fmt.Errorf("%w: malformed signature header", apperrors.ErrAuthorization)
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return fmt.Errorf("%w: malformed signature header", apperrors.ErrAuthorization)
	}

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), want) {
		return fmt.Errorf("%w: signature mismatch", apperrors.ErrAuthorization)
	}
	return nil
}

// VerifyHandshake answers the provider's GET subscription challenge. On
// success the caller must echo the challenge back verbatim.
func VerifyHandshake(verifyToken, mode, token, challenge string) (string, error) {
	if mode != "subscribe" || token == "" || token != verifyToken {
		return "", fmt.Errorf("%w: webhook verification failed", apperrors.ErrAuthorization)
	}
	return challenge, nil
}
