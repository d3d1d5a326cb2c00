package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderWebhookID        = "webhook-id"
	HeaderWebhookTimestamp = "webhook-timestamp"
	HeaderWebhookSignature = "webhook-signature"

	DefaultSignatureTolerance = 5 * time.Minute
)

var (
	ErrMissingSignature = errors.New("missing webhook signature headers")
	ErrStaleSignature   = errors.New("webhook timestamp outside tolerance")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// VerifyWebhookSignature checks a Standard Webhooks signature as sent by
// Polar: base64 HMAC-SHA256 over "id.timestamp.payload". The header may hold
// several space separated "v1,<sig>" entries; any match is accepted.
func VerifyWebhookSignature(payload []byte, id, timestamp, signatureHeader, secret string, now time.Time) error {
	id, timestamp = strings.TrimSpace(id), strings.TrimSpace(timestamp)
	if id == "" || timestamp == "" || strings.TrimSpace(signatureHeader) == "" {
		return ErrMissingSignature
	}
	key, err := webhookKey(secret)
	if err != nil {
		return err
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	sent := time.Unix(ts, 0)
	if now.Sub(sent) > DefaultSignatureTolerance || sent.Sub(now) > DefaultSignatureTolerance {
		return ErrStaleSignature
	}

	expected := SignWebhook(payload, id, timestamp, key)
	for _, part := range strings.Fields(signatureHeader) {
		version, sig, ok := strings.Cut(part, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// SignWebhook returns the base64 signature for the given message parts.
func SignWebhook(payload []byte, id, timestamp string, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id + "." + timestamp + "."))
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// webhookKey decodes "whsec_" secrets and uses any other secret as raw bytes.
func webhookKey(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("webhook secret is not configured")
	}
	if enc, ok := strings.CutPrefix(secret, "whsec_"); ok {
		key, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, errors.New("webhook secret is not valid base64")
		}
		return key, nil
	}
	return []byte(secret), nil
}
