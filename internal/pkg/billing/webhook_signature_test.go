package billing

import (
	"encoding/base64"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVerifyWebhookSignature(t *testing.T) {
	payload := []byte(`{"type":"order.created","data":{"id":"ord_1"}}`)
	now := time.Unix(1_760_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	rawKey := []byte("super-secret-key")
	secret := "whsec_" + base64.StdEncoding.EncodeToString(rawKey)
	sig := SignWebhook(payload, "msg_1", ts, rawKey)

	tests := []struct {
		name    string
		payload []byte
		id      string
		ts      string
		header  string
		secret  string
		now     time.Time
		wantErr error
	}{
		{"valid", payload, "msg_1", ts, "v1," + sig, secret, now, nil},
		{"valid among several", payload, "msg_1", ts, "v1,bm9wZQ== v1," + sig, secret, now, nil},
		{"raw secret", payload, "msg_1", ts, "v1," + SignWebhook(payload, "msg_1", ts, []byte("plain")), "plain", now, nil},
		{"tampered payload", []byte(`{"type":"order.created"}`), "msg_1", ts, "v1," + sig, secret, now, ErrInvalidSignature},
		{"different id", payload, "msg_2", ts, "v1," + sig, secret, now, ErrInvalidSignature},
		{"unknown version", payload, "msg_1", ts, "v2," + sig, secret, now, ErrInvalidSignature},
		{"stale", payload, "msg_1", ts, "v1," + sig, secret, now.Add(10 * time.Minute), ErrStaleSignature},
		{"missing headers", payload, "", ts, "v1," + sig, secret, now, ErrMissingSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyWebhookSignature(tt.payload, tt.id, tt.ts, tt.header, tt.secret, tt.now)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestVerifyWebhookSignature_NoSecret(t *testing.T) {
	err := VerifyWebhookSignature([]byte("{}"), "id", "1", "v1,abc", "", time.Now())
	assert.Error(t, err)
}
