package artifacts

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		AccessKeyID:     "AKIATEST",
		SecretAccessKey: "secret",
		Region:          "eu-central-1",
		BucketName:      "finreport-artifacts",
		EndpointURL:     "http://localhost:9000",
		Enabled:         true,
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, (&Config{}).Validate())

	cfg := testConfig()
	cfg.BucketName = ""
	assert.ErrorContains(t, cfg.Validate(), "S3_BUCKET_NAME")

	cfg = testConfig()
	cfg.AccessKeyID = ""
	assert.ErrorContains(t, cfg.Validate(), "S3_ACCESS_KEY_ID")
}

func TestNewClient_Disabled(t *testing.T) {
	_, err := NewClient(context.Background(), &Config{})
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestObjectKey(t *testing.T) {
	at := time.Date(2026, time.March, 4, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "reports/2026/03/abc.pdf", ObjectKey("abc", "pdf", at))
}

func TestPresignGet(t *testing.T) {
	c, err := NewClient(context.Background(), testConfig())
	require.NoError(t, err)

	raw, err := c.PresignGet(context.Background(), "/reports/2026/03/abc.pdf", "AAPL-detailed.pdf", 15*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", u.Host)
	assert.Equal(t, "/finreport-artifacts/reports/2026/03/abc.pdf", u.Path)

	q := u.Query()
	assert.Equal(t, "900", q.Get("X-Amz-Expires"))
	assert.NotEmpty(t, q.Get("X-Amz-Signature"))
	assert.Equal(t, "attachment; filename=AAPL-detailed.pdf", q.Get("response-content-disposition"))
	assert.Equal(t, "application/pdf", q.Get("response-content-type"))
}

func TestPresignGet_Errors(t *testing.T) {
	c, err := NewClient(context.Background(), testConfig())
	require.NoError(t, err)

	_, err = c.PresignGet(context.Background(), "  ", "x.pdf", time.Minute)
	assert.Error(t, err)
}

func TestClampTTL(t *testing.T) {
	assert.Equal(t, MinPresignTTL, clampTTL(time.Second))
	assert.Equal(t, MaxPresignTTL, clampTTL(30*24*time.Hour))
	assert.Equal(t, time.Hour, clampTTL(time.Hour))
}
