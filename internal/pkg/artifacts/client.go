package artifacts

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"
)

const (
	MinPresignTTL = time.Minute
	MaxPresignTTL = 7 * 24 * time.Hour
)

var ErrDisabled = errors.New("report artifact storage is disabled")

// Client issues presigned links to report artifacts stored in S3.
type Client struct {
	s3Client  *s3.Client
	presigner *s3.PresignClient
	config    *Config
}

// NewClient creates an artifact client. It does not contact the bucket;
// use Check for that.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, ErrDisabled
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})

	return &Client{
		s3Client:  s3Client,
		presigner: s3.NewPresignClient(s3Client),
		config:    cfg,
	}, nil
}

// NewClientFromEnv returns nil without error when artifacts are disabled.
func NewClientFromEnv(ctx context.Context) (*Client, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		log.Infof("[Artifacts] Report artifact storage disabled")
		return nil, nil
	}
	c, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.Infof("[Artifacts] Presigning downloads from bucket: %s", cfg.BucketName)
	return c, nil
}

// Check verifies that the bucket is reachable.
func (c *Client) Check(ctx context.Context) error {
	_, err := c.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.config.BucketName),
	})
	if err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", c.config.BucketName, err)
	}
	return nil
}

// PresignGet returns a GET URL for key that asks the browser to save the
// object as filename. ttl is clamped to what S3 accepts.
func (c *Client) PresignGet(ctx context.Context, key, filename string, ttl time.Duration) (string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	if key == "" {
		return "", errors.New("object key is required")
	}
	ttl = clampTTL(ttl)

	input := &s3.GetObjectInput{
		Bucket: aws.String(c.config.BucketName),
		Key:    aws.String(key),
	}
	if filename != "" {
		input.ResponseContentDisposition = aws.String(contentDisposition(filename))
		if ct := mime.TypeByExtension(path.Ext(filename)); ct != "" {
			input.ResponseContentType = aws.String(ct)
		}
	}

	req, err := c.presigner.PresignGetObject(ctx, input, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return req.URL, nil
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl < MinPresignTTL {
		return MinPresignTTL
	}
	if ttl > MaxPresignTTL {
		return MaxPresignTTL
	}
	return ttl
}

func contentDisposition(filename string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(filename)})
}
