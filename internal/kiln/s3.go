package kiln

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Client wraps the S3 client used for s3:// source URLs. Any
// S3-compatible store (R2, MinIO) works through KILN_S3_ENDPOINT.
type S3Client struct {
	Client *s3.Client
}

// NewS3Client initializes a client from KILN_S3_* configuration values,
// falling back to the SDK's default credential chain.
func NewS3Client(ctx context.Context, cfg *Config) (*S3Client, error) {
	region := cfg.Values["KILN_S3_REGION"]
	if region == "" {
		region = "auto"
	}
	options := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	accessKey := cfg.Values["KILN_S3_ACCESS_KEY_ID"]
	secretKey := cfg.Values["KILN_S3_SECRET_ACCESS_KEY"]
	if accessKey != "" || secretKey != "" {
		if accessKey == "" || secretKey == "" {
			return nil, fmt.Errorf("KILN_S3_ACCESS_KEY_ID and KILN_S3_SECRET_ACCESS_KEY must be set together")
		}
		options = append(options, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	if Debug {
		options = append(options, config.WithClientLogMode(aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	endpoint := strings.TrimRight(cfg.Values["KILN_S3_ENDPOINT"], "/")
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Client{Client: client}, nil
}

// parseS3URL splits s3://bucket/key.
func parseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Scheme != "s3" || u.Host == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 url %q, want s3://bucket/key", raw)
	}
	return u.Host, key, nil
}

// Download streams s3://bucket/key into w.
func (c *S3Client) Download(ctx context.Context, rawURL string, w io.Writer) error {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return err
	}
	output, err := c.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", rawURL, err)
	}
	defer output.Body.Close()

	if _, err := io.Copy(w, output.Body); err != nil {
		return fmt.Errorf("failed to read %s: %w", rawURL, err)
	}
	return nil
}
