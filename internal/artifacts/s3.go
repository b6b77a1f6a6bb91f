package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const defaultContentType = "application/octet-stream"

type S3Config struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

type S3Store struct {
	bucket string
	client *s3.Client
}

// NewS3Store returns ErrNotConfigured when no bucket is set. Static
// credentials are used when an access key is given, otherwise the default
// AWS chain applies. A custom endpoint switches to path-style addressing.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, ErrNotConfigured
	}

	loadOpts := []func(*awsConfig.LoadOptions) error{awsConfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		provider := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		loadOpts = append(loadOpts, awsConfig.WithCredentialsProvider(provider))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{bucket: cfg.Bucket, client: client}, nil
}

func (s *S3Store) PutObject(ctx context.Context, key string, object Object) error {
	if len(object.Body) == 0 {
		return fmt.Errorf("archive %s: empty body", key)
	}
	contentType := object.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(object.Body),
		ContentLength: aws.Int64(int64(len(object.Body))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) GetObject(ctx context.Context, key string) (Object, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return Object{}, ErrObjectNotFound
		}
		return Object{}, fmt.Errorf("fetch %s: %w", key, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Object{}, fmt.Errorf("read %s: %w", key, err)
	}
	return Object{Body: body, ContentType: aws.ToString(resp.ContentType)}, nil
}

// EnsureLifecyclePolicy replaces the bucket lifecycle with one expiry rule
// per prefix.
func (s *S3Store) EnsureLifecyclePolicy(ctx context.Context, expirationDays int, prefixes []string) error {
	rules, err := lifecycleRules(expirationDays, prefixes)
	if err != nil {
		return err
	}

	_, err = s.client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket:                 aws.String(s.bucket),
		LifecycleConfiguration: &types.BucketLifecycleConfiguration{Rules: rules},
	})
	if err != nil {
		return fmt.Errorf("put bucket lifecycle configuration: %w", err)
	}
	return nil
}

func (s *S3Store) Close() error {
	return nil
}

func lifecycleRules(expirationDays int, prefixes []string) ([]types.LifecycleRule, error) {
	if expirationDays < 1 {
		return nil, fmt.Errorf("report retention must be at least one day, got %d", expirationDays)
	}
	abortDays := min(expirationDays, 7)

	scoped := uniquePrefixes(prefixes)
	rules := make([]types.LifecycleRule, 0, len(scoped))
	for i, prefix := range scoped {
		filter := &types.LifecycleRuleFilter{}
		if prefix != "" {
			filter.Prefix = aws.String(prefix)
		}
		rules = append(rules, types.LifecycleRule{
			ID:         aws.String(fmt.Sprintf("lp-reports-expire-%d", i+1)),
			Status:     types.ExpirationStatusEnabled,
			Filter:     filter,
			Expiration: &types.LifecycleExpiration{Days: aws.Int32(int32(expirationDays))},
			AbortIncompleteMultipartUpload: &types.AbortIncompleteMultipartUpload{
				DaysAfterInitiation: aws.Int32(int32(abortDays)),
			},
		})
	}
	return rules, nil
}

// uniquePrefixes trims and dedupes prefixes. No prefixes means one rule for
// the whole bucket.
func uniquePrefixes(prefixes []string) []string {
	seen := make(map[string]bool, len(prefixes))
	out := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		prefix = strings.TrimSpace(prefix)
		if seen[prefix] {
			continue
		}
		seen[prefix] = true
		out = append(out, prefix)
	}
	if len(out) == 0 {
		return []string{""}
	}
	return out
}
