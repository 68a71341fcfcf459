package rubybuild

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3Mirror serves mirror lookups from an S3-compatible bucket
// (RUBY_BUILD_MIRROR_URL=s3://bucket/prefix). Cloudflare R2 and friends
// work through the custom endpoint in RUBY_BUILD_S3_ENDPOINT.
type s3Mirror struct {
	client *s3.Client
	bucket string
	prefix string
	ctx    context.Context
}

// newS3Mirror builds the mirror client from an s3:// base URL.
func newS3Mirror(ctx context.Context, cfg *Config, mirrorURL string) (*s3Mirror, error) {
	rest := strings.TrimPrefix(mirrorURL, "s3://")
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return nil, fmt.Errorf("invalid s3 mirror URL %q: missing bucket", mirrorURL)
	}

	region := cfg.Values["RUBY_BUILD_S3_REGION"]
	if region == "" {
		region = "auto"
	}

	options := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	accessKey := cfg.Values["RUBY_BUILD_S3_ACCESS_KEY"]
	secretKey := cfg.Values["RUBY_BUILD_S3_SECRET_KEY"]
	if accessKey != "" && secretKey != "" {
		options = append(options,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	if endpoint := cfg.Values["RUBY_BUILD_S3_ENDPOINT"]; endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, opts ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: endpoint}, nil
			})
		options = append(options, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	if Debug {
		options = append(options, awsconfig.WithClientLogMode(aws.LogRetries|aws.LogRequest))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load s3 mirror config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &s3Mirror{client: client, bucket: bucket, prefix: prefix, ctx: ctx}, nil
}

func (m *s3Mirror) Name() string { return "s3" }

// key maps a mirror-relative name (the checksum, for tarball mirrors) to an
// object key.
func (m *s3Mirror) key(name string) string {
	name = strings.TrimPrefix(name, "/")
	if m.prefix == "" {
		return name
	}
	return strings.TrimSuffix(m.prefix, "/") + "/" + name
}

func (m *s3Mirror) Head(name string) error {
	_, err := m.client.HeadObject(m.ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(name)),
	})
	if err != nil {
		return &DownloadError{URL: "s3://" + m.bucket + "/" + m.key(name), Err: err}
	}
	return nil
}

func (m *s3Mirror) Get(name, dest string) error {
	fullURL := "s3://" + m.bucket + "/" + m.key(name)
	output, err := m.client.GetObject(m.ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(name)),
	})
	if err != nil {
		return &DownloadError{URL: fullURL, Err: err}
	}
	defer output.Body.Close()

	if dest == "" {
		if _, err := io.Copy(os.Stdout, output.Body); err != nil {
			return &DownloadError{URL: fullURL, Err: err}
		}
		return nil
	}

	part := dest + ".part"
	out, err := os.Create(part)
	if err != nil {
		return &DownloadError{URL: fullURL, Err: err}
	}
	if _, err := io.Copy(out, output.Body); err != nil {
		out.Close()
		os.Remove(part)
		return &DownloadError{URL: fullURL, Err: err}
	}
	if err := out.Close(); err != nil {
		os.Remove(part)
		return &DownloadError{URL: fullURL, Err: err}
	}
	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return &DownloadError{URL: fullURL, Err: err}
	}
	return nil
}
