package rubybuild

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewS3MirrorRequiresBucket(t *testing.T) {
	cfg := testConfig(t)
	_, err := newS3Mirror(context.Background(), cfg, "s3://")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing bucket")
}

func TestNewS3MirrorParsesBucketAndPrefix(t *testing.T) {
	cfg := testConfig(t)
	cfg.Values["RUBY_BUILD_S3_REGION"] = "us-east-1"

	m, err := newS3Mirror(context.Background(), cfg, "s3://my-mirror/ruby/tarballs")
	require.NoError(t, err)
	assert.Equal(t, "my-mirror", m.bucket)
	assert.Equal(t, "ruby/tarballs", m.prefix)
	assert.Equal(t, "s3", m.Name())
}

func TestS3MirrorKey(t *testing.T) {
	m := &s3Mirror{prefix: "ruby/tarballs"}
	assert.Equal(t, "ruby/tarballs/deadbeef", m.key("deadbeef"))
	assert.Equal(t, "ruby/tarballs/deadbeef", m.key("/deadbeef"))

	m = &s3Mirror{}
	assert.Equal(t, "deadbeef", m.key("deadbeef"))
}
