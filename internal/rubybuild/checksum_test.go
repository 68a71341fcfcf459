package rubybuild

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func sha256Hex(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func TestVerifyChecksumEmptyExpected(t *testing.T) {
	path := writeFile(t, t.TempDir(), "a.tar.gz", "payload")
	assert.NoError(t, VerifyChecksum(path, ""))
}

func TestVerifyChecksumMissingFile(t *testing.T) {
	err := VerifyChecksum(filepath.Join(t.TempDir(), "nope.tar.gz"), sha256Hex("anything"))
	assert.NoError(t, err)
}

func TestVerifyChecksumUnsupportedLength(t *testing.T) {
	// 40 hex chars (sha1) is not a supported format. The check must fail
	// before the file is consulted, so a nonexistent path still reports
	// the format error rather than succeeding trivially.
	sha1Like := strings.Repeat("ab", 20)
	err := VerifyChecksum(filepath.Join(t.TempDir(), "nope.tar.gz"), sha1Like)
	require.Error(t, err)

	var formatErr *UnsupportedChecksumFormatError
	require.ErrorAs(t, err, &formatErr)
	assert.Equal(t, sha1Like, formatErr.Checksum)
}

func TestVerifyChecksumSHA256(t *testing.T) {
	path := writeFile(t, t.TempDir(), "a.tar.gz", "payload")
	assert.NoError(t, VerifyChecksum(path, sha256Hex("payload")))
}

func TestVerifyChecksumCaseInsensitive(t *testing.T) {
	path := writeFile(t, t.TempDir(), "a.tar.gz", "payload")
	assert.NoError(t, VerifyChecksum(path, strings.ToUpper(sha256Hex("payload"))))
}

func TestVerifyChecksumMismatch(t *testing.T) {
	path := writeFile(t, t.TempDir(), "a.tar.gz", "payload")
	expected := sha256Hex("something else")

	err := VerifyChecksum(path, expected)
	require.Error(t, err)

	var mismatch *ChecksumMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, path, mismatch.Path)
	assert.Equal(t, expected, mismatch.Expected)
	assert.Equal(t, sha256Hex("payload"), mismatch.Actual)
}

func TestVerifyChecksumMD5(t *testing.T) {
	path := writeFile(t, t.TempDir(), "a.tar.gz", "payload")
	sum := md5.Sum([]byte("payload"))
	assert.NoError(t, VerifyChecksum(path, hex.EncodeToString(sum[:])))
}

func TestHashString(t *testing.T) {
	a := hashString("https://github.com/ruby/ruby.git")
	b := hashString("https://github.com/ruby/ruby.git")
	c := hashString("https://gitlab.com/ruby/ruby.git")

	assert.Len(t, a, 16)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
