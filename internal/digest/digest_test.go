package digest

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBindsPathToContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	d1, err := File(path, "a.txt")
	require.NoError(t, err)
	d2, err := File(path, "b/a.txt")
	require.NoError(t, err)

	// same bytes, different relative location, different fingerprint
	assert.NotEqual(t, d1, d2)

	sum := md5.Sum([]byte("a.txt" + "hello"))
	assert.Equal(t, hex.EncodeToString(sum[:]), d1)
}

func TestFileNormalizesSeparators(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	d1, err := File(path, filepath.Join("d", "f"))
	require.NoError(t, err)
	d2, err := File(path, "d/f")
	require.NoError(t, err)
	assert.Equal(t, d2, d1)
}

func TestText(t *testing.T) {
	// md5("username") is stable; the user id derivation depends on it
	assert.Equal(t, "14c4b06b824ec593239362517f538b29", Text("username"))
}

func TestSignRoundTrip(t *testing.T) {
	sign := Sign("dir/file.bin", "abc123")
	rel, dig, err := SplitSign(sign)
	require.NoError(t, err)
	assert.Equal(t, "dir/file.bin", rel)
	assert.Equal(t, "abc123", dig)
}

func TestSplitSignMalformed(t *testing.T) {
	_, _, err := SplitSign("no-separator")
	assert.Error(t, err)
}

func TestVerifyPassword(t *testing.T) {
	creds := filepath.Join(t.TempDir(), "credentials.tsv")
	content := "alice\t" + Password("correct-horse") + "\n" +
		"bob\t" + Password("battery.staple") + "\n" +
		"malformed-line-without-tab\n"
	require.NoError(t, os.WriteFile(creds, []byte(content), 0o600))

	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{"valid first user", "alice", "correct-horse", true},
		{"valid second user", "bob", "battery.staple", true},
		{"wrong password", "alice", "battery.staple", false},
		{"unknown user", "carol", "whatever", false},
		{"username is not a substring match", "ali", "correct-horse", false},
		{"empty password", "alice", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifyPassword(creds, tt.username, tt.password))
		})
	}
}

func TestVerifyPasswordMissingFile(t *testing.T) {
	assert.False(t, VerifyPassword(filepath.Join(t.TempDir(), "nope"), "alice", "pw"))
}
