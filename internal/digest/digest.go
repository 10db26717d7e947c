// Package digest computes the content fingerprints and credential hashes
// used by the backup protocol. MD5 here is a fingerprint, not a security
// primitive; passwords are checked against SHA-512 entries.
package digest

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// File returns the MD5 hex digest of the concatenation of the relative path
// (slash-separated) and the file content at absolute. Including the path
// binds a content version to its location: identical bytes at two paths
// produce two different signs.
func File(absolute, relative string) (string, error) {
	f, err := os.Open(absolute)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", absolute, err)
	}
	defer f.Close()

	h := md5.New()
	io.WriteString(h, filepath.ToSlash(relative)) //nolint:errcheck // hash writes cannot fail
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", absolute, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Text returns the MD5 hex digest of s. Used to derive per-user backup
// directory ids from usernames.
func Text(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Sign composes the unique name of a file version at a location:
// the relative path and the digest joined by a NUL byte.
func Sign(relative, digest string) string {
	return filepath.ToSlash(relative) + "\x00" + digest
}

// SplitSign is the inverse of Sign.
func SplitSign(sign string) (relative, digest string, err error) {
	i := strings.IndexByte(sign, 0)
	if i < 0 {
		return "", "", fmt.Errorf("malformed sign %q", sign)
	}
	return sign[:i], sign[i+1:], nil
}
