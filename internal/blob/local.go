package blob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Local is the development blob store: objects on disk, HMAC-signed URLs
// served back through the gateway itself. Not for production use.
type Local struct {
	root    string
	baseURL string
	secret  []byte
}

// NewLocal stores objects under root and signs URLs below baseURL.
func NewLocal(root, baseURL string, secret []byte) *Local {
	return &Local{root: root, baseURL: baseURL, secret: secret}
}

func (l *Local) objectPath(bucket, path string) string {
	return filepath.Join(l.root, bucket, filepath.FromSlash(path))
}

// Put writes the object to disk.
func (l *Local) Put(_ context.Context, bucket, path, _ string, r io.Reader) error {
	dst := l.objectPath(bucket, path)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Delete removes the object; missing files are fine.
func (l *Local) Delete(_ context.Context, bucket, path string) error {
	err := os.Remove(l.objectPath(bucket, path))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SignedURL returns a URL carrying an expiry and an HMAC over
// bucket|path|expiry, verifiable with Verify.
func (l *Local) SignedURL(_ context.Context, bucket, path string, ttl time.Duration) (string, error) {
	expires := time.Now().Add(clampTTL(ttl)).Unix()
	sig := l.sign(bucket, path, expires)
	return fmt.Sprintf("%s/%s/%s?expires=%d&sig=%s",
		l.baseURL, url.PathEscape(bucket), path, expires, sig), nil
}

// Verify checks a signature produced by SignedURL.
func (l *Local) Verify(bucket, path string, expires int64, sig string) bool {
	if time.Now().Unix() > expires {
		return false
	}
	return hmac.Equal([]byte(l.sign(bucket, path, expires)), []byte(sig))
}

func (l *Local) sign(bucket, path string, expires int64) string {
	mac := hmac.New(sha256.New, l.secret)
	mac.Write([]byte(bucket))
	mac.Write([]byte{'|'})
	mac.Write([]byte(path))
	mac.Write([]byte{'|'})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
