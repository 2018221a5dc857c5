package replay

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/require"
)

func gzipped(t *testing.T, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	var gz = pgzip.NewWriter(&buf)
	_, err := gz.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func checksumOf(content string) string {
	var digest = sha1.Sum([]byte(content))
	return hex.EncodeToString(digest[:])
}

func TestDownloadVerifyConsume(t *testing.T) {
	var ctx = context.Background()
	var script = "INSERT INTO wp_posts (post_title) VALUES ('x') #mbend\n"

	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(gzipped(t, script))
	}))
	defer server.Close()

	var d = NewDownloader(t.TempDir())
	require.NoError(t, d.Fetch(ctx, server.URL, checksumOf(script), 7))

	var consumed string
	require.NoError(t, d.Consume(7, func(r io.Reader) error {
		var content, err = io.ReadAll(r)
		consumed = string(content)
		return err
	}))
	require.Equal(t, script, consumed)

	// The staged file is gone after consumption.
	_, err := os.Stat(d.scriptPath(7))
	require.True(t, os.IsNotExist(err))
}

func TestDownloadChecksumMismatch(t *testing.T) {
	var ctx = context.Background()
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(gzipped(t, "tampered content"))
	}))
	defer server.Close()

	var d = NewDownloader(t.TempDir())
	var err = d.Fetch(ctx, server.URL, checksumOf("original content"), 7)
	var checksumErr *ChecksumError
	require.ErrorAs(t, err, &checksumErr)

	// Nothing was staged.
	_, statErr := os.Stat(d.scriptPath(7))
	require.True(t, os.IsNotExist(statErr))
}

func TestDownloadHTTPError(t *testing.T) {
	var ctx = context.Background()
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer server.Close()

	var d = NewDownloader(t.TempDir())
	require.Error(t, d.Fetch(ctx, server.URL, checksumOf(""), 7))
}

func TestConsumeDeletesOnFailureToo(t *testing.T) {
	var d = NewDownloader(t.TempDir())
	require.NoError(t, os.WriteFile(d.scriptPath(3), []byte("stale"), 0o600))

	var sentinel = io.ErrUnexpectedEOF
	require.ErrorIs(t, d.Consume(3, func(io.Reader) error { return sentinel }), sentinel)
	_, err := os.Stat(d.scriptPath(3))
	require.True(t, os.IsNotExist(err))
}
