package replay

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
	"resty.dev/v3"
)

// ChecksumError means a downloaded script did not match the checksum the
// authority supplied out-of-band; replay never starts on such a script.
type ChecksumError struct {
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("script checksum mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// Downloader fetches gzip-compressed deployment scripts, verifies their
// integrity, and stages them in a private working directory for one-shot
// consumption.
type Downloader struct {
	client *resty.Client
	dir    string
}

func NewDownloader(dir string) *Downloader {
	return &Downloader{client: resty.New(), dir: dir}
}

// scriptPath is the single well-known staging location per changeset.
func (d *Downloader) scriptPath(changesetID int64) string {
	return filepath.Join(d.dir, fmt.Sprintf("deployment-%d.sql", changesetID))
}

// Fetch downloads the script for a changeset, decompresses it, verifies the
// SHA-1 of the decompressed content against the supplied checksum, and
// writes it to the staging file.
func (d *Downloader) Fetch(ctx context.Context, url, checksum string, changesetID int64) error {
	var res, err = d.client.NewRequest().WithContext(ctx).Get(url)
	if err != nil {
		return fmt.Errorf("downloading deployment script: %w", err)
	}
	if !res.IsSuccess() {
		return fmt.Errorf("downloading deployment script: %s", res.Status())
	}

	gz, err := pgzip.NewReader(bytes.NewReader(res.Bytes()))
	if err != nil {
		return fmt.Errorf("decompressing deployment script: %w", err)
	}
	content, err := io.ReadAll(gz)
	if err != nil {
		return fmt.Errorf("decompressing deployment script: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("decompressing deployment script: %w", err)
	}

	var digest = sha1.Sum(content)
	var actual = hex.EncodeToString(digest[:])
	if !strings.EqualFold(actual, checksum) {
		return &ChecksumError{Expected: strings.ToLower(checksum), Actual: actual}
	}

	if err := os.MkdirAll(d.dir, 0o700); err != nil {
		return fmt.Errorf("creating script directory: %w", err)
	}
	if err := os.WriteFile(d.scriptPath(changesetID), content, 0o600); err != nil {
		return fmt.Errorf("staging deployment script: %w", err)
	}
	log.WithFields(log.Fields{"changeset": changesetID, "bytes": len(content)}).
		Info("deployment script staged")
	return nil
}

// Consume opens the staged script, hands it to fn, and deletes the file
// regardless of the outcome so stale content can never be re-applied.
func (d *Downloader) Consume(changesetID int64, fn func(io.Reader) error) error {
	var path = d.scriptPath(changesetID)
	var file, err = os.Open(path)
	if err != nil {
		return fmt.Errorf("opening staged script: %w", err)
	}
	defer func() {
		file.Close()
		if err := os.Remove(path); err != nil {
			log.WithFields(log.Fields{"path": path, "err": err}).
				Warn("failed to remove consumed script")
		}
	}()
	return fn(file)
}
