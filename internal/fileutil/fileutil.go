package fileutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNotRegular reports a path that exists but is not a regular file.
var ErrNotRegular = errors.New("not a regular file")

// RegularFile stats path and fails unless it names a regular file.
func RegularFile(path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: %w", path, ErrNotRegular)
	}
	return info, nil
}

// HashFile streams path through SHA-256 and returns the hex digest. The
// size read must match the size reported by stat, so a file that is still
// being written is rejected rather than hashed partially. Reading stops with
// ctx's error once ctx is done.
func HashFile(ctx context.Context, path string) (string, error) {
	info, err := RegularFile(path)
	if err != nil {
		return "", fmt.Errorf("stat source: %w", err)
	}

	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	digest, read, err := HashReader(contextReader{ctx: ctx, r: in})
	if err != nil {
		return "", err
	}
	if read != info.Size() {
		return "", fmt.Errorf("hash size mismatch: stat reported %d bytes, read %d bytes", info.Size(), read)
	}
	return digest, nil
}

// HashReader returns the hex SHA-256 of everything r yields and the byte
// count.
func HashReader(r io.Reader) (string, int64, error) {
	hasher := sha256.New()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

// contextReader fails reads once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
