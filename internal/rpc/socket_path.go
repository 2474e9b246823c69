//go:build !windows

package rpc

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
)

// MaxUnixSocketPath is the maximum length for Unix socket paths.
// macOS has a 104-byte limit (including null terminator), Linux has 108.
// We use 103 to be safe across platforms.
const MaxUnixSocketPath = 103

// tmpDir is where fallback sockets live. $TMPDIR is too long on macOS
// (/var/folders/xx/.../T/) and the socket path limit is tight.
const tmpDir = "/tmp"

// ShortSocketPath returns a socket path for a workspace. The natural
// location is <workspace>/.runner/runner.sock; when that exceeds the unix
// socket path limit the socket moves to /tmp/runner-{hash}/runner.sock,
// with the hash derived from the canonicalized workspace path so the same
// workspace always maps to the same directory.
func ShortSocketPath(workspacePath string) string {
	naturalPath := filepath.Join(workspacePath, ".runner", "runner.sock")
	if len(naturalPath) <= MaxUnixSocketPath {
		return naturalPath
	}
	return shortSocketDir(canonicalPath(workspacePath))
}

func canonicalPath(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return filepath.Clean(resolved)
}

// shortSocketDir returns a socket path in /tmp/runner-{hash}/. The hash is
// 8 hex characters from the SHA256 of the workspace path.
func shortSocketDir(canonical string) string {
	hash := sha256.Sum256([]byte(canonical))
	hashStr := hex.EncodeToString(hash[:4])
	return filepath.Join(tmpDir, "runner-"+hashStr, "runner.sock")
}

// EnsureSocketDir creates the socket directory if it doesn't exist.
// Only /tmp/runner-* directories are created here; a workspace .runner
// directory is expected to exist already.
func EnsureSocketDir(socketPath string) (string, error) {
	dir := filepath.Dir(socketPath)
	if strings.HasPrefix(dir, filepath.Join(tmpDir, "runner-")) {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", err
		}
	}
	return socketPath, nil
}

// CleanupSocketDir removes the socket file, and its directory too when it
// lives under /tmp/runner-*.
func CleanupSocketDir(socketPath string) error {
	dir := filepath.Dir(socketPath)
	if strings.HasPrefix(dir, filepath.Join(tmpDir, "runner-")) {
		_ = os.Remove(socketPath)
		return os.Remove(dir)
	}
	return os.Remove(socketPath)
}
