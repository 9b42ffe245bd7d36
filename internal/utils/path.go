package utils

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ResolvePath expands ~ and returns a cleaned absolute path.
func ResolvePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("path cannot be empty")
	}

	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", errors.New("failed to retrieve home directory")
		}
		path = strings.Replace(path, "~", homeDir, 1)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	return filepath.Clean(absPath), nil
}

// NormPath cleans a sync-tree path to the canonical slash-separated form
// used as the pairs table key: leading "/", no trailing "/".
func NormPath(path string) string {
	p := filepath.ToSlash(path)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

// ParentPath returns the parent of a canonical sync-tree path. The parent of
// "/" is "/".
func ParentPath(path string) string {
	p := NormPath(path)
	idx := strings.LastIndex(p, "/")
	if idx <= 0 {
		return "/"
	}
	return p[:idx]
}

// BaseName returns the last element of a canonical sync-tree path.
func BaseName(path string) string {
	p := NormPath(path)
	idx := strings.LastIndex(p, "/")
	return p[idx+1:]
}

// IsAncestorPath reports whether ancestor is path itself or one of its
// ancestors, in canonical path terms.
func IsAncestorPath(ancestor, path string) bool {
	a := NormPath(ancestor)
	p := NormPath(path)
	if a == p {
		return true
	}
	if a == "/" {
		return true
	}
	return strings.HasPrefix(p, a+"/")
}

func EnsureParent(path string) error {
	return EnsureDir(filepath.Dir(path))
}

func EnsureDir(path string) error {
	// already exists
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	return os.MkdirAll(path, 0o755)
}

func DirExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
