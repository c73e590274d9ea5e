// Package vault provides read access to a note vault: a directory tree of
// markdown documents, filtered by extension and exclusion prefixes.
package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/notedex/notedex/internal/errors"
)

// DefaultMaxFileSize is the largest document the vault will surface (10MB).
// Anything bigger is almost certainly not a note.
const DefaultMaxFileSize = 10 * 1024 * 1024

// FileInfo describes an indexable document in the vault.
type FileInfo struct {
	// Path is relative to the vault root, slash-separated.
	Path string

	// AbsPath is the absolute filesystem path.
	AbsPath string

	// Size in bytes.
	Size int64

	// ModTime is the filesystem modification time.
	ModTime time.Time
}

// Vault is the document source the indexing pipeline reads from.
type Vault interface {
	// Root returns the absolute vault root.
	Root() string

	// List enumerates all indexable documents.
	List(ctx context.Context) ([]FileInfo, error)

	// Read loads a document by its vault-relative path.
	Read(ctx context.Context, relPath string) ([]byte, FileInfo, error)

	// Accepts reports whether a vault-relative path is indexable
	// (matching extension, not under an exclusion prefix).
	Accepts(relPath string) bool
}

// Options configures document selection.
type Options struct {
	// Extensions lists indexable file extensions, with dot.
	Extensions []string

	// Exclude lists vault-relative path prefixes that are never indexed.
	Exclude []string

	// MaxFileSize caps document size in bytes (default 10MB).
	MaxFileSize int64
}

// LocalVault reads documents from a directory on the local filesystem.
type LocalVault struct {
	root        string
	extensions  map[string]bool
	exclude     []string
	maxFileSize int64
}

var _ Vault = (*LocalVault)(nil)

// Open validates the root directory and returns a vault over it.
func Open(root string, opts Options) (*LocalVault, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve vault root: %w", err)
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("vault root %s is not accessible", absRoot), err)
	}
	if !info.IsDir() {
		return nil, errors.New(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("vault root %s is not a directory", absRoot), nil)
	}

	extensions := make(map[string]bool, len(opts.Extensions))
	for _, ext := range opts.Extensions {
		extensions[strings.ToLower(ext)] = true
	}

	exclude := make([]string, 0, len(opts.Exclude))
	for _, prefix := range opts.Exclude {
		prefix = strings.Trim(path.Clean(filepath.ToSlash(prefix)), "/")
		if prefix != "" && prefix != "." {
			exclude = append(exclude, prefix)
		}
	}

	maxSize := opts.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}

	return &LocalVault{
		root:        absRoot,
		extensions:  extensions,
		exclude:     exclude,
		maxFileSize: maxSize,
	}, nil
}

// Root returns the absolute vault root.
func (v *LocalVault) Root() string {
	return v.root
}

// Accepts reports whether a vault-relative path is indexable.
func (v *LocalVault) Accepts(relPath string) bool {
	relPath = filepath.ToSlash(relPath)
	if relPath == "" || relPath == "." || strings.HasPrefix(relPath, "../") {
		return false
	}
	if v.Excluded(relPath) {
		return false
	}
	return v.extensions[strings.ToLower(path.Ext(relPath))]
}

// Excluded reports whether a vault-relative path falls under an exclusion
// prefix. Unlike Accepts it ignores the extension, so it also answers for
// directories.
func (v *LocalVault) Excluded(relPath string) bool {
	relPath = strings.Trim(filepath.ToSlash(relPath), "/")
	for _, prefix := range v.exclude {
		if relPath == prefix || strings.HasPrefix(relPath, prefix+"/") {
			return true
		}
	}
	return false
}

// List walks the vault and returns all indexable documents, sorted by the
// walk order (lexical within each directory).
func (v *LocalVault) List(ctx context.Context) ([]FileInfo, error) {
	var files []FileInfo

	err := filepath.WalkDir(v.root, func(p string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			return nil // skip unreadable entries
		}

		relPath, err := filepath.Rel(v.root, p)
		if err != nil {
			return nil
		}
		relPath = filepath.ToSlash(relPath)
		if relPath == "." {
			return nil
		}

		if d.IsDir() {
			if v.Excluded(relPath) {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if !v.Accepts(relPath) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Size() > v.maxFileSize {
			return nil
		}

		files = append(files, FileInfo{
			Path:    relPath,
			AbsPath: p,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// Read loads a document by its vault-relative path.
func (v *LocalVault) Read(ctx context.Context, relPath string) ([]byte, FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, FileInfo{}, err
	}

	relPath = filepath.ToSlash(path.Clean(relPath))
	if relPath == "." || strings.HasPrefix(relPath, "../") || path.IsAbs(relPath) {
		return nil, FileInfo{}, errors.ValidationError(
			fmt.Sprintf("path %q is outside the vault", relPath))
	}
	if !v.Accepts(relPath) {
		return nil, FileInfo{}, errors.New(errors.ErrCodeExcludedPath,
			fmt.Sprintf("path %s is excluded from indexing", relPath), nil).
			WithDetail("path", relPath)
	}

	absPath := filepath.Join(v.root, filepath.FromSlash(relPath))
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, FileInfo{}, errors.DocumentReadError(relPath, err)
	}
	if info.Size() > v.maxFileSize {
		return nil, FileInfo{}, errors.DocumentReadError(relPath,
			fmt.Errorf("document exceeds size cap (%d bytes)", info.Size()))
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, FileInfo{}, errors.DocumentReadError(relPath, err)
	}

	return data, FileInfo{
		Path:    relPath,
		AbsPath: absPath,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// ContentHash returns the hex SHA-256 of a document body, used to detect
// content changes independent of modification times.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
