// Package vault is the file-storage collaborator: note reads and writes
// rooted at one directory.
package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrNotFound    = errors.New("file not found")
	ErrOutsideRoot = errors.New("path escapes vault root")
)

// FS is the storage contract consumed by the undo store and workflows.
type FS interface {
	Exists(path string) (bool, error)
	ReadFile(path string) (string, error)
	WriteFile(path, content string) error
	DeleteFile(path string) error
}

// Vault is an FS on the local disk.
type Vault struct {
	root string
}

// New returns a vault rooted at dir, creating it if needed.
func New(dir string) (*Vault, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve vault dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	return &Vault{root: abs}, nil
}

// Root returns the absolute vault directory.
func (v *Vault) Root() string { return v.root }

// Resolve maps a vault-relative path to an absolute one.
func (v *Vault) Resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path: %w", ErrOutsideRoot)
	}
	p := filepath.Clean(filepath.FromSlash(path))
	if !filepath.IsAbs(p) {
		p = filepath.Join(v.root, p)
	}
	rel, err := filepath.Rel(v.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", path, ErrOutsideRoot)
	}
	return p, nil
}

// Rel maps an absolute path inside the vault to its slash-separated
// vault-relative form.
func (v *Vault) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(v.root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s: %w", abs, ErrOutsideRoot)
	}
	return filepath.ToSlash(rel), nil
}

// Exists reports whether path is present.
func (v *Vault) Exists(path string) (bool, error) {
	p, err := v.Resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}

// ReadFile returns the content of path, or ErrNotFound.
func (v *Vault) ReadFile(path string) (string, error) {
	p, err := v.Resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

// WriteFile writes content atomically via a temp file and rename.
func (v *Vault) WriteFile(path, content string) error {
	p, err := v.Resolve(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".razor-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// DeleteFile removes path. Deleting a missing file is not an error.
func (v *Vault) DeleteFile(path string) error {
	p, err := v.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// ReadJSON decodes path into out.
func (v *Vault) ReadJSON(path string, out any) error {
	data, err := v.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// WriteJSON encodes in as indented JSON and writes it atomically.
func (v *Vault) WriteJSON(path string, in any) error {
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return v.WriteFile(path, string(data))
}

// EnsureDir creates a directory inside the vault.
func (v *Vault) EnsureDir(path string) error {
	p, err := v.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}
