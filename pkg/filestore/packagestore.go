package filestore

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/log"
)

// PackageStore manages unpacked application packages on local disk, one
// directory per tenant per session id: <base>/<tenant>/sessions/<id>/.
type PackageStore struct {
	base string
}

// NewPackageStore creates a package store rooted at the given directory
func NewPackageStore(base string) (*PackageStore, error) {
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("failed to create package store root: %w", err)
	}
	return &PackageStore{base: base}, nil
}

// Path returns the package directory for a session
func (p *PackageStore) Path(tenant string, sessionID uint64) string {
	return filepath.Join(p.base, tenant, "sessions", strconv.FormatUint(sessionID, 10))
}

// Exists reports whether a session's package directory exists on disk
func (p *PackageStore) Exists(tenant string, sessionID uint64) bool {
	info, err := os.Stat(p.Path(tenant, sessionID))
	return err == nil && info.IsDir()
}

// Unpack extracts a tar stream into a new session directory. An existing
// directory means a reused session id, which is illegal state rather than a
// conflict: conflicts carry an expected/observed generation pair and are
// reserved for activation races.
func (p *PackageStore) Unpack(tenant string, sessionID uint64, r io.Reader) (string, error) {
	dir := p.Path(tenant, sessionID)
	if _, err := os.Stat(dir); err == nil {
		return "", errdefs.IllegalStatef("package directory already exists for session %d", sessionID)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create session directory: %w", err)
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read package archive: %w", err)
		}

		name := filepath.Clean(hdr.Name)
		if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			continue
		}
		target := filepath.Join(dir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return "", fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return "", fmt.Errorf("failed to create parent directory: %w", err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0777)
			if err != nil {
				return "", fmt.Errorf("failed to create file: %w", err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return "", fmt.Errorf("failed to write file: %w", err)
			}
			f.Close()
		default:
			// Symlinks and device nodes have no place in a config package.
			log.WithComponent("filestore").Debug().
				Str("name", hdr.Name).
				Msg("skipping unsupported archive entry")
		}
	}

	return dir, nil
}

// Clone copies an existing session's package directory as the initial
// content of a new session. Fails if the target already exists.
func (p *PackageStore) Clone(tenant string, fromID, toID uint64) (string, error) {
	src := p.Path(tenant, fromID)
	dst := p.Path(tenant, toID)

	if _, err := os.Stat(src); err != nil {
		return "", errdefs.NotFoundf("package directory for session %d not found", fromID)
	}
	if _, err := os.Stat(dst); err == nil {
		return "", errdefs.IllegalStatef("package directory already exists for session %d", toID)
	}

	if err := copyTree(src, dst); err != nil {
		os.RemoveAll(dst)
		return "", fmt.Errorf("failed to clone package: %w", err)
	}
	return dst, nil
}

// Delete removes a session's package directory. Idempotent.
func (p *PackageStore) Delete(tenant string, sessionID uint64) error {
	if err := os.RemoveAll(p.Path(tenant, sessionID)); err != nil {
		return fmt.Errorf("failed to remove package directory: %w", err)
	}
	return nil
}

// SessionDirs lists the session ids that have package directories on disk
// for a tenant, including ids whose metadata may be gone.
func (p *PackageStore) SessionDirs(tenant string) ([]uint64, error) {
	entries, err := os.ReadDir(filepath.Join(p.base, tenant, "sessions"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list session directories: %w", err)
	}

	var ids []uint64
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := strconv.ParseUint(entry.Name(), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}

		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()

		info, err := d.Info()
		if err != nil {
			return err
		}

		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
		if err != nil {
			return err
		}
		defer out.Close()

		_, err = io.Copy(out, in)
		return err
	})
}
