/*
proofvault.go - Storage for uploaded proof-of-payment files

PURPOSE:
  The engine validates proof metadata; the bytes themselves land here.
  The vault hands back an opaque file reference the order carries. If
  the engine rejects the submission after the bytes were stored, the
  handler discards the file - a stored blob must never outlive a failed
  submission.
*/
package api

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ProofVault stores and discards proof files.
type ProofVault interface {
	// Save streams the file and returns an opaque reference.
	Save(orderID, filename string, r io.Reader) (ref string, size int64, err error)

	// Discard removes a stored file. Used when the submission fails
	// after the bytes landed.
	Discard(ref string) error
}

// DirVault stores proof files under a directory, one opaque name each.
type DirVault struct {
	Dir string
}

func NewDirVault(dir string) (*DirVault, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create proof dir: %w", err)
	}
	return &DirVault{Dir: dir}, nil
}

func (v *DirVault) Save(orderID, filename string, r io.Reader) (string, int64, error) {
	name := orderID + "-" + uuid.NewString() + filepath.Ext(filename)
	path := filepath.Join(v.Dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create proof file: %w", err)
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("failed to write proof file: %w", err)
	}
	return name, size, nil
}

func (v *DirVault) Discard(ref string) error {
	// ref is a name the vault generated, never a caller-supplied path.
	return os.Remove(filepath.Join(v.Dir, filepath.Base(ref)))
}
