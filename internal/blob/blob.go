// Package blob reads uploaded source files from local storage. The
// object-storage service that receives uploads is outside this system;
// blob covers only the scoped download the ingestion pipeline needs.
package blob

import (
	"context"
	"fmt"
	"os"
)

// Dir fetches document bytes from a directory root. Reads go through
// os.Root so a malicious storage_path cannot traverse outside the
// configured directory.
type Dir struct {
	root string
}

// NewDir creates a Dir rooted at path.
func NewDir(path string) *Dir {
	return &Dir{root: path}
}

// Fetch reads the file stored at the given relative path.
func (d *Dir) Fetch(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if path == "" {
		return nil, fmt.Errorf("storage path is empty")
	}

	root, err := os.OpenRoot(d.root)
	if err != nil {
		return nil, fmt.Errorf("opening storage root: %w", err)
	}
	defer func() {
		_ = root.Close()
	}()

	data, err := root.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	return data, nil
}
