package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/imagingdatacommons/idc-client-go/internal/log"
)

// FetchError reports a remote table fetch that did not complete. The
// destination path is guaranteed to be untouched when this is returned.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Store is a catalog-release-versioned directory of downloaded snapshot
// files. Files fetched under one release never collide with another.
type Store struct {
	root    string
	version string
	client  *http.Client
}

func NewStore(root, version string) *Store {
	return &Store{
		root:    root,
		version: version,
		client:  &http.Client{Timeout: 30 * time.Minute},
	}
}

// Dir returns the directory holding snapshot files for this catalog release.
func (s *Store) Dir() string {
	return filepath.Join(s.root, "indices", s.version)
}

// PathFor returns the local path a table's snapshot file is cached at.
func (s *Store) PathFor(tableName string) string {
	return filepath.Join(s.Dir(), tableName+".csv")
}

// Fetch downloads url into destPath. The transfer goes to a temporary file
// in the destination directory and is renamed into place only after the
// stream completed and, when the server declared a length, the byte count
// matched. On failure the temporary file is removed and destPath is left as
// it was. A concurrent fetch that lost the rename race is treated as
// success.
func (s *Store) Fetch(ctx context.Context, url, destPath string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return "", &FetchError{URL: url, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &FetchError{URL: url, Err: err}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &FetchError{URL: url, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	tmpPath := destPath + ".partial-" + uuid.NewString()
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return "", &FetchError{URL: url, Err: err}
	}

	written, copyErr := io.Copy(tmp, resp.Body)
	if copyErr == nil {
		copyErr = tmp.Sync()
	}
	if closeErr := tmp.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr == nil && resp.ContentLength >= 0 && written != resp.ContentLength {
		copyErr = fmt.Errorf("truncated transfer: got %d of %d bytes", written, resp.ContentLength)
	}
	if copyErr != nil {
		os.Remove(tmpPath)
		return "", &FetchError{URL: url, Err: copyErr}
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		// Another fetch may have completed first; the file under the final
		// name is a complete transfer either way.
		if _, statErr := os.Stat(destPath); statErr == nil {
			log.Logger.Debugf("Fetch of %s lost rename race, using existing file", url)
			return destPath, nil
		}
		return "", &FetchError{URL: url, Err: err}
	}

	log.Logger.Debugf("Fetched %s (%d bytes) to %s", url, written, destPath)
	return destPath, nil
}

// Installed reports whether a complete snapshot file is present at path.
func (s *Store) Installed(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Remove deletes a cached snapshot file, ignoring a missing file.
func (s *Store) Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
