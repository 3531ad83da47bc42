// Package cleanup removes intermediate partition stores once their rows are
// safely merged.
package cleanup

import (
	"errors"
	"fmt"
	"os"
)

// Sidecars are the files SQLite may leave next to a database.
var Sidecars = []string{"-journal", "-wal", "-shm"}

// Remove deletes each store and its SQLite sidecar files. A file that is
// already gone is not an error. It returns the store paths that were
// removed, or were already absent, and every failure joined into one error.
func Remove(paths []string) ([]string, error) {
	var (
		removed []string
		errs    []error
	)
	for _, p := range paths {
		if err := removeFile(p); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, p)

		for _, suffix := range Sidecars {
			if err := removeFile(p + suffix); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return removed, errors.Join(errs...)
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}
