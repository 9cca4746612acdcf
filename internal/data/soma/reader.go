// Package soma imports cell coordinates and group labels from SOMA
// experiments stored as TileDB groups. The TileDB dependency is heavy, so
// the real reader is compiled in only with the "soma" build tag; default
// builds get a stub that reports ErrUnsupported.
package soma

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupported is returned by stub builds that lack TileDB support.
var ErrUnsupported = errors.New("soma: built without TileDB support (build with -tags soma)")

// Cells carries the columns imported from an experiment's obs dataframe.
type Cells struct {
	Keys   []string
	Coords [][]float64
	Labels []string
}

// ResolveExperimentURI normalizes a dataset location into a TileDB URI.
// Local paths are checked for existence; tiledb://, s3:// and file:// URIs
// pass through untouched.
func ResolveExperimentURI(location string) (string, error) {
	for _, scheme := range []string{"tiledb://", "s3://", "file://"} {
		if strings.HasPrefix(location, scheme) {
			return location, nil
		}
	}
	abs, err := filepath.Abs(location)
	if err != nil {
		return "", fmt.Errorf("resolve experiment path %s: %w", location, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("resolve experiment path %s: %w", location, err)
	}
	return abs, nil
}
