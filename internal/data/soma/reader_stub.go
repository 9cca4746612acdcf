//go:build !soma

package soma

// ReadCells is a stub; TileDB-backed builds replace it.
func ReadCells(uri, labelColumn string) (*Cells, error) {
	return nil, ErrUnsupported
}
