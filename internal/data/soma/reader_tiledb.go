//go:build soma

package soma

import (
	"fmt"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
)

// ReadCells loads cell keys, spatial coordinates and one label column from
// the experiment's obs dataframe. The dataframe is expected to carry the
// soma_joinid dimension plus x, y and the named label attribute.
func ReadCells(uri, labelColumn string) (*Cells, error) {
	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("tiledb context: %w", err)
	}
	defer ctx.Free()

	array, err := tiledb.NewArray(ctx, uri+"/obs")
	if err != nil {
		return nil, fmt.Errorf("open obs array: %w", err)
	}
	defer array.Free()

	if err := array.Open(tiledb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("open obs array: %w", err)
	}
	defer array.Close()

	domains, _, err := array.NonEmptyDomain()
	if err != nil {
		return nil, fmt.Errorf("obs non-empty domain: %w", err)
	}
	if len(domains) == 0 {
		return &Cells{}, nil
	}
	bounds, ok := domains[0].Bounds.([]int64)
	if !ok || len(bounds) != 2 {
		return nil, fmt.Errorf("obs soma_joinid domain has unexpected type %T", domains[0].Bounds)
	}
	capacity := bounds[1] - bounds[0] + 1

	query, err := tiledb.NewQuery(ctx, array)
	if err != nil {
		return nil, fmt.Errorf("obs query: %w", err)
	}
	defer query.Free()
	if err := query.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, fmt.Errorf("obs query layout: %w", err)
	}

	joinIDs := make([]int64, capacity)
	xs := make([]float64, capacity)
	ys := make([]float64, capacity)
	labelData := make([]byte, capacity*64)
	labelOffsets := make([]uint64, capacity)

	if _, err := query.SetDataBuffer("soma_joinid", joinIDs); err != nil {
		return nil, fmt.Errorf("obs soma_joinid buffer: %w", err)
	}
	if _, err := query.SetDataBuffer("x", xs); err != nil {
		return nil, fmt.Errorf("obs x buffer: %w", err)
	}
	if _, err := query.SetDataBuffer("y", ys); err != nil {
		return nil, fmt.Errorf("obs y buffer: %w", err)
	}
	if _, err := query.SetDataBuffer(labelColumn, labelData); err != nil {
		return nil, fmt.Errorf("obs %s buffer: %w", labelColumn, err)
	}
	if _, err := query.SetOffsetsBuffer(labelColumn, labelOffsets); err != nil {
		return nil, fmt.Errorf("obs %s offsets: %w", labelColumn, err)
	}

	if err := query.Submit(); err != nil {
		return nil, fmt.Errorf("obs query submit: %w", err)
	}
	status, err := query.Status()
	if err != nil {
		return nil, fmt.Errorf("obs query status: %w", err)
	}
	if status != tiledb.TILEDB_COMPLETED {
		return nil, fmt.Errorf("obs query incomplete; experiment larger than buffer capacity %d", capacity)
	}

	elems, err := query.ResultBufferElements()
	if err != nil {
		return nil, fmt.Errorf("obs result sizes: %w", err)
	}
	n := int(elems["soma_joinid"][1])
	labelBytes := elems[labelColumn][1]

	out := &Cells{
		Keys:   make([]string, n),
		Coords: make([][]float64, n),
		Labels: make([]string, n),
	}
	for i := 0; i < n; i++ {
		out.Keys[i] = fmt.Sprintf("obs:%d", joinIDs[i])
		out.Coords[i] = []float64{xs[i], ys[i]}

		start := labelOffsets[i]
		end := labelBytes
		if i+1 < n {
			end = labelOffsets[i+1]
		}
		out.Labels[i] = string(labelData[start:end])
	}
	return out, nil
}
