// Package render rasterizes per-cell scatter maps of a field of view into
// PNG images.
package render

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"
)

// Point is one cell to draw, in dataset coordinates.
type Point struct {
	X, Y  float64
	Color color.Color
}

// MapRenderer draws fixed-size field-of-view maps. Drawing contexts and
// encode buffers are pooled; the renderer is safe for concurrent use.
type MapRenderer struct {
	size    int
	radius  float64
	ctxPool sync.Pool
	bufPool sync.Pool
}

// NewMapRenderer builds a renderer producing size x size images with the
// given point radius in pixels.
func NewMapRenderer(size int, radius float64) *MapRenderer {
	if size <= 0 {
		size = 1024
	}
	if radius <= 0 {
		radius = 2
	}
	r := &MapRenderer{size: size, radius: radius}
	r.ctxPool.New = func() any { return gg.NewContext(size, size) }
	r.bufPool.New = func() any { return new(bytes.Buffer) }
	return r
}

// Size returns the image edge length in pixels.
func (r *MapRenderer) Size() int { return r.size }

// RenderPoints draws the points scaled into the image with their dataset
// bounding box, preserving aspect ratio. The vertical axis is flipped so
// that increasing Y in dataset space points up in the image.
func (r *MapRenderer) RenderPoints(points []Point, minX, minY, maxX, maxY float64) ([]byte, error) {
	if maxX < minX || maxY < minY {
		return nil, fmt.Errorf("render: invalid bounds [%v,%v]x[%v,%v]", minX, maxX, minY, maxY)
	}

	dc := r.ctxPool.Get().(*gg.Context)
	defer r.ctxPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()

	pad := 2 * r.radius
	span := float64(r.size) - 2*pad

	width := maxX - minX
	height := maxY - minY
	scale := 1.0
	if width > 0 || height > 0 {
		extent := width
		if height > extent {
			extent = height
		}
		scale = span / extent
	}
	// Center the shorter axis.
	offX := pad + (span-width*scale)/2
	offY := pad + (span-height*scale)/2

	for _, p := range points {
		px := offX + (p.X-minX)*scale
		py := float64(r.size) - (offY + (p.Y-minY)*scale)
		dc.SetColor(p.Color)
		dc.DrawCircle(px, py, r.radius)
		dc.Fill()
	}

	buf := r.bufPool.Get().(*bytes.Buffer)
	defer r.bufPool.Put(buf)
	buf.Reset()

	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(buf, dc.Image()); err != nil {
		return nil, fmt.Errorf("encode map png: %w", err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
