// Package rastertest provides in-memory rasters for tests.
package rastertest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dabom10/Nong-View/internal/raster"
)

// Memory is a raster held in memory.
type Memory struct {
	Meta  raster.Metadata
	Data  *raster.Block
	Reads int
	// ReadErr, when set, fails every ReadWindow.
	ReadErr error
	mu      sync.Mutex
}

// NewGradient builds a raster whose first band encodes the pixel position.
func NewGradient(meta raster.Metadata) *Memory {
	b := raster.NewBlock(meta.Width, meta.Height, meta.Bands)
	for y := 0; y < meta.Height; y++ {
		for x := 0; x < meta.Width; x++ {
			off := b.Offset(x, y)
			for k := 0; k < meta.Bands; k++ {
				b.Pix[off+k] = uint16((x+y+k)%250 + 1)
			}
		}
	}
	return &Memory{Meta: meta, Data: b}
}

func (m *Memory) Metadata() raster.Metadata { return m.Meta }

func (m *Memory) ReadWindow(w raster.Window) (*raster.Block, error) {
	m.mu.Lock()
	m.Reads++
	m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	if w.Col < 0 || w.Row < 0 || w.Col+w.Width > m.Meta.Width || w.Row+w.Height > m.Meta.Height {
		return nil, fmt.Errorf("window %+v outside raster", w)
	}
	out := raster.NewBlock(w.Width, w.Height, m.Meta.Bands)
	for y := 0; y < w.Height; y++ {
		src := m.Data.Offset(w.Col, w.Row+y)
		copy(out.Pix[out.Offset(0, y):out.Offset(0, y+1)], m.Data.Pix[src:src+w.Width*m.Meta.Bands])
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

// Opener serves registered in-memory rasters by path.
type Opener struct {
	Rasters map[string]*Memory
}

func (o *Opener) Open(path string) (raster.Source, error) {
	r, ok := o.Rasters[path]
	if !ok {
		return nil, fmt.Errorf("open %s: no such raster", path)
	}
	return r, nil
}

// Written is one captured Writer call.
type Written struct {
	Meta        raster.Metadata
	Block       *raster.Block
	Compression string
}

// Writer records writes instead of touching disk. Paths listed in Fail
// return an error.
type Writer struct {
	mu    sync.Mutex
	Files map[string]Written
	Order []string
	Fail  map[string]bool
}

func (w *Writer) Write(path string, meta raster.Metadata, b *raster.Block, compression string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Fail[path] {
		return errors.New("disk full")
	}
	if w.Files == nil {
		w.Files = map[string]Written{}
	}
	w.Files[path] = Written{Meta: meta, Block: b, Compression: compression}
	w.Order = append(w.Order, path)
	return nil
}
