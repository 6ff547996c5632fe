package geotiff

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"golang.org/x/image/tiff/lzw"

	"github.com/dabom10/Nong-View/internal/raster"
)

// Opener opens GeoTIFF files from disk.
type Opener struct{}

func (Opener) Open(path string) (raster.Source, error) { return Open(path) }

// File is an open GeoTIFF. Reads go through os.File.ReadAt with per-call
// buffers, so one File may serve concurrent ReadWindow calls.
type File struct {
	f     *os.File
	order binary.ByteOrder
	meta  raster.Metadata

	compression uint64
	predictor   uint64
	chunkW      int
	chunkH      int
	offsets     []uint64
	counts      []uint64
}

type field struct {
	typ   uint16
	count uint32
	raw   []byte
}

// Open parses the first IFD of the file at path.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	g, err := parse(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("geotiff %s: %w", path, err)
	}
	return g, nil
}

func parse(f *os.File) (*File, error) {
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	g := &File{f: f}
	switch string(hdr[:2]) {
	case "II":
		g.order = binary.LittleEndian
	case "MM":
		g.order = binary.BigEndian
	default:
		return nil, errors.New("not a TIFF file")
	}
	if g.order.Uint16(hdr[2:4]) != 42 {
		return nil, errors.New("unsupported TIFF variant (BigTIFF?)")
	}
	fields, err := g.readIFD(int64(g.order.Uint32(hdr[4:8])))
	if err != nil {
		return nil, err
	}
	if err := g.configure(fields); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *File) readIFD(off int64) (map[uint16]field, error) {
	n := make([]byte, 2)
	if _, err := g.f.ReadAt(n, off); err != nil {
		return nil, fmt.Errorf("read IFD: %w", err)
	}
	count := int(g.order.Uint16(n))
	buf := make([]byte, 12*count)
	if _, err := g.f.ReadAt(buf, off+2); err != nil {
		return nil, fmt.Errorf("read IFD entries: %w", err)
	}
	fields := make(map[uint16]field, count)
	for i := 0; i < count; i++ {
		e := buf[12*i : 12*i+12]
		tag := g.order.Uint16(e[0:2])
		typ := g.order.Uint16(e[2:4])
		cnt := g.order.Uint32(e[4:8])
		size, ok := typeSize[typ]
		if !ok {
			continue
		}
		total := int64(size) * int64(cnt)
		if total > 1<<28 {
			return nil, fmt.Errorf("tag %d too large", tag)
		}
		raw := make([]byte, total)
		if total <= 4 {
			copy(raw, e[8:8+total])
		} else if _, err := g.f.ReadAt(raw, int64(g.order.Uint32(e[8:12]))); err != nil {
			return nil, fmt.Errorf("read tag %d: %w", tag, err)
		}
		fields[tag] = field{typ: typ, count: cnt, raw: raw}
	}
	return fields, nil
}

func (g *File) uints(fl field) []uint64 {
	out := make([]uint64, fl.count)
	for i := range out {
		switch fl.typ {
		case dtByte, dtASCII, dtSByte:
			out[i] = uint64(fl.raw[i])
		case dtShort, dtSShort:
			out[i] = uint64(g.order.Uint16(fl.raw[2*i:]))
		case dtLong, dtSLong:
			out[i] = uint64(g.order.Uint32(fl.raw[4*i:]))
		}
	}
	return out
}

func (g *File) floats(fl field) []float64 {
	if fl.typ != dtDouble {
		u := g.uints(fl)
		out := make([]float64, len(u))
		for i, v := range u {
			out[i] = float64(v)
		}
		return out
	}
	out := make([]float64, fl.count)
	for i := range out {
		out[i] = math.Float64frombits(g.order.Uint64(fl.raw[8*i:]))
	}
	return out
}

func (g *File) first(fields map[uint16]field, tag uint16, def uint64) uint64 {
	fl, ok := fields[tag]
	if !ok || fl.count == 0 {
		return def
	}
	return g.uints(fl)[0]
}

func (g *File) configure(fields map[uint16]field) error {
	m := raster.Metadata{
		Width:         int(g.first(fields, tagImageWidth, 0)),
		Height:        int(g.first(fields, tagImageLength, 0)),
		Bands:         int(g.first(fields, tagSamplesPerPixel, 1)),
		BitsPerSample: int(g.first(fields, tagBitsPerSample, 1)),
		SampleFormat:  int(g.first(fields, tagSampleFormat, raster.SampleUint)),
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if m.SampleFormat != raster.SampleUint && m.SampleFormat != raster.SampleInt {
		return fmt.Errorf("unsupported sample format %d", m.SampleFormat)
	}
	if g.first(fields, tagPlanarConfig, 1) != 1 {
		return errors.New("planar configuration 2 is not supported")
	}
	g.compression = g.first(fields, tagCompression, compNone)
	switch g.compression {
	case compNone, compLZW, compDeflate, compDeflateOld:
	default:
		return fmt.Errorf("unsupported compression %d", g.compression)
	}
	g.predictor = g.first(fields, tagPredictor, predictorNone)

	if tw, ok := fields[tagTileWidth]; ok {
		g.chunkW = int(g.uints(tw)[0])
		g.chunkH = int(g.first(fields, tagTileLength, 0))
		g.offsets = g.uints(fields[tagTileOffsets])
		g.counts = g.uints(fields[tagTileByteCounts])
	} else {
		g.chunkW = m.Width
		g.chunkH = int(g.first(fields, tagRowsPerStrip, uint64(m.Height)))
		g.offsets = g.uints(fields[tagStripOffsets])
		g.counts = g.uints(fields[tagStripByteCounts])
	}
	if g.chunkW <= 0 || g.chunkH <= 0 {
		return errors.New("invalid strip or tile size")
	}
	g.chunkH = min(g.chunkH, m.Height)
	across := (m.Width + g.chunkW - 1) / g.chunkW
	down := (m.Height + g.chunkH - 1) / g.chunkH
	if len(g.offsets) < across*down || len(g.counts) < across*down {
		return fmt.Errorf("expected %d data chunks, found %d", across*down, len(g.offsets))
	}

	m.Transform = g.transform(fields)
	m.CRS = g.crs(fields)
	if nd, ok := fields[tagGDALNoData]; ok {
		s := strings.TrimRight(string(nd.raw), "\x00 ")
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			m.NoData = &v
		}
	}
	g.meta = m
	return nil
}

func (g *File) transform(fields map[uint16]field) raster.Affine {
	if fl, ok := fields[tagModelTransformation]; ok && fl.count >= 16 {
		v := g.floats(fl)
		return raster.Affine{A: v[0], B: v[1], C: v[3], D: v[4], E: v[5], F: v[7]}
	}
	t := raster.Affine{A: 1, E: -1}
	scale, okS := fields[tagModelPixelScale]
	tie, okT := fields[tagModelTiepoint]
	if !okS || !okT || scale.count < 2 || tie.count < 6 {
		return t
	}
	s, tp := g.floats(scale), g.floats(tie)
	t = raster.Affine{A: s[0], E: -s[1], C: tp[3] - tp[0]*s[0], F: tp[4] + tp[1]*s[1]}
	if g.geoKey(fields, keyRasterType) == rasterPixelPoint {
		t.C -= 0.5 * s[0]
		t.F += 0.5 * s[1]
	}
	return t
}

func (g *File) geoKey(fields map[uint16]field, key uint64) uint64 {
	fl, ok := fields[tagGeoKeyDirectory]
	if !ok {
		return 0
	}
	v := g.uints(fl)
	if len(v) < 4 {
		return 0
	}
	n := int(v[3])
	for i := 0; i < n && 4+4*i+3 < len(v); i++ {
		e := v[4+4*i : 8+4*i]
		if e[0] == key && e[1] == 0 {
			return e[3]
		}
	}
	return 0
}

func (g *File) crs(fields map[uint16]field) string {
	if c := g.geoKey(fields, keyProjectedType); c != 0 && c != 32767 {
		return fmt.Sprintf("EPSG:%d", c)
	}
	if c := g.geoKey(fields, keyGeographicType); c != 0 && c != 32767 {
		return fmt.Sprintf("EPSG:%d", c)
	}
	return ""
}

func (g *File) Metadata() raster.Metadata { return g.meta }

func (g *File) Close() error { return g.f.Close() }

// ReadWindow decodes every chunk overlapping w and copies the window out.
func (g *File) ReadWindow(w raster.Window) (*raster.Block, error) {
	full := raster.Window{Width: g.meta.Width, Height: g.meta.Height}
	if w.Intersect(full) != w || w.Empty() {
		return nil, fmt.Errorf("window %+v outside %dx%d raster", w, g.meta.Width, g.meta.Height)
	}
	out := raster.NewBlock(w.Width, w.Height, g.meta.Bands)
	across := (g.meta.Width + g.chunkW - 1) / g.chunkW
	for cy := w.Row / g.chunkH; cy*g.chunkH < w.Row+w.Height; cy++ {
		for cx := w.Col / g.chunkW; cx*g.chunkW < w.Col+w.Width; cx++ {
			idx := cy*across + cx
			samples, err := g.chunk(idx)
			if err != nil {
				return nil, fmt.Errorf("chunk %d: %w", idx, err)
			}
			g.copyChunk(out, w, samples, cx*g.chunkW, cy*g.chunkH)
		}
	}
	return out, nil
}

func (g *File) copyChunk(out *raster.Block, w raster.Window, samples []uint16, x0, y0 int) {
	bands := g.meta.Bands
	cw := raster.Window{Col: x0, Row: y0, Width: g.chunkW, Height: g.chunkH}.Intersect(w)
	for y := cw.Row; y < cw.Row+cw.Height; y++ {
		src := ((y-y0)*g.chunkW + (cw.Col - x0)) * bands
		dst := out.Offset(cw.Col-w.Col, y-w.Row)
		if src+cw.Width*bands > len(samples) {
			continue
		}
		copy(out.Pix[dst:dst+cw.Width*bands], samples[src:src+cw.Width*bands])
	}
}

func (g *File) chunk(idx int) ([]uint16, error) {
	raw := make([]byte, g.counts[idx])
	if _, err := g.f.ReadAt(raw, int64(g.offsets[idx])); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	var data []byte
	switch g.compression {
	case compNone:
		data = raw
	case compLZW:
		r := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		var err error
		data, err = io.ReadAll(r)
		_ = r.Close()
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("lzw: %w", err)
		}
	case compDeflate, compDeflateOld:
		r, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		data, err = io.ReadAll(r)
		_ = r.Close()
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
	}

	bands := g.meta.Bands
	n := g.chunkW * g.chunkH * bands
	samples := make([]uint16, n)
	if g.meta.BitsPerSample == 8 {
		for i := 0; i < n && i < len(data); i++ {
			samples[i] = uint16(data[i])
		}
	} else {
		for i := 0; i < n && 2*i+1 < len(data); i++ {
			samples[i] = g.order.Uint16(data[2*i:])
		}
	}
	if g.predictor == predictorHoriz {
		mask := uint16(0xffff)
		if g.meta.BitsPerSample == 8 {
			mask = 0xff
		}
		for y := 0; y < g.chunkH; y++ {
			row := samples[y*g.chunkW*bands : (y+1)*g.chunkW*bands]
			for i := bands; i < len(row); i++ {
				row[i] = (row[i] + row[i-bands]) & mask
			}
		}
	}
	return samples, nil
}
