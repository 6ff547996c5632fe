package geotiff

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/dabom10/Nong-View/internal/crs"
	"github.com/dabom10/Nong-View/internal/raster"
)

// Writer writes little-endian, strip organised GeoTIFFs.
type Writer struct {
	// DeflateLevel is passed to zlib; zero means zlib.DefaultCompression.
	DeflateLevel int
}

const stripTarget = 64 << 10

type entry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

var le = binary.LittleEndian

func shorts(vs ...uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		le.PutUint16(b[2*i:], v)
	}
	return b
}

func longs(vs ...uint32) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		le.PutUint32(b[4*i:], v)
	}
	return b
}

func doubles(vs ...float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		le.PutUint64(b[8*i:], math.Float64bits(v))
	}
	return b
}

func (w Writer) Write(path string, meta raster.Metadata, blk *raster.Block, compression string) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	if blk.Width != meta.Width || blk.Height != meta.Height || blk.Bands != meta.Bands {
		return fmt.Errorf("block %dx%dx%d does not match metadata", blk.Width, blk.Height, blk.Bands)
	}
	var comp uint16
	switch compression {
	case "", "none":
		comp = compNone
	case "lzw":
		comp = compLZW
	case "deflate":
		comp = compDeflate
	default:
		return fmt.Errorf("unsupported compression %q", compression)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	err = w.encode(bw, meta, blk, comp)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (w Writer) encode(out *bufio.Writer, meta raster.Metadata, blk *raster.Block, comp uint16) error {
	bytesPer := meta.BitsPerSample / 8
	rowBytes := meta.Width * meta.Bands * bytesPer
	rowsPerStrip := max(1, min(meta.Height, stripTarget/max(1, rowBytes)))

	var strips [][]byte
	for y := 0; y < meta.Height; y += rowsPerStrip {
		rows := min(rowsPerStrip, meta.Height-y)
		raw := make([]byte, 0, rows*rowBytes)
		for _, s := range blk.Pix[blk.Offset(0, y):blk.Offset(0, y+rows)] {
			if bytesPer == 1 {
				raw = append(raw, byte(s))
			} else {
				raw = le.AppendUint16(raw, s)
			}
		}
		enc, err := w.compress(raw, comp)
		if err != nil {
			return err
		}
		strips = append(strips, enc)
	}

	// header, then strip data, then the IFD
	offset := uint32(8)
	offsets := make([]uint32, len(strips))
	counts := make([]uint32, len(strips))
	for i, s := range strips {
		offsets[i], counts[i] = offset, uint32(len(s))
		offset += uint32(len(s))
	}
	if offset%2 == 1 {
		offset++
	}
	ifdOffset := offset

	bits := make([]uint16, meta.Bands)
	formats := make([]uint16, meta.Bands)
	for i := range bits {
		bits[i] = uint16(meta.BitsPerSample)
		formats[i] = uint16(max(1, meta.SampleFormat))
	}
	photometric := uint16(photometricGray)
	extra := meta.Bands - 1
	if meta.Bands >= 3 && meta.BitsPerSample == 8 {
		photometric = photometricRGB
		extra = meta.Bands - 3
	}

	entries := []entry{
		{tagImageWidth, dtLong, 1, longs(uint32(meta.Width))},
		{tagImageLength, dtLong, 1, longs(uint32(meta.Height))},
		{tagBitsPerSample, dtShort, uint32(meta.Bands), shorts(bits...)},
		{tagCompression, dtShort, 1, shorts(comp)},
		{tagPhotometric, dtShort, 1, shorts(photometric)},
		{tagStripOffsets, dtLong, uint32(len(offsets)), longs(offsets...)},
		{tagSamplesPerPixel, dtShort, 1, shorts(uint16(meta.Bands))},
		{tagRowsPerStrip, dtLong, 1, longs(uint32(rowsPerStrip))},
		{tagStripByteCounts, dtLong, uint32(len(counts)), longs(counts...)},
		{tagPlanarConfig, dtShort, 1, shorts(1)},
		{tagSampleFormat, dtShort, uint32(meta.Bands), shorts(formats...)},
	}
	if extra > 0 {
		entries = append(entries, entry{tagExtraSamples, dtShort, uint32(extra), shorts(make([]uint16, extra)...)})
	}
	t := meta.Transform
	if t.B == 0 && t.D == 0 {
		entries = append(entries,
			entry{tagModelPixelScale, dtDouble, 3, doubles(t.A, -t.E, 0)},
			entry{tagModelTiepoint, dtDouble, 6, doubles(0, 0, 0, t.C, t.F, 0)},
		)
	} else {
		entries = append(entries, entry{tagModelTransformation, dtDouble, 16, doubles(
			t.A, t.B, 0, t.C,
			t.D, t.E, 0, t.F,
			0, 0, 0, 0,
			0, 0, 0, 1,
		)})
	}
	if keys := geoKeys(meta.CRS); keys != nil {
		entries = append(entries, entry{tagGeoKeyDirectory, dtShort, uint32(len(keys)), shorts(keys...)})
	}
	if meta.NoData != nil {
		s := strconv.FormatFloat(*meta.NoData, 'g', -1, 64) + "\x00"
		entries = append(entries, entry{tagGDALNoData, dtASCII, uint32(len(s)), []byte(s)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	// values larger than four bytes go after the IFD
	dataOffset := ifdOffset + 2 + 12*uint32(len(entries)) + 4
	var ifd, extraData bytes.Buffer
	ifd.Write(shorts(uint16(len(entries))))
	for _, e := range entries {
		ifd.Write(shorts(e.tag, e.typ))
		ifd.Write(longs(e.count))
		if len(e.data) <= 4 {
			v := make([]byte, 4)
			copy(v, e.data)
			ifd.Write(v)
			continue
		}
		ifd.Write(longs(dataOffset + uint32(extraData.Len())))
		extraData.Write(e.data)
		if extraData.Len()%2 == 1 {
			extraData.WriteByte(0)
		}
	}
	ifd.Write(longs(0))

	header := append([]byte("II"), shorts(42)...)
	header = append(header, longs(ifdOffset)...)
	if _, err := out.Write(header); err != nil {
		return err
	}
	written := uint32(8)
	for _, s := range strips {
		if _, err := out.Write(s); err != nil {
			return err
		}
		written += uint32(len(s))
	}
	if written < ifdOffset {
		if err := out.WriteByte(0); err != nil {
			return err
		}
	}
	if _, err := out.Write(ifd.Bytes()); err != nil {
		return err
	}
	_, err := out.Write(extraData.Bytes())
	return err
}

func (w Writer) compress(raw []byte, comp uint16) ([]byte, error) {
	switch comp {
	case compLZW:
		return encodeLZW(raw), nil
	case compDeflate:
		level := w.DeflateLevel
		if level == 0 {
			level = zlib.DefaultCompression
		}
		var buf bytes.Buffer
		zw, err := zlib.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(raw); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return raw, nil
}

func geoKeys(id string) []uint16 {
	if id == "" {
		return nil
	}
	def, err := crs.Lookup(id)
	if err != nil {
		return nil
	}
	model, key := uint16(modelProjected), uint16(keyProjectedType)
	if def.Geographic {
		model, key = modelGeographic, keyGeographicType
	}
	return []uint16{
		1, 1, 0, 3,
		keyModelType, 0, 1, model,
		keyRasterType, 0, 1, rasterPixelArea,
		key, 0, 1, uint16(def.Code),
	}
}
