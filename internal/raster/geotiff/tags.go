// Package geotiff reads and writes strip or tile organised GeoTIFF files
// with 8 or 16 bit samples.
package geotiff

// baseline TIFF tags
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagExtraSamples    = 338
	tagSampleFormat    = 339
)

// GeoTIFF and GDAL tags
const (
	tagModelPixelScale     = 33550
	tagModelTiepoint       = 33922
	tagModelTransformation = 34264
	tagGeoKeyDirectory     = 34735
	tagGDALNoData          = 42113
)

// geo keys
const (
	keyModelType      = 1024
	keyRasterType     = 1025
	keyGeographicType = 2048
	keyProjectedType  = 3072

	modelProjected   = 1
	modelGeographic  = 2
	rasterPixelArea  = 1
	rasterPixelPoint = 2
)

// field types
const (
	dtByte     = 1
	dtASCII    = 2
	dtShort    = 3
	dtLong     = 4
	dtRational = 5
	dtSByte    = 6
	dtSShort   = 8
	dtSLong    = 9
	dtFloat    = 11
	dtDouble   = 12
)

var typeSize = map[uint16]int{
	dtByte: 1, dtASCII: 1, dtShort: 2, dtLong: 4, dtRational: 8,
	dtSByte: 1, dtSShort: 2, dtSLong: 4, dtFloat: 4, dtDouble: 8,
}

// compression schemes
const (
	compNone        = 1
	compLZW         = 5
	compDeflate     = 8
	compDeflateOld  = 32946
	predictorNone   = 1
	predictorHoriz  = 2
	photometricGray = 1
	photometricRGB  = 2
)
