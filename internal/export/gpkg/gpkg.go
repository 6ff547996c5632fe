// Package gpkg writes OGC GeoPackage containers: one feature table per
// layer plus plain attribute tables for the export metadata and statistics.
package gpkg

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	_ "modernc.org/sqlite"

	"github.com/dabom10/Nong-View/internal/core/model"
	"github.com/dabom10/Nong-View/internal/crs"
	"github.com/dabom10/Nong-View/internal/export/layer"
	"github.com/dabom10/Nong-View/internal/features"
)

const (
	ApplicationID = 0x47504B47 // "GPKG"
	UserVersion   = 10300

	MetadataTable   = "metadata"
	StatisticsTable = "layer_statistics"

	geomColumn = "geom"
)

const wgs84WKT = `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433],AUTHORITY["EPSG","4326"]]`

var schema = []string{
	`CREATE TABLE gpkg_spatial_ref_sys (
		srs_name TEXT NOT NULL,
		srs_id INTEGER NOT NULL PRIMARY KEY,
		organization TEXT NOT NULL,
		organization_coordsys_id INTEGER NOT NULL,
		definition TEXT NOT NULL,
		description TEXT
	)`,
	`CREATE TABLE gpkg_contents (
		table_name TEXT NOT NULL PRIMARY KEY,
		data_type TEXT NOT NULL,
		identifier TEXT UNIQUE,
		description TEXT DEFAULT '',
		last_change DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
		min_x DOUBLE, min_y DOUBLE, max_x DOUBLE, max_y DOUBLE,
		srs_id INTEGER,
		CONSTRAINT fk_gc_r_srs_id FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys(srs_id)
	)`,
	`CREATE TABLE gpkg_geometry_columns (
		table_name TEXT NOT NULL,
		column_name TEXT NOT NULL,
		geometry_type_name TEXT NOT NULL,
		srs_id INTEGER NOT NULL,
		z TINYINT NOT NULL,
		m TINYINT NOT NULL,
		CONSTRAINT pk_geom_cols PRIMARY KEY (table_name, column_name),
		CONSTRAINT fk_gc_tn FOREIGN KEY (table_name) REFERENCES gpkg_contents(table_name),
		CONSTRAINT fk_gc_srs FOREIGN KEY (srs_id) REFERENCES gpkg_spatial_ref_sys(srs_id)
	)`,
	`INSERT INTO gpkg_spatial_ref_sys VALUES
		('Undefined cartesian SRS', -1, 'NONE', -1, 'undefined', 'undefined cartesian coordinate reference system'),
		('Undefined geographic SRS', 0, 'NONE', 0, 'undefined', 'undefined geographic coordinate reference system'),
		('WGS 84 geodetic', 4326, 'EPSG', 4326, '` + wgs84WKT + `', 'longitude/latitude coordinates in decimal degrees on the WGS 84 spheroid')`,
}

// Writer appends layers to one GeoPackage file. Every Write* call commits
// its own transaction, so finished layers survive a later failure.
type Writer struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Create starts a new container at path, replacing any existing file.
func Create(ctx context.Context, path string) (*Writer, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove existing %s: %w", path, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	w := &Writer{db: db, path: path, now: time.Now}
	stmts := append([]string{
		fmt.Sprintf("PRAGMA application_id = %d", ApplicationID),
		fmt.Sprintf("PRAGMA user_version = %d", UserVersion),
	}, schema...)
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init geopackage: %w", err)
		}
	}
	return w, nil
}

func (w *Writer) Path() string { return w.path }

// Close finalises the file.
func (w *Writer) Close() error {
	return w.db.Close()
}

// WriteLayer stores c as a feature table named after cfg. Columns follow
// the declared field order, restricted to the fields c actually carries.
func (w *Writer) WriteLayer(ctx context.Context, cfg model.LayerConfig, c *features.Collection) (err error) {
	if strings.HasPrefix(strings.ToLower(cfg.Name), "gpkg_") || cfg.Name == MetadataTable || cfg.Name == StatisticsTable {
		return fmt.Errorf("layer name %q is reserved", cfg.Name)
	}
	srsID, err := crs.ParseCode(c.CRS)
	if err != nil {
		return err
	}

	var cols model.Fields
	for _, fd := range cfg.Fields {
		for _, f := range c.Features {
			if _, ok := f.Properties[fd.Name]; ok {
				cols = append(cols, fd)
				break
			}
		}
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = ensureSRS(ctx, tx, srsID); err != nil {
		return err
	}

	defs := []string{"fid INTEGER PRIMARY KEY AUTOINCREMENT", quote(geomColumn) + " " + geometryTypeName(cfg.GeometryType, c)}
	for _, fd := range cols {
		defs = append(defs, quote(fd.Name)+" "+sqlType(fd.Type))
	}
	if _, err = tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quote(cfg.Name), strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("create table %s: %w", cfg.Name, err)
	}

	names := []string{quote(geomColumn)}
	marks := []string{"?"}
	for _, fd := range cols {
		names = append(names, quote(fd.Name))
		marks = append(marks, "?")
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(cfg.Name), strings.Join(names, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return err
	}
	defer stmt.Close()

	var bound orb.Bound
	first := true
	args := make([]any, len(names))
	for i, f := range c.Features {
		blob, berr := EncodeGeometry(f.Geometry, srsID)
		if berr != nil {
			return fmt.Errorf("feature %d: %w", i, berr)
		}
		args[0] = nil
		if blob != nil {
			args[0] = blob
		}
		for j, fd := range cols {
			args[j+1] = f.Properties[fd.Name]
		}
		if _, err = stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert feature %d into %s: %w", i, cfg.Name, err)
		}
		if f.Geometry != nil {
			if first {
				bound, first = f.Geometry.Bound(), false
			} else {
				bound = bound.Union(f.Geometry.Bound())
			}
		}
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO gpkg_contents (table_name, data_type, identifier, last_change, min_x, min_y, max_x, max_y, srs_id)
		 VALUES (?, 'features', ?, ?, ?, ?, ?, ?, ?)`,
		cfg.Name, cfg.Name, w.timestamp(), bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1], srsID); err != nil {
		return fmt.Errorf("register %s: %w", cfg.Name, err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO gpkg_geometry_columns VALUES (?, ?, ?, ?, 0, 0)`,
		cfg.Name, geomColumn, geometryTypeName(cfg.GeometryType, c), srsID); err != nil {
		return fmt.Errorf("register geometry column of %s: %w", cfg.Name, err)
	}
	return tx.Commit()
}

// WriteMetadata stores one row per key with a type tag: string, number,
// boolean, timestamp or json.
func (w *Writer) WriteMetadata(ctx context.Context, md map[string]any) error {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return w.attributes(ctx, MetadataTable, "key TEXT PRIMARY KEY, value TEXT, type TEXT", func(stmt func(args ...any) error) error {
		for _, k := range keys {
			v, typ, err := metadataValue(md[k])
			if err != nil {
				return fmt.Errorf("metadata %s: %w", k, err)
			}
			if err := stmt(k, v, typ); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteStatistics stores one row per layer; area_by_type is a JSON object.
func (w *Writer) WriteStatistics(ctx context.Context, stats []model.LayerStatistics) error {
	return w.attributes(ctx, StatisticsTable,
		"layer_name TEXT PRIMARY KEY, feature_count INTEGER, total_area_sqm REAL, area_by_type TEXT",
		func(stmt func(args ...any) error) error {
			for _, s := range stats {
				byType, err := json.Marshal(s.AreaByType)
				if err != nil {
					return err
				}
				if err := stmt(s.LayerName, s.FeatureCount, s.TotalAreaSqm, string(byType)); err != nil {
					return err
				}
			}
			return nil
		})
}

func (w *Writer) attributes(ctx context.Context, table, columns string, fill func(stmt func(args ...any) error) error) (err error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quote(table), columns)); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	n := strings.Count(columns, ",") + 1
	marks := strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", quote(table), marks))
	if err != nil {
		return err
	}
	defer stmt.Close()
	if err = fill(func(args ...any) error {
		_, e := stmt.ExecContext(ctx, args...)
		return e
	}); err != nil {
		return fmt.Errorf("fill %s: %w", table, err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO gpkg_contents (table_name, data_type, identifier, last_change) VALUES (?, 'attributes', ?, ?)`,
		table, table, w.timestamp()); err != nil {
		return fmt.Errorf("register %s: %w", table, err)
	}
	return tx.Commit()
}

func (w *Writer) timestamp() string {
	return w.now().UTC().Format("2006-01-02T15:04:05.000Z")
}

func ensureSRS(ctx context.Context, tx *sql.Tx, code int) error {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM gpkg_spatial_ref_sys WHERE srs_id = ?`, code).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	name := fmt.Sprintf("EPSG:%d", code)
	if def, err := crs.Lookup(name); err == nil {
		name = def.Name
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO gpkg_spatial_ref_sys VALUES (?, ?, 'EPSG', ?, 'undefined', NULL)`, name, code, code)
	return err
}

// EncodeGeometry builds a GeoPackage geometry blob: the "GP" header with an
// XY envelope followed by little-endian WKB. A nil geometry encodes as NULL.
func EncodeGeometry(g orb.Geometry, srsID int) ([]byte, error) {
	if g == nil {
		return nil, nil
	}
	body, err := wkb.Marshal(g, binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	b := g.Bound()
	empty := isEmpty(g)

	flags := byte(0x01) // little endian
	envelope := 32
	if empty {
		flags |= 0x10
		envelope = 0
	} else {
		flags |= 0x02 // envelope [minx, maxx, miny, maxy]
	}

	out := make([]byte, 8+envelope, 8+envelope+len(body))
	out[0], out[1], out[2], out[3] = 'G', 'P', 0, flags
	binary.LittleEndian.PutUint32(out[4:], uint32(int32(srsID)))
	if !empty {
		for i, v := range []float64{b.Min[0], b.Max[0], b.Min[1], b.Max[1]} {
			binary.LittleEndian.PutUint64(out[8+8*i:], math.Float64bits(v))
		}
	}
	return append(out, body...), nil
}

// DecodeGeometry parses a blob produced by EncodeGeometry.
func DecodeGeometry(blob []byte) (orb.Geometry, int, error) {
	if len(blob) < 8 || blob[0] != 'G' || blob[1] != 'P' {
		return nil, 0, errors.New("not a geopackage geometry blob")
	}
	flags := blob[3]
	var order binary.ByteOrder = binary.BigEndian
	if flags&0x01 != 0 {
		order = binary.LittleEndian
	}
	srsID := int(int32(order.Uint32(blob[4:8])))
	sizes := []int{0, 32, 48, 48, 64}
	ind := int(flags>>1) & 0x07
	if ind >= len(sizes) {
		return nil, 0, fmt.Errorf("invalid envelope indicator %d", ind)
	}
	start := 8 + sizes[ind]
	if len(blob) < start {
		return nil, 0, errors.New("truncated geometry blob")
	}
	g, err := wkb.Unmarshal(blob[start:])
	if err != nil {
		return nil, 0, err
	}
	return g, srsID, nil
}

func isEmpty(g orb.Geometry) bool {
	switch g := g.(type) {
	case orb.Point:
		return false
	case orb.MultiPoint:
		return len(g) == 0
	case orb.LineString:
		return len(g) == 0
	case orb.MultiLineString:
		return len(g) == 0
	case orb.Ring:
		return len(g) == 0
	case orb.Polygon:
		return len(g) == 0
	case orb.MultiPolygon:
		return len(g) == 0
	case orb.Collection:
		return len(g) == 0
	}
	return false
}

// declared kind when every feature has it, the multi kind when any feature
// is multi-part, GEOMETRY otherwise
func geometryTypeName(declared string, c *features.Collection) string {
	name := strings.ToUpper(declared)
	multi := false
	for _, f := range c.Features {
		if f.Geometry == nil {
			continue
		}
		if !layer.Matches(declared, f.Geometry) {
			return "GEOMETRY"
		}
		if !strings.EqualFold(f.Geometry.GeoJSONType(), declared) {
			multi = true
		}
	}
	if multi {
		return "MULTI" + name
	}
	return name
}

func sqlType(t model.FieldType) string {
	switch t {
	case model.FieldFloat:
		return "REAL"
	case model.FieldInt:
		return "INTEGER"
	}
	return "TEXT"
}

func metadataValue(v any) (string, string, error) {
	switch x := v.(type) {
	case nil:
		return "", "null", nil
	case string:
		return x, "string", nil
	case bool:
		return fmt.Sprint(x), "boolean", nil
	case time.Time:
		return x.UTC().Format(time.RFC3339), "timestamp", nil
	case int, int32, int64, float32, float64:
		return fmt.Sprint(x), "number", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", "", err
	}
	return string(b), "json", nil
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
