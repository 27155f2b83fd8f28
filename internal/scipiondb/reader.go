// Package scipiondb reads set databases written by the Scipion framework.
//
// Those files keep one generic Objects table whose cNN columns are described by
// the Classes table (label_property -> column_name) and set-level values in a
// Properties key/value table. The reader never writes to them.
package scipiondb

import (
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"strconv"
	"strings"

	"emconv/internal/emdata"
	"emconv/internal/geometry"

	_ "github.com/mattn/go-sqlite3"
)

// ErrUnsupportedSet is returned for set classes without an item mapping.
var ErrUnsupportedSet = errors.New("unsupported legacy set class")

var kindsByClass = map[string]emdata.Kind{
	"Particle":   emdata.KindParticle,
	"Micrograph": emdata.KindMicrograph,
	"Volume":     emdata.KindVolume,
	"Coordinate": emdata.KindCoordinate,
}

// Reader exposes a legacy set database as an emdata.Source.
type Reader struct {
	path    string
	db      *sql.DB
	kind    emdata.Kind
	columns map[string]string
	props   map[string]string
	info    emdata.SetInfo
}

// Open connects read-only to the database at path.
func Open(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("legacy set not found: %w", err)
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open legacy set: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("legacy set ping failed: %w", err)
	}

	r := &Reader{path: path, db: db, columns: make(map[string]string), props: make(map[string]string)}
	if err := r.loadClasses(); err != nil {
		db.Close()
		return nil, err
	}
	if err := r.loadProperties(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) loadClasses() error {
	rows, err := r.db.Query(`SELECT label_property, column_name, class_name FROM Classes;`)
	if err != nil {
		return fmt.Errorf("read Classes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var label, column, class string
		if err := rows.Scan(&label, &column, &class); err != nil {
			return err
		}
		if label == "self" {
			kind, ok := kindsByClass[class]
			if !ok {
				return fmt.Errorf("%w: %s", ErrUnsupportedSet, class)
			}
			r.kind = kind
			continue
		}
		r.columns[label] = column
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if r.kind == "" {
		return fmt.Errorf("%w: no self class in %s", ErrUnsupportedSet, r.path)
	}
	return nil
}

func (r *Reader) loadProperties() error {
	rows, err := r.db.Query(`SELECT key, value FROM Properties;`)
	if err != nil {
		return fmt.Errorf("read Properties: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var v sql.NullString
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		if v.Valid {
			r.props[k] = v.String
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	info, err := r.parseInfo()
	if err != nil {
		return fmt.Errorf("%s: %w", r.path, err)
	}
	r.info = info
	return nil
}

// parseInfo maps the set properties onto SetInfo. Absent properties keep their
// zero value; present ones must parse.
func (r *Reader) parseInfo() (emdata.SetInfo, error) {
	info := emdata.SetInfo{Kind: r.kind, HasCTF: parseBool(r.props["_hasCTF"])}
	var err error
	if info.SamplingRate, err = r.floatProp("_samplingRate"); err != nil {
		return info, err
	}
	if v, ok := r.props["_boxSize"]; ok && v != "" {
		if info.BoxSize, err = strconv.Atoi(v); err != nil {
			return info, fmt.Errorf("property _boxSize: %w", err)
		}
	}
	if v, ok := r.props["_acquisition._voltage"]; !ok || v == "" {
		return info, nil
	}
	acq := &emdata.Acquisition{}
	for key, dst := range map[string]*float64{
		"_acquisition._voltage":             &acq.Voltage,
		"_acquisition._magnification":       &acq.Magnification,
		"_acquisition._sphericalAberration": &acq.SphericalAberration,
		"_acquisition._amplitudeContrast":   &acq.AmplitudeContrast,
	} {
		if *dst, err = r.floatProp(key); err != nil {
			return info, err
		}
	}
	info.Acquisition = acq
	return info, nil
}

func (r *Reader) floatProp(key string) (float64, error) {
	v, ok := r.props[key]
	if !ok || v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("property %s: %w", key, err)
	}
	return f, nil
}

// Close closes the connection.
func (r *Reader) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Reader) Kind() emdata.Kind { return r.kind }

// Info is the set-level metadata read by Open.
func (r *Reader) Info() emdata.SetInfo { return r.info }

// Property returns a raw set property.
func (r *Reader) Property(key string) (string, bool) {
	v, ok := r.props[key]
	return v, ok
}

// Len is the number of stored objects.
func (r *Reader) Len() (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM Objects;`).Scan(&n)
	return n, err
}

// attribute setters keyed by label_property.
var attributes = map[string]func(it *emdata.Item, v string) error{
	"_index": func(it *emdata.Item, v string) error {
		n, err := strconv.Atoi(v)
		it.Location.Index = n
		return err
	},
	"_filename": func(it *emdata.Item, v string) error {
		it.Location.Path = v
		return nil
	},
	"_samplingRate": func(it *emdata.Item, v string) (err error) {
		it.SamplingRate, err = strconv.ParseFloat(v, 64)
		return err
	},
	"_micId": func(it *emdata.Item, v string) (err error) {
		it.MicrographID, err = strconv.ParseInt(v, 10, 64)
		return err
	},
	"_ctfModel._defocusU":     ctfField(func(c *emdata.CTFModel, f float64) { c.DefocusU = f }),
	"_ctfModel._defocusV":     ctfField(func(c *emdata.CTFModel, f float64) { c.DefocusV = f }),
	"_ctfModel._defocusAngle": ctfField(func(c *emdata.CTFModel, f float64) { c.DefocusAngle = f }),
	"_acquisition._voltage":   acqField(func(a *emdata.Acquisition, f float64) { a.Voltage = f }),
	"_acquisition._magnification": acqField(func(a *emdata.Acquisition, f float64) {
		a.Magnification = f
	}),
	"_acquisition._sphericalAberration": acqField(func(a *emdata.Acquisition, f float64) {
		a.SphericalAberration = f
	}),
	"_acquisition._amplitudeContrast": acqField(func(a *emdata.Acquisition, f float64) {
		a.AmplitudeContrast = f
	}),
	"_transform._matrix": func(it *emdata.Item, v string) error {
		m, err := geometry.ParseMatrix(v)
		if err != nil {
			return err
		}
		it.Transform = &m
		return nil
	},
	"_x": coordField(func(c *emdata.Coordinate, n int) { c.X = n }),
	"_y": coordField(func(c *emdata.Coordinate, n int) { c.Y = n }),
}

var ctfLabels = map[string]struct{}{
	"_ctfModel._defocusU":     {},
	"_ctfModel._defocusV":     {},
	"_ctfModel._defocusAngle": {},
}

func ctfField(set func(*emdata.CTFModel, float64)) func(*emdata.Item, string) error {
	return func(it *emdata.Item, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		if it.CTF == nil {
			it.CTF = &emdata.CTFModel{}
		}
		set(it.CTF, f)
		return nil
	}
}

func acqField(set func(*emdata.Acquisition, float64)) func(*emdata.Item, string) error {
	return func(it *emdata.Item, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		if it.Acquisition == nil {
			it.Acquisition = &emdata.Acquisition{}
		}
		set(it.Acquisition, f)
		return nil
	}
}

func coordField(set func(*emdata.Coordinate, int)) func(*emdata.Item, string) error {
	return func(it *emdata.Item, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		if it.Coordinate == nil {
			it.Coordinate = &emdata.Coordinate{Origin: emdata.PosCenter}
		}
		set(it.Coordinate, int(f))
		return nil
	}
}

// Items streams objects ordered by id. A row that cannot be mapped is yielded
// as an error and iteration continues.
func (r *Reader) Items() iter.Seq2[*emdata.Item, error] {
	return func(yield func(*emdata.Item, error) bool) {
		var labels, cols []string
		for label, col := range r.columns {
			if _, ok := attributes[label]; ok && isColumnName(col) {
				labels = append(labels, label)
				cols = append(cols, col)
			}
		}
		query := "SELECT id, enabled"
		if len(cols) > 0 {
			query += ", " + strings.Join(cols, ", ")
		}
		query += " FROM Objects ORDER BY id;"

		rows, err := r.db.Query(query)
		if err != nil {
			yield(nil, fmt.Errorf("read Objects: %w", err))
			return
		}
		defer rows.Close()

		box := r.info.BoxSize
		for rows.Next() {
			var id int64
			var enabled sql.NullInt64
			vals := make([]sql.NullString, len(cols))
			dest := []any{&id, &enabled}
			for i := range vals {
				dest = append(dest, &vals[i])
			}
			if err := rows.Scan(dest...); err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}

			it := &emdata.Item{ID: id, Kind: r.kind, Disabled: enabled.Valid && enabled.Int64 == 0}
			var mapErr error
			ctfFields := 0
			for i, label := range labels {
				if !vals[i].Valid || vals[i].String == "" {
					continue
				}
				if err := attributes[label](it, vals[i].String); err != nil {
					mapErr = fmt.Errorf("object %d: %s: %w", id, label, err)
					break
				}
				if _, ok := ctfLabels[label]; ok {
					ctfFields++
				}
			}
			if mapErr != nil {
				if !yield(nil, mapErr) {
					return
				}
				continue
			}
			finish(it, box, ctfFields == len(ctfLabels))
			if !yield(it, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// finish standardizes the CTF and fills the set-level box size. A CTF with
// any defocus value missing is dropped rather than completed with zeros.
func finish(it *emdata.Item, box int, fullCTF bool) {
	switch {
	case !fullCTF:
		it.CTF = nil
	case it.CTF != nil:
		it.CTF.Standardize()
	}
	if c := it.Coordinate; c != nil {
		c.BoxSize = box
		c.MicrographID = it.MicrographID
	}
}

func isColumnName(s string) bool {
	if len(s) < 2 || s[0] != 'c' {
		return false
	}
	_, err := strconv.Atoi(s[1:])
	return err == nil
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true":
		return true
	}
	return false
}

var _ emdata.Source = (*Reader)(nil)
