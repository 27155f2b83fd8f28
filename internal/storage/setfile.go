package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"strconv"

	"emconv/internal/emdata"
	"emconv/internal/geometry"
)

// SetFile is an item set persisted in its own sqlite file. Appends are staged
// in one write transaction until Write; Close without Write discards them.
type SetFile struct {
	path  string
	db    *sql.DB
	info  emdata.SetInfo
	tx    *sql.Tx
	ins   *sql.Stmt
	maxID int64
	seq   int64
	count int
}

var setSchema = []string{
	`CREATE TABLE IF NOT EXISTS properties (
        key TEXT PRIMARY KEY,
        value TEXT NOT NULL
    );`,
	`CREATE TABLE IF NOT EXISTS items (
        id INTEGER PRIMARY KEY,
        seq INTEGER NOT NULL,
        kind TEXT NOT NULL,
        enabled INTEGER NOT NULL DEFAULT 1,
        stack_index INTEGER,
        path TEXT,
        micrograph_id INTEGER,
        transform TEXT,
        ctf_defocus_u REAL,
        ctf_defocus_v REAL,
        ctf_defocus_angle REAL,
        acq_voltage REAL,
        acq_magnification REAL,
        acq_spherical_aberration REAL,
        acq_amplitude_contrast REAL,
        sampling_rate REAL,
        coord_x INTEGER,
        coord_y INTEGER,
        coord_origin INTEGER,
        coord_box INTEGER,
        group_min REAL,
        group_max REAL,
        group_avg REAL
    );`,
	`CREATE INDEX IF NOT EXISTS idx_items_seq ON items(seq);`,
}

const itemColumns = `id, seq, kind, enabled, stack_index, path, micrograph_id, transform,
    ctf_defocus_u, ctf_defocus_v, ctf_defocus_angle,
    acq_voltage, acq_magnification, acq_spherical_aberration, acq_amplitude_contrast,
    sampling_rate, coord_x, coord_y, coord_origin, coord_box,
    group_min, group_max, group_avg`

// CreateSet starts a new, empty set file at path, replacing any existing one.
func CreateSet(path string, kind emdata.Kind) (*SetFile, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replace set file: %w", err)
	}
	f, err := openSetDB(path)
	if err != nil {
		return nil, err
	}
	f.info = emdata.SetInfo{Kind: kind}
	if err := f.writeProperties(f.db); err != nil {
		f.db.Close()
		return nil, err
	}
	return f, nil
}

// OpenSet opens an existing set file for reading and appending.
func OpenSet(path string) (*SetFile, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open set: %w", err)
	}
	f, err := openSetDB(path)
	if err != nil {
		return nil, err
	}
	if err := f.load(); err != nil {
		f.db.Close()
		return nil, err
	}
	return f, nil
}

func openSetDB(path string) (*SetFile, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, stmt := range setSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SetFile{path: path, db: db}, nil
}

func (f *SetFile) load() error {
	rows, err := f.db.Query(`SELECT key, value FROM properties;`)
	if err != nil {
		return err
	}
	defer rows.Close()
	props := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		props[k] = v
	}
	if err := rows.Err(); err != nil {
		return err
	}
	info, err := decodeProperties(props)
	if err != nil {
		return fmt.Errorf("%s: %w", f.path, err)
	}
	f.info = info

	var maxID, maxSeq sql.NullInt64
	if err := f.db.QueryRow(`SELECT MAX(id), MAX(seq), COUNT(*) FROM items;`).Scan(&maxID, &maxSeq, &f.count); err != nil {
		return err
	}
	f.maxID, f.seq = maxID.Int64, maxSeq.Int64
	return nil
}

// Path is the file backing the set.
func (f *SetFile) Path() string { return f.path }

func (f *SetFile) Kind() emdata.Kind { return f.info.Kind }

func (f *SetFile) Info() emdata.SetInfo { return f.info }

// SetInfo updates the set-level metadata; it is persisted by Write.
func (f *SetFile) SetInfo(info emdata.SetInfo) {
	info.Kind = f.info.Kind
	f.info = info
}

func (f *SetFile) Acquisition() (emdata.Acquisition, bool) {
	if f.info.Acquisition == nil {
		return emdata.Acquisition{}, false
	}
	return *f.info.Acquisition, true
}

func (f *SetFile) HasCTF() bool { return f.info.HasCTF }

func (f *SetFile) HasTiltPairs() bool { return len(f.info.TiltPairs) > 0 }

// Len counts committed and staged items.
func (f *SetFile) Len() int { return f.count }

// Append stages it for the next Write.
func (f *SetFile) Append(it *emdata.Item) error {
	if it.Kind == "" {
		it.Kind = f.info.Kind
	}
	if it.Kind != f.info.Kind {
		return fmt.Errorf("%w: %s into %s set", emdata.ErrKindMismatch, it.Kind, f.info.Kind)
	}
	if err := f.begin(); err != nil {
		return err
	}

	id := it.ID
	if id == 0 {
		id = f.maxID + 1
	} else {
		var one int
		err := f.tx.QueryRow(`SELECT 1 FROM items WHERE id=?;`, id).Scan(&one)
		if err == nil {
			return fmt.Errorf("%w: %d", emdata.ErrDuplicateID, id)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
	}

	args := append([]any{id, f.seq + 1, string(it.Kind)}, itemArgs(it)...)
	if _, err := f.ins.Exec(args...); err != nil {
		return fmt.Errorf("insert item %d: %w", id, err)
	}
	it.ID = id
	f.seq++
	f.count++
	if id > f.maxID {
		f.maxID = id
	}
	return nil
}

func (f *SetFile) begin() error {
	if f.tx != nil {
		return nil
	}
	tx, err := f.db.Begin()
	if err != nil {
		return err
	}
	ins, err := tx.Prepare(`INSERT INTO items (` + itemColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		tx.Rollback()
		return err
	}
	f.tx, f.ins = tx, ins
	return nil
}

// Write commits staged items together with the set-level properties.
func (f *SetFile) Write() error {
	if err := f.begin(); err != nil {
		return err
	}
	if err := f.writeProperties(f.tx); err != nil {
		f.rollback()
		return err
	}
	f.ins.Close()
	err := f.tx.Commit()
	f.tx, f.ins = nil, nil
	return err
}

func (f *SetFile) rollback() {
	if f.tx == nil {
		return
	}
	f.ins.Close()
	f.tx.Rollback()
	f.tx, f.ins = nil, nil
}

// Close releases the file. Staged items not yet written are discarded.
func (f *SetFile) Close() error {
	if f == nil || f.db == nil {
		return nil
	}
	if f.tx != nil {
		f.rollback()
		var n int
		if err := f.db.QueryRow(`SELECT COUNT(*) FROM items;`).Scan(&n); err == nil {
			f.count = n
		}
	}
	return f.db.Close()
}

type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// Items streams the items in insertion order, including staged ones. The
// cursor is released when the sequence ends or the consumer stops.
func (f *SetFile) Items() iter.Seq2[*emdata.Item, error] {
	return func(yield func(*emdata.Item, error) bool) {
		var q queryer = f.db
		if f.tx != nil {
			q = f.tx
		}
		rows, err := q.Query(`SELECT ` + itemColumns + ` FROM items ORDER BY seq;`)
		if err != nil {
			yield(nil, err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			it, err := scanItem(rows)
			if !yield(it, err) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
		}
	}
}

func (f *SetFile) writeProperties(x execer) error {
	props, err := encodeProperties(f.info)
	if err != nil {
		return err
	}
	if _, err := x.Exec(`DELETE FROM properties;`); err != nil {
		return err
	}
	for k, v := range props {
		if _, err := x.Exec(`INSERT INTO properties (key, value) VALUES (?, ?);`, k, v); err != nil {
			return err
		}
	}
	return nil
}

func encodeProperties(info emdata.SetInfo) (map[string]string, error) {
	props := map[string]string{
		"kind":         string(info.Kind),
		"samplingRate": strconv.FormatFloat(info.SamplingRate, 'g', -1, 64),
		"hasCTF":       strconv.FormatBool(info.HasCTF),
		"boxSize":      strconv.Itoa(info.BoxSize),
	}
	if info.Acquisition != nil {
		b, err := json.Marshal(info.Acquisition)
		if err != nil {
			return nil, err
		}
		props["acquisition"] = string(b)
	}
	if len(info.TiltPairs) > 0 {
		b, err := json.Marshal(info.TiltPairs)
		if err != nil {
			return nil, err
		}
		props["tiltPairs"] = string(b)
	}
	return props, nil
}

func decodeProperties(props map[string]string) (emdata.SetInfo, error) {
	var info emdata.SetInfo
	kind, ok := props["kind"]
	if !ok {
		return info, errors.New("set file has no kind property")
	}
	k, err := emdata.ParseKind(kind)
	if err != nil {
		return info, err
	}
	info.Kind = k
	if v, ok := props["samplingRate"]; ok {
		if info.SamplingRate, err = strconv.ParseFloat(v, 64); err != nil {
			return info, fmt.Errorf("samplingRate: %w", err)
		}
	}
	if v, ok := props["hasCTF"]; ok {
		if info.HasCTF, err = strconv.ParseBool(v); err != nil {
			return info, fmt.Errorf("hasCTF: %w", err)
		}
	}
	if v, ok := props["boxSize"]; ok {
		if info.BoxSize, err = strconv.Atoi(v); err != nil {
			return info, fmt.Errorf("boxSize: %w", err)
		}
	}
	if v, ok := props["acquisition"]; ok {
		info.Acquisition = &emdata.Acquisition{}
		if err := json.Unmarshal([]byte(v), info.Acquisition); err != nil {
			return info, fmt.Errorf("acquisition: %w", err)
		}
	}
	if v, ok := props["tiltPairs"]; ok {
		if err := json.Unmarshal([]byte(v), &info.TiltPairs); err != nil {
			return info, fmt.Errorf("tiltPairs: %w", err)
		}
	}
	return info, nil
}

// itemArgs returns the column values after id, seq and kind.
func itemArgs(it *emdata.Item) []any {
	enabled := 1
	if it.Disabled {
		enabled = 0
	}
	args := []any{enabled, nullInt(int64(it.Location.Index), it.Location.Index > 0), nullString(it.Location.Path), nullInt(it.MicrographID, it.MicrographID != 0)}

	var transform any
	if it.Transform != nil {
		transform = it.Transform.String()
	}
	args = append(args, transform)

	if c := it.CTF; c != nil {
		args = append(args, c.DefocusU, c.DefocusV, c.DefocusAngle)
	} else {
		args = append(args, nil, nil, nil)
	}
	if a := it.Acquisition; a != nil {
		args = append(args, a.Voltage, a.Magnification, a.SphericalAberration, a.AmplitudeContrast)
	} else {
		args = append(args, nil, nil, nil, nil)
	}
	if it.SamplingRate > 0 {
		args = append(args, it.SamplingRate)
	} else {
		args = append(args, nil)
	}
	if c := it.Coordinate; c != nil {
		args = append(args, c.X, c.Y, int(c.Origin), c.BoxSize)
	} else {
		args = append(args, nil, nil, nil, nil)
	}
	if g := it.DefocusGroup; g != nil {
		args = append(args, g.Min, g.Max, g.Avg)
	} else {
		args = append(args, nil, nil, nil)
	}
	return args
}

func nullInt(v int64, valid bool) any {
	if !valid {
		return nil
	}
	return v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanItem(rows *sql.Rows) (*emdata.Item, error) {
	var (
		it                                 emdata.Item
		seq                                int64
		kind                               string
		enabled                            int
		stackIndex, micID                  sql.NullInt64
		path, transform                    sql.NullString
		defU, defV, defAngle               sql.NullFloat64
		voltage, mag, cs, q0, samplingRate sql.NullFloat64
		cx, cy, corigin, cbox              sql.NullInt64
		gmin, gmax, gavg                   sql.NullFloat64
	)
	if err := rows.Scan(&it.ID, &seq, &kind, &enabled, &stackIndex, &path, &micID, &transform,
		&defU, &defV, &defAngle, &voltage, &mag, &cs, &q0, &samplingRate,
		&cx, &cy, &corigin, &cbox, &gmin, &gmax, &gavg); err != nil {
		return nil, err
	}
	it.Kind = emdata.Kind(kind)
	it.Disabled = enabled == 0
	it.Location = emdata.Location{Index: int(stackIndex.Int64), Path: path.String}
	it.MicrographID = micID.Int64
	if transform.Valid {
		m, err := geometry.ParseMatrix(transform.String)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", it.ID, err)
		}
		it.Transform = &m
	}
	if defU.Valid && defV.Valid && defAngle.Valid {
		it.CTF = &emdata.CTFModel{DefocusU: defU.Float64, DefocusV: defV.Float64, DefocusAngle: defAngle.Float64}
	}
	if voltage.Valid {
		it.Acquisition = &emdata.Acquisition{Voltage: voltage.Float64, Magnification: mag.Float64, SphericalAberration: cs.Float64, AmplitudeContrast: q0.Float64}
	}
	it.SamplingRate = samplingRate.Float64
	if cx.Valid && cy.Valid {
		it.Coordinate = &emdata.Coordinate{
			X:            int(cx.Int64),
			Y:            int(cy.Int64),
			Origin:       emdata.PositionMode(corigin.Int64),
			BoxSize:      int(cbox.Int64),
			MicrographID: it.MicrographID,
		}
	}
	if gmin.Valid || gmax.Valid || gavg.Valid {
		it.DefocusGroup = &emdata.DefocusGroup{Min: gmin.Float64, Max: gmax.Float64, Avg: gavg.Float64}
	}
	return &it, nil
}

var (
	_ emdata.Source = (*SetFile)(nil)
	_ emdata.Sink   = (*SetFile)(nil)
)
