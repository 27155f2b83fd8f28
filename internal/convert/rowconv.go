package convert

import (
	"errors"
	"fmt"

	"emconv/internal/emdata"
	"emconv/internal/geometry"
	"emconv/internal/metadata"
)

// rowSetter accumulates the first Set error so callers can write a run of
// labels and check once.
type rowSetter struct {
	row *metadata.Row
	err error
}

func (s *rowSetter) set(l metadata.Label, v any) {
	if s.err != nil {
		return
	}
	s.err = s.row.Set(l, v)
}

// optFloat reads l, treating an absent label as zero.
func optFloat(row *metadata.Row, l metadata.Label) (float64, error) {
	v, err := row.GetFloat(l)
	if errors.Is(err, metadata.ErrMissingField) {
		return 0, nil
	}
	return v, err
}

func optInt(row *metadata.Row, l metadata.Label) (int64, error) {
	v, err := row.GetInt(l)
	if errors.Is(err, metadata.ErrMissingField) {
		return 0, nil
	}
	return v, err
}

// CTFToRow writes the defocus triple.
func CTFToRow(ctf *emdata.CTFModel, row *metadata.Row) error {
	s := rowSetter{row: row}
	s.set(metadata.CTFDefocusU, ctf.DefocusU)
	s.set(metadata.CTFDefocusV, ctf.DefocusV)
	s.set(metadata.CTFDefocusAngle, ctf.DefocusAngle)
	return s.err
}

// RowToCTF builds a standardized CTF. All three defocus labels are required;
// when one is absent, or both defoci are zero as written for items without a
// CTF, the error wraps metadata.ErrMissingField and the item has no CTF.
func RowToCTF(row *metadata.Row) (*emdata.CTFModel, error) {
	u, err := row.GetFloat(metadata.CTFDefocusU)
	if err != nil {
		return nil, err
	}
	v, err := row.GetFloat(metadata.CTFDefocusV)
	if err != nil {
		return nil, err
	}
	angle, err := row.GetFloat(metadata.CTFDefocusAngle)
	if err != nil {
		return nil, err
	}
	if u == 0 && v == 0 {
		return nil, fmt.Errorf("%w: zero defocus", metadata.ErrMissingField)
	}
	return emdata.NewCTFModel(u, v, angle), nil
}

// AcquisitionToRow writes the microscope settings.
func AcquisitionToRow(acq *emdata.Acquisition, row *metadata.Row) error {
	s := rowSetter{row: row}
	s.set(metadata.CTFVoltage, acq.Voltage)
	s.set(metadata.CTFSphericalAberration, acq.SphericalAberration)
	s.set(metadata.CTFQ0, acq.AmplitudeContrast)
	if acq.Magnification != 0 {
		s.set(metadata.Magnification, acq.Magnification)
	}
	return s.err
}

// RowToAcquisition requires voltage, spherical aberration and amplitude
// contrast; magnification is optional. A zero voltage reads as no acquisition.
func RowToAcquisition(row *metadata.Row) (*emdata.Acquisition, error) {
	acq := &emdata.Acquisition{}
	var err error
	if acq.Voltage, err = row.GetFloat(metadata.CTFVoltage); err != nil {
		return nil, err
	}
	if acq.Voltage == 0 {
		return nil, fmt.Errorf("%w: zero voltage", metadata.ErrMissingField)
	}
	if acq.SphericalAberration, err = row.GetFloat(metadata.CTFSphericalAberration); err != nil {
		return nil, err
	}
	if acq.AmplitudeContrast, err = row.GetFloat(metadata.CTFQ0); err != nil {
		return nil, err
	}
	if acq.Magnification, err = optFloat(row, metadata.Magnification); err != nil {
		return nil, err
	}
	return acq, nil
}

// AlignmentToRow decomposes m and writes shifts, angles and flip. In 2D the
// single in-plane angle goes to anglePsi and shiftZ is omitted.
func AlignmentToRow(m geometry.Matrix, row *metadata.Row, conv geometry.Convention) error {
	p, err := geometry.Decompose(m, conv)
	if err != nil {
		return err
	}
	s := rowSetter{row: row}
	s.set(metadata.ShiftX, p.ShiftX)
	s.set(metadata.ShiftY, p.ShiftY)
	if conv.Is2D {
		s.set(metadata.AnglePsi, p.Rot)
	} else {
		s.set(metadata.ShiftZ, p.ShiftZ)
		s.set(metadata.AngleRot, p.Rot)
		s.set(metadata.AngleTilt, p.Tilt)
		s.set(metadata.AnglePsi, p.Psi)
	}
	s.set(metadata.Flip, p.Flip)
	return s.err
}

var alignmentLabels = []metadata.Label{
	metadata.ShiftX, metadata.ShiftY, metadata.ShiftZ,
	metadata.AngleRot, metadata.AngleTilt, metadata.AnglePsi, metadata.Flip,
}

// RowToAlignment composes the transform described by row. A row with none of
// the alignment labels yields metadata.ErrMissingField; individual labels
// default to zero. In 2D the in-plane angle is anglePsi + angleRot.
func RowToAlignment(row *metadata.Row, conv geometry.Convention) (geometry.Matrix, error) {
	present := false
	for _, l := range alignmentLabels {
		if row.Has(l) {
			present = true
			break
		}
	}
	if !present {
		return geometry.Matrix{}, fmt.Errorf("%w: no alignment labels", metadata.ErrMissingField)
	}

	var p geometry.Params
	fields := []struct {
		label metadata.Label
		dst   *float64
	}{
		{metadata.ShiftX, &p.ShiftX},
		{metadata.ShiftY, &p.ShiftY},
		{metadata.ShiftZ, &p.ShiftZ},
		{metadata.AngleRot, &p.Rot},
		{metadata.AngleTilt, &p.Tilt},
		{metadata.AnglePsi, &p.Psi},
	}
	for _, f := range fields {
		v, err := optFloat(row, f.label)
		if err != nil {
			return geometry.Matrix{}, err
		}
		*f.dst = v
	}
	flip, err := row.GetBool(metadata.Flip)
	if err != nil && !errors.Is(err, metadata.ErrMissingField) {
		return geometry.Matrix{}, err
	}
	p.Flip = flip

	if conv.Is2D {
		p.Rot += p.Psi
		p.Tilt, p.Psi, p.ShiftZ = 0, 0, 0
	}
	return geometry.Compose(p, conv)
}

func locationLabel(kind emdata.Kind) metadata.Label {
	if kind == emdata.KindMicrograph {
		return metadata.Micrograph
	}
	return metadata.Image
}

// LocationToRow writes loc under the image or micrograph label.
func LocationToRow(loc emdata.Location, kind emdata.Kind, row *metadata.Row) error {
	return row.Set(locationLabel(kind), loc.String())
}

func RowToLocation(row *metadata.Row, kind emdata.Kind) (emdata.Location, error) {
	s, err := row.GetString(locationLabel(kind))
	if err != nil {
		return emdata.Location{}, err
	}
	return emdata.ParseLocation(s)
}

// CoordinateToRow writes the box center.
func CoordinateToRow(c *emdata.Coordinate, row *metadata.Row) error {
	x, y := c.Position(emdata.PosCenter)
	s := rowSetter{row: row}
	s.set(metadata.MicrographID, c.MicrographID)
	s.set(metadata.XCoor, x)
	s.set(metadata.YCoor, y)
	if c.BoxSize > 0 {
		s.set(metadata.PickBoxSize, c.BoxSize)
	}
	return s.err
}

func RowToCoordinate(row *metadata.Row) (*emdata.Coordinate, error) {
	x, err := row.GetInt(metadata.XCoor)
	if err != nil {
		return nil, err
	}
	y, err := row.GetInt(metadata.YCoor)
	if err != nil {
		return nil, err
	}
	c := &emdata.Coordinate{X: int(x), Y: int(y), Origin: emdata.PosCenter}
	if c.MicrographID, err = optInt(row, metadata.MicrographID); err != nil {
		return nil, err
	}
	box, err := optInt(row, metadata.PickBoxSize)
	if err != nil {
		return nil, err
	}
	c.BoxSize = int(box)
	return c, nil
}

// DefocusGroupToRow writes the group id as ctfGroup with its defocus range.
func DefocusGroupToRow(id int64, g *emdata.DefocusGroup, row *metadata.Row) error {
	s := rowSetter{row: row}
	s.set(metadata.CTFGroup, id)
	s.set(metadata.Min, g.Min)
	s.set(metadata.Max, g.Max)
	s.set(metadata.Avg, g.Avg)
	return s.err
}

func RowToDefocusGroup(row *metadata.Row) (int64, *emdata.DefocusGroup, error) {
	id, err := row.GetInt(metadata.CTFGroup)
	if err != nil {
		return 0, nil, err
	}
	g := &emdata.DefocusGroup{}
	for _, f := range []struct {
		label metadata.Label
		dst   *float64
	}{{metadata.Min, &g.Min}, {metadata.Max, &g.Max}, {metadata.Avg, &g.Avg}} {
		if *f.dst, err = row.GetFloat(f.label); err != nil {
			return 0, nil, err
		}
	}
	return id, g, nil
}

// ItemToRow flattens it. The transform is written only for PurposeAlignment,
// where a missing transform is written as the identity.
func ItemToRow(it *emdata.Item, opts Options) (*metadata.Row, error) {
	row := metadata.NewRow()

	switch it.Kind {
	case emdata.KindDefocusGroup:
		if it.DefocusGroup == nil {
			return nil, fmt.Errorf("%w: defocus group %d has no range", metadata.ErrMissingField, it.ID)
		}
		if err := DefocusGroupToRow(it.ID, it.DefocusGroup, row); err != nil {
			return nil, err
		}
		return row, nil
	case emdata.KindCoordinate:
		if it.Coordinate == nil {
			return nil, fmt.Errorf("%w: coordinate %d has no position", metadata.ErrMissingField, it.ID)
		}
		s := rowSetter{row: row}
		s.set(metadata.ItemID, it.ID)
		s.set(metadata.Enabled, enabledValue(it))
		if s.err != nil {
			return nil, s.err
		}
		if err := CoordinateToRow(it.Coordinate, row); err != nil {
			return nil, err
		}
		return row, nil
	}

	s := rowSetter{row: row}
	s.set(metadata.ItemID, it.ID)
	s.set(metadata.Enabled, enabledValue(it))
	if s.err != nil {
		return nil, s.err
	}
	if err := LocationToRow(it.Location, it.Kind, row); err != nil {
		return nil, err
	}
	if it.MicrographID != 0 && it.Kind == emdata.KindParticle {
		if err := row.Set(metadata.MicrographID, it.MicrographID); err != nil {
			return nil, err
		}
	}
	if it.CTF != nil {
		if err := CTFToRow(it.CTF, row); err != nil {
			return nil, err
		}
	}
	if it.Acquisition != nil {
		if err := AcquisitionToRow(it.Acquisition, row); err != nil {
			return nil, err
		}
	}
	if opts.Purpose == PurposeAlignment {
		m := geometry.Identity()
		if it.Transform != nil {
			m = *it.Transform
		}
		if err := AlignmentToRow(m, row, opts.convention(it.Kind)); err != nil {
			return nil, fmt.Errorf("item %d: %w", it.ID, err)
		}
	}
	return row, nil
}

func enabledValue(it *emdata.Item) int64 {
	if it.Disabled {
		return -1
	}
	return 1
}

// RowToItem rebuilds an item of kind. Optional parts absent from the row stay
// nil; a CTF with any defocus label missing is dropped.
func RowToItem(row *metadata.Row, kind emdata.Kind, opts Options) (*emdata.Item, error) {
	it := &emdata.Item{Kind: kind}

	if kind == emdata.KindDefocusGroup {
		id, g, err := RowToDefocusGroup(row)
		if err != nil {
			return nil, err
		}
		it.ID, it.DefocusGroup = id, g
		return it, nil
	}

	var err error
	if it.ID, err = optInt(row, metadata.ItemID); err != nil {
		return nil, err
	}
	if row.Has(metadata.Enabled) {
		enabled, err := row.GetInt(metadata.Enabled)
		if err != nil {
			return nil, err
		}
		it.Disabled = enabled <= 0
	}

	if kind == emdata.KindCoordinate {
		c, err := RowToCoordinate(row)
		if err != nil {
			return nil, err
		}
		it.Coordinate = c
		it.MicrographID = c.MicrographID
		return it, nil
	}

	it.Location, err = RowToLocation(row, kind)
	if err != nil && !errors.Is(err, metadata.ErrMissingField) {
		return nil, err
	}
	if it.MicrographID, err = optInt(row, metadata.MicrographID); err != nil {
		return nil, err
	}
	if it.SamplingRate, err = optFloat(row, metadata.SamplingRate); err != nil {
		return nil, err
	}

	switch ctf, err := RowToCTF(row); {
	case err == nil:
		it.CTF = ctf
	case !errors.Is(err, metadata.ErrMissingField):
		return nil, err
	}
	switch acq, err := RowToAcquisition(row); {
	case err == nil:
		it.Acquisition = acq
	case !errors.Is(err, metadata.ErrMissingField):
		return nil, err
	}

	if opts.Purpose == PurposeAlignment {
		switch m, err := RowToAlignment(row, opts.convention(kind)); {
		case err == nil:
			it.Transform = &m
		case !errors.Is(err, metadata.ErrMissingField):
			return nil, fmt.Errorf("item %d: %w", it.ID, err)
		}
	}
	return it, nil
}
