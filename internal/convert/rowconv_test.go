package convert

import (
	"testing"

	"emconv/internal/emdata"
	"emconv/internal/geometry"
	"emconv/internal/metadata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowToCTFStandardizes(t *testing.T) {
	row := metadata.NewRow()
	require.NoError(t, CTFToRow(&emdata.CTFModel{DefocusU: 2520, DefocusV: 2530, DefocusAngle: 45}, row))

	ctf, err := RowToCTF(row)
	require.NoError(t, err)
	assert.Equal(t, 2530.0, ctf.DefocusU)
	assert.Equal(t, 2520.0, ctf.DefocusV)
	assert.Equal(t, 135.0, ctf.DefocusAngle)
}

func TestRowMissingDefocusVHasNoCTF(t *testing.T) {
	row := metadata.NewRow()
	require.NoError(t, row.Set(metadata.Image, "000001@images.stk"))
	require.NoError(t, row.Set(metadata.CTFDefocusU, 2520.0))
	require.NoError(t, row.Set(metadata.CTFDefocusAngle, 45.0))

	_, err := RowToCTF(row)
	assert.ErrorIs(t, err, metadata.ErrMissingField)

	it, err := RowToItem(row, emdata.KindParticle, Options{})
	require.NoError(t, err)
	assert.Nil(t, it.CTF)
	assert.Equal(t, emdata.Location{Index: 1, Path: "images.stk"}, it.Location)
}

func TestRowZeroDefaultsReadAsAbsent(t *testing.T) {
	row := metadata.NewRow()
	require.NoError(t, row.Set(metadata.Image, "a.mrc"))
	require.NoError(t, CTFToRow(&emdata.CTFModel{}, row))
	require.NoError(t, AcquisitionToRow(&emdata.Acquisition{}, row))

	it, err := RowToItem(row, emdata.KindParticle, Options{})
	require.NoError(t, err)
	assert.Nil(t, it.CTF)
	assert.Nil(t, it.Acquisition)
}

func TestAcquisitionRow(t *testing.T) {
	row := metadata.NewRow()
	acq := &emdata.Acquisition{Voltage: 300, SphericalAberration: 2, AmplitudeContrast: 0.1}
	require.NoError(t, AcquisitionToRow(acq, row))
	assert.False(t, row.Has(metadata.Magnification))

	got, err := RowToAcquisition(row)
	require.NoError(t, err)
	assert.Equal(t, acq, got)

	row.Remove(metadata.CTFQ0)
	_, err = RowToAcquisition(row)
	assert.ErrorIs(t, err, metadata.ErrMissingField)
}

func TestAlignmentRowShiftOnly(t *testing.T) {
	m := geometry.Identity()
	m[0][3] = -32

	row := metadata.NewRow()
	conv := geometry.Convention{Is2D: true, InverseTransform: true}
	require.NoError(t, AlignmentToRow(m, row, conv))

	shiftX, err := row.GetFloat(metadata.ShiftX)
	require.NoError(t, err)
	shiftY, err := row.GetFloat(metadata.ShiftY)
	require.NoError(t, err)
	psi, err := row.GetFloat(metadata.AnglePsi)
	require.NoError(t, err)
	flip, err := row.GetBool(metadata.Flip)
	require.NoError(t, err)

	assert.InDelta(t, -32, shiftX, 1e-9)
	assert.InDelta(t, 0, shiftY, 1e-9)
	assert.InDelta(t, 0, psi, 1e-9)
	assert.False(t, flip)
	assert.False(t, row.Has(metadata.ShiftZ))
	assert.False(t, row.Has(metadata.AngleTilt))
}

func TestAlignmentRowRotation2D(t *testing.T) {
	m := geometry.Matrix{
		{0, 1, 0, 0},
		{-1, 0, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
	row := metadata.NewRow()
	require.NoError(t, AlignmentToRow(m, row, geometry.Convention{Is2D: true, InverseTransform: true}))
	psi, err := row.GetFloat(metadata.AnglePsi)
	require.NoError(t, err)
	assert.InDelta(t, 90, psi, 1e-6)
}

func TestRowToAlignment2DAddsRotAndPsi(t *testing.T) {
	conv := geometry.Convention{Is2D: true, InverseTransform: true}
	row := metadata.NewRow()
	require.NoError(t, row.Set(metadata.AngleRot, 30.0))
	require.NoError(t, row.Set(metadata.AnglePsi, 60.0))

	m, err := RowToAlignment(row, conv)
	require.NoError(t, err)
	want, err := geometry.Compose(geometry.Params{Rot: 90}, conv)
	require.NoError(t, err)
	assert.True(t, m.ApproxEqual(want, 1e-9))
}

func TestRowToAlignmentMissing(t *testing.T) {
	row := metadata.NewRow()
	require.NoError(t, row.Set(metadata.Image, "a.mrc"))
	_, err := RowToAlignment(row, geometry.Convention{})
	assert.ErrorIs(t, err, metadata.ErrMissingField)
}

func TestItemRowRoundTrip(t *testing.T) {
	params := geometry.Params{ShiftX: 3.5, ShiftY: -7.25, ShiftZ: 1.5, Rot: 10, Tilt: 20, Psi: 30}
	for _, kind := range []emdata.Kind{emdata.KindParticle, emdata.KindVolume} {
		for _, inverse := range []bool{false, true} {
			for _, flip := range []bool{false, true} {
				opts := Options{InverseTransform: inverse, Purpose: PurposeAlignment}
				conv := opts.convention(kind)
				p := params
				p.Flip = flip
				if conv.Is2D {
					p.ShiftZ, p.Tilt, p.Psi = 0, 0, 0
				}
				m, err := geometry.Compose(p, conv)
				require.NoError(t, err)

				in := &emdata.Item{
					ID:          4,
					Kind:        kind,
					Location:    emdata.Location{Index: 4, Path: "stack.mrcs"},
					Transform:   &m,
					CTF:         emdata.NewCTFModel(3000, 2000, 10),
					Acquisition: &emdata.Acquisition{Voltage: 200, SphericalAberration: 2.7, AmplitudeContrast: 0.07, Magnification: 50000},
				}
				row, err := ItemToRow(in, opts)
				require.NoError(t, err)

				out, err := RowToItem(row, kind, opts)
				require.NoError(t, err)
				require.NotNil(t, out.Transform, "kind=%s inverse=%v flip=%v", kind, inverse, flip)
				assert.True(t, out.Transform.ApproxEqual(m, 1e-3), "kind=%s inverse=%v flip=%v", kind, inverse, flip)
				assert.True(t, out.CTF.Equal(*in.CTF, 1e-9))
				assert.Equal(t, in.Acquisition, out.Acquisition)
				assert.Equal(t, in.Location, out.Location)
				assert.Equal(t, in.ID, out.ID)
			}
		}
	}
}

func TestItemToRowPlainIgnoresTransform(t *testing.T) {
	m := geometry.Translation(5, 0, 0)
	row, err := ItemToRow(&emdata.Item{ID: 1, Kind: emdata.KindParticle, Transform: &m}, Options{})
	require.NoError(t, err)
	assert.False(t, row.Has(metadata.ShiftX))
}

func TestItemToRowAlignmentWritesIdentity(t *testing.T) {
	row, err := ItemToRow(&emdata.Item{ID: 1, Kind: emdata.KindParticle}, Options{Purpose: PurposeAlignment})
	require.NoError(t, err)
	for _, l := range []metadata.Label{metadata.ShiftX, metadata.ShiftY, metadata.AnglePsi} {
		v, err := row.GetFloat(l)
		require.NoError(t, err)
		assert.Zero(t, v, l.Name())
	}
}

func TestItemToRowMalformedTransform(t *testing.T) {
	m := geometry.Identity()
	m[0][0] = 2
	_, err := ItemToRow(&emdata.Item{ID: 9, Kind: emdata.KindParticle, Transform: &m}, Options{Purpose: PurposeAlignment})
	assert.ErrorIs(t, err, geometry.ErrMalformedTransform)
}

func TestDisabledItemRow(t *testing.T) {
	row, err := ItemToRow(&emdata.Item{ID: 2, Kind: emdata.KindMicrograph, Disabled: true, Location: emdata.Location{Path: "mic.mrc"}}, Options{})
	require.NoError(t, err)
	enabled, err := row.GetInt(metadata.Enabled)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), enabled)
	assert.True(t, row.Has(metadata.Micrograph))
	assert.False(t, row.Has(metadata.Image))

	it, err := RowToItem(row, emdata.KindMicrograph, Options{})
	require.NoError(t, err)
	assert.True(t, it.Disabled)
	assert.Equal(t, "mic.mrc", it.Location.Path)
}

func TestCoordinateRowUsesCenter(t *testing.T) {
	c := &emdata.Coordinate{X: 100, Y: 40, Origin: emdata.PosTopLeft, BoxSize: 64, MicrographID: 3}
	row, err := ItemToRow(&emdata.Item{ID: 1, Kind: emdata.KindCoordinate, Coordinate: c}, Options{})
	require.NoError(t, err)

	x, err := row.GetInt(metadata.XCoor)
	require.NoError(t, err)
	y, err := row.GetInt(metadata.YCoor)
	require.NoError(t, err)
	assert.Equal(t, int64(132), x)
	assert.Equal(t, int64(72), y)

	it, err := RowToItem(row, emdata.KindCoordinate, Options{})
	require.NoError(t, err)
	gx, gy := it.Coordinate.Position(emdata.PosTopLeft)
	assert.Equal(t, 100, gx)
	assert.Equal(t, 40, gy)
	assert.Equal(t, int64(3), it.MicrographID)
}

func TestDefocusGroupRow(t *testing.T) {
	g := &emdata.DefocusGroup{Min: 1000, Max: 2000, Avg: 1500}
	row, err := ItemToRow(&emdata.Item{ID: 7, Kind: emdata.KindDefocusGroup, DefocusGroup: g}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []metadata.Label{metadata.CTFGroup, metadata.Min, metadata.Max, metadata.Avg}, row.Labels())

	it, err := RowToItem(row, emdata.KindDefocusGroup, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(7), it.ID)
	assert.Equal(t, g, it.DefocusGroup)
}

func TestParseOptions(t *testing.T) {
	d, err := ParseDims("3D")
	require.NoError(t, err)
	assert.Equal(t, Dims3D, d)
	_, err = ParseDims("4d")
	assert.Error(t, err)

	p, err := ParsePurpose("alignment")
	require.NoError(t, err)
	assert.Equal(t, PurposeAlignment, p)

	assert.True(t, Options{}.Is2D(emdata.KindParticle))
	assert.False(t, Options{}.Is2D(emdata.KindVolume))
	assert.False(t, Options{Dims: Dims3D}.Is2D(emdata.KindParticle))

	inverse := true
	o, err := Options{Tolerance: 1e-3}.Override("2d", "", &inverse)
	require.NoError(t, err)
	assert.Equal(t, Options{Dims: Dims2D, InverseTransform: true, Tolerance: 1e-3}, o)
	_, err = o.Override("", "render", nil)
	assert.Error(t, err)
}
