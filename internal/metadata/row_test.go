package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowTypedAccess(t *testing.T) {
	row := NewRow()
	require.NoError(t, row.Set(Image, "000001@images.stk"))
	require.NoError(t, row.Set(ShiftX, 1.5))
	require.NoError(t, row.Set(ItemID, 7))
	require.NoError(t, row.Set(Flip, true))

	img, err := row.GetString(Image)
	require.NoError(t, err)
	assert.Equal(t, "000001@images.stk", img)

	sx, err := row.GetFloat(ShiftX)
	require.NoError(t, err)
	assert.Equal(t, 1.5, sx)

	id, err := row.GetInt(ItemID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	flip, err := row.GetBool(Flip)
	require.NoError(t, err)
	assert.True(t, flip)

	assert.Equal(t, []Label{Image, ShiftX, ItemID, Flip}, row.Labels())
}

func TestRowAbsentIsNotZero(t *testing.T) {
	row := NewRow()
	require.NoError(t, row.Set(CTFDefocusU, 2520.0))

	assert.True(t, row.Has(CTFDefocusU))
	assert.False(t, row.Has(CTFDefocusV))
	assert.False(t, row.HasAll(CTFDefocusU, CTFDefocusV))

	_, err := row.GetFloat(CTFDefocusV)
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestRowTypeMismatch(t *testing.T) {
	row := NewRow()
	assert.ErrorIs(t, row.Set(ShiftX, "12"), ErrTypeMismatch)
	assert.ErrorIs(t, row.Set(ItemID, 1.0), ErrTypeMismatch)
	assert.ErrorIs(t, row.Set(Flip, 1), ErrTypeMismatch)
	assert.False(t, row.Has(ShiftX))

	require.NoError(t, row.Set(ItemID, 3))
	_, err := row.GetFloat(ItemID)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestRowRemoveAndOverwrite(t *testing.T) {
	row := NewRow()
	require.NoError(t, row.Set(ShiftX, 1.0))
	require.NoError(t, row.Set(ShiftY, 2.0))
	require.NoError(t, row.Set(ShiftX, 3.0))
	assert.Equal(t, []Label{ShiftX, ShiftY}, row.Labels())

	row.Remove(ShiftX)
	row.Remove(ShiftZ)
	assert.Equal(t, []Label{ShiftY}, row.Labels())
	assert.Equal(t, 1, row.Len())

	clone := row.Clone()
	require.NoError(t, clone.Set(ShiftZ, 4.0))
	assert.False(t, row.Has(ShiftZ))
	assert.False(t, row.Equal(clone))
}

func TestLabelByName(t *testing.T) {
	l, err := LabelByName("ctfDefocusAngle")
	require.NoError(t, err)
	assert.Equal(t, CTFDefocusAngle, l)
	assert.Equal(t, TypeFloat, l.Type())

	_, err = LabelByName("rlnDefocusU")
	assert.ErrorIs(t, err, ErrUnknownLabel)

	for _, l := range AllLabels() {
		got, err := LabelByName(l.Name())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
}
