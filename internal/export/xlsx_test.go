package export

import (
	"path/filepath"
	"slices"
	"testing"

	"emconv/internal/metadata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func row(t *testing.T, id int64, image string, defocus float64) *metadata.Row {
	t.Helper()
	r := metadata.NewRow()
	require.NoError(t, r.Set(metadata.ItemID, id))
	require.NoError(t, r.Set(metadata.Image, image))
	require.NoError(t, r.Set(metadata.CTFDefocusU, defocus))
	return r
}

func TestWriteXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "particles.xlsx")
	rows := []*metadata.Row{row(t, 1, "000001@p.stk", 2100.5), row(t, 2, "000002@p.stk", 1990)}

	n, err := WriteXLSX(path, "", nil, slices.Values(rows))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	got, err := f.GetRows(DefaultSheet)
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"itemId", "image", "ctfDefocusU"},
		{"1", "000001@p.stk", "2100.5"},
		{"2", "000002@p.stk", "1990"},
	}, got)
}

func TestWriteXLSXLeavesMissingLabelsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.xlsx")
	bare := metadata.NewRow()
	require.NoError(t, bare.Set(metadata.ItemID, int64(2)))
	require.NoError(t, bare.Set(metadata.CTFDefocusU, 1990.0))
	header := []metadata.Label{metadata.ItemID, metadata.Image, metadata.CTFDefocusU}

	n, err := WriteXLSX(path, "", header, slices.Values([]*metadata.Row{bare, row(t, 3, "c.mrc", 2000)}))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	got, err := f.GetRows(DefaultSheet)
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"itemId", "image", "ctfDefocusU"},
		{"2", "", "1990"},
		{"3", "c.mrc", "2000"},
	}, got)
}

func TestWriteXLSXRejectsMismatchedRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.xlsx")
	odd := row(t, 2, "b.mrc", 1)
	require.NoError(t, odd.Set(metadata.ShiftX, 1.5))

	n, err := WriteXLSX(path, "sheet", nil, slices.Values([]*metadata.Row{row(t, 1, "a.mrc", 1), odd}))
	assert.ErrorIs(t, err, metadata.ErrLabelMismatch)
	assert.Equal(t, 1, n)
}
