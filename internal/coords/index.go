// Package coords exposes EMAN particle picks as coordinate items.
//
// A picking run leaves an index file mapping micrograph ids to per-micrograph
// pick files, plus the box size shared by every pick:
//
//	{"1": "mic001_info.json", "2": "mic002_info.json", "box_size": 128}
//
// Each pick file holds a "boxes" list whose entries start with the top-left
// x and y of the box; EMAN appends further fields (labels, scores) that are
// ignored here.
package coords

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
)

var (
	// ErrMalformedPickFile reports a pick file or index that cannot be decoded.
	ErrMalformedPickFile = errors.New("malformed pick file")
)

const boxSizeKey = "box_size"

// Index maps micrograph ids to pick files.
type Index struct {
	// Dir resolves relative pick file paths.
	Dir     string
	Files   map[int64]string
	BoxSize int
}

// NewIndex returns an empty index rooted at dir.
func NewIndex(dir string) *Index {
	return &Index{Dir: dir, Files: make(map[int64]string)}
}

// LoadIndex reads an index file.
func LoadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPickFile, path, err)
	}

	idx := NewIndex(filepath.Dir(path))
	for key, val := range raw {
		if key == boxSizeKey {
			var box float64
			if err := json.Unmarshal(val, &box); err != nil {
				return nil, fmt.Errorf("%w: %s: box_size: %v", ErrMalformedPickFile, path, err)
			}
			idx.BoxSize = int(box)
			continue
		}
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: key %q is not a micrograph id", ErrMalformedPickFile, path, key)
		}
		var file string
		if err := json.Unmarshal(val, &file); err != nil {
			return nil, fmt.Errorf("%w: %s: micrograph %d: %v", ErrMalformedPickFile, path, id, err)
		}
		idx.Files[id] = file
	}
	return idx, nil
}

// WriteIndex stores idx at path. Paths are written as given.
func WriteIndex(path string, idx *Index) error {
	raw := make(map[string]any, len(idx.Files)+1)
	for id, file := range idx.Files {
		raw[strconv.FormatInt(id, 10)] = file
	}
	if idx.BoxSize > 0 {
		raw[boxSizeKey] = idx.BoxSize
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// PickFile resolves the pick file of micrograph id.
func (idx *Index) PickFile(id int64) (string, bool) {
	file, ok := idx.Files[id]
	if !ok || file == "" {
		return "", false
	}
	if !filepath.IsAbs(file) && idx.Dir != "" {
		file = filepath.Join(idx.Dir, file)
	}
	return file, true
}

// IDs lists micrograph ids in ascending order.
func (idx *Index) IDs() []int64 {
	ids := make([]int64, 0, len(idx.Files))
	for id := range idx.Files {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Pick is one box position, top-left corner in pixels.
type Pick struct {
	X, Y int
}

type pickFile struct {
	Boxes []json.RawMessage `json:"boxes"`
}

// ReadPickFile decodes the boxes of one micrograph.
func ReadPickFile(path string) ([]Pick, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pf pickFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPickFile, path, err)
	}
	picks := make([]Pick, 0, len(pf.Boxes))
	for i, box := range pf.Boxes {
		var fields []any
		if err := json.Unmarshal(box, &fields); err != nil {
			return nil, fmt.Errorf("%w: %s: box %d: %v", ErrMalformedPickFile, path, i, err)
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w: %s: box %d has %d fields", ErrMalformedPickFile, path, i, len(fields))
		}
		x, okX := fields[0].(float64)
		y, okY := fields[1].(float64)
		if !okX || !okY {
			return nil, fmt.Errorf("%w: %s: box %d position is not numeric", ErrMalformedPickFile, path, i)
		}
		picks = append(picks, Pick{X: int(x), Y: int(y)})
	}
	return picks, nil
}

// WritePickFile stores picks in the EMAN layout, tagging each box as manual.
func WritePickFile(path string, picks []Pick) error {
	boxes := make([][]any, 0, len(picks))
	for _, p := range picks {
		boxes = append(boxes, []any{p.X, p.Y, "manual"})
	}
	data, err := json.Marshal(map[string]any{"boxes": boxes})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
