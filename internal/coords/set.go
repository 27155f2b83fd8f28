package coords

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"

	"emconv/internal/emdata"
)

// CoordinateSet serves the picks of an index as coordinate items tied to the
// micrographs of a set. It satisfies emdata.Source.
type CoordinateSet struct {
	index       *Index
	boxSize     int
	micrographs emdata.Source
}

// NewCoordinateSet pairs idx with the micrographs its ids refer to. The box
// size defaults to the one recorded in the index.
func NewCoordinateSet(idx *Index, micrographs emdata.Source) *CoordinateSet {
	return &CoordinateSet{index: idx, boxSize: idx.BoxSize, micrographs: micrographs}
}

// Open loads the index at path.
func Open(path string, micrographs emdata.Source) (*CoordinateSet, error) {
	idx, err := LoadIndex(path)
	if err != nil {
		return nil, err
	}
	return NewCoordinateSet(idx, micrographs), nil
}

func (s *CoordinateSet) BoxSize() int { return s.boxSize }

func (s *CoordinateSet) SetBoxSize(box int) { s.boxSize = box }

func (s *CoordinateSet) Index() *Index { return s.index }

func (s *CoordinateSet) Kind() emdata.Kind { return emdata.KindCoordinate }

// Info reports the box size and the tilt pairs of the micrograph set.
func (s *CoordinateSet) Info() emdata.SetInfo {
	info := emdata.SetInfo{Kind: emdata.KindCoordinate, BoxSize: s.boxSize}
	if s.micrographs != nil {
		mi := s.micrographs.Info()
		info.TiltPairs = mi.TiltPairs
		info.SamplingRate = mi.SamplingRate
	}
	return info
}

// Size counts the picks over every indexed file. Missing files count as empty.
func (s *CoordinateSet) Size() (int, error) {
	n := 0
	for _, id := range s.index.IDs() {
		picks, err := s.picks(id)
		if err != nil {
			return n, err
		}
		n += len(picks)
	}
	return n, nil
}

// Files lists the resolved pick files in micrograph id order.
func (s *CoordinateSet) Files() []string {
	files := make([]string, 0, len(s.index.Files))
	for _, id := range s.index.IDs() {
		if f, ok := s.index.PickFile(id); ok {
			files = append(files, f)
		}
	}
	return files
}

// HasTiltPairs delegates to the micrograph set.
func (s *CoordinateSet) HasTiltPairs() bool {
	if tp, ok := s.micrographs.(emdata.HasTiltPairs); ok {
		return tp.HasTiltPairs()
	}
	return false
}

func (s *CoordinateSet) picks(micID int64) ([]Pick, error) {
	path, ok := s.index.PickFile(micID)
	if !ok {
		return nil, nil
	}
	picks, err := ReadPickFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return picks, err
}

// IterMicrographCoordinates yields the picks of mic with ids starting at 1.
// A micrograph without a pick file yields nothing.
func (s *CoordinateSet) IterMicrographCoordinates(mic *emdata.Item) iter.Seq2[*emdata.Item, error] {
	return func(yield func(*emdata.Item, error) bool) {
		var next int64
		s.iterMic(mic, &next, yield)
	}
}

// iterMic yields mic's coordinates, numbering them from *next+1. It reports
// whether the consumer wants more.
func (s *CoordinateSet) iterMic(mic *emdata.Item, next *int64, yield func(*emdata.Item, error) bool) bool {
	picks, err := s.picks(mic.ID)
	if err != nil {
		return yield(nil, fmt.Errorf("micrograph %d: %w", mic.ID, err))
	}
	for _, p := range picks {
		*next++
		c := &emdata.Coordinate{
			X:            p.X,
			Y:            p.Y,
			Origin:       emdata.PosTopLeft,
			BoxSize:      s.boxSize,
			MicrographID: mic.ID,
			Micrograph:   mic,
		}
		it := &emdata.Item{ID: *next, Kind: emdata.KindCoordinate, MicrographID: mic.ID, Coordinate: c}
		if !yield(it, nil) {
			return false
		}
	}
	return true
}

// IterCoordinates concatenates the coordinates of every micrograph in the
// micrograph set's order. Ids run across the whole pass.
func (s *CoordinateSet) IterCoordinates() iter.Seq2[*emdata.Item, error] {
	return func(yield func(*emdata.Item, error) bool) {
		var next int64
		for mic, err := range s.micrographs.Items() {
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			if !s.iterMic(mic, &next, yield) {
				return
			}
		}
	}
}

// Items is IterCoordinates.
func (s *CoordinateSet) Items() iter.Seq2[*emdata.Item, error] {
	return s.IterCoordinates()
}

var (
	_ emdata.Source       = (*CoordinateSet)(nil)
	_ emdata.HasTiltPairs = (*CoordinateSet)(nil)
)
