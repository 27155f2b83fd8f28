package emdata

import (
	"errors"
	"fmt"
	"iter"
)

var (
	// ErrDuplicateID is returned when an explicit id is already taken in the set.
	ErrDuplicateID = errors.New("duplicate item id")
	// ErrKindMismatch is returned when an item of another kind is appended.
	ErrKindMismatch = errors.New("item kind does not match set")
)

// TiltPair links an untilted and a tilted micrograph.
type TiltPair struct {
	UntiltedID int64 `json:"untilted_id"`
	TiltedID   int64 `json:"tilted_id"`
}

// SetInfo is the metadata shared by every item of a set.
type SetInfo struct {
	Kind         Kind         `json:"kind"`
	Acquisition  *Acquisition `json:"acquisition,omitempty"`
	SamplingRate float64      `json:"sampling_rate,omitempty"`
	HasCTF       bool         `json:"has_ctf"`
	BoxSize      int          `json:"box_size,omitempty"`
	TiltPairs    []TiltPair   `json:"tilt_pairs,omitempty"`
}

// HasAcquisition is implemented by sets that carry microscope settings.
type HasAcquisition interface {
	Acquisition() (Acquisition, bool)
}

// HasCTF is implemented by sets whose items may carry a CTF.
type HasCTF interface {
	HasCTF() bool
}

// HasTiltPairs is implemented by micrograph sets and the sets derived from them.
type HasTiltPairs interface {
	HasTiltPairs() bool
}

// Source is a set that can be read in one pass.
type Source interface {
	Kind() Kind
	Info() SetInfo
	Items() iter.Seq2[*Item, error]
}

// Sink is a set that accepts appended items.
type Sink interface {
	Kind() Kind
	Info() SetInfo
	SetInfo(SetInfo)
	Append(*Item) error
}

// Set is an in-memory, insertion ordered collection of one item kind.
type Set struct {
	info  SetInfo
	items []*Item
	index map[int64]int
	maxID int64
}

// NewSet returns an empty set of kind.
func NewSet(kind Kind) *Set {
	return &Set{info: SetInfo{Kind: kind}, index: make(map[int64]int)}
}

func (s *Set) Kind() Kind { return s.info.Kind }

// Info returns the set-level metadata.
func (s *Set) Info() SetInfo { return s.info }

// SetInfo replaces the set-level metadata. The kind is fixed at creation.
func (s *Set) SetInfo(info SetInfo) {
	info.Kind = s.info.Kind
	s.info = info
}

// CopyInfo takes every set-level property from src except the kind.
func (s *Set) CopyInfo(src Source) {
	s.SetInfo(src.Info())
}

// Append adds it at the end. A zero ID is replaced by max id + 1; an explicit
// ID must not be present yet.
func (s *Set) Append(it *Item) error {
	if it.Kind == "" {
		it.Kind = s.info.Kind
	}
	if it.Kind != s.info.Kind {
		return fmt.Errorf("%w: %s into %s set", ErrKindMismatch, it.Kind, s.info.Kind)
	}
	if it.ID == 0 {
		it.ID = s.maxID + 1
	} else if _, ok := s.index[it.ID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateID, it.ID)
	}
	if it.ID > s.maxID {
		s.maxID = it.ID
	}
	s.index[it.ID] = len(s.items)
	s.items = append(s.items, it)
	return nil
}

// Get looks up an item by id.
func (s *Set) Get(id int64) (*Item, bool) {
	i, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return s.items[i], true
}

// Len is the number of items.
func (s *Set) Len() int { return len(s.items) }

// All iterates items in insertion order.
func (s *Set) All() iter.Seq[*Item] {
	return func(yield func(*Item) bool) {
		for _, it := range s.items {
			if !yield(it) {
				return
			}
		}
	}
}

// Items adapts All to the Source signature; in-memory iteration never fails.
func (s *Set) Items() iter.Seq2[*Item, error] {
	return func(yield func(*Item, error) bool) {
		for it := range s.All() {
			if !yield(it, nil) {
				return
			}
		}
	}
}

func (s *Set) Acquisition() (Acquisition, bool) {
	if s.info.Acquisition == nil {
		return Acquisition{}, false
	}
	return *s.info.Acquisition, true
}

func (s *Set) HasCTF() bool { return s.info.HasCTF }

func (s *Set) HasTiltPairs() bool { return len(s.info.TiltPairs) > 0 }

var (
	_ Source         = (*Set)(nil)
	_ Sink           = (*Set)(nil)
	_ HasAcquisition = (*Set)(nil)
	_ HasCTF         = (*Set)(nil)
	_ HasTiltPairs   = (*Set)(nil)
)
