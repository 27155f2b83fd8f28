package coords

import (
	"errors"
	"log/slog"

	"emconv/internal/emdata"
	"emconv/internal/logging"
)

// Bounds reports whether a box with top-left corner (x, y) fits an image.
type Bounds interface {
	Contains(x, y, box int) bool
}

// BoundsFunc returns the bounds of a micrograph.
type BoundsFunc func(mic *emdata.Item) (Bounds, error)

// Filter decides whether a coordinate is kept.
type Filter func(it *emdata.Item) (bool, error)

// Clip drops coordinates whose box falls outside their micrograph. Bounds are
// looked up once per micrograph id.
func Clip(bounds BoundsFunc) Filter {
	cache := make(map[int64]Bounds)
	return func(it *emdata.Item) (bool, error) {
		c := it.Coordinate
		if c == nil || c.Micrograph == nil {
			return true, nil
		}
		b, ok := cache[c.MicrographID]
		if !ok {
			var err error
			if b, err = bounds(c.Micrograph); err != nil {
				return false, err
			}
			cache[c.MicrographID] = b
		}
		x, y := c.Position(emdata.PosTopLeft)
		return b.Contains(x, y, c.BoxSize), nil
	}
}

// ImportResult counts the outcome of ImportCoordinates.
type ImportResult struct {
	Imported int
	Clipped  int
	Skipped  int
}

// ImportCoordinates appends every coordinate of src to dst, copying the box
// size into the destination set. Unreadable pick files and rejected appends are
// logged and skipped; filter may be nil.
func ImportCoordinates(src *CoordinateSet, dst emdata.Sink, filter Filter, logger *slog.Logger) (ImportResult, error) {
	logger = logging.OrDefault(logger)
	var res ImportResult
	index := 0
	for it, err := range src.IterCoordinates() {
		index++
		if err != nil {
			if !errors.Is(err, ErrMalformedPickFile) {
				return res, err
			}
			res.Skipped++
			logging.LogItemSkipped(logger, "import", index, 0, err)
			continue
		}
		if filter != nil {
			keep, err := filter(it)
			if err != nil {
				return res, err
			}
			if !keep {
				res.Clipped++
				continue
			}
		}
		if err := dst.Append(it); err != nil {
			if !errors.Is(err, emdata.ErrDuplicateID) && !errors.Is(err, emdata.ErrKindMismatch) {
				return res, err
			}
			res.Skipped++
			logging.LogItemSkipped(logger, "import", index, it.ID, err)
			continue
		}
		res.Imported++
	}

	info := dst.Info()
	info.BoxSize = src.BoxSize()
	if info.TiltPairs == nil {
		info.TiltPairs = src.Info().TiltPairs
	}
	dst.SetInfo(info)
	return res, nil
}
