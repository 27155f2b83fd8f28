package convert

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"emconv/internal/emdata"
	"emconv/internal/geometry"
	"emconv/internal/logging"
	"emconv/internal/metadata"
	"emconv/internal/metrics"

	"github.com/google/uuid"
)

const (
	DirectionExport = "export"
	DirectionImport = "import"
)

// ItemError is a per-item failure inside a bulk pass.
type ItemError struct {
	// Index is the 1-based position of the item in the pass.
	Index  int
	ItemID int64
	Err    error
}

func (e *ItemError) Error() string {
	if e.ItemID != 0 {
		return fmt.Sprintf("item %d (id %d): %v", e.Index, e.ItemID, e.Err)
	}
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// Report summarizes a bulk pass.
type Report struct {
	PassID    string
	Converted int
	Skipped   int
	Failures  []ItemError
}

func (r *Report) skip(e *ItemError) {
	r.Skipped++
	r.Failures = append(r.Failures, *e)
}

// Summary renders the counts for logs and run records.
func (r Report) Summary() map[string]any {
	return map[string]any{
		"pass_id":   r.PassID,
		"converted": r.Converted,
		"skipped":   r.Skipped,
	}
}

// Converter runs bulk passes. Its zero value logs to slog.Default and records
// no metrics.
type Converter struct {
	log     *slog.Logger
	metrics *metrics.Metrics
}

func New(logger *slog.Logger, m *metrics.Metrics) *Converter {
	return &Converter{log: logger, metrics: m}
}

func (c *Converter) logger() *slog.Logger {
	return logging.OrDefault(c.log)
}

// reason classifies an item error for the skipped counter.
func reason(err error) string {
	switch {
	case errors.Is(err, emdata.ErrDuplicateID):
		return "duplicate_id"
	case errors.Is(err, emdata.ErrKindMismatch):
		return "kind_mismatch"
	case errors.Is(err, metadata.ErrMissingField):
		return "missing_field"
	case errors.Is(err, metadata.ErrTypeMismatch):
		return "type_mismatch"
	case errors.Is(err, metadata.ErrLabelMismatch):
		return "label_mismatch"
	case errors.Is(err, metadata.ErrUnwritableValue):
		return "unwritable_value"
	case errors.Is(err, geometry.ErrMalformedTransform):
		return "malformed_transform"
	case errors.Is(err, geometry.ErrUnsupportedConvention):
		return "unsupported_convention"
	default:
		return "other"
	}
}

func (c *Converter) skipped(direction string, kind emdata.Kind, e *ItemError) {
	logging.LogItemSkipped(c.logger(), direction, e.Index, e.ItemID, e.Err)
	c.metrics.ItemSkipped(direction, string(kind), reason(e.Err))
}

// withSetInfo fills set-level acquisition into items that carry none.
func withSetInfo(it *emdata.Item, info emdata.SetInfo) *emdata.Item {
	if it.Acquisition != nil || info.Acquisition == nil {
		return it
	}
	if it.Kind == emdata.KindCoordinate || it.Kind == emdata.KindDefocusGroup {
		return it
	}
	c := it.Clone()
	acq := *info.Acquisition
	c.Acquisition = &acq
	return c
}

// SetToRows streams src as rows. The source is read lazily and only one item
// and its row are held at a time; breaking out of the loop releases the
// source. Items that fail to convert are logged and yielded as *ItemError.
func (c *Converter) SetToRows(src emdata.Source, opts Options) iter.Seq2[*metadata.Row, error] {
	return func(yield func(*metadata.Row, error) bool) {
		info := src.Info()
		kind := src.Kind()
		is2D := opts.Is2D(kind)
		index := 0
		for it, err := range src.Items() {
			index++
			if err != nil {
				e := &ItemError{Index: index, Err: err}
				c.skipped(DirectionExport, kind, e)
				if !yield(nil, e) {
					return
				}
				continue
			}
			row, err := ItemToRow(withSetInfo(it, info), opts)
			if err != nil {
				e := &ItemError{Index: index, ItemID: it.ID, Err: err}
				c.skipped(DirectionExport, kind, e)
				if !yield(nil, e) {
					return
				}
				continue
			}
			if opts.Purpose == PurposeAlignment {
				c.metrics.Transform("decompose", is2D)
			}
			c.metrics.ItemConverted(DirectionExport, string(kind))
			if !yield(row, nil) {
				return
			}
		}
	}
}

// RowHeader is the union, in first-seen order, of the labels src's items
// convert to. Items may differ in which optional groups they carry (CTF,
// micrograph, acquisition), so the header of a whole set cannot be taken from
// its first row. Items that fail to convert contribute nothing.
func (c *Converter) RowHeader(src emdata.Source, opts Options) []metadata.Label {
	info := src.Info()
	var header []metadata.Label
	seen := make(map[metadata.Label]struct{})
	for it, err := range src.Items() {
		if err != nil {
			continue
		}
		row, err := ItemToRow(withSetInfo(it, info), opts)
		if err != nil {
			continue
		}
		for _, l := range row.Labels() {
			if _, ok := seen[l]; !ok {
				seen[l] = struct{}{}
				header = append(header, l)
			}
		}
	}
	return header
}

// WriteRows drains SetToRows into w and flushes it. The header is fixed up
// front from RowHeader; an item lacking some of its labels is written with
// defaults for them and a warning, never dropped. Rows the writer still
// rejects (a string it cannot quote) are skipped like any other item failure;
// write errors end the pass.
func (c *Converter) WriteRows(src emdata.Source, w *metadata.Writer, opts Options) (Report, error) {
	report := Report{PassID: uuid.NewString()}
	kind := src.Kind()
	start := time.Now()
	logging.LogPassStart(c.logger(), DirectionExport, report.PassID, string(kind), "", opts.Map())

	if header := c.RowHeader(src, opts); len(header) > 0 {
		if err := w.SetHeader(header); err != nil {
			logging.LogPassError(c.logger(), DirectionExport, report.PassID, time.Since(start), err)
			return report, err
		}
	}

	index := 0
	for row, err := range c.SetToRows(src, opts) {
		index++
		if err != nil {
			var ie *ItemError
			if !errors.As(err, &ie) {
				ie = &ItemError{Index: index, Err: err}
			}
			report.skip(ie)
			continue
		}
		id, _ := row.GetInt(metadata.ItemID)
		if missing := w.Missing(row); len(missing) > 0 {
			c.logger().Warn("Item written with default values",
				"pass_id", report.PassID,
				"item_id", id,
				"labels", labelNames(missing))
		}
		if err := w.Write(row); err != nil {
			if !errors.Is(err, metadata.ErrLabelMismatch) && !errors.Is(err, metadata.ErrUnwritableValue) {
				logging.LogPassError(c.logger(), DirectionExport, report.PassID, time.Since(start), err)
				return report, err
			}
			e := &ItemError{Index: index, ItemID: id, Err: err}
			c.skipped(DirectionExport, kind, e)
			report.skip(e)
			continue
		}
		report.Converted++
	}
	if err := w.Flush(); err != nil {
		logging.LogPassError(c.logger(), DirectionExport, report.PassID, time.Since(start), err)
		return report, err
	}

	c.metrics.ObservePass(DirectionExport, start)
	logging.LogPassComplete(c.logger(), DirectionExport, report.PassID, time.Since(start), report.Converted, report.Skipped)
	return report, nil
}

func labelNames(labels []metadata.Label) []string {
	names := make([]string, len(labels))
	for i, l := range labels {
		names[i] = l.Name()
	}
	return names
}

// RowsToSet appends the items described by rows to dst in row order. Rows
// without itemId get sequential ids from dst. Per-row failures (parse errors,
// malformed transforms, duplicate ids) are logged and skipped; any other
// append error or a structural read error ends the pass.
//
// Afterwards the set is marked as having CTF when any item carried one, and
// the acquisition and sampling rate of the first item that has them become
// set-level values when dst has none.
func (c *Converter) RowsToSet(rows iter.Seq2[*metadata.Row, error], dst emdata.Sink, opts Options) (Report, error) {
	report := Report{PassID: uuid.NewString()}
	kind := dst.Kind()
	is2D := opts.Is2D(kind)
	info := dst.Info()
	start := time.Now()
	logging.LogPassStart(c.logger(), DirectionImport, report.PassID, string(kind), "", opts.Map())

	fail := func(err error) (Report, error) {
		logging.LogPassError(c.logger(), DirectionImport, report.PassID, time.Since(start), err)
		return report, err
	}

	index := 0
	for row, err := range rows {
		index++
		if err != nil {
			var rowErr *metadata.RowError
			if !errors.As(err, &rowErr) {
				return fail(err)
			}
			e := &ItemError{Index: index, Err: err}
			c.skipped(DirectionImport, kind, e)
			report.skip(e)
			continue
		}

		it, err := RowToItem(row, kind, opts)
		if err != nil {
			id, _ := row.GetInt(metadata.ItemID)
			e := &ItemError{Index: index, ItemID: id, Err: err}
			c.skipped(DirectionImport, kind, e)
			report.skip(e)
			continue
		}
		if it.Transform != nil {
			c.metrics.Transform("compose", is2D)
		}

		requested := it.ID
		if err := dst.Append(it); err != nil {
			if !errors.Is(err, emdata.ErrDuplicateID) && !errors.Is(err, emdata.ErrKindMismatch) {
				return fail(err)
			}
			e := &ItemError{Index: index, ItemID: requested, Err: err}
			c.skipped(DirectionImport, kind, e)
			report.skip(e)
			continue
		}

		if it.CTF != nil {
			info.HasCTF = true
		}
		if info.Acquisition == nil && it.Acquisition != nil {
			acq := *it.Acquisition
			info.Acquisition = &acq
		}
		if info.SamplingRate == 0 && it.SamplingRate != 0 {
			info.SamplingRate = it.SamplingRate
		}
		c.metrics.ItemConverted(DirectionImport, string(kind))
		report.Converted++
	}
	dst.SetInfo(info)

	c.metrics.ObservePass(DirectionImport, start)
	logging.LogPassComplete(c.logger(), DirectionImport, report.PassID, time.Since(start), report.Converted, report.Skipped)
	return report, nil
}

// CopySet appends every item of src to dst, carrying the set-level info
// across. Unreadable items and rejected appends are skipped; other append
// errors end the pass.
func (c *Converter) CopySet(src emdata.Source, dst emdata.Sink) (Report, error) {
	if err := expectKind(src.Kind(), dst.Kind()); err != nil {
		return Report{}, err
	}
	report := Report{PassID: uuid.NewString()}
	kind := dst.Kind()
	start := time.Now()
	logging.LogPassStart(c.logger(), DirectionImport, report.PassID, string(kind), "", nil)

	index := 0
	for it, err := range src.Items() {
		index++
		if err != nil {
			e := &ItemError{Index: index, Err: err}
			c.skipped(DirectionImport, kind, e)
			report.skip(e)
			continue
		}
		requested := it.ID
		if err := dst.Append(it); err != nil {
			if !errors.Is(err, emdata.ErrDuplicateID) && !errors.Is(err, emdata.ErrKindMismatch) {
				logging.LogPassError(c.logger(), DirectionImport, report.PassID, time.Since(start), err)
				return report, err
			}
			e := &ItemError{Index: index, ItemID: requested, Err: err}
			c.skipped(DirectionImport, kind, e)
			report.skip(e)
			continue
		}
		c.metrics.ItemConverted(DirectionImport, string(kind))
		report.Converted++
	}

	info := src.Info()
	info.Kind = kind
	dst.SetInfo(info)

	c.metrics.ObservePass(DirectionImport, start)
	logging.LogPassComplete(c.logger(), DirectionImport, report.PassID, time.Since(start), report.Converted, report.Skipped)
	return report, nil
}
