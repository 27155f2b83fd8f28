package metadata

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
)

// Header is the first line of every Xmipp STAR metadata file.
const Header = "# XMIPP_STAR_1 *"

var (
	// ErrMalformedFile reports a structural problem in a metadata file.
	ErrMalformedFile = errors.New("malformed metadata file")
	// ErrLabelMismatch reports a row whose labels differ from the file header.
	ErrLabelMismatch = errors.New("row labels do not match header")
	// ErrUnwritableValue reports a string the STAR layout cannot carry.
	ErrUnwritableValue = errors.New("value cannot be written to metadata file")
)

// RowError is a parse failure confined to one loop line. Other errors yielded
// by Scan end the sequence.
type RowError struct {
	Line int
	Err  error
}

func (e *RowError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }

func (e *RowError) Unwrap() error { return e.Err }

// ReadFile streams the rows of the first data block in path. The file is opened
// when iteration starts and closed when it ends or the consumer stops early.
// Row level parse errors are yielded as *RowError with a nil row and iteration
// continues; structural errors end the sequence.
func ReadFile(path string) iter.Seq2[*Row, error] {
	return func(yield func(*Row, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(nil, err)
			return
		}
		defer f.Close()
		for row, err := range Scan(f) {
			if err != nil {
				err = fmt.Errorf("%s: %w", path, err)
			}
			if !yield(row, err) {
				return
			}
		}
	}
}

// Scan parses rows from r. See ReadFile.
func Scan(r io.Reader) iter.Seq2[*Row, error] {
	return func(yield func(*Row, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

		var (
			inBlock bool
			inLoop  bool
			header  []Label
			single  *Row
			lineNo  int
		)
		flushSingle := func() bool {
			if single == nil || single.Len() == 0 {
				return true
			}
			row := single
			single = nil
			return yield(row, nil)
		}

		for sc.Scan() {
			lineNo++
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			switch {
			case strings.HasPrefix(line, "data_"):
				if inBlock {
					flushSingle()
					return
				}
				inBlock = true
				single = NewRow()
				continue
			case !inBlock:
				yield(nil, fmt.Errorf("%w: line %d: content before data_ block", ErrMalformedFile, lineNo))
				return
			case line == "loop_":
				inLoop = true
				single = nil
				continue
			case strings.HasPrefix(line, "_"):
				fields := splitFields(line)
				l, err := LabelByName(strings.TrimPrefix(fields[0], "_"))
				if err != nil {
					yield(nil, fmt.Errorf("line %d: %w", lineNo, err))
					return
				}
				if inLoop {
					header = append(header, l)
					continue
				}
				if len(fields) != 2 {
					yield(nil, fmt.Errorf("%w: line %d: expected label and value", ErrMalformedFile, lineNo))
					return
				}
				if err := setParsed(single, l, fields[1]); err != nil {
					yield(nil, fmt.Errorf("line %d: %w", lineNo, err))
					return
				}
				continue
			}

			if !inLoop {
				yield(nil, fmt.Errorf("%w: line %d: value outside loop_", ErrMalformedFile, lineNo))
				return
			}
			row, err := parseLoopLine(header, line)
			if err != nil {
				err = &RowError{Line: lineNo, Err: err}
			}
			if !yield(row, err) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(nil, err)
			return
		}
		flushSingle()
	}
}

func parseLoopLine(header []Label, line string) (*Row, error) {
	fields := splitFields(line)
	if len(fields) != len(header) {
		return nil, fmt.Errorf("%w: %d values for %d labels", ErrMalformedFile, len(fields), len(header))
	}
	row := NewRow()
	for i, l := range header {
		if err := setParsed(row, l, fields[i]); err != nil {
			return nil, err
		}
	}
	return row, nil
}

func setParsed(row *Row, l Label, raw string) error {
	var v any
	var err error
	switch l.Type() {
	case TypeFloat:
		v, err = strconv.ParseFloat(raw, 64)
	case TypeInt:
		v, err = strconv.ParseInt(raw, 10, 64)
	case TypeBool:
		switch raw {
		case "1", "true", "True":
			v = true
		case "0", "false", "False":
			v = false
		default:
			err = fmt.Errorf("invalid bool %q", raw)
		}
	default:
		v = raw
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTypeMismatch, l.Name(), err)
	}
	return row.Set(l, v)
}

// splitFields splits on whitespace, honouring single and double quotes.
func splitFields(line string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote rune
		open  bool
	)
	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			cur.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			open = true
		case r == ' ' || r == '\t':
			if cur.Len() > 0 || open {
				out = append(out, cur.String())
				cur.Reset()
				open = false
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 || open {
		out = append(out, cur.String())
	}
	return out
}

// Writer streams rows into a single loop_ block. Unless SetHeader was called,
// the header is taken from the first row written and every later row must
// carry the same labels.
type Writer struct {
	w       *bufio.Writer
	header  []Label
	fixed   bool
	started bool
	count   int
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// SetHeader fixes the header before the first row. Rows may then omit header
// labels, which are written as the label's default value; labels outside the
// header are still rejected.
func (mw *Writer) SetHeader(labels []Label) error {
	if mw.started {
		return errors.New("metadata header already written")
	}
	mw.header = slices.Clone(labels)
	mw.fixed = true
	return nil
}

// Missing lists the header labels row does not carry. It is empty until the
// header is known.
func (mw *Writer) Missing(row *Row) []Label {
	var out []Label
	for _, l := range mw.header {
		if !row.Has(l) {
			out = append(out, l)
		}
	}
	return out
}

// Write appends one row.
func (mw *Writer) Write(row *Row) error {
	if !mw.fixed && !mw.started {
		mw.header = row.Labels()
	}
	if !mw.fits(row) {
		return fmt.Errorf("%w: got [%s]", ErrLabelMismatch, row.Describe())
	}

	var b strings.Builder
	for _, l := range mw.header {
		v, ok := row.Get(l)
		if !ok {
			v = defaultValue(l)
		}
		text, err := formatValue(v)
		if err != nil {
			return fmt.Errorf("%s: %w", l.Name(), err)
		}
		b.WriteByte(' ')
		b.WriteString(text)
	}
	b.WriteByte('\n')
	if !mw.started {
		if err := mw.writePreamble(); err != nil {
			return err
		}
	}
	if _, err := mw.w.WriteString(b.String()); err != nil {
		return err
	}
	mw.count++
	return nil
}

// Count is the number of rows written so far.
func (mw *Writer) Count() int { return mw.count }

// Flush writes buffered data. An empty writer still produces a valid empty block.
func (mw *Writer) Flush() error {
	if !mw.started {
		if err := mw.writePreamble(); err != nil {
			return err
		}
	}
	return mw.w.Flush()
}

func (mw *Writer) writePreamble() error {
	mw.started = true
	var b strings.Builder
	b.WriteString(Header + "\n#\ndata_\nloop_\n")
	for _, l := range mw.header {
		b.WriteString(" _" + l.Name() + "\n")
	}
	_, err := mw.w.WriteString(b.String())
	return err
}

// fits reports whether row can be written under the header: the exact label
// set, or with a fixed header any subset of it.
func (mw *Writer) fits(row *Row) bool {
	if mw.fixed {
		for _, l := range row.Labels() {
			if !slices.Contains(mw.header, l) {
				return false
			}
		}
		return true
	}
	if row.Len() != len(mw.header) {
		return false
	}
	for _, l := range mw.header {
		if !row.Has(l) {
			return false
		}
	}
	return true
}

// defaultValue is written for a header label a row lacks.
func defaultValue(l Label) any {
	switch l.Type() {
	case TypeFloat:
		return 0.0
	case TypeInt:
		return int64(0)
	case TypeBool:
		return false
	default:
		return ""
	}
}

func formatValue(v any) (string, error) {
	switch x := v.(type) {
	case float64:
		if x != 0 && math.Abs(x) < 1e-3 {
			return strconv.FormatFloat(x, 'e', 6, 64), nil
		}
		return strconv.FormatFloat(x, 'f', 6, 64), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case bool:
		if x {
			return "1", nil
		}
		return "0", nil
	case string:
		return quoteString(x)
	default:
		return fmt.Sprint(x), nil
	}
}

// quoteString quotes values Scan would otherwise split, take for a comment,
// label or block line, or misread as a quote. A value holding both quote
// characters or a line break cannot be written.
func quoteString(s string) (string, error) {
	if strings.ContainsAny(s, "\r\n") {
		return "", fmt.Errorf("%w: line break in %q", ErrUnwritableValue, s)
	}
	plain := s != "" &&
		!strings.ContainsAny(s, " \t'\"") &&
		!strings.HasPrefix(s, "#") &&
		!strings.HasPrefix(s, "_") &&
		!strings.HasPrefix(s, "data_") &&
		s != "loop_"
	switch {
	case plain:
		return s, nil
	case !strings.Contains(s, "'"):
		return "'" + s + "'", nil
	case !strings.Contains(s, `"`):
		return `"` + s + `"`, nil
	}
	return "", fmt.Errorf("%w: both quote characters in %q", ErrUnwritableValue, s)
}

// WriteFile writes rows to path, replacing any existing file. It stops at the
// first error and returns the number of rows written.
func WriteFile(path string, rows iter.Seq[*Row]) (n int, err error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	mw := NewWriter(f)
	for row := range rows {
		if err := mw.Write(row); err != nil {
			return mw.Count(), err
		}
	}
	return mw.Count(), mw.Flush()
}
