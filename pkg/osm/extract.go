package osm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/NERVsystems/poiloader/pkg/core"
	"github.com/NERVsystems/poiloader/pkg/tracing"
)

var errNoElements = errors.New(`response has no "elements" array`)

// Extractor turns cached Overpass responses into Records of one category.
type Extractor struct {
	category string
	logger   *slog.Logger
}

// NewExtractor creates an extractor that stamps every record with category
func NewExtractor(category string) *Extractor {
	return &Extractor{
		category: category,
		logger:   slog.Default(),
	}
}

// SetLogger sets the logger for the extractor
func (x *Extractor) SetLogger(logger *slog.Logger) {
	x.logger = logger
}

// Stats counts what an extraction pass has seen so far.
type Stats struct {
	Elements int
	Records  int
	Dropped  map[DropReason]int
}

// TotalDropped returns the number of elements that produced no record.
func (s Stats) TotalDropped() int {
	n := 0
	for _, c := range s.Dropped {
		n += c
	}
	return n
}

// Records is a lazy, single-use sequence of records read from one response file.
//
//	recs, err := x.Open(ctx, path)
//	if err != nil { ... }
//	defer recs.Close()
//	for recs.Next() {
//		rec := recs.Record()
//	}
//	if err := recs.Err(); err != nil { ... }
type Records struct {
	path     string
	category string
	file     *os.File
	dec      *json.Decoder
	cur      Record
	err      error
	done     bool
	stats    Stats
}

// Open validates the response at path and positions a reader at its first element.
//
// The whole document is checked with a token-level pass before any record is
// produced, so a truncated or malformed response fails here with a
// *core.ParseError and never yields a partial sequence. Neither pass holds more
// than one element in memory.
func (x *Extractor) Open(ctx context.Context, path string) (*Records, error) {
	_, span := tracing.StartSpan(ctx, "osm.extract",
		trace.WithAttributes(
			attribute.String(tracing.AttrCachePath, path),
			attribute.String(tracing.AttrLoadCategory, x.category),
		),
	)
	defer span.End()

	if err := x.validate(path); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid response")
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &core.ParseError{Path: path, Cause: err}
	}
	dec := json.NewDecoder(bufio.NewReader(f))
	if err := seekElements(dec); err != nil {
		f.Close()
		return nil, &core.ParseError{Path: path, Cause: err}
	}

	span.SetStatus(codes.Ok, "")
	return &Records{
		path:     path,
		category: x.category,
		file:     f,
		dec:      dec,
		stats:    Stats{Dropped: make(map[DropReason]int)},
	}, nil
}

// Next advances to the next valid record. It returns false at the end of the
// elements array or on a read error, which Err then reports.
func (r *Records) Next() bool {
	if r.done {
		return false
	}
	for r.dec.More() {
		var raw json.RawMessage
		if err := r.dec.Decode(&raw); err != nil {
			// The file changed under us since validation
			r.err = &core.ParseError{Path: r.path, Cause: err}
			r.finish()
			return false
		}
		r.stats.Elements++

		var el Element
		if err := json.Unmarshal(raw, &el); err != nil {
			r.stats.Dropped[DropMalformed]++
			continue
		}
		rec, reason := el.ToRecord(r.category)
		if reason != DropNone {
			r.stats.Dropped[reason]++
			continue
		}

		r.cur = rec
		r.stats.Records++
		return true
	}
	r.finish()
	return false
}

// Record returns the record produced by the last successful Next.
func (r *Records) Record() Record {
	return r.cur
}

// Err returns the error that stopped iteration, if any.
func (r *Records) Err() error {
	return r.err
}

// Stats returns a snapshot of the element counts.
func (r *Records) Stats() Stats {
	dropped := make(map[DropReason]int, len(r.stats.Dropped))
	for k, v := range r.stats.Dropped {
		dropped[k] = v
	}
	s := r.stats
	s.Dropped = dropped
	return s
}

// Close releases the underlying file. It is safe to call more than once.
func (r *Records) Close() error {
	r.done = true
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *Records) finish() {
	r.done = true
	r.Close()
}

// validate walks every token of the document at path and checks that it is a
// single JSON object with an "elements" array.
func (x *Extractor) validate(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &core.ParseError{Path: path, Cause: err}
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReader(f))
	if err := expectDelim(dec, '{'); err != nil {
		return &core.ParseError{Path: path, Cause: err}
	}

	found := false
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return &core.ParseError{Path: path, Cause: err}
		}
		switch key {
		case "elements":
			if err := expectDelim(dec, '['); err != nil {
				return &core.ParseError{Path: path, Cause: fmt.Errorf("elements: %w", err)}
			}
			if err := skipRest(dec, 1); err != nil {
				return &core.ParseError{Path: path, Cause: err}
			}
			found = true
		case "remark":
			// Overpass reports server-side runtime errors (timeouts, memory) here
			var remark any
			if err := dec.Decode(&remark); err != nil {
				return &core.ParseError{Path: path, Cause: err}
			}
			x.logger.Warn("overpass response carries a remark", "path", path, "remark", remark)
		default:
			if err := skipValue(dec); err != nil {
				return &core.ParseError{Path: path, Cause: err}
			}
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return &core.ParseError{Path: path, Cause: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		if err == nil {
			err = errors.New("trailing data after response object")
		}
		return &core.ParseError{Path: path, Cause: err}
	}
	if !found {
		return &core.ParseError{Path: path, Cause: errNoElements}
	}
	return nil
}

// seekElements positions dec just inside the top-level "elements" array.
func seekElements(dec *json.Decoder) error {
	if err := expectDelim(dec, '{'); err != nil {
		return err
	}
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return err
		}
		if key == "elements" {
			return expectDelim(dec, '[')
		}
		if err := skipValue(dec); err != nil {
			return err
		}
	}
	return errNoElements
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err == io.EOF {
		return "", io.ErrUnexpectedEOF
	}
	if err != nil {
		return "", err
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected object key, got %v", tok)
	}
	return key, nil
}

// skipValue consumes one complete value token by token.
func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); ok && (d == '{' || d == '[') {
		return skipRest(dec, 1)
	}
	return nil
}

// skipRest consumes tokens until depth open containers have been closed.
func skipRest(dec *json.Decoder, depth int) error {
	for depth > 0 {
		tok, err := dec.Token()
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		if err != nil {
			return err
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}
