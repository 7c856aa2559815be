package poller

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"wa-inbox/internal/domain"
)

// ParseError is a per-row diagnostic raised while reading the export. It
// never aborts a poll.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("poller: line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// canonicalColumns maps lower-cased export header names to the column names
// the codec reads.
var canonicalColumns = map[string]string{
	"phone":      domain.ColumnPhone,
	"message":    domain.ColumnMessage,
	"timestamp":  domain.ColumnTimestamp,
	"time":       "Time",
	"isoutbound": domain.ColumnIsOutbound,
}

// parseExport reads a CSV export with a header row and normalizes every data
// row with codec. Rows that fail to parse or normalize are reported as
// diagnostics; everything else is returned in export order.
func parseExport(r io.Reader, codec domain.Codec) ([]domain.Message, []error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return []domain.Message{}, nil
	}
	if err != nil {
		return []domain.Message{}, []error{&ParseError{Line: 1, Err: err}}
	}
	columns := make([]string, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if canon, ok := canonicalColumns[strings.ToLower(name)]; ok {
			name = canon
		}
		columns[i] = name
	}

	msgs := []domain.Message{}
	var diags []error
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			line := 0
			var csvErr *csv.ParseError
			if errors.As(err, &csvErr) {
				line = csvErr.StartLine
			}
			diags = append(diags, &ParseError{Line: line, Err: err})
			if rec == nil {
				continue
			}
		}
		line, _ := cr.FieldPos(0)

		record := make(domain.Record, len(columns))
		for i, col := range columns {
			if i < len(rec) {
				record[col] = rec[i]
			}
		}
		msg, err := codec.Decode(record)
		var tsErr *domain.TimestampError
		switch {
		case errors.Is(err, domain.ErrMissingPhone):
			diags = append(diags, &ParseError{Line: line, Err: err})
			continue
		case errors.As(err, &tsErr):
			diags = append(diags, &ParseError{Line: line, Err: err})
		case err != nil:
			diags = append(diags, &ParseError{Line: line, Err: err})
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, diags
}
