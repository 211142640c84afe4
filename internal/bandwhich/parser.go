// Package bandwhich turns the raw output of `bandwhich -p --raw` into
// per-program bandwidth snapshots.
package bandwhich

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/spf13/cast"
)

const (
	// NoTraffic is the line bandwhich prints for a tick without any traffic.
	NoTraffic = "<NO TRAFFIC>"

	// blockDelimiter separates two ticks in the raw output.
	blockDelimiter = "\n\n"

	// Field positions (1-based) in a process line:
	//   process: <1700000000> "firefox" up/down Bps: 1234.5/678.9 connections: 3
	nameField = 3
	rateField = 6
)

// ErrMalformedLine is returned for a process line that does not follow the
// raw output format.
var ErrMalformedLine = errors.New("malformed bandwhich line")

// Record is the bandwidth used by one program during one tick.
type Record struct {
	Name     string  `json:"name"`
	Download float64 `json:"download"`
	Upload   float64 `json:"upload"`
}

// Snapshot holds the records of one tick, in the order bandwhich printed them.
type Snapshot []Record

// Names returns the program names of the snapshot in order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s))
	for _, r := range s {
		names = append(names, r.Name)
	}
	return names
}

// ParseLine parses a single process line.
// Returns nil without an error for the NoTraffic marker.
func ParseLine(line string) (*Record, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == NoTraffic {
		return nil, nil
	}

	fields := splitFields(trimmed)
	if len(fields) < rateField {
		return nil, fmt.Errorf("%w: expected at least %d fields, got %d", ErrMalformedLine, rateField, len(fields))
	}

	name, err := stripEnclosing(fields[nameField-1])
	if err != nil {
		return nil, err
	}

	up, down, ok := strings.Cut(fields[rateField-1], "/")
	if !ok {
		return nil, fmt.Errorf("%w: rate token %q has no '/'", ErrMalformedLine, fields[rateField-1])
	}

	upload, err := parseRate(up)
	if err != nil {
		return nil, err
	}
	download, err := parseRate(down)
	if err != nil {
		return nil, err
	}

	return &Record{
		Name:     name,
		Download: download,
		Upload:   upload,
	}, nil
}

// ParseBlock parses one tick of output. The first line is the header and is
// skipped. Malformed lines are dropped; the rest of the tick is kept.
func ParseBlock(block string) Snapshot {
	snapshot := Snapshot{}

	lines := strings.Split(block, "\n")
	if len(lines) < 2 {
		return snapshot
	}

	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		record, err := ParseLine(line)
		if err != nil {
			slog.Debug("Skipping bandwhich line", "line", line, "error", err)
			continue
		}
		if record == nil {
			continue
		}
		snapshot = append(snapshot, *record)
	}

	return snapshot
}

// ParseAll parses every complete block of raw output. Text after the last
// delimiter is an unfinished tick and is ignored.
func ParseAll(raw string) []Snapshot {
	blocks := strings.Split(raw, blockDelimiter)
	// The final element never had a delimiter after it.
	blocks = blocks[:len(blocks)-1]

	snapshots := make([]Snapshot, 0, len(blocks))
	for _, block := range blocks {
		if strings.TrimSpace(block) == "" {
			continue
		}
		snapshots = append(snapshots, ParseBlock(block))
	}
	return snapshots
}

func parseRate(token string) (float64, error) {
	rate, err := cast.ToFloat64E(token)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid rate %q", ErrMalformedLine, token)
	}
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate < 0 {
		return 0, fmt.Errorf("%w: rate %q out of range", ErrMalformedLine, token)
	}
	return rate, nil
}

// stripEnclosing removes the quotes or brackets around a name. A field
// that is not enclosed is not a name and makes the line malformed.
func stripEnclosing(field string) (string, error) {
	if utf8.RuneCountInString(field) < 2 {
		return "", fmt.Errorf("%w: name field %q is not enclosed", ErrMalformedLine, field)
	}
	opening, openSize := utf8.DecodeRuneInString(field)
	closing, closeSize := utf8.DecodeLastRuneInString(field)

	enclosed := (opening == '"' && closing == '"') || (opening == '[' && closing == ']')
	if !enclosed {
		return "", fmt.Errorf("%w: name field %q is not enclosed", ErrMalformedLine, field)
	}

	name := field[openSize : len(field)-closeSize]
	if name == "" {
		return "", fmt.Errorf("%w: name field %q is empty", ErrMalformedLine, field)
	}
	return name, nil
}

// splitFields splits on runs of whitespace. A field opening with '"' or '['
// runs to its closing character so that names may contain spaces.
func splitFields(line string) []string {
	var fields []string

	i := 0
	for i < len(line) {
		r, size := utf8.DecodeRuneInString(line[i:])
		if unicode.IsSpace(r) {
			i += size
			continue
		}

		start := i
		var closing rune
		switch r {
		case '"':
			closing = '"'
		case '[':
			closing = ']'
		}
		if closing != 0 {
			if end := strings.IndexRune(line[i+size:], closing); end >= 0 {
				i += size + end + utf8.RuneLen(closing)
			}
		}

		for i < len(line) {
			r, size = utf8.DecodeRuneInString(line[i:])
			if unicode.IsSpace(r) {
				break
			}
			i += size
		}

		fields = append(fields, line[start:i])
	}

	return fields
}
