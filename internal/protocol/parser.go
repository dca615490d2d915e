package protocol

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Separator divides a frame's tag from its payload.
const Separator = ":"

// rule describes how one tag's payload is validated and turned into an
// Event. arity is a strict minimum; extra fields are ignored.
type rule struct {
	arity int
	build func(fields []string) (Event, error)
}

// rules is the dispatch table for every inbound tag.
var rules = map[string]rule{
	TagTelemetry: {arity: 3, build: func(f []string) (Event, error) {
		v, err := parseFloats(f[:3])
		if err != nil {
			return nil, err
		}
		return Telemetry{X: v[0], Y: v[1], Z: v[2]}, nil
	}},
	TagRange: {arity: 4, build: func(f []string) (Event, error) {
		v, err := parseFloats(f[:4])
		if err != nil {
			return nil, err
		}
		return AccelRange{XMin: v[0], XMax: v[1], YMin: v[2], YMax: v[3]}, nil
	}},
	TagHome: {arity: 1, build: func(f []string) (Event, error) {
		b, err := parseFlag(f[0])
		return HomeAway{Home: b}, err
	}},
	TagEligibility: {arity: 1, build: func(f []string) (Event, error) {
		b, err := parseFlag(f[0])
		return Eligibility{Eligible: b}, err
	}},
	TagTackled: {arity: 1, build: func(f []string) (Event, error) {
		b, err := parseFlag(f[0])
		return TackledStatus{Tackled: b}, err
	}},
}

// Parse turns one frame (delimiter already stripped) into an Event.
//
// It never panics and never returns nil: malformed input becomes a
// ParseError carrying the original text, and a frame without a separator
// becomes a RawLine.
func Parse(frame string) Event {
	line := strings.TrimSuffix(frame, "\r")

	tag, payload, ok := strings.Cut(line, Separator)
	if !ok {
		return RawLine{Text: line}
	}

	// The version string is passed through untouched, commas included.
	if tag == TagVersion {
		return Version{Version: payload}
	}

	r, known := rules[tag]
	if !known {
		return ParseError{Raw: frame, Reason: fmt.Sprintf("unknown tag %q", tag)}
	}

	fields := strings.Split(payload, ",")
	if payload == "" {
		fields = nil
	}
	if len(fields) < r.arity {
		return ParseError{
			Raw:    frame,
			Reason: fmt.Sprintf("tag %q wants %d fields, got %d", tag, r.arity, len(fields)),
		}
	}

	ev, err := r.build(fields)
	if err != nil {
		return ParseError{Raw: frame, Reason: err.Error()}
	}
	return ev
}

// parseFloats converts every field or fails on the first bad one, so callers
// never see a partially filled result.
func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("field %d: %q is not a number", i+1, f)
		}
		out[i] = v
	}
	return out, nil
}

// parseFlag maps 1 to true and every other integer to false.
func parseFlag(field string) (bool, error) {
	n, err := strconv.Atoi(strings.TrimSpace(field))
	if err != nil {
		return false, fmt.Errorf("%q is not an integer", field)
	}
	return n == 1, nil
}
