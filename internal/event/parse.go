package event

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrMalformedGroup is wrapped by every error the parser reports for a
// descriptor block it could not decode.
var ErrMalformedGroup = errors.New("malformed interaction group")

// Descriptor keywords.
const (
	KeyStart     = "SE"
	KeyID        = "ID"
	KeyTime      = "TI"
	KeyHit       = "HT"
	KeyEndStream = "EN"
)

// MaxLineLength bounds a single descriptor line. Longer lines are discarded
// and reported as malformed.
const MaxLineLength = 64 << 10

// Parser decodes newline-delimited interaction-group descriptors. Text may
// arrive split at arbitrary points; incomplete lines and the currently open
// group are carried over to the next Feed call.
//
// A group is complete when the next "SE" marker or an "EN" marker is seen.
type Parser struct {
	partial  string // unterminated trailing line
	skipping bool   // discarding the rest of an overlong line
	open     bool
	current  groupState
}

type groupState struct {
	group   Group
	hasTime bool
	err     error
	line    int
}

// NewParser returns an empty parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed consumes a received text block and returns the groups it completed,
// along with one error per malformed group. Malformed groups are discarded.
func (p *Parser) Feed(block string) ([]*Group, []error) {
	text := p.partial + block
	p.partial = ""
	if p.skipping {
		i := strings.IndexByte(text, '\n')
		if i < 0 {
			return nil, nil
		}
		text = text[i+1:]
		p.skipping = false
	}

	lines := strings.Split(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		p.partial = lines[len(lines)-1]
	}
	lines = lines[:len(lines)-1]

	var (
		groups []*Group
		errs   []error
	)
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		key, value, _ := strings.Cut(line, " ")
		value = strings.TrimSpace(value)

		switch key {
		case KeyStart:
			g, err := p.close()
			if g != nil {
				groups = append(groups, g)
			}
			if err != nil {
				errs = append(errs, err)
			}
			p.open = true
			p.current = groupState{}
		case KeyEndStream:
			g, err := p.close()
			if g != nil {
				groups = append(groups, g)
			}
			if err != nil {
				errs = append(errs, err)
			}
		default:
			if !p.open {
				// Stray content outside a group (headers, comments).
				continue
			}
			p.current.line++
			if p.current.err != nil {
				continue
			}
			p.current.err = p.current.apply(key, value)
		}
	}
	if len(p.partial) > MaxLineLength {
		p.partial = ""
		p.skipping = true
		err := fmt.Errorf("%w: line longer than %d bytes", ErrMalformedGroup, MaxLineLength)
		switch {
		case !p.open:
			errs = append(errs, err)
		case p.current.err == nil:
			p.current.err = err
		}
	}
	return groups, errs
}

// Flush terminates any unterminated line, closes the open group and returns
// whatever that completed.
func (p *Parser) Flush() ([]*Group, []error) {
	var (
		groups []*Group
		errs   []error
	)
	p.skipping = false
	if p.partial != "" {
		groups, errs = p.Feed("\n")
	}
	g, err := p.close()
	if g != nil {
		groups = append(groups, g)
	}
	if err != nil {
		errs = append(errs, err)
	}
	return groups, errs
}

func (p *Parser) close() (*Group, error) {
	if !p.open {
		return nil, nil
	}
	p.open = false
	st := p.current
	p.current = groupState{}

	if st.err != nil {
		return nil, st.err
	}
	if !st.hasTime {
		return nil, fmt.Errorf("%w: missing %s line", ErrMalformedGroup, KeyTime)
	}
	if len(st.group.Hits) == 0 {
		return nil, fmt.Errorf("%w: no hits at t=%f", ErrMalformedGroup, st.group.Timestamp)
	}
	g := st.group
	return &g, nil
}

func (s *groupState) apply(key, value string) error {
	switch key {
	case KeyID:
		id, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: bad %s %q: %v", ErrMalformedGroup, KeyID, value, err)
		}
		s.group.AcquisitionID = id
	case KeyTime:
		t, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%w: bad %s %q: %v", ErrMalformedGroup, KeyTime, value, err)
		}
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Errorf("%w: %s %q is not finite", ErrMalformedGroup, KeyTime, value)
		}
		s.group.Timestamp = t
		s.hasTime = true
	case KeyHit:
		h, err := parseHit(value)
		if err != nil {
			return err
		}
		s.group.Hits = append(s.group.Hits, h)
	default:
		// Unknown keywords are tolerated so newer acquisition versions can
		// add fields.
	}
	return nil
}

func parseHit(value string) (Hit, error) {
	fields := strings.Split(value, ";")
	if len(fields) != 4 {
		return Hit{}, fmt.Errorf("%w: hit %q: expected 4 fields, got %d", ErrMalformedGroup, value, len(fields))
	}
	var v [4]float64
	for i, f := range fields {
		x, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return Hit{}, fmt.Errorf("%w: hit %q: %v", ErrMalformedGroup, value, err)
		}
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Hit{}, fmt.Errorf("%w: hit %q: field %d is not finite", ErrMalformedGroup, value, i+1)
		}
		v[i] = x
	}
	if v[3] < 0 {
		return Hit{}, fmt.Errorf("%w: hit %q: negative energy", ErrMalformedGroup, value)
	}
	return Hit{Position: r3.Vec{X: v[0], Y: v[1], Z: v[2]}, Energy: v[3]}, nil
}
