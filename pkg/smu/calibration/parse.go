package calibration

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// Point pairs a reference instrument reading with what the unit reported (for
// measure paths) or was asked to produce (for source paths).
type Point struct {
	Reference float64
	Measured  float64
}

// Section is one block of a calibration file.
type Section struct {
	Title  string
	Points []Point
}

// Parse reads the text calibration format:
//
//	# Channel A, measure V
//	</>
//	<0.0000, 0.0000>
//	<2.5000, 2.4930>
//	<\>
//
// Sections appear in Quantity order for channel A, then channel B, and so on.
func Parse(r io.Reader) (Table, error) {
	sections, err := ParseSections(r)
	if err != nil {
		return Table{}, err
	}
	return Fit(sections)
}

// ParseSections reads the raw reference points without fitting them.
func ParseSections(r io.Reader) ([]Section, error) {
	var (
		sections []Section
		current  *Section
		title    string
		lineNo   int
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#"):
			title = strings.TrimSpace(strings.TrimPrefix(line, "#"))
		case line == "</>":
			if current != nil {
				return nil, fmt.Errorf("line %d: section opened twice", lineNo)
			}
			current = &Section{Title: title}
			title = ""
		case line == `<\>`:
			if current == nil {
				return nil, fmt.Errorf("line %d: section closed without being opened", lineNo)
			}
			if len(current.Points) == 0 {
				return nil, fmt.Errorf("line %d: empty section %q", lineNo, current.Title)
			}
			sections = append(sections, *current)
			current = nil
		case strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">"):
			if current == nil {
				return nil, fmt.Errorf("line %d: point outside of a section", lineNo)
			}
			p, err := parsePoint(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			current.Points = append(current.Points, p)
		default:
			return nil, fmt.Errorf("line %d: unexpected %q", lineNo, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if current != nil {
		return nil, fmt.Errorf("unterminated section %q", current.Title)
	}
	if len(sections) == 0 || len(sections)%QuantityCount != 0 {
		return nil, fmt.Errorf("expected a multiple of %d sections, got %d", QuantityCount, len(sections))
	}
	return sections, nil
}

func parsePoint(line string) (Point, error) {
	fields := strings.Split(strings.Trim(line, "<>"), ",")
	if len(fields) != 2 {
		return Point{}, fmt.Errorf("malformed point %q", line)
	}
	ref, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	if err != nil {
		return Point{}, err
	}
	meas, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return Point{}, err
	}
	return Point{Reference: ref, Measured: meas}, nil
}

// Fit converts reference points into a table. The offset comes from the point
// whose reference is zero (or the first point); each gain is the mean ratio of
// reference to offset-corrected reading on its side of zero.
func Fit(sections []Section) (Table, error) {
	if len(sections)%QuantityCount != 0 {
		return Table{}, fmt.Errorf("expected a multiple of %d sections, got %d", QuantityCount, len(sections))
	}

	t := Default(len(sections) / QuantityCount)
	for i, sec := range sections {
		e, err := fitSection(sec)
		if err != nil {
			return Table{}, fmt.Errorf("section %d (%s): %w", i, sec.Title, err)
		}
		t.Channels[i/QuantityCount][i%QuantityCount] = e
	}
	return t, t.Validate()
}

func fitSection(sec Section) (Entry, error) {
	offset := sec.Points[0].Measured - sec.Points[0].Reference
	for _, p := range sec.Points {
		if p.Reference == 0 {
			offset = p.Measured
			break
		}
	}

	var pos, neg []float64
	for _, p := range sec.Points {
		reading := p.Measured - offset
		if p.Reference == 0 || reading == 0 {
			continue
		}
		ratio := p.Reference / reading
		if p.Reference > 0 {
			pos = append(pos, ratio)
		} else {
			neg = append(neg, ratio)
		}
	}

	e := Entry{Offset: float32(offset), GainPos: 1, GainNeg: 1}
	if len(pos) > 0 {
		e.GainPos = float32(stat.Mean(pos, nil))
	}
	if len(neg) > 0 {
		e.GainNeg = float32(stat.Mean(neg, nil))
	} else {
		e.GainNeg = e.GainPos
	}
	if !e.valid() {
		return Entry{}, fmt.Errorf("degenerate fit %+v", e)
	}
	return e, nil
}
