package structure

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidSlice marks every slice-grammar rejection so the HTTP layer can
// map the whole class to 400 Bad Request.
var ErrInvalidSlice = errors.New("invalid slice")

// SliceKind discriminates the three dimension selectors.
type SliceKind int

const (
	// SliceIndex selects one position and drops the axis.
	SliceIndex SliceKind = iota
	// SliceRange selects start:stop:step and keeps the axis.
	SliceRange
	// SliceEllipsis expands to as many full-range selectors as needed.
	SliceEllipsis
)

// Slice selects a sub-region along one axis. Start and Stop are nil when
// omitted ("open" bounds). A Mean step requests server-side downsampling:
// bin means of MeanWidth elements, or a single mean over the whole selected
// extent when MeanWidth is zero.
type Slice struct {
	Kind      SliceKind
	Index     int64
	Start     *int64
	Stop      *int64
	Step      int64
	Mean      bool
	MeanWidth int64
}

// FullSlice selects an entire axis.
func FullSlice() Slice {
	return Slice{Kind: SliceRange, Step: 1}
}

// RegionSlices selects [offset, offset+shape) along every axis, the region
// one block occupies within its array.
func RegionSlices(offset, shape []int64) []Slice {
	out := make([]Slice, len(offset))
	for i := range offset {
		start := offset[i]
		stop := offset[i] + shape[i]
		out[i] = Slice{Kind: SliceRange, Start: &start, Stop: &stop, Step: 1}
	}
	return out
}

// sliceAlphabet is the exact byte whitelist; anything outside it is
// rejected before any parsing happens.
const sliceAlphabet = "-0123456789,:.mean()"

// ParseSlices parses the textual slice form: comma-separated dimension
// selectors, each an integer, a start:stop:step range, or "...". The empty
// string selects everything.
func ParseSlices(expr string) ([]Slice, error) {
	if expr == "" {
		return nil, nil
	}
	for i := 0; i < len(expr); i++ {
		if !strings.ContainsRune(sliceAlphabet, rune(expr[i])) {
			return nil, fmt.Errorf("%w: character %q not allowed", ErrInvalidSlice, expr[i])
		}
	}
	parts := strings.Split(expr, ",")
	out := make([]Slice, 0, len(parts))
	sawEllipsis := false
	for _, part := range parts {
		sl, err := parseDim(part)
		if err != nil {
			return nil, err
		}
		if sl.Kind == SliceEllipsis {
			if sawEllipsis {
				return nil, fmt.Errorf("%w: at most one ellipsis", ErrInvalidSlice)
			}
			sawEllipsis = true
		}
		out = append(out, sl)
	}
	return out, nil
}

func parseDim(part string) (Slice, error) {
	if part == "..." {
		return Slice{Kind: SliceEllipsis}, nil
	}
	if !strings.Contains(part, ":") {
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return Slice{}, fmt.Errorf("%w: bad index %q", ErrInvalidSlice, part)
		}
		return Slice{Kind: SliceIndex, Index: n}, nil
	}
	fields := strings.Split(part, ":")
	if len(fields) > 3 {
		return Slice{}, fmt.Errorf("%w: too many colons in %q", ErrInvalidSlice, part)
	}
	sl := Slice{Kind: SliceRange, Step: 1}
	parseBound := func(s string) (*int64, error) {
		if s == "" {
			return nil, nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad bound %q", ErrInvalidSlice, s)
		}
		return &n, nil
	}
	var err error
	if sl.Start, err = parseBound(fields[0]); err != nil {
		return Slice{}, err
	}
	if sl.Stop, err = parseBound(fields[1]); err != nil {
		return Slice{}, err
	}
	if len(fields) == 3 && fields[2] != "" {
		if err := parseStep(fields[2], &sl); err != nil {
			return Slice{}, err
		}
	}
	return sl, nil
}

func parseStep(s string, sl *Slice) error {
	if s == "mean" {
		sl.Mean = true
		sl.Step = 1
		return nil
	}
	if strings.HasPrefix(s, "mean(") && strings.HasSuffix(s, ")") {
		inner := s[len("mean(") : len(s)-1]
		width, err := strconv.ParseInt(inner, 10, 64)
		if err != nil || width <= 0 {
			return fmt.Errorf("%w: bad mean width %q", ErrInvalidSlice, inner)
		}
		sl.Mean = true
		sl.MeanWidth = width
		sl.Step = 1
		return nil
	}
	step, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad step %q", ErrInvalidSlice, s)
	}
	if step == 0 {
		return fmt.Errorf("%w: step must be nonzero", ErrInvalidSlice)
	}
	sl.Step = step
	return nil
}

// ExpandEllipsis normalizes a slice list against an array rank: the
// ellipsis (if any) becomes enough full-range selectors to cover the
// remaining axes, and missing trailing selectors are filled in. The result
// always has exactly rank entries.
func ExpandEllipsis(slices []Slice, rank int) ([]Slice, error) {
	explicit := 0
	ellipsisAt := -1
	for i, sl := range slices {
		if sl.Kind == SliceEllipsis {
			if ellipsisAt >= 0 {
				return nil, fmt.Errorf("%w: at most one ellipsis", ErrInvalidSlice)
			}
			ellipsisAt = i
			continue
		}
		explicit++
	}
	if explicit > rank {
		return nil, fmt.Errorf("%w: %d selectors for rank-%d array", ErrInvalidSlice, explicit, rank)
	}
	out := make([]Slice, 0, rank)
	fill := rank - explicit
	for i, sl := range slices {
		if i == ellipsisAt {
			for j := 0; j < fill; j++ {
				out = append(out, FullSlice())
			}
			fill = 0
			continue
		}
		out = append(out, sl)
	}
	for j := 0; j < fill; j++ {
		out = append(out, FullSlice())
	}
	return out, nil
}

// bounds resolves the python-style range against an axis extent, returning
// the concrete start, stop, and step with negative indices normalized.
func (s Slice) bounds(extent int64) (int64, int64, int64, error) {
	step := s.Step
	if step == 0 {
		step = 1
	}
	norm := func(v int64, def int64) int64 {
		if v < 0 {
			v += extent
		}
		if v < 0 {
			if step > 0 {
				return 0
			}
			return -1
		}
		if v > extent {
			if step > 0 {
				return extent
			}
			return extent - 1
		}
		_ = def
		return v
	}
	var start, stop int64
	if step > 0 {
		start, stop = int64(0), extent
	} else {
		start, stop = extent-1, -1
	}
	if s.Start != nil {
		start = norm(*s.Start, start)
	}
	if s.Stop != nil {
		stop = norm(*s.Stop, stop)
	}
	return start, stop, step, nil
}

// Length returns the number of positions the range selects on an axis of
// the given extent, before any mean aggregation.
func (s Slice) Length(extent int64) (int64, error) {
	switch s.Kind {
	case SliceIndex:
		idx := s.Index
		if idx < 0 {
			idx += extent
		}
		if idx < 0 || idx >= extent {
			return 0, fmt.Errorf("%w: index %d out of range for extent %d", ErrInvalidSlice, s.Index, extent)
		}
		return 1, nil
	case SliceRange:
		start, stop, step, err := s.bounds(extent)
		if err != nil {
			return 0, err
		}
		if step > 0 {
			if stop <= start {
				return 0, nil
			}
			return (stop - start + step - 1) / step, nil
		}
		if start <= stop {
			return 0, nil
		}
		return (start - stop - step - 1) / -step, nil
	}
	return 0, fmt.Errorf("%w: ellipsis not expanded", ErrInvalidSlice)
}

// OutLength returns the axis extent after mean aggregation is applied.
func (s Slice) OutLength(extent int64) (int64, error) {
	n, err := s.Length(extent)
	if err != nil {
		return 0, err
	}
	if !s.Mean || n == 0 {
		return n, nil
	}
	if s.MeanWidth <= 0 {
		return 1, nil
	}
	return (n + s.MeanWidth - 1) / s.MeanWidth, nil
}

// positions materializes the selected source positions along the axis.
func (s Slice) positions(extent int64) ([]int64, error) {
	switch s.Kind {
	case SliceIndex:
		idx := s.Index
		if idx < 0 {
			idx += extent
		}
		if idx < 0 || idx >= extent {
			return nil, fmt.Errorf("%w: index %d out of range for extent %d", ErrInvalidSlice, s.Index, extent)
		}
		return []int64{idx}, nil
	case SliceRange:
		start, stop, step, err := s.bounds(extent)
		if err != nil {
			return nil, err
		}
		var out []int64
		if step > 0 {
			for p := start; p < stop; p += step {
				out = append(out, p)
			}
		} else {
			for p := start; p > stop; p += step {
				out = append(out, p)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: ellipsis not expanded", ErrInvalidSlice)
}

// ResultShape computes the shape produced by applying the (already
// expanded) slice list to the given shape. Integer selectors drop their
// axis; mean aggregation shortens it.
func ResultShape(slices []Slice, shape []int64) ([]int64, error) {
	if len(slices) != len(shape) {
		return nil, fmt.Errorf("%w: %d selectors for rank-%d array", ErrInvalidSlice, len(slices), len(shape))
	}
	out := make([]int64, 0, len(shape))
	for i, sl := range slices {
		n, err := sl.OutLength(shape[i])
		if err != nil {
			return nil, err
		}
		if sl.Kind == SliceIndex {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}
