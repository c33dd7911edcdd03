// Package heatmap colors the numeric leaves of a result document.
//
// Result documents are opaque to the client, so the heat map is built
// from whatever numbers the backend returned: every numeric leaf is
// located by its slash-separated path (e.g. "racks/0/soh") and colored
// with colorscale over the min and max of the selected leaves.
package heatmap

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/tidwall/gjson"

	"github.com/3leaps/racklens/pkg/colorscale"
)

// ErrInvalidDocument is returned for input that is not JSON.
var ErrInvalidDocument = errors.New("result document is not valid JSON")

// DefaultSkipKeys are identifier fields left out of the scale.
var DefaultSkipKeys = []string{"id", "*_id", "rack", "module", "cell", "index", "seq", "sequence"}

// Options selects which leaves enter the heat map.
type Options struct {
	// Include keeps only leaves whose path matches one of these doublestar
	// patterns. Empty means all leaves.
	Include []string

	// SkipKeys drops leaves whose final key matches one of these patterns.
	// Nil means DefaultSkipKeys; an empty non-nil slice skips nothing.
	SkipKeys []string
}

// Leaf is a numeric value in a result document.
type Leaf struct {
	Path  string           `json:"path"`
	Value float64          `json:"value"`
	Color colorscale.Color `json:"color"`
}

// Map is a colored set of leaves and the range they were scaled over.
type Map struct {
	Leaves []Leaf   `json:"leaves"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
}

// Build extracts and colors the numeric leaves of doc in document order.
func Build(doc []byte, opts Options) (*Map, error) {
	if !gjson.ValidBytes(doc) {
		return nil, ErrInvalidDocument
	}
	for _, p := range opts.Include {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid include pattern %q", p)
		}
	}
	skip := opts.SkipKeys
	if skip == nil {
		skip = DefaultSkipKeys
	}

	var leaves []Leaf
	walk(gjson.ParseBytes(doc), "", "", func(path, key string, v float64) {
		if skipKey(skip, key) || !included(opts.Include, path) {
			return
		}
		leaves = append(leaves, Leaf{Path: path, Value: v})
	})

	m := &Map{Leaves: leaves}
	if len(leaves) == 0 {
		return m, nil
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, l := range leaves {
		lo = math.Min(lo, l.Value)
		hi = math.Max(hi, l.Value)
	}
	m.Min, m.Max = &lo, &hi
	for i := range m.Leaves {
		m.Leaves[i].Color = colorscale.ColorFor(m.Leaves[i].Value, lo, hi)
	}
	return m, nil
}

func walk(r gjson.Result, path, key string, fn func(path, key string, v float64)) {
	switch {
	case r.IsObject():
		r.ForEach(func(k, v gjson.Result) bool {
			walk(v, join(path, k.String()), k.String(), fn)
			return true
		})
	case r.IsArray():
		for i, v := range r.Array() {
			walk(v, join(path, strconv.Itoa(i)), key, fn)
		}
	case r.Type == gjson.Number:
		fn(path, key, r.Float())
	}
}

func join(path, elem string) string {
	if path == "" {
		return elem
	}
	return path + "/" + elem
}

func skipKey(patterns []string, key string) bool {
	key = strings.ToLower(key)
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, key); ok {
			return true
		}
	}
	return false
}

func included(patterns []string, path string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}
	return false
}

// Render writes one line per leaf. With ansi set, each line carries a
// colored swatch; otherwise the color is printed as a hex code.
func (m *Map) Render(w io.Writer, ansi bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, l := range m.Leaves {
		swatch := l.Color.Hex()
		if ansi {
			swatch = l.Color.ANSIBackground() + "    " + colorscale.ANSIReset
		}
		if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\n", l.Path, strconv.FormatFloat(l.Value, 'g', -1, 64), swatch); err != nil {
			return err
		}
	}
	if m.Min != nil && m.Max != nil {
		if _, err := fmt.Fprintf(tw, "range\t%s .. %s\t\n",
			strconv.FormatFloat(*m.Min, 'g', -1, 64),
			strconv.FormatFloat(*m.Max, 'g', -1, 64)); err != nil {
			return err
		}
	}
	return tw.Flush()
}
