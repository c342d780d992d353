// Package feed loads the point-of-interest table the map plots. The table is
// fetched through an offline-aware *http.Client (a Client of an
// offgrid.Container), parsed strictly, and the last good parse is kept so a
// broken or unreachable feed never empties the map.
package feed

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Point is one row of the feed.
type Point struct {
	ID       string  `json:"id" msgpack:"id"`
	Key      string  `json:"key,omitempty" msgpack:"key,omitempty"` // "id" column, when the feed has one
	Title    string  `json:"title" msgpack:"title"`
	Category string  `json:"category" msgpack:"category"`
	X        float64 `json:"x" msgpack:"x"`
	Y        float64 `json:"y" msgpack:"y"`
}

var (
	// ErrMissingColumn is returned when the header lacks a required column.
	ErrMissingColumn = errors.New("feed: missing column")
	// ErrEmpty is returned for a table without a header.
	ErrEmpty = errors.New("feed: empty table")
)

var required = []string{"title", "category", "x", "y"}

// Parse reads a CSV table with a header row naming at least title,
// category, x and y (any order, any case). Any malformed row fails the
// whole parse.
func Parse(r io.Reader) ([]Point, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("feed: header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, name := range required {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
	}
	idCol, hasID := col["id"]

	var out []Point
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("feed: %w", err)
		}
		if blank(rec) {
			continue
		}
		line, _ := cr.FieldPos(0)
		field := func(name string) (string, error) {
			i := col[name]
			if i >= len(rec) {
				return "", fmt.Errorf("feed: line %d: no %s value", line, name)
			}
			return strings.TrimSpace(rec[i]), nil
		}

		var p Point
		if p.Title, err = field("title"); err != nil {
			return nil, err
		}
		if p.Category, err = field("category"); err != nil {
			return nil, err
		}
		if p.X, err = coord(field("x")); err != nil {
			return nil, fmt.Errorf("feed: line %d: x: %w", line, err)
		}
		if p.Y, err = coord(field("y")); err != nil {
			return nil, fmt.Errorf("feed: line %d: y: %w", line, err)
		}
		if hasID && idCol < len(rec) {
			p.Key = strings.TrimSpace(rec[idCol])
		}
		p.ID = MarkerID(p.Title, p.X, p.Y)
		out = append(out, p)
	}
}

// MarkerID is the stable identity of a point: the trimmed title with
// whitespace runs replaced by "_", then the coordinates.
func MarkerID(title string, x, y float64) string {
	return strings.Join(strings.Fields(title), "_") + "_" + num(x) + "_" + num(y)
}

// Filter keeps the points whose ID is in ids, in feed order.
func Filter(points []Point, ids []string) []Point {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []Point
	for _, p := range points {
		if _, ok := want[p.ID]; ok {
			out = append(out, p)
		}
	}
	return out
}

func coord(s string, err error) (float64, error) {
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("coordinate %q is not finite", s)
	}
	return f, nil
}

func num(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
