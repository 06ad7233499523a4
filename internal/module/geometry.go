package module

import (
	"fmt"
	"regexp"
	"strconv"
)

// Geometry is a parsed window geometry: "WxH+X+Y" with negative offsets
// allowed. Modules report it via the geometry_changed status and
// the supervisor persists it through the state store.
type Geometry struct {
	Width  int
	Height int
	X      int
	Y      int
}

var geometryPattern = regexp.MustCompile(`^(\d+)x(\d+)([+-]\d+)([+-]\d+)$`)

// ParseGeometry parses the WxH+X+Y grammar. Round-trips with
// Geometry.String for every grammatically valid input.
func ParseGeometry(s string) (Geometry, error) {
	m := geometryPattern.FindStringSubmatch(s)
	if m == nil {
		return Geometry{}, fmt.Errorf("module: invalid geometry %q, want WxH+X+Y", s)
	}
	w, _ := strconv.Atoi(m[1])
	h, _ := strconv.Atoi(m[2])
	x, _ := strconv.Atoi(m[3])
	y, _ := strconv.Atoi(m[4])
	return Geometry{Width: w, Height: h, X: x, Y: y}, nil
}

// String renders the geometry in the persisted grammar, with explicit
// signs on both offsets so negative positions survive a round trip.
func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d%+d%+d", g.Width, g.Height, g.X, g.Y)
}
