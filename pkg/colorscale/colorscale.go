// Package colorscale maps scalar measurements onto a three-stop heat scale.
//
// Every visualization in racklens (overview, rack detail, cell detail)
// colors values through ColorFor so that the same measurement always
// renders the same way. The scale runs cold (blue) through a light green
// midpoint to hot (red).
package colorscale

import (
	"fmt"
	"math"
)

// Color is an 8-bit RGB color.
type Color struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// Scale stops.
var (
	// Cold is the color for values at (or below) the range minimum.
	Cold = Color{R: 0, G: 0, B: 255}

	// Mid is the color at the center of the range, and the color returned
	// for a degenerate range.
	Mid = Color{R: 128, G: 255, B: 128}

	// Hot is the color for values at (or above) the range maximum.
	Hot = Color{R: 255, G: 0, B: 0}
)

// ColorFor returns the heat color for value within [min, max].
//
// The value is normalized as t = clamp((value-min)/(max-min), 0, 1) and
// interpolated linearly between Cold and Mid for t <= 0.5 and between Mid
// and Hot above it. When min == max, or any input is NaN, Mid is returned.
// A reversed range (min > max) is treated as [max, min].
//
// ColorFor is pure: it has no state and the same inputs always produce the
// same color.
func ColorFor(value, min, max float64) Color {
	if math.IsNaN(value) || math.IsNaN(min) || math.IsNaN(max) {
		return Mid
	}
	if min > max {
		min, max = max, min
	}
	if min == max {
		return Mid
	}
	return At(Normalize(value, min, max))
}

// Normalize returns the clamped position of value in [min, max].
//
// Callers must ensure min < max; ColorFor handles the degenerate cases.
func Normalize(value, min, max float64) float64 {
	t := (value - min) / (max - min)
	switch {
	case math.IsNaN(t):
		return 0.5
	case t < 0:
		return 0
	case t > 1:
		return 1
	}
	return t
}

// At returns the scale color at position t in [0, 1]. Out-of-range
// positions are clamped.
func At(t float64) Color {
	switch {
	case math.IsNaN(t):
		return Mid
	case t <= 0:
		return Cold
	case t >= 1:
		return Hot
	case t <= 0.5:
		return lerp(Cold, Mid, t/0.5)
	default:
		return lerp(Mid, Hot, (t-0.5)/0.5)
	}
}

func lerp(a, b Color, t float64) Color {
	return Color{
		R: lerpChannel(a.R, b.R, t),
		G: lerpChannel(a.G, b.G, t),
		B: lerpChannel(a.B, b.B, t),
	}
}

func lerpChannel(a, b uint8, t float64) uint8 {
	v := float64(a) + (float64(b)-float64(a))*t
	return uint8(math.Round(v))
}

// Hex returns the color as "#rrggbb".
func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// CSS returns the color as "rgb(r,g,b)".
func (c Color) CSS() string {
	return fmt.Sprintf("rgb(%d,%d,%d)", c.R, c.G, c.B)
}

// ANSIBackground returns the 24-bit terminal escape that sets c as the
// background color.
func (c Color) ANSIBackground() string {
	return fmt.Sprintf("\x1b[48;2;%d;%d;%dm", c.R, c.G, c.B)
}

// ANSIReset clears terminal color attributes.
const ANSIReset = "\x1b[0m"
