// Package palette maps the class IDs produced by a segmentation network to display colors.
package palette

import (
	"fmt"
)

// RGB is a 24-bit color
type RGB struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// DefaultColor is used for any class that has no explicit color
var DefaultColor = RGB{30, 15, 60}

// Maximum number of classes that a ColorTable can hold.
// Class masks are stored as uint8, so this is a hard limit.
const MaxClasses = 256

// ColorTable maps class ID to color.
// A ColorTable is immutable once created, so it can be shared between threads without locking.
type ColorTable struct {
	colors     []RGB
	defaultRGB RGB

	// Flattened 256*3 table, covering every possible uint8 class ID.
	// IDs beyond len(colors) map to defaultRGB, so Gather doesn't need to branch.
	flat [MaxClasses * 3]byte
}

// Create a new color table.
// Any class ID >= len(colors) is mapped to defaultRGB.
func New(colors []RGB, defaultRGB RGB) (*ColorTable, error) {
	if len(colors) == 0 {
		return nil, fmt.Errorf("Color table is empty")
	}
	if len(colors) > MaxClasses {
		return nil, fmt.Errorf("Color table has %v classes, but the maximum is %v", len(colors), MaxClasses)
	}
	t := &ColorTable{
		colors:     append([]RGB(nil), colors...),
		defaultRGB: defaultRGB,
	}
	for i := 0; i < MaxClasses; i++ {
		c := defaultRGB
		if i < len(colors) {
			c = colors[i]
		}
		t.flat[i*3] = c.R
		t.flat[i*3+1] = c.G
		t.flat[i*3+2] = c.B
	}
	return t, nil
}

// Number of classes in the table
func (t *ColorTable) NumClasses() int {
	return len(t.colors)
}

// The color returned for classes outside of the table
func (t *ColorTable) Default() RGB {
	return t.defaultRGB
}

// Lookup returns the color for a single class ID
func (t *ColorTable) Lookup(classID int) RGB {
	if classID < 0 || classID >= len(t.colors) {
		return t.defaultRGB
	}
	return t.colors[classID]
}

// Gather writes the color of every class ID in 'ids' into 'dst', as interleaved RGB.
// len(dst) must be exactly len(ids)*3.
func (t *ColorTable) Gather(ids []uint8, dst []byte) error {
	if len(dst) != len(ids)*3 {
		return fmt.Errorf("Gather destination is %v bytes, but %v ids need %v bytes", len(dst), len(ids), len(ids)*3)
	}
	flat := &t.flat
	for i, id := range ids {
		src := int(id) * 3
		d := dst[i*3 : i*3+3 : i*3+3]
		d[0] = flat[src]
		d[1] = flat[src+1]
		d[2] = flat[src+2]
	}
	return nil
}
