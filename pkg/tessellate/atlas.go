package tessellate

import (
	"fmt"
	"io"
	"math"
	"sort"

	svg "github.com/ajstarks/svgo"
)

// IslandPadding is added on every side of a face's UV extent, in model
// units, before packing.
const IslandPadding = 1.0

// Size is the extent of one UV island.
type Size struct {
	W, H float64
}

// Rect is a placed island in atlas units.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Overlaps reports whether two rects share interior area.
func (r Rect) Overlaps(o Rect) bool {
	return r.X < o.X+o.W && o.X < r.X+r.W && r.Y < o.Y+o.H && o.Y < r.Y+r.H
}

// Island is the atlas slot of one face.
type Island struct {
	FaceIndex int `json:"faceIndex"`
	Rect
}

// Atlas is a square layout of UV islands. Size is the side length in the
// same units as the island rects; face UVs are divided by it.
type Atlas struct {
	Size    float64  `json:"size"`
	Islands []Island `json:"islands"`
}

type shelf struct {
	y, h, used float64
}

// Pack places rectangles with a greedy shelf heuristic. Islands are taken
// in descending area order and put on the first shelf with enough room; a
// new shelf is opened below the others when none fits. The target shelf
// width is the side of a square holding the total area. Pack returns one
// rect per input size, in input order, and the side of the square atlas.
func Pack(sizes []Size) ([]Rect, float64) {
	rects := make([]Rect, len(sizes))
	if len(sizes) == 0 {
		return rects, 0
	}

	order := make([]int, len(sizes))
	area, widest := 0.0, 0.0
	for i, s := range sizes {
		order[i] = i
		area += s.W * s.H
		widest = math.Max(widest, s.W)
	}
	sort.SliceStable(order, func(a, b int) bool {
		return sizes[order[a]].W*sizes[order[a]].H > sizes[order[b]].W*sizes[order[b]].H
	})
	width := math.Max(math.Sqrt(area), widest)

	var shelves []shelf
	bottom, right := 0.0, 0.0
	for _, i := range order {
		s := sizes[i]
		placed := false
		for j := range shelves {
			sh := &shelves[j]
			if sh.used+s.W <= width && s.H <= sh.h {
				rects[i] = Rect{X: sh.used, Y: sh.y, W: s.W, H: s.H}
				sh.used += s.W
				placed = true
				break
			}
		}
		if !placed {
			shelves = append(shelves, shelf{y: bottom, h: s.H, used: s.W})
			rects[i] = Rect{X: 0, Y: bottom, W: s.W, H: s.H}
			bottom += s.H
		}
		right = math.Max(right, rects[i].X+rects[i].W)
	}
	return rects, math.Max(right, bottom)
}

// WriteAtlasSVG draws the atlas layout as an SVG square of px pixels, one
// labelled rect per island.
func WriteAtlasSVG(w io.Writer, a Atlas, px int) error {
	if px <= 0 {
		return fmt.Errorf("atlas svg: size must be positive, got %d", px)
	}
	scale := 0.0
	if a.Size > 0 {
		scale = float64(px) / a.Size
	}
	canvas := svg.New(w)
	canvas.Start(px, px)
	canvas.Rect(0, 0, px, px, "fill:white;stroke:black")
	for _, is := range a.Islands {
		x, y := int(math.Round(is.X*scale)), int(math.Round(is.Y*scale))
		rw, rh := int(math.Round(is.W*scale)), int(math.Round(is.H*scale))
		canvas.Rect(x, y, rw, rh, "fill:none;stroke:steelblue")
		canvas.Text(x+2, y+12, fmt.Sprintf("%d", is.FaceIndex), "font-size:10px;fill:black")
	}
	canvas.End()
	return nil
}
