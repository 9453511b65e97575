package video

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/banshee-data/crossings.report/internal/track"
)

// palette cycles per track ID so adjacent tracks are visually distinct
var palette = []color.RGBA{
	{0, 255, 0, 255},
	{255, 165, 0, 255},
	{0, 200, 255, 255},
	{255, 0, 255, 255},
	{255, 255, 0, 255},
	{120, 120, 255, 255},
}

var lineColor = color.RGBA{255, 0, 0, 255}

// Annotator burns tracks, the counting line, and running totals into JPEG
// frames before they are streamed or recorded.
type Annotator struct {
	Line    track.Line
	Quality int // JPEG re-encode quality, 1-100
}

// Overlay is the per-frame state drawn on top of the image.
type Overlay struct {
	Tracks     []track.Track
	Entries    int64
	Exits      int64
	FrameIndex int64
	Label      string // camera or job name shown in the banner
}

// Annotate decodes the JPEG, draws the overlay, and re-encodes it. On any
// decode or encode failure the original frame is returned unchanged so the
// stream never stalls on a bad frame.
func (a *Annotator) Annotate(jpegData []byte, ov Overlay) []byte {
	img, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return jpegData
	}
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	p1, p2 := a.Line.Resolve(bounds.Dx(), bounds.Dy())
	drawLine(rgba, p1, p2, lineColor, 2)

	for _, tr := range ov.Tracks {
		c := palette[int(tr.ID)%len(palette)]
		drawBox(rgba,
			int(tr.BBox.X1), int(tr.BBox.Y1),
			int(tr.BBox.X2), int(tr.BBox.Y2), c, 2)
		label := fmt.Sprintf("#%d %.0f%%", tr.ID, tr.Confidence*100)
		drawLabel(rgba, int(tr.BBox.X1), int(tr.BBox.Y1)-5, label, c)
	}

	banner := fmt.Sprintf("in %d  out %d  frame %d", ov.Entries, ov.Exits, ov.FrameIndex)
	if ov.Label != "" {
		banner = ov.Label + "  " + banner
	}
	drawLabel(rgba, 8, 8, banner, color.RGBA{255, 255, 255, 255})

	quality := a.Quality
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: quality}); err != nil {
		return jpegData
	}
	return buf.Bytes()
}

func drawLine(img *image.RGBA, p1, p2 track.Point, c color.RGBA, thickness int) {
	dx := p2.X - p1.X
	dy := p2.Y - p1.Y
	steps := int(math.Max(math.Abs(dx), math.Abs(dy)))
	if steps == 0 {
		return
	}
	bounds := img.Bounds()
	for i := 0; i <= steps; i++ {
		f := float64(i) / float64(steps)
		x := int(p1.X + f*dx)
		y := int(p1.Y + f*dy)
		for tx := 0; tx < thickness; tx++ {
			for ty := 0; ty < thickness; ty++ {
				px, py := x+tx, y+ty
				if px >= bounds.Min.X && px < bounds.Max.X && py >= bounds.Min.Y && py < bounds.Max.Y {
					img.Set(px, py, c)
				}
			}
		}
	}
}

func drawBox(img *image.RGBA, x1, y1, x2, y2 int, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	set := func(x, y int) {
		if x >= bounds.Min.X && x < bounds.Max.X && y >= bounds.Min.Y && y < bounds.Max.Y {
			img.Set(x, y, c)
		}
	}
	for t := 0; t < thickness; t++ {
		for x := x1; x <= x2; x++ {
			set(x, y1+t)
			set(x, y2-t)
		}
		for y := y1; y <= y2; y++ {
			set(x1+t, y)
			set(x2-t, y)
		}
	}
}

func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 10 {
		y = 10
	}
	if x < 0 {
		x = 0
	}

	bg := color.RGBA{0, 0, 0, 180}
	textWidth := len(label) * 7
	bounds := img.Bounds()
	for dy := -2; dy < 12; dy++ {
		for dx := -2; dx < textWidth+2; dx++ {
			px, py := x+dx, y+dy
			if px >= bounds.Min.X && px < bounds.Max.X && py >= bounds.Min.Y && py < bounds.Max.Y {
				img.Set(px, py, bg)
			}
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
