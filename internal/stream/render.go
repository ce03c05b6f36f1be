// SPDX-License-Identifier: MIT

package stream

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/ManuGH/roomsense/internal/detect"
	"github.com/ManuGH/roomsense/internal/policy"
)

var (
	boxColor      = color.RGBA{G: 0xff, A: 0xff}
	headerBG      = color.RGBA{A: 0xff}
	countColor    = color.RGBA{R: 0xff, G: 0xff, A: 0xff}
	occupiedColor = color.RGBA{R: 0xff, A: 0xff}
	emptyColor    = color.RGBA{G: 0xff, A: 0xff}
)

// renderOverlay draws detection boxes and the occupancy/device status block
// onto a copy of the frame, at original resolution.
func renderOverlay(src image.Image, roomID string, dets []detect.Detection, d policy.Decision, persons int) *image.RGBA {
	bounds := src.Bounds()
	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, src, bounds.Min, draw.Src)

	for _, det := range dets {
		drawRect(out, det.Box, boxColor, 2)
		drawLabel(out, det.Box.Min.X+2, det.Box.Min.Y+12, fmt.Sprintf("Person %.2f", det.Confidence), boxColor)
	}

	// Status block in the top-left corner, in the style of the live view:
	// person count, occupancy, then device states.
	header := image.Rect(bounds.Min.X, bounds.Min.Y, bounds.Min.X+260, bounds.Min.Y+64)
	draw.Draw(out, header.Intersect(bounds), &image.Uniform{C: headerBG}, image.Point{}, draw.Src)

	statusColor := emptyColor
	status := "EMPTY"
	if d.Occupied {
		statusColor = occupiedColor
		status = "OCCUPIED"
	}
	drawLabel(out, bounds.Min.X+6, bounds.Min.Y+14, fmt.Sprintf("%s | People: %d", roomID, persons), countColor)
	drawLabel(out, bounds.Min.X+6, bounds.Min.Y+32, status, statusColor)
	drawLabel(out, bounds.Min.X+6, bounds.Min.Y+50, "LIGHT: "+onOff(d.Light)+"  AC: "+onOff(d.AC), deviceColor(d.Light || d.AC))

	return out
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func deviceColor(on bool) color.RGBA {
	if on {
		return emptyColor
	}
	return occupiedColor
}

// drawRect strokes the rectangle border with the given thickness, clipped to
// the image bounds.
func drawRect(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	for t := 0; t < thickness; t++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, clampY(img, r.Min.Y+t), c)
			img.SetRGBA(x, clampY(img, r.Max.Y-1-t), c)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			img.SetRGBA(clampX(img, r.Min.X+t), y, c)
			img.SetRGBA(clampX(img, r.Max.X-1-t), y, c)
		}
	}
}

func clampX(img *image.RGBA, x int) int {
	b := img.Bounds()
	if x < b.Min.X {
		return b.Min.X
	}
	if x >= b.Max.X {
		return b.Max.X - 1
	}
	return x
}

func clampY(img *image.RGBA, y int) int {
	b := img.Bounds()
	if y < b.Min.Y {
		return b.Min.Y
	}
	if y >= b.Max.Y {
		return b.Max.Y - 1
	}
	return y
}

func drawLabel(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{C: c},
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
