package scan

// Frame is one grayscale image plane held as plain Go memory, so frames
// can cross goroutine boundaries without referencing OpenCV storage.
type Frame struct {
	W, H int
	Pix  []uint8 // row-major, len = W*H
}

// NewFrame allocates a zeroed frame.
func NewFrame(w, h int) *Frame {
	return &Frame{W: w, H: h, Pix: make([]uint8, w*h)}
}

// At returns the pixel at (x, y). Out-of-bounds reads return 0.
func (f *Frame) At(x, y int) uint8 {
	if x < 0 || y < 0 || x >= f.W || y >= f.H {
		return 0
	}
	return f.Pix[y*f.W+x]
}

// Set writes the pixel at (x, y). Out-of-bounds writes are dropped.
func (f *Frame) Set(x, y int, v uint8) {
	if x < 0 || y < 0 || x >= f.W || y >= f.H {
		return
	}
	f.Pix[y*f.W+x] = v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// clampBox intersects the w×h box at (x, y) with the frame bounds and
// reports whether anything remains.
func clampBox(f *Frame, x, y, w, h int) (x0, y0, x1, y1 int, ok bool) {
	x0 = clampInt(x, 0, f.W)
	y0 = clampInt(y, 0, f.H)
	x1 = clampInt(x+w, 0, f.W)
	y1 = clampInt(y+h, 0, f.H)
	return x0, y0, x1, y1, x1 > x0 && y1 > y0
}

// windowMax returns the maximum pixel value in the (2r+1)² window centred
// on (cx, cy), clamped to the frame bounds. ok is false when the clamped
// window is empty.
func windowMax(f *Frame, cx, cy, r int) (float64, bool) {
	x0, y0, x1, y1, ok := clampBox(f, cx-r, cy-r, 2*r+1, 2*r+1)
	if !ok {
		return 0, false
	}
	var max uint8
	for y := y0; y < y1; y++ {
		row := f.Pix[y*f.W+x0 : y*f.W+x1]
		for _, v := range row {
			if v > max {
				max = v
			}
		}
	}
	return float64(max), true
}

// roiStats returns peak, mean and median pixel values over the w×h box at
// (x, y), clamped to the frame bounds. An empty box returns zeros. The
// median of an even count is the average of the two middle values.
func roiStats(f *Frame, x, y, w, h int) (peak, mean, median float64) {
	x0, y0, x1, y1, ok := clampBox(f, x, y, w, h)
	if !ok {
		return 0, 0, 0
	}
	var hist [256]int
	var sum int64
	var max uint8
	n := 0
	for yy := y0; yy < y1; yy++ {
		row := f.Pix[yy*f.W+x0 : yy*f.W+x1]
		for _, v := range row {
			hist[v]++
			sum += int64(v)
			if v > max {
				max = v
			}
			n++
		}
	}
	return float64(max), float64(sum) / float64(n), histMedian(&hist, n)
}

// roiMin returns the minimum pixel value over the clamped box, or 255 for
// an empty box.
func roiMin(f *Frame, x, y, w, h int) float64 {
	x0, y0, x1, y1, ok := clampBox(f, x, y, w, h)
	if !ok {
		return 255
	}
	min := uint8(255)
	for yy := y0; yy < y1; yy++ {
		row := f.Pix[yy*f.W+x0 : yy*f.W+x1]
		for _, v := range row {
			if v < min {
				min = v
			}
		}
	}
	return float64(min)
}

// frameMedian returns the median pixel value of the whole frame.
func frameMedian(f *Frame) float64 {
	var hist [256]int
	for _, v := range f.Pix {
		hist[v]++
	}
	return histMedian(&hist, len(f.Pix))
}

// histMedian computes the median from a 256-bin histogram over n samples.
func histMedian(hist *[256]int, n int) float64 {
	if n == 0 {
		return 0
	}
	k1, k2 := (n-1)/2, n/2
	v1, v2 := -1, -1
	cum := 0
	for v := 0; v < 256; v++ {
		cum += hist[v]
		if v1 < 0 && cum > k1 {
			v1 = v
		}
		if v2 < 0 && cum > k2 {
			v2 = v
			break
		}
	}
	return (float64(v1) + float64(v2)) / 2
}
