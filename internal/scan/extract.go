package scan

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// Fixed constants of the detection recipe (not user knobs).
const (
	autoCropWhiteLevel  = 240 // diff pixels at or above count as border/background
	autoCropInset       = 2
	featureWindowRadius = 3
	dipolePad           = 4
	dipoleDarkFloor     = 15
	extentCeiling       = 0.90
	extentMinArea       = 20
	aspectMin           = 1.0 / 3
	aspectMax           = 3.0
)

// Extraction is the per-image output of the heuristic pass: the working
// crop, the three cropped frames, and candidates with features populated
// but cheap scores unset. All fields are plain Go values safe to hand
// across goroutines.
type Extraction struct {
	Stem     string
	CropRect *CropRect
	Diff     *Frame // unblurred cropped difference frame
	New      *Frame
	Ref      *Frame

	Candidates []Candidate
	RawCount   int // candidate count before selection
}

// An Extractor runs the heuristic pass for one triplet. Production use is
// ExtractTriplet; tests substitute synthetic implementations.
type Extractor func(t ImageTriplet, p Params) (*Extraction, error)

// ExtractTriplet decodes the three frames, determines the working crop on
// the difference frame, detects candidate blobs and computes their
// features. An unreadable frame or a frame-geometry mismatch fails the
// whole image.
func ExtractTriplet(t ImageTriplet, p Params) (*Extraction, error) {
	diff := gocv.IMRead(t.DiffPath, gocv.IMReadGrayScale)
	if diff.Empty() {
		return nil, fmt.Errorf("read diff frame %s: unreadable", t.DiffPath)
	}
	defer diff.Close()

	newm := gocv.IMRead(t.NewPath, gocv.IMReadGrayScale)
	if newm.Empty() {
		return nil, fmt.Errorf("read new frame %s: unreadable", t.NewPath)
	}
	defer newm.Close()

	refm := gocv.IMRead(t.RefPath, gocv.IMReadGrayScale)
	if refm.Empty() {
		return nil, fmt.Errorf("read ref frame %s: unreadable", t.RefPath)
	}
	defer refm.Close()

	if newm.Cols() != diff.Cols() || newm.Rows() != diff.Rows() ||
		refm.Cols() != diff.Cols() || refm.Rows() != diff.Rows() {
		return nil, fmt.Errorf("frame geometry mismatch for %s: diff %dx%d new %dx%d ref %dx%d",
			t.Stem, diff.Cols(), diff.Rows(), newm.Cols(), newm.Rows(), refm.Cols(), refm.Rows())
	}

	bounds := image.Rect(0, 0, diff.Cols(), diff.Rows())
	rect := bounds
	if p.AutoCrop {
		if r, ok := autoCropRect(diff); ok {
			rect = r.Intersect(bounds)
		}
	}
	if rect.Empty() {
		rect = bounds
	}

	df, err := cropToFrame(diff, rect)
	if err != nil {
		return nil, fmt.Errorf("crop diff frame %s: %w", t.Stem, err)
	}
	nf, err := cropToFrame(newm, rect)
	if err != nil {
		return nil, fmt.Errorf("crop new frame %s: %w", t.Stem, err)
	}
	rf, err := cropToFrame(refm, rect)
	if err != nil {
		return nil, fmt.Errorf("crop ref frame %s: %w", t.Stem, err)
	}

	cands, err := detectBlobs(df, nf, rf, p)
	if err != nil {
		return nil, fmt.Errorf("detect blobs %s: %w", t.Stem, err)
	}

	tracef("extracted %s: crop %v, %d raw candidates", t.Stem, rect, len(cands))
	return &Extraction{
		Stem:       t.Stem,
		CropRect:   &CropRect{X: rect.Min.X, Y: rect.Min.Y, W: rect.Dx(), H: rect.Dy()},
		Diff:       df,
		New:        nf,
		Ref:        rf,
		Candidates: cands,
		RawCount:   len(cands),
	}, nil
}

// autoCropRect locates the content region of the difference frame: the
// bounding box of the largest contour of sub-white pixels, inset by
// autoCropInset on every side. ok is false when the frame has no
// sub-white content at all.
func autoCropRect(diff gocv.Mat) (image.Rectangle, bool) {
	mask := gocv.NewMat()
	defer mask.Close()
	gocv.Threshold(diff, &mask, autoCropWhiteLevel, 255, gocv.ThresholdBinaryInv)

	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()
	if contours.Size() == 0 {
		return image.Rectangle{}, false
	}

	best, bestArea := 0, -1.0
	for i := 0; i < contours.Size(); i++ {
		if a := gocv.ContourArea(contours.At(i)); a > bestArea {
			best, bestArea = i, a
		}
	}
	box := gocv.BoundingRect(contours.At(best))

	x := box.Min.X + autoCropInset
	y := box.Min.Y + autoCropInset
	w := box.Dx() - 2*autoCropInset
	h := box.Dy() - 2*autoCropInset
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return image.Rect(x, y, x+w, y+h), true
}

// cropToFrame copies the rect region of a single-channel mat into a Frame
// owned by Go memory.
func cropToFrame(m gocv.Mat, rect image.Rectangle) (*Frame, error) {
	r := rect.Intersect(image.Rect(0, 0, m.Cols(), m.Rows()))
	if r.Empty() {
		return nil, fmt.Errorf("crop %v outside frame bounds", rect)
	}
	region := m.Region(r)
	defer region.Close()
	cont := region.Clone()
	defer cont.Close()
	return &Frame{W: cont.Cols(), H: cont.Rows(), Pix: cont.ToBytes()}, nil
}

// detectBlobs binarises the blurred difference frame and evaluates every
// external contour against the candidate filters. Feature statistics are
// sampled from the unblurred frames.
func detectBlobs(diff, newf, reff *Frame, p Params) ([]Candidate, error) {
	src, err := gocv.NewMatFromBytes(diff.H, diff.W, gocv.MatTypeCV8U, diff.Pix)
	if err != nil {
		return nil, fmt.Errorf("wrap diff frame: %w", err)
	}
	defer src.Close()

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(src, &blurred, image.Pt(3, 3), 0, 0, gocv.BorderDefault)

	thresh := p.Thresh
	if p.DynamicThresh {
		// offset above the median of the blurred frame, not the raw one
		bf := &Frame{W: blurred.Cols(), H: blurred.Rows(), Pix: blurred.ToBytes()}
		thresh = frameMedian(bf) + p.Thresh
	}

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.Threshold(blurred, &mask, float32(thresh), 255, gocv.ThresholdBinary)

	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var out []Candidate
	for i := 0; i < contours.Size(); i++ {
		area := gocv.ContourArea(contours.At(i))
		box := gocv.BoundingRect(contours.At(i))
		if c, ok := evaluateBlob(diff, newf, reff, p, area, box, contours.At(i).ToPoints()); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// evaluateBlob applies the candidate filters to one contour and fills in
// the feature bundle. The rejection order mirrors cost: cheap geometric
// cuts first, pixel sampling last.
func evaluateBlob(diff, newf, reff *Frame, p Params, area float64, box image.Rectangle, pts []image.Point) (Candidate, bool) {
	if area < p.MinArea || area > p.MaxArea {
		return Candidate{}, false
	}

	bx, by, bw, bh := box.Min.X, box.Min.Y, box.Dx(), box.Dy()
	if bx < p.EdgeMargin || by < p.EdgeMargin ||
		bx+bw > diff.W-p.EdgeMargin || by+bh > diff.H-p.EdgeMargin {
		return Candidate{}, false
	}

	extent := area / float64(bw*bh)
	aspect := 0.0
	if bh > 0 {
		aspect = float64(bw) / float64(bh)
	}
	if aspect > aspectMax || aspect < aspectMin {
		return Candidate{}, false
	}
	if area > extentMinArea && extent > extentCeiling {
		return Candidate{}, false
	}

	cx, cy, ok := contourCentroid(pts)
	if !ok {
		return Candidate{}, false
	}

	valNew, okN := windowMax(newf, cx, cy, featureWindowRadius)
	valRef, okR := windowMax(reff, cx, cy, featureWindowRadius)
	if !okN || !okR {
		return Candidate{}, false
	}
	rise := valNew - valRef

	peak, mean, median := roiStats(diff, bx, by, bw, bh)
	sharpness := peak / (mean + 1e-6)
	contrast := peak - median

	if p.KillFlat {
		if sharpness < p.SharpnessMin || sharpness > p.SharpnessMax || contrast < p.ContrastMin {
			return Candidate{}, false
		}
	}

	if p.KillDipole {
		// a dark ring hugging the blob marks a subtraction dipole
		if roiMin(diff, bx-dipolePad, by-dipolePad, bw+2*dipolePad, bh+2*dipolePad) < dipoleDarkFloor {
			return Candidate{}, false
		}
	}

	return Candidate{
		X:         cx,
		Y:         cy,
		Area:      area,
		Sharpness: sharpness,
		Contrast:  contrast,
		Rise:      rise,
		Extent:    extent,
		Aspect:    aspect,
	}, true
}

// contourCentroid computes the centroid from the polygon moments of the
// contour points. ok is false for degenerate contours with zero signed
// area.
func contourCentroid(pts []image.Point) (x, y int, ok bool) {
	n := len(pts)
	if n == 0 {
		return 0, 0, false
	}
	var m00, m10, m01 float64
	for i := 0; i < n; i++ {
		p0 := pts[i]
		p1 := pts[(i+1)%n]
		cross := float64(p0.X)*float64(p1.Y) - float64(p1.X)*float64(p0.Y)
		m00 += cross
		m10 += (float64(p0.X) + float64(p1.X)) * cross
		m01 += (float64(p0.Y) + float64(p1.Y)) * cross
	}
	if m00 == 0 {
		return 0, 0, false
	}
	m00 /= 2
	m10 /= 6
	m01 /= 6
	return int(m10 / m00), int(m01 / m00), true
}
