package scan

// Patch is the fixed-size, zero-padded crop around one candidate, one
// plane per frame in diff/new/ref order. Planes hold raw pixel values;
// scaling and normalisation happen in classifier preprocessing.
type Patch struct {
	Size   int
	Planes [3][]uint8 // row-major, each Size*Size
}

// BuildPatch crops a size×size window centred on (cx, cy) from each of
// the three frames, zero-padding where the window leaves the frame. Pure
// CPU work over value types; callable from any worker.
func BuildPatch(diff, newf, reff *Frame, cx, cy, size int) Patch {
	return Patch{
		Size: size,
		Planes: [3][]uint8{
			cropPlane(diff, cx, cy, size),
			cropPlane(newf, cx, cy, size),
			cropPlane(reff, cx, cy, size),
		},
	}
}

func cropPlane(f *Frame, cx, cy, size int) []uint8 {
	out := make([]uint8, size*size)
	half := size / 2
	x1 := cx - half
	y1 := cy - half

	sx1 := clampInt(x1, 0, f.W)
	sy1 := clampInt(y1, 0, f.H)
	sx2 := clampInt(x1+size, 0, f.W)
	sy2 := clampInt(y1+size, 0, f.H)

	for y := sy1; y < sy2; y++ {
		dst := (y-y1)*size + (sx1 - x1)
		copy(out[dst:dst+(sx2-sx1)], f.Pix[y*f.W+sx1:y*f.W+sx2])
	}
	return out
}
