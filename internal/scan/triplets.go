package scan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// imageExts are the raster formats the triplet scanner recognises.
var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
}

// FindTriplets scans dir for frame files named <stem>a/<stem>b/<stem>c
// (difference/new/reference) and returns the complete triplets in sorted
// stem order. Groups missing one or more frames are dropped.
func FindTriplets(dir string) ([]ImageTriplet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read image dir: %w", err)
	}

	groups := make(map[string]*ImageTriplet)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if !imageExts[strings.ToLower(ext)] {
			continue
		}
		base := strings.TrimSuffix(name, ext)
		if len(base) < 2 {
			continue
		}
		suffix := base[len(base)-1]
		if suffix != 'a' && suffix != 'b' && suffix != 'c' {
			continue
		}
		stem := base[:len(base)-1]

		t := groups[stem]
		if t == nil {
			t = &ImageTriplet{Stem: stem}
			groups[stem] = t
		}
		full := filepath.Join(dir, name)
		switch suffix {
		case 'a':
			t.DiffPath = full
		case 'b':
			t.NewPath = full
		case 'c':
			t.RefPath = full
		}
	}

	out := make([]ImageTriplet, 0, len(groups))
	incomplete := 0
	for _, t := range groups {
		if t.DiffPath == "" || t.NewPath == "" || t.RefPath == "" {
			incomplete++
			continue
		}
		out = append(out, *t)
	}
	if incomplete > 0 {
		diagf("dropped %d incomplete triplet group(s) in %s", incomplete, dir)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Stem < out[j].Stem })
	return out, nil
}
