// Package frameindex computes the starting still-frame index so repeated runs
// never overwrite earlier stills.
package frameindex

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	prefix = "frame"
	suffix = ".jpg"

	// Digits is the zero-padded width of the index in still filenames.
	Digits = 32

	dirPerm = 0o755
)

// Location returns the multifilesink location template for dir.
func Location(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("%s%%0%dd%s", prefix, Digits, suffix))
}

// Filename returns the still filename for index inside dir.
func Filename(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("%s%0*d%s", prefix, Digits, index, suffix))
}

// Resume creates dir if needed and returns 1 + the highest index among
// "frame<digits>.jpg" entries, or 0 when there are none.
func Resume(dir string) (int, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return 0, fmt.Errorf("frameindex: create %s: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("frameindex: read %s: %w", dir, err)
	}

	next := 0
	for _, e := range entries {
		idx, ok := Parse(e.Name())
		if ok && idx+1 > next {
			next = idx + 1
		}
	}
	return next, nil
}

// Parse extracts the index from a still filename. Names with anything other
// than digits between the prefix and the suffix are rejected.
func Parse(name string) (int, bool) {
	if len(name) <= len(prefix)+len(suffix) ||
		!strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	digits := name[len(prefix) : len(name)-len(suffix)]
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	idx, err := strconv.Atoi(digits)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}
