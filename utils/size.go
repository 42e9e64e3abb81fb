package utils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/alecthomas/units"
	"github.com/pkg/errors"
)

// size labels are "<number><unit>" with optional whitespace, unit one of
// B, KB, MB, GB, TB or the short forms K, M, G, T, any case. Every unit is a
// power of 1024.
var sizeLabel = regexp.MustCompile(`^([0-9]*\.?[0-9]+)\s*([KMGT]?)(B?)$`)

var sizeUnits = []string{"B", "KB", "MB", "GB", "TB"}

// ParseSize converts a human readable size label such as "2.3 GB" or "11T"
// into a byte count.
func ParseSize(label string) (int64, error) {
	s := strings.ToUpper(strings.TrimSpace(label))
	m := sizeLabel.FindStringSubmatch(s)
	if m == nil {
		return 0, errors.Errorf("invalid size label %q", label)
	}
	number, prefix := m[1], m[2]
	// a leading "." is not accepted by the unit parser
	if strings.HasPrefix(number, ".") {
		number = "0" + number
	}
	n, err := units.ParseBase2Bytes(number + prefix + "B")
	if err != nil {
		return 0, errors.Wrapf(err, "invalid size label %q", label)
	}
	return int64(n), nil
}

// FormatSize renders a byte count with two decimals in the largest unit
// that keeps the value at or above one, e.g. "100.00 MB".
func FormatSize(bytes int64) string {
	value := float64(bytes)
	unit := 0
	for value >= 1024 && unit < len(sizeUnits)-1 {
		value /= 1024
		unit++
	}
	return fmt.Sprintf("%.2f %s", value, sizeUnits[unit])
}

// WithinTolerance reports whether actual is within fraction of expected,
// e.g. fraction 0.01 for one percent.
func WithinTolerance(actual, expected int64, fraction float64) bool {
	if expected == 0 {
		return actual == 0
	}
	diff := float64(actual - expected)
	if diff < 0 {
		diff = -diff
	}
	return diff/float64(expected) <= fraction
}
