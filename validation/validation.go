// Package validation holds the shared struct validator and the custom
// rules registered on it.
package validation

import (
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate is safe for concurrent use once initialised.
var Validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Registration only fails for an empty tag or a nil func.
	_ = v.RegisterValidation("ascending_ints", ascendingInts)
	_ = v.RegisterValidation("csv_nonempty", csvNonEmpty)
	return v
}

// SplitCSV splits a comma separated list, trimming blanks and dropping
// empty items.
func SplitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseInts parses a comma separated list of integers.
func ParseInts(s string) ([]int, error) {
	parts := SplitCSV(s)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// ascendingInts accepts a comma separated list of strictly increasing
// non-negative integers. The empty list is accepted.
func ascendingInts(fl validator.FieldLevel) bool {
	values, err := ParseInts(fl.Field().String())
	if err != nil {
		return false
	}
	for i, v := range values {
		if v < 0 || (i > 0 && v <= values[i-1]) {
			return false
		}
	}
	return true
}

func csvNonEmpty(fl validator.FieldLevel) bool {
	return len(SplitCSV(fl.Field().String())) > 0
}
