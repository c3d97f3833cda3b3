package extract

import (
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

const maxProgressDepth = 3

// Progress normalizes a progress value to an integer percentage in [0, 100].
//
// Accepted encodings:
//
//	42          plain number
//	0.42        fraction (strictly between 0 and 1)
//	"42"        numeric string
//	"42%"       percent string
//	{"progress": <any of the above>} or {"value": ...}
//
// Anything else reports ok=false and must be ignored by the caller.
func Progress(v gjson.Result) (int, bool) {
	return progressDepth(v, 0)
}

func progressDepth(v gjson.Result, depth int) (int, bool) {
	switch v.Type {
	case gjson.Number:
		return normalizePercent(v.Float(), false)
	case gjson.String:
		return ProgressString(v.String())
	case gjson.JSON:
		if !v.IsObject() || depth >= maxProgressDepth {
			return 0, false
		}
		for _, key := range []string{"progress", "value"} {
			if inner := v.Get(key); inner.Exists() {
				return progressDepth(inner, depth+1)
			}
		}
	}
	return 0, false
}

// ProgressString parses "42", "42%", " 0.5 " style strings.
func ProgressString(s string) (int, bool) {
	s = strings.TrimSpace(s)
	percent := strings.HasSuffix(s, "%")
	s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return normalizePercent(f, percent)
}

func normalizePercent(f float64, percent bool) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if !percent && f > 0 && f < 1 {
		f *= 100
	}
	p := int(math.Round(f))
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return p, true
}
