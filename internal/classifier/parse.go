package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var ErrParseFailed = errors.New("failed to parse verdict")

type rawVerdict struct {
	Danger     any    `json:"danger"`
	Confidence any    `json:"confidence"`
	Reasoning  string `json:"reasoning"`
}

type verdict struct {
	danger     bool
	confidence float64
	reasoning  string
}

// parseVerdict decodes the region between the first '{' and the last '}'
// of a model reply. Surrounding prose is ignored.
func parseVerdict(raw string) (verdict, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return verdict{}, fmt.Errorf("%w: no object in %q", ErrParseFailed, raw)
	}

	var rv rawVerdict
	if err := json.Unmarshal([]byte(raw[start:end+1]), &rv); err != nil {
		return verdict{}, fmt.Errorf("%w: %w", ErrParseFailed, err)
	}

	if rv.Danger == nil {
		return verdict{}, fmt.Errorf("%w: missing danger field", ErrParseFailed)
	}
	danger, ok := toBool(rv.Danger)
	if !ok {
		return verdict{}, fmt.Errorf("%w: danger is %T", ErrParseFailed, rv.Danger)
	}

	confidence, _ := toFloat(rv.Confidence)

	return verdict{
		danger:     danger,
		confidence: clamp(confidence, 0, 1),
		reasoning:  strings.TrimSpace(rv.Reasoning),
	}, nil
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "yes":
			return true, true
		case "false", "no":
			return false, true
		}
	}
	return false, false
}

func toFloat(v any) (float64, bool) {
	switch f := v.(type) {
	case float64:
		return f, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err == nil && !math.IsNaN(parsed) {
			return parsed, true
		}
	}
	return 0, false
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
