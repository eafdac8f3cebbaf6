package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/menta2k/leafscan/pkg/types"
)

// ErrMalformedResponse is returned when the model reply holds no usable report
var ErrMalformedResponse = errors.New("malformed validator response")

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLine     = regexp.MustCompile(`(?m)^\s*//.*$`)
	reInline   = regexp.MustCompile(`(?m)\s//.*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

// ParseReport extracts a ValidatorReport from a model reply
func ParseReport(raw string) (*types.ValidatorReport, error) {
	raw = sanitizeModelJSON(raw)
	if !strings.HasPrefix(raw, "{") {
		return nil, fmt.Errorf("%w: no JSON object found", ErrMalformedResponse)
	}

	var report types.ValidatorReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	report.DiseaseName = strings.TrimSpace(report.DiseaseName)
	report.ObservedSymptoms = strings.TrimSpace(report.ObservedSymptoms)
	report.ConfidenceLevel = strings.TrimSpace(report.ConfidenceLevel)
	report.ManagementRecommendation = strings.TrimSpace(report.ManagementRecommendation)
	report.FullReport = strings.TrimSpace(report.FullReport)

	if report.DiseaseName == "" {
		return nil, fmt.Errorf("%w: missing disease_name", ErrMalformedResponse)
	}
	return &report, nil
}

// sanitizeModelJSON removes code fences, comments, and trailing commas from JSON response
func sanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reLine.ReplaceAllString(raw, "")
	raw = reInline.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	// Keep only the outermost {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
