package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/menta2k/leafscan/pkg/types"
)

// PreliminaryTag marks reports that no validator has confirmed
const PreliminaryTag = "[PRELIMINARY - NOT VALIDATED]"

// UncertainDiseaseName is reported when the classifier is not confident enough
const UncertainDiseaseName = "Uncertain"

const defaultRecommendation = "Remove visibly affected leaves, avoid overhead watering, " +
	"and confirm the diagnosis with a local agricultural extension service before applying any treatment."

var recommendations = map[string]string{
	"healthy": "No treatment needed. Keep monitoring the plant and maintain current care.",
	"early blight": "Remove infected lower leaves, mulch to limit soil splash, " +
		"and apply a copper or chlorothalonil fungicide if spots spread.",
	"late blight": "Remove and destroy infected plants promptly, avoid wetting foliage, " +
		"and protect nearby plants with a registered fungicide.",
	"leaf rust": "Remove infected leaves, improve air circulation, and apply a sulfur-based fungicide early.",
	"powdery mildew": "Prune crowded growth, water at the base, and treat with sulfur or potassium bicarbonate.",
	"bacterial spot": "Remove affected leaves, avoid handling wet plants, and apply a copper spray preventively.",
	"leaf mold": "Lower humidity, increase ventilation, and remove infected leaves.",
	"septoria leaf spot": "Remove spotted leaves, mulch the soil, and rotate crops next season.",
	"mosaic virus": "Remove infected plants, control aphids, and disinfect tools between plants.",
}

// Recommendation returns the management advice for a disease label
func Recommendation(label string) string {
	key := strings.ToLower(strings.TrimSpace(strings.ReplaceAll(label, "_", " ")))
	if r, ok := recommendations[key]; ok {
		return r
	}
	return defaultRecommendation
}

// ConfidenceLevel buckets a classifier score into a confidence statement
func ConfidenceLevel(score float32) string {
	pct := fmt.Sprintf("%.0f%%", float64(score)*100)
	switch {
	case score >= 0.85:
		return "High (" + pct + " classifier confidence)"
	case score >= 0.6:
		return "Moderate (" + pct + " classifier confidence)"
	default:
		return "Low (" + pct + " classifier confidence)"
	}
}

// ValidatedReport builds the final report from a validator answer
func ValidatedReport(vr types.ValidatorReport, modelVersion string, now time.Time) types.DiagnosticReport {
	symptoms := vr.ObservedSymptoms
	if symptoms == "" {
		symptoms = "Not described by the validator."
	}
	confidence := vr.ConfidenceLevel
	if confidence == "" {
		confidence = "Unspecified"
	}
	recommendation := vr.ManagementRecommendation
	if recommendation == "" {
		recommendation = Recommendation(vr.DiseaseName)
	}
	full := vr.FullReport
	if full == "" {
		full = formatReport("", vr.DiseaseName, symptoms, confidence, recommendation)
	}

	return types.DiagnosticReport{
		DiseaseName:              vr.DiseaseName,
		ObservedSymptoms:         symptoms,
		ConfidenceLevel:          confidence,
		ManagementRecommendation: recommendation,
		FullReport:               full,
		Source:                   types.SourceValidated,
		Timestamp:                now,
		ModelVersion:             modelVersion,
	}
}

// FallbackReport builds a report from the classification alone. The text
// is tagged preliminary so it cannot be mistaken for a validated result.
func FallbackReport(cls types.ClassificationResult, modelVersion string, now time.Time) types.DiagnosticReport {
	symptoms := "Visual symptoms were not reviewed. Diagnosis is based on the on-device classifier only."
	confidence := ConfidenceLevel(cls.Confidence)
	recommendation := Recommendation(cls.Label)

	return types.DiagnosticReport{
		DiseaseName:              cls.Label,
		ObservedSymptoms:         symptoms,
		ConfidenceLevel:          confidence,
		ManagementRecommendation: recommendation,
		FullReport:               formatReport(PreliminaryTag, cls.Label, symptoms, confidence, recommendation),
		IsUncertain:              cls.Uncertain,
		Source:                   types.SourceFallback,
		Timestamp:                now,
		ModelVersion:             modelVersion,
	}
}

// UncertainReport is returned whenever the classifier confidence is below
// threshold, whatever class it predicted
func UncertainReport(cls types.ClassificationResult, modelVersion string, now time.Time) types.DiagnosticReport {
	symptoms := "The image could not be matched to a known condition with enough confidence."
	confidence := ConfidenceLevel(cls.Confidence)
	recommendation := "Retake the photo in good, even light with a single leaf filling most of the frame. " +
		"If symptoms persist, consult a local agricultural extension service."

	return types.DiagnosticReport{
		DiseaseName:              UncertainDiseaseName,
		ObservedSymptoms:         symptoms,
		ConfidenceLevel:          confidence,
		ManagementRecommendation: recommendation,
		FullReport:               formatReport(PreliminaryTag, UncertainDiseaseName, symptoms, confidence, recommendation),
		IsUncertain:              true,
		Source:                   types.SourceUncertain,
		Timestamp:                now,
		ModelVersion:             modelVersion,
	}
}

// IsPreliminary reports whether a report text carries the preliminary tag
func IsPreliminary(r types.DiagnosticReport) bool {
	return strings.HasPrefix(r.FullReport, PreliminaryTag)
}

func formatReport(tag, disease, symptoms, confidence, recommendation string) string {
	var b strings.Builder
	if tag != "" {
		b.WriteString(tag)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Diagnosis: %s\n", disease)
	fmt.Fprintf(&b, "Observed symptoms: %s\n", symptoms)
	fmt.Fprintf(&b, "Confidence: %s\n", confidence)
	fmt.Fprintf(&b, "Recommendation: %s", recommendation)
	return b.String()
}
