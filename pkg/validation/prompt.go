package validation

import (
	"fmt"

	"github.com/menta2k/leafscan/pkg/types"
)

// SystemPrompt frames the model as a validator of a preliminary result
const SystemPrompt = `You are a plant pathologist reviewing the output of an automated leaf disease classifier.
You receive a photo of a single leaf and the classifier's preliminary diagnosis.
Confirm or correct the diagnosis based only on what is visible in the photo.`

// reportPrompt is filled with the preliminary label and confidence
const reportPrompt = `Preliminary diagnosis: %s (classifier confidence %.1f%%).

Return JSON only:
{
  "disease_name": "string",
  "observed_symptoms": "string",
  "confidence_level": "High | Moderate | Low",
  "management_recommendation": "string",
  "full_report": "string"
}

HARD RULES
- disease_name must be the confirmed or corrected disease, or "Healthy".
- observed_symptoms lists only symptoms visible in the photo.
- management_recommendation is practical and at most three sentences.
- full_report is a short paragraph combining the fields above.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// SimpleTestPrompt checks that the model can see images
const SimpleTestPrompt = `What do you see in this image? Describe it briefly.`

// BuildPrompt renders the user prompt for a classification result
func BuildPrompt(cls types.ClassificationResult) string {
	return fmt.Sprintf(reportPrompt, cls.Label, float64(cls.Confidence)*100)
}
