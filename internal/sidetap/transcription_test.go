package sidetap

import (
	"encoding/json"
	"testing"
)

func TestTranscriptionResult_UnmarshalsContractShape(t *testing.T) {
	raw := `{
		"success": true,
		"text": "hello there",
		"language": "en",
		"language_probability": 0.98,
		"duration": 29.5,
		"confidence": 0.91,
		"segments": [
			{"start": 0.0, "end": 1.2, "text": "hello", "avg_logprob": -0.2, "no_speech_prob": 0.01},
			{"start": 1.2, "end": 2.4, "text": "there", "avg_logprob": -0.3, "no_speech_prob": 0.02}
		]
	}`

	var result TranscriptionResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !result.Success || result.Text != "hello there" || result.Language != "en" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.Segments) != 2 || result.Segments[1].Text != "there" {
		t.Fatalf("unexpected segments: %+v", result.Segments)
	}
}
