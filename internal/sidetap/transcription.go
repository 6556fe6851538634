package sidetap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	apperrors "confluence/pkg/errors"
)

// TranscriptionSegment is one entry of the transcription subprocess's
// segments array.
type TranscriptionSegment struct {
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	Text         string  `json:"text"`
	AvgLogprob   float64 `json:"avg_logprob"`
	NoSpeechProb float64 `json:"no_speech_prob"`
}

// TranscriptionResult is the single JSON object the subprocess must print
// to stdout, exit code 0, within the configured timeout.
type TranscriptionResult struct {
	Success             bool                    `json:"success"`
	Text                string                  `json:"text"`
	Language            string                  `json:"language"`
	LanguageProbability float64                 `json:"language_probability"`
	Duration            float64                 `json:"duration"`
	Confidence          float64                 `json:"confidence"`
	Segments            []TranscriptionSegment  `json:"segments"`
}

// TranscriptionConfig mirrors pkg/config.Config.SideTap's transcription
// fields.
type TranscriptionConfig struct {
	Script      string
	Model       string
	Device      string
	ComputeType string
	Language    string
	Timeout     time.Duration
}

// Transcribe invokes the configured subprocess's exact argument
// shape, enforcing the 60 s hard cap via context cancellation.
func Transcribe(ctx context.Context, cfg TranscriptionConfig, wavPath string) (*TranscriptionResult, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{wavPath, "--model", cfg.Model, "--device", cfg.Device, "--compute-type", cfg.ComputeType}
	if cfg.Language != "" {
		args = append(args, "--language", cfg.Language)
	}

	cmd := exec.CommandContext(ctx, cfg.Script, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, apperrors.NewTranscriptionTimeoutError()
	}
	if err != nil {
		return nil, apperrors.NewTranscriptionFailureError(fmt.Errorf("%w: %s", err, stderr.String()))
	}

	var result TranscriptionResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, apperrors.NewTranscriptionFailureError(fmt.Errorf("parse transcription output: %w", err))
	}
	if !result.Success {
		return nil, apperrors.NewTranscriptionFailureError(fmt.Errorf("transcription subprocess reported failure"))
	}
	return &result, nil
}
