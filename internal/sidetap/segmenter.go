package sidetap

import (
	"fmt"
	"os/exec"
	"time"
)

// startSegmenter spawns the local segmenter subprocess that reads sdpPath
// and writes fixed-duration PCM 16-bit 16 kHz mono WAV segments, appending
// each completed segment's filename to segmentListPath.
// ffmpeg's segment muxer with +live list flags is the standard tool for
// this job; no Go library wraps subprocess-based media segmentation, so
// os/exec is the correct and only fit here.
func startSegmenter(binary, sdpPath, segmentPattern, segmentListPath string, segmentDuration time.Duration) (*exec.Cmd, error) {
	seconds := int(segmentDuration.Seconds())
	if seconds <= 0 {
		seconds = 30
	}
	cmd := exec.Command(binary,
		"-protocol_whitelist", "file,udp,rtp",
		"-i", sdpPath,
		"-ar", "16000",
		"-ac", "1",
		"-sample_fmt", "s16",
		"-f", "segment",
		"-segment_time", fmt.Sprintf("%d", seconds),
		"-segment_list", segmentListPath,
		"-segment_list_flags", "+live",
		"-reset_timestamps", "1",
		segmentPattern,
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start segmenter: %w", err)
	}
	return cmd, nil
}

func stopSegmenter(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
	_, _ = cmd.Process.Wait()
}
