package domain

// StreamKind is the semantic category of a track. It is a closed set, so it
// replaces the dynamic "t[streamKind]" property access of the original
// messaging/media surface with a tagged map keyed by this enum.
type StreamKind string

const (
	StreamKindAudio       StreamKind = "audio"
	StreamKindVideo       StreamKind = "video"
	StreamKindScreen      StreamKind = "screen"
	StreamKindScreenAudio StreamKind = "screenAudio"
	StreamKindScreenVideo StreamKind = "screenVideo"
	StreamKindAR          StreamKind = "ar"
	StreamKindDrawing     StreamKind = "drawing"
	StreamKindDetection   StreamKind = "detection"
)

// MediaKind is the underlying transport-level kind a StreamKind maps to.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// MapKind maps a StreamKind onto the underlying media kind: {audio,
// screenAudio} -> audio, everything else -> video.
func MapKind(k StreamKind) MediaKind {
	switch k {
	case StreamKindAudio, StreamKindScreenAudio:
		return MediaKindAudio
	default:
		return MediaKindVideo
	}
}

// IsAudioLike reports whether pausing/resuming this kind affects the audio
// plan of the active-speaker engine.
func IsAudioLike(k StreamKind) bool {
	return MapKind(k) == MediaKindAudio
}
