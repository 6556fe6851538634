package room

import (
	"confluence/internal/domain"
	"confluence/internal/mediasfu"
)

// DownstreamTransport is one per remote audio stream a peer consumes: it
// holds the transport plus the audio/video producer ids it was created
// for, and every consumer on it keyed by the closed StreamKind set rather
// than dynamic property access.
type DownstreamTransport struct {
	Transport mediasfu.Transport

	AssociatedAudioPid domain.ProducerId
	AssociatedVideoPid domain.ProducerId

	// StreamKind (e.g. the producer's original kind) used only when the
	// caller supplied it explicitly at creation time.
	StreamKind domain.StreamKind
	ProducerID domain.ProducerId

	Consumers map[domain.StreamKind]mediasfu.Consumer
}

func NewDownstreamTransport(t mediasfu.Transport, audioPid, videoPid domain.ProducerId) *DownstreamTransport {
	return &DownstreamTransport{
		Transport:          t,
		AssociatedAudioPid: audioPid,
		AssociatedVideoPid: videoPid,
		Consumers:          make(map[domain.StreamKind]mediasfu.Consumer),
	}
}

func (d *DownstreamTransport) Closed() bool {
	return d.Transport == nil || d.Transport.Closed()
}
