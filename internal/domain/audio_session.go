package domain

import "time"

// AudioSession is the side-tap's per-producer bookkeeping record.
type AudioSession struct {
	ParticipantId UserId
	RoomId        RoomId
	ProducerId    ProducerId

	RtpPort  int
	RtcpPort int // invariant: RtcpPort == RtpPort + 1

	SdpPath         string
	SegmentListPath string

	LastProcessedSegment int
	InFlightSegments     map[int]bool

	StartedAt time.Time
}

func NewAudioSession(participantID UserId, roomID RoomId, producerID ProducerId, rtpPort int) *AudioSession {
	return &AudioSession{
		ParticipantId:        participantID,
		RoomId:                roomID,
		ProducerId:            producerID,
		RtpPort:               rtpPort,
		RtcpPort:              rtpPort + 1,
		LastProcessedSegment:  -1,
		InFlightSegments:      make(map[int]bool),
		StartedAt:             time.Now(),
	}
}
