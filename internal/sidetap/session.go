// Package sidetap implements the Audio Side-Tap: per audio producer,
// a plain-RTP consumer feeding a local segmenter subprocess, whose output a
// filesystem watcher picks up and hands to a transcription subprocess.
//
// Follows a one-long-lived-subprocess-per-resource bookkeeping style,
// killed on cleanup, and uses fsnotify to watch the segment-list file
// instead of polling.
package sidetap

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"confluence/internal/domain"
	"confluence/internal/mediasfu"
	"confluence/internal/ports"
)

// Config mirrors pkg/config.Config.SideTap.
type Config struct {
	Enabled         bool
	BaseDir         string
	TranscriptDir   string
	PortRangeMin    int
	PortRangeMax    int
	SegmentDuration time.Duration
	SegmenterBinary string
	Transcription   TranscriptionConfig
}

type session struct {
	audio *domain.AudioSession

	plainTransport mediasfu.Transport
	plainConsumer  mediasfu.Consumer
	segmenterCmd   *exec.Cmd
	watcher        *fsnotify.Watcher

	segmentPattern string

	cancel context.CancelFunc
	mu     sync.Mutex
}

// StoredSegment is one transcribed segment kept in the room's in-memory
// transcription store and echoed in the on-disk transcript file.
type StoredSegment struct {
	Index     int                     `json:"index"`
	Text      string                  `json:"text"`
	Language  string                  `json:"language"`
	Segments  []TranscriptionSegment  `json:"segments"`
}

type transcriptFile struct {
	RoomId           domain.RoomId   `json:"roomId"`
	ParticipantId    domain.UserId   `json:"participantId"`
	SessionStartTime string          `json:"sessionStartTime"`
	SessionEndTime    string         `json:"sessionEndTime,omitempty"`
	TotalSegments     int            `json:"totalSegments"`
	Segments          []StoredSegment `json:"segments"`
}

// Manager owns every live side-tap session, the shared port pool, and the
// per-room transcription store.
type Manager struct {
	cfg         Config
	pool        *PortPool
	broadcaster ports.Broadcaster
	logger      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
	store    map[domain.RoomId]map[domain.ProducerId]*transcriptFile
}

func NewManager(cfg Config, broadcaster ports.Broadcaster, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		pool:        NewPortPool(cfg.PortRangeMin, cfg.PortRangeMax),
		broadcaster: broadcaster,
		logger:      logger,
		sessions:    make(map[string]*session),
		store:       make(map[domain.RoomId]map[domain.ProducerId]*transcriptFile),
	}
}

func sessionKey(roomID domain.RoomId, producerID domain.ProducerId) string {
	return string(roomID) + ":" + string(producerID)
}

// Router is the subset of mediasfu.Router the side-tap needs.
type Router interface {
	CreatePlainTransport(ctx context.Context, opts mediasfu.PlainTransportOptions) (mediasfu.Transport, error)
}

// Start provisions a side-tap session for one audio producer. Failure is
// side-tap-local: callers should log and continue, media is unaffected.
func (m *Manager) Start(ctx context.Context, router Router, roomID domain.RoomId, participantID domain.UserId, displayName string, producer mediasfu.Producer) (*domain.AudioSession, error) {
	roomDir := filepath.Join(m.cfg.BaseDir, roomID)
	transcriptDir := filepath.Join(m.cfg.TranscriptDir, roomID)
	if err := os.MkdirAll(roomDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	if err := os.MkdirAll(transcriptDir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}

	rtp, rtcp, err := m.pool.Allocate()
	if err != nil {
		return nil, err
	}

	transport, err := router.CreatePlainTransport(ctx, mediasfu.PlainTransportOptions{
		ListenIP: "127.0.0.1",
		RTCPMux:  false,
		Comedia:  false,
	})
	if err != nil {
		m.pool.Release(rtp, rtcp)
		return nil, err
	}
	if err := transport.ConnectPlain(ctx, "127.0.0.1", rtp, rtcp); err != nil {
		m.pool.Release(rtp, rtcp)
		return nil, err
	}
	consumer, err := transport.Consume(ctx, producer, nil, false)
	if err != nil {
		m.pool.Release(rtp, rtcp)
		return nil, err
	}

	stem := fmt.Sprintf("%s_%s", displayName, producer.ID())
	sdpPath := filepath.Join(roomDir, stem+".sdp")
	segmentListPath := filepath.Join(roomDir, stem+"_segments.txt")
	segmentPattern := filepath.Join(roomDir, stem+"_segment_%03d.wav")

	if err := writeSDP(sdpPath, rtp); err != nil {
		m.pool.Release(rtp, rtcp)
		return nil, fmt.Errorf("write sdp: %w", err)
	}

	segmenterCmd, err := startSegmenter(m.cfg.SegmenterBinary, sdpPath, segmentPattern, segmentListPath, m.cfg.SegmentDuration)
	if err != nil {
		m.pool.Release(rtp, rtcp)
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		stopSegmenter(segmenterCmd)
		m.pool.Release(rtp, rtcp)
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(roomDir); err != nil {
		_ = watcher.Close()
		stopSegmenter(segmenterCmd)
		m.pool.Release(rtp, rtcp)
		return nil, fmt.Errorf("watch audio dir: %w", err)
	}

	audio := domain.NewAudioSession(participantID, roomID, producer.ID(), rtp)
	audio.SdpPath = sdpPath
	audio.SegmentListPath = segmentListPath

	watchCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		audio:          audio,
		plainTransport: transport,
		plainConsumer:  consumer,
		segmenterCmd:   segmenterCmd,
		watcher:        watcher,
		segmentPattern: segmentPattern,
		cancel:         cancel,
	}

	m.mu.Lock()
	m.sessions[sessionKey(roomID, producer.ID())] = s
	m.mu.Unlock()

	go m.watchSegments(watchCtx, roomID, participantID, displayName, transcriptDir, s)

	return audio, nil
}

// Stop kills the segmenter, closes the plain transport, deletes the SDP and
// segment-list files, and returns both ports to the pool.
func (m *Manager) Stop(ctx context.Context, roomID domain.RoomId, producerID domain.ProducerId) {
	key := sessionKey(roomID, producerID)
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.cancel()
	_ = s.watcher.Close()
	stopSegmenter(s.segmenterCmd)
	if s.plainTransport != nil {
		_ = s.plainTransport.Close(ctx)
	}

	_ = os.Remove(s.audio.SdpPath)
	_ = os.Remove(s.audio.SegmentListPath)
	m.pool.Release(s.audio.RtpPort, s.audio.RtcpPort)
}

var segmentIndexPattern = regexp.MustCompile(`_segment_(\d+)\.wav$`)

// watchSegments reacts to every filesystem change on the segment-list
// file: parse it and transcribe any newly completed, not-yet-in-flight
// segment.
func (m *Manager) watchSegments(ctx context.Context, roomID domain.RoomId, participantID domain.UserId, displayName, transcriptDir string, s *session) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.audio.SegmentListPath) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.processSegmentList(ctx, roomID, participantID, displayName, transcriptDir, s)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("side-tap watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) processSegmentList(ctx context.Context, roomID domain.RoomId, participantID domain.UserId, displayName, transcriptDir string, s *session) {
	names, err := readSegmentList(s.audio.SegmentListPath)
	if err != nil {
		return
	}

	type pending struct {
		index int
		path  string
	}
	var toProcess []pending

	s.mu.Lock()
	for _, name := range names {
		match := segmentIndexPattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		idx, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		if idx <= s.audio.LastProcessedSegment || s.audio.InFlightSegments[idx] {
			continue
		}
		s.audio.InFlightSegments[idx] = true
		path := name
		if !filepath.IsAbs(path) {
			path = filepath.Join(filepath.Dir(s.audio.SegmentListPath), name)
		}
		toProcess = append(toProcess, pending{index: idx, path: path})
	}
	s.mu.Unlock()

	for _, item := range toProcess {
		go m.transcribeSegment(ctx, roomID, participantID, displayName, transcriptDir, s, item.index, item.path)
	}
}

func (m *Manager) transcribeSegment(ctx context.Context, roomID domain.RoomId, participantID domain.UserId, displayName, transcriptDir string, s *session, index int, wavPath string) {
	defer func() {
		s.mu.Lock()
		delete(s.audio.InFlightSegments, index)
		s.mu.Unlock()
	}()

	result, err := Transcribe(ctx, m.cfg.Transcription, wavPath)
	if err != nil {
		m.logger.Warn("transcription failed or timed out", zap.String("path", wavPath), zap.Error(err))
		return
	}

	stored := StoredSegment{Index: index, Text: result.Text, Language: result.Language, Segments: result.Segments}
	m.appendStoredSegment(roomID, s.audio.ProducerId, participantID, stored)
	m.writeTranscriptFile(roomID, s.audio.ProducerId, transcriptDir)

	if m.broadcaster != nil {
		_ = m.broadcaster.BroadcastToRoom(roomID, "transcription", map[string]interface{}{
			"participantId": participantID,
			"displayName":   displayName,
			"segmentIndex":  index,
			"text":          result.Text,
			"language":      result.Language,
		}, "")
	}

	s.mu.Lock()
	if index > s.audio.LastProcessedSegment {
		s.audio.LastProcessedSegment = index
	}
	s.mu.Unlock()
}

func (m *Manager) appendStoredSegment(roomID domain.RoomId, producerID domain.ProducerId, participantID domain.UserId, seg StoredSegment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byProducer, ok := m.store[roomID]
	if !ok {
		byProducer = make(map[domain.ProducerId]*transcriptFile)
		m.store[roomID] = byProducer
	}
	tf, ok := byProducer[producerID]
	if !ok {
		tf = &transcriptFile{RoomId: roomID, ParticipantId: participantID, SessionStartTime: time.Now().UTC().Format(time.RFC3339)}
		byProducer[producerID] = tf
	}
	tf.Segments = append(tf.Segments, seg)
	tf.TotalSegments = len(tf.Segments)
}

func (m *Manager) writeTranscriptFile(roomID domain.RoomId, producerID domain.ProducerId, transcriptDir string) {
	m.mu.Lock()
	tf, ok := m.store[roomID][producerID]
	var snapshot transcriptFile
	if ok {
		snapshot = *tf
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	path := filepath.Join(transcriptDir, fmt.Sprintf("%s_%s.json", producerID, snapshot.SessionStartTime))
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0o644)
}

// SessionCount reports how many side-tap sessions are currently live,
// sampled for the side-tap-session-count gauge.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ClearRoom drops the in-memory transcription store for a room.
func (m *Manager) ClearRoom(roomID domain.RoomId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.store, roomID)
}

func readSegmentList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	sort.Strings(out)
	return out, nil
}
