package audio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/audiolibrelab/lessoncapture/internal/config"
)

var (
	// ErrPermissionDenied means microphone access was refused or the
	// capture device is unavailable.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrHardwareLost means the stream or encoder became unusable mid-session.
	ErrHardwareLost = errors.New("capture hardware lost")
	// ErrEncoderUnavailable means no encoder could be bound to the stream.
	ErrEncoderUnavailable = errors.New("encoder unavailable")
	// ErrSessionActive is returned when a session is already armed on the recorder.
	ErrSessionActive = errors.New("a capture session is already active")
	// ErrSessionClosed is returned when the session was disposed.
	ErrSessionClosed = errors.New("capture session closed")
	// ErrAlreadyArmed is returned by DurationTracker.Arm on an armed tracker.
	ErrAlreadyArmed = errors.New("duration tracker already armed")
)

// PermissionDeniedMessage is shown to the user when the microphone cannot be opened.
const PermissionDeniedMessage = "Could not access microphone. Please ensure you have granted permission."

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypeFFmpeg BackendType = "ffmpeg"
	BackendTypeAuto   BackendType = "auto"
)

// Track is one acquired hardware track. Stop must be safe to call more than once.
type Track interface {
	ID() string
	Stop()
}

// Stream is a live capture stream owned by exactly one session.
type Stream interface {
	Tracks() []Track
}

// LevelReader is implemented by streams that can report the current input
// level in the range [0, 1].
type LevelReader interface {
	Level() float64
}

// EncoderEvents are the callbacks an Encoder delivers. OnData may fire any
// number of times; exactly one of OnStop or OnError ends the encoder.
type EncoderEvents struct {
	OnData  func(chunk []byte)
	OnStop  func()
	OnError func(err error)
}

// Encoder turns a Stream into encoded chunks.
type Encoder interface {
	Start() error
	// Stop requests finalization; OnStop fires later.
	Stop() error
	// MimeType reports the container actually produced. It must not block.
	MimeType() string
}

// Backend defines the interface for audio backend implementations
type Backend interface {
	// OpenStream acquires the microphone. It fails with ErrPermissionDenied
	// when access is refused or the device is missing.
	OpenStream(ctx context.Context) (Stream, error)

	// IsTypeSupported reports whether an encoder can produce mimeType.
	IsTypeSupported(mimeType string) bool

	// NewEncoder binds an encoder to stream. An empty mimeType selects the
	// backend default.
	NewEncoder(stream Stream, mimeType string, events EncoderEvents) (Encoder, error)

	// ListSources lists available audio sources
	ListSources() ([]string, error)

	// GetType returns the backend type
	GetType() BackendType
}

// NewBackend creates the backend selected by configuration
func NewBackend(cfg config.CaptureConfig) (Backend, error) {
	switch determineBackend(cfg) {
	case BackendTypeFFmpeg:
		return NewFFmpegBackend(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported capture backend: %s", cfg.Backend)
	}
}

// determineBackend determines which backend to use based on configuration
func determineBackend(cfg config.CaptureConfig) BackendType {
	switch strings.ToLower(cfg.Backend) {
	case "", "auto", "ffmpeg":
		// ffmpeg is the only backend shipped today
		return BackendTypeFFmpeg
	}
	return BackendType(cfg.Backend)
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends() []BackendType {
	return []BackendType{BackendTypeFFmpeg}
}
