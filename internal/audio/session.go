package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// State represents the current state of a capture session
type State string

const (
	StateIdle     State = "IDLE"
	StateArmed    State = "ARMED"
	StateStopping State = "STOPPING"
	StateStopped  State = "STOPPED"
)

// Artifact is the finished recording handed to the completion callback.
type Artifact struct {
	Data            []byte
	MimeType        string
	DurationSeconds int
}

// Size returns the payload length in bytes.
func (a Artifact) Size() int { return len(a.Data) }

// CompletionFunc receives the artifact of a successful session, once.
type CompletionFunc func(artifact Artifact)

// Notifier surfaces user-facing messages such as a permission refusal.
type Notifier interface {
	Alert(message string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(message string)

func (f NotifierFunc) Alert(message string) { f(message) }

// SessionOptions configures a single capture session.
type SessionOptions struct {
	MimePreferences []string
	FallbackMime    string
	Tracker         *DurationTracker
	Visualizer      Visualizer
	Notifier        Notifier
	Logger          *slog.Logger
}

// Session drives one recording: IDLE -> ARMED -> STOPPING -> STOPPED.
// It owns the stream, the encoder and the accumulated chunks.
type Session struct {
	id          string
	backend     Backend
	onComplete  CompletionFunc
	preferences []string
	fallback    string
	tracker     *DurationTracker
	visualizer  Visualizer
	notifier    Notifier
	logger      *slog.Logger

	mu           sync.Mutex
	state        State
	encodingType string
	chunks       [][]byte
	stream       Stream
	encoder      Encoder
	disposed     bool
	err          error
	done         chan struct{}

	// Set while Start acquires the stream and starts the encoder. The state
	// stays IDLE until every step has succeeded.
	arming      bool
	stopPending bool
	armErr      error

	releaseOnce sync.Once
	doneOnce    sync.Once
}

// NewSession creates an idle session bound to backend.
func NewSession(backend Backend, onComplete CompletionFunc, opts SessionOptions) *Session {
	id := uuid.NewString()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = NewDurationTracker(0, nil)
	}
	var visualizer Visualizer = NopVisualizer{}
	if opts.Visualizer != nil {
		visualizer = opts.Visualizer
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NotifierFunc(func(message string) {
			slog.Warn("Capture alert", "message", message)
		})
	}
	preferences := opts.MimePreferences
	if preferences == nil {
		preferences = DefaultMimePreferences
	}
	if onComplete == nil {
		onComplete = func(Artifact) {}
	}

	return &Session{
		id:          id,
		backend:     backend,
		onComplete:  onComplete,
		preferences: preferences,
		fallback:    opts.FallbackMime,
		tracker:     tracker,
		visualizer:  safeVisualizer{inner: visualizer, logger: logger},
		notifier:    notifier,
		logger:      logger.With("session", id),
		state:       StateIdle,
		done:        make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EncodingType returns the negotiated encoding, empty when the backend default was used.
func (s *Session) EncodingType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encodingType
}

// Elapsed returns the tracker snapshot.
func (s *Session) Elapsed() int { return s.tracker.Snapshot() }

// Tracker exposes the session's duration tracker for display subscriptions.
func (s *Session) Tracker() *DurationTracker { return s.tracker }

// Err returns the error that terminated the session abnormally, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session reaches STOPPED by any path.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start arms the session. It blocks only until the microphone is granted
// or refused; capture then continues in the background.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != StateIdle || s.arming {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session can only start from idle state, current: %s", state)
	}
	s.arming = true
	s.mu.Unlock()

	// The encoding is bound into the encoder and cannot change once armed.
	mimeType := NegotiateMimeType(s.preferences, s.backend.IsTypeSupported)
	if mimeType == "" {
		s.logger.Debug("No preferred encoding supported, using backend default")
	}

	stream, err := s.backend.OpenStream(ctx)
	if err != nil {
		s.cancelArming()
		if errors.Is(err, ErrPermissionDenied) {
			s.logger.Warn("Microphone access refused", "error", err)
			s.notifier.Alert(PermissionDeniedMessage)
		}
		return fmt.Errorf("failed to open capture stream: %w", err)
	}

	encoder, err := s.backend.NewEncoder(stream, mimeType, EncoderEvents{
		OnData:  s.handleData,
		OnStop:  s.handleStop,
		OnError: s.handleError,
	})
	if err != nil {
		releaseTracks(stream)
		s.cancelArming()
		return fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		releaseTracks(stream)
		s.cancelArming()
		return ErrSessionClosed
	}
	s.encodingType = mimeType
	s.stream = stream
	s.encoder = encoder
	s.mu.Unlock()

	if err := s.tracker.Arm(); err != nil {
		s.abortArming(err, false)
		return fmt.Errorf("failed to arm duration tracker: %w", err)
	}

	s.visualizer.Begin(stream)

	if err := encoder.Start(); err != nil {
		err = fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
		s.abortArming(err, false)
		return fmt.Errorf("failed to start encoder: %w", err)
	}

	s.mu.Lock()
	disposed, armErr := s.disposed, s.armErr
	if disposed || armErr != nil {
		s.mu.Unlock()
		if disposed {
			s.abortArming(nil, true)
			return ErrSessionClosed
		}
		s.abortArming(armErr, true)
		return fmt.Errorf("capture ended while arming: %w", armErr)
	}
	s.state = StateArmed
	s.arming = false
	stopPending := s.stopPending
	s.stopPending = false
	s.mu.Unlock()

	s.logger.Info("Capture session armed", "encoding", mimeType)

	if stopPending {
		s.logger.Debug("Applying stop requested while arming")
		return s.Stop()
	}
	return nil
}

// cancelArming clears the arming flags when nothing was acquired.
func (s *Session) cancelArming() {
	s.mu.Lock()
	s.arming = false
	s.stopPending = false
	s.armErr = nil
	s.mu.Unlock()
}

// abortArming undoes a partial Start. The session ends STOPPED since the
// hardware was already acquired.
func (s *Session) abortArming(err error, encoderStarted bool) {
	s.mu.Lock()
	s.arming = false
	s.stopPending = false
	s.state = StateStopped
	if err != nil {
		s.err = err
	}
	encoder := s.encoder
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Capture session failed while arming", "error", err)
	}
	if encoderStarted && encoder != nil {
		if stopErr := encoder.Stop(); stopErr != nil {
			s.logger.Debug("Encoder stop after aborted start returned error", "error", stopErr)
		}
	}
	s.tracker.Disarm()
	s.visualizer.End()
	s.release()
	s.markDone()
}

// Stop requests finalization. It is a no-op unless the session is armed.
// The artifact is delivered later through the completion callback.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.arming {
		// Honored as soon as Start finishes arming.
		s.stopPending = true
		s.mu.Unlock()
		return nil
	}
	if s.state != StateArmed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	encoder := s.encoder
	s.mu.Unlock()

	// Stop the display first so the count settles before finalization.
	s.tracker.Disarm()
	s.logger.Debug("Capture stop requested", "elapsed", s.tracker.Snapshot())

	if err := encoder.Stop(); err != nil {
		wrapped := fmt.Errorf("%w: finalize request failed: %v", ErrHardwareLost, err)
		s.fail(wrapped)
		return wrapped
	}
	return nil
}

// Dispose tears the session down without guaranteeing an artifact. It is
// safe from any state and may be called more than once.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	if s.arming {
		// Start sees the flag and tears down what it acquired.
		s.mu.Unlock()
		return
	}
	prev := s.state
	encoder := s.encoder
	if prev == StateArmed || prev == StateStopping {
		s.state = StateStopped
	}
	s.chunks = nil
	s.mu.Unlock()

	if prev == StateArmed && encoder != nil {
		if err := encoder.Stop(); err != nil {
			s.logger.Debug("Encoder stop during dispose failed", "error", err)
		}
	}
	s.tracker.Disarm()
	s.visualizer.End()
	s.release()
	if prev != StateIdle {
		s.markDone()
	}
	s.logger.Debug("Capture session disposed", "previous_state", prev)
}

func (s *Session) handleData(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateArmed && s.state != StateStopping && !s.arming {
		return
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	s.chunks = append(s.chunks, buf)
}

func (s *Session) handleStop() {
	s.mu.Lock()
	if s.arming {
		if s.armErr == nil {
			s.armErr = fmt.Errorf("%w: encoder finalized before capture was armed", ErrHardwareLost)
		}
		s.mu.Unlock()
		return
	}
	switch s.state {
	case StateStopping:
	case StateArmed:
		s.mu.Unlock()
		s.fail(fmt.Errorf("%w: encoder finalized without a stop request", ErrHardwareLost))
		return
	default:
		s.mu.Unlock()
		return
	}

	s.state = StateStopped
	mimeType := resolveMimeType(s.encoder.MimeType(), s.encodingType, s.fallback)
	data := bytes.Join(s.chunks, nil)
	if data == nil {
		data = []byte{}
	}
	s.mu.Unlock()

	s.tracker.Disarm()
	artifact := Artifact{
		Data:            data,
		MimeType:        mimeType,
		DurationSeconds: s.tracker.Snapshot(),
	}

	s.logger.Info("Capture session finalized",
		"bytes", artifact.Size(), "mime_type", artifact.MimeType, "duration", artifact.DurationSeconds)
	s.deliver(artifact)
}

// deliver runs the completion callback, then tears down the visualizer and
// releases the hardware even if the callback panics.
func (s *Session) deliver(artifact Artifact) {
	defer s.markDone()
	defer s.release()
	defer s.visualizer.End()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Completion handler panicked", "panic", r)
		}
	}()
	s.onComplete(artifact)
}

func (s *Session) handleError(err error) {
	if !errors.Is(err, ErrHardwareLost) {
		err = fmt.Errorf("%w: %v", ErrHardwareLost, err)
	}
	s.mu.Lock()
	if s.arming {
		if s.armErr == nil {
			s.armErr = err
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.fail(err)
}

// fail ends an armed or stopping session without an artifact.
func (s *Session) fail(err error) {
	s.mu.Lock()
	prev := s.state
	if prev != StateArmed && prev != StateStopping {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	s.err = err
	encoder := s.encoder
	s.mu.Unlock()

	s.logger.Error("Capture session failed", "error", err, "previous_state", prev)

	if prev == StateArmed && encoder != nil {
		if stopErr := encoder.Stop(); stopErr != nil {
			s.logger.Debug("Encoder stop after failure returned error", "error", stopErr)
		}
	}
	s.tracker.Disarm()
	s.visualizer.End()
	s.release()
	s.markDone()
}

// release stops every acquired track exactly once.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		stream := s.stream
		s.mu.Unlock()
		if stream == nil {
			return
		}
		releaseTracks(stream)
		s.mu.Lock()
		s.stream = nil
		s.mu.Unlock()
		s.logger.Debug("Capture hardware released", "tracks", len(stream.Tracks()))
	})
}

func (s *Session) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func releaseTracks(stream Stream) {
	for _, track := range stream.Tracks() {
		track.Stop()
	}
}
