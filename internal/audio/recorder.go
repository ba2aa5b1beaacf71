package audio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Observer receives pipeline lifecycle events. Implementations must not block.
type Observer interface {
	SessionStarted()
	PermissionDenied()
	SessionCompleted(artifact Artifact)
	SessionFailed(err error)
}

type nopObserver struct{}

func (nopObserver) SessionStarted()           {}
func (nopObserver) PermissionDenied()         {}
func (nopObserver) SessionCompleted(Artifact) {}
func (nopObserver) SessionFailed(error)       {}

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	MimePreferences []string
	FallbackMime    string
	TickInterval    time.Duration
	NewTicker       TickerFunc
	Visualizer      Visualizer
	Notifier        Notifier
	Observer        Observer
	Logger          *slog.Logger
}

// Status is a point-in-time view of the recorder.
type Status struct {
	State          State  `json:"state"`
	SessionID      string `json:"session_id,omitempty"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
	Encoding       string `json:"encoding,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

// Recorder is one capture pipeline instance. It builds a fresh Session on
// every Start and never lets two sessions be armed at once.
type Recorder struct {
	backend    Backend
	opts       RecorderOptions
	onComplete CompletionFunc
	observer   Observer
	logger     *slog.Logger

	mu        sync.Mutex
	current   *Session
	starting  bool
	lastError string
	closed    bool

	subMu       sync.Mutex
	subscribers map[int]chan int
	nextSubID   int
}

// NewRecorder creates a recorder delivering finished artifacts to onComplete.
func NewRecorder(backend Backend, opts RecorderOptions, onComplete CompletionFunc) *Recorder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Recorder{
		backend:     backend,
		opts:        opts,
		onComplete:  onComplete,
		observer:    observer,
		logger:      logger,
		subscribers: make(map[int]chan int),
	}
}

// Start begins a new session. It returns ErrSessionActive while another
// session is armed or stopping.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrSessionClosed
	}
	if r.starting {
		r.mu.Unlock()
		return ErrSessionActive
	}
	if r.current != nil {
		switch r.current.State() {
		case StateArmed, StateStopping:
			r.mu.Unlock()
			return ErrSessionActive
		}
	}

	session := NewSession(r.backend, r.complete, SessionOptions{
		MimePreferences: r.opts.MimePreferences,
		FallbackMime:    r.opts.FallbackMime,
		Tracker:         NewDurationTracker(r.opts.TickInterval, r.opts.NewTicker),
		Visualizer:      r.opts.Visualizer,
		Notifier:        r.notifier(),
		Logger:          r.logger,
	})
	// Claim the pipeline before the permission prompt so a concurrent
	// Start cannot arm a second session.
	r.current = session
	r.starting = true
	r.lastError = ""
	r.mu.Unlock()

	err := session.Start(ctx)

	r.mu.Lock()
	r.starting = false
	if err != nil {
		r.lastError = err.Error()
	}
	r.mu.Unlock()

	if err != nil {
		// A refusal already reached the observer through the notifier.
		if !errors.Is(err, ErrPermissionDenied) {
			r.observer.SessionFailed(err)
		}
		return err
	}

	r.observer.SessionStarted()
	go r.watch(session)
	return nil
}

// Stop requests finalization of the current session. No-op when idle.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	session := r.current
	r.mu.Unlock()

	if session == nil {
		return nil
	}
	return session.Stop()
}

// Close disposes the current session and rejects further starts.
func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	session := r.current
	r.mu.Unlock()

	if session != nil {
		session.Dispose()
	}
	return nil
}

// Status returns the current state, elapsed seconds and last error.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	session := r.current
	lastError := r.lastError
	r.mu.Unlock()

	status := Status{State: StateIdle, LastError: lastError}
	if session == nil {
		return status
	}
	status.State = session.State()
	status.SessionID = session.ID()
	status.ElapsedSeconds = session.Elapsed()
	status.Encoding = session.EncodingType()
	return status
}

// LastError returns the message of the last failed session, if any.
func (r *Recorder) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}

// Subscribe delivers elapsed seconds of whichever session is armed. Values
// are for display and may lag the authoritative count by one tick.
func (r *Recorder) Subscribe() (<-chan int, func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	id := r.nextSubID
	r.nextSubID++
	ch := make(chan int, 1)
	r.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subscribers, id)
			r.subMu.Unlock()
		})
	}
}

// watch forwards the session's display ticks and records abnormal endings.
func (r *Recorder) watch(session *Session) {
	ticks, cancel := session.Tracker().Subscribe()
	defer cancel()

	for {
		select {
		case value := <-ticks:
			r.broadcast(value)
		case <-session.Done():
			if err := session.Err(); err != nil {
				r.mu.Lock()
				if r.current == session {
					r.lastError = err.Error()
				}
				r.mu.Unlock()
				r.observer.SessionFailed(err)
			}
			return
		}
	}
}

func (r *Recorder) broadcast(value int) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subscribers {
		offerLatest(ch, value)
	}
}

func (r *Recorder) complete(artifact Artifact) {
	r.observer.SessionCompleted(artifact)
	if r.onComplete != nil {
		r.onComplete(artifact)
	}
}

func (r *Recorder) notifier() Notifier {
	inner := r.opts.Notifier
	return NotifierFunc(func(message string) {
		r.observer.PermissionDenied()
		if inner != nil {
			inner.Alert(message)
			return
		}
		r.logger.Warn("Capture alert", "message", message)
	})
}
