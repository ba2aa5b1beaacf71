package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/lessoncapture/internal/audio"
	"github.com/audiolibrelab/lessoncapture/internal/config"
	"github.com/audiolibrelab/lessoncapture/internal/summary"
)

var (
	ErrStudentNotFound = errors.New("student not found")
	ErrLessonNotFound  = errors.New("lesson not found")
	ErrNoParentEmail   = errors.New("student has no parent email")
	ErrLessonNotReady  = errors.New("lesson is not ready for review")
	ErrServiceClosed   = errors.New("lesson service closed")
)

// LessonStatus tracks a lesson from capture to the teacher's sign-off.
type LessonStatus string

const (
	StatusUploading   LessonStatus = "UPLOADING"
	StatusProcessing  LessonStatus = "PROCESSING"
	StatusReadyReview LessonStatus = "READY_REVIEW"
	StatusCompleted   LessonStatus = "COMPLETED"
	StatusFailed      LessonStatus = "FAILED"
)

// Terminal reports whether processing has finished for this status.
func (s LessonStatus) Terminal() bool {
	switch s {
	case StatusReadyReview, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Lesson is one recorded lesson and its generated review material.
type Lesson struct {
	ID             string           `json:"id"`
	StudentID      string           `json:"student_id"`
	Date           time.Time        `json:"date"`
	DurationSec    int              `json:"duration_sec"`
	Status         LessonStatus     `json:"status"`
	Outputs        *summary.Outputs `json:"outputs,omitempty"`
	MimeType       string           `json:"mime_type"`
	AudioSize      int              `json:"audio_size"`
	AudioSizeHuman string           `json:"audio_size_human"`
	AudioPath      string           `json:"audio_path,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// Email is a composed parent update, ready for a mail client.
type Email struct {
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	MailtoURL string `json:"mailto_url"`
}

// Status is the service view shown by the CLI and the remote control.
type Status struct {
	Capture       audio.Status `json:"capture"`
	ActiveStudent string       `json:"active_student,omitempty"`
	Summarizer    string       `json:"summarizer"`
	LastError     string       `json:"last_error,omitempty"`
}

// LessonObserver receives lesson pipeline events. Implementations must not block.
type LessonObserver interface {
	SummaryFinished(provider string, elapsed time.Duration, err error)
	LessonStatusChanged(status LessonStatus)
}

type nopLessonObserver struct{}

func (nopLessonObserver) SummaryFinished(string, time.Duration, error) {}
func (nopLessonObserver) LessonStatusChanged(LessonStatus)             {}

// Options wires the service to its collaborators.
type Options struct {
	Backend         audio.Backend
	Summarizer      summary.Summarizer
	Visualizer      audio.Visualizer
	Notifier        audio.Notifier
	NewTicker       audio.TickerFunc
	CaptureObserver audio.Observer
	LessonObserver  LessonObserver
	Logger          *slog.Logger
	Now             func() time.Time
}

type activeLesson struct {
	student config.Student
}

// LessonService records lessons for the configured roster and runs every
// finished recording through the summarizer.
type LessonService struct {
	cfg        *config.Config
	recorder   *audio.Recorder
	summarizer summary.Summarizer
	captureObs audio.Observer
	lessonObs  LessonObserver
	logger     *slog.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	active  *activeLesson
	lessons map[string]*Lesson
	audio   map[string][]byte
	closed  bool

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex

	subMu       sync.Mutex
	subscribers map[int]chan Lesson
	nextSubID   int
}

// New creates a lesson service instance
func New(cfg *config.Config, opts Options) *LessonService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	summarizer := opts.Summarizer
	if summarizer == nil {
		summarizer = summary.Disabled{}
	}
	lessonObs := opts.LessonObserver
	if lessonObs == nil {
		lessonObs = nopLessonObserver{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &LessonService{
		cfg:         cfg,
		summarizer:  summarizer,
		captureObs:  opts.CaptureObserver,
		lessonObs:   lessonObs,
		logger:      logger,
		now:         now,
		ctx:         ctx,
		cancel:      cancel,
		lessons:     make(map[string]*Lesson),
		audio:       make(map[string][]byte),
		subscribers: make(map[int]chan Lesson),
	}

	s.recorder = audio.NewRecorder(opts.Backend, audio.RecorderOptions{
		MimePreferences: cfg.Capture.MimePreferences,
		FallbackMime:    cfg.Capture.FallbackMime,
		TickInterval:    cfg.Capture.TickInterval,
		NewTicker:       opts.NewTicker,
		Visualizer:      opts.Visualizer,
		Notifier:        opts.Notifier,
		Observer:        s,
		Logger:          logger,
	}, s.handleArtifact)

	return s
}

// Students returns the configured roster.
func (s *LessonService) Students() []config.Student {
	out := make([]config.Student, len(s.cfg.Students))
	copy(out, s.cfg.Students)
	return out
}

// Student looks up one student by ID.
func (s *LessonService) Student(id string) (config.Student, error) {
	student, ok := s.cfg.FindStudent(id)
	if !ok {
		return config.Student{}, fmt.Errorf("%w: %s", ErrStudentNotFound, id)
	}
	return student, nil
}

// StartLesson arms the capture pipeline for studentID.
func (s *LessonService) StartLesson(ctx context.Context, studentID string) error {
	slog.Debug("Service.StartLesson called", "student_id", studentID)
	student, err := s.Student(studentID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServiceClosed
	}
	if s.active != nil {
		s.mu.Unlock()
		return audio.ErrSessionActive
	}
	active := &activeLesson{student: student}
	s.active = active
	s.mu.Unlock()

	s.clearLastError()
	if err := s.recorder.Start(ctx); err != nil {
		s.mu.Lock()
		if s.active == active {
			s.active = nil
		}
		s.mu.Unlock()
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return err
	}

	s.logger.Info("Lesson recording started", "student", student.FullName, "instrument", student.Instrument)
	return nil
}

// StopLesson finalizes the current recording. The lesson appears once the
// artifact is delivered. No-op when nothing is recording.
func (s *LessonService) StopLesson() error {
	if err := s.recorder.Stop(); err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
		return err
	}
	return nil
}

// Status returns the capture state and the student being recorded.
func (s *LessonService) Status() Status {
	status := Status{
		Capture:    s.recorder.Status(),
		Summarizer: s.summarizer.Name(),
		LastError:  s.GetLastError(),
	}
	s.mu.RLock()
	if s.active != nil {
		status.ActiveStudent = s.active.student.ID
	}
	s.mu.RUnlock()
	return status
}

// SubscribeElapsed forwards elapsed seconds of the active recording.
func (s *LessonService) SubscribeElapsed() (<-chan int, func()) {
	return s.recorder.Subscribe()
}

// Subscribe delivers a copy of a lesson on every status change.
func (s *LessonService) Subscribe() (<-chan Lesson, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	ch := make(chan Lesson, 16)
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subscribers, id)
			s.subMu.Unlock()
		})
	}
}

// Lessons returns the lessons of studentID, newest first. An empty ID
// returns every lesson.
func (s *LessonService) Lessons(studentID string) []Lesson {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Lesson
	for _, lesson := range s.lessons {
		if studentID != "" && lesson.StudentID != studentID {
			continue
		}
		out = append(out, copyLesson(lesson))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Date.After(out[j].Date)
	})
	return out
}

// Lesson returns a single lesson.
func (s *LessonService) Lesson(id string) (Lesson, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lesson, ok := s.lessons[id]
	if !ok {
		return Lesson{}, fmt.Errorf("%w: %s", ErrLessonNotFound, id)
	}
	return copyLesson(lesson), nil
}

// Audio returns the recording of a lesson and its container type.
func (s *LessonService) Audio(id string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lesson, ok := s.lessons[id]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrLessonNotFound, id)
	}
	return s.audio[id], lesson.MimeType, nil
}

// UpdateOutputs replaces the review material after the teacher's edits.
func (s *LessonService) UpdateOutputs(id string, outputs summary.Outputs) (Lesson, error) {
	s.mu.Lock()
	lesson, ok := s.lessons[id]
	if !ok {
		s.mu.Unlock()
		return Lesson{}, fmt.Errorf("%w: %s", ErrLessonNotFound, id)
	}
	if lesson.Status != StatusReadyReview && lesson.Status != StatusCompleted {
		s.mu.Unlock()
		return Lesson{}, fmt.Errorf("%w: status is %s", ErrLessonNotReady, lesson.Status)
	}
	lesson.Outputs = &outputs
	updated := copyLesson(lesson)
	s.mu.Unlock()

	s.publish(updated)
	return updated, nil
}

// SaveLesson marks a reviewed lesson as completed.
func (s *LessonService) SaveLesson(id string) (Lesson, error) {
	s.mu.Lock()
	lesson, ok := s.lessons[id]
	if !ok {
		s.mu.Unlock()
		return Lesson{}, fmt.Errorf("%w: %s", ErrLessonNotFound, id)
	}
	if lesson.Status != StatusReadyReview && lesson.Status != StatusCompleted {
		s.mu.Unlock()
		return Lesson{}, fmt.Errorf("%w: status is %s", ErrLessonNotReady, lesson.Status)
	}
	changed := lesson.Status != StatusCompleted
	lesson.Status = StatusCompleted
	saved := copyLesson(lesson)
	s.mu.Unlock()

	if changed {
		s.lessonObs.LessonStatusChanged(StatusCompleted)
		s.publish(saved)
		s.logger.Info("Lesson saved", "lesson_id", id)
	}
	return saved, nil
}

// ParentEmail composes the update for the student's parent.
func (s *LessonService) ParentEmail(id string) (*Email, error) {
	lesson, err := s.Lesson(id)
	if err != nil {
		return nil, err
	}
	student, err := s.Student(lesson.StudentID)
	if err != nil {
		return nil, err
	}
	if student.ParentEmail == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoParentEmail, student.FullName)
	}
	if lesson.Outputs == nil {
		return nil, fmt.Errorf("%w: status is %s", ErrLessonNotReady, lesson.Status)
	}
	return ComposeEmail(student, *lesson.Outputs), nil
}

// ComposeEmail builds the parent update and its mailto link.
func ComposeEmail(student config.Student, outputs summary.Outputs) *Email {
	subject := "Music Lesson Update: " + student.FullName
	body := outputs.ParentEmail + "\n\nPractice Plan:\n" + outputs.PracticePlan
	return &Email{
		To:        student.ParentEmail,
		Subject:   subject,
		Body:      body,
		MailtoURL: fmt.Sprintf("mailto:%s?subject=%s&body=%s", student.ParentEmail, mailtoEscape(subject), mailtoEscape(body)),
	}
}

// mailtoEscape encodes spaces as %20; mail clients show "+" literally.
func mailtoEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// SummarizeRecording creates a lesson from an existing recording and
// processes it synchronously.
func (s *LessonService) SummarizeRecording(ctx context.Context, studentID string, data []byte, mimeType string, durationSec int) (Lesson, error) {
	student, err := s.Student(studentID)
	if err != nil {
		return Lesson{}, err
	}
	lesson := s.createLesson(student, audio.Artifact{Data: data, MimeType: mimeType, DurationSeconds: durationSec})
	s.process(ctx, lesson.ID, student)
	return s.Lesson(lesson.ID)
}

// Close disposes the capture pipeline and waits for pending summaries.
func (s *LessonService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.recorder.Close()
	s.cancel()
	s.wg.Wait()
	return err
}

// GetLastError returns the last error message (thread-safe)
func (s *LessonService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// SessionStarted, PermissionDenied, SessionCompleted and SessionFailed make
// the service the recorder's observer; events are forwarded unchanged.
func (s *LessonService) SessionStarted() {
	if s.captureObs != nil {
		s.captureObs.SessionStarted()
	}
}

func (s *LessonService) PermissionDenied() {
	if s.captureObs != nil {
		s.captureObs.PermissionDenied()
	}
}

func (s *LessonService) SessionCompleted(artifact audio.Artifact) {
	if s.captureObs != nil {
		s.captureObs.SessionCompleted(artifact)
	}
}

func (s *LessonService) SessionFailed(err error) {
	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()
	s.setLastError(fmt.Sprintf("Recording failed: %v", err))
	if s.captureObs != nil {
		s.captureObs.SessionFailed(err)
	}
}

// handleArtifact runs on the encoder's goroutine; summarizing happens in
// the background.
func (s *LessonService) handleArtifact(artifact audio.Artifact) {
	s.mu.Lock()
	active := s.active
	s.active = nil
	closed := s.closed
	s.mu.Unlock()

	if active == nil {
		s.logger.Warn("Recording finished without an active lesson", "bytes", artifact.Size())
		return
	}
	if closed {
		return
	}

	lesson := s.createLesson(active.student, artifact)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.process(s.ctx, lesson.ID, active.student)
	}()
}

func (s *LessonService) createLesson(student config.Student, artifact audio.Artifact) Lesson {
	lesson := &Lesson{
		ID:             uuid.NewString(),
		StudentID:      student.ID,
		Date:           s.now(),
		DurationSec:    artifact.DurationSeconds,
		Status:         StatusUploading,
		MimeType:       artifact.MimeType,
		AudioSize:      artifact.Size(),
		AudioSizeHuman: formatBytes(int64(artifact.Size())),
	}

	s.mu.Lock()
	s.lessons[lesson.ID] = lesson
	s.audio[lesson.ID] = artifact.Data
	created := copyLesson(lesson)
	s.mu.Unlock()

	s.logger.Info("Lesson recorded",
		"lesson_id", lesson.ID, "student", student.FullName, "duration", lesson.DurationSec, "bytes", lesson.AudioSize)
	s.lessonObs.LessonStatusChanged(StatusUploading)
	s.publish(created)
	return created
}

// process stores the recording if configured, then summarizes it.
func (s *LessonService) process(ctx context.Context, id string, student config.Student) {
	if s.cfg.Output.SaveAudio {
		path, err := s.saveAudio(id, student)
		if err != nil {
			s.logger.Warn("Failed to save lesson audio", "lesson_id", id, "error", err)
		} else {
			s.update(id, func(l *Lesson) { l.AudioPath = path })
		}
	}

	s.setStatus(id, StatusProcessing, nil, "")

	data, mimeType, err := s.Audio(id)
	if err != nil {
		return
	}

	started := time.Now()
	outputs, err := s.summarizer.Summarize(ctx, summary.Request{
		Audio:       data,
		MimeType:    mimeType,
		StudentName: student.FullName,
		Instrument:  student.Instrument,
	})
	s.lessonObs.SummaryFinished(s.summarizer.Name(), time.Since(started), err)

	switch {
	case errors.Is(err, summary.ErrDisabled):
		// Teacher writes the review by hand.
		s.setStatus(id, StatusReadyReview, &summary.Outputs{}, "")
	case err != nil:
		message := fmt.Sprintf("Failed to summarize lesson: %v", err)
		s.setLastError(message)
		s.setStatus(id, StatusFailed, nil, err.Error())
	default:
		s.setStatus(id, StatusReadyReview, outputs, "")
	}
}

func (s *LessonService) saveAudio(id string, student config.Student) (string, error) {
	data, mimeType, err := s.Audio(id)
	if err != nil {
		return "", err
	}
	lesson, err := s.Lesson(id)
	if err != nil {
		return "", err
	}

	dir := s.cfg.Output.Directory
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create recordings directory: %w", err)
	}
	name := fmt.Sprintf("%s_%s_%s.%s",
		lesson.Date.Format("2006-01-02"), cleanFileName(student.FullName), id[:8], extensionFor(mimeType))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write lesson audio: %w", err)
	}
	s.logger.Debug("Lesson audio saved", "path", path)
	return path, nil
}

func (s *LessonService) setStatus(id string, status LessonStatus, outputs *summary.Outputs, errMsg string) {
	updated, ok := s.update(id, func(l *Lesson) {
		l.Status = status
		if outputs != nil {
			l.Outputs = outputs
		}
		l.Error = errMsg
	})
	if !ok {
		return
	}
	s.lessonObs.LessonStatusChanged(status)
	s.publish(updated)
}

func (s *LessonService) update(id string, fn func(l *Lesson)) (Lesson, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lesson, ok := s.lessons[id]
	if !ok {
		return Lesson{}, false
	}
	fn(lesson)
	return copyLesson(lesson), true
}

func (s *LessonService) publish(lesson Lesson) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- lesson:
		default:
			s.logger.Warn("Lesson subscriber is not keeping up, dropping update", "lesson_id", lesson.ID)
		}
	}
}

// setLastError sets the last error message (thread-safe)
func (s *LessonService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

func (s *LessonService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

func copyLesson(l *Lesson) Lesson {
	out := *l
	if l.Outputs != nil {
		outputs := *l.Outputs
		out.Outputs = &outputs
	}
	return out
}

// Helper functions

func cleanFileName(name string) string {
	// Remove special characters and replace spaces with underscores
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' {
			result.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(result.String()), " ", "_")
}

func extensionFor(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	switch strings.TrimSpace(base) {
	case "audio/webm":
		return "webm"
	case "audio/mp4":
		return "m4a"
	case "audio/ogg":
		return "ogg"
	case "audio/aac":
		return "aac"
	case "audio/mpeg":
		return "mp3"
	case "audio/wav":
		return "wav"
	default:
		return "bin"
	}
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
