package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/audiolibrelab/lessoncapture/internal/audio"
	"github.com/audiolibrelab/lessoncapture/internal/config"
	"github.com/audiolibrelab/lessoncapture/internal/metrics"
	"github.com/audiolibrelab/lessoncapture/internal/service"
	"github.com/audiolibrelab/lessoncapture/internal/summary"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	shutdownTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the remote control for the lesson service
type Server struct {
	service *service.LessonService
	cfg     *config.Config
	backend audio.Backend
	metrics *metrics.Metrics
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status         string `json:"status"`
	Message        string `json:"message,omitempty"`
	ActiveStudent  string `json:"active_student,omitempty"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
	Elapsed        string `json:"elapsed"`
	Encoding       string `json:"encoding,omitempty"`
	Summarizer     string `json:"summarizer"`
	Studio         string `json:"studio,omitempty"`
	Teacher        string `json:"teacher,omitempty"`
}

// StudentInfo is a roster entry with its lesson count
type StudentInfo struct {
	config.Student
	LessonCount int `json:"lesson_count"`
}

// SourcesResponse lists capture sources of the active backend
type SourcesResponse struct {
	Backend string   `json:"backend"`
	Sources []string `json:"sources"`
}

// StartRequest selects the student of the next lesson
type StartRequest struct {
	StudentID string `json:"student_id"`
}

// ElapsedMessage is pushed on /ws/elapsed
type ElapsedMessage struct {
	Elapsed int    `json:"elapsed"`
	Display string `json:"display"`
}

// New creates a new web server instance. m may be nil.
func New(svc *service.LessonService, cfg *config.Config, backend audio.Backend, m *metrics.Metrics) *Server {
	return &Server{
		service: svc,
		cfg:     cfg,
		backend: backend,
		metrics: m,
	}
}

// Handler returns the routed API
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /status", s.withMetrics("/status", s.handleStatus))
	mux.HandleFunc("GET /sources", s.withMetrics("/sources", s.handleSources))
	mux.HandleFunc("GET /students", s.withMetrics("/students", s.handleStudents))
	mux.HandleFunc("GET /students/{id}/lessons", s.withMetrics("/students/{id}/lessons", s.handleStudentLessons))
	mux.HandleFunc("POST /lessons/start", s.withMetrics("/lessons/start", s.handleStartLesson))
	mux.HandleFunc("POST /lessons/stop", s.withMetrics("/lessons/stop", s.handleStopLesson))
	mux.HandleFunc("GET /lessons/{id}", s.withMetrics("/lessons/{id}", s.handleGetLesson))
	mux.HandleFunc("PUT /lessons/{id}/outputs", s.withMetrics("/lessons/{id}/outputs", s.handleUpdateOutputs))
	mux.HandleFunc("POST /lessons/{id}/save", s.withMetrics("/lessons/{id}/save", s.handleSaveLesson))
	mux.HandleFunc("GET /lessons/{id}/email", s.withMetrics("/lessons/{id}/email", s.handleParentEmail))
	mux.HandleFunc("GET /lessons/{id}/audio", s.withMetrics("/lessons/{id}/audio", s.handleLessonAudio))
	mux.HandleFunc("GET /ws/elapsed", s.handleElapsedSocket)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.Host, s.cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting LessonCapture Web Server",
		"addr", addr,
		"local_url", fmt.Sprintf("http://%s:%s", getLocalIP(), s.cfg.Server.Port))

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		slog.Info("Shutting down web server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

// handleIndex serves a minimal landing page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte(getDefaultHTML()))
}

func getDefaultHTML() string {
	return `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>LessonCapture</title>
</head>
<body>
    <h1>LessonCapture</h1>
    <h2>API Endpoints:</h2>
    <ul>
        <li>GET /status - Capture status</li>
        <li>GET /students - Roster</li>
        <li>POST /lessons/start - Start recording a lesson</li>
        <li>POST /lessons/stop - Stop recording</li>
        <li>GET /lessons/{id} - Lesson review material</li>
        <li>GET /ws/elapsed - Live elapsed time</li>
    </ul>
</body>
</html>`
}

// handleStatus returns the current capture state
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.service.Status()
	response := StatusResponse{
		Status:         string(status.Capture.State),
		Message:        s.generateStatusMessage(status),
		ActiveStudent:  status.ActiveStudent,
		ElapsedSeconds: status.Capture.ElapsedSeconds,
		Elapsed:        audio.FormatElapsed(status.Capture.ElapsedSeconds),
		Encoding:       status.Capture.Encoding,
		Summarizer:     status.Summarizer,
		Studio:         s.cfg.Studio.StudioName,
		Teacher:        s.cfg.Studio.TeacherName,
	}
	writeJSON(w, http.StatusOK, response)
}

// handleSources lists capture sources
func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable, "No capture backend configured")
		return
	}
	sources, err := s.backend.ListSources()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list sources: %v", err),
			"operation", "list_sources")
		return
	}
	writeJSON(w, http.StatusOK, SourcesResponse{Backend: string(s.backend.GetType()), Sources: sources})
}

func (s *Server) handleStudents(w http.ResponseWriter, r *http.Request) {
	students := s.service.Students()
	infos := make([]StudentInfo, 0, len(students))
	for _, student := range students {
		infos = append(infos, StudentInfo{
			Student:     student,
			LessonCount: len(s.service.Lessons(student.ID)),
		})
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleStudentLessons(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.service.Student(id); err != nil {
		s.sendServiceError(w, err, "operation", "list_lessons")
		return
	}
	lessons := s.service.Lessons(id)
	if lessons == nil {
		lessons = []service.Lesson{}
	}
	writeJSON(w, http.StatusOK, lessons)
}

// handleStartLesson arms the recorder for a student
func (s *Server) handleStartLesson(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
			return
		}
	} else {
		req.StudentID = r.FormValue("student_id")
	}
	if req.StudentID == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "student_id is required")
		return
	}

	if err := s.service.StartLesson(r.Context(), req.StudentID); err != nil {
		s.sendServiceError(w, err, "operation", "start_lesson", "student_id", req.StudentID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Recording started",
	})
}

// handleStopLesson stops the current recording session
func (s *Server) handleStopLesson(w http.ResponseWriter, r *http.Request) {
	if err := s.service.StopLesson(); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to stop recording: %v", err),
			"operation", "stop_lesson")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Recording stopped",
	})
}

func (s *Server) handleGetLesson(w http.ResponseWriter, r *http.Request) {
	lesson, err := s.service.Lesson(r.PathValue("id"))
	if err != nil {
		s.sendServiceError(w, err, "operation", "get_lesson")
		return
	}
	writeJSON(w, http.StatusOK, lesson)
}

func (s *Server) handleUpdateOutputs(w http.ResponseWriter, r *http.Request) {
	var outputs summary.Outputs
	if err := json.NewDecoder(r.Body).Decode(&outputs); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	lesson, err := s.service.UpdateOutputs(r.PathValue("id"), outputs)
	if err != nil {
		s.sendServiceError(w, err, "operation", "update_outputs")
		return
	}
	writeJSON(w, http.StatusOK, lesson)
}

func (s *Server) handleSaveLesson(w http.ResponseWriter, r *http.Request) {
	lesson, err := s.service.SaveLesson(r.PathValue("id"))
	if err != nil {
		s.sendServiceError(w, err, "operation", "save_lesson")
		return
	}
	writeJSON(w, http.StatusOK, lesson)
}

func (s *Server) handleParentEmail(w http.ResponseWriter, r *http.Request) {
	email, err := s.service.ParentEmail(r.PathValue("id"))
	if err != nil {
		s.sendServiceError(w, err, "operation", "parent_email")
		return
	}
	writeJSON(w, http.StatusOK, email)
}

// handleLessonAudio streams the recording with range support
func (s *Server) handleLessonAudio(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, mimeType, err := s.service.Audio(id)
	if err != nil {
		s.sendServiceError(w, err, "operation", "lesson_audio")
		return
	}
	lesson, err := s.service.Lesson(id)
	if err != nil {
		s.sendServiceError(w, err, "operation", "lesson_audio")
		return
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, "", lesson.Date, bytes.NewReader(data))
}

// handleElapsedSocket pushes the elapsed seconds of the active recording
func (s *Server) handleElapsedSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ticks, cancel := s.service.SubscribeElapsed()
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Debug("Elapsed socket read error", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	send := func(elapsed int) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(ElapsedMessage{Elapsed: elapsed, Display: audio.FormatElapsed(elapsed)})
	}

	if err := send(s.service.Status().Capture.ElapsedSeconds); err != nil {
		return
	}

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case elapsed := <-ticks:
			if err := send(elapsed); err != nil {
				slog.Debug("Elapsed socket write error", "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// generateStatusMessage creates appropriate status messages based on current state
func (s *Server) generateStatusMessage(status service.Status) string {
	switch status.Capture.State {
	case audio.StateArmed:
		if student, ok := s.cfg.FindStudent(status.ActiveStudent); ok {
			return fmt.Sprintf("Recording in progress - %s", student.FullName)
		}
		return "Recording in progress"
	case audio.StateStopping:
		return "Finalizing recording"
	}
	if status.LastError != "" {
		return status.LastError
	}
	return ""
}

// withMetrics wraps an HTTP handler with metrics collection
func (s *Server) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	if s.metrics == nil {
		return handler
	}
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		s.metrics.RecordHTTPRequest(r.Method, endpoint, fmt.Sprintf("%d", ww.statusCode), duration)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// sendServiceError maps service errors onto HTTP status codes
func (s *Server) sendServiceError(w http.ResponseWriter, err error, logContext ...interface{}) {
	s.sendErrorResponse(w, errorStatus(err), err.Error(), logContext...)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrStudentNotFound), errors.Is(err, service.ErrLessonNotFound):
		return http.StatusNotFound
	case errors.Is(err, audio.ErrSessionActive), errors.Is(err, service.ErrLessonNotReady):
		return http.StatusConflict
	case errors.Is(err, service.ErrNoParentEmail):
		return http.StatusUnprocessableEntity
	case errors.Is(err, audio.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, service.ErrServiceClosed), errors.Is(err, audio.ErrSessionClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	if statusCode >= http.StatusInternalServerError {
		slog.Error("Sending error response to client", logFields...)
	} else {
		slog.Warn("Sending error response to client", logFields...)
	}

	writeJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
