package audio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/lessoncapture/internal/config"
)

const (
	jackClientName = "lessoncapture"
	levelKey       = "lavfi.astats.Overall.RMS_level"
	readBufferSize = 32 * 1024
)

// encoding maps a container MIME type onto an ffmpeg muxer and codec.
type encoding struct {
	muxer string
	codec string
	extra []string
}

var encodings = map[string]encoding{
	"audio/mp4":              {muxer: "mp4", codec: "aac", extra: []string{"-movflags", "frag_keyframe+empty_moov"}},
	"audio/webm;codecs=opus": {muxer: "webm", codec: "libopus"},
	"audio/webm":             {muxer: "webm", codec: "libopus"},
	"audio/ogg;codecs=opus":  {muxer: "ogg", codec: "libopus"},
	"audio/ogg":              {muxer: "ogg", codec: "libopus"},
	"audio/aac":              {muxer: "adts", codec: "aac"},
	"audio/flac":             {muxer: "flac", codec: "flac"},
	"audio/wav":              {muxer: "wav", codec: "pcm_s16le"},
}

// platformDefaults is tried in order when negotiation yields nothing.
var platformDefaults = []string{"audio/webm", "audio/wav"}

// FFmpegBackend captures and encodes in a single ffmpeg process that
// streams the container on stdout.
type FFmpegBackend struct {
	cfg      config.CaptureConfig
	pipewire *PipeWire
	run      commandRunner

	probeOnce sync.Once
	encoders  map[string]bool
	muxers    map[string]bool
	probeErr  error
}

// NewFFmpegBackend creates the ffmpeg backend.
func NewFFmpegBackend(cfg config.CaptureConfig) *FFmpegBackend {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.Source == "" {
		cfg.Source = "default"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &FFmpegBackend{
		cfg:      cfg,
		pipewire: NewPipeWire(),
		run:      execOutput,
	}
}

// GetType returns the backend type
func (b *FFmpegBackend) GetType() BackendType {
	return BackendTypeFFmpeg
}

// IsTypeSupported reports whether the local ffmpeg build has both the
// muxer and the encoder for mimeType.
func (b *FFmpegBackend) IsTypeSupported(mimeType string) bool {
	enc, ok := encodings[strings.ToLower(strings.ReplaceAll(mimeType, " ", ""))]
	if !ok {
		return false
	}

	b.probeOnce.Do(b.probe)
	if b.probeErr != nil {
		slog.Debug("ffmpeg capability probe failed", "error", b.probeErr)
		return false
	}
	return b.encoders[enc.codec] && b.muxers[enc.muxer]
}

func (b *FFmpegBackend) probe() {
	encOut, err := b.run(b.cfg.FFmpegPath, "-hide_banner", "-encoders")
	if err != nil {
		b.probeErr = fmt.Errorf("failed to list ffmpeg encoders: %w", err)
		return
	}
	muxOut, err := b.run(b.cfg.FFmpegPath, "-hide_banner", "-muxers")
	if err != nil {
		b.probeErr = fmt.Errorf("failed to list ffmpeg muxers: %w", err)
		return
	}
	b.encoders = parseCapabilityList(string(encOut))
	b.muxers = parseCapabilityList(string(muxOut))
}

// parseCapabilityList reads the table printed by "ffmpeg -encoders" or
// "ffmpeg -muxers": a legend, a dashed separator, then "FLAGS name desc".
func parseCapabilityList(output string) map[string]bool {
	names := make(map[string]bool)
	inTable := false
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if !inTable {
			if strings.HasPrefix(trimmed, "--") {
				inTable = true
			}
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) < 2 {
			continue
		}
		for _, name := range strings.Split(fields[1], ",") {
			names[name] = true
		}
	}
	return names
}

// ListSources lists capture sources for the configured input format
func (b *FFmpegBackend) ListSources() ([]string, error) {
	switch b.cfg.InputFormat {
	case "jack":
		return b.pipewire.ListPorts()
	case "pulse":
		output, err := b.run("pactl", "list", "short", "sources")
		if err != nil {
			return nil, fmt.Errorf("failed to list PulseAudio sources: %w", err)
		}
		return parsePulseSources(string(output)), nil
	default:
		return []string{b.cfg.Source}, nil
	}
}

func parsePulseSources(output string) []string {
	var sources []string
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			sources = append(sources, fields[1])
		}
	}
	return sources
}

// OpenStream checks that ffmpeg and the configured source are reachable.
func (b *FFmpegBackend) OpenStream(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if _, err := exec.LookPath(b.cfg.FFmpegPath); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg not found: %v", ErrPermissionDenied, err)
	}

	if err := b.checkSource(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	return &ffmpegStream{
		source: b.cfg.Source,
		track:  &processTrack{id: b.cfg.InputFormat + ":" + b.cfg.Source},
	}, nil
}

func (b *FFmpegBackend) checkSource() error {
	switch b.cfg.InputFormat {
	case "jack":
		return b.pipewire.ValidatePort(b.cfg.Source)
	case "pulse":
		if b.cfg.Source == "default" {
			return nil
		}
		sources, err := b.ListSources()
		if err != nil {
			return err
		}
		for _, source := range sources {
			if source == b.cfg.Source {
				return nil
			}
		}
		return fmt.Errorf("source not found: %s", b.cfg.Source)
	}
	return nil
}

// NewEncoder binds an ffmpeg encoder to stream.
func (b *FFmpegBackend) NewEncoder(stream Stream, mimeType string, events EncoderEvents) (Encoder, error) {
	fs, ok := stream.(*ffmpegStream)
	if !ok {
		return nil, fmt.Errorf("stream %T was not opened by the ffmpeg backend", stream)
	}

	if mimeType == "" {
		mimeType = NegotiateMimeType(platformDefaults, b.IsTypeSupported)
		if mimeType == "" {
			// wav needs no optional encoder and is always present
			mimeType = "audio/wav"
		}
	}
	enc, ok := encodings[strings.ToLower(strings.ReplaceAll(mimeType, " ", ""))]
	if !ok {
		return nil, fmt.Errorf("no ffmpeg mapping for %s", mimeType)
	}

	return &ffmpegEncoder{
		backend:  b,
		stream:   fs,
		mimeType: mimeType,
		args:     b.buildArgs(enc),
		events:   events,
	}, nil
}

func (b *FFmpegBackend) buildArgs(enc encoding) []string {
	input := b.cfg.Source
	if b.cfg.InputFormat == "jack" {
		input = jackClientName
	}

	args := []string{"-hide_banner", "-nostats", "-loglevel", "info", "-f", b.cfg.InputFormat}
	if b.cfg.Channels > 0 {
		args = append(args, "-ac", strconv.Itoa(b.cfg.Channels))
	}
	args = append(args, "-i", input)
	if b.cfg.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(b.cfg.SampleRate))
	}
	args = append(args,
		"-af", "astats=metadata=1:reset=1,ametadata=mode=print:key="+levelKey,
		"-c:a", enc.codec,
	)
	args = append(args, enc.extra...)
	args = append(args, "-f", enc.muxer, "pipe:1")
	return args
}

// ffmpegStream is the acquired capture source.
type ffmpegStream struct {
	source string
	track  *processTrack
	level  atomic.Uint64
}

func (s *ffmpegStream) Tracks() []Track { return []Track{s.track} }

// Level returns the last RMS level reported by ffmpeg, scaled to [0, 1].
func (s *ffmpegStream) Level() float64 {
	return math.Float64frombits(s.level.Load())
}

func (s *ffmpegStream) setLevel(db float64) {
	// -60 dBFS and below renders as silence
	level := (db + 60) / 60
	if math.IsNaN(level) || level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	s.level.Store(math.Float64bits(level))
}

// processTrack releases the capture process. Stop is idempotent.
type processTrack struct {
	id string

	mu      sync.Mutex
	cmd     *exec.Cmd
	exited  bool
	stopped bool
}

func (t *processTrack) ID() string { return t.id }

func (t *processTrack) attach(cmd *exec.Cmd) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cmd = cmd
	if t.stopped && cmd.Process != nil {
		cmd.Process.Kill()
	}
}

func (t *processTrack) markExited() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exited = true
}

func (t *processTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	if t.cmd != nil && t.cmd.Process != nil && !t.exited {
		slog.Debug("Killing capture process on release", "track", t.id)
		t.cmd.Process.Kill()
	}
}

// ffmpegEncoder runs ffmpeg and turns its stdout into chunk events.
type ffmpegEncoder struct {
	backend  *FFmpegBackend
	stream   *ffmpegStream
	mimeType string
	args     []string
	events   EncoderEvents

	mu            sync.Mutex
	cmd           *exec.Cmd
	stopRequested bool
	stderrTail    []string
}

func (e *ffmpegEncoder) MimeType() string { return e.mimeType }

func (e *ffmpegEncoder) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cmd != nil {
		return fmt.Errorf("encoder already started")
	}

	cmd := exec.Command(e.backend.cfg.FFmpegPath, e.args...)
	cmd.Env = append(os.Environ(), "PIPEWIRE_LATENCY=256/48000")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	slog.Info("Starting ffmpeg capture", "command", e.backend.cfg.FFmpegPath+" "+strings.Join(e.args, " "))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	e.cmd = cmd
	e.stream.track.attach(cmd)

	stderrDone := make(chan struct{})
	go e.readStderr(stderr, stderrDone)
	go e.pump(stdout, stderrDone)

	if e.backend.cfg.InputFormat == "jack" {
		go e.connectJack()
	}
	return nil
}

// pump forwards stdout chunks in order, then reports how ffmpeg ended.
// OnStop fires only after the last chunk was delivered.
func (e *ffmpegEncoder) pump(stdout io.Reader, stderrDone <-chan struct{}) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 && e.events.OnData != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			e.events.OnData(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("ffmpeg stdout read ended", "error", err)
			}
			break
		}
	}

	<-stderrDone
	waitErr := e.cmd.Wait()
	e.stream.track.markExited()

	e.mu.Lock()
	stopRequested := e.stopRequested
	tail := strings.Join(e.stderrTail, "\n")
	e.mu.Unlock()

	if stopRequested && isGracefulExit(waitErr) {
		slog.Debug("ffmpeg finalized")
		if e.events.OnStop != nil {
			e.events.OnStop()
		}
		return
	}

	err := fmt.Errorf("%w: ffmpeg exited unexpectedly: %v", ErrHardwareLost, waitErr)
	slog.Debug("ffmpeg stderr", "output", tail)
	if e.events.OnError != nil {
		e.events.OnError(err)
	}
}

// isGracefulExit treats interrupt-driven exits as normal termination.
func isGracefulExit(err error) bool {
	if err == nil {
		return true
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	// 255 is what ffmpeg returns after SIGINT
	if exitErr.ExitCode() == 255 {
		return true
	}
	if exitErr.ProcessState != nil {
		state := exitErr.ProcessState.String()
		return state == "signal: interrupt" || state == "signal: killed"
	}
	return false
}

func (e *ffmpegEncoder) readStderr(stderr io.Reader, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if db, ok := parseLevelLine(line); ok {
			e.stream.setLevel(db)
			continue
		}
		e.mu.Lock()
		e.stderrTail = append(e.stderrTail, line)
		if len(e.stderrTail) > 20 {
			e.stderrTail = e.stderrTail[1:]
		}
		e.mu.Unlock()
	}
}

// parseLevelLine extracts the RMS level from an ametadata print line.
func parseLevelLine(line string) (float64, bool) {
	idx := strings.Index(line, levelKey+"=")
	if idx < 0 {
		return 0, false
	}
	value := strings.TrimSpace(line[idx+len(levelKey)+1:])
	if value == "-inf" {
		return math.Inf(-1), true
	}
	db, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}
	return db, true
}

// Stop asks ffmpeg to flush and close the container. If it does not exit
// within the stop timeout it is killed.
func (e *ffmpegEncoder) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cmd == nil || e.cmd.Process == nil {
		return fmt.Errorf("encoder not started")
	}
	if e.stopRequested {
		return nil
	}
	e.stopRequested = true

	slog.Debug("Sending SIGINT to ffmpeg process")
	if err := e.cmd.Process.Signal(os.Interrupt); err != nil {
		slog.Debug("Failed to interrupt ffmpeg, killing", "error", err)
		e.cmd.Process.Kill()
		return nil
	}

	process := e.cmd.Process
	track := e.stream.track
	time.AfterFunc(e.backend.cfg.StopTimeout, func() {
		track.mu.Lock()
		exited := track.exited
		track.mu.Unlock()
		if !exited {
			slog.Warn("ffmpeg did not exit within timeout, force killing")
			process.Kill()
		}
	})
	return nil
}

func (e *ffmpegEncoder) connectJack() {
	for i := 1; i <= max(e.backend.cfg.Channels, 1); i++ {
		dest := fmt.Sprintf("%s:input_%d", jackClientName, i)
		if err := e.backend.pipewire.ConnectPortsWithRetry(e.stream.source, dest, 10, 200*time.Millisecond); err != nil {
			slog.Error("Failed to connect capture source", "source", e.stream.source, "dest", dest, "error", err)
		}
	}
}
