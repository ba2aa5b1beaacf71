package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type manualTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func newManualTicker() *manualTicker {
	return &manualTicker{ch: make(chan time.Time)}
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }
func (t *manualTicker) Stop()               { t.stopped.Store(true) }

// tick blocks until the tracker loop has received the tick.
func (t *manualTicker) tick() { t.ch <- time.Now() }

func (t *manualTicker) ticks(n int) {
	for i := 0; i < n; i++ {
		t.tick()
	}
}

func (t *manualTicker) factory() TickerFunc {
	return func(time.Duration) Ticker { return t }
}

type fakeTrack struct {
	id    string
	stops atomic.Int32
}

func (t *fakeTrack) ID() string { return t.id }
func (t *fakeTrack) Stop()      { t.stops.Add(1) }

type fakeStream struct {
	tracks []*fakeTrack
}

func (s *fakeStream) Tracks() []Track {
	out := make([]Track, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

func (s *fakeStream) totalStops() int {
	total := 0
	for _, t := range s.tracks {
		total += int(t.stops.Load())
	}
	return total
}

type fakeEncoder struct {
	mimeType string
	events   EncoderEvents
	startErr error
	stopErr  error

	// finalizeOnStop makes Stop flush one last chunk and fire OnStop synchronously.
	finalizeOnStop bool
	lastChunk      []byte
	// requireStart makes Stop fail like ffmpeg does before the process runs.
	requireStart bool
	// loseOnStart fires OnError from inside Start.
	loseOnStart error

	starts atomic.Int32
	stops  atomic.Int32
}

func (e *fakeEncoder) Start() error {
	e.starts.Add(1)
	if e.loseOnStart != nil {
		e.events.OnError(e.loseOnStart)
	}
	return e.startErr
}

func (e *fakeEncoder) Stop() error {
	e.stops.Add(1)
	if e.requireStart && e.starts.Load() == 0 {
		return errors.New("encoder not started")
	}
	if e.stopErr != nil {
		return e.stopErr
	}
	if e.finalizeOnStop {
		if len(e.lastChunk) > 0 {
			e.events.OnData(e.lastChunk)
		}
		e.events.OnStop()
	}
	return nil
}

func (e *fakeEncoder) MimeType() string { return e.mimeType }

func (e *fakeEncoder) emit(chunk []byte) { e.events.OnData(chunk) }
func (e *fakeEncoder) finalize()         { e.events.OnStop() }
func (e *fakeEncoder) lose(err error)    { e.events.OnError(err) }

type fakeBackend struct {
	supported    map[string]bool
	openErr      error
	encoderErr   error
	startErr     error
	reportedMime string
	trackCount   int

	mu         sync.Mutex
	streams    []*fakeStream
	encoders   []*fakeEncoder
	negotiated []string
}

func newFakeBackend(supported ...string) *fakeBackend {
	b := &fakeBackend{supported: make(map[string]bool), trackCount: 1}
	for _, mime := range supported {
		b.supported[mime] = true
	}
	return b
}

func (b *fakeBackend) OpenStream(ctx context.Context) (Stream, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	stream := &fakeStream{}
	for i := 0; i < b.trackCount; i++ {
		stream.tracks = append(stream.tracks, &fakeTrack{id: fmt.Sprintf("track-%d", i)})
	}
	b.streams = append(b.streams, stream)
	return stream, nil
}

func (b *fakeBackend) IsTypeSupported(mimeType string) bool {
	return b.supported[mimeType]
}

func (b *fakeBackend) NewEncoder(stream Stream, mimeType string, events EncoderEvents) (Encoder, error) {
	if b.encoderErr != nil {
		return nil, b.encoderErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	enc := &fakeEncoder{mimeType: b.reportedMime, events: events, startErr: b.startErr}
	b.encoders = append(b.encoders, enc)
	b.negotiated = append(b.negotiated, mimeType)
	return enc, nil
}

func (b *fakeBackend) ListSources() ([]string, error) { return []string{"fake:mic"}, nil }
func (b *fakeBackend) GetType() BackendType            { return BackendType("fake") }

func (b *fakeBackend) lastStream() *fakeStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams[len(b.streams)-1]
}

func (b *fakeBackend) lastEncoder() *fakeEncoder {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.encoders[len(b.encoders)-1]
}

type fakeVisualizer struct {
	begins     atomic.Int32
	ends       atomic.Int32
	panicBegin bool
}

func (v *fakeVisualizer) Begin(Stream) {
	v.begins.Add(1)
	if v.panicBegin {
		panic("visualizer exploded")
	}
}

func (v *fakeVisualizer) End() { v.ends.Add(1) }

// blockingVisualizer holds Begin until proceed is closed.
type blockingVisualizer struct {
	entered chan struct{}
	proceed chan struct{}

	mu    sync.Mutex
	calls []string
}

func newBlockingVisualizer() *blockingVisualizer {
	return &blockingVisualizer{entered: make(chan struct{}), proceed: make(chan struct{})}
}

func (v *blockingVisualizer) Begin(Stream) {
	v.record("begin")
	close(v.entered)
	<-v.proceed
}

func (v *blockingVisualizer) End() { v.record("end") }

func (v *blockingVisualizer) record(call string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, call)
}

func (v *blockingVisualizer) order() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.calls...)
}

type completions struct {
	mu        sync.Mutex
	artifacts []Artifact
}

func (c *completions) record(a Artifact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.artifacts = append(c.artifacts, a)
}

func (c *completions) all() []Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Artifact(nil), c.artifacts...)
}

type alerts struct {
	mu       sync.Mutex
	messages []string
}

func (a *alerts) Alert(message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, message)
}

func (a *alerts) all() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.messages...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
