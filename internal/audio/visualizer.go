package audio

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Visualizer consumes a live stream for display only. Begin must not block
// and End must be idempotent.
type Visualizer interface {
	Begin(stream Stream)
	End()
}

// NopVisualizer draws nothing. Used by headless surfaces.
type NopVisualizer struct{}

func (NopVisualizer) Begin(Stream) {}
func (NopVisualizer) End()         {}

// LevelMeter redraws a one-line input level bar at a fixed frame rate.
type LevelMeter struct {
	out   io.Writer
	fps   int
	width int
	label func() string

	mu     sync.Mutex
	cancel chan struct{}
	done   chan struct{}
	frames int
}

// NewLevelMeter creates a meter writing to out. fps <= 0 means 15.
func NewLevelMeter(out io.Writer, fps int) *LevelMeter {
	if fps <= 0 {
		fps = 15
	}
	if out == nil {
		out = io.Discard
	}
	return &LevelMeter{out: out, fps: fps, width: 30}
}

// WithLabel appends label() after the bar on every frame.
func (m *LevelMeter) WithLabel(label func() string) *LevelMeter {
	m.label = label
	return m
}

// Begin starts the redraw loop. Streams without a LevelReader render an
// empty bar. A Begin while running restarts the loop on the new stream.
func (m *LevelMeter) Begin(stream Stream) {
	m.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	reader, _ := stream.(LevelReader)
	m.cancel = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(reader, m.cancel, m.done)
}

// End stops the redraw loop and clears the line. Safe to call repeatedly.
func (m *LevelMeter) End() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	close(cancel)
	<-done
	fmt.Fprint(m.out, "\r\033[K")
}

// Frames reports how many frames have been drawn.
func (m *LevelMeter) Frames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

func (m *LevelMeter) loop(reader LevelReader, cancel <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Level meter stopped after panic", "panic", r)
		}
	}()

	ticker := time.NewTicker(time.Second / time.Duration(m.fps))
	defer ticker.Stop()

	for {
		select {
		case <-cancel:
			return
		case <-ticker.C:
			level := 0.0
			if reader != nil {
				level = reader.Level()
			}
			line := renderBar(level, m.width)
			if m.label != nil {
				line += " " + m.label()
			}
			fmt.Fprintf(m.out, "\r%s", line)
			m.mu.Lock()
			m.frames++
			m.mu.Unlock()
		}
	}
}

func renderBar(level float64, width int) string {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	filled := int(level*float64(width) + 0.5)
	return "[" + strings.Repeat("#", filled) + strings.Repeat(" ", width-filled) + "]"
}

// safeVisualizer shields capture from visualizer panics.
type safeVisualizer struct {
	inner  Visualizer
	logger *slog.Logger
}

func (v safeVisualizer) Begin(stream Stream) {
	defer v.guard("begin")
	v.inner.Begin(stream)
}

func (v safeVisualizer) End() {
	defer v.guard("end")
	v.inner.End()
}

func (v safeVisualizer) guard(op string) {
	if r := recover(); r != nil {
		v.logger.Error("Visualizer panicked", "op", op, "panic", r)
	}
}
