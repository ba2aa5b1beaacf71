package audio

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sessionFixture struct {
	backend    *fakeBackend
	ticker     *manualTicker
	visualizer *fakeVisualizer
	alerts     *alerts
	done       *completions
	session    *Session
}

func newSessionFixture(t *testing.T, backend *fakeBackend, mutate func(*SessionOptions)) *sessionFixture {
	t.Helper()

	f := &sessionFixture{
		backend:    backend,
		ticker:     newManualTicker(),
		visualizer: &fakeVisualizer{},
		alerts:     &alerts{},
		done:       &completions{},
	}
	opts := SessionOptions{
		MimePreferences: []string{"audio/mp4", "audio/webm;codecs=opus", "audio/webm"},
		Visualizer:      f.visualizer,
		Notifier:        f.alerts,
	}
	opts.Tracker = NewDurationTracker(0, f.ticker.factory())
	if mutate != nil {
		mutate(&opts)
	}
	f.session = NewSession(backend, f.done.record, opts)
	return f
}

func TestSession_HappyPathAssemblesArtifact(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	backend.reportedMime = "audio/webm"
	f := newSessionFixture(t, backend, nil)

	require.NoError(t, f.session.Start(context.Background()))
	assert.Equal(t, StateArmed, f.session.State())
	assert.Equal(t, "audio/webm", f.session.EncodingType())

	enc := backend.lastEncoder()
	assert.Equal(t, int32(1), enc.starts.Load())
	assert.Equal(t, int32(1), f.visualizer.begins.Load())

	enc.emit(make([]byte, 10))
	f.ticker.tick()
	enc.emit(make([]byte, 20))
	f.ticker.tick()
	enc.emit(make([]byte, 5))
	f.ticker.tick()

	require.NoError(t, f.session.Stop())
	assert.Equal(t, StateStopping, f.session.State())
	assert.Empty(t, f.done.all(), "artifact must wait for finalization")

	enc.finalize()

	got := f.done.all()
	require.Len(t, got, 1)
	assert.Equal(t, 35, got[0].Size())
	assert.Equal(t, "audio/webm", got[0].MimeType)
	assert.Equal(t, 3, got[0].DurationSeconds)

	assert.Equal(t, StateStopped, f.session.State())
	assert.Equal(t, 1, backend.lastStream().totalStops())
	assert.Equal(t, int32(1), f.visualizer.ends.Load())
	assert.NoError(t, f.session.Err())

	select {
	case <-f.session.Done():
	default:
		t.Fatal("done channel should be closed after finalization")
	}
}

func TestSession_ChunkOrderPreserved(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	f := newSessionFixture(t, backend, nil)

	require.NoError(t, f.session.Start(context.Background()))
	enc := backend.lastEncoder()
	enc.emit([]byte("ab"))
	enc.emit(nil)
	enc.emit([]byte{})
	enc.emit([]byte("cd"))
	require.NoError(t, f.session.Stop())
	enc.emit([]byte("ef"))
	enc.finalize()

	got := f.done.all()
	require.Len(t, got, 1)
	assert.Equal(t, []byte("abcdef"), got[0].Data)
}

func TestSession_ChunkBufferIsCopied(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	f := newSessionFixture(t, backend, nil)

	require.NoError(t, f.session.Start(context.Background()))
	enc := backend.lastEncoder()
	buf := []byte("xyz")
	enc.emit(buf)
	buf[0] = 'Q'
	require.NoError(t, f.session.Stop())
	enc.finalize()

	assert.Equal(t, []byte("xyz"), f.done.all()[0].Data)
}

func TestSession_FinalChunkFlushedDuringStop(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	f := newSessionFixture(t, backend, nil)

	require.NoError(t, f.session.Start(context.Background()))
	enc := backend.lastEncoder()
	enc.finalizeOnStop = true
	enc.lastChunk = []byte("tail")
	enc.emit([]byte("head-"))

	require.NoError(t, f.session.Stop())

	got := f.done.all()
	require.Len(t, got, 1)
	assert.Equal(t, []byte("head-tail"), got[0].Data)
}

func TestSession_EmptyCaptureStillCompletes(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	f := newSessionFixture(t, backend, nil)

	require.NoError(t, f.session.Start(context.Background()))
	require.NoError(t, f.session.Stop())
	backend.lastEncoder().finalize()

	got := f.done.all()
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].Size())
	assert.NotNil(t, got[0].Data)
	assert.Equal(t, 0, got[0].DurationSeconds)
}

func TestSession_StopWhileIdleIsNoop(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	f := newSessionFixture(t, backend, nil)

	assert.NoError(t, f.session.Stop())
	assert.NoError(t, f.session.Stop())
	assert.Equal(t, StateIdle, f.session.State())
	assert.Empty(t, f.done.all())
	assert.Empty(t, backend.streams)
}

func TestSession_RepeatedStopIsNoop(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	f := newSessionFixture(t, backend, nil)

	require.NoError(t, f.session.Start(context.Background()))
	require.NoError(t, f.session.Stop())
	require.NoError(t, f.session.Stop())
	enc := backend.lastEncoder()
	assert.Equal(t, int32(1), enc.stops.Load())

	enc.finalize()
	require.NoError(t, f.session.Stop())
	assert.Len(t, f.done.all(), 1)
}

func TestSession_DuplicateFinalizeDeliversOnce(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	f := newSessionFixture(t, backend, nil)

	require.NoError(t, f.session.Start(context.Background()))
	require.NoError(t, f.session.Stop())
	enc := backend.lastEncoder()
	enc.finalize()
	enc.finalize()

	assert.Len(t, f.done.all(), 1)
	assert.Equal(t, 1, backend.lastStream().totalStops())
}

func TestSession_StartTwiceRejected(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	f := newSessionFixture(t, backend, nil)

	require.NoError(t, f.session.Start(context.Background()))
	err := f.session.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ARMED")
	assert.Len(t, backend.streams, 1)
	f.session.Dispose()
}

func TestSession_PermissionDenied(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	backend.openErr = fmt.Errorf("%w: prompt dismissed", ErrPermissionDenied)
	f := newSessionFixture(t, backend, nil)

	err := f.session.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	assert.Equal(t, StateIdle, f.session.State())
	assert.Equal(t, []string{PermissionDeniedMessage}, f.alerts.all())
	assert.Empty(t, f.done.all())
	assert.False(t, f.session.Tracker().Armed())
	assert.Equal(t, int32(0), f.visualizer.begins.Load())

	// Stop after a refusal stays a no-op.
	assert.NoError(t, f.session.Stop())
	assert.Equal(t, StateIdle, f.session.State())
}

func TestSession_OtherOpenFailureDoesNotAlert(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	backend.openErr = errors.New("device busy")
	f := newSessionFixture(t, backend, nil)

	require.Error(t, f.session.Start(context.Background()))
	assert.Empty(t, f.alerts.all())
	assert.Equal(t, StateIdle, f.session.State())
}

func TestSession_EncoderCreationFailureReleasesTracks(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	backend.encoderErr = errors.New("no codec")
	backend.trackCount = 2
	f := newSessionFixture(t, backend, nil)

	err := f.session.Start(context.Background())
	assert.ErrorIs(t, err, ErrEncoderUnavailable)
	assert.Equal(t, StateIdle, f.session.State())
	assert.Equal(t, 2, backend.lastStream().totalStops())
}

func TestSession_NegotiatedEncodingReachesEncoder(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	f := newSessionFixture(t, backend, nil)

	require.NoError(t, f.session.Start(context.Background()))
	assert.Equal(t, []string{"audio/webm"}, backend.negotiated)

	require.NoError(t, f.session.Stop())
	backend.lastEncoder().finalize()

	// The encoder reports nothing, so the negotiated type labels the artifact.
	assert.Equal(t, "audio/webm", f.done.all()[0].MimeType)
}

func TestSession_NoNegotiationUsesFallback(t *testing.T) {
	backend := newFakeBackend()
	f := newSessionFixture(t, backend, func(o *SessionOptions) {
		o.FallbackMime = "audio/ogg"
	})

	require.NoError(t, f.session.Start(context.Background()))
	assert.Equal(t, []string{""}, backend.negotiated)
	assert.Equal(t, "", f.session.EncodingType())

	require.NoError(t, f.session.Stop())
	backend.lastEncoder().finalize()
	assert.Equal(t, "audio/ogg", f.done.all()[0].MimeType)
}

func TestSession_DefaultFallbackIsWebm(t *testing.T) {
	backend := newFakeBackend()
	f := newSessionFixture(t, backend, nil)

	require.NoError(t, f.session.Start(context.Background()))
	require.NoError(t, f.session.Stop())
	backend.lastEncoder().finalize()
	assert.Equal(t, FallbackMimeType, f.done.all()[0].MimeType)
}

func TestSession_ReportedMimeWins(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	backend.reportedMime = "audio/webm;codecs=opus"
	f := newSessionFixture(t, backend, nil)

	require.NoError(t, f.session.Start(context.Background()))
	require.NoError(t, f.session.Stop())
	backend.lastEncoder().finalize()
	assert.Equal(t, "audio/webm;codecs=opus", f.done.all()[0].MimeType)
}

func TestSession_HardwareLossWhileArmed(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	f := newSessionFixture(t, backend, nil)

	require.NoError(t, f.session.Start(context.Background()))
	enc := backend.lastEncoder()
	enc.emit([]byte("partial"))
	f.ticker.tick()
	enc.lose(errors.New("device unplugged"))

	assert.Equal(t, StateStopped, f.session.State())
	assert.ErrorIs(t, f.session.Err(), ErrHardwareLost)
	assert.Empty(t, f.done.all())
	assert.Equal(t, 1, backend.lastStream().totalStops())
	assert.Equal(t, int32(1), f.visualizer.ends.Load())
	assert.False(t, f.session.Tracker().Armed())
	assert.Empty(t, f.alerts.all())

	// Late events from the dead encoder are ignored.
	enc.emit([]byte("more"))
	enc.finalize()
	assert.Empty(t, f.done.all())
}

func TestSession_UnrequestedFinalizeIsHardwareLoss(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	f := newSessionFixture(t, backend, nil)

	require.NoError(t, f.session.Start(context.Background()))
	backend.lastEncoder().finalize()

	assert.Equal(t, StateStopped, f.session.State())
	assert.ErrorIs(t, f.session.Err(), ErrHardwareLost)
	assert.Empty(t, f.done.all())
}

func TestSession_FinalizeRequestFailure(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	f := newSessionFixture(t, backend, nil)

	require.NoError(t, f.session.Start(context.Background()))
	backend.lastEncoder().stopErr = errors.New("pipe closed")

	err := f.session.Stop()
	assert.ErrorIs(t, err, ErrHardwareLost)
	assert.Equal(t, StateStopped, f.session.State())
	assert.Equal(t, 1, backend.lastStream().totalStops())
	assert.Empty(t, f.done.all())
}

func TestSession_EncoderStartFailure(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	backend.startErr = errors.New("spawn failed")
	f := newSessionFixture(t, backend, nil)

	err := f.session.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateStopped, f.session.State())
	assert.ErrorIs(t, f.session.Err(), ErrEncoderUnavailable)
	assert.Equal(t, 1, backend.lastStream().totalStops())
}

func TestSession_CompletionPanicStillReleases(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	f := newSessionFixture(t, backend, nil)
	f.session.onComplete = func(Artifact) { panic("handler bug") }

	require.NoError(t, f.session.Start(context.Background()))
	require.NoError(t, f.session.Stop())
	assert.NotPanics(t, func() { backend.lastEncoder().finalize() })

	assert.Equal(t, StateStopped, f.session.State())
	assert.Equal(t, 1, backend.lastStream().totalStops())
	assert.Equal(t, int32(1), f.visualizer.ends.Load())
}

func TestSession_VisualizerPanicDoesNotBreakCapture(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	f := newSessionFixture(t, backend, nil)
	f.visualizer.panicBegin = true

	require.NoError(t, f.session.Start(context.Background()))
	assert.Equal(t, StateArmed, f.session.State())

	require.NoError(t, f.session.Stop())
	backend.lastEncoder().finalize()
	assert.Len(t, f.done.all(), 1)
}

func TestSession_DisposeWhileArmed(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	f := newSessionFixture(t, backend, nil)

	require.NoError(t, f.session.Start(context.Background()))
	enc := backend.lastEncoder()
	enc.finalizeOnStop = true
	enc.emit([]byte("unsaved"))

	f.session.Dispose()
	f.session.Dispose()

	assert.Equal(t, StateStopped, f.session.State())
	assert.Equal(t, int32(1), enc.stops.Load())
	assert.Equal(t, 1, backend.lastStream().totalStops())
	assert.False(t, f.session.Tracker().Armed())
	assert.Empty(t, f.done.all(), "disposal never delivers an artifact")

	assert.ErrorIs(t, f.session.Start(context.Background()), ErrSessionClosed)
}

func TestSession_DisposeWhileStoppingSuppressesCompletion(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	f := newSessionFixture(t, backend, nil)

	require.NoError(t, f.session.Start(context.Background()))
	require.NoError(t, f.session.Stop())
	f.session.Dispose()
	backend.lastEncoder().finalize()

	assert.Empty(t, f.done.all())
	assert.Equal(t, 1, backend.lastStream().totalStops())
}

func TestSession_DisposeAfterCompletion(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	f := newSessionFixture(t, backend, nil)

	require.NoError(t, f.session.Start(context.Background()))
	require.NoError(t, f.session.Stop())
	backend.lastEncoder().finalize()
	f.session.Dispose()

	assert.Len(t, f.done.all(), 1)
	assert.Equal(t, 1, backend.lastStream().totalStops())
}

func TestSession_DisposeWhileIdle(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	f := newSessionFixture(t, backend, nil)

	assert.NotPanics(t, f.session.Dispose)
	assert.Equal(t, StateIdle, f.session.State())
	assert.ErrorIs(t, f.session.Start(context.Background()), ErrSessionClosed)
}

// startBlocked runs Start in the background and returns once the session
// is inside Visualizer.Begin.
func startBlocked(t *testing.T, f *sessionFixture, vis *blockingVisualizer) <-chan error {
	t.Helper()
	startErr := make(chan error, 1)
	go func() { startErr <- f.session.Start(context.Background()) }()
	select {
	case <-vis.entered:
	case <-time.After(time.Second):
		t.Fatal("Start never reached the visualizer")
	}
	return startErr
}

func TestSession_StopDuringStartAppliedOnceArmed(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	vis := newBlockingVisualizer()
	f := newSessionFixture(t, backend, func(o *SessionOptions) { o.Visualizer = vis })

	startErr := startBlocked(t, f, vis)
	enc := backend.lastEncoder()
	enc.requireStart = true
	enc.finalizeOnStop = true

	assert.Equal(t, StateIdle, f.session.State())
	require.NoError(t, f.session.Stop())
	close(vis.proceed)
	require.NoError(t, <-startErr)

	assert.Equal(t, StateStopped, f.session.State())
	assert.NoError(t, f.session.Err())
	assert.Equal(t, int32(1), enc.starts.Load())
	assert.Equal(t, int32(1), enc.stops.Load())
	assert.Len(t, f.done.all(), 1)
	assert.Equal(t, []string{"begin", "end"}, vis.order())
	assert.False(t, f.session.Tracker().Armed())
	assert.Equal(t, 1, backend.lastStream().totalStops())
}

func TestSession_DisposeDuringStart(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	vis := newBlockingVisualizer()
	f := newSessionFixture(t, backend, func(o *SessionOptions) { o.Visualizer = vis })

	startErr := startBlocked(t, f, vis)
	enc := backend.lastEncoder()

	f.session.Dispose()
	assert.Equal(t, 0, backend.lastStream().totalStops(), "Start owns the teardown")
	close(vis.proceed)

	assert.ErrorIs(t, <-startErr, ErrSessionClosed)
	assert.Equal(t, StateStopped, f.session.State())
	assert.Equal(t, int32(1), enc.stops.Load())
	assert.Equal(t, 1, backend.lastStream().totalStops())
	assert.Equal(t, []string{"begin", "end"}, vis.order())
	assert.False(t, f.session.Tracker().Armed())
	assert.Empty(t, f.done.all())

	select {
	case <-f.session.Done():
	default:
		t.Fatal("session not marked done")
	}
}

func TestSession_HardwareLossDuringStart(t *testing.T) {
	backend := newFakeBackend("audio/webm")
	vis := newBlockingVisualizer()
	f := newSessionFixture(t, backend, func(o *SessionOptions) { o.Visualizer = vis })

	startErr := startBlocked(t, f, vis)
	backend.lastEncoder().loseOnStart = errors.New("usb disconnect")
	close(vis.proceed)

	err := <-startErr
	assert.ErrorIs(t, err, ErrHardwareLost)
	assert.Equal(t, StateStopped, f.session.State())
	assert.ErrorIs(t, f.session.Err(), ErrHardwareLost)
	assert.Equal(t, 1, backend.lastStream().totalStops())
	assert.Equal(t, []string{"begin", "end"}, vis.order())
}

func TestSession_StreamClearedOnceReleased(t *testing.T) {
	holdsStream := func(s *Session) bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.stream != nil
	}

	backend := newFakeBackend("audio/webm")
	f := newSessionFixture(t, backend, nil)
	require.NoError(t, f.session.Start(context.Background()))
	assert.True(t, holdsStream(f.session))

	require.NoError(t, f.session.Stop())
	assert.True(t, holdsStream(f.session), "still held while stopping")
	backend.lastEncoder().finalize()
	assert.False(t, holdsStream(f.session))

	lost := newSessionFixture(t, backend, nil)
	require.NoError(t, lost.session.Start(context.Background()))
	backend.lastEncoder().lose(errors.New("usb disconnect"))
	assert.False(t, holdsStream(lost.session))
}
