package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/audiolibrelab/lessoncapture/internal/audio"
	"github.com/audiolibrelab/lessoncapture/internal/metrics"
	"github.com/audiolibrelab/lessoncapture/internal/play"
	"github.com/audiolibrelab/lessoncapture/internal/service"
	"github.com/audiolibrelab/lessoncapture/internal/summary"
)

const pipelineHelp = "valid: r=record, s=summary, p=play, e=email"

// lessonRuntime bundles the capture backend, the lesson service and the
// local player for one command invocation.
type lessonRuntime struct {
	svc     *service.LessonService
	backend audio.Backend
	player  *play.Player

	elapsed   atomic.Int64
	stopTicks func()
}

// newLessonRuntime builds the service from the loaded config. With meter
// set, a level bar and the elapsed time are drawn on stderr while armed. A
// nil summarizer is built from the summarizer config.
func newLessonRuntime(ctx context.Context, meter bool, m *metrics.Metrics, summarizer summary.Summarizer) (*lessonRuntime, error) {
	backend, err := audio.NewBackend(cfg.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio backend: %w", err)
	}

	rt := &lessonRuntime{backend: backend, player: play.New(os.Stdout)}

	var visualizer audio.Visualizer = audio.NopVisualizer{}
	if meter {
		visualizer = audio.NewLevelMeter(os.Stderr, cfg.Capture.VisualizerFPS).WithLabel(func() string {
			return audio.FormatElapsed(int(rt.elapsed.Load()))
		})
	}

	if summarizer == nil {
		summarizer = newSummarizer(ctx)
	}

	opts := service.Options{
		Backend:    backend,
		Summarizer: summarizer,
		Visualizer: visualizer,
		Logger:     slog.Default(),
	}
	if m != nil {
		opts.CaptureObserver = m
		opts.LessonObserver = m
	}
	rt.svc = service.New(cfg, opts)

	ticks, cancel := rt.svc.SubscribeElapsed()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case v := <-ticks:
				rt.elapsed.Store(int64(v))
			case <-done:
				return
			}
		}
	}()
	rt.stopTicks = func() {
		cancel()
		close(done)
	}
	return rt, nil
}

func (rt *lessonRuntime) Close() error {
	rt.stopTicks()
	return rt.svc.Close()
}

// newSummarizer falls back to manual review when the provider cannot be
// built, so a missing API key never blocks recording.
func newSummarizer(ctx context.Context) summary.Summarizer {
	s, err := summary.New(ctx, cfg.Summarizer)
	if err != nil {
		slog.Warn("Summarizer unavailable, lessons will wait for manual review",
			"provider", cfg.Summarizer.Provider, "error", err)
		return summary.Disabled{}
	}
	return s
}

// stopRequested closes when the user presses Enter or sends SIGINT/SIGTERM.
func stopRequested(ctx context.Context, enter bool) (<-chan struct{}, func()) {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	if !enter {
		return sigCtx.Done(), stop
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Scan()
		stop()
	}()
	return sigCtx.Done(), stop
}

// recordLesson arms the recorder for studentID, waits for the stop request
// and returns the lesson once summarizing has finished.
func recordLesson(ctx context.Context, rt *lessonRuntime, studentID string, enter bool) (service.Lesson, error) {
	student, err := rt.svc.Student(studentID)
	if err != nil {
		return service.Lesson{}, err
	}

	updates, unsubscribe := rt.svc.Subscribe()
	defer unsubscribe()

	if err := rt.svc.StartLesson(ctx, studentID); err != nil {
		if errors.Is(err, audio.ErrPermissionDenied) {
			return service.Lesson{}, fmt.Errorf("microphone access denied, check the capture source: %w", err)
		}
		return service.Lesson{}, fmt.Errorf("failed to start recording: %w", err)
	}

	hint := "Press Ctrl+C to stop"
	if enter {
		hint = "Press Enter to stop"
	}
	slog.Info("Recording lesson", "student", student.FullName, "instrument", student.Instrument)
	fmt.Fprintf(os.Stderr, "Recording %s (%s) - %s\n", student.FullName, student.Instrument, hint)

	stopCh, release := stopRequested(ctx, enter)
	defer release()

	if err := waitForStop(ctx, rt.svc, stopCh); err != nil {
		return service.Lesson{}, err
	}
	// A second Ctrl+C aborts while the summary is pending
	release()

	slog.Info("Stopping recording...")
	if err := rt.svc.StopLesson(); err != nil {
		return service.Lesson{}, fmt.Errorf("failed to stop recording: %w", err)
	}

	return waitForLesson(ctx, rt.svc, studentID, updates)
}

// waitForStop returns nil on a stop request and an error when the
// recording ended on its own.
func waitForStop(ctx context.Context, svc *service.LessonService, stopCh <-chan struct{}) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			status := svc.Status()
			if status.ActiveStudent == "" && status.Capture.State != audio.StateArmed {
				return fmt.Errorf("recording ended unexpectedly: %s", status.LastError)
			}
		}
	}
}

// waitForLesson follows lesson updates until the recording of studentID
// reaches a terminal status.
func waitForLesson(ctx context.Context, svc *service.LessonService, studentID string, updates <-chan service.Lesson) (service.Lesson, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	seen := false
	for {
		select {
		case lesson := <-updates:
			if lesson.StudentID != studentID {
				continue
			}
			seen = true
			fmt.Fprintf(os.Stderr, "\nLesson %s: %s\n", shortID(lesson.ID), lesson.Status)
			if lesson.Status.Terminal() {
				return lesson, nil
			}
		case <-ctx.Done():
			return service.Lesson{}, ctx.Err()
		case <-ticker.C:
			if seen {
				continue
			}
			status := svc.Status()
			if status.ActiveStudent == "" && status.Capture.LastError != "" {
				return service.Lesson{}, fmt.Errorf("recording failed: %s", status.Capture.LastError)
			}
		}
	}
}

// runSteps executes the pipeline steps in order. Steps other than 'r'
// work on the most recent recording of the run.
func runSteps(ctx context.Context, rt *lessonRuntime, studentID string, steps []rune, lesson *service.Lesson) error {
	for i, step := range steps {
		fmt.Printf("Pipeline: executing step %d/%d: '%c'...\n", i+1, len(steps), step)

		if step != 'r' && lesson == nil {
			return fmt.Errorf("step '%c' needs a recording, add 'r' before it", step)
		}

		switch step {
		case 'r':
			recorded, err := recordLesson(ctx, rt, studentID, true)
			if err != nil {
				return fmt.Errorf("pipeline record failed: %w", err)
			}
			lesson = &recorded
			fmt.Println("Pipeline: recording completed")

		case 's':
			if lesson.Status == service.StatusFailed {
				data, mimeType, err := rt.svc.Audio(lesson.ID)
				if err != nil {
					return fmt.Errorf("pipeline summary failed: %w", err)
				}
				fmt.Println("Pipeline: retrying summary...")
				retried, err := rt.svc.SummarizeRecording(ctx, studentID, data, mimeType, lesson.DurationSec)
				if err != nil {
					return fmt.Errorf("pipeline summary failed: %w", err)
				}
				lesson = &retried
			}
			if err := printLesson(*lesson); err != nil {
				return err
			}

		case 'p':
			data, mimeType, err := rt.svc.Audio(lesson.ID)
			if err != nil {
				return fmt.Errorf("pipeline play failed: %w", err)
			}
			if err := rt.player.PlayArtifact(ctx, data, mimeType); err != nil {
				return fmt.Errorf("pipeline play failed: %w", err)
			}
			fmt.Println("Pipeline: playback completed")

		case 'e':
			email, err := rt.svc.ParentEmail(lesson.ID)
			if err != nil {
				return fmt.Errorf("pipeline email failed: %w", err)
			}
			printEmail(email)

		default:
			return fmt.Errorf("unknown pipeline step: '%c' (%s)", step, pipelineHelp)
		}
	}

	return nil
}

// stepsAfter returns the pipeline steps following startStep.
func stepsAfter(startStep rune) ([]rune, error) {
	if pipeline == "" {
		return nil, nil
	}

	steps := []rune(strings.ToLower(pipeline))

	// Find the starting position in the pipeline
	for i, step := range steps {
		if step == startStep {
			return steps[i+1:], nil
		}
	}
	return nil, fmt.Errorf("step '%c' not found in pipeline '%s'", startStep, pipeline)
}

func validatePipeline() error {
	if pipeline == "" {
		return nil
	}

	validSteps := map[rune]bool{
		'r': true, // record
		's': true, // summary
		'p': true, // play
		'e': true, // email
	}

	steps := []rune(strings.ToLower(pipeline))
	for _, step := range steps {
		if !validSteps[step] {
			return fmt.Errorf("invalid pipeline step: '%c' (%s)", step, pipelineHelp)
		}
	}

	return nil
}

func printLesson(lesson service.Lesson) error {
	fmt.Printf("\nLesson:   %s\n", lesson.ID)
	fmt.Printf("Date:     %s\n", lesson.Date.Format("2006-01-02 15:04"))
	fmt.Printf("Duration: %s\n", audio.FormatElapsed(lesson.DurationSec))
	fmt.Printf("Audio:    %s (%s)\n", lesson.AudioSizeHuman, lesson.MimeType)
	if lesson.AudioPath != "" {
		fmt.Printf("Saved to: %s\n", lesson.AudioPath)
	}
	fmt.Printf("Status:   %s\n", lesson.Status)

	switch {
	case lesson.Status == service.StatusFailed:
		return fmt.Errorf("lesson summary failed: %s", lesson.Error)
	case lesson.Outputs == nil || lesson.Outputs.StudentRecap == "":
		fmt.Println("\nNo summary was generated, write the review manually.")
		return nil
	}

	fmt.Printf("\n== Student recap ==\n%s\n", lesson.Outputs.StudentRecap)
	fmt.Printf("\n== Practice plan ==\n%s\n", lesson.Outputs.PracticePlan)
	fmt.Printf("\n== Parent email ==\n%s\n", lesson.Outputs.ParentEmail)
	return nil
}

func printEmail(email *service.Email) {
	fmt.Printf("\nTo:      %s\n", email.To)
	fmt.Printf("Subject: %s\n\n", email.Subject)
	fmt.Println(email.Body)
	fmt.Printf("\nOpen in mail client: %s\n", email.MailtoURL)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
