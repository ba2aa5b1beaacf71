package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/lessoncapture/internal/metrics"
	"github.com/audiolibrelab/lessoncapture/internal/server"
	"github.com/audiolibrelab/lessoncapture/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the LessonCapture web server to control recording from a browser.
This allows you to start and stop lessons from a tablet or phone on the same
network, review the drafted material and fetch the parent email.

The server will display the local network URL for easy access from mobile devices.
Prometheus metrics are exposed on /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if port, _ := cmd.Flags().GetString("port"); port != "" {
			cfg.Server.Port = port
		}
		if host, _ := cmd.Flags().GetString("host"); host != "" {
			cfg.Server.Host = host
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		m := metrics.NewMetrics()
		rt, err := newLessonRuntime(ctx, false, m, nil)
		if err != nil {
			return err
		}
		defer rt.Close()

		srv := server.New(rt.svc, cfg, rt.backend, m)
		slog.Info("LessonCapture web server starting",
			"host", cfg.Server.Host, "port", cfg.Server.Port, "config", cfgFile, "students", len(cfg.Students))

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := srv.Start(gctx); err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			logLessonUpdates(gctx, rt.svc)
			return nil
		})

		return g.Wait()
	},
}

// logLessonUpdates reports lessons that are ready for the teacher.
func logLessonUpdates(ctx context.Context, svc *service.LessonService) {
	updates, cancel := svc.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case lesson := <-updates:
			switch lesson.Status {
			case service.StatusReadyReview:
				slog.Info("Lesson ready for review", "lesson_id", lesson.ID, "student_id", lesson.StudentID)
			case service.StatusFailed:
				slog.Warn("Lesson summary failed", "lesson_id", lesson.ID, "student_id", lesson.StudentID, "error", lesson.Error)
			}
		}
	}
}

func init() {
	serveCmd.Flags().String("port", "", "port for the web server (overrides server.port)")
	serveCmd.Flags().String("host", "", "listen address (overrides server.host)")
}
