package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/lessoncapture/internal/summary"
)

// mimeTypes maps recording file extensions to the labels the summarizer
// expects.
var mimeTypes = map[string]string{
	".webm": "audio/webm",
	".m4a":  "audio/mp4",
	".mp4":  "audio/mp4",
	".ogg":  "audio/ogg",
	".aac":  "audio/aac",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
}

var summarizeCmd = &cobra.Command{
	Use:   "summarize [student-id] [recording]",
	Short: "Summarize an existing lesson recording",
	Long: `Send an existing recording to the summarizer and print the drafted
student recap, practice plan and parent email.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		studentID, path := args[0], args[1]

		mimeType, _ := cmd.Flags().GetString("mime")
		if mimeType == "" {
			var ok bool
			mimeType, ok = mimeTypes[strings.ToLower(filepath.Ext(path))]
			if !ok {
				return fmt.Errorf("cannot tell the format of %s, pass --mime", path)
			}
		}
		duration, _ := cmd.Flags().GetInt("duration")

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read recording: %w", err)
		}

		summarizer, err := summary.New(cmd.Context(), cfg.Summarizer)
		if err != nil {
			return fmt.Errorf("failed to create summarizer: %w", err)
		}

		rt, err := newLessonRuntime(cmd.Context(), false, nil, summarizer)
		if err != nil {
			return err
		}
		defer rt.Close()

		slog.Info("Summarizing recording", "file", path, "mime_type", mimeType, "bytes", len(data), "provider", summarizer.Name())
		lesson, err := rt.svc.SummarizeRecording(cmd.Context(), studentID, data, mimeType, duration)
		if err != nil {
			return err
		}
		if err := printLesson(lesson); err != nil {
			return err
		}

		if email, _ := cmd.Flags().GetBool("email"); email {
			composed, err := rt.svc.ParentEmail(lesson.ID)
			if err != nil {
				return fmt.Errorf("failed to compose email: %w", err)
			}
			printEmail(composed)
		}
		return nil
	},
}

func init() {
	summarizeCmd.Flags().String("mime", "", "MIME type of the recording (default from the file extension)")
	summarizeCmd.Flags().Int("duration", 0, "lesson length in seconds")
	summarizeCmd.Flags().Bool("email", false, "also print the parent email")
}
