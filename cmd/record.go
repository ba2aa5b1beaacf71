package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record [student-id]",
	Short: "Record a lesson and summarize it",
	Long: `Record a lesson from the configured capture source. Press Ctrl+C to stop.
The recording is then sent to the summarizer and the drafted recap, practice
plan and parent email are printed for review.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		studentID := args[0]
		slog.Info("Record command started", "student_id", studentID)

		rt, err := newLessonRuntime(cmd.Context(), true, nil, nil)
		if err != nil {
			return err
		}
		defer rt.Close()

		lesson, err := recordLesson(cmd.Context(), rt, studentID, false)
		if err != nil {
			return err
		}
		if err := printLesson(lesson); err != nil {
			return err
		}

		// Execute pipeline if specified
		steps, err := stepsAfter('r')
		if err != nil {
			return fmt.Errorf("record: %w", err)
		}
		return runSteps(cmd.Context(), rt, studentID, steps, &lesson)
	},
}
