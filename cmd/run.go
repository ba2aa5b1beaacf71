package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [student-id]",
	Short: "Execute pipeline steps for a student's lesson",
	Long: `Execute the specified pipeline steps for a student's lesson. Use -p to specify which steps to run:

  r  record the lesson (press Enter to stop); the recording is summarized right away
  s  show the summary, retrying it when the first attempt failed
  p  play the recording back
  e  compose the parent email`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		studentID := args[0]

		if pipeline == "" {
			return fmt.Errorf("no pipeline specified, use -p flag (e.g., -p rse)")
		}

		rt, err := newLessonRuntime(cmd.Context(), true, nil, nil)
		if err != nil {
			return err
		}
		defer rt.Close()

		return runSteps(cmd.Context(), rt, studentID, []rune(strings.ToLower(pipeline)), nil)
	},
}
