package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var studentsCmd = &cobra.Command{
	Use:   "students",
	Short: "Show the student roster and resolved configuration",
	Long:  `Display the students of the active profile and the resolved capture and summarizer settings, with indicators showing which values are inherited from the default profile.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		inh := cfg.Inheritance

		fmt.Printf("=== STUDIO ===\n")
		fmt.Printf("teacher: %s\n", cfg.Studio.TeacherName)
		fmt.Printf("studio: %s\n", cfg.Studio.StudioName)

		fmt.Printf("\n=== STUDENTS (%d) ===\n", len(cfg.Students))
		for i, student := range cfg.Students {
			status := ""
			if inh != nil {
				status = inh.Students[student.ID]
			}
			fmt.Printf("%d. %s: %s (%s) %s\n", i+1, student.ID, student.FullName, student.Instrument, getInheritanceIndicator(status))
			if student.ParentEmail != "" {
				fmt.Printf("   parent: %s\n", student.ParentEmail)
			} else {
				fmt.Printf("   parent: (none)\n")
			}
		}

		if inh == nil {
			return nil
		}

		fmt.Printf("\n=== RESOLVED CONFIGURATION ===\n")

		fmt.Printf("\n[Capture]\n")
		fmt.Printf("backend: %s %s\n", cfg.Capture.Backend, getInheritanceIndicator(inh.Capture.Backend))
		fmt.Printf("source: %s %s\n", cfg.Capture.Source, getInheritanceIndicator(inh.Capture.Source))
		fmt.Printf("sample_rate: %d %s\n", cfg.Capture.SampleRate, getInheritanceIndicator(inh.Capture.SampleRate))
		fmt.Printf("mime_preferences: %v %s\n", cfg.Capture.MimePreferences, getInheritanceIndicator(inh.Capture.MimePreferences))

		fmt.Printf("\n[Summarizer]\n")
		fmt.Printf("provider: %s %s\n", cfg.Summarizer.Provider, getInheritanceIndicator(inh.Summarizer.Provider))
		fmt.Printf("model: %s %s\n", cfg.Summarizer.Model, getInheritanceIndicator(inh.Summarizer.Model))

		fmt.Printf("\n[Output]\n")
		fmt.Printf("directory: %s %s\n", cfg.Output.Directory, getInheritanceIndicator(inh.Output.Directory))
		fmt.Printf("save_audio: %t\n", cfg.Output.SaveAudio)

		return nil
	},
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	case "definition":
		return "[definition]"
	case "overridden":
		return "[overridden]"
	default:
		return "[unknown]"
	}
}
