package cmd

import (
	"fmt"
	"runtime"

	"github.com/audiolibrelab/lessoncapture/internal/audio"

	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available audio sources",
	Long:  `List the capture sources the configured backend can record from. Works without a config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, err := audio.NewBackend(cfg.Capture)
		if err != nil {
			return fmt.Errorf("failed to create audio backend: %w", err)
		}

		sources, err := backend.ListSources()
		if err != nil {
			return fmt.Errorf("failed to get %s sources: %w", backend.GetType(), err)
		}

		fmt.Printf("Audio Sources (%s, %s input)\n", runtime.GOOS, cfg.Capture.InputFormat)
		fmt.Printf("═══════════════════════════════════════\n\n")
		fmt.Printf("%s SOURCES (%d found):\n", backend.GetType(), len(sources))
		for i, source := range sources {
			marker := ""
			if source == cfg.Capture.Source {
				marker = " (configured)"
			}
			fmt.Printf("  %d. %s%s\n", i+1, source, marker)
		}

		fmt.Printf("\nUsage:\n")
		fmt.Printf("  • Set capture.source to one of the names above\n")
		fmt.Printf("  • \"default\" records from the system default input\n\n")

		return nil
	},
}

var encodingsCmd = &cobra.Command{
	Use:   "encodings",
	Short: "Show which recording formats the encoder supports",
	Long:  `Probe the encoder for each preferred recording format and show the one a new recording would use.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, err := audio.NewBackend(cfg.Capture)
		if err != nil {
			return fmt.Errorf("failed to create audio backend: %w", err)
		}

		preferences := cfg.Capture.MimePreferences
		if len(preferences) == 0 {
			preferences = audio.DefaultMimePreferences
		}

		fmt.Printf("Encodings (%s backend)\n", backend.GetType())
		for i, mimeType := range preferences {
			supported := "unsupported"
			if backend.IsTypeSupported(mimeType) {
				supported = "supported"
			}
			fmt.Printf("  %d. %-24s %s\n", i+1, mimeType, supported)
		}

		selected := audio.NegotiateMimeType(preferences, backend.IsTypeSupported)
		if selected == "" {
			fallback := cfg.Capture.FallbackMime
			if fallback == "" {
				fallback = audio.FallbackMimeType
			}
			fmt.Printf("\nNo preference is supported, the encoder default is used and labeled %s\n", fallback)
			return nil
		}
		fmt.Printf("\nNew recordings use: %s\n", selected)
		return nil
	},
}
