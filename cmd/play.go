package cmd

import (
	"fmt"
	"os"

	"github.com/audiolibrelab/lessoncapture/internal/play"

	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play [recording]",
	Short: "Play a saved lesson recording",
	Long: `Play a lesson recording saved under output.directory using the first
available player (mpv, ffplay, vlc or aplay for WAV files).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		fmt.Printf("Playing recording: %s\n", path)

		player := play.New(os.Stdout)
		if err := player.PlayFile(cmd.Context(), path); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}

		return nil
	},
}
