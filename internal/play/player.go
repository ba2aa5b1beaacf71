package play

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Player plays lesson recordings back through an external player so the
// teacher can review them.
type Player struct {
	out      io.Writer
	lookPath func(file string) (string, error)
	command  func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func New(out io.Writer) *Player {
	if out == nil {
		out = io.Discard
	}
	return &Player{
		out:      out,
		lookPath: exec.LookPath,
		command:  exec.CommandContext,
	}
}

// PlayArtifact streams an in-memory recording to the player's stdin.
func (p *Player) PlayArtifact(ctx context.Context, data []byte, mimeType string) error {
	if len(data) == 0 {
		return fmt.Errorf("recording is empty")
	}

	player, err := p.findAudioPlayer(mimeType, true)
	if err != nil {
		return fmt.Errorf("no suitable audio player found: %w", err)
	}

	args, err := playerArgs(player, "-")
	if err != nil {
		return err
	}

	fmt.Fprintf(p.out, "Playing recording (%s, %d bytes)\n", mimeType, len(data))
	cmd := p.command(ctx, player, args...)
	cmd.Stdin = bytes.NewReader(data)
	return p.run(cmd, player)
}

// PlayFile plays a saved recording.
func (p *Player) PlayFile(ctx context.Context, path string) error {
	// Check if file exists
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("audio file not found: %s", path)
	}

	player, err := p.findAudioPlayer("", false)
	if err != nil {
		return fmt.Errorf("no suitable audio player found: %w", err)
	}

	args, err := playerArgs(player, path)
	if err != nil {
		return err
	}

	fmt.Fprintf(p.out, "Playing: %s\n", path)
	return p.run(p.command(ctx, player, args...), player)
}

func (p *Player) run(cmd *exec.Cmd, player string) error {
	slog.Debug("Starting playback", "player", player, "args", cmd.Args)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("playback failed with %s: %w", player, err)
	}
	fmt.Fprintln(p.out, "Playback completed")
	return nil
}

// findAudioPlayer picks the first installed player. aplay only handles WAV
// and cannot sniff a container from stdin.
func (p *Player) findAudioPlayer(mimeType string, fromStdin bool) (string, error) {
	// List of preferred audio players in order of preference
	players := []string{"mpv", "ffplay", "vlc"}
	if !fromStdin || strings.HasPrefix(mimeType, "audio/wav") {
		players = append(players, "aplay")
	}

	for _, player := range players {
		if _, err := p.lookPath(player); err == nil {
			return player, nil
		}
	}

	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(players, ", "))
}

// playerArgs builds the command line; input "-" reads stdin.
func playerArgs(player, input string) ([]string, error) {
	switch player {
	case "vlc":
		if input == "-" {
			input = "fd://0"
		}
		return []string{"--intf", "dummy", "--play-and-exit", input}, nil
	case "mpv":
		return []string{"--no-video", "--really-quiet", input}, nil
	case "ffplay":
		return []string{"-nodisp", "-autoexit", "-loglevel", "error", "-i", input}, nil
	case "aplay":
		return []string{input}, nil
	default:
		return nil, fmt.Errorf("unsupported player: %s", player)
	}
}
