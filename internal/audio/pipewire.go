package audio

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// commandRunner runs an external tool and returns its stdout.
type commandRunner func(name string, args ...string) ([]byte, error)

func execOutput(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).Output()
}

// PipeWire manages PipeWire/JACK port operations through pw-link.
type PipeWire struct {
	run commandRunner
}

// NewPipeWire creates a new PipeWire instance
func NewPipeWire() *PipeWire {
	return &PipeWire{run: execOutput}
}

// ListPorts returns all available JACK ports via PipeWire
func (pw *PipeWire) ListPorts() ([]string, error) {
	output, err := pw.run("pw-link", "-io")
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}
	return parsePortList(string(output)), nil
}

func parsePortList(output string) []string {
	var ports []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Input ports:") || strings.HasPrefix(line, "Output ports:") {
			continue
		}
		ports = append(ports, line)
	}
	return ports
}

// ValidatePort checks that a port exists exactly once. Two capture clients
// with the same port name cannot be told apart.
func (pw *PipeWire) ValidatePort(portName string) error {
	if portName == "" {
		return fmt.Errorf("port name is required")
	}

	ports, err := pw.ListPorts()
	if err != nil {
		return err
	}
	return validatePortInList(portName, ports)
}

func validatePortInList(portName string, ports []string) error {
	matches := 0
	for _, port := range ports {
		if port == portName {
			matches++
		}
	}

	switch {
	case matches == 0:
		return fmt.Errorf("port not found: %s", portName)
	case matches > 1:
		return fmt.Errorf("duplicate sources detected for '%s' (%d instances). Please close conflicting applications", portName, matches)
	}
	return nil
}

// ConnectPortsWithRetry connects two JACK ports, waiting for the
// destination to appear first.
func (pw *PipeWire) ConnectPortsWithRetry(sourcePort, destPort string, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		ports, err := pw.ListPorts()
		if err == nil && validatePortInList(destPort, ports) == nil {
			if _, err := pw.run("pw-link", sourcePort, destPort); err == nil {
				slog.Debug("Connected ports successfully", "source", sourcePort, "dest", destPort, "attempt", attempt)
				return nil
			} else {
				lastErr = err
			}
		} else if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("destination port not yet available: %s", destPort)
		}

		slog.Debug("Port connection attempt failed", "source", sourcePort, "dest", destPort, "attempt", attempt, "error", lastErr)
		if attempt < attempts {
			time.Sleep(delay)
		}
	}

	return fmt.Errorf("failed to connect %s to %s after %d attempts: %w", sourcePort, destPort, attempts, lastErr)
}
