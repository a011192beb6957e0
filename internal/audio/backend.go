package audio

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/audiolibrelab/micclip/internal/config"
)

// BackendType represents the type of capture backend
type BackendType string

const (
	BackendTypePipeWire BackendType = "pipewire"
	BackendTypeWAV      BackendType = "wav"
	BackendTypeAuto     BackendType = "auto"
)

// CaptureBackend is the capability every platform capture adapter offers.
// The recorder never talks to a device directly.
type CaptureBackend interface {
	// BeginCapture starts filling a fresh capture buffer
	BeginCapture(ctx context.Context, format Format) (*CaptureBuffer, error)

	// EndCapture stops capturing and returns what the device handed back.
	// The result may be longer than the audio actually spoken.
	EndCapture() (SampleBuffer, error)

	// Get the backend type
	GetType() BackendType
}

// NewBackend creates the capture backend selected by configuration
func NewBackend(cfg *config.Config, logWriter io.Writer) CaptureBackend {
	if logWriter == nil {
		logWriter = io.Discard
	}

	switch determineBackend(cfg) {
	case BackendTypeWAV:
		return NewWAVBackend(cfg.Audio.InputFile, cfg.MaxRecordDuration())
	default:
		return NewPipeWireBackend(cfg.Audio.Device, cfg.MaxRecordDuration(), logWriter)
	}
}

// determineBackend determines which backend to use based on configuration
func determineBackend(cfg *config.Config) BackendType {
	switch strings.ToLower(cfg.Audio.Backend) {
	case "pipewire":
		return BackendTypePipeWire
	case "wav":
		return BackendTypeWAV
	}

	// auto: replay a file when one is configured, otherwise record live
	if cfg.Audio.InputFile != "" {
		return BackendTypeWAV
	}
	return BackendTypePipeWire
}

// GetAvailableBackends returns the backends this build can use
func GetAvailableBackends() []BackendType {
	return []BackendType{BackendTypePipeWire, BackendTypeWAV}
}

// CheckBackend reports why a backend cannot be used on this host, or nil
func CheckBackend(t BackendType, cfg *config.Config) error {
	switch t {
	case BackendTypePipeWire:
		if _, err := exec.LookPath(pwRecordBinary); err != nil {
			return fmt.Errorf("%s not found in PATH: %w", pwRecordBinary, err)
		}
		return nil
	case BackendTypeWAV:
		if cfg.Audio.InputFile == "" {
			return fmt.Errorf("audio.input_file is not set")
		}
		if _, err := os.Stat(cfg.Audio.InputFile); err != nil {
			return fmt.Errorf("input file unavailable: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown backend: %s", t)
	}
}

// SelectedBackend returns the backend NewBackend would create for cfg
func SelectedBackend(cfg *config.Config) BackendType {
	return determineBackend(cfg)
}
