package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"time"
)

const (
	pwRecordBinary = "pw-record"

	// pwStopTimeout bounds how long pw-record gets to exit after SIGINT
	pwStopTimeout = 5 * time.Second
)

// PipeWire wraps a pw-record process streaming raw float32 samples
type PipeWire struct {
	format Format
	target string

	cmd    *exec.Cmd
	stdout io.ReadCloser
}

// NewPipeWire prepares a pw-record invocation. An empty target records
// from the default source.
func NewPipeWire(format Format, target string) *PipeWire {
	return &PipeWire{format: format, target: target}
}

// Args returns the pw-record command line
func (pw *PipeWire) Args() []string {
	args := []string{
		pwRecordBinary,
		"--rate", strconv.Itoa(pw.format.SampleRate),
		"--channels", strconv.Itoa(pw.format.Channels),
		"--format", "f32",
	}
	if pw.target != "" && pw.target != "default" {
		args = append(args, "--target", pw.target)
	}
	// Raw samples on stdout
	return append(args, "-")
}

// Start launches pw-record. stderr is forwarded to logWriter.
func (pw *PipeWire) Start(logWriter io.Writer) error {
	args := pw.Args()
	slog.Debug("Starting pw-record", "args", args)

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stderr = logWriter

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start pw-record: %w", err)
	}

	pw.cmd = cmd
	pw.stdout = stdout
	return nil
}

// Stream decodes samples from pw-record's stdout into buf until the pipe
// closes. Partial samples are carried over between reads.
func (pw *PipeWire) Stream(buf *CaptureBuffer) error {
	return streamFloat32LE(pw.stdout, buf)
}

// Stop interrupts pw-record, waits until drained reports that stdout has
// been read to EOF and then reaps the process. If the stream is not
// drained within pwStopTimeout the process is killed.
func (pw *PipeWire) Stop(drained <-chan struct{}) error {
	if pw.cmd == nil || pw.cmd.Process == nil {
		return nil
	}

	slog.Debug("Sending SIGINT to pw-record")
	if err := pw.cmd.Process.Signal(os.Interrupt); err != nil {
		slog.Debug("Failed to interrupt pw-record, killing", "error", err)
		pw.cmd.Process.Kill()
	}

	select {
	case <-drained:
	case <-time.After(pwStopTimeout):
		slog.Warn("pw-record did not exit within timeout, force killing")
		pw.cmd.Process.Kill()
		<-drained
	}

	// Wait closes stdout, so it must run after the stream is drained
	err := pw.cmd.Wait()
	pw.cmd = nil
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ProcessState != nil {
		state := exitErr.ProcessState.String()
		if state == "signal: interrupt" || state == "signal: killed" {
			slog.Debug("pw-record exited after signal", "state", state)
			return nil
		}
	}
	return fmt.Errorf("pw-record failed: %w", err)
}

func streamFloat32LE(r io.Reader, buf *CaptureBuffer) error {
	raw := make([]byte, 16*1024)
	samples := make([]float32, 0, len(raw)/4)
	pending := 0

	for {
		n, err := r.Read(raw[pending:])
		n += pending

		whole := n - n%4
		samples = decodeFloat32LE(samples[:0], raw[:whole])
		if len(samples) > 0 {
			buf.Write(samples)
		}
		pending = copy(raw, raw[whole:n])

		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read capture stream: %w", err)
		}
	}
}

func decodeFloat32LE(dst []float32, p []byte) []float32 {
	for i := 0; i+4 <= len(p); i += 4 {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(p[i:])))
	}
	return dst
}
