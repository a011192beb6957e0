package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/audiolibrelab/micclip/internal/audio"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// replaySlack is silence kept past the reachable audio so the replay still
// looks like a pre-allocated capture
const replaySlack = time.Second

// trimSummary is printed by the trim command
type trimSummary struct {
	File             string  `yaml:"file"`
	SampleRate       int     `yaml:"sample_rate"`
	Channels         int     `yaml:"channels"`
	ElapsedSeconds   float64 `yaml:"elapsed_seconds"`
	Threshold        float64 `yaml:"silence_threshold"`
	CapturedSamples  int     `yaml:"captured_samples"`
	Samples          int     `yaml:"samples"`
	DiscardedSamples int     `yaml:"discarded_samples"`
	Seconds          float64 `yaml:"seconds"`
	Empty            bool    `yaml:"empty"`
}

var trimCmd = &cobra.Command{
	Use:   "trim [file.wav]",
	Short: "Run a WAV file through the capture and trim pipeline",
	Long: `Replay a WAV file through the pre-allocating WAV backend as if it had been
recorded for --elapsed seconds, then print the resulting clip.

The file is padded with silence up to the maximum record time, so this
shows exactly what duration and silence trimming would keep.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		elapsed, _ := cmd.Flags().GetDuration("elapsed")
		threshold := cfg.Trim.SilenceThreshold
		if cmd.Flags().Changed("threshold") {
			threshold, _ = cmd.Flags().GetFloat64("threshold")
		}
		if threshold < 0 || threshold > 1 {
			return fmt.Errorf("threshold must be between 0 and 1, got %v", threshold)
		}

		decoded, err := audio.LoadWAV(path)
		if err != nil {
			return err
		}
		// Without --elapsed the recording lasted exactly as long as the file
		if !cmd.Flags().Changed("elapsed") {
			elapsed = decoded.Duration()
		}

		// Synthetic clock: the recording starts at t0 and stops at t0+elapsed
		now := time.Unix(0, 0)
		clock := func() time.Time { return now }

		opts := audio.OptionsFromConfig(cfg)
		opts.Format = decoded.Format()
		opts.SilenceThreshold = float32(threshold)
		opts.Async = false
		opts.Clock = clock

		backend := audio.NewWAVBackend(path, replayPad(elapsed, decoded.Duration(), cfg.MaxRecordDuration()))
		recorder := audio.NewRecorder(backend, opts)

		if err := recorder.Start(context.Background(), path); err != nil {
			return err
		}
		now = now.Add(elapsed)
		if _, err := recorder.Stop(); err != nil {
			return err
		}

		clips := recorder.Drain()
		if len(clips) != 1 {
			return fmt.Errorf("expected one clip, got %d", len(clips))
		}
		clip := clips[0]

		summary := trimSummary{
			File:             path,
			SampleRate:       clip.Buffer.SampleRate,
			Channels:         clip.Buffer.Channels,
			ElapsedSeconds:   clip.Elapsed.Seconds(),
			Threshold:        threshold,
			CapturedSamples:  clip.CapturedSamples,
			Samples:          clip.Buffer.Len(),
			DiscardedSamples: clip.DiscardedSamples(),
			Seconds:          clip.Buffer.Seconds(),
			Empty:            clip.Empty(),
		}

		enc := yaml.NewEncoder(os.Stdout)
		defer enc.Close()
		return enc.Encode(summary)
	},
}

// replayPad sizes the replay buffer. A device pre-allocates the whole
// maximum record time, but only the part the trim can reach matters here.
func replayPad(elapsed, fileDuration, maxRecord time.Duration) time.Duration {
	pad := max(elapsed, fileDuration) + replaySlack
	if maxRecord > 0 && pad > maxRecord {
		return maxRecord
	}
	return pad
}

func init() {
	trimCmd.Flags().Duration("elapsed", 0, "how long the simulated recording lasted (default: file duration)")
	trimCmd.Flags().Float64("threshold", 0, "silence threshold override (0 disables silence trimming)")
}
