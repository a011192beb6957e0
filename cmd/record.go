package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiolibrelab/micclip/internal/audio"
	"github.com/audiolibrelab/micclip/internal/service"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record [name]",
	Short: "Record from the microphone and print the trimmed clip",
	Long: `Record from the configured capture backend until Ctrl+C (or --duration),
then trim the capture to the time actually spent recording and, when a
silence threshold is set, strip leading and trailing silence.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := time.Now().Format("clip-20060102-150405")
		if len(args) == 1 {
			name = args[0]
		}
		duration, _ := cmd.Flags().GetDuration("duration")
		threshold, _ := cmd.Flags().GetFloat64("threshold")

		slog.Info("Record command started", "name", name)

		svc := service.New(cfg, cfgFile, subprocessLogWriter())
		if cmd.Flags().Changed("threshold") {
			if err := svc.UpdateThreshold(threshold); err != nil {
				return err
			}
		}

		svc.Subscribe(func(clip *audio.Clip) {
			fmt.Printf("%s\t%s\t%.3fs\t%d samples\t%d discarded\n",
				clip.ID, clip.Name, clip.Buffer.Seconds(), clip.Buffer.Len(), clip.DiscardedSamples())
		})

		// Handle interruption
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, duration)
			defer cancel()
		}

		if err := svc.StartRecording(name); err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		slog.Info("Recording... Press Ctrl+C to stop")

		// Run returns once ctx is done, after stopping and delivering the clip
		return svc.Run(ctx)
	},
}

func init() {
	recordCmd.Flags().Duration("duration", 0, "stop automatically after this long (0 waits for Ctrl+C)")
	recordCmd.Flags().Float64("threshold", 0, "silence threshold override (0 disables silence trimming)")
}
