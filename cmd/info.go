package cmd

import (
	"fmt"
	"strings"

	"github.com/audiolibrelab/micclip/internal/config"
	"github.com/audiolibrelab/micclip/internal/service"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show resolved configuration and capture buffer sizing",
	Long:  `Display the resolved configuration with inheritance indicators. Shows which values are built-in, inherited from default or profile-specific, and how large a maximum-length capture buffer gets.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("=== RESOLVED CONFIGURATION ===\n")
		fmt.Printf("config_file: %s\n", cfgFile)
		fmt.Printf("profile: %s\n", cfg.Inheritance.Profile)

		section := ""
		for _, key := range config.FieldKeys() {
			name, field, _ := strings.Cut(key, ".")
			if name != section {
				section = name
				fmt.Printf("\n[%s]\n", section)
			}
			fmt.Printf("%s: %s %s\n", field, fieldValue(cfg, key), getInheritanceIndicator(cfg.Inheritance.Source(key)))
		}

		// A pre-allocating backend reserves the whole maximum record time
		samples := int64(cfg.Audio.SampleRate) * int64(cfg.Trim.MaxRecordSeconds) * int64(cfg.Audio.Channels)
		fmt.Printf("\n=== CAPTURE BUFFER ===\n")
		fmt.Printf("max_samples: %d\n", samples)
		fmt.Printf("max_size: %s\n", service.FormatBytes(samples*4))

		return nil
	},
}

func fieldValue(c *config.Config, key string) string {
	switch key {
	case "audio.sample_rate":
		return fmt.Sprint(c.Audio.SampleRate)
	case "audio.channels":
		return fmt.Sprint(c.Audio.Channels)
	case "audio.backend":
		return c.Audio.Backend
	case "audio.device":
		return c.Audio.Device
	case "audio.input_file":
		return c.Audio.InputFile
	case "trim.silence_threshold":
		return fmt.Sprint(c.Trim.SilenceThreshold)
	case "trim.max_record_seconds":
		return fmt.Sprint(c.Trim.MaxRecordSeconds)
	case "trim.async":
		return fmt.Sprint(c.Trim.Async)
	case "service.tick_ms":
		return fmt.Sprint(c.Service.TickMS)
	case "service.history_size":
		return fmt.Sprint(c.Service.HistorySize)
	case "service.listen":
		return c.Service.Listen
	case "log.level":
		return c.Log.Level
	case "log.file":
		return c.Log.File
	case "log.max_size_mb":
		return fmt.Sprint(c.Log.MaxSizeMB)
	case "log.max_backups":
		return fmt.Sprint(c.Log.MaxBackups)
	}
	return ""
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "built-in":
		return "[built-in]"
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	default:
		return "[unknown]"
	}
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
