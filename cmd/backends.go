package cmd

import (
	"fmt"
	"runtime"

	"github.com/audiolibrelab/micclip/internal/audio"

	"github.com/spf13/cobra"
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List capture backends and whether they can be used",
	Long:  `List the capture backends this build supports, check whether each one can run on this host, and show which one the current configuration selects.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		selected := audio.SelectedBackend(cfg)

		fmt.Printf("Capture backends (%s)\n", runtime.GOOS)
		for _, backend := range audio.GetAvailableBackends() {
			marker := " "
			if backend == selected {
				marker = "*"
			}

			status := "available"
			if err := audio.CheckBackend(backend, cfg); err != nil {
				status = "unavailable: " + err.Error()
			}
			fmt.Printf(" %s %-9s %s\n", marker, backend, status)
		}

		fmt.Printf("\nSelected by audio.backend=%s\n", cfg.Audio.Backend)
		return nil
	},
}
