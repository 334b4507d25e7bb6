package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"podcast-pipeline/internal/services/elevenlabs"
)

func newVoicesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "voices",
		Short: "List the voices available for synthesis",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.config()
			client := elevenlabs.NewClient(elevenlabs.Config{
				APIKey:  cfg.ElevenLabsAPIKey,
				BaseURL: cfg.ElevenLabsBaseURL,
				Timeout: cfg.SynthTimeout,
			})
			voices, err := client.ListVoices(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.jsonFlag {
				return writeJSON(cmd, voices)
			}
			if len(voices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No voices available")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"Voice ID", "Name", "Category", "Labels"},
				buildVoiceRows(voices),
				nil,
			))
			return nil
		},
	}
}

func buildVoiceRows(voices []elevenlabs.Voice) [][]string {
	rows := make([][]string, 0, len(voices))
	for _, v := range voices {
		keys := make([]string, 0, len(v.Labels))
		for k := range v.Labels {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		labels := make([]string, 0, len(keys))
		for _, k := range keys {
			labels = append(labels, k+"="+v.Labels[k])
		}
		rows = append(rows, []string{v.VoiceID, v.Name, v.Category, strings.Join(labels, " ")})
	}
	return rows
}
