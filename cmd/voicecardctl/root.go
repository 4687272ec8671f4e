package main

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"voicecard/internal/config"
	"voicecard/internal/gateway"
)

type commandContext struct {
	serverFlag *string
	jsonFlag   *bool

	clientOnce sync.Once
	client     *gateway.Client
	clientErr  error
}

func (c *commandContext) api() (*gateway.Client, error) {
	c.clientOnce.Do(func() {
		server := strings.TrimSpace(*c.serverFlag)
		if server == "" {
			cfg, err := config.Load()
			if err != nil {
				c.clientErr = err
				return
			}
			server = cfg.PublicBaseURL
		}
		c.client = gateway.NewClient(server, nil)
	})
	return c.client, c.clientErr
}

func newRootCommand() *cobra.Command {
	var serverFlag string
	var jsonFlag bool
	ctx := &commandContext{serverFlag: &serverFlag, jsonFlag: &jsonFlag}

	rootCmd := &cobra.Command{
		Use:           "voicecardctl",
		Short:         "Inspect and operate voicecard jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&serverFlag, "server", "s", "", "Gateway base URL (defaults to PUBLIC_BASE_URL)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Print JSON instead of tables")

	rootCmd.AddCommand(newIngestCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newListCommand(ctx))
	rootCmd.AddCommand(newFetchCommand(ctx))
	rootCmd.AddCommand(newRetryCommand(ctx))
	rootCmd.AddCommand(newFailCommand(ctx))
	rootCmd.AddCommand(newDLQCommand(ctx))
	return rootCmd
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
