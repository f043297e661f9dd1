package commands

import (
	"context"
	"fmt"
	"os"

	"remores-dl/lib/configutil"
	"remores-dl/lib/telemetry"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// Token is the Canvas API bearer token, read from the environment by
// main. Commands that talk to Canvas reject an empty token up front.
var Token string

// Config holds the optional config.json5 overrides. Without it the tool
// talks to the KTH instances with its built-in defaults.
type Config struct {
	CanvasBaseUrl  string  `json:"canvas_base_url"`
	RemoresBaseUrl string  `json:"remores_base_url"`
	Workers        int     `json:"workers"`
	FuzzyThreshold float64 `json:"fuzzy_threshold"`
	LogDb          string  `json:"log_db"`
}

var cfg Config

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "remores-dl",
	Short: "remores-dl downloads Canvas submissions for students booked on REMORES.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		telemetry.InitSlog(verbose)

		var err error
		cfg, err = configutil.ReadOptional[Config]("config.json5")
		if err != nil {
			return fmt.Errorf("read config.json5: %w", err)
		}

		tel, err := telemetry.SetupFromEnv(cmd.Context(), "remores-dl")
		if err != nil {
			return fmt.Errorf("setup telemetry: %w", err)
		}
		if verbose {
			telemetry.InstrumentPerfStats(cmd.Context())
		}
		cobra.OnFinalize(func() {
			tel.Shutdown(context.Background())
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func requireToken() error {
	if Token == "" {
		return fmt.Errorf("CANVAS_API_TOKEN is not set, obtain one from https://canvas.kth.se/profile/settings")
	}
	return nil
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(os.Stdout)
	return t
}
