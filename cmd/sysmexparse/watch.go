package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/riri/astm"
	"github.com/riri/astm/internal/watch"
)

func (a *app) watchCmd() *cobra.Command {
	var (
		ext     string
		settle  time.Duration
		doStore bool
	)

	cmd := &cobra.Command{
		Use:   "watch DIR",
		Short: "Parse capture files as they are written into a directory",
		Long: `Waits for files to be created in DIR and handles each one after it has
stopped changing for the settle time. Samples are printed as JSON, or
written to the sample store with --import. Runs until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.parser()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			handle := func(ctx context.Context, path string, data []byte) error {
				if doStore {
					return a.importData(ctx, out, data)
				}
				samples := p.Parse(data)
				a.logger.Info("parsed file", zap.String("file", path), zap.Int("samples", len(samples)))
				if samples == nil {
					samples = []astm.Sample{}
				}
				return writeJSON(out, samples)
			}

			w := watch.New(args[0], handle, watch.Options{Ext: ext, Settle: settle, Logger: a.logger})
			return w.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&ext, "ext", "", "only handle files with this extension, e.g. .astm")
	cmd.Flags().DurationVar(&settle, "settle", watch.DefaultSettle, "quiet period before a file is read")
	cmd.Flags().BoolVar(&doStore, "import", false, "store results instead of printing them")

	return cmd
}
