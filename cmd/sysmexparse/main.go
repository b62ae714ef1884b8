package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/riri/astm"
	"github.com/riri/astm/internal/config"
	"github.com/riri/astm/internal/logging"
	"github.com/riri/astm/internal/store"
)

// app carries what the subcommands share once flags are parsed.
type app struct {
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "sysmexparse",
		Short: "Parse Sysmex hematology analyzer ASTM transmissions",
		Long: `sysmexparse decodes ASTM E1394-97 style transmissions from Sysmex
hematology analyzers into samples and their test results.

Input may be raw record bytes, a capture of printed byte strings, or a
low-level framed (ENQ/STX/ETX/EOT) stream.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg

			a.logger, err = logging.New(cfg.Logging, a.verbose)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "sysmexparse.yaml", "configuration file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		a.parseCmd(),
		a.importCmd(),
		a.registerCmd(),
		a.extractIDCmd(),
		a.listenSerialCmd(),
		a.watchCmd(),
	)

	return root
}

func (a *app) parser() (*astm.Parser, error) {
	enc, err := a.cfg.Parser.Encoding()
	if err != nil {
		return nil, err
	}
	return astm.NewParser(astm.Options{Logger: a.logger, Fallback: enc}), nil
}

// readInput reads a transmission from path ("-" for stdin), removing
// low-level framing when framed is set.
func readInput(cmd *cobra.Command, path string, framed, strict bool) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	if !framed {
		return data, nil
	}
	data, err = astm.NewReader(bytes.NewReader(data)).ReadTransmission(strict)
	if err != nil {
		return nil, fmt.Errorf("failed to read framed transmission: %w", err)
	}
	return data, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) parseCmd() *cobra.Command {
	var framed, strict bool

	cmd := &cobra.Command{
		Use:   "parse FILE...",
		Short: "Parse transmission files and print their samples as JSON",
		Long: `Parses every FILE ("-" reads stdin) and prints the samples of all of
them, in argument order, as one JSON array.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.parser()
			if err != nil {
				return err
			}

			perFile := make([][]astm.Sample, len(args))
			g := new(errgroup.Group)
			g.SetLimit(runtime.GOMAXPROCS(0))
			for i, path := range args {
				i, path := i, path
				g.Go(func() error {
					data, err := readInput(cmd, path, framed, strict)
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					perFile[i] = p.Parse(data)
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			samples := []astm.Sample{}
			for _, s := range perFile {
				samples = append(samples, s...)
			}
			return writeJSON(cmd.OutOrStdout(), samples)
		},
	}
	cmd.Flags().BoolVar(&framed, "framed", false, "input is a low-level framed stream")
	cmd.Flags().BoolVar(&strict, "strict", false, "verify frame checksums and trailers")

	return cmd
}

func (a *app) importCmd() *cobra.Command {
	var framed, strict bool

	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Parse a transmission file and store results on registered samples",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0], framed, strict)
			if err != nil {
				return err
			}
			return a.importData(cmd.Context(), cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().BoolVar(&framed, "framed", false, "input is a low-level framed stream")
	cmd.Flags().BoolVar(&strict, "strict", false, "verify frame checksums and trailers")

	return cmd
}

func (a *app) importData(ctx context.Context, out io.Writer, data []byte) error {
	p, err := a.parser()
	if err != nil {
		return err
	}
	samples := p.Parse(data)

	st, err := store.Open(a.cfg.Store.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	rep, err := store.Apply(ctx, st, samples, a.logger)
	if err != nil {
		return err
	}
	return writeJSON(out, rep)
}

func (a *app) registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register SAMPLE_ID [PATIENT_ID]",
		Short: "Register a sample so imports can attach results to it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(a.cfg.Store.DatabasePath)
			if err != nil {
				return err
			}
			defer st.Close()

			var patientID string
			if len(args) > 1 {
				patientID = args[1]
			}
			if err := st.Register(cmd.Context(), args[0], patientID); err != nil {
				return err
			}
			a.logger.Info("registered sample", zap.String("sample_id", args[0]), zap.String("patient_id", patientID))
			return nil
		},
	}
}

func (a *app) extractIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract-id FIELD...",
		Short: "Show how a sample id is recovered from specimen fields",
		Long: `Runs the sample id strategies over each field and prints every attempt.

Example:
  sysmexparse extract-id "7^10^               3615525^B" "3616340"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, field := range args {
				fmt.Fprintf(out, "%q\n", field)
				id, ok := astm.ExtractSampleIDWithTrace(field, func(e astm.TraceEvent) {
					mark := "-"
					if e.OK {
						mark = "+"
					}
					fmt.Fprintf(out, "  %s %-20s %s\n", mark, e.Detail, e.Match)
				})

				if ok {
					fmt.Fprintf(out, "  => %s\n", id)
				} else {
					fmt.Fprintln(out, "  => no sample id")
				}
			}
			return nil
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
