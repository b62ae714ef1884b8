package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/riri/astm"
)

func (a *app) listenSerialCmd() *cobra.Command {
	var (
		port    string
		baud    int
		doStore bool
		once    bool
	)

	cmd := &cobra.Command{
		Use:   "listen-serial",
		Short: "Receive framed transmissions from an analyzer over a serial line",
		Long: `Opens the configured serial port, acknowledges the analyzer's frames and
prints every received transmission as JSON. With --import the results are
written to the sample store instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port == "" {
				port = a.cfg.Serial.Port
			}
			if baud == 0 {
				baud = a.cfg.Serial.BaudRate
			}

			p, err := a.parser()
			if err != nil {
				return err
			}

			sp, err := serial.Open(port, &serial.Mode{
				BaudRate: baud,
				DataBits: 8,
				Parity:   serial.NoParity,
				StopBits: serial.OneStopBit,
			})
			if err != nil {
				return fmt.Errorf("failed to open serial port %s: %w", port, err)
			}

			ctx := cmd.Context()
			stop := make(chan struct{})
			defer close(stop)
			go func() {
				select {
				case <-ctx.Done():
				case <-stop:
				}
				sp.Close()
			}()

			log := a.logger.With(zap.String("port", port))
			log.Info("listening", zap.Int("baud_rate", baud), zap.Bool("strict", a.cfg.Serial.Strict))

			rw := astm.NewReadWriter(sp)
			out := cmd.OutOrStdout()
			for {
				data, err := rw.ReadTransmission(a.cfg.Serial.Strict)
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, io.EOF) {
					continue
				}
				if err != nil {
					return fmt.Errorf("failed to read transmission: %w", err)
				}
				if len(data) == 0 {
					log.Debug("transmission aborted")
					continue
				}
				log.Debug("received transmission", zap.Int("bytes", len(data)))

				if doStore {
					err = a.importData(ctx, out, data)
				} else {
					samples := p.Parse(data)
					if samples == nil {
						samples = []astm.Sample{}
					}
					err = writeJSON(out, samples)
				}
				if err != nil {
					return err
				}
				if once {
					return nil
				}
			}
		},
	}

	cmd.Flags().StringVar(&port, "port", "", "serial device (defaults to the configured port)")
	cmd.Flags().IntVar(&baud, "baud", 0, "baud rate (defaults to the configured rate)")
	cmd.Flags().BoolVar(&doStore, "import", false, "store results instead of printing them")
	cmd.Flags().BoolVar(&once, "once", false, "exit after the first transmission")

	return cmd
}
