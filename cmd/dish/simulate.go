package main

import (
	"net"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/w1xm/dish_interface/dish"
	"github.com/w1xm/dish_interface/simulator"
)

func newSimulateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a simulated dish console on a TCP port",
		Long: `Run a simulated dish console on a TCP port. Point other commands at it
with --port tcp://<addr>.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			opts := simulator.DefaultOptions()
			opts.Start = dish.Position{Azimuth: cfg.Home.Azimuth, Elevation: cfg.Home.Elevation}
			opts.Calibration = cfg.Dish().Codec.Elevation
			opts.Source = dish.Position{Azimuth: cfg.Simulator.SourceAzimuth, Elevation: cfg.Simulator.SourceElevation}
			opts.Speedup = cfg.Simulator.Speedup
			opts.Logger = a.log.Named("sim")
			sim := simulator.New(opts)

			ln, err := net.Listen("tcp", cfg.Simulator.Addr)
			if err != nil {
				return err
			}
			a.log.Infow("simulator listening", "addr", ln.Addr())

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return sim.Run(ctx) })
			g.Go(func() error { return sim.Serve(ctx, ln) })
			return g.Wait()
		},
	}
	cmd.Flags().String("addr", "", "listen address")
	a.v.BindPFlag("simulator.addr", cmd.Flags().Lookup("addr"))
	return cmd
}
