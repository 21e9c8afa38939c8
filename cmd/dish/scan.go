package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/w1xm/dish_interface/recorder"
	"github.com/w1xm/dish_interface/scan"
)

func newScanCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Sweep a rectangular az/el grid and record RF power at each point",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, a)
		},
	}
	f := cmd.Flags()
	f.Float64("az-start", 0, "first azimuth, degrees")
	f.Float64("az-end", 0, "last azimuth, degrees")
	f.Float64("el-start", 0, "first elevation, degrees")
	f.Float64("el-end", 0, "last elevation, degrees")
	f.Float64("step", 0, "grid step, degrees")
	f.String("output-dir", "", "directory for the CSV sink")
	for key, flag := range map[string]string{
		"scan.az_start":   "az-start",
		"scan.az_end":     "az-end",
		"scan.el_start":   "el-start",
		"scan.el_end":     "el-end",
		"scan.step":       "step",
		"scan.output_dir": "output-dir",
	} {
		a.v.BindPFlag(key, f.Lookup(flag))
	}
	return cmd
}

func runScan(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	plan := a.cfg.Plan().Normalize()
	// Reject a bad plan before touching the hardware.
	if err := plan.Validate(); err != nil {
		return err
	}

	ctrl, l, err := a.connect(ctx, nil)
	if err != nil {
		return err
	}
	defer l.Close()

	start := time.Now()
	rec, err := recorder.Create(a.cfg.Scan.OutputDir, start)
	if err != nil {
		return err
	}
	defer rec.Close()
	a.log.Infow("recording", "sink", rec.Path(), "points", plan.Len())

	engine := scan.NewEngine(ctrl, rec, a.log.Named("scan"))
	engine.SinkName = rec.Path()
	engine.SummaryPath = rec.Path() + ".summary.yaml"
	summary, err := engine.Run(ctx, plan)

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d of %d points recorded, %d skipped (%s)\n",
		summary.Outcome, summary.Recorded, summary.Total, len(summary.Gaps), rec.Path())
	for _, g := range summary.Gaps {
		fmt.Fprintf(cmd.OutOrStdout(), "  skipped %v: %s\n", g.Target, g.Reason)
	}
	if errors.Is(err, scan.ErrAborted) {
		a.log.Warnw("scan aborted", "err", err)
	}
	return err
}
