// Command dish drives the dish mount: automated sweeps, an interactive control
// server and a bench simulator of the controller firmware.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/w1xm/dish_interface/config"
	"github.com/w1xm/dish_interface/dish"
	"github.com/w1xm/dish_interface/internal/logger"
	"github.com/w1xm/dish_interface/link"
)

type app struct {
	v          *viper.Viper
	configPath string
	cfg        *config.Config
	log        *zap.SugaredLogger
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}
	root := &cobra.Command{
		Use:           "dish",
		Short:         "Control the dish mount and its RF power sensor",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML configuration file")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("port", "", "serial port, or tcp://host:port")
	a.v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))
	a.v.BindPFlag("serial.port", root.PersistentFlags().Lookup("port"))

	root.AddCommand(newScanCmd(a), newServeCmd(a), newSimulateCmd(a))
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.v, a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logger.New(cfg.Log.Level)
	return nil
}

// connect opens the link and returns a homed controller.
func (a *app) connect(ctx context.Context, statusCallback dish.StatusCallback) (*dish.Controller, link.Link, error) {
	l, err := link.Open(ctx, a.cfg.Link(a.log.Named("link")))
	if err != nil {
		return nil, nil, err
	}
	ctrl := dish.NewController(l, a.cfg.Dish(), a.log.Named("dish"), statusCallback)
	if _, err := ctrl.Home(ctx); err != nil {
		l.Close()
		return nil, nil, fmt.Errorf("homing: %w", err)
	}
	return ctrl, l, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "dish:", err)
		os.Exit(1)
	}
}
