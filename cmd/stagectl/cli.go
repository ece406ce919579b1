package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gwillem/thorstage/pkg/mcm3000"
	"github.com/gwillem/thorstage/pkg/serialport"
)

var (
	cfgFile   string
	flagPort  string
	flagSim   bool
	flagDebug bool
	channel   int

	logger    *zap.Logger
	appConfig *Config
)

var rootCmd = &cobra.Command{
	Use:   "stagectl",
	Short: "Control a Thorlabs MCM3000-series stage controller",
	Long: `stagectl drives linear-travel stage modules attached to an MCM3000-series
motor controller over serial. Positions are in micrometres; every move is
checked against the stage's travel and scan limits before it is sent.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = initLogger()
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		if cmd.Name() == "version" || cmd.Name() == "ports" || cmd.Name() == "help" {
			return nil
		}

		appConfig, err = LoadConfig(cfgFile)
		if err != nil {
			appConfig = DefaultConfig()
			if cfgFile != "" {
				return fmt.Errorf("load config %s: %w", cfgFile, err)
			}
			logger.Debug("no config file found, using simulated defaults")
		}
		if flagPort != "" {
			appConfig.Port = flagPort
			appConfig.Simulated = false
		}
		if flagSim {
			appConfig.Simulated = true
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func initLogger() (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if flagDebug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	return cfg.Build()
}

// openController builds a controller from the loaded config.
func openController() (*mcm3000.Controller, error) {
	cfg, err := appConfig.ControllerConfig(logger)
	if err != nil {
		return nil, err
	}
	if !cfg.Simulated && cfg.Port == "" {
		return nil, errors.New("no serial port configured (use --port, or --simulated)")
	}
	return mcm3000.New(cfg)
}

// signalContext returns a context cancelled by SIGINT/SIGTERM, so blocking
// moves can be interrupted cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports visible on this machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := serialport.List()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Println("No serial ports found.")
			return nil
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show controller and channel configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := openController()
		if err != nil {
			return err
		}
		defer ctrl.Close()

		for _, label := range ctrl.Labels() {
			md, err := ctrl.Metadata(label)
			if err != nil {
				return err
			}
			fmt.Printf("channel %d:\n", label)
			keys := make([]string, 0, len(md))
			for k := range md {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("  %-24s %v\n", k, md[k])
			}
		}
		return nil
	},
}

var positionCmd = &cobra.Command{
	Use:   "position",
	Short: "Read the current position in micrometres",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := openController()
		if err != nil {
			return err
		}
		defer ctrl.Close()

		pos, err := ctrl.GetPositionUm(channel)
		if err != nil {
			return err
		}
		fmt.Printf("%.3f\n", pos)
		return nil
	},
}

var moveCmd = &cobra.Command{
	Use:   "move <um>",
	Short: "Move the stage, absolute by default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		um, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("parse distance %q: %w", args[0], err)
		}
		relative, _ := cmd.Flags().GetBool("relative")
		async, _ := cmd.Flags().GetBool("async")

		ctrl, err := openController()
		if err != nil {
			return err
		}
		defer ctrl.Close()

		ctx, cancel := signalContext()
		defer cancel()

		target, moved, err := ctrl.MoveUm(ctx, channel, um,
			mcm3000.MoveOpts{Relative: relative, Block: !async})
		if err != nil {
			return err
		}
		if !moved {
			fmt.Println("already in position")
			return nil
		}
		fmt.Printf("moved to %.3f um\n", target)
		return nil
	},
}

var homeCmd = &cobra.Command{
	Use:   "home",
	Short: "Move the stage to absolute zero",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := openController()
		if err != nil {
			return err
		}
		defer ctrl.Close()

		ctx, cancel := signalContext()
		defer cancel()

		if _, _, err := ctrl.MoveZero(ctx, channel, true); err != nil {
			return err
		}
		fmt.Println("homed")
		return nil
	},
}

var retractCmd = &cobra.Command{
	Use:   "retract",
	Short: "Park the stage at its retract point",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := openController()
		if err != nil {
			return err
		}
		defer ctrl.Close()

		ctx, cancel := signalContext()
		defer cancel()

		if err := ctrl.Retract(ctx, channel); err != nil {
			return err
		}
		fmt.Println("retracted")
		return nil
	},
}

var zeroCmd = &cobra.Command{
	Use:   "zero",
	Short: "Reset the channel's encoder count to zero",
	Long: `Reset the channel's encoder count to zero at the current position.

This shifts the absolute frame: configured travel and scan limits no longer
match the hardware unless the stage was centred, so re-derive limits
afterwards.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, err := openController()
		if err != nil {
			return err
		}
		defer ctrl.Close()

		ctx, cancel := signalContext()
		defer cancel()

		if err := ctrl.SetEncoderToZero(ctx, channel); err != nil {
			return err
		}
		fmt.Println("encoder zeroed; re-derive limits before scanning")
		return nil
	},
}

var setLimitCmd = &cobra.Command{
	Use:   "set-limit [um]",
	Short: "Narrow the scan range at one end",
	Long: `Narrow the channel's scan range. With an argument the limit is set to that
position; without one, the stage's current position is used. --lower selects
the lower end, otherwise the upper end is set.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lower, _ := cmd.Flags().GetBool("lower")

		ctrl, err := openController()
		if err != nil {
			return err
		}
		defer ctrl.Close()

		var limit float64
		if len(args) == 1 {
			limit, err = strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("parse limit %q: %w", args[0], err)
			}
			err = ctrl.SetStageLimitUm(channel, limit, lower)
		} else {
			limit, err = ctrl.MarkStageLimit(channel, lower)
		}
		if err != nil {
			return err
		}
		end := "upper"
		if lower {
			end = "lower"
		}
		fmt.Printf("%s scan limit set to %.3f um\n", end, limit)
		return nil
	},
}

var setRetractCmd = &cobra.Command{
	Use:   "set-retract [um]",
	Short: "Set the retract point",
	Long: `Set the channel's retract point. With an argument the point is set to that
position (or offset, with --relative); without one, the stage's current
position is used. The point must lie within the scan range.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		relative, _ := cmd.Flags().GetBool("relative")

		ctrl, err := openController()
		if err != nil {
			return err
		}
		defer ctrl.Close()

		var point float64
		var err2 error
		if len(args) == 1 {
			um, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("parse retract point %q: %w", args[0], err)
			}
			point, err2 = ctrl.SetRetractPointUm(channel, um, relative)
		} else {
			point, err2 = ctrl.MarkRetractPoint(channel)
		}
		if err2 != nil {
			return err2
		}
		fmt.Printf("retract point set to %.3f um\n", point)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("stagectl %s (%s)\n", Version, GitCommit)
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default stagectl.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagPort, "port", "", "serial port, e.g. /dev/ttyUSB0")
	rootCmd.PersistentFlags().BoolVar(&flagSim, "simulated", false, "use the simulated controller")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().IntVarP(&channel, "channel", "c", 1, "channel label")

	moveCmd.Flags().Bool("relative", false, "move relative to the current position")
	moveCmd.Flags().Bool("async", false, "return without waiting for the move to settle")
	setLimitCmd.Flags().Bool("lower", false, "set the lower scan limit instead of the upper")
	setRetractCmd.Flags().Bool("relative", false, "treat the value as an offset from the current position")

	rootCmd.AddCommand(portsCmd, infoCmd, positionCmd, moveCmd, homeCmd,
		retractCmd, zeroCmd, setLimitCmd, setRetractCmd, versionCmd)
}
