// Package thorstage provides control of Thorlabs MCM3000-series motor
// controllers driving linear-travel stage modules (ZFM2020/ZFM2030) over a
// serial connection.
//
// The controller speaks a fixed binary protocol at 460800 baud and reports
// positions as signed encoder counts, which this module converts to and from
// micrometres per channel. Every move is checked against nested safety
// boundaries (hardware travel limits, caller-narrowed scan limits, and a
// retract point used before lateral motion) before a command is sent.
//
// # Usage
//
//	ctrl, err := mcm3000.New(mcm3000.Config{
//		Port:   "/dev/ttyUSB0",
//		Stages: [3]mcm3000.StageType{mcm3000.StageZFM2020, "", ""},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer ctrl.Close()
//
//	target, moved, err := ctrl.MoveUm(ctx, 1, 8000, mcm3000.MoveOpts{Block: true})
//
// A deterministic simulated mode (Config.Simulated) replaces the serial
// transport for development and tests.
//
// # Packages
//
// The module is organized into the following packages:
//
//   - pkg/mcm3000: protocol codec, unit conversion, motion limits and the
//     stage controller itself
//   - pkg/serialport: serial transport abstraction and test double
//   - pkg/stage: narrow stage/instrument interfaces for orchestration code
//   - pkg/jog: polling loop behind the interactive jog tool
//   - cmd/stagectl: CLI for moves, limits and diagnostics
//   - cmd/stage-jog: interactive TUI with a live position chart
package thorstage
