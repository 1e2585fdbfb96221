// Package cli contains the mapshare command line tool: a synthetic end-to-end session and an
// inspector for encoded sync messages.
package cli

import (
	"io"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/mapshare/config"
	"go.viam.com/mapshare/logging"
)

const (
	// Flags.
	generalFlagConfig  = "config"
	generalFlagDebug   = "debug"
	generalFlagLogFile = "log-file"

	simulateFlagLandmarks   = "landmarks"
	simulateFlagFrames      = "frames"
	simulateFlagSeed        = "seed"
	simulateFlagPixelNoise  = "pixel-noise"
	simulateFlagCompression = "compression"
	simulateFlagOut         = "out"
	simulateFlagTimeout     = "timeout"
)

// NewApp returns the mapshare CLI writing its output to out and errors to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	return &cli.App{
		Name:            "mapshare",
		Usage:           "build, share and inspect landmark maps",
		HideHelpCommand: true,
		Writer:          out,
		ErrWriter:       errOut,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    generalFlagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:    generalFlagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.StringFlag{
				Name:  generalFlagLogFile,
				Usage: "also write logs to `FILE`, rotated by size",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "simulate",
				Usage: "run a creator and a follower on a synthetic scene and report how they did",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  simulateFlagLandmarks,
						Value: 500,
						Usage: "number of landmarks in the scene",
					},
					&cli.IntFlag{
						Name:  simulateFlagFrames,
						Value: 40,
						Usage: "number of frames the creator scans",
					},
					&cli.Int64Flag{
						Name:  simulateFlagSeed,
						Value: 1,
						Usage: "seed of the synthetic scene",
					},
					&cli.Float64Flag{
						Name:  simulateFlagPixelNoise,
						Usage: "standard deviation of keypoint noise, in pixels",
					},
					&cli.StringFlag{
						Name:  simulateFlagCompression,
						Usage: "override the configured payload compression (none, gzip, zstd, lz4)",
					},
					&cli.StringFlag{
						Name:  simulateFlagOut,
						Usage: "write the last published map message to `FILE`",
					},
					&cli.DurationFlag{
						Name:  simulateFlagTimeout,
						Value: defaultStepTimeout,
						Usage: "how long to wait for each pipeline step",
					},
				},
				Action: SimulateAction,
			},
			{
				Name:      "inspect",
				Usage:     "decode an encoded and optionally compressed sync message",
				ArgsUsage: "<file>",
				Action:    InspectAction,
			},
		},
	}
}

// commandLogger builds the logger of a command from the general flags and the configuration's
// log patterns. Closing the result flushes the logs and deregisters the command's loggers.
func commandLogger(c *cli.Context, cfg *config.Config) (*commandLogging, error) {
	logger := logging.NewLogger("mapshare")
	cl := &commandLogging{logger: logger}
	if path := c.String(generalFlagLogFile); path != "" {
		appender, file := logging.NewFileAppender(path)
		logger.AddAppender(appender)
		cl.file = file
	}
	cl.register("mapshare", logger)
	if err := logging.UpdateLoggerConfig(cfg.LogConfig, logger); err != nil {
		return nil, multierr.Combine(err, cl.Close())
	}
	if c.Bool(generalFlagDebug) {
		logger.SetLevel(logging.DEBUG)
	}
	logger.Infow("running", "command", c.Command.Name)
	return cl, nil
}

type commandLogging struct {
	logger logging.Logger
	file   io.Closer
	names  []string
}

func (cl *commandLogging) register(name string, logger logging.Logger) logging.Logger {
	cl.names = append(cl.names, name)
	return logging.RegisterLogger(name, logger)
}

// sublogger returns a registered sublogger so that configured log patterns reach it.
func (cl *commandLogging) sublogger(name string) logging.Logger {
	return cl.register("mapshare."+name, cl.logger.Sublogger(name))
}

func (cl *commandLogging) Close() error {
	for _, name := range cl.names {
		logging.DeregisterLogger(name)
	}
	err := cl.logger.Sync()
	if cl.file != nil {
		err = multierr.Combine(err, cl.file.Close())
	}
	return err
}
