package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jduanen/CritterDetector/internal/model"
	"github.com/jduanen/CritterDetector/internal/recorder"
	"github.com/jduanen/CritterDetector/pkg/client"
)

type connectFunc func() *client.Client

// optionFlags are the init options settable on the command line. They are
// merged over the options file.
type optionFlags struct {
	path       string
	port       string
	baud       int
	scanFreq   float64
	sampleRate float64
	minAngle   float64
	maxAngle   float64
	minRange   float64
	maxRange   float64
	zeroFilter bool
}

func (f *optionFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.path, "options", "o", "", "YAML file of init options")
	fs.StringVar(&f.port, "port", "", "serial port path")
	fs.IntVar(&f.baud, "baud", 0, "serial baud rate")
	fs.Float64Var(&f.scanFreq, "scan-freq", 0, "scan frequency in Hz")
	fs.Float64Var(&f.sampleRate, "sample-rate", 0, "sample rate in kHz")
	fs.Float64Var(&f.minAngle, "min-angle", 0, "minimum angle in degrees")
	fs.Float64Var(&f.maxAngle, "max-angle", 0, "maximum angle in degrees")
	fs.Float64Var(&f.minRange, "min-range", 0, "minimum range in meters")
	fs.Float64Var(&f.maxRange, "max-range", 0, "maximum range in meters")
	fs.BoolVar(&f.zeroFilter, "zero-filter", false, "drop zero-distance points")
}

// flagOptions returns the options whose flags were set on cmd.
func (f *optionFlags) flagOptions(cmd *cobra.Command) model.Options {
	fs := cmd.Flags()
	var o model.Options
	if fs.Changed("port") {
		o.Port = &f.port
	}
	if fs.Changed("baud") {
		o.Baud = &f.baud
	}
	if fs.Changed("scan-freq") {
		o.ScanFreq = &f.scanFreq
	}
	if fs.Changed("sample-rate") {
		o.SampleRate = &f.sampleRate
	}
	if fs.Changed("min-angle") {
		o.MinAngle = &f.minAngle
	}
	if fs.Changed("max-angle") {
		o.MaxAngle = &f.maxAngle
	}
	if fs.Changed("min-range") {
		o.MinRange = &f.minRange
	}
	if fs.Changed("max-range") {
		o.MaxRange = &f.maxRange
	}
	if fs.Changed("zero-filter") {
		o.ZeroFilter = &f.zeroFilter
	}
	return o
}

// options loads the options file and merges the set flags over it.
func (f *optionFlags) options(cmd *cobra.Command) (model.Options, error) {
	fileOpts, err := loadOptions(f.path)
	if err != nil {
		return model.Options{}, err
	}
	return fileOpts.Merge(f.flagOptions(cmd)), nil
}

func newInitCmd(connect connectFunc) *cobra.Command {
	var f optionFlags

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the scanner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options(cmd)
			if err != nil {
				return err
			}

			return withClient(cmd, connect, func(ctx context.Context, c *client.Client) error {
				if err := c.Init(ctx, opts); err != nil {
					return err
				}
				status, _, err := c.Status(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, status)
			})
		},
	}

	f.bind(cmd)
	return cmd
}

// loadOptions reads init options from a YAML file. An empty path returns no
// options.
func loadOptions(path string) (model.Options, error) {
	var opts model.Options
	if path == "" {
		return opts, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("failed to read options: %w", err)
	}
	if err := yaml.Unmarshal(b, &opts); err != nil {
		return opts, fmt.Errorf("failed to parse options %s: %w", path, err)
	}
	return opts, nil
}

func newStopCmd(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the scanner and release the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, connect, func(ctx context.Context, c *client.Client) error {
				return c.Stop(ctx)
			})
		},
	}
}

func newResetCmd(connect connectFunc) *cobra.Command {
	var f optionFlags
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Stop and re-initialize the scanner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options(cmd)
			if err != nil {
				return err
			}
			return withClient(cmd, connect, func(ctx context.Context, c *client.Client) error {
				return c.Reset(ctx, opts)
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func newHaltCmd(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "halt",
		Short: "Stop the scanner and shut the server down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, connect, func(ctx context.Context, c *client.Client) error {
				return c.Halt(ctx)
			})
		},
	}
}

func newStatusCmd(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the server status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, connect, func(ctx context.Context, c *client.Client) error {
				status, scanner, err := c.Status(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]interface{}{"scanner": scanner, "status": status})
			})
		},
	}
}

func newSetCmd(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "set name=value...",
		Short: "Set scanner parameters",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseAssignments(args)
			if err != nil {
				return err
			}
			return withClient(cmd, connect, func(ctx context.Context, c *client.Client) error {
				results, err := c.Set(ctx, values)
				if err != nil {
					return err
				}
				return printJSON(cmd, results)
			})
		},
	}
}

// parseAssignments turns name=value arguments into set values. Values that
// parse as numbers are sent as numbers.
func parseAssignments(args []string) (map[string]interface{}, error) {
	values := make(map[string]interface{}, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" || raw == "" {
			return nil, fmt.Errorf("invalid assignment %q, want name=value", arg)
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			values[name] = v
		} else {
			values[name] = raw
		}
	}
	return values, nil
}

func newGetCmd(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "get [name...]",
		Short: "Read scanner parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				for _, p := range model.Params {
					args = append(args, string(p))
				}
			}
			return withClient(cmd, connect, func(ctx context.Context, c *client.Client) error {
				values, err := c.Get(ctx, args...)
				if err != nil {
					return err
				}
				return printJSON(cmd, values)
			})
		},
	}
}

func newScanCmd(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "scan [field...]",
		Short: "Take a single scan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, connect, func(ctx context.Context, c *client.Client) error {
				values, err := c.Scan(ctx, args...)
				if err != nil {
					return err
				}
				return printJSON(cmd, values)
			})
		},
	}
}

func newLaserCmd(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:       "laser on|off",
		Short:     "Turn the laser on or off",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, connect, func(ctx context.Context, c *client.Client) error {
				return c.Laser(ctx, args[0] == "on")
			})
		},
	}
}

func newStreamCmd(connect connectFunc) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "stream [field...]",
		Short: "Stream frames until interrupted or count is reached",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, connect, func(ctx context.Context, c *client.Client) error {
				st, err := c.Stream(ctx, args...)
				if err != nil {
					return err
				}
				defer st.Close()

				var streamErr error
				for n := 0; count <= 0 || n < count; n++ {
					frame, err := st.Next(ctx)
					if err != nil {
						if !errors.Is(err, context.Canceled) {
							streamErr = err
						}
						break
					}
					if err := printJSON(cmd, map[string]interface{}{"frame": frame.Seq, "values": frame.Values}); err != nil {
						streamErr = err
						break
					}
				}

				// The interrupt cancelled ctx; stop with a fresh one.
				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), client.DefaultReplyTimeout)
				defer cancel()
				if err := c.Stop(stopCtx); err != nil && streamErr == nil {
					return err
				}
				return streamErr
			})
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "number of frames to receive (0 for no limit)")
	return cmd
}

func newVersionCmd(connect connectFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the server protocol version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, connect, func(ctx context.Context, c *client.Client) error {
				v, err := c.Version(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			})
		},
	}
}

// recordingSummary describes a capture file.
type recordingSummary struct {
	Version  int      `json:"version"`
	Driver   string   `json:"driver,omitempty"`
	Frames   int      `json:"frames"`
	Points   int      `json:"points"`
	States   []string `json:"states"`
	Duration float64  `json:"duration"`
}

func summarizeRecording(header recorder.Header, events []recorder.Event) recordingSummary {
	s := recordingSummary{
		Version: header.Version,
		Driver:  header.Driver,
		States:  []string{},
	}
	for _, e := range events {
		switch e.Type {
		case recorder.EventFrame:
			s.Frames++
			s.Points += len(e.Points)
		case recorder.EventState:
			s.States = append(s.States, string(e.State))
		}
		if e.TimeOffset > s.Duration {
			s.Duration = e.TimeOffset
		}
	}
	return s
}

func newRecordingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recording file",
		Short: "Summarize a capture file written by the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			header, events, err := recorder.ReadFile(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, summarizeRecording(header, events))
		},
	}
}
