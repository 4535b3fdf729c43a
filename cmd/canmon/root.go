package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jonoton/go-candispatch/internal/config"
	"github.com/jonoton/go-candispatch/internal/log"
)

// flagValues mirrors the command line; only flags that were set override
// the config file.
type flagValues struct {
	configPath  string
	device      string
	bitrate     uint32
	loopback    bool
	logLevel    string
	metricsAddr string
	ids         []string
	generate    string
}

func newRootCmd() *cobra.Command {
	var fv flagValues
	d := config.Defaults()

	root := &cobra.Command{
		Use:   "canmon",
		Short: "Monitor a virtual CAN bus through the candispatch fabric",
		Example: "  canmon --id 0x123 --id 0x701 --generate 100ms\n" +
			"  canmon --config canmon.toml",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, fv)
			if err != nil {
				return err
			}
			log.Configure(log.Config{Level: cfg.LogLevel, Service: "canmon"})
			log.SetLevel(cfg.LogLevel)
			return runMonitor(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	f := root.Flags()
	f.StringVar(&fv.configPath, "config", "", "Config file (.yaml, .yml, .json, .toml)")
	f.StringVar(&fv.device, "device", d.Device, "Device name of the monitor node")
	f.Uint32Var(&fv.bitrate, "bitrate", d.Bitrate, "Bit rate in bit/s")
	f.BoolVar(&fv.loopback, "loopback", false, "Receive frames sent by the monitor node itself")
	f.StringVar(&fv.logLevel, "log-level", d.LogLevel, "Log level: debug|info|warn|error")
	f.StringVar(&fv.metricsAddr, "metrics-addr", d.MetricsAddr, "Listen address for /metrics and /healthz (empty disables)")
	f.StringSliceVar(&fv.ids, "id", nil, "Only show frames with this identifier (repeatable, hex with 0x)")
	f.StringVar(&fv.generate, "generate", "", "Attach a traffic generator sending at this interval, e.g. 100ms")
	return root
}

// resolveConfig layers defaults, the config file and explicitly set flags.
func resolveConfig(cmd *cobra.Command, fv flagValues) (config.Config, error) {
	var cfg config.Config
	if fv.configPath != "" {
		loaded, err := config.Load(fv.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	changed := cmd.Flags().Changed
	if changed("device") {
		cfg.Device = fv.device
	}
	if changed("bitrate") {
		cfg.Bitrate = fv.bitrate
	}
	if changed("loopback") {
		cfg.Loopback = fv.loopback
	}
	if changed("log-level") {
		cfg.LogLevel = fv.logLevel
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = fv.metricsAddr
	}
	if changed("id") {
		ids, err := parseIDs(fv.ids)
		if err != nil {
			return cfg, err
		}
		cfg.Filters = ids
	}
	if changed("generate") {
		cfg.GenerateInterval = fv.generate
	}

	cfg.ApplyDefaults()
	if changed("metrics-addr") && fv.metricsAddr == "" {
		cfg.MetricsAddr = ""
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func parseIDs(raw []string) ([]uint32, error) {
	ids := make([]uint32, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		v, err := strconv.ParseUint(s, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid --id %q: %w", s, err)
		}
		ids = append(ids, uint32(v))
	}
	return ids, nil
}
