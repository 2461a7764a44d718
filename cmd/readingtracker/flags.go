package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/scivi-tools/readingtracker/internal/config"
)

// envPrefix namespaces the environment variables that stand in for flags.
const envPrefix = "READINGTRACKER_"

// options are the command-line settings of the run command. String fields
// left empty fall back to READINGTRACKER_* variables and then to the config
// file.
type options struct {
	ConfigPath  string
	DBPath      string
	SciViListen string
	AdminListen string
	GazeSource  string
	GazePort    string
	ReplayFile  string
	ReplayLoop  bool
	StimulusDir string
	NATSURL     string

	Participant        string
	Notes              string
	RestoreCalibration bool

	DebugLog string
	TraceLog string
	Version  bool
}

func newFlagSet(o *options, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("readingtracker", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.StringVar(&o.ConfigPath, "config", "", "Experiment config file (default "+config.DefaultConfigPath+" when present)")
	fs.StringVar(&o.DBPath, "db", "", "Path to the SQLite session database")
	fs.StringVar(&o.SciViListen, "scivi-listen", "", "Listen address for the SciVi WebSocket endpoint")
	fs.StringVar(&o.AdminListen, "admin-listen", "", "Listen address for metrics, state and debug routes")
	fs.StringVar(&o.GazeSource, "gaze-source", "", "Eye-tracker source: serial, replay or disabled")
	fs.StringVar(&o.GazePort, "gaze-port", "", "Serial device of the eye-tracker bridge")
	fs.StringVar(&o.ReplayFile, "replay", "", "Replay bridge lines from this file instead of the serial port")
	fs.BoolVar(&o.ReplayLoop, "replay-loop", false, "Restart the replay file at EOF")
	fs.StringVar(&o.StimulusDir, "stimulus-dir", "", "Watch this directory for stimulus manifests")
	fs.StringVar(&o.NATSURL, "nats-url", "", "Also publish telemetry lines to this NATS server")

	fs.StringVar(&o.Participant, "participant", "", "Participant code recorded with the session")
	fs.StringVar(&o.Notes, "notes", "", "Free-form notes recorded with the session")
	fs.BoolVar(&o.RestoreCalibration, "restore-calibration", true, "Start from the most recent stored calibration")

	fs.StringVar(&o.DebugLog, "debug-log", "", "Write diagnostic logs to this file (- for stderr)")
	fs.StringVar(&o.TraceLog, "trace-log", "", "Write per-frame trace logs to this file (- for stderr)")
	fs.BoolVar(&o.Version, "version", false, "Print the version and exit")
	return fs
}

// parseFlags parses args and fills unset string options from the
// environment.
func parseFlags(args []string, getenv func(string) string, output io.Writer) (options, error) {
	var o options
	fs := newFlagSet(&o, output)
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	for _, e := range []struct {
		dst *string
		key string
	}{
		{&o.ConfigPath, "CONFIG"},
		{&o.DBPath, "DB"},
		{&o.SciViListen, "SCIVI_LISTEN"},
		{&o.AdminListen, "ADMIN_LISTEN"},
		{&o.GazeSource, "GAZE_SOURCE"},
		{&o.GazePort, "GAZE_PORT"},
		{&o.ReplayFile, "REPLAY"},
		{&o.StimulusDir, "STIMULUS_DIR"},
		{&o.NATSURL, "NATS_URL"},
		{&o.Participant, "PARTICIPANT"},
		{&o.DebugLog, "DEBUG_LOG"},
		{&o.TraceLog, "TRACE_LOG"},
	} {
		if *e.dst == "" {
			*e.dst = getenv(envPrefix + e.key)
		}
	}

	if !set["restore-calibration"] {
		if v := getenv(envPrefix + "RESTORE_CALIBRATION"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return options{}, fmt.Errorf("invalid %sRESTORE_CALIBRATION %q: %w", envPrefix, v, err)
			}
			o.RestoreCalibration = b
		}
	}

	if o.ReplayFile != "" && o.GazeSource == "" {
		o.GazeSource = config.GazeReplay
	}
	return o, nil
}

// loadConfig reads the experiment config named by o, or the defaults file
// if it exists, and applies the options on top.
func loadConfig(o options) (*config.ExperimentConfig, error) {
	cfg := config.EmptyExperimentConfig()
	path := o.ConfigPath
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err == nil {
			path = config.DefaultConfigPath
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if path != "" {
		var err error
		if cfg, err = config.LoadExperimentConfig(path); err != nil {
			return nil, err
		}
	}

	override := func(dst **string, v string) {
		if v != "" {
			*dst = &v
		}
	}
	override(&cfg.DBPath, o.DBPath)
	override(&cfg.SciViListen, o.SciViListen)
	override(&cfg.AdminListen, o.AdminListen)
	override(&cfg.GazeSource, o.GazeSource)
	override(&cfg.GazePort, o.GazePort)
	override(&cfg.GazeReplayFile, o.ReplayFile)
	override(&cfg.StimulusDir, o.StimulusDir)
	override(&cfg.NATSURL, o.NATSURL)
	if o.ReplayLoop {
		loop := true
		cfg.GazeReplayLoop = &loop
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 2 * time.Second
