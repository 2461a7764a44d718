// Package config loads the experiment configuration: calibration constants,
// stimulus geometry and the addresses of the services the tracker talks to.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/scivi-tools/readingtracker/internal/calib"
	"github.com/scivi-tools/readingtracker/internal/gazesource"
)

// DefaultConfigPath is the path to the canonical experiment defaults file.
const DefaultConfigPath = "config/experiment.defaults.json"

// Gaze source kinds.
const (
	GazeSerial   = "serial"
	GazeReplay   = "replay"
	GazeDisabled = "disabled"
)

// ExperimentConfig is the root configuration. Every field is optional; the
// Get* methods supply the default for anything left out, so partial files are
// safe.
type ExperimentConfig struct {
	// Calibration pattern
	TargetMaxRadius     *float64 `json:"target_max_radius,omitempty"`
	TargetMinRadius     *float64 `json:"target_min_radius,omitempty"`
	PointsPerRow        *int     `json:"points_per_row,omitempty"`
	RowsInPattern       *int     `json:"rows_in_pattern,omitempty"`
	SamplesToStart      *int     `json:"samples_to_start,omitempty"`
	SamplesToStartMove  *int     `json:"samples_to_start_move,omitempty"`
	SamplesToDecrease   *int     `json:"samples_to_decrease,omitempty"`
	SamplesToMove       *int     `json:"samples_to_move,omitempty"`
	SamplesToReject     *int     `json:"samples_to_reject,omitempty"`
	StartPosition       *float64 `json:"start_position,omitempty"`
	EndPosition         *float64 `json:"end_position,omitempty"`
	CenterPosition      *float64 `json:"center_position,omitempty"`
	OutlierThresholdDeg *float64 `json:"outlier_threshold_deg,omitempty"`
	MaxDistance         *float64 `json:"max_distance,omitempty"`
	CalibDistance       *float64 `json:"calib_distance,omitempty"`
	Epsilon             *float64 `json:"epsilon,omitempty"`

	// Stimulus placement
	StimulusDistance *float64 `json:"stimulus_distance,omitempty"`
	StimulusExtent   *float64 `json:"stimulus_extent,omitempty"`

	// SciVi endpoint
	SciViListen *string `json:"scivi_listen,omitempty"`
	SciViPath   *string `json:"scivi_path,omitempty"`

	// Eye-tracker bridge
	GazeSource         *string `json:"gaze_source,omitempty"` // serial, replay or disabled
	GazePort           *string `json:"gaze_port,omitempty"`
	GazeBaudRate       *int    `json:"gaze_baud_rate,omitempty"`
	GazeDataBits       *int    `json:"gaze_data_bits,omitempty"`
	GazeStopBits       *int    `json:"gaze_stop_bits,omitempty"`
	GazeParity         *string `json:"gaze_parity,omitempty"`
	GazeReplayFile     *string `json:"gaze_replay_file,omitempty"`
	GazeReplayInterval *string `json:"gaze_replay_interval,omitempty"` // duration string like "11ms"
	GazeReplayLoop     *bool   `json:"gaze_replay_loop,omitempty"`

	// Session store
	DBPath                *string `json:"db_path,omitempty"`
	RecorderFlushInterval *string `json:"recorder_flush_interval,omitempty"`
	RecorderBatchSize     *int    `json:"recorder_batch_size,omitempty"`

	// Admin and fan-out
	AdminListen   *string `json:"admin_listen,omitempty"`
	HubBuffer     *int    `json:"hub_buffer,omitempty"`
	MonitorWindow *int    `json:"monitor_window,omitempty"`
	NATSURL       *string `json:"nats_url,omitempty"`
	NATSSubject   *string `json:"nats_subject,omitempty"`

	// Offline stimuli
	StimulusDir      *string `json:"stimulus_dir,omitempty"`
	StimulusDebounce *string `json:"stimulus_debounce,omitempty"`
}

// EmptyExperimentConfig returns a config with every field unset.
func EmptyExperimentConfig() *ExperimentConfig {
	return &ExperimentConfig{}
}

// LoadExperimentConfig loads a config from a JSON file. The file must have a
// .json extension and be under 1MB. Unknown keys are rejected.
func LoadExperimentConfig(path string) (*ExperimentConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	f, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	cfg := EmptyExperimentConfig()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents up to the repository root. It panics if the file
// cannot be loaded and is intended for test setup.
func MustLoadDefaultConfig() *ExperimentConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadExperimentConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set.
func (c *ExperimentConfig) Validate() error {
	if err := c.CalibParams().Validate(); err != nil {
		return fmt.Errorf("calibration: %w", err)
	}

	for name, d := range map[string]*string{
		"gaze_replay_interval":    c.GazeReplayInterval,
		"recorder_flush_interval": c.RecorderFlushInterval,
		"stimulus_debounce":       c.StimulusDebounce,
	} {
		if d == nil || *d == "" {
			continue
		}
		v, err := time.ParseDuration(*d)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *d, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *d)
		}
	}

	switch c.GetGazeSource() {
	case GazeSerial, GazeReplay, GazeDisabled:
	default:
		return fmt.Errorf("gaze_source must be %q, %q or %q, got %q", GazeSerial, GazeReplay, GazeDisabled, c.GetGazeSource())
	}
	if c.GetGazeSource() == GazeReplay && c.GetGazeReplayFile() == "" {
		return fmt.Errorf("gaze_replay_file is required when gaze_source is %q", GazeReplay)
	}
	if _, err := c.GetGazePortOptions(); err != nil {
		return fmt.Errorf("gaze port: %w", err)
	}

	if c.StimulusDistance != nil && *c.StimulusDistance <= 0 {
		return fmt.Errorf("stimulus_distance must be positive, got %f", *c.StimulusDistance)
	}
	if c.StimulusExtent != nil && *c.StimulusExtent <= 0 {
		return fmt.Errorf("stimulus_extent must be positive, got %f", *c.StimulusExtent)
	}
	if c.RecorderBatchSize != nil && *c.RecorderBatchSize < 0 {
		return fmt.Errorf("recorder_batch_size must be non-negative, got %d", *c.RecorderBatchSize)
	}
	if c.HubBuffer != nil && *c.HubBuffer < 0 {
		return fmt.Errorf("hub_buffer must be non-negative, got %d", *c.HubBuffer)
	}
	if c.MonitorWindow != nil && *c.MonitorWindow < 0 {
		return fmt.Errorf("monitor_window must be non-negative, got %d", *c.MonitorWindow)
	}
	if c.GetNATSURL() != "" && c.GetNATSSubject() == "" {
		return fmt.Errorf("nats_subject is required when nats_url is set")
	}
	return nil
}

func getFloat(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func getInt(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func getString(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

func getDuration(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def
	}
	return d
}

// CalibParams returns the calibration constants, with calib.DefaultParams
// filling anything unset.
func (c *ExperimentConfig) CalibParams() calib.Params {
	p := calib.DefaultParams()
	p.TargetMaxRadius = getFloat(c.TargetMaxRadius, p.TargetMaxRadius)
	p.TargetMinRadius = getFloat(c.TargetMinRadius, p.TargetMinRadius)
	p.PointsPerRow = getInt(c.PointsPerRow, p.PointsPerRow)
	p.RowsInPattern = getInt(c.RowsInPattern, p.RowsInPattern)
	p.SamplesToStart = getInt(c.SamplesToStart, p.SamplesToStart)
	p.SamplesToStartMove = getInt(c.SamplesToStartMove, p.SamplesToStartMove)
	p.SamplesToDecrease = getInt(c.SamplesToDecrease, p.SamplesToDecrease)
	p.SamplesToMove = getInt(c.SamplesToMove, p.SamplesToMove)
	p.SamplesToReject = getInt(c.SamplesToReject, p.SamplesToReject)
	p.StartPosition = getFloat(c.StartPosition, p.StartPosition)
	p.EndPosition = getFloat(c.EndPosition, p.EndPosition)
	p.CenterPosition = getFloat(c.CenterPosition, p.CenterPosition)
	p.OutlierThresholdDeg = getFloat(c.OutlierThresholdDeg, p.OutlierThresholdDeg)
	p.MaxDistance = getFloat(c.MaxDistance, p.MaxDistance)
	p.CalibDistance = getFloat(c.CalibDistance, p.CalibDistance)
	p.Epsilon = getFloat(c.Epsilon, p.Epsilon)
	return p
}

// GetStimulusDistance is the home distance of the billboard from the origin.
func (c *ExperimentConfig) GetStimulusDistance() float64 {
	return getFloat(c.StimulusDistance, 450)
}

// GetStimulusExtent is the billboard's half-size before the first image.
func (c *ExperimentConfig) GetStimulusExtent() float64 {
	return getFloat(c.StimulusExtent, 50)
}

// GetSciViListen returns the SciVi WebSocket listen address.
func (c *ExperimentConfig) GetSciViListen() string {
	return getString(c.SciViListen, ":8765")
}

// GetSciViPath returns the SciVi WebSocket path.
func (c *ExperimentConfig) GetSciViPath() string {
	return getString(c.SciViPath, "/ue4")
}

// GetGazeSource returns serial, replay or disabled.
func (c *ExperimentConfig) GetGazeSource() string {
	return getString(c.GazeSource, GazeSerial)
}

// GetGazePort returns the bridge's serial device.
func (c *ExperimentConfig) GetGazePort() string {
	return getString(c.GazePort, "/dev/ttyACM0")
}

// GetGazePortOptions returns the normalised serial settings.
func (c *ExperimentConfig) GetGazePortOptions() (gazesource.PortOptions, error) {
	opts := gazesource.PortOptions{
		BaudRate: getInt(c.GazeBaudRate, gazesource.DefaultBaudRate),
		DataBits: getInt(c.GazeDataBits, 8),
		StopBits: getInt(c.GazeStopBits, 1),
		Parity:   getString(c.GazeParity, "N"),
	}
	return opts.Normalize()
}

// GetGazeReplayFile returns the fixtures file replayed in replay mode.
func (c *ExperimentConfig) GetGazeReplayFile() string {
	return getString(c.GazeReplayFile, "")
}

// GetGazeReplayInterval returns the pause between replayed frames.
func (c *ExperimentConfig) GetGazeReplayInterval() time.Duration {
	return getDuration(c.GazeReplayInterval, 11*time.Millisecond) // ~90 Hz
}

// GetGazeReplayLoop reports whether the replay restarts at EOF.
func (c *ExperimentConfig) GetGazeReplayLoop() bool {
	if c.GazeReplayLoop == nil {
		return false
	}
	return *c.GazeReplayLoop
}

// GetDBPath returns the session database path.
func (c *ExperimentConfig) GetDBPath() string {
	return getString(c.DBPath, "readingtracker.db")
}

// GetRecorderFlushInterval returns how often the recorder flushes.
func (c *ExperimentConfig) GetRecorderFlushInterval() time.Duration {
	return getDuration(c.RecorderFlushInterval, time.Second)
}

// GetRecorderBatchSize returns the recorder's batch size.
func (c *ExperimentConfig) GetRecorderBatchSize() int {
	return getInt(c.RecorderBatchSize, 512)
}

// GetAdminListen returns the admin/debug listen address.
func (c *ExperimentConfig) GetAdminListen() string {
	return getString(c.AdminListen, "localhost:8081")
}

// GetHubBuffer returns the per-subscriber telemetry buffer.
func (c *ExperimentConfig) GetHubBuffer() int {
	return getInt(c.HubBuffer, 256)
}

// GetMonitorWindow returns the number of samples the gaze plot keeps.
func (c *ExperimentConfig) GetMonitorWindow() int {
	return getInt(c.MonitorWindow, 2000)
}

// GetNATSURL returns the NATS server URL; empty disables the NATS sink.
func (c *ExperimentConfig) GetNATSURL() string {
	return getString(c.NATSURL, "")
}

// GetNATSSubject returns the subject telemetry lines are published on.
func (c *ExperimentConfig) GetNATSSubject() string {
	return getString(c.NATSSubject, "readingtracker.telemetry")
}

// GetStimulusDir returns the manifest directory; empty disables the watcher.
func (c *ExperimentConfig) GetStimulusDir() string {
	return getString(c.StimulusDir, "")
}

// GetStimulusDebounce returns the watcher's quiet period.
func (c *ExperimentConfig) GetStimulusDebounce() time.Duration {
	return getDuration(c.StimulusDebounce, 250*time.Millisecond)
}
