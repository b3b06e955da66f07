package config

import (
	"math"
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/devchar/internal/acquisition"
	"codeberg.org/mutker/devchar/internal/errors"
	"codeberg.org/mutker/devchar/internal/notify"
	"codeberg.org/mutker/devchar/internal/psd"
	"codeberg.org/mutker/devchar/internal/results"
	"codeberg.org/mutker/devchar/internal/source"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gonum.org/v1/gonum/floats"
)

const (
	DefaultEnvPrefix = "DEVCHAR"
	DefaultLogLevel  = string(LogLevelInfo)
	DefaultEnvFile   = ".env"
	configName       = "devchar"
)

type Config struct {
	LogLevel    string            `mapstructure:"log_level"`
	Simulate    bool              `mapstructure:"simulate"`
	PIDFile     string            `mapstructure:"pid_file"`
	Acquisition AcquisitionConfig `mapstructure:"acquisition"`
	Sweep       SweepConfig       `mapstructure:"sweep"`
	PSD         PSDConfig         `mapstructure:"psd"`
	Results     ResultsConfig     `mapstructure:"results"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	Status      StatusConfig      `mapstructure:"status"`
	Simulator   SimulatorConfig   `mapstructure:"simulator"`
}

type AcquisitionConfig struct {
	Fs         float64       `mapstructure:"fs"`
	Channels   []string      `mapstructure:"channels"`
	ViewBuffer float64       `mapstructure:"view_buffer"`
	MaxSlope   float64       `mapstructure:"max_slope"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Range is an evenly spaced list of Points values from Start to Stop.
type Range struct {
	Start  float64 `mapstructure:"start"`
	Stop   float64 `mapstructure:"stop"`
	Points int     `mapstructure:"points"`
}

// Values expands the range; nil when Points is zero.
func (r Range) Values() []float64 {
	switch {
	case r.Points <= 0:
		return nil
	case r.Points == 1:
		return []float64{r.Start}
	}
	return floats.Span(make([]float64, r.Points), r.Start, r.Stop)
}

// SweepConfig takes explicit value lists; a range is used when its list
// is empty.
type SweepConfig struct {
	VgValues []float64 `mapstructure:"vg_values"`
	VdValues []float64 `mapstructure:"vd_values"`
	VgRange  Range     `mapstructure:"vg_range"`
	VdRange  Range     `mapstructure:"vd_range"`
}

func (s SweepConfig) Vg() []float64 {
	if len(s.VgValues) > 0 {
		return s.VgValues
	}
	return s.VgRange.Values()
}

func (s SweepConfig) Vd() []float64 {
	if len(s.VdValues) > 0 {
		return s.VdValues
	}
	return s.VdRange.Values()
}

type PSDConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	NFFT    int    `mapstructure:"nfft"`
	NAvg    int    `mapstructure:"navg"`
	Scaling string `mapstructure:"scaling"`

	// FMin picks NFFT when NFFT is zero.
	FMin float64 `mapstructure:"fmin"`
}

type ResultsConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	DBPath        string        `mapstructure:"db_path"`
	BackupDir     string        `mapstructure:"backup_dir"`
	BatchSize     int           `mapstructure:"batch_size"`
	BatchInterval time.Duration `mapstructure:"batch_interval"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         int    `mapstructure:"qos"`
	KeepAlive   int    `mapstructure:"keepalive"`

	// DriveSetpoints publishes setpoints as commands for a remote bias source.
	DriveSetpoints bool `mapstructure:"drive_setpoints"`
}

type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type SimulatorConfig struct {
	TimeConstant  time.Duration `mapstructure:"time_constant"`
	Noise         float64       `mapstructure:"noise"`
	ToneFrequency float64       `mapstructure:"tone_frequency"`
	ToneAmplitude float64       `mapstructure:"tone_amplitude"`
	ChunkRows     int           `mapstructure:"chunk_rows"`
	Seed          int64         `mapstructure:"seed"`
}

func setDefaults(v *viper.Viper) {
	r := results.DefaultConfig()
	m := notify.DefaultConfig()
	s := source.DefaultConfig()

	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("simulate", false)
	v.SetDefault("pid_file", "")

	v.SetDefault("acquisition.fs", 1000.0)
	v.SetDefault("acquisition.channels", []string{"Ch01"})
	v.SetDefault("acquisition.view_buffer", 1.0)
	v.SetDefault("acquisition.max_slope", 1e-6)
	v.SetDefault("acquisition.timeout", 30*time.Second)

	v.SetDefault("sweep.vg_values", []float64{})
	v.SetDefault("sweep.vd_values", []float64{})
	v.SetDefault("sweep.vg_range.start", 0.0)
	v.SetDefault("sweep.vg_range.stop", -0.3)
	v.SetDefault("sweep.vg_range.points", 4)
	v.SetDefault("sweep.vd_range.start", 0.05)
	v.SetDefault("sweep.vd_range.stop", 0.1)
	v.SetDefault("sweep.vd_range.points", 2)

	v.SetDefault("psd.enabled", false)
	v.SetDefault("psd.nfft", 0)
	v.SetDefault("psd.navg", 5)
	v.SetDefault("psd.scaling", string(psd.Density))
	v.SetDefault("psd.fmin", 1.0)

	v.SetDefault("results.enabled", r.Enabled)
	v.SetDefault("results.db_path", r.DBPath)
	v.SetDefault("results.backup_dir", r.BackupDir)
	v.SetDefault("results.batch_size", r.BatchSize)
	v.SetDefault("results.batch_interval", r.BatchInterval)

	v.SetDefault("mqtt.enabled", m.Enabled)
	v.SetDefault("mqtt.broker", m.Broker)
	v.SetDefault("mqtt.client_id", m.ClientID)
	v.SetDefault("mqtt.topic_prefix", m.TopicPrefix)
	v.SetDefault("mqtt.qos", int(m.QoS))
	v.SetDefault("mqtt.keepalive", int(m.KeepAlive))
	v.SetDefault("mqtt.drive_setpoints", false)

	v.SetDefault("status.enabled", false)
	v.SetDefault("status.listen", "127.0.0.1:8089")

	v.SetDefault("simulator.time_constant", s.TimeConstant)
	v.SetDefault("simulator.noise", s.Noise)
	v.SetDefault("simulator.tone_frequency", s.ToneFrequency)
	v.SetDefault("simulator.tone_amplitude", s.ToneAmplitude)
	v.SetDefault("simulator.chunk_rows", s.ChunkRows)
	v.SetDefault("simulator.seed", s.Seed)
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet(configName, pflag.ContinueOnError)
	fs.String("config", "", "Path to the configuration file")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.Bool("simulate", false, "Drive the simulated device instead of external hardware")
	fs.Float64("max-slope", 1e-6, "Mean absolute slope below which a buffer counts as stable")
	fs.Duration("timeout", 30*time.Second, "Stability timeout per sweep point")
	fs.String("results-db", "", "Store results in this SQLite database")
	fs.String("status-listen", "", "Serve sweep status on this address")
	return fs
}

// Load reads configuration from defaults, an optional TOML file, a dotenv
// file, the environment and args, in increasing order of precedence.
func Load(args []string, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix, envFile: DefaultEnvFile}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	if o.envFile != "" {
		if _, err := os.Stat(o.envFile); err == nil {
			if err := godotenv.Load(o.envFile); err != nil {
				return nil, errFactory.Wrap(errors.ErrReadConfig, err)
			}
		}
	}

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrParseFlags, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for key, flag := range map[string]string{
		"log_level":             "log-level",
		"simulate":              "simulate",
		"acquisition.max_slope": "max-slope",
		"acquisition.timeout":   "timeout",
		"results.db_path":       "results-db",
		"status.listen":         "status-listen",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	if err := readConfigFile(v, fs, o); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	// A flag naming a database or listen address implies the feature.
	if fs.Changed("results-db") {
		cfg.Results.Enabled = true
	}
	if fs.Changed("status-listen") {
		cfg.Status.Enabled = true
	}
	if cfg.PSD.NFFT == 0 && cfg.PSD.FMin > 0 && cfg.Acquisition.Fs > 0 {
		cfg.PSD.NFFT = NFFTForMinFrequency(cfg.Acquisition.Fs, cfg.PSD.FMin)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, fs *pflag.FlagSet, o *options) error {
	errFactory := errors.New()

	path := o.configPath
	if flagPath, _ := fs.GetString("config"); flagPath != "" {
		path = flagPath
	}
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath("/etc/" + configName)
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return errFactory.Wrap(errors.ErrReadConfig, err)
	}
	return nil
}

// NFFTForMinFrequency picks the segment exponent whose frequency resolution
// reaches fmin.
func NFFTForMinFrequency(fs, fmin float64) int {
	return int(math.Round(math.Log2(fs/fmin))) + 1
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	if err := c.Settings().Validate(); err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	if err := c.StoreConfig().Validate(); err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 || c.MQTT.KeepAlive < 0 || c.MQTT.KeepAlive > math.MaxUint16 {
		return errFactory.WithData(errors.ErrInvalidConfig, "mqtt qos must be 0-2 and keepalive 0-65535")
	}
	if err := c.PublisherConfig().Validate(); err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}
	if c.Status.Enabled && c.Status.Listen == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "status listen address is required")
	}
	if c.Simulate {
		if err := c.SourceConfig().Validate(); err != nil {
			return errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	return nil
}

// Settings maps the file layout onto pipeline settings.
func (c *Config) Settings() acquisition.Settings {
	return acquisition.Settings{
		Fs:         c.Acquisition.Fs,
		Channels:   c.Acquisition.Channels,
		MaxSlope:   c.Acquisition.MaxSlope,
		Timeout:    c.Acquisition.Timeout,
		ViewBuffer: c.Acquisition.ViewBuffer,
		ACEnabled:  c.PSD.Enabled,
		NFFT:       c.PSD.NFFT,
		NAvg:       c.PSD.NAvg,
		Scaling:    psd.Scaling(c.PSD.Scaling),
		VgValues:   c.Sweep.Vg(),
		VdValues:   c.Sweep.Vd(),
	}
}

func (c *Config) StoreConfig() results.Config {
	return results.Config{
		Enabled:       c.Results.Enabled,
		DBPath:        c.Results.DBPath,
		BackupDir:     c.Results.BackupDir,
		BatchSize:     c.Results.BatchSize,
		BatchInterval: c.Results.BatchInterval,
	}
}

func (c *Config) PublisherConfig() notify.Config {
	cfg := notify.DefaultConfig()
	cfg.Enabled = c.MQTT.Enabled
	cfg.Broker = c.MQTT.Broker
	cfg.ClientID = c.MQTT.ClientID
	cfg.TopicPrefix = c.MQTT.TopicPrefix
	cfg.QoS = byte(c.MQTT.QoS)
	cfg.KeepAlive = uint16(c.MQTT.KeepAlive)
	return cfg
}

// SourceConfig gives every channel unit gain.
func (c *Config) SourceConfig() source.Config {
	gain := make([]float64, len(c.Acquisition.Channels))
	for i := range gain {
		gain[i] = 1
	}

	return source.Config{
		Fs:               c.Acquisition.Fs,
		Gain:             gain,
		Offset:           source.DefaultConfig().Offset,
		Transconductance: source.DefaultConfig().Transconductance,
		TimeConstant:     c.Simulator.TimeConstant,
		Noise:            c.Simulator.Noise,
		ToneFrequency:    c.Simulator.ToneFrequency,
		ToneAmplitude:    c.Simulator.ToneAmplitude,
		ChunkRows:        c.Simulator.ChunkRows,
		Seed:             c.Simulator.Seed,
	}
}

// PSDAcquisitionTime is how long one spectrum takes to collect.
func (c *Config) PSDAcquisitionTime() time.Duration {
	if c.Acquisition.Fs <= 0 {
		return 0
	}
	seconds := float64(int(1)<<c.PSD.NFFT) / c.Acquisition.Fs * float64(c.PSD.NAvg)
	return time.Duration(seconds * float64(time.Second))
}

// MinFrequency is the spectral resolution, Fs / 2^NFFT.
func (c *Config) MinFrequency() float64 {
	return c.Acquisition.Fs / float64(int(1)<<c.PSD.NFFT)
}
