package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	configName = "sat-lec-rec"
	envPrefix  = "SATLECREC"
)

type Config struct {
	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat     string `mapstructure:"log_format" yaml:"log_format"`
	LogFile       string `mapstructure:"log_file" yaml:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`

	Recording RecordingConfig `mapstructure:"recording" yaml:"recording"`
	Capture   CaptureConfig   `mapstructure:"capture" yaml:"capture"`
	Pipe      PipeConfig      `mapstructure:"pipe" yaml:"pipe"`
	Embedded  EmbeddedConfig  `mapstructure:"embedded" yaml:"embedded"`
	Archive   ArchiveConfig   `mapstructure:"archive" yaml:"archive"`
	Control   ControlConfig   `mapstructure:"control" yaml:"control"`
}

// RecordingConfig selects the sink and the default session geometry.
type RecordingConfig struct {
	Sink       string `mapstructure:"sink" yaml:"sink"` // "pipe" or "embedded"
	OutputDir  string `mapstructure:"output_dir" yaml:"output_dir"`
	Width      int    `mapstructure:"width" yaml:"width"`
	Height     int    `mapstructure:"height" yaml:"height"`
	FPS        int    `mapstructure:"fps" yaml:"fps"`
	VideoQueue int    `mapstructure:"video_queue" yaml:"video_queue"`
	AudioQueue int    `mapstructure:"audio_queue" yaml:"audio_queue"`
}

type CaptureConfig struct {
	AcquireTimeout         time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	MaxRecoveries          int           `mapstructure:"max_recoveries" yaml:"max_recoveries"`
	RecoveryBackoff        time.Duration `mapstructure:"recovery_backoff" yaml:"recovery_backoff"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	RetryDelay             time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	AudioPollInterval      time.Duration `mapstructure:"audio_poll_interval" yaml:"audio_poll_interval"`
	AbortOnAudioLoss       bool          `mapstructure:"abort_on_audio_loss" yaml:"abort_on_audio_loss"`
	Synthetic              bool          `mapstructure:"synthetic" yaml:"synthetic"`
}

// PipeConfig configures the external ffmpeg process and its two input channels.
type PipeConfig struct {
	FFmpegPath     string        `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ExitTimeout    time.Duration `mapstructure:"exit_timeout" yaml:"exit_timeout"`
	Preset         string        `mapstructure:"preset" yaml:"preset"`
	CRF            int           `mapstructure:"crf" yaml:"crf"`
	Tune           string        `mapstructure:"tune" yaml:"tune"`
	AudioBitrate   int           `mapstructure:"audio_bitrate" yaml:"audio_bitrate"`
	Fragmented     bool          `mapstructure:"fragmented" yaml:"fragmented"`
	SegmentSeconds int           `mapstructure:"segment_seconds" yaml:"segment_seconds"`
	VFlip          bool          `mapstructure:"vflip" yaml:"vflip"`
	LogLevel       string        `mapstructure:"loglevel" yaml:"loglevel"`
}

// EmbeddedConfig configures the in-process encode and mux backend.
type EmbeddedConfig struct {
	Container    string `mapstructure:"container" yaml:"container"` // "mp4" or "ts"
	VideoEncoder string `mapstructure:"video_encoder" yaml:"video_encoder"`
	AudioEncoder string `mapstructure:"audio_encoder" yaml:"audio_encoder"`
	VideoBitrate int    `mapstructure:"video_bitrate" yaml:"video_bitrate"`
	AudioBitrate int    `mapstructure:"audio_bitrate" yaml:"audio_bitrate"`
	JPEGQuality  int    `mapstructure:"jpeg_quality" yaml:"jpeg_quality"`
	// OpenH264Library is the path or name of Cisco's OpenH264 shared
	// library; empty uses the platform's default name.
	OpenH264Library string `mapstructure:"openh264_library" yaml:"openh264_library"`
}

// ArchiveConfig configures post-recording upload of finished files.
type ArchiveConfig struct {
	Provider          string `mapstructure:"provider" yaml:"provider"`
	Prefix            string `mapstructure:"prefix" yaml:"prefix"`
	DeleteAfterUpload bool   `mapstructure:"delete_after_upload" yaml:"delete_after_upload"`
	Workers           int    `mapstructure:"workers" yaml:"workers"`

	LocalPath string `mapstructure:"local_path" yaml:"local_path"`

	S3Bucket       string `mapstructure:"s3_bucket" yaml:"s3_bucket"`
	S3Region       string `mapstructure:"s3_region" yaml:"s3_region"`
	S3Endpoint     string `mapstructure:"s3_endpoint" yaml:"s3_endpoint"`
	S3AccessKeyID  string `mapstructure:"s3_access_key_id" yaml:"s3_access_key_id"`
	S3SecretKey    string `mapstructure:"s3_secret_access_key" yaml:"s3_secret_access_key"`
	S3SessionToken string `mapstructure:"s3_session_token" yaml:"s3_session_token"`

	AzureConnectionString string `mapstructure:"azure_connection_string" yaml:"azure_connection_string"`
	AzureContainer        string `mapstructure:"azure_container" yaml:"azure_container"`

	B2AccountID string `mapstructure:"b2_account_id" yaml:"b2_account_id"`
	B2AppKey    string `mapstructure:"b2_application_key" yaml:"b2_application_key"`
	B2Bucket    string `mapstructure:"b2_bucket" yaml:"b2_bucket"`

	GCSBucket          string `mapstructure:"gcs_bucket" yaml:"gcs_bucket"`
	GCSCredentialsFile string `mapstructure:"gcs_credentials_file" yaml:"gcs_credentials_file"`
}

// ControlConfig configures the loopback host control server.
type ControlConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
	Token  string `mapstructure:"token" yaml:"token"`
}

func Default() *Config {
	return &Config{
		LogLevel:      "info",
		LogFormat:     "text",
		LogMaxSizeMB:  20,
		LogMaxBackups: 5,
		Recording: RecordingConfig{
			Sink:       "pipe",
			OutputDir:  defaultOutputDir(),
			FPS:        30,
			VideoQueue: 60,
			AudioQueue: 100,
		},
		Capture: CaptureConfig{
			AcquireTimeout:         100 * time.Millisecond,
			MaxRecoveries:          5,
			RecoveryBackoff:        200 * time.Millisecond,
			MaxConsecutiveFailures: 10,
			RetryDelay:             10 * time.Millisecond,
			AudioPollInterval:      10 * time.Millisecond,
		},
		Pipe: PipeConfig{
			ConnectTimeout: 10 * time.Second,
			ExitTimeout:    5 * time.Second,
			Preset:         "veryfast",
			CRF:            23,
			Tune:           "zerolatency",
			AudioBitrate:   192000,
			Fragmented:     true,
			LogLevel:       "info",
		},
		Embedded: EmbeddedConfig{
			Container:    "mp4",
			VideoEncoder: "auto",
			AudioEncoder: "auto",
			VideoBitrate: 4_000_000,
			AudioBitrate: 192000,
			JPEGQuality:  80,
		},
		Archive: ArchiveConfig{
			Provider: "none",
			Prefix:   "lectures",
			Workers:  1,
		},
		Control: ControlConfig{
			Listen: "127.0.0.1:47651",
		},
	}
}

// Load reads the config file (explicit path, or sat-lec-rec.yaml in the
// per-OS config dir or the working dir) and SATLECREC_* environment
// variables on top of Default().
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

// bindDefaults registers every key so AutomaticEnv can override keys that
// are absent from the config file.
func bindDefaults(v *viper.Viper, cfg *Config) {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return
	}
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, val := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if child, ok := val.(map[string]any); ok {
				walk(key, child)
				continue
			}
			v.SetDefault(key, val)
		}
	}
	walk("", tree)
}

// Save writes cfg as YAML to the default config location.
func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

// SaveTo writes cfg as YAML to cfgFile, or to the default location when empty.
func SaveTo(cfg *Config, cfgFile string) error {
	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(configDir(), configName+".yaml")
	}
	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	data, err := Marshal(cfg)
	if err != nil {
		return err
	}

	// Archive credentials may be present.
	return os.WriteFile(cfgPath, data, 0600)
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "SatLecRec")
		}
		return filepath.Join(os.Getenv("ProgramData"), "SatLecRec")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "SatLecRec")
	default:
		if dir, err := os.UserConfigDir(); err == nil {
			return filepath.Join(dir, "sat-lec-rec")
		}
		return "/etc/sat-lec-rec"
	}
}

func defaultOutputDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	if runtime.GOOS == "windows" {
		return filepath.Join(home, "Videos", "SatLecRec")
	}
	return filepath.Join(home, "sat-lec-rec")
}
