// Package config holds the relay runtime configuration. Values come from
// DefaultConfig, then RELAY_* environment variables (optionally loaded from a
// .env file), then command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dj-oyu/target-relay/internal/display"
	"github.com/dj-oyu/target-relay/internal/logger"
	"github.com/joho/godotenv"
)

// Link kinds
const (
	LinkSerial = "serial"
	LinkTCP    = "tcp"
	LinkStdout = "stdout"
	LinkWebRTC = "webrtc"
)

// Camera kinds
const (
	CameraDevice = "device"
	CameraStill  = "still"
)

// Detector kinds
const (
	DetectorDNN = "dnn"
	DetectorKNN = "knn"
)

// KafkaConfig holds telemetry producer settings. Telemetry is off when
// BootstrapServers is empty.
type KafkaConfig struct {
	BootstrapServers string
	Topic            string
	SecurityProtocol string
	SASLMechanism    string
	SASLUsername     string
	SASLPassword     string
	ClientID         string
}

// Enabled reports whether a broker is configured
func (k KafkaConfig) Enabled() bool {
	return k.BootstrapServers != ""
}

// Config defines the runtime configuration for the relay
type Config struct {
	// Selection
	AllowList        []string
	ThresholdPercent float64
	Mirror           string // auto, on, off

	// Timing
	SendInterval    time.Duration
	RefreshInterval time.Duration
	SwitchDelay     time.Duration
	ReadyPoll       time.Duration
	ReadyTimeout    time.Duration

	// Display canvas
	DisplayWidth  int
	DisplayHeight int
	FitMode       string

	// Camera
	CameraKind        string
	Facing            string // initial facing: user or environment
	UserDevice        int
	EnvironmentDevice int
	CaptureWidth      int
	CaptureHeight     int
	StillUser         string
	StillEnvironment  string

	// Detector
	DetectorKind    string
	ModelPath       string
	ModelConfigPath string
	LabelsPath      string
	ModelLayout     string
	ModelInputSize  int
	SamplesPath     string

	// Link
	LinkKind         string
	SerialPort       string
	BaudRate         int
	TCPAddr          string
	STUNServers      []string
	DataChannelLabel string
	AutoConnect      bool

	// Servers
	HTTPAddr    string
	MetricsAddr string

	// Logging
	LogLevel string
	LogColor bool

	Kafka KafkaConfig
}

// DefaultConfig returns the configuration of the reference setup: a 400x300
// canvas, 100ms send gate, 50% threshold and COCO DNN detector.
func DefaultConfig() Config {
	return Config{
		AllowList:         []string{"person"},
		ThresholdPercent:  50,
		Mirror:            string(display.MirrorAuto),
		SendInterval:      100 * time.Millisecond,
		RefreshInterval:   16 * time.Millisecond,
		SwitchDelay:       500 * time.Millisecond,
		ReadyPoll:         100 * time.Millisecond,
		ReadyTimeout:      10 * time.Second,
		DisplayWidth:      400,
		DisplayHeight:     300,
		FitMode:           string(display.FitStretch),
		CameraKind:        CameraDevice,
		Facing:            "user",
		UserDevice:        0,
		EnvironmentDevice: 1,
		DetectorKind:      DetectorDNN,
		ModelPath:         "models/ssd_mobilenet_v2_coco.pb",
		ModelConfigPath:   "models/ssd_mobilenet_v2_coco.pbtxt",
		LabelsPath:        "models/coco_labels.txt",
		ModelLayout:       "ssd",
		ModelInputSize:    300,
		LinkKind:          LinkSerial,
		SerialPort:        "/dev/ttyUSB0",
		BaudRate:          115200,
		DataChannelLabel:  "uart",
		STUNServers:       []string{"stun:stun.l.google.com:19302"},
		HTTPAddr:          ":8080",
		MetricsAddr:       ":9090",
		LogLevel:          "info",
		Kafka: KafkaConfig{
			Topic:            "target-relay-transmissions",
			SecurityProtocol: "PLAINTEXT",
			ClientID:         "target-relay",
		},
	}
}

// Backfill replaces zero values with defaults
func (c *Config) Backfill() {
	def := DefaultConfig()
	if c.SendInterval <= 0 {
		c.SendInterval = def.SendInterval
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = def.RefreshInterval
	}
	if c.SwitchDelay <= 0 {
		c.SwitchDelay = def.SwitchDelay
	}
	if c.ReadyPoll <= 0 {
		c.ReadyPoll = def.ReadyPoll
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = def.ReadyTimeout
	}
	if c.DisplayWidth <= 0 {
		c.DisplayWidth = def.DisplayWidth
	}
	if c.DisplayHeight <= 0 {
		c.DisplayHeight = def.DisplayHeight
	}
	if c.Mirror == "" {
		c.Mirror = def.Mirror
	}
	if c.FitMode == "" {
		c.FitMode = def.FitMode
	}
	if c.Facing == "" {
		c.Facing = def.Facing
	}
	if c.BaudRate <= 0 {
		c.BaudRate = def.BaudRate
	}
	if c.DataChannelLabel == "" {
		c.DataChannelLabel = def.DataChannelLabel
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = def.Kafka.Topic
	}
}

// Validate checks option values
func (c *Config) Validate() error {
	var errs []error
	if c.ThresholdPercent < 0 || c.ThresholdPercent > 100 {
		errs = append(errs, fmt.Errorf("threshold %.1f outside 0..100", c.ThresholdPercent))
	}
	if _, err := display.ParseMirrorPolicy(c.Mirror); err != nil {
		errs = append(errs, err)
	}
	if _, err := display.ParseFitMode(c.FitMode); err != nil {
		errs = append(errs, err)
	}
	if c.Facing != "user" && c.Facing != "environment" {
		errs = append(errs, fmt.Errorf("invalid facing: %s", c.Facing))
	}
	switch c.CameraKind {
	case CameraDevice:
	case CameraStill:
		if c.StillUser == "" && c.StillEnvironment == "" {
			errs = append(errs, errors.New("still camera needs at least one image"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid camera kind: %s", c.CameraKind))
	}
	switch c.DetectorKind {
	case DetectorDNN:
		if c.ModelPath == "" || c.LabelsPath == "" {
			errs = append(errs, errors.New("dnn detector needs model and labels paths"))
		}
	case DetectorKNN:
		if c.SamplesPath == "" {
			errs = append(errs, errors.New("knn detector needs a samples path"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid detector kind: %s", c.DetectorKind))
	}
	switch c.LinkKind {
	case LinkSerial:
		if c.SerialPort == "" {
			errs = append(errs, errors.New("serial link needs a port"))
		}
	case LinkTCP:
		if c.TCPAddr == "" {
			errs = append(errs, errors.New("tcp link needs an address"))
		}
	case LinkStdout, LinkWebRTC:
	default:
		errs = append(errs, fmt.Errorf("invalid link kind: %s", c.LinkKind))
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// LoadEnv loads .env files (missing files are ignored) and applies RELAY_*
// and KAFKA_* overrides to c. Existing process variables win over the files.
func LoadEnv(c *Config, files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	c.AllowList = getEnvList("RELAY_ALLOW", c.AllowList)
	c.ThresholdPercent = getEnvFloat("RELAY_THRESHOLD", c.ThresholdPercent)
	c.Mirror = getEnv("RELAY_MIRROR", c.Mirror)
	c.SendInterval = getEnvDuration("RELAY_SEND_INTERVAL", c.SendInterval)
	c.RefreshInterval = getEnvDuration("RELAY_REFRESH_INTERVAL", c.RefreshInterval)
	c.DisplayWidth = getEnvInt("RELAY_DISPLAY_WIDTH", c.DisplayWidth)
	c.DisplayHeight = getEnvInt("RELAY_DISPLAY_HEIGHT", c.DisplayHeight)
	c.FitMode = getEnv("RELAY_FIT", c.FitMode)
	c.CameraKind = getEnv("RELAY_CAMERA", c.CameraKind)
	c.Facing = getEnv("RELAY_FACING", c.Facing)
	c.UserDevice = getEnvInt("RELAY_USER_DEVICE", c.UserDevice)
	c.EnvironmentDevice = getEnvInt("RELAY_ENVIRONMENT_DEVICE", c.EnvironmentDevice)
	c.StillUser = getEnv("RELAY_STILL_USER", c.StillUser)
	c.StillEnvironment = getEnv("RELAY_STILL_ENVIRONMENT", c.StillEnvironment)
	c.DetectorKind = getEnv("RELAY_DETECTOR", c.DetectorKind)
	c.ModelPath = getEnv("RELAY_MODEL", c.ModelPath)
	c.ModelConfigPath = getEnv("RELAY_MODEL_CONFIG", c.ModelConfigPath)
	c.LabelsPath = getEnv("RELAY_LABELS", c.LabelsPath)
	c.SamplesPath = getEnv("RELAY_SAMPLES", c.SamplesPath)
	c.LinkKind = getEnv("RELAY_LINK", c.LinkKind)
	c.SerialPort = getEnv("RELAY_SERIAL_PORT", c.SerialPort)
	c.BaudRate = getEnvInt("RELAY_BAUD", c.BaudRate)
	c.TCPAddr = getEnv("RELAY_TCP_ADDR", c.TCPAddr)
	c.STUNServers = getEnvList("RELAY_STUN", c.STUNServers)
	c.AutoConnect = getEnvBool("RELAY_AUTO_CONNECT", c.AutoConnect)
	c.HTTPAddr = getEnv("RELAY_HTTP_ADDR", c.HTTPAddr)
	c.MetricsAddr = getEnv("RELAY_METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = getEnv("RELAY_LOG_LEVEL", c.LogLevel)
	c.LogColor = getEnvBool("RELAY_LOG_COLOR", c.LogColor)

	c.Kafka.BootstrapServers = getEnv("KAFKA_BOOTSTRAP_SERVERS", c.Kafka.BootstrapServers)
	c.Kafka.Topic = getEnv("KAFKA_TOPIC", c.Kafka.Topic)
	c.Kafka.SecurityProtocol = getEnv("KAFKA_SECURITY_PROTOCOL", c.Kafka.SecurityProtocol)
	c.Kafka.SASLMechanism = getEnv("KAFKA_SASL_MECHANISM", c.Kafka.SASLMechanism)
	c.Kafka.SASLUsername = getEnv("KAFKA_SASL_USERNAME", c.Kafka.SASLUsername)
	c.Kafka.SASLPassword = getEnv("KAFKA_SASL_PASSWORD", c.Kafka.SASLPassword)
	c.Kafka.ClientID = getEnv("KAFKA_CLIENT_ID", c.Kafka.ClientID)
	return nil
}

// BindFlags registers flags on fs that write into c. Current values become
// the flag defaults, so call after LoadEnv.
func BindFlags(fs *flag.FlagSet, c *Config) {
	fs.Var(listValue{&c.AllowList}, "allow", "Comma-separated labels to track")
	fs.Float64Var(&c.ThresholdPercent, "threshold", c.ThresholdPercent, "Confidence threshold percent (0-100)")
	fs.StringVar(&c.Mirror, "mirror", c.Mirror, "Mirror policy: auto, on, off")
	fs.DurationVar(&c.SendInterval, "send-interval", c.SendInterval, "Minimum spacing between transmissions")
	fs.DurationVar(&c.RefreshInterval, "refresh", c.RefreshInterval, "Render loop interval")
	fs.IntVar(&c.DisplayWidth, "display-width", c.DisplayWidth, "Display canvas width")
	fs.IntVar(&c.DisplayHeight, "display-height", c.DisplayHeight, "Display canvas height")
	fs.StringVar(&c.FitMode, "fit", c.FitMode, "Fit mode: stretch, crop, none")

	fs.StringVar(&c.CameraKind, "camera", c.CameraKind, "Camera kind: device, still")
	fs.StringVar(&c.Facing, "facing", c.Facing, "Initial facing: user, environment")
	fs.IntVar(&c.UserDevice, "user-device", c.UserDevice, "Capture device index facing the user")
	fs.IntVar(&c.EnvironmentDevice, "environment-device", c.EnvironmentDevice, "Capture device index facing away")
	fs.IntVar(&c.CaptureWidth, "capture-width", c.CaptureWidth, "Requested capture width (0 = driver default)")
	fs.IntVar(&c.CaptureHeight, "capture-height", c.CaptureHeight, "Requested capture height (0 = driver default)")
	fs.StringVar(&c.StillUser, "still-user", c.StillUser, "Image shown as the user-facing still camera")
	fs.StringVar(&c.StillEnvironment, "still-environment", c.StillEnvironment, "Image shown as the environment-facing still camera")

	fs.StringVar(&c.DetectorKind, "detector", c.DetectorKind, "Detector backend: dnn, knn")
	fs.StringVar(&c.ModelPath, "model", c.ModelPath, "DNN model weights")
	fs.StringVar(&c.ModelConfigPath, "model-config", c.ModelConfigPath, "DNN model graph config")
	fs.StringVar(&c.LabelsPath, "labels", c.LabelsPath, "DNN label file, one label per class ID")
	fs.StringVar(&c.ModelLayout, "model-layout", c.ModelLayout, "DNN output layout: ssd, yolo")
	fs.IntVar(&c.ModelInputSize, "model-input", c.ModelInputSize, "DNN square input size")
	fs.StringVar(&c.SamplesPath, "samples", c.SamplesPath, "KNN colour samples CSV (label,r,g,b)")

	fs.StringVar(&c.LinkKind, "link", c.LinkKind, "Link kind: serial, tcp, stdout, webrtc")
	fs.StringVar(&c.SerialPort, "serial-port", c.SerialPort, "Serial port device")
	fs.IntVar(&c.BaudRate, "baud", c.BaudRate, "Serial baud rate")
	fs.StringVar(&c.TCPAddr, "tcp-addr", c.TCPAddr, "TCP bridge address")
	fs.StringVar(&c.DataChannelLabel, "datachannel", c.DataChannelLabel, "WebRTC data channel label")
	fs.BoolVar(&c.AutoConnect, "auto-connect", c.AutoConnect, "Connect the link at startup")

	fs.StringVar(&c.HTTPAddr, "http", c.HTTPAddr, "Monitor HTTP listen address")
	fs.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "Prometheus metrics address (empty to disable)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug, info, warn, error, silent")
	fs.BoolVar(&c.LogColor, "log-color", c.LogColor, "Enable colored log output")
	fs.StringVar(&c.Kafka.BootstrapServers, "kafka", c.Kafka.BootstrapServers, "Kafka bootstrap servers for telemetry (empty to disable)")
	fs.StringVar(&c.Kafka.Topic, "kafka-topic", c.Kafka.Topic, "Kafka telemetry topic")
}

type listValue struct {
	list *[]string
}

func (v listValue) String() string {
	if v.list == nil {
		return ""
	}
	return strings.Join(*v.list, ",")
}

func (v listValue) Set(s string) error {
	*v.list = splitList(s)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
		logger.Warn("Config", "Ignoring %s=%q: not an integer", key, value)
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
		logger.Warn("Config", "Ignoring %s=%q: not a number", key, value)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseBool(value); err == nil {
			return v
		}
		logger.Warn("Config", "Ignoring %s=%q: not a boolean", key, value)
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if v, err := time.ParseDuration(value); err == nil {
			return v
		}
		logger.Warn("Config", "Ignoring %s=%q: not a duration", key, value)
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return splitList(value)
	}
	return defaultValue
}
