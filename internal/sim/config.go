package sim

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mesh-emulator/internal/logging"
	"mesh-emulator/internal/network"
	"mesh-emulator/internal/node"
	"mesh-emulator/internal/observability"
	"mesh-emulator/internal/transport"
)

const (
	PlacementRandom = "random"
	PlacementGrid   = "grid"
	PlacementFile   = "file"

	LauncherExec     = "exec"
	LauncherExternal = "external"
)

type NodesConfig struct {
	Count       int     `yaml:"count" json:"count"`
	Placement   string  `yaml:"placement" json:"placement"` // random | grid | file
	LayoutFile  string  `yaml:"layout_file" json:"layout_file"`
	Area        float64 `yaml:"area" json:"area"` // side of the square area, metres
	MinDistance float64 `yaml:"min_distance" json:"min_distance"`
	Seed        int64   `yaml:"seed" json:"seed"`
	// Defaults apply to generated nodes; only position is generated.
	Defaults node.Settings `yaml:"defaults" json:"defaults"`
}

type RadioConfig struct {
	TxPower   float64 `yaml:"tx_power" json:"tx_power"`   // dBm
	Frequency float64 `yaml:"frequency" json:"frequency"` // Hz
	Modem     string  `yaml:"modem" json:"modem"`
	PathLoss  string  `yaml:"path_loss" json:"path_loss"`
	// Optional overrides of the modem preset values.
	NoiseFloor  *float64 `yaml:"noise_floor" json:"noise_floor"`
	Sensitivity *float64 `yaml:"sensitivity" json:"sensitivity"`
}

type TransportConfig struct {
	Host             string                  `yaml:"host" json:"host"`
	BasePort         int                     `yaml:"base_port" json:"base_port"`
	Retry            transport.RetryPolicy   `yaml:"retry" json:"retry"`
	HandshakeTimeout time.Duration           `yaml:"handshake_timeout" json:"handshake_timeout"`
	Settle           transport.SettleOptions `yaml:"settle" json:"settle"`
}

type LauncherConfig struct {
	Mode         string        `yaml:"mode" json:"mode"` // exec | external
	Program      string        `yaml:"program" json:"program"`
	DataDir      string        `yaml:"data_dir" json:"data_dir"`
	ResetConfig  bool          `yaml:"reset_config" json:"reset_config"`
	StartupDelay time.Duration `yaml:"startup_delay" json:"startup_delay"`
	// Stagger spaces out node launches and configuration so their first
	// transmissions do not collide.
	Stagger time.Duration `yaml:"stagger" json:"stagger"`
}

type BridgeConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Listen  string `yaml:"listen" json:"listen"`
	Node    uint32 `yaml:"node" json:"node"`
}

type MQTTConfig struct {
	Broker       string `yaml:"broker" json:"broker"`
	ClientID     string `yaml:"client_id" json:"client_id"`
	EventTopic   string `yaml:"event_topic" json:"event_topic"`
	CommandTopic string `yaml:"command_topic" json:"command_topic"`
	QoS          byte   `yaml:"qos" json:"qos"`
}

type ObserversConfig struct {
	Listen      string        `yaml:"listen" json:"listen"`
	QueueSize   int           `yaml:"queue_size" json:"queue_size"`
	SendTimeout time.Duration `yaml:"send_timeout" json:"send_timeout"`
	MQTT        MQTTConfig    `yaml:"mqtt" json:"mqtt"`
}

type MetricsConfig struct {
	File            string        `yaml:"file" json:"file"`
	MonitorInterval time.Duration `yaml:"monitor_interval" json:"monitor_interval"`
}

// ScriptStep is one command of a batch run, issued At after startup.
type ScriptStep struct {
	At      time.Duration `yaml:"at" json:"at"`
	Command string        `yaml:"command" json:"command"`
	From    uint32        `yaml:"from" json:"from"`
	To      uint32        `yaml:"to" json:"to"`
	Text    string        `yaml:"text" json:"text"`
}

// Config is the complete, validated emulator configuration. Build one with
// LoadConfig or a ConfigBuilder.
type Config struct {
	Nodes     NodesConfig                 `yaml:"nodes" json:"nodes"`
	Radio     RadioConfig                 `yaml:"radio" json:"radio"`
	Transport TransportConfig             `yaml:"transport" json:"transport"`
	Launcher  LauncherConfig              `yaml:"launcher" json:"launcher"`
	Bridge    BridgeConfig                `yaml:"bridge" json:"bridge"`
	Observers ObserversConfig             `yaml:"observers" json:"observers"`
	Metrics   MetricsConfig               `yaml:"metrics" json:"metrics"`
	Tracing   observability.TracingConfig `yaml:"tracing" json:"tracing"`
	Logging   logging.Config              `yaml:"logging" json:"logging"`
	Script    []ScriptStep                `yaml:"script" json:"script"`
	// Duration ends a batch run; zero runs until interrupted.
	Duration time.Duration `yaml:"duration" json:"duration"`
}

// DefaultConfig mirrors the stock single-host setup: nodes on
// localhost:4404.., LONG_FAST at 869.525 MHz.
func DefaultConfig() Config {
	return Config{
		Nodes: NodesConfig{
			Count:       3,
			Placement:   PlacementRandom,
			Area:        3000,
			MinDistance: 200,
			Seed:        1,
			Defaults:    node.Settings{Z: 1, HopLimit: 3},
		},
		Radio: RadioConfig{
			TxPower:   20,
			Frequency: 869.525e6,
			Modem:     "LONG_FAST",
			PathLoss:  "log_distance",
		},
		Transport: TransportConfig{
			Host:             "localhost",
			BasePort:         4404,
			Retry:            transport.DefaultRetryPolicy(),
			HandshakeTimeout: 10 * time.Second,
			Settle:           transport.DefaultSettleOptions(),
		},
		Launcher: LauncherConfig{
			Mode:         LauncherExternal,
			Program:      ".",
			DataDir:      "~/.portduino",
			StartupDelay: 4 * time.Second,
		},
		Bridge: BridgeConfig{Listen: ":4402"},
		Observers: ObserversConfig{
			Listen:      ":8765",
			QueueSize:   256,
			SendTimeout: 2 * time.Second,
			MQTT: MQTTConfig{
				ClientID:     "mesh-emulator",
				EventTopic:   "mesh/events",
				CommandTopic: "mesh/commands",
			},
		},
		Metrics: MetricsConfig{File: "metrics.json", MonitorInterval: 30 * time.Second},
		Tracing: observability.TracingConfig{ServiceName: "mesh-emulator", Exporter: "stdout", SampleRatio: 1},
		Logging: logging.Config{Level: "info", Format: "text"},
	}
}

// LoadConfig reads a YAML file, falling back to JSON, over DefaultConfig
// and validates the result.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	if yerr := yaml.Unmarshal(raw, &cfg); yerr != nil {
		cfg = DefaultConfig()
		if jerr := json.Unmarshal(raw, &cfg); jerr != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, errors.Join(yerr, jerr))
		}
	}
	return NewConfigBuilder(cfg).Build()
}

// Params derives the radio parameters from the modem preset and overrides.
func (c Config) Params() (network.Params, error) {
	p, err := network.ParamsFor(c.Radio.Modem, c.Radio.TxPower, c.Radio.Frequency)
	if err != nil {
		return network.Params{}, err
	}
	if c.Radio.NoiseFloor != nil {
		p.NoiseFloor = *c.Radio.NoiseFloor
	}
	if c.Radio.Sensitivity != nil {
		p.Sensitivity = *c.Radio.Sensitivity
	}
	return p, nil
}

// NodeAddr is the API address of node id.
func (c Config) NodeAddr(id uint32) string {
	return fmt.Sprintf("%s:%d", c.Transport.Host, c.NodePort(id))
}

func (c Config) NodePort(id uint32) int { return c.Transport.BasePort + int(id) }

// ConfigBuilder assembles a Config. Setters may be chained; Build validates.
type ConfigBuilder struct {
	cfg Config
}

func NewConfigBuilder(base Config) *ConfigBuilder {
	return &ConfigBuilder{cfg: base}
}

func (b *ConfigBuilder) WithNodeCount(n int) *ConfigBuilder {
	b.cfg.Nodes.Count = n
	return b
}

func (b *ConfigBuilder) WithPlacement(placement string) *ConfigBuilder {
	b.cfg.Nodes.Placement = placement
	return b
}

func (b *ConfigBuilder) WithLayoutFile(path string) *ConfigBuilder {
	b.cfg.Nodes.LayoutFile = path
	b.cfg.Nodes.Placement = PlacementFile
	return b
}

func (b *ConfigBuilder) WithSeed(seed int64) *ConfigBuilder {
	b.cfg.Nodes.Seed = seed
	return b
}

func (b *ConfigBuilder) WithModem(modem string) *ConfigBuilder {
	b.cfg.Radio.Modem = modem
	return b
}

func (b *ConfigBuilder) WithTransport(host string, basePort int) *ConfigBuilder {
	b.cfg.Transport.Host = host
	b.cfg.Transport.BasePort = basePort
	return b
}

func (b *ConfigBuilder) WithRetry(r transport.RetryPolicy) *ConfigBuilder {
	b.cfg.Transport.Retry = r
	return b
}

func (b *ConfigBuilder) WithSettle(s transport.SettleOptions) *ConfigBuilder {
	b.cfg.Transport.Settle = s
	return b
}

func (b *ConfigBuilder) WithLauncher(l LauncherConfig) *ConfigBuilder {
	b.cfg.Launcher = l
	return b
}

func (b *ConfigBuilder) WithBridge(listen string, nodeID uint32) *ConfigBuilder {
	b.cfg.Bridge = BridgeConfig{Enabled: true, Listen: listen, Node: nodeID}
	return b
}

func (b *ConfigBuilder) WithObservers(listen string) *ConfigBuilder {
	b.cfg.Observers.Listen = listen
	return b
}

func (b *ConfigBuilder) WithMQTT(broker string) *ConfigBuilder {
	b.cfg.Observers.MQTT.Broker = broker
	return b
}

func (b *ConfigBuilder) WithScript(steps []ScriptStep, duration time.Duration) *ConfigBuilder {
	b.cfg.Script = steps
	b.cfg.Duration = duration
	return b
}

// Build validates the configuration and returns a copy of it.
func (b *ConfigBuilder) Build() (Config, error) {
	c := b.cfg
	c.Nodes.Placement = strings.ToLower(c.Nodes.Placement)
	c.Launcher.Mode = strings.ToLower(c.Launcher.Mode)
	if c.Nodes.Placement == "" {
		c.Nodes.Placement = PlacementRandom
	}
	if c.Launcher.Mode == "" {
		c.Launcher.Mode = LauncherExternal
	}
	if c.Transport.HandshakeTimeout <= 0 {
		c.Transport.HandshakeTimeout = 10 * time.Second
	}

	var errs []error
	switch c.Nodes.Placement {
	case PlacementRandom, PlacementGrid:
		if c.Nodes.Count < 1 {
			errs = append(errs, fmt.Errorf("nodes.count must be positive, got %d", c.Nodes.Count))
		}
		if c.Nodes.Area <= 0 {
			errs = append(errs, fmt.Errorf("nodes.area must be positive, got %v", c.Nodes.Area))
		}
	case PlacementFile:
		if c.Nodes.LayoutFile == "" {
			errs = append(errs, errors.New("nodes.layout_file is required for file placement"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown nodes.placement %q", c.Nodes.Placement))
	}
	if _, err := c.Params(); err != nil {
		errs = append(errs, err)
	}
	if _, err := network.ModelByName(c.Radio.PathLoss); err != nil {
		errs = append(errs, err)
	}
	if c.Transport.BasePort <= 0 || c.Transport.BasePort > 65535 {
		errs = append(errs, fmt.Errorf("transport.base_port out of range: %d", c.Transport.BasePort))
	}
	switch c.Launcher.Mode {
	case LauncherExec:
		if c.Launcher.Program == "" {
			errs = append(errs, errors.New("launcher.program is required in exec mode"))
		}
	case LauncherExternal:
	default:
		errs = append(errs, fmt.Errorf("unknown launcher.mode %q", c.Launcher.Mode))
	}
	if c.Bridge.Enabled && c.Bridge.Listen == "" {
		errs = append(errs, errors.New("bridge.listen is required when the bridge is enabled"))
	}
	for i, s := range c.Script {
		if _, ok := scriptCommands[s.Command]; !ok {
			errs = append(errs, fmt.Errorf("script[%d]: unknown command %q", i, s.Command))
		}
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	c.Script = append([]ScriptStep(nil), c.Script...)
	return c, nil
}
