package api

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jingkaihe/ivibench/internal/errx"
)

const (
	DefaultQEMUBinary   = "qemu-system-aarch64"
	DefaultQEMUMachine  = "virt"
	DefaultCANInterface = "vcan0"
	DefaultCANHost      = "localhost"
	DefaultVNCHost      = "127.0.0.1"
	DefaultConsoleHost  = "localhost"
)

const (
	DefaultCANPort        = 1238
	DefaultADBPort        = 5557
	DefaultHUVNCPort      = 5900
	DefaultClusterVNCPort = 5901
	DefaultQNXUARTPort    = 1234
	DefaultGPSUARTPort    = 1235
	DefaultBTUARTPort     = 1236
	DefaultVirtconPort    = 1236
)

const (
	DefaultTransitionDelay     = 500 * time.Millisecond
	DefaultEngineStartDuration = 3 * time.Second
	DefaultLongPressThreshold  = time.Second
	DefaultStopTimeout         = 10 * time.Second
	DefaultKillTimeout         = 5 * time.Second
	DefaultSpawnConfirm        = 300 * time.Millisecond
	DefaultPortWaitTimeout     = 5 * time.Second
	DefaultVNCTimeout          = time.Second
	DefaultConsoleTimeout      = time.Second
	DefaultHUFPS               = 20.0
	DefaultClusterFPS          = 15.0
)

// CAN transport modes.
const (
	CANModeAuto      = "auto"
	CANModeSocketCAN = "socketcan"
	CANModeTCP       = "tcp"
)

// Config is the bench configuration, usually read from ivibench.yaml.
// Relative paths are resolved against Paths.Root.
type Config struct {
	Paths        PathsConfig        `mapstructure:"paths" json:"paths"`
	QEMU         QEMUConfig         `mapstructure:"qemu" json:"qemu"`
	Android      AndroidConfig      `mapstructure:"android" json:"android"`
	QNX          QNXConfig          `mapstructure:"qnx" json:"qnx"`
	Graphics     GraphicsConfig     `mapstructure:"graphics" json:"graphics"`
	CAN          CANConfig          `mapstructure:"can" json:"can"`
	Console      ConsoleConfig      `mapstructure:"console" json:"console"`
	Ignition     IgnitionConfig     `mapstructure:"ignition" json:"ignition"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" json:"orchestrator"`
	Display      DisplayConfig      `mapstructure:"display" json:"display"`
	MetricsAddr  string             `mapstructure:"metrics_addr" json:"metrics_addr,omitempty"`
}

type PathsConfig struct {
	Root    string `mapstructure:"root" json:"root"`
	DataDir string `mapstructure:"data_dir" json:"data_dir"`
	LogsDir string `mapstructure:"logs_dir" json:"logs_dir"`
}

type QEMUConfig struct {
	Binary  string `mapstructure:"binary" json:"binary"`
	Machine string `mapstructure:"machine" json:"machine"`
	DTB     string `mapstructure:"dtb" json:"dtb,omitempty"`
	ADBPort int    `mapstructure:"adb_port" json:"adb_port"`

	// UARTSockets exposes the g6sh QNX, GPS and Bluetooth UARTs as TCP
	// chardevs on the head unit.
	UARTSockets bool `mapstructure:"uart_sockets" json:"uart_sockets,omitempty"`
	QNXUARTPort int  `mapstructure:"qnx_uart_port" json:"qnx_uart_port"`
	GPSUARTPort int  `mapstructure:"gps_uart_port" json:"gps_uart_port"`
	BTUARTPort  int  `mapstructure:"bt_uart_port" json:"bt_uart_port"`
}

type AndroidConfig struct {
	BootImg    string `mapstructure:"boot_img" json:"boot_img"`
	SystemImg  string `mapstructure:"system_img" json:"system_img"`
	VendorImg  string `mapstructure:"vendor_img" json:"vendor_img"`
	ProductImg string `mapstructure:"product_img" json:"product_img"`
}

type QNXConfig struct {
	// Binary is the QEMU fork used for the cluster; empty means QEMU.Binary.
	Binary        string `mapstructure:"binary" json:"binary,omitempty"`
	HypervisorIFS string `mapstructure:"hypervisor_ifs" json:"hypervisor_ifs"`
	BootImg       string `mapstructure:"boot_img" json:"boot_img,omitempty"`
	SystemImg     string `mapstructure:"system_img" json:"system_img,omitempty"`

	// AttachToHeadUnit adds the QNX images to the head unit as read-only disks.
	AttachToHeadUnit bool `mapstructure:"attach_to_head_unit" json:"attach_to_head_unit,omitempty"`
	VirtconPort      int  `mapstructure:"virtcon_port" json:"virtcon_port"`
	Debug            bool `mapstructure:"debug" json:"debug"`
}

type Endpoint struct {
	Host string `mapstructure:"vnc_host" json:"vnc_host"`
	Port int    `mapstructure:"vnc_port" json:"vnc_port"`
}

type GraphicsConfig struct {
	HU      Endpoint      `mapstructure:"hu" json:"hu"`
	Cluster Endpoint      `mapstructure:"cluster" json:"cluster"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

type CANConfig struct {
	Mode      string `mapstructure:"mode" json:"mode"`
	Interface string `mapstructure:"interface" json:"interface"`
	Host      string `mapstructure:"host" json:"host"`
	Port      int    `mapstructure:"port" json:"port"`
}

type ConsoleConfig struct {
	Host    string        `mapstructure:"host" json:"host"`
	Port    int           `mapstructure:"port" json:"port"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

type IgnitionConfig struct {
	TransitionDelay     time.Duration `mapstructure:"transition_delay" json:"transition_delay"`
	EngineStartDuration time.Duration `mapstructure:"engine_start_duration" json:"engine_start_duration"`
	LongPressThreshold  time.Duration `mapstructure:"long_press_threshold" json:"long_press_threshold"`
}

type OrchestratorConfig struct {
	StopTimeout     time.Duration `mapstructure:"stop_timeout" json:"stop_timeout"`
	KillTimeout     time.Duration `mapstructure:"kill_timeout" json:"kill_timeout"`
	SpawnConfirm    time.Duration `mapstructure:"spawn_confirm" json:"spawn_confirm"`
	PortWaitTimeout time.Duration `mapstructure:"port_wait_timeout" json:"port_wait_timeout"`
}

type DisplayConfig struct {
	PlaceholderDir string  `mapstructure:"placeholder_dir" json:"placeholder_dir,omitempty"`
	HUFPS          float64 `mapstructure:"hu_fps" json:"hu_fps"`
	ClusterFPS     float64 `mapstructure:"cluster_fps" json:"cluster_fps"`
}

// DefaultConfig returns a configuration rooted at the current directory.
func DefaultConfig() *Config {
	root, _ := os.Getwd()
	return &Config{
		Paths: PathsConfig{
			Root:    root,
			DataDir: "data",
			LogsDir: "logs",
		},
		QEMU: QEMUConfig{
			Binary:      DefaultQEMUBinary,
			Machine:     DefaultQEMUMachine,
			ADBPort:     DefaultADBPort,
			QNXUARTPort: DefaultQNXUARTPort,
			GPSUARTPort: DefaultGPSUARTPort,
			BTUARTPort:  DefaultBTUARTPort,
		},
		QNX: QNXConfig{
			VirtconPort: DefaultVirtconPort,
			Debug:       true,
		},
		Graphics: GraphicsConfig{
			HU:      Endpoint{Host: DefaultVNCHost, Port: DefaultHUVNCPort},
			Cluster: Endpoint{Host: DefaultVNCHost, Port: DefaultClusterVNCPort},
			Timeout: DefaultVNCTimeout,
		},
		CAN: CANConfig{
			Mode:      CANModeAuto,
			Interface: DefaultCANInterface,
			Host:      DefaultCANHost,
			Port:      DefaultCANPort,
		},
		Console: ConsoleConfig{
			Host:    DefaultConsoleHost,
			Port:    DefaultVirtconPort,
			Timeout: DefaultConsoleTimeout,
		},
		Ignition: IgnitionConfig{
			TransitionDelay:     DefaultTransitionDelay,
			EngineStartDuration: DefaultEngineStartDuration,
			LongPressThreshold:  DefaultLongPressThreshold,
		},
		Orchestrator: OrchestratorConfig{
			StopTimeout:     DefaultStopTimeout,
			KillTimeout:     DefaultKillTimeout,
			SpawnConfirm:    DefaultSpawnConfirm,
			PortWaitTimeout: DefaultPortWaitTimeout,
		},
		Display: DisplayConfig{
			HUFPS:      DefaultHUFPS,
			ClusterFPS: DefaultClusterFPS,
		},
	}
}

// Resolve returns p made absolute against Paths.Root. Empty stays empty.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Paths.Root, p)
}

func (c *Config) DataDir() string { return c.Resolve(c.Paths.DataDir) }
func (c *Config) LogsDir() string { return c.Resolve(c.Paths.LogsDir) }

// StateFile is where the vehicle state snapshot is persisted.
func (c *Config) StateFile() string {
	return filepath.Join(c.DataDir(), "vehicle_state.json")
}

// ResolveBinary leaves bare command names for PATH lookup and resolves
// anything containing a separator like a path.
func (c *Config) ResolveBinary(b string) string {
	if !strings.ContainsRune(b, filepath.Separator) {
		return b
	}
	return c.Resolve(b)
}

// HeadUnitBinary returns the QEMU binary used for the head unit guest.
func (c *Config) HeadUnitBinary() string {
	return c.ResolveBinary(c.QEMU.Binary)
}

// ClusterBinary returns the QEMU binary used for the cluster guest.
func (c *Config) ClusterBinary() string {
	if c.QNX.Binary != "" {
		return c.ResolveBinary(c.QNX.Binary)
	}
	return c.HeadUnitBinary()
}

// EnsureDirs creates the data and logs directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir(), c.LogsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errx.With(ErrInvalidConfig, ": create %s: %w", dir, err)
		}
	}
	return nil
}

// Validate checks value ranges. Missing images are not an error here; the
// orchestrator reports them per start attempt.
func (c *Config) Validate() error {
	if c.QEMU.Binary == "" {
		return errx.With(ErrInvalidConfig, ": qemu.binary is required")
	}
	ports := map[string]int{
		"qemu.adb_port":             c.QEMU.ADBPort,
		"qnx.virtcon_port":          c.QNX.VirtconPort,
		"graphics.hu.vnc_port":      c.Graphics.HU.Port,
		"graphics.cluster.vnc_port": c.Graphics.Cluster.Port,
		"can.port":                  c.CAN.Port,
		"console.port":              c.Console.Port,
	}
	if c.QEMU.UARTSockets {
		ports["qemu.qnx_uart_port"] = c.QEMU.QNXUARTPort
		ports["qemu.gps_uart_port"] = c.QEMU.GPSUARTPort
		ports["qemu.bt_uart_port"] = c.QEMU.BTUARTPort
	}
	for name, port := range ports {
		if port <= 0 || port > 65535 {
			return errx.With(ErrInvalidConfig, ": %s out of range: %d", name, port)
		}
	}
	// QEMU only takes VNC displays as an offset from 5900.
	if c.Graphics.HU.Port < DefaultHUVNCPort || c.Graphics.Cluster.Port < DefaultHUVNCPort {
		return errx.With(ErrInvalidConfig, ": vnc ports must be >= %d", DefaultHUVNCPort)
	}

	switch c.CAN.Mode {
	case CANModeAuto, CANModeTCP:
	case CANModeSocketCAN:
		if c.CAN.Interface == "" {
			return errx.With(ErrInvalidConfig, ": can.interface is required in socketcan mode")
		}
	default:
		return errx.With(ErrInvalidConfig, ": unknown can.mode %q", c.CAN.Mode)
	}

	durations := map[string]time.Duration{
		"ignition.transition_delay":      c.Ignition.TransitionDelay,
		"ignition.engine_start_duration": c.Ignition.EngineStartDuration,
		"orchestrator.spawn_confirm":     c.Orchestrator.SpawnConfirm,
	}
	for name, d := range durations {
		if d < 0 {
			return errx.With(ErrInvalidConfig, ": %s must not be negative", name)
		}
	}
	if c.Orchestrator.StopTimeout <= 0 || c.Orchestrator.KillTimeout <= 0 {
		return errx.With(ErrInvalidConfig, ": orchestrator stop and kill timeouts must be positive")
	}
	if c.Display.HUFPS <= 0 || c.Display.ClusterFPS <= 0 {
		return errx.With(ErrInvalidConfig, ": display fps must be positive")
	}
	return nil
}
