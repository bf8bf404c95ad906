package qemu

import (
	"path/filepath"
	"strings"

	"github.com/jingkaihe/ivibench/pkg/api"
)

const (
	adbGuestPort = 5555

	// AndroidCmdline puts the console on the g6sh PL011 at 0x1c090000.
	AndroidCmdline = "console=ttyAMA0,115200 " +
		"earlycon=pl011,0x1c090000 " +
		"androidboot.selinux=permissive " +
		"androidboot.hardware=g6sh " +
		"root=/dev/vda rootfstype=ext4 rw"

	ConsoleLogName = "qemu_console.log"
)

// headUnitMachine enables highmem on the plain virt board; any explicit
// option list is passed through.
func headUnitMachine(m string) string {
	switch {
	case m == "":
		return "virt,highmem=on"
	case strings.Contains(m, ","):
		return m
	case m == "virt":
		return "virt,highmem=on"
	default:
		return m
	}
}

// HeadUnitSpec is the Android head unit guest.
func HeadUnitSpec(cfg *api.Config) Spec {
	boot := cfg.Resolve(cfg.Android.BootImg)
	system := cfg.Resolve(cfg.Android.SystemImg)
	vendor := cfg.Resolve(cfg.Android.VendorImg)
	product := cfg.Resolve(cfg.Android.ProductImg)

	s := Spec{
		Binary:   cfg.HeadUnitBinary(),
		Machine:  headUnitMachine(cfg.QEMU.Machine),
		CPU:      "cortex-a57",
		SMP:      4,
		MemoryMB: 4096,
		Serial:   "file:" + filepath.Join(cfg.LogsDir(), ConsoleLogName),
		DTB:      cfg.Resolve(cfg.QEMU.DTB),
		Kernel:   boot,
		Append:   AndroidCmdline,
		Devices:  []string{"virtio-gpu-pci"},
		NetID:    "net0",
		Forwards: []Forward{{HostPort: cfg.QEMU.ADBPort, GuestPort: adbGuestPort}},
		VNCHost:  cfg.Graphics.HU.Host,
		VNCPort:  cfg.Graphics.HU.Port,
		Required: []string{boot, system, vendor, product},
		Ports:    []int{cfg.QEMU.ADBPort, cfg.Graphics.HU.Port},
	}

	for _, d := range []Drive{
		{ID: "system", File: system},
		{ID: "vendor", File: vendor},
		{ID: "product", File: product},
	} {
		if d.File != "" {
			s.Drives = append(s.Drives, d)
		}
	}

	if cfg.QNX.AttachToHeadUnit {
		if f := cfg.Resolve(cfg.QNX.SystemImg); f != "" {
			s.Drives = append(s.Drives, Drive{ID: "qnx_system", File: f, ReadOnly: true})
		}
		if f := cfg.Resolve(cfg.QNX.BootImg); f != "" {
			s.Drives = append(s.Drives, Drive{ID: "qnx_boot", File: f, ReadOnly: true})
		}
	}

	if cfg.QEMU.UARTSockets {
		s.Chardevs = []Chardev{
			{ID: "qnx_uart", Host: "localhost", Port: cfg.QEMU.QNXUARTPort},
			{ID: "gps_uart", Host: "localhost", Port: cfg.QEMU.GPSUARTPort},
			{ID: "bt_uart", Host: "localhost", Port: cfg.QEMU.BTUARTPort},
		}
		s.Ports = append(s.Ports, cfg.QEMU.QNXUARTPort, cfg.QEMU.GPSUARTPort, cfg.QEMU.BTUARTPort)
	}
	return s
}

// ClusterSpec is the QNX instrument cluster guest. It boots the hypervisor
// IFS on the stock virt board and exposes the QNX console over
// virtio-console.
func ClusterSpec(cfg *api.Config) Spec {
	ifs := cfg.Resolve(cfg.QNX.HypervisorIFS)

	s := Spec{
		Binary:   cfg.ClusterBinary(),
		Machine:  "virt",
		CPU:      "cortex-a57",
		SMP:      2,
		MemoryMB: 2048,
		Kernel:   ifs,
		Chardevs: []Chardev{{ID: "qnx_virtcon", Host: "localhost", Port: cfg.QNX.VirtconPort}},
		Devices: []string{
			"virtio-serial-pci,id=qnx_virtio_serial0",
			"virtconsole,chardev=qnx_virtcon,name=qnx-virtcon0",
		},
		VNCHost:  cfg.Graphics.Cluster.Host,
		VNCPort:  cfg.Graphics.Cluster.Port,
		Required: []string{ifs},
		Ports:    []int{cfg.Graphics.Cluster.Port, cfg.QNX.VirtconPort},
	}
	if f := cfg.Resolve(cfg.QNX.SystemImg); f != "" {
		s.Drives = []Drive{{ID: "qnxsys", File: f, ReadOnly: true, Optional: true}}
	}
	if cfg.QNX.Debug {
		s.Debug = []string{"guest_errors", "unimp", "mmu"}
	}
	return s
}
