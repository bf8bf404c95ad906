// Package qemu builds QEMU command lines for the bench guests and manages
// their processes.
package qemu

import (
	"net"
	"strconv"
	"strings"

	"github.com/jingkaihe/ivibench/internal/errx"
)

// vncBasePort is the TCP port of VNC display :0.
const vncBasePort = 5900

// Drive is a raw disk attached through virtio-blk-pci. Optional drives are
// dropped at start when their file is missing.
type Drive struct {
	ID       string
	File     string
	ReadOnly bool
	Optional bool
}

// Chardev is a TCP server socket that does not wait for a client.
type Chardev struct {
	ID   string
	Host string
	Port int
}

// Forward is a user-network host to guest TCP port forward.
type Forward struct {
	HostPort  int
	GuestPort int
}

// Spec describes one guest command line.
type Spec struct {
	Binary   string
	Machine  string
	CPU      string
	SMP      int
	MemoryMB int

	// Serial is the -serial target, e.g. "file:/logs/qemu_console.log".
	Serial string
	DTB    string
	Kernel string
	Append string

	Drives   []Drive
	Chardevs []Chardev
	// Devices are extra -device values, in order.
	Devices []string

	// NetID enables a user netdev with Forwards and a virtio-net-pci NIC.
	NetID    string
	Forwards []Forward

	VNCHost string
	VNCPort int

	// Debug is the -d log item list.
	Debug []string

	// Required images must exist before the guest may start.
	Required []string
	// Ports are the host ports the guest binds.
	Ports []int
}

// withPresentDrives drops optional drives whose file does not exist.
func (s Spec) withPresentDrives() Spec {
	drives := make([]Drive, 0, len(s.Drives))
	for _, d := range s.Drives {
		if d.Optional && !fileExists(d.File) {
			continue
		}
		drives = append(drives, d)
	}
	s.Drives = drives
	return s
}

// Images returns every file the guest opens, for lock scanning.
func (s Spec) Images() []string {
	var out []string
	for _, p := range []string{s.Kernel, s.DTB} {
		if p != "" {
			out = append(out, p)
		}
	}
	for _, d := range s.Drives {
		out = append(out, d.File)
	}
	return out
}

// escapeOpt doubles commas so a path survives QEMU sub-option parsing.
func escapeOpt(v string) string {
	return strings.ReplaceAll(v, ",", ",,")
}

// Arguments returns the option list of s without the binary.
func (s Spec) Arguments() ([]Argument, error) {
	if s.Machine == "" || s.CPU == "" {
		return nil, errx.With(ErrInvalidSpec, ": machine and cpu are required")
	}
	if s.SMP <= 0 || s.MemoryMB <= 0 {
		return nil, errx.With(ErrInvalidSpec, ": smp and memory must be positive")
	}

	args := []Argument{
		UniqueArg("M", s.Machine),
		UniqueArg("cpu", s.CPU),
		UniqueArg("smp", strconv.Itoa(s.SMP)),
		UniqueArg("m", strconv.Itoa(s.MemoryMB)),
	}
	if s.Serial != "" {
		args = append(args, RepeatableArg("serial", s.Serial))
	}
	if s.DTB != "" {
		args = append(args, UniqueArg("dtb", s.DTB))
	}
	if s.Kernel != "" {
		args = append(args, UniqueArg("kernel", s.Kernel))
	}
	if s.Append != "" {
		args = append(args, UniqueArg("append", s.Append))
	}

	for _, d := range s.Drives {
		if d.ID == "" || d.File == "" {
			return nil, errx.With(ErrInvalidSpec, ": drive needs id and file")
		}
		opts := []string{"if=none", "file=" + escapeOpt(d.File), "format=raw"}
		if d.ReadOnly {
			opts = append(opts, "read-only=on")
		}
		opts = append(opts, "id="+d.ID)
		args = append(args,
			RepeatableArg("drive", opts...),
			RepeatableArg("device", "virtio-blk-pci", "drive="+d.ID),
		)
	}

	for _, c := range s.Chardevs {
		args = append(args, RepeatableArg("chardev",
			"socket",
			"id="+c.ID,
			"host="+c.Host,
			"port="+strconv.Itoa(c.Port),
			"server=on",
			"wait=off",
		))
	}
	for _, d := range s.Devices {
		args = append(args, RepeatableArg("device", d))
	}

	if s.NetID != "" {
		netdev := []string{"user", "id=" + s.NetID}
		for _, f := range s.Forwards {
			netdev = append(netdev, "hostfwd=tcp::"+strconv.Itoa(f.HostPort)+"-:"+strconv.Itoa(f.GuestPort))
		}
		args = append(args,
			RepeatableArg("netdev", netdev...),
			RepeatableArg("device", "virtio-net-pci", "netdev="+s.NetID),
		)
	}

	if s.VNCPort != 0 {
		if s.VNCPort < vncBasePort {
			return nil, errx.With(ErrInvalidSpec, ": vnc port %d below %d", s.VNCPort, vncBasePort)
		}
		host := s.VNCHost
		if host == "" {
			host = "127.0.0.1"
		}
		display := net.JoinHostPort(host, strconv.Itoa(s.VNCPort-vncBasePort))
		args = append(args, UniqueArg("display", "vnc="+display))
	}

	if len(s.Debug) > 0 {
		args = append(args, UniqueArg("d", s.Debug...))
	}
	return args, nil
}

// BuildArguments returns the full argv, binary first.
func BuildArguments(s Spec) ([]string, error) {
	if s.Binary == "" {
		return nil, errx.With(ErrInvalidSpec, ": binary is required")
	}
	args, err := s.Arguments()
	if err != nil {
		return nil, err
	}
	strs, err := BuildArgumentStrings(args)
	if err != nil {
		return nil, err
	}
	return append([]string{s.Binary}, strs...), nil
}
