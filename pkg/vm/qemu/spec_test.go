package qemu

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/ivibench/pkg/api"
)

func TestBuildArgumentStrings(t *testing.T) {
	tests := []struct {
		name string
		args []Argument
		want []string
		err  bool
	}{
		{
			name: "flag without value",
			args: []Argument{UniqueArg("nographic")},
			want: []string{"-nographic"},
		},
		{
			name: "joined values",
			args: []Argument{UniqueArg("d", "guest_errors", "unimp")},
			want: []string{"-d", "guest_errors,unimp"},
		},
		{
			name: "repeatable with distinct values",
			args: []Argument{RepeatableArg("device", "a"), RepeatableArg("device", "b")},
			want: []string{"-device", "a", "-device", "b"},
		},
		{
			name: "unique repeated",
			args: []Argument{UniqueArg("m", "1024"), UniqueArg("m", "2048")},
			err:  true,
		},
		{
			name: "repeatable duplicated verbatim",
			args: []Argument{RepeatableArg("device", "virtio-gpu-pci"), RepeatableArg("device", "virtio-gpu-pci")},
			err:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildArgumentStrings(tt.args)
			if tt.err {
				assert.ErrorIs(t, err, ErrArgumentCollision)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestArgument_String(t *testing.T) {
	assert.Equal(t, "-m 4096", UniqueArg("m", "4096").String())
	assert.Equal(t, "-S", UniqueArg("S").String())
}

func benchConfig(root string) *api.Config {
	cfg := api.DefaultConfig()
	cfg.Paths.Root = root
	cfg.Android = api.AndroidConfig{
		BootImg:    "images/boot.img",
		SystemImg:  "images/system.img",
		VendorImg:  "images/vendor.img",
		ProductImg: "images/product.img",
	}
	cfg.QNX.HypervisorIFS = "qnx/hypervisor.ifs"
	return cfg
}

func TestHeadUnitSpec_DefaultArguments(t *testing.T) {
	cfg := benchConfig("/bench")

	argv, err := BuildArguments(HeadUnitSpec(cfg))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"qemu-system-aarch64",
		"-M", "virt,highmem=on",
		"-cpu", "cortex-a57",
		"-smp", "4",
		"-m", "4096",
		"-serial", "file:/bench/logs/qemu_console.log",
		"-kernel", "/bench/images/boot.img",
		"-append", "console=ttyAMA0,115200 earlycon=pl011,0x1c090000 androidboot.selinux=permissive androidboot.hardware=g6sh root=/dev/vda rootfstype=ext4 rw",
		"-drive", "if=none,file=/bench/images/system.img,format=raw,id=system",
		"-device", "virtio-blk-pci,drive=system",
		"-drive", "if=none,file=/bench/images/vendor.img,format=raw,id=vendor",
		"-device", "virtio-blk-pci,drive=vendor",
		"-drive", "if=none,file=/bench/images/product.img,format=raw,id=product",
		"-device", "virtio-blk-pci,drive=product",
		"-device", "virtio-gpu-pci",
		"-netdev", "user,id=net0,hostfwd=tcp::5557-:5555",
		"-device", "virtio-net-pci,netdev=net0",
		"-display", "vnc=127.0.0.1:0",
	}, argv)
}

func TestHeadUnitSpec_Options(t *testing.T) {
	cfg := benchConfig("/bench")
	cfg.QEMU.Machine = "g6sh,secure=off"
	cfg.QEMU.DTB = "dtb/g6sh-emu.dtb"
	cfg.QEMU.UARTSockets = true
	cfg.QNX.AttachToHeadUnit = true
	cfg.QNX.SystemImg = "qnx/system.img"
	cfg.QNX.BootImg = "qnx/boot.img"

	s := HeadUnitSpec(cfg)
	assert.Equal(t, "g6sh,secure=off", s.Machine, "explicit option lists pass through")
	assert.Equal(t, []int{5557, 5900, 1234, 1235, 1236}, s.Ports)

	argv, err := BuildArguments(s)
	require.NoError(t, err)
	assert.Subset(t, argv, []string{
		"-dtb", "/bench/dtb/g6sh-emu.dtb",
		"if=none,file=/bench/qnx/system.img,format=raw,read-only=on,id=qnx_system",
		"if=none,file=/bench/qnx/boot.img,format=raw,read-only=on,id=qnx_boot",
		"socket,id=qnx_uart,host=localhost,port=1234,server=on,wait=off",
		"socket,id=gps_uart,host=localhost,port=1235,server=on,wait=off",
		"socket,id=bt_uart,host=localhost,port=1236,server=on,wait=off",
	})
	assert.Contains(t, s.Images(), "/bench/dtb/g6sh-emu.dtb")
}

func TestHeadUnitMachine(t *testing.T) {
	assert.Equal(t, "virt,highmem=on", headUnitMachine(""))
	assert.Equal(t, "virt,highmem=on", headUnitMachine("virt"))
	assert.Equal(t, "virt,highmem=off", headUnitMachine("virt,highmem=off"))
	assert.Equal(t, "g6sh", headUnitMachine("g6sh"))
}

func TestClusterSpec_DefaultArguments(t *testing.T) {
	cfg := benchConfig("/bench")

	s := ClusterSpec(cfg)
	assert.Equal(t, []string{"/bench/qnx/hypervisor.ifs"}, s.Required)
	assert.Equal(t, []int{5901, 1236}, s.Ports)

	argv, err := BuildArguments(s)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"qemu-system-aarch64",
		"-M", "virt",
		"-cpu", "cortex-a57",
		"-smp", "2",
		"-m", "2048",
		"-kernel", "/bench/qnx/hypervisor.ifs",
		"-chardev", "socket,id=qnx_virtcon,host=localhost,port=1236,server=on,wait=off",
		"-device", "virtio-serial-pci,id=qnx_virtio_serial0",
		"-device", "virtconsole,chardev=qnx_virtcon,name=qnx-virtcon0",
		"-display", "vnc=127.0.0.1:1",
		"-d", "guest_errors,unimp,mmu",
	}, argv)
}

func TestClusterSpec_SystemDriveIgnoresFilesystem(t *testing.T) {
	root := t.TempDir()
	cfg := benchConfig(root)
	cfg.QNX.SystemImg = "qnx/system.img"
	cfg.QNX.Debug = false
	cfg.QNX.Binary = "fork/qemu-system-aarch64"

	absent := ClusterSpec(cfg)
	require.Len(t, absent.Drives, 1)
	assert.Equal(t, Drive{ID: "qnxsys", File: filepath.Join(root, "qnx/system.img"), ReadOnly: true, Optional: true}, absent.Drives[0])
	assert.Empty(t, absent.Debug)
	assert.Equal(t, filepath.Join(root, "fork/qemu-system-aarch64"), absent.Binary)
	assert.NotContains(t, absent.Required, absent.Drives[0].File)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "qnx"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "qnx", "system.img"), nil, 0644))
	assert.Equal(t, absent, ClusterSpec(cfg), "spec depends on config only")
}

func TestSpec_WithPresentDrives(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present.img")
	require.NoError(t, os.WriteFile(present, nil, 0644))

	s := Spec{Drives: []Drive{
		{ID: "a", File: present, Optional: true},
		{ID: "b", File: filepath.Join(dir, "missing.img"), Optional: true},
		{ID: "c", File: filepath.Join(dir, "required.img")},
	}}
	got := s.withPresentDrives()
	assert.Equal(t, []Drive{s.Drives[0], s.Drives[2]}, got.Drives)
	assert.Len(t, s.Drives, 3, "receiver is untouched")
}

func TestBuildArguments_Invalid(t *testing.T) {
	valid := Spec{Binary: "qemu", Machine: "virt", CPU: "max", SMP: 1, MemoryMB: 512}
	_, err := BuildArguments(valid)
	require.NoError(t, err)

	noBinary := valid
	noBinary.Binary = ""
	_, err = BuildArguments(noBinary)
	assert.ErrorIs(t, err, ErrInvalidSpec)

	noMem := valid
	noMem.MemoryMB = 0
	_, err = BuildArguments(noMem)
	assert.ErrorIs(t, err, ErrInvalidSpec)

	lowVNC := valid
	lowVNC.VNCPort = 5800
	_, err = BuildArguments(lowVNC)
	assert.ErrorIs(t, err, ErrInvalidSpec)

	dupDevice := valid
	dupDevice.Devices = []string{"virtio-gpu-pci", "virtio-gpu-pci"}
	_, err = BuildArguments(dupDevice)
	assert.ErrorIs(t, err, ErrArgumentCollision)
}

func TestBuildArguments_EscapesCommasInPaths(t *testing.T) {
	s := Spec{
		Binary: "qemu", Machine: "virt", CPU: "max", SMP: 1, MemoryMB: 512,
		Drives: []Drive{{ID: "d", File: "/img/a,b.img"}},
	}
	argv, err := BuildArguments(s)
	require.NoError(t, err)
	assert.Contains(t, argv, "if=none,file=/img/a,,b.img,format=raw,id=d")
}
