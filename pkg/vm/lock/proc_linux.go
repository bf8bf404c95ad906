//go:build linux

package lock

import (
	"context"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/jingkaihe/ivibench/internal/errx"
)

// tcpListen is the st value of a listening socket in /proc/net/tcp.
const tcpListen = 0x0A

// NewRegistry scans the live /proc.
func NewRegistry() Registry { return &ProcRegistry{Root: procfs.DefaultMountPoint} }

// ProcRegistry resolves holders from a procfs tree: open files through
// <pid>/fd links and listening ports through net/tcp{,6} socket inodes.
// Processes whose fd directory is unreadable are skipped.
type ProcRegistry struct {
	Root string
}

func (r *ProcRegistry) Holders(ctx context.Context, paths []string, ports []int) ([]Holder, error) {
	want := make(map[string]string, len(paths))
	for _, p := range paths {
		if p != "" {
			want[canonical(p)] = p
		}
	}
	if len(want) == 0 && len(ports) == 0 {
		return nil, nil
	}

	fs, err := procfs.NewFS(r.Root)
	if err != nil {
		return nil, errx.Wrap(ErrScan, err)
	}
	inodes := listeningInodes(fs, ports)
	if len(want) == 0 && len(inodes) == 0 {
		return nil, nil
	}

	procs, err := fs.AllProcs()
	if err != nil {
		return nil, errx.Wrap(ErrScan, err)
	}
	sort.Sort(procs)

	var out []Holder
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if h, ok := inspect(p, want, inodes); ok {
			out = append(out, h)
		}
	}
	return out, nil
}

func inspect(p procfs.Proc, want map[string]string, inodes map[uint64]int) (Holder, bool) {
	targets, err := p.FileDescriptorTargets()
	if err != nil {
		return Holder{}, false
	}

	h := Holder{PID: p.PID}
	for _, target := range targets {
		if target == "" {
			continue
		}
		if ino, ok := socketInode(target); ok {
			if port, ok := inodes[ino]; ok && !slices.Contains(h.Ports, port) {
				h.Ports = append(h.Ports, port)
			}
			continue
		}
		if orig, ok := want[target]; ok && !slices.Contains(h.Paths, orig) {
			h.Paths = append(h.Paths, orig)
		}
	}
	if len(h.Paths) == 0 && len(h.Ports) == 0 {
		return Holder{}, false
	}
	slices.Sort(h.Ports)
	if args, err := p.CmdLine(); err == nil {
		h.Cmdline = strings.TrimSpace(strings.Join(args, " "))
	}
	return h, true
}

// listeningInodes maps the socket inode of every listener on one of ports
// to its port. A missing tcp or tcp6 table is skipped.
func listeningInodes(fs procfs.FS, ports []int) map[uint64]int {
	out := make(map[uint64]int)
	if len(ports) == 0 {
		return out
	}
	for _, read := range []func() (procfs.NetTCP, error){fs.NetTCP, fs.NetTCP6} {
		rows, err := read()
		if err != nil {
			continue
		}
		for _, row := range rows {
			if row.St != tcpListen || row.Inode == 0 {
				continue
			}
			if port := int(row.LocalPort); slices.Contains(ports, port) {
				out[row.Inode] = port
			}
		}
	}
	return out
}

func socketInode(target string) (uint64, bool) {
	rest, ok := strings.CutPrefix(target, "socket:[")
	if !ok {
		return 0, false
	}
	ino, err := strconv.ParseUint(strings.TrimSuffix(rest, "]"), 10, 64)
	return ino, err == nil
}

func canonical(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}
