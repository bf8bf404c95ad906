package main

import (
	"strings"

	"github.com/jingkaihe/ivibench/internal/errx"
	"github.com/jingkaihe/ivibench/pkg/api"
	"github.com/jingkaihe/ivibench/pkg/vm"
	"github.com/jingkaihe/ivibench/pkg/vm/qemu"
)

type guestSpec struct {
	name string
	spec qemu.Spec
}

// selectGuests maps command arguments to guest specs. No argument, or
// "all", selects both guests.
func selectGuests(cfg *api.Config, args []string) ([]guestSpec, error) {
	all := []guestSpec{
		{vm.HeadUnit, qemu.HeadUnitSpec(cfg)},
		{vm.Cluster, qemu.ClusterSpec(cfg)},
	}
	if len(args) == 0 {
		return all, nil
	}

	var out []guestSpec
	for _, a := range args {
		switch strings.ToLower(a) {
		case "all":
			return all, nil
		case vm.HeadUnit, "hu", "android":
			out = append(out, all[0])
		case vm.Cluster, "qnx":
			out = append(out, all[1])
		default:
			return nil, errx.With(ErrInvalidArgument, ": unknown vm %q", a)
		}
	}
	return out, nil
}
