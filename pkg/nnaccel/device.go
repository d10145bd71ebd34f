package nnaccel

import (
	"fmt"
	"strconv"
	"strings"
)

type DeviceKind int

const (
	DeviceCPU  DeviceKind = iota // Run on the CPU. Always available.
	DeviceCUDA                   // Run on an NVidia GPU via CUDA
)

// Device is the place where a model executes
type Device struct {
	Kind  DeviceKind
	Index int // Device ordinal, for multi-GPU systems
}

// CPU is the default device
var CPU = Device{Kind: DeviceCPU}

// ParseDevice parses a device string such as "cpu", "cuda", or "cuda:1"
func ParseDevice(s string) (Device, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	name, idx, hasIdx := strings.Cut(s, ":")
	d := Device{}
	switch name {
	case "", "cpu":
		d.Kind = DeviceCPU
	case "cuda", "gpu":
		d.Kind = DeviceCUDA
	default:
		return d, fmt.Errorf("Unknown compute device '%v' (expected cpu or cuda[:N])", s)
	}
	if hasIdx {
		if d.Kind == DeviceCPU {
			return d, fmt.Errorf("Device index is not valid for cpu")
		}
		i, err := strconv.Atoi(idx)
		if err != nil || i < 0 {
			return d, fmt.Errorf("Invalid device index '%v'", idx)
		}
		d.Index = i
	}
	return d, nil
}

func (d Device) IsAccelerator() bool {
	return d.Kind != DeviceCPU
}

func (d Device) String() string {
	switch d.Kind {
	case DeviceCUDA:
		return fmt.Sprintf("cuda:%v", d.Index)
	default:
		return "cpu"
	}
}
