package sim

import (
	"os"
	"strconv"

	"k8s.io/klog/v2"
)

const (
	// DefaultStreamDepth is the number of tasks a stream queues before Enqueue blocks.
	DefaultStreamDepth = 1024
)

// Options configure the simulated accelerator. Zero values take the defaults, which can be overridden by the
// environment variables:
//
//   - GOATB_SIM_DEVICES: number of devices (default 1).
//   - GOATB_SIM_STREAM_DEPTH: stream queue depth (default DefaultStreamDepth).
type Options struct {
	NumDevices  int
	StreamDepth int
}

func (o Options) withDefaults() Options {
	if o.NumDevices <= 0 {
		o.NumDevices = envInt("GOATB_SIM_DEVICES", 1)
	}
	if o.StreamDepth <= 0 {
		o.StreamDepth = envInt("GOATB_SIM_STREAM_DEPTH", DefaultStreamDepth)
	}
	return o
}

func envInt(name string, defaultValue int) int {
	str := os.Getenv(name)
	if str == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(str)
	if err != nil || v <= 0 {
		klog.Warningf("invalid value %q for $%s, using default %d", str, name, defaultValue)
		return defaultValue
	}
	return v
}
