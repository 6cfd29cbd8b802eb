// atb_run runs the MatmulAdd operation through the bridge on the simulated accelerator, and checks the results.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chewxy/math32"
	"github.com/gomlx/goatb/adapter"
	"github.com/gomlx/goatb/eventpool"
	"github.com/gomlx/goatb/framework"
	"github.com/gomlx/goatb/ops"
	"github.com/gomlx/goatb/sim"
	"github.com/gomlx/goatb/swap"
	"github.com/janpfeifer/must"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

var (
	flagDevices = flag.Int("devices", 0, "Number of simulated devices. If 0 uses $GOATB_SIM_DEVICES or 1.")
	flagIters   = flag.Int("iters", 10, "Number of times MatmulAdd is accumulated on each device.")
	flagM       = flag.Int("m", 32, "Rows of the accumulator.")
	flagK       = flag.Int("k", 64, "Contracting dimension.")
	flagN       = flag.Int("n", 16, "Columns of the accumulator.")
	flagSwap    = flag.Bool("swap", false, "Swap the accumulator out to the host and back in between iterations.")
	flagTol     = flag.Float64("tolerance", 1e-3, "Maximum relative error accepted.")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `atb_run accumulates c += x^T . weight on each simulated device, with x and weight
in float16 and c in float32, and compares the results with the values computed on the host.

Usage:
`)
		flag.PrintDefaults()
	}
	klog.InitFlags(flag.CommandLine)
	flag.Parse()
	os.Exit(run())
}

// run executes the benchmark on every device and returns the process exit code. Deferred cleanups run before
// main exits.
func run() int {
	m, k, n := *flagM, *flagK, *flagN

	acc := sim.New(sim.Options{NumDevices: *flagDevices})
	defer acc.Close()
	contexts := adapter.NewContexts(acc, acc, acc)
	defer func() { must.M(contexts.Destroy()) }()
	dispatcher := adapter.NewDispatcher(acc, contexts)
	pool := eventpool.New(acc)
	swapper := swap.NewManager(acc, pool)

	xValues, weightValues := inputs(m, k, n)
	want := expected(xValues, weightValues, m, k, n, *flagIters)
	failed := false
	for device := range acc.DeviceCount() {
		must.M(acc.SetDevice(device))
		npu := framework.Device{Type: framework.NPU, Index: device}
		x := must.M1(sim.FromFlat(acc, npu, xValues, k, m))
		weight := must.M1(sim.FromFlat(acc, npu, weightValues, k, n))
		c := must.M1(sim.FromFlat(acc, npu, make([]float32, m*n), m, n))

		for range *flagIters {
			must.M(ops.MatmulAdd(dispatcher, acc, x, weight, c))
			if *flagSwap {
				out := must.M1(swapper.SwapOut(c))
				must.M(out.Wait())
				in := must.M1(swapper.SwapIn(out.Dst(), device))
				c = in.Dst().(*sim.Tensor)
			}
		}
		must.M(swapper.WaitAll())

		stream := must.M1(acc.Stream(device))
		event := must.M1(pool.Get(device))
		must.M(event.Record(stream))
		must.M(event.Synchronize())
		event.Release()
		if err := stream.Synchronize(); err != nil {
			klog.Errorf("npu:%d: execution failed: %+v", device, err)
			failed = true
			continue
		}

		got := must.M1(sim.ToFlat[float32](acc, c))
		maxErr := maxRelativeError(got, want)
		status := "ok"
		if float64(maxErr) > *flagTol {
			status = "FAILED"
			failed = true
		}
		stats := must.M1(pool.Stats(device))
		fmt.Printf("npu:%d: %d x MatmulAdd[m=%d, k=%d, n=%d]: max relative error %.2e %s (events created=%d)\n",
			device, *flagIters, m, k, n, maxErr, status, stats.Created)
	}
	must.M(swapper.EmptyCache())
	if failed {
		return 1
	}
	return 0
}

// inputs returns deterministic values for x ([k, m]) and weight ([k, n]), in float16.
func inputs(m, k, n int) (x, weight []float16.Float16) {
	x = make([]float16.Float16, k*m)
	for ii := range x {
		x[ii] = float16.Fromfloat32(float32(ii%7-3) / 4)
	}
	weight = make([]float16.Float16, k*n)
	for ii := range weight {
		weight[ii] = float16.Fromfloat32(float32(ii%5-2) / 8)
	}
	return
}

// expected computes iters * x^T . weight on the host.
func expected(x, weight []float16.Float16, m, k, n, iters int) []float32 {
	c := make([]float32, m*n)
	for row := range m {
		for col := range n {
			var sum float32
			for kk := range k {
				sum += x[kk*m+row].Float32() * weight[kk*n+col].Float32()
			}
			c[row*n+col] = sum * float32(iters)
		}
	}
	return c
}

func maxRelativeError(got, want []float32) float32 {
	var maxErr float32
	for ii := range want {
		err := math32.Abs(got[ii]-want[ii]) / math32.Max(1, math32.Abs(want[ii]))
		maxErr = math32.Max(maxErr, err)
	}
	return maxErr
}
