package ops

import (
	"testing"

	"github.com/gomlx/goatb/adapter"
	"github.com/gomlx/goatb/atb"
	"github.com/gomlx/goatb/dtypes"
	"github.com/gomlx/goatb/framework"
	"github.com/gomlx/goatb/sim"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

var npu0 = framework.Device{Type: framework.NPU}

func setup(t *testing.T) (*sim.Accelerator, *adapter.Dispatcher) {
	acc := sim.New(sim.Options{NumDevices: 1})
	contexts := adapter.NewContexts(acc, acc, acc)
	t.Cleanup(func() {
		require.NoError(t, acc.Synchronize())
		require.NoError(t, contexts.Destroy())
		acc.Close()
	})
	return acc, adapter.NewDispatcher(acc, contexts)
}

func toFloat16(values []float32) []float16.Float16 {
	result := make([]float16.Float16, len(values))
	for ii, v := range values {
		result[ii] = float16.Fromfloat32(v)
	}
	return result
}

func TestMatmulAdd(t *testing.T) {
	acc, d := setup(t)
	const m, k, n = 4, 5, 3
	xValues := make([]float32, k*m)
	for ii := range xValues {
		xValues[ii] = float32(ii%4) * 0.5
	}
	wValues := make([]float32, k*n)
	for ii := range wValues {
		wValues[ii] = float32(ii%3 - 1)
	}
	x := must.M1(sim.FromFlat(acc, npu0, toFloat16(xValues), k, m))
	weight := must.M1(sim.FromFlat(acc, npu0, toFloat16(wValues), k, n))
	c := must.M1(sim.FromFlat(acc, npu0, make([]float32, m*n), m, n))

	const iters = 3
	for range iters {
		require.NoError(t, MatmulAdd(d, acc, x, weight, c))
	}
	want := make([]float32, m*n)
	for row := range m {
		for col := range n {
			for kk := range k {
				want[row*n+col] += iters * xValues[kk*m+row] * wValues[kk*n+col]
			}
		}
	}
	got := must.M1(sim.ToFlat[float32](acc, c))
	require.InDeltaSlice(t, want, got, 1e-5)
	require.Equal(t, int64(0), acc.OperationsAlive())
}

func TestMatmulAddErrors(t *testing.T) {
	acc, d := setup(t)
	x := must.M1(acc.Empty(npu0, dtypes.Float16, 5, 4))
	weight := must.M1(acc.Empty(npu0, dtypes.Float16, 5, 3))
	c := must.M1(acc.Empty(npu0, dtypes.Float32, 4, 3))

	wrongAccumulator := must.M1(acc.Empty(npu0, dtypes.Float16, 4, 3))
	require.ErrorContains(t, MatmulAdd(d, acc, x, weight, wrongAccumulator), "Float32")
	wrongWeight := must.M1(acc.Empty(npu0, dtypes.BFloat16, 5, 3))
	require.Error(t, MatmulAdd(d, acc, x, wrongWeight, c))
	wrongShape := must.M1(acc.Empty(npu0, dtypes.Float32, 3, 4))
	require.ErrorContains(t, MatmulAdd(d, acc, x, weight, wrongShape), "incompatible shapes")
	require.ErrorContains(t, MatmulAdd(d, acc, nil, weight, c), "undefined")
	rank3 := must.M1(acc.Empty(npu0, dtypes.Float16, 5, 4, 1))
	require.ErrorContains(t, MatmulAdd(d, acc, rank3, weight, c), "rank 2")

	// Host tensors are rejected by the bridge.
	host := must.M1(acc.Empty(framework.Device{Type: framework.CPU}, dtypes.Float16, 5, 4))
	require.ErrorIs(t, MatmulAdd(d, acc, host, weight, c), adapter.ErrDeviceResidency)

	// Execution failures are reported by the stream.
	acc.SetFault("Linear", sim.Fault{Execute: atb.ErrorRtFail})
	require.NoError(t, MatmulAdd(d, acc, x, weight, c))
	require.ErrorIs(t, acc.Synchronize(), adapter.ErrExecuteFailed)
	acc.SetFault("Linear", sim.Fault{})

	acc.SetFault("Linear", sim.Fault{Setup: atb.ErrorInvalidTensorDim})
	require.ErrorIs(t, MatmulAdd(d, acc, x, weight, c), adapter.ErrSetupFailed)
	acc.SetFault("Linear", sim.Fault{})
	require.Equal(t, int64(0), acc.OperationsAlive())
}

func TestGelu(t *testing.T) {
	acc, d := setup(t)
	values := []float32{-3, -1, 0, 1, 3, 10}
	x := must.M1(sim.FromFlat(acc, npu0, values, 2, 3))
	out := must.M1(NewGelu(d, acc, x))
	require.Equal(t, x.Shape(), out.Shape())
	got := must.M1(sim.ToFlat[float32](acc, out.(*sim.Tensor)))
	for ii, v := range values {
		require.InDelta(t, sim.Gelu(v), got[ii], 1e-6)
	}
	require.InDelta(t, 10, got[5], 1e-4)
	require.InDelta(t, 0, got[2], 1e-9)

	// Non-contiguous input: the bridge makes a contiguous copy.
	xT := must.M1(x.Transpose(0, 1))
	outT := must.M1(acc.Empty(npu0, dtypes.Float32, 3, 2))
	require.NoError(t, Gelu(d, acc, xT, outT))
	gotT := must.M1(sim.ToFlat[float32](acc, outT.(*sim.Tensor)))
	require.InDelta(t, got[3], gotT[1], 1e-9) // x[1][0] == xT[0][1].

	intTensor := must.M1(acc.Empty(npu0, dtypes.Int32, 2))
	require.Error(t, Gelu(d, acc, intTensor, intTensor))
	_, err := NewGelu(d, acc, nil)
	require.Error(t, err)
}
