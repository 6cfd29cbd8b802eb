package eventpool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gomlx/goatb/acl"
	"github.com/gomlx/goatb/sim"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type countingEvent struct {
	device    int
	destroyed atomic.Bool
}

func (e *countingEvent) Device() int { return e.device }
func (e *countingEvent) Record(acl.Stream) error { return nil }
func (e *countingEvent) Query() (bool, error) { return true, nil }
func (e *countingEvent) Synchronize() error { return nil }
func (e *countingEvent) Destroy() error {
	if e.destroyed.Swap(true) {
		return errors.New("event destroyed twice")
	}
	return nil
}

type countingFactory struct {
	numDevices int
	created    atomic.Int64
	failures   atomic.Bool
}

func (f *countingFactory) DeviceCount() int { return f.numDevices }

func (f *countingFactory) NewEvent(device int) (acl.Event, error) {
	if f.failures.Load() {
		return nil, errors.New("out of events")
	}
	f.created.Add(1)
	return &countingEvent{device: device}, nil
}

func TestGetRelease(t *testing.T) {
	factory := &countingFactory{numDevices: 2}
	pool := New(factory)
	require.Equal(t, 2, pool.NumDevices())

	e0 := must.M1(pool.Get(0))
	require.Equal(t, 0, e0.Device())
	e1 := must.M1(pool.Get(1))
	require.Equal(t, 1, e1.Device())
	require.Equal(t, int64(2), factory.created.Load())

	stats := must.M1(pool.Stats(0))
	require.Equal(t, Stats{Created: 1, OnLoan: 1}, stats)

	// Released events are reused, on the same device only.
	underlying := e0.Event
	e0.Release()
	stats = must.M1(pool.Stats(0))
	require.Equal(t, Stats{Created: 1, Pooled: 1}, stats)
	again := must.M1(pool.Get(0))
	require.Same(t, underlying, again.Event)
	require.Equal(t, int64(2), factory.created.Load())
	e2 := must.M1(pool.Get(1))
	require.NotSame(t, e1.Event, e2.Event)
	require.Equal(t, int64(3), factory.created.Load())

	// Double release is a no-op.
	again.Release()
	again.Release()
	stats = must.M1(pool.Stats(0))
	require.Equal(t, int64(1), stats.Pooled)
	require.Equal(t, int64(0), stats.OnLoan)

	e1.Release()
	e2.Release()
	var nilEvent *Event
	nilEvent.Release()
}

func TestInvalidDevice(t *testing.T) {
	pool := New(&countingFactory{numDevices: 2})
	for _, device := range []int{-1, 2, 100} {
		_, err := pool.Get(device)
		require.ErrorIs(t, err, ErrPrecondition)
		require.ErrorIs(t, err, acl.ErrPrecondition)
		_, err = pool.Stats(device)
		require.ErrorIs(t, err, ErrPrecondition)
	}
}

func TestCreationFailure(t *testing.T) {
	factory := &countingFactory{numDevices: 1}
	pool := New(factory)
	factory.failures.Store(true)
	_, err := pool.Get(0)
	require.ErrorContains(t, err, "out of events")
	stats := must.M1(pool.Stats(0))
	require.Equal(t, Stats{}, stats)
}

func TestEmptyCache(t *testing.T) {
	factory := &countingFactory{numDevices: 2}
	pool := New(factory)
	events := make([]*Event, 0, 6)
	for ii := range 6 {
		events = append(events, must.M1(pool.Get(ii%2)))
	}
	onLoan := events[5] // Device 1.
	pooled := make([]*countingEvent, 0, 5)
	for _, e := range events[:5] {
		pooled = append(pooled, e.Event.(*countingEvent))
		e.Release()
	}

	require.NoError(t, pool.EmptyCache())
	for _, e := range pooled {
		require.True(t, e.destroyed.Load())
	}
	require.False(t, onLoan.Event.(*countingEvent).destroyed.Load())
	stats0 := must.M1(pool.Stats(0))
	require.Equal(t, Stats{Created: 3, Destroyed: 3}, stats0)
	stats1 := must.M1(pool.Stats(1))
	require.Equal(t, Stats{Created: 3, Destroyed: 2, OnLoan: 1}, stats1)
	require.Equal(t, int64(1), stats1.Live())

	// After clearing, Get creates a new event.
	created := factory.created.Load()
	e := must.M1(pool.Get(0))
	require.Equal(t, created+1, factory.created.Load())
	e.Release()

	// Events on loan during EmptyCache go back to the pool.
	onLoan.Release()
	stats1 = must.M1(pool.Stats(1))
	require.Equal(t, int64(1), stats1.Pooled)
	require.NoError(t, pool.EmptyCache())
	require.True(t, onLoan.Event.(*countingEvent).destroyed.Load())
}

func TestConcurrentLoans(t *testing.T) {
	const (
		numDevices   = 2
		numWorkers   = 8
		numLoops     = 10_000
		eventsPerRun = 3
	)
	factory := &countingFactory{numDevices: numDevices}
	pool := New(factory)

	var mu sync.Mutex
	maxLoans := make([]int64, numDevices)
	var g errgroup.Group
	for worker := range numWorkers {
		g.Go(func() error {
			device := worker % numDevices
			for range numLoops {
				events := make([]*Event, 0, eventsPerRun)
				for range eventsPerRun {
					e, err := pool.Get(device)
					if err != nil {
						return err
					}
					if e.Device() != device || e.Event.Device() != device {
						return errors.Errorf("got event of device %d for device %d", e.Event.Device(), device)
					}
					events = append(events, e)
				}
				stats, err := pool.Stats(device)
				if err != nil {
					return err
				}
				mu.Lock()
				maxLoans[device] = max(maxLoans[device], stats.OnLoan)
				mu.Unlock()
				for _, e := range events {
					e.Release()
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for device := range numDevices {
		stats := must.M1(pool.Stats(device))
		require.Equal(t, int64(0), stats.OnLoan)
		require.Equal(t, stats.Created, stats.Pooled)
		// Never more events than the maximum number of concurrent loans.
		require.LessOrEqual(t, stats.Live(), int64(numWorkers/numDevices*eventsPerRun))
		require.LessOrEqual(t, maxLoans[device], int64(numWorkers/numDevices*eventsPerRun))
	}
	require.NoError(t, pool.EmptyCache())
}

func TestWithSimulator(t *testing.T) {
	acc := sim.New(sim.Options{NumDevices: 2})
	defer acc.Close()
	aliveBefore := sim.EventsAlive()
	pool := New(acc)

	stream := must.M1(acc.Stream(1))
	finished := false
	require.NoError(t, stream.Enqueue("work", func() error {
		finished = true
		return nil
	}))
	e := must.M1(pool.Get(1))
	require.NoError(t, e.Record(stream))
	require.NoError(t, e.Synchronize())
	require.True(t, finished)
	done, err := e.Query()
	require.NoError(t, err)
	require.True(t, done)
	e.Release()

	// Recording on another device's stream fails.
	e = must.M1(pool.Get(0))
	require.Error(t, e.Record(stream))
	e.Release()

	require.Equal(t, aliveBefore+2, sim.EventsAlive())
	require.NoError(t, pool.EmptyCache())
	require.Equal(t, aliveBefore, sim.EventsAlive())
}

func BenchmarkGetRelease(b *testing.B) {
	pool := New(&countingFactory{numDevices: 1})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e := must.M1(pool.Get(0))
		e.Release()
	}
}
