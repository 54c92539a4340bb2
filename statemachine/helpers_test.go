package statemachine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/amp-labs/sigma/bus"
	"github.com/neilotoole/slogt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type tally struct {
	N   int
	Log []string
}

// journal is a concurrency-safe ordered log of what test functions did.
type journal struct {
	mutex   sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	j.entries = append(j.entries, entry)
}

func (j *journal) snapshot() []string {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	out := make([]string, len(j.entries))
	copy(out, j.entries)

	return out
}

func (j *journal) len() int {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	return len(j.entries)
}

func (j *journal) waitLen(t *testing.T, n int) []string {
	t.Helper()

	require.Eventually(t, func() bool { return j.len() >= n }, waitTimeout, time.Millisecond,
		"journal should reach %d entries", n)

	return j.snapshot()
}

func testOptions(t *testing.T, extra ...Option) []Option {
	t.Helper()

	return append([]Option{WithLogger(NewSlogLogger(slogt.New(t)))}, extra...)
}

func newBus(t *testing.T) *bus.Memory {
	t.Helper()

	b := bus.NewMemory(t.Name())
	t.Cleanup(b.Close)

	return b
}

type supervisor struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// supervise runs m in the background until the test ends.
func supervise[C any](t *testing.T, m *Machine[C]) *supervisor {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	s := &supervisor{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(s.done)

		s.err = m.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-s.done
	})

	return s
}

func (s *supervisor) wait(t *testing.T) error {
	t.Helper()

	select {
	case <-s.done:
		return s.err
	case <-time.After(waitTimeout):
		t.Fatal("machine did not exit")

		return nil
	}
}

// watch subscribes to the outgoing notifications of machine.
func watch(t *testing.T, b bus.Bus, machine string) *bus.Subscription {
	t.Helper()

	sub := b.Subscribe(func(ev bus.Event) bool {
		lc, ok := ev.Payload.(Lifecycle)

		return ok && lc.Machine == machine
	})
	t.Cleanup(sub.Close)

	return sub
}

func next(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	ev, err := sub.Next(ctx)
	require.NoError(t, err, "no event received")

	return ev
}

func expect(t *testing.T, sub *bus.Subscription, typ string) Lifecycle {
	t.Helper()

	ev := next(t, sub)
	require.Equal(t, typ, ev.Type)

	lc, ok := ev.Payload.(Lifecycle)
	require.True(t, ok)

	return lc
}

// skipTo discards notifications until one of type typ arrives.
func skipTo(t *testing.T, sub *bus.Subscription, typ string) Lifecycle {
	t.Helper()

	for {
		ev := next(t, sub)
		if ev.Type == typ {
			lc, _ := ev.Payload.(Lifecycle)

			return lc
		}
	}
}

func publish(t *testing.T, b bus.Bus, typ string, payload any) {
	t.Helper()

	require.NoError(t, b.Publish(context.Background(), bus.New(typ, payload)))
}

func record(j *journal, entry string) Activity[tally] {
	return func(context.Context, *Run[tally]) error {
		j.add(entry)

		return nil
	}
}

func counterValue(c prometheus.Counter) float64 {
	return testutil.ToFloat64(c)
}

func gaugeValue(g prometheus.Gauge) float64 {
	return testutil.ToFloat64(g)
}
