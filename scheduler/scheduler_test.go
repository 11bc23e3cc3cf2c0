package scheduler_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/broker"
	"github.com/noetl/noetl/internal/ids"
	"github.com/noetl/noetl/scheduler"
	"github.com/noetl/noetl/scheduler/inmem"
)

// fakeKV is a minimal in-memory broker.KV double, matching loop_test.go's.
type fakeKV struct {
	mu sync.Mutex
	m  map[string]string
}

func newFakeKV() *fakeKV { return &fakeKV{m: make(map[string]string)} }

func (k *fakeKV) Get(_ context.Context, key string) (string, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.m[key]
	return v, ok, nil
}

func (k *fakeKV) Set(_ context.Context, key, value string, _ time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = value
	return nil
}

func (k *fakeKV) SetIfAbsent(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.m[key]; ok {
		return false, nil
	}
	k.m[key] = value
	return true, nil
}

func (k *fakeKV) CompareAndSet(_ context.Context, key, expected, newValue string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.m[key] != expected {
		return k.m[key], nil
	}
	k.m[key] = newValue
	return newValue, nil
}

func (k *fakeKV) Delete(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.m, key)
	return nil
}

type fakeBroker struct{ kv *fakeKV }

func (b *fakeBroker) Stream(context.Context, string) (broker.Stream, error) { return nil, nil }
func (b *fakeBroker) KV() broker.KV                                         { return b.kv }
func (b *fakeBroker) ReplyChannel(string) broker.ReplyChannel               { return nil }
func (b *fakeBroker) Close(context.Context) error                           { return nil }

// fakeCreator records every CreateExecution call.
type fakeCreator struct {
	mu    sync.Mutex
	calls []string
	next  ids.ID
}

func (c *fakeCreator) CreateExecution(_ context.Context, catalogPath, _ string, _ json.RawMessage, _ ids.ID) (ids.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, catalogPath)
	c.next++
	return c.next, nil
}

func (c *fakeCreator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// sleepPastNextSecond waits until just after the next whole second.
// robfig/cron rounds an "@every" interval below one second up to one second
// and aligns Next to whole seconds, so a schedule seeded now falls due then.
func sleepPastNextSecond() {
	time.Sleep(time.Until(time.Now().Truncate(time.Second).Add(time.Second + 50*time.Millisecond)))
}

func TestSchedulerSeedsBeforeFiring(t *testing.T) {
	ctx := context.Background()
	defs := inmem.New()
	defs.Put(scheduler.Definition{
		ID: "s1", CatalogPath: "daily-report", CatalogVersion: "1",
		Expression: "@every 10ms", Timezone: "UTC", Enabled: true,
	})
	creator := &fakeCreator{}
	s, err := scheduler.New(scheduler.Options{
		Definitions: defs, Broker: &fakeBroker{kv: newFakeKV()}, Creator: creator,
	})
	require.NoError(t, err)

	s.Tick(ctx)
	require.Equal(t, 0, creator.count(), "first tick only seeds next_run_at, it must not fire immediately")
}

func TestSchedulerFiresWhenDue(t *testing.T) {
	ctx := context.Background()
	defs := inmem.New()
	defs.Put(scheduler.Definition{
		ID: "s1", CatalogPath: "daily-report", CatalogVersion: "1",
		Expression: "@every 1ms", Timezone: "UTC", Enabled: true,
	})
	creator := &fakeCreator{}
	s, err := scheduler.New(scheduler.Options{
		Definitions: defs, Broker: &fakeBroker{kv: newFakeKV()}, Creator: creator,
	})
	require.NoError(t, err)

	s.Tick(ctx)
	sleepPastNextSecond()
	s.Tick(ctx)

	require.Equal(t, 1, creator.count())
	require.Equal(t, "daily-report", creator.calls[0])
}

func TestSchedulerSkipsDisabled(t *testing.T) {
	ctx := context.Background()
	defs := inmem.New()
	defs.Put(scheduler.Definition{
		ID: "s1", CatalogPath: "daily-report", CatalogVersion: "1",
		Expression: "@every 1ms", Timezone: "UTC", Enabled: false,
	})
	creator := &fakeCreator{}
	s, err := scheduler.New(scheduler.Options{
		Definitions: defs, Broker: &fakeBroker{kv: newFakeKV()}, Creator: creator,
	})
	require.NoError(t, err)

	s.Tick(ctx)
	time.Sleep(20 * time.Millisecond)
	s.Tick(ctx)

	require.Equal(t, 0, creator.count())
}

func TestSchedulerConcurrentTicksFireOnce(t *testing.T) {
	ctx := context.Background()
	defs := inmem.New()
	defs.Put(scheduler.Definition{
		ID: "s1", CatalogPath: "daily-report", CatalogVersion: "1",
		Expression: "@every 1ms", Timezone: "UTC", Enabled: true,
	})
	creator := &fakeCreator{}
	brk := &fakeBroker{kv: newFakeKV()}
	s, err := scheduler.New(scheduler.Options{Definitions: defs, Broker: brk, Creator: creator})
	require.NoError(t, err)

	s.Tick(ctx) // seed
	sleepPastNextSecond()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Tick(ctx)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, creator.count(), "only one of the racing ticks may win the CAS and fire")
}

func TestSchedulerInvalidTimezoneFallsBackToUTC(t *testing.T) {
	ctx := context.Background()
	defs := inmem.New()
	defs.Put(scheduler.Definition{
		ID: "s1", CatalogPath: "daily-report", CatalogVersion: "1",
		Expression: "@every 1ms", Timezone: "Not/AZone", Enabled: true,
	})
	creator := &fakeCreator{}
	s, err := scheduler.New(scheduler.Options{
		Definitions: defs, Broker: &fakeBroker{kv: newFakeKV()}, Creator: creator,
	})
	require.NoError(t, err)

	s.Tick(ctx)
	sleepPastNextSecond()
	s.Tick(ctx)

	require.Equal(t, 1, creator.count())
}
