package writebehind_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mopemope/meghanada-server-sub002/pkg/entitystore"
	"github.com/mopemope/meghanada-server-sub002/pkg/writebehind"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type item struct {
	id      string
	version int
}

func (i *item) EntityType() string                 { return "Item" }
func (i *item) StoreID() string                    { return i.id }
func (i *item) Export(e *entitystore.Entity) error { return e.SetProperty("version", i.version) }
func (i *item) Marshal() ([]byte, error)           { return []byte(fmt.Sprintf("%s@%d", i.id, i.version)), nil }

// fakeBackend records the operations a pool applies.
type fakeBackend struct {
	mu        sync.Mutex
	ops       []string
	batches   [][]string
	storeErr  error
	delay     time.Duration
	gate      chan struct{}
	closeErrs []error
	closes    int
	forced    bool
}

func (b *fakeBackend) StoreAll(_ context.Context, objs []entitystore.Storable, allowUpdate bool) (int, error) {
	if b.delay > 0 {
		time.Sleep(b.delay)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var ids []string

	for _, o := range objs {
		it := o.(*item)
		ids = append(ids, fmt.Sprintf("%s@%d", it.id, it.version))
		b.ops = append(b.ops, fmt.Sprintf("store %s@%d update=%t", it.id, it.version, allowUpdate))
	}

	b.batches = append(b.batches, ids)

	if b.storeErr != nil {
		return 0, b.storeErr
	}

	return len(objs), nil
}

func (b *fakeBackend) Delete(_ context.Context, entityType, storeID string) (bool, error) {
	if b.gate != nil {
		<-b.gate
	}

	if b.delay > 0 {
		time.Sleep(b.delay)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.ops = append(b.ops, "delete "+entityType+"/"+storeID)

	return true, nil
}

func (b *fakeBackend) DeleteBlob(_ context.Context, entityType, storeID, blob string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ops = append(b.ops, "delete-blob "+entityType+"/"+storeID+"/"+blob)

	return true, nil
}

func (b *fakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closes++

	if len(b.closeErrs) > 0 {
		err := b.closeErrs[0]
		b.closeErrs = b.closeErrs[1:]

		return err
	}

	return nil
}

func (b *fakeBackend) ForceClose() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.forced = true

	return nil
}

func (b *fakeBackend) snapshot() ([]string, [][]string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]string(nil), b.ops...), append([][]string(nil), b.batches...)
}

func newTestPool(t *testing.T, b writebehind.Backend, opts writebehind.Options) *writebehind.Pool {
	t.Helper()

	p, err := writebehind.New(b, opts)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	t.Cleanup(func() { _ = p.Shutdown() })

	return p
}

func waitDrained(t *testing.T, p *writebehind.Pool) {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func Test_Pool_Batches_Mergeable_Requests_When_Queued_Together(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{gate: make(chan struct{})}
	p := newTestPool(t, b, writebehind.Options{})

	// Hold the permanent worker so every store request is queued before
	// draining starts.
	err := p.AsyncDelete("Item", "hold")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	const n = 25
	for i := range n {
		err = p.AsyncStore(&item{id: fmt.Sprintf("k%02d", i)}, true)
		if err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}

	close(b.gate)
	waitDrained(t, p)

	_, batches := b.snapshot()

	want := (n + writebehind.DefaultMergeSize - 1) / writebehind.DefaultMergeSize
	if len(batches) > want {
		t.Fatalf("transactions = %d, want <= %d", len(batches), want)
	}

	stored := 0
	for _, batch := range batches {
		stored += len(batch)
	}

	if stored != n {
		t.Fatalf("stored = %d, want %d", stored, n)
	}

	stats := p.Stats()
	if stats.Processed != n+1 || stats.Enqueued != n+1 || stats.Failed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func Test_Pool_Keeps_Last_Value_When_Batch_Has_Duplicate_Keys(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{gate: make(chan struct{})}
	p := newTestPool(t, b, writebehind.Options{})

	_ = p.AsyncDelete("Item", "hold")
	_ = p.AsyncStore(&item{id: "a", version: 1}, true)
	_ = p.AsyncStore(&item{id: "b", version: 1}, true)
	_ = p.AsyncStore(&item{id: "a", version: 2}, true)

	close(b.gate)
	waitDrained(t, p)

	_, batches := b.snapshot()

	if diff := cmp.Diff([][]string{{"a@2", "b@1"}}, batches); diff != "" {
		t.Fatalf("batches mismatch (-want +got):\n%s", diff)
	}
}

func Test_Pool_Preserves_Order_When_Requests_Not_Mergeable(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{gate: make(chan struct{})}
	p := newTestPool(t, b, writebehind.Options{})

	_ = p.AsyncDelete("Item", "hold")
	_ = p.AsyncStore(&item{id: "a", version: 1}, false)
	_ = p.AsyncDelete("Item", "a")
	_ = p.AsyncStoreAll([]entitystore.Storable{&item{id: "b"}, &item{id: "c"}}, true)
	_ = p.AsyncDeleteBlob("Item", "b", "extra")

	close(b.gate)
	waitDrained(t, p)

	ops, _ := b.snapshot()

	want := []string{
		"delete Item/hold",
		"store a@1 update=false",
		"delete Item/a",
		"store b@0 update=true",
		"store c@0 update=true",
		"delete-blob Item/b/extra",
	}

	if diff := cmp.Diff(want, ops); diff != "" {
		t.Fatalf("ops mismatch (-want +got):\n%s", diff)
	}
}

func Test_Pool_Applies_Non_Mergeable_Request_Before_Batch_When_Interleaved(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{gate: make(chan struct{})}
	p := newTestPool(t, b, writebehind.Options{})

	_ = p.AsyncDelete("Item", "hold")
	_ = p.AsyncStore(&item{id: "a"}, true)
	_ = p.AsyncDeleteBlob("Item", "z", "extra")
	_ = p.AsyncStore(&item{id: "b"}, true)

	close(b.gate)
	waitDrained(t, p)

	ops, _ := b.snapshot()

	want := []string{
		"delete Item/hold",
		"delete-blob Item/z/extra",
		"store a@0 update=true",
		"store b@0 update=true",
	}

	if diff := cmp.Diff(want, ops); diff != "" {
		t.Fatalf("ops mismatch (-want +got):\n%s", diff)
	}
}

func Test_Pool_Drops_Batched_Write_When_Later_Delete_Is_Applied_First(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{gate: make(chan struct{})}
	p := newTestPool(t, b, writebehind.Options{})

	_ = p.AsyncDelete("Item", "hold")
	_ = p.AsyncStore(&item{id: "a", version: 1}, true)
	_ = p.AsyncStore(&item{id: "b", version: 1}, true)
	_ = p.AsyncDelete("Item", "a")

	close(b.gate)
	waitDrained(t, p)

	ops, batches := b.snapshot()

	want := []string{
		"delete Item/hold",
		"delete Item/a",
		"store b@1 update=true",
	}

	if diff := cmp.Diff(want, ops); diff != "" {
		t.Fatalf("ops mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([][]string{{"b@1"}}, batches); diff != "" {
		t.Fatalf("batches mismatch (-want +got):\n%s", diff)
	}

	if got := p.Stats().Processed; got != 4 {
		t.Fatalf("processed = %d, want 4", got)
	}
}

func Test_Pool_Skips_Commit_When_Every_Batched_Write_Is_Deleted(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{gate: make(chan struct{})}
	p := newTestPool(t, b, writebehind.Options{})

	_ = p.AsyncDelete("Item", "hold")
	_ = p.AsyncStore(&item{id: "a", version: 1}, true)
	_ = p.AsyncDelete("Item", "a")

	close(b.gate)
	waitDrained(t, p)

	_, batches := b.snapshot()
	if len(batches) != 0 {
		t.Fatalf("batches = %v, want none", batches)
	}

	if got := p.Stats().Processed; got != 3 {
		t.Fatalf("processed = %d, want 3", got)
	}
}

func Test_Pool_Scales_Up_To_MaxWorkers_When_Queue_Exceeds_BurstLimit(t *testing.T) {
	t.Parallel()

	var tick atomic.Int64

	clock := func() time.Time {
		return time.Unix(tick.Add(1), 0)
	}

	b := &fakeBackend{delay: 2 * time.Millisecond}
	p := newTestPool(t, b, writebehind.Options{
		BurstLimit:      2,
		MaxWorkers:      2,
		ScaleUpInterval: 500 * time.Millisecond,
		IdleTimeout:     20 * time.Millisecond,
		Now:             clock,
	})

	for i := range 60 {
		err := p.AsyncDelete("Item", fmt.Sprint(i))
		if err != nil {
			t.Fatalf("delete %d: %v", i, err)
		}
	}

	waitDrained(t, p)

	stats := p.Stats()
	if stats.PeakExtraWorkers < 1 || stats.PeakExtraWorkers > 2 {
		t.Fatalf("peak extra workers = %d, want 1..2", stats.PeakExtraWorkers)
	}

	deadline := time.Now().Add(5 * time.Second)
	for p.Stats().ExtraWorkers != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("extra workers = %d after idle timeout", p.Stats().ExtraWorkers)
		}

		time.Sleep(5 * time.Millisecond)
	}

	ops, _ := b.snapshot()
	if len(ops) != 60 {
		t.Fatalf("applied %d ops, want 60", len(ops))
	}
}

func Test_Pool_Logs_And_Counts_Failed_Writes(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	b := &fakeBackend{storeErr: errors.New("disk full")}
	p := newTestPool(t, b, writebehind.Options{Logger: zap.New(core)})

	err := p.AsyncStore(&item{id: "a"}, true)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	waitDrained(t, p)

	if got := p.Stats().Failed; got != 1 {
		t.Fatalf("failed = %d, want 1", got)
	}

	if logs.FilterMessage("write-behind failed").Len() != 1 {
		t.Fatalf("expected one failure log, got %v", logs.All())
	}
}

func Test_Shutdown_Drains_Queue_And_Rejects_Later_Requests(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{delay: time.Millisecond}

	p, err := writebehind.New(b, writebehind.Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	for i := range 20 {
		_ = p.AsyncStore(&item{id: fmt.Sprint(i)}, i%2 == 0)
	}

	err = p.Shutdown()
	if err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	ops, _ := b.snapshot()
	if len(ops) != 20 {
		t.Fatalf("applied %d ops before close, want 20", len(ops))
	}

	err = p.AsyncStore(&item{id: "late"}, true)
	if !errors.Is(err, writebehind.ErrShutdown) {
		t.Fatalf("late store err = %v, want ErrShutdown", err)
	}

	err = p.Shutdown()
	if err != nil {
		t.Fatalf("second shutdown: %v", err)
	}

	b.mu.Lock()
	closes := b.closes
	b.mu.Unlock()

	if closes != 1 {
		t.Fatalf("backend closed %d times, want 1", closes)
	}

	if p.Stats().Rejected != 1 {
		t.Fatalf("rejected = %d, want 1", p.Stats().Rejected)
	}
}

func Test_Shutdown_Forces_Close_When_Store_Stays_Busy(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{closeErrs: []error{entitystore.ErrTxActive, entitystore.ErrTxActive}}

	p, err := writebehind.New(b, writebehind.Options{CloseRetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	err = p.Shutdown()
	if err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closes != 2 || !b.forced {
		t.Fatalf("closes = %d forced = %t, want 2 and true", b.closes, b.forced)
	}
}

func Test_Shutdown_Retries_Close_Once_When_Store_Busy(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{closeErrs: []error{entitystore.ErrTxActive}}

	p, err := writebehind.New(b, writebehind.Options{CloseRetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	err = p.Shutdown()
	if err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closes != 2 || b.forced {
		t.Fatalf("closes = %d forced = %t, want 2 and false", b.closes, b.forced)
	}
}
