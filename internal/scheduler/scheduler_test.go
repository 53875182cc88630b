package scheduler

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/aweris/assetcache/internal/asset"
	"github.com/aweris/assetcache/internal/bundle"
	"github.com/aweris/assetcache/internal/manifest"
	"github.com/aweris/assetcache/internal/store"
)

var thing = asset.NewType("Thing")

// manualOpener holds asynchronous opens until finish is called, unless
// auto is set.
type manualOpener struct {
	loop    *Loop
	auto    bool
	opens   []string
	waiting map[string]func()
}

func (o *manualOpener) Open(desc *manifest.Descriptor) (*store.Bundle, error) {
	o.opens = append(o.opens, desc.Name)
	return &store.Bundle{
		Name: desc.Name,
		Main: "main",
		Entries: map[string]*store.Object{
			"main": {Name: desc.Name, Type: "Thing"},
		},
	}, nil
}

func (o *manualOpener) OpenAsync(desc *manifest.Descriptor, fn func(*store.Bundle, error)) {
	b, err := o.Open(desc)
	done := func() { fn(b, err) }
	if o.auto {
		o.loop.Defer(done)
		return
	}
	o.waiting[desc.Name] = done
}

func (o *manualOpener) finish(t *testing.T, name string) {
	t.Helper()
	fn, ok := o.waiting[name]
	if !ok {
		t.Fatalf("%s is not opening", name)
	}
	delete(o.waiting, name)
	o.loop.Defer(fn)
}

type fixture struct {
	loop     *Loop
	opener   *manualOpener
	env      *asset.Env
	registry *Registry
}

func newFixture(t *testing.T, limits []int, descs ...manifest.Descriptor) *fixture {
	t.Helper()
	loop := NewLoop()
	opener := &manualOpener{loop: loop, waiting: map[string]func(){}}
	index := manifest.NewIndex(descs)
	env := &asset.Env{
		Table: bundle.NewTable(index, opener, loop),
		Loop:  loop,
	}
	return &fixture{
		loop:     loop,
		opener:   opener,
		env:      env,
		registry: NewRegistry(env, index, limits),
	}
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	for i := 0; f.loop.Tick() > 0; i++ {
		if i > 100 {
			t.Fatal("loop did not settle")
		}
	}
}

func desc(name string, deps ...string) manifest.Descriptor {
	return manifest.Descriptor{Name: name, Hash: name + "-hash", Dependencies: deps}
}

func TestLoopDefersToNextTick(t *testing.T) {
	loop := NewLoop()

	var order []string
	loop.Defer(func() {
		order = append(order, "first")
		loop.Defer(func() { order = append(order, "second") })
	})

	if n := loop.Tick(); n != 1 {
		t.Errorf("first tick ran %d callbacks, want 1", n)
	}
	if !slices.Equal(order, []string{"first"}) {
		t.Errorf("order after one tick = %v", order)
	}
	loop.Tick()
	if !slices.Equal(order, []string{"first", "second"}) {
		t.Errorf("order after two ticks = %v", order)
	}
	if !loop.Idle() {
		t.Error("loop should be idle")
	}
}

func TestLoopRunUntilIdleWaitsForBackgroundWork(t *testing.T) {
	loop := NewLoop()
	complete := loop.Begin()

	done := false
	go func() {
		time.Sleep(10 * time.Millisecond)
		complete(func() { done = true })
		complete(func() { t.Error("second completion ran") })
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := loop.RunUntilIdle(ctx); err != nil {
		t.Fatalf("RunUntilIdle: %v", err)
	}
	if !done {
		t.Error("background completion did not run")
	}
}

func TestLoopRunStopsWithContext(t *testing.T) {
	loop := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())

	loop.Post(func() { cancel() })
	if err := loop.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

func TestCallbacksFireInRequestOrderPerLane(t *testing.T) {
	f := newFixture(t, nil, desc("slow"), desc("fast"))

	var fired []string
	record := func(h asset.Handler) { fired = append(fired, h.Path()) }

	if _, err := f.registry.Request("slow", thing, 0, record); err != nil {
		t.Fatal(err)
	}
	if _, err := f.registry.Request("fast", thing, 0, record); err != nil {
		t.Fatal(err)
	}

	f.opener.finish(t, "fast")
	f.drain(t)
	if len(fired) != 0 {
		t.Fatalf("fast callback overtook slow: %v", fired)
	}

	f.opener.finish(t, "slow")
	f.drain(t)
	if want := []string{"slow", "fast"}; !slices.Equal(fired, want) {
		t.Errorf("fired = %v, want %v", fired, want)
	}
}

func TestLanesAreIndependent(t *testing.T) {
	f := newFixture(t, nil, desc("main"), desc("background"))

	var fired []string
	record := func(h asset.Handler) { fired = append(fired, h.Path()) }
	f.registry.Request("main", thing, 0, record)
	f.registry.Request("background", thing, 1, record)

	f.opener.finish(t, "background")
	f.drain(t)
	if !slices.Equal(fired, []string{"background"}) {
		t.Errorf("fired = %v, want background lane to proceed alone", fired)
	}
}

func TestReleaseBeforeCompletionUnloadsOnCompletion(t *testing.T) {
	f := newFixture(t, nil, desc("a"))

	fired := false
	h, err := f.registry.Request("a", thing, 0, func(asset.Handler) { fired = true })
	if err != nil {
		t.Fatal(err)
	}
	f.registry.Release(h)

	if f.registry.Stats().Handlers != 1 {
		t.Fatal("loading handler dropped before completion")
	}

	f.opener.finish(t, "a")
	f.drain(t)

	if fired {
		t.Error("callback fired after release")
	}
	if f.registry.Stats().Handlers != 0 {
		t.Error("handler still tracked")
	}
	if f.env.Table.Len() != 0 {
		t.Error("bundle still resident")
	}
	if h.Payload() != nil || h.Status() != asset.None {
		t.Error("released handler kept its payload")
	}
}

func TestDuplicateRequestsShareHandler(t *testing.T) {
	f := newFixture(t, nil, desc("a"))

	calls := 0
	cb := func(asset.Handler) { calls++ }
	h1, _ := f.registry.Request("a", thing, 0, cb)
	h2, _ := f.registry.Request("A", thing, 0, cb)

	if h1 != h2 {
		t.Fatal("duplicate request created a second handler")
	}
	if h1.RefCount() != 2 {
		t.Errorf("RefCount = %d, want 2", h1.RefCount())
	}

	f.opener.finish(t, "a")
	f.drain(t)
	if calls != 2 {
		t.Errorf("callbacks = %d, want 2", calls)
	}
	if len(f.opener.opens) != 1 {
		t.Errorf("opens = %v, want one", f.opener.opens)
	}
}

func TestRequestCompletedFiresNextTick(t *testing.T) {
	f := newFixture(t, nil, desc("a"))
	f.opener.auto = true

	f.registry.Request("a", thing, 0, nil)
	f.drain(t)

	fired := false
	f.registry.Request("a", thing, 0, func(asset.Handler) { fired = true })
	if fired {
		t.Fatal("callback fired synchronously")
	}
	f.drain(t)
	if !fired {
		t.Error("callback did not fire")
	}
}

func TestDependencyScenario(t *testing.T) {
	f := newFixture(t, []int{1}, desc("weapons/sword"), desc("ui/hud", "weapons/sword"))
	f.opener.auto = true

	var payload *asset.Object
	h, err := f.registry.Request("ui/hud", thing, 0, func(h asset.Handler) { payload = h.Payload() })
	if err != nil {
		t.Fatal(err)
	}
	f.drain(t)

	if want := []string{"weapons/sword", "ui/hud"}; !slices.Equal(f.opener.opens, want) {
		t.Errorf("opens = %v, want %v", f.opener.opens, want)
	}
	if payload == nil || payload.Name != "ui/hud" {
		t.Errorf("payload = %+v", payload)
	}
	if f.env.Table.Len() != 2 {
		t.Fatalf("table has %d bundles, want 2", f.env.Table.Len())
	}

	f.registry.Release(h)
	if f.env.Table.Len() != 0 {
		t.Errorf("table has %d bundles after release, want 0", f.env.Table.Len())
	}
}

func TestSharedDependencyReleasedWithLastUser(t *testing.T) {
	f := newFixture(t, nil, desc("shared"), desc("a", "shared"), desc("b", "shared"))
	f.opener.auto = true

	a, _ := f.registry.Request("a", thing, 0, nil)
	b, _ := f.registry.Request("b", thing, 0, nil)
	f.drain(t)

	f.registry.Release(a)
	shared, _ := f.env.Table.Index().Lookup("shared")
	if h, ok := f.env.Table.Get(shared.ID()); !ok || h.Status() != bundle.Loaded {
		t.Fatal("shared bundle evicted while b still holds it")
	}

	f.registry.Release(b)
	if _, ok := f.env.Table.Get(shared.ID()); ok {
		t.Error("shared bundle leaked")
	}
}

func TestLaneLimit(t *testing.T) {
	f := newFixture(t, []int{1}, desc("a"), desc("b"), desc("c"))
	for _, name := range []string{"a", "b", "c"} {
		if _, err := f.registry.Request(name, thing, 0, nil); err != nil {
			t.Fatal(err)
		}
	}

	if s := f.registry.Stats(); s.Loading != 1 || s.Waiting != 2 {
		t.Fatalf("stats = %+v, want one loading and two waiting", s)
	}

	f.opener.finish(t, "a")
	f.drain(t)
	if s := f.registry.Stats(); s.Loading != 1 || s.Completed != 1 || s.Waiting != 1 {
		t.Errorf("stats = %+v after first completion", s)
	}
	if _, ok := f.opener.waiting["b"]; !ok {
		t.Error("oldest waiting request was not admitted first")
	}
}

func TestLaneLimitBelowOneIsRaised(t *testing.T) {
	f := newFixture(t, []int{0, -3}, desc("a"))
	f.opener.auto = true
	if f.registry.Limit(0) != 1 || f.registry.Limit(1) != 1 {
		t.Fatalf("limits = %d, %d; want 1, 1", f.registry.Limit(0), f.registry.Limit(1))
	}

	var got asset.Handler
	if _, err := f.registry.Request("a", thing, 0, func(h asset.Handler) { got = h }); err != nil {
		t.Fatal(err)
	}
	f.drain(t)
	if got == nil || got.Status() != asset.Completed {
		t.Error("request on a zero-limit lane never completed")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	f := newFixture(t, nil, desc("a"))
	f.opener.auto = true

	h, _ := f.registry.Request("a", thing, 0, nil)
	f.drain(t)

	f.registry.Release(h)
	f.registry.Release(h)
	f.registry.Release(nil)
	h.Unload()

	if h.RefCount() != 0 {
		t.Errorf("RefCount = %d, want 0", h.RefCount())
	}
	if f.env.Table.Len() != 0 || f.registry.Stats().Handlers != 0 {
		t.Error("state left after release")
	}
}

func TestReleaseBeforeAdmissionDropsRequest(t *testing.T) {
	f := newFixture(t, []int{1}, desc("a"), desc("b"))

	f.registry.Request("a", thing, 0, nil)
	fired := false
	b, _ := f.registry.Request("b", thing, 0, func(asset.Handler) { fired = true })
	f.registry.Release(b)

	f.opener.finish(t, "a")
	f.drain(t)

	if fired {
		t.Error("callback of released request fired")
	}
	if _, ok := f.opener.waiting["b"]; ok {
		t.Error("released request was admitted")
	}
}

func TestSceneRequests(t *testing.T) {
	f := newFixture(t, nil, manifest.Descriptor{Name: "stages/forest", Hash: "f"})
	f.opener.auto = true

	h, err := f.registry.RequestScene("stages/forest", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := h.(*asset.Bundled); !ok {
		t.Errorf("scene with descriptor served by %T", h)
	}

	if _, err := f.registry.RequestScene("stages/new", 0, nil); !errors.Is(err, ErrNoContent) {
		t.Errorf("err = %v, want ErrNoContent", err)
	}

	f.env.Development = true
	placeholder, err := f.registry.RequestScene("stages/new", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	f.drain(t)
	if placeholder.Status() != asset.Completed || placeholder.Payload() != nil {
		t.Error("placeholder did not complete empty")
	}
}

func TestBundleOnlyIsPinned(t *testing.T) {
	f := newFixture(t, nil, desc("a"))
	f.opener.auto = true

	h, err := f.registry.RequestBundleOnly("a", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	f.drain(t)

	f.registry.Release(h)
	if f.registry.Stats().Handlers != 1 || f.env.Table.Len() != 1 {
		t.Fatal("pinned bundle released")
	}

	f.registry.Unpin(h)
	if f.registry.Stats().Handlers != 0 || f.env.Table.Len() != 0 {
		t.Error("unpinned bundle not released")
	}

	if _, err := f.registry.RequestBundleOnly("missing", 0, nil); !errors.Is(err, ErrNoContent) {
		t.Errorf("err = %v, want ErrNoContent", err)
	}
}

func TestInvalidLane(t *testing.T) {
	f := newFixture(t, nil, desc("a"))
	if _, err := f.registry.Request("a", thing, 2, nil); !errors.Is(err, ErrInvalidLane) {
		t.Errorf("err = %v, want ErrInvalidLane", err)
	}
	if _, err := f.registry.Request("a", thing, -1, nil); !errors.Is(err, ErrInvalidLane) {
		t.Errorf("err = %v, want ErrInvalidLane", err)
	}
}

func TestSyncLoadWhileLoading(t *testing.T) {
	f := newFixture(t, nil, desc("a"))

	f.registry.Request("a", thing, 0, nil)
	h, err := f.registry.Load("a", thing)
	if !errors.Is(err, bundle.ErrLoadInFlight) {
		t.Errorf("err = %v, want ErrLoadInFlight", err)
	}
	if h == nil || h.RefCount() != 2 {
		t.Error("sync load should still hold a reference")
	}
}

func TestSyncLoad(t *testing.T) {
	f := newFixture(t, nil, desc("a"))

	h, err := f.registry.Load("a", thing)
	if err != nil {
		t.Fatal(err)
	}
	if h.Status() != asset.Completed || h.Payload() == nil {
		t.Errorf("status = %s, payload = %v", h.Status(), h.Payload())
	}
	if f.registry.Find("a", thing, false) != h {
		t.Error("sync load not tracked")
	}
}
