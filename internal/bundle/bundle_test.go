package bundle

import (
	"errors"
	"slices"
	"testing"

	"github.com/aweris/assetcache/internal/manifest"
	"github.com/aweris/assetcache/internal/store"
)

type fakeLoop struct {
	queue []func()
}

func (l *fakeLoop) Defer(fn func()) { l.queue = append(l.queue, fn) }

func (l *fakeLoop) tick() {
	batch := l.queue
	l.queue = nil
	for _, fn := range batch {
		fn()
	}
}

func (l *fakeLoop) drain(t *testing.T) {
	t.Helper()
	for i := 0; len(l.queue) > 0; i++ {
		if i > 100 {
			t.Fatal("loop did not settle")
		}
		l.tick()
	}
}

type fakeOpener struct {
	loop     *fakeLoop
	fail     map[string]bool
	opens    []string
	unloaded []string
}

func (o *fakeOpener) Open(desc *manifest.Descriptor) (*store.Bundle, error) {
	o.opens = append(o.opens, desc.Name)
	if o.fail[desc.Name] {
		return nil, errors.New("boom")
	}
	return &store.Bundle{
		Name:    desc.Name,
		Entries: map[string]*store.Object{"main": {Name: desc.Name}},
	}, nil
}

func (o *fakeOpener) OpenAsync(desc *manifest.Descriptor, fn func(*store.Bundle, error)) {
	b, err := o.Open(desc)
	o.loop.Defer(func() { fn(b, err) })
}

func (o *fakeOpener) Contains(hash string) bool { return true }

func (o *fakeOpener) Unloaded(desc *manifest.Descriptor) {
	o.unloaded = append(o.unloaded, desc.Name)
}

func newTable(t *testing.T, descs ...manifest.Descriptor) (*Table, *fakeOpener, *fakeLoop) {
	t.Helper()
	loop := &fakeLoop{}
	opener := &fakeOpener{loop: loop, fail: map[string]bool{}}
	table := NewTable(manifest.NewIndex(descs), opener, loop)
	return table, opener, loop
}

func desc(name string, deps ...string) manifest.Descriptor {
	return manifest.Descriptor{Name: name, Hash: name + "-hash", Dependencies: deps}
}

func handle(t *testing.T, table *Table, name string) *Handle {
	t.Helper()
	d, ok := table.index.Lookup(name)
	if !ok {
		t.Fatalf("no descriptor %q", name)
	}
	return table.GetOrCreate(d)
}

func TestGetOrCreateMemoizes(t *testing.T) {
	table, _, _ := newTable(t, desc("a", "b", "missing"), desc("b"))

	h1 := handle(t, table, "a")
	h2 := handle(t, table, "a")
	if h1 != h2 {
		t.Fatal("GetOrCreate returned two handles for one descriptor")
	}
	if table.Len() != 2 {
		t.Errorf("Len = %d, want 2", table.Len())
	}
	if deps := h1.Dependencies(); len(deps) != 1 {
		t.Errorf("Dependencies = %v, want only the known one", deps)
	}
}

func TestAddReferenceUserCoversClosure(t *testing.T) {
	table, _, _ := newTable(t, desc("a", "b"), desc("b", "c"), desc("c", "a"))
	a := handle(t, table, "a")

	owner := new(int)
	a.AddReferenceUser(owner)
	a.AddReferenceUser(owner)

	for _, name := range []string{"a", "b", "c"} {
		if got := handle(t, table, name).Users(); got != 1 {
			t.Errorf("%s users = %d, want 1", name, got)
		}
	}
}

func TestLoadAsyncOpensDependenciesFirst(t *testing.T) {
	table, opener, loop := newTable(t, desc("a", "b"), desc("b", "c"), desc("c"))
	a := handle(t, table, "a")

	calls := 0
	a.LoadAsync(func() { calls++ })
	if calls != 0 {
		t.Fatal("callback ran synchronously")
	}
	loop.drain(t)

	if calls != 1 {
		t.Errorf("callback ran %d times, want 1", calls)
	}
	if want := []string{"c", "b", "a"}; !slices.Equal(opener.opens, want) {
		t.Errorf("open order = %v, want %v", opener.opens, want)
	}
	for _, name := range []string{"a", "b", "c"} {
		if s := handle(t, table, name).Status(); s != Loaded {
			t.Errorf("%s status = %s, want loaded", name, s)
		}
	}
}

func TestLoadAsyncLoadedFiresNextTick(t *testing.T) {
	table, _, loop := newTable(t, desc("a"))
	a := handle(t, table, "a")
	if err := a.LoadSync(); err != nil {
		t.Fatal(err)
	}

	fired := false
	a.LoadAsync(func() { fired = true })
	if fired {
		t.Fatal("callback ran synchronously")
	}
	loop.tick()
	if !fired {
		t.Error("callback did not run on the next tick")
	}
}

func TestLoadAsyncCycles(t *testing.T) {
	tests := []struct {
		name  string
		descs []manifest.Descriptor
	}{
		{"self", []manifest.Descriptor{desc("a", "a")}},
		{"two", []manifest.Descriptor{desc("a", "b"), desc("b", "a")}},
		{"three", []manifest.Descriptor{desc("a", "b"), desc("b", "c"), desc("c", "a")}},
		{"cycle below root", []manifest.Descriptor{desc("root", "a"), desc("a", "b"), desc("b", "a")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, opener, loop := newTable(t, tt.descs...)
			root := handle(t, table, tt.descs[0].Name)

			calls := 0
			root.LoadAsync(func() { calls++ })
			loop.drain(t)

			if calls != 1 {
				t.Fatalf("callback ran %d times, want 1", calls)
			}
			for _, d := range tt.descs {
				if s := handle(t, table, d.Name).Status(); s != Loaded {
					t.Errorf("%s status = %s, want loaded", d.Name, s)
				}
			}
			if len(opener.opens) != len(tt.descs) {
				t.Errorf("opens = %v, want each bundle once", opener.opens)
			}
		})
	}
}

func TestLoadAsyncSharedDependencyOpensOnce(t *testing.T) {
	table, opener, loop := newTable(t, desc("a", "shared"), desc("b", "shared"), desc("shared"))

	calls := 0
	handle(t, table, "a").LoadAsync(func() { calls++ })
	handle(t, table, "b").LoadAsync(func() { calls++ })
	handle(t, table, "a").LoadAsync(func() { calls++ })
	loop.drain(t)

	if calls != 3 {
		t.Errorf("callbacks = %d, want 3", calls)
	}
	n := 0
	for _, name := range opener.opens {
		if name == "shared" {
			n++
		}
	}
	if n != 1 {
		t.Errorf("shared opened %d times, want 1", n)
	}
}

func TestLoadSyncWhileLoading(t *testing.T) {
	table, _, loop := newTable(t, desc("a", "b"), desc("b"))
	a := handle(t, table, "a")
	b := handle(t, table, "b")

	b.LoadAsync(func() {})
	if err := b.LoadSync(); !errors.Is(err, ErrLoadInFlight) {
		t.Errorf("LoadSync on loading handle: err = %v, want ErrLoadInFlight", err)
	}
	if err := a.LoadSync(); !errors.Is(err, ErrLoadInFlight) {
		t.Errorf("LoadSync over loading dependency: err = %v, want ErrLoadInFlight", err)
	}

	loop.drain(t)
	if err := a.LoadSync(); err != nil {
		t.Errorf("LoadSync after settle: %v", err)
	}
}

func TestLoadSyncOpensNothingOverLoadingDependency(t *testing.T) {
	table, opener, loop := newTable(t, desc("root", "x", "b"), desc("x"), desc("b"))
	root := handle(t, table, "root")
	x := handle(t, table, "x")
	b := handle(t, table, "b")

	b.LoadAsync(func() {})
	if err := root.LoadSync(); !errors.Is(err, ErrLoadInFlight) {
		t.Fatalf("err = %v, want ErrLoadInFlight", err)
	}
	if !slices.Equal(opener.opens, []string{"b"}) {
		t.Errorf("opens = %v, want only the async open of b", opener.opens)
	}
	if x.Status() != Unloaded || root.Status() != Unloaded {
		t.Errorf("x = %s, root = %s; want both unloaded", x.Status(), root.Status())
	}

	loop.drain(t)
	if err := root.LoadSync(); err != nil {
		t.Fatalf("LoadSync after settle: %v", err)
	}
	if x.Bundle() == nil || root.Bundle() == nil {
		t.Error("closure not opened after settle")
	}
}

func TestLoadSyncCycle(t *testing.T) {
	table, opener, _ := newTable(t, desc("a", "b"), desc("b", "a"))
	a := handle(t, table, "a")

	if err := a.LoadSync(); err != nil {
		t.Fatalf("LoadSync: %v", err)
	}
	if want := []string{"b", "a"}; !slices.Equal(opener.opens, want) {
		t.Errorf("open order = %v, want %v", opener.opens, want)
	}
	if a.Bundle() == nil || handle(t, table, "b").Bundle() == nil {
		t.Error("bundles not opened")
	}
}

func TestOpenFailureLeavesNilBundle(t *testing.T) {
	table, opener, loop := newTable(t, desc("a"))
	opener.fail["a"] = true
	a := handle(t, table, "a")

	fired := false
	a.LoadAsync(func() { fired = true })
	loop.drain(t)

	if !fired {
		t.Fatal("callback did not run")
	}
	if a.Status() != Loaded || a.Bundle() != nil {
		t.Errorf("status = %s, bundle = %v; want loaded with no bundle", a.Status(), a.Bundle())
	}
}

func TestUnloadDiamond(t *testing.T) {
	table, _, _ := newTable(t, desc("a", "b", "c"), desc("b", "d"), desc("c", "d"), desc("d"))
	a := handle(t, table, "a")
	d := handle(t, table, "d")

	owner := new(int)
	a.AddReferenceUser(owner)
	if err := a.LoadSync(); err != nil {
		t.Fatal(err)
	}
	bundle := d.Bundle()

	a.Unload(owner)
	if table.Len() != 0 {
		t.Errorf("Len = %d after unload, want 0", table.Len())
	}
	if d.Status() != Unloaded || bundle.Entries != nil {
		t.Error("shared dependency not closed")
	}

	a.Unload(owner)
	if table.Len() != 0 {
		t.Error("second unload changed the table")
	}
}

func TestUnloadKeepsSharedDependencies(t *testing.T) {
	table, _, _ := newTable(t, desc("a", "c"), desc("b", "c"), desc("c"))
	a := handle(t, table, "a")
	b := handle(t, table, "b")

	x, y := new(int), new(int)
	a.AddReferenceUser(x)
	b.AddReferenceUser(y)
	if err := a.LoadSync(); err != nil {
		t.Fatal(err)
	}
	if err := b.LoadSync(); err != nil {
		t.Fatal(err)
	}

	a.Unload(x)

	if _, ok := table.Get(a.ID()); ok {
		t.Error("a still in table")
	}
	c, ok := table.Get(handle(t, table, "b").Dependencies()[0])
	if !ok || c.Status() != Loaded || c.Users() != 1 {
		t.Errorf("shared dependency = %v; want loaded with one user", c)
	}
}

func TestUnloadWhileOpeningClosesOnCompletion(t *testing.T) {
	table, _, loop := newTable(t, desc("a"))
	a := handle(t, table, "a")

	owner := new(int)
	a.AddReferenceUser(owner)
	fired := false
	a.LoadAsync(func() { fired = true })

	a.Unload(owner)
	if table.Len() != 0 {
		t.Error("orphaned handle still in table")
	}
	loop.drain(t)

	if !fired {
		t.Error("waiter did not run")
	}
	if a.Status() != Unloaded || a.Bundle() != nil {
		t.Errorf("status = %s; want closed after completion", a.Status())
	}
}

func TestDownloadableContentRouting(t *testing.T) {
	dlc := desc("extra")
	dlc.DLC = true
	table, base, loop := newTable(t, desc("a", "extra"), dlc)

	overlay := &fakeOpener{loop: loop}
	table.SetOverlay(overlay)

	a := handle(t, table, "a")
	owner := new(int)
	a.AddReferenceUser(owner)
	a.LoadAsync(func() {})
	loop.drain(t)

	if !slices.Equal(overlay.opens, []string{"extra"}) {
		t.Errorf("overlay opens = %v", overlay.opens)
	}
	if !slices.Equal(base.opens, []string{"a"}) {
		t.Errorf("base opens = %v", base.opens)
	}

	a.Unload(owner)
	if !slices.Equal(overlay.unloaded, []string{"extra"}) {
		t.Errorf("overlay unloaded = %v", overlay.unloaded)
	}
	if len(base.unloaded) != 0 {
		t.Errorf("base notified of unload: %v", base.unloaded)
	}
}

func TestHasDependency(t *testing.T) {
	table, _, _ := newTable(t, desc("a", "b"), desc("b", "c"), desc("c", "b"), desc("d"))
	a, c, d := handle(t, table, "a"), handle(t, table, "c"), handle(t, table, "d")

	if !table.HasDependency(a, c) {
		t.Error("a should depend on c")
	}
	if table.HasDependency(c, a) {
		t.Error("c should not depend on a")
	}
	if table.HasDependency(a, d) {
		t.Error("a should not depend on d")
	}
}

func TestStats(t *testing.T) {
	table, _, loop := newTable(t, desc("a", "b"), desc("b"), desc("c"))
	handle(t, table, "a").LoadAsync(func() {})
	handle(t, table, "c")

	stats := table.Stats()
	if stats[Loading] != 2 || stats[Unloaded] != 1 {
		t.Errorf("stats before tick = %v", stats)
	}
	loop.drain(t)
	if stats := table.Stats(); stats[Loaded] != 2 {
		t.Errorf("stats after drain = %v", stats)
	}
}
