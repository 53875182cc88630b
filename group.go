package assetcache

// Group loads a list of assets on one lane, keeping at most the lane's
// limit outstanding, and reports once every member has loaded.
type Group struct {
	cache  *Cache
	items  []*groupItem
	lane   int
	onAll  func()
	loaded bool
	closed bool
}

type groupItem struct {
	path    string
	typ     *Type
	scene   bool
	fn      Callback
	started bool
	done    bool
	handle  Handle
}

// NewGroup creates an empty group.
func (c *Cache) NewGroup() *Group {
	return &Group{cache: c}
}

// Add appends an asset request. fn, when non-nil, runs when this member
// completes.
func (g *Group) Add(path string, typ *Type, fn Callback) *Group {
	g.items = append(g.items, &groupItem{path: path, typ: typ, fn: fn})
	return g
}

// AddScene appends a scene request.
func (g *Group) AddScene(path string, fn Callback) *Group {
	g.items = append(g.items, &groupItem{path: path, scene: true, fn: fn})
	return g
}

func (g *Group) Len() int { return len(g.items) }

// Loaded reports whether every member has completed.
func (g *Group) Loaded() bool { return g.loaded }

// Handles returns the handles of the members started so far.
func (g *Group) Handles() []Handle {
	var hs []Handle
	for _, it := range g.items {
		if it.handle != nil {
			hs = append(hs, it.handle)
		}
	}
	return hs
}

// Load starts loading on lane. onAll runs once after every member has
// completed, or on the next tick when the group is empty.
func (g *Group) Load(lane int, onAll func()) error {
	if _, err := g.cache.checkLane(lane); err != nil {
		return err
	}
	g.lane = lane
	g.onAll = onAll
	g.loaded = false

	if len(g.items) == 0 {
		g.cache.loop.Defer(g.finish)
		return nil
	}

	for range g.cache.Limit(lane) {
		if !g.startNext() {
			break
		}
	}
	if g.allDone() {
		g.cache.loop.Defer(g.finish)
	}
	return nil
}

func (g *Group) allDone() bool {
	for _, it := range g.items {
		if !it.done {
			return false
		}
	}
	return true
}

// startNext starts the first unstarted member and reports whether there
// was one.
func (g *Group) startNext() bool {
	for _, it := range g.items {
		if it.started {
			continue
		}
		it.started = true

		var err error
		if it.scene {
			it.handle, err = g.cache.RequestScene(it.path, g.lane, g.callback(it))
		} else {
			it.handle, err = g.cache.RequestAsset(it.path, it.typ, g.lane, g.callback(it))
		}
		if err != nil {
			g.cache.logger.Warn("group member not loaded", "path", it.path, "error", err)
			it.done = true
			continue
		}
		return true
	}
	return false
}

func (g *Group) callback(it *groupItem) Callback {
	return func(h Handle) {
		if g.closed {
			return
		}
		it.done = true
		if it.fn != nil {
			it.fn(h)
		}
		g.onLoaded()
	}
}

func (g *Group) onLoaded() {
	if g.loaded || g.startNext() {
		return
	}
	if g.allDone() {
		g.finish()
	}
}

func (g *Group) finish() {
	if g.loaded || g.closed {
		return
	}
	g.loaded = true
	if g.onAll != nil {
		g.onAll()
	}
}

// Unload releases every member and empties the group. Callbacks of
// members still loading never run.
func (g *Group) Unload() {
	g.closed = true
	for _, it := range g.items {
		if it.handle != nil {
			g.cache.Release(it.handle)
		}
	}
	g.items = nil
}
