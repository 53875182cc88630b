package asset

// Placeholder stands in for content that does not exist yet. It
// completes without a payload.
type Placeholder struct {
	Base
}

func NewPlaceholder(env *Env, path string, typ *Type) *Placeholder {
	return &Placeholder{Base: newBase(env, path, typ)}
}

func (p *Placeholder) Bundled() bool { return false }

func (p *Placeholder) LoadSync() error {
	if p.status == Loading {
		return p.inFlight()
	}
	p.env.checkExpected(p.path)
	p.complete(nil)
	return nil
}

func (p *Placeholder) LoadAsync(onLoaded func()) {
	switch p.status {
	case Completed:
		p.env.Loop.Defer(onLoaded)
		return
	case None:
		p.env.checkExpected(p.path)
		p.begin()
	}
	gen := p.gen
	p.env.Loop.Defer(func() {
		if !p.current(gen) {
			return
		}
		p.complete(nil)
		onLoaded()
	})
}

func (p *Placeholder) Unload() { p.reset() }
