package view

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/keller-mark/viv/internal/geometry"
	"github.com/keller-mark/viv/internal/layer"
	"github.com/keller-mark/viv/internal/pixel"
)

// Options configures a Compositor.
type Options struct {
	// Resolver memoizes volume geometry; it may be shared between compositors.
	Resolver *geometry.Resolver
	// MaxConcurrentFetches bounds tile loads per view.
	MaxConcurrentFetches int64
	Logger               *logrus.Entry
}

// ViewLayers is the build result of one view. Err is set when the view could
// not be built; no layers are returned for it then.
type ViewLayers struct {
	ViewID string        `json:"viewId"`
	Layers []layer.Layer `json:"layers,omitempty"`
	Err    error         `json:"-"`
}

type assemblerEntry struct {
	fingerprint string
	assembler   *layer.Assembler
}

// Compositor owns the views and their states. Every state change goes
// through Dispatch and the views' filters. It is safe for concurrent use.
type Compositor struct {
	resolver   *geometry.Resolver
	maxFetches int64
	log        *logrus.Entry

	mu         sync.Mutex
	views      []View
	states     map[string]State
	status     map[string]Status
	assemblers map[string]assemblerEntry
}

// NewCompositor creates a compositor over views.
func NewCompositor(opts Options, views ...View) (*Compositor, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Compositor{
		resolver:   opts.Resolver,
		maxFetches: opts.MaxConcurrentFetches,
		log:        log,
		states:     make(map[string]State),
		status:     make(map[string]Status),
		assemblers: make(map[string]assemblerEntry),
	}
	if err := c.SetViews(views...); err != nil {
		return nil, err
	}
	return c, nil
}

// SetViews replaces the composition. State of views that are dropped is
// discarded; views that stay keep theirs.
func (c *Compositor) SetViews(views ...View) error {
	seen := make(map[string]bool, len(views))
	for _, v := range views {
		if seen[v.ID()] {
			return fmt.Errorf("duplicate view id %q", v.ID())
		}
		seen[v.ID()] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.status {
		if !seen[id] {
			delete(c.states, id)
			delete(c.status, id)
			delete(c.assemblers, id)
		}
	}
	for id := range seen {
		if _, ok := c.status[id]; !ok {
			c.status[id] = Uninitialized
		}
	}
	c.views = append([]View(nil), views...)
	return nil
}

// Views returns the composed views in order.
func (c *Compositor) Views() []View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]View(nil), c.views...)
}

// View looks a view up by id.
func (c *Compositor) View(id string) (View, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.views {
		if v.ID() == id {
			return v, true
		}
	}
	return nil, false
}

// Initialize gives every uninitialized view its starting state: the
// explicit state with the same id when there is one, the view's default
// otherwise. Views that fail stay uninitialized and are reported together.
func (c *Compositor) Initialize(p *Props, explicit []State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialize(p, explicit)
}

func (c *Compositor) initialize(p *Props, explicit []State) error {
	given := make(map[string]State, len(explicit))
	for _, s := range explicit {
		given[s.ID] = s
	}

	var errs []error
	for _, v := range c.views {
		id := v.ID()
		if c.status[id] != Uninitialized {
			continue
		}
		if s, ok := given[id]; ok {
			c.states[id] = s
			c.status[id] = Initialized
			continue
		}
		s, err := v.DefaultState(c.buildContext(p, id))
		if err != nil {
			c.log.WithError(err).WithField("view", id).Warn("Failed to initialize view state")
			errs = append(errs, fmt.Errorf("view %q: %w", id, err))
			continue
		}
		c.states[id] = s
		c.status[id] = Initialized
	}
	return errors.Join(errs...)
}

// Dispatch routes u through every initialized view's filter and returns the
// ids whose state changed.
func (c *Compositor) Dispatch(u Update) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var changed []string
	for _, v := range c.views {
		id := v.ID()
		if c.status[id] == Uninitialized {
			continue
		}
		next, ok := v.Filter(u, c.states[id])
		if !ok {
			continue
		}
		c.states[id] = next
		c.status[id] = Updated
		changed = append(changed, id)
	}
	c.log.WithFields(logrus.Fields{"origin": u.OriginID, "changed": changed}).Debug("View state dispatched")
	return changed
}

// States returns a copy of the current states.
func (c *Compositor) States() map[string]State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]State, len(c.states))
	for k, v := range c.states {
		out[k] = v
	}
	return out
}

// State returns one view's state.
func (c *Compositor) State(id string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[id]
	return s, ok
}

// Status reports a view's lifecycle state. Unknown ids are Uninitialized.
func (c *Compositor) Status(id string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status[id]
}

// Build initializes views that have no state yet and asks each view for its
// layers. A failing view gets an error entry; the others are unaffected.
func (c *Compositor) Build(ctx context.Context, p *Props) []ViewLayers {
	c.mu.Lock()
	defer c.mu.Unlock()

	initErr := c.initialize(p, nil)
	out := make([]ViewLayers, 0, len(c.views))
	for _, v := range c.views {
		id := v.ID()
		res := ViewLayers{ViewID: id}
		if c.status[id] == Uninitialized {
			res.Err = fmt.Errorf("view %q is not initialized: %w", id, initErr)
			out = append(out, res)
			continue
		}
		layers, err := v.Layers(ctx, c.buildContext(p, id))
		if err != nil {
			c.log.WithError(err).WithField("view", id).Warn("Failed to build view layers")
			res.Err = err
		} else {
			res.Layers = layers
		}
		out = append(out, res)
	}
	return out
}

func (c *Compositor) buildContext(p *Props, id string) *BuildContext {
	states := make(map[string]State, len(c.states))
	for k, v := range c.states {
		states[k] = v
	}
	return &BuildContext{
		Props:     p,
		States:    states,
		Assembler: c.assembler(id, p.Loader),
		Resolver:  c.resolver,
		Log:       c.log.WithField("view", id),
	}
}

// assembler returns the view's assembler, replacing it when the loader changes.
func (c *Compositor) assembler(id string, loader pixel.Loader) *layer.Assembler {
	fp := loader.Fingerprint()
	if e, ok := c.assemblers[id]; ok && e.fingerprint == fp {
		return e.assembler
	}
	a := layer.NewAssembler(loader, c.maxFetches, c.log.WithField("view", id))
	c.assemblers[id] = assemblerEntry{fingerprint: fp, assembler: a}
	return a
}
