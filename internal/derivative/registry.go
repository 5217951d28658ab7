package derivative

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrOptionNotFound is returned when no option carries the given ID.
	ErrOptionNotFound = errors.New("derivative: option not found")

	// ErrPositionNotFound is returned when the owner has no open
	// position.
	ErrPositionNotFound = errors.New("derivative: no open position")

	// ErrPositionExists is returned when an owner with an open position
	// tries to open another.
	ErrPositionExists = errors.New("derivative: position already open")
)

// Registry holds the append-only option log and the open-position map.
// Option IDs are assigned sequentially at creation and never reused except
// when an append is rolled back before the operation commits. Registry is
// not safe for concurrent use; the engine serializes access.
type Registry struct {
	options   []*Option
	byID      map[int64]*Option
	positions map[string]*Position
	nextID    int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:      make(map[int64]*Option),
		positions: make(map[string]*Position),
		nextID:    1,
	}
}

// AppendOption assigns the next sequential ID and appends the instance to
// the log.
func (r *Registry) AppendOption(o *Option) *Option {
	o.ID = r.nextID
	r.nextID++
	r.options = append(r.options, o)
	r.byID[o.ID] = o
	return o
}

// RemoveOption unwinds the most recent append when a later step of the
// buying operation fails. It only applies to the last-appended instance, so
// the rolled-back ID is reissued to the next buyer and the log keeps no gap.
func (r *Registry) RemoveOption(id int64) {
	n := len(r.options)
	if n == 0 || r.options[n-1].ID != id {
		return
	}
	delete(r.byID, id)
	r.options = r.options[:n-1]
	r.nextID = id
}

// RestoreOption re-inserts a persisted instance during hydration, keeping
// the ID counter ahead of everything seen.
func (r *Registry) RestoreOption(o *Option) {
	r.options = append(r.options, o)
	r.byID[o.ID] = o
	if o.ID >= r.nextID {
		r.nextID = o.ID + 1
	}
}

// GetOption looks an option up by ID.
func (r *Registry) GetOption(id int64) (*Option, error) {
	o, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrOptionNotFound, id)
	}
	return o, nil
}

// Options returns the full log in creation order. The returned slice is
// shared; callers must not mutate it.
func (r *Registry) Options() []*Option {
	return r.options
}

// ActiveOptions returns the live instances, in creation order.
func (r *Registry) ActiveOptions() []*Option {
	var active []*Option
	for _, o := range r.options {
		if o.State == StateActive {
			active = append(active, o)
		}
	}
	return active
}

// OptionCounts returns instance counts per lifecycle state.
func (r *Registry) OptionCounts() map[OptionState]int {
	counts := make(map[OptionState]int, 3)
	for _, o := range r.options {
		counts[o.State]++
	}
	return counts
}

// OptionCount returns the total number of logged instances.
func (r *Registry) OptionCount() int { return len(r.options) }

// OpenPosition registers a new open position, enforcing at most one per
// owner.
func (r *Registry) OpenPosition(p *Position) error {
	if _, ok := r.positions[p.Owner]; ok {
		return fmt.Errorf("%w: owner %s", ErrPositionExists, p.Owner)
	}
	r.positions[p.Owner] = p
	return nil
}

// GetPosition returns the owner's open position.
func (r *Registry) GetPosition(owner string) (*Position, error) {
	p, ok := r.positions[owner]
	if !ok {
		return nil, fmt.Errorf("%w: owner %s", ErrPositionNotFound, owner)
	}
	return p, nil
}

// RemovePosition deletes the owner's position on a terminal transition and
// returns it so a failing operation can restore it.
func (r *Registry) RemovePosition(owner string) (*Position, error) {
	p, ok := r.positions[owner]
	if !ok {
		return nil, fmt.Errorf("%w: owner %s", ErrPositionNotFound, owner)
	}
	delete(r.positions, owner)
	return p, nil
}

// RestorePosition re-inserts a position removed by a failed operation or
// loaded during hydration.
func (r *Registry) RestorePosition(p *Position) {
	r.positions[p.Owner] = p
}

// OpenPositions returns all open positions sorted by owner for deterministic
// iteration.
func (r *Registry) OpenPositions() []*Position {
	out := make([]*Position, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out
}

// PositionCount returns the number of open positions.
func (r *Registry) PositionCount() int { return len(r.positions) }
