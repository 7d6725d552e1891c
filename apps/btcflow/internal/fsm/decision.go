// Package fsm holds the small state machine vocabulary the lifecycles are built
// from: transitions, accept/reject decisions and typed effects.
package fsm

// Decision is either an acceptance carrying the next value and its effects, or a
// rejection carrying a reason.
type Decision[E any] struct {
	accepted bool
	value    E
	effects  []Effect
	reason   string
}

func Accept[E any](value E, effects ...Effect) Decision[E] {
	return Decision[E]{accepted: true, value: value, effects: effects}
}

func Reject[E any](reason string) Decision[E] {
	return Decision[E]{reason: reason}
}

func (d Decision[E]) Accepted() bool    { return d.accepted }
func (d Decision[E]) Value() E          { return d.value }
func (d Decision[E]) Effects() []Effect { return d.effects }
func (d Decision[E]) Reason() string    { return d.reason }

// WithEffects returns an accepted decision with extra effects appended after the
// existing ones. Rejections are returned unchanged.
func (d Decision[E]) WithEffects(effects ...Effect) Decision[E] {
	if !d.accepted {
		return d
	}
	merged := make([]Effect, 0, len(d.effects)+len(effects))
	merged = append(merged, d.effects...)
	merged = append(merged, effects...)
	d.effects = merged
	return d
}
