package model

import (
	"time"

	"github.com/google/uuid"
)

type State string

// Meta holds the columns every versioned entity shares. Version starts at 1 and
// grows by exactly one per committed update.
type Meta struct {
	ID        int64     `db:"id" json:"id"`
	Token     uuid.UUID `db:"token" json:"token"`
	State     State     `db:"state" json:"state"`
	Version   int       `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

func (m *Meta) Header() *Meta { return m }

// Entity is implemented by pointers to structs embedding Meta.
type Entity interface {
	Header() *Meta
}

// StateSet is a small lookup helper used by lifecycles to describe groups of states.
type StateSet map[State]struct{}

func NewStateSet(states ...State) StateSet {
	set := make(StateSet, len(states))
	for _, s := range states {
		set[s] = struct{}{}
	}
	return set
}

func (s StateSet) Contains(state State) bool {
	_, ok := s[state]
	return ok
}
