package chat

import (
	"github.com/c-pro/geche"
)

// Presence keeps the set of live connection ids of every user. A user is
// online while the set is non-empty.
type Presence struct {
	conns *geche.Locker[string, map[string]struct{}]
}

func NewPresence() *Presence {
	return &Presence{
		conns: geche.NewLocker[string, map[string]struct{}](geche.NewMapCache[string, map[string]struct{}]()),
	}
}

// Track adds connID to the user's set. fn runs while the set is locked and
// is told whether this is the user's first live connection. When fn fails
// the connection is not added.
func (p *Presence) Track(userID, connID string, fn func(first bool) error) error {
	tx := p.conns.Lock()
	defer tx.Unlock()

	set, err := tx.Get(userID)
	if err != nil {
		set = make(map[string]struct{})
	}
	if fn != nil {
		if err := fn(len(set) == 0); err != nil {
			return err
		}
	}
	set[connID] = struct{}{}
	tx.Set(userID, set)
	return nil
}

// Untrack removes connID from the user's set. fn runs while the set is
// locked and is told whether the removed connection was the last one.
// The connection is removed even when fn fails. Unknown connections are
// ignored and fn is not called.
func (p *Presence) Untrack(userID, connID string, fn func(last bool) error) error {
	tx := p.conns.Lock()
	defer tx.Unlock()

	set, err := tx.Get(userID)
	if err != nil {
		return nil
	}
	if _, ok := set[connID]; !ok {
		return nil
	}
	delete(set, connID)

	last := len(set) == 0
	if last {
		_ = tx.Del(userID)
	} else {
		tx.Set(userID, set)
	}

	if fn != nil {
		return fn(last)
	}
	return nil
}

// Connections returns the number of live connections of a user.
func (p *Presence) Connections(userID string) int {
	tx := p.conns.Lock()
	defer tx.Unlock()

	set, err := tx.Get(userID)
	if err != nil {
		return 0
	}
	return len(set)
}

func (p *Presence) Connected(userID string) bool {
	return p.Connections(userID) > 0
}
