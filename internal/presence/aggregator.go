// Package presence tracks which users are online.
package presence

import (
	"sort"
	"sync"
)

// User is one entry of the online set.
type User struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// Aggregator holds the client's view of the global online set.
// Add and Remove are idempotent, so repeated or reordered global
// events leave the set consistent with the latest event per user.
type Aggregator struct {
	mu    sync.RWMutex
	users map[string]User
	order []string
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{users: make(map[string]User)}
}

// Add inserts the user unless already present. It reports whether the set changed.
func (a *Aggregator) Add(u User) bool {
	if u.UserID == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.users[u.UserID]; ok {
		return false
	}
	a.users[u.UserID] = u
	a.order = append(a.order, u.UserID)
	return true
}

// Remove deletes the user if present. It reports whether the set changed.
func (a *Aggregator) Remove(userID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.users[userID]; !ok {
		return false
	}
	delete(a.users, userID)
	for i, id := range a.order {
		if id == userID {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	return true
}

// Reset replaces the set with a snapshot. Duplicates in the snapshot collapse.
func (a *Aggregator) Reset(users []User) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.users = make(map[string]User, len(users))
	a.order = a.order[:0]
	for _, u := range users {
		if u.UserID == "" {
			continue
		}
		if _, ok := a.users[u.UserID]; ok {
			continue
		}
		a.users[u.UserID] = u
		a.order = append(a.order, u.UserID)
	}
}

// Online returns the online users in the order they came online.
func (a *Aggregator) Online() []User {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]User, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.users[id])
	}
	return out
}

// IsOnline reports whether the user is in the set.
func (a *Aggregator) IsOnline(userID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.users[userID]
	return ok
}

// Len returns the number of online users.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.users)
}

// SortByName orders users by display name, then id.
func SortByName(users []User) {
	sort.Slice(users, func(i, j int) bool {
		if users[i].UserName != users[j].UserName {
			return users[i].UserName < users[j].UserName
		}
		return users[i].UserID < users[j].UserID
	})
}
