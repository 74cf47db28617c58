package rewards

import (
	"sort"
	"sync"
)

// Presence is a participant's current state in a voice group as reported by
// the chat collaborator.
type Presence struct {
	GroupID  string `json:"group_id"`
	UserID   string `json:"user_id"`
	Bot      bool   `json:"bot"`
	AFK      bool   `json:"afk"`
	SelfDeaf bool   `json:"self_deaf"`
}

// Qualifies reports whether the presence earns passive accrual.
func (p Presence) Qualifies() bool {
	return p.UserID != "" && !p.Bot && !p.AFK && !p.SelfDeaf
}

type presenceKey struct {
	group string
	user  string
}

// PresenceBoard tracks current presences across every group.
type PresenceBoard struct {
	mu      sync.RWMutex
	members map[presenceKey]Presence
}

// NewPresenceBoard returns an empty board.
func NewPresenceBoard() *PresenceBoard {
	return &PresenceBoard{members: make(map[presenceKey]Presence)}
}

// Set records or replaces a presence.
func (b *PresenceBoard) Set(p Presence) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.members[presenceKey{p.GroupID, p.UserID}] = p
}

// Remove drops a participant from a group.
func (b *PresenceBoard) Remove(groupID, userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.members, presenceKey{groupID, userID})
}

// Len returns the number of tracked presences.
func (b *PresenceBoard) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.members)
}

// Qualifying returns each qualifying user once, sorted, even when present in
// several groups.
func (b *PresenceBoard) Qualifying() []string {
	b.mu.RLock()
	seen := make(map[string]struct{}, len(b.members))
	for _, p := range b.members {
		if p.Qualifies() {
			seen[p.UserID] = struct{}{}
		}
	}
	b.mu.RUnlock()

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
