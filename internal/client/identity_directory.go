package client

import (
	"context"
	"sync"
)

// StaticIdentityDirectory is an in-process role directory keyed by
// (node, role). It stands in for the platform identity service and is
// populated through the admin API or at startup.
type StaticIdentityDirectory struct {
	mu    sync.RWMutex
	roles map[string]map[string][]string // nodeID -> role -> user IDs
}

// NewStaticIdentityDirectory returns an empty directory.
func NewStaticIdentityDirectory() *StaticIdentityDirectory {
	return &StaticIdentityDirectory{roles: make(map[string]map[string][]string)}
}

// AssignRole registers a user as a holder of role at the given node.
// Duplicate assignments are ignored.
func (d *StaticIdentityDirectory) AssignRole(nodeID, role, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	byRole, ok := d.roles[nodeID]
	if !ok {
		byRole = make(map[string][]string)
		d.roles[nodeID] = byRole
	}
	for _, existing := range byRole[role] {
		if existing == userID {
			return
		}
	}
	byRole[role] = append(byRole[role], userID)
}

// UsersWithRole returns the user IDs holding role at nodeID, in assignment
// order. An unknown node or role yields an empty slice, not an error.
func (d *StaticIdentityDirectory) UsersWithRole(ctx context.Context, nodeID, role string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	users := d.roles[nodeID][role]
	out := make([]string, len(users))
	copy(out, users)
	return out, nil
}
