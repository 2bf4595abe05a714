// Package directory is the registry of connected peers and their declared
// roles, plus the role-based view each peer is allowed to see.
//
// Mutators report whether they changed anything. The caller owns the single
// recompute-and-broadcast step that follows a change; the directory itself
// never notifies anyone.
package directory

import (
	"errors"
	"slices"
	"sync"

	"github.com/1ureka/p2pdrop/internal/protocol"
)

// ErrDuplicatePeer is returned when a connection id is registered twice.
var ErrDuplicatePeer = errors.New("peer already registered")

// Peer is one connected endpoint.
type Peer struct {
	ID   string
	Name string
	Role protocol.Role
}

// Info returns the part of the peer that other peers get to see.
func (p Peer) Info() protocol.PeerInfo {
	return protocol.PeerInfo{ID: p.ID, Name: p.Name}
}

// Namer generates display names for new peers.
type Namer interface {
	Name() string
}

// Directory maps connection ids to peers in registration order. Reads may
// run concurrently; writes are expected to come from one owner.
type Directory struct {
	namer Namer

	mu    sync.RWMutex
	ids   []string
	peers map[string]*Peer
}

// New creates an empty Directory.
func New(namer Namer) *Directory {
	return &Directory{
		namer: namer,
		peers: make(map[string]*Peer),
	}
}

// Register adds a peer with a generated name and role none.
func (d *Directory) Register(id string) (Peer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.peers[id]; ok {
		return Peer{}, ErrDuplicatePeer
	}

	p := &Peer{ID: id, Name: d.namer.Name(), Role: protocol.RoleNone}
	d.peers[id] = p
	d.ids = append(d.ids, id)
	return *p, nil
}

// SetRole records the role a peer declared. Roles other than sender and
// receiver, and unknown ids, are dropped. The bool is true when the
// directory changed.
func (d *Directory) SetRole(id string, role protocol.Role) (Peer, bool) {
	if _, ok := protocol.ParseRole(string(role)); !ok {
		return Peer{}, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.peers[id]
	if !ok {
		return Peer{}, false
	}

	p.Role = role
	return *p, true
}

// Remove deletes a peer. Removing an unknown id is a no-op and returns false.
func (d *Directory) Remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.peers[id]; !ok {
		return false
	}

	delete(d.peers, id)
	d.ids = slices.DeleteFunc(d.ids, func(v string) bool { return v == id })
	return true
}

// Exists reports whether id is currently registered.
func (d *Directory) Exists(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.peers[id]
	return ok
}

// Lookup returns the peer registered under id.
func (d *Directory) Lookup(id string) (Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, ok := d.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Len returns the number of registered peers.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.ids)
}

// Snapshot returns a copy of all peers in registration order.
func (d *Directory) Snapshot() []Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Peer, 0, len(d.ids))
	for _, id := range d.ids {
		out = append(out, *d.peers[id])
	}
	return out
}

// ViewFor returns what the peer id is allowed to see right now.
func (d *Directory) ViewFor(id string) []protocol.PeerInfo {
	return ViewFor(d.Snapshot(), id)
}
