// Package identity generates display names for newly connected peers.
//
// Names are meant to be told apart by a human at a glance, not to be unique:
// two peers may share a name. The relay-assigned connection id is what
// identifies a peer.
package identity

import (
	"math/rand/v2"
	"sync"
)

var adjectives = []string{
	"Amber", "Brave", "Calm", "Clever", "Cosmic", "Crimson", "Daring", "Eager",
	"Fancy", "Gentle", "Golden", "Happy", "Humble", "Jolly", "Kind", "Lively",
	"Lucky", "Mellow", "Misty", "Nimble", "Polite", "Quick", "Quiet", "Rapid",
	"Silent", "Silver", "Sleepy", "Snowy", "Sunny", "Swift", "Witty", "Zesty",
}

var animals = []string{
	"Badger", "Beaver", "Bison", "Crane", "Dolphin", "Falcon", "Ferret", "Fox",
	"Gecko", "Heron", "Ibis", "Koala", "Lemur", "Lynx", "Marten", "Moose",
	"Narwhal", "Ocelot", "Otter", "Owl", "Panda", "Puffin", "Quokka", "Raven",
	"Seal", "Sparrow", "Stoat", "Tapir", "Tiger", "Walrus", "Wombat", "Yak",
}

// Generator produces "Adjective Animal" names. It is safe for concurrent use.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator returns a Generator seeded from the runtime's random source.
func NewGenerator() *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NewSeededGenerator returns a deterministic Generator, for tests.
func NewSeededGenerator(seed uint64) *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(seed, seed))}
}

// Name returns a new display name.
func (g *Generator) Name() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return adjectives[g.rng.IntN(len(adjectives))] + " " + animals[g.rng.IntN(len(animals))]
}
