package directory

import (
	"github.com/samber/lo"

	"github.com/1ureka/p2pdrop/internal/protocol"
)

// ViewFor computes the visibility view of viewer over snapshot.
//
// Only senders see anything: every receiver other than themselves, in
// snapshot order. Receivers, undeclared peers and unknown ids get an empty,
// non-nil view.
func ViewFor(snapshot []Peer, viewer string) []protocol.PeerInfo {
	self, ok := lo.Find(snapshot, func(p Peer) bool { return p.ID == viewer })
	if !ok || self.Role != protocol.RoleSender {
		return []protocol.PeerInfo{}
	}

	receivers := lo.Filter(snapshot, func(p Peer, _ int) bool {
		return p.ID != viewer && p.Role == protocol.RoleReceiver
	})
	return lo.Map(receivers, func(p Peer, _ int) protocol.PeerInfo { return p.Info() })
}
