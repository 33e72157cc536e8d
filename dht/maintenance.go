package dht

import (
	"crypto/rand"
	"time"

	"github.com/ncruces/dhtnode/krpc"
	"github.com/ncruces/dhtnode/routing"
)

const livenessRecheckAge = 15 * time.Minute

// checkLoop periodically re-pings up to CheckBatch nodes that have not
// been probed for livenessRecheckAge, taken in ascending id order,
// force-removing any whose reply arrives under a different id.
func (n *Node) checkLoop() {
	interval := n.cfg.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	batch := n.cfg.CheckBatch
	if batch <= 0 {
		batch = 10
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.checkNodes(batch)
		}
	}
}

type pingOutstanding struct {
	node *routing.Node
	comp *krpc.Completion
}

func (n *Node) checkNodes(batch int) {
	stale, err := n.table.Query(routing.QueryOptions{
		Limit: batch,
		Predicate: func(node *routing.Node) bool {
			return time.Since(node.LastPing()) > livenessRecheckAge
		},
	})
	if err != nil || len(stale) == 0 {
		return
	}

	n.log.Debug("starting liveness check", "count", len(stale))

	senderID := n.LocalID()
	inflight := make([]pingOutstanding, 0, len(stale))
	for _, node := range stale {
		node.SetLastPing(time.Now())
		comp, err := n.ping(node.Endpoint, senderID)
		if err != nil {
			continue
		}
		inflight = append(inflight, pingOutstanding{node: node, comp: comp})
	}

	deadline := time.Now().Add(n.cfg.QueryTimeout)
	for _, w := range inflight {
		// Wait treats zero as no deadline, so an expired batch keeps a
		// minimal one.
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		result := n.evalResponse(w.node, w.comp, remaining)
		if replyID, err := result.GetString("id"); err == nil && len(replyID) == 20 {
			var id [20]byte
			copy(id[:], replyID)
			if id != w.node.ID {
				n.table.Remove(w.node, true)
			}
		}
	}
}

// discoverLoop periodically searches for a random target to pull fresh
// nodes into the routing table.
func (n *Node) discoverLoop() {
	interval := n.cfg.DiscoverInterval
	if interval <= 0 {
		interval = 180 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.discoverOnce()
		}
	}
}

func (n *Node) discoverOnce() {
	n.log.Debug("starting discovery of random node")
	var target [20]byte
	if _, err := rand.Read(target[:]); err != nil {
		return
	}

	count := 0
	for range n.FindNode(target) {
		count++
		if count > 10 {
			return
		}
	}
}
