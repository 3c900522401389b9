package cluster

import (
	"fmt"
	"time"

	"github.com/quty-io/fabric/internal/util"
	"github.com/quty-io/fabric/internal/wireclient"
	"github.com/quty-io/fabric/internal/wireserver"
)

// PeerState is a PeerRecord's lifecycle stage, per spec.md §3.
type PeerState int

const (
	PeerPending PeerState = iota
	PeerUp
	PeerDown
)

// PeerRecord tracks one mesh peer, inbound or outbound.
type PeerRecord struct {
	Address  Address
	PeerId   string
	Outbound *wireclient.WireClient
	Inbound  *wireserver.Socket
	State    PeerState
}

// PeerInfo is the externally visible shape of a peer, used by /_status
// and NodeState gossip ({url,sid} pairs).
type PeerInfo struct {
	URL string `json:"url"`
	Sid string `json:"sid"`
}

// newNodeId builds the NodeId shape of spec.md §4.7: "<namespace>-1-
// <rand4><unixMillisLast4>", where rand4 is 4 alphanumeric characters
// from util.RandomId.
func newNodeId(namespace string) (string, error) {
	rnd, err := util.RandomId(4)
	if err != nil {
		return "", err
	}
	tail := fmt.Sprintf("%d", time.Now().UnixMilli())
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return fmt.Sprintf("%s-1-%s%s", namespace, rnd, tail), nil
}
