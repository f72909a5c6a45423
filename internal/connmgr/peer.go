package connmgr

import (
	"net"
	"strconv"
	"time"

	"giro/internal/giro"
)

// PeerStatus is the health of a known peer. Only the health check moves a
// peer between Online and Offline.
type PeerStatus string

const (
	StatusUnknown    PeerStatus = "unknown"
	StatusDiscovered PeerStatus = "discovered"
	StatusTesting    PeerStatus = "testing"
	StatusOnline     PeerStatus = "online"
	StatusOffline    PeerStatus = "offline"
	StatusConnected  PeerStatus = "connected"
	StatusError      PeerStatus = "error"
)

// Peer is another GIRO node known to this one.
type Peer struct {
	ID        string
	IP        string
	Port      int
	Name      string
	Version   string
	Store     string
	Status    PeerStatus
	LatencyMs *int64
	LastSeen  time.Time
	IsMaster  bool
}

// PeerID returns the "ip:port" identifier of a peer.
func PeerID(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}

// EventKind names a Connection Manager event.
type EventKind string

const (
	EventStarted            EventKind = "started"
	EventStopped            EventKind = "stopped"
	EventPeerDiscovered     EventKind = "peer_discovered"
	EventPeerOnline         EventKind = "peer_online"
	EventPeerOffline        EventKind = "peer_offline"
	EventPeerRemoved        EventKind = "peer_removed"
	EventMasterConnected    EventKind = "master_connected"
	EventMasterDisconnected EventKind = "master_disconnected"
	EventError              EventKind = "error"
)

// Event is delivered to subscribers in emission order. Peer is a snapshot.
type Event struct {
	Kind    EventKind
	Peer    *Peer
	Mode    giro.OperationMode
	Message string
	At      time.Time
}

// ErrorRecord is one entry of the recent-errors ring.
type ErrorRecord struct {
	At      time.Time
	Source  string
	Message string
}

// Stats is a point-in-time summary of the manager.
type Stats struct {
	Mode        giro.OperationMode
	Running     bool
	StartedAt   time.Time
	TotalPeers  int
	OnlinePeers int
	MasterID    string
	ErrorCount  int
}
