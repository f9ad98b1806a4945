// Package discovery tracks worker liveness over gossip. The coordinator and
// every worker join one memberlist cluster; a worker that leaves or stops
// answering probes is reported so its phase barrier fails fast instead of
// waiting out the phase timeout.
package discovery

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"

	"DistMR/internal/logger"
	"DistMR/internal/types"
)

const workerPrefix = "worker-"

// NodeName is the gossip name of worker id
func NodeName(id types.WorkerID) string {
	return workerPrefix + strconv.Itoa(int(id))
}

// ParseNodeName returns the worker id encoded in a gossip node name.
func ParseNodeName(name string) (types.WorkerID, bool) {
	if !strings.HasPrefix(name, workerPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, workerPrefix))
	if err != nil || n <= 0 {
		return 0, false
	}
	return types.WorkerID(n), true
}

// EventDelegate implements memberlist.EventDelegate for handling membership changes
type EventDelegate struct {
	discovery *NodeDiscovery
}

func (ed *EventDelegate) NotifyJoin(node *memberlist.Node) {
	ed.discovery.handleNodeJoin(node)
}

func (ed *EventDelegate) NotifyLeave(node *memberlist.Node) {
	ed.discovery.handleNodeLeave(node)
}

func (ed *EventDelegate) NotifyUpdate(node *memberlist.Node) {
	ed.discovery.handleNodeUpdate(node)
}

// NodeDiscovery wraps a memberlist and turns its events into worker events
type NodeDiscovery struct {
	memberlist *memberlist.Memberlist
	logger     *logger.Logger
	mu         sync.RWMutex

	onWorkerJoin  func(types.WorkerID, string)
	onWorkerLeave func(types.WorkerID)

	members map[string]string // node name -> gossip address
}

// Config for node discovery
type Config struct {
	NodeName     string        // "coordinator" or NodeName(id)
	LocalAddress string        // address to bind to
	LocalPort    int           // 0 picks a free port
	JoinAddrs    []string      // "host:port" of existing members
	ProbeTimeout time.Duration // zero keeps the local-network default
}

// NewNodeDiscovery creates the memberlist and joins JoinAddrs when given.
func NewNodeDiscovery(cfg Config, lg *logger.Logger) (*NodeDiscovery, error) {
	lg = lg.Named("gossip")
	lg.Info("Initializing node discovery: node=%s addr=%s:%d", cfg.NodeName, cfg.LocalAddress, cfg.LocalPort)

	nd := &NodeDiscovery{
		logger:  lg,
		members: make(map[string]string),
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = cfg.NodeName
	mlConfig.BindPort = cfg.LocalPort
	mlConfig.BindAddr = cfg.LocalAddress
	mlConfig.RetransmitMult = 3
	mlConfig.ProbeInterval = 1 * time.Second
	mlConfig.ProbeTimeout = 500 * time.Millisecond
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	mlConfig.GossipInterval = 200 * time.Millisecond
	mlConfig.GossipNodes = 3
	mlConfig.LogOutput = lg.Writer(logger.DEBUG)
	mlConfig.Events = &EventDelegate{discovery: nd}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		lg.Error("Failed to create memberlist: %v", err)
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	nd.memberlist = ml

	if len(cfg.JoinAddrs) > 0 {
		if _, err := ml.Join(cfg.JoinAddrs); err != nil {
			ml.Shutdown()
			return nil, fmt.Errorf("failed to join gossip cluster %v: %w", cfg.JoinAddrs, err)
		}
		lg.Info("Joined gossip cluster: members=%d", ml.NumMembers())
	}
	return nd, nil
}

// Addr is the gossip address other nodes join through.
func (nd *NodeDiscovery) Addr() string {
	n := nd.memberlist.LocalNode()
	return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

// OnWorkerJoin registers a callback for workers joining the gossip cluster.
func (nd *NodeDiscovery) OnWorkerJoin(callback func(id types.WorkerID, address string)) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.onWorkerJoin = callback
}

// OnWorkerLeave registers a callback for workers that left or were declared dead.
func (nd *NodeDiscovery) OnWorkerLeave(callback func(id types.WorkerID)) {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	nd.onWorkerLeave = callback
}

// Members returns all known nodes by name.
func (nd *NodeDiscovery) Members() map[string]string {
	nd.mu.RLock()
	defer nd.mu.RUnlock()

	result := make(map[string]string, len(nd.members))
	for k, v := range nd.members {
		result[k] = v
	}
	return result
}

func (nd *NodeDiscovery) handleNodeJoin(node *memberlist.Node) {
	address := net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port)))

	nd.mu.Lock()
	nd.members[node.Name] = address
	callback := nd.onWorkerJoin
	nd.mu.Unlock()

	nd.logger.Info("Node joined: node=%s address=%s", node.Name, address)
	if id, ok := ParseNodeName(node.Name); ok && callback != nil {
		callback(id, address)
	}
}

func (nd *NodeDiscovery) handleNodeLeave(node *memberlist.Node) {
	nd.mu.Lock()
	delete(nd.members, node.Name)
	callback := nd.onWorkerLeave
	nd.mu.Unlock()

	nd.logger.Warn("Node left: node=%s", node.Name)
	if id, ok := ParseNodeName(node.Name); ok && callback != nil {
		callback(id)
	}
}

func (nd *NodeDiscovery) handleNodeUpdate(node *memberlist.Node) {
	address := net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port)))

	nd.mu.Lock()
	nd.members[node.Name] = address
	nd.mu.Unlock()

	nd.logger.Debug("Node updated: node=%s address=%s", node.Name, address)
}

// NumMembers returns the number of live cluster members, this node included
func (nd *NodeDiscovery) NumMembers() int {
	return nd.memberlist.NumMembers()
}

// Leave announces a graceful departure to the other members
func (nd *NodeDiscovery) Leave(timeout time.Duration) error {
	return nd.memberlist.Leave(timeout)
}

func (nd *NodeDiscovery) Shutdown() error {
	return nd.memberlist.Shutdown()
}
