package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/hashicorp/memberlist"

	"DistMR/internal/logger"
	"DistMR/internal/types"
)

func TestParseNodeName(t *testing.T) {
	tests := []struct {
		name string
		id   types.WorkerID
		ok   bool
	}{
		{NodeName(3), 3, true},
		{"worker-12", 12, true},
		{"coordinator", 0, false},
		{"worker-", 0, false},
		{"worker-0", 0, false},
		{"worker-x", 0, false},
	}
	for _, tt := range tests {
		id, ok := ParseNodeName(tt.name)
		if id != tt.id || ok != tt.ok {
			t.Errorf("ParseNodeName(%q) = %d, %v; want %d, %v", tt.name, id, ok, tt.id, tt.ok)
		}
	}
}

func TestEventDelegate_ReportsWorkersOnly(t *testing.T) {
	nd := &NodeDiscovery{logger: logger.Discard(), members: make(map[string]string)}
	var joined, left []types.WorkerID
	nd.OnWorkerJoin(func(id types.WorkerID, _ string) { joined = append(joined, id) })
	nd.OnWorkerLeave(func(id types.WorkerID) { left = append(left, id) })

	ed := &EventDelegate{discovery: nd}
	node := func(name string) *memberlist.Node {
		return &memberlist.Node{Name: name, Addr: net.ParseIP("127.0.0.1"), Port: 7946}
	}
	ed.NotifyJoin(node("coordinator"))
	ed.NotifyJoin(node("worker-2"))
	ed.NotifyUpdate(node("worker-2"))
	ed.NotifyLeave(node("worker-2"))

	if len(joined) != 1 || joined[0] != 2 {
		t.Errorf("unexpected joins %v", joined)
	}
	if len(left) != 1 || left[0] != 2 {
		t.Errorf("unexpected leaves %v", left)
	}
	if m := nd.Members(); len(m) != 1 || m["coordinator"] != "127.0.0.1:7946" {
		t.Errorf("unexpected members %v", m)
	}
}

func TestNodeDiscovery_LeaveIsObserved(t *testing.T) {
	lg := logger.Discard()
	coord, err := NewNodeDiscovery(Config{NodeName: "coordinator", LocalAddress: "127.0.0.1"}, lg)
	if err != nil {
		t.Fatalf("coordinator gossip failed: %v", err)
	}
	defer coord.Shutdown()

	joined := make(chan types.WorkerID, 1)
	left := make(chan types.WorkerID, 1)
	coord.OnWorkerJoin(func(id types.WorkerID, _ string) { joined <- id })
	coord.OnWorkerLeave(func(id types.WorkerID) { left <- id })

	w, err := NewNodeDiscovery(Config{NodeName: NodeName(1), LocalAddress: "127.0.0.1", JoinAddrs: []string{coord.Addr()}}, lg)
	if err != nil {
		t.Fatalf("worker gossip failed: %v", err)
	}

	select {
	case id := <-joined:
		if id != 1 {
			t.Errorf("expected worker 1 to join, got %d", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("join not observed")
	}

	w.Leave(time.Second)
	w.Shutdown()

	select {
	case id := <-left:
		if id != 1 {
			t.Errorf("expected worker 1 to leave, got %d", id)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("leave not observed")
	}
}
