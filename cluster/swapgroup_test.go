package cluster

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hn-88/sgct/transport"
)

// recordingSwapGroup records the order of driver calls.
type recordingSwapGroup struct {
	mu    sync.Mutex
	calls []string

	joinErr    error
	barrierErr error
}

func (g *recordingSwapGroup) Supported() bool { return true }

func (g *recordingSwapGroup) Join() error {
	g.mu.Lock()
	g.calls = append(g.calls, "join")
	g.mu.Unlock()
	return g.joinErr
}

func (g *recordingSwapGroup) EnableBarrier() error {
	g.mu.Lock()
	g.calls = append(g.calls, "barrier")
	g.mu.Unlock()
	return g.barrierErr
}

func (g *recordingSwapGroup) recorded() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func TestSwapGroupStartupBarrier(t *testing.T) {
	hub := transport.NewHub()
	masterEP := hub.Join("master")
	clientEP := hub.Join("client")

	masterBarrier := NewSyncBarrier(masterEP, Options{
		Role:     Master,
		NodeName: "master",
		Clients:  []string{"client"},
	})
	clientBarrier := NewSyncBarrier(clientEP, Options{
		Role:       Client,
		NodeName:   "client",
		MasterName: "master",
	})
	if err := masterBarrier.WaitForCluster(time.Second); err != nil {
		t.Fatalf("master connect wait failed: %v", err)
	}
	if err := clientBarrier.WaitForCluster(time.Second); err != nil {
		t.Fatalf("client connect wait failed: %v", err)
	}

	masterGroup := &recordingSwapGroup{}
	clientGroup := &recordingSwapGroup{}
	masterCoord := NewSwapGroupCoordinator(masterEP, masterBarrier, masterGroup)
	clientCoord := NewSwapGroupCoordinator(clientEP, clientBarrier, clientGroup)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := clientCoord.WaitForAllWindowsOpen(2 * time.Second); err != nil {
			t.Errorf("client startup barrier failed: %v", err)
		}
	}()

	if err := masterCoord.WaitForAllWindowsOpen(2 * time.Second); err != nil {
		t.Fatalf("master startup barrier failed: %v", err)
	}
	wg.Wait()

	// The driver calls are strictly ordered: join the group, then enable the
	// barrier, on both sides.
	want := []string{"join", "barrier"}
	for name, group := range map[string]*recordingSwapGroup{"master": masterGroup, "client": clientGroup} {
		got := group.recorded()
		if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
			t.Fatalf("%s driver call order %v; want %v", name, got, want)
		}
	}
}

func TestSwapGroupConsumesEarlyWindowsCreated(t *testing.T) {
	hub := transport.NewHub()
	masterEP := hub.Join("master")
	fastEP := hub.Join("fast")

	masterBarrier := NewSyncBarrier(masterEP, Options{
		Role:     Master,
		NodeName: "master",
		Clients:  []string{"fast", "slow"},
	})

	// The fast client races ahead: its WindowsCreated arrives while the master
	// is still waiting for the slow client to connect, and must be stashed
	// rather than dropped.
	if err := fastEP.Send("master", transport.Message{Type: transport.WindowsCreated}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	slowEP := hub.Join("slow")
	if err := masterBarrier.WaitForCluster(time.Second); err != nil {
		t.Fatalf("connect wait failed: %v", err)
	}

	if err := slowEP.Send("master", transport.Message{Type: transport.WindowsCreated}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	coord := NewSwapGroupCoordinator(masterEP, masterBarrier, nil)
	start := time.Now()
	if err := coord.WaitForAllWindowsOpen(2 * time.Second); err != nil {
		t.Fatalf("startup barrier failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("stashed windows-created report was not consumed; waited %s", elapsed)
	}

	msg, err := fastEP.Receive(time.Second)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	for msg.Type == transport.Connected {
		if msg, err = fastEP.Receive(time.Second); err != nil {
			t.Fatalf("receive failed: %v", err)
		}
	}
	if msg.Type != transport.StartGroup {
		t.Fatalf("expected start-group broadcast; got %s", msg.Type)
	}
}

func TestSwapGroupJoinFailureIsFatal(t *testing.T) {
	hub := transport.NewHub()
	ep := hub.Join("standalone")

	barrier := NewSyncBarrier(ep, Options{Role: Master, NodeName: "standalone"})
	group := &recordingSwapGroup{joinErr: errors.New("driver rejected the group")}
	coord := NewSwapGroupCoordinator(ep, barrier, group)

	if err := coord.WaitForAllWindowsOpen(time.Second); err == nil {
		t.Fatal("expected the join failure to surface")
	}
	got := group.recorded()
	if len(got) != 1 || got[0] != "join" {
		t.Fatalf("barrier must not be enabled after a failed join; calls %v", got)
	}
}

func TestSwapGroupDisconnectDuringStartupIsFatal(t *testing.T) {
	hub := transport.NewHub()
	masterEP := hub.Join("master")
	hub.Join("client")

	masterBarrier := NewSyncBarrier(masterEP, Options{
		Role:     Master,
		NodeName: "master",
		Clients:  []string{"client"},
	})
	if err := masterBarrier.WaitForCluster(time.Second); err != nil {
		t.Fatalf("connect wait failed: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		hub.Drop("client")
	}()

	coord := NewSwapGroupCoordinator(masterEP, masterBarrier, nil)
	if err := coord.WaitForAllWindowsOpen(2 * time.Second); err == nil {
		t.Fatal("expected a fatal error when a node dies during startup")
	}
}
