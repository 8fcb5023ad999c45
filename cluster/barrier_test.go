package cluster

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hn-88/sgct/log"
	"github.com/hn-88/sgct/transport"
)

func TestBarrierFullRounds(t *testing.T) {
	hub := transport.NewHub()
	masterEP := hub.Join("master")
	clientEP := hub.Join("client")

	var decoded [][]byte
	master := NewSyncBarrier(masterEP, Options{
		Role:     Master,
		NodeName: "master",
		Clients:  []string{"client"},
		Timeout:  2 * time.Second,
		Encode:   func() []byte { return []byte("state") },
	})
	client := NewSyncBarrier(clientEP, Options{
		Role:       Client,
		NodeName:   "client",
		MasterName: "master",
		Timeout:    2 * time.Second,
		Decode:     func(p []byte) { decoded = append(decoded, p) },
	})

	if err := master.WaitForCluster(time.Second); err != nil {
		t.Fatalf("master connect wait failed: %v", err)
	}
	if err := client.WaitForCluster(time.Second); err != nil {
		t.Fatalf("client connect wait failed: %v", err)
	}

	const frames = 3
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for f := uint64(0); f < frames; f++ {
			if err := client.PreStage(f); err != nil {
				t.Errorf("client pre-stage %d failed: %v", f, err)
				return
			}
			if err := client.PostStage(f); err != nil {
				t.Errorf("client post-stage %d failed: %v", f, err)
				return
			}
		}
	}()

	for f := uint64(0); f < frames; f++ {
		if err := master.PreStage(f); err != nil {
			t.Fatalf("master pre-stage %d failed: %v", f, err)
		}
		if err := master.PostStage(f); err != nil {
			t.Fatalf("master post-stage %d failed: %v", f, err)
		}
	}
	wg.Wait()

	if got := client.AppliedFrame(); got != frames-1 {
		t.Fatalf("expected client at frame %d; got %d", frames-1, got)
	}
	if len(decoded) != frames {
		t.Fatalf("expected %d decoded payloads; got %d", frames, len(decoded))
	}
	for i, p := range decoded {
		if string(p) != "state" {
			t.Fatalf("payload %d corrupted: %q", i, p)
		}
	}
	if node := master.Nodes()["client"]; node.LastAckedFrame != frames-1 {
		t.Fatalf("expected last acked frame %d; got %d", frames-1, node.LastAckedFrame)
	}
}

func TestBarrierDegradesOnSilentClient(t *testing.T) {
	hub := transport.NewHub()
	masterEP := hub.Join("master")
	goodEP := hub.Join("good")
	hub.Join("silent") // joins the cluster but never answers

	master := NewSyncBarrier(masterEP, Options{
		Role:     Master,
		NodeName: "master",
		Clients:  []string{"good", "silent"},
		Timeout:  100 * time.Millisecond,
	})
	good := NewSyncBarrier(goodEP, Options{
		Role:       Client,
		NodeName:   "good",
		MasterName: "master",
		Timeout:    2 * time.Second,
	})

	if err := master.WaitForCluster(time.Second); err != nil {
		t.Fatalf("master connect wait failed: %v", err)
	}
	if err := good.WaitForCluster(time.Second); err != nil {
		t.Fatalf("client connect wait failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := good.PreStage(1); err != nil {
			t.Errorf("client pre-stage failed: %v", err)
			return
		}
		if err := good.PostStage(1); err != nil {
			t.Errorf("client post-stage failed: %v", err)
		}
	}()

	if err := master.PreStage(1); err != nil {
		t.Fatalf("expected degraded pre-stage, not an error: %v", err)
	}
	if got := master.Nodes()["silent"].ConsecutiveTimeouts; got != 1 {
		t.Fatalf("expected one timeout on silent node; got %d", got)
	}
	if got := master.Nodes()["good"].LastAckedFrame; got != 1 {
		t.Fatalf("expected good node acked at frame 1; got %d", got)
	}

	// Without escalation the silent node stays in the cluster.
	if !master.Nodes()["silent"].Participates() {
		t.Fatal("silent node should still participate without an escalation policy")
	}

	if err := master.PostStage(1); err != nil {
		t.Fatalf("expected degraded post-stage, not an error: %v", err)
	}
	wg.Wait()
}

func TestBarrierDisconnectIsImplicitAck(t *testing.T) {
	hub := transport.NewHub()
	masterEP := hub.Join("master")
	hub.Join("ghost")

	master := NewSyncBarrier(masterEP, Options{
		Role:     Master,
		NodeName: "master",
		Clients:  []string{"ghost"},
		Timeout:  5 * time.Second,
	})
	if err := master.WaitForCluster(time.Second); err != nil {
		t.Fatalf("connect wait failed: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		hub.Drop("ghost")
	}()

	start := time.Now()
	if err := master.PreStage(1); err != nil {
		t.Fatalf("pre-stage failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("disconnect should unblock the barrier immediately; waited %s", elapsed)
	}
	if got := master.Nodes()["ghost"].State; got != Disconnected {
		t.Fatalf("expected ghost disconnected; got %s", got)
	}

	// With nobody left participating the present fence is a no-op.
	start = time.Now()
	if err := master.PostStage(1); err != nil {
		t.Fatalf("post-stage failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("post-stage should not wait on a disconnected node; waited %s", elapsed)
	}
}

func TestBarrierDropNodeEscalation(t *testing.T) {
	hub := transport.NewHub()
	masterEP := hub.Join("master")
	hub.Join("stuck")

	type statusEvent struct {
		node      string
		connected bool
	}
	var events []statusEvent

	master := NewSyncBarrier(masterEP, Options{
		Role:     Master,
		NodeName: "master",
		Clients:  []string{"stuck"},
		Timeout:  50 * time.Millisecond,
		Policy:   TimeoutPolicy{MaxConsecutive: 2, Action: DropNode},
		Status:   func(node string, connected bool) { events = append(events, statusEvent{node, connected}) },
	})
	if err := master.WaitForCluster(time.Second); err != nil {
		t.Fatalf("connect wait failed: %v", err)
	}

	if err := master.PreStage(1); err != nil {
		t.Fatalf("first round should degrade, not fail: %v", err)
	}
	if err := master.PostStage(1); err != nil {
		t.Fatalf("second timeout should drop the node, not fail: %v", err)
	}

	if master.Nodes()["stuck"].Participates() {
		t.Fatal("node should be dropped after exceeding the timeout streak")
	}

	last := events[len(events)-1]
	if last.node != "stuck" || last.connected {
		t.Fatalf("expected a disconnect notification for stuck; got %+v", last)
	}

	// Later rounds must not wait on the dropped node at all.
	start := time.Now()
	if err := master.PreStage(2); err != nil {
		t.Fatalf("pre-stage after drop failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 25*time.Millisecond {
		t.Fatalf("dropped node still blocks the barrier; waited %s", elapsed)
	}
}

func TestBarrierAbortEscalation(t *testing.T) {
	hub := transport.NewHub()
	masterEP := hub.Join("master")
	hub.Join("stuck")

	master := NewSyncBarrier(masterEP, Options{
		Role:     Master,
		NodeName: "master",
		Clients:  []string{"stuck"},
		Timeout:  50 * time.Millisecond,
		Policy:   TimeoutPolicy{MaxConsecutive: 1, Action: Abort},
	})
	if err := master.WaitForCluster(time.Second); err != nil {
		t.Fatalf("connect wait failed: %v", err)
	}

	err := master.PreStage(1)
	if !errors.Is(err, ErrSyncAbort) {
		t.Fatalf("expected ErrSyncAbort; got %v", err)
	}
}

func TestBarrierPeerReconnectRestoresParticipation(t *testing.T) {
	hub := transport.NewHub()
	masterEP := hub.Join("master")
	hub.Join("client")

	master := NewSyncBarrier(masterEP, Options{
		Role:     Master,
		NodeName: "master",
		Clients:  []string{"client"},
		Timeout:  150 * time.Millisecond,
	})
	if err := master.WaitForCluster(time.Second); err != nil {
		t.Fatalf("connect wait failed: %v", err)
	}
	firstID := master.Nodes()["client"].ID
	if firstID == "" {
		t.Fatal("expected the endpoint id from the handshake")
	}

	hub.Drop("client")
	hub.Join("client")

	// Frame 1 observes the drop as an implicit ack; frame 2 reintegrates
	// the fresh endpoint at its boundary.
	if err := master.PreStage(1); err != nil {
		t.Fatalf("pre-stage 1 failed: %v", err)
	}
	if err := master.PostStage(1); err != nil {
		t.Fatalf("post-stage 1 failed: %v", err)
	}
	if err := master.PreStage(2); err != nil {
		t.Fatalf("pre-stage 2 failed: %v", err)
	}

	node := master.Nodes()["client"]
	if node.State != Connected {
		t.Fatalf("expected the reconnected client back in Connected; got %s", node.State)
	}
	if !node.Participates() {
		t.Fatal("reconnected client must count toward aggregation again")
	}
	if node.ID == "" || node.ID == firstID {
		t.Fatalf("expected a fresh endpoint id after the reconnect; got %q", node.ID)
	}
}

func TestBarrierAbortProcessesAllTimeouts(t *testing.T) {
	hub := transport.NewHub()
	masterEP := hub.Join("master")
	hub.Join("mute-a")
	hub.Join("mute-b")

	master := NewSyncBarrier(masterEP, Options{
		Role:     Master,
		NodeName: "master",
		Clients:  []string{"mute-a", "mute-b"},
		Timeout:  50 * time.Millisecond,
		Policy:   TimeoutPolicy{MaxConsecutive: 1, Action: Abort},
	})
	if err := master.WaitForCluster(time.Second); err != nil {
		t.Fatalf("connect wait failed: %v", err)
	}

	err := master.PreStage(1)
	if !errors.Is(err, ErrSyncAbort) {
		t.Fatalf("expected ErrSyncAbort; got %v", err)
	}

	// Both silent nodes get their streak counted, not just the one the
	// abort fired on, and neither counts toward aggregation anymore.
	for _, name := range []string{"mute-a", "mute-b"} {
		node := master.Nodes()[name]
		if node.ConsecutiveTimeouts != 1 {
			t.Fatalf("expected one recorded timeout for %s; got %d", name, node.ConsecutiveTimeouts)
		}
		if node.Participates() {
			t.Fatalf("%s must leave aggregation once the abort fired", name)
		}
	}

	// The present fence of the final frame must not wait out the timeout a
	// second time on peers the abort already gave up on.
	start := time.Now()
	if err := master.PostStage(1); err != nil {
		t.Fatalf("post-stage failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 25*time.Millisecond {
		t.Fatalf("present fence waited %s on aborted peers", elapsed)
	}
}

func TestBarrierWaitLogThrottle(t *testing.T) {
	var buf bytes.Buffer
	log.SetSink(&buf)
	defer log.SetSink(os.Stdout)

	hub := transport.NewHub()
	masterEP := hub.Join("master")
	hub.Join("mute")

	master := NewSyncBarrier(masterEP, Options{
		Role:             Master,
		NodeName:         "master",
		Clients:          []string{"mute"},
		Timeout:          2200 * time.Millisecond,
		PrintSyncMessage: true,
	})
	if err := master.WaitForCluster(time.Second); err != nil {
		t.Fatalf("connect wait failed: %v", err)
	}

	if err := master.PreStage(1); err != nil {
		t.Fatalf("pre-stage failed: %v", err)
	}

	n := strings.Count(buf.String(), "waiting for state acknowledgment")
	if n < 1 {
		t.Fatal("expected a progress message while blocked on the barrier")
	}
	if n > 2 {
		t.Fatalf("progress message not throttled to once per second: logged %d times in 2.2s", n)
	}
}

func TestBarrierClientAdoptsMasterFrame(t *testing.T) {
	hub := transport.NewHub()
	masterEP := hub.Join("master")
	clientEP := hub.Join("client")

	var decoded [][]byte
	client := NewSyncBarrier(clientEP, Options{
		Role:       Client,
		NodeName:   "client",
		MasterName: "master",
		Timeout:    2 * time.Second,
		Decode:     func(p []byte) { decoded = append(decoded, p) },
	})
	if err := client.WaitForCluster(time.Second); err != nil {
		t.Fatalf("connect wait failed: %v", err)
	}
	// Drain the client's Connected announcement on the master side.
	if _, err := masterEP.Receive(time.Second); err != nil {
		t.Fatalf("receive failed: %v", err)
	}

	// A late joiner adopts whatever frame the master is currently at.
	send := func(typ transport.MessageType, frame uint64, payload []byte) {
		t.Helper()
		if err := masterEP.Send("client", transport.Message{Type: typ, Frame: frame, Payload: payload}); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}
	send(transport.SyncData, 7, []byte("seven"))
	if err := client.PreStage(0); err != nil {
		t.Fatalf("pre-stage failed: %v", err)
	}
	if got := client.AppliedFrame(); got != 7 {
		t.Fatalf("expected applied frame 7; got %d", got)
	}
	ack, err := masterEP.Receive(time.Second)
	if err != nil || ack.Type != transport.SyncAck || ack.Frame != 7 {
		t.Fatalf("expected ack for frame 7; got %+v (err %v)", ack, err)
	}

	// Stale state payloads are discarded without applying or acknowledging.
	send(transport.SyncData, 5, []byte("stale"))
	send(transport.SyncData, 8, []byte("eight"))
	if err := client.PreStage(1); err != nil {
		t.Fatalf("pre-stage failed: %v", err)
	}
	if got := client.AppliedFrame(); got != 8 {
		t.Fatalf("expected applied frame 8; got %d", got)
	}
	if len(decoded) != 2 || string(decoded[1]) != "eight" {
		t.Fatalf("stale payload leaked into decode: %q", decoded)
	}
	ack, err = masterEP.Receive(time.Second)
	if err != nil || ack.Type != transport.SyncAck || ack.Frame != 8 {
		t.Fatalf("expected ack for frame 8; got %+v (err %v)", ack, err)
	}

	// Present fence: client reports ready for its applied frame and blocks on
	// the release.
	done := make(chan error, 1)
	go func() { done <- client.PostStage(1) }()

	ready, err := masterEP.Receive(time.Second)
	if err != nil || ready.Type != transport.Ready || ready.Frame != 8 {
		t.Fatalf("expected ready for frame 8; got %+v (err %v)", ready, err)
	}
	send(transport.Release, 8, nil)
	if err := <-done; err != nil {
		t.Fatalf("post-stage failed: %v", err)
	}
}

func TestWaitForClusterTimesOut(t *testing.T) {
	hub := transport.NewHub()
	masterEP := hub.Join("master")

	master := NewSyncBarrier(masterEP, Options{
		Role:     Master,
		NodeName: "master",
		Clients:  []string{"nobody"},
	})
	if err := master.WaitForCluster(50 * time.Millisecond); err == nil {
		t.Fatal("expected a connect timeout error")
	}
}
