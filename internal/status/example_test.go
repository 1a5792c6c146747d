package status_test

import (
	"fmt"
	"time"

	"github.com/Mschirtzinger/tillsync/internal/protocol"
	"github.com/Mschirtzinger/tillsync/internal/session"
	"github.com/Mschirtzinger/tillsync/internal/status"
	"github.com/Mschirtzinger/tillsync/internal/transport"
)

// Example shows a brief network drop being held as the last status.
func Example() {
	p := status.NewProjector(750 * time.Millisecond)
	t0 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	up := session.Snapshot{State: protocol.StateStreaming, Transport: transport.StateConnected, Compatible: true}
	down := session.Snapshot{State: protocol.StateDisconnected, Transport: transport.StateConnecting, Compatible: true}

	fmt.Println(p.Observe(up, t0).Status)
	fmt.Println(p.Observe(down, t0.Add(100*time.Millisecond)).Status)
	fmt.Println(p.Observe(down, t0.Add(time.Second)).Status)
	// Output:
	// synced
	// synced
	// disconnected
}
