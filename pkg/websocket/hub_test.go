package websocket

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForHub() { time.Sleep(20 * time.Millisecond) }

// register connects a client and drains the registration greeting.
func register(t *testing.T, hub *Hub, client *Client) {
	t.Helper()
	hub.Register <- client
	waitForHub()

	select {
	case msg := <-client.Send:
		require.Equal(t, TypeConnectionEstablished, msg.Type)
	case <-time.After(time.Second):
		t.Fatalf("client %s did not receive greeting", client.ID)
	}
}

// TestHubRegisterSendsGreeting tests the connection_established handshake
func TestHubRegisterSendsGreeting(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	client := NewClient("driver-1", nil, hub, RoleDriver)
	hub.Register <- client
	waitForHub()

	select {
	case msg := <-client.Send:
		assert.Equal(t, TypeConnectionEstablished, msg.Type)
		assert.Equal(t, "driver-1", msg.Data["user_id"])
		assert.Equal(t, RoleDriver, msg.Data["role"])
	case <-time.After(time.Second):
		t.Fatal("greeting not delivered")
	}

	// Every session lands in its identity group
	assert.True(t, client.InGroup(DriverGroup("driver-1")))
	assert.ElementsMatch(t, []string{"driver-1"}, hub.GroupMembers(DriverGroup("driver-1")))
}

// TestHubRegisterAndSend tests registering a client and direct delivery
func TestHubRegisterAndSend(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	client := NewClient("driver-1", nil, hub, RoleDriver)
	register(t, hub, client)

	got, ok := hub.GetClient("driver-1")
	require.True(t, ok)
	assert.Equal(t, client, got)
	assert.Equal(t, 1, hub.ClientCount())

	hub.SendToClient("driver-1", &Message{Type: "ride_offer"})

	select {
	case msg := <-client.Send:
		assert.Equal(t, "ride_offer", msg.Type)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

// TestHubReconnectReplacesSession tests that a new session for the
// same ID supersedes the old one
func TestHubReconnectReplacesSession(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	first := NewClient("driver-1", nil, hub, RoleDriver)
	register(t, hub, first)

	second := NewClient("driver-1", nil, hub, RoleDriver)
	register(t, hub, second)

	assert.Equal(t, 1, hub.ClientCount())
	got, ok := hub.GetClient("driver-1")
	require.True(t, ok)
	assert.Equal(t, second, got)

	// First client's channel is closed
	_, open := <-first.Send
	assert.False(t, open)
}

// TestHubGroups tests join, broadcast and leave semantics for groups
func TestHubGroups(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	passenger := NewClient("passenger-1", nil, hub, RolePassenger)
	driver := NewClient("driver-1", nil, hub, RoleDriver)
	outsider := NewClient("driver-2", nil, hub, RoleDriver)

	register(t, hub, passenger)
	register(t, hub, driver)
	register(t, hub, outsider)

	hub.JoinGroup("passenger-1", "ride_42")
	hub.JoinGroup("driver-1", "ride_42")

	assert.ElementsMatch(t, []string{"passenger-1", "driver-1"}, hub.GroupMembers("ride_42"))
	// Three identity groups plus the ride group
	assert.Equal(t, 4, hub.GroupCount())

	hub.SendToGroup("ride_42", &Message{Type: "ride_accepted"})
	waitForHub()

	for _, c := range []*Client{passenger, driver} {
		select {
		case msg := <-c.Send:
			assert.Equal(t, "ride_accepted", msg.Type)
		case <-time.After(time.Second):
			t.Fatalf("client %s did not receive group message", c.ID)
		}
	}
	assert.Empty(t, outsider.Send)

	hub.LeaveGroup("driver-1", "ride_42")
	assert.ElementsMatch(t, []string{"passenger-1"}, hub.GroupMembers("ride_42"))
	assert.False(t, driver.InGroup("ride_42"))
}

// TestHubUnregisterCleansGroups tests that disconnect removes the
// client from every group and runs disconnect hooks
func TestHubUnregisterCleansGroups(t *testing.T) {
	hub := NewHub()

	var hookRuns int32
	hub.OnDisconnect(func(c *Client) {
		atomic.AddInt32(&hookRuns, 1)
	})

	go hub.Run()

	client := NewClient("driver-1", nil, hub, RoleDriver)
	register(t, hub, client)

	hub.JoinGroup("driver-1", "ride_42")

	hub.Unregister <- client
	waitForHub()

	assert.Equal(t, 0, hub.ClientCount())
	assert.Empty(t, hub.GroupMembers("ride_42"))
	assert.Empty(t, hub.GroupMembers(DriverGroup("driver-1")))
	assert.Equal(t, 0, hub.GroupCount())
	assert.Equal(t, int32(1), atomic.LoadInt32(&hookRuns))
}

// TestHubHandleMessage tests message routing to registered handlers
func TestHubHandleMessage(t *testing.T) {
	hub := NewHub()

	received := make(chan *Message, 1)
	hub.RegisterHandler("location", func(c *Client, msg *Message) {
		received <- msg
	})

	client := NewClient("driver-1", nil, hub, RoleDriver)

	hub.HandleMessage(client, &Message{Type: "location"})

	select {
	case msg := <-received:
		assert.Equal(t, "location", msg.Type)
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}

	// Unknown types are dropped without panic
	hub.HandleMessage(client, &Message{Type: "unknown"})
}

// TestHubSendToAll tests fan-out to every connected client
func TestHubSendToAll(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	clients := make([]*Client, 5)
	for i := range clients {
		clients[i] = NewClient("user-"+string(rune('a'+i)), nil, hub, RolePassenger)
		register(t, hub, clients[i])
	}

	hub.SendToAll(&Message{Type: "announcement"})
	waitForHub()

	for _, c := range clients {
		select {
		case msg := <-c.Send:
			assert.Equal(t, "announcement", msg.Type)
		case <-time.After(time.Second):
			t.Fatalf("client %s did not receive broadcast", c.ID)
		}
	}
}

// TestGroupNaming tests the group naming helpers
func TestGroupNaming(t *testing.T) {
	assert.Equal(t, "party_u1", PartyGroup("u1"))
	assert.Equal(t, "driver_u1", DriverGroup("u1"))
	assert.Equal(t, "ride_r1", RideGroup("r1"))
}
