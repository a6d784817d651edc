package websocket

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aetherflow/collabsync/internal/presence"
)

func createTestHub() *Hub {
	return NewHub(zap.NewNop())
}

// 创建不带真实 websocket 连接的测试连接
func createTestConnection(id, userID string) *Connection {
	return NewConnection(id, userID, nil, zap.NewNop())
}

func expectMessage(t *testing.T, conn *Connection, msgType MessageType) *Message {
	t.Helper()
	select {
	case received := <-conn.send:
		if received.Type != msgType {
			t.Fatalf("Expected %s message on %s, got %s", msgType, conn.ID, received.Type)
		}
		return received
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("Timeout waiting for message on %s", conn.ID)
		return nil
	}
}

func expectNoMessage(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case received := <-conn.send:
		t.Fatalf("Unexpected %s message on %s", received.Type, conn.ID)
	default:
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := createTestHub()
	defer hub.Close()

	var observed int
	hub.OnConnectionChange(func(total int) { observed = total })

	conn := createTestConnection("conn1", "user1")
	hub.Register(conn)

	stats := hub.GetStats()
	if stats["total_connections"].(int) != 1 {
		t.Errorf("Expected 1 connection, got %v", stats["total_connections"])
	}
	if stats["connected_users"].(int) != 1 {
		t.Errorf("Expected 1 user, got %v", stats["connected_users"])
	}
	if observed != 1 {
		t.Errorf("Expected connection callback with 1, got %d", observed)
	}

	hub.Join(context.Background(), "conn1", "session:s1")
	hub.Unregister("conn1")

	stats = hub.GetStats()
	if stats["total_connections"].(int) != 0 {
		t.Errorf("Expected 0 connections, got %v", stats["total_connections"])
	}
	if stats["total_rooms"].(int) != 0 {
		t.Errorf("Expected 0 rooms, got %v", stats["total_rooms"])
	}
	if observed != 0 {
		t.Errorf("Expected connection callback with 0, got %d", observed)
	}
}

func TestHub_GetConnection(t *testing.T) {
	hub := createTestHub()
	defer hub.Close()

	hub.Register(createTestConnection("conn1", "user1"))

	retrieved, err := hub.GetConnection("conn1")
	if err != nil {
		t.Fatalf("Failed to get connection: %v", err)
	}
	if retrieved.UserID != "user1" {
		t.Errorf("Expected user1, got %s", retrieved.UserID)
	}

	if _, err := hub.GetConnection("nonexistent"); err != ErrConnectionNotFound {
		t.Errorf("Expected ErrConnectionNotFound, got %v", err)
	}
	if err := hub.Join(context.Background(), "nonexistent", "room"); err != ErrConnectionNotFound {
		t.Errorf("Expected ErrConnectionNotFound, got %v", err)
	}
}

func TestHub_PublishExcludesUser(t *testing.T) {
	hub := createTestHub()
	defer hub.Close()
	ctx := context.Background()

	alice := createTestConnection("conn1", "alice")
	aliceTab := createTestConnection("conn2", "alice")
	bob := createTestConnection("conn3", "bob")
	outsider := createTestConnection("conn4", "carol")

	for _, c := range []*Connection{alice, aliceTab, bob, outsider} {
		hub.Register(c)
	}
	for _, id := range []string{"conn1", "conn2", "conn3"} {
		if err := hub.Join(ctx, id, presence.SessionRoom("s1")); err != nil {
			t.Fatalf("Failed to join: %v", err)
		}
	}

	event := &presence.CollaborationEvent{ID: "e1", Type: presence.EventCursorMove, UserID: "alice"}
	if err := hub.Publish(ctx, presence.SessionRoom("s1"), event, "alice"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msg := expectMessage(t, bob, MessageTypeEvent)
	if got := msg.Data.(*presence.CollaborationEvent); got.ID != "e1" {
		t.Errorf("Expected event e1, got %s", got.ID)
	}
	expectNoMessage(t, alice)
	expectNoMessage(t, aliceTab)
	expectNoMessage(t, outsider)

	// 离开房间后不再收到
	hub.Leave(ctx, "conn3", presence.SessionRoom("s1"))
	if bob.InRoom(presence.SessionRoom("s1")) {
		t.Error("Connection should have left the room")
	}
	if n := hub.BroadcastToRoom(presence.SessionRoom("s1"), NewMessage(MessageTypeEvent, nil), ""); n != 2 {
		t.Errorf("Expected 2 recipients, got %d", n)
	}
}

func TestHub_PublishToUser(t *testing.T) {
	hub := createTestHub()
	defer hub.Close()

	conn1 := createTestConnection("conn1", "user1")
	conn2 := createTestConnection("conn2", "user1")
	other := createTestConnection("conn3", "user2")
	hub.Register(conn1)
	hub.Register(conn2)
	hub.Register(other)

	hub.PublishToUser(context.Background(), "user1", &presence.CollaborationEvent{Type: presence.EventSessionState})

	expectMessage(t, conn1, MessageTypeEvent)
	expectMessage(t, conn2, MessageTypeEvent)
	expectNoMessage(t, other)
}

func TestConnection_SendAfterClose(t *testing.T) {
	conn := createTestConnection("conn1", "user1")

	if err := conn.Send(NewMessage(MessageTypePong, nil)); err != nil {
		t.Fatalf("Failed to send message: %v", err)
	}
	expectMessage(t, conn, MessageTypePong)

	conn.Close()
	if !conn.IsClosed() {
		t.Error("Connection should be closed")
	}
	if err := conn.Send(NewMessage(MessageTypePong, nil)); err != ErrConnectionClosed {
		t.Errorf("Expected ErrConnectionClosed, got %v", err)
	}
	if conn.Context().Err() == nil {
		t.Error("Connection context should be cancelled")
	}
}

func TestConnection_SendChannelFull(t *testing.T) {
	conn := createTestConnection("conn1", "user1")
	for i := 0; i < cap(conn.send); i++ {
		conn.Send(NewMessage(MessageTypeEvent, nil))
	}
	if err := conn.Send(NewMessage(MessageTypeEvent, nil)); err != ErrSendChannelFull {
		t.Errorf("Expected ErrSendChannelFull, got %v", err)
	}
}

func TestConnection_Sessions(t *testing.T) {
	conn := createTestConnection("conn1", "user1")

	conn.TrackSession("s1", "doc1")
	conn.TrackSession("s2", "doc2")
	conn.UntrackSession("s2")

	sessions := conn.Sessions()
	if len(sessions) != 1 || sessions["s1"] != "doc1" {
		t.Errorf("Unexpected sessions: %v", sessions)
	}

	firstPing := conn.LastPing()
	time.Sleep(10 * time.Millisecond)
	conn.UpdatePing()
	if !conn.LastPing().After(firstPing) {
		t.Error("Second ping should be after first ping")
	}
}

func TestHub_UserConnections(t *testing.T) {
	hub := createTestHub()
	defer hub.Close()
	ctx := context.Background()
	room := presence.SessionRoom("s1")

	tab1 := createTestConnection("conn1", "alice")
	tab2 := createTestConnection("conn2", "alice")
	hub.Register(tab1)
	hub.Register(tab2)
	for _, id := range []string{"conn1", "conn2"} {
		if err := hub.Join(ctx, id, room); err != nil {
			t.Fatalf("Failed to join: %v", err)
		}
	}

	if n := hub.UserConnections(room, "alice"); n != 2 {
		t.Errorf("Expected 2 connections, got %d", n)
	}

	// 断开的连接在 OnDisconnect 之前已注销
	hub.Unregister("conn1")
	if n := hub.UserConnections(room, "alice"); n != 1 {
		t.Errorf("Expected 1 connection after unregister, got %d", n)
	}

	if err := hub.Leave(ctx, "conn2", room); err != nil {
		t.Fatalf("Failed to leave: %v", err)
	}
	if n := hub.UserConnections(room, "alice"); n != 0 {
		t.Errorf("Expected no connections, got %d", n)
	}
}
