package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/events"
	"github.com/MarcoPoloResearchLab/corkboard/backend/internal/presence"
	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type stubAccess struct {
	denied     map[string]bool
	cardBoards map[string]string
}

func (s stubAccess) CanAccessBoard(_ context.Context, userID string, boardID string) (bool, error) {
	return !s.denied[userID+"/"+boardID], nil
}

func (s stubAccess) BoardForCard(_ context.Context, cardID string) (string, error) {
	return s.cardBoards[cardID], nil
}

type headerAuthenticator struct{}

func (headerAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	userID := r.Header.Get("X-User")
	if userID == "" {
		return Identity{}, errors.New("missing user")
	}
	return Identity{UserID: userID, Name: strings.ToUpper(userID)}, nil
}

type hubHarness struct {
	hub     *Hub
	tracker *presence.Tracker
}

func newHubHarness(t *testing.T, access stubAccess, sendBuffer int) hubHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tracker, err := presence.NewTracker(presence.Config{Client: client})
	require.NoError(t, err)
	hub, err := NewHub(HubConfig{
		Authenticator: headerAuthenticator{},
		Presence:      tracker,
		Access:        access,
		SendBuffer:    sendBuffer,
	})
	require.NoError(t, err)
	return hubHarness{hub: hub, tracker: tracker}
}

func (h hubHarness) connect(id string, userID string) *Conn {
	conn := newConn(id, Identity{UserID: userID, Name: strings.ToUpper(userID)}, nil, 64)
	h.hub.attach(conn)
	return conn
}

func (h hubHarness) command(t *testing.T, conn *Conn, event string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	message, err := json.Marshal(Frame{Event: event, Data: payload})
	require.NoError(t, err)
	h.hub.dispatch(context.Background(), conn, message)
}

func nextFrame(t *testing.T, conn *Conn) Frame {
	t.Helper()
	select {
	case message := <-conn.send:
		var frame Frame
		require.NoError(t, json.Unmarshal(message, &frame))
		return frame
	case <-time.After(time.Second):
		t.Fatalf("no frame queued for %s", conn.ID())
		return Frame{}
	}
}

func requireNoFrame(t *testing.T, conn *Conn) {
	t.Helper()
	select {
	case message := <-conn.send:
		t.Fatalf("unexpected frame for %s: %s", conn.ID(), message)
	default:
	}
}

func drain(conn *Conn) {
	for {
		select {
		case <-conn.send:
		default:
			return
		}
	}
}

func presenceUserIDs(t *testing.T, frame Frame) []string {
	t.Helper()
	var message struct {
		BoardID string                `json:"boardId"`
		Users   []presence.ActiveUser `json:"users"`
	}
	require.NoError(t, json.Unmarshal(frame.Data, &message))
	ids := make([]string, 0, len(message.Users))
	for _, user := range message.Users {
		ids = append(ids, user.UserID)
	}
	return ids
}

func TestJoinBoardBroadcastsPresenceAndAcks(t *testing.T) {
	h := newHubHarness(t, stubAccess{}, 0)
	alice := h.connect("c-alice", "alice")
	bob := h.connect("c-bob", "bob")

	h.command(t, alice, EventJoinBoard, map[string]string{"boardId": "b1"})
	require.Equal(t, EventPresenceUsers, nextFrame(t, alice).Event)
	ack := nextFrame(t, alice)
	require.Equal(t, EventJoinedBoard, ack.Event)
	require.Equal(t, []string{"alice"}, presenceUserIDs(t, ack))
	require.Equal(t, StateActive, alice.State())

	h.command(t, bob, EventJoinBoard, map[string]string{"boardId": "b1"})
	update := nextFrame(t, alice)
	require.Equal(t, EventPresenceUsers, update.Event)
	require.ElementsMatch(t, []string{"alice", "bob"}, presenceUserIDs(t, update))
	require.Equal(t, 2, h.hub.RoomSize(BoardRoom("b1")))
}

func TestJoinBoardDeniedRepliesWithError(t *testing.T) {
	h := newHubHarness(t, stubAccess{denied: map[string]bool{"alice/b1": true}}, 0)
	alice := h.connect("c-alice", "alice")

	h.command(t, alice, EventJoinBoard, map[string]string{"boardId": "b1"})
	frame := nextFrame(t, alice)
	require.Equal(t, EventError, frame.Event)
	require.Contains(t, string(frame.Data), "access denied")
	require.Equal(t, 0, h.hub.RoomSize(BoardRoom("b1")))

	count, err := h.tracker.CountActiveUsers(context.Background(), "b1")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestMalformedAndUnknownCommands(t *testing.T) {
	h := newHubHarness(t, stubAccess{}, 0)
	alice := h.connect("c-alice", "alice")

	h.hub.dispatch(context.Background(), alice, []byte("not json"))
	require.Equal(t, EventError, nextFrame(t, alice).Event)

	h.command(t, alice, "board:explode", map[string]string{})
	frame := nextFrame(t, alice)
	require.Equal(t, EventError, frame.Event)
	require.Contains(t, string(frame.Data), "unknown event")

	h.command(t, alice, EventJoinBoard, map[string]string{})
	require.Equal(t, EventError, nextFrame(t, alice).Event)
}

func TestTypingIsRelayedToOthersOnly(t *testing.T) {
	h := newHubHarness(t, stubAccess{cardBoards: map[string]string{"card-1": "b1"}}, 0)
	alice := h.connect("c-alice", "alice")
	bob := h.connect("c-bob", "bob")
	h.command(t, alice, EventJoinBoard, map[string]string{"boardId": "b1"})
	h.command(t, bob, EventJoinBoard, map[string]string{"boardId": "b1"})
	drain(alice)
	drain(bob)

	h.command(t, alice, EventTypingStart, map[string]string{"cardId": "card-1"})
	frame := nextFrame(t, bob)
	require.Equal(t, EventTypingStarted, frame.Event)
	var typing TypingMessage
	require.NoError(t, json.Unmarshal(frame.Data, &typing))
	require.Equal(t, TypingMessage{CardID: "card-1", UserID: "alice", UserName: "ALICE"}, typing)
	requireNoFrame(t, alice)

	indicators, err := h.tracker.GetTypingUsers(context.Background(), "card-1")
	require.NoError(t, err)
	require.Len(t, indicators, 1)

	h.command(t, alice, EventTypingStop, map[string]string{"cardId": "card-1"})
	require.Equal(t, EventTypingStopped, nextFrame(t, bob).Event)
	indicators, err = h.tracker.GetTypingUsers(context.Background(), "card-1")
	require.NoError(t, err)
	require.Empty(t, indicators)
}

func TestTypingFallsBackToSingleJoinedBoard(t *testing.T) {
	h := newHubHarness(t, stubAccess{}, 0)
	alice := h.connect("c-alice", "alice")
	bob := h.connect("c-bob", "bob")
	h.command(t, alice, EventJoinBoard, map[string]string{"boardId": "b1"})
	h.command(t, bob, EventJoinBoard, map[string]string{"boardId": "b1"})
	drain(alice)
	drain(bob)

	h.command(t, alice, EventTypingStart, map[string]string{"cardId": "unknown-card"})
	require.Equal(t, EventTypingStarted, nextFrame(t, bob).Event)

	h.command(t, alice, EventJoinBoard, map[string]string{"boardId": "b2"})
	drain(alice)
	h.command(t, alice, EventTypingStart, map[string]string{"cardId": "unknown-card"})
	require.Equal(t, EventError, nextFrame(t, alice).Event)
}

func TestTypingRequiresJoinedBoard(t *testing.T) {
	h := newHubHarness(t, stubAccess{cardBoards: map[string]string{"card-1": "b1"}}, 0)
	alice := h.connect("c-alice", "alice")

	h.command(t, alice, EventTypingStart, map[string]string{"cardId": "card-1"})
	frame := nextFrame(t, alice)
	require.Equal(t, EventError, frame.Event)
	require.Contains(t, string(frame.Data), "not joined")
}

func TestDomainEventEchoSuppression(t *testing.T) {
	h := newHubHarness(t, stubAccess{}, 0)
	alice := h.connect("c-alice", "alice")
	bob := h.connect("c-bob", "bob")
	h.command(t, alice, EventJoinBoard, map[string]string{"boardId": "b1"})
	h.command(t, bob, EventJoinBoard, map[string]string{"boardId": "b1"})
	drain(alice)
	drain(bob)

	event := events.Event{
		Type:    events.TypeCardUpdated,
		Payload: &events.CardUpdated{BoardID: "b1", CardID: "card-1", Changes: map[string]any{"title": "Renamed"}},
		Meta:    events.Meta{ID: "evt-1", ActorID: "alice", OriginConnectionID: "c-alice"},
	}
	h.hub.BroadcastToBoardExcept("b1", event, alice.ID())

	frame := nextFrame(t, bob)
	require.Equal(t, EventDomain, frame.Event)
	var decoded events.Event
	require.NoError(t, json.Unmarshal(frame.Data, &decoded))
	require.Equal(t, "evt-1", decoded.Meta.ID)
	requireNoFrame(t, alice)

	h.hub.SendToUser("alice", event)
	require.Equal(t, EventDomain, nextFrame(t, alice).Event)
	requireNoFrame(t, bob)
}

func TestDisconnectCleansPresenceAndNotifiesBoard(t *testing.T) {
	h := newHubHarness(t, stubAccess{}, 0)
	alice := h.connect("c-alice", "alice")
	bob := h.connect("c-bob", "bob")
	h.command(t, alice, EventJoinBoard, map[string]string{"boardId": "b1"})
	h.command(t, bob, EventJoinBoard, map[string]string{"boardId": "b1"})
	drain(alice)
	drain(bob)

	var hookRooms []string
	h.hub.OnDisconnect(func(_ context.Context, conn *Conn, rooms []string) {
		if conn.ID() == "c-alice" {
			hookRooms = rooms
		}
	})

	h.hub.disconnect(context.Background(), alice)
	h.hub.disconnect(context.Background(), alice)

	update := nextFrame(t, bob)
	require.Equal(t, EventPresenceUsers, update.Event)
	require.Equal(t, []string{"bob"}, presenceUserIDs(t, update))
	require.Equal(t, []string{BoardRoom("b1"), UserRoom("alice")}, hookRooms)
	require.Equal(t, StateDisconnected, alice.State())
	require.Equal(t, 1, h.hub.ConnectionCount())

	count, err := h.tracker.CountActiveUsers(context.Background(), "b1")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestDisconnectKeepsPresenceWhileAnotherTabIsOpen(t *testing.T) {
	h := newHubHarness(t, stubAccess{}, 0)
	first := h.connect("c-1", "alice")
	second := h.connect("c-2", "alice")
	h.command(t, first, EventJoinBoard, map[string]string{"boardId": "b1"})
	h.command(t, second, EventJoinBoard, map[string]string{"boardId": "b1"})

	h.hub.disconnect(context.Background(), first)

	count, err := h.tracker.CountActiveUsers(context.Background(), "b1")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	h.hub.disconnect(context.Background(), second)
	count, err = h.tracker.CountActiveUsers(context.Background(), "b1")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestLeaveBoardUpdatesRemainingMembers(t *testing.T) {
	h := newHubHarness(t, stubAccess{}, 0)
	alice := h.connect("c-alice", "alice")
	bob := h.connect("c-bob", "bob")
	h.command(t, alice, EventJoinBoard, map[string]string{"boardId": "b1"})
	h.command(t, bob, EventJoinBoard, map[string]string{"boardId": "b1"})
	drain(alice)
	drain(bob)

	h.command(t, alice, EventLeaveBoard, map[string]string{"boardId": "b1"})
	update := nextFrame(t, bob)
	require.Equal(t, []string{"bob"}, presenceUserIDs(t, update))
	requireNoFrame(t, alice)
	require.False(t, alice.InRoom(BoardRoom("b1")))
}

func TestSlowConnectionDropsMessages(t *testing.T) {
	h := newHubHarness(t, stubAccess{}, 0)
	slow := newConn("c-slow", Identity{UserID: "slow"}, nil, 1)
	h.hub.attach(slow)

	h.hub.BroadcastRoom(UserRoom("slow"), "ping", nil)
	h.hub.BroadcastRoom(UserRoom("slow"), "ping", nil)

	require.Equal(t, int64(1), h.hub.Dropped())
	require.Len(t, slow.send, 1)
}

func TestConnStateTransitions(t *testing.T) {
	require.NoError(t, StateConnecting.validateTransitionTo(StateAuthenticated))
	require.NoError(t, StateAuthenticated.validateTransitionTo(StateActive))
	require.NoError(t, StateActive.validateTransitionTo(StateDisconnected))
	require.Error(t, StateConnecting.validateTransitionTo(StateActive))
	require.Error(t, StateDisconnected.validateTransitionTo(StateActive))
	require.Error(t, StateDisconnected.validateTransitionTo(StateDisconnected))
}

func TestServeWSEndToEnd(t *testing.T) {
	h := newHubHarness(t, stubAccess{}, 0)
	server := httptest.NewServer(http.HandlerFunc(h.hub.ServeWS))
	t.Cleanup(server.Close)
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	_, response, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, response)
	require.Equal(t, http.StatusUnauthorized, response.StatusCode)

	client, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-User": {"alice"}})
	require.NoError(t, err)
	require.NoError(t, client.WriteJSON(map[string]any{
		"event": EventJoinBoard,
		"data":  map[string]string{"boardId": "b1"},
	}))

	var frame Frame
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, client.ReadJSON(&frame))
	require.Equal(t, EventPresenceUsers, frame.Event)
	require.NoError(t, client.ReadJSON(&frame))
	require.Equal(t, EventJoinedBoard, frame.Event)
	require.Equal(t, 1, h.hub.RoomSize(BoardRoom("b1")))

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool {
		return h.hub.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	count, err := h.tracker.CountActiveUsers(context.Background(), "b1")
	require.NoError(t, err)
	require.Zero(t, count)
}
