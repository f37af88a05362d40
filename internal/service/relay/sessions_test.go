package relay

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/birddrop/backend/internal/model/signal"
)

func join(t *testing.T, svc *Service, connID, sessionID string) {
	t.Helper()
	svc.Handle(connID, frame(t, map[string]any{"type": "join", "sessionId": sessionID}))
}

func TestJoinAssignsRolesBySeatOrder(t *testing.T) {
	svc, _ := newTestService(t, DefaultLimits())
	conns := connect(svc, "x", "y")
	x, y := conns[0], conns[1]

	join(t, svc, "x", "session-abc")
	require.Equal(t, signal.Outbound{Type: signal.TypeWaiting, Message: msgWaiting}, x.last())

	join(t, svc, "y", "session-abc")
	assert.Equal(t, signal.TypeReady, x.last().Type)
	assert.Equal(t, signal.RoleOfferer, x.last().Role)
	assert.Equal(t, signal.TypeReady, y.last().Type)
	assert.Equal(t, signal.RoleAnswerer, y.last().Role)
	assert.Len(t, y.messages(), 1, "second seat gets ready without waiting")

	sess, ok := svc.Session("session-abc")
	require.True(t, ok)
	require.Equal(t, []string{"x", "y"}, sess.Members)
}

func TestJoinThirdConnectionRejected(t *testing.T) {
	svc, _ := newTestService(t, DefaultLimits())
	conns := connect(svc, "a", "b", "c")

	join(t, svc, "a", "room")
	join(t, svc, "b", "room")
	join(t, svc, "c", "room")

	c := conns[2]
	require.Equal(t, signal.Outbound{Type: signal.TypeError, Message: msgRoomFull}, c.last())
	require.Equal(t, 100*time.Millisecond, c.closeAfter)
	require.False(t, c.isClosed(), "room full closes after a delay, not synchronously")

	sess, ok := svc.Session("room")
	require.True(t, ok)
	require.Len(t, sess.Members, 2)
	_, seated := svc.SessionOf("c")
	require.False(t, seated)
}

func TestDuplicateJoinResendsReady(t *testing.T) {
	svc, _ := newTestService(t, DefaultLimits())
	conns := connect(svc, "a", "b")
	a, b := conns[0], conns[1]

	join(t, svc, "a", "room")
	join(t, svc, "b", "room")
	a.reset()
	b.reset()

	// The second member re-announces; roles still follow seat order.
	join(t, svc, "b", "room")

	require.Equal(t, []signal.Outbound{{Type: signal.TypeReady, Message: msgReady, Role: signal.RoleOfferer}}, a.messages())
	require.Equal(t, []signal.Outbound{{Type: signal.TypeReady, Message: msgReady, Role: signal.RoleAnswerer}}, b.messages())

	sess, _ := svc.Session("room")
	require.Equal(t, []string{"a", "b"}, sess.Members)
	require.Equal(t, 1, svc.Stats().Sessions)
}

func TestDuplicateJoinWhileWaitingIsSilent(t *testing.T) {
	svc, _ := newTestService(t, DefaultLimits())
	conns := connect(svc, "a")

	join(t, svc, "a", "room")
	join(t, svc, "a", "room")

	require.Len(t, conns[0].messages(), 1)
	sess, _ := svc.Session("room")
	require.Equal(t, []string{"a"}, sess.Members)
}

func TestJoinWhileSeatedElsewhereIgnored(t *testing.T) {
	svc, _ := newTestService(t, DefaultLimits())
	conns := connect(svc, "a")

	join(t, svc, "a", "room-1")
	join(t, svc, "a", "room-2")

	require.Len(t, conns[0].messages(), 1)
	_, ok := svc.Session("room-2")
	require.False(t, ok)
	sid, _ := svc.SessionOf("a")
	require.Equal(t, "room-1", sid)
}

func TestJoinInvalidSessionIDDropped(t *testing.T) {
	svc, _ := newTestService(t, DefaultLimits())
	conns := connect(svc, "a")

	join(t, svc, "a", "")
	join(t, svc, "a", strings.Repeat("s", 101))
	svc.Handle("a", frame(t, map[string]any{"type": "join", "sessionId": 42}))

	require.Empty(t, conns[0].messages())
	require.Equal(t, 0, svc.Stats().Sessions)

	join(t, svc, "a", strings.Repeat("s", 100))
	require.Equal(t, 1, svc.Stats().Sessions)
}

func TestJoinRejectsNewSessionAtCapacity(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxSessions = 1
	svc, _ := newTestService(t, limits)
	conns := connect(svc, "a", "b", "c")

	join(t, svc, "a", "first")
	join(t, svc, "b", "second")

	require.Equal(t, signal.Outbound{Type: signal.TypeError, Message: msgAtCapacity}, conns[1].last())
	require.True(t, conns[1].isClosed())
	require.Equal(t, 1, svc.Stats().Sessions)

	// Existing sessions can still fill up.
	join(t, svc, "c", "first")
	require.Equal(t, signal.TypeReady, conns[2].last().Type)
}

func TestLeaveDestroysSessionAndClosesSurvivor(t *testing.T) {
	svc, _ := newTestService(t, DefaultLimits())
	conns := connect(svc, "a", "b")
	b := conns[1]

	join(t, svc, "a", "room")
	join(t, svc, "b", "room")

	svc.Deregister("a")

	require.Equal(t, signal.Outbound{Type: signal.TypeSessionDestroyed, Message: msgSessionDestroyed}, b.last())
	require.True(t, b.isClosed())
	_, ok := svc.Session("room")
	require.False(t, ok)
	_, seated := svc.SessionOf("b")
	require.False(t, seated)

	// Deregistering again is harmless.
	svc.Deregister("a")
	svc.Deregister("b")
	require.Equal(t, 0, svc.Stats().Connections)
}

func TestSessionIDReusableAfterDestroy(t *testing.T) {
	svc, clock := newTestService(t, DefaultLimits())
	conns := connect(svc, "a", "b", "c")

	join(t, svc, "a", "room")
	first, _ := svc.Session("room")
	svc.Deregister("a")
	_, ok := svc.Session("room")
	require.False(t, ok)

	clock.Advance(time.Minute)
	join(t, svc, "b", "room")
	join(t, svc, "c", "room")

	second, ok := svc.Session("room")
	require.True(t, ok)
	require.Equal(t, []string{"b", "c"}, second.Members)
	require.True(t, second.CreatedAt.After(first.CreatedAt))
	require.Equal(t, signal.RoleOfferer, conns[1].last().Role)
}

func TestSignalRelayedToPeerOnlyInOrder(t *testing.T) {
	svc, _ := newTestService(t, DefaultLimits())
	conns := connect(svc, "a", "b")
	a, b := conns[0], conns[1]

	join(t, svc, "a", "room")
	join(t, svc, "b", "room")
	a.reset()
	b.reset()

	svc.Handle("a", []byte(`{"type":"signal","payload":{"type":"offer","sdp":"v=0 one"}}`))
	svc.Handle("a", []byte(`{"type":"signal","payload":{"candidate":{"candidate":"two"}}}`))

	got := b.messages()
	require.Len(t, got, 2)
	require.Equal(t, signal.TypeSignal, got[0].Type)
	require.JSONEq(t, `{"type":"offer","sdp":"v=0 one"}`, string(got[0].Payload))
	require.JSONEq(t, `{"candidate":{"candidate":"two"}}`, string(got[1].Payload))
	require.Empty(t, a.messages())
}

func TestSignalRejected(t *testing.T) {
	svc, _ := newTestService(t, DefaultLimits())
	conns := connect(svc, "a", "b", "lonely", "stranger")

	// Unseated sender.
	svc.Handle("stranger", []byte(`{"type":"signal","payload":{"x":1}}`))

	// Session with a single member.
	join(t, svc, "lonely", "solo")
	conns[2].reset()
	svc.Handle("lonely", []byte(`{"type":"signal","payload":{"x":1}}`))

	// Missing or null payload.
	join(t, svc, "a", "room")
	join(t, svc, "b", "room")
	conns[1].reset()
	svc.Handle("a", []byte(`{"type":"signal"}`))
	svc.Handle("a", []byte(`{"type":"signal","payload":null}`))

	for _, c := range conns {
		for _, msg := range c.messages() {
			require.NotEqual(t, signal.TypeSignal, msg.Type, "conn %s", c.id)
		}
	}
}

func TestSendFailureDoesNotBlockSibling(t *testing.T) {
	svc, _ := newTestService(t, DefaultLimits())
	conns := connect(svc, "a", "b")
	a, b := conns[0], conns[1]

	join(t, svc, "a", "room")
	a.failSend = true
	join(t, svc, "b", "room")

	require.Equal(t, signal.RoleAnswerer, b.last().Role)
}

func TestSweepSessionsExpiresOldSessions(t *testing.T) {
	svc, clock := newTestService(t, DefaultLimits())
	conns := connect(svc, "a", "b", "c")

	join(t, svc, "a", "old")
	join(t, svc, "b", "old")
	clock.Advance(20 * time.Minute)
	join(t, svc, "c", "young")

	clock.Advance(11 * time.Minute)
	svc.SweepSessions()

	for _, c := range conns[:2] {
		require.Equal(t, signal.Outbound{Type: signal.TypeSessionTimeout, Message: msgSessionExpired}, c.last())
		require.True(t, c.isClosed())
		_, seated := svc.SessionOf(c.id)
		require.False(t, seated)
	}
	_, ok := svc.Session("old")
	require.False(t, ok)
	_, ok = svc.Session("young")
	require.True(t, ok)
	require.False(t, conns[2].isClosed())
}
