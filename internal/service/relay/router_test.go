package relay

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/birddrop/backend/internal/model/signal"
)

var pingFrame = []byte(`{"type":"ping"}`)

func countType(msgs []signal.Outbound, typ string) int {
	n := 0
	for _, m := range msgs {
		if m.Type == typ {
			n++
		}
	}
	return n
}

func TestPingAnsweredWithPong(t *testing.T) {
	svc, _ := newTestService(t, DefaultLimits())
	conns := connect(svc, "a")

	svc.Handle("a", pingFrame)
	require.Equal(t, []signal.Outbound{{Type: signal.TypePong}}, conns[0].messages())
}

func TestRateLimitCutsConnectionOff(t *testing.T) {
	svc, clock := newTestService(t, DefaultLimits())
	conns := connect(svc, "a")
	a := conns[0]

	for i := 0; i < 51; i++ {
		svc.Handle("a", pingFrame)
	}

	msgs := a.messages()
	require.Equal(t, 50, countType(msgs, signal.TypePong))
	require.Equal(t, signal.Outbound{Type: signal.TypeError, Message: msgRateLimited}, a.last())
	require.True(t, a.isClosed())

	// Nothing further is processed, even in a fresh window.
	clock.Advance(5 * time.Second)
	svc.Handle("a", pingFrame)
	require.Len(t, a.messages(), 51)
}

func TestRateWindowResets(t *testing.T) {
	svc, clock := newTestService(t, DefaultLimits())
	conns := connect(svc, "a")

	for i := 0; i < 50; i++ {
		svc.Handle("a", pingFrame)
	}
	clock.Advance(1001 * time.Millisecond)
	for i := 0; i < 50; i++ {
		svc.Handle("a", pingFrame)
	}

	require.Equal(t, 100, countType(conns[0].messages(), signal.TypePong))
	require.False(t, conns[0].isClosed())
}

func TestRateLimitCountsDroppedFrames(t *testing.T) {
	svc, _ := newTestService(t, DefaultLimits())
	conns := connect(svc, "a")

	for i := 0; i < 50; i++ {
		svc.Handle("a", []byte("not json"))
	}
	svc.Handle("a", pingFrame)

	require.Equal(t, []signal.Outbound{{Type: signal.TypeError, Message: msgRateLimited}}, conns[0].messages())
}

func TestMalformedFramesDropped(t *testing.T) {
	svc, _ := newTestService(t, DefaultLimits())
	conns := connect(svc, "a")

	for _, raw := range []string{
		"not json",
		`[]`,
		`{"sessionId":"s"}`,
		`{"type":""}`,
		`{"type":42}`,
		`{"type":"teleport"}`,
	} {
		svc.Handle("a", []byte(raw))
	}

	require.Empty(t, conns[0].messages())
	require.False(t, conns[0].isClosed())

	svc.Handle("a", pingFrame)
	require.Equal(t, signal.TypePong, conns[0].last().Type)
}

func TestOversizedFrameDropped(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxMessageBytes = 64
	svc, _ := newTestService(t, limits)
	conns := connect(svc, "a")

	big := `{"type":"join","sessionId":"` + strings.Repeat("x", 64) + `"}`
	svc.Handle("a", []byte(big))

	require.Empty(t, conns[0].messages())
	require.False(t, conns[0].isClosed())
	require.Equal(t, 0, svc.Stats().Sessions)
}

func TestFramesFromUnknownConnectionIgnored(t *testing.T) {
	svc, _ := newTestService(t, DefaultLimits())

	svc.Handle("ghost", []byte(`{"type":"join","sessionId":"s"}`))
	require.Equal(t, 0, svc.Stats().Sessions)
}
