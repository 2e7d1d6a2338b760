package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"dmsync/internal/domain/conversation"
	"dmsync/internal/domain/message"
	"dmsync/internal/events"
	dmsync_errors "dmsync/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	base   = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	convAB = uuid.New()
	convAC = uuid.New()
)

func msg(id int64, from, to, text string, offset time.Duration) message.Message {
	conv := convAB
	if from == "carol" || to == "carol" {
		conv = convAC
	}
	return message.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       from,
		ReceiverID:     to,
		Content:        text,
		Timestamp:      base.Add(offset),
	}
}

type harness struct {
	r       *Reconciler
	clock   *fakeClock
	emitter *recordingEmitter
	history *stubHistory
	refs    int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:   newFakeClock(),
		emitter: &recordingEmitter{},
		history: &stubHistory{conversations: map[string][]message.Message{}},
	}
	h.r = New("alice", h.emitter, h.history, Options{
		Clock: h.clock,
		NewRef: func() string {
			h.refs++
			return fmt.Sprintf("ref-%d", h.refs)
		},
	})
	return h
}

func contents(msgs []message.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestApply_OutOfOrderIsSortedCanonically(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.r.SelectPeer(context.Background(), "bob"))

	h.r.Apply(msg(3, "bob", "alice", "third", 3*time.Second))
	h.r.Apply(msg(1, "alice", "bob", "first", 1*time.Second))
	h.r.Apply(msg(2, "bob", "alice", "second", 2*time.Second))
	// Same timestamp as id 2 but a lower id sorts first.
	h.r.Apply(msg(0, "bob", "alice", "tie", 2*time.Second))

	snap := h.r.Snapshot()
	assert.Equal(t, []string{"first", "tie", "second", "third"}, contents(snap.Timeline))
}

func TestApply_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	m := msg(1, "bob", "alice", "hi", 0)

	assert.True(t, h.r.Apply(m))
	before := h.r.Snapshot()
	assert.False(t, h.r.Apply(m))
	after := h.r.Snapshot()

	assert.Equal(t, before.Version, after.Version)
	p, ok := after.Peer("bob")
	require.True(t, ok)
	assert.Equal(t, 1, p.Unread)
}

func TestApply_IgnoresForeignMessages(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.r.Apply(msg(1, "bob", "carol", "not for alice", 0)))
	assert.Empty(t, h.r.Snapshot().Peers)
}

func TestUnreadCountsOnlyReceivedMessagesForClosedPeers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.r.SelectPeer(ctx, "bob"))

	h.r.Apply(msg(1, "bob", "alice", "open conversation", 0))
	h.r.Apply(msg(2, "carol", "alice", "one", time.Second))
	h.r.Apply(msg(3, "carol", "alice", "two", 2*time.Second))
	h.r.Apply(msg(4, "alice", "carol", "mine", 3*time.Second))

	snap := h.r.Snapshot()
	bob, _ := snap.Peer("bob")
	carol, _ := snap.Peer("carol")
	assert.Zero(t, bob.Unread)
	assert.Equal(t, 2, carol.Unread)

	require.NoError(t, h.r.SelectPeer(ctx, "carol"))
	carol, _ = h.r.Snapshot().Peer("carol")
	assert.Zero(t, carol.Unread)
}

func TestRankFollowsLatestLiveMessage(t *testing.T) {
	h := newHarness(t)
	h.r.Apply(msg(1, "bob", "alice", "b", 0))
	h.r.Apply(msg(2, "carol", "alice", "c", time.Second))
	assert.Equal(t, 0, h.r.Snapshot().Rank("carol"))
	assert.Equal(t, 1, h.r.Snapshot().Rank("bob"))

	h.r.Apply(msg(3, "alice", "bob", "back to bob", 2*time.Second))
	assert.Equal(t, 0, h.r.Snapshot().Rank("bob"))
	assert.Equal(t, 1, h.r.Snapshot().Rank("carol"))

	// A duplicate does not move anything.
	h.r.Apply(msg(2, "carol", "alice", "c", time.Second))
	assert.Equal(t, 0, h.r.Snapshot().Rank("bob"))
}

func TestBackfillLeavesRanksAndUnreadAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.history.conversations[conversation.PairKey("alice", "carol")] = []message.Message{
		msg(10, "carol", "alice", "old one", -time.Hour),
		msg(11, "carol", "alice", "old two", -time.Minute),
	}
	h.r.Apply(msg(1, "bob", "alice", "new", 0))
	h.r.Apply(msg(2, "carol", "alice", "newer", time.Second))
	h.r.Apply(msg(3, "bob", "alice", "newest", 2*time.Second))

	require.NoError(t, h.r.SelectPeer(ctx, "carol"))
	snap := h.r.Snapshot()
	assert.Equal(t, []string{"old one", "old two", "newer"}, contents(snap.Timeline))
	assert.Equal(t, 0, snap.Rank("bob"))
	assert.Equal(t, 1, snap.Rank("carol"))
	carol, _ := snap.Peer("carol")
	assert.Zero(t, carol.Unread)
	assert.Equal(t, 1, h.history.calls)

	require.NoError(t, h.r.SelectPeer(ctx, "bob"))
	require.NoError(t, h.r.SelectPeer(ctx, "carol"))
	assert.Equal(t, 2, h.history.calls, "carol is loaded, only bob is fetched")
}

func TestBackfillFailureIsReported(t *testing.T) {
	h := newHarness(t)
	h.history.err = errors.New("boom")

	err := h.r.SelectPeer(context.Background(), "bob")
	require.Error(t, err)
	snap := h.r.Snapshot()
	assert.Equal(t, "bob", snap.OpenPeer)
	assert.Contains(t, snap.LastError, "boom")
}

func TestSelectPeer_Validation(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.r.SelectPeer(context.Background(), ""), dmsync_errors.ErrValidation)
	assert.ErrorIs(t, h.r.SelectPeer(context.Background(), "alice"), dmsync_errors.ErrValidation)
}

func TestTyping_BurstEmitsOneTypingAndOneStop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.r.SelectPeer(context.Background(), "bob"))

	for i := 1; i <= 5; i++ {
		require.NoError(t, h.r.Keystroke(strings.Repeat("x", i)))
		h.clock.Advance(300 * time.Millisecond)
	}
	assert.Equal(t, 1, h.emitter.count(events.FrameTyping))
	assert.Zero(t, h.emitter.count(events.FrameStopTyping))
	assert.Equal(t, Typing, h.r.Snapshot().LocalTyping)

	h.clock.Advance(1700 * time.Millisecond)
	assert.Equal(t, 1, h.emitter.count(events.FrameStopTyping))
	assert.Equal(t, events.StopTypingFrame{ToID: "bob", FromID: "alice"}, h.emitter.last())
	assert.Equal(t, Idle, h.r.Snapshot().LocalTyping)

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, 1, h.emitter.count(events.FrameStopTyping))
}

func TestTyping_ClearingInputStopsImmediately(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.r.SelectPeer(context.Background(), "bob"))

	require.NoError(t, h.r.Keystroke("he"))
	require.NoError(t, h.r.Keystroke(""))
	assert.Equal(t, 1, h.emitter.count(events.FrameStopTyping))

	h.clock.Advance(5 * time.Second)
	assert.Equal(t, 1, h.emitter.count(events.FrameStopTyping), "timer from the cleared burst must not fire")
}

func TestTyping_SendEndsIndicator(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.r.SelectPeer(context.Background(), "bob"))
	require.NoError(t, h.r.Keystroke("hello"))

	_, err := h.r.Send("hello")
	require.NoError(t, err)
	assert.Equal(t, 1, h.emitter.count(events.FrameStopTyping))
	assert.Equal(t, events.FrameSendMessage, h.emitter.last().Type())
}

func TestTyping_SwitchingPeerStopsIndicator(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.r.SelectPeer(ctx, "bob"))
	require.NoError(t, h.r.Keystroke("hello"))
	require.NoError(t, h.r.SelectPeer(ctx, "carol"))

	assert.Equal(t, events.StopTypingFrame{ToID: "bob", FromID: "alice"}, h.emitter.last())
}

func TestKeystrokeWithoutOpenPeer(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.r.Keystroke("x"), dmsync_errors.ErrNotInitialized)
	_, err := h.r.Send("x")
	assert.ErrorIs(t, err, dmsync_errors.ErrNotInitialized)
}

func TestRemoteTypingIndicator(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.r.SelectPeer(context.Background(), "bob"))

	h.r.HandleFrame(events.TypingSignal{FromID: "bob"})
	bob, _ := h.r.Snapshot().Peer("bob")
	assert.True(t, bob.Typing)

	h.r.HandleFrame(events.PeerOffline{FromID: "bob"})
	bob, _ = h.r.Snapshot().Peer("bob")
	assert.False(t, bob.Typing)

	h.r.HandleFrame(events.TypingSignal{FromID: "bob"})
	h.r.HandleFrame(events.StopTypingSignal{FromID: "bob"})
	bob, _ = h.r.Snapshot().Peer("bob")
	assert.False(t, bob.Typing)

	h.r.HandleFrame(events.TypingSignal{FromID: "carol"})
	_, listed := h.r.Snapshot().Peer("carol")
	assert.False(t, listed)
}

func TestSend_ConfirmedByClientRef(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.r.SelectPeer(context.Background(), "bob"))

	ref, err := h.r.Send("hello")
	require.NoError(t, err)
	require.Len(t, h.r.Snapshot().Pending, 1)

	h.r.HandleFrame(events.ReceiveMessage{Message: msg(1, "alice", "bob", "hello", 0), ClientRef: ref})
	snap := h.r.Snapshot()
	assert.Empty(t, snap.Pending)
	assert.Equal(t, []string{"hello"}, contents(snap.Timeline))
}

func TestSend_InFlightConfirmedByContentFromBackfill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.r.SelectPeer(ctx, "bob"))
	_, err := h.r.Send("hello")
	require.NoError(t, err)

	h.history.conversations[conversation.PairKey("alice", "bob")] = []message.Message{msg(1, "alice", "bob", "hello", 0)}
	require.NoError(t, h.r.Resync(ctx))
	snap := h.r.Snapshot()
	assert.Empty(t, snap.Pending)
	assert.Equal(t, []string{"hello"}, contents(snap.Timeline))
}

func TestBackfill_FailedSendIsFlaggedNotDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.r.SelectPeer(ctx, "bob"))
	ref, err := h.r.Send("hello")
	require.NoError(t, err)

	h.r.MarkStale()
	require.True(t, h.r.Snapshot().Pending[0].Failed)

	h.history.conversations[conversation.PairKey("alice", "bob")] = []message.Message{msg(1, "alice", "bob", "hello", 0)}
	require.NoError(t, h.r.Resync(ctx))

	snap := h.r.Snapshot()
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, ref, snap.Pending[0].ClientRef)
	assert.True(t, snap.Pending[0].Failed)
	assert.True(t, snap.Pending[0].MaybeDelivered)
	assert.Equal(t, []string{"hello"}, contents(snap.Timeline))

	_, err = h.r.Resend(ref)
	require.NoError(t, err)
	snap = h.r.Snapshot()
	require.Len(t, snap.Pending, 1)
	assert.False(t, snap.Pending[0].Failed)
	assert.Equal(t, 2, h.emitter.count(events.FrameSendMessage))
}

// A send that never reached the server must survive a reconnect even when
// the same text was sent to the same peer from another device meanwhile.
func TestBackfill_SameTextFromOtherDeviceKeepsFailedSend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.r.SelectPeer(ctx, "bob"))
	ref, err := h.r.Send("ok")
	require.NoError(t, err)
	h.r.MarkStale()

	h.history.conversations[conversation.PairKey("alice", "bob")] = []message.Message{msg(7, "alice", "bob", "ok", time.Second)}
	require.NoError(t, h.r.Resync(ctx))

	snap := h.r.Snapshot()
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, ref, snap.Pending[0].ClientRef)
	assert.Equal(t, "ok", snap.Pending[0].Content)
	assert.True(t, snap.Pending[0].Failed)
	require.Len(t, snap.Timeline, 1)
	assert.Equal(t, int64(7), snap.Timeline[0].ID)

	_, err = h.r.Resend(ref)
	assert.NoError(t, err)
}

func TestNew_ClampsMaxContentLength(t *testing.T) {
	r := New("alice", &recordingEmitter{}, nil, Options{MaxContentLength: 2000})
	require.NoError(t, r.SelectPeer(context.Background(), "bob"))

	_, err := r.Send(strings.Repeat("a", message.MaxContentLength+1))
	assert.ErrorIs(t, err, dmsync_errors.ErrValidation)
	assert.Empty(t, r.Snapshot().Pending)

	_, err = r.Send(strings.Repeat("a", message.MaxContentLength))
	assert.NoError(t, err)
}

func TestSend_ErrorFrameMarksFailedAndResend(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.r.SelectPeer(context.Background(), "bob"))
	ref, err := h.r.Send("hello")
	require.NoError(t, err)

	h.r.HandleFrame(events.ErrorFrame{Code: events.CodePersistence, Message: "failed to save message", ClientRef: ref})
	snap := h.r.Snapshot()
	require.Len(t, snap.Pending, 1)
	assert.True(t, snap.Pending[0].Failed)
	assert.Contains(t, snap.LastError, events.CodePersistence)

	newRef, err := h.r.Resend(ref)
	require.NoError(t, err)
	assert.NotEqual(t, ref, newRef)
	snap = h.r.Snapshot()
	require.Len(t, snap.Pending, 1)
	assert.False(t, snap.Pending[0].Failed)
	assert.Equal(t, events.SendMessageFrame{SenderID: "alice", ReceiverID: "bob", Text: "hello", ClientRef: newRef}, h.emitter.last())

	_, err = h.r.Resend("unknown")
	assert.ErrorIs(t, err, dmsync_errors.ErrNotFound)
}

func TestSend_ValidationKeepsNothing(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.r.SelectPeer(context.Background(), "bob"))

	_, err := h.r.Send(strings.Repeat("a", 1001))
	assert.ErrorIs(t, err, dmsync_errors.ErrValidation)
	_, err = h.r.Send("   ")
	assert.ErrorIs(t, err, dmsync_errors.ErrValidation)

	assert.Empty(t, h.r.Snapshot().Pending)
	assert.Zero(t, h.emitter.count(events.FrameSendMessage))
}

func TestSend_TransportDown(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.r.SelectPeer(context.Background(), "bob"))
	h.emitter.err = ErrNotConnected

	ref, err := h.r.Send("hello")
	assert.ErrorIs(t, err, ErrNotConnected)
	snap := h.r.Snapshot()
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, ref, snap.Pending[0].ClientRef)
	assert.True(t, snap.Pending[0].Failed)

	assert.True(t, h.r.Discard(ref))
	assert.Empty(t, h.r.Snapshot().Pending)
}

func TestLoadPeers(t *testing.T) {
	h := newHarness(t)
	h.history.peers = []conversation.Peer{
		{PeerID: "carol", LastActivity: base.Add(time.Hour)},
		{PeerID: "bob", LastActivity: base},
		{PeerID: "alice"},
	}
	require.NoError(t, h.r.LoadPeers(context.Background()))
	snap := h.r.Snapshot()
	require.Len(t, snap.Peers, 2)
	assert.Equal(t, 0, snap.Rank("carol"))
	assert.Equal(t, 1, snap.Rank("bob"))
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t)
	var got []Snapshot
	unsubscribe := h.r.Subscribe(func(s Snapshot) { got = append(got, s) })
	require.Len(t, got, 1)

	h.r.Apply(msg(1, "bob", "alice", "hi", 0))
	require.Len(t, got, 2)
	assert.Greater(t, got[1].Version, got[0].Version)

	unsubscribe()
	h.r.Apply(msg(2, "bob", "alice", "again", time.Second))
	assert.Len(t, got, 2)
}
