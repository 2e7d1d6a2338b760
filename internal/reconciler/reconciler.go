// Package reconciler keeps one client session's view of its direct
// conversations: per-peer timelines in canonical order, a most-recent-first
// peer list, unread counters, pending sends and both sides of the typing
// indicator. All mutations go through one mutex; observers are notified
// with immutable snapshots after it is released.
package reconciler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"dmsync/internal/domain/conversation"
	"dmsync/internal/domain/message"
	"dmsync/internal/events"
	dmsync_errors "dmsync/pkg/errors"

	"github.com/google/uuid"
)

// DefaultTypingTimeout is how long after the last keystroke the local side
// announces stop_typing.
const DefaultTypingTimeout = 2 * time.Second

// Emitter sends client frames to the relay. It is called with the
// reconciler lock held, so it must not block on the network or call back
// into the reconciler.
type Emitter interface {
	Emit(frame events.ClientFrame) error
}

// History loads persisted state through the read API.
type History interface {
	Conversation(ctx context.Context, userA, userB string) ([]message.Message, error)
	Peers(ctx context.Context) ([]conversation.Peer, error)
}

type Options struct {
	Clock            Clock
	TypingTimeout    time.Duration
	MaxContentLength int
	// NewRef generates client_ref values for sends.
	NewRef func() string
}

type Reconciler struct {
	mu        sync.Mutex
	self      string
	emitter   Emitter
	history   History
	clock     Clock
	timeout   time.Duration
	maxLength int
	newRef    func() string

	order []string
	peers map[string]*peerState
	open  string

	typing      TypingState
	typingTo    string
	typingTimer Timer
	typingGen   uint64

	pending   []Pending
	lastError string

	version   uint64
	observers map[uint64]func(Snapshot)
	nextObs   uint64
}

// New builds a reconciler for the local user self. history may be nil, in
// which case no backfill happens.
func New(self string, emitter Emitter, history History, opts Options) *Reconciler {
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = DefaultTypingTimeout
	}
	if opts.MaxContentLength <= 0 || opts.MaxContentLength > message.MaxContentLength {
		opts.MaxContentLength = message.MaxContentLength
	}
	if opts.NewRef == nil {
		opts.NewRef = uuid.NewString
	}
	return &Reconciler{
		self:      self,
		emitter:   emitter,
		history:   history,
		clock:     opts.Clock,
		timeout:   opts.TypingTimeout,
		maxLength: opts.MaxContentLength,
		newRef:    opts.NewRef,
		peers:     make(map[string]*peerState),
		observers: make(map[uint64]func(Snapshot)),
	}
}

func (r *Reconciler) Self() string {
	return r.self
}

// Subscribe registers fn for every future snapshot and immediately calls
// it with the current one. The returned func unsubscribes.
func (r *Reconciler) Subscribe(fn func(Snapshot)) func() {
	r.mu.Lock()
	id := r.nextObs
	r.nextObs++
	r.observers[id] = fn
	snap := r.snapshotLocked()
	r.mu.Unlock()

	fn(snap)
	return func() {
		r.mu.Lock()
		delete(r.observers, id)
		r.mu.Unlock()
	}
}

func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Keystroke reports the current input text for the open conversation.
// Only the Idle to Typing edge is announced; later keystrokes just push
// the inactivity deadline back.
func (r *Reconciler) Keystroke(text string) error {
	r.mu.Lock()
	if r.open == "" {
		r.mu.Unlock()
		return fmt.Errorf("%w: no open conversation", dmsync_errors.ErrNotInitialized)
	}

	if strings.TrimSpace(text) == "" {
		if r.typing == Idle {
			r.mu.Unlock()
			return nil
		}
		err := r.stopTypingLocked()
		r.commit()
		return err
	}

	if r.typing == Typing {
		r.armTypingTimerLocked()
		r.mu.Unlock()
		return nil
	}

	err := r.emitter.Emit(events.TypingFrame{ToID: r.open, FromID: r.self})
	if err == nil {
		r.typing = Typing
		r.typingTo = r.open
		r.armTypingTimerLocked()
	}
	r.commit()
	return err
}

func (r *Reconciler) armTypingTimerLocked() {
	if r.typingTimer != nil {
		r.typingTimer.Stop()
	}
	r.typingGen++
	gen := r.typingGen
	r.typingTimer = r.clock.AfterFunc(r.timeout, func() {
		r.onTypingTimeout(gen)
	})
}

func (r *Reconciler) onTypingTimeout(gen uint64) {
	r.mu.Lock()
	if gen != r.typingGen || r.typing != Typing {
		r.mu.Unlock()
		return
	}
	_ = r.stopTypingLocked()
	r.commit()
}

func (r *Reconciler) stopTypingLocked() error {
	to := r.typingTo
	r.resetTypingLocked()
	return r.emitter.Emit(events.StopTypingFrame{ToID: to, FromID: r.self})
}

// resetTypingLocked returns to Idle without announcing anything.
func (r *Reconciler) resetTypingLocked() {
	if r.typingTimer != nil {
		r.typingTimer.Stop()
		r.typingTimer = nil
	}
	r.typingGen++
	r.typing = Idle
	r.typingTo = ""
}

// Apply folds a persisted message into state. It reports whether anything
// changed; a message seen before is a no-op.
func (r *Reconciler) Apply(m message.Message) bool {
	r.mu.Lock()
	if !r.applyLocked(m, "") {
		r.mu.Unlock()
		return false
	}
	r.commit()
	return true
}

func (r *Reconciler) applyLocked(m message.Message, clientRef string) bool {
	if !m.Involves(r.self) || m.SenderID == m.ReceiverID {
		return false
	}
	peer := m.OtherParty(r.self)
	st := r.stateLocked(peer)

	var inserted bool
	st.timeline, inserted = message.InsertCanonical(st.timeline, m)

	confirmed := false
	if m.SenderID == r.self && (inserted || clientRef != "") {
		confirmed = r.confirmPendingLocked(peer, m.Content, clientRef)
	}
	if !inserted {
		return confirmed
	}

	r.promoteLocked(peer)
	if m.SenderID == peer && peer != r.open {
		st.unread++
	}
	return true
}

// confirmPendingLocked drops the pending entry a persisted message answers.
// A client_ref from another tab of the same user matches nothing here;
// without one the oldest in-flight entry with the same content is taken.
// Failed entries are only ever confirmed by their own client_ref.
func (r *Reconciler) confirmPendingLocked(peer, content, clientRef string) bool {
	idx := -1
	if clientRef != "" {
		for i, p := range r.pending {
			if p.ClientRef == clientRef {
				idx = i
				break
			}
		}
	} else {
		for i, p := range r.pending {
			if p.PeerID == peer && p.Content == content && !p.Failed {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return false
	}
	r.pending = append(r.pending[:idx], r.pending[idx+1:]...)
	return true
}

// flagMaybeDeliveredLocked marks the oldest unflagged failed entry with
// the same content. The message may equally have come from another device
// of the same user, so the entry is kept.
func (r *Reconciler) flagMaybeDeliveredLocked(peer, content string) {
	for i := range r.pending {
		p := &r.pending[i]
		if p.Failed && !p.MaybeDelivered && p.PeerID == peer && p.Content == content {
			p.MaybeDelivered = true
			return
		}
	}
}

func (r *Reconciler) stateLocked(peer string) *peerState {
	st, ok := r.peers[peer]
	if !ok {
		st = &peerState{}
		r.peers[peer] = st
	}
	return st
}

// ensureListedLocked adds peer at the bottom of the list if it is new.
func (r *Reconciler) ensureListedLocked(peer string) *peerState {
	for _, p := range r.order {
		if p == peer {
			return r.stateLocked(peer)
		}
	}
	r.order = append(r.order, peer)
	return r.stateLocked(peer)
}

// promoteLocked moves peer to rank 0 keeping the others' relative order.
func (r *Reconciler) promoteLocked(peer string) {
	idx := -1
	for i, p := range r.order {
		if p == peer {
			idx = i
			break
		}
	}
	if idx == 0 {
		return
	}
	if idx > 0 {
		copy(r.order[1:idx+1], r.order[:idx])
		r.order[0] = peer
		return
	}
	r.order = append([]string{peer}, r.order...)
}

// HandleFrame folds a frame received from the relay into state.
func (r *Reconciler) HandleFrame(frame events.ServerFrame) {
	switch f := frame.(type) {
	case events.ReceiveMessage:
		r.mu.Lock()
		if !r.applyLocked(f.Message, f.ClientRef) {
			r.mu.Unlock()
			return
		}
		r.commit()
	case events.TypingSignal:
		r.setRemoteTyping(f.FromID, true)
	case events.StopTypingSignal:
		r.setRemoteTyping(f.FromID, false)
	case events.PeerOffline:
		r.setRemoteTyping(f.FromID, false)
	case events.ErrorFrame:
		r.Fail(f.ClientRef, fmt.Sprintf("%s: %s", f.Code, f.Message))
	}
}

// Remote typing is only tracked for the open peer; signals for others are
// dropped because they are cleared on selection anyway.
func (r *Reconciler) setRemoteTyping(peer string, on bool) {
	r.mu.Lock()
	if peer == "" || peer != r.open {
		r.mu.Unlock()
		return
	}
	st := r.stateLocked(peer)
	if st.remoteTyping == on {
		r.mu.Unlock()
		return
	}
	st.remoteTyping = on
	r.commit()
}

// SelectPeer opens the conversation with peer, resets its unread counter
// and loads its history when it was never loaded or was marked stale.
func (r *Reconciler) SelectPeer(ctx context.Context, peer string) error {
	if peer == "" || peer == r.self {
		return fmt.Errorf("%w: cannot open a conversation with %q", dmsync_errors.ErrValidation, peer)
	}

	r.mu.Lock()
	var emitErr error
	if r.typing == Typing {
		emitErr = r.stopTypingLocked()
	}
	if prev, ok := r.peers[r.open]; ok {
		prev.remoteTyping = false
	}
	r.open = peer
	st := r.ensureListedLocked(peer)
	st.unread = 0
	st.remoteTyping = false
	fetch := r.history != nil && (!st.loaded || st.stale)
	r.commit()

	if fetch {
		if err := r.backfill(ctx, peer); err != nil {
			return err
		}
	}
	return emitErr
}

// Resync reloads the open conversation, typically after a reconnect.
func (r *Reconciler) Resync(ctx context.Context) error {
	r.mu.Lock()
	peer := r.open
	r.mu.Unlock()
	if peer == "" || r.history == nil {
		return nil
	}
	return r.backfill(ctx, peer)
}

// backfill merges history into peer's timeline. Ranks and unread counters
// are left alone: only live messages move those.
func (r *Reconciler) backfill(ctx context.Context, peer string) error {
	msgs, err := r.history.Conversation(ctx, r.self, peer)
	if err != nil {
		r.mu.Lock()
		r.lastError = fmt.Sprintf("failed to load conversation with %s: %v", peer, err)
		r.commit()
		return fmt.Errorf("backfill %s: %w", peer, err)
	}

	r.mu.Lock()
	st := r.stateLocked(peer)
	for _, m := range msgs {
		if !m.Involves(r.self) || m.OtherParty(r.self) != peer {
			continue
		}
		var inserted bool
		st.timeline, inserted = message.InsertCanonical(st.timeline, m)
		if inserted && m.SenderID == r.self && !r.confirmPendingLocked(peer, m.Content, "") {
			r.flagMaybeDeliveredLocked(peer, m.Content)
		}
	}
	st.loaded = true
	st.stale = false
	r.commit()
	return nil
}

// LoadPeers seeds the peer list from the server, most recent first. Peers
// already listed keep their rank.
func (r *Reconciler) LoadPeers(ctx context.Context) error {
	if r.history == nil {
		return nil
	}
	peers, err := r.history.Peers(ctx)
	if err != nil {
		return fmt.Errorf("load peers: %w", err)
	}
	r.mu.Lock()
	for _, p := range peers {
		if p.PeerID == "" || p.PeerID == r.self {
			continue
		}
		r.ensureListedLocked(p.PeerID)
	}
	r.commit()
	return nil
}

// Send validates text, ends the typing indicator and hands a send_message
// frame to the emitter. The returned client_ref identifies the pending
// entry. On a validation error nothing is recorded and the caller keeps
// the text.
func (r *Reconciler) Send(text string) (string, error) {
	r.mu.Lock()
	if r.open == "" {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: no open conversation", dmsync_errors.ErrNotInitialized)
	}
	if problem := message.ContentProblem(text, r.maxLength); problem != "" {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", dmsync_errors.ErrValidation, problem)
	}
	ref, err := r.sendLocked(r.open, text)
	r.commit()
	return ref, err
}

// Resend retries a failed pending entry. The relay does not deduplicate,
// so a resend of a message that did persist shows up twice.
func (r *Reconciler) Resend(clientRef string) (string, error) {
	r.mu.Lock()
	idx := -1
	for i, p := range r.pending {
		if p.ClientRef == clientRef && p.Failed {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: no failed send %q", dmsync_errors.ErrNotFound, clientRef)
	}
	p := r.pending[idx]
	r.pending = append(r.pending[:idx], r.pending[idx+1:]...)
	ref, err := r.sendLocked(p.PeerID, p.Content)
	r.commit()
	return ref, err
}

func (r *Reconciler) sendLocked(peer, text string) (string, error) {
	if r.typing == Typing {
		_ = r.stopTypingLocked()
	}
	p := Pending{
		ClientRef: r.newRef(),
		PeerID:    peer,
		Content:   text,
		CreatedAt: r.clock.Now(),
	}
	err := r.emitter.Emit(events.SendMessageFrame{
		SenderID:   r.self,
		ReceiverID: peer,
		Text:       text,
		ClientRef:  p.ClientRef,
	})
	if err != nil {
		p.Failed = true
		p.Error = err.Error()
		r.lastError = p.Error
	}
	r.pending = append(r.pending, p)
	return p.ClientRef, err
}

// Fail marks the pending entry for clientRef failed. Errors without a
// client_ref are only recorded as the last error.
func (r *Reconciler) Fail(clientRef, reason string) {
	r.mu.Lock()
	r.lastError = reason
	if clientRef != "" {
		for i := range r.pending {
			if r.pending[i].ClientRef == clientRef {
				r.pending[i].Failed = true
				r.pending[i].Error = reason
				break
			}
		}
	}
	r.commit()
}

// Discard drops a pending entry without sending it.
func (r *Reconciler) Discard(clientRef string) bool {
	r.mu.Lock()
	for i, p := range r.pending {
		if p.ClientRef == clientRef {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			r.commit()
			return true
		}
	}
	r.mu.Unlock()
	return false
}

// MarkStale is called when the connection drops. Every timeline is
// refetched on its next selection, remote indicators are cleared and
// in-flight sends are marked failed so they can be resent.
func (r *Reconciler) MarkStale() {
	r.mu.Lock()
	for _, st := range r.peers {
		st.stale = true
		st.remoteTyping = false
	}
	r.resetTypingLocked()
	for i := range r.pending {
		if !r.pending[i].Failed {
			r.pending[i].Failed = true
			r.pending[i].Error = "connection lost"
		}
	}
	r.commit()
}

// commit publishes a snapshot and releases the lock. Callers hold r.mu.
func (r *Reconciler) commit() {
	r.version++
	snap := r.snapshotLocked()
	observers := make([]func(Snapshot), 0, len(r.observers))
	for _, fn := range r.observers {
		observers = append(observers, fn)
	}
	r.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
}

func (r *Reconciler) snapshotLocked() Snapshot {
	snap := Snapshot{
		Version:     r.version,
		Self:        r.self,
		OpenPeer:    r.open,
		Peers:       make([]PeerSummary, 0, len(r.order)),
		Pending:     append([]Pending(nil), r.pending...),
		LocalTyping: r.typing,
		LastError:   r.lastError,
	}
	for _, peer := range r.order {
		st := r.peers[peer]
		summary := PeerSummary{PeerID: peer, Unread: st.unread, Typing: st.remoteTyping}
		if n := len(st.timeline); n > 0 {
			last := st.timeline[n-1]
			summary.LastMessage = &last
		}
		snap.Peers = append(snap.Peers, summary)
	}
	if st, ok := r.peers[r.open]; ok {
		snap.Timeline = append([]message.Message{}, st.timeline...)
	} else {
		snap.Timeline = []message.Message{}
	}
	return snap
}
