package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/careline/careline/internal/presence"
	"github.com/careline/careline/internal/proto"
)

// pendingIncoming is a ring plus whatever signalling arrived for it before
// the user answered.
type pendingIncoming struct {
	offer      IncomingOffer
	sdp        *proto.SessionDescription
	candidates []webrtc.ICECandidateInit
}

// Manager owns the single call slot of this client. All transitions run
// under mu; remote events are applied in the order they are handled.
type Manager struct {
	sig   Sender
	self  IdentitySource
	media MediaSource
	peers PeerFactory

	mu       sync.Mutex
	state    State
	sess     *session
	incoming *pendingIncoming

	listeners []chan Snapshot
	closed    bool
}

func New(sig Sender, self IdentitySource, media MediaSource, peers PeerFactory) *Manager {
	return &Manager{sig: sig, self: self, media: media, peers: peers}
}

// State returns the current call state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns a copy of the call slot.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{State: m.state}
	if s := m.sess; s != nil {
		snap.PeerID = s.peerID
		snap.PeerRole = s.peerRole
		snap.Kind = s.kind
		snap.Caller = s.caller
		snap.Muted = s.muted
		snap.FrontCamera = s.frontCamera
		if s.pc != nil {
			snap.Remote = s.pc.Stats()
		}
	}
	if m.incoming != nil {
		in := m.incoming.offer
		snap.Incoming = &in
	}
	return snap
}

// Subscribe returns a channel of snapshots published after every change.
// Slow subscribers miss intermediate snapshots.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 16)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	m.listeners = append(m.listeners, ch)
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, c := range m.listeners {
			if c == ch {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (m *Manager) publishLocked() {
	snap := m.snapshotLocked()
	for _, ch := range m.listeners {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (m *Manager) identity() (presence.Identity, error) {
	me, ok := m.self.Current()
	if !ok {
		return presence.Identity{}, presence.ErrNoIdentity
	}
	return me, nil
}

// StartCall places an outgoing call. It is rejected without side effects
// unless the slot is idle with no ring pending.
func (m *Manager) StartCall(ctx context.Context, peerID string, peerRole proto.Role, kind proto.CallKind) error {
	if peerID == "" || !peerRole.Valid() || !kind.Valid() {
		return fmt.Errorf("%w: peer %q role %q kind %q", ErrInvalidState, peerID, peerRole, kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle || m.incoming != nil {
		return ErrBusy
	}
	me, err := m.identity()
	if err != nil {
		return err
	}

	media, err := m.media.Acquire(ctx, kind)
	if err != nil {
		log.Warnf("call [%s]: media acquisition failed: %v", peerID, err)
		return fmt.Errorf("%w: %v", ErrMedia, err)
	}

	s := newSession(m.sig, me, peerID, peerRole, kind, true)
	s.media = media

	if err := m.sig.Send(ctx, proto.EvCallInitiate, proto.CallInitiate{Route: s.route(), Kind: kind}); err != nil {
		s.release()
		return err
	}

	pc, err := m.peers.NewPeer(kind, media, m.hooks(s))
	if err != nil {
		s.release()
		m.emitEnd(ctx, s.route())
		return fmt.Errorf("create peer: %w", err)
	}
	s.pc = pc

	offer, err := pc.CreateOffer()
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err == nil {
		err = m.sig.Send(ctx, proto.EvCallOffer, proto.CallOffer{Route: s.route(), Offer: toWireDescription(offer)})
	}
	if err != nil {
		s.release()
		m.emitEnd(ctx, s.route())
		return fmt.Errorf("offer: %w", err)
	}

	m.sess = s
	m.state = StateCalling
	log.Infof("call [%s]: calling (%s)", peerID, kind)
	m.publishLocked()
	s.markDescribed()
	return nil
}

// Accept answers the pending ring. If the caller's offer already arrived
// it is answered immediately, otherwise the answer follows its arrival.
func (m *Manager) Accept(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.incoming == nil {
		return ErrNoPendingCall
	}
	if m.state != StateIdle {
		return ErrBusy
	}
	in := m.incoming
	m.incoming = nil

	me, err := m.identity()
	if err != nil {
		m.publishLocked()
		return err
	}

	s := newSession(m.sig, me, in.offer.PeerID, in.offer.PeerRole, in.offer.Kind, false)
	media, err := m.media.Acquire(ctx, in.offer.Kind)
	if err != nil {
		log.Warnf("call [%s]: media acquisition failed, declining: %v", s.peerID, err)
		m.emitEnd(ctx, s.route())
		m.publishLocked()
		return fmt.Errorf("%w: %v", ErrMedia, err)
	}
	s.media = media

	pc, err := m.peers.NewPeer(s.kind, media, m.hooks(s))
	if err != nil {
		s.release()
		m.emitEnd(ctx, s.route())
		m.publishLocked()
		return fmt.Errorf("create peer: %w", err)
	}
	s.pc = pc
	s.remoteQueue = in.candidates

	m.sess = s
	m.state = StateConnecting
	log.Infof("call [%s]: accepted (%s)", s.peerID, s.kind)
	m.publishLocked()

	if in.sdp != nil {
		return m.answerLocked(ctx, *in.sdp)
	}
	return nil
}

// Decline rejects the pending ring and tells the caller.
func (m *Manager) Decline(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.incoming == nil {
		return ErrNoPendingCall
	}
	in := m.incoming.offer
	m.incoming = nil
	m.declineLocked(ctx, in.PeerID, in.PeerRole)
	log.Infof("call [%s]: declined", in.PeerID)
	m.publishLocked()
	return nil
}

func (m *Manager) declineLocked(ctx context.Context, peerID string, peerRole proto.Role) {
	me, _ := m.self.Current()
	m.emitEnd(ctx, proto.Route{ToUserID: peerID, ToRole: peerRole, FromUserID: me.UserID, FromRole: me.Role})
}

// EndCall hangs up. Calling it with nothing in progress is a no-op, so it
// is safe to call more than once.
func (m *Manager) EndCall(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.incoming != nil {
		in := m.incoming.offer
		m.incoming = nil
		m.declineLocked(ctx, in.PeerID, in.PeerRole)
		if m.sess == nil {
			m.publishLocked()
		}
	}
	if m.sess == nil {
		return nil
	}
	m.teardownLocked(ctx, true, "local hangup")
	return nil
}

// teardownLocked releases the session and passes through Ended back to Idle.
func (m *Manager) teardownLocked(ctx context.Context, emit bool, reason string) {
	s := m.sess
	m.sess = nil
	s.release()
	if emit {
		m.emitEnd(ctx, s.route())
	}
	log.Infof("call [%s]: ended (%s)", s.peerID, reason)

	m.state = StateEnded
	m.publishLocked()
	m.state = StateIdle
	m.publishLocked()
}

func (m *Manager) emitEnd(ctx context.Context, route proto.Route) {
	if err := m.sig.Send(ctx, proto.EvCallEnd, proto.CallEnd{Route: route}); err != nil {
		log.Warnf("call [%s]: end not sent: %v", route.ToUserID, err)
	}
}

// ToggleMute flips the microphone. It does nothing outside an active call.
func (m *Manager) ToggleMute() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.activeLocked()
	if s == nil {
		return false, nil
	}
	muted := !s.muted
	if err := s.pc.SetAudioMuted(muted); err != nil {
		return s.muted, err
	}
	s.muted = muted
	m.publishLocked()
	return muted, nil
}

// SwitchCamera moves video capture to the other camera. It does nothing
// outside an active video call.
func (m *Manager) SwitchCamera() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.activeLocked()
	if s == nil || s.kind != proto.CallVideo {
		return nil
	}
	track, err := s.media.SwitchCamera()
	if err != nil {
		return err
	}
	if track != nil {
		if err := s.pc.ReplaceVideoTrack(track); err != nil {
			return err
		}
	}
	s.frontCamera = !s.frontCamera
	m.publishLocked()
	return nil
}

func (m *Manager) activeLocked() *session {
	if m.sess == nil || (m.state != StateConnecting && m.state != StateConnected) {
		return nil
	}
	return m.sess
}

func (m *Manager) hooks(s *session) PeerHooks {
	return PeerHooks{
		OnCandidate: s.onLocalCandidate,
		OnState: func(st webrtc.PeerConnectionState) {
			if st == webrtc.PeerConnectionStateFailed {
				go m.peerFailed(s)
			}
		},
	}
}

// peerFailed ends the call when the transport gives up.
func (m *Manager) peerFailed(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != s {
		return
	}
	m.teardownLocked(ctx, true, "connection failed")
}

// Handle applies one relay event to the call slot. Non-call events are
// ignored.
func (m *Manager) Handle(ctx context.Context, ev proto.Event) {
	switch e := ev.(type) {
	case proto.IncomingCall:
		m.onIncoming(ctx, e)
	case proto.CallOffer:
		m.onOffer(ctx, e)
	case proto.CallAnswer:
		m.onAnswer(ctx, e)
	case proto.CallCandidate:
		m.onCandidate(e)
	case proto.CallEnd:
		m.onRemoteEnd(e)
	}
}

// Run handles events until ctx is done or events is closed.
func (m *Manager) Run(ctx context.Context, events <-chan proto.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.Handle(ctx, ev)
		}
	}
}

// onIncoming records a ring while the slot is idle. Any other ring, whether
// during a call or while a different caller is still ringing, is declined
// with call:end. A repeated ring from the caller already ringing is ignored:
// declining it would hang up that caller's own pending call.
func (m *Manager) onIncoming(ctx context.Context, e proto.IncomingCall) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.incoming != nil && m.incoming.offer.PeerID == e.FromUserID {
		log.Debugf("call [%s]: duplicate ring ignored", e.FromUserID)
		return
	}
	if m.state != StateIdle || m.incoming != nil {
		log.Infof("call [%s]: busy, declining incoming %s call", e.FromUserID, e.Kind)
		m.declineLocked(ctx, e.FromUserID, e.FromRole)
		return
	}
	m.incoming = &pendingIncoming{offer: IncomingOffer{
		PeerID:     e.FromUserID,
		PeerRole:   e.FromRole,
		Kind:       e.Kind,
		ReceivedAt: time.Now(),
	}}
	log.Infof("call [%s]: incoming %s call", e.FromUserID, e.Kind)
	m.publishLocked()
}

// fromPeer reports whether a routed event came from peerID. An event with
// no sender id is attributed to the current peer.
func fromPeer(r proto.Route, peerID string) bool {
	return r.FromUserID == "" || r.FromUserID == peerID
}

func (m *Manager) onOffer(ctx context.Context, e proto.CallOffer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.state == StateIdle && m.incoming != nil:
		if !fromPeer(e.Route, m.incoming.offer.PeerID) {
			log.Warnf("call: offer from %q does not match ringing peer %q, dropped", e.FromUserID, m.incoming.offer.PeerID)
			return
		}
		if m.incoming.sdp != nil {
			log.Warnf("call [%s]: duplicate offer dropped", m.incoming.offer.PeerID)
			return
		}
		offer := e.Offer
		m.incoming.sdp = &offer
	case m.state == StateConnecting:
		if !fromPeer(e.Route, m.sess.peerID) {
			log.Warnf("call: offer from %q does not match peer %q, dropped", e.FromUserID, m.sess.peerID)
			return
		}
		if m.sess.remoteSet {
			log.Warnf("call [%s]: duplicate offer dropped", m.sess.peerID)
			return
		}
		peerID := m.sess.peerID
		if err := m.answerLocked(ctx, e.Offer); err != nil {
			log.Errorf("call [%s]: %v", peerID, err)
		}
	case m.state == StateConnected:
		log.Warnf("call [%s]: offer while connected dropped, renegotiation is not supported", e.FromUserID)
	case m.state == StateCalling:
		log.Warnf("call [%s]: offer while calling dropped", e.FromUserID)
	default:
		log.Warnf("call [%s]: offer without a call dropped", e.FromUserID)
	}
}

// answerLocked applies the caller's offer and replies with an answer. A
// failure here tears the call down since the session cannot proceed.
func (m *Manager) answerLocked(ctx context.Context, sdp proto.SessionDescription) error {
	s := m.sess
	err := s.pc.SetRemoteDescription(toWebRTCDescription(sdp, webrtc.SDPTypeOffer))
	if err != nil {
		m.teardownLocked(ctx, true, "bad offer")
		return fmt.Errorf("apply offer: %w", err)
	}
	s.remoteSet = true
	m.flushRemoteLocked(s)

	answer, err := s.pc.CreateAnswer()
	if err == nil {
		err = s.pc.SetLocalDescription(answer)
	}
	if err == nil {
		err = m.sig.Send(ctx, proto.EvCallAnswer, proto.CallAnswer{Route: s.route(), Answer: toWireDescription(answer)})
	}
	if err != nil {
		m.teardownLocked(ctx, true, "answer failed")
		return fmt.Errorf("answer: %w", err)
	}

	m.state = StateConnected
	log.Infof("call [%s]: connected", s.peerID)
	m.publishLocked()
	s.markDescribed()
	return nil
}

func (m *Manager) onAnswer(ctx context.Context, e proto.CallAnswer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateCalling || m.sess == nil {
		log.Warnf("call [%s]: answer in state %s dropped", e.FromUserID, m.state)
		return
	}
	s := m.sess
	if !fromPeer(e.Route, s.peerID) {
		log.Warnf("call: answer from %q does not match peer %q, dropped", e.FromUserID, s.peerID)
		return
	}
	if err := s.pc.SetRemoteDescription(toWebRTCDescription(e.Answer, webrtc.SDPTypeAnswer)); err != nil {
		log.Errorf("call [%s]: apply answer: %v", s.peerID, err)
		m.teardownLocked(ctx, true, "bad answer")
		return
	}
	s.remoteSet = true
	m.flushRemoteLocked(s)

	m.state = StateConnected
	log.Infof("call [%s]: connected", s.peerID)
	m.publishLocked()
}

func (m *Manager) flushRemoteLocked(s *session) {
	queued := s.remoteQueue
	s.remoteQueue = nil
	for _, c := range queued {
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Warnf("call [%s]: queued candidate rejected: %v", s.peerID, err)
		}
	}
}

// onCandidate adds a remote candidate to the call in progress in any state.
// Candidates that arrive before the remote description wait in a queue.
func (m *Manager) onCandidate(e proto.CallCandidate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := toWebRTCCandidate(e.Candidate)
	switch {
	case m.sess != nil:
		s := m.sess
		if !fromPeer(e.Route, s.peerID) {
			log.Warnf("call: candidate from %q does not match peer %q, dropped", e.FromUserID, s.peerID)
			return
		}
		if !s.remoteSet {
			s.remoteQueue = append(s.remoteQueue, c)
			return
		}
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Warnf("call [%s]: candidate rejected: %v", s.peerID, err)
		}
	case m.incoming != nil:
		if !fromPeer(e.Route, m.incoming.offer.PeerID) {
			log.Warnf("call: candidate from %q does not match ringing peer %q, dropped", e.FromUserID, m.incoming.offer.PeerID)
			return
		}
		m.incoming.candidates = append(m.incoming.candidates, c)
	default:
		log.Debugf("call [%s]: candidate without a call dropped", e.FromUserID)
	}
}

// onRemoteEnd tears down without echoing call:end back.
func (m *Manager) onRemoteEnd(e proto.CallEnd) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.incoming != nil && fromPeer(e.Route, m.incoming.offer.PeerID) {
		log.Infof("call [%s]: caller hung up before answer", m.incoming.offer.PeerID)
		m.incoming = nil
		m.publishLocked()
		return
	}
	if m.sess == nil {
		log.Debugf("call [%s]: end without a call ignored", e.FromUserID)
		return
	}
	if !fromPeer(e.Route, m.sess.peerID) {
		log.Warnf("call: end from %q does not match peer %q, dropped", e.FromUserID, m.sess.peerID)
		return
	}
	m.teardownLocked(context.Background(), false, "remote hangup")
}

// Close hangs up any call and closes subscriber channels.
func (m *Manager) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	if err := m.EndCall(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warnf("call: hangup on close: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, ch := range m.listeners {
		close(ch)
	}
	m.listeners = nil
}
