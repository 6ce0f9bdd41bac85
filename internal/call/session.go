package call

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/careline/careline/internal/presence"
	"github.com/careline/careline/internal/proto"
)

const signalTimeout = 10 * time.Second

// session is the one active call. Fields above cmu are owned by the
// Manager and guarded by Manager.mu.
type session struct {
	self     presence.Identity
	peerID   string
	peerRole proto.Role
	kind     proto.CallKind
	caller   bool

	media LocalMedia
	pc    Peer

	// remoteSet is true once the remote description is applied; candidates
	// received before that wait in remoteQueue.
	remoteSet   bool
	remoteQueue []webrtc.ICECandidateInit

	muted       bool
	frontCamera bool

	sig Sender

	// cmu guards the local candidate outbox. Local candidates are held
	// until our own description has been sent so the peer never sees a
	// candidate before the offer or answer it belongs to.
	cmu       sync.Mutex
	described bool
	closed    bool
	outbox    []webrtc.ICECandidateInit

	releaseOnce sync.Once
}

func newSession(sig Sender, self presence.Identity, peerID string, peerRole proto.Role, kind proto.CallKind, caller bool) *session {
	return &session{
		sig:         sig,
		self:        self,
		peerID:      peerID,
		peerRole:    peerRole,
		kind:        kind,
		caller:      caller,
		frontCamera: true,
	}
}

func (s *session) route() proto.Route {
	return proto.Route{
		ToUserID:   s.peerID,
		ToRole:     s.peerRole,
		FromUserID: s.self.UserID,
		FromRole:   s.self.Role,
	}
}

// onLocalCandidate is the peer's OnCandidate hook.
func (s *session) onLocalCandidate(c webrtc.ICECandidateInit) {
	s.cmu.Lock()
	if s.closed {
		s.cmu.Unlock()
		return
	}
	if !s.described {
		s.outbox = append(s.outbox, c)
		s.cmu.Unlock()
		return
	}
	s.cmu.Unlock()
	s.sendCandidate(c)
}

// markDescribed releases candidates held back until our description went out.
func (s *session) markDescribed() {
	s.cmu.Lock()
	s.described = true
	queued := s.outbox
	s.outbox = nil
	s.cmu.Unlock()

	for _, c := range queued {
		s.sendCandidate(c)
	}
}

func (s *session) sendCandidate(c webrtc.ICECandidateInit) {
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	err := s.sig.Send(ctx, proto.EvCallICE, proto.CallCandidate{Route: s.route(), Candidate: toWireCandidate(c)})
	if err != nil {
		log.Warnf("call [%s]: candidate not sent: %v", s.peerID, err)
	}
}

// release closes the peer connection and local media. Only the first call
// has any effect.
func (s *session) release() {
	s.releaseOnce.Do(func() {
		s.cmu.Lock()
		s.closed = true
		s.outbox = nil
		s.cmu.Unlock()

		if s.pc != nil {
			if err := s.pc.Close(); err != nil {
				log.Warnf("call [%s]: close peer: %v", s.peerID, err)
			}
		}
		if s.media != nil {
			s.media.Close()
		}
		log.Infof("call [%s]: resources released", s.peerID)
	})
}

func toWebRTCDescription(d proto.SessionDescription, fallback webrtc.SDPType) webrtc.SessionDescription {
	t := webrtc.NewSDPType(d.Type)
	if t == webrtc.SDPTypeUnknown {
		t = fallback
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}
}

func toWireDescription(d webrtc.SessionDescription) proto.SessionDescription {
	return proto.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func toWebRTCCandidate(c proto.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex}
}

func toWireCandidate(c webrtc.ICECandidateInit) proto.Candidate {
	return proto.Candidate{Candidate: c.Candidate, SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex}
}
