package call

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/careline/careline/internal/proto"
)

// keyframeInterval is how often a PLI is sent for each remote video track.
const keyframeInterval = 3 * time.Second

// CodecRegistrar fills a MediaEngine with the codecs local capture produces.
type CodecRegistrar interface {
	RegisterCodecs(me *webrtc.MediaEngine) error
}

// PeerConfig configures peer connections built by PionFactory.
type PeerConfig struct {
	ICEServers          []webrtc.ICEServer
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
}

// PionFactory builds pion peer connections. One API is built per call so
// the codec set follows the capture pipeline of that call.
type PionFactory struct {
	cfg    PeerConfig
	codecs CodecRegistrar
}

func NewPionFactory(cfg PeerConfig, codecs CodecRegistrar) *PionFactory {
	if cfg.DisconnectedTimeout <= 0 {
		cfg.DisconnectedTimeout = 30 * time.Second
	}
	if cfg.FailedTimeout <= 0 {
		cfg.FailedTimeout = 120 * time.Second
	}
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	return &PionFactory{cfg: cfg, codecs: codecs}
}

func (f *PionFactory) NewPeer(kind proto.CallKind, media LocalMedia, hooks PeerHooks) (Peer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := f.codecs.RegisterCodecs(mediaEngine); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(f.cfg.DisconnectedTimeout, f.cfg.FailedTimeout, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: f.cfg.ICEServers})
	if err != nil {
		return nil, err
	}

	p := &pionPeer{pc: pc, done: make(chan struct{})}
	for _, track := range media.Tracks() {
		sender, err := pc.AddTrack(track)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		go drainRTCP(sender)
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			p.audioSender, p.audioTrack = sender, track
		case webrtc.RTPCodecTypeVideo:
			p.videoSender = sender
		}
	}
	addRecvOnlyTransceivers(string(kind), pc, kind, p.audioSender != nil, p.videoSender != nil)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || hooks.OnCandidate == nil {
			return
		}
		hooks.OnCandidate(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debugf("call: peer connection %s", s)
		if hooks.OnState != nil {
			hooks.OnState(s)
		}
	})
	pc.OnTrack(p.onTrack)
	return p, nil
}

// drainRTCP reads incoming RTCP for a sender so interceptors such as NACK
// keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

type remoteTrack struct {
	kind    string
	ssrc    uint32
	packets atomic.Uint64
	bytes   atomic.Uint64
	lastSeq atomic.Uint32
}

func (t *remoteTrack) record(pkt *rtp.Packet) {
	t.packets.Add(1)
	t.bytes.Add(uint64(len(pkt.Payload)))
	t.lastSeq.Store(uint32(pkt.SequenceNumber))
}

type pionPeer struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	audioSender *webrtc.RTPSender
	audioTrack  webrtc.TrackLocal
	videoSender *webrtc.RTPSender
	remote      []*remoteTrack

	done      chan struct{}
	closeOnce sync.Once
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(d webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(d)
}

func (p *pionPeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(d)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

// SetAudioMuted detaches the microphone track from its sender while muted.
func (p *pionPeer) SetAudioMuted(muted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.audioSender == nil {
		return nil
	}
	if muted {
		return p.audioSender.ReplaceTrack(nil)
	}
	return p.audioSender.ReplaceTrack(p.audioTrack)
}

func (p *pionPeer) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.videoSender == nil {
		return nil
	}
	return p.videoSender.ReplaceTrack(track)
}

func (p *pionPeer) Stats() []TrackStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TrackStats, 0, len(p.remote))
	for _, t := range p.remote {
		out = append(out, TrackStats{
			Kind:         t.kind,
			SSRC:         t.ssrc,
			Packets:      t.packets.Load(),
			Bytes:        t.bytes.Load(),
			LastSequence: uint16(t.lastSeq.Load()),
		})
	}
	return out
}

func (p *pionPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.pc.Close()
	})
	return err
}

func (p *pionPeer) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	rt := &remoteTrack{kind: track.Kind().String(), ssrc: uint32(track.SSRC())}
	p.mu.Lock()
	p.remote = append(p.remote, rt)
	p.mu.Unlock()

	log.Infof("call: remote %s track ssrc=%d codec=%s", rt.kind, rt.ssrc, track.Codec().MimeType)

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go p.requestKeyframes(rt.ssrc)
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		rt.record(pkt)
	}
}

// requestKeyframes sends a PLI for ssrc periodically so a decoder that
// joined late or lost packets recovers quickly.
func (p *pionPeer) requestKeyframes(ssrc uint32) {
	t := time.NewTicker(keyframeInterval)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-t.C:
			if err := p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
				return
			}
		}
	}
}
