// Package webrtc backs the phone's capability engine with pion.
package webrtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/callcoord/callcoord/pkg/api"
	phonecfg "github.com/callcoord/callcoord/pkg/config/phone"
	"github.com/callcoord/callcoord/pkg/logger"
	"github.com/pion/interceptor"
	pion "github.com/pion/webrtc/v3"
)

// Engine produces and consumes negotiation artifacts with a real media stack.
// It satisfies the capability contract of the phone runtime.
type Engine struct {
	api  *pion.API
	conf pion.Configuration
	log  *logger.Logger

	mu         sync.Mutex
	permission api.CapabilityPermission
	sessions   map[string]*pion.PeerConnection
	onCand     func(api.CandidateNotice)
	onState    func(sessionID string, connected bool)
}

func NewEngine(conf phonecfg.Media, log *logger.Logger) (*Engine, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	i := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}
	s := pion.SettingEngine{LoggerFactory: logger.NewPionLogger(log, log.GetLevel())}

	c := pion.Configuration{ICEServers: []pion.ICEServer{}}
	for _, server := range conf.IceServers {
		c.ICEServers = append(c.ICEServers, pion.ICEServer{URLs: []string{server}})
	}

	return &Engine{
		api: pion.NewAPI(
			pion.WithMediaEngine(m),
			pion.WithInterceptorRegistry(i),
			pion.WithSettingEngine(s),
		),
		conf:       c,
		log:        log.Extend(log.With().Str("c", "rtc")),
		permission: api.CapNotRequested,
		sessions:   make(map[string]*pion.PeerConnection, 1),
	}, nil
}

func (e *Engine) Permission() api.CapabilityPermission {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.permission
}

// RequestPermission claims the media devices. There is no interactive prompt
// here: the grant stands for the engine being able to open an audio
// transceiver at all.
func (e *Engine) RequestPermission(_ context.Context) (api.CapabilityPermission, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.permission == api.CapNotRequested || e.permission == api.CapPending {
		e.permission = api.CapGranted
	}
	return e.permission, nil
}

func (e *Engine) OnCandidate(fn func(c api.CandidateNotice)) {
	e.mu.Lock()
	e.onCand = fn
	e.mu.Unlock()
}

func (e *Engine) OnStateChange(fn func(sessionID string, connected bool)) {
	e.mu.Lock()
	e.onState = fn
	e.mu.Unlock()
}

func (e *Engine) CreateOffer(_ context.Context, sessionID string, c api.MediaConstraints) (api.Description, error) {
	pc, err := e.open(sessionID, c)
	if err != nil {
		return api.Description{}, err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return api.Description{}, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return api.Description{}, err
	}
	return api.Description{Kind: "offer", SDP: offer.SDP}, nil
}

func (e *Engine) CreateAnswer(_ context.Context, sessionID string, _ api.MediaConstraints) (api.Description, error) {
	pc, ok := e.find(sessionID)
	if !ok {
		return api.Description{}, fmt.Errorf("no remote offer for session %v", sessionID)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return api.Description{}, err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return api.Description{}, err
	}
	return api.Description{Kind: "answer", SDP: answer.SDP}, nil
}

func (e *Engine) SetRemoteDescription(_ context.Context, sessionID string, d api.Description) error {
	t := pion.SDPTypeOffer
	constraints := api.MediaConstraints{Audio: true}
	if d.Kind == "answer" {
		t = pion.SDPTypeAnswer
	}
	var (
		pc  *pion.PeerConnection
		err error
	)
	if t == pion.SDPTypeAnswer {
		// an answer lands on the connection that produced the offer
		var ok bool
		if pc, ok = e.find(sessionID); !ok {
			return fmt.Errorf("no pending offer for session %v", sessionID)
		}
	} else if pc, err = e.open(sessionID, constraints); err != nil {
		return err
	}
	return pc.SetRemoteDescription(pion.SessionDescription{Type: t, SDP: d.SDP})
}

func (e *Engine) AddCandidate(sessionID string, c api.CandidateNotice) error {
	pc, ok := e.find(sessionID)
	if !ok {
		return fmt.Errorf("unknown session %v", sessionID)
	}
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	return pc.AddICECandidate(pion.ICECandidateInit{Candidate: c.Candidate, SDPMid: &mid, SDPMLineIndex: &idx})
}

func (e *Engine) CloseSession(sessionID string) {
	e.mu.Lock()
	pc := e.sessions[sessionID]
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	if pc != nil {
		if err := pc.Close(); err != nil {
			e.log.Warn().Err(err).Str("sid", sessionID).Msg("close failed")
		}
	}
}

func (e *Engine) Close() {
	e.mu.Lock()
	sessions := e.sessions
	e.sessions = make(map[string]*pion.PeerConnection)
	e.mu.Unlock()
	for id, pc := range sessions {
		if err := pc.Close(); err != nil {
			e.log.Warn().Err(err).Str("sid", id).Msg("close failed")
		}
	}
}

// open creates and registers the session's peer connection.
func (e *Engine) open(sessionID string, c api.MediaConstraints) (*pion.PeerConnection, error) {
	if pc, ok := e.find(sessionID); ok {
		return pc, nil
	}
	pc, err := e.api.NewPeerConnection(e.conf)
	if err != nil {
		return nil, err
	}
	if c.Audio {
		if _, err = pc.AddTransceiverFromKind(pion.RTPCodecTypeAudio); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}
	if c.Video {
		if _, err = pc.AddTransceiverFromKind(pion.RTPCodecTypeVideo); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(candidate *pion.ICECandidate) {
		if candidate == nil {
			return
		}
		e.mu.Lock()
		sink := e.onCand
		e.mu.Unlock()
		if sink == nil {
			return
		}
		init := candidate.ToJSON()
		n := api.CandidateNotice{SessionID: sessionID, Candidate: init.Candidate}
		if init.SDPMid != nil {
			n.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			n.SDPMLineIndex = *init.SDPMLineIndex
		}
		sink(n)
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		e.log.Debug().Str("sid", sessionID).Msgf("connection state %v", state)
		e.mu.Lock()
		sink := e.onState
		e.mu.Unlock()
		if sink == nil {
			return
		}
		switch state {
		case pion.PeerConnectionStateConnected:
			sink(sessionID, true)
		case pion.PeerConnectionStateFailed, pion.PeerConnectionStateClosed:
			sink(sessionID, false)
		}
	})

	e.mu.Lock()
	e.sessions[sessionID] = pc
	e.mu.Unlock()
	return pc, nil
}

func (e *Engine) find(sessionID string) (*pion.PeerConnection, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pc, ok := e.sessions[sessionID]
	return pc, ok
}
