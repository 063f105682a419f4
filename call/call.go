// Package call holds the authoritative state of the one two-party call a
// connection may have at a time.
package call

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lithammer/shortuuid/v4"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"telecore/broker"
	"telecore/database"
	"telecore/loop"
	"telecore/media"
	"telecore/media/stream"
	"telecore/metric"
	"telecore/signal"
	"telecore/types/client/request"
	"telecore/types/client/response"
	"telecore/types/message"
)

var (
	// ErrSessionActive is returned when starting a call while a session exists.
	ErrSessionActive = errors.New("call session active")

	// ErrNoSession is returned when acting on a call that does not exist.
	ErrNoSession = errors.New("no call session")

	// ErrInvalidTransition is returned for actions the current state does not
	// allow.
	ErrInvalidTransition = errors.New("invalid call transition")

	// ErrNoCounterpart is returned when no callee is given.
	ErrNoCounterpart = errors.New("no counterpart")

	// ErrInvalidKind is returned for kinds other than video and voice.
	ErrInvalidKind = errors.New("invalid call kind")
)

// Candidates that arrive before the call request they belong to are held
// per sender, up to these bounds.
const (
	maxEarlyCandidates = 32
	maxEarlySenders    = 8
	earlyCandidateTTL  = 10 * time.Second
)

// Negotiator drives the media of one session. *media.Coordinator implements
// it.
type Negotiator interface {
	AcquireLocalMedia(kind media.Kind, done func(error))
	CreateOffer(done func(webrtc.SessionDescription, error))
	CreateAnswer(done func(webrtc.SessionDescription, error))
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddRemoteCandidate(candidate webrtc.ICECandidateInit) error
	MarkSignaled()
	Teardown()
}

// NegotiatorFactory creates the Negotiator of a new session.
type NegotiatorFactory interface {
	New(callID string, handler media.Handler) (Negotiator, error)
}

// NegotiatorFunc adapts a function to a NegotiatorFactory.
type NegotiatorFunc func(callID string, handler media.Handler) (Negotiator, error)

// New calls f.
func (f NegotiatorFunc) New(callID string, handler media.Handler) (Negotiator, error) {
	return f(callID, handler)
}

// Transport is the part of the signaling transport the machine needs.
type Transport interface {
	Send(event string, payload any) error
	Connection() signal.Connection
}

// Machine is the call session state machine. Its methods run on the event
// loop.
type Machine struct {
	config      Config
	transport   Transport
	negotiators NegotiatorFactory
	database    database.Database
	broker      *broker.Broker
	loop        loop.Poster
	clock       clock.Clock
	metrics     *metric.Metrics
	logger      *logrus.Entry

	gen        uint64
	session    *Session
	negotiator Negotiator
	offer      webrtc.SessionDescription
	// signaled is set once our offer or answer went out
	signaled bool
	// early holds candidates received while idle, by sender
	early map[string][]earlyCandidate

	timeout *clock.Timer
	grace   *clock.Timer
	ticker  *clock.Timer
	linger  *clock.Timer
}

// New creates a Machine and subscribes it to b.
func New(
	config Config,
	transport Transport,
	negotiators NegotiatorFactory,
	db database.Database,
	b *broker.Broker,
	poster loop.Poster,
	clk clock.Clock,
	metrics *metric.Metrics,
	logger *logrus.Entry,
) *Machine {
	m := &Machine{
		config:      config,
		transport:   transport,
		negotiators: negotiators,
		database:    db,
		broker:      b,
		loop:        poster,
		clock:       clk,
		metrics:     metrics,
		logger:      logger.WithField("component", "call"),
	}

	for _, kind := range []media.Kind{media.Video, media.Voice} {
		b.Subscribe(broker.Topic(request.CallEvent(string(kind), request.CallRequest)),
			broker.Handle(m.logger, func(p response.Call) { m.handleRequest(kind, p) }))
		b.Subscribe(broker.Topic(request.CallEvent(string(kind), request.CallAnswer)),
			broker.Handle(m.logger, m.handleAnswer))
		b.Subscribe(broker.Topic(request.CallEvent(string(kind), request.CallReject)),
			broker.Handle(m.logger, m.handleReject))
		b.Subscribe(broker.Topic(request.CallEvent(string(kind), request.CallEnd)),
			broker.Handle(m.logger, m.handleEnd))
	}
	b.Subscribe(response.ICE, broker.Handle(m.logger, m.handleCandidate))
	b.Subscribe(broker.Disconnected, broker.Handle(m.logger, m.handleDisconnected))
	return m
}

// Session returns a copy of the current session.
func (m *Machine) Session() (Session, bool) {
	if m.session == nil {
		return Session{State: Idle}, false
	}
	return *m.session, true
}

// Start places a call to to. The session starts in Calling.
func (m *Machine) Start(to string, kind media.Kind) (Session, error) {
	if m.session != nil {
		return Session{}, fmt.Errorf("start call to %s: %w", to, ErrSessionActive)
	}
	if to == "" {
		return Session{}, ErrNoCounterpart
	}
	if !kind.Valid() {
		return Session{}, fmt.Errorf("%q: %w", kind, ErrInvalidKind)
	}
	conn := m.transport.Connection()
	if !conn.Connected {
		return Session{}, fmt.Errorf("start call: %w", signal.ErrNotConnected)
	}

	s := m.open(shortuuid.New(), to, kind, Outbound, Calling)
	s.CallerInfo = request.CallerInfo{
		UserID:      conn.Identity,
		DisplayName: conn.DisplayName,
		UserType:    conn.UserType,
	}
	if !m.attach() {
		return *s, nil
	}

	gen := s.Generation
	m.timeout = m.after(m.config.AnswerTimeout, gen, func() {
		if m.session.State == Calling {
			m.sendEnd()
			m.end(NoAnswer)
		}
	})

	m.negotiator.AcquireLocalMedia(kind, func(err error) {
		if !m.current(gen) {
			return
		}
		if err != nil {
			m.logger.Warnf("call %s: %v", s.ID, err)
			m.end(MediaDenied)
			return
		}
		m.negotiator.CreateOffer(func(offer webrtc.SessionDescription, err error) {
			if !m.current(gen) {
				return
			}
			if err != nil {
				m.logger.Warnf("call %s: %v", s.ID, err)
				m.end(NegotiationFailed)
				return
			}
			err = m.transport.Send(m.event(request.CallRequest), request.Call{
				To:         s.CounterpartID,
				Offer:      offer,
				CallerInfo: s.CallerInfo,
				CallID:     s.ID,
			})
			if err != nil {
				m.logger.Warnf("call %s: send request: %v", s.ID, err)
				m.end(ConnectionLost)
				return
			}
			m.signaled = true
			m.negotiator.MarkSignaled()
		})
	})
	return *s, nil
}

// Answer accepts the ringing call. The session moves to Connected at once;
// media and the answer follow asynchronously.
func (m *Machine) Answer() (Session, error) {
	if m.session == nil {
		return Session{}, ErrNoSession
	}
	s := m.session
	if s.State != Ringing {
		return *s, fmt.Errorf("answer while %s: %w", s.State, ErrInvalidTransition)
	}

	if err := m.negotiator.SetRemoteDescription(m.offer); err != nil {
		m.logger.Warnf("call %s: %v", s.ID, err)
		m.sendReject(NegotiationFailed)
		m.end(NegotiationFailed)
		return *m.session, nil
	}
	m.connect()

	gen := s.Generation
	m.negotiator.AcquireLocalMedia(s.Kind, func(err error) {
		if !m.current(gen) {
			return
		}
		if err != nil {
			m.logger.Warnf("call %s: %v", s.ID, err)
			m.sendReject(MediaDenied)
			m.end(MediaDenied)
			return
		}
		m.negotiator.CreateAnswer(func(answer webrtc.SessionDescription, err error) {
			if !m.current(gen) {
				return
			}
			if err != nil {
				m.logger.Warnf("call %s: %v", s.ID, err)
				m.sendReject(NegotiationFailed)
				m.end(NegotiationFailed)
				return
			}
			err = m.transport.Send(m.event(request.CallAnswer), request.Answer{
				To:     s.CounterpartID,
				Answer: answer,
				CallID: s.ID,
			})
			if err != nil {
				m.logger.Warnf("call %s: send answer: %v", s.ID, err)
				m.end(ConnectionLost)
				return
			}
			m.signaled = true
			m.negotiator.MarkSignaled()
		})
	})
	return *s, nil
}

// Reject declines the ringing call.
func (m *Machine) Reject() (Session, error) {
	if m.session == nil {
		return Session{}, ErrNoSession
	}
	if m.session.State != Ringing {
		return *m.session, fmt.Errorf("reject while %s: %w", m.session.State, ErrInvalidTransition)
	}
	m.sendReject(Rejected)
	m.end(Rejected)
	return *m.session, nil
}

// Hangup cancels an outgoing call, declines a ringing one or ends a connected
// one. It does nothing to an ended session.
func (m *Machine) Hangup() (Session, error) {
	if m.session == nil {
		return Session{}, ErrNoSession
	}
	switch m.session.State {
	case Calling:
		m.sendEnd()
		m.end(Canceled)
	case Ringing:
		return m.Reject()
	case Connected:
		m.sendEnd()
		m.end(Hangup)
	}
	return *m.session, nil
}

// Reset clears an ended session so that a new one may start.
func (m *Machine) Reset() error {
	if m.session == nil {
		return nil
	}
	if m.session.Live() {
		return fmt.Errorf("reset while %s: %w", m.session.State, ErrInvalidTransition)
	}
	m.stop(&m.linger)
	id := m.session.ID
	m.session = nil
	m.negotiator = nil
	m.offer = webrtc.SessionDescription{}
	m.signaled = false
	m.broker.Publish(broker.CallChanged, message.CallChanged{CallID: id, State: string(Idle)})
	return nil
}

func (m *Machine) handleRequest(kind media.Kind, p response.Call) {
	if p.From == "" {
		m.logger.Warn("drop call request without caller")
		return
	}
	if m.session != nil {
		if p.CallID != "" && p.CallID == m.session.ID {
			return
		}
		m.logger.Infof("reject call from %s: busy with %s", p.From, m.session.ID)
		m.send(request.CallEvent(string(kind), request.CallReject), request.Reject{
			To:     p.From,
			Reason: string(Busy),
			CallID: p.CallID,
		})
		return
	}

	id := p.CallID
	if id == "" {
		id = shortuuid.New()
	}
	early := m.takeEarly(p.From, p.CallID)
	s := m.open(id, p.From, kind, Inbound, Ringing)
	s.CallerInfo = p.CallerInfo
	m.offer = p.Offer
	if !m.attach() {
		m.sendReject(NegotiationFailed)
		return
	}
	for _, candidate := range early {
		if err := m.negotiator.AddRemoteCandidate(candidate); err != nil {
			m.logger.Warnf("call %s: %v", id, err)
		}
	}

	m.timeout = m.after(m.config.RingTimeout, s.Generation, func() {
		if m.session.State == Ringing {
			m.sendReject(Timeout)
			m.end(Timeout)
		}
	})
}

func (m *Machine) handleAnswer(p response.Answer) {
	s := m.match(p.From, p.CallID)
	if s == nil || s.State != Calling {
		m.logger.Debugf("ignore answer from %s", p.From)
		return
	}
	if err := m.negotiator.SetRemoteDescription(p.Answer); err != nil {
		m.logger.Warnf("call %s: %v", s.ID, err)
		m.sendEnd()
		m.end(NegotiationFailed)
		return
	}
	m.connect()
}

func (m *Machine) handleReject(p response.Reject) {
	s := m.match(p.From, p.CallID)
	if s == nil || s.State != Calling {
		m.logger.Debugf("ignore reject from %s", p.From)
		return
	}
	m.end(rejectReason(p.Reason))
}

func (m *Machine) handleEnd(p response.End) {
	s := m.match(p.From, p.CallID)
	if s == nil || !s.Live() {
		return
	}
	if s.State == Ringing {
		m.end(Canceled)
		return
	}
	m.end(RemoteHangup)
}

func (m *Machine) handleCandidate(p response.Candidate) {
	if m.session == nil {
		m.holdEarly(p)
		return
	}
	s := m.match(p.From, p.CallID)
	if s == nil || !s.Live() || m.negotiator == nil {
		m.logger.Debugf("ignore candidate from %s", p.From)
		return
	}
	if err := m.negotiator.AddRemoteCandidate(p.Candidate); err != nil {
		m.logger.Warnf("call %s: %v", s.ID, err)
	}
}

type earlyCandidate struct {
	candidate webrtc.ICECandidateInit
	callID    string
	at        time.Time
}

// holdEarly keeps a candidate that may precede its call request.
func (m *Machine) holdEarly(p response.Candidate) {
	if p.From == "" {
		return
	}
	held, ok := m.early[p.From]
	if !ok && len(m.early) >= maxEarlySenders {
		m.logger.Debugf("drop early candidate from %s", p.From)
		return
	}
	if len(held) >= maxEarlyCandidates {
		m.logger.Debugf("drop early candidate from %s: %d held", p.From, len(held))
		return
	}
	if m.early == nil {
		m.early = make(map[string][]earlyCandidate)
	}
	m.early[p.From] = append(held, earlyCandidate{candidate: p.Candidate, callID: p.CallID, at: m.clock.Now()})
}

// takeEarly returns the fresh candidates from from that fit callID, in
// arrival order, and forgets all held candidates.
func (m *Machine) takeEarly(from, callID string) []webrtc.ICECandidateInit {
	held := m.early[from]
	m.early = nil

	now := m.clock.Now()
	var out []webrtc.ICECandidateInit
	for _, e := range held {
		if now.Sub(e.at) > earlyCandidateTTL {
			continue
		}
		if callID != "" && e.callID != "" && e.callID != callID {
			continue
		}
		out = append(out, e.candidate)
	}
	return out
}

func (m *Machine) handleDisconnected(message.Disconnected) {
	m.early = nil
	if m.session != nil && m.session.Live() {
		m.end(ConnectionLost)
	}
}

// match returns the live session with from, if the call ids agree.
func (m *Machine) match(from, callID string) *Session {
	s := m.session
	if s == nil || s.CounterpartID != from {
		return nil
	}
	if callID != "" && callID != s.ID {
		return nil
	}
	return s
}

func (m *Machine) open(id, counterpart string, kind media.Kind, direction Direction, state State) *Session {
	m.gen++
	m.session = &Session{
		ID:            id,
		CounterpartID: counterpart,
		Kind:          kind,
		Direction:     direction,
		State:         state,
		StartedAt:     m.clock.Now(),
		Generation:    m.gen,
	}
	m.signaled = false
	m.early = nil
	m.logger.Infof("call %s %s %s with %s", id, direction, kind, counterpart)
	m.metrics.IncrementCallsStarted(string(kind), string(direction))
	m.publish()
	return m.session
}

// attach creates the negotiator of the new session, ending it on failure.
func (m *Machine) attach() bool {
	s := m.session
	negotiator, err := m.negotiators.New(s.ID, &handler{machine: m, gen: s.Generation})
	if err != nil {
		m.logger.Warnf("call %s: %v", s.ID, err)
		m.end(NegotiationFailed)
		return false
	}
	m.negotiator = negotiator
	return true
}

func (m *Machine) connect() {
	s := m.session
	m.stop(&m.timeout)
	s.State = Connected
	s.ConnectedAt = m.clock.Now()
	m.tick(s.Generation)
	m.publish()
}

func (m *Machine) tick(gen uint64) {
	m.ticker = m.after(m.config.DurationInterval, gen, func() {
		s := m.session
		if s.State != Connected {
			return
		}
		m.broker.Publish(broker.CallDuration, message.CallDuration{
			CallID:  s.ID,
			Elapsed: s.Elapsed(m.clock.Now()),
		})
		m.tick(gen)
	})
}

// end moves the session to Ended and releases everything it holds.
func (m *Machine) end(reason EndReason) {
	s := m.session
	if s == nil || !s.Live() {
		return
	}
	m.stop(&m.timeout)
	m.stop(&m.grace)
	m.stop(&m.ticker)
	if m.negotiator != nil {
		m.negotiator.Teardown()
	}

	s.State = Ended
	s.EndedAt = m.clock.Now()
	s.EndReason = reason
	m.logger.Infof("call %s ended: %s", s.ID, reason)

	err := m.database.CreateCallInfo(&database.CallInfo{
		ID:            s.ID,
		CounterpartID: s.CounterpartID,
		Kind:          string(s.Kind),
		Direction:     string(s.Direction),
		StartedAt:     s.StartedAt,
		ConnectedAt:   s.ConnectedAt,
		EndedAt:       s.EndedAt,
		EndReason:     string(reason),
	})
	if err != nil {
		m.logger.Warnf("log call %s: %v", s.ID, err)
	}
	m.metrics.ObserveCallEnded(string(reason), s.Elapsed(s.EndedAt))
	m.publish()

	if m.config.EndedLinger > 0 {
		m.linger = m.after(m.config.EndedLinger, s.Generation, func() {
			if err := m.Reset(); err != nil {
				m.logger.Debugf("linger reset: %v", err)
			}
		})
	}
}

// current reports whether gen is the live session.
func (m *Machine) current(gen uint64) bool {
	return m.session != nil && m.session.Generation == gen && m.session.Live()
}

// after runs fn on the loop after d, if the session of gen is still there.
func (m *Machine) after(d time.Duration, gen uint64, fn func()) *clock.Timer {
	return m.clock.AfterFunc(d, func() {
		m.loop.Post(func() {
			if m.session != nil && m.session.Generation == gen {
				fn()
			}
		})
	})
}

func (m *Machine) stop(t **clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (m *Machine) publish() {
	s := m.session
	m.broker.Publish(broker.CallChanged, message.CallChanged{
		CallID:        s.ID,
		CounterpartID: s.CounterpartID,
		Kind:          string(s.Kind),
		Direction:     string(s.Direction),
		State:         string(s.State),
		EndReason:     string(s.EndReason),
	})
}

func (m *Machine) event(action string) string {
	return request.CallEvent(string(m.session.Kind), action)
}

func (m *Machine) send(event string, payload any) {
	if err := m.transport.Send(event, payload); err != nil {
		m.logger.Warnf("send %s: %v", event, err)
	}
}

func (m *Machine) sendEnd() {
	m.send(m.event(request.CallEnd), request.End{To: m.session.CounterpartID, CallID: m.session.ID})
}

func (m *Machine) sendReject(reason EndReason) {
	m.send(m.event(request.CallReject), request.Reject{
		To:     m.session.CounterpartID,
		Reason: string(reason),
		CallID: m.session.ID,
	})
}

func (m *Machine) localCandidate(candidate webrtc.ICECandidateInit) {
	s := m.session
	m.send(request.ICE, request.Candidate{To: s.CounterpartID, Candidate: candidate, CallID: s.ID})
}

func (m *Machine) peerStateChanged(state webrtc.PeerConnectionState) {
	s := m.session
	switch state {
	case webrtc.PeerConnectionStateConnected:
		m.stop(&m.grace)
	case webrtc.PeerConnectionStateDisconnected:
		if s.State != Connected || m.grace != nil {
			return
		}
		m.grace = m.after(m.config.DisconnectGrace, s.Generation, func() {
			m.grace = nil
			if m.session.Live() {
				m.sendEnd()
				m.end(PeerDisconnected)
			}
		})
	case webrtc.PeerConnectionStateFailed:
		m.sendEnd()
		m.end(PeerFailed)
	}
}

func (m *Machine) remoteTrack(info stream.Info, ended bool) {
	m.broker.Publish(broker.RemoteTrack, message.RemoteTrack{
		CallID:  m.session.ID,
		TrackID: info.ID,
		Kind:    info.Kind,
		Ended:   ended,
	})
}

// handler routes what the negotiator of one session reports back into the
// machine while that session is live.
type handler struct {
	machine *Machine
	gen     uint64
}

func (h *handler) LocalCandidate(candidate webrtc.ICECandidateInit) {
	if h.machine.current(h.gen) {
		h.machine.localCandidate(candidate)
	}
}

func (h *handler) PeerStateChanged(state webrtc.PeerConnectionState) {
	if h.machine.current(h.gen) {
		h.machine.peerStateChanged(state)
	}
}

func (h *handler) RemoteTrack(info stream.Info, ended bool) {
	if h.machine.current(h.gen) {
		h.machine.remoteTrack(info, ended)
	}
}
