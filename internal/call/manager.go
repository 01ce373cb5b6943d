package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/Chirraaa/chatty-sub000/internal/common"
	"github.com/Chirraaa/chatty-sub000/internal/docstore"
	"github.com/Chirraaa/chatty-sub000/internal/logging"
)

// Collection holds call session documents.
const Collection = "calls"

// Call session statuses.
const (
	StatusCalling   = "calling"
	StatusConnected = "connected"
	StatusEnded     = "ended"
)

// Candidate collections, one per side, so each peer subscribes to the
// other's trickle without seeing its own candidates echoed back.
func callerCandidates(callID string) string {
	return Collection + "/" + callID + "/callerCandidates"
}

func answererCandidates(callID string) string {
	return Collection + "/" + callID + "/answererCandidates"
}

// IncomingCall announces a ringing call to the watching receiver. Canceled
// is set when a previously announced call stops ringing before it was
// answered, so the receiver's UI can stop alerting.
type IncomingCall struct {
	ID       string
	CallerID string
	Video    bool
	Canceled bool
}

// Manager owns call sessions for one signed-in user. At most one session
// is active at a time; a second Initiate or Accept while one is live
// fails with common.ErrCallInProgress.
type Manager struct {
	userID     string
	platform   string
	store      docstore.Store
	devices    MediaDevice
	transports TransportFactory
	logger     logging.Logger

	mu     sync.Mutex
	active *Session
}

func NewManager(userID, platform string, store docstore.Store, devices MediaDevice, transports TransportFactory, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Manager{
		userID:     userID,
		platform:   platform,
		store:      store,
		devices:    devices,
		transports: transports,
		logger:     logger,
	}
}

// Active returns the live session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Initiate starts a call to receiverID. On any setup failure every
// resource acquired so far is released and the error wraps
// common.ErrCallSetup, so a failed attempt leaves no camera or
// microphone held.
func (m *Manager) Initiate(ctx context.Context, receiverID string, video bool) (*Session, error) {
	s, err := m.reserve(receiverID, true, video)
	if err != nil {
		return nil, err
	}
	if err := s.setupAsCaller(ctx); err != nil {
		s.abort(ctx)
		return nil, fmt.Errorf("initiating call to %s: %w (%v)", receiverID, common.ErrCallSetup, err)
	}
	m.logger.Info(ctx, "call initiated", "callId", s.id, "receiverId", receiverID, "video", video)
	return s, nil
}

// Accept answers a ringing call. Fails with common.ErrCallEnded when the
// caller hung up before the answer, and with common.ErrCallInProgress
// when another session is already live.
func (m *Manager) Accept(ctx context.Context, callID string) (*Session, error) {
	doc, err := m.store.Get(ctx, Collection, callID)
	if err != nil {
		return nil, fmt.Errorf("loading call %s: %w", callID, err)
	}
	sd := parseSessionDoc(doc)
	if sd.status != StatusCalling {
		return nil, fmt.Errorf("call %s is %q: %w", callID, sd.status, common.ErrCallEnded)
	}

	s, err := m.reserve(sd.callerID, false, sd.video)
	if err != nil {
		return nil, err
	}
	s.id = callID
	if err := s.setupAsAnswerer(ctx, sd); err != nil {
		s.abort(ctx)
		return nil, fmt.Errorf("accepting call %s: %w (%v)", callID, common.ErrCallSetup, err)
	}
	m.logger.Info(ctx, "call accepted", "callId", callID, "callerId", sd.callerID)
	return s, nil
}

// WatchIncoming notifies fn of every call ringing for this user, and once
// more with Canceled set when a ringing call ends before it is answered
// (the caller hung up). The feed is at-least-once, so fn deduplicates by
// call id if it must.
func (m *Manager) WatchIncoming(ctx context.Context, fn func(IncomingCall)) (docstore.UnsubscribeFunc, error) {
	return m.store.Subscribe(ctx, Collection, []docstore.Filter{
		docstore.Eq("receiverId", m.userID),
		docstore.Eq("status", StatusCalling),
	}, func(changes []docstore.Change) {
		for _, ch := range changes {
			sd := parseSessionDoc(ch.Doc)
			if ch.Kind == docstore.ChangeRemoved {
				// The call left the ringing set: ended, answered elsewhere,
				// or deleted.
				fn(IncomingCall{ID: ch.Doc.ID, CallerID: sd.callerID, Video: sd.video, Canceled: true})
				continue
			}
			if sd.status != StatusCalling {
				continue
			}
			fn(IncomingCall{ID: ch.Doc.ID, CallerID: sd.callerID, Video: sd.video})
		}
	})
}

// reserve claims the single active-session slot and builds the session
// shell.
func (m *Manager) reserve(peerID string, isCaller, video bool) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return nil, fmt.Errorf("call %s still active: %w", m.active.id, common.ErrCallInProgress)
	}
	s := &Session{
		m:             m,
		peerID:        peerID,
		isCaller:      isCaller,
		video:         video,
		status:        StatusCalling,
		candidates:    make(map[string]bool),
		remoteArrived: make(chan struct{}),
	}
	m.active = s
	return s, nil
}

func (m *Manager) clearActive(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == s {
		m.active = nil
	}
}

// sessionDoc is the parsed form of a call document.
type sessionDoc struct {
	callerID   string
	receiverID string
	status     string
	video      bool
	background bool
	offer      *SDP
	answer     *SDP
}

func parseSessionDoc(doc docstore.Document) sessionDoc {
	f := doc.Fields
	sd := sessionDoc{}
	sd.callerID, _ = docstore.AsString(f["callerId"])
	sd.receiverID, _ = docstore.AsString(f["receiverId"])
	sd.status, _ = docstore.AsString(f["status"])
	sd.video, _ = docstore.AsBool(f["isVideo"])
	sd.background, _ = docstore.AsBool(f["backgroundMode"])
	sd.offer = sdpField(f["offer"])
	sd.answer = sdpField(f["answer"])
	return sd
}

func sdpField(v any) *SDP {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	typ, _ := docstore.AsString(m["type"])
	sdp, _ := docstore.AsString(m["sdp"])
	if typ == "" || sdp == "" {
		return nil
	}
	return &SDP{Type: typ, SDP: sdp}
}

func sdpFields(desc SDP) map[string]any {
	return map[string]any{"type": desc.Type, "sdp": desc.SDP}
}
