package gateway

import "sync"

// Mode records whether the next connection should Identify or Resume.
type Mode int

const (
	ModeFresh Mode = iota
	ModeResuming
)

// Session holds the mutable per-connection state that must survive across
// reconnects: the identifiers Discord gave us on READY, the last observed
// sequence number, and whether the next attempt should resume or
// re-identify. It is shared between the connection loop (writer) and the
// heartbeat task (reader of the sequence only), so every access goes
// through the mutex.
type Session struct {
	mu sync.RWMutex

	sessionID        string
	resumeGatewayURL string
	lastSequence     int64
	haveSequence     bool
	mode             Mode
}

// NewSession returns a Session starting in ModeFresh with no prior state.
func NewSession() *Session {
	return &Session{}
}

// Snapshot is a point-in-time copy of Session, safe to read without holding
// any lock.
type Snapshot struct {
	SessionID        string
	ResumeGatewayURL string
	LastSequence     int64
	HaveSequence     bool
	Mode             Mode
}

// Snapshot returns a consistent copy of the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		SessionID:        s.sessionID,
		ResumeGatewayURL: s.resumeGatewayURL,
		LastSequence:     s.lastSequence,
		HaveSequence:     s.haveSequence,
		Mode:             s.mode,
	}
}

// Sequence returns the last observed sequence number and whether one has
// been observed at all yet. Safe to call concurrently with UpdateSequence.
func (s *Session) Sequence() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSequence, s.haveSequence
}

// UpdateSequence records a newly observed dispatch sequence number. It is a
// programming error for seq to regress within one session; callers own
// never passing a decreasing value because Discord guarantees monotonicity
// on the wire.
func (s *Session) UpdateSequence(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSequence = seq
	s.haveSequence = true
}

// UpdateFromReady populates session_id and resume_gateway_url from the
// first READY dispatch of a session and switches future connections to
// ModeResuming.
func (s *Session) UpdateFromReady(ready ReadyData, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = ready.SessionID
	s.resumeGatewayURL = ready.ResumeURL
	s.lastSequence = seq
	s.haveSequence = true
	s.mode = ModeResuming
}

// MarkResumable switches the session to ModeResuming without touching the
// identifiers already recorded. Used after a resumable InvalidSession,
// where the existing session_id/seq remain valid.
func (s *Session) MarkResumable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = ModeResuming
}

// Invalidate clears the session per spec: on a non-resumable InvalidSession
// both session_id and resume_gateway_url are cleared and mode resets to
// ModeFresh so the next connection re-identifies.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = ""
	s.resumeGatewayURL = ""
	s.lastSequence = 0
	s.haveSequence = false
	s.mode = ModeFresh
}

// ResumePayload builds the Resume payload for this session using the
// caller's token. Must only be called while mode == ModeResuming.
func (s *Session) ResumePayload(token string) ResumeData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ResumeData{
		Token:     token,
		SessionID: s.sessionID,
		Sequence:  s.lastSequence,
	}
}
