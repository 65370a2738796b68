// Package session implements the SessionStore and TransferCoordinator from
// spec.md §3/§4.6: the authoritative sessionId -> TransferSession map and
// the state machine that drives an accepted offer through upload to a
// terminal state. Adapted from the teacher's
// internal/fileshare/sessionmanager.go SessionManager (a
// map[string]*FileTransfer behind a sync.Mutex with
// CreateTransfer/UpdateTransferProgress/CompleteTransfer/FailTransfer
// verbs), generalized to a multi-file-per-session, fingerprint-scoped
// seven-state machine.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"lansend/internal/wire"
)

// State is a TransferSession's position in the spec.md §4.6 state machine.
type State int

const (
	Pending State = iota
	Accepted
	Uploading
	Completed
	Declined
	Failed
	Expired
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Accepted:
		return "accepted"
	case Uploading:
		return "uploading"
	case Completed:
		return "completed"
	case Declined:
		return "declined"
	case Failed:
		return "failed"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	switch s {
	case Completed, Declined, Failed, Expired:
		return true
	default:
		return false
	}
}

// validTransitions encodes the table in spec.md §4.6.
var validTransitions = map[State]map[State]bool{
	Pending:   {Accepted: true, Declined: true, Expired: true},
	Accepted:  {Uploading: true, Expired: true},
	Uploading: {Completed: true, Failed: true, Expired: true},
}

// Session is a TransferSession: an accepted offer plus everything needed
// to receive its files.
type Session struct {
	ID              string
	Offer           wire.TransferOffer
	PeerFingerprint string
	State           State
	Progress        map[string]int64 // fileId -> bytesReceived
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Store is the authoritative sessionId -> Session map. Every mutator is
// serialized on a single mutex; callers needing to inspect or mutate a
// session do so through the Store's methods, never by holding a session
// pointer across an unguarded read-modify-write.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// New constructs an empty SessionStore.
func New() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Create inserts a new Pending session for offer and returns it; its ID is
// a freshly minted, globally unique sessionId.
func (s *Store) Create(offer wire.TransferOffer, peerFingerprint string) *Session {
	now := time.Now()
	progress := make(map[string]int64, len(offer.Files))
	for id := range offer.Files {
		progress[id] = 0
	}
	sess := &Session{
		ID:              uuid.NewString(),
		Offer:           offer,
		PeerFingerprint: peerFingerprint,
		State:           Pending,
		Progress:        progress,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess
}

// Get returns a copy of the session for id, if present.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return cloneSession(sess), true
}

// Transition moves session id from its current state to `to`, validating
// against the spec.md §4.6 table. It is a no-op error, not a panic, if the
// transition is not allowed — callers are expected to treat that as a
// protocol/logic bug and log it.
func (s *Store) Transition(id string, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session: unknown session %q", id)
	}
	if sess.State == to {
		return nil
	}
	allowed := validTransitions[sess.State]
	if !allowed[to] {
		return fmt.Errorf("session: illegal transition %s -> %s for %q", sess.State, to, id)
	}
	sess.State = to
	sess.UpdatedAt = time.Now()
	return nil
}

// UpdateProgress records bytesReceived for fileId within session id,
// clamped to the file's advertised size.
func (s *Store) UpdateProgress(id, fileID string, bytesReceived int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session: unknown session %q", id)
	}
	meta, ok := sess.Offer.Files[fileID]
	if !ok {
		return fmt.Errorf("session: unknown file %q in session %q", fileID, id)
	}
	if bytesReceived > meta.Size {
		bytesReceived = meta.Size
	}
	sess.Progress[fileID] = bytesReceived
	sess.UpdatedAt = time.Now()
	return nil
}

// Remove deletes a session unconditionally, used for Pending sessions that
// were declined or whose consent request failed or timed out.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// SweepIdle removes every non-terminal session whose last update is older
// than idleTimeout, transitioning it to Expired first (spec.md §4.6: "any
// non-terminal: sessionId unused for > 10 min -> Expired").
func (s *Store) SweepIdle(now time.Time, idleTimeout time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, sess := range s.sessions {
		if sess.State.terminal() {
			continue
		}
		if now.Sub(sess.UpdatedAt) <= idleTimeout {
			continue
		}
		sess.State = Expired
		sess.UpdatedAt = now
		expired = append(expired, id)
		delete(s.sessions, id)
	}
	return expired
}

// SweepCompletionGrace removes every Completed session whose last update
// is older than grace (spec.md §4.6: "session removed after grace").
func (s *Store) SweepCompletionGrace(now time.Time, grace time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, sess := range s.sessions {
		if sess.State != Completed {
			continue
		}
		if now.Sub(sess.UpdatedAt) <= grace {
			continue
		}
		removed = append(removed, id)
		delete(s.sessions, id)
	}
	return removed
}

func cloneSession(sess *Session) Session {
	out := *sess
	out.Progress = make(map[string]int64, len(sess.Progress))
	for k, v := range sess.Progress {
		out.Progress[k] = v
	}
	return out
}
