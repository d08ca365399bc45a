package relay

import (
	"crypto/rand"
	"errors"
	"sync"

	"github.com/beamlink/beamlink/pkg/protocol"
)

// Session codes avoid the characters I and O, which read like 1 and 0.
const (
	codeAlphabet = "0123456789ABCDEFGHJKLMNPQRSTUVWXYZ"
	codeLength   = 6

	maxSessionClients = 2
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionFull     = errors.New("session full")
)

// session is a live two-party room. The 6-character code doubles as its id.
type session struct {
	id      string
	host    string
	clients []*client
}

// sessionStore is a thread-safe in-memory store for sessions, keyed by code.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newSessionStore() *sessionStore {
	return &sessionStore{
		sessions: make(map[string]*session),
	}
}

// create opens a new session with host as its first member. Codes are
// regenerated on collision.
func (s *sessionStore) create(host *client) *session {
	s.mu.Lock()
	defer s.mu.Unlock()

	code := generateCode()
	for _, exists := s.sessions[code]; exists; _, exists = s.sessions[code] {
		code = generateCode()
	}

	sess := &session{
		id:      code,
		host:    host.info.ID,
		clients: []*client{host},
	}
	s.sessions[code] = sess
	host.setSession(code)
	return sess
}

// join adds c to the session with the given code. Joining a session the
// client is already a member of succeeds idempotently.
func (s *sessionStore) join(code string, c *client) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[code]
	if !ok {
		return nil, ErrSessionNotFound
	}
	for _, member := range sess.clients {
		if member.info.ID == c.info.ID {
			return sess, nil
		}
	}
	if len(sess.clients) >= maxSessionClients {
		return nil, ErrSessionFull
	}
	sess.clients = append(sess.clients, c)
	c.setSession(code)
	return sess, nil
}

// leave removes c from its session. When the host leaves the whole session
// is torn down; remaining members are returned either way so the caller can
// notify them. ok is false when c was not in a session.
func (s *sessionStore) leave(c *client) (sess *session, remaining []*client, hostLeft, ok bool) {
	code := c.session()
	if code == "" {
		return nil, nil, false, false
	}
	c.setSession("")

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, found := s.sessions[code]
	if !found {
		return nil, nil, false, false
	}
	members := sess.clients[:0]
	for _, member := range sess.clients {
		if member.info.ID != c.info.ID {
			members = append(members, member)
		}
	}
	sess.clients = members
	remaining = append([]*client(nil), members...)

	if sess.host == c.info.ID || len(sess.clients) == 0 {
		delete(s.sessions, code)
		for _, member := range remaining {
			member.setSession("")
		}
		return sess, remaining, true, true
	}
	return sess, remaining, false, true
}

// get returns the live session with the given code.
func (s *sessionStore) get(code string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[code]
	return sess, ok
}

// members returns a copy of the session's member list.
func (s *sessionStore) members(code string) []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[code]
	if !ok {
		return nil
	}
	return append([]*client(nil), sess.clients...)
}

// snapshot builds the wire representation of a session under the store lock.
func (s *sessionStore) snapshot(code string) (protocol.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[code]
	if !ok {
		return protocol.Session{}, false
	}
	snap := protocol.Session{ID: sess.id, Host: sess.host}
	for _, member := range sess.clients {
		snap.Clients = append(snap.Clients, member.info)
	}
	return snap, true
}

func generateCode() string {
	code := make([]byte, codeLength)
	b := make([]byte, codeLength)
	if _, err := rand.Read(b); err != nil {
		return "000000"
	}
	for i := range code {
		code[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(code)
}
