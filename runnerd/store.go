package runnerd

import (
	"sync"

	"github.com/google/uuid"
)

// envSession is one server-side execution context: a set of "K=V" entries
// shared by the program runs bound to it, plus the retained tail of their
// output when requested.
type envSession struct {
	id       string
	metadata map[string]string

	mu         sync.Mutex
	envs       []string
	lastOutput *tailBuffer
}

func (s *envSession) ID() string {
	return s.id
}

func (s *envSession) Envs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.envs))
	copy(out, s.envs)
	return out
}

func (s *envSession) SetEnvs(envs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = envs
}

// LastOutput returns the session's output tail, creating it on first use.
func (s *envSession) LastOutput() *tailBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastOutput == nil {
		s.lastOutput = newTailBuffer(defaultTailSize)
	}
	return s.lastOutput
}

type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*envSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: map[string]*envSession{}}
}

func (s *sessionStore) Create(envs []string, metadata map[string]string) *envSession {
	sess := &envSession{
		id:       uuid.NewString(),
		envs:     envs,
		metadata: metadata,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.id] = sess
	return sess
}

func (s *sessionStore) Get(id string) (*envSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *sessionStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok
}
