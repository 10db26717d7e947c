package server

import (
	"fmt"
	"os"
	"sync"
)

// openStream is an in-flight multi-chunk transfer: the append-mode handle
// and the path being written (the final path for CREATE, the temporary
// path for UPDATE).
type openStream struct {
	f    *os.File
	path string
}

// OpenStreams maps a user id to its single in-flight write stream, letting
// a chunked transfer span many request/response cycles on one connection.
// Entries are opened and closed explicitly; UPDATE's atomic rename depends
// on the close happening exactly when the last chunk is observed.
type OpenStreams struct {
	mu      sync.Mutex
	streams map[string]*openStream
}

func NewOpenStreams() *OpenStreams {
	return &OpenStreams{streams: make(map[string]*openStream)}
}

// Get returns the user's open stream, creating one for path if absent.
// The second return is true when the stream was just created, i.e. this is
// the transfer's first chunk.
func (s *OpenStreams) Get(userID, path string) (*os.File, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.streams[userID]; ok {
		return st.f, false, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("open stream %s: %w", path, err)
	}
	s.streams[userID] = &openStream{f: f, path: path}
	return f, true, nil
}

// Close flushes and removes the user's stream, if any.
func (s *OpenStreams) Close(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[userID]
	if !ok {
		return nil
	}
	delete(s.streams, userID)
	return st.f.Close()
}

// Abandon closes the user's stream and deletes its partial file. Used at
// session teardown so a dropped transfer does not leave a half-written
// target behind; for UPDATE the partial is the .temp path, so the original
// stays intact.
func (s *OpenStreams) Abandon(userID string) {
	s.mu.Lock()
	st, ok := s.streams[userID]
	if ok {
		delete(s.streams, userID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	st.f.Close()
	os.Remove(st.path)
}
