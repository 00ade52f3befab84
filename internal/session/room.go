package session

import (
	"sync"

	"codecollab/internal/crdt"
)

// RoomSession holds the replicated document for one room plus the set of
// document-channel connections attached to it. Control-channel membership
// lives in the presence table, not here.
type RoomSession struct {
	ID string

	mu       sync.Mutex
	doc      *crdt.Document
	language string
	replicas map[string]*Client // document-channel clients by connection ID
}

func newRoomSession(id string, doc *crdt.Document, language string) *RoomSession {
	return &RoomSession{
		ID:       id,
		doc:      doc,
		language: language,
		replicas: make(map[string]*Client),
	}
}

// Doc exposes the session's replicated document. The document carries its
// own lock; room-level serialization happens through it.
func (s *RoomSession) Doc() *crdt.Document {
	return s.doc
}

func (s *RoomSession) Language() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.language
}

func (s *RoomSession) SetLanguage(lang string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.language = lang
}

// Attach registers a document-channel client with the session.
func (s *RoomSession) Attach(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replicas[c.ID] = c
}

// Detach removes a document-channel client and reports how many remain.
func (s *RoomSession) Detach(connID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.replicas, connID)
	return len(s.replicas)
}

// ReplicaCount returns the number of attached document-channel clients.
func (s *RoomSession) ReplicaCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replicas)
}

// BroadcastBinary relays a document-channel frame to every attached client
// except the sender.
func (s *RoomSession) BroadcastBinary(senderID string, payload []byte) {
	s.mu.Lock()
	targets := make([]*Client, 0, len(s.replicas))
	for id, c := range s.replicas {
		if id == senderID {
			continue
		}
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.SendBinary(payload)
	}
}
