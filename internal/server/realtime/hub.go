// Package realtime tracks the socket sessions joined to each project and
// fans project pushes out to them, across server instances through a Bus.
package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/digsync/internal/logging"
	"github.com/dmitrijs2005/digsync/internal/protocol"
)

// Session is one connected device. Frames queued on Outbound are written
// to its socket; Outbound is closed when the session is closed.
type Session struct {
	ID       string
	DeviceID string
	Outbound chan *protocol.Frame

	hub  *Hub
	done chan struct{}
}

// Join subscribes the session to pushes of projetUUID.
func (s *Session) Join(projetUUID string) {
	s.hub.Join(s, projetUUID)
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send queues f without blocking. It reports false when the session is
// closed or its queue is full.
func (s *Session) Send(f *protocol.Frame) bool {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	return s.hub.sendLocked(s, f)
}

type Hub struct {
	log logging.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	byProjet map[string]map[string]*Session
}

func NewHub(log logging.Logger) *Hub {
	if log == nil {
		log = logging.Nop()
	}
	return &Hub{
		log:      log.With("module", "realtime_hub"),
		sessions: make(map[string]*Session),
		byProjet: make(map[string]map[string]*Session),
	}
}

// NewSession registers a session for deviceID with an outbound queue of
// size buffer.
func (h *Hub) NewSession(deviceID string, buffer int) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		DeviceID: deviceID,
		Outbound: make(chan *protocol.Frame, buffer),
		hub:      h,
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()
	return s
}

func (h *Hub) Join(s *Session, projetUUID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s.ID]; !ok {
		return
	}
	members, ok := h.byProjet[projetUUID]
	if !ok {
		members = make(map[string]*Session)
		h.byProjet[projetUUID] = members
	}
	members[s.ID] = s
}

func (h *Hub) Leave(s *Session, projetUUID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(s, projetUUID)
}

func (h *Hub) leaveLocked(s *Session, projetUUID string) {
	members := h.byProjet[projetUUID]
	delete(members, s.ID)
	if len(members) == 0 {
		delete(h.byProjet, projetUUID)
	}
}

// Joined lists the projects s is subscribed to.
func (h *Hub) Joined(s *Session) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for projet, members := range h.byProjet {
		if _, ok := members[s.ID]; ok {
			out = append(out, projet)
		}
	}
	return out
}

// Close unregisters s and closes its outbound queue. Closing twice is a no-op.
func (h *Hub) Close(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s.ID]; !ok {
		return
	}
	delete(h.sessions, s.ID)
	for projet := range h.byProjet {
		h.leaveLocked(s, projet)
	}
	close(s.done)
	close(s.Outbound)
}

func (h *Hub) sendLocked(s *Session, f *protocol.Frame) bool {
	if _, ok := h.sessions[s.ID]; !ok {
		return false
	}
	select {
	case s.Outbound <- f:
		return true
	default:
		return false
	}
}

// Broadcast queues push for every session joined to its project, except the
// sessions of the device that caused it. It returns the number of sessions
// reached. Sessions with a full queue miss the push; they catch up on
// their next incremental index.
func (h *Hub) Broadcast(push protocol.ProjetPush) int {
	frame, err := protocol.NewPushFrame(push)
	if err != nil {
		h.log.Error(context.Background(), "encode push", "projet", push.ProjetUUID, "error", err)
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for _, s := range h.byProjet[push.ProjetUUID] {
		if push.Origin != "" && s.DeviceID == push.Origin {
			continue
		}
		if h.sendLocked(s, frame) {
			sent++
		} else {
			h.log.Warn(context.Background(), "push dropped", "session", s.ID, "projet", push.ProjetUUID)
		}
	}
	return sent
}
