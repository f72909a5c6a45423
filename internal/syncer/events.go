package syncer

import "time"

// Source names the leg a sync ran against.
type Source string

const (
	SourceCloud Source = "cloud"
	SourceLAN   Source = "lan"
)

type EventKind string

const (
	EventSyncStarted      EventKind = "sync_started"
	EventSyncCompleted    EventKind = "sync_completed"
	EventSyncFailed       EventKind = "sync_failed"
	EventConflictDetected EventKind = "conflict_detected"
	EventProgress         EventKind = "progress"
)

// Event is delivered to subscribers in emission order. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind       EventKind
	Source     Source
	At         time.Time
	Error      string
	EntityType string
	EntityID   string
	Current    int
	Total      int
	Cloud      *CloudResult
	LAN        *LANResult
}

const eventBuffer = 100

// Subscribe returns a channel of events and a cancel func. A subscriber that
// falls 100 events behind is dropped and its channel closed.
func (s *Syncer) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eventBuffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *Syncer) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = s.clock.Now()
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			delete(s.subs, id)
			close(ch)
			s.logger.Warn("dropped slow sync subscriber", "subscriber", id)
		}
	}
}
