// Package convo reconciles a conversation's three message sources
// (optimistic local sends, REST-confirmed records, realtime-pushed frames)
// into one ordered, duplicate-free list.
package convo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courtside-app/courtside/internal/api"
	"github.com/courtside-app/courtside/internal/bus"
	"github.com/courtside-app/courtside/internal/realtime"
)

// Status tracks delivery state for locally-originated messages.
type Status string

const (
	// StatusPending marks an optimistic entry awaiting confirmation.
	StatusPending Status = "pending"
	// StatusSent marks a server-confirmed message.
	StatusSent Status = "sent"
	// StatusFailed marks an optimistic entry whose REST send failed. It
	// stays visible and visibly distinct from pending ones.
	StatusFailed Status = "failed"
)

// retireWindow bounds the (sender, content, timestamp) fallback match used
// to retire an optimistic placeholder when its temp id cannot be linked to
// the confirmed record directly.
const retireWindow = 2 * time.Minute

// defaultDebounce is the typing-indicator quiet period.
const defaultDebounce = 2 * time.Second

// Message is one list entry. LocalID is non-empty only for entries that
// originated as optimistic sends.
type Message struct {
	api.Message
	LocalID string
	Status  Status
}

// History is the REST surface Sync needs; satisfied by api.Client.
type History interface {
	Messages(ctx context.Context, conversationID string, before time.Time, limit int) ([]api.Message, error)
	SendMessage(ctx context.Context, conversationID, content string) (*api.Message, error)
}

// Emitter is the outbound realtime surface; satisfied by realtime.Manager.
type Emitter interface {
	Emit(event string, payload any) error
}

// Sync maintains one open conversation.
type Sync struct {
	conversationID string
	selfID         string
	history        History
	emitter        Emitter
	bus            *bus.Bus
	logger         *zap.Logger
	debounce       time.Duration

	mu          sync.Mutex
	messages    []Message
	typing      map[string]struct{}
	typingTimer *time.Timer
	subs        []*bus.Subscription
	closed      bool
}

// Options tunes a Sync; zero values take defaults.
type Options struct {
	Debounce time.Duration
}

// NewSync creates a Sync for one conversation. Call Open to seed history
// and start receiving pushes.
func NewSync(conversationID, selfID string, h History, e Emitter, b *bus.Bus, logger *zap.Logger, opts Options) *Sync {
	debounce := opts.Debounce
	if debounce == 0 {
		debounce = defaultDebounce
	}
	return &Sync{
		conversationID: conversationID,
		selfID:         selfID,
		history:        h,
		emitter:        e,
		bus:            b,
		logger:         logger,
		debounce:       debounce,
		typing:         make(map[string]struct{}),
	}
}

// Open seeds the list from the REST history (served newest-first, stored
// chronologically), subscribes to realtime pushes, and announces presence
// in the conversation.
func (s *Sync) Open(ctx context.Context) error {
	page, err := s.history.Messages(ctx, s.conversationID, time.Time{}, 50)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		// Closed while the fetch was in flight; drop the stale page.
		s.mu.Unlock()
		return nil
	}
	s.messages = s.messages[:0]
	for i := len(page) - 1; i >= 0; i-- {
		s.messages = append(s.messages, Message{Message: page[i], Status: StatusSent})
	}
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].CreatedAt.Before(s.messages[j].CreatedAt)
	})

	s.subs = append(s.subs,
		s.bus.Subscribe(realtime.BusNamespace+realtime.EventNewMessage, s.onNewMessage),
		s.bus.Subscribe(realtime.BusNamespace+realtime.EventUserTyping, s.onUserTyping),
		s.bus.Subscribe(realtime.BusNamespace+realtime.EventUserStoppedTyping, s.onUserStoppedTyping),
	)
	s.mu.Unlock()

	s.emit(realtime.EmitJoinConversation, map[string]string{"conversationId": s.conversationID})
	s.emit(realtime.EmitMarkRead, map[string]string{"conversationId": s.conversationID})
	s.notifyUpdated()
	return nil
}

// Close leaves the conversation and releases all subscriptions and the
// typing timer. Idempotent.
func (s *Sync) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	hadRun := s.typingTimer != nil
	if hadRun {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Release()
	}
	if hadRun {
		s.emit(realtime.EmitStopTyping, map[string]string{"conversationId": s.conversationID})
	}
	s.emit(realtime.EmitLeaveConversation, map[string]string{"conversationId": s.conversationID})
}

// Messages returns the current list, oldest first.
func (s *Sync) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// TypingUsers returns the ids of other participants currently typing.
func (s *Sync) TypingUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.typing))
	for id := range s.typing {
		out = append(out, id)
	}
	return out
}

// Send appends an optimistic entry immediately, then issues the REST send
// (authoritative) and the realtime emission (a latency optimization for
// other participants). The optimistic entry is retired when either
// confirmation path lands; on REST failure it is marked failed, not
// removed.
func (s *Sync) Send(ctx context.Context, content string) error {
	localID := "local-" + uuid.NewString()
	optimistic := Message{
		Message: api.Message{
			ConversationID: s.conversationID,
			SenderID:       s.selfID,
			Content:        content,
			CreatedAt:      time.Now(),
		},
		LocalID: localID,
		Status:  StatusPending,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("conversation closed")
	}
	s.insertLocked(optimistic)
	s.mu.Unlock()
	s.notifyUpdated()

	// Fire-and-forget realtime path; delivery is at-most-once and the
	// manager drops it silently when offline.
	s.emit(realtime.EmitSendMessage, map[string]string{
		"conversationId": s.conversationID,
		"content":        content,
	})

	confirmed, err := s.history.SendMessage(ctx, s.conversationID, content)
	if err != nil {
		s.markFailed(localID)
		return fmt.Errorf("send message: %w", err)
	}

	s.confirm(localID, confirmed)
	return nil
}

// confirm replaces the optimistic entry with the server record, unless a
// realtime push already delivered the same permanent id, in which case the
// placeholder is simply dropped.
func (s *Sync) confirm(localID string, confirmed *api.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.indexByID(confirmed.ID) >= 0 {
		s.removeByLocalID(localID)
	} else if i := s.indexByLocalID(localID); i >= 0 {
		s.messages[i] = Message{Message: *confirmed, Status: StatusSent}
		s.resortLocked()
	} else {
		s.insertLocked(Message{Message: *confirmed, Status: StatusSent})
	}
	s.mu.Unlock()
	s.notifyUpdated()
}

func (s *Sync) markFailed(localID string) {
	s.mu.Lock()
	if i := s.indexByLocalID(localID); i >= 0 {
		s.messages[i].Status = StatusFailed
	}
	s.mu.Unlock()
	s.notifyUpdated()
}

// OnInput tracks the local compose box. A non-empty change emits one
// "typing" per keystroke run and (re)arms the quiet timer; emptying the
// box, or the timer elapsing, emits exactly one "stopTyping". The timer is
// stopped and replaced on every keystroke so pending timers never stack.
func (s *Sync) OnInput(text string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	if text == "" {
		hadRun := s.typingTimer != nil
		if hadRun {
			s.typingTimer.Stop()
			s.typingTimer = nil
		}
		s.mu.Unlock()
		if hadRun {
			s.emit(realtime.EmitStopTyping, map[string]string{"conversationId": s.conversationID})
		}
		return
	}

	startOfRun := s.typingTimer == nil
	if !startOfRun {
		s.typingTimer.Stop()
	}
	var tm *time.Timer
	tm = time.AfterFunc(s.debounce, func() { s.onTypingQuiet(tm) })
	s.typingTimer = tm
	s.mu.Unlock()

	if startOfRun {
		s.emit(realtime.EmitTyping, map[string]string{"conversationId": s.conversationID})
	}
}

// onTypingQuiet ends the run only if tm is still the armed timer; a fired
// timer that lost the race to a newer keystroke must not end the new run.
func (s *Sync) onTypingQuiet(tm *time.Timer) {
	s.mu.Lock()
	if s.closed || s.typingTimer != tm {
		s.mu.Unlock()
		return
	}
	s.typingTimer = nil
	s.mu.Unlock()
	s.emit(realtime.EmitStopTyping, map[string]string{"conversationId": s.conversationID})
}

func (s *Sync) onNewMessage(evt bus.Event) {
	var msg api.Message
	if !decodePayload(evt.Payload, &msg) || msg.ConversationID != s.conversationID {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.indexByID(msg.ID) >= 0 {
		// Already present via the REST path.
		s.mu.Unlock()
		return
	}
	// Retire the optimistic placeholder this push confirms, if any:
	// same sender, same content, close in time.
	if i := s.matchOptimisticLocked(&msg); i >= 0 {
		s.messages[i] = Message{Message: msg, Status: StatusSent}
		s.resortLocked()
	} else {
		s.insertLocked(Message{Message: msg, Status: StatusSent})
	}
	fromOther := msg.SenderID != s.selfID
	s.mu.Unlock()

	if fromOther {
		s.emit(realtime.EmitMarkRead, map[string]string{"conversationId": s.conversationID})
	}
	s.notifyUpdated()
}

func (s *Sync) onUserTyping(evt bus.Event) {
	s.setTyping(evt, true)
}

func (s *Sync) onUserStoppedTyping(evt bus.Event) {
	s.setTyping(evt, false)
}

type typingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

func (s *Sync) setTyping(evt bus.Event, on bool) {
	var p typingPayload
	if !decodePayload(evt.Payload, &p) || p.ConversationID != s.conversationID || p.UserID == "" {
		return
	}
	if p.UserID == s.selfID {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if on {
		s.typing[p.UserID] = struct{}{}
	} else {
		delete(s.typing, p.UserID)
	}
	s.mu.Unlock()
	s.notifyUpdated()
}

// matchOptimisticLocked finds a pending or failed local entry the confirmed
// message supersedes.
func (s *Sync) matchOptimisticLocked(msg *api.Message) int {
	for i, m := range s.messages {
		if m.LocalID == "" || (m.Status != StatusPending && m.Status != StatusFailed) {
			continue
		}
		if m.SenderID != msg.SenderID || m.Content != msg.Content {
			continue
		}
		delta := msg.CreatedAt.Sub(m.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= retireWindow {
			return i
		}
	}
	return -1
}

func (s *Sync) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i, m := range s.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (s *Sync) indexByLocalID(localID string) int {
	for i, m := range s.messages {
		if m.LocalID == localID {
			return i
		}
	}
	return -1
}

func (s *Sync) removeByLocalID(localID string) {
	if i := s.indexByLocalID(localID); i >= 0 {
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
	}
}

// insertLocked places m by creation time, keeping the list sorted even when
// a push arrives before an older REST record.
func (s *Sync) insertLocked(m Message) {
	i := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].CreatedAt.After(m.CreatedAt)
	})
	s.messages = append(s.messages, Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
}

func (s *Sync) resortLocked() {
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].CreatedAt.Before(s.messages[j].CreatedAt)
	})
}

func (s *Sync) emit(event string, payload any) {
	if err := s.emitter.Emit(event, payload); err != nil {
		s.logger.Warn("realtime emit failed", zap.String("event", event), zap.Error(err))
	}
}

// notifyUpdated tells interested screens the visible state changed.
func (s *Sync) notifyUpdated() {
	s.bus.Publish(bus.Event{
		Kind:      "convo.updated",
		Timestamp: time.Now(),
		Payload:   s.conversationID,
	})
}

// decodePayload accepts both raw frames (json.RawMessage, the production
// path) and already-typed payloads.
func decodePayload[T any](payload any, out *T) bool {
	switch p := payload.(type) {
	case json.RawMessage:
		return json.Unmarshal(p, out) == nil
	case []byte:
		return json.Unmarshal(p, out) == nil
	case T:
		*out = p
		return true
	case *T:
		*out = *p
		return true
	default:
		return false
	}
}
