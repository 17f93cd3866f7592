package service

import (
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/chirino/messenger-service/internal/model"
	registrystore "github.com/chirino/messenger-service/internal/registry/store"
	"github.com/google/uuid"
)

// memStore is an in-memory store covering what the retention worker and the
// messenger use. Unused MessengerStore methods panic through the nil embed.
type memStore struct {
	registrystore.MessengerStore

	mu            sync.Mutex
	conversations map[int64]*model.Conversation
	members       map[int64][]string
	messages      map[int64]map[int64]model.Message
	tasks         []model.Task
	audits        []model.AuditEntry
	auditErr      error
	appendErr     error
	now           time.Time
}

func newMemStore() *memStore {
	return &memStore{
		conversations: map[int64]*model.Conversation{},
		members:       map[int64][]string{},
		messages:      map[int64]map[int64]model.Message{},
		now:           time.Now(),
	}
}

func (s *memStore) addConversation(conv model.Conversation, members ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = &conv
	s.members[conv.ID] = members
	s.messages[conv.ID] = map[int64]model.Message{}
}

func (s *memStore) addMessage(msg model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ConversationID][msg.ID] = msg
}

func (s *memStore) messageIDs(conversationID int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id := range s.messages[conversationID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *memStore) auditLog() []model.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AuditEntry(nil), s.audits...)
}

func (s *memStore) LookupConversation(ctx context.Context, id int64) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: strconv.FormatInt(id, 10)}
	}
	c := *conv
	return &c, nil
}

func (s *memStore) IsMember(ctx context.Context, id int64, userID string) (bool, error) {
	members, _ := s.MembersOf(ctx, id)
	for _, m := range members {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) MembersOf(ctx context.Context, id int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.members[id]...), nil
}

func (s *memStore) AppendMessage(ctx context.Context, userID string, conversationID int64, content registrystore.MessageContent) (*model.Message, error) {
	if s.appendErr != nil {
		return nil, s.appendErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := model.Message{
		ConversationID: conversationID,
		ID:             int64(len(s.messages[conversationID]) + 1),
		SenderID:       userID,
		Text:           content.Text,
		CreatedAt:      s.now,
	}
	s.messages[conversationID][msg.ID] = msg
	return &msg, nil
}

func (s *memStore) DeleteMessages(ctx context.Context, userID string, conversationID int64, ids []int64) ([]model.Message, error) {
	return s.PurgeMessages(ctx, conversationID, ids)
}

func (s *memStore) MarkReadUpTo(ctx context.Context, userID string, conversationID int64, ids []int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var upTo int64
	for _, id := range ids {
		upTo = max(upTo, id)
	}
	var changed []int64
	for id, msg := range s.messages[conversationID] {
		if id <= upTo && !msg.IsRead && msg.SenderID != userID {
			msg.IsRead = true
			s.messages[conversationID][id] = msg
			changed = append(changed, id)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	return changed, nil
}

func (s *memStore) GetMessages(ctx context.Context, conversationID int64, ids []int64) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, id := range ids {
		if msg, ok := s.messages[conversationID][id]; ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *memStore) PurgeMessages(ctx context.Context, conversationID int64, ids []int64) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, id := range ids {
		if msg, ok := s.messages[conversationID][id]; ok {
			delete(s.messages[conversationID], id)
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *memStore) DeleteConversation(ctx context.Context, userID string, id int64) (*registrystore.DeletedConversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: strconv.FormatInt(id, 10)}
	}
	out := &registrystore.DeletedConversation{Conversation: *conv, Members: s.members[id]}
	for _, msg := range s.messages[id] {
		out.Messages = append(out.Messages, msg)
	}
	delete(s.conversations, id)
	delete(s.members, id)
	delete(s.messages, id)
	return out, nil
}

func (s *memStore) CreateTask(ctx context.Context, taskType string, body map[string]interface{}, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, model.Task{ID: uuid.New(), TaskType: taskType, TaskBody: body, RetryAt: runAt})
	return nil
}

// ClaimReadyTasks treats every task as due; tests control timing by when they call it.
func (s *memStore) ClaimReadyTasks(ctx context.Context, limit int, lease time.Duration) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) < limit {
		limit = len(s.tasks)
	}
	return append([]model.Task(nil), s.tasks[:limit]...), nil
}

func (s *memStore) DeleteTask(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tasks {
		if t.ID == id {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memStore) RecordAudit(ctx context.Context, entry model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditErr != nil {
		return s.auditErr
	}
	s.audits = append(s.audits, entry)
	return nil
}

type memAttachments struct {
	mu         sync.Mutex
	released   []string
	releaseErr error
}

func (a *memAttachments) Store(ctx context.Context, conversationID int64, kind model.AttachmentKind, name string, data io.Reader, maxSize int64) (string, error) {
	return "stored-" + name, nil
}

func (a *memAttachments) Retrieve(ctx context.Context, conversationID int64, kind model.AttachmentKind, filename string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (a *memAttachments) Release(ctx context.Context, conversationID int64, kind model.AttachmentKind, filename string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.releaseErr != nil {
		return a.releaseErr
	}
	a.released = append(a.released, string(kind)+"/"+filename)
	return nil
}

type emittedEvent struct {
	Type    string
	Room    string
	Payload any
}

type memEmitter struct {
	// delay slows every Emit down, like a congested bus.
	delay time.Duration

	mu        sync.Mutex
	events    []emittedEvent
	cancelled int
}

func (e *memEmitter) Emit(ctx context.Context, eventType string, payload any, room string) error {
	time.Sleep(e.delay)
	e.mu.Lock()
	defer e.mu.Unlock()
	if ctx.Err() != nil {
		e.cancelled++
		return ctx.Err()
	}
	e.events = append(e.events, emittedEvent{eventType, room, payload})
	return nil
}

func (e *memEmitter) all() []emittedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]emittedEvent(nil), e.events...)
}

func (e *memEmitter) ofType(eventType string) []emittedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []emittedEvent
	for _, evt := range e.events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}
