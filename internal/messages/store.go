// Package messages holds the in-memory message tree of each room. Every
// mutation is written to persistence first and mirrored in memory after.
package messages

import (
	"context"
	"sync"
	"time"

	"flowchat/internal/events"
	"flowchat/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound = errors.New("message not found")
	ErrCycle    = errors.New("message parent chain contains a cycle")
)

const deleteAttempts = 3

// Persistence is the subset of the storage gateway the store writes through.
type Persistence interface {
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListMessagesByRoom(ctx context.Context, roomID string) ([]*models.Message, error)
	AppendContent(ctx context.Context, id, delta string) error
	SetContent(ctx context.Context, id, text string) error
	AppendSummary(ctx context.Context, id, delta string) error
	SetSummary(ctx context.Context, id string, text *string) error
	SetShowSummary(ctx context.Context, id string, show bool) error
	SetError(ctx context.Context, id string, msg *string) error
	SetGenerationInfo(ctx context.Context, id, provider, model string, memoryIDs []string) error
	DeleteMessages(ctx context.Context, ids []string) error
}

// Store is an arena of messages keyed by id with a children index per
// parent. Callers always receive copies.
type Store struct {
	db  Persistence
	pub events.Publisher

	mu         sync.RWMutex
	byID       map[string]*models.Message
	children   map[string][]string
	rooms      map[string][]string
	loaded     map[string]bool
	generating map[string]struct{}
}

func NewStore(db Persistence, pub events.Publisher) *Store {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Store{
		db:         db,
		pub:        pub,
		byID:       make(map[string]*models.Message),
		children:   make(map[string][]string),
		rooms:      make(map[string][]string),
		loaded:     make(map[string]bool),
		generating: make(map[string]struct{}),
	}
}

// LoadRoom mirrors the room's persisted messages. Messages already in memory
// are kept as they are.
func (s *Store) LoadRoom(ctx context.Context, roomID string) error {
	s.mu.RLock()
	done := s.loaded[roomID]
	s.mu.RUnlock()
	if done {
		return nil
	}

	msgs, err := s.db.ListMessagesByRoom(ctx, roomID)
	if err != nil {
		return errors.Wrapf(err, "load room %s", roomID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded[roomID] {
		return nil
	}
	for _, msg := range msgs {
		if _, ok := s.byID[msg.ID]; ok {
			continue
		}
		s.insertLocked(msg)
	}
	s.loaded[roomID] = true
	return nil
}

// Resolve returns the message, loading its room on a miss.
func (s *Store) Resolve(ctx context.Context, id string) (*models.Message, error) {
	if msg, ok := s.Get(id); ok {
		return msg, nil
	}
	persisted, err := s.db.GetMessage(ctx, id)
	if err != nil {
		return nil, ErrNotFound
	}
	if err := s.LoadRoom(ctx, persisted.RoomID); err != nil {
		return nil, err
	}
	if msg, ok := s.Get(id); ok {
		return msg, nil
	}
	return nil, ErrNotFound
}

// Create persists msg and adds it to the tree.
func (s *Store) Create(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if msg.ParentID != "" {
		if _, ok := s.Get(msg.ParentID); !ok {
			return nil, errors.Wrapf(ErrNotFound, "parent %s", msg.ParentID)
		}
	}
	if err := s.db.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.insertLocked(msg.Clone())
	s.mu.Unlock()

	out := msg.Clone()
	s.pub.Publish(events.Event{Type: events.MessageCreated, RoomID: out.RoomID, MessageID: out.ID, Data: out})
	return out, nil
}

func (s *Store) insertLocked(msg *models.Message) {
	s.byID[msg.ID] = msg
	s.rooms[msg.RoomID] = append(s.rooms[msg.RoomID], msg.ID)
	if msg.ParentID != "" {
		s.children[msg.ParentID] = append(s.children[msg.ParentID], msg.ID)
	}
}

func (s *Store) Get(id string) (*models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return msg.Clone(), true
}

// Messages lists the room's messages in creation order.
func (s *Store) Messages(roomID string) []*models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.rooms[roomID]
	out := make([]*models.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id].Clone())
	}
	return out
}

func (s *Store) Children(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.children[id]...)
}

func (s *Store) CountByRole(roomID string, role models.Role) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, id := range s.rooms[roomID] {
		if s.byID[id].Role == role {
			n++
		}
	}
	return n
}

// BranchFor returns the root-to-leaf path ending at leafID. An empty or
// unknown leaf yields an empty branch.
func (s *Store) BranchFor(leafID string) ([]*models.Message, error) {
	if leafID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chain []*models.Message
	visited := make(map[string]struct{})
	for id := leafID; id != ""; {
		if _, seen := visited[id]; seen {
			log.Error().Str("message_id", leafID).Str("revisited", id).Msg("cycle in message parent chain")
			return nil, errors.Wrapf(ErrCycle, "at %s", id)
		}
		visited[id] = struct{}{}
		msg, ok := s.byID[id]
		if !ok {
			break
		}
		chain = append(chain, msg.Clone())
		id = msg.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// SubtreeOf returns id and all of its transitive children, breadth first.
func (s *Store) SubtreeOf(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subtreeLocked(id)
}

func (s *Store) subtreeLocked(id string) []string {
	if _, ok := s.byID[id]; !ok {
		return nil
	}
	out := []string{id}
	seen := map[string]struct{}{id: {}}
	for i := 0; i < len(out); i++ {
		for _, child := range s.children[out[i]] {
			if _, dup := seen[child]; dup {
				continue
			}
			seen[child] = struct{}{}
			out = append(out, child)
		}
	}
	return out
}

// DeleteSubtree removes id and its descendants as one batch. The batch is
// retried as a whole; the mirror changes only after persistence succeeds.
func (s *Store) DeleteSubtree(ctx context.Context, id string) ([]string, error) {
	ids := s.SubtreeOf(id)
	if len(ids) == 0 {
		return nil, ErrNotFound
	}

	var err error
	for attempt := 1; attempt <= deleteAttempts; attempt++ {
		if err = s.db.DeleteMessages(ctx, ids); err == nil {
			break
		}
		log.Warn().Err(err).Str("message_id", id).Int("attempt", attempt).Msg("delete subtree failed")
		if ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "delete subtree %s", id)
	}

	s.mu.Lock()
	head, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return ids, nil
	}
	roomID, parentID := head.RoomID, head.ParentID
	gone := make(map[string]struct{}, len(ids))
	for _, d := range ids {
		gone[d] = struct{}{}
		delete(s.byID, d)
		delete(s.children, d)
		delete(s.generating, d)
	}
	if parentID != "" {
		s.children[parentID] = without(s.children[parentID], gone)
	}
	s.rooms[roomID] = without(s.rooms[roomID], gone)
	s.mu.Unlock()

	s.pub.Publish(events.Event{Type: events.MessageDeleted, RoomID: roomID, MessageID: id, Data: ids})
	return ids, nil
}

// ForgetRoom drops a room from the mirror after it was deleted.
func (s *Store) ForgetRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.rooms[roomID] {
		delete(s.byID, id)
		delete(s.children, id)
		delete(s.generating, id)
	}
	delete(s.rooms, roomID)
	delete(s.loaded, roomID)
}

func without(ids []string, gone map[string]struct{}) []string {
	out := ids[:0]
	for _, id := range ids {
		if _, ok := gone[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// ---- generating set ----

func (s *Store) IsGenerating(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.generating[id]
	return ok
}

func (s *Store) StartGenerating(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generating[id] = struct{}{}
}

func (s *Store) StopGenerating(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.generating, id)
}

// HasGeneratingAncestor reports whether any strict ancestor of id is generating.
func (s *Store) HasGeneratingAncestor(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.byID[id]
	if !ok {
		return false
	}
	visited := map[string]struct{}{id: {}}
	for p := msg.ParentID; p != ""; {
		if _, seen := visited[p]; seen {
			return false
		}
		visited[p] = struct{}{}
		if _, gen := s.generating[p]; gen {
			return true
		}
		parent, ok := s.byID[p]
		if !ok {
			return false
		}
		p = parent.ParentID
	}
	return false
}

// ---- mutations ----

func (s *Store) AppendContent(ctx context.Context, id, delta string) error {
	roomID, err := s.roomOf(id)
	if err != nil {
		return err
	}
	if err := s.db.AppendContent(ctx, id, delta); err != nil {
		return err
	}
	s.mutate(id, func(m *models.Message) { m.Content += delta })
	s.pub.Publish(events.Event{Type: events.MessageContent, RoomID: roomID, MessageID: id, Data: map[string]string{"delta": delta}})
	return nil
}

func (s *Store) SetContent(ctx context.Context, id, text string) error {
	return s.update(ctx, id, func() error { return s.db.SetContent(ctx, id, text) },
		func(m *models.Message) { m.Content = text })
}

func (s *Store) AppendSummary(ctx context.Context, id, delta string) error {
	roomID, err := s.roomOf(id)
	if err != nil {
		return err
	}
	if err := s.db.AppendSummary(ctx, id, delta); err != nil {
		return err
	}
	s.mutate(id, func(m *models.Message) {
		cur := ""
		if m.Summary != nil {
			cur = *m.Summary
		}
		cur += delta
		m.Summary = &cur
	})
	s.pub.Publish(events.Event{Type: events.MessageSummary, RoomID: roomID, MessageID: id, Data: map[string]string{"delta": delta}})
	return nil
}

func (s *Store) SetSummary(ctx context.Context, id, text string) error {
	return s.update(ctx, id, func() error { return s.db.SetSummary(ctx, id, &text) },
		func(m *models.Message) { v := text; m.Summary = &v })
}

func (s *Store) SetShowSummary(ctx context.Context, id string, show bool) error {
	return s.update(ctx, id, func() error { return s.db.SetShowSummary(ctx, id, show) },
		func(m *models.Message) { m.ShowSummary = show })
}

// SetError records a generation error; an empty text clears it.
func (s *Store) SetError(ctx context.Context, id, text string) error {
	var val *string
	if text != "" {
		val = &text
	}
	return s.update(ctx, id, func() error { return s.db.SetError(ctx, id, val) },
		func(m *models.Message) {
			if val == nil {
				m.Error = nil
				return
			}
			v := *val
			m.Error = &v
		})
}

func (s *Store) SetGenerationInfo(ctx context.Context, id, provider, model string, memoryIDs []string) error {
	return s.update(ctx, id, func() error { return s.db.SetGenerationInfo(ctx, id, provider, model, memoryIDs) },
		func(m *models.Message) {
			m.Provider = provider
			m.Model = model
			m.Memory = append([]string(nil), memoryIDs...)
		})
}

func (s *Store) update(ctx context.Context, id string, persist func() error, apply func(*models.Message)) error {
	roomID, err := s.roomOf(id)
	if err != nil {
		return err
	}
	if err := persist(); err != nil {
		return err
	}
	updated := s.mutate(id, apply)
	if updated != nil {
		s.pub.Publish(events.Event{Type: events.MessageUpdated, RoomID: roomID, MessageID: id, Data: updated})
	}
	return nil
}

func (s *Store) mutate(id string, apply func(*models.Message)) *models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.byID[id]
	if !ok {
		return nil
	}
	apply(msg)
	msg.UpdatedAt = time.Now().UTC()
	return msg.Clone()
}

func (s *Store) roomOf(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.byID[id]
	if !ok {
		return "", errors.Wrapf(ErrNotFound, "message %s", id)
	}
	return msg.RoomID, nil
}
