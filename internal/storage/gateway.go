package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"flowchat/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrResultAlreadySet is returned when a tool call result is written twice.
var ErrResultAlreadySet = errors.New("tool call result already set")

// Gateway is the persistence layer for rooms, templates, messages, memories
// and tool calls. It is safe for concurrent use.
type Gateway struct {
	db     *sql.DB
	driver string
}

func NewGateway(db *sql.DB, driver string) *Gateway {
	return &Gateway{db: db, driver: strings.ToLower(driver)}
}

func (g *Gateway) DB() *sql.DB { return g.db }

func (g *Gateway) isMySQL() bool { return g.driver == "mysql" }

func newID() string { return uuid.NewString() }

func now() time.Time { return time.Now().UTC() }

// ---- rooms ----

func (g *Gateway) CreateRoom(ctx context.Context, name, templateID, defaultModel string) (*models.Room, error) {
	ts := now()
	room := &models.Room{
		ID:           newID(),
		Name:         name,
		TemplateID:   templateID,
		DefaultModel: defaultModel,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO rooms(id, name, template_id, default_model, created_at, updated_at) VALUES(?, ?, ?, ?, ?, ?)`,
		room.ID, room.Name, nullString(templateID), nullString(defaultModel), ts, ts)
	if err != nil {
		return nil, errors.Wrap(err, "insert room")
	}
	return room, nil
}

func (g *Gateway) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	row := g.db.QueryRowContext(ctx,
		`SELECT id, name, template_id, default_model, created_at, updated_at FROM rooms WHERE id = ?`, id)
	room, err := scanRoom(row)
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (g *Gateway) ListRooms(ctx context.Context) ([]*models.Room, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT id, name, template_id, default_model, created_at, updated_at FROM rooms ORDER BY seq`)
	if err != nil {
		return nil, errors.Wrap(err, "list rooms")
	}
	defer rows.Close()

	var rooms []*models.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (g *Gateway) RenameRoom(ctx context.Context, id, name string) error {
	return g.execOne(ctx, `UPDATE rooms SET name = ?, updated_at = ? WHERE id = ?`, name, now(), id)
}

func (g *Gateway) SetRoomDefaultModel(ctx context.Context, id, model string) error {
	return g.execOne(ctx, `UPDATE rooms SET default_model = ?, updated_at = ? WHERE id = ?`, nullString(model), now(), id)
}

// DeleteRoom removes the room with all of its messages and tool calls.
func (g *Gateway) DeleteRoom(ctx context.Context, id string) error {
	return g.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM tool_calls WHERE message_id IN (SELECT id FROM messages WHERE room_id = ?)`, id); err != nil {
			return errors.Wrap(err, "delete room tool calls")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE room_id = ?`, id); err != nil {
			return errors.Wrap(err, "delete room messages")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE scope = ? AND room_id = ?`, string(models.ScopeRoom), id); err != nil {
			return errors.Wrap(err, "delete room memories")
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id)
		if err != nil {
			return errors.Wrap(err, "delete room")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// ---- templates ----

func (g *Gateway) CreateTemplate(ctx context.Context, name, systemPrompt string) (*models.Template, error) {
	tpl := &models.Template{ID: newID(), Name: name, SystemPrompt: systemPrompt, CreatedAt: now()}
	if _, err := g.db.ExecContext(ctx,
		`INSERT INTO templates(id, name, system_prompt, created_at) VALUES(?, ?, ?, ?)`,
		tpl.ID, tpl.Name, tpl.SystemPrompt, tpl.CreatedAt); err != nil {
		return nil, errors.Wrap(err, "insert template")
	}
	return tpl, nil
}

func (g *Gateway) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	var tpl models.Template
	err := g.db.QueryRowContext(ctx,
		`SELECT id, name, system_prompt, created_at FROM templates WHERE id = ?`, id).
		Scan(&tpl.ID, &tpl.Name, &tpl.SystemPrompt, &tpl.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &tpl, nil
}

func (g *Gateway) ListTemplates(ctx context.Context) ([]*models.Template, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT id, name, system_prompt, created_at FROM templates ORDER BY seq`)
	if err != nil {
		return nil, errors.Wrap(err, "list templates")
	}
	defer rows.Close()
	var out []*models.Template
	for rows.Next() {
		var tpl models.Template
		if err := rows.Scan(&tpl.ID, &tpl.Name, &tpl.SystemPrompt, &tpl.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan template")
		}
		out = append(out, &tpl)
	}
	return out, rows.Err()
}

// ---- messages ----

const messageColumns = `id, room_id, parent_id, role, content, provider, model, summary, show_summary, memory, embedding, error, created_at, updated_at`

// CreateMessage inserts msg, assigning an id and timestamps when missing.
func (g *Gateway) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now()
	}
	msg.UpdatedAt = msg.CreatedAt
	memory, err := encodeJSON(msg.Memory)
	if err != nil {
		return err
	}
	embedding, err := encodeJSON(msg.Embedding)
	if err != nil {
		return err
	}
	_, err = g.db.ExecContext(ctx,
		`INSERT INTO messages(`+messageColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.RoomID, nullString(msg.ParentID), string(msg.Role), msg.Content,
		nullString(msg.Provider), nullString(msg.Model), msg.Summary, msg.ShowSummary,
		memory, embedding, msg.Error, msg.CreatedAt, msg.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "insert message")
	}
	return nil
}

func (g *Gateway) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := g.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// ListMessagesByRoom returns every message of the room in creation order.
func (g *Gateway) ListMessagesByRoom(ctx context.Context, roomID string) ([]*models.Message, error) {
	return g.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE room_id = ? ORDER BY seq`, roomID)
}

// AppendContent appends delta in a single statement so concurrent appends
// never race with a read-modify-write. Any embedding of the old content is
// dropped so the backfill picks the message up again.
func (g *Gateway) AppendContent(ctx context.Context, id, delta string) error {
	return g.execOne(ctx, `UPDATE messages SET content = `+g.concat("content")+`, embedding = NULL, updated_at = ? WHERE id = ?`, delta, now(), id)
}

func (g *Gateway) SetContent(ctx context.Context, id, text string) error {
	return g.execOne(ctx, `UPDATE messages SET content = ?, embedding = NULL, updated_at = ? WHERE id = ?`, text, now(), id)
}

func (g *Gateway) AppendSummary(ctx context.Context, id, delta string) error {
	return g.execOne(ctx, `UPDATE messages SET summary = `+g.concat("COALESCE(summary, '')")+`, updated_at = ? WHERE id = ?`, delta, now(), id)
}

func (g *Gateway) SetSummary(ctx context.Context, id string, text *string) error {
	return g.execOne(ctx, `UPDATE messages SET summary = ?, updated_at = ? WHERE id = ?`, text, now(), id)
}

func (g *Gateway) SetShowSummary(ctx context.Context, id string, show bool) error {
	return g.execOne(ctx, `UPDATE messages SET show_summary = ?, updated_at = ? WHERE id = ?`, show, now(), id)
}

// SetError records msg as the generation error; nil clears it.
func (g *Gateway) SetError(ctx context.Context, id string, msg *string) error {
	return g.execOne(ctx, `UPDATE messages SET error = ?, updated_at = ? WHERE id = ?`, msg, now(), id)
}

// SetGenerationInfo records which provider, model and memories produced a message.
func (g *Gateway) SetGenerationInfo(ctx context.Context, id, provider, model string, memoryIDs []string) error {
	memory, err := encodeJSON(memoryIDs)
	if err != nil {
		return err
	}
	return g.execOne(ctx, `UPDATE messages SET provider = ?, model = ?, memory = ?, updated_at = ? WHERE id = ?`,
		nullString(provider), nullString(model), memory, now(), id)
}

// DeleteMessages removes messages and their tool calls in one transaction.
func (g *Gateway) DeleteMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return g.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tool_calls WHERE message_id IN (`+placeholders+`)`, args...); err != nil {
			return errors.Wrap(err, "delete tool calls")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id IN (`+placeholders+`)`, args...); err != nil {
			return errors.Wrap(err, "delete messages")
		}
		return nil
	})
}

// UpdateEmbedding stores the embedding of content only while the message
// still holds exactly that content. It reports whether the row was written.
func (g *Gateway) UpdateEmbedding(ctx context.Context, id, content string, embedding []float64) (bool, error) {
	encoded, err := encodeJSON(embedding)
	if err != nil {
		return false, err
	}
	res, err := g.db.ExecContext(ctx, `UPDATE messages SET embedding = ? WHERE id = ? AND content = ?`, encoded, id, content)
	if err != nil {
		return false, errors.Wrap(err, "update embedding")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "update embedding")
	}
	return n > 0, nil
}

// MessagesWithoutEmbedding lists non-empty messages that still need an embedding.
func (g *Gateway) MessagesWithoutEmbedding(ctx context.Context, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	return g.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE embedding IS NULL AND content <> '' ORDER BY seq LIMIT ?`, limit)
}

// SimilaritySearch ranks embedded messages by cosine similarity to query,
// highest first. Messages whose embedding has another dimension are skipped.
func (g *Gateway) SimilaritySearch(ctx context.Context, query []float64, limit int) ([]models.ScoredMessage, error) {
	msgs, err := g.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages WHERE embedding IS NOT NULL ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	return rankBySimilarity(query, msgs, limit), nil
}

// SearchByContent does a case-insensitive substring match, optionally within one room.
func (g *Gateway) SearchByContent(ctx context.Context, keyword, roomID string) ([]*models.Message, error) {
	pattern := "%" + strings.ToLower(keyword) + "%"
	if roomID != "" {
		return g.queryMessages(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE room_id = ? AND LOWER(content) LIKE ? ORDER BY seq`, roomID, pattern)
	}
	return g.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE LOWER(content) LIKE ? ORDER BY seq`, pattern)
}

// ---- memories ----

const memoryColumns = `id, content, scope, room_id, tags, created_at, updated_at`

// FindMemory looks up the row for the (scope, content, room) triple.
func (g *Gateway) FindMemory(ctx context.Context, scope models.MemoryScope, content string, roomID *string) (*models.Memory, error) {
	var row *sql.Row
	if roomID == nil {
		row = g.db.QueryRowContext(ctx,
			`SELECT `+memoryColumns+` FROM memories WHERE scope = ? AND content = ? AND room_id IS NULL ORDER BY seq LIMIT 1`,
			string(scope), content)
	} else {
		row = g.db.QueryRowContext(ctx,
			`SELECT `+memoryColumns+` FROM memories WHERE scope = ? AND content = ? AND room_id = ? ORDER BY seq LIMIT 1`,
			string(scope), content, *roomID)
	}
	return scanMemory(row)
}

func (g *Gateway) GetMemory(ctx context.Context, id string) (*models.Memory, error) {
	return scanMemory(g.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id))
}

func (g *Gateway) InsertMemory(ctx context.Context, m *models.Memory) error {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now()
	}
	m.UpdatedAt = m.CreatedAt
	tags, err := json.Marshal(nonNilTags(m.Tags))
	if err != nil {
		return errors.Wrap(err, "encode tags")
	}
	_, err = g.db.ExecContext(ctx,
		`INSERT INTO memories(`+memoryColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Content, string(m.Scope), m.RoomID, string(tags), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "insert memory")
	}
	return nil
}

func (g *Gateway) UpdateMemoryTags(ctx context.Context, id string, tags []string, at time.Time) error {
	encoded, err := json.Marshal(nonNilTags(tags))
	if err != nil {
		return errors.Wrap(err, "encode tags")
	}
	return g.execOne(ctx, `UPDATE memories SET tags = ?, updated_at = ? WHERE id = ?`, string(encoded), at, id)
}

// ListMemories returns global memories plus those scoped to roomID, in creation order.
func (g *Gateway) ListMemories(ctx context.Context, roomID string) ([]*models.Memory, error) {
	return g.queryMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE scope = ? OR (scope = ? AND room_id = ?) ORDER BY seq`,
		string(models.ScopeGlobal), string(models.ScopeRoom), roomID)
}

func (g *Gateway) ListAllMemories(ctx context.Context) ([]*models.Memory, error) {
	return g.queryMemories(ctx, `SELECT `+memoryColumns+` FROM memories ORDER BY seq`)
}

func (g *Gateway) DeleteMemory(ctx context.Context, id string) error {
	res, err := g.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete memory")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ---- tool calls ----

const toolCallColumns = `id, message_id, tool_name, parameters, result, position, created_at`

// CreateToolCall inserts a pending call (result stays NULL).
func (g *Gateway) CreateToolCall(ctx context.Context, tc *models.ToolCall) error {
	if tc.ID == "" {
		tc.ID = newID()
	}
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = now()
	}
	params := string(tc.Parameters)
	if params == "" {
		params = "{}"
	}
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO tool_calls(id, message_id, tool_name, parameters, result, position, created_at) VALUES(?, ?, ?, ?, NULL, ?, ?)`,
		tc.ID, tc.MessageID, tc.ToolName, params, tc.Position, tc.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "insert tool call")
	}
	tc.Parameters = json.RawMessage(params)
	tc.Result = nil
	return nil
}

// SetToolCallResult writes the terminal result; a second write fails with ErrResultAlreadySet.
func (g *Gateway) SetToolCallResult(ctx context.Context, id string, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	res, err := g.db.ExecContext(ctx, `UPDATE tool_calls SET result = ? WHERE id = ? AND result IS NULL`, string(result), id)
	if err != nil {
		return errors.Wrap(err, "update tool call result")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	if err := g.db.QueryRowContext(ctx, `SELECT 1 FROM tool_calls WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	return ErrResultAlreadySet
}

func (g *Gateway) GetToolCall(ctx context.Context, id string) (*models.ToolCall, error) {
	return scanToolCall(g.db.QueryRowContext(ctx, `SELECT `+toolCallColumns+` FROM tool_calls WHERE id = ?`, id))
}

// ListToolCalls returns the calls for a message in creation order.
func (g *Gateway) ListToolCalls(ctx context.Context, messageID string) ([]*models.ToolCall, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT `+toolCallColumns+` FROM tool_calls WHERE message_id = ? ORDER BY seq`, messageID)
	if err != nil {
		return nil, errors.Wrap(err, "list tool calls")
	}
	defer rows.Close()
	var out []*models.ToolCall
	for rows.Next() {
		tc, err := scanToolCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

// ---- helpers ----

type scanner interface {
	Scan(dest ...any) error
}

func (g *Gateway) concat(expr string) string {
	if g.isMySQL() {
		return "CONCAT(" + expr + ", ?)"
	}
	return expr + " || ?"
}

func (g *Gateway) execOne(ctx context.Context, query string, args ...any) error {
	if _, err := g.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(err, "update")
	}
	return nil
}

func (g *Gateway) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

func (g *Gateway) queryMessages(ctx context.Context, query string, args ...any) ([]*models.Message, error) {
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (g *Gateway) queryMemories(ctx context.Context, query string, args ...any) ([]*models.Memory, error) {
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query memories")
	}
	defer rows.Close()
	var out []*models.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanRoom(s scanner) (*models.Room, error) {
	var (
		room                     models.Room
		templateID, defaultModel sql.NullString
	)
	if err := s.Scan(&room.ID, &room.Name, &templateID, &defaultModel, &room.CreatedAt, &room.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan room")
	}
	room.TemplateID = templateID.String
	room.DefaultModel = defaultModel.String
	return &room, nil
}

func scanMessage(s scanner) (*models.Message, error) {
	var (
		msg                                models.Message
		role                               string
		parentID, provider, model          sql.NullString
		summary, memory, embedding, errMsg sql.NullString
	)
	err := s.Scan(&msg.ID, &msg.RoomID, &parentID, &role, &msg.Content, &provider, &model,
		&summary, &msg.ShowSummary, &memory, &embedding, &errMsg, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan message")
	}
	msg.Role = models.Role(role)
	msg.ParentID = parentID.String
	msg.Provider = provider.String
	msg.Model = model.String
	if summary.Valid {
		s := summary.String
		msg.Summary = &s
	}
	if errMsg.Valid {
		e := errMsg.String
		msg.Error = &e
	}
	if memory.Valid && memory.String != "" {
		if err := json.Unmarshal([]byte(memory.String), &msg.Memory); err != nil {
			return nil, errors.Wrapf(err, "decode memory ids of %s", msg.ID)
		}
	}
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &msg.Embedding); err != nil {
			return nil, errors.Wrapf(err, "decode embedding of %s", msg.ID)
		}
	}
	return &msg, nil
}

func scanMemory(s scanner) (*models.Memory, error) {
	var (
		m      models.Memory
		scope  string
		roomID sql.NullString
		tags   string
	)
	if err := s.Scan(&m.ID, &m.Content, &scope, &roomID, &tags, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan memory")
	}
	m.Scope = models.MemoryScope(scope)
	if roomID.Valid {
		r := roomID.String
		m.RoomID = &r
	}
	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
		return nil, errors.Wrapf(err, "decode tags of %s", m.ID)
	}
	m.Tags = nonNilTags(m.Tags)
	return &m, nil
}

func scanToolCall(s scanner) (*models.ToolCall, error) {
	var (
		tc       models.ToolCall
		params   string
		result   sql.NullString
		position sql.NullFloat64
	)
	if err := s.Scan(&tc.ID, &tc.MessageID, &tc.ToolName, &params, &result, &position, &tc.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan tool call")
	}
	tc.Parameters = json.RawMessage(params)
	if result.Valid {
		tc.Result = json.RawMessage(result.String)
	}
	if position.Valid {
		p := position.Float64
		tc.Position = &p
	}
	return &tc, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// encodeJSON returns a NULL for empty slices and the JSON text otherwise.
func encodeJSON[T any](values []T) (sql.NullString, error) {
	if len(values) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return sql.NullString{}, errors.Wrap(err, "encode json column")
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
