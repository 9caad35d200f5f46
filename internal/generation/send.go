package generation

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"time"
	"unicode"

	"flowchat/internal/events"
	"flowchat/internal/models"
	"flowchat/internal/worker"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	maxRoomNameLength = 255
	titleTimeout      = time.Minute
)

var defaultNamePattern = regexp.MustCompile(`^Chat [A-Za-z]{3} \d{1,2} \d{1,2}:\d{2} [AP]M$`)

// IsDefaultRoomName reports whether name is a placeholder the first user
// message may replace.
func IsDefaultRoomName(name string) bool {
	name = strings.TrimSpace(name)
	switch name {
	case "", "Default Chat", "Tutorial":
		return true
	}
	return defaultNamePattern.MatchString(name)
}

// ParseModelOverride splits a leading "@model" off text.
func ParseModelOverride(text string) (model, rest string) {
	if !strings.HasPrefix(text, "@") {
		return "", text
	}
	i := strings.IndexFunc(text, unicode.IsSpace)
	if i <= 1 {
		return "", text
	}
	rest = strings.TrimSpace(text[i:])
	if rest == "" {
		return "", text
	}
	return text[1:i], rest
}

type SendRequest struct {
	RoomID   string
	ParentID string
	Text     string
	Provider string
	Model    string
}

// SendResult is the created user message and the run answering it.
type SendResult struct {
	UserMessage *models.Message
	Run         *Run
}

// SendMessage appends a user message under ParentID and starts the reply.
// The room is locked only until the user message exists.
func (o *Orchestrator) SendMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if override, rest := ParseModelOverride(text); override != "" {
		req.Model, text = override, rest
	}

	if !o.lockRoom(req.RoomID) {
		log.Info().Str("room_id", req.RoomID).Msg("send refused, room busy")
		return nil, ErrRoomBusy
	}
	user, room, firstUser, err := o.createUserMessage(ctx, &req, text)
	o.unlockRoom(req.RoomID)
	if err != nil {
		return nil, err
	}

	renamed := ""
	if firstUser && IsDefaultRoomName(room.Name) {
		renamed = truncateRunes(text, maxRoomNameLength)
		if err := o.renameRoom(ctx, room.ID, renamed); err != nil {
			log.Warn().Err(err).Str("room_id", room.ID).Msg("auto-rename failed")
			renamed = ""
		}
	}

	run, err := o.Generate(ctx, GenerateRequest{
		RoomID:   room.ID,
		ParentID: user.ID,
		Provider: req.Provider,
		Model:    req.Model,
	})
	if err != nil {
		return &SendResult{UserMessage: user}, err
	}
	if renamed != "" {
		go o.scheduleTopicTitle(run, room.ID, renamed, text)
	}
	return &SendResult{UserMessage: user, Run: run}, nil
}

func (o *Orchestrator) createUserMessage(ctx context.Context, req *SendRequest, text string) (*models.Message, *models.Room, bool, error) {
	room, err := o.rooms.GetRoom(ctx, req.RoomID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, false, errors.Wrapf(ErrNotFound, "room %s", req.RoomID)
		}
		return nil, nil, false, err
	}
	if req.Model == "" && req.Provider == "" && room.DefaultModel != "" {
		req.Model = room.DefaultModel
	}
	if _, _, err := o.resolve(req.Provider, req.Model); err != nil {
		return nil, nil, false, err
	}

	if err := o.store.LoadRoom(ctx, room.ID); err != nil {
		return nil, nil, false, err
	}
	if req.ParentID != "" {
		parent, ok := o.store.Get(req.ParentID)
		if !ok || parent.RoomID != room.ID {
			return nil, nil, false, errors.Wrapf(ErrNotFound, "parent %s", req.ParentID)
		}
		if o.store.IsGenerating(req.ParentID) || o.store.HasGeneratingAncestor(req.ParentID) {
			return nil, nil, false, ErrBusy
		}
	}

	firstUser := o.store.CountByRole(room.ID, models.RoleUser) == 0
	user, err := o.store.Create(ctx, &models.Message{
		RoomID:   room.ID,
		ParentID: req.ParentID,
		Role:     models.RoleUser,
		Content:  text,
	})
	if err != nil {
		return nil, nil, false, errors.Wrap(err, "create user message")
	}
	return user, room, firstUser, nil
}

func (o *Orchestrator) lockRoom(roomID string) bool {
	o.sendMu.Lock()
	defer o.sendMu.Unlock()
	if _, busy := o.sending[roomID]; busy {
		return false
	}
	o.sending[roomID] = struct{}{}
	return true
}

func (o *Orchestrator) unlockRoom(roomID string) {
	o.sendMu.Lock()
	defer o.sendMu.Unlock()
	delete(o.sending, roomID)
}

func (o *Orchestrator) renameRoom(ctx context.Context, roomID, name string) error {
	if err := o.rooms.RenameRoom(ctx, roomID, name); err != nil {
		return err
	}
	o.pub.Publish(events.Event{Type: events.RoomRenamed, RoomID: roomID, Data: map[string]string{"name": name}})
	return nil
}

// scheduleTopicTitle waits for a completed reply and queues the title job.
func (o *Orchestrator) scheduleTopicTitle(run *Run, roomID, expectedName, userText string) {
	<-run.Done()
	if run.Err() != nil {
		return
	}
	job := worker.Job{
		Key:  roomID,
		Name: "topic-title",
		Run: func(ctx context.Context) {
			o.applyTopicTitle(ctx, run, roomID, expectedName, userText)
		},
	}
	if o.jobs == nil {
		go job.Run(context.Background())
		return
	}
	if err := o.jobs.Submit(job); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("topic title not scheduled")
	}
}

// applyTopicTitle renames the room only while its name is still the one set
// from the first message.
func (o *Orchestrator) applyTopicTitle(ctx context.Context, run *Run, roomID, expectedName, userText string) {
	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	if !o.roomNamed(ctx, roomID, expectedName) {
		return
	}
	reply, ok := o.store.Get(run.MessageID)
	if !ok || strings.TrimSpace(reply.Content) == "" {
		return
	}
	provider, model, err := o.resolve(o.cfg.SummaryProvider, o.cfg.SummaryModel)
	if err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("topic title skipped")
		return
	}
	title, err := o.provider.TopicTitle(ctx, provider, model, userText, reply.Content)
	if err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("topic title failed")
		return
	}
	if title == "" || !o.roomNamed(ctx, roomID, expectedName) {
		return
	}
	if err := o.renameRoom(ctx, roomID, truncateRunes(title, maxRoomNameLength)); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("topic rename failed")
		return
	}
	log.Debug().Str("room_id", roomID).Str("title", title).Msg("room renamed to topic title")
}

func (o *Orchestrator) roomNamed(ctx context.Context, roomID, name string) bool {
	room, err := o.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return false
	}
	return room.Name == name
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
