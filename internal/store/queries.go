package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/patrickmn/go-cache"

	"zapinbox/internal/models"
	"zapinbox/internal/realtime"
)

// ConversationQuery scopes the active conversation list for one viewer.
// Status "" means the default view: open conversations assigned to the viewer
// plus pending ones routed to a department the viewer can access.
type ConversationQuery struct {
	ClinicID string
	ViewerID string
	Status   models.ConversationStatus
	Channel  models.Channel
}

func (s *Store) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	var c models.Conversation
	err := s.db.GetContext(ctx, &c, s.db.Rebind(`SELECT * FROM conversations WHERE id = ?`), id)
	return c, notFound(err)
}

func (s *Store) GetContact(ctx context.Context, id string) (models.Contact, error) {
	var c models.Contact
	err := s.db.GetContext(ctx, &c, s.db.Rebind(`SELECT * FROM contacts WHERE id = ?`), id)
	return c, notFound(err)
}

func (s *Store) GetMessage(ctx context.Context, id string) (models.Message, error) {
	var m models.Message
	err := s.db.GetContext(ctx, &m, s.db.Rebind(`SELECT * FROM messages WHERE id = ?`), id)
	return m, notFound(err)
}

// ListMessages returns a conversation's messages oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	msgs := []models.Message{}
	err := s.db.SelectContext(ctx, &msgs, s.db.Rebind(`
		SELECT * FROM messages WHERE conversation_id = ? ORDER BY sent_at, created_at, id`), conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// AccessibleDepartments lists the departments a viewer may see pending work for.
// department_members wins; the membership's own department is the fallback.
func (s *Store) AccessibleDepartments(ctx context.Context, viewerID, clinicID string) ([]string, error) {
	key := clinicID + "|" + viewerID
	if v, ok := s.access.Get(key); ok {
		return v.([]string), nil
	}

	deps := []string{}
	err := s.db.SelectContext(ctx, &deps, s.db.Rebind(`
		SELECT department_id FROM department_members WHERE user_id = ? ORDER BY department_id`), viewerID)
	if err != nil {
		return nil, fmt.Errorf("load department members: %w", err)
	}
	if len(deps) == 0 {
		var dep sql.NullString
		err := s.db.GetContext(ctx, &dep, s.db.Rebind(`
			SELECT department_id FROM memberships WHERE user_id = ? AND clinic_id = ?`), viewerID, clinicID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("load membership: %w", err)
		}
		if dep.Valid && dep.String != "" {
			deps = append(deps, dep.String)
		}
	}

	s.access.Set(key, deps, cache.DefaultExpiration)
	return deps, nil
}

// ListConversations returns the viewer's active conversations, most recent activity first.
func (s *Store) ListConversations(ctx context.Context, q ConversationQuery) ([]models.ConversationView, error) {
	deps, err := s.AccessibleDepartments(ctx, q.ViewerID, q.ClinicID)
	if err != nil {
		return nil, err
	}

	mine := "(status = 'open' AND assigned_user_id = ?)"
	pending := "(status = 'pending' AND department_id IS NULL)"
	if len(deps) > 0 {
		pending = "(status = 'pending' AND (department_id IS NULL OR department_id IN (?)))"
	}

	conds := []string{"clinic_id = ?", "status <> 'closed'"}
	args := []interface{}{q.ClinicID}
	switch q.Status {
	case models.StatusOpen:
		conds = append(conds, mine)
		args = append(args, q.ViewerID)
	case models.StatusPending:
		conds = append(conds, pending)
		if len(deps) > 0 {
			args = append(args, deps)
		}
	case models.StatusClosed:
		return []models.ConversationView{}, nil
	default:
		conds = append(conds, "("+mine+" OR "+pending+")")
		args = append(args, q.ViewerID)
		if len(deps) > 0 {
			args = append(args, deps)
		}
	}
	if q.Channel != "" {
		conds = append(conds, "channel = ?")
		args = append(args, q.Channel)
	}

	query := "SELECT * FROM conversations WHERE " + strings.Join(conds, " AND ") +
		" ORDER BY COALESCE(last_message_at, created_at) DESC, id"
	query, args, err = sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("build conversation query: %w", err)
	}

	convs := []models.Conversation{}
	if err := s.db.SelectContext(ctx, &convs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return s.hydrate(ctx, convs)
}

func (s *Store) hydrate(ctx context.Context, convs []models.Conversation) ([]models.ConversationView, error) {
	views := make([]models.ConversationView, 0, len(convs))
	if len(convs) == 0 {
		return views, nil
	}

	convIDs := make([]string, 0, len(convs))
	contactIDs := make([]string, 0, len(convs))
	for _, c := range convs {
		convIDs = append(convIDs, c.ID)
		contactIDs = append(contactIDs, c.ContactID)
	}

	contacts := []models.Contact{}
	if err := s.selectIn(ctx, &contacts, `SELECT * FROM contacts WHERE id IN (?)`, contactIDs); err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	contactByID := make(map[string]models.Contact, len(contacts))
	for _, c := range contacts {
		contactByID[c.ID] = c
	}

	latest := []models.Message{}
	if err := s.selectIn(ctx, &latest, `
		SELECT m.* FROM messages m
		WHERE m.conversation_id IN (?)
		AND m.sent_at = (SELECT MAX(x.sent_at) FROM messages x WHERE x.conversation_id = m.conversation_id)`,
		convIDs); err != nil {
		return nil, fmt.Errorf("load last messages: %w", err)
	}
	lastByConv := make(map[string]models.Message, len(latest))
	for _, m := range latest {
		if prev, ok := lastByConv[m.ConversationID]; ok && prev.CreatedAt > m.CreatedAt {
			continue
		}
		lastByConv[m.ConversationID] = m
	}

	tags, err := s.tagsFor(ctx, convIDs)
	if err != nil {
		return nil, err
	}

	for _, c := range convs {
		v := models.ConversationView{Conversation: c, Contact: contactByID[c.ContactID], Tags: tags[c.ID]}
		if v.Tags == nil {
			v.Tags = []models.Tag{}
		}
		if m, ok := lastByConv[c.ID]; ok {
			m := m
			v.LastMessage = &m
		}
		views = append(views, v)
	}
	return views, nil
}

type conversationTagRow struct {
	ConversationID string `db:"conversation_id"`
	models.Tag
}

func (s *Store) tagsFor(ctx context.Context, convIDs []string) (map[string][]models.Tag, error) {
	rows := []conversationTagRow{}
	if err := s.selectIn(ctx, &rows, `
		SELECT ct.conversation_id, t.id, t.clinic_id, t.name, t.color
		FROM conversation_tags ct JOIN tags t ON t.id = ct.tag_id
		WHERE ct.conversation_id IN (?)
		ORDER BY t.name, t.id`, convIDs); err != nil {
		return nil, fmt.Errorf("load conversation tags: %w", err)
	}
	out := make(map[string][]models.Tag)
	for _, r := range rows {
		out[r.ConversationID] = append(out[r.ConversationID], r.Tag)
	}
	return out, nil
}

// ConversationTags returns the full tag set of one conversation.
func (s *Store) ConversationTags(ctx context.Context, conversationID string) ([]models.Tag, error) {
	tags, err := s.tagsFor(ctx, []string{conversationID})
	if err != nil {
		return nil, err
	}
	if tags[conversationID] == nil {
		return []models.Tag{}, nil
	}
	return tags[conversationID], nil
}

func (s *Store) selectIn(ctx context.Context, dest interface{}, query string, ids []string) error {
	q, args, err := sqlx.In(query, ids)
	if err != nil {
		return err
	}
	return s.db.SelectContext(ctx, dest, s.db.Rebind(q), args...)
}

// LoadRow returns the JSON image of a row, used to expand id-only change notifications.
func (s *Store) LoadRow(ctx context.Context, table, id string) (json.RawMessage, error) {
	var row interface{}
	var err error
	switch table {
	case realtime.TableMessages:
		row, err = s.GetMessage(ctx, id)
	case realtime.TableConversations:
		row, err = s.GetConversation(ctx, id)
	default:
		return nil, fmt.Errorf("no row loader for table %q", table)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(row)
}
