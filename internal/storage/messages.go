package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/careline/careline/internal/chat"
	"github.com/careline/careline/internal/proto"
)

var _ chat.Cache = (*DB)(nil)

func millis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

const upsertMessage = `
	INSERT INTO _messages
		(id, conversation_id, sender_id, sender_role, receiver_id, receiver_role,
		 kind, content, status, sent_at, delivered_at, read_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		content      = excluded.content,
		status       = MAX(_messages.status, excluded.status),
		delivered_at = COALESCE(_messages.delivered_at, excluded.delivered_at),
		read_at      = COALESCE(_messages.read_at, excluded.read_at)`

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func putMessage(x execer, m chat.Message) error {
	_, err := x.Exec(upsertMessage,
		m.ID, m.ConversationID, m.SenderID, string(m.SenderRole), m.ReceiverID, string(m.ReceiverRole),
		string(m.Kind), m.Content, int(m.Status), m.SentAt.UnixMilli(), millis(m.DeliveredAt), millis(m.ReadAt),
	)
	return err
}

// Put stores a message. Placeholders of unacknowledged sends are not
// cached.
func (d *DB) Put(m chat.Message) error {
	if m.Local || m.ID == "" {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return putMessage(d.db, m)
}

// Replace swaps the cached history of a conversation for msgs.
func (d *DB) Replace(conversationID string, msgs []chat.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM _messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear %s: %w", conversationID, err)
	}
	for _, m := range msgs {
		if m.Local || m.ID == "" {
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if err := putMessage(tx, m); err != nil {
			return fmt.Errorf("store %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// SetStatus moves a cached message forward to status. It never moves a
// status backwards and unknown ids are ignored.
func (d *DB) SetStatus(messageID string, status chat.Status, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	ms := at.UnixMilli()

	var readAt any
	if status == chat.StatusRead {
		readAt = ms
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		UPDATE _messages SET
			status       = ?,
			delivered_at = COALESCE(delivered_at, ?),
			read_at      = COALESCE(read_at, ?)
		WHERE id = ? AND status < ?`,
		int(status), ms, readAt, messageID, int(status),
	)
	return err
}

// Load returns the cached messages of a conversation in arrival order.
func (d *DB) Load(conversationID string) ([]chat.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT id, conversation_id, sender_id, sender_role, receiver_id, receiver_role,
		       kind, content, status, sent_at, delivered_at, read_at
		FROM _messages WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var (
			m                        chat.Message
			senderRole, receiverRole string
			kind                     string
			status                   int
			sentAt                   int64
			deliveredAt, readAt      sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &senderRole, &m.ReceiverID, &receiverRole,
			&kind, &m.Content, &status, &sentAt, &deliveredAt, &readAt); err != nil {
			return nil, err
		}
		m.SenderRole = proto.Role(senderRole)
		m.ReceiverRole = proto.Role(receiverRole)
		m.Kind = proto.MessageKind(kind)
		m.Status = chat.Status(status)
		m.SentAt = time.UnixMilli(sentAt).UTC()
		m.DeliveredAt = fromMillis(deliveredAt)
		m.ReadAt = fromMillis(readAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Conversations lists the ids of every cached conversation.
func (d *DB) Conversations() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT conversation_id FROM _messages
		GROUP BY conversation_id ORDER BY MAX(sent_at) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
