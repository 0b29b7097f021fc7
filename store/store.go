// Package store persists messages, threads and attachments in sqlite. Every
// exported mutation is transactional per call; jobs mutate delivery state
// through it and never share in-memory message objects.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/opd-ai/smsecure/message"
)

// ErrNotFound indicates the message id does not exist.
var ErrNotFound = errors.New("message not found")

// MessageStore is the durable message database.
type MessageStore struct {
	db *sql.DB
}

// Open opens (or creates) the message database. An empty path opens an
// in-memory database.
func Open(ctx context.Context, path string) (*MessageStore, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" || trimmed == ":memory:" {
		trimmed = ":memory:"
		inMemory = true
	}

	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	s := &MessageStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *MessageStore) Close() error {
	return s.db.Close()
}

func (s *MessageStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS threads (
            id TEXT PRIMARY KEY,
            peer TEXT NOT NULL UNIQUE,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            thread_id TEXT NOT NULL,
            direction INTEGER NOT NULL,
            kind INTEGER NOT NULL,
            body TEXT NOT NULL,
            sender TEXT NOT NULL,
            subscription_id INTEGER NOT NULL,
            send_state INTEGER NOT NULL,
            download_state INTEGER NOT NULL,
            mark INTEGER NOT NULL,
            upgraded INTEGER NOT NULL,
            content_location TEXT NOT NULL,
            transaction_id BLOB,
            created_at INTEGER NOT NULL,
            sent_at INTEGER NOT NULL,
            received_at INTEGER NOT NULL,
            FOREIGN KEY(thread_id) REFERENCES threads(id)
        );`,
		`CREATE TABLE IF NOT EXISTS recipients (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            message_id TEXT NOT NULL,
            address TEXT NOT NULL,
            FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
        );`,
		`CREATE TABLE IF NOT EXISTS attachments (
            id TEXT PRIMARY KEY,
            message_id TEXT NOT NULL,
            content_type TEXT NOT NULL,
            data BLOB NOT NULL,
            size INTEGER NOT NULL,
            transfer_state INTEGER NOT NULL,
            FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
        );`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_recipients_message ON recipients(message_id);`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// threadFor resolves the conversation thread for a peer address, creating it
// on first contact.
func threadFor(ctx context.Context, tx *sql.Tx, peer string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM threads WHERE peer = ?;`, peer).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("resolve thread: %w", err)
	}

	id = uuid.NewString()
	_, err = tx.ExecContext(ctx, `INSERT INTO threads (id, peer, created_at) VALUES (?, ?, ?);`,
		id, peer, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	return id, nil
}

// InsertInbox stores an incoming message, resolving its thread by sender.
// It returns the message id and thread id.
func (s *MessageStore) InsertInbox(ctx context.Context, msg *message.Message) (string, string, error) {
	return s.insert(ctx, msg, msg.Sender)
}

// InsertOutbox stores an outgoing message, resolving its thread by the
// primary recipient.
func (s *MessageStore) InsertOutbox(ctx context.Context, msg *message.Message) (string, string, error) {
	return s.insert(ctx, msg, msg.PrimaryRecipient())
}

func (s *MessageStore) insert(ctx context.Context, msg *message.Message, peer string) (string, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	threadID, err := threadFor(ctx, tx, peer)
	if err != nil {
		return "", "", err
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.ThreadID = threadID

	_, err = tx.ExecContext(ctx, `INSERT INTO messages
        (id, thread_id, direction, kind, body, sender, subscription_id,
         send_state, download_state, mark, upgraded, content_location,
         transaction_id, created_at, sent_at, received_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		msg.ID, threadID, msg.Direction, msg.Kind, msg.Body, msg.Sender,
		msg.SubscriptionID, msg.SendState, msg.DownloadState, msg.Mark,
		boolToInt(msg.UpgradedSecure), msg.ContentLocation, msg.TransactionID,
		msg.CreatedAt.Unix(), msg.SentAt.Unix(), msg.ReceivedAt.Unix(),
	)
	if err != nil {
		return "", "", fmt.Errorf("insert message: %w", err)
	}

	for _, recipient := range msg.Recipients {
		_, err = tx.ExecContext(ctx, `INSERT INTO recipients (message_id, address) VALUES (?, ?);`,
			msg.ID, recipient)
		if err != nil {
			return "", "", fmt.Errorf("insert recipient: %w", err)
		}
	}

	for _, att := range msg.Attachments {
		if err := insertAttachment(ctx, tx, msg.ID, att); err != nil {
			return "", "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", "", fmt.Errorf("commit message: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "insert",
		"messageID": msg.ID,
		"threadID":  threadID,
		"direction": msg.Direction,
		"kind":      msg.Kind,
	}).Debug("Stored message")

	return msg.ID, threadID, nil
}

func insertAttachment(ctx context.Context, tx *sql.Tx, messageID string, att message.Attachment) error {
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO attachments
        (id, message_id, content_type, data, size, transfer_state)
        VALUES (?, ?, ?, ?, ?, ?);`,
		att.ID, messageID, att.ContentType, att.Data, att.Size, att.State)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

// StageAttachment adds one attachment to an already stored message.
func (s *MessageStore) StageAttachment(ctx context.Context, att message.Attachment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertAttachment(ctx, tx, att.MessageID, att); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit attachment: %w", err)
	}
	return nil
}

func (s *MessageStore) update(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSendState records a delivery-state transition.
func (s *MessageStore) MarkSendState(ctx context.Context, id string, state message.SendState) error {
	return s.update(ctx, `UPDATE messages SET send_state = ? WHERE id = ?;`, state, id)
}

// MarkSent records a successful send, including whether this attempt
// upgraded the conversation to secure transport.
func (s *MessageStore) MarkSent(ctx context.Context, id string, upgradedSecure bool) error {
	return s.update(ctx,
		`UPDATE messages SET send_state = ?, upgraded = ?, sent_at = ? WHERE id = ?;`,
		message.SendStateSentOk, boolToInt(upgradedSecure), time.Now().Unix(), id)
}

// MarkDelivered records a carrier delivery report.
func (s *MessageStore) MarkDelivered(ctx context.Context, id string) error {
	return s.MarkSendState(ctx, id, message.SendStateDelivered)
}

// MarkSentFailed records a terminal send failure.
func (s *MessageStore) MarkSentFailed(ctx context.Context, id string) error {
	return s.MarkSendState(ctx, id, message.SendStateSentFailedHard)
}

// MarkPendingInsecureFallback parks the message until the user approves
// plaintext transport.
func (s *MessageStore) MarkPendingInsecureFallback(ctx context.Context, id string) error {
	return s.MarkSendState(ctx, id, message.SendStatePendingInsecureFallback)
}

// MarkDownloadState records an MMS retrieval-state transition.
func (s *MessageStore) MarkDownloadState(ctx context.Context, id string, state message.DownloadState) error {
	return s.update(ctx, `UPDATE messages SET download_state = ? WHERE id = ?;`, state, id)
}

// SetMark records the cipher-layer verdict for a received message.
func (s *MessageStore) SetMark(ctx context.Context, id string, mark message.ReceiveMark) error {
	return s.update(ctx, `UPDATE messages SET mark = ? WHERE id = ?;`, mark, id)
}

// UpdateBody replaces the stored body and kind, used when a decrypt job
// turns ciphertext into readable plaintext.
func (s *MessageStore) UpdateBody(ctx context.Context, id, body string, kind message.Kind) error {
	return s.update(ctx, `UPDATE messages SET body = ?, kind = ?, mark = ? WHERE id = ?;`,
		body, kind, message.MarkNone, id)
}

// GetMessage loads one message with its recipients and attachments.
func (s *MessageStore) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	msg := &message.Message{}
	var createdAt, sentAt, receivedAt int64
	var upgraded int

	row := s.db.QueryRowContext(ctx, `SELECT id, thread_id, direction, kind,
        body, sender, subscription_id, send_state, download_state, mark,
        upgraded, content_location, transaction_id, created_at, sent_at,
        received_at FROM messages WHERE id = ?;`, id)
	err := row.Scan(&msg.ID, &msg.ThreadID, &msg.Direction, &msg.Kind,
		&msg.Body, &msg.Sender, &msg.SubscriptionID, &msg.SendState,
		&msg.DownloadState, &msg.Mark, &upgraded, &msg.ContentLocation,
		&msg.TransactionID, &createdAt, &sentAt, &receivedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}

	msg.UpgradedSecure = upgraded != 0
	msg.CreatedAt = time.Unix(createdAt, 0)
	msg.SentAt = time.Unix(sentAt, 0)
	msg.ReceivedAt = time.Unix(receivedAt, 0)

	if msg.Recipients, err = s.getRecipients(ctx, id); err != nil {
		return nil, err
	}
	if msg.Attachments, err = s.getAttachments(ctx, id); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns every stored message in creation order, recipients
// and attachments included. Backs the inbox view.
func (s *MessageStore) ListMessages(ctx context.Context) ([]*message.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM messages ORDER BY created_at, id;`)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	messages := make([]*message.Message, 0, len(ids))
	for _, id := range ids {
		msg, err := s.GetMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Delete removes a message and its dependent rows. Deleting an absent id is
// not an error; it backs the notification-placeholder cleanup after a
// successful MMS retrieval.
func (s *MessageStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (s *MessageStore) getRecipients(ctx context.Context, messageID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address FROM recipients WHERE message_id = ? ORDER BY id;`, messageID)
	if err != nil {
		return nil, fmt.Errorf("get recipients: %w", err)
	}
	defer rows.Close()

	var recipients []string
	for rows.Next() {
		var address string
		if err := rows.Scan(&address); err != nil {
			return nil, fmt.Errorf("get recipients: %w", err)
		}
		recipients = append(recipients, address)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get recipients: %w", err)
	}
	return recipients, nil
}

func (s *MessageStore) getAttachments(ctx context.Context, messageID string) ([]message.Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, message_id, content_type,
        data, size, transfer_state FROM attachments WHERE message_id = ?
        ORDER BY rowid;`, messageID)
	if err != nil {
		return nil, fmt.Errorf("get attachments: %w", err)
	}
	defer rows.Close()

	var attachments []message.Attachment
	for rows.Next() {
		var att message.Attachment
		if err := rows.Scan(&att.ID, &att.MessageID, &att.ContentType,
			&att.Data, &att.Size, &att.State); err != nil {
			return nil, fmt.Errorf("get attachments: %w", err)
		}
		attachments = append(attachments, att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get attachments: %w", err)
	}
	return attachments, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
