package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveMessage persists a new message and returns it with its assigned id and
// timestamp. A non-empty clientKey makes the call idempotent per sender: a
// repeat returns the row stored by the first call.
func (db *DB) SaveMessage(ctx context.Context, senderID, receiverID, content, clientKey string) (*Message, error) {
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		INSERT INTO messages (sender_id, receiver_id, content, timestamp, read, client_key)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(sender_id, client_key) WHERE client_key IS NOT NULL DO NOTHING`,
		senderID, receiverID, content, now, nullString(clientKey))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return db.messageByClientKey(ctx, senderID, clientKey)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:         id,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Timestamp:  now,
		ClientKey:  clientKey,
	}, nil
}

func (db *DB) messageByClientKey(ctx context.Context, senderID, clientKey string) (*Message, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, sender_id, receiver_id, content, timestamp, read, client_key
		FROM messages WHERE sender_id = ? AND client_key = ?`, senderID, clientKey)
	m, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("load deduplicated message: %w", err)
	}
	return m, nil
}

// MarkRead flags every unread message from senderID to readerID as read and
// returns how many rows changed.
func (db *DB) MarkRead(ctx context.Context, senderID, readerID string) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET read = 1
		WHERE sender_id = ? AND receiver_id = ? AND read = 0`, senderID, readerID)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return res.RowsAffected()
}

// Conversation returns every message exchanged between userA and userB,
// oldest first.
func (db *DB) Conversation(ctx context.Context, userA, userB string) ([]Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, sender_id, receiver_id, content, timestamp, read, client_key
		FROM messages
		WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
		ORDER BY timestamp ASC, id ASC`, userA, userB, userB, userA)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the total number of stored messages.
func (db *DB) MessageCount(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

// UnreadCount returns how many messages addressed to readerID are unread.
func (db *DB) UnreadCount(ctx context.Context, readerID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE receiver_id = ? AND read = 0`, readerID).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*Message, error) {
	var (
		m   Message
		key sql.NullString
	)
	if err := s.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Timestamp, &m.Read, &key); err != nil {
		return nil, err
	}
	m.ClientKey = key.String
	return &m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
