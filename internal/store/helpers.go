package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/ScriptPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func marshalProgress(p map[string]string) (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal progress: %w", err)
	}
	return string(b), nil
}

func unmarshalProgress(raw []byte) (map[string]string, error) {
	p := map[string]string{}
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	return p, nil
}

// withRecordID assigns an id and timestamp to a history record that lacks them.
func withRecordID(rec models.ConversationRecord) models.ConversationRecord {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	return rec
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	var progress []byte
	if err := row.Scan(&u.ExternalID, &u.DisplayName, &u.CurrentStep, &progress, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	p, err := unmarshalProgress(progress)
	if err != nil {
		return nil, err
	}
	u.Progress = p
	return &u, nil
}

func scanUsers(rows *sql.Rows) ([]models.User, error) {
	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user failed: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate user rows: %w", err)
	}
	return users, nil
}

func scanConversations(rows *sql.Rows) ([]models.ConversationRecord, error) {
	var out []models.ConversationRecord
	for rows.Next() {
		var rec models.ConversationRecord
		var kind string
		var summary sql.NullString
		if err := rows.Scan(&rec.ID, &rec.ExternalID, &rec.EventID, &kind, &rec.Timestamp, &rec.Payload, &summary); err != nil {
			return nil, fmt.Errorf("scan conversation failed: %w", err)
		}
		rec.Kind = models.EventKind(kind)
		rec.Summary = summary.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversation rows: %w", err)
	}
	return out, nil
}

func scanReceipts(rows *sql.Rows) ([]models.Receipt, error) {
	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		var messageID sql.NullString
		if err := rows.Scan(&r.To, &messageID, &r.Status, &r.Time); err != nil {
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		r.MessageID = messageID.String
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate receipt rows: %w", err)
	}
	return receipts, nil
}
