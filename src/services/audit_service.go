package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/username/taxfolio/ledger/src/database"
	"github.com/username/taxfolio/ledger/src/models"
	"github.com/username/taxfolio/ledger/src/utils"
)

type auditServiceImpl struct {
	pool *database.Pool
}

// NewAuditService returns an AuditRecorder writing to the audit_log table.
func NewAuditService(pool *database.Pool) AuditRecorder {
	return &auditServiceImpl{pool: pool}
}

func (s *auditServiceImpl) LogEdit(ctx context.Context, entry models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Changes == nil {
		entry.Changes = []models.FieldChange{}
	}
	changes, err := json.Marshal(entry.Changes)
	if err != nil {
		return fmt.Errorf("error encoding audit changes: %w", err)
	}

	return s.pool.WithConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT INTO audit_log (id, user_id, transaction_id, action, changes, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.UserID, entry.TransactionID, string(entry.Action), string(changes),
			entry.Timestamp.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("error inserting audit entry for transaction %d: %w", entry.TransactionID, err)
		}
		return nil
	})
}

// GetTrail returns the audit entries of one transaction, oldest first.
func (s *auditServiceImpl) GetTrail(ctx context.Context, userID, transactionID int64) ([]models.AuditEntry, error) {
	entries := []models.AuditEntry{}
	err := s.pool.WithConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT id, user_id, transaction_id, action, changes, created_at FROM audit_log
			 WHERE user_id = ? AND transaction_id = ? ORDER BY created_at, rowid`,
			userID, transactionID)
		if err != nil {
			return fmt.Errorf("error querying audit trail: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var e models.AuditEntry
			var action, changes, createdAt string
			if err := rows.Scan(&e.ID, &e.UserID, &e.TransactionID, &action, &changes, &createdAt); err != nil {
				return fmt.Errorf("error scanning audit entry: %w", err)
			}
			e.Action = models.AuditAction(action)
			if err := json.Unmarshal([]byte(changes), &e.Changes); err != nil {
				return fmt.Errorf("audit entry %s has malformed changes: %w", e.ID, err)
			}
			if e.Timestamp, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
				return fmt.Errorf("audit entry %s has malformed timestamp: %w", e.ID, err)
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// diffTransactions lists the fields that differ between two versions of a
// transaction. A zero before or after describes a creation or a deletion.
func diffTransactions(before, after models.Transaction) []models.FieldChange {
	render := func(tx models.Transaction) map[string]string {
		if tx.ID == 0 && tx.Quantity == 0 {
			return map[string]string{}
		}
		return map[string]string{
			"side":          string(tx.Side),
			"instrument_id": strconv.FormatInt(tx.InstrumentID, 10),
			"quantity":      strconv.FormatInt(tx.Quantity, 10),
			"price":         tx.Price.String(),
			"fees":          tx.Fees.String(),
			"date":          utils.FormatDate(tx.Date),
		}
	}
	old, cur := render(before), render(after)

	var changes []models.FieldChange
	for _, field := range []string{"side", "instrument_id", "quantity", "price", "fees", "date"} {
		if old[field] != cur[field] {
			changes = append(changes, models.FieldChange{Field: field, Old: old[field], New: cur[field]})
		}
	}
	return changes
}
