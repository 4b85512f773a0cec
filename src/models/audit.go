package models

import "time"

type AuditAction string

const (
	AuditCreate AuditAction = "CREATE"
	AuditEdit   AuditAction = "EDIT"
	AuditDelete AuditAction = "DELETE"
)

type FieldChange struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

type AuditEntry struct {
	ID            string        `json:"id"`
	UserID        int64         `json:"user_id"`
	TransactionID int64         `json:"transaction_id"`
	Action        AuditAction   `json:"action"`
	Changes       []FieldChange `json:"changes"`
	Timestamp     time.Time     `json:"timestamp"`
}
