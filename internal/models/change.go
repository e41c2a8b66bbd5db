package models

import (
	"strings"
	"time"
)

// Operation тип изменения
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is create, update or delete.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// AuditAction returns the audit log spelling of the operation (CREATE, UPDATE, DELETE).
func (op Operation) AuditAction() string {
	return strings.ToUpper(string(op))
}

// ChangeRequest одно изменение, сделанное клиентом (возможно офлайн).
// После отправки не изменяется.
type ChangeRequest struct {
	ClientTimestamp time.Time      `json:"clientTimestamp"`   // ClientTimestamp время изменения по часам клиента
	Payload         map[string]any `json:"payload"`           // Payload новые значения полей
	Version         *int64         `json:"version,omitempty"` // Version последняя известная клиенту версия
	ChangeID        string         `json:"changeId"`          // ChangeID идентификатор изменения для корреляции результатов
	EntityID        string         `json:"entityId"`          // EntityID идентификатор сущности
	EntityKind      EntityKind     `json:"entityKind"`        // EntityKind тип сущности
	Operation       Operation      `json:"operation"`         // Operation create / update / delete
}

// Submitter identifies who pushed a batch.
type Submitter struct {
	UserID    string
	CompanyID string
	DeviceID  string
}

// LedgerStatus статус записи журнала синхронизации
type LedgerStatus string

const (
	LedgerPending   LedgerStatus = "pending"
	LedgerCompleted LedgerStatus = "completed"
	LedgerFailed    LedgerStatus = "failed"
	LedgerConflict  LedgerStatus = "conflict"
)

// Valid reports whether s is a known ledger status.
func (s LedgerStatus) Valid() bool {
	switch s {
	case LedgerPending, LedgerCompleted, LedgerFailed, LedgerConflict:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed from s.
func (s LedgerStatus) IsTerminal() bool {
	return s == LedgerCompleted || s == LedgerFailed || s == LedgerConflict
}

// LedgerMetadata диагностические данные записи журнала
type LedgerMetadata struct {
	ServerUpdatedAt  *time.Time `json:"serverUpdatedAt,omitempty"` // время изменения на сервере в момент проверки
	ServerVersion    *int64     `json:"serverVersion,omitempty"`   // версия на сервере в момент проверки
	ClientVersion    *int64     `json:"clientVersion,omitempty"`   // версия, известная клиенту
	DuplicateOf      string     `json:"duplicateOf,omitempty"`     // ID уже примененной записи с тем же changeId
	ParentChangeID   string     `json:"parentChangeId,omitempty"`  // для дочерних операций (запчасти при создании оборудования)
	Source           string     `json:"source,omitempty"`
	ConflictDetected bool       `json:"conflictDetected"`
}

// LedgerEntry запись журнала синхронизации: одна на каждую попытку применить изменение.
// Никогда не удаляется, меняется только статус (из pending).
type LedgerEntry struct {
	ClientTimestamp time.Time      `json:"clientTimestamp"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	ServerTimestamp *time.Time     `json:"serverTimestamp,omitempty"`
	Metadata        LedgerMetadata `json:"metadata"`
	Payload         []byte         `json:"payload"`
	ID              string         `json:"id"`
	UserID          string         `json:"userId"`
	CompanyID       string         `json:"companyId"`
	DeviceID        string         `json:"deviceId"`
	ChangeID        string         `json:"changeId"`
	EntityKind      EntityKind     `json:"entityKind"`
	EntityID        string         `json:"entityId"`
	Operation       Operation      `json:"operation"`
	PayloadHash     string         `json:"payloadHash"`
	Status          LedgerStatus   `json:"status"`
	ErrorCode       string         `json:"errorCode,omitempty"`
	ErrorDetail     string         `json:"errorDetail,omitempty"`
}

// AuditRecord запись аудита, создается для каждого примененного изменения
type AuditRecord struct {
	CreatedAt  time.Time      `json:"createdAt"`
	OldValues  map[string]any `json:"oldValues,omitempty"`
	NewValues  map[string]any `json:"newValues,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ID         string         `json:"id"`
	CompanyID  string         `json:"companyId"`
	UserID     string         `json:"userId"`
	EntityKind EntityKind     `json:"entityKind"`
	EntityID   string         `json:"entityId"`
	Action     string         `json:"action"`
}
