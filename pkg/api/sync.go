package api

import "time"

// Статусы результата применения изменения
const (
	StatusSuccess  = "success"
	StatusConflict = "conflict"
	StatusError    = "error"
)

// ChangeRequest одно изменение, сделанное клиентом офлайн
type ChangeRequest struct {
	ClientTimestamp time.Time      `json:"clientTimestamp"`   // время изменения по часам клиента
	Payload         map[string]any `json:"payload,omitempty"` // новые значения полей
	Version         *int64         `json:"version,omitempty"` // последняя известная клиенту версия
	ChangeID        string         `json:"changeId"`
	EntityKind      string         `json:"entityKind"` // vessel, equipment, part
	EntityID        string         `json:"entityId"`
	Operation       string         `json:"operation"` // create, update, delete
}

// PushRequest представляет запрос на отправку изменений
type PushRequest struct {
	LastSyncTimestamp *time.Time      `json:"lastSyncTimestamp,omitempty"`
	Changes           []ChangeRequest `json:"changes"`
	DeviceID          string          `json:"deviceId"`
}

// EntitySnapshot состояние сущности на сервере
type EntitySnapshot struct {
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Data      map[string]any `json:"data"`
	Kind      string         `json:"entityKind"`
	ID        string         `json:"entityId"`
	ParentID  string         `json:"parentId,omitempty"`
	Version   int64          `json:"version"`
	Deleted   bool           `json:"deleted"`
}

// ChangeResult результат применения одного изменения
type ChangeResult struct {
	ServerSnapshot *EntitySnapshot `json:"serverSnapshot,omitempty"` // для success и conflict
	ChangeID       string          `json:"changeId"`
	Status         string          `json:"status"`
	Error          string          `json:"error,omitempty"`
	ErrorCode      string          `json:"errorCode,omitempty"`
	Children       []ChangeResult  `json:"children,omitempty"`
	Retryable      bool            `json:"retryable,omitempty"`
	Duplicate      bool            `json:"duplicate,omitempty"`
}

// PushSummary счетчики результатов верхнего уровня
type PushSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Conflicts  int `json:"conflicts"`
	Errors     int `json:"errors"`
}

// PushResponse представляет ответ на отправку изменений
type PushResponse struct {
	ServerTimestamp time.Time      `json:"serverTimestamp"`
	Results         []ChangeResult `json:"results"` // в порядке отправки
	Summary         PushSummary    `json:"summary"`
}

// PullRequest представляет запрос изменений с сервера
type PullRequest struct {
	LastSyncTimestamp *time.Time `json:"lastSyncTimestamp,omitempty"` // nil - полная выгрузка
	EntityKinds       []string   `json:"entityKinds,omitempty"`       // "vessels", "equipment", "parts"; пусто - все
	ScopeIDs          []string   `json:"scopeIds,omitempty"`          // идентификаторы судов
	Limit             int        `json:"limit,omitempty"`
}

// PullChange одно изменение с сервера
type PullChange struct {
	Timestamp  time.Time       `json:"timestamp"`
	Data       *EntitySnapshot `json:"data"`
	EntityKind string          `json:"entityKind"`
	EntityID   string          `json:"entityId"`
	Operation  string          `json:"operation"` // create или update; удаленные приходят как update с deleted=true
}

// PullResponse представляет ответ с изменениями сервера
type PullResponse struct {
	ServerTimestamp time.Time    `json:"serverTimestamp"`
	NextSince       *time.Time   `json:"nextSince,omitempty"` // водяной знак для следующего запроса
	Changes         []PullChange `json:"changes"`             // по возрастанию timestamp
	HasMore         bool         `json:"hasMore"`
}

// StatusResponse состояние журнала синхронизации пользователя
type StatusResponse struct {
	ServerTimestamp time.Time      `json:"serverTimestamp"`
	LastCompletedAt *time.Time     `json:"lastCompletedAt,omitempty"`
	Counts          map[string]int `json:"counts"`
	DeviceID        string         `json:"deviceId,omitempty"`
	StalePending    int            `json:"stalePending"`
}

// LedgerEntry запись журнала синхронизации
type LedgerEntry struct {
	ClientTimestamp time.Time      `json:"clientTimestamp"`
	CreatedAt       time.Time      `json:"createdAt"`
	ServerTimestamp *time.Time     `json:"serverTimestamp,omitempty"`
	Metadata        LedgerMetadata `json:"metadata"`
	ID              string         `json:"id"`
	DeviceID        string         `json:"deviceId"`
	ChangeID        string         `json:"changeId"`
	EntityKind      string         `json:"entityKind"`
	EntityID        string         `json:"entityId"`
	Operation       string         `json:"operation"`
	Status          string         `json:"status"`
	ErrorCode       string         `json:"errorCode,omitempty"`
	ErrorDetail     string         `json:"errorDetail,omitempty"`
}

// LedgerMetadata диагностика записи журнала
type LedgerMetadata struct {
	ServerUpdatedAt  *time.Time `json:"serverUpdatedAt,omitempty"`
	ServerVersion    *int64     `json:"serverVersion,omitempty"`
	ClientVersion    *int64     `json:"clientVersion,omitempty"`
	DuplicateOf      string     `json:"duplicateOf,omitempty"`
	ParentChangeID   string     `json:"parentChangeId,omitempty"`
	Source           string     `json:"source,omitempty"`
	ConflictDetected bool       `json:"conflictDetected"`
}

// LedgerResponse список записей журнала
type LedgerResponse struct {
	Entries []LedgerEntry `json:"entries"`
}
