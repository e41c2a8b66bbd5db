package models

import (
	"fmt"
	"strings"
	"time"
)

// EntityKind тип синхронизируемой сущности
type EntityKind string

const (
	KindVessel    EntityKind = "vessel"
	KindEquipment EntityKind = "equipment"
	KindPart      EntityKind = "part"
)

// AllKinds returns every synchronizable kind in pull order.
func AllKinds() []EntityKind {
	return []EntityKind{KindVessel, KindEquipment, KindPart}
}

// Valid reports whether k is one of the known kinds.
func (k EntityKind) Valid() bool {
	switch k {
	case KindVessel, KindEquipment, KindPart:
		return true
	}
	return false
}

// ParseEntityKind принимает как единственное, так и множественное число
// ("vessel"/"vessels", "part"/"parts"), регистр не важен.
func ParseEntityKind(s string) (EntityKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "vessel", "vessels":
		return KindVessel, nil
	case "equipment", "equipments":
		return KindEquipment, nil
	case "part", "parts", "criticalpart", "criticalparts":
		return KindPart, nil
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}

// Entity представляет синхронизируемую сущность (судно, оборудование, запчасть).
// Поля предметной области хранятся в Fields, служебные поля - отдельно.
type Entity struct {
	CreatedAt time.Time      `json:"createdAt"` // CreatedAt время создания на сервере
	UpdatedAt time.Time      `json:"updatedAt"` // UpdatedAt время последней записи, обновляется при каждом изменении
	Fields    map[string]any `json:"fields"`    // Fields поля сущности
	Kind      EntityKind     `json:"kind"`      // Kind тип сущности
	ID        string         `json:"id"`        // ID идентификатор, назначенный клиентом
	CompanyID string         `json:"companyId"` // CompanyID компания-владелец
	ParentID  string         `json:"parentId"`  // ParentID судно для оборудования, оборудование для запчасти
	Version   int64          `json:"version"`   // Version монотонно растущая версия записи
	Deleted   bool           `json:"deleted"`   // Deleted флаг soft delete
}

// IsNewerThan reports whether e should win over other under last-write-wins.
// UpdatedAt decides; equal timestamps fall back to Version.
func (e *Entity) IsNewerThan(other *Entity) bool {
	if e.UpdatedAt.After(other.UpdatedAt) {
		return true
	}
	if e.UpdatedAt.Before(other.UpdatedAt) {
		return false
	}
	return e.Version > other.Version
}

// Clone создает глубокую копию сущности
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Fields = CloneFields(e.Fields)
	return &c
}

// CloneFields deep-copies a JSON-shaped map.
func CloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneFields(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
