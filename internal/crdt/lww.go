// Package crdt holds the last-write-wins replica used by the offline client.
package crdt

import (
	"sort"
	"sync"

	"github.com/iudanet/fleetsync/internal/models"
)

// Key identifies an entity across kinds.
func Key(kind models.EntityKind, id string) string {
	return string(kind) + "/" + id
}

// Wins reports whether incoming should replace existing.
// Server updatedAt decides, equal timestamps fall back to version.
// A nil existing always loses.
func Wins(incoming, existing *models.Entity) bool {
	if existing == nil {
		return true
	}
	return incoming.IsNewerThan(existing)
}

// LWWSet представляет Last-Write-Wins Element Set для сущностей.
// Удаленные сущности остаются в set как tombstone (Deleted = true),
// чтобы более старая версия не "воскресила" их при слиянии.
type LWWSet struct {
	elements map[string]*models.Entity // map[kind/id]entity
	mu       sync.RWMutex
}

// NewLWWSet создает новый экземпляр LWW-Element-Set.
func NewLWWSet() *LWWSet {
	return &LWWSet{
		elements: make(map[string]*models.Entity),
	}
}

// Add добавляет сущность или заменяет существующую, если новая версия побеждает.
// Возвращает true, если set изменился.
func (s *LWWSet) Add(entity *models.Entity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key(entity.Kind, entity.ID)
	if !Wins(entity, s.elements[key]) {
		return false
	}

	s.elements[key] = entity.Clone()
	return true
}

// Get возвращает сущность, включая tombstone. Второе значение false,
// если сущности нет в set.
func (s *LWWSet) Get(kind models.EntityKind, id string) (*models.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entity, exists := s.elements[Key(kind, id)]
	if !exists {
		return nil, false
	}
	return entity.Clone(), true
}

// Active возвращает неудаленные сущности вида kind, отсортированные по ID.
// Пустой kind означает все виды.
func (s *LWWSet) Active(kind models.EntityKind) []*models.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Entity, 0, len(s.elements))
	for _, entity := range s.elements {
		if entity.Deleted || (kind != "" && entity.Kind != kind) {
			continue
		}
		result = append(result, entity.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Kind != result[j].Kind {
			return result[i].Kind < result[j].Kind
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Merge объединяет текущий set с другим set.
// Операция коммутативна и идемпотентна.
// Возвращает ключи сущностей, которые изменились в s.
func (s *LWWSet) Merge(other *LWWSet) []string {
	if s == other {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	other.mu.RLock()
	defer other.mu.RUnlock()

	var changed []string
	for key, incoming := range other.elements {
		if Wins(incoming, s.elements[key]) {
			s.elements[key] = incoming.Clone()
			changed = append(changed, key)
		}
	}
	sort.Strings(changed)
	return changed
}

// Size возвращает количество неудаленных сущностей.
func (s *LWWSet) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, entity := range s.elements {
		if !entity.Deleted {
			count++
		}
	}
	return count
}

// TotalSize возвращает общее количество сущностей (включая tombstone).
func (s *LWWSet) TotalSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.elements)
}
