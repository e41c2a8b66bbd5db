package sync

import (
	"github.com/iudanet/fleetsync/internal/models"
	"github.com/iudanet/fleetsync/pkg/api"
)

// поле payload со ссылкой на родителя
var parentFields = map[models.EntityKind]string{
	models.KindEquipment: "vesselId",
	models.KindPart:      "equipmentId",
}

func toAPIChange(c models.ChangeRequest) api.ChangeRequest {
	return api.ChangeRequest{
		ChangeID:        c.ChangeID,
		EntityKind:      string(c.EntityKind),
		EntityID:        c.EntityID,
		Operation:       string(c.Operation),
		ClientTimestamp: c.ClientTimestamp,
		Payload:         c.Payload,
		Version:         c.Version,
	}
}

func fromSnapshot(s *api.EntitySnapshot, companyID string) *models.Entity {
	if s == nil {
		return nil
	}

	kind, err := models.ParseEntityKind(s.Kind)
	if err != nil {
		kind = models.EntityKind(s.Kind)
	}

	return &models.Entity{
		Kind:      kind,
		ID:        s.ID,
		CompanyID: companyID,
		ParentID:  s.ParentID,
		Fields:    models.CloneFields(s.Data),
		Version:   s.Version,
		Deleted:   s.Deleted,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// optimisticEdit applies a queued change to the local copy. The result keeps
// the server's updatedAt and version, so any newer server copy replaces it.
func optimisticEdit(existing *models.Entity, c models.ChangeRequest, companyID string) *models.Entity {
	var e *models.Entity
	if existing != nil {
		e = existing.Clone()
	} else {
		e = &models.Entity{Kind: c.EntityKind, ID: c.EntityID, CompanyID: companyID}
	}

	switch c.Operation {
	case models.OpCreate:
		e.Fields = models.CloneFields(c.Payload)
		e.Deleted = false
	case models.OpUpdate:
		if e.Fields == nil {
			e.Fields = make(map[string]any, len(c.Payload))
		}
		for k, v := range models.CloneFields(c.Payload) {
			e.Fields[k] = v
		}
	case models.OpDelete:
		e.Deleted = true
	}

	if field, ok := parentFields[e.Kind]; ok {
		if parent, ok := e.Fields[field].(string); ok {
			e.ParentID = parent
		}
	}

	return e
}
