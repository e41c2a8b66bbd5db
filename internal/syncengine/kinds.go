package syncengine

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/fleetsync/internal/models"
)

// KindHandler knows the field rules of one entity kind.
// The set of handlers is closed: see HandlerFor.
type KindHandler interface {
	Kind() models.EntityKind

	// Normalize validates payload for op and splits it into the entity's own
	// fields, the parent reference and accompanying child creates.
	Normalize(op models.Operation, payload map[string]any) (*Normalized, error)

	// DeleteFields returns the field changes written together with the tombstone.
	DeleteFields() map[string]any

	sealed()
}

// Normalized is a validated payload ready for the store.
type Normalized struct {
	Fields   map[string]any
	ParentID *string
	Children []ChildCreate
}

// ChildCreate is a derived create of a child entity enumerated in the parent payload.
type ChildCreate struct {
	Payload  map[string]any
	Kind     models.EntityKind
	EntityID string

	// ParentField is the payload key that receives the parent's entity id
	ParentField string
}

type fieldType int

const (
	fieldString fieldType = iota
	fieldNumber
	fieldInteger
	fieldDate
	fieldObject
	fieldBool
)

type fieldSpec struct {
	pattern  *regexp.Regexp
	enum     []string
	min      *float64
	max      *float64
	typ      fieldType
	required bool
}

type kindSchema struct {
	fields      map[string]fieldSpec
	deleteWith  map[string]any
	kind        models.EntityKind
	parentField string
	stripped    []string

	// childField enumerates child creates on create, e.g. equipment.criticalParts
	childField       string
	childKind        models.EntityKind
	childParentField string
}

// serviceFields are managed by the server and silently dropped from payloads.
var serviceFields = []string{"id", "companyId", "createdAt", "updatedAt", "version", "deleted", "isDeleted"}

var imoNumberPattern = regexp.MustCompile(`^[0-9]{7}$`)

func floatPtr(f float64) *float64 { return &f }

var (
	vesselHandler = &schemaHandler{schema: kindSchema{
		kind: models.KindVessel,
		fields: map[string]fieldSpec{
			"name":         {typ: fieldString, required: true},
			"imoNumber":    {typ: fieldString, pattern: imoNumberPattern},
			"vesselType":   {typ: fieldString},
			"flag":         {typ: fieldString},
			"grossTonnage": {typ: fieldNumber, min: floatPtr(0)},
			"yearBuilt":    {typ: fieldInteger, min: floatPtr(1800), max: floatPtr(2200)},
			"classSociety": {typ: fieldString},
			"metadata":     {typ: fieldObject},
			"isActive":     {typ: fieldBool},
		},
		deleteWith: map[string]any{"isActive": false},
	}}

	equipmentHandler = &schemaHandler{schema: kindSchema{
		kind:        models.KindEquipment,
		parentField: "vesselId",
		fields: map[string]fieldSpec{
			"vesselId":         {typ: fieldString, required: true},
			"locationId":       {typ: fieldString},
			"name":             {typ: fieldString, required: true},
			"code":             {typ: fieldString},
			"equipmentType":    {typ: fieldString},
			"manufacturer":     {typ: fieldString},
			"model":            {typ: fieldString},
			"serialNumber":     {typ: fieldString},
			"criticality":      {typ: fieldString, enum: criticalityLevels},
			"status":           {typ: fieldString, enum: equipmentStatuses},
			"installationDate": {typ: fieldDate},
			"warrantyExpiry":   {typ: fieldDate},
			"specifications":   {typ: fieldObject},
		},
		stripped:         []string{"criticalParts", "documents", "location"},
		deleteWith:       map[string]any{"status": EquipmentStatusDeleted},
		childField:       "criticalParts",
		childKind:        models.KindPart,
		childParentField: "equipmentId",
	}}

	partHandler = &schemaHandler{schema: kindSchema{
		kind:        models.KindPart,
		parentField: "equipmentId",
		fields: map[string]fieldSpec{
			"equipmentId":    {typ: fieldString, required: true},
			"name":           {typ: fieldString, required: true},
			"partNumber":     {typ: fieldString},
			"manufacturer":   {typ: fieldString},
			"description":    {typ: fieldString},
			"criticality":    {typ: fieldString, enum: criticalityLevels},
			"quantity":       {typ: fieldInteger, min: floatPtr(0)},
			"unitOfMeasure":  {typ: fieldString},
			"minimumStock":   {typ: fieldNumber, min: floatPtr(0)},
			"currentStock":   {typ: fieldNumber, min: floatPtr(0)},
			"specifications": {typ: fieldObject},
		},
	}}
)

// EquipmentStatusDeleted is the equipment status written on delete.
const EquipmentStatusDeleted = "DELETED"

var criticalityLevels = []string{"CRITICAL", "IMPORTANT", "STANDARD"}

var equipmentStatuses = []string{"DRAFT", "DOCUMENTED", "REVIEWED", "APPROVED", "REJECTED", "ACTIVE", EquipmentStatusDeleted}

// HandlerFor returns the handler of kind.
func HandlerFor(kind models.EntityKind) (KindHandler, error) {
	switch kind {
	case models.KindVessel:
		return vesselHandler, nil
	case models.KindEquipment:
		return equipmentHandler, nil
	case models.KindPart:
		return partHandler, nil
	}
	return nil, validationErrorf("unknown entity kind %q", kind)
}

type schemaHandler struct {
	schema kindSchema
}

func (h *schemaHandler) sealed() {}

func (h *schemaHandler) Kind() models.EntityKind {
	return h.schema.kind
}

func (h *schemaHandler) DeleteFields() map[string]any {
	return models.CloneFields(h.schema.deleteWith)
}

func (h *schemaHandler) Normalize(op models.Operation, payload map[string]any) (*Normalized, error) {
	s := h.schema
	out := &Normalized{Fields: make(map[string]any, len(payload))}

	if op == models.OpDelete {
		out.Fields = h.DeleteFields()
		return out, nil
	}

	var unknown []string
	for key, value := range payload {
		if slices.Contains(serviceFields, key) {
			continue
		}

		if s.childField != "" && key == s.childField {
			if op == models.OpCreate {
				children, err := h.children(value)
				if err != nil {
					return nil, err
				}
				out.Children = children
			}
			continue
		}

		if slices.Contains(s.stripped, key) {
			continue
		}

		spec, ok := s.fields[key]
		if !ok {
			unknown = append(unknown, key)
			continue
		}

		normalized, err := normalizeValue(key, spec, value)
		if err != nil {
			return nil, err
		}
		out.Fields[key] = normalized
	}

	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, validationErrorf("unknown %s fields: %s", s.kind, strings.Join(unknown, ", "))
	}

	if op == models.OpCreate {
		var missing []string
		for name, spec := range s.fields {
			if spec.required && out.Fields[name] == nil {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return nil, validationErrorf("missing required %s fields: %s", s.kind, strings.Join(missing, ", "))
		}
	}

	if s.parentField != "" {
		if parent, ok := out.Fields[s.parentField].(string); ok {
			out.ParentID = &parent
		}
	}

	return out, nil
}

func (h *schemaHandler) children(value any) ([]ChildCreate, error) {
	s := h.schema
	if value == nil {
		return nil, nil
	}

	items, ok := value.([]any)
	if !ok {
		return nil, validationErrorf("%s must be an array", s.childField)
	}

	children := make([]ChildCreate, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, validationErrorf("%s[%d] must be an object", s.childField, i)
		}

		payload := models.CloneFields(obj)
		id, _ := payload["id"].(string)
		if id == "" {
			id = uuid.New().String()
		}
		delete(payload, "id")
		// родитель подставляется при применении, когда известен его ID
		delete(payload, s.childParentField)

		children = append(children, ChildCreate{
			Kind:        s.childKind,
			EntityID:    id,
			Payload:     payload,
			ParentField: s.childParentField,
		})
	}
	return children, nil
}

func normalizeValue(name string, spec fieldSpec, value any) (any, error) {
	if value == nil {
		if spec.required {
			return nil, validationErrorf("%s cannot be null", name)
		}
		return nil, nil
	}

	switch spec.typ {
	case fieldString:
		s, ok := value.(string)
		if !ok {
			return nil, validationErrorf("%s must be a string", name)
		}
		s = strings.TrimSpace(s)
		if spec.required && s == "" {
			return nil, validationErrorf("%s cannot be empty", name)
		}
		if spec.pattern != nil && s != "" && !spec.pattern.MatchString(s) {
			return nil, validationErrorf("%s has invalid format", name)
		}
		if len(spec.enum) > 0 && !slices.Contains(spec.enum, s) {
			return nil, validationErrorf("%s must be one of %s", name, strings.Join(spec.enum, ", "))
		}
		return s, nil

	case fieldNumber, fieldInteger:
		f, ok := toFloat(value)
		if !ok {
			return nil, validationErrorf("%s must be a number", name)
		}
		if spec.typ == fieldInteger && f != math.Trunc(f) {
			return nil, validationErrorf("%s must be an integer", name)
		}
		if spec.min != nil && f < *spec.min {
			return nil, validationErrorf("%s must be >= %v", name, *spec.min)
		}
		if spec.max != nil && f > *spec.max {
			return nil, validationErrorf("%s must be <= %v", name, *spec.max)
		}
		return f, nil

	case fieldDate:
		s, ok := value.(string)
		if !ok {
			return nil, validationErrorf("%s must be a date string", name)
		}
		if _, err := parseDate(s); err != nil {
			return nil, validationErrorf("%s: %v", name, err)
		}
		return s, nil

	case fieldObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return nil, validationErrorf("%s must be an object", name)
		}
		return models.CloneFields(obj), nil

	case fieldBool:
		b, ok := value.(bool)
		if !ok {
			return nil, validationErrorf("%s must be a boolean", name)
		}
		return b, nil
	}

	return nil, fmt.Errorf("unsupported field type %d", spec.typ)
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return t, nil
}

// toFloat принимает как JSON-числа (float64), так и целые из Go-кода
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
