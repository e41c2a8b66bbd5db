package validation

import (
	"fmt"
	"regexp"
	"time"

	"github.com/iudanet/fleetsync/internal/models"
)

// IdentifierPattern определяет допустимый формат идентификаторов (changeId, entityId, deviceId).
// UUID подходят, но не обязательны: латинские буквы, цифры, "_", ".", ":", "-".
// Длина: 1-128 символов, первый символ - буква или цифра.
var IdentifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// MaxIdentifierLen максимальная длина идентификатора
const MaxIdentifierLen = 128

// MaxClockSkew is how far in the future a client timestamp may be.
const MaxClockSkew = 24 * time.Hour

// ValidateIdentifier проверяет идентификатор; name используется в тексте ошибки
func ValidateIdentifier(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}

	if len(value) > MaxIdentifierLen {
		return fmt.Errorf("%s must not exceed %d characters", name, MaxIdentifierLen)
	}

	if !IdentifierPattern.MatchString(value) {
		return fmt.Errorf("%s can only contain letters, numbers, '_', '.', ':' and '-'", name)
	}

	return nil
}

// ValidateDeviceID проверяет идентификатор устройства
func ValidateDeviceID(deviceID string) error {
	return ValidateIdentifier("deviceId", deviceID)
}

// ValidateChange checks the shape of a change request. Field-level rules
// belong to the kind handlers and are not checked here.
func ValidateChange(change models.ChangeRequest, now time.Time) error {
	if err := ValidateIdentifier("changeId", change.ChangeID); err != nil {
		return err
	}

	if !change.EntityKind.Valid() {
		return fmt.Errorf("unknown entityKind %q", change.EntityKind)
	}

	if err := ValidateIdentifier("entityId", change.EntityID); err != nil {
		return err
	}

	if !change.Operation.Valid() {
		return fmt.Errorf("unknown operation %q", change.Operation)
	}

	if change.ClientTimestamp.IsZero() {
		return fmt.Errorf("clientTimestamp is required")
	}

	if change.ClientTimestamp.After(now.Add(MaxClockSkew)) {
		return fmt.Errorf("clientTimestamp is more than %s in the future", MaxClockSkew)
	}

	if change.Version != nil && *change.Version < 0 {
		return fmt.Errorf("version cannot be negative")
	}

	switch change.Operation {
	case models.OpCreate:
		if change.Payload == nil {
			return fmt.Errorf("payload is required for create")
		}
	case models.OpUpdate:
		if len(change.Payload) == 0 {
			return fmt.Errorf("payload is required for update")
		}
	}

	return nil
}
