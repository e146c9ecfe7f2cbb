package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// MaxNameLength bounds collection, index and operation names.
const MaxNameLength = 64

// MaxIDLength bounds record ids.
const MaxIDLength = 256

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{Field: field, Message: "must be valid UTF-8"}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{Field: field, Message: "must not contain null bytes"}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateULID returns an error if the value is not a valid ULID format.
// ULIDs are 26 characters using Crockford Base32 (excludes I, L, O, U).
func ValidateULID(field, value string) *ValidationError {
	if len(value) != 26 {
		return &ValidationError{Field: field, Message: "must be a valid ULID (26 characters)"}
	}
	const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
	for _, r := range strings.ToUpper(value) {
		if !strings.ContainsRune(crockfordBase32, r) {
			return &ValidationError{Field: field, Message: "must be a valid ULID (invalid character)"}
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateName checks a collection, index or operation name: letters,
// digits, '_', '-' and '.', starting with a letter.
func ValidateName(field, value string) *ValidationError {
	if err := ValidateRequired(field, value); err != nil {
		return err
	}
	if err := ValidateMaxLength(field, value, MaxNameLength); err != nil {
		return err
	}
	for i, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '_' || r == '-' || r == '.'):
		default:
			return &ValidationError{
				Field:   field,
				Message: "must start with a letter and contain only letters, digits, '_', '-' or '.'",
			}
		}
	}
	return nil
}

// ValidateID checks a record id. Empty ids are allowed when optional is set.
func ValidateID(field, value string, optional bool) *ValidationError {
	if value == "" && optional {
		return nil
	}
	if err := ValidateRequired(field, value); err != nil {
		return err
	}
	if err := ValidateUTF8(field, value); err != nil {
		return err
	}
	if err := ValidateNoNullBytes(field, value); err != nil {
		return err
	}
	if strings.Contains(value, "/") {
		return &ValidationError{Field: field, Message: "must not contain '/'"}
	}
	return ValidateMaxLength(field, value, MaxIDLength)
}

// OpKinds lists the accepted operation kinds.
var OpKinds = []string{"create", "update", "delete"}

// ValidateWrite checks the identifying fields of a local write. An id may
// be omitted only for creates.
func ValidateWrite(collection, id, opKind, operation string) []ValidationError {
	var c Collector
	c.Add(ValidateName("collection", collection))
	c.Add(ValidateEnum("op_kind", opKind, OpKinds))
	c.Add(ValidateID("id", id, opKind == "create"))
	c.Add(ValidateName("remote_operation", operation))
	return c.Errors()
}

// ValidateRecordIDs checks the ids of a batch of records, naming failures
// by position.
func ValidateRecordIDs(ids []string) []ValidationError {
	var c Collector
	for i, id := range ids {
		c.Add(ValidateID(fmt.Sprintf("records[%d].id", i), id, false))
	}
	return c.Errors()
}
