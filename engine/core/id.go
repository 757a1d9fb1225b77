package core

import (
	"fmt"

	"github.com/segmentio/ksuid"
)

// ID is an opaque, sortable identifier used for correlation tokens and
// write-back idempotency keys. Backed by KSUID so tokens are unique across
// the store's retention window without coordination.
type ID string

func NewID() (ID, error) {
	id, err := ksuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generating id: %w", err)
	}
	return ID(id.String()), nil
}

func MustNewID() ID {
	id, err := NewID()
	if err != nil {
		panic(err)
	}
	return id
}

// ParseID validates that s is a well-formed KSUID.
func ParseID(s string) (ID, error) {
	if _, err := ksuid.Parse(s); err != nil {
		return "", fmt.Errorf("parsing id %q: %w", s, err)
	}
	return ID(s), nil
}

func (i ID) String() string {
	return string(i)
}

func (i ID) IsZero() bool {
	return i == ""
}
