package catalog

import "github.com/google/uuid"

// IDProvider issues identifiers for new records.
type IDProvider interface {
	NewID(prefix string) (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues "<prefix>-<UUIDv7>"
// identifiers. UUIDv7 is a millisecond timestamp followed by random bits,
// so identifiers sort by creation time.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID(prefix string) (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	if prefix == "" {
		return value.String(), nil
	}
	return prefix + "-" + value.String(), nil
}
