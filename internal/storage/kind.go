package storage

import (
	"fmt"
	"strings"
)

// Kind names one of the closed set of storage backends.
type Kind string

const (
	KindNone      Kind = "none"
	KindLocal     Kind = "local"
	KindSharedURL Kind = "shared_url"
	KindCustomAPI Kind = "custom_api"
)

// Kinds lists every provider kind.
var Kinds = []Kind{KindNone, KindLocal, KindSharedURL, KindCustomAPI}

// ParseKind converts a persisted or requested provider name into a Kind.
// The empty string selects KindNone.
func ParseKind(value string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(value)))
	if kind == "" {
		return KindNone, nil
	}
	if err := kind.Validate(); err != nil {
		return KindNone, err
	}
	return kind, nil
}

// Validate reports whether the kind is one of the known providers.
func (k Kind) Validate() error {
	switch k {
	case KindNone, KindLocal, KindSharedURL, KindCustomAPI:
		return nil
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidConfiguration, string(k))
	}
}

// IsCloud reports whether the kind talks to an HTTP endpoint.
func (k Kind) IsCloud() bool {
	switch k {
	case KindSharedURL, KindCustomAPI:
		return true
	case KindNone, KindLocal:
		return false
	default:
		return false
	}
}

func (k Kind) String() string {
	return string(k)
}
