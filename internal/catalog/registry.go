package catalog

import (
	"context"
	"encoding/json"
	"fmt"
)

// Entities is the untyped view of a Collection used by transports that
// address collections by name.
type Entities interface {
	Name() string
	GetAny(id string) (any, bool)
	ListAny() any
	AddJSON(ctx context.Context, raw json.RawMessage) (any, error)
	UpdateJSON(ctx context.Context, id string, raw json.RawMessage) (any, error)
	SoftDelete(ctx context.Context, id string) error
	Restore(ctx context.Context, id string) error
	PermanentlyDelete(ctx context.Context, id string) error
}

// Collection returns the collection persisted under name.
func (m *Manager) Collection(name string) (Entities, bool) {
	switch name {
	case KeyBrands:
		return m.Brands, true
	case KeyProducts:
		return m.Products, true
	case KeyCatalogues:
		return m.Catalogues, true
	case KeyPamphlets:
		return m.Pamphlets, true
	case KeyScreensaverAds:
		return m.ScreensaverAds, true
	case KeyAdminUsers:
		return m.AdminUsers, true
	case KeyTvContent:
		return m.TvContent, true
	case KeyCategories:
		return m.Categories, true
	case KeyClients:
		return m.Clients, true
	case KeyOrders:
		return m.Orders, true
	case KeyKioskUsers:
		return m.KioskUsers, true
	default:
		return nil, false
	}
}

func (c *Collection[T, P]) GetAny(id string) (any, bool) {
	return c.Get(id)
}

func (c *Collection[T, P]) ListAny() any {
	return c.List()
}

// AddJSON decodes one item and adds it.
func (c *Collection[T, P]) AddJSON(ctx context.Context, raw json.RawMessage) (any, error) {
	var item T
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, newOperationError(c.operation("add"), "decode_failed", fmt.Errorf("%w: %v", ErrInvalidEntity, err))
	}
	return c.Add(ctx, item)
}

// UpdateJSON decodes one item and replaces the record with the given id.
func (c *Collection[T, P]) UpdateJSON(ctx context.Context, id string, raw json.RawMessage) (any, error) {
	var item T
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, newOperationError(c.operation("update"), "decode_failed", fmt.Errorf("%w: %v", ErrInvalidEntity, err))
	}
	P(&item).record().ID = id
	return c.Update(ctx, item)
}
