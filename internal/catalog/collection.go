package catalog

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

type entityPointer[T any] interface {
	*T
	record() *Record
	AssetRefs() []string
}

// Collection exposes typed CRUD and trash operations over one entity slice
// of the catalogue. Every mutating call goes through Manager.commit.
type Collection[T any, P entityPointer[T]] struct {
	manager *Manager
	name    string
	prefix  string
	items   func(*BackupData) *[]T

	// assetDirs returns directories owned by an item, removed with it.
	assetDirs func(BackupData, T) [][]string
	// restoreCascade runs after an item is restored and returns extra touched keys.
	restoreCascade func(*BackupData, T) []string
	// purgeCascade runs before an item is permanently removed.
	purgeCascade func(*BackupData, T) mutation
}

// Name returns the persisted key of the collection.
func (c *Collection[T, P]) Name() string {
	return c.name
}

// Get returns the item with the given id, deleted or not.
func (c *Collection[T, P]) Get(id string) (T, bool) {
	c.manager.mu.RLock()
	defer c.manager.mu.RUnlock()
	list := *c.items(&c.manager.state)
	index := indexOf[T, P](list, id)
	if index < 0 {
		var zero T
		return zero, false
	}
	return list[index], true
}

// List returns the active items.
func (c *Collection[T, P]) List() []T {
	return c.filter(false)
}

// Trash returns the soft-deleted items.
func (c *Collection[T, P]) Trash() []T {
	return c.filter(true)
}

// All returns every item regardless of the deleted flag.
func (c *Collection[T, P]) All() []T {
	c.manager.mu.RLock()
	defer c.manager.mu.RUnlock()
	return slices.Clone(*c.items(&c.manager.state))
}

func (c *Collection[T, P]) filter(deleted bool) []T {
	c.manager.mu.RLock()
	defer c.manager.mu.RUnlock()
	result := make([]T, 0)
	for _, item := range *c.items(&c.manager.state) {
		if P(&item).record().IsDeleted == deleted {
			result = append(result, item)
		}
	}
	return result
}

// Add appends a new item. A blank id is replaced with a generated one.
func (c *Collection[T, P]) Add(ctx context.Context, item T) (T, error) {
	operation := c.operation("add")
	if err := c.prepare(operation, &item); err != nil {
		return item, err
	}
	P(&item).record().IsDeleted = false

	err := c.manager.commit(ctx, operation, func(state *BackupData) (mutation, error) {
		list := c.items(state)
		if indexOf[T, P](*list, P(&item).record().ID) >= 0 {
			return mutation{}, newOperationError(operation, "duplicate_id", ErrDuplicateEntity)
		}
		*list = append(*list, item)
		return mutation{keys: []string{c.name}}, nil
	})
	if err != nil {
		return item, err
	}
	return item, nil
}

// Update replaces the item carrying the same id. Asset references dropped by
// the new version are deleted best-effort. The deleted flag is preserved.
func (c *Collection[T, P]) Update(ctx context.Context, item T) (T, error) {
	operation := c.operation("update")
	id := strings.TrimSpace(P(&item).record().ID)
	if id == "" {
		return item, newOperationError(operation, "missing_id", ErrEntityNotFound)
	}
	P(&item).record().ID = id
	if err := c.manager.validateEntity(operation, &item); err != nil {
		return item, err
	}

	err := c.manager.commit(ctx, operation, func(state *BackupData) (mutation, error) {
		list := c.items(state)
		index := indexOf[T, P](*list, id)
		if index < 0 {
			return mutation{}, newOperationError(operation, "not_found", ErrEntityNotFound)
		}
		previous := (*list)[index]
		P(&item).record().IsDeleted = P(&previous).record().IsDeleted
		(*list)[index] = item
		return mutation{
			keys:    []string{c.name},
			cleanup: cleanup{refs: removedRefs(P(&previous).AssetRefs(), P(&item).AssetRefs())},
		}, nil
	})
	if err != nil {
		return item, err
	}
	return item, nil
}

// SoftDelete flags the item as deleted without removing it.
func (c *Collection[T, P]) SoftDelete(ctx context.Context, id string) error {
	return c.setDeleted(ctx, c.operation("soft_delete"), id, true)
}

// Restore clears the deleted flag, cascading where the collection defines it.
func (c *Collection[T, P]) Restore(ctx context.Context, id string) error {
	return c.setDeleted(ctx, c.operation("restore"), id, false)
}

func (c *Collection[T, P]) setDeleted(ctx context.Context, operation, id string, deleted bool) error {
	id = strings.TrimSpace(id)
	return c.manager.commit(ctx, operation, func(state *BackupData) (mutation, error) {
		list := c.items(state)
		index := indexOf[T, P](*list, id)
		if index < 0 {
			return mutation{}, newOperationError(operation, "not_found", ErrEntityNotFound)
		}
		P(&(*list)[index]).record().IsDeleted = deleted
		keys := []string{c.name}
		if !deleted && c.restoreCascade != nil {
			keys = append(keys, c.restoreCascade(state, (*list)[index])...)
		}
		return mutation{keys: keys}, nil
	})
}

// PermanentlyDelete removes the item, its dependents and their assets.
func (c *Collection[T, P]) PermanentlyDelete(ctx context.Context, id string) error {
	operation := c.operation("permanent_delete")
	id = strings.TrimSpace(id)
	return c.manager.commit(ctx, operation, func(state *BackupData) (mutation, error) {
		result, ok := c.purgeLocked(state, id)
		if !ok {
			return mutation{}, newOperationError(operation, "not_found", ErrEntityNotFound)
		}
		return result, nil
	})
}

// purgeLocked removes one item from state. Cascades and directory lookups run
// before removal so that dependents can still resolve their owner.
func (c *Collection[T, P]) purgeLocked(state *BackupData, id string) (mutation, bool) {
	list := c.items(state)
	index := indexOf[T, P](*list, id)
	if index < 0 {
		return mutation{}, false
	}
	item := (*list)[index]

	result := mutation{keys: []string{c.name}}
	result.cleanup.refs = append(result.cleanup.refs, P(&item).AssetRefs()...)
	if c.assetDirs != nil {
		result.cleanup.dirs = append(result.cleanup.dirs, c.assetDirs(*state, item)...)
	}
	if c.purgeCascade != nil {
		dependents := c.purgeCascade(state, item)
		result.keys = append(result.keys, dependents.keys...)
		result.cleanup.refs = append(result.cleanup.refs, dependents.cleanup.refs...)
		result.cleanup.dirs = append(result.cleanup.dirs, dependents.cleanup.dirs...)
	}

	list = c.items(state)
	index = indexOf[T, P](*list, id)
	*list = slices.Delete(*list, index, index+1)
	return result, true
}

func (c *Collection[T, P]) prepare(operation string, item *T) error {
	record := P(item).record()
	record.ID = strings.TrimSpace(record.ID)
	if record.ID == "" {
		id, err := c.manager.ids.NewID(c.prefix)
		if err != nil {
			return newOperationError(operation, "id_generation_failed", err)
		}
		record.ID = id
	}
	return c.manager.validateEntity(operation, item)
}

func (c *Collection[T, P]) operation(action string) string {
	return fmt.Sprintf("catalog.%s.%s", c.name, action)
}

func (m *Manager) validateEntity(operation string, item any) error {
	if err := m.validate.Struct(item); err != nil {
		return newOperationError(operation, "invalid", fmt.Errorf("%w: %v", ErrInvalidEntity, err))
	}
	return nil
}

func indexOf[T any, P entityPointer[T]](items []T, id string) int {
	if id == "" {
		return -1
	}
	for index := range items {
		if P(&items[index]).record().ID == id {
			return index
		}
	}
	return -1
}

type upsertOutcome struct {
	created  int
	replaced int
	removed  []string
}

// prepareAll assigns missing ids and validates import rows.
func prepareAll[T any, P entityPointer[T]](c *Collection[T, P], rows []T) ([]T, error) {
	operation := c.operation("import")
	prepared := make([]T, 0, len(rows))
	for _, row := range rows {
		if err := c.prepare(operation, &row); err != nil {
			return nil, err
		}
		prepared = append(prepared, row)
	}
	return prepared, nil
}

// upsertAll inserts or replaces prepared rows inside an open commit.
func upsertAll[T any, P entityPointer[T]](c *Collection[T, P], state *BackupData, rows []T) upsertOutcome {
	var outcome upsertOutcome
	list := c.items(state)
	for _, row := range rows {
		index := indexOf[T, P](*list, P(&row).record().ID)
		if index < 0 {
			*list = append(*list, row)
			outcome.created++
			continue
		}
		previous := (*list)[index]
		P(&row).record().IsDeleted = P(&previous).record().IsDeleted
		(*list)[index] = row
		outcome.removed = append(outcome.removed, removedRefs(P(&previous).AssetRefs(), P(&row).AssetRefs())...)
		outcome.replaced++
	}
	return outcome
}

// purgeDeleted removes every soft-deleted item of a collection inside an
// open commit.
func purgeDeleted[T any, P entityPointer[T]](c *Collection[T, P], state *BackupData) (int, mutation) {
	var ids []string
	for _, item := range *c.items(state) {
		if record := P(&item).record(); record.IsDeleted {
			ids = append(ids, record.ID)
		}
	}
	var combined mutation
	purged := 0
	for _, id := range ids {
		result, ok := c.purgeLocked(state, id)
		if !ok {
			continue
		}
		purged++
		combined.keys = append(combined.keys, result.keys...)
		combined.cleanup.refs = append(combined.cleanup.refs, result.cleanup.refs...)
		combined.cleanup.dirs = append(combined.cleanup.dirs, result.cleanup.dirs...)
	}
	return purged, combined
}

// BrandAssetDir returns the asset directory segments owned by a brand.
func BrandAssetDir(brand Brand) []string {
	return []string{"brands", brand.Name}
}

// ProductAssetDir returns the asset directory segments owned by a product.
func ProductAssetDir(brandName string, product Product) []string {
	return []string{"products", brandName, product.Name + "-" + product.ID}
}

// brandNameAny resolves a brand name including soft-deleted brands.
func (d BackupData) brandNameAny(brandID string) string {
	for _, brand := range d.Brands {
		if brand.ID == brandID {
			return brand.Name
		}
	}
	return UnknownBrandName
}

func restoreBrandProducts(state *BackupData, brand Brand) []string {
	touched := false
	for index := range state.Products {
		if state.Products[index].BrandID == brand.ID && state.Products[index].IsDeleted {
			state.Products[index].IsDeleted = false
			touched = true
		}
	}
	if !touched {
		return nil
	}
	return []string{KeyProducts}
}

func purgeBrandDependents(state *BackupData, brand Brand) mutation {
	var result mutation

	products := state.Products[:0:0]
	for _, product := range state.Products {
		if product.BrandID != brand.ID {
			products = append(products, product)
			continue
		}
		result.cleanup.refs = append(result.cleanup.refs, product.AssetRefs()...)
		result.cleanup.dirs = append(result.cleanup.dirs, ProductAssetDir(brand.Name, product))
	}
	if len(products) != len(state.Products) {
		state.Products = products
		result.keys = append(result.keys, KeyProducts)
	}

	catalogues := state.Catalogues[:0:0]
	for _, catalogue := range state.Catalogues {
		if catalogue.BrandID != brand.ID {
			catalogues = append(catalogues, catalogue)
			continue
		}
		result.cleanup.refs = append(result.cleanup.refs, catalogue.AssetRefs()...)
	}
	if len(catalogues) != len(state.Catalogues) {
		state.Catalogues = catalogues
		result.keys = append(result.keys, KeyCatalogues)
	}

	categories := state.Categories[:0:0]
	for _, category := range state.Categories {
		if category.BrandID != brand.ID {
			categories = append(categories, category)
			continue
		}
		result.cleanup.refs = append(result.cleanup.refs, category.AssetRefs()...)
	}
	if len(categories) != len(state.Categories) {
		state.Categories = categories
		result.keys = append(result.keys, KeyCategories)
	}
	return result
}
