package catalog

import (
	"errors"
	"strings"
)

// UnknownBrandName labels records whose brand reference no longer resolves.
const UnknownBrandName = "Unknown/Deleted"

var (
	// ErrEntityNotFound indicates that no record carries the requested identifier.
	ErrEntityNotFound = errors.New("catalog: entity not found")
	// ErrInvalidEntity indicates that a record failed validation.
	ErrInvalidEntity = errors.New("catalog: invalid entity")
	// ErrDuplicateEntity indicates that an added record reuses an existing identifier.
	ErrDuplicateEntity = errors.New("catalog: duplicate entity")
	// ErrMalformedSnapshot indicates that a snapshot lacks brands, products or settings.
	ErrMalformedSnapshot = errors.New("catalog: malformed snapshot")
)

// Record carries the identity and soft-delete flag shared by every entity.
type Record struct {
	ID        string `json:"id" validate:"required,max=190"`
	IsDeleted bool   `json:"isDeleted,omitempty"`
}

func (r *Record) record() *Record {
	return r
}

// Brand is a manufacturer shown on the kiosk home screen.
type Brand struct {
	Record
	Name        string `json:"name" validate:"required"`
	LogoURL     string `json:"logoUrl,omitempty"`
	Description string `json:"description,omitempty"`
}

// AssetRefs lists the asset references owned by the brand.
func (b Brand) AssetRefs() []string {
	return []string{b.LogoURL}
}

// Product belongs to a brand through a soft reference.
type Product struct {
	Record
	BrandID     string            `json:"brandId" validate:"required"`
	Name        string            `json:"name" validate:"required"`
	SKU         string            `json:"sku,omitempty"`
	Description string            `json:"description,omitempty"`
	ImageURL    string            `json:"imageUrl,omitempty"`
	GalleryURLs []string          `json:"galleryUrls,omitempty"`
	VideoURL    string            `json:"videoUrl,omitempty"`
	ManualURL   string            `json:"manualUrl,omitempty"`
	Features    []string          `json:"features,omitempty"`
	Specs       map[string]string `json:"specs,omitempty"`
}

// AssetRefs lists the asset references owned by the product.
func (p Product) AssetRefs() []string {
	refs := []string{p.ImageURL, p.VideoURL, p.ManualURL}
	return append(refs, p.GalleryURLs...)
}

// Catalogue is a brand publication rendered as a page flip or PDF.
type Catalogue struct {
	Record
	BrandID  string   `json:"brandId,omitempty"`
	Title    string   `json:"title" validate:"required"`
	Year     int      `json:"year,omitempty"`
	CoverURL string   `json:"coverUrl,omitempty"`
	PDFURL   string   `json:"pdfUrl,omitempty"`
	Pages    []string `json:"pages,omitempty"`
}

// AssetRefs lists the asset references owned by the catalogue.
func (c Catalogue) AssetRefs() []string {
	refs := []string{c.CoverURL, c.PDFURL}
	return append(refs, c.Pages...)
}

// Pamphlet is a time-boxed promotional document.
type Pamphlet struct {
	Record
	Title     string `json:"title" validate:"required"`
	CoverURL  string `json:"coverUrl,omitempty"`
	PDFURL    string `json:"pdfUrl,omitempty"`
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
}

// AssetRefs lists the asset references owned by the pamphlet.
func (p Pamphlet) AssetRefs() []string {
	return []string{p.CoverURL, p.PDFURL}
}

// ScreensaverAd is a media item rotated while the kiosk is idle.
type ScreensaverAd struct {
	Record
	Title           string `json:"title"`
	MediaURL        string `json:"mediaUrl" validate:"required"`
	MediaType       string `json:"mediaType,omitempty" validate:"omitempty,oneof=image video"`
	DurationSeconds int    `json:"durationSeconds,omitempty" validate:"gte=0"`
}

// AssetRefs lists the asset references owned by the ad.
func (a ScreensaverAd) AssetRefs() []string {
	return []string{a.MediaURL}
}

// TvContent is a looping video playlist for a display wall.
type TvContent struct {
	Record
	BrandID   string   `json:"brandId,omitempty"`
	Title     string   `json:"title" validate:"required"`
	VideoURLs []string `json:"videoUrls,omitempty"`
}

// AssetRefs lists the asset references owned by the playlist.
func (t TvContent) AssetRefs() []string {
	return append([]string(nil), t.VideoURLs...)
}

// KioskUser is a sales associate who can sign in on a kiosk.
type KioskUser struct {
	Record
	Name  string `json:"name" validate:"required"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
	PIN   string `json:"pin,omitempty"`
}

// AssetRefs returns nil; kiosk users own no assets.
func (KioskUser) AssetRefs() []string {
	return nil
}

// Client is a customer captured at the kiosk.
type Client struct {
	Record
	Name    string `json:"name" validate:"required"`
	Email   string `json:"email,omitempty" validate:"omitempty,email"`
	Phone   string `json:"phone,omitempty"`
	Company string `json:"company,omitempty"`
}

// AssetRefs returns nil; clients own no assets.
func (Client) AssetRefs() []string {
	return nil
}

// OrderItem is a single quoted product line.
type OrderItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// Order is a quote request raised for a client.
type Order struct {
	Record
	ClientID    string      `json:"clientId" validate:"required"`
	Items       []OrderItem `json:"items,omitempty"`
	Status      string      `json:"status,omitempty"`
	CreatedAtMs int64       `json:"createdAt,omitempty"`
}

// AssetRefs returns nil; orders own no assets.
func (Order) AssetRefs() []string {
	return nil
}

// Category groups a brand's products.
type Category struct {
	Record
	BrandID  string `json:"brandId,omitempty"`
	Name     string `json:"name" validate:"required"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// AssetRefs lists the asset references owned by the category.
func (c Category) AssetRefs() []string {
	return []string{c.ImageURL}
}

// Admin roles; elevated roles receive read-write storage access.
const (
	RoleSuperAdmin = "super_admin"
	RoleAdmin      = "admin"
	RoleEditor     = "editor"
	RoleViewer     = "viewer"
)

// AdminUser is a staff account for the admin panel.
type AdminUser struct {
	Record
	Name  string `json:"name" validate:"required"`
	PIN   string `json:"pin" validate:"required"`
	Role  string `json:"role" validate:"required,oneof=super_admin admin editor viewer"`
	Email string `json:"email,omitempty"`
}

// AssetRefs returns nil; admin users own no assets.
func (AdminUser) AssetRefs() []string {
	return nil
}

// IsElevatedRole reports whether the role may write to shared storage.
func IsElevatedRole(role string) bool {
	switch strings.TrimSpace(role) {
	case RoleSuperAdmin, RoleAdmin:
		return true
	default:
		return false
	}
}

// ViewCounts tracks how often brands and products were opened.
type ViewCounts struct {
	Brands   map[string]int64 `json:"brands"`
	Products map[string]int64 `json:"products"`
}

// BackupData is the full snapshot exchanged with remote storage.
type BackupData struct {
	Brands         []Brand         `json:"brands"`
	Products       []Product       `json:"products"`
	Catalogues     []Catalogue     `json:"catalogues"`
	Pamphlets      []Pamphlet      `json:"pamphlets"`
	Settings       Settings        `json:"settings"`
	ScreensaverAds []ScreensaverAd `json:"screensaverAds"`
	AdminUsers     []AdminUser     `json:"adminUsers"`
	TvContent      []TvContent     `json:"tvContent"`
	Categories     []Category      `json:"categories"`
	Clients        []Client        `json:"clients"`
	Orders         []Order         `json:"orders"`
	KioskUsers     []KioskUser     `json:"kioskUsers"`
	ViewCounts     ViewCounts      `json:"viewCounts"`
}

// Persisted keys, one per snapshot field plus device-local state.
const (
	KeyBrands          = "brands"
	KeyProducts        = "products"
	KeyCatalogues      = "catalogues"
	KeyPamphlets       = "pamphlets"
	KeySettings        = "settings"
	KeyScreensaverAds  = "screensaverAds"
	KeyAdminUsers      = "adminUsers"
	KeyTvContent       = "tvContent"
	KeyCategories      = "categories"
	KeyClients         = "clients"
	KeyOrders          = "orders"
	KeyKioskUsers      = "kioskUsers"
	KeyViewCounts      = "viewCounts"
	KeyStorageProvider = "storageProvider"
	KeySetupComplete   = "isSetupComplete"
	KeyLocalVolume     = "localVolume"
	KeyStorageEndpoint = "storageEndpoint"
)

// SnapshotKeys lists the keys that make up a BackupData value.
var SnapshotKeys = []string{
	KeyBrands, KeyProducts, KeyCatalogues, KeyPamphlets, KeySettings,
	KeyScreensaverAds, KeyAdminUsers, KeyTvContent, KeyCategories,
	KeyClients, KeyOrders, KeyKioskUsers, KeyViewCounts,
}

// Normalize replaces nil collections with empty ones so that JSON output
// always carries arrays and maps.
func (d *BackupData) Normalize() {
	if d.Brands == nil {
		d.Brands = []Brand{}
	}
	if d.Products == nil {
		d.Products = []Product{}
	}
	if d.Catalogues == nil {
		d.Catalogues = []Catalogue{}
	}
	if d.Pamphlets == nil {
		d.Pamphlets = []Pamphlet{}
	}
	if d.ScreensaverAds == nil {
		d.ScreensaverAds = []ScreensaverAd{}
	}
	if d.AdminUsers == nil {
		d.AdminUsers = []AdminUser{}
	}
	if d.TvContent == nil {
		d.TvContent = []TvContent{}
	}
	if d.Categories == nil {
		d.Categories = []Category{}
	}
	if d.Clients == nil {
		d.Clients = []Client{}
	}
	if d.Orders == nil {
		d.Orders = []Order{}
	}
	if d.KioskUsers == nil {
		d.KioskUsers = []KioskUser{}
	}
	if d.ViewCounts.Brands == nil {
		d.ViewCounts.Brands = map[string]int64{}
	}
	if d.ViewCounts.Products == nil {
		d.ViewCounts.Products = map[string]int64{}
	}
}

// BrandName resolves a brand reference, degrading to UnknownBrandName.
func (d BackupData) BrandName(brandID string) string {
	for _, brand := range d.Brands {
		if brand.ID == brandID && !brand.IsDeleted {
			return brand.Name
		}
	}
	return UnknownBrandName
}

// VisibleBrands returns brands that are not soft-deleted.
func (d BackupData) VisibleBrands() []Brand {
	visible := make([]Brand, 0, len(d.Brands))
	for _, brand := range d.Brands {
		if !brand.IsDeleted {
			visible = append(visible, brand)
		}
	}
	return visible
}

// VisibleProducts returns active products whose owning brand is not hidden.
// Products pointing at a missing brand stay visible. An empty brandID
// selects products of every brand.
func (d BackupData) VisibleProducts(brandID string) []Product {
	hiddenBrands := make(map[string]struct{})
	for _, brand := range d.Brands {
		if brand.IsDeleted {
			hiddenBrands[brand.ID] = struct{}{}
		}
	}
	visible := make([]Product, 0)
	for _, product := range d.Products {
		if product.IsDeleted {
			continue
		}
		if brandID != "" && product.BrandID != brandID {
			continue
		}
		if _, hidden := hiddenBrands[product.BrandID]; hidden {
			continue
		}
		visible = append(visible, product)
	}
	return visible
}
