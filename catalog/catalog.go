/*
Package catalog provides the plant's reference data from JSON.

PURPOSE:
  Items, process profiles, loss types, suppliers, customers and locations
  are master data the engine validates requests against. The catalog loads
  them from a JSON document so a plant can be configured without code
  changes, and serves them to the lookups endpoint.

JSON SCHEMA:
  {
    "process_profiles": [
      {"id": "dry-age", "name": "Dry aging", "default_aging_days": 21},
      {"id": "grind", "name": "Grinding", "allows_mixing": true}
    ],
    "items": [
      {"id": "beef-carcass", "name": "Beef carcass", "profile_id": "dry-age"}
    ],
    "loss_types": [
      {"code": "bone", "name": "Bone"},
      {"code": "legacy", "name": "Old code", "active": false}
    ],
    "suppliers": [{"id": "sup-hill", "name": "Hill Farm"}],
    "customers": [{"id": "cust-bistro", "name": "Bistro"}],
    "locations": [{"id": "dock", "name": "Receiving dock"}]
  }

DEFAULTS:
  - name defaults to the id (or code)
  - loss types are active unless "active": false

LOSS TYPE ADMIN:
  Loss types are the one list supervisors edit at runtime (see
  losstypes.go). Edits to a catalog loaded from a file are written back to
  that file; edits to the embedded default live until restart.

VALIDATION:
  - ids are required and unique within their list
  - an item's profile_id must name a listed profile
  - default_aging_days must not be negative

USAGE:
  cat, err := catalog.Load("")          // embedded default plant
  cat, err := catalog.Load("plant.json")
  eng := engine.New(st, engine.Options{Reference: cat})
*/
package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/warp/lotledger/engine"
)

//go:embed default.json
var defaultCatalog []byte

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// CatalogJSON is the JSON representation of a catalog.
type CatalogJSON struct {
	Profiles  []ProfileJSON  `json:"process_profiles"`
	Items     []ItemJSON     `json:"items"`
	LossTypes []LossTypeJSON `json:"loss_types"`
	Suppliers []PartyJSON    `json:"suppliers"`
	Customers []PartyJSON    `json:"customers"`
	Locations []PartyJSON    `json:"locations"`
}

// ProfileJSON represents a process profile.
type ProfileJSON struct {
	ID               string `json:"id"`
	Name             string `json:"name,omitempty"`
	AllowsMixing     bool   `json:"allows_mixing,omitempty"`
	DefaultAgingDays int    `json:"default_aging_days,omitempty"`
}

// ItemJSON represents a stocked item.
type ItemJSON struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	ProfileID string `json:"profile_id,omitempty"`
}

// LossTypeJSON represents a loss classification. Active defaults to true.
type LossTypeJSON struct {
	Code      string `json:"code"`
	Name      string `json:"name,omitempty"`
	Active    *bool  `json:"active,omitempty"`
	SortOrder int    `json:"sort_order,omitempty"`
}

// PartyJSON is a supplier, customer or location.
type PartyJSON struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// =============================================================================
// CATALOG
// =============================================================================

// Entry is a named reference record.
type Entry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Catalog is loaded reference data. It implements engine.ReferenceData.
// Only loss types change after loading, under mu.
type Catalog struct {
	// path is the file edits are saved to; empty for in-memory catalogs.
	path string
	mu   sync.RWMutex

	items     map[string]engine.Item
	profiles  map[string]engine.ProcessProfile
	lossTypes map[string]engine.LossType
	suppliers map[string]Entry
	customers map[string]Entry
	locations map[string]Entry
}

var _ engine.ReferenceData = (*Catalog)(nil)

// Load reads the catalog at path, or the embedded default when path is
// empty.
func Load(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog: %w", err)
		}
	}
	c, err := Parse(data)
	if err != nil {
		return nil, err
	}
	c.path = path
	return c, nil
}

// Parse builds a Catalog from JSON.
func Parse(data []byte) (*Catalog, error) {
	var cj CatalogJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}
	return FromJSON(cj)
}

// FromJSON validates cj and converts it into a Catalog.
func FromJSON(cj CatalogJSON) (*Catalog, error) {
	c := &Catalog{
		items:     make(map[string]engine.Item, len(cj.Items)),
		profiles:  make(map[string]engine.ProcessProfile, len(cj.Profiles)),
		lossTypes: make(map[string]engine.LossType, len(cj.LossTypes)),
	}

	for _, pj := range cj.Profiles {
		if err := checkID("process_profiles", pj.ID, c.profiles); err != nil {
			return nil, err
		}
		if pj.DefaultAgingDays < 0 {
			return nil, fmt.Errorf("process profile %s: default_aging_days must not be negative", pj.ID)
		}
		c.profiles[pj.ID] = engine.ProcessProfile{
			ID:               pj.ID,
			Name:             orID(pj.Name, pj.ID),
			AllowsMixing:     pj.AllowsMixing,
			DefaultAgingDays: pj.DefaultAgingDays,
		}
	}

	for _, ij := range cj.Items {
		if err := checkID("items", ij.ID, c.items); err != nil {
			return nil, err
		}
		if ij.ProfileID != "" {
			if _, ok := c.profiles[ij.ProfileID]; !ok {
				return nil, fmt.Errorf("item %s: unknown process profile %q", ij.ID, ij.ProfileID)
			}
		}
		c.items[ij.ID] = engine.Item{ID: ij.ID, Name: orID(ij.Name, ij.ID), ProfileID: ij.ProfileID}
	}

	for _, lj := range cj.LossTypes {
		if err := checkID("loss_types", lj.Code, c.lossTypes); err != nil {
			return nil, err
		}
		active := true
		if lj.Active != nil {
			active = *lj.Active
		}
		c.lossTypes[lj.Code] = engine.LossType{
			Code:      lj.Code,
			Name:      orID(lj.Name, lj.Code),
			Active:    active,
			SortOrder: lj.SortOrder,
		}
	}

	var err error
	if c.suppliers, err = parseParties("suppliers", cj.Suppliers); err != nil {
		return nil, err
	}
	if c.customers, err = parseParties("customers", cj.Customers); err != nil {
		return nil, err
	}
	if c.locations, err = parseParties("locations", cj.Locations); err != nil {
		return nil, err
	}
	return c, nil
}

// =============================================================================
// engine.ReferenceData
// =============================================================================

func (c *Catalog) Item(id string) (engine.Item, bool) {
	it, ok := c.items[id]
	return it, ok
}

func (c *Catalog) Profile(id string) (engine.ProcessProfile, bool) {
	p, ok := c.profiles[id]
	return p, ok
}

func (c *Catalog) LossType(code string) (engine.LossType, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lt, ok := c.lossTypes[code]
	return lt, ok
}

func (c *Catalog) HasSupplier(id string) bool { _, ok := c.suppliers[id]; return ok }
func (c *Catalog) HasCustomer(id string) bool { _, ok := c.customers[id]; return ok }
func (c *Catalog) HasLocation(id string) bool { _, ok := c.locations[id]; return ok }

// =============================================================================
// LOOKUPS
// =============================================================================

// Lookups is every reference list, sorted by id.
type Lookups struct {
	Items     []engine.Item           `json:"items"`
	Profiles  []engine.ProcessProfile `json:"process_profiles"`
	LossTypes []engine.LossType       `json:"loss_types"`
	Suppliers []Entry                 `json:"suppliers"`
	Customers []Entry                 `json:"customers"`
	Locations []Entry                 `json:"locations"`
}

// Lookups returns the catalog as sorted lists. Inactive loss types are
// included so historical records stay readable.
func (c *Catalog) Lookups() Lookups {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Lookups{
		Items:     sortedValues(c.items, func(v engine.Item) string { return v.ID }),
		Profiles:  sortedValues(c.profiles, func(v engine.ProcessProfile) string { return v.ID }),
		LossTypes: sortedValues(c.lossTypes, func(v engine.LossType) string { return v.Code }),
		Suppliers: sortedValues(c.suppliers, func(v Entry) string { return v.ID }),
		Customers: sortedValues(c.customers, func(v Entry) string { return v.ID }),
		Locations: sortedValues(c.locations, func(v Entry) string { return v.ID }),
	}
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func checkID[V any](list, id string, seen map[string]V) error {
	if id == "" {
		return fmt.Errorf("%s: entry without id", list)
	}
	if _, dup := seen[id]; dup {
		return fmt.Errorf("%s: duplicate id %q", list, id)
	}
	return nil
}

func parseParties(list string, parties []PartyJSON) (map[string]Entry, error) {
	out := make(map[string]Entry, len(parties))
	for _, p := range parties {
		if err := checkID(list, p.ID, out); err != nil {
			return nil, err
		}
		out[p.ID] = Entry{ID: p.ID, Name: orID(p.Name, p.ID)}
	}
	return out, nil
}

func orID(name, id string) string {
	if name == "" {
		return id
	}
	return name
}

func sortedValues[V any](m map[string]V, key func(V) string) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return key(out[i]) < key(out[j]) })
	return out
}
