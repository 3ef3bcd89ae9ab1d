package engine

// Item is a product the plant stocks.
type Item struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ProfileID string `json:"profile_id,omitempty"`
}

// ProcessProfile carries per-process policy.
type ProcessProfile struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	AllowsMixing     bool   `json:"allows_mixing"`
	DefaultAgingDays int    `json:"default_aging_days"`
}

// LossType classifies production losses.
type LossType struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	SortOrder int    `json:"sort_order"`
}

// ReferenceData resolves master data the engine validates against.
type ReferenceData interface {
	Item(id string) (Item, bool)
	Profile(id string) (ProcessProfile, bool)
	LossType(code string) (LossType, bool)
	HasSupplier(id string) bool
	HasCustomer(id string) bool
	HasLocation(id string) bool
}

// OpenReference accepts every reference. Items have no profile and no
// process profile allows mixing.
type OpenReference struct{}

func (OpenReference) Item(id string) (Item, bool) { return Item{ID: id, Name: id}, true }

func (OpenReference) Profile(string) (ProcessProfile, bool) { return ProcessProfile{}, false }

func (OpenReference) LossType(code string) (LossType, bool) {
	return LossType{Code: code, Name: code, Active: true}, true
}

func (OpenReference) HasSupplier(string) bool { return true }
func (OpenReference) HasCustomer(string) bool { return true }
func (OpenReference) HasLocation(string) bool { return true }

// itemProfile returns the process profile of itemID, if any.
func itemProfile(ref ReferenceData, itemID string) (ProcessProfile, bool) {
	it, ok := ref.Item(itemID)
	if !ok || it.ProfileID == "" {
		return ProcessProfile{}, false
	}
	return ref.Profile(it.ProfileID)
}

func (e *Engine) requireItem(field, id string) error {
	if _, ok := e.ref.Item(id); !ok {
		return invalid(field, "unknown item %q", id)
	}
	return nil
}

func (e *Engine) requireLocation(field, id string) error {
	if !e.ref.HasLocation(id) {
		return invalid(field, "unknown location %q", id)
	}
	return nil
}

func (e *Engine) requireCustomer(field, id string) error {
	if !e.ref.HasCustomer(id) {
		return invalid(field, "unknown customer %q", id)
	}
	return nil
}

func (e *Engine) requireLossTypes(losses []LossLine) error {
	for i, l := range losses {
		lt, ok := e.ref.LossType(l.LossType)
		if !ok || !lt.Active {
			return invalid("losses", "line %d: unknown or inactive loss type %q", i, l.LossType)
		}
	}
	return nil
}
