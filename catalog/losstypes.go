package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/warp/lotledger/engine"
)

// LossTypeInput creates a loss type.
type LossTypeInput struct {
	Code      string `json:"code" validate:"min=2,max=64"`
	Name      string `json:"name" validate:"min=2,max=128"`
	SortOrder int    `json:"sort_order"`
	// Active defaults to true.
	Active *bool `json:"active,omitempty"`
}

// LossTypePatch changes the fields that are set.
type LossTypePatch struct {
	Name      *string `json:"name,omitempty" validate:"omitempty,min=2,max=128"`
	SortOrder *int    `json:"sort_order,omitempty"`
	Active    *bool   `json:"active,omitempty"`
}

// LossTypes returns every loss type, active first, then by sort order and
// name.
func (c *Catalog) LossTypes() []engine.LossType {
	c.mu.RLock()
	out := make([]engine.LossType, 0, len(c.lossTypes))
	for _, lt := range c.lossTypes {
		out = append(out, lt)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Active != b.Active {
			return a.Active
		}
		if a.SortOrder != b.SortOrder {
			return a.SortOrder < b.SortOrder
		}
		return a.Name < b.Name
	})
	return out
}

// CreateLossType adds a loss type. An existing code fails with
// engine.ErrDuplicate.
func (c *Catalog) CreateLossType(in LossTypeInput) (engine.LossType, error) {
	in.Code = strings.TrimSpace(in.Code)
	in.Name = strings.TrimSpace(in.Name)
	if err := engine.ValidateStruct(in); err != nil {
		return engine.LossType{}, err
	}
	lt := engine.LossType{Code: in.Code, Name: in.Name, Active: true, SortOrder: in.SortOrder}
	if in.Active != nil {
		lt.Active = *in.Active
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lossTypes[lt.Code]; ok {
		return engine.LossType{}, fmt.Errorf("loss type %q: %w", lt.Code, engine.ErrDuplicate)
	}
	c.lossTypes[lt.Code] = lt
	if err := c.save(); err != nil {
		delete(c.lossTypes, lt.Code)
		return engine.LossType{}, err
	}
	return lt, nil
}

// UpdateLossType applies patch to the loss type with code. Deactivating a
// loss type stops new production from recording it; past records keep it.
func (c *Catalog) UpdateLossType(code string, patch LossTypePatch) (engine.LossType, error) {
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		patch.Name = &name
	}
	if err := engine.ValidateStruct(patch); err != nil {
		return engine.LossType{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.lossTypes[code]
	if !ok {
		return engine.LossType{}, &engine.NotFoundError{Entity: "loss_type", ID: code}
	}
	lt := prev
	if patch.Name != nil {
		lt.Name = *patch.Name
	}
	if patch.SortOrder != nil {
		lt.SortOrder = *patch.SortOrder
	}
	if patch.Active != nil {
		lt.Active = *patch.Active
	}
	if lt == prev {
		return lt, nil
	}
	c.lossTypes[code] = lt
	if err := c.save(); err != nil {
		c.lossTypes[code] = prev
		return engine.LossType{}, err
	}
	return lt, nil
}

// JSON returns the catalog in its file format, each list sorted by id.
func (c *Catalog) JSON() CatalogJSON {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jsonLocked()
}

func (c *Catalog) jsonLocked() CatalogJSON {
	var cj CatalogJSON
	for _, p := range sortedValues(c.profiles, func(v engine.ProcessProfile) string { return v.ID }) {
		cj.Profiles = append(cj.Profiles, ProfileJSON(p))
	}
	for _, it := range sortedValues(c.items, func(v engine.Item) string { return v.ID }) {
		cj.Items = append(cj.Items, ItemJSON(it))
	}
	for _, lt := range sortedValues(c.lossTypes, func(v engine.LossType) string { return v.Code }) {
		active := lt.Active
		cj.LossTypes = append(cj.LossTypes, LossTypeJSON{Code: lt.Code, Name: lt.Name, Active: &active, SortOrder: lt.SortOrder})
	}
	parties := func(m map[string]Entry) []PartyJSON {
		var out []PartyJSON
		for _, e := range sortedValues(m, func(v Entry) string { return v.ID }) {
			out = append(out, PartyJSON(e))
		}
		return out
	}
	cj.Suppliers = parties(c.suppliers)
	cj.Customers = parties(c.customers)
	cj.Locations = parties(c.locations)
	return cj
}

// save writes the catalog back to its file. Callers hold mu.
func (c *Catalog) save() error {
	if c.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(c.jsonLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".catalog-*.json")
	if err != nil {
		return fmt.Errorf("failed to save catalog: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to save catalog: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to save catalog: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return fmt.Errorf("failed to save catalog: %w", err)
	}
	return nil
}
