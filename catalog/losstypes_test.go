package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lotledger/engine"
)

func boolPtr(b bool) *bool { return &b }

func TestCreateLossType(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	// GIVEN: A new code with padding around it
	lt, err := c.CreateLossType(LossTypeInput{Code: " trim-waste ", Name: "Trim waste", SortOrder: 5})
	require.NoError(t, err)

	// THEN: It is trimmed, active and usable by the engine
	assert.Equal(t, engine.LossType{Code: "trim-waste", Name: "Trim waste", Active: true, SortOrder: 5}, lt)
	got, ok := c.LossType("trim-waste")
	require.True(t, ok)
	assert.True(t, got.Active)

	tests := []struct {
		name string
		in   LossTypeInput
		want error
	}{
		{"duplicate code", LossTypeInput{Code: "bone", Name: "Bone again"}, engine.ErrDuplicate},
		{"code too short", LossTypeInput{Code: "x", Name: "Short"}, engine.ErrValidation},
		{"blank name", LossTypeInput{Code: "blank", Name: "   "}, engine.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.CreateLossType(tt.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestUpdateLossType(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	// WHEN: An active loss type is deactivated and renamed
	name := "Bone out"
	lt, err := c.UpdateLossType("bone", LossTypePatch{Name: &name, Active: boolPtr(false)})
	require.NoError(t, err)

	// THEN: The change is visible through the reference lookup
	assert.Equal(t, "Bone out", lt.Name)
	got, ok := c.LossType("bone")
	require.True(t, ok)
	assert.False(t, got.Active)

	// AND: Unknown codes and invalid names are refused
	_, err = c.UpdateLossType("nope", LossTypePatch{Active: boolPtr(true)})
	assert.True(t, errors.Is(err, engine.ErrNotFound))
	short := "x"
	_, err = c.UpdateLossType("fat", LossTypePatch{Name: &short})
	assert.True(t, errors.Is(err, engine.ErrValidation))
}

func TestLossTypes_Ordering(t *testing.T) {
	c, err := Parse([]byte(`{"loss_types": [
		{"code": "old", "name": "Aaa old", "active": false},
		{"code": "b", "name": "Beta", "sort_order": 2},
		{"code": "a", "name": "Alpha", "sort_order": 2},
		{"code": "z", "name": "Zulu", "sort_order": 1}
	]}`))
	require.NoError(t, err)

	var codes []string
	for _, lt := range c.LossTypes() {
		codes = append(codes, lt.Code)
	}
	assert.Equal(t, []string{"z", "a", "b", "old"}, codes)
}

func TestLossTypeEdits_SavedToCatalogFile(t *testing.T) {
	// GIVEN: A catalog loaded from a file
	path := filepath.Join(t.TempDir(), "plant.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"process_profiles": [{"id": "grind", "allows_mixing": true}],
		"items": [{"id": "trim", "profile_id": "grind"}],
		"loss_types": [{"code": "bone", "name": "Bone"}],
		"locations": [{"id": "dock", "name": "Dock"}]
	}`), 0o600))
	c, err := Load(path)
	require.NoError(t, err)

	// WHEN: Loss types are added and deactivated
	_, err = c.CreateLossType(LossTypeInput{Code: "purge", Name: "Purge"})
	require.NoError(t, err)
	_, err = c.UpdateLossType("bone", LossTypePatch{Active: boolPtr(false)})
	require.NoError(t, err)

	// THEN: Reloading the file sees both edits and keeps the rest
	reloaded, err := Load(path)
	require.NoError(t, err)
	purge, ok := reloaded.LossType("purge")
	require.True(t, ok)
	assert.True(t, purge.Active)
	bone, ok := reloaded.LossType("bone")
	require.True(t, ok)
	assert.False(t, bone.Active)
	grind, ok := reloaded.Profile("grind")
	require.True(t, ok)
	assert.True(t, grind.AllowsMixing)
	assert.True(t, reloaded.HasLocation("dock"))
}
