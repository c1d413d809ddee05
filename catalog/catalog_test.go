package catalog

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/canopy/dispatch"
	"github.com/c360/canopy/errors"
	"github.com/c360/canopy/rule"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	cat, err := Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	return cat
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func num(v float64) *float64 { return &v }

func TestLoadEnabledRules_OrderAndFiltering(t *testing.T) {
	cat := newTestCatalog(t)

	// Insert out of order; disabled rules are excluded.
	_, err := cat.SaveRule(rule.Rule{Name: "second", Enabled: true, Position: 10,
		Action: rule.Action{Channel: "fan", Value: rule.ActionValue{Number: num(1)}}})
	require.NoError(t, err)
	_, err = cat.SaveRule(rule.Rule{Name: "first", Enabled: true, Position: 5,
		Action: rule.Action{Channel: "fan", Value: rule.ActionValue{Number: num(0.5)}}})
	require.NoError(t, err)
	_, err = cat.SaveRule(rule.Rule{Name: "disabled", Enabled: false, Position: 0,
		Action: rule.Action{Channel: "fan", Value: rule.ActionValue{Number: num(0)}}})
	require.NoError(t, err)

	rules, err := cat.LoadEnabledRules()
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "first", rules[0].Name)
	assert.Equal(t, "second", rules[1].Name)
}

func TestSaveRule_RoundTripsConditions(t *testing.T) {
	cat := newTestCatalog(t)

	var node rule.ConditionNode
	require.NoError(t, node.UnmarshalJSON([]byte(
		`{"operator":"AND","conditions":[{"type":"sensor","channel":"d:temp","operator":">","value":25}]}`)))

	id, err := cat.SaveRule(rule.Rule{Name: "hot", Enabled: true, Conditions: &node,
		Action: rule.Action{Channel: "fan", Value: rule.ActionValue{Number: num(1)}}})
	require.NoError(t, err)
	require.NotZero(t, id)

	rules, err := cat.LoadEnabledRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.NotNil(t, rules[0].Conditions)
	require.NotNil(t, rules[0].Conditions.Group)
	require.Len(t, rules[0].Conditions.Group.Conditions, 1)
	leaf := rules[0].Conditions.Group.Conditions[0].Leaf
	require.NotNil(t, leaf)
	assert.Equal(t, "d:temp", leaf.Channel)
}

func TestSaveRule_UpdateExisting(t *testing.T) {
	cat := newTestCatalog(t)

	id, err := cat.SaveRule(rule.Rule{Name: "v1", Enabled: true,
		Action: rule.Action{Channel: "fan", Value: rule.ActionValue{Number: num(1)}}})
	require.NoError(t, err)

	_, err = cat.SaveRule(rule.Rule{ID: id, Name: "v2", Enabled: true,
		Action: rule.Action{Channel: "fan", Value: rule.ActionValue{Number: num(0.5)}}})
	require.NoError(t, err)

	rules, err := cat.LoadEnabledRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "v2", rules[0].Name)
	assert.InDelta(t, 0.5, *rules[0].Action.Value.Number, 1e-9)
}

func TestOutputConfigsAndBindings(t *testing.T) {
	cat := newTestCatalog(t)

	require.NoError(t, cat.SaveOutputConfig(OutputConfig{
		Channel: "fan", Device: "ac:", DeviceChannel: "tent:fan",
		Kind: dispatch.KindLevel, Label: "Exhaust fan", Position: 1,
	}))
	require.NoError(t, cat.SaveOutputConfig(OutputConfig{
		Channel: "virtual", Kind: dispatch.KindSwitch, Position: 2,
	}))

	names, err := cat.OutputChannelNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"fan", "virtual"}, names)

	// Only the bound channel appears in bindings.
	bindings, err := cat.OutputBindings()
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, dispatch.Binding{
		Device: "ac:", DeviceChannel: "tent:fan", Kind: dispatch.KindLevel,
	}, bindings["fan"])
}

func TestSaveOutputConfig_RejectsUnknownKind(t *testing.T) {
	cat := newTestCatalog(t)
	err := cat.SaveOutputConfig(OutputConfig{Channel: "fan", Kind: "dimmer"})
	assert.True(t, errors.IsInvalid(err))
}

func TestSaveOutputConfig_Upsert(t *testing.T) {
	cat := newTestCatalog(t)

	require.NoError(t, cat.SaveOutputConfig(OutputConfig{
		Channel: "fan", Device: "ac:", DeviceChannel: "tent:fan", Kind: dispatch.KindLevel,
	}))
	require.NoError(t, cat.SaveOutputConfig(OutputConfig{
		Channel: "fan", Device: "ac:", DeviceChannel: "tent:fan2", Kind: dispatch.KindLevel,
	}))

	bindings, err := cat.OutputBindings()
	require.NoError(t, err)
	assert.Equal(t, "tent:fan2", bindings["fan"].DeviceChannel)
}

func TestAPIKeyLifecycle(t *testing.T) {
	cat := newTestCatalog(t)

	created, err := cat.CreateAPIKey("greenhouse", "ac:")
	require.NoError(t, err)
	assert.Len(t, created.Key, 64)
	assert.Equal(t, "ac:", created.DevicePrefix)
	assert.NotZero(t, created.CreatedAt)

	// Lookup by the full key succeeds.
	found, err := cat.LookupAPIKey(created.Key)
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
	assert.Equal(t, "greenhouse", found.Name)

	// Unknown keys are rejected with the sentinel.
	_, err = cat.LookupAPIKey("nope")
	assert.ErrorIs(t, err, errors.ErrInvalidAPIKey)

	// List redacts key material; Get returns it in full.
	keys, err := cat.ListAPIKeys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotEqual(t, created.Key, keys[0].Key)
	assert.Contains(t, keys[0].Key, "...")

	full, err := cat.GetAPIKey(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Key, full.Key)

	require.NoError(t, cat.DeleteAPIKey(created.ID))
	_, err = cat.LookupAPIKey(created.Key)
	assert.ErrorIs(t, err, errors.ErrInvalidAPIKey)

	// Deleting again reports invalid.
	assert.True(t, errors.IsInvalid(cat.DeleteAPIKey(created.ID)))
}

func TestLoadEnabledRules_SkipsCorruptRule(t *testing.T) {
	cat := newTestCatalog(t)

	_, err := cat.db.Exec(`
		INSERT INTO rules (name, type, enabled, position, conditions, action)
		VALUES ('broken', 'output', 1, 0, '{not json', '1')`)
	require.NoError(t, err)
	_, err = cat.SaveRule(rule.Rule{Name: "ok", Enabled: true,
		Action: rule.Action{Channel: "fan", Value: rule.ActionValue{Number: num(1)}}})
	require.NoError(t, err)

	rules, err := cat.LoadEnabledRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "ok", rules[0].Name)
}
