// Package catalog stores the configuration side of the system: automation
// rules, output channel configs with their agent bindings, agent API keys,
// and a changelog. Runtime telemetry lives in eventstore; the catalog is
// read-mostly and mutated through the CLI and migrations.
package catalog

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/c360/canopy/dispatch"
	"github.com/c360/canopy/errors"
	"github.com/c360/canopy/pkg/timestamp"
	"github.com/c360/canopy/rule"
)

const schema = `
CREATE TABLE IF NOT EXISTS rules (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT    NOT NULL,
	type       TEXT    NOT NULL DEFAULT 'output',
	enabled    INTEGER NOT NULL DEFAULT 1,
	position   INTEGER NOT NULL DEFAULT 0,
	conditions TEXT,
	action     TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS output_configs (
	channel        TEXT PRIMARY KEY,
	device         TEXT NOT NULL DEFAULT '',
	device_channel TEXT NOT NULL DEFAULT '',
	kind           TEXT NOT NULL DEFAULT 'level',
	label          TEXT NOT NULL DEFAULT '',
	position       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS api_keys (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	key           TEXT    NOT NULL UNIQUE,
	name          TEXT    NOT NULL,
	device_prefix TEXT    NOT NULL,
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS changelog (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	entity    TEXT    NOT NULL,
	action    TEXT    NOT NULL,
	detail    TEXT    NOT NULL DEFAULT ''
);
`

// OutputConfig describes one output channel: its binding to an agent
// device and its display metadata.
type OutputConfig struct {
	Channel       string `json:"channel"`
	Device        string `json:"device"`
	DeviceChannel string `json:"deviceChannel"`
	Kind          string `json:"kind"`
	Label         string `json:"label"`
	Position      int    `json:"position"`
}

// APIKey is one agent credential. The key itself is a 64-char hex string.
type APIKey struct {
	ID           int64  `json:"id"`
	Key          string `json:"key"`
	Name         string `json:"name"`
	DevicePrefix string `json:"devicePrefix"`
	CreatedAt    int64  `json:"createdAt"`
}

// Catalog is the SQLite-backed configuration store.
type Catalog struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (and migrates) the catalog at the given SQLite path. The
// catalog may share a database file with the event store; WAL mode keeps
// the two connections from blocking each other.
func Open(path string, logger *slog.Logger) (*Catalog, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.WrapFatal(err, "Catalog", "Open", "open database")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "Catalog", "Open", "apply schema")
	}

	return &Catalog{
		db:     db,
		logger: logger.With("component", "catalog"),
	}, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// LoadEnabledRules returns the enabled rules in evaluation order:
// position ascending, id ascending. A rule whose stored JSON no longer
// parses is skipped with a warning rather than failing the whole load.
func (c *Catalog) LoadEnabledRules() ([]rule.Rule, error) {
	rows, err := c.db.Query(`
		SELECT id, name, type, enabled, position, conditions, action
		FROM rules WHERE enabled = 1
		ORDER BY position ASC, id ASC`)
	if err != nil {
		return nil, errors.WrapTransient(err, "Catalog", "LoadEnabledRules", "query rules")
	}
	defer rows.Close()

	var rules []rule.Rule
	for rows.Next() {
		var (
			r          rule.Rule
			conditions sql.NullString
			action     string
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &r.Enabled, &r.Position, &conditions, &action); err != nil {
			return nil, errors.WrapTransient(err, "Catalog", "LoadEnabledRules", "scan rule")
		}

		if conditions.Valid && conditions.String != "" {
			var node rule.ConditionNode
			if err := json.Unmarshal([]byte(conditions.String), &node); err != nil {
				c.logger.Warn("skipping rule with unparseable conditions",
					"rule_id", r.ID, "rule_name", r.Name, "error", err)
				continue
			}
			r.Conditions = &node
		}
		if err := json.Unmarshal([]byte(action), &r.Action); err != nil {
			c.logger.Warn("skipping rule with unparseable action",
				"rule_id", r.ID, "rule_name", r.Name, "error", err)
			continue
		}

		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Catalog", "LoadEnabledRules", "iterate rules")
	}
	return rules, nil
}

// SaveRule inserts a rule (ID zero) or replaces an existing one.
func (c *Catalog) SaveRule(r rule.Rule) (int64, error) {
	var conditions any
	if r.Conditions != nil {
		raw, err := json.Marshal(r.Conditions)
		if err != nil {
			return 0, errors.WrapInvalid(err, "Catalog", "SaveRule", "marshal conditions")
		}
		conditions = string(raw)
	}
	action, err := json.Marshal(r.Action)
	if err != nil {
		return 0, errors.WrapInvalid(err, "Catalog", "SaveRule", "marshal action")
	}

	if r.ID == 0 {
		res, err := c.db.Exec(`
			INSERT INTO rules (name, type, enabled, position, conditions, action)
			VALUES (?, ?, ?, ?, ?, ?)`,
			r.Name, r.Type, r.Enabled, r.Position, conditions, string(action))
		if err != nil {
			return 0, errors.WrapTransient(err, "Catalog", "SaveRule", "insert rule")
		}
		id, _ := res.LastInsertId()
		c.InsertChangelog("rule", "create", r.Name)
		return id, nil
	}

	if _, err := c.db.Exec(`
		UPDATE rules SET name = ?, type = ?, enabled = ?, position = ?, conditions = ?, action = ?
		WHERE id = ?`,
		r.Name, r.Type, r.Enabled, r.Position, conditions, string(action), r.ID); err != nil {
		return 0, errors.WrapTransient(err, "Catalog", "SaveRule", "update rule")
	}
	c.InsertChangelog("rule", "update", r.Name)
	return r.ID, nil
}

// OutputChannels returns all output channel configs in display order.
func (c *Catalog) OutputChannels() ([]OutputConfig, error) {
	rows, err := c.db.Query(`
		SELECT channel, device, device_channel, kind, label, position
		FROM output_configs ORDER BY position ASC, channel ASC`)
	if err != nil {
		return nil, errors.WrapTransient(err, "Catalog", "OutputChannels", "query configs")
	}
	defer rows.Close()

	var configs []OutputConfig
	for rows.Next() {
		var cfg OutputConfig
		if err := rows.Scan(&cfg.Channel, &cfg.Device, &cfg.DeviceChannel,
			&cfg.Kind, &cfg.Label, &cfg.Position); err != nil {
			return nil, errors.WrapTransient(err, "Catalog", "OutputChannels", "scan config")
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// OutputChannelNames returns the names of all configured output channels.
func (c *Catalog) OutputChannelNames() ([]string, error) {
	configs, err := c.OutputChannels()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(configs))
	for i, cfg := range configs {
		names[i] = cfg.Channel
	}
	return names, nil
}

// OutputBindings returns the agent binding for every channel that has
// one. Channels with an empty device are state-only and excluded.
func (c *Catalog) OutputBindings() (map[string]dispatch.Binding, error) {
	configs, err := c.OutputChannels()
	if err != nil {
		return nil, err
	}
	bindings := make(map[string]dispatch.Binding)
	for _, cfg := range configs {
		if cfg.Device == "" || cfg.DeviceChannel == "" {
			continue
		}
		bindings[cfg.Channel] = dispatch.Binding{
			Device:        cfg.Device,
			DeviceChannel: cfg.DeviceChannel,
			Kind:          cfg.Kind,
		}
	}
	return bindings, nil
}

// SaveOutputConfig inserts or replaces one output channel config.
func (c *Catalog) SaveOutputConfig(cfg OutputConfig) error {
	if cfg.Kind != dispatch.KindLevel && cfg.Kind != dispatch.KindSwitch {
		return errors.WrapInvalid(
			fmt.Errorf("kind must be %q or %q, got %q", dispatch.KindLevel, dispatch.KindSwitch, cfg.Kind),
			"Catalog", "SaveOutputConfig", "validate kind")
	}
	_, err := c.db.Exec(`
		INSERT INTO output_configs (channel, device, device_channel, kind, label, position)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel) DO UPDATE SET
			device = excluded.device,
			device_channel = excluded.device_channel,
			kind = excluded.kind,
			label = excluded.label,
			position = excluded.position`,
		cfg.Channel, cfg.Device, cfg.DeviceChannel, cfg.Kind, cfg.Label, cfg.Position)
	if err != nil {
		return errors.WrapTransient(err, "Catalog", "SaveOutputConfig", "upsert config")
	}
	c.InsertChangelog("output_config", "save", cfg.Channel)
	return nil
}

// LookupAPIKey resolves a presented key to its credential record.
// Unknown keys return ErrInvalidAPIKey.
func (c *Catalog) LookupAPIKey(key string) (APIKey, error) {
	var k APIKey
	err := c.db.QueryRow(`
		SELECT id, key, name, device_prefix, created_at
		FROM api_keys WHERE key = ?`, key).
		Scan(&k.ID, &k.Key, &k.Name, &k.DevicePrefix, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return APIKey{}, errors.ErrInvalidAPIKey
	}
	if err != nil {
		return APIKey{}, errors.WrapTransient(err, "Catalog", "LookupAPIKey", "query key")
	}
	return k, nil
}

// CreateAPIKey mints a new random credential for an agent.
func (c *Catalog) CreateAPIKey(name, devicePrefix string) (APIKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return APIKey{}, errors.WrapFatal(err, "Catalog", "CreateAPIKey", "generate key")
	}
	k := APIKey{
		Key:          hex.EncodeToString(raw),
		Name:         name,
		DevicePrefix: devicePrefix,
		CreatedAt:    timestamp.Now(),
	}

	res, err := c.db.Exec(`
		INSERT INTO api_keys (key, name, device_prefix, created_at)
		VALUES (?, ?, ?, ?)`,
		k.Key, k.Name, k.DevicePrefix, k.CreatedAt)
	if err != nil {
		return APIKey{}, errors.WrapTransient(err, "Catalog", "CreateAPIKey", "insert key")
	}
	k.ID, _ = res.LastInsertId()
	c.InsertChangelog("api_key", "create", name)
	return k, nil
}

// ListAPIKeys returns all credentials with the key material redacted.
func (c *Catalog) ListAPIKeys() ([]APIKey, error) {
	rows, err := c.db.Query(`
		SELECT id, key, name, device_prefix, created_at
		FROM api_keys ORDER BY id ASC`)
	if err != nil {
		return nil, errors.WrapTransient(err, "Catalog", "ListAPIKeys", "query keys")
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.Key, &k.Name, &k.DevicePrefix, &k.CreatedAt); err != nil {
			return nil, errors.WrapTransient(err, "Catalog", "ListAPIKeys", "scan key")
		}
		k.Key = redactKey(k.Key)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// GetAPIKey returns one credential including the full key material.
func (c *Catalog) GetAPIKey(id int64) (APIKey, error) {
	var k APIKey
	err := c.db.QueryRow(`
		SELECT id, key, name, device_prefix, created_at
		FROM api_keys WHERE id = ?`, id).
		Scan(&k.ID, &k.Key, &k.Name, &k.DevicePrefix, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return APIKey{}, errors.WrapInvalid(
			fmt.Errorf("no api key with id %d", id),
			"Catalog", "GetAPIKey", "query key")
	}
	if err != nil {
		return APIKey{}, errors.WrapTransient(err, "Catalog", "GetAPIKey", "query key")
	}
	return k, nil
}

// DeleteAPIKey removes one credential.
func (c *Catalog) DeleteAPIKey(id int64) error {
	res, err := c.db.Exec(`DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return errors.WrapTransient(err, "Catalog", "DeleteAPIKey", "delete key")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.WrapInvalid(
			fmt.Errorf("no api key with id %d", id),
			"Catalog", "DeleteAPIKey", "delete key")
	}
	c.InsertChangelog("api_key", "delete", fmt.Sprintf("id=%d", id))
	return nil
}

// InsertChangelog appends an audit entry. Failures are logged and
// swallowed: the changelog never blocks the operation it records.
func (c *Catalog) InsertChangelog(entity, action, detail string) {
	_, err := c.db.Exec(`
		INSERT INTO changelog (timestamp, entity, action, detail)
		VALUES (?, ?, ?, ?)`,
		timestamp.Now(), entity, action, detail)
	if err != nil {
		c.logger.Warn("changelog insert failed",
			"entity", entity, "action", action, "error", err)
	}
}

func redactKey(key string) string {
	if len(key) <= 8 {
		return "********"
	}
	return key[:8] + "..."
}
