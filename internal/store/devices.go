package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eric2023/deepinscan-sub002/pkg/models"
)

// DeviceStore persists device descriptors in the devices table.
type DeviceStore struct {
	store *Store
}

// NewDeviceStore wraps the store and applies the device schema migrations.
func NewDeviceStore(ctx context.Context, s *Store) (*DeviceStore, error) {
	if err := s.Migrate(ctx, "devices", deviceMigrations()); err != nil {
		return nil, err
	}
	return &DeviceStore{store: s}, nil
}

func deviceMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "create devices table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS devices (
						device_id     TEXT PRIMARY KEY,
						name          TEXT NOT NULL DEFAULT '',
						manufacturer  TEXT NOT NULL DEFAULT '',
						model         TEXT NOT NULL DEFAULT '',
						serial_number TEXT NOT NULL DEFAULT '',
						address       TEXT NOT NULL,
						port          INTEGER NOT NULL DEFAULT 0,
						protocol      TEXT NOT NULL,
						service_url   TEXT NOT NULL DEFAULT '',
						capabilities  TEXT NOT NULL DEFAULT '[]',
						uuid          TEXT NOT NULL DEFAULT '',
						version       TEXT NOT NULL DEFAULT '',
						last_seen     DATETIME NOT NULL
					)
				`)
				return err
			},
		},
		{
			Version:     2,
			Description: "persist online flag and display URLs",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					"ALTER TABLE devices ADD COLUMN online INTEGER NOT NULL DEFAULT 0",
					"ALTER TABLE devices ADD COLUMN presentation_url TEXT NOT NULL DEFAULT ''",
					"ALTER TABLE devices ADD COLUMN icon_url TEXT NOT NULL DEFAULT ''",
				}
				for _, s := range stmts {
					if _, err := tx.Exec(s); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}

// Upsert inserts or replaces one device row.
func (ds *DeviceStore) Upsert(ctx context.Context, d models.DeviceDescriptor) error {
	caps, err := json.Marshal(d.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}

	_, err = ds.store.db.ExecContext(ctx, `
		INSERT INTO devices (
			device_id, name, manufacturer, model, serial_number,
			address, port, protocol, service_url, capabilities,
			uuid, version, last_seen, online, presentation_url, icon_url
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			name = excluded.name,
			manufacturer = excluded.manufacturer,
			model = excluded.model,
			serial_number = excluded.serial_number,
			address = excluded.address,
			port = excluded.port,
			protocol = excluded.protocol,
			service_url = excluded.service_url,
			capabilities = excluded.capabilities,
			uuid = excluded.uuid,
			version = excluded.version,
			last_seen = excluded.last_seen,
			online = excluded.online,
			presentation_url = excluded.presentation_url,
			icon_url = excluded.icon_url`,
		d.DeviceID, d.Name, d.Manufacturer, d.Model, d.SerialNumber,
		d.Address, d.Port, string(d.Protocol), d.ServiceURL, string(caps),
		d.UUID, d.Version, d.LastSeen.UTC(), d.Online, d.PresentationURL, d.IconURL,
	)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", d.DeviceID, err)
	}
	return nil
}

// Delete removes one device row. Deleting an unknown id is not an error.
func (ds *DeviceStore) Delete(ctx context.Context, deviceID string) error {
	if _, err := ds.store.db.ExecContext(ctx,
		"DELETE FROM devices WHERE device_id = ?", deviceID,
	); err != nil {
		return fmt.Errorf("delete device %s: %w", deviceID, err)
	}
	return nil
}

// List returns all persisted devices ordered by device id. The stored online
// flag is preserved: a device only goes offline through explicit removal, and
// removals delete the row.
func (ds *DeviceStore) List(ctx context.Context) ([]models.DeviceDescriptor, error) {
	rows, err := ds.store.db.QueryContext(ctx, `
		SELECT device_id, name, manufacturer, model, serial_number,
		       address, port, protocol, service_url, capabilities,
		       uuid, version, last_seen, online, presentation_url, icon_url
		FROM devices ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []models.DeviceDescriptor
	for rows.Next() {
		var (
			d        models.DeviceDescriptor
			protocol string
			caps     string
			lastSeen time.Time
		)
		if err := rows.Scan(
			&d.DeviceID, &d.Name, &d.Manufacturer, &d.Model, &d.SerialNumber,
			&d.Address, &d.Port, &protocol, &d.ServiceURL, &caps,
			&d.UUID, &d.Version, &lastSeen, &d.Online, &d.PresentationURL, &d.IconURL,
		); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.Protocol = models.Protocol(protocol)
		d.LastSeen = lastSeen
		if err := json.Unmarshal([]byte(caps), &d.Capabilities); err != nil {
			d.Capabilities = nil
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
