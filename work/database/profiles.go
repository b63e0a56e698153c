package database

import (
	"fmt"

	"streamshare/work/config"
	"streamshare/work/types"
)

// LoadProfiles returns all profiles ordered the way the arbiter iterates
// them: primary first, then ascending priority. Disabled profiles are
// included so callers can report them; selection filters on Enabled.
func (db *DB) LoadProfiles() ([]*types.Profile, error) {
	rows, err := db.Query(`
		SELECT id, name, url, username, password, priority, is_primary, enabled,
		       max_connections, provider_max, updated_at
		FROM profiles
		ORDER BY is_primary DESC, priority, id
	`)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*types.Profile
	for rows.Next() {
		p := &types.Profile{}
		if err := rows.Scan(
			&p.ID, &p.Name, &p.URL, &p.Username, &p.Password,
			&p.Priority, &p.IsPrimary, &p.Enabled,
			&p.MaxConnections, &p.ProviderMax, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// UpsertConfigProfile writes a config-file profile into the database, keyed
// on (url, username) so repeated boots converge instead of duplicating rows.
// The enabled flag follows the config; priority and limits are refreshed.
func (db *DB) UpsertConfigProfile(pc config.ProfileConfig) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO profiles (
			name, url, username, password, priority, is_primary, enabled,
			max_connections, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(url, username) DO UPDATE SET
			name = excluded.name,
			password = excluded.password,
			priority = excluded.priority,
			is_primary = excluded.is_primary,
			enabled = excluded.enabled,
			max_connections = excluded.max_connections,
			updated_at = CURRENT_TIMESTAMP
	`, pc.Name, pc.URL, pc.Username, pc.Password, pc.Priority, pc.IsPrimary,
		!pc.Disabled, pc.MaxConnections)
	if err != nil {
		return 0, fmt.Errorf("upsert profile %q: %w", pc.Name, err)
	}

	if id, err := res.LastInsertId(); err == nil && id > 0 {
		// LastInsertId is unreliable for the conflict path; confirm below.
		var confirmed int64
		if qerr := db.QueryRow("SELECT id FROM profiles WHERE url = ? AND username = ?",
			pc.URL, pc.Username).Scan(&confirmed); qerr == nil {
			return confirmed, nil
		}
		return id, nil
	}

	var id int64
	if err := db.QueryRow("SELECT id FROM profiles WHERE url = ? AND username = ?",
		pc.URL, pc.Username).Scan(&id); err != nil {
		return 0, fmt.Errorf("resolve profile id for %q: %w", pc.Name, err)
	}
	return id, nil
}

// UpdateProviderMax records the provider-reported connection ceiling after a
// refresh.
func (db *DB) UpdateProviderMax(profileID int64, providerMax int) error {
	_, err := db.Exec(`
		UPDATE profiles SET provider_max = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, providerMax, profileID)
	if err != nil {
		return fmt.Errorf("update provider max for profile %d: %w", profileID, err)
	}
	return nil
}

// SetEnabled soft-disables or re-enables a profile. Profiles are never
// deleted while sessions may reference them.
func (db *DB) SetEnabled(profileID int64, enabled bool) error {
	_, err := db.Exec(`
		UPDATE profiles SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, enabled, profileID)
	if err != nil {
		return fmt.Errorf("set enabled=%v for profile %d: %w", enabled, profileID, err)
	}
	return nil
}
