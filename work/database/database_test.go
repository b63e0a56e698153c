package database

import (
	"path/filepath"
	"testing"

	"streamshare/work/config"
	"streamshare/work/logger"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), logger.New("error"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)
	if err := db.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestUpsertConvergesOnRepeatedBoots(t *testing.T) {
	db := testDB(t)
	pc := config.ProfileConfig{
		Name: "main", URL: "http://panel.example.com", Username: "u", Password: "p",
		Priority: 1, IsPrimary: true, MaxConnections: 3,
	}

	id1, err := db.UpsertConfigProfile(pc)
	if err != nil {
		t.Fatal(err)
	}

	// Same endpoint and account with changed settings updates in place.
	pc.Name = "renamed"
	pc.MaxConnections = 5
	id2, err := db.UpsertConfigProfile(pc)
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("upsert produced new row: %d then %d", id1, id2)
	}

	profiles, err := db.LoadProfiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(profiles) != 1 {
		t.Fatalf("profiles = %d, want 1", len(profiles))
	}
	p := profiles[0]
	if p.Name != "renamed" || p.MaxConnections != 5 || !p.IsPrimary || !p.Enabled {
		t.Errorf("updated profile = %+v", p)
	}
}

func TestLoadProfilesOrder(t *testing.T) {
	db := testDB(t)
	seeds := []config.ProfileConfig{
		{Name: "low", URL: "http://a.example.com", Username: "u", Priority: 9},
		{Name: "first", URL: "http://b.example.com", Username: "u", Priority: 1},
		{Name: "primary", URL: "http://c.example.com", Username: "u", Priority: 5, IsPrimary: true},
	}
	for _, pc := range seeds {
		if _, err := db.UpsertConfigProfile(pc); err != nil {
			t.Fatal(err)
		}
	}

	profiles, err := db.LoadProfiles()
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, p := range profiles {
		names = append(names, p.Name)
	}
	want := []string{"primary", "first", "low"}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("order = %v, want %v", names, want)
		}
	}
}

func TestProviderMaxAndSoftDisable(t *testing.T) {
	db := testDB(t)
	id, err := db.UpsertConfigProfile(config.ProfileConfig{
		Name: "main", URL: "http://panel.example.com", Username: "u",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := db.UpdateProviderMax(id, 4); err != nil {
		t.Fatal(err)
	}
	if err := db.SetEnabled(id, false); err != nil {
		t.Fatal(err)
	}

	profiles, err := db.LoadProfiles()
	if err != nil {
		t.Fatal(err)
	}
	p := profiles[0]
	if p.ProviderMax != 4 {
		t.Errorf("ProviderMax = %d, want 4", p.ProviderMax)
	}
	if p.Enabled {
		t.Error("profile should be soft-disabled, not deleted")
	}
	if p.ID != id {
		t.Errorf("id changed: %d -> %d", id, p.ID)
	}
}

func TestDisabledFlagFollowsConfig(t *testing.T) {
	db := testDB(t)
	if _, err := db.UpsertConfigProfile(config.ProfileConfig{
		Name: "off", URL: "http://panel.example.com", Username: "u", Disabled: true,
	}); err != nil {
		t.Fatal(err)
	}
	profiles, _ := db.LoadProfiles()
	if len(profiles) != 1 || profiles[0].Enabled {
		t.Errorf("disabled config profile loaded as %+v", profiles)
	}
}
