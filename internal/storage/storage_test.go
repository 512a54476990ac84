package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func Test_Open_failsWhenTheDirectoryDoesNotExist(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "server.db"))
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
}

func Test_Store_registerUpsertsPeers(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	store.timeNow = func() time.Time {
		return now
	}

	if err := store.RegisterPeer("tok-1", "alice"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Hour)
	if err := store.RegisterPeer("tok-2", "bob"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Hour)
	if err := store.RegisterPeer("tok-1", "alice-renamed"); err != nil {
		t.Fatal(err)
	}

	peers, err := store.Peers()
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}
	first := peers[0]
	if first.Token != "tok-1" {
		t.Fatal("expected the most recently seen peer first")
	}
	if first.Name != "alice-renamed" {
		t.Fatalf("expected the refreshed name, got %s", first.Name)
	}
	wantFirstSeen := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	if !first.FirstSeen.Equal(wantFirstSeen) {
		t.Fatalf("expected first_seen to survive the upsert, got %v", first.FirstSeen)
	}
	if !first.LastSeen.Equal(wantFirstSeen.Add(2 * time.Hour)) {
		t.Fatalf("expected last_seen to refresh, got %v", first.LastSeen)
	}
	if peers[1].Token != "tok-2" || peers[1].Name != "bob" {
		t.Fatal("unexpected second peer")
	}
}

func Test_Store_bansMatchAcrossPorts(t *testing.T) {
	store := openTestStore(t)

	if err := store.AddBan("9.9.9.9:5173", "cheating"); err != nil {
		t.Fatal(err)
	}
	reason, banned, err := store.IsBanned("9.9.9.9:6000")
	if err != nil {
		t.Fatal(err)
	}
	if !banned || reason != "cheating" {
		t.Fatalf("expected the host ban to match, got banned=%v reason=%q", banned, reason)
	}
	if _, banned, _ := store.IsBanned("8.8.8.8:6000"); banned {
		t.Fatal("expected a different host to be unaffected")
	}

	// re-banning updates the reason in place
	if err := store.AddBan("9.9.9.9", "worse"); err != nil {
		t.Fatal(err)
	}
	bans, err := store.Bans()
	if err != nil {
		t.Fatal(err)
	}
	if len(bans) != 1 {
		t.Fatalf("expected 1 ban, got %d", len(bans))
	}
	if bans[0].Host != "9.9.9.9" || bans[0].Reason != "worse" {
		t.Fatalf("unexpected ban row: %+v", bans[0])
	}

	if err := store.RemoveBan("9.9.9.9:777"); err != nil {
		t.Fatal(err)
	}
	if _, banned, _ := store.IsBanned("9.9.9.9:5173"); banned {
		t.Fatal("expected the ban to be lifted")
	}
}

func Test_Store_nilStoreDisablesPersistence(t *testing.T) {
	var store *Store
	if err := store.RegisterPeer("tok", "name"); err != nil {
		t.Fatal(err)
	}
	if err := store.AddBan("9.9.9.9", "nope"); err != nil {
		t.Fatal(err)
	}
	if err := store.RemoveBan("9.9.9.9"); err != nil {
		t.Fatal(err)
	}
	if _, banned, err := store.IsBanned("9.9.9.9"); banned || err != nil {
		t.Fatal("expected a nil store to report nothing banned")
	}
	if peers, err := store.Peers(); peers != nil || err != nil {
		t.Fatal("expected a nil store to report no peers")
	}
	if bans, err := store.Bans(); bans != nil || err != nil {
		t.Fatal("expected a nil store to report no bans")
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
}

func Test_canonicalHost(t *testing.T) {
	type args struct {
		endpoint string
		want     string
	}
	var tests = []args{
		{"1.2.3.4:9999", "1.2.3.4"},
		{"1.2.3.4", "1.2.3.4"},
		{"[::1]:8080", "::1"},
		{"host.example:443", "host.example"},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			if got := canonicalHost(tt.endpoint); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
