package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSaveTransfer(t *testing.T, store *Store, key, direction string) Transfer {
	t.Helper()

	tr := Transfer{
		TransactionKey: key,
		Direction:      direction,
		OriginPeerID:   "origin-" + key,
		OriginPeerName: "Origin",
		PayloadName:    key + ".bin",
		TotalBlocks:    4,
		BlockSize:      1024,
		PayloadSize:    3500,
	}
	if err := store.SaveTransfer(tr); err != nil {
		t.Fatalf("save transfer %q: %v", key, err)
	}
	return tr
}
