package storage

import (
	"errors"
	"testing"
)

func TestTransferLifecycle(t *testing.T) {
	store := newTestStore(t)
	saved := mustSaveTransfer(t, store, "tx-1", DirectionReceive)

	got, err := store.GetTransfer("tx-1", DirectionReceive)
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if got.Status != TransferStatusCollecting {
		t.Fatalf("expected default status collecting, got %q", got.Status)
	}
	if got.PayloadKind != PayloadKindFile {
		t.Fatalf("expected default kind file, got %q", got.PayloadKind)
	}
	if got.PayloadSize != saved.PayloadSize || got.TotalBlocks != saved.TotalBlocks {
		t.Fatalf("unexpected shape %+v", got)
	}

	if err := store.UpdateTransferProgress("tx-1", DirectionReceive, 2, 50); err != nil {
		t.Fatalf("UpdateTransferProgress failed: %v", err)
	}
	if err := store.UpdateTransferStatus("tx-1", DirectionReceive, TransferStatusComplete, "/data/files/tx-1_tx-1.bin", ""); err != nil {
		t.Fatalf("UpdateTransferStatus failed: %v", err)
	}
	// an empty location keeps the stored one
	if err := store.UpdateTransferStatus("tx-1", DirectionReceive, TransferStatusEvicted, "", ""); err != nil {
		t.Fatalf("UpdateTransferStatus evicted failed: %v", err)
	}

	got, err = store.GetTransfer("tx-1", DirectionReceive)
	if err != nil {
		t.Fatalf("GetTransfer after updates failed: %v", err)
	}
	if got.BlocksDone != 2 || got.PercentDone != 50 {
		t.Fatalf("unexpected progress %d/%d", got.BlocksDone, got.PercentDone)
	}
	if got.Status != TransferStatusEvicted {
		t.Fatalf("expected evicted, got %q", got.Status)
	}
	if got.StorageLocation != "/data/files/tx-1_tx-1.bin" {
		t.Fatalf("unexpected storage location %q", got.StorageLocation)
	}

	if _, err := store.GetTransfer("tx-1", DirectionSend); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other direction, got %v", err)
	}
	if err := store.UpdateTransferProgress("missing", DirectionSend, 1, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveTransferUpsertKeepsCreatedAt(t *testing.T) {
	store := newTestStore(t)
	first := mustSaveTransfer(t, store, "tx-up", DirectionSend)
	before, err := store.GetTransfer(first.TransactionKey, DirectionSend)
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}

	first.BlocksDone = 4
	first.PercentDone = 100
	first.Status = TransferStatusComplete
	first.CreatedAt = before.CreatedAt + 1000
	if err := store.SaveTransfer(first); err != nil {
		t.Fatalf("SaveTransfer upsert failed: %v", err)
	}

	after, err := store.GetTransfer(first.TransactionKey, DirectionSend)
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if after.CreatedAt != before.CreatedAt {
		t.Fatalf("expected created_at %d kept, got %d", before.CreatedAt, after.CreatedAt)
	}
	if after.Status != TransferStatusComplete || after.PercentDone != 100 {
		t.Fatalf("unexpected upserted row %+v", after)
	}
}

func TestListTransfersFilters(t *testing.T) {
	store := newTestStore(t)
	mustSaveTransfer(t, store, "tx-a", DirectionReceive)
	mustSaveTransfer(t, store, "tx-b", DirectionReceive)
	mustSaveTransfer(t, store, "tx-c", DirectionSend)
	if err := store.UpdateTransferStatus("tx-b", DirectionReceive, TransferStatusFailed, "", "decode failed"); err != nil {
		t.Fatalf("UpdateTransferStatus failed: %v", err)
	}

	all, err := store.ListTransfers(TransferFilter{})
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 transfers, got %d", len(all))
	}

	received, err := store.ListTransfers(TransferFilter{Direction: DirectionReceive})
	if err != nil {
		t.Fatalf("ListTransfers receive failed: %v", err)
	}
	if len(received) != 2 {
		t.Fatalf("expected 2 received, got %d", len(received))
	}

	failed, err := store.ListTransfers(TransferFilter{Status: TransferStatusFailed})
	if err != nil {
		t.Fatalf("ListTransfers failed filter: %v", err)
	}
	if len(failed) != 1 || failed[0].TransactionKey != "tx-b" || failed[0].ErrorText != "decode failed" {
		t.Fatalf("unexpected failed transfers %+v", failed)
	}

	limited, err := store.ListTransfers(TransferFilter{Limit: 1})
	if err != nil {
		t.Fatalf("ListTransfers limit failed: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 transfer, got %d", len(limited))
	}

	if _, err := store.ListTransfers(TransferFilter{Status: "lost"}); err == nil {
		t.Fatalf("expected invalid status error")
	}
}

func TestSaveTransferValidation(t *testing.T) {
	store := newTestStore(t)

	cases := []Transfer{
		{Direction: DirectionSend, OriginPeerID: "o", TotalBlocks: 1, BlockSize: 1},
		{TransactionKey: "k", Direction: "sideways", OriginPeerID: "o", TotalBlocks: 1, BlockSize: 1},
		{TransactionKey: "k", Direction: DirectionSend, TotalBlocks: 1, BlockSize: 1},
		{TransactionKey: "k", Direction: DirectionSend, OriginPeerID: "o", TotalBlocks: 0, BlockSize: 1},
		{TransactionKey: "k", Direction: DirectionSend, OriginPeerID: "o", TotalBlocks: 1, BlockSize: 1, PayloadKind: "video"},
		{TransactionKey: "k", Direction: DirectionSend, OriginPeerID: "o", TotalBlocks: 1, BlockSize: 1, Status: "paused"},
	}
	for i, tc := range cases {
		if err := store.SaveTransfer(tc); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}
