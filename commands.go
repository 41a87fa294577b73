package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"blockcast/config"
	"blockcast/crypto"
	"blockcast/models"
	"blockcast/sink"
	"blockcast/storage"
	"blockcast/transfer"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Join the mesh and receive broadcasts until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := openNode(nil)
			if err != nil {
				return err
			}
			defer n.close()
			return n.run(cmd.Context())
		},
	}
}

type sendOptions struct {
	caption    string
	kind       string
	peers      int
	wait       time.Duration
	linger     time.Duration
	untilAcked bool
}

func newSendCommand() *cobra.Command {
	var opts sendOptions
	cmd := &cobra.Command{
		Use:   "send <path>",
		Short: "Broadcast a file to every connected peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), cmd.OutOrStdout(), args[0], opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.caption, "caption", "", "caption carried with block 0")
	flags.StringVar(&opts.kind, "kind", string(transfer.KindFile), "payload kind: file or object")
	flags.IntVar(&opts.peers, "peers", 1, "peers to wait for before broadcasting")
	flags.DurationVar(&opts.wait, "wait", 30*time.Second, "how long to wait for peers")
	flags.DurationVar(&opts.linger, "linger", time.Minute, "how long to keep serving block requests")
	flags.BoolVar(&opts.untilAcked, "until-acked", false, "stop lingering once every block has been acknowledged")
	return cmd
}

func runSend(ctx context.Context, stdout io.Writer, path string, opts sendOptions) error {
	kind := transfer.PayloadKind(opts.kind)
	if kind != transfer.KindFile && kind != transfer.KindObject {
		return fmt.Errorf("unknown payload kind %q", opts.kind)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	if kind == transfer.KindObject {
		if _, err := decodeObject(data); err != nil {
			return err
		}
	}

	events := sink.NewChannel(256)
	n, err := openNode(events)
	if err != nil {
		return err
	}
	defer n.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.run(gctx)
	})
	g.Go(func() error {
		defer cancel()

		waitCtx, waitCancel := context.WithTimeout(gctx, opts.wait)
		err := n.mesh.WaitForPeers(waitCtx, opts.peers)
		waitCancel()
		if err != nil {
			return fmt.Errorf("waiting for %d peer(s): %w", opts.peers, err)
		}

		key, err := n.dispatcher.Broadcast(filepath.Base(path), kind, opts.caption, crypto.Sum(data), data)
		if err != nil {
			return err
		}
		n.logger.Info().Str("key", key).Strs("peers", n.mesh.ConnectedPeers()).Msg("lingering for block requests")

		if err := linger(gctx, events.Events(), key, opts); err != nil {
			return err
		}
		return printJSON(stdout, n.sendReport(key))
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// linger keeps the sender alive so peers can request missing blocks.
func linger(ctx context.Context, events <-chan transfer.Event, key string, opts sendOptions) error {
	timer := time.NewTimer(opts.linger)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case ev := <-events:
			if ev.TransactionKey != key || ev.Direction != transfer.DirectionSend {
				continue
			}
			if ev.Complete && opts.untilAcked {
				return nil
			}
		}
	}
}

// sendReport prefers the ledger row and falls back to the live sender when
// no acknowledgement has been recorded yet.
func (n *node) sendReport(key string) models.Transfer {
	row, err := n.store.GetTransfer(key, storage.DirectionSend)
	if err == nil {
		return transferView(*row)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		n.logger.Warn().Err(err).Str("key", key).Msg("read transfer")
	}
	view := models.Transfer{TransactionKey: key, Direction: storage.DirectionSend}
	if w, ok := n.dispatcher.Lookup(key); ok {
		view = summaryView(w.Summary())
	}
	return view
}

func newTransfersCommand() *cobra.Command {
	var filter storage.TransferFilter
	cmd := &cobra.Command{
		Use:   "transfers",
		Short: "Print the transfer ledger as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := store.ListTransfers(filter)
			if err != nil {
				return err
			}
			views := make([]models.Transfer, 0, len(rows))
			for _, row := range rows {
				views = append(views, transferView(row))
			}
			return printJSON(cmd.OutOrStdout(), views)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&filter.Direction, "direction", "", "send or receive")
	flags.StringVar(&filter.Status, "status", "", "collecting, complete, evicted or failed")
	flags.IntVar(&filter.Limit, "limit", 50, "maximum rows, newest first")
	return cmd
}

func newPeersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "Print known peers as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := store.ListPeers()
			if err != nil {
				return err
			}
			views := make([]models.Peer, 0, len(rows))
			for _, row := range rows {
				views = append(views, peerView(row))
			}
			return printJSON(cmd.OutOrStdout(), views)
		},
	}
}

func openStore() (*storage.Store, error) {
	_, _, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	store, _, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func transferView(t storage.Transfer) models.Transfer {
	return models.Transfer{
		TransactionKey:  t.TransactionKey,
		Direction:       t.Direction,
		OriginPeerID:    t.OriginPeerID,
		OriginPeerName:  t.OriginPeerName,
		PayloadName:     t.PayloadName,
		PayloadKind:     t.PayloadKind,
		PayloadSize:     t.PayloadSize,
		TotalBlocks:     t.TotalBlocks,
		BlockSize:       t.BlockSize,
		BlocksDone:      t.BlocksDone,
		PercentDone:     t.PercentDone,
		Caption:         t.Caption,
		StorageLocation: t.StorageLocation,
		Status:          t.Status,
		Error:           t.ErrorText,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

func summaryView(s transfer.Summary) models.Transfer {
	status := storage.TransferStatusCollecting
	if s.Complete {
		status = storage.TransferStatusComplete
	}
	return models.Transfer{
		TransactionKey: s.TransactionKey,
		Direction:      string(s.Direction),
		OriginPeerID:   s.OriginID,
		OriginPeerName: s.OriginName,
		PayloadName:    s.PayloadName,
		PayloadKind:    string(s.PayloadKind),
		PayloadSize:    s.PayloadSize,
		TotalBlocks:    s.TotalBlocks,
		BlockSize:      s.BlockSize,
		BlocksDone:     s.BlocksDone,
		PercentDone:    s.PercentDone,
		Caption:        s.Caption,
		Status:         status,
		CreatedAt:      s.CreatedAt.UnixMilli(),
		UpdatedAt:      s.LastActivity.UnixMilli(),
	}
}

func peerView(p storage.Peer) models.Peer {
	view := models.Peer{
		PeerID:         p.PeerID,
		PeerName:       p.PeerName,
		Status:         p.Status,
		AddedTimestamp: p.AddedTimestamp,
	}
	if p.LastSeenTimestamp != nil {
		view.LastSeenTimestamp = *p.LastSeenTimestamp
	}
	if p.LastKnownIP != nil {
		view.LastKnownIP = *p.LastKnownIP
	}
	if p.LastKnownPort != nil {
		view.LastKnownPort = *p.LastKnownPort
	}
	return view
}
