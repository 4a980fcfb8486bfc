package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"peerdrop/config"
	"peerdrop/datastore/leveldb"

	log "github.com/sirupsen/logrus"
)

// RunInfo dumps the persisted peer history and transfer log. It opens the history
// databases directly, so it cannot run next to a node using the same history path.
func RunInfo(ctx context.Context, cfg *config.Config, out io.Writer) error {
	history, err := leveldb.OpenHistory(cfg.DataStore.HistoryPath)
	if err != nil {
		return fmt.Errorf("failed to open history (is a node running?): %w", err)
	}
	defer history.Close()

	peers, err := history.Peers.Enumerate()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Peer history: %d peers known\n", len(peers))
	for _, id := range peers {
		md, err := history.Peers.Get(id)
		if err != nil {
			log.Errorf("Failed to get peer metadata: %v", err)
			continue
		}
		fmt.Fprintf(out, "  %s  addr %s  connections %d  first seen %s  last seen %s ago\n",
			md.PeerID.String(), md.LastAddress, md.Connections,
			md.FirstSeen.Format(time.RFC3339), time.Since(md.LastSeen).Round(time.Second))
	}

	last := history.Transfers.GetSeq()
	records, err := history.Transfers.EnumerateBySeq(1, last+1)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Transfer log: %d entries\n", len(records))
	for _, r := range records {
		rec := r.Record
		what := rec.FileName
		if what == "" {
			what = "-"
		}
		fmt.Fprintf(out, "  #%d  %s  %-3s %-4s %-24s %8d bytes  peers %d  failed %d\n",
			r.SequenceNumber, rec.Time.Format(time.RFC3339), rec.Direction, rec.Kind, what,
			rec.Size, len(rec.Peers), rec.Failed)
	}
	return nil
}
