package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/Artfain/uav-ledger/client"
	"github.com/Artfain/uav-ledger/config"
	"github.com/Artfain/uav-ledger/core"
	"github.com/Artfain/uav-ledger/service"
	"github.com/Artfain/uav-ledger/storage"
)

var cmdAudit = &cobra.Command{
	Use:   "audit",
	Short: "Verify a persisted ledger, or ask a running node to verify its own",
	Args:  cobra.NoArgs,
	Run:   runAudit,
}

var flagAudit = struct {
	Server string
	Last   int
}{}

func init() {
	cmdMain.AddCommand(cmdAudit)
	cmdAudit.Flags().String("storage", "", "Storage backend (leveldb, bolt)")
	cmdAudit.Flags().String("storage-path", "", "Storage directory or file")
	cmdAudit.Flags().StringVar(&flagAudit.Server, "server", "", "Audit a running node instead of local storage")
	cmdAudit.Flags().IntVar(&flagAudit.Last, "last", 10, "Number of blocks to list")
}

func runAudit(cmd *cobra.Command, _ []string) {
	if flagAudit.Server != "" {
		auditRemote()
		return
	}
	cfg, log := loadConfig(cmd)
	if err := auditStore(cfg, log); err != nil {
		color.Red("%v", err)
		os.Exit(1)
	}
	color.Green("Chain and Proof of History are valid")
}

func auditStore(cfg *config.Config, log *slog.Logger) error {
	if cfg.Storage.Backend == storage.BackendMemory {
		return errors.New("nothing to audit in a memory store, pass --storage and --storage-path")
	}
	store, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	defer store.Close()

	snap, err := store.Load()
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	if snap == nil {
		return fmt.Errorf("%s is empty", cfg.Storage.Path)
	}

	// Restore without a committer so the audit never writes.
	ledger, err := core.Restore(*snap, core.WithVerifier(core.InsecureAcceptAll{}), core.WithLogger(log))
	if err != nil {
		return fmt.Errorf("ledger is corrupt: %w", err)
	}

	st, blocks := ledger.Summary()
	printBlocks(blocks[min(max(len(blocks)-flagAudit.Last, 0), len(blocks)):])
	fmt.Printf("Blocks:       %s\n", humanize.Comma(int64(st.Blocks)))
	fmt.Printf("UAVs:         %s\n", humanize.Comma(int64(st.Devices)))
	fmt.Printf("Nonces:       %s\n", humanize.Comma(int64(st.Nonces)))
	fmt.Printf("Ticks:        %s\n", humanize.Comma(int64(st.Ticks)))
	if err := ledger.Audit(); err != nil {
		return fmt.Errorf("ledger is corrupt: %w", err)
	}
	return nil
}

func auditRemote() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := client.New(flagAudit.Server, nil).Verify(ctx)
	check(err)
	var report service.VerifyReport
	checkf(resp.Decode(&report), "decode report")
	fmt.Printf("Blocks:       %s\n", humanize.Comma(int64(report.Blocks)))
	if !resp.Success {
		color.Red("%s: %s", resp.Message, report.Error)
		os.Exit(1)
	}
	color.Green("%s", resp.Message)
}

func printBlocks(blocks []core.Block) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Index", "Hash", "Tick", "Transactions", "Time"})
	table.SetBorder(false)
	for _, b := range blocks {
		table.Append([]string{
			strconv.FormatInt(b.Index, 10),
			b.Hash[:16],
			strconv.FormatUint(b.Tick.Sequence, 10),
			strconv.Itoa(len(b.Transactions)),
			humanize.Time(time.Unix(b.Timestamp, 0)),
		})
	}
	table.Render()
}
