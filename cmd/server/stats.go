package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"savesync/internal/store"
)

func printStats(ctx context.Context, w io.Writer, st *store.SQLiteStore, auditMaxAge time.Duration) error {
	stats, err := st.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Fprintln(w, "╔══════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           SaveSync Statistics            ║")
	fmt.Fprintln(w, "╠══════════════════════════════════════════╣")
	fmt.Fprintf(w, "║  Stored Saves:    %-22d║\n", stats.TotalSaves)
	fmt.Fprintf(w, "║  └─ Save Slots:   %-22d║\n", stats.TotalSlots)
	fmt.Fprintln(w, "╠══════════════════════════════════════════╣")
	fmt.Fprintf(w, "║  Total Storage:   %-22s║\n", humanize.IBytes(uint64(stats.TotalBytes)))
	fmt.Fprintf(w, "║  └─ Latest Only:  %-22s║\n", humanize.IBytes(uint64(stats.LatestBytes)))
	fmt.Fprintln(w, "╠══════════════════════════════════════════╣")
	fmt.Fprintf(w, "║  Uploads OK:      %-22s║\n", humanize.Comma(int64(stats.UploadsOK)))
	fmt.Fprintf(w, "║  Uploads Failed:  %-22s║\n", humanize.Comma(int64(stats.UploadsFailed)))
	fmt.Fprintln(w, "╠══════════════════════════════════════════╣")
	if !stats.OldestSave.IsZero() {
		fmt.Fprintf(w, "║  Oldest Save:     %-22s║\n", stats.OldestSave.Local().Format("2006-01-02 15:04"))
		fmt.Fprintf(w, "║  Newest Save:     %-22s║\n", stats.NewestSave.Local().Format("2006-01-02 15:04"))
	} else {
		fmt.Fprintln(w, "║  No saves in database                    ║")
	}
	if len(stats.Users) > 0 {
		fmt.Fprintln(w, "╠══════════════════════════════════════════╣")
		fmt.Fprintln(w, "║  Per User                                ║")
		fmt.Fprintln(w, "║  ──────────────────────────────────────  ║")
		for _, u := range stats.Users {
			fmt.Fprintf(w, "║  %-12.12s %3d saves %3d slots %6s ║\n", u.UserID, u.Saves, u.Slots, humanize.IBytes(uint64(u.Bytes)))
		}
	}
	fmt.Fprintln(w, "╚══════════════════════════════════════════╝")

	if auditMaxAge > 0 && !stats.OldestAuditTime.IsZero() && time.Since(stats.OldestAuditTime) > auditMaxAge {
		fmt.Fprintf(w, "\nwarning: audit log reaches back %s (retention.audit_max_age is %s); it is never trimmed automatically\n",
			humanize.Time(stats.OldestAuditTime), auditMaxAge)
	}
	return nil
}
