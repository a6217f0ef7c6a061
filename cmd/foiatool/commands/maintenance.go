package commands

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"foiatool/internal/config"
	"foiatool/internal/engine"
	"foiatool/internal/store"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	redownloadBefore *string
	redownloadToday  *bool
)

func init() {
	redownloadBefore = redownloadCmd.Flags().String("before", "", "Only redownloads documents downloaded before this RFC 3339 date (ex. 2024-05-01 or 2024-05-01T12:00:00Z).")
	redownloadToday = redownloadCmd.Flags().Bool("today", false, "Only redownloads documents downloaded before today.")
	redownloadCmd.MarkFlagsMutuallyExclusive("before", "today")

	rootCmd.AddCommand(redownloadCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(forgetCmd)
}

// parseBefore parses a date or a full RFC 3339 timestamp, a bare date is midnight local time.
func parseBefore(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err == nil {
		return t, nil
	}
	t, err = time.ParseInLocation(time.DateOnly, value, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date '%s', expected YYYY-MM-DD or RFC 3339", value)
	}
	return t, nil
}

func startOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}

// downloadedBefore selects entries of configured portals downloaded before `before`, a zero
// `before` selects all of them.
func downloadedBefore(entries []store.SeenEntry, sites []config.Site, before time.Time) []store.SeenEntry {
	configured := map[string]bool{}
	for _, site := range sites {
		configured[site.Name] = true
	}

	var out []store.SeenEntry
	for _, e := range entries {
		if !configured[e.PortalID] {
			continue
		}
		if before.IsZero() || e.DownloadedAt.Before(before) {
			out = append(out, e)
		}
	}
	return out
}

// previousPaths maps entries to their local file so the next download replaces it.
func previousPaths(entries []store.SeenEntry) map[engine.DocumentKey]string {
	out := map[engine.DocumentKey]string{}
	for _, e := range entries {
		if e.LocalPath == "" {
			continue
		}
		out[engine.DocumentKey{Portal: e.PortalID, Document: e.DocumentID}] = e.LocalPath
	}
	return out
}

// needsRepair selects entries whose file is gone or whose request is now ignored. Entries of
// portals that are no longer configured are left alone.
func needsRepair(entries []store.SeenEntry, sites []config.Site) ([]store.SeenEntry, error) {
	ignored := map[string][]string{}
	configured := map[string]bool{}
	for _, site := range sites {
		configured[site.Name] = true
		ignored[site.Name] = site.IgnoreIDs
	}

	var out []store.SeenEntry
	for _, e := range entries {
		if !configured[e.PortalID] {
			continue
		}
		if e.RequestID != "" && slices.Contains(ignored[e.PortalID], e.RequestID) {
			out = append(out, e)
			continue
		}
		if e.LocalPath == "" {
			continue
		}
		_, err := os.Stat(e.LocalPath)
		if os.IsNotExist(err) {
			out = append(out, e)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// forgetEntries removes entries from the ledger. Files are left on disk.
func forgetEntries(ctx context.Context, ledger store.Ledger, entries []store.SeenEntry) (int, error) {
	byPortal := map[string][]string{}
	var portals []string
	for _, e := range entries {
		if _, ok := byPortal[e.PortalID]; !ok {
			portals = append(portals, e.PortalID)
		}
		byPortal[e.PortalID] = append(byPortal[e.PortalID], e.DocumentID)
	}

	total := 0
	for _, portalID := range portals {
		n, err := ledger.Forget(ctx, portalID, byPortal[portalID]...)
		if err != nil {
			return total, fmt.Errorf("forget %s: %w", portalID, err)
		}
		total += n
	}
	return total, nil
}

var redownloadCmd = &cobra.Command{
	Use:   "redownload [--before <date> | --today]",
	Short: "Forgets downloaded documents, then runs so they are downloaded again.",
	Long: `Forgets downloaded documents of the configured portals, then runs so they are
downloaded again. A new copy replaces the previous file once it is on disk, documents that fail
keep their previous file. Without a flag every document is forgotten.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var before time.Time
		switch {
		case *redownloadToday:
			before = startOfDay(time.Now())
		case *redownloadBefore != "":
			var err error
			before, err = parseBefore(*redownloadBefore)
			if err != nil {
				return err
			}
		}

		p, err := openProject(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Close()

		ledger, err := p.ledger()
		if err != nil {
			return err
		}
		entries, err := ledger.ListSeen(cmd.Context(), "")
		if err != nil {
			return err
		}
		selected := downloadedBefore(entries, p.cfg.Sites, before)
		n, err := forgetEntries(cmd.Context(), ledger, selected)
		if err != nil {
			return err
		}
		fmt.Println(color.YellowString("Forgot %d document(s).", n))

		p.replace = previousPaths(selected)

		return runSites(cmd.Context(), p, p.cfg.Sites)
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Forgets documents whose file is missing or whose request is now ignored, then runs.",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openProject(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Close()

		ledger, err := p.ledger()
		if err != nil {
			return err
		}
		entries, err := ledger.ListSeen(cmd.Context(), "")
		if err != nil {
			return err
		}
		broken, err := needsRepair(entries, p.cfg.Sites)
		if err != nil {
			return err
		}
		n, err := forgetEntries(cmd.Context(), ledger, broken)
		if err != nil {
			return err
		}
		fmt.Println(color.YellowString("Forgot %d document(s).", n))

		return runSites(cmd.Context(), p, p.cfg.Sites)
	},
}

var forgetCmd = &cobra.Command{
	Use:   "forget <portal> <document-id>...",
	Short: "Forgets specific documents so the next run downloads them again.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openProject(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Close()

		if _, ok := p.site(args[0]); !ok {
			p.tel.ReportWarning("forget", fmt.Errorf("portal '%s' is not in the config", args[0]))
		}

		ledger, err := p.ledger()
		if err != nil {
			return err
		}
		n, err := ledger.Forget(cmd.Context(), args[0], args[1:]...)
		if err != nil {
			return err
		}
		fmt.Println(color.YellowString("Forgot %d of %d document(s).", n, len(args)-1))
		return nil
	},
}
