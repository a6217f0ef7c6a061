package commands

import (
	"os"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statsCmd)
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Shows what has been downloaded from each portal.",
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
		stats, err := ledger.Stats(cmd.Context())
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"Portal", "Documents", "Size", "Last scrape", "Downloaded", "Errors"})

		var documents int
		var bytes int64
		for _, s := range stats {
			documents += s.Documents
			bytes += s.TotalBytes

			lastScrape, downloaded, errs := "never", "", ""
			if s.LastRun != nil {
				lastScrape = units.HumanDuration(time.Since(s.LastRun.StartedAt)) + " ago"
				downloaded = strconv.Itoa(s.LastRun.Downloaded)
				errs = strconv.Itoa(s.LastRun.Errors)
			}
			t.AppendRow(table.Row{
				s.PortalID,
				s.Documents,
				units.HumanSize(float64(s.TotalBytes)),
				lastScrape,
				downloaded,
				errs,
			})
		}
		t.AppendFooter(table.Row{"", documents, units.HumanSize(float64(bytes)), "", "", ""})
		t.Render()
		return nil
	},
}
