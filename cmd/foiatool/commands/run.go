package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"foiatool/internal/config"
	"foiatool/internal/engine"
	"foiatool/internal/notify"

	"github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Searches every configured portal and downloads new documents.",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openProject(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Close()
		return runSites(cmd.Context(), p, p.cfg.Sites)
	},
}

// runSites polls the given sites, prints the summary and e-mails it if configured.
func runSites(ctx context.Context, p *project, sites []config.Site) error {
	summary, err := p.poller().Run(ctx, sites)
	printSummary(summary)

	n := notify.NewNotifier(p.cfg.Notify)
	if ctx.Err() == nil && n.ShouldSend(summary) {
		sendErr := n.Send(ctx, summary)
		if sendErr != nil {
			p.tel.ReportWarning("notify.send", sendErr)
		}
	}
	return err
}

func printSummary(summary engine.Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Site", "Requests", "Downloaded", "Size", "Skipped", "Failed", "Status"})

	for _, site := range summary.Sites {
		status := color.GreenString("ok")
		if failure := site.Failure(); failure != nil {
			status = color.RedString("failed")
			slog.Error("site failed", "site", site.Site, "err", failure)
		} else if site.Errors() > 0 {
			status = color.YellowString("%d error(s)", site.Errors())
		}
		t.AppendRow(table.Row{
			site.Site,
			site.Requests,
			site.Downloaded,
			units.HumanSize(float64(site.Bytes)),
			site.Skipped(),
			site.Failed,
			status,
		})
	}
	t.AppendFooter(table.Row{"", "", summary.Downloaded(), "", "", "", fmt.Sprintf("%d error(s)", summary.Errors())})
	t.Render()

	elapsed := summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond)
	switch {
	case summary.Downloaded() == 0:
		fmt.Println(color.New(color.Faint).Sprintf("No new documents (%s).", elapsed))
	default:
		fmt.Println(color.GreenString("Downloaded %d new document(s) in %s.", summary.Downloaded(), elapsed))
	}
}
