package commands

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(fetchCmd)
}

// parseRequestURL splits a request url into its host and request id, the id is the last path
// segment.
func parseRequestURL(raw string) (host, requestID string, err error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if parsed.Host == "" {
		return "", "", fmt.Errorf("'%s' is not an absolute url", raw)
	}
	requestID = path.Base(strings.TrimRight(parsed.Path, "/"))
	if requestID == "" || requestID == "." || requestID == "/" {
		return "", "", fmt.Errorf("'%s' has no request id", raw)
	}
	return parsed.Hostname(), requestID, nil
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <request-url>",
	Short: "Downloads the documents of a single request.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		host, requestID, err := parseRequestURL(args[0])
		if err != nil {
			return err
		}

		p, err := openProject(cmd.Context())
		if err != nil {
			return err
		}
		defer p.Close()

		site, ok := p.cfg.SiteByHost(host)
		if !ok {
			return fmt.Errorf("no site in the config has the host %s", host)
		}

		summary, err := p.poller().FetchRequest(cmd.Context(), site, requestID)
		if err != nil {
			return err
		}
		fmt.Println(color.GreenString(
			"Request %s: %d document(s) downloaded, %d skipped, %d failed.",
			requestID,
			summary.Downloaded,
			summary.Skipped(),
			summary.Failed,
		))
		return nil
	},
}
