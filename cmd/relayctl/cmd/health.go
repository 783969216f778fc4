package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookrelay/internal/health"
)

func newHealthCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the health of the HookRelay API",
		Long:  `Check /healthz, which pings the database and the queue.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st health.Status
			resp, err := o.client().http.R().
				SetContext(cmd.Context()).
				SetResult(&st).
				SetError(&st).
				Get("/healthz")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			if o.outputJSON {
				if err := printJSON(cmd.OutOrStdout(), st); err != nil {
					return err
				}
			} else {
				printHealth(cmd, resp.StatusCode(), st)
			}
			if resp.StatusCode() != http.StatusOK {
				return errors.New("service is unhealthy")
			}
			return nil
		},
	}
}

func printHealth(cmd *cobra.Command, code int, st health.Status) {
	w := cmd.OutOrStdout()
	if code == http.StatusOK {
		fmt.Fprintln(w, "✓ Service is healthy")
	} else {
		fmt.Fprintf(w, "✗ Service is unhealthy (HTTP %d)\n", code)
	}

	names := make([]string, 0, len(st.Checks))
	for name := range st.Checks {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s: %s\n", name, st.Checks[name])
	}
}
