package cmd

import (
	"fmt"
	"io"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookrelay/internal/store"
)

func newStatusCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status [delivery-id]",
		Short: "Show every attempt of a delivery",
		Long: `Show the attempt history of one delivery, oldest first.

Example:
  relayctl status 0b9c3f5e-8d1a-4a55-9e0f-6f1d2c7b8a90`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var attempts []store.Attempt
			if err := o.client().get(cmd.Context(), "/status/"+url.PathEscape(args[0]), &attempts); err != nil {
				return fmt.Errorf("failed to get delivery status: %w", err)
			}
			if o.outputJSON {
				return printJSON(cmd.OutOrStdout(), attempts)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Delivery %s", args[0])
			if n := len(attempts); n > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), " (subscription %d, %s after %d attempts)", attempts[n-1].SubscriptionID, attempts[n-1].Status, n)
			}
			fmt.Fprintln(cmd.OutOrStdout(), ":")
			return printAttempts(cmd.OutOrStdout(), attempts, false)
		},
	}
}

func newLogsCmd(o *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs [subscription-id]",
		Short: "Show recent delivery attempts for a subscription",
		Long: `Show the newest delivery attempts recorded for a subscription.

Example:
  relayctl logs 1 --limit 50`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if limit <= 0 {
				return fmt.Errorf("invalid limit %d: must be a positive integer", limit)
			}

			path := "/logs/" + id + "?limit=" + strconv.Itoa(limit)
			var attempts []store.Attempt
			if err := o.client().get(cmd.Context(), path, &attempts); err != nil {
				return fmt.Errorf("failed to get logs: %w", err)
			}
			if o.outputJSON {
				if attempts == nil {
					attempts = []store.Attempt{}
				}
				return printJSON(cmd.OutOrStdout(), attempts)
			}
			return printAttempts(cmd.OutOrStdout(), attempts, true)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", store.DefaultLogLimit, "maximum number of attempts (server caps at 100)")
	return cmd
}

func printAttempts(w io.Writer, attempts []store.Attempt, withDelivery bool) error {
	if len(attempts) == 0 {
		fmt.Fprintln(w, "  No delivery attempts found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if withDelivery {
		fmt.Fprint(tw, "DELIVERY\t")
	}
	fmt.Fprintln(tw, "ATTEMPT\tSTATUS\tHTTP\tTIME\tERROR")
	for _, a := range attempts {
		if withDelivery {
			fmt.Fprintf(tw, "%s\t", a.DeliveryID)
		}
		httpStatus, reason := "-", "-"
		if a.HTTPStatus != nil {
			httpStatus = strconv.Itoa(*a.HTTPStatus)
		}
		if a.Error != nil {
			reason = *a.Error
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", a.Number, a.Status, httpStatus, formatTime(a.Timestamp), reason)
	}
	return tw.Flush()
}
