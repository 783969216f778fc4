package cmd

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookrelay/internal/store"
)

type subscriptionBody struct {
	TargetURL  string   `json:"target_url"`
	Secret     string   `json:"secret,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

func newSubscriptionCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscription",
		Aliases: []string{"subscriptions", "sub"},
		Short:   "Manage webhook subscriptions",
		Long:    `Create, inspect, replace and delete the subscriptions events are relayed to.`,
	}
	cmd.AddCommand(
		newSubscriptionCreateCmd(o),
		newSubscriptionListCmd(o),
		newSubscriptionGetCmd(o),
		newSubscriptionUpdateCmd(o),
		newSubscriptionDeleteCmd(o),
	)
	return cmd
}

func newSubscriptionCreateCmd(o *options) *cobra.Command {
	var body subscriptionBody
	cmd := &cobra.Command{
		Use:   "create [target-url]",
		Short: "Create a new subscription",
		Long: `Create a subscription that relays events to target-url.

Example:
  relayctl subscription create https://example.com/hook --secret s3cret --event-types order.created,order.paid`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body.TargetURL = args[0]

			var sub store.Subscription
			if err := o.client().request(cmd.Context(), http.MethodPost, "/subscriptions", body, nil, &sub); err != nil {
				return fmt.Errorf("failed to create subscription: %w", err)
			}
			if o.outputJSON {
				return printJSON(cmd.OutOrStdout(), sub)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created subscription: %d\n", sub.ID)
			printSubscription(cmd.OutOrStdout(), sub)
			return nil
		},
	}
	cmd.Flags().StringVar(&body.Secret, "secret", "", "shared secret for inbound signatures and outbound signing")
	cmd.Flags().StringSliceVar(&body.EventTypes, "event-types", nil, "event types to accept (default accepts all)")
	return cmd
}

func newSubscriptionListCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List subscriptions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var subs []store.Subscription
			if err := o.client().get(cmd.Context(), "/subscriptions", &subs); err != nil {
				return fmt.Errorf("failed to list subscriptions: %w", err)
			}
			if o.outputJSON {
				if subs == nil {
					subs = []store.Subscription{}
				}
				return printJSON(cmd.OutOrStdout(), subs)
			}
			if len(subs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No subscriptions found")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTARGET URL\tEVENT TYPES\tSIGNED\tCREATED")
			for _, s := range subs {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\n", s.ID, s.TargetURL, eventTypes(s.EventTypes), s.Secret != "", formatTime(s.CreatedAt))
			}
			return tw.Flush()
		},
	}
}

func newSubscriptionGetCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get [subscription-id]",
		Short: "Show one subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var sub store.Subscription
			if err := o.client().get(cmd.Context(), "/subscriptions/"+id, &sub); err != nil {
				return fmt.Errorf("failed to get subscription: %w", err)
			}
			if o.outputJSON {
				return printJSON(cmd.OutOrStdout(), sub)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Subscription %d:\n", sub.ID)
			printSubscription(cmd.OutOrStdout(), sub)
			return nil
		},
	}
}

func newSubscriptionUpdateCmd(o *options) *cobra.Command {
	var body subscriptionBody
	cmd := &cobra.Command{
		Use:   "update [subscription-id] [target-url]",
		Short: "Replace a subscription",
		Long: `Replace every field of a subscription. A secret or event type filter
that is not passed again is cleared.

Example:
  relayctl subscription update 3 https://example.com/v2/hook --secret s3cret`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			body.TargetURL = args[1]

			var sub store.Subscription
			if err := o.client().request(cmd.Context(), http.MethodPut, "/subscriptions/"+id, body, nil, &sub); err != nil {
				return fmt.Errorf("failed to update subscription: %w", err)
			}
			if o.outputJSON {
				return printJSON(cmd.OutOrStdout(), sub)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated subscription: %d\n", sub.ID)
			printSubscription(cmd.OutOrStdout(), sub)
			return nil
		},
	}
	cmd.Flags().StringVar(&body.Secret, "secret", "", "shared secret (omit to clear)")
	cmd.Flags().StringSliceVar(&body.EventTypes, "event-types", nil, "event types to accept (omit to accept all)")
	return cmd
}

func newSubscriptionDeleteCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "delete [subscription-id]",
		Aliases: []string{"rm"},
		Short:   "Delete a subscription",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var sub store.Subscription
			if err := o.client().request(cmd.Context(), http.MethodDelete, "/subscriptions/"+id, nil, nil, &sub); err != nil {
				return fmt.Errorf("failed to delete subscription: %w", err)
			}
			if o.outputJSON {
				return printJSON(cmd.OutOrStdout(), sub)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted subscription: %d\n", sub.ID)
			return nil
		},
	}
}

func printSubscription(w io.Writer, s store.Subscription) {
	fmt.Fprintf(w, "  Target URL: %s\n", s.TargetURL)
	fmt.Fprintf(w, "  Event Types: %s\n", eventTypes(s.EventTypes))
	if s.Secret != "" {
		fmt.Fprintf(w, "  Secret: %s\n", s.Secret)
	}
	fmt.Fprintf(w, "  Created: %s\n", formatTime(s.CreatedAt))
	fmt.Fprintf(w, "  Updated: %s\n", formatTime(s.UpdatedAt))
}

func eventTypes(types []string) string {
	if len(types) == 0 {
		return "*"
	}
	return strings.Join(types, ",")
}

// parseID checks an id locally so a typo is not sent as a request
func parseID(raw string) (string, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return "", fmt.Errorf("invalid subscription id %q: must be a positive integer", raw)
	}
	return strconv.FormatInt(id, 10), nil
}
