package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"booking/internal/bootstrap"
	"booking/internal/config"
	"booking/internal/domain"
	"booking/internal/logging"
	"booking/internal/store"
)

type rootOptions struct {
	Format  string // text|json
	Timeout time.Duration

	open func(ctx context.Context) (store.Store, func(), error)
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "outboxctl",
		Short:         "Inspect and replay booking outbox events",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "overall command timeout")

	cmd.AddCommand(newPendingCommand(opts))
	cmd.AddCommand(newShowCommand(opts))
	cmd.AddCommand(newReplayCommand(opts))
	return cmd
}

func openFromEnv(ctx context.Context) (store.Store, func(), error) {
	cfg, err := config.LoadCtl()
	if err != nil {
		return nil, nil, err
	}
	logging.Init("outboxctl", cfg.LogFormat, cfg.LogLevel)
	return bootstrap.OpenStore(ctx, cfg.StoreConfig)
}

// withStore runs fn against a freshly opened store under the command timeout.
func (o *rootOptions) withStore(cmd *cobra.Command, fn func(ctx context.Context, st store.Store) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), o.Timeout)
	defer cancel()
	st, closeStore, err := o.open(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()
	return fn(ctx, st)
}

func newPendingCommand(opts *rootOptions) *cobra.Command {
	var (
		limit int
		dead  bool
	)
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List undelivered events in id order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(cmd, func(ctx context.Context, st store.Store) error {
				var evs []domain.OutboxEvent
				err := st.WithTx(ctx, func(tx store.Tx) error {
					var err error
					evs, err = tx.ListOutbox(ctx, store.OutboxFilter{
						Limit:       limit,
						Undelivered: true,
						IncludeDead: dead,
					})
					return err
				})
				if err != nil {
					return err
				}
				return writeEvents(cmd.OutOrStdout(), opts.Format, evs)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to list")
	cmd.Flags().BoolVar(&dead, "dead", false, "include dead-lettered events")
	return cmd
}

func newShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <event-id>",
		Short: "Print one event including its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEventID(args[0])
			if err != nil {
				return err
			}
			return opts.withStore(cmd, func(ctx context.Context, st store.Store) error {
				var ev domain.OutboxEvent
				err := st.WithTx(ctx, func(tx store.Tx) error {
					var err error
					ev, err = tx.GetOutbox(ctx, id)
					return err
				})
				if err != nil {
					return err
				}
				return writeEvent(cmd.OutOrStdout(), opts.Format, ev)
			})
		},
	}
}

func newReplayCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <event-id>...",
		Short: "Make delivered or dead events eligible for delivery again",
		Long: `Replay clears delivered_at, dead_at and due_at on each event so the next
drain pass delivers it again. Clients dedupe on the event id.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := parseEventID(a)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return opts.withStore(cmd, func(ctx context.Context, st store.Store) error {
				err := st.WithTx(ctx, func(tx store.Tx) error {
					for _, id := range ids {
						if err := tx.ResetOutbox(ctx, id); err != nil {
							return fmt.Errorf("event %d: %w", id, err)
						}
					}
					return nil
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "replayed %d event(s)\n", len(ids))
				return nil
			})
		},
	}
}

func parseEventID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid event id %q", s)
	}
	return id, nil
}

type eventView struct {
	ID               int64           `json:"id"`
	Topic            string          `json:"topic"`
	BookingRequestID int64           `json:"booking_request_id"`
	Recipients       []int64         `json:"recipients"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	DeliveredAt      *time.Time      `json:"delivered_at,omitempty"`
	DeadAt           *time.Time      `json:"dead_at,omitempty"`
	DueAt            *time.Time      `json:"due_at,omitempty"`
	AttemptCount     int             `json:"attempt_count"`
	LastError        string          `json:"last_error,omitempty"`
}

func viewOf(ev domain.OutboxEvent) eventView {
	v := eventView{
		ID:               ev.ID,
		Topic:            ev.Topic,
		BookingRequestID: ev.BookingRequestID,
		Recipients:       ev.Recipients,
		CreatedAt:        ev.CreatedAt,
		DeliveredAt:      ev.DeliveredAt,
		DeadAt:           ev.DeadAt,
		DueAt:            ev.DueAt,
		AttemptCount:     ev.AttemptCount,
		LastError:        ev.LastError,
	}
	if json.Valid(ev.Payload) {
		v.Payload = ev.Payload
	}
	return v
}

func stateOf(ev domain.OutboxEvent) string {
	switch {
	case ev.DeadAt != nil:
		return "dead"
	case ev.DeliveredAt != nil:
		return "delivered"
	case ev.AttemptCount > 0:
		return "retrying"
	default:
		return "pending"
	}
}

func writeEvents(w io.Writer, format string, evs []domain.OutboxEvent) error {
	if format == "json" {
		views := make([]eventView, 0, len(evs))
		for _, ev := range evs {
			views = append(views, viewOf(ev))
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTOPIC\tREQUEST\tSTATE\tATTEMPTS\tCREATED")
	for _, ev := range evs {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%d\t%s\n",
			ev.ID, ev.Topic, ev.BookingRequestID, stateOf(ev), ev.AttemptCount,
			ev.CreatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

func writeEvent(w io.Writer, format string, ev domain.OutboxEvent) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(viewOf(ev))
	}
	fmt.Fprintf(w, "id:          %d\n", ev.ID)
	fmt.Fprintf(w, "topic:       %s\n", ev.Topic)
	fmt.Fprintf(w, "request:     %d\n", ev.BookingRequestID)
	fmt.Fprintf(w, "recipients:  %v\n", ev.Recipients)
	fmt.Fprintf(w, "state:       %s\n", stateOf(ev))
	fmt.Fprintf(w, "attempts:    %d\n", ev.AttemptCount)
	if ev.LastError != "" {
		fmt.Fprintf(w, "last error:  %s\n", ev.LastError)
	}
	fmt.Fprintf(w, "created:     %s\n", ev.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "payload:     %s\n", ev.Payload)
	return nil
}
