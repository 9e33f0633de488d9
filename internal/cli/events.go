package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ledger/internal/eventstore"
	"github.com/roach88/ledger/internal/ir"
)

// EventsOptions holds flags for the events commands.
type EventsOptions struct {
	*RootOptions
	After string
	Limit int
}

// NewEventsCommand creates the events command group.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Read the event log",
	}

	stream := &cobra.Command{
		Use:   "stream",
		Short: "Stream events in append order",
		Long: `Stream events in append order.

Examples:
  ledger events stream
  ledger events stream --after <event_id> --limit 20
  ledger events stream --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEventsStream(opts, cmd)
		},
	}
	stream.Flags().StringVar(&opts.After, "after", "", "resume after this event_id")
	stream.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of events (0 = all)")

	get := &cobra.Command{
		Use:           "get <event_id>",
		Short:         "Show one event",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEventsGet(opts, args[0], cmd)
		},
	}

	cmd.AddCommand(stream, get)
	return cmd
}

func runEventsStream(opts *EventsOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	if opts.Limit < 0 {
		return f.Fail(ExitCommandError, ErrCodeInvalidArgs, "--limit must be >= 0", nil)
	}
	ws, err := openWorkspace(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	es, err := ws.events(cmd.Context())
	if err != nil {
		return err
	}

	events := []ir.EventEnvelope{}
	for ev, err := range es.Stream(cmd.Context(), eventstore.StreamOptions{After: opts.After, Limit: opts.Limit}) {
		if errors.Is(err, eventstore.ErrNotFound) {
			return f.Fatal(ExitCommandError, ErrCodeNotFound, "unknown --after event", err)
		}
		if err != nil {
			return f.Fatal(ExitCommandError, ErrCodeStorage, "failed to stream events", err)
		}
		events = append(events, ev)
	}

	if f.JSON() {
		return f.Success(events)
	}
	w := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintln(w, "No events found.")
		return nil
	}
	for _, ev := range events {
		fmt.Fprintf(w, "%s  %-28s %s\n", ev.OccurredAt.Format(time.RFC3339), ev.EventType, ev.EventID)
	}
	return nil
}

func runEventsGet(opts *EventsOptions, eventID string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	ws, err := openWorkspace(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	es, err := ws.events(cmd.Context())
	if err != nil {
		return err
	}

	ev, err := es.GetByID(cmd.Context(), eventID)
	if errors.Is(err, eventstore.ErrNotFound) {
		return f.Fatal(ExitCommandError, ErrCodeNotFound, "event not found", err)
	}
	if err != nil {
		return f.Fatal(ExitCommandError, ErrCodeStorage, "failed to read event", err)
	}

	if f.JSON() {
		return f.Success(ev)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "event_id:       %s\n", ev.EventID)
	fmt.Fprintf(w, "event_type:     %s\n", ev.EventType)
	fmt.Fprintf(w, "occurred_at:    %s\n", ev.OccurredAt.Format(time.RFC3339Nano))
	fmt.Fprintf(w, "ingested_at:    %s\n", ev.IngestedAt.Format(time.RFC3339Nano))
	fmt.Fprintf(w, "correlation_id: %s\n", ev.CorrelationID)
	if ev.CausationID != "" {
		fmt.Fprintf(w, "caused_by:      %s %s\n", ev.CausationType, ev.CausationID)
	}
	if ev.SourceRef != "" {
		fmt.Fprintf(w, "source_ref:     %s\n", ev.SourceRef)
	}
	fmt.Fprintf(w, "actor:          %s (%s)\n", ev.Actor.ActorID, ev.Actor.ActorType)
	payload, err := ir.Canonicalize(ev.Payload)
	if err != nil {
		return f.Fatal(ExitCommandError, ErrCodeStorage, "failed to render payload", err)
	}
	fmt.Fprintf(w, "payload:        %s\n", payload)
	return nil
}
