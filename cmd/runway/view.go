package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/runwayhq/runway/pkg/aggregate"
	"github.com/runwayhq/runway/pkg/api"
	"github.com/runwayhq/runway/pkg/client"
	"github.com/runwayhq/runway/pkg/controller"
	"github.com/runwayhq/runway/pkg/log"
	"github.com/runwayhq/runway/pkg/reconciler"
	"github.com/runwayhq/runway/pkg/schema"
	"github.com/runwayhq/runway/pkg/types"
	"github.com/spf13/cobra"
)

const loadTimeout = 10 * time.Second

var viewCmd = &cobra.Command{
	Use:   "view COLLECTION",
	Short: "Print a page of a collection",
	Long: `Print one page of a collection's derived view as a table.

Examples:
  # Open incidents, newest first
  runway view incidents --filter status=Open

  # Second page of the glossary, five terms per page
  runway view glossary --size 5 --page 1

  # Keep printing as the collection changes
  runway view incidents --search fuel --watch`,
	Args: cobra.ExactArgs(1),
	RunE: runView,
}

var statsCmd = &cobra.Command{
	Use:   "stats COLLECTION",
	Short: "Print aggregate counts of a field",
	Long: `Count the records of a collection by the value of one field.

Examples:
  runway stats incidents --field severity
  runway stats projects --field tags --multi`,
	Args: cobra.ExactArgs(1),
	RunE: runStats,
}

func init() {
	viewCmd.Flags().StringArray("filter", nil, "Field filter as field=value (repeatable)")
	viewCmd.Flags().String("search", "", "Free-text search")
	viewCmd.Flags().String("sort", "", "Sort field")
	viewCmd.Flags().Bool("desc", false, "Sort descending")
	viewCmd.Flags().Int("page", 0, "Page number, starting at 0")
	viewCmd.Flags().Int("size", 0, "Page size (default from config)")
	viewCmd.Flags().Bool("watch", false, "Reprint on every change until interrupted")
	viewCmd.Flags().String("server", "", "Read through a running API server instead of the store")
	viewCmd.Flags().String("token", "", "Bearer token for --server (default $RUNWAY_TOKEN)")

	statsCmd.Flags().String("field", "", "Field to group by (required)")
	statsCmd.Flags().Bool("multi", false, "Count each value of a list field")
	_ = statsCmd.MarkFlagRequired("field")
}

// mountController subscribes a controller for collection and waits for the
// first record set
func mountController(ctx context.Context, e *env, collection string) (*controller.Controller, error) {
	sch, err := e.schemaFor(collection)
	if err != nil {
		return nil, err
	}
	ctrl, err := controller.New(controller.Config{
		Collection:  collection,
		PageSize:    e.cfg.View.PageSize,
		EditTimeout: e.cfg.Edits.Timeout,
	}, controller.Deps{
		Client:   e.client,
		Gateway:  e.gw,
		Schema:   sch,
		Notifier: logNotifier(log.WithCollection("cli", collection)),
		Logger:   log.Logger,
		Session:  e.session,
	})
	if err != nil {
		return nil, err
	}

	ready := make(chan struct{}, 1)
	remove := ctrl.OnChange(func() {
		select {
		case ready <- struct{}{}:
		default:
		}
	})
	defer remove()

	if err := ctrl.Mount(ctx); err != nil {
		return nil, err
	}
	timeout := time.After(loadTimeout)
	for !ctrl.Loaded() {
		select {
		case <-ready:
			if serr := ctrl.StoreErr(); serr != nil && !ctrl.Loaded() {
				ctrl.Unmount()
				return nil, serr
			}
		case <-timeout:
			ctrl.Unmount()
			return nil, fmt.Errorf("timed out loading %s", collection)
		case <-ctx.Done():
			ctrl.Unmount()
			return nil, ctx.Err()
		}
	}
	return ctrl, nil
}

// queryFromFlags collects the view flags
func queryFromFlags(cmd *cobra.Command) (client.Query, error) {
	q := client.Query{Filters: make(map[string]string)}
	filters, _ := cmd.Flags().GetStringArray("filter")
	for _, f := range filters {
		field, value, ok := strings.Cut(f, "=")
		if !ok {
			return q, fmt.Errorf("invalid filter %q, expected field=value", f)
		}
		q.Filters[field] = value
	}
	q.Search, _ = cmd.Flags().GetString("search")
	q.Sort, _ = cmd.Flags().GetString("sort")
	q.Desc, _ = cmd.Flags().GetBool("desc")
	q.Page, _ = cmd.Flags().GetInt("page")
	q.Size, _ = cmd.Flags().GetInt("size")
	return q, nil
}

func runView(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	q, err := queryFromFlags(cmd)
	if err != nil {
		return err
	}
	if server, _ := cmd.Flags().GetString("server"); server != "" {
		return runRemoteView(ctx, cmd, server, args[0], q)
	}

	e, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	ctrl, err := mountController(ctx, e, args[0])
	if err != nil {
		return err
	}
	defer ctrl.Unmount()

	for field, value := range q.Filters {
		ctrl.SetFilter(field, value)
	}
	if q.Search != "" {
		ctrl.SetSearch(q.Search)
	}
	if q.Sort != "" {
		dir := types.Ascending
		if q.Desc {
			dir = types.Descending
		}
		ctrl.SetSort(q.Sort, dir)
	}
	if q.Size > 0 {
		ctrl.SetPageSize(q.Size)
	}
	ctrl.SetPage(q.Page)

	sch, _ := e.schemaFor(args[0])
	out := cmd.OutOrStdout()
	printView(out, sch, ctrl.View())

	watch, _ := cmd.Flags().GetBool("watch")
	if !watch {
		return nil
	}

	recon := reconciler.NewReconciler(e.cfg.Edits.SweepInterval, log.Logger)
	unregister := recon.Register(ctrl)
	defer unregister()
	recon.Start()
	defer recon.Stop()

	changes := make(chan struct{}, 1)
	remove := ctrl.OnChange(func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	})
	defer remove()

	for {
		select {
		case <-changes:
			fmt.Fprintln(out)
			printView(out, sch, ctrl.View())
		case <-ctx.Done():
			return nil
		}
	}
}

// runRemoteView prints the view served by a running API server. Schemas
// come from the local configuration, which must match the server's.
func runRemoteView(ctx context.Context, cmd *cobra.Command, server, collection string, q client.Query) error {
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv(envToken)
	}
	c, err := client.NewClient(server, token)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	schemas, err := schema.Load(cfg.Schemas)
	if err != nil {
		return err
	}
	sch, ok := schemas.Get(collection)
	if !ok {
		return fmt.Errorf("unknown collection %q", collection)
	}

	out := cmd.OutOrStdout()
	if watch, _ := cmd.Flags().GetBool("watch"); watch {
		return c.Watch(ctx, collection, q, func(f api.Frame) {
			switch {
			case f.Type == api.FrameError:
				fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", f.Error)
			case f.ViewResponse != nil:
				printView(out, sch, f.View)
				fmt.Fprintln(out)
			}
		})
	}

	resp, err := c.View(ctx, collection, q)
	if err != nil {
		return err
	}
	if resp.StoreError != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: store error %s, showing last known data\n", resp.StoreError)
	}
	printView(out, sch, resp.View)
	return nil
}

// printView writes the page as a table: id, the schema's fields, then
// updatedAt. Pending records are marked with an asterisk.
func printView(w io.Writer, sch *schema.Schema, v types.DerivedView) {
	fields := sch.FieldNames()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	header := append([]string{"ID"}, fields...)
	header = append(header, "UPDATED")
	fmt.Fprintln(tw, strings.ToUpper(strings.Join(header, "\t")))

	for _, r := range v.Records {
		id := r.ID
		if r.Pending {
			id += "*"
		}
		row := []string{id}
		for _, f := range fields {
			row = append(row, cell(types.Stringify(r.Fields[f])))
		}
		updated := "-"
		if !r.UpdatedAt.IsZero() {
			updated = r.UpdatedAt.Local().Format(time.DateTime)
		}
		row = append(row, updated)
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "page %d/%d, %d records\n", v.Page+1, v.PageCount, v.TotalCount)
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 40 {
		return s[:37] + "..."
	}
	if s == "" {
		return "-"
	}
	return s
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	e, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	ctrl, err := mountController(ctx, e, args[0])
	if err != nil {
		return err
	}
	defer ctrl.Unmount()

	field, _ := cmd.Flags().GetString("field")
	var buckets []types.AggregateBucket
	if multi, _ := cmd.Flags().GetBool("multi"); multi {
		buckets = ctrl.AggregateMulti(aggregate.ListField(field))
	} else {
		buckets = ctrl.Aggregate(aggregate.Field(field))
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.ToUpper(field)+"\tCOUNT\tPERCENT")
	for _, b := range aggregate.RoundAll(buckets, 1) {
		fmt.Fprintf(tw, "%s\t%d\t%.1f%%\n", cell(b.Key), b.Count, b.Percentage)
	}
	fmt.Fprintf(tw, "total\t%d\t\n", aggregate.Total(buckets))
	return tw.Flush()
}
