package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
	_ "time/tzdata" // America/Lima on hosts without zoneinfo

	"github.com/goccy/go-json"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/blueberrycongee/dbmux"
	"github.com/blueberrycongee/dbmux/internal/document"
	"github.com/blueberrycongee/dbmux/internal/swipes"
	"github.com/blueberrycongee/dbmux/pkg/types"
)

// SchoolTimeZone decides which day "today" is for the swipe buffer.
const SchoolTimeZone = "America/Lima"

func newFlagSet(name string, e *env) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.stdout)
	return fs
}

func runTopology(_ context.Context, e *env, args []string) error {
	fs := newFlagSet("topology", e)
	family := fs.String("family", "", "relational or document (both when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	families := []types.Family{types.FamilyRelational, types.FamilyDocument}
	if *family != "" {
		f, err := types.ParseFamily(*family)
		if err != nil {
			return err
		}
		families = []types.Family{f}
	}

	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	for _, f := range families {
		snap, err := e.client.Topology(f)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s (%s)\n", snap.Family, snap.Environment)
		for _, g := range snap.Groups {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", g.Name, joinRoles(g.Roles), joinInstances(g.Instances))
		}
		for _, id := range sortedIDs(snap.Unavailable) {
			fmt.Fprintf(tw, "  unavailable\t%s\t%v\n", id, snap.Unavailable[id])
		}
	}
	return tw.Flush()
}

func runPing(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("ping", e)
	timeout := fs.Duration("timeout", 5*time.Second, "overall ping timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	failed := 0
	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	results := e.client.Ping(ctx)
	for _, family := range []types.Family{types.FamilyRelational, types.FamilyDocument} {
		failures := results[family]
		snap, err := e.client.Topology(family)
		if err != nil {
			return err
		}
		for _, id := range liveInstances(snap) {
			status := "ok"
			if err := failures[id]; err != nil {
				status = err.Error()
				failed++
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", family, id, status)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d instance(s) failed to answer", failed)
	}
	return nil
}

// routingFlags registers the call options shared by query and find.
func routingFlags(fs *flag.FlagSet) func() []dbmux.CallOption {
	role := fs.String("role", "", "caller role, e.g. DIRECTIVO (every instance when empty)")
	cached := fs.Bool("cache", false, "serve reads from the group result cache")
	retries := fs.Int("retries", 0, "attempts per instance (config default when 0)")
	all := fs.Bool("all", false, "run on every instance")
	one := fs.Bool("one", false, "run on a single instance")
	bestEffort := fs.Bool("best-effort", false, "keep writing past failed instances")

	return func() []dbmux.CallOption {
		var opts []dbmux.CallOption
		if *role != "" {
			opts = append(opts, dbmux.WithRole(types.Role(strings.ToUpper(*role))))
		}
		if *cached {
			opts = append(opts, dbmux.WithCache())
		}
		if *retries > 0 {
			opts = append(opts, dbmux.WithMaxRetries(*retries))
		}
		if *all {
			opts = append(opts, dbmux.ForceAllInstances())
		}
		if *one {
			opts = append(opts, dbmux.ForceSingleInstance())
		}
		if *bestEffort {
			opts = append(opts, dbmux.BestEffort())
		}
		return opts
	}
}

func runQuery(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("query", e)
	callOpts := routingFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("query: statement required")
	}

	stmtArgs := make([]any, 0, fs.NArg()-1)
	for _, a := range fs.Args()[1:] {
		stmtArgs = append(stmtArgs, a)
	}

	res, err := e.client.Query(ctx, fs.Arg(0), stmtArgs, callOpts()...)
	if res != nil {
		if werr := writeJSON(e.stdout, res); werr != nil {
			return werr
		}
	}
	return err
}

func runFind(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("find", e)
	callOpts := routingFlags(fs)
	collection := fs.String("collection", "", "collection name")
	filter := fs.String("filter", "{}", "filter as MongoDB extended JSON")
	limit := fs.Int64("limit", 0, "maximum number of documents (no limit when 0)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var f bson.D
	if err := bson.UnmarshalExtJSON([]byte(*filter), false, &f); err != nil {
		return fmt.Errorf("parse filter: %w", err)
	}
	op := document.Find{Collection: *collection, Filter: f}
	if *limit > 0 {
		op.Options = options.Find().SetLimit(*limit)
	}

	res, err := e.client.Execute(ctx, op, callOpts()...)
	if err != nil {
		return err
	}
	return writeJSON(e.stdout, res.Documents)
}

// Today returns the school day of now.
func Today(now time.Time) string {
	loc, err := time.LoadLocation(SchoolTimeZone)
	if err != nil {
		loc = time.UTC
	}
	return now.In(loc).Format(swipes.DayLayout)
}

func runFlushSwipes(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("flush-swipes", e)
	day := fs.String("day", Today(time.Now()), "day to flush (YYYY-MM-DD)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := time.Parse(swipes.DayLayout, *day); err != nil {
		return fmt.Errorf("invalid day %q", *day)
	}

	report, err := e.client.FlushSwipes(ctx, *day)
	fmt.Fprintf(e.stdout, "day=%s written=%d failed=%d partial=%d invalid=%d\n",
		report.Day, report.Written, report.Failed, report.Partial, report.Invalid)
	return err
}

func runServe(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("serve", e)
	flushEvery := fs.Duration("flush-every", 0, "flush today's swipes at this interval (disabled when 0)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if e.cfg.Metrics.Enabled {
		serveMetrics(ctx, e.cfg.Metrics, e.logger)
	}
	e.logger.Info("dbmux serving", "flush_every", flushEvery.String())

	if *flushEvery <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(*flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			// Failures are logged by the recorder and retried on the next tick.
			_, _ = e.client.FlushSwipes(ctx, Today(now))
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func joinRoles(roles []types.Role) string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return strings.Join(out, ",")
}

func joinInstances(ids []types.InstanceID) string {
	if len(ids) == 0 {
		return "-"
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return strings.Join(out, ",")
}

func sortedIDs(m map[types.InstanceID]error) []types.InstanceID {
	ids := make([]types.InstanceID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// liveInstances lists the open instances of a snapshot in group order.
func liveInstances(snap dbmux.TopologySnapshot) []types.InstanceID {
	seen := make(map[types.InstanceID]bool)
	var ids []types.InstanceID
	for _, g := range snap.Groups {
		for _, id := range g.Instances {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}
