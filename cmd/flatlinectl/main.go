package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/flatlinehq/flatline/internal/flpaths"
	"github.com/flatlinehq/flatline/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printHelp()
		return 1
	}

	cmd := args[0]
	switch cmd {
	case "status":
		return cmdStatus(args[1:])
	case "suppress":
		return cmdSuppress(args[1:])
	case "unsuppress":
		return cmdUnsuppress(args[1:])
	case "fixes":
		return cmdFixes(args[1:])
	case "updates":
		return cmdUpdates(args[1:])
	case "help", "--help", "-h":
		printHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printHelp()
		return 1
	}
}

func printHelp() {
	fmt.Print(`Usage: flatlinectl <command> [options]

Inspect and manage a running flatline supervisor's state.

Commands:
  status                 Show the latest update and fix history
  fixes                  List recently applied fixes
  updates                Show the update pipeline's recent history
  suppress <pattern>     Silence alerts for a pattern kind
  unsuppress <pattern>   Resume alerts for a pattern kind

Options:
  -state-root string   Override the default state directory (~/.wintermute/flatline)
  -minutes int          Suppression duration for 'suppress' (default: forever)
  -reason string        Suppression reason for 'suppress'
  -limit int            Row limit for 'fixes'/'updates' (default 20)
`)
}

func openStore(stateRoot string) (*store.Store, error) {
	var paths flpaths.Paths
	if stateRoot != "" {
		paths = flpaths.Resolve(stateRoot)
	} else {
		var err error
		paths, err = flpaths.Default()
		if err != nil {
			return nil, fmt.Errorf("resolve state paths: %w", err)
		}
	}
	return store.Open(paths.StateDB(), slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))
}

func cmdStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	stateRoot := fs.String("state-root", "", "state directory")
	fs.Parse(args)

	st, err := openStore(*stateRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer st.Close()

	ctx := context.Background()

	latest, err := st.LatestUpdate(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if latest == nil {
		fmt.Println("no update history")
	} else {
		fmt.Printf("latest update: %s -> %s (%s, checked %s)\n",
			latest.FromVersion, latest.ToVersion, latest.Status, latest.CheckedAt.Format(time.RFC3339))
	}

	fixes, err := st.RecentFixes(ctx, 5)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Printf("\nlast %d fixes:\n", len(fixes))
	printFixes(fixes)

	return 0
}

func cmdFixes(args []string) int {
	fs := flag.NewFlagSet("fixes", flag.ExitOnError)
	stateRoot := fs.String("state-root", "", "state directory")
	limit := fs.Int("limit", 20, "row limit")
	fs.Parse(args)

	st, err := openStore(*stateRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer st.Close()

	fixes, err := st.RecentFixes(context.Background(), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	printFixes(fixes)
	return 0
}

func printFixes(fixes []store.FixRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDETECTED\tPATTERN\tACTION\tAPPLIED\tVERIFIED")
	for _, f := range fixes {
		applied := "-"
		if f.AppliedAt != nil {
			applied = f.AppliedAt.Format(time.RFC3339)
		}
		verified := "-"
		if f.Verified != nil {
			verified = fmt.Sprintf("%t", *f.Verified)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			f.ID, f.DetectedAt.Format(time.RFC3339), derefOr(f.Pattern), derefOr(f.Action), applied, verified)
	}
	w.Flush()
}

func cmdUpdates(args []string) int {
	fs := flag.NewFlagSet("updates", flag.ExitOnError)
	stateRoot := fs.String("state-root", "", "state directory")
	fs.Parse(args)

	st, err := openStore(*stateRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer st.Close()

	latest, err := st.LatestUpdate(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if latest == nil {
		fmt.Println("no update history")
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FROM\tTO\tSTATUS\tCHECKED\tROLLBACK REASON")
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
		latest.FromVersion, latest.ToVersion, latest.Status,
		latest.CheckedAt.Format(time.RFC3339), derefOr(latest.RollbackReason))
	w.Flush()
	return 0
}

func cmdSuppress(args []string) int {
	fs := flag.NewFlagSet("suppress", flag.ExitOnError)
	stateRoot := fs.String("state-root", "", "state directory")
	minutes := fs.Int("minutes", 0, "suppression duration in minutes (0 = forever)")
	reason := fs.String("reason", "", "suppression reason")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: flatlinectl suppress <pattern> [-minutes N] [-reason text]")
		return 1
	}
	pattern := fs.Arg(0)

	st, err := openStore(*stateRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer st.Close()

	var until *time.Time
	if *minutes > 0 {
		t := time.Now().UTC().Add(time.Duration(*minutes) * time.Minute)
		until = &t
	}
	var reasonPtr *string
	if *reason != "" {
		reasonPtr = reason
	}

	if err := st.Suppress(context.Background(), pattern, until, reasonPtr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if until != nil {
		fmt.Printf("suppressed %q until %s\n", pattern, until.Format(time.RFC3339))
	} else {
		fmt.Printf("suppressed %q indefinitely\n", pattern)
	}
	return 0
}

func cmdUnsuppress(args []string) int {
	fs := flag.NewFlagSet("unsuppress", flag.ExitOnError)
	stateRoot := fs.String("state-root", "", "state directory")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: flatlinectl unsuppress <pattern>")
		return 1
	}
	pattern := fs.Arg(0)

	st, err := openStore(*stateRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer st.Close()

	past := time.Now().UTC().Add(-time.Minute)
	if err := st.Suppress(context.Background(), pattern, &past, nil); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Printf("unsuppressed %q\n", pattern)
	return 0
}

func derefOr(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
