package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/sirupsen/logrus"

	"vidsync"
	"vidsync/internal/config"
	"vidsync/internal/logging"
	"vidsync/internal/metrics"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "sync":
		os.Exit(cmdSync(args))
	case "sweep":
		os.Exit(cmdSweep(args))
	case "fingerprint":
		os.Exit(cmdFingerprint(args))
	case "cache":
		os.Exit(cmdCache(args))
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `vidsync - publish a video catalog to content-addressed storage

Usage:
  vidsync sync [flags] <youtube|markdown|json> <location>   Import new and changed videos
  vidsync sweep [flags] <youtube|markdown|json> <location>  Delete obsolete remote entries
  vidsync fingerprint <source-id>...                        Print the fingerprint of source ids
  vidsync cache [flags] <source-id>                         Show the asset cache record of a video
  vidsync help                                              Show this help message

Examples:
  vidsync sync markdown ./videos
  vidsync sync --workers 4 youtube https://www.youtube.com/@channel
  vidsync sync --delete-missing json catalog.json
  vidsync sweep --delete-exogenous markdown ./videos
  vidsync fingerprint talks/intro.md

Configuration is read from vidsync.yaml (or --config) and VIDSYNC_* variables.
For help on specific command: vidsync <command> -h
`)
}

// commonFlags are shared by the commands that open the cache.
type commonFlags struct {
	configPath *string
	logLevel   *string
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		configPath: fs.String("config", "", "Path to the configuration file"),
		logLevel:   fs.String("log-level", "", "Override the log level (debug, info, warn, error)"),
	}
}

func (c commonFlags) load() (*config.Config, error) {
	cfg, err := config.Load(*c.configPath)
	if err != nil {
		return nil, err
	}
	if *c.logLevel != "" {
		cfg.Logging.Level = *c.logLevel
	}
	if err := logging.Setup(cfg.Logging.Directory, cfg.Logging.Colors, cfg.Logging.JSON, cfg.Logging.Level); err != nil {
		return nil, err
	}
	return cfg, nil
}

// signalContext is canceled on the first interrupt; the run then stops
// between stages.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func cmdSync(args []string) int {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	common := addCommonFlags(fs)
	workers := fs.Int("workers", 0, "Videos processed concurrently (0 = config)")
	force := fs.Bool("force", false, "Re-upload every asset and republish every manifest")
	batch := fs.String("batch", "", "Storage batch for videos without one")
	deleteMissing := fs.Bool("delete-missing", false, "After importing, delete own entries whose source is gone")
	deleteExogenous := fs.Bool("delete-exogenous", false, "After importing, delete entries not published by this tool")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: vidsync sync [flags] <youtube|markdown|json> <location>\n\nFlags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	argv := fs.Args()
	if len(argv) != 2 {
		fmt.Fprintf(os.Stderr, "Error: expected a source kind and a location\n")
		fs.Usage()
		return 1
	}

	cfg, err := common.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *batch != "" {
		cfg.BatchID = *batch
	}
	cfg.ForceFullUpload = cfg.ForceFullUpload || *force
	cfg.Sweep.DeleteMissingFromSource = cfg.Sweep.DeleteMissingFromSource || *deleteMissing
	cfg.Sweep.DeleteExogenous = cfg.Sweep.DeleteExogenous || *deleteExogenous

	metrics.Init(cfg.MetricsBind)
	defer metrics.Stop()

	ctx, cancel := signalContext()
	defer cancel()

	s, err := vidsync.Open(ctx, cfg, logrus.NewEntry(logrus.StandardLogger()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer s.Close()

	reader, err := s.Reader(argv[0], argv[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	report, err := s.Sync(ctx, reader)
	if report != nil {
		printResults(report.Results)
		printDeletions(report.Deletions)
		fmt.Fprintf(os.Stderr, "\n%s\n", report.Summary)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if report.Summary.HasFailures() {
		return 1
	}
	return 0
}

func cmdSweep(args []string) int {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	common := addCommonFlags(fs)
	deleteMissing := fs.Bool("delete-missing", false, "Delete own entries whose source is gone")
	deleteExogenous := fs.Bool("delete-exogenous", false, "Delete entries not published by this tool")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: vidsync sweep [flags] <youtube|markdown|json> <location>\n\nFlags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	argv := fs.Args()
	if len(argv) != 2 {
		fmt.Fprintf(os.Stderr, "Error: expected a source kind and a location\n")
		fs.Usage()
		return 1
	}

	cfg, err := common.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	cfg.Sweep.DeleteMissingFromSource = cfg.Sweep.DeleteMissingFromSource || *deleteMissing
	cfg.Sweep.DeleteExogenous = cfg.Sweep.DeleteExogenous || *deleteExogenous

	ctx, cancel := signalContext()
	defer cancel()

	s, err := vidsync.Open(ctx, cfg, logrus.NewEntry(logrus.StandardLogger()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer s.Close()

	reader, err := s.Reader(argv[0], argv[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	deletions, err := s.Sweep(ctx, reader)
	printDeletions(deletions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if len(deletions) == 0 {
		fmt.Println("Nothing to delete.")
	}
	for _, d := range deletions {
		if d.Err != nil {
			return 1
		}
	}
	return 0
}

func cmdFingerprint(args []string) int {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Usage: vidsync fingerprint <source-id>...\n")
		return 1
	}
	for _, id := range args {
		fp, err := vidsync.Fingerprint(id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("%s  %s\n", fp, id)
	}
	return 0
}

func cmdCache(args []string) int {
	fs := flag.NewFlagSet("cache", flag.ExitOnError)
	common := addCommonFlags(fs)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: vidsync cache [flags] <source-id>\n\nFlags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	argv := fs.Args()
	if len(argv) != 1 {
		fmt.Fprintf(os.Stderr, "Error: missing source-id\n")
		fs.Usage()
		return 1
	}

	cfg, err := common.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	s, err := vidsync.Open(context.Background(), cfg, logrus.NewEntry(logrus.StandardLogger()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer s.Close()

	rec, ok, err := s.CachedRecord(argv[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Println("No cache record.")
		return 0
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

func printResults(results []vidsync.Result) {
	if len(results) == 0 {
		fmt.Println("No videos found.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE ID\tFINGERPRINT\tRESULT\tSTAGES\tREMOTE ID\tERROR")
	for _, r := range results {
		result := "published"
		switch {
		case !r.Succeeded():
			result = "failed"
		case r.Unchanged:
			result = "unchanged"
		}
		stages := make([]string, 0, len(r.Trace))
		for _, s := range r.Trace {
			stages = append(stages, s.String())
		}
		errMsg := ""
		if r.Err != nil {
			errMsg = truncate(r.Err.Error(), 60)
		}
		fp := r.Fingerprint.Short()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(r.SourceID, 40), fp, result, strings.Join(stages, ","), r.RemoteID, errMsg)
	}
	w.Flush()
}

func printDeletions(deletions []vidsync.Deletion) {
	if len(deletions) == 0 {
		return
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REMOTE ID\tREASON\tTITLE\tRESULT")
	for _, d := range deletions {
		title := ""
		if m := d.Entry.LastValidManifest; m != nil {
			title = truncate(m.Title, 40)
		}
		result := "deleted"
		if d.Err != nil {
			result = truncate(d.Err.Error(), 60)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Entry.ID, d.Reason, title, result)
	}
	w.Flush()
}

// truncate shortens s to max runes, adding an ellipsis.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
