package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/verystrongjoe/poet/internal/logging"
	"github.com/verystrongjoe/poet/internal/replay"
	"github.com/verystrongjoe/poet/internal/state"
	_ "modernc.org/sqlite"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to poet.db")
	until := flag.Int("until", -1, "export events up to and including this iteration (-1 for all)")
	outPath := flag.String("out", "", "output fixture JSON path")
	flag.Parse()

	if *dbPath == "" || *outPath == "" {
		fmt.Fprintln(os.Stderr, "usage: fixture-export --db path/to/poet.db --out path/to/fixture.json [--until N]")
		os.Exit(2)
	}

	if err := run(*dbPath, *until, *outPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region extract

func run(dbPath string, until int, outPath string) error {
	store, err := state.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	entries, err := logging.ListDecisions(store.DB(), "")
	if err != nil {
		return err
	}
	// The log is append-only, so a prefix is itself a consistent history.
	if until >= 0 {
		n := 0
		for n < len(entries) && entries[n].Iteration <= until {
			n++
		}
		entries = entries[:n]
	}
	if len(entries) == 0 {
		return fmt.Errorf("no provenance rows found")
	}

	events, err := replay.FromProvenance(entries)
	if err != nil {
		return err
	}
	results, summary := replay.Replay(events, replay.DefaultReplayConfig())
	if summary.GateMismatch > 0 || summary.Violations > 0 {
		fmt.Fprintf(os.Stderr, "warning: %d gate mismatches, %d violations; expectations record them as-is\n",
			summary.GateMismatch, summary.Violations)
	}

	fmt.Printf("Found %d provenance rows\n", len(events))

	desc := fmt.Sprintf("Run export: %d lifecycle events through iteration %d", len(events), events[len(events)-1].Iteration)
	return writeFixture(replay.FixtureFromEvents(desc, events, results, summary), outPath)
}

// #endregion extract

// #region output

func writeFixture(fixture replay.Fixture, outPath string) error {
	data, err := json.MarshalIndent(fixture, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}

	if err := os.WriteFile(outPath, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}

	fmt.Printf("Wrote fixture to %s (%d bytes, %d events)\n", outPath, len(data), len(fixture.Events))
	return nil
}

// #endregion output
