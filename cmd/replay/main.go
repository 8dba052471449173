package main

import (
	"flag"
	"fmt"
	"os"
	"slices"

	"github.com/verystrongjoe/poet/internal/gate"
	"github.com/verystrongjoe/poet/internal/logging"
	"github.com/verystrongjoe/poet/internal/replay"
	"github.com/verystrongjoe/poet/internal/state"
	_ "modernc.org/sqlite"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to poet.db (DB mode)")
	fixturePath := flag.String("fixture", "", "path to fixture JSON (fixture mode)")
	mcLower := flag.Float64("mc-lower", 0, "re-gate with this lower bound (requires --mc-upper)")
	mcUpper := flag.Float64("mc-upper", 0, "re-gate with this upper bound")
	flag.Parse()

	if (*dbPath == "" && *fixturePath == "") || (*dbPath != "" && *fixturePath != "") {
		fmt.Fprintln(os.Stderr, "usage: replay --db path/to/poet.db [--mc-lower L --mc-upper U]")
		fmt.Fprintln(os.Stderr, "       replay --fixture path/to/fixture.json")
		os.Exit(2)
	}

	var override *gate.GateConfig
	if *mcUpper != 0 {
		override = &gate.GateConfig{MCLower: *mcLower, MCUpper: *mcUpper}
	}

	var exitCode int
	if *fixturePath != "" {
		exitCode = runFixtureMode(*fixturePath, override)
	} else {
		exitCode = runDBMode(*dbPath, override)
	}
	os.Exit(exitCode)
}

// #endregion main

// #region db-mode

func runDBMode(dbPath string, override *gate.GateConfig) int {
	store, err := state.NewStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		return 2
	}
	defer store.Close()

	entries, err := logging.ListDecisions(store.DB(), "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "query provenance: %v\n", err)
		return 2
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "no entries found in provenance_log")
		return 2
	}
	events, err := replay.FromProvenance(entries)
	if err != nil {
		fmt.Fprintf(os.Stderr, "decode provenance: %v\n", err)
		return 2
	}

	results, summary := replay.Replay(events, replay.ReplayConfig{Gate: override})

	expected := make([]string, len(events))
	for i, ev := range events {
		expected[i] = recordedAction(ev.Decision)
	}
	code := printComparison(results, expected)

	// The rebuilt population must match what the store says is active.
	active, err := store.ListActive()
	if err != nil {
		fmt.Fprintf(os.Stderr, "list active: %v\n", err)
		return 2
	}
	stored := make([]string, len(active))
	for i, n := range active {
		stored[i] = n.OptimID
	}
	if !slices.Equal(stored, summary.Active) {
		fmt.Printf("\nActive set differs: store=%v replay=%v\n", stored, summary.Active)
		code = 1
	}
	return max(code, printInvariants(results, summary))
}

// recordedAction maps a provenance decision to the action replay reports when
// the gate agrees with it.
func recordedAction(decision string) string {
	switch decision {
	case logging.DecisionAdmitted:
		return replay.ActionAdmit
	case logging.DecisionRejectedDedup, logging.DecisionRejectedMC:
		return replay.ActionReject
	case logging.DecisionDeleted:
		return replay.ActionDelete
	case logging.DecisionTransferred:
		return replay.ActionTransfer
	default:
		return decision
	}
}

// #endregion db-mode

// #region output

func runFixtureMode(path string, override *gate.GateConfig) int {
	f, err := replay.LoadFixture(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load fixture: %v\n", err)
		return 2
	}

	config := f.ToReplayConfig()
	if override != nil {
		config.Gate = override
	}

	events := make([]replay.Event, len(f.Events))
	for i := range f.Events {
		events[i] = f.Events[i].ToEvent()
	}

	results, summary := replay.Replay(events, config)

	expected := make([]string, len(f.ExpectedResults))
	for i, e := range f.ExpectedResults {
		expected[i] = e.Action
	}

	code := printComparison(results, expected)
	if !slices.Equal(summary.Active, f.ExpectedActive) {
		fmt.Printf("\nActive set differs: expected=%v replay=%v\n", f.ExpectedActive, summary.Active)
		code = 1
	}
	if !slices.Equal(summary.Archive, f.ExpectedArchive) {
		fmt.Printf("Archive differs: expected=%v replay=%v\n", f.ExpectedArchive, summary.Archive)
		code = 1
	}
	return max(code, printInvariants(results, summary))
}

// printComparison outputs a comparison table and returns exit code.
// expected holds the reference actions (from DB or fixture).
func printComparison(results []replay.ReplayResult, expected []string) int {
	fmt.Printf("%-6s| %-24s| %-10s| %-14s| %s\n", "Iter", "Niche", "Expected", "Replayed", "Match")
	fmt.Printf("%-6s+%-25s+%-11s+%-15s+%s\n",
		"------", "-------------------------", "-----------", "---------------", "------")

	matches := 0
	total := min(len(results), len(expected))

	for i := 0; i < total; i++ {
		r := results[i]
		match := "DIFF"
		if r.Action == expected[i] {
			match = "OK"
			matches++
		}
		fmt.Printf("%-6d| %-24s| %-10s| %-14s| %s\n", r.Iteration, r.OptimID, expected[i], r.Action, match)
		if match == "DIFF" && r.Reason != "" {
			fmt.Printf("      |   %s\n", r.Reason)
		}
	}

	diverge := total - matches
	fmt.Printf("\nSummary: %d total, %d match, %d diverge\n", total, matches, diverge)

	if diverge > 0 || len(results) != len(expected) {
		return 1
	}
	return 0
}

func printInvariants(results []replay.ReplayResult, summary replay.ReplaySummary) int {
	problems := replay.CheckInvariants(results, summary)
	if len(problems) == 0 {
		return 0
	}
	fmt.Printf("\nInvariant violations:\n")
	for _, p := range problems {
		fmt.Printf("  %s\n", p)
	}
	return 1
}

// #endregion output
