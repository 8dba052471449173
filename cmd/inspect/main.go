package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/verystrongjoe/poet/internal/lineage"
	"github.com/verystrongjoe/poet/internal/logging"
	"github.com/verystrongjoe/poet/internal/state"
	_ "modernc.org/sqlite"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to poet.db")
	last := flag.Int("last", 10, "iterations of stats to show per niche in detail mode")
	nicheID := flag.String("niche", "", "show single niche detail")
	all := flag.Bool("all", false, "include deleted niches in list mode")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/poet.db [--niche id] [--last N] [--all] [--json]")
		os.Exit(2)
	}

	store, err := state.NewStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	lin, err := lineage.NewStore(store.DB())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open lineage: %v\n", err)
		os.Exit(1)
	}

	if *nicheID != "" {
		err = runDetailMode(store, lin, *nicheID, *last, *jsonOut)
	} else {
		err = runListMode(store, *all, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region list-mode

type listRow struct {
	OptimID   string   `json:"optim_id"`
	Status    string   `json:"status"`
	CreatedAt int      `json:"created_at_iter"`
	ParentID  string   `json:"parent_id,omitempty"`
	Iteration *int     `json:"iteration,omitempty"`
	SelfEval  *float64 `json:"self_eval,omitempty"`
	POMax     *float64 `json:"po_returns_max,omitempty"`
	ThetaNorm *float64 `json:"theta_norm,omitempty"`
}

func runListMode(store *state.Store, all, jsonOut bool) error {
	list := store.ListActive
	if all {
		list = store.ListNiches
	}
	niches, err := list()
	if err != nil {
		return err
	}
	if len(niches) == 0 {
		fmt.Fprintln(os.Stderr, "no niches found")
		return nil
	}

	rows := make([]listRow, 0, len(niches))
	for _, n := range niches {
		r := listRow{OptimID: n.OptimID, Status: n.Status, CreatedAt: n.CreatedAtIter, ParentID: n.ParentID}
		stats, err := store.ListIterationStats(n.OptimID, 1)
		if err != nil {
			return err
		}
		if len(stats) > 0 {
			r.Iteration = &stats[0].Iteration
			r.SelfEval = finitePtr(stats[0].SelfEval)
			r.POMax = finitePtr(stats[0].POReturnsMax)
		}
		snap, err := store.LatestTheta(n.OptimID)
		switch {
		case err == nil:
			norm := thetaNorm(snap.Theta)
			r.ThetaNorm = &norm
		case !errors.Is(err, state.ErrNotFound):
			return err
		}
		rows = append(rows, r)
	}

	if jsonOut {
		return printJSON(rows)
	}
	return printListTable(rows)
}

func printListTable(rows []listRow) error {
	fmt.Printf("%-24s  %-8s  %7s  %-16s  %6s  %10s  %10s  %10s\n",
		"Niche", "Status", "Created", "Parent", "Iter", "Self Eval", "PO Max", "Theta Norm")
	fmt.Printf("%-24s+-%-8s+-%7s+-%-16s+-%6s+-%10s+-%10s+-%10s\n",
		"------------------------", "--------", "-------", "----------------", "------", "----------", "----------", "----------")
	for _, r := range rows {
		iter := "—"
		if r.Iteration != nil {
			iter = fmt.Sprintf("%d", *r.Iteration)
		}
		fmt.Printf("%-24s  %-8s  %7d  %-16s  %6s  %10s  %10s  %10s\n",
			shortID(r.OptimID, 24), r.Status, r.CreatedAt, shortID(orDash(r.ParentID), 16), iter,
			fmtPtr(r.SelfEval), fmtPtr(r.POMax), fmtPtr(r.ThetaNorm))
	}
	return nil
}

// #endregion list-mode

// #region detail-mode

type detailOutput struct {
	OptimID   string          `json:"optim_id"`
	Status    string          `json:"status"`
	Seed      int64           `json:"seed"`
	CreatedAt int             `json:"created_at_iter"`
	Ancestors []string        `json:"ancestors"`
	Env       json.RawMessage `json:"env"`
	Transfers []transferIn    `json:"transfers_in,omitempty"`
	Stats     []statRow       `json:"stats"`
	Decisions []decisionRow   `json:"decisions"`
}

type transferIn struct {
	SourceID string  `json:"source_id"`
	Tag      string  `json:"tag"`
	Count    float64 `json:"count"`
}

type statRow struct {
	Iteration    int      `json:"iteration"`
	SelfEval     *float64 `json:"self_eval"`
	POMax        *float64 `json:"po_returns_max"`
	LearningRate float64  `json:"learning_rate"`
	NoiseStd     float64  `json:"noise_std"`
}

type decisionRow struct {
	Iteration int    `json:"iteration"`
	Trigger   string `json:"trigger"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
}

func runDetailMode(store *state.Store, lin *lineage.Store, optimID string, last int, jsonOut bool) error {
	n, err := store.GetNiche(optimID)
	if err != nil {
		return err
	}
	env, err := json.Marshal(n.Env)
	if err != nil {
		return fmt.Errorf("marshal env: %w", err)
	}
	ancestors, err := lin.Ancestors(optimID)
	if err != nil {
		return err
	}

	out := detailOutput{
		OptimID:   n.OptimID,
		Status:    n.Status,
		Seed:      n.Seed,
		CreatedAt: n.CreatedAtIter,
		Ancestors: ancestors,
		Env:       env,
	}

	for _, edgeType := range []string{lineage.EdgeTransferTheta, lineage.EdgeTransferProposal} {
		edges, err := lin.Incoming(optimID, edgeType)
		if err != nil {
			return err
		}
		for _, e := range edges {
			out.Transfers = append(out.Transfers, transferIn{SourceID: e.SourceID, Tag: e.EdgeType, Count: e.Weight})
		}
	}

	stats, err := store.ListIterationStats(optimID, last)
	if err != nil {
		return err
	}
	// store returns newest first, reverse for chronological
	out.Stats = make([]statRow, len(stats))
	for i, st := range stats {
		out.Stats[len(stats)-1-i] = statRow{
			Iteration:    st.Iteration,
			SelfEval:     finitePtr(st.SelfEval),
			POMax:        finitePtr(st.POReturnsMax),
			LearningRate: st.LearningRate,
			NoiseStd:     st.NoiseStd,
		}
	}

	decisions, err := logging.ListDecisions(store.DB(), optimID)
	if err != nil {
		return err
	}
	for _, d := range decisions {
		out.Decisions = append(out.Decisions, decisionRow{Iteration: d.Iteration, Trigger: d.TriggerType, Decision: d.Decision, Reason: d.Reason})
	}

	if jsonOut {
		return printJSON(out)
	}

	fmt.Printf("Niche:      %s\n", out.OptimID)
	fmt.Printf("Status:     %s\n", out.Status)
	fmt.Printf("Seed:       %d\n", out.Seed)
	fmt.Printf("Created:    iteration %d\n", out.CreatedAt)
	fmt.Printf("Ancestors:  %v\n", out.Ancestors)
	fmt.Printf("Env:        %s\n", out.Env)

	if len(out.Transfers) > 0 {
		fmt.Printf("\nTransfers in:\n")
		for _, t := range out.Transfers {
			fmt.Printf("  %-24s %-18s x%.0f\n", t.SourceID, t.Tag, t.Count)
		}
	}

	fmt.Printf("\nStats (last %d):\n", len(out.Stats))
	for _, s := range out.Stats {
		fmt.Printf("  %6d  self_eval=%10s  po_max=%10s  lr=%.5f  noise=%.5f\n",
			s.Iteration, fmtPtr(s.SelfEval), fmtPtr(s.POMax), s.LearningRate, s.NoiseStd)
	}

	fmt.Printf("\nDecisions:\n")
	for _, d := range out.Decisions {
		fmt.Printf("  %6d  %-10s %-15s %s\n", d.Iteration, d.Trigger, d.Decision, d.Reason)
	}
	return nil
}

// #endregion detail-mode

// #region output

func thetaNorm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// finitePtr maps the store's -Inf for "no score" to nil.
func finitePtr(x float64) *float64 {
	if math.IsInf(x, 0) || math.IsNaN(x) {
		return nil
	}
	return &x
}

func fmtPtr(p *float64) string {
	if p == nil {
		return "—"
	}
	return fmt.Sprintf("%.4f", *p)
}

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string, n int) string {
	if len(id) > n {
		return id[:n]
	}
	return id
}

// #endregion output
