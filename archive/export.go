package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexshd/uqbench"
	"github.com/alexshd/uqbench/store"
)

const reportContentType = "application/json"

// Report is the exported document: the run snapshot, the ranking of
// existing measurements by information value and their entropy flux.
type Report struct {
	RunID       string                  `json:"run_id,omitempty"`
	GeneratedAt time.Time               `json:"generated_at"`
	Criterion   uqbench.DesignCriterion `json:"criterion"`
	Run         store.Snapshot          `json:"run"`
	Design      []Ranking               `json:"design,omitempty"`
	Flux        map[string]store.Float  `json:"information_flux,omitempty"`
}

// Ranking is one row of the design table.
type Ranking struct {
	ID       string      `json:"id"`
	Score    store.Float `json:"score"`
	Leverage store.Float `json:"leverage"`
}

type exportOptions struct {
	runID     string
	criterion uqbench.DesignCriterion
}

// Option customizes Export.
type Option func(*exportOptions)

// WithRunID links the report to a stored run.
func WithRunID(id string) Option { return func(o *exportOptions) { o.runID = id } }

// WithCriterion selects the design criterion for the ranking (default trace).
func WithCriterion(c uqbench.DesignCriterion) Option {
	return func(o *exportOptions) { o.criterion = c }
}

// NewReport assembles a report. Results without a posterior, or stopped
// before any evaluation, get no design table or flux.
func NewReport(res *uqbench.Result, opts ...Option) (*Report, error) {
	if res == nil {
		return nil, fmt.Errorf("nil result")
	}
	o := exportOptions{criterion: uqbench.CriterionTrace}
	for _, opt := range opts {
		opt(&o)
	}
	rep := &Report{
		RunID:       o.runID,
		GeneratedAt: time.Now().UTC(),
		Criterion:   o.criterion,
		Run:         store.NewSnapshot(res),
	}
	if res.Posterior == nil || res.Jacobian == nil {
		return rep, nil
	}

	scores, err := uqbench.NewDesignAnalyzer(o.criterion).RankMeasurements(res)
	if err != nil {
		return nil, fmt.Errorf("rank measurements: %w", err)
	}
	for _, s := range scores {
		rep.Design = append(rep.Design, Ranking{ID: s.ID, Score: store.Float(s.Score), Leverage: store.Float(s.Leverage)})
	}
	if ent, err := uqbench.EntropyFlux(res); err == nil {
		rep.Flux = make(map[string]store.Float, len(ent.IDs))
		for i, id := range ent.IDs {
			rep.Flux[id] = store.Float(ent.Flux[i])
		}
	}
	return rep, nil
}

// Export writes the report for res as JSON under key.
func Export(ctx context.Context, st Store, key string, res *uqbench.Result, opts ...Option) (Info, error) {
	rep, err := NewReport(res, opts...)
	if err != nil {
		return Info{}, err
	}
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return Info{}, fmt.Errorf("encode report: %w", err)
	}
	md := map[string]string{"status": string(res.Status)}
	if rep.RunID != "" {
		md["run-id"] = rep.RunID
	}
	info, err := st.Put(ctx, key, bytes.NewReader(b), PutOptions{ContentType: reportContentType, Metadata: md})
	if err != nil {
		return Info{}, fmt.Errorf("export %s to %s: %w", key, st.Driver(), err)
	}
	return info, nil
}

// ReadReport loads a report written by Export.
func ReadReport(ctx context.Context, st Store, key string) (*Report, error) {
	_, body, err := st.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()
	var rep Report
	if err := json.NewDecoder(body).Decode(&rep); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", key, err)
	}
	return &rep, nil
}
