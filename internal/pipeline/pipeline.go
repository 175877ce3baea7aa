// Package pipeline drives one ingestion run: for each flow, read raw records,
// validate, clean, and load them, then log everything that was rejected.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fogline/fogline/internal/clean"
	"github.com/fogline/fogline/internal/metrics"
	"github.com/fogline/fogline/internal/record"
	"github.com/fogline/fogline/internal/store"
	"github.com/fogline/fogline/internal/validate"
)

// Reader is the collaborator boundary for raw-record sources. A reader that
// cannot produce data returns an error; the pipeline logs it and treats the
// flow as empty rather than aborting the run.
type Reader interface {
	Read(ctx context.Context) ([]record.Raw, error)
}

// FlowStats counts one flow's records through each stage.
type FlowStats struct {
	Name       string `json:"name"`
	Read       int    `json:"read"`
	Validated  int    `json:"validated"`
	Rejected   int    `json:"rejected"`
	Loaded     int    `json:"loaded"`
	DBRejected int    `json:"db_rejected"`
}

// RunStats summarizes one pipeline run. It is ephemeral: returned to the
// caller and logged, never persisted.
type RunStats struct {
	RunID     string        `json:"run_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`

	Flows []FlowStats `json:"flows"`

	TotalRead      int `json:"total_read"`
	TotalValidated int `json:"total_validated"`
	TotalLoaded    int `json:"total_loaded"`
	TotalRejected  int `json:"total_rejected"`

	TableCounts map[string]int `json:"table_counts,omitempty"`
}

// Pipeline owns one run's collaborators. The two flows run strictly
// sequentially, environmental first, because behavioral updates require the
// environmental rows to exist.
type Pipeline struct {
	db       *sql.DB
	external Reader
	user     Reader
	resolver *store.SubjectResolver
	rules    validate.Rules
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// New creates a pipeline. The metrics argument may be nil.
func New(db *sql.DB, external, user Reader, log *zap.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		db:       db,
		external: external,
		user:     user,
		resolver: store.NewSubjectResolver(db),
		rules:    validate.DefaultRules(),
		log:      log,
		metrics:  m,
	}
}

// Resolver exposes the identity cache for callers that need to clear it
// between runs of a long-lived process.
func (p *Pipeline) Resolver() *store.SubjectResolver { return p.resolver }

// Run executes one full ingestion run and always returns a stats object,
// partial on fatal failure. Anticipated rejections are not failures; only an
// error escaping a flow marks the run unsuccessful.
func (p *Pipeline) Run(ctx context.Context) *RunStats {
	start := time.Now()
	rs := &RunStats{RunID: uuid.New().String(), StartedAt: start}
	if p.metrics != nil {
		p.metrics.RunsTotal.Inc()
	}
	p.log.Info("pipeline run starting", zap.String("run_id", rs.RunID))

	var flowErrs []string
	var allRejected []record.Rejection

	envStats, envRejected, envErr := p.runEnvironmentalFlow(ctx)
	rs.Flows = append(rs.Flows, envStats)
	allRejected = append(allRejected, envRejected...)
	if envErr != nil {
		p.log.Error("environmental flow aborted", zap.Error(envErr))
		flowErrs = append(flowErrs, envErr.Error())
	}

	// The behavioral flow is attempted even when the environmental flow
	// aborted: its records against previously-loaded hours are still valid.
	userStats, userRejected, userErr := p.runBehavioralFlow(ctx)
	rs.Flows = append(rs.Flows, userStats)
	allRejected = append(allRejected, userRejected...)
	if userErr != nil {
		p.log.Error("behavioral flow aborted", zap.Error(userErr))
		flowErrs = append(flowErrs, userErr.Error())
	}

	if len(allRejected) > 0 {
		logged, err := store.LogRejected(p.db, allRejected)
		if err != nil {
			// Best-effort only: never aborts or retries.
			p.log.Warn("failed to log rejected records", zap.Error(err))
		} else {
			p.log.Info("logged rejected records", zap.Int("count", logged))
		}
	}

	for _, fs := range rs.Flows {
		rs.TotalRead += fs.Read
		rs.TotalValidated += fs.Validated
		rs.TotalLoaded += fs.Loaded
		rs.TotalRejected += fs.Rejected + fs.DBRejected
		if p.metrics != nil {
			p.metrics.RecordsRead.WithLabelValues(fs.Name).Add(float64(fs.Read))
			p.metrics.RecordsLoaded.WithLabelValues(fs.Name).Add(float64(fs.Loaded))
			p.metrics.RecordsRejected.WithLabelValues(fs.Name).Add(float64(fs.Rejected + fs.DBRejected))
		}
	}

	if counts, err := store.TableCounts(p.db); err == nil {
		rs.TableCounts = counts
	}

	rs.Duration = time.Since(start)
	rs.Success = len(flowErrs) == 0
	rs.Error = strings.Join(flowErrs, "; ")
	if p.metrics != nil {
		p.metrics.RunDuration.Observe(rs.Duration.Seconds())
		if !rs.Success {
			p.metrics.RunsFailed.Inc()
		}
	}

	p.log.Info("pipeline run finished",
		zap.String("run_id", rs.RunID),
		zap.Bool("success", rs.Success),
		zap.Int("read", rs.TotalRead),
		zap.Int("loaded", rs.TotalLoaded),
		zap.Int("rejected", rs.TotalRejected),
		zap.Duration("duration", rs.Duration))

	return rs
}

func (p *Pipeline) runEnvironmentalFlow(ctx context.Context) (stats FlowStats, rejected []record.Rejection, err error) {
	stats.Name = store.SourceEnvironmental
	defer recoverFlow(stats.Name, &err)

	raw := p.read(ctx, p.external, stats.Name)
	stats.Read = len(raw)
	if len(raw) == 0 {
		return stats, nil, nil
	}

	valid, invalid := p.rules.Batch(raw, stats.Name)
	stats.Validated = len(valid)
	stats.Rejected = len(invalid)
	rejected = append(rejected, invalidToRejections(invalid)...)

	if len(valid) == 0 {
		p.log.Warn("no valid environmental records to load")
		return stats, rejected, nil
	}

	cleaned := make([]record.Environmental, 0, len(valid))
	for _, r := range valid {
		cleaned = append(cleaned, clean.PrepareEnvironmental(clean.Environmental(r)))
	}

	loaded, dbRejected := store.UpsertEnvironmental(p.db, p.resolver, cleaned)
	stats.Loaded = loaded
	stats.DBRejected = len(dbRejected)
	rejected = append(rejected, dbRejected...)
	return stats, rejected, nil
}

func (p *Pipeline) runBehavioralFlow(ctx context.Context) (stats FlowStats, rejected []record.Rejection, err error) {
	stats.Name = store.SourceBehavioral
	defer recoverFlow(stats.Name, &err)

	raw := p.read(ctx, p.user, stats.Name)
	stats.Read = len(raw)
	if len(raw) == 0 {
		return stats, nil, nil
	}

	valid, invalid := p.rules.Batch(raw, stats.Name)
	stats.Validated = len(valid)
	stats.Rejected = len(invalid)
	rejected = append(rejected, invalidToRejections(invalid)...)

	if len(valid) == 0 {
		p.log.Warn("no valid behavioral records to load")
		return stats, rejected, nil
	}

	cleaned := make([]record.Behavioral, 0, len(valid))
	for _, r := range valid {
		cleaned = append(cleaned, clean.PrepareBehavioral(clean.Behavioral(r)))
	}

	loaded, dbRejected := store.UpdateBehavioral(p.db, p.resolver, cleaned)
	stats.Loaded = loaded
	stats.DBRejected = len(dbRejected)
	rejected = append(rejected, dbRejected...)
	return stats, rejected, nil
}

// read pulls raw records from a reader, demoting reader failures to a logged
// warning and an empty flow.
func (p *Pipeline) read(ctx context.Context, r Reader, flow string) []record.Raw {
	raw, err := r.Read(ctx)
	if err != nil {
		p.log.Warn("reader failed", zap.String("flow", flow), zap.Error(err))
		return nil
	}
	if len(raw) == 0 {
		p.log.Warn("no records read", zap.String("flow", flow))
		return nil
	}
	p.log.Info("read records", zap.String("flow", flow), zap.Int("count", len(raw)))
	return raw
}

func invalidToRejections(invalid []validate.Invalid) []record.Rejection {
	rejected := make([]record.Rejection, 0, len(invalid))
	for _, inv := range invalid {
		rejected = append(rejected, record.Rejection{
			Source: inv.Schema,
			Record: inv.Record,
			Reason: strings.Join(inv.Errors, "; "),
		})
	}
	return rejected
}

// recoverFlow converts a panic escaping a flow into a flow-level error so the
// orchestrator can report it and still run the other flow.
func recoverFlow(flow string, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%s flow: unexpected error: %v", flow, r)
	}
}
