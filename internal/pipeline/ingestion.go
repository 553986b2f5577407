package pipeline

import (
	"context"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/spinwatch/internal/dedup"
	"github.com/linnemanlabs/spinwatch/internal/delivery"
	"github.com/linnemanlabs/spinwatch/internal/incident"
	"github.com/linnemanlabs/spinwatch/internal/message"
	"github.com/linnemanlabs/spinwatch/internal/routing"
)

// IngestionDeps are the collaborators of an Ingestion pipeline. Maps is
// optional; without it every message is text only.
type IngestionDeps struct {
	Source    SummarySource
	Store     *dedup.IDSet
	StoreName string
	Router    *routing.Table
	Formatter *message.Formatter
	Engine    *delivery.Engine
	Maps      MapRenderer
	Pacing    Pacing
	Logger    log.Logger
	Hooks     Hooks
}

// Ingestion is the primary feed pipeline. Run must not be called
// concurrently; the scheduler serialises it.
type Ingestion struct {
	deps IngestionDeps
	last lastRun
}

// NewIngestion returns an Ingestion pipeline.
func NewIngestion(deps IngestionDeps) *Ingestion {
	if deps.Logger == nil {
		deps.Logger = log.Nop()
	}
	if deps.StoreName == "" {
		deps.StoreName = NameIngestion
	}
	return &Ingestion{deps: deps}
}

// Name returns the pipeline name.
func (p *Ingestion) Name() string { return NameIngestion }

// LastReport returns the report of the most recent run.
func (p *Ingestion) LastReport() (RunReport, bool) { return p.last.get() }

// Run performs one pass over the current feed snapshot.
func (p *Ingestion) Run(ctx context.Context) RunReport {
	report := newReport(NameIngestion)
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("spinwatch.pipeline", NameIngestion),
		attribute.String("spinwatch.run_id", report.RunID),
	))
	defer span.End()

	L := p.deps.Logger.With("pipeline", NameIngestion, "run_id", report.RunID)
	ctx = log.WithContext(ctx, L)

	defer func() {
		report.FinishedAt = time.Now().UTC()
		span.SetAttributes(
			attribute.Int("spinwatch.run.new", report.New),
			attribute.Int("spinwatch.run.skipped", report.Skipped),
			attribute.Int("spinwatch.run.failed", report.Failed),
		)
		p.deps.Hooks.storeSize(p.deps.StoreName, p.deps.Store.Len())
		p.deps.Hooks.runComplete(&report)
		p.last.set(report)
	}()

	summaries, err := p.deps.Source.FetchSummaries(ctx)
	if err != nil {
		L.Error(ctx, err, "feed fetch failed, aborting run", "error_class", "data_unavailable")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		report.abort(err)
		return report
	}
	report.Seen = len(summaries)

	if p.deps.Store.Len() == 0 {
		// first run: oldest first
		summaries = slices.Clone(summaries)
		slices.Reverse(summaries)
	}

	for _, s := range summaries {
		if ctx.Err() != nil {
			L.Warn(ctx, "run interrupted", "remaining", report.Seen-report.New-report.Skipped-report.Failed)
			break
		}
		if p.deps.Store.Contains(s.ID) {
			report.Skipped++
			p.deps.Hooks.incident(NameIngestion, ResultSkipped)
			continue
		}
		if p.process(ctx, s, &report) {
			report.New++
			p.deps.Hooks.incident(NameIngestion, ResultNew)
		} else {
			report.Failed++
			p.deps.Hooks.incident(NameIngestion, ResultFailed)
		}
	}

	L.Info(ctx, "ingestion run complete",
		"seen", report.Seen,
		"new", report.New,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report
}

// process handles one undelivered summary and reports whether it was
// delivered and recorded.
func (p *Ingestion) process(ctx context.Context, s incident.Summary, report *RunReport) bool {
	ctx, span := tracer.Start(ctx, "incident.process", trace.WithAttributes(
		attribute.String("spinwatch.incident.id", s.ID),
	))
	defer span.End()

	L := log.FromContext(ctx).With("incident_id", s.ID)
	ctx = log.WithContext(ctx, L)

	d, err := p.deps.Source.FetchDetail(ctx, s.DetailRef)
	if err != nil {
		L.Error(ctx, err, "detail fetch failed, will retry next run", "error_class", "data_unavailable")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false
	}

	route := p.deps.Router.Route(d)
	span.SetAttributes(attribute.Int("spinwatch.incident.channels", len(route)))

	msg := p.message(ctx, s, d)
	for i, e := range route {
		rep := p.deps.Engine.Deliver(ctx, e.Channel, msg)
		report.addDelivery(rep)
		if rep.Outcome != delivery.OutcomeDelivered {
			L.Warn(ctx, "channel delivery not completed",
				"thread_id", e.Channel.ThreadID,
				"criterion", string(e.Criterion),
				"label", e.Label,
				"outcome", string(rep.Outcome),
			)
		}

		var pause time.Duration
		switch e.Criterion {
		case routing.CriterionRegion:
			pause = p.deps.Pacing.AfterRegion
		case routing.CriterionType, routing.CriterionKeyword:
			pause = p.deps.Pacing.AfterOther
		}
		if err := p.deps.Engine.Pause(ctx, pause); err != nil && i < len(route)-1 {
			// not recorded, so the channels not reached get it on the next run
			L.Warn(ctx, "incident interrupted before all channels were attempted", "attempted", i+1, "channels", len(route))
			return false
		}
	}

	if err := p.deps.Store.Record(ctx, s.ID); err != nil {
		L.Error(ctx, err, "failed to persist dedup state", "error_class", "persistence")
		p.deps.Hooks.persistFailure(p.deps.StoreName)
	}
	return true
}

// message builds the notification, attaching a point map when the detail has
// coordinates and rendering works.
func (p *Ingestion) message(ctx context.Context, s incident.Summary, d *incident.Detail) delivery.Message {
	if p.deps.Maps != nil && d.HasCoordinates() {
		img, err := p.deps.Maps.RenderPoint(ctx, *d.Lat, *d.Lon)
		p.deps.Hooks.mapRender(err)
		if err == nil {
			return delivery.Message{
				Text:  p.deps.Formatter.Incident(s, d, message.CaptionLimit),
				Photo: delivery.PhotoBytes(img),
			}
		}
		log.FromContext(ctx).Warn(ctx, "map render failed, sending text only", "err", err)
	}
	return delivery.Message{Text: p.deps.Formatter.Incident(s, d, message.TextLimit)}
}
