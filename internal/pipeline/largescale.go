package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/spinwatch/internal/dedup"
	"github.com/linnemanlabs/spinwatch/internal/delivery"
	"github.com/linnemanlabs/spinwatch/internal/feed"
	"github.com/linnemanlabs/spinwatch/internal/incident"
	"github.com/linnemanlabs/spinwatch/internal/message"
	"github.com/linnemanlabs/spinwatch/internal/region"
	"github.com/linnemanlabs/spinwatch/internal/routing"
)

// LargeScaleDeps are the collaborators of a LargeScale pipeline.
type LargeScaleDeps struct {
	Source    LargeScaleSource
	Store     *dedup.RecordList
	StoreName string
	Regions   RegionResolver
	Router    *routing.Table
	Formatter *message.Formatter
	Engine    *delivery.Engine
	Maps      MapRenderer
	Pacing    Pacing
	Logger    log.Logger
	Hooks     Hooks
}

// LargeScale is the large-scale incident pipeline.
type LargeScale struct {
	deps LargeScaleDeps
	last lastRun
}

// NewLargeScale returns a LargeScale pipeline.
func NewLargeScale(deps LargeScaleDeps) *LargeScale {
	if deps.Logger == nil {
		deps.Logger = log.Nop()
	}
	if deps.StoreName == "" {
		deps.StoreName = NameLargeScale
	}
	return &LargeScale{deps: deps}
}

// Name returns the pipeline name.
func (p *LargeScale) Name() string { return NameLargeScale }

// LastReport returns the report of the most recent run.
func (p *LargeScale) LastReport() (RunReport, bool) { return p.last.get() }

// Run performs one pass over the current large-scale collection.
func (p *LargeScale) Run(ctx context.Context) RunReport {
	report := newReport(NameLargeScale)
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("spinwatch.pipeline", NameLargeScale),
		attribute.String("spinwatch.run_id", report.RunID),
	))
	defer span.End()

	L := p.deps.Logger.With("pipeline", NameLargeScale, "run_id", report.RunID)
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

	raws, err := p.deps.Source.FetchLargeScale(ctx)
	if err != nil {
		L.Error(ctx, err, "large-scale fetch failed, aborting run", "error_class", "data_unavailable")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		report.abort(err)
		return report
	}
	report.Seen = len(raws)

	for i, raw := range raws {
		if ctx.Err() != nil {
			L.Warn(ctx, "run interrupted", "remaining", len(raws)-i)
			break
		}
		if p.deps.Store.Contains(raw) {
			report.Skipped++
			p.deps.Hooks.incident(NameLargeScale, ResultSkipped)
			continue
		}
		if p.process(ctx, i, raw, &report) {
			report.New++
			p.deps.Hooks.incident(NameLargeScale, ResultNew)
		} else {
			report.Failed++
			p.deps.Hooks.incident(NameLargeScale, ResultFailed)
		}
	}

	L.Info(ctx, "large-scale run complete",
		"seen", report.Seen,
		"new", report.New,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report
}

func (p *LargeScale) process(ctx context.Context, index int, raw json.RawMessage, report *RunReport) bool {
	ctx, span := tracer.Start(ctx, "incident.process", trace.WithAttributes(
		attribute.Int("spinwatch.incident.index", index),
	))
	defer span.End()

	L := log.FromContext(ctx).With("record_index", index)

	rec, err := feed.DecodeLargeScale(raw)
	if err != nil {
		L.Error(ctx, err, "malformed large-scale record", "error_class", "data_unavailable")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false
	}
	L = L.With("municipality", rec.Municipality)
	ctx = log.WithContext(ctx, L)
	span.SetAttributes(attribute.String("spinwatch.incident.municipality", rec.Municipality))

	// a failed lookup is logged by the resolver and only loses the map
	ring, centroid, err := p.deps.Regions.RegionAndCentroidForName(ctx, rec.Municipality)
	resolved := err == nil

	entries := p.route(centroid, resolved)
	msg := p.message(ctx, &rec, ring, resolved)
	for i, e := range entries {
		rep := p.deps.Engine.Deliver(ctx, e.Channel, msg)
		report.addDelivery(rep)
		if rep.Outcome != delivery.OutcomeDelivered {
			L.Warn(ctx, "channel delivery not completed",
				"thread_id", e.Channel.ThreadID,
				"criterion", string(e.Criterion),
				"outcome", string(rep.Outcome),
			)
		}
		if i == len(entries)-1 {
			break
		}
		if err := p.deps.Engine.Pause(ctx, p.deps.Pacing.AfterOther); err != nil {
			L.Warn(ctx, "record interrupted before all channels were attempted", "attempted", i+1, "channels", len(entries))
			return false
		}
	}

	if err := p.deps.Store.Record(ctx, raw); err != nil {
		L.Error(ctx, err, "failed to persist dedup state", "error_class", "persistence")
		p.deps.Hooks.persistFailure(p.deps.StoreName)
	}
	return true
}

// route returns the region channel of the municipality's centroid (or the
// large-scale channel when it cannot be resolved), the large-scale channel and
// the default channel. All three are always delivered, so an unresolved record
// reaches the large-scale channel twice.
func (p *LargeScale) route(centroid region.Point, resolved bool) routing.Result {
	regionEntry := routing.Entry{Channel: p.deps.Router.LargeScale(), Criterion: routing.CriterionLargeScale}

	if resolved {
		if name, ok := p.deps.Regions.RegionForPoint(centroid.Lat, centroid.Lon); ok {
			if ch, ok := p.deps.Router.RegionChannel(name); ok {
				regionEntry = routing.Entry{Channel: ch, Criterion: routing.CriterionRegion, Label: name}
			}
		}
	}

	return routing.Result{
		regionEntry,
		{Channel: p.deps.Router.LargeScale(), Criterion: routing.CriterionLargeScale},
		{Channel: p.deps.Router.Default(), Criterion: routing.CriterionDefault},
	}
}

func (p *LargeScale) message(ctx context.Context, rec *incident.LargeScaleRecord, ring []region.Point, resolved bool) delivery.Message {
	if p.deps.Maps != nil && resolved {
		img, err := p.deps.Maps.RenderPolygon(ctx, ring)
		p.deps.Hooks.mapRender(err)
		if err == nil {
			return delivery.Message{
				Text:  p.deps.Formatter.LargeScale(rec, message.CaptionLimit),
				Photo: delivery.PhotoBytes(img),
			}
		}
		log.FromContext(ctx).Warn(ctx, "map render failed, sending text only", "err", err)
	}
	return delivery.Message{Text: p.deps.Formatter.LargeScale(rec, message.TextLimit)}
}
