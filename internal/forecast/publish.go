package forecast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/KI7MT/ki7mt-kp-forecast/internal/store"
)

// NoQualityPolicy decides publication when no model run has been recorded.
type NoQualityPolicy string

const (
	NoQualitySuppress NoQualityPolicy = "suppress"
	NoQualityPublish  NoQualityPolicy = "publish"
)

// Valid reports whether p is a known policy.
func (p NoQualityPolicy) Valid() bool {
	return p == NoQualitySuppress || p == NoQualityPublish
}

// Decision is the outcome of the publish gate.
type Decision struct {
	Publish bool
	Reason  string
}

// Decide applies the gate: with a score, publish iff quality >= threshold;
// without one, the policy decides.
func Decide(quality *float64, threshold float64, policy NoQualityPolicy) Decision {
	switch {
	case quality == nil && policy == NoQualityPublish:
		return Decision{Publish: true, Reason: store.ReasonNoQualityPublish}
	case quality == nil:
		return Decision{Publish: false, Reason: store.ReasonNoQualitySuppress}
	case *quality >= threshold:
		return Decision{Publish: true, Reason: store.ReasonQualityPassed}
	default:
		return Decision{Publish: false, Reason: store.ReasonQualityBelow}
	}
}

// Notifier is told about every recorded publish audit.
type Notifier interface {
	Notify(ctx context.Context, audit store.PublishAudit) error
}

// Gate writes forecasts and the publish audit.
type Gate struct {
	Forecasts store.ForecastWriter
	Audits    store.AuditLog
	Threshold float64
	Policy    NoQualityPolicy
	Notifier  Notifier
	Logger    *zap.Logger
	Now       func() time.Time
}

// PublishIfReady upserts days when the gate passes and always appends one
// audit. A failed upsert is audited as write_failed and its error returned.
func (g *Gate) PublishIfReady(ctx context.Context, days []store.ForecastDay, quality *float64, runID string) (store.PublishAudit, error) {
	log := g.logger()
	dec := Decide(quality, g.Threshold, g.Policy)

	audit := store.PublishAudit{
		PublishedAt:  g.now(),
		ModelQuality: quality,
		Threshold:    g.Threshold,
		Reason:       dec.Reason,
		RunID:        runID,
	}

	if !dec.Publish {
		audit.DocsPreview = days
		if err := g.Audits.InsertAudit(ctx, audit); err != nil {
			return audit, fmt.Errorf("insert audit: %w", err)
		}
		log.Info("forecast publish suppressed",
			zap.String("reason", dec.Reason), zap.Float64("threshold", g.Threshold), qualityField(quality))
		g.notify(ctx, audit)
		return audit, nil
	}

	refs := make([]string, 0, len(days))
	for _, day := range days {
		if err := g.Forecasts.UpsertForecast(ctx, day); err != nil {
			werr := fmt.Errorf("upsert forecast %s: %w", day.Ref(), err)
			audit.Reason = store.ReasonWriteFailed
			audit.InsertedRefs = refs
			audit.DocsPreview = days
			if aerr := g.Audits.InsertAudit(ctx, audit); aerr != nil {
				return audit, errors.Join(werr, fmt.Errorf("insert audit: %w", aerr))
			}
			log.Error("forecast publish failed", zap.Error(werr), zap.Strings("written", refs))
			g.notify(ctx, audit)
			return audit, werr
		}
		refs = append(refs, day.Ref())
	}

	audit.Published = true
	audit.InsertedRefs = refs
	if err := g.Audits.InsertAudit(ctx, audit); err != nil {
		return audit, fmt.Errorf("insert audit: %w", err)
	}
	log.Info("forecast published",
		zap.Strings("dates", refs), zap.String("reason", dec.Reason), qualityField(quality))
	g.notify(ctx, audit)
	return audit, nil
}

func (g *Gate) notify(ctx context.Context, audit store.PublishAudit) {
	if g.Notifier == nil {
		return
	}
	if err := g.Notifier.Notify(ctx, audit); err != nil {
		g.logger().Warn("publish notification failed", zap.Error(err))
	}
}

func (g *Gate) logger() *zap.Logger {
	if g.Logger == nil {
		return zap.NewNop()
	}
	return g.Logger
}

func (g *Gate) now() time.Time {
	if g.Now == nil {
		return time.Now().UTC()
	}
	return g.Now().UTC()
}

func qualityField(q *float64) zap.Field {
	if q == nil {
		return zap.Skip()
	}
	return zap.Float64("quality", *q)
}
