package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"

	"github.com/petrijr/flowpipe/internal/expr"
	"github.com/petrijr/flowpipe/internal/template"
	"github.com/petrijr/flowpipe/internal/xjson"
	"github.com/petrijr/flowpipe/pkg/api"
)

// mergeConfig deep-merges a campaign's per-instance overrides onto the
// node's declared config. The declared config is never modified.
func mergeConfig(base, overrides map[string]any) (map[string]any, error) {
	merged, err := deepCopy(base)
	if err != nil {
		return nil, err
	}
	if len(overrides) == 0 {
		return merged, nil
	}
	src, err := deepCopy(overrides)
	if err != nil {
		return nil, err
	}
	if err := mergo.Merge(&merged, src, mergo.WithOverride); err != nil {
		return nil, err
	}
	return merged, nil
}

func deepCopy(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	b, err := xjson.Marshal(m)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := xjson.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// persistVariables writes the variables this run set into the campaign
// params with compare-and-swap on the campaign version. On conflict the
// campaign is reloaded and only the written keys are reapplied over the
// fresh bag, so keys stored by a concurrent writer survive.
func (e *Engine) persistVariables(ctx context.Context, ec *api.ExecContext) error {
	if !ec.Dirty() {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	campaign := ec.Campaign()
	written := ec.Written()

	for attempt := 0; attempt < e.casRetries; attempt++ {
		params := make(map[string]any, len(campaign.Params)+1)
		for k, v := range campaign.Params {
			params[k] = v
		}
		merged := campaign.Variables()
		for k, v := range written {
			merged[k] = v
		}
		params[api.VariablesKey] = merged

		version, err := e.campaigns.UpdateParams(ctx, campaign.ID, campaign.Version, params)
		if err == nil {
			campaign.Params = params
			campaign.Version = version
			ec.Rebase(merged)
			return nil
		}
		if !errors.Is(err, api.ErrVersionConflict) {
			return fmt.Errorf("persist variables: %w", err)
		}
		fresh, err := e.campaigns.Get(ctx, campaign.ID)
		if err != nil {
			return fmt.Errorf("reload campaign: %w", err)
		}
		campaign.Params = fresh.Params
		campaign.Version = fresh.Version
	}
	return fmt.Errorf("persist variables for campaign %s: %w after %d attempts", campaign.ID, api.ErrVersionConflict, e.casRetries)
}

// fanOut enqueues one job per item of res for the per_item_job node next.
func (e *Engine) fanOut(ctx context.Context, job *api.Job, ec *api.ExecContext, next api.NodeInstance, res *api.NodeResult) error {
	ctx = context.WithoutCancel(ctx)
	items := []any{res.Data}
	if res.EmitMode == api.EmitBatch {
		if list, ok := asList(res.Data); ok {
			items = list
		}
	}
	if len(items) == 0 {
		return nil
	}

	var gap api.GapSpec
	if next.Execution.PerItem != nil {
		gap = next.Execution.PerItem.Gap
	}
	base := e.gapDuration(gap, ec.Campaign())
	at := e.now()
	for k, item := range items {
		if k > 0 {
			at = at.Add(e.withJitter(base, gap))
		}
		if _, err := e.queue.Enqueue(ctx, &api.Job{
			CampaignID:  job.CampaignID,
			WorkflowID:  job.WorkflowID,
			NodeID:      next.NodeType,
			InstanceID:  next.InstanceID,
			Type:        next.Execution.JobType,
			Data:        item,
			ScheduledAt: at,
		}); err != nil {
			return fmt.Errorf("enqueue item %d for %s: %w", k, next.InstanceID, err)
		}
	}
	e.observer.OnJobsEnqueued(ctx, "fanout", len(items))
	if err := e.campaigns.IncrementCounter(ctx, job.CampaignID, api.CounterQueued, int64(len(items))); err != nil {
		ec.Logger().Warn("counter_update_failed", slog.Any("error", err))
	}
	return nil
}

func asList(v any) ([]any, bool) {
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// gapDuration resolves the spacing between fanned-out items. A source path
// is read from the campaign and wins over the fixed value.
func (e *Engine) gapDuration(g api.GapSpec, campaign *api.Campaign) time.Duration {
	value := g.FixedValue
	if g.Source != "" {
		if v, ok := lookupNumber(campaign, g.Source); ok {
			value = v
		}
	}
	if value <= 0 {
		return 0
	}
	return scale(value, g.Unit, time.Millisecond)
}

func (e *Engine) withJitter(d time.Duration, g api.GapSpec) time.Duration {
	if !g.Jitter || g.JitterPercent <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * g.JitterPercent / 100
	j := time.Duration(float64(d) + (e.jitter()*2-1)*spread)
	if j < 0 {
		return 0
	}
	return j
}

// scale converts value in unit to a duration; an empty or unknown unit
// means def.
func scale(value float64, unit string, def time.Duration) time.Duration {
	per := def
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "ms", "millisecond", "milliseconds":
		per = time.Millisecond
	case "s", "sec", "second", "seconds":
		per = time.Second
	case "m", "min", "minute", "minutes":
		per = time.Minute
	case "h", "hour", "hours":
		per = time.Hour
	case "d", "day", "days":
		per = 24 * time.Hour
	}
	return time.Duration(math.Round(value * float64(per)))
}

// lookupNumber reads a numeric value at path from the campaign. The path
// may carry a "campaign." prefix.
func lookupNumber(campaign *api.Campaign, path string) (float64, bool) {
	v, ok := template.Walk(campaign.Fields(), template.SplitPath(api.TrimCampaignPath(path)))
	if !ok {
		return 0, false
	}
	return number(v)
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// repeatInterval computes the delay before a recurring node runs again.
func (e *Engine) repeatInterval(spec *api.RecurringSpec, campaign *api.Campaign) time.Duration {
	var (
		value float64
		found bool
		unit  string
	)
	if spec != nil && spec.RepeatAfter != nil {
		unit = spec.RepeatAfter.Unit
		switch src := spec.RepeatAfter.Source.(type) {
		case nil:
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(src), 64); err == nil {
				value, found = f, true
			} else {
				value, found = lookupNumber(campaign, src)
			}
		default:
			value, found = number(src)
		}
	}
	if !found || value <= 0 {
		if v, ok := lookupNumber(campaign, "schedule.interval_minutes"); ok && v > 0 {
			return scale(v, "minutes", time.Minute)
		}
		return scale(e.defaultInterval, "minutes", time.Minute)
	}
	return scale(value, unit, time.Minute)
}

// rearm enqueues the next run of a recurring node once its job completed,
// as long as the campaign is still active and stop_repeat_if is not met.
func (e *Engine) rearm(ctx context.Context, job *api.Job, origin *api.NodeInstance, logger *slog.Logger) error {
	if origin == nil || origin.Execution.Strategy != api.StrategyScheduledRecurring {
		return nil
	}
	campaign, err := e.campaigns.Get(ctx, job.CampaignID)
	if err != nil {
		return err
	}
	if !campaign.IsActive() {
		logger.Info("rearm_skipped", slog.String("reason", "campaign "+string(campaign.Status)))
		return nil
	}

	spec := origin.Execution.Recurring
	if spec != nil && strings.TrimSpace(spec.StopRepeatIf) != "" {
		ec := api.NewExecContext(campaign, api.WithJob(job.ID, job.InstanceID), api.WithClock(e.now))
		stop, err := expr.Evaluate(spec.StopRepeatIf, ec.Lookup)
		if err != nil {
			return fmt.Errorf("stop_repeat_if: %w", err)
		}
		if stop {
			logger.Info("rearm_skipped", slog.String("reason", "stop_repeat_if"))
			return nil
		}
	}

	next := e.now().Add(e.repeatInterval(spec, campaign))
	if _, err := e.queue.Enqueue(ctx, &api.Job{
		CampaignID:  job.CampaignID,
		WorkflowID:  job.WorkflowID,
		NodeID:      origin.NodeType,
		InstanceID:  origin.InstanceID,
		Type:        origin.Execution.JobType,
		ScheduledAt: next,
	}); err != nil {
		return err
	}
	e.observer.OnJobsEnqueued(ctx, "rearm", 1)
	return nil
}

// scheduleRetry enqueues a new attempt for a failed per-item job when the
// failure came from the capability and the retry budget allows it.
func (e *Engine) scheduleRetry(ctx context.Context, job *api.Job, origin *api.NodeInstance, cause error) (bool, error) {
	if origin == nil || origin.Execution.Strategy != api.StrategyPerItemJob || origin.Execution.PerItem == nil {
		return false, nil
	}
	if !errors.Is(cause, api.ErrCapabilityExecution) || api.IsBlocked(cause) || errors.Is(cause, api.ErrMissingFlowOrNode) {
		return false, nil
	}
	policy := origin.Execution.PerItem.Retry
	if !policy.ShouldRetry(job.Attempt) {
		return false, nil
	}

	delay := policy.Delay(job.Attempt)
	id, err := e.queue.Enqueue(ctx, &api.Job{
		CampaignID:  job.CampaignID,
		WorkflowID:  job.WorkflowID,
		NodeID:      job.NodeID,
		InstanceID:  job.InstanceID,
		Type:        job.Type,
		Data:        job.Data,
		Attempt:     job.Attempt + 1,
		ParentID:    job.ID,
		ScheduledAt: e.now().Add(delay),
	})
	if err != nil {
		return false, err
	}
	e.observer.OnJobsEnqueued(ctx, "retry", 1)
	e.emit(ctx, api.Event{
		Type:       api.EventJobRetryScheduled,
		CampaignID: job.CampaignID,
		JobID:      job.ID,
		NodeID:     job.InstanceID,
		Data: map[string]any{
			"retry_job_id": id,
			"attempt":      job.Attempt + 1,
			"delay_ms":     delay.Milliseconds(),
		},
	})
	return true, nil
}
