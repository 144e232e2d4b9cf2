package catalog

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/flowpipe/pkg/api"
)

// flowDocument mirrors the declarative flow file. Pointers distinguish a
// missing field from an empty one.
type flowDocument struct {
	ID          string          `yaml:"id"`
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Version     string          `yaml:"version"`
	Icon        string          `yaml:"icon"`
	Color       string          `yaml:"color"`
	Nodes       *[]nodeDocument `yaml:"nodes"`
	Edges       *[]edgeDocument `yaml:"edges"`
	UI          map[string]any  `yaml:"ui"`
}

type nodeDocument struct {
	NodeID     string             `yaml:"node_id"`
	InstanceID string             `yaml:"instance_id"`
	Config     map[string]any     `yaml:"config"`
	Execution  *executionDocument `yaml:"execution"`
	Position   *api.Position      `yaml:"position"`
}

type edgeDocument struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

type executionDocument struct {
	Strategy string `yaml:"strategy"`
	JobType  string `yaml:"job_type"`

	InitialTrigger string               `yaml:"initial_trigger"`
	RepeatAfter    *repeatAfterDocument `yaml:"repeat_after"`
	StopRepeatIf   string               `yaml:"stop_repeat_if"`
	OnResume       string               `yaml:"on_resume"`

	GapBetweenItems     *gapDocument   `yaml:"gap_between_items"`
	RespectDailyWindow  *bool          `yaml:"respect_daily_window"`
	DependsOn           string         `yaml:"depends_on"`
	Retry               *retryDocument `yaml:"retry"`
	CreateDownstreamJob string         `yaml:"create_downstream_job"`
}

type repeatAfterDocument struct {
	Source any    `yaml:"source"`
	Unit   string `yaml:"unit"`
}

type gapDocument struct {
	Source        string  `yaml:"source"`
	FixedValue    float64 `yaml:"fixed_value"`
	Unit          string  `yaml:"unit"`
	Jitter        bool    `yaml:"jitter"`
	JitterPercent float64 `yaml:"jitter_percent"`
}

type retryDocument struct {
	Max         *int   `yaml:"max"`
	Backoff     string `yaml:"backoff"`
	BaseDelayMS *int64 `yaml:"base_delay_ms"`
	MaxDelayMS  *int64 `yaml:"max_delay_ms"`
}

// Parse decodes and normalizes one flow document.
func Parse(data []byte) (*api.FlowDefinition, error) {
	var doc flowDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: parse YAML: %v", api.ErrMalformedFlow, err)
	}

	var missing []string
	if doc.ID == "" {
		missing = append(missing, "id")
	}
	if doc.Name == "" {
		missing = append(missing, "name")
	}
	if doc.Nodes == nil {
		missing = append(missing, "nodes")
	}
	if doc.Edges == nil {
		missing = append(missing, "edges")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required fields: %s", api.ErrMalformedFlow, strings.Join(missing, ", "))
	}

	def := &api.FlowDefinition{
		ID:          doc.ID,
		Name:        doc.Name,
		Description: doc.Description,
		Version:     doc.Version,
		Icon:        doc.Icon,
		Color:       doc.Color,
		Nodes:       make([]api.NodeInstance, 0, len(*doc.Nodes)),
		Edges:       make([]api.Edge, 0, len(*doc.Edges)),
	}
	if def.Version == "" {
		def.Version = "1.0"
	}
	for _, n := range *doc.Nodes {
		cfg := n.Config
		if cfg == nil {
			cfg = map[string]any{}
		}
		def.Nodes = append(def.Nodes, api.NodeInstance{
			NodeType:   n.NodeID,
			InstanceID: n.InstanceID,
			Config:     cfg,
			Execution:  normalizeExecution(n.Execution),
			Position:   n.Position,
		})
	}
	for _, e := range *doc.Edges {
		def.Edges = append(def.Edges, api.Edge{From: e.From, To: e.To})
	}
	if doc.UI != nil {
		def.UI, _ = foldStrings(doc.UI).(map[string]any)
	}

	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("flow %q: %w", def.ID, err)
	}
	return def, nil
}

func normalizeExecution(doc *executionDocument) api.ExecutionSpec {
	if doc == nil {
		return api.ExecutionSpec{Strategy: api.StrategyInline}
	}
	spec := api.ExecutionSpec{Strategy: api.ParseStrategy(doc.Strategy)}

	switch spec.Strategy {
	case api.StrategyScheduledRecurring:
		spec.JobType = orDefault(doc.JobType, api.DefaultRecurringJobType)
		rec := &api.RecurringSpec{
			InitialTrigger: orDefault(doc.InitialTrigger, api.DefaultInitialTrigger),
			StopRepeatIf:   doc.StopRepeatIf,
			OnResume:       orDefault(doc.OnResume, api.DefaultOnResume),
		}
		if doc.RepeatAfter != nil {
			rec.RepeatAfter = &api.RepeatAfter{Source: doc.RepeatAfter.Source, Unit: doc.RepeatAfter.Unit}
		}
		spec.Recurring = rec

	case api.StrategyPerItemJob:
		spec.JobType = orDefault(doc.JobType, api.DefaultPerItemJobType)
		item := &api.PerItemSpec{
			RespectDailyWindow:  true,
			DependsOn:           doc.DependsOn,
			Retry:               normalizeRetry(doc.Retry),
			CreateDownstreamJob: orDefault(doc.CreateDownstreamJob, api.DefaultCreateDownstreamJob),
		}
		if doc.RespectDailyWindow != nil {
			item.RespectDailyWindow = *doc.RespectDailyWindow
		}
		if g := doc.GapBetweenItems; g != nil {
			item.Gap = api.GapSpec{
				Source:        g.Source,
				FixedValue:    g.FixedValue,
				Unit:          g.Unit,
				Jitter:        g.Jitter,
				JitterPercent: g.JitterPercent,
			}
		}
		spec.PerItem = item
	}
	return spec
}

func normalizeRetry(doc *retryDocument) api.RetryPolicy {
	p := api.DefaultRetryPolicy()
	if doc == nil {
		return p
	}
	if doc.Max != nil {
		p.Max = *doc.Max
	}
	if doc.Backoff == string(api.BackoffLinear) {
		p.Backoff = api.BackoffLinear
	}
	if doc.BaseDelayMS != nil {
		p.BaseDelay = time.Duration(*doc.BaseDelayMS) * time.Millisecond
	}
	if doc.MaxDelayMS != nil {
		p.MaxDelay = time.Duration(*doc.MaxDelayMS) * time.Millisecond
	}
	return p
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

var foldRe = regexp.MustCompile(`\n\s+`)

// foldStrings deep-copies v, folding multi-line strings onto one line.
func foldStrings(v any) any {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(foldRe.ReplaceAllString(t, " "))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = foldStrings(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = foldStrings(e)
		}
		return out
	default:
		return v
	}
}
