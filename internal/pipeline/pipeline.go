// Package pipeline runs in-memory chains of capability nodes against one
// execution context, without going through the job queue.
package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/flowpipe/pkg/api"
)

// ForEachType is the node type of the iteration pseudo-node.
const ForEachType = "ForEach"

// OnItemSkip makes ForEach count a failed item and move on.
const OnItemSkip = "skip_and_continue"

// Node is one step of a pipeline.
type Node struct {
	ID        string         `yaml:"id"`
	Node      string         `yaml:"node"`
	Params    map[string]any `yaml:"params"`
	Condition string         `yaml:"condition,omitempty"`
	OnSuccess string         `yaml:"on_success,omitempty"`
	OnEmpty   *OnEmpty       `yaml:"on_empty,omitempty"`

	// Body holds the nested nodes of a ForEach.
	Body []Node `yaml:"body,omitempty"`
}

type OnEmpty struct {
	Action string `yaml:"action"`
}

// StopsOnEmpty reports whether an empty result ends the run.
func (n *Node) StopsOnEmpty() bool {
	return n.OnEmpty != nil && n.OnEmpty.Action == "stop"
}

// Pipeline is a named, declarative node chain.
type Pipeline struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Nodes       []Node `yaml:"pipeline"`
}

// LoadPipeline decodes and validates a pipeline document.
func LoadPipeline(data []byte) (*Pipeline, error) {
	var p Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: parse YAML: %v", api.ErrMalformedFlow, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPipelineFile reads and validates a pipeline document from disk.
func LoadPipelineFile(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}
	return LoadPipeline(data)
}

// Validate checks required fields and that node ids are unique per level.
func (p *Pipeline) Validate() error {
	var missing []string
	if p.ID == "" {
		missing = append(missing, "id")
	}
	if p.Name == "" {
		missing = append(missing, "name")
	}
	if len(p.Nodes) == 0 {
		missing = append(missing, "pipeline")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required fields: %s", api.ErrMalformedFlow, strings.Join(missing, ", "))
	}
	return validateNodes(p.Nodes, "pipeline")
}

func validateNodes(nodes []Node, where string) error {
	seen := make(map[string]bool, len(nodes))
	for i, n := range nodes {
		if n.ID == "" || n.Node == "" {
			return fmt.Errorf("%w: %s[%d] requires id and node", api.ErrMalformedFlow, where, i)
		}
		if seen[n.ID] {
			return fmt.Errorf("%w: duplicate node id %q in %s", api.ErrMalformedFlow, n.ID, where)
		}
		seen[n.ID] = true
		if n.Node == ForEachType {
			if _, ok := n.Params["source_key"]; !ok {
				return fmt.Errorf("%w: ForEach %q requires params.source_key", api.ErrMalformedFlow, n.ID)
			}
			if err := validateNodes(n.Body, n.ID+".body"); err != nil {
				return err
			}
		}
	}
	return nil
}
