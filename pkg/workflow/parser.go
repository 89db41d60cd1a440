// Package workflow provides the reference process-description parser. The
// process-description-to-Workflow-Graph translation is an external
// collaborator the core never executes directly, but the core still needs a
// concrete parser to turn a submitted source blob into a graph.Graph. Parse
// implements that translation for a small JSON dialect naming each node kind
// explicitly; a deployment with a richer external parser can swap in any
// function matching the same signature.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/labord/pkg/graph"
	"github.com/cuemby/labord/pkg/types"
)

// Document is the JSON shape Parse accepts as a process-description source.
// Every node carries a document-local string Ref used only to wire Edges;
// the parser discards refs once it has resolved them to graph.NodeIDs.
type Document struct {
	Labware      []LabwareSpec      `json:"labware"`
	Operations   []OperationSpec    `json:"operations"`
	Variables    []VariableSpec     `json:"variables"`
	Computations []ComputationSpec  `json:"computations"`
	Branches     []BranchSpec       `json:"branches"`
	Edges        []EdgeSpec         `json:"edges"`
}

// LabwareSpec describes one container's entry point into the graph.
type LabwareSpec struct {
	Ref           string `json:"ref"`
	ContainerName string `json:"container_name"`
	StartDevice   string `json:"start_device"`
	StartSlot     int    `json:"start_slot"`
	Lidded        bool   `json:"lidded"`
	LabwareType   string `json:"labware_type"`
}

// OperationSpec describes one device operation.
type OperationSpec struct {
	Ref                     string            `json:"ref"`
	Fct                     string            `json:"fct"`
	DeviceKind              string            `json:"device_kind"`
	Containers              []string          `json:"containers"`
	IsMovement              bool              `json:"is_movement"`
	ExpectedDurationSeconds float64           `json:"expected_duration_seconds"`
	Params                  map[string]string `json:"params"`
}

// VariableSpec describes a runtime-resolved output of an operation. ProducedBy
// must name the Ref of the producing OperationSpec.
type VariableSpec struct {
	Ref        string `json:"ref"`
	Name       string `json:"name"`
	ProducedBy string `json:"produced_by"`
}

// ComputationSpec describes a pure function of other nodes' values.
type ComputationSpec struct {
	Ref    string   `json:"ref"`
	Fct    string   `json:"fct"`
	Inputs []string `json:"inputs"`
}

// BranchSpec describes a runtime binary decision.
type BranchSpec struct {
	Ref             string   `json:"ref"`
	PredicateInputs []string `json:"predicate_inputs"`
	TrueSuccessor   string   `json:"true_successor"`
	FalseSuccessor  string   `json:"false_successor"`
}

// EdgeSpec connects two refs with the scheduler's wait-constraint fields.
type EdgeSpec struct {
	From              string  `json:"from"`
	To                string  `json:"to"`
	ContainerName     string  `json:"container_name"`
	MinWaitSeconds    float64 `json:"min_wait_seconds"`
	MaxWaitSeconds    float64 `json:"max_wait_seconds"`
	WaitCostPerSecond float64 `json:"wait_cost_per_second"`
}

// Parse translates a JSON process description into a Workflow Graph for
// processID. The returned graph still must pass graph.Validate; Parse itself
// only resolves refs and rejects structurally malformed documents.
func Parse(processID, source string) (*graph.Graph, error) {
	var doc Document
	if err := json.Unmarshal([]byte(source), &doc); err != nil {
		return nil, types.NewError(types.ErrConfigError, fmt.Sprintf("invalid process source: %v", err))
	}

	g := graph.New(processID)
	refs := make(map[string]graph.NodeID)

	for _, l := range doc.Labware {
		id := g.AddLabware(graph.LabwareNode{
			ContainerName: l.ContainerName,
			StartDevice:   l.StartDevice,
			StartSlot:     l.StartSlot,
			Lidded:        l.Lidded,
			LabwareType:   l.LabwareType,
		})
		if err := claimRef(refs, l.Ref, id); err != nil {
			return nil, err
		}
	}
	for _, o := range doc.Operations {
		id := g.AddOperation(graph.OperationNode{
			Fct:              o.Fct,
			DeviceKind:       o.DeviceKind,
			Containers:       o.Containers,
			IsMovement:       o.IsMovement,
			ExpectedDuration: time.Duration(o.ExpectedDurationSeconds * float64(time.Second)),
			Params:           o.Params,
		})
		if err := claimRef(refs, o.Ref, id); err != nil {
			return nil, err
		}
	}
	for _, v := range doc.Variables {
		producer, ok := refs[v.ProducedBy]
		if !ok {
			return nil, types.NewError(types.ErrConfigError, fmt.Sprintf("variable %q: unknown produced_by ref %q", v.Ref, v.ProducedBy))
		}
		id := g.AddVariable(graph.VariableNode{Name: v.Name, ProducedBy: producer})
		if err := claimRef(refs, v.Ref, id); err != nil {
			return nil, err
		}
	}
	for _, c := range doc.Computations {
		inputs, err := resolveRefs(refs, c.Inputs)
		if err != nil {
			return nil, err
		}
		id := g.AddComputation(graph.ComputationNode{Fct: c.Fct, Inputs: inputs})
		if err := claimRef(refs, c.Ref, id); err != nil {
			return nil, err
		}
	}
	for _, b := range doc.Branches {
		inputs, err := resolveRefs(refs, b.PredicateInputs)
		if err != nil {
			return nil, err
		}
		trueID, ok := refs[b.TrueSuccessor]
		if !ok {
			return nil, types.NewError(types.ErrConfigError, fmt.Sprintf("branch %q: unknown true_successor ref %q", b.Ref, b.TrueSuccessor))
		}
		falseID, ok := refs[b.FalseSuccessor]
		if !ok {
			return nil, types.NewError(types.ErrConfigError, fmt.Sprintf("branch %q: unknown false_successor ref %q", b.Ref, b.FalseSuccessor))
		}
		id := g.AddBranch(graph.BranchNode{PredicateInputs: inputs, TrueSuccessor: trueID, FalseSuccessor: falseID})
		if err := claimRef(refs, b.Ref, id); err != nil {
			return nil, err
		}
	}
	for _, e := range doc.Edges {
		from, ok := refs[e.From]
		if !ok {
			return nil, types.NewError(types.ErrConfigError, fmt.Sprintf("edge: unknown from ref %q", e.From))
		}
		to, ok := refs[e.To]
		if !ok {
			return nil, types.NewError(types.ErrConfigError, fmt.Sprintf("edge: unknown to ref %q", e.To))
		}
		g.AddEdge(graph.Edge{
			From:          from,
			To:            to,
			ContainerName: e.ContainerName,
			MinWait:       time.Duration(e.MinWaitSeconds * float64(time.Second)),
			MaxWait:       time.Duration(e.MaxWaitSeconds * float64(time.Second)),
			WaitCost:      e.WaitCostPerSecond,
		})
	}

	return g, nil
}

func claimRef(refs map[string]graph.NodeID, ref string, id graph.NodeID) error {
	if ref == "" {
		return types.NewError(types.ErrConfigError, "node missing ref")
	}
	if _, exists := refs[ref]; exists {
		return types.NewError(types.ErrConfigError, fmt.Sprintf("duplicate ref %q", ref))
	}
	refs[ref] = id
	return nil
}

func resolveRefs(refs map[string]graph.NodeID, names []string) ([]graph.NodeID, error) {
	out := make([]graph.NodeID, 0, len(names))
	for _, name := range names {
		id, ok := refs[name]
		if !ok {
			return nil, types.NewError(types.ErrConfigError, fmt.Sprintf("unknown ref %q", name))
		}
		out = append(out, id)
	}
	return out, nil
}
