/*
Package workflow is the reference process-description parser: an external
collaborator the core loop never executes directly. Parse consumes a small JSON
dialect — labware/operations/variables/computations/branches plus refs tying
them together with Edges — and produces the graph.Graph the rest of the
engine operates on. Node refs are local to one document and discarded once
resolved to graph.NodeIDs.

A deployment that already has a richer process-description language can
substitute any func(processID, source string) (*graph.Graph, error) for
Parse; the core loop holds only that function type, never this package's
types, so swapping parsers never touches pkg/core.
*/
package workflow
