package graph

import (
	"fmt"

	"github.com/cuemby/labord/pkg/types"
)

var (
	errCyclic               = types.NewError(types.ErrConfigError, "workflow graph contains a cycle")
	errUnreachableOperation = types.NewError(types.ErrConfigError, "operation node unreachable from any labware node")
)

func errVariableProducers(id NodeID, count int) error {
	return types.NewError(types.ErrConfigError, fmt.Sprintf("variable node %d has %d producing operations, want exactly 1", id, count))
}
