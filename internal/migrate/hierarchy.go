package migrate

import (
	"errors"
	"fmt"

	"github.com/cu-library/nineateseven/internal/registry"
)

// ErrUnresolvedHierarchy indicates a hierarchy that can make no further
// progress: a parent cycle, or a parent outside the input set that was
// never registered.
var ErrUnresolvedHierarchy = errors.New("cyclic or unresolved hierarchy")

// HierarchyNode is one record of a hierarchy, with its optional parent.
type HierarchyNode struct {
	LegacyID int64
	// ParentID is zero for roots.
	ParentID int64
}

// CreateInOrder processes one hierarchy so that every parent is handled
// strictly before any of its children is handed to create. It repeatedly
// scans the remaining nodes: a node is ready when it is a root, its parent
// is registered, or its parent was already handed to create; ready nodes
// are processed in input order, and a full pass without progress fails
// with ErrUnresolvedHierarchy. The create callback either registers the
// node or declines it without registering (a policy skip); both count as
// handled, so children of a skipped parent still reach create.
func CreateInOrder(reg *registry.Registry, kind registry.Kind, nodes []HierarchyNode, create func(HierarchyNode) error) error {
	handled := make(map[int64]bool, len(nodes))
	remaining := nodes
	for len(remaining) > 0 {
		var stuck []HierarchyNode
		for _, node := range remaining {
			if node.ParentID != 0 && !reg.Has(kind, node.ParentID) && !handled[node.ParentID] {
				stuck = append(stuck, node)
				continue
			}
			if err := create(node); err != nil {
				return err
			}
			handled[node.LegacyID] = true
		}
		if len(stuck) == len(remaining) {
			return fmt.Errorf("stuck on %s ids %v: %w", kind, stuckIDs(stuck), ErrUnresolvedHierarchy)
		}
		remaining = stuck
	}
	return nil
}

func stuckIDs(nodes []HierarchyNode) []int64 {
	ids := make([]int64, 0, len(nodes))
	for _, node := range nodes {
		ids = append(ids, node.LegacyID)
	}
	return ids
}
