package validation

import (
	"fmt"

	"github.com/rendis/flowtree/pkg/schema"
)

// validateShape walks the document graph by pointer. A document is a tree
// only if every node is reached exactly once: a node reachable from two
// parents, or from itself, is reported as CYCLE_DETECTED. Node IDs must be
// unique and non-empty. Also returns the tree depth.
func validateShape(doc *schema.NodeDocument) (*schema.ValidationResult, int) {
	result := &schema.ValidationResult{}
	seen := make(map[*schema.NodeDocument]string)
	ids := make(map[string]string)
	depth := 0

	var visit func(n *schema.NodeDocument, path string, level int)
	visit = func(n *schema.NodeDocument, path string, level int) {
		if n == nil {
			return
		}
		if first, ok := seen[n]; ok {
			result.AddError(path, schema.ErrCodeCycleDetected,
				fmt.Sprintf("node %q is already reachable at %s; workflows must be trees", n.ID, first))
			return
		}
		seen[n] = path
		if level > depth {
			depth = level
		}

		switch first, dup := ids[n.ID]; {
		case n.ID == "":
			result.AddError(path+".id", schema.ErrCodeValidation, "node id is required")
		case dup:
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q (first at %s)", n.ID, first))
		default:
			ids[n.ID] = path
		}

		for i, c := range n.Children {
			visit(c, fmt.Sprintf("%s.children[%d]", path, i), level+1)
		}
		for _, key := range sortedKeys(n.Branches) {
			visit(n.Branches[key], fmt.Sprintf("%s.branches[%s]", path, key), level+1)
		}
	}
	visit(doc, "root", 0)
	return result, depth
}
