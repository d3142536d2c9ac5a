package tree

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowtree/pkg/schema"
)

func seqIDs() Option {
	n := 0
	return WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("n%d", n)
	})
}

// approvalTree builds root -> branch(amount > 1000) -> {true: Approve, false: Reject}.
func approvalTree(t *testing.T) (*Tree, map[string]string) {
	t.Helper()
	tr := Start(seqIDs())
	ids := map[string]string{"root": tr.RootID()}

	var err error
	tr, ids["branch"], err = tr.AddChild(ids["root"], schema.KindBranch, "")
	require.NoError(t, err)
	tr, err = tr.SetExpression(ids["branch"], "amount > 1000")
	require.NoError(t, err)
	tr, ids["approve"], err = tr.AddChild(ids["branch"], schema.KindTerminal, schema.KeyTrue)
	require.NoError(t, err)
	tr, ids["reject"], err = tr.AddChild(ids["branch"], schema.KindTerminal, schema.KeyFalse)
	require.NoError(t, err)
	tr, err = tr.SetLabel(ids["approve"], "Approve")
	require.NoError(t, err)
	tr, err = tr.SetLabel(ids["reject"], "Reject")
	require.NoError(t, err)
	return tr, ids
}

func TestStart(t *testing.T) {
	tr := Start(seqIDs())

	assert.False(t, tr.IsEmpty())
	assert.Equal(t, 1, tr.Len())
	root, ok := tr.Node(tr.RootID())
	require.True(t, ok)
	assert.Equal(t, schema.KindAction, root.Kind)
	assert.Empty(t, root.Label)
	assert.Empty(t, root.Parent)
	assert.False(t, tr.HasBranch())
}

func TestAddChild_DefaultsAndShape(t *testing.T) {
	tr, ids := approvalTree(t)

	branch, _ := tr.Node(ids["branch"])
	assert.Equal(t, DefaultBranchLabel, branch.Label)
	assert.Equal(t, ids["root"], branch.Parent)
	assert.Equal(t, ids["approve"], branch.Slots[schema.KeyTrue])
	assert.Equal(t, ids["reject"], branch.Slots[schema.KeyFalse])

	_, _, err := tr.AddChild(ids["root"], schema.KindAction, "")
	require.NoError(t, err)

	tr2, actionID, err := tr.AddChild(ids["approve"], schema.KindAction, "")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidOperation))
	assert.Same(t, tr, tr2)
	assert.Empty(t, actionID)

	tr3, newBranch, err := tr.AddChild(ids["root"], schema.KindBranch, "")
	require.NoError(t, err)
	nb, _ := tr3.Node(newBranch)
	assert.Equal(t, map[string]string{"true": "", "false": ""}, nb.Slots)
	assert.Equal(t, 2, tr3.Len(), "replacing the root child discards the old subtree")
}

func TestAddChild_TerminalDefaultLabel(t *testing.T) {
	tr := Start(seqIDs())
	tr, id, err := tr.AddChild(tr.RootID(), schema.KindTerminal, "")
	require.NoError(t, err)
	n, _ := tr.Node(id)
	assert.Equal(t, DefaultTerminalLabel, n.Label)
}

func TestAddChild_BranchSlots(t *testing.T) {
	tr, ids := approvalTree(t)

	_, _, err := tr.AddChild(ids["branch"], schema.KindTerminal, "maybe")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, _, err = tr.AddChild(ids["branch"], schema.KindTerminal, "case:")
	require.Error(t, err)

	tr2, escalate, err := tr.AddChild(ids["branch"], schema.KindTerminal, "case:escalate")
	require.NoError(t, err)
	got, ok := tr2.Slot(ids["branch"], "case:escalate")
	assert.True(t, ok)
	assert.Equal(t, escalate, got)

	edges := tr2.Edges(ids["branch"])
	require.Len(t, edges, 3)
	assert.Equal(t, []string{"true", "false", "case:escalate"}, []string{edges[0].Key, edges[1].Key, edges[2].Key})
}

func TestAddChild_UnknownParentAndKind(t *testing.T) {
	tr := Start(seqIDs())

	_, _, err := tr.AddChild("nope", schema.KindAction, "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, _, err = tr.AddChild(tr.RootID(), schema.NodeKind("loop"), "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestMutationsDoNotTouchReceiver(t *testing.T) {
	tr, ids := approvalTree(t)
	before := tr.Document()

	_, err := tr.SetLabel(ids["root"], "Renamed")
	require.NoError(t, err)
	_, err = tr.Delete(ids["approve"])
	require.NoError(t, err)
	_, _, err = tr.AddChild(ids["branch"], schema.KindAction, schema.KeyTrue)
	require.NoError(t, err)
	_, err = tr.SetCondition(ids["branch"], &schema.Condition{Kind: schema.ConditionBoolean, Var: "ok", Value: true})
	require.NoError(t, err)

	assert.Equal(t, before, tr.Document())
}

func TestSetCondition(t *testing.T) {
	tr, ids := approvalTree(t)
	cond := &schema.Condition{Kind: schema.ConditionComparison, Left: "amount", Op: ">", Right: "5000"}

	next, err := tr.SetCondition(ids["branch"], cond)
	require.NoError(t, err)
	n, _ := next.Node(ids["branch"])
	assert.Equal(t, "amount > 5000", n.Condition)
	require.NotNil(t, n.ConditionObj)
	assert.NotSame(t, cond, n.ConditionObj)

	cond.Left = "mutated"
	n, _ = next.Node(ids["branch"])
	assert.Equal(t, "amount", n.ConditionObj.Left)

	_, err = tr.SetCondition(ids["root"], cond)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidOperation))
	_, err = tr.SetCondition(ids["branch"], nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	_, err = tr.SetCondition(ids["branch"], &schema.Condition{Kind: "vibes"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestSetExpressionClearsStructured(t *testing.T) {
	tr, ids := approvalTree(t)
	tr, err := tr.SetCondition(ids["branch"], &schema.Condition{Kind: schema.ConditionBoolean, Var: "ok", Value: true})
	require.NoError(t, err)

	tr, err = tr.SetExpression(ids["branch"], "ok == true")
	require.NoError(t, err)
	n, _ := tr.Node(ids["branch"])
	assert.Nil(t, n.ConditionObj)
	assert.Equal(t, "ok == true", n.Condition)
}

func TestDelete_Root(t *testing.T) {
	tr, ids := approvalTree(t)

	next, err := tr.Delete(ids["root"])
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidOperation))
	assert.Contains(t, err.Error(), "cannot delete root")
	assert.Same(t, tr, next)
	assert.Equal(t, 4, next.Reachable())
}

func TestDelete_SubtreeAndSlot(t *testing.T) {
	tr, ids := approvalTree(t)

	next, err := tr.Delete(ids["branch"])
	require.NoError(t, err)
	assert.Equal(t, 1, next.Reachable())
	assert.Equal(t, 1, next.Len())
	root, _ := next.Node(ids["root"])
	assert.Empty(t, root.Child)

	next, err = tr.Delete(ids["approve"])
	require.NoError(t, err)
	slot, ok := next.Slot(ids["branch"], schema.KeyTrue)
	assert.True(t, ok)
	assert.Empty(t, slot)
	_, exists := next.Node(ids["approve"])
	assert.False(t, exists)

	_, err = tr.Delete("ghost")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestDelete_CaseSlotIsRemoved(t *testing.T) {
	tr, ids := approvalTree(t)
	tr, id, err := tr.AddChild(ids["branch"], schema.KindTerminal, "case:later")
	require.NoError(t, err)

	tr, err = tr.Delete(id)
	require.NoError(t, err)
	_, ok := tr.Slot(ids["branch"], "case:later")
	assert.False(t, ok)
}

// Deleting any non-root node shrinks the reachable count by exactly its
// subtree size.
func TestDelete_ReducesReachableBySubtreeSize(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	kinds := []schema.NodeKind{schema.KindAction, schema.KindBranch, schema.KindTerminal}

	for round := 0; round < 50; round++ {
		tr := Start(seqIDs())
		for i := 0; i < 25; i++ {
			var candidates []Node
			tr.Walk(func(n Node, _ int) bool {
				if n.Kind != schema.KindTerminal {
					candidates = append(candidates, n)
				}
				return true
			})
			if len(candidates) == 0 {
				break
			}
			parent := candidates[rng.Intn(len(candidates))]
			slot := []string{schema.KeyTrue, schema.KeyFalse}[rng.Intn(2)]
			next, _, err := tr.AddChild(parent.ID, kinds[rng.Intn(len(kinds))], slot)
			require.NoError(t, err)
			tr = next
		}

		var all []Node
		tr.Walk(func(n Node, _ int) bool {
			all = append(all, n)
			return true
		})
		for _, victim := range all {
			if victim.ID == tr.RootID() {
				continue
			}
			size := subtreeSize(tr, victim.ID)
			next, err := tr.Delete(victim.ID)
			require.NoError(t, err)
			assert.Equal(t, tr.Reachable()-size, next.Reachable())
			assert.Equal(t, next.Reachable(), next.Len())

			parent, _ := next.Node(victim.Parent)
			assert.NotEqual(t, victim.ID, parent.Child)
			for _, c := range parent.Slots {
				assert.NotEqual(t, victim.ID, c)
			}
		}
	}
}

func subtreeSize(tr *Tree, id string) int {
	size := 1
	for _, e := range tr.Edges(id) {
		if e.To != "" {
			size += subtreeSize(tr, e.To)
		}
	}
	return size
}

func TestRootOf(t *testing.T) {
	tr, ids := approvalTree(t)

	for _, id := range ids {
		root, err := tr.RootOf(id)
		require.NoError(t, err)
		assert.Equal(t, ids["root"], root)
	}
	_, err := tr.RootOf("missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestWalk_OrderAndDepth(t *testing.T) {
	tr, ids := approvalTree(t)

	var order []string
	var depths []int
	tr.Walk(func(n Node, depth int) bool {
		order = append(order, n.ID)
		depths = append(depths, depth)
		return true
	})
	assert.Equal(t, []string{ids["root"], ids["branch"], ids["approve"], ids["reject"]}, order)
	assert.Equal(t, []int{0, 1, 2, 2}, depths)

	visited := 0
	tr.Walk(func(Node, int) bool {
		visited++
		return visited < 2
	})
	assert.Equal(t, 2, visited)
}

func TestHasBranch(t *testing.T) {
	tr, _ := approvalTree(t)
	assert.True(t, tr.HasBranch())
	assert.False(t, New().HasBranch())
}

func TestClear(t *testing.T) {
	tr, _ := approvalTree(t)
	empty := tr.Clear()
	assert.True(t, empty.IsEmpty())
	assert.Zero(t, empty.Len())
	assert.Nil(t, empty.Document())
	assert.Equal(t, 4, tr.Len())
}

func TestDocumentRoundTrip(t *testing.T) {
	tr, ids := approvalTree(t)
	doc := tr.Document()

	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "parent")

	decoded, err := schema.ParseDocument(raw)
	require.NoError(t, err)
	loaded, err := FromDocument(decoded)
	require.NoError(t, err)

	assert.Equal(t, doc, loaded.Document())
	approve, _ := loaded.Node(ids["approve"])
	assert.Equal(t, ids["branch"], approve.Parent)
	assert.Equal(t, "Approve", approve.Label)
}

func TestDocument_EmptySlotsSerializeAsNull(t *testing.T) {
	tr := Start(seqIDs())
	tr, _, err := tr.AddChild(tr.RootID(), schema.KindBranch, "")
	require.NoError(t, err)

	raw, err := json.Marshal(tr.Document())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"branches":{"false":null,"true":null}`)
}

func TestFromDocument_LegacyEndKind(t *testing.T) {
	raw := `{"id":"r","type":"action","label":"","children":[{"id":"e","type":"end","label":"Done"}]}`
	doc, err := schema.ParseDocument([]byte(raw))
	require.NoError(t, err)

	tr, err := FromDocument(doc)
	require.NoError(t, err)
	n, _ := tr.Node("e")
	assert.Equal(t, schema.KindTerminal, n.Kind)
}

func TestFromDocument_Rejects(t *testing.T) {
	shared := &schema.NodeDocument{ID: "s", Kind: schema.KindTerminal}
	tests := []struct {
		name string
		doc  *schema.NodeDocument
		code string
	}{
		{"empty id", &schema.NodeDocument{Kind: schema.KindAction}, schema.ErrCodeValidation},
		{"unknown kind", &schema.NodeDocument{ID: "r", Kind: "loop"}, schema.ErrCodeValidation},
		{"duplicate id", &schema.NodeDocument{ID: "r", Kind: schema.KindAction, Children: []*schema.NodeDocument{{ID: "r", Kind: schema.KindTerminal}}}, schema.ErrCodeValidation},
		{"terminal with children", &schema.NodeDocument{ID: "r", Kind: schema.KindTerminal, Children: []*schema.NodeDocument{{ID: "c", Kind: schema.KindTerminal}}}, schema.ErrCodeValidation},
		{"two action children", &schema.NodeDocument{ID: "r", Kind: schema.KindAction, Children: []*schema.NodeDocument{{ID: "a", Kind: schema.KindTerminal}, {ID: "b", Kind: schema.KindTerminal}}}, schema.ErrCodeValidation},
		{"action with branches", &schema.NodeDocument{ID: "r", Kind: schema.KindAction, Branches: map[string]*schema.NodeDocument{"true": {ID: "a", Kind: schema.KindTerminal}}}, schema.ErrCodeValidation},
		{"branch with children", &schema.NodeDocument{ID: "r", Kind: schema.KindBranch, Children: []*schema.NodeDocument{{ID: "a", Kind: schema.KindTerminal}}}, schema.ErrCodeValidation},
		{"un-namespaced slot", &schema.NodeDocument{ID: "r", Kind: schema.KindBranch, Branches: map[string]*schema.NodeDocument{"maybe": nil}}, schema.ErrCodeValidation},
		{"shared node", &schema.NodeDocument{ID: "r", Kind: schema.KindBranch, Branches: map[string]*schema.NodeDocument{"true": shared, "false": shared}}, schema.ErrCodeCycleDetected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromDocument(tt.doc)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, tt.code), "got %v", err)
		})
	}
}

func TestFromDocument_BranchGetsBothSlots(t *testing.T) {
	doc := &schema.NodeDocument{ID: "r", Kind: schema.KindBranch, Branches: map[string]*schema.NodeDocument{
		"true": {ID: "t", Kind: schema.KindTerminal},
	}}
	tr, err := FromDocument(doc)
	require.NoError(t, err)

	slot, ok := tr.Slot("r", schema.KeyFalse)
	assert.True(t, ok)
	assert.Empty(t, slot)
}

func TestFromDocument_NilIsEmpty(t *testing.T) {
	tr, err := FromDocument(nil)
	require.NoError(t, err)
	assert.True(t, tr.IsEmpty())
}

func TestFreshIDsAfterLoad(t *testing.T) {
	doc := &schema.NodeDocument{ID: "n1", Kind: schema.KindAction}
	tr, err := FromDocument(doc, seqIDs())
	require.NoError(t, err)

	tr, id, err := tr.AddChild("n1", schema.KindTerminal, "")
	require.NoError(t, err)
	assert.NotEqual(t, "n1", id)
	assert.Equal(t, 2, tr.Len())
}
