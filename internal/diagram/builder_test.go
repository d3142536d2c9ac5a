package diagram

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowtree/internal/traversal"
	"github.com/rendis/flowtree/internal/tree"
	"github.com/rendis/flowtree/pkg/schema"
)

// approvalTree: start -> check{amount > 1000} -true-> approve, false slot empty.
func approvalTree(t *testing.T) *tree.Tree {
	t.Helper()
	doc := &schema.NodeDocument{ID: "start", Kind: schema.KindAction, Label: "Receive order", Children: []*schema.NodeDocument{
		{ID: "check", Kind: schema.KindBranch, Label: "Big order?", Condition: "amount > 1000", Branches: map[string]*schema.NodeDocument{
			"true":  {ID: "approve", Kind: schema.KindTerminal, Label: "Approve"},
			"false": nil,
		}},
	}}
	tr, err := tree.FromDocument(doc)
	require.NoError(t, err)
	return tr
}

func runPath(t *testing.T, tr *tree.Tree, data map[string]any) *traversal.Path {
	t.Helper()
	engine := traversal.NewEngine(nil, traversal.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	path, err := engine.Run(context.Background(), tr, data)
	require.NoError(t, err)
	return path
}

func TestBuildTree(t *testing.T) {
	model, err := Build(approvalTree(t), nil)
	require.NoError(t, err)

	assert.Equal(t, "Receive order", model.Title)
	require.Len(t, model.Nodes, 4)
	assert.Equal(t, []string{"start", "check", "approve", "check/false"}, nodeIDs(model))

	assert.Equal(t, NodeKindAction, model.Node("start").Kind)
	assert.Equal(t, NodeKindBranch, model.Node("check").Kind)
	assert.Equal(t, "amount > 1000", model.Node("check").Condition)
	assert.Equal(t, NodeKindTerminal, model.Node("approve").Kind)
	assert.Equal(t, NodeKindEmpty, model.Node("check/false").Kind)

	assert.Equal(t, []Edge{
		{From: "start", To: "check"},
		{From: "check", To: "approve", Label: "true"},
		{From: "check", To: "check/false", Label: "false"},
	}, model.Edges)
	assert.Equal(t, [][]string{{"start"}, {"check"}, {"approve", "check/false"}}, model.Levels)

	for _, n := range model.Nodes {
		assert.Nil(t, n.Status, "no overlay without a path")
	}
}

func TestBuildEmptySlotKeepsDisplayOrder(t *testing.T) {
	doc := &schema.NodeDocument{ID: "start", Kind: schema.KindAction, Children: []*schema.NodeDocument{
		{ID: "check", Kind: schema.KindBranch, Condition: "vip", Branches: map[string]*schema.NodeDocument{
			"true":  nil,
			"false": {ID: "review", Kind: schema.KindAction, Children: []*schema.NodeDocument{
				{ID: "done", Kind: schema.KindTerminal},
			}},
		}},
	}}
	tr, err := tree.FromDocument(doc)
	require.NoError(t, err)

	model, err := Build(tr, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "check", "check/true", "review", "done"}, nodeIDs(model))
	assert.Equal(t, [][]string{{"start"}, {"check"}, {"check/true", "review"}, {"done"}}, model.Levels)
}

func TestBuildStructuredConditionIsDescribed(t *testing.T) {
	tr := approvalTree(t)
	tr, err := tr.SetCondition("check", &schema.Condition{Kind: schema.ConditionComparison, Left: "amount", Op: ">=", Right: "50"})
	require.NoError(t, err)

	model, err := Build(tr, nil)
	require.NoError(t, err)
	assert.Equal(t, "amount >= 50", model.Node("check").Condition)
}

func TestBuildTerminalPathOverlay(t *testing.T) {
	tr := approvalTree(t)
	model, err := Build(tr, runPath(t, tr, map[string]any{"amount": 1500}))
	require.NoError(t, err)

	for i, id := range []string{"start", "check", "approve"} {
		require.NotNil(t, model.Node(id).Status, id)
		assert.Equal(t, StatusVisited, model.Node(id).Status.Status)
		assert.Equal(t, i+1, model.Node(id).Status.Step)
	}
	assert.Nil(t, model.Node("check/false").Status)

	assert.True(t, model.Edges[0].Taken)
	assert.True(t, model.Edges[1].Taken)
	assert.False(t, model.Edges[2].Taken)
}

func TestBuildDeadEndOverlay(t *testing.T) {
	tr := approvalTree(t)
	model, err := Build(tr, runPath(t, tr, map[string]any{"amount": 10}))
	require.NoError(t, err)

	assert.Equal(t, StatusVisited, model.Node("start").Status.Status)
	assert.Equal(t, StatusDeadEnd, model.Node("check").Status.Status)
	assert.Nil(t, model.Node("approve").Status)

	assert.False(t, model.Edges[1].Taken)
	assert.True(t, model.Edges[2].Taken, "the empty false slot was taken")
}

func TestBuildCaseSlots(t *testing.T) {
	tr := tree.Start(tree.WithIDGenerator(seq()))
	tr, branchID, err := tr.AddChild(tr.RootID(), schema.KindBranch, "")
	require.NoError(t, err)
	tr, _, err = tr.AddChild(branchID, schema.KindTerminal, "case:gold")
	require.NoError(t, err)

	model, err := Build(tr, nil)
	require.NoError(t, err)

	var labels []string
	for _, e := range model.Edges {
		if e.From == branchID {
			labels = append(labels, e.Label)
		}
	}
	assert.Equal(t, []string{"true", "false", "case:gold"}, labels)
	assert.Equal(t, NodeKindEmpty, model.Node(branchID+"/true").Kind)
}

func TestBuildEmptyTree(t *testing.T) {
	_, err := Build(tree.New(), nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestBuildPathFromAnotherTree(t *testing.T) {
	path := &traversal.Path{Steps: []traversal.Step{{NodeID: "ghost"}}, Outcome: schema.OutcomeDeadEnd}
	_, err := Build(approvalTree(t), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func nodeIDs(m *DiagramModel) []string {
	ids := make([]string, len(m.Nodes))
	for i, n := range m.Nodes {
		ids[i] = n.ID
	}
	return ids
}

func seq() func() string {
	n := 0
	return func() string {
		n++
		return "n" + string(rune('0'+n))
	}
}
