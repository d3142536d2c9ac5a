// gen-diagrams generates sample diagram outputs for README documentation.
// Run: go run ./cmd/gen-diagrams
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rendis/flowtree/internal/diagram"
	"github.com/rendis/flowtree/internal/traversal"
	"github.com/rendis/flowtree/internal/tree"
	"github.com/rendis/flowtree/pkg/schema"
)

// sampleWorkflow: receive order → in stock? → small amount? → approve, with
// a manual review and a restock notice on the other slots.
const sampleWorkflow = `{
	"id": "receive", "type": "action", "label": "Receive order",
	"children": [{
		"id": "stock", "type": "branch", "label": "In stock?",
		"conditionObj": {"type": "comparison", "left": "quantity", "op": ">", "right": 0},
		"branches": {
			"true": {
				"id": "amount", "type": "branch", "label": "Auto-approve?",
				"conditionObj": {"type": "range", "left": "amount", "min": 0, "max": 1000},
				"branches": {
					"true": {"id": "approve", "type": "terminal", "label": "Approve"},
					"false": {
						"id": "review", "type": "action", "label": "Manual review",
						"children": [{"id": "decide", "type": "terminal", "label": "Reviewer decides"}]
					}
				}
			},
			"false": {"id": "restock", "type": "terminal", "label": "Notify restock"}
		}
	}]
}`

func main() {
	var doc schema.NodeDocument
	if err := json.Unmarshal([]byte(sampleWorkflow), &doc); err != nil {
		fail("decode sample", err)
	}
	t, err := tree.FromDocument(&doc)
	if err != nil {
		fail("build tree", err)
	}

	ctx := context.Background()
	path, err := traversal.NewEngine(nil).Run(ctx, t, map[string]any{"quantity": 3, "amount": 250})
	if err != nil {
		fail("run sample", err)
	}

	model, err := diagram.Build(t, path)
	if err != nil {
		fail("build diagram", err)
	}

	outDir := filepath.Join("docs", "assets")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fail("create output dir", err)
	}

	// ASCII (mermaid-ascii with hand-rolled fallback)
	home, _ := os.UserHomeDir()
	binDir := filepath.Join(home, ".flowtree", "bin")
	ascii := diagram.RenderASCIIAuto(model, binDir)
	write(filepath.Join(outDir, "diagram-ascii.txt"), []byte(ascii))
	fmt.Println("=== ASCII ===")
	fmt.Println(ascii)

	mermaid := diagram.RenderMermaid(model)
	write(filepath.Join(outDir, "diagram-mermaid.md"), []byte("```mermaid\n"+mermaid+"\n```\n"))
	fmt.Println("=== Mermaid ===")
	fmt.Println(mermaid)

	png, err := diagram.RenderImage(ctx, model)
	if err != nil {
		fmt.Fprintf(os.Stderr, "image error: %v\n", err)
		return
	}
	pngPath := filepath.Join(outDir, "diagram-sample.png")
	write(pngPath, png)
	fmt.Printf("=== Image (PNG) ===\nWritten: %s (%d bytes)\n", pngPath, len(png))
}

func write(path string, data []byte) {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fail("write "+path, err)
	}
}

func fail(what string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}
