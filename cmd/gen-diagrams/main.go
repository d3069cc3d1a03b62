// gen-diagrams renders every example definition to Mermaid and ASCII for the
// documentation.
// Run: go run ./cmd/gen-diagrams
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rendis/chatflow/internal/diagram"
	"github.com/rendis/chatflow/internal/repository"
)

func main() {
	src := filepath.Join("examples", "definitions")
	outDir := filepath.Join("docs", "diagrams")

	repo, err := repository.NewFileRepository(src, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load definitions: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create %s: %v\n", outDir, err)
		os.Exit(1)
	}

	for _, def := range repo.Definitions() {
		model, err := diagram.Build(def, nil, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", def.ID, err)
			os.Exit(1)
		}
		base := filepath.Join(outDir, fmt.Sprintf("%s-v%d", def.ID, def.Version))

		mermaid := diagram.RenderMermaid(model)
		if err := os.WriteFile(base+".md", []byte("```mermaid\n"+mermaid+"\n```\n"), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "write %s.md: %v\n", base, err)
			os.Exit(1)
		}
		ascii := diagram.RenderASCII(model)
		if err := os.WriteFile(base+".txt", []byte(ascii), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "write %s.txt: %v\n", base, err)
			os.Exit(1)
		}
		fmt.Printf("=== %s v%d ===\n%s\n", def.ID, def.Version, ascii)
	}
}
