// Program depgraph emits a Graphviz DOT description of the kernel's
// package dependency graph. It resolves the packages in-process
// rather than shelling out to the go tool, so replace-directive
// modules are followed too.
package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/tools/go/packages"
)

func main() {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps,
	}
	pats := os.Args[1:]
	if len(pats) == 0 {
		pats = []string{"./..."}
	}
	pkgs, err := packages.Load(cfg, pats...)
	if err != nil {
		panic(err)
	}
	if packages.PrintErrors(pkgs) > 0 {
		os.Exit(1)
	}

	edges := make(map[string][]string)
	packages.Visit(pkgs, nil, func(p *packages.Package) {
		for _, imp := range p.Imports {
			if strings.Contains(imp.PkgPath, ".") && !strings.Contains(p.PkgPath, ".") {
				// drop a kernel package's imports of external
				// (dotted-path) deps; stdlib imports are kept
				continue
			}
			edges[p.PkgPath] = append(edges[p.PkgPath], imp.PkgPath)
		}
	})

	froms := make([]string, 0, len(edges))
	for f := range edges {
		froms = append(froms, f)
	}
	sort.Strings(froms)

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	fmt.Fprintln(w, "digraph deps {")
	for _, f := range froms {
		tos := edges[f]
		sort.Strings(tos)
		for _, t := range tos {
			fmt.Fprintf(w, "    %q -> %q;\n", f, t)
		}
	}
	fmt.Fprintln(w, "}")
}
