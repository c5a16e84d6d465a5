// Command lendcheck is a static regression guard for pagetable's
// statelessness invariant (spec.md §4.1, §5): every exported function
// takes the caller's *mem.Physmem_t/*vm.AddressSpace_t by pointer, and
// none of those pointers should ever become reachable from a
// package-level variable — that would mean an address space or frame
// table got cached behind the dispatcher's back, breaking the
// single-writer discipline the dispatcher relies on for every page-table
// edit.
//
// Built on golang.org/x/tools/go/pointer, which requires every analysis
// root to be a real main package: this loads corvid/cmd/kernel (the
// kernel's own entry point, which imports pagetable transitively through
// hosted/dispatch) as pointer.Config.Mains, while the actual queries are
// the pointer-shaped parameters of pagetable's exported functions.
package main

import (
	"fmt"
	"go/types"
	"os"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/pointer"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

const (
	targetPackage = "corvid/pagetable"
	mainPackage   = "corvid/cmd/kernel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "lendcheck:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedImports |
			packages.NeedDeps | packages.NeedTypes | packages.NeedSyntax |
			packages.NeedTypesInfo,
	}
	pkgs, err := packages.Load(cfg, mainPackage, targetPackage)
	if err != nil {
		return err
	}
	if packages.PrintErrors(pkgs) > 0 {
		return fmt.Errorf("package load errors loading %s/%s", mainPackage, targetPackage)
	}

	prog, ssaPkgs := ssautil.AllPackages(pkgs, ssa.SanityCheckFunctions)
	prog.Build()

	var target, mainPkg *ssa.Package
	for i, p := range pkgs {
		switch p.PkgPath {
		case targetPackage:
			target = ssaPkgs[i]
		case mainPackage:
			mainPkg = ssaPkgs[i]
		}
	}
	if target == nil {
		return fmt.Errorf("%s not found after SSA build", targetPackage)
	}
	if mainPkg == nil {
		return fmt.Errorf("%s not found after SSA build", mainPackage)
	}

	var queries []ssa.Value
	for _, member := range target.Members {
		fn, ok := member.(*ssa.Function)
		if !ok || !fn.Object().Exported() {
			continue
		}
		for _, param := range fn.Params {
			if isPointerShaped(param.Type()) {
				queries = append(queries, param)
			}
		}
	}
	if len(queries) == 0 {
		fmt.Println("lendcheck: no pointer-shaped parameter found on any exported pagetable function; nothing to check")
		return nil
	}

	cfgp := &pointer.Config{
		Mains:          []*ssa.Package{mainPkg},
		BuildCallGraph: false,
	}
	for _, q := range queries {
		cfgp.AddQuery(q)
	}
	result, err := pointer.Analyze(cfgp)
	if err != nil {
		return err
	}

	leaked := 0
	for v, ptr := range result.Queries {
		for _, label := range ptr.PointsTo().Labels() {
			lv := label.Value()
			if lv == nil {
				continue
			}
			if g, ok := lv.(*ssa.Global); ok {
				fmt.Printf("lendcheck: %s may be cached in global %s\n", v.Name(), g.Name())
				leaked++
			}
		}
	}
	if leaked > 0 {
		return fmt.Errorf("%d pagetable parameter(s) reachable from a package-level global", leaked)
	}
	fmt.Println("lendcheck: ok")
	return nil
}

// isPointerShaped reports whether t is a pointer type, the shape every
// *mem.Physmem_t/*vm.AddressSpace_t argument pagetable's exported
// functions take.
func isPointerShaped(t types.Type) bool {
	_, ok := t.(*types.Pointer)
	return ok
}
