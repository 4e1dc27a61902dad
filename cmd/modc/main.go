// Command modc compiles a module source directory into a bundle on disk:
// the self-contained document, the combined script and styles, and the
// resolved manifest.
//
// Usage:
//
//	modc -out dist/clock ./modules/clock
//	modc -id weather -version 1.2.0 -dep lodash=https://cdn.example.com/lodash.js ./weather
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/compiler"
	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/infrastructure/logging"
)

// depFlags collects repeated -dep name=url flags
type depFlags []compiler.Dependency

func (d *depFlags) String() string {
	parts := make([]string, len(*d))
	for i, dep := range *d {
		parts[i] = dep.Name + "=" + dep.URL
	}
	return strings.Join(parts, ",")
}

func (d *depFlags) Set(v string) error {
	name, url, ok := strings.Cut(v, "=")
	if !ok || name == "" || url == "" {
		return fmt.Errorf("dependency %q must be name=url", v)
	}
	*d = append(*d, compiler.Dependency{Name: name, URL: url})
	return nil
}

func main() {
	out := flag.String("out", "", "Output directory (default: <dir>/dist)")
	moduleID := flag.String("id", "", "Module ID (overrides the manifest file)")
	version := flag.String("version", "", "Module version (overrides the manifest file)")
	verbose := flag.Bool("v", false, "Verbose logging")
	var deps depFlags
	flag.Var(&deps, "dep", "Dependency as name=url (repeatable)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: modc [flags] <module dir>\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	logger := logging.NewNop()
	if *verbose {
		logger = logging.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()

	if err := run(flag.Arg(0), *out, compiler.Manifest{ID: *moduleID, Version: *version}, deps, logger.Logger); err != nil {
		fmt.Fprintln(os.Stderr, "modc:", err)
		os.Exit(1)
	}
}

func run(dir, out string, manifest compiler.Manifest, deps []compiler.Dependency, log *zap.Logger) error {
	files, err := compiler.LoadDir(context.Background(), dir)
	if err != nil {
		return err
	}
	c := compiler.New(log)
	mod, err := c.Compile(compiler.Input{Files: files, Manifest: manifest, Dependencies: deps})
	if err != nil {
		return err
	}
	if mod.Manifest.ID == "" {
		// no manifest named the module: use the directory name
		manifest.ID = filepath.Base(filepath.Clean(dir))
		if mod, err = c.Compile(compiler.Input{Files: files, Manifest: manifest, Dependencies: deps}); err != nil {
			return err
		}
	}

	if out == "" {
		out = filepath.Join(dir, "dist")
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}

	manifestJSON, err := sonic.ConfigStd.MarshalIndent(mod.Manifest, "", "  ")
	if err != nil {
		return err
	}
	importMapJSON, err := sonic.ConfigStd.MarshalIndent(mod.ImportMap, "", "  ")
	if err != nil {
		return err
	}

	outputs := map[string][]byte{
		"index.html":     []byte(mod.HTML),
		"module.js":      []byte(mod.JavaScript),
		"manifest.json":  append(manifestJSON, '\n'),
		"importmap.json": append(importMapJSON, '\n'),
	}
	if mod.CSS != "" {
		outputs["module.css"] = []byte(mod.CSS)
	}
	for name, data := range outputs {
		if err := os.WriteFile(filepath.Join(out, name), data, 0o644); err != nil {
			return err
		}
	}

	fmt.Printf("%s %s -> %s (%s)\n", mod.Manifest.ID, mod.Manifest.Version, out, mod.Hash()[:12])
	return nil
}
