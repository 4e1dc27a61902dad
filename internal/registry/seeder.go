package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/ModuleRuntime/backend/internal/compiler"
)

// Seeder compiles module source directories from disk into the registry
type Seeder struct {
	manager  *Manager
	compiler *compiler.Compiler
	dir      string
	pattern  string
	log      *zap.Logger
}

// SeedResult counts the outcome of one seeding pass
type SeedResult struct {
	Loaded int
	Failed int
}

// NewSeeder creates a seeder for the module directories under dir whose
// names match pattern (a doublestar glob, "*" when empty)
func NewSeeder(manager *Manager, c *compiler.Compiler, dir, pattern string, log *zap.Logger) *Seeder {
	if pattern == "" {
		pattern = "*"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Seeder{manager: manager, compiler: c, dir: dir, pattern: pattern, log: log.Named("seeder")}
}

// Seed compiles and registers every matching module directory. A module
// that fails to compile is logged and counted; it does not stop the pass.
func (s *Seeder) Seed(ctx context.Context) (SeedResult, error) {
	var result SeedResult
	if !doublestar.ValidatePattern(s.pattern) {
		return result, fmt.Errorf("invalid seed pattern %q", s.pattern)
	}

	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		s.log.Warn("Modules directory not found", zap.String("dir", s.dir))
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("read modules directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if ok, _ := doublestar.Match(s.pattern, e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := s.seedOne(ctx, name); err != nil {
			s.log.Warn("Failed to seed module", zap.String("dir", name), zap.Error(err))
			result.Failed++
			continue
		}
		result.Loaded++
	}
	s.log.Info("Seeding complete", zap.Int("loaded", result.Loaded), zap.Int("failed", result.Failed))
	return result, nil
}

func (s *Seeder) seedOne(ctx context.Context, name string) error {
	files, err := compiler.LoadDir(ctx, filepath.Join(s.dir, name))
	if err != nil {
		return err
	}
	mod, err := s.compiler.Compile(compiler.Input{Files: files})
	if err != nil {
		return err
	}
	if mod.Manifest.ID == "" {
		// no manifest file named the module: use the directory name
		mod, err = s.compiler.Compile(compiler.Input{Files: files, Manifest: compiler.Manifest{ID: name}})
		if err != nil {
			return err
		}
	}
	_, err = s.manager.Save(ctx, mod)
	return err
}
