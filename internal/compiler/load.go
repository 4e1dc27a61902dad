package compiler

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/charlievieth/fastwalk"
	"github.com/saintfish/chardet"
)

// maxSourceSize bounds a single file read by LoadDir
const maxSourceSize = 4 << 20

var skipDirs = map[string]bool{
	"node_modules": true,
	"dist":         true,
	"build":        true,
}

// LoadDir reads a module directory into compiler inputs. Files are returned
// sorted by path so repeated loads compile identically. Hidden entries,
// dependency folders and files of unknown kind are skipped.
func LoadDir(ctx context.Context, dir string) ([]SourceFile, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dir, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	var (
		mu    sync.Mutex
		files []SourceFile
	)
	conf := fastwalk.Config{Follow: false}
	err = fastwalk.Walk(&conf, root, func(p string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if p != root && (strings.HasPrefix(name, ".") || skipDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		kind := KindFromPath(name)
		if kind == "" {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if fi.Size() > maxSourceSize {
			return fmt.Errorf("%s exceeds %d bytes", p, maxSourceSize)
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if !utf8.Valid(content) {
			return fmt.Errorf("%s is not UTF-8%s", p, guessCharset(content))
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		mu.Lock()
		files = append(files, SourceFile{
			Path:    filepath.ToSlash(rel),
			Kind:    kind,
			Content: string(content),
		})
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// guessCharset names the likely encoding of content for error messages
func guessCharset(content []byte) string {
	best, err := chardet.NewTextDetector().DetectBest(content)
	if err != nil || best.Charset == "" {
		return ""
	}
	return " (detected " + best.Charset + ")"
}
