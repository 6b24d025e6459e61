package prune

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/oshokin/layer-builder/internal/domain/layer"
	"github.com/oshokin/layer-builder/internal/logger"
)

// Report summarizes a prune pass.
type Report struct {
	// Removed counts removed paths; a removed directory counts once.
	Removed int
	// FreedBytes is the size of removed regular files.
	FreedBytes int64
	// Unmatched lists the rules that removed nothing.
	Unmatched []layer.PruneRule
}

// compiledRule is a rule with its matcher and hit counter.
type compiledRule struct {
	rule    layer.PruneRule
	matcher glob.Glob
	hits    int
}

// Pruner applies a compiled rule set to a staging tree.
type Pruner struct {
	rules []*compiledRule
}

// Compile validates and compiles rules. Globs use '/' as the separator,
// so "*" stays inside one path segment and "**" crosses segments.
func Compile(rules []layer.PruneRule) (*Pruner, error) {
	p := &Pruner{rules: make([]*compiledRule, 0, len(rules))}

	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, err
		}

		matcher, err := glob.Compile(rule.Glob, '/')
		if err != nil {
			return nil, layer.ConfigError(fmt.Sprintf("compile prune glob %q", rule.Glob), err)
		}

		p.rules = append(p.rules, &compiledRule{rule: rule, matcher: matcher})
	}

	return p, nil
}

// Apply removes every path under root matching a rule. root is the staging
// root (".../python"); paths are matched slash-separated and prefixed with
// its base name ("python/pkg/tests"). root itself is never removed.
//
// A rule that matches nothing is a warning, never an error.
func (p *Pruner) Apply(ctx context.Context, root string) (*Report, error) {
	ctx = logger.WithName(ctx, "prune")
	prefix := filepath.Base(root)

	for _, r := range p.rules {
		r.hits = 0
	}

	report := new(Report)
	touched := make(map[string]struct{})

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}

			return walkErr
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		if rel == "." {
			return nil
		}

		rel = prefix + "/" + filepath.ToSlash(rel)

		if !p.match(rel, d.IsDir()) {
			return nil
		}

		freed, err := p.remove(path, rel, d.IsDir())
		if err != nil {
			return fmt.Errorf("prune %s: %w", rel, err)
		}

		logger.DebugKV(ctx, "Pruned", "path", rel)

		report.Removed++
		report.FreedBytes += freed
		touched[filepath.Dir(path)] = struct{}{}

		if d.IsDir() {
			return fs.SkipDir
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if err = removeEmptyDirs(root, touched); err != nil {
		return nil, err
	}

	for _, r := range p.rules {
		if r.hits > 0 {
			continue
		}

		report.Unmatched = append(report.Unmatched, r.rule)
		logger.WarnKV(ctx, "Prune rule matched no path", "rule", r.rule.String())
	}

	return report, nil
}

// match reports whether any rule applying to the path kind matches rel.
// Directory rules apply to files as well, so a glob such as "**/tests/**"
// removes the files it names. File rules never remove directories.
// Every matching rule is counted, so hit counts do not depend on rule order.
func (p *Pruner) match(rel string, isDir bool) bool {
	matched := false

	for _, r := range p.rules {
		if isDir && r.rule.Action != layer.PruneDir {
			continue
		}

		if !r.matcher.Match(rel) {
			continue
		}

		r.hits++
		matched = true
	}

	return matched
}

// remove deletes path and returns the size of regular files it held.
// A path that is already gone is not an error.
func (p *Pruner) remove(path, rel string, isDir bool) (int64, error) {
	if !isDir {
		var size int64
		if info, err := os.Lstat(path); err == nil && info.Mode().IsRegular() {
			size = info.Size()
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return 0, err
		}

		return size, nil
	}

	size, err := p.scanSubtree(path, rel)
	if err != nil {
		return 0, err
	}

	return size, os.RemoveAll(path)
}

// scanSubtree sums regular file sizes under dir and credits the rules
// matching paths inside it, so a rule whose targets go away with a parent
// directory is not reported as unmatched.
func (p *Pruner) scanSubtree(dir, rel string) (int64, error) {
	var size int64

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return err
		}

		if path == dir {
			return nil
		}

		inner, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		p.match(rel+"/"+filepath.ToSlash(inner), d.IsDir())

		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr // A file vanishing mid-walk only skews the estimate.
		}

		size += info.Size()

		return nil
	})

	return size, err
}

// removeEmptyDirs removes directories left empty by pruning, walking up
// towards root. root itself is kept.
func removeEmptyDirs(root string, touched map[string]struct{}) error {
	dirs := make([]string, 0, len(touched))
	for dir := range touched {
		dirs = append(dirs, dir)
	}

	// Deepest first, so parents see their children already gone.
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(filepath.Separator)) > strings.Count(dirs[j], string(filepath.Separator))
	})

	for _, dir := range dirs {
		for {
			rel, err := filepath.Rel(root, dir)
			if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
				break
			}

			entries, err := os.ReadDir(dir)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					break
				}

				return err
			}

			if len(entries) > 0 {
				break
			}

			if err = os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}

			dir = filepath.Dir(dir)
		}
	}

	return nil
}
