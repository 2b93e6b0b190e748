// File path: internal/fetcher/fetcher.go
package fetcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/opsforge/bundleindex/internal/common"
	"github.com/opsforge/bundleindex/internal/common/telemetry"
)

// File kinds recognized inside a codebundle directory.
const (
	KindTask      = "task"
	KindDiscovery = "discovery"
	KindReadme    = "readme"
	KindDoc       = "doc"
)

// Repo identifies one collection source to clone.
type Repo struct {
	Slug string
	Name string
	URL  string
	Ref  string
}

// File is one classified file from a cloned repository. Path is relative to
// the repository root and always uses forward slashes.
type File struct {
	Path    string
	Kind    string
	Content string
}

// Snapshot is the scan result of a single clone.
type Snapshot struct {
	Repo   Repo
	Commit string
	Files  []File
}

// Result pairs a snapshot with its error so a batch fetch can report
// per-repository outcomes.
type Result struct {
	Snapshot Snapshot
	Err      error
}

type Fetcher struct {
	cfg Config
}

func New(cfg Config) *Fetcher {
	cfg.applyDefaults()
	return &Fetcher{cfg: cfg}
}

// Fetch clones the repository at its configured ref into the workdir and
// scans it for codebundle files. An existing clone for the same slug is
// removed first so every fetch observes a fresh checkout.
func (f *Fetcher) Fetch(ctx context.Context, repo Repo) (Snapshot, error) {
	slug := strings.TrimSpace(repo.Slug)
	if slug == "" {
		return Snapshot{}, fmt.Errorf("repository slug cannot be empty")
	}
	if strings.TrimSpace(repo.URL) == "" {
		return Snapshot{}, fmt.Errorf("repository %s has no URL", slug)
	}
	target := filepath.Join(f.cfg.Workdir, slug)
	if err := os.RemoveAll(target); err != nil {
		return Snapshot{}, fmt.Errorf("clear previous clone: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Snapshot{}, fmt.Errorf("create workdir: %w", err)
	}

	cloneCtx, cancel := context.WithTimeout(ctx, f.cfg.CloneTimeout)
	defer cancel()
	opts := &git.CloneOptions{URL: repo.URL, Depth: 1}
	if ref := strings.TrimSpace(repo.Ref); ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(ref)
		opts.SingleBranch = true
	}
	cloned, err := git.PlainCloneContext(cloneCtx, target, false, opts)
	if err != nil {
		return Snapshot{}, fmt.Errorf("clone %s: %w", repo.URL, err)
	}
	head, err := cloned.Head()
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolve head for %s: %w", slug, err)
	}

	files, err := f.scan(target)
	if err != nil {
		return Snapshot{}, fmt.Errorf("scan %s: %w", slug, err)
	}
	telemetry.RecordIngestBatch("fetcher", len(files))
	common.Logger().Info("fetcher: snapshot captured", "repo", slug, "commit", head.Hash().String(), "files", len(files))
	return Snapshot{Repo: repo, Commit: head.Hash().String(), Files: files}, nil
}

// FetchAll fetches every repository, isolating failures so one broken remote
// cannot abort the rest of the batch.
func (f *Fetcher) FetchAll(ctx context.Context, repos []Repo) []Result {
	results := make([]Result, 0, len(repos))
	for _, repo := range repos {
		snapshot, err := f.Fetch(ctx, repo)
		if err != nil {
			common.Logger().Warn("fetcher: repository fetch failed", "repo", repo.Slug, "error", err)
		}
		results = append(results, Result{Snapshot: snapshot, Err: err})
	}
	return results
}

// scan walks the codebundles tree of a checkout, falling back to the whole
// repository when no codebundles directory exists.
func (f *Fetcher) scan(root string) ([]File, error) {
	scanRoot := filepath.Join(root, "codebundles")
	if info, err := os.Stat(scanRoot); err != nil || !info.IsDir() {
		scanRoot = root
	}
	var files []File
	err := filepath.WalkDir(scanRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		kind := classifyFile(d.Name())
		if kind == "" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		if info.Size() > f.cfg.MaxFileSize {
			common.Logger().Warn("fetcher: skipping oversized file", "path", path, "size", info.Size())
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relativize %s: %w", path, err)
		}
		files = append(files, File{
			Path:    filepath.ToSlash(rel),
			Kind:    kind,
			Content: string(data),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// classifyFile decides whether a file participates in ingestion and how the
// parser should treat it. Unrecognized files are dropped at the scan stage.
func classifyFile(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".robot"):
		return KindTask
	case lower == "readme.md":
		return KindReadme
	case strings.HasSuffix(lower, ".md"):
		return KindDoc
	case strings.HasSuffix(lower, ".yaml"), strings.HasSuffix(lower, ".yml"):
		if strings.Contains(lower, "gen") && strings.Contains(lower, "rule") {
			return KindDiscovery
		}
		return ""
	default:
		return ""
	}
}

// BundleDir extracts the codebundle directory name from a scanned file path,
// e.g. "codebundles/pod_restart_check/runbook.robot" yields
// "pod_restart_check". Files outside a codebundles tree report an empty
// directory.
func BundleDir(path string) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	for i, part := range parts {
		if part == "codebundles" && i+1 < len(parts)-1 {
			return parts[i+1]
		}
	}
	if len(parts) >= 2 {
		return parts[len(parts)-2]
	}
	return ""
}
