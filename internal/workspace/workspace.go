// Package workspace is the filesystem-backed workspace collaborator: it
// serves module source text with modification times, lists and resolves
// assets, and reads the project file describing sets and tracks.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joeycumines/modsandbox/internal/module"
)

// ModuleExt is the file extension of module source files.
const ModuleExt = ".js"

// ErrModuleNotFound is returned for an unknown module ID.
var ErrModuleNotFound = errors.New("workspace: module not found")

// Source is module text together with the modification time it was read at.
type Source struct {
	Text    string
	MtimeMs int64
}

// Workspace is what the core consumes from the workspace collaborator.
type Workspace interface {
	ModuleSource(ctx context.Context, id module.ID) (Source, error)
	ModuleMtime(ctx context.Context, id module.ID) (int64, error)
	ListAssets(ctx context.Context, dir string) ([]string, error)
	ResolveAssetURL(rel string) (string, bool)
}

// Options configures a Dir workspace. Empty fields take the defaults.
type Options struct {
	ModulesDir   string // default "modules"
	AssetsDir    string // default "assets"
	ProjectFile  string // default "project.yaml"
	AssetBaseURL string // default "/assets/"
}

// Dir is a Workspace rooted at a directory.
type Dir struct {
	root    string
	modules string
	assets  string
	project string
	baseURL string
}

var _ Workspace = (*Dir)(nil)

// Open returns a Dir workspace rooted at root. The root must exist.
func Open(root string, opts Options) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat workspace root: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", abs)
	}
	if opts.ModulesDir == "" {
		opts.ModulesDir = "modules"
	}
	if opts.AssetsDir == "" {
		opts.AssetsDir = "assets"
	}
	if opts.ProjectFile == "" {
		opts.ProjectFile = "project.yaml"
	}
	if opts.AssetBaseURL == "" {
		opts.AssetBaseURL = "/assets/"
	}
	if !strings.HasSuffix(opts.AssetBaseURL, "/") {
		opts.AssetBaseURL += "/"
	}
	return &Dir{
		root:    abs,
		modules: filepath.Join(abs, opts.ModulesDir),
		assets:  filepath.Join(abs, opts.AssetsDir),
		project: filepath.Join(abs, opts.ProjectFile),
		baseURL: opts.AssetBaseURL,
	}, nil
}

// Root returns the absolute workspace root.
func (d *Dir) Root() string { return d.root }

// ModulesDir returns the absolute modules directory.
func (d *Dir) ModulesDir() string { return d.modules }

// AssetsDir returns the absolute asset directory.
func (d *Dir) AssetsDir() string { return d.assets }

// AssetBaseURL returns the URL prefix asset URLs resolve under.
func (d *Dir) AssetBaseURL() string { return d.baseURL }

// ModuleSource reads the module text. The mtime is taken from the open file
// handle, so it describes the bytes actually returned.
func (d *Dir) ModuleSource(ctx context.Context, id module.ID) (Source, error) {
	if err := ctx.Err(); err != nil {
		return Source{}, err
	}
	p, err := d.modulePath(id)
	if err != nil {
		return Source{}, err
	}
	f, err := os.Open(p)
	if err != nil {
		return Source{}, notFound(id, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return Source{}, fmt.Errorf("failed to stat module %s: %w", id, err)
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return Source{}, fmt.Errorf("failed to read module %s: %w", id, err)
	}
	return Source{Text: string(b), MtimeMs: fi.ModTime().UnixMilli()}, nil
}

// ModuleMtime returns the module file's modification time in milliseconds.
func (d *Dir) ModuleMtime(ctx context.Context, id module.ID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p, err := d.modulePath(id)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return 0, notFound(id, err)
	}
	return fi.ModTime().UnixMilli(), nil
}

// Modules lists every module ID in the modules directory, sorted.
func (d *Dir) Modules(ctx context.Context) ([]module.ID, error) {
	var ids []module.ID
	err := filepath.WalkDir(d.modules, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() || filepath.Ext(p) != ModuleExt {
			return nil
		}
		rel, err := filepath.Rel(d.modules, p)
		if err != nil {
			return err
		}
		ids = append(ids, module.IDFromPath(rel))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ListAssets returns the sorted file names directly inside an assets
// subdirectory. A missing directory yields an empty list.
func (d *Dir) ListAssets(ctx context.Context, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := d.assetPath(dir)
	if !ok {
		return nil, fmt.Errorf("asset directory %q escapes the assets root", dir)
	}
	entries, err := os.ReadDir(p)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list assets in %q: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ResolveAssetURL maps a path relative to the assets root to a URL. It
// reports false for paths that escape the root or do not exist.
func (d *Dir) ResolveAssetURL(rel string) (string, bool) {
	p, ok := d.assetPath(rel)
	if !ok || p == d.assets {
		return "", false
	}
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	clean, _ := filepath.Rel(d.assets, p)
	segs := strings.Split(filepath.ToSlash(clean), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return d.baseURL + strings.Join(segs, "/"), true
}

func (d *Dir) modulePath(id module.ID) (string, error) {
	if err := id.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrModuleNotFound, err)
	}
	return filepath.Join(d.modules, filepath.FromSlash(string(id))+ModuleExt), nil
}

func (d *Dir) assetPath(rel string) (string, bool) {
	rel = strings.ReplaceAll(rel, "\\", "/")
	if strings.HasPrefix(rel, "/") {
		return "", false
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", false
		}
	}
	clean := strings.TrimPrefix(path.Clean("/"+rel), "/")
	return filepath.Join(d.assets, filepath.FromSlash(clean)), true
}

func notFound(id module.ID, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}
	return fmt.Errorf("failed to open module %s: %w", id, err)
}
