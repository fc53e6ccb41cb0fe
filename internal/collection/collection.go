// Package collection resolves a collection's on-disk layout (spec.md §6
// Persisted state layout) and defines the narrow interfaces the core
// pipeline depends on for out-of-scope external collaborators (STAC/S3
// ingestion, Flows2FIM, QGIS, S3 result upload).
package collection

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ngwpc/ripple-pipeline-go/internal/config"
	"github.com/ngwpc/ripple-pipeline-go/internal/model"
)

// Context resolves every path a pipeline run needs for one collection,
// grounded on CollectionData.assign_paths.
type Context struct {
	ID      string
	Cfg     *config.Config
	Env     *config.Env
	RootDir string
}

// New builds a Context for collectionID rooted under
// cfg.Paths.CollectionsRootDir.
func New(collectionID string, cfg *config.Config, env *config.Env) *Context {
	return &Context{
		ID:      collectionID,
		Cfg:     cfg,
		Env:     env,
		RootDir: filepath.Join(cfg.Paths.CollectionsRootDir, collectionID),
	}
}

func (c *Context) DBPath() string           { return filepath.Join(c.RootDir, "ripple.gpkg") }
func (c *Context) SourceModelsDir() string  { return filepath.Join(c.RootDir, "source_models") }
func (c *Context) SubmodelsDir() string     { return filepath.Join(c.RootDir, "submodels") }
func (c *Context) LibraryDir() string       { return filepath.Join(c.RootDir, "library") }
func (c *Context) ExtentLibraryDir() string { return filepath.Join(c.RootDir, "library_extent") }
func (c *Context) F2FStartFile() string     { return filepath.Join(c.RootDir, "start_reaches.csv") }
func (c *Context) FailedJobsReportPath() string {
	return filepath.Join(c.RootDir, "failed_jobs_report.xlsx")
}
func (c *Context) TimedOutJobsReportPath() string {
	return filepath.Join(c.RootDir, "timedout_jobs_report.xlsx")
}

// SubmodelDBPath is the per-reach result DB the remote service produces
// under submodels/<reach_id>/<reach_id>.db.
func (c *Context) SubmodelDBPath(reachID string) string {
	return filepath.Join(c.SubmodelsDir(), reachID, reachID+".db")
}

// CreateFolders creates the source_models/, submodels/, and library/
// subtrees, matching CollectionData.create_folders.
func (c *Context) CreateFolders() error {
	for _, dir := range []string{c.SourceModelsDir(), c.SubmodelsDir(), c.LibraryDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// ModelSource discovers models already present on disk under
// source_models/, mirroring CollectionData.get_models. STAC catalog
// ingestion and S3 downloads are out of scope (spec.md §1 Non-goals);
// callers inject whichever ModelSource populated that directory.
type ModelSource interface {
	Models(ctx context.Context) ([]model.Model, error)
}

// DiskModelSource implements ModelSource by walking source_models/<id>/
// for .gpkg files. A directory without one is skipped; when a directory
// holds several, the first in lexical order names the model and the
// rest are ignored.
type DiskModelSource struct {
	SourceModelsDir string
}

func (d DiskModelSource) Models(ctx context.Context) ([]model.Model, error) {
	entries, err := os.ReadDir(d.SourceModelsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading source models directory %s: %w", d.SourceModelsDir, err)
	}

	var models []model.Model
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		modelDir := filepath.Join(d.SourceModelsDir, entry.Name())
		gpkgFiles, err := filepath.Glob(filepath.Join(modelDir, "*.gpkg"))
		if err != nil {
			return nil, fmt.Errorf("globbing %s: %w", modelDir, err)
		}
		switch {
		case len(gpkgFiles) == 0:
			continue
		default:
			base := filepath.Base(gpkgFiles[0])
			name := base[:len(base)-len(filepath.Ext(base))]
			models = append(models, model.Model{ID: entry.Name(), DisplayName: name})
		}
	}
	return models, nil
}

// PostProcessHooks are the external collaborators invoked after the main
// processing DAG completes: extent-library build, flows2fim start-file
// creation, flows2fim execution, and the QC map copy. Each is optional
// (nil-safe); a failure in any one is logged and swallowed by the driver,
// matching ripple_pipeline.py's try/except-wrapped calls, and never
// affects the pipeline's exit code (spec.md §7).
type PostProcessHooks struct {
	ExtentLibrary func(ctx context.Context) error
	F2FStartFile  func(ctx context.Context, outletReachIDs []string) error
	RunFlows2FIM  func(ctx context.Context) error
	QCMapCopy     func(ctx context.Context) error
}

// S3Mover moves a completed (or failed) collection directory to S3. No
// concrete AWS SDK wiring lives in this module (spec.md §1 Non-goals),
// and no implementation of this interface exists in it:
// cmd/batch-pipeline leaves its mover nil, so no move takes place.
type S3Mover interface {
	Move(ctx context.Context, localDir, collectionID string, success bool) error
}
