// Package pipeline holds the built-in geospatial job definitions and their
// task handlers. Handlers are pure functions of their inputs: invoked twice
// with the same task they produce the same result, which is what makes
// at-least-once delivery safe end to end.
package pipeline

import (
	"context"
	"fmt"

	"github.com/rob634/rmhgeoapi-sub017/pkg/core"
	"github.com/rob634/rmhgeoapi-sub017/pkg/orchestrate"
	"github.com/rob634/rmhgeoapi-sub017/pkg/registry"
)

// Job and task type names for the raster ingestion pipeline.
const (
	JobTypeRasterIngest = "raster_ingest"

	TaskTypeRasterAnalyze = "raster_analyze"
	TaskTypeRasterTile    = "raster_tile"
	TaskTypeRasterCatalog = "raster_catalog"
)

const defaultTileSize = 512

// RasterIngestDefinition builds the three-stage raster ingestion job:
// analyze the source image, tile it in parallel, then catalog each tile
// against its originating tile task.
func RasterIngestDefinition() *registry.JobDefinition {
	return &registry.JobDefinition{
		JobType: JobTypeRasterIngest,
		Stages: []core.StageDescriptor{
			{Number: 1, Name: "analyze", TaskType: TaskTypeRasterAnalyze, Parallelism: core.ParallelismSingle},
			{Number: 2, Name: "tile", TaskType: TaskTypeRasterTile, Parallelism: core.ParallelismFanOut, DependsOn: 1},
			{Number: 3, Name: "catalog", TaskType: TaskTypeRasterCatalog, Parallelism: core.ParallelismMatchPrevious, DependsOn: 2},
		},
		GenerateTasks: generateTileTasks,
	}
}

// Register adds all built-in pipelines to the registry.
func Register(reg *registry.Registry) error {
	if err := reg.RegisterJob(RasterIngestDefinition()); err != nil {
		return err
	}
	if err := reg.RegisterHandler(TaskTypeRasterAnalyze, AnalyzeRaster); err != nil {
		return err
	}
	if err := reg.RegisterHandler(TaskTypeRasterTile, TileRaster); err != nil {
		return err
	}
	if err := reg.RegisterHandler(TaskTypeRasterCatalog, CatalogTile); err != nil {
		return err
	}

	if err := reg.RegisterJob(CollectionRefreshDefinition()); err != nil {
		return err
	}
	if err := reg.RegisterHandler(TaskTypeCollectionList, ListCollections); err != nil {
		return err
	}
	return reg.RegisterHandler(TaskTypeCollectionRefresh, RefreshCollection)
}

// AnalyzeRaster inspects the source raster and records the tile grid the
// fan-out stage will expand. Production deployments read the raster header
// here; dimensions arriving in the parameters keep the handler honest about
// what the downstream stages actually need.
func AnalyzeRaster(ctx context.Context, in registry.TaskInput) (registry.TaskResult, error) {
	source, _ := in.Parameters["source"].(string)
	if source == "" {
		return nil, fmt.Errorf("raster_analyze: missing source parameter")
	}

	width := intParam(in.Parameters, "width", 0)
	height := intParam(in.Parameters, "height", 0)
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("raster_analyze: source %q has no usable dimensions", source)
	}
	tileSize := intParam(in.Parameters, "tile_size", defaultTileSize)
	if tileSize <= 0 {
		tileSize = defaultTileSize
	}

	tilesX := (width + tileSize - 1) / tileSize
	tilesY := (height + tileSize - 1) / tileSize

	return registry.TaskResult{
		"source":     source,
		"width":      width,
		"height":     height,
		"tile_size":  tileSize,
		"tiles_x":    tilesX,
		"tiles_y":    tilesY,
		"tile_count": tilesX * tilesY,
	}, nil
}

// generateTileTasks expands stage 2 into one task per grid cell, using the
// analysis stage's recorded grid. It depends only on the job parameters and
// prior stage results, so a redelivered expansion reproduces the same list.
func generateTileTasks(stage core.StageDescriptor, params map[string]any, prior map[int]map[string]any) ([]registry.TaskSpec, error) {
	analysis, err := singleTaskResult(prior, stage.DependsOn)
	if err != nil {
		return nil, fmt.Errorf("raster_ingest stage %d: %w", stage.Number, err)
	}

	tilesX := intParam(analysis, "tiles_x", 0)
	tilesY := intParam(analysis, "tiles_y", 0)
	if tilesX <= 0 || tilesY <= 0 {
		return nil, fmt.Errorf("raster_ingest stage %d: analysis produced empty tile grid", stage.Number)
	}

	specs := make([]registry.TaskSpec, 0, tilesX*tilesY)
	for y := 0; y < tilesY; y++ {
		for x := 0; x < tilesX; x++ {
			tileParams := map[string]any{
				"source":    analysis["source"],
				"width":     analysis["width"],
				"height":    analysis["height"],
				"tile_size": analysis["tile_size"],
				"tile_x":    x,
				"tile_y":    y,
			}
			specs = append(specs, registry.TaskSpec{
				Key:        fmt.Sprintf("x%d-y%d", x, y),
				Parameters: tileParams,
			})
		}
	}
	return specs, nil
}

// TileRaster cuts one tile out of the source raster. The pixel window is
// clamped at the right and bottom edges where the grid overhangs the image.
func TileRaster(ctx context.Context, in registry.TaskInput) (registry.TaskResult, error) {
	source, _ := in.Parameters["source"].(string)
	width := intParam(in.Parameters, "width", 0)
	height := intParam(in.Parameters, "height", 0)
	tileSize := intParam(in.Parameters, "tile_size", defaultTileSize)
	tileX := intParam(in.Parameters, "tile_x", -1)
	tileY := intParam(in.Parameters, "tile_y", -1)
	if tileX < 0 || tileY < 0 {
		return nil, fmt.Errorf("raster_tile: missing tile coordinates")
	}

	offX := tileX * tileSize
	offY := tileY * tileSize
	if offX >= width || offY >= height {
		return nil, fmt.Errorf("raster_tile: tile (%d,%d) outside image %dx%d", tileX, tileY, width, height)
	}
	winW := min(tileSize, width-offX)
	winH := min(tileSize, height-offY)

	return registry.TaskResult{
		"source": source,
		"tile":   fmt.Sprintf("%d_%d", tileX, tileY),
		"path":   fmt.Sprintf("tiles/%d_%d.tif", tileX, tileY),
		"off_x":  offX,
		"off_y":  offY,
		"win_w":  winW,
		"win_h":  winH,
	}, nil
}

// CatalogTile writes the catalog entry for one produced tile. The lineage
// result from the tile stage arrives as the predecessor input.
func CatalogTile(ctx context.Context, in registry.TaskInput) (registry.TaskResult, error) {
	if in.Predecessor == nil {
		return nil, fmt.Errorf("raster_catalog: missing predecessor result")
	}
	tile, _ := in.Predecessor["tile"].(string)
	path, _ := in.Predecessor["path"].(string)
	if tile == "" || path == "" {
		return nil, fmt.Errorf("raster_catalog: predecessor result lacks tile identity")
	}
	source, _ := in.Predecessor["source"].(string)

	return registry.TaskResult{
		"item_id":    fmt.Sprintf("%s-%s", core.ShortJobID(in.JobID), tile),
		"asset_path": path,
		"source":     source,
	}, nil
}

// singleTaskResult extracts the result of a stage that ran exactly one task.
func singleTaskResult(prior map[int]map[string]any, stage int) (map[string]any, error) {
	stageResult, ok := prior[stage]
	if !ok {
		return nil, fmt.Errorf("no recorded result for stage %d", stage)
	}
	tasks, ok := stageResult[orchestrate.TasksKey].(map[string]any)
	if !ok || len(tasks) == 0 {
		return nil, fmt.Errorf("stage %d result has no task entries", stage)
	}
	if len(tasks) != 1 {
		return nil, fmt.Errorf("stage %d ran %d tasks, expected one", stage, len(tasks))
	}
	for _, v := range tasks {
		if m, ok := v.(map[string]any); ok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("stage %d task result is not a map", stage)
}

// intParam reads a numeric parameter, tolerating the float64 that JSON
// round-trips produce.
func intParam(m map[string]any, key string, fallback int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
