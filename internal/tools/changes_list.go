package tools

import (
	"context"

	"pkt.systems/taskd/internal/dispatch"
	"pkt.systems/taskd/internal/pagination"
)

func listingSchema(extra ...dispatch.Field) dispatch.Schema {
	fields := []dispatch.Field{
		{Name: "page", Type: dispatch.FieldInt},
		{Name: "pageSize", Type: dispatch.FieldInt},
		{Name: "pageToken", Type: dispatch.FieldString, MaxLength: pagination.MaxTokenLength},
	}
	return dispatch.Schema{Fields: append(fields, extra...)}
}

func listingQuery(input map[string]any) pagination.Query {
	return pagination.Query{
		Page:      dispatch.IntArg(input, "page", 1),
		PageSize:  dispatch.IntArg(input, "pageSize", pagination.DefaultPageSize),
		PageToken: dispatch.StringArg(input, "pageToken"),
	}
}

// ActiveChanges implements the changes.active tool: page through the active
// change set in (mtime DESC, slug ASC) order.
type ActiveChanges struct {
	Engine *pagination.Engine
}

func (t *ActiveChanges) Name() string { return "changes.active" }

func (t *ActiveChanges) InputSchema() dispatch.Schema {
	return listingSchema()
}

func (t *ActiveChanges) Execute(ctx context.Context, input map[string]any) (any, error) {
	return t.Engine.List(ctx, listingQuery(input))
}

// ListChanges implements the changes.list tool: like changes.active, with an
// optional merged view over the archive.
type ListChanges struct {
	// Active lists only the active root; Full adds the archive directory.
	Active *pagination.Engine
	Full   *pagination.Engine
}

func (t *ListChanges) Name() string { return "changes.list" }

func (t *ListChanges) InputSchema() dispatch.Schema {
	return listingSchema(dispatch.Field{Name: "includeArchived", Type: dispatch.FieldBool})
}

func (t *ListChanges) Execute(ctx context.Context, input map[string]any) (any, error) {
	engine := t.Active
	if dispatch.BoolArg(input, "includeArchived") {
		engine = t.Full
	}
	return engine.List(ctx, listingQuery(input))
}
