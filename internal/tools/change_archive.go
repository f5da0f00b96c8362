package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"pkt.systems/taskd/api"
	"pkt.systems/taskd/internal/dispatch"
	"pkt.systems/taskd/internal/lock"
	"pkt.systems/taskd/internal/resourceuri"
	"pkt.systems/taskd/internal/uuidv7"
)

// ArchiveChange implements the change.archive tool: move a change out of the
// active listing under the exclusive change lock.
type ArchiveChange struct {
	Store *Store
}

func (t *ArchiveChange) Name() string { return "change.archive" }

func (t *ArchiveChange) InputSchema() dispatch.Schema {
	return dispatch.Schema{Fields: []dispatch.Field{
		{Name: "slug", Type: dispatch.FieldString, Required: true, MaxLength: resourceuri.MaxSlugLength},
	}}
}

func (t *ArchiveChange) Execute(ctx context.Context, input map[string]any) (any, error) {
	slug := dispatch.StringArg(input, "slug")
	if !resourceuri.IsValidSlug(slug) {
		return nil, api.Failure{
			Code:       api.CodeInvalidInput,
			Detail:     fmt.Sprintf("invalid slug %q", slug),
			HTTPStatus: 400,
		}
	}
	owner := uuidv7.NewString()

	var result map[string]any
	err := lock.WithLock(ctx, t.Store.locks, slug, owner, DefaultLockTTL, func(ctx context.Context) error {
		if !t.Store.exists(slug) {
			return api.Failure{
				Code:       api.CodeChangeNotFound,
				Detail:     fmt.Sprintf("change %q does not exist", slug),
				HTTPStatus: 404,
			}
		}
		archivedAt := t.Store.clock.Now()
		archivedName := fmt.Sprintf("%s-%d", slug, archivedAt.UnixMilli())
		dest := filepath.Join(t.Store.ArchiveDir(), archivedName)
		if err := os.Rename(t.Store.changePath(slug), dest); err != nil {
			return fmt.Errorf("archive change: %w", err)
		}
		t.Store.logger.Info("change.archive.ok", "slug", slug, "archived_as", archivedName)
		result = map[string]any{
			"slug":       slug,
			"archivedAs": archivedName,
			"archivedAt": archivedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
