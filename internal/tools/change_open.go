package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"pkt.systems/taskd/api"
	"pkt.systems/taskd/internal/dispatch"
	"pkt.systems/taskd/internal/lock"
	"pkt.systems/taskd/internal/resourceuri"
	"pkt.systems/taskd/internal/uuidv7"
)

// OpenChange implements the change.open tool: create a new change directory
// under the exclusive change lock.
type OpenChange struct {
	Store *Store
}

func (t *OpenChange) Name() string { return "change.open" }

func (t *OpenChange) InputSchema() dispatch.Schema {
	return dispatch.Schema{Fields: []dispatch.Field{
		{Name: "title", Type: dispatch.FieldString, Required: true, MaxLength: 200},
		{Name: "slug", Type: dispatch.FieldString, Required: true, MaxLength: resourceuri.MaxSlugLength},
		{Name: "template", Type: dispatch.FieldString, MaxLength: 32},
		{Name: "rationale", Type: dispatch.FieldString, MaxLength: 2000},
		{Name: "owner", Type: dispatch.FieldString, MaxLength: 128},
		{Name: "ttl", Type: dispatch.FieldInt},
	}}
}

func (t *OpenChange) Execute(ctx context.Context, input map[string]any) (any, error) {
	slug := dispatch.StringArg(input, "slug")
	if !resourceuri.IsValidSlug(slug) {
		return nil, api.Failure{
			Code:       api.CodeInvalidInput,
			Detail:     fmt.Sprintf("invalid slug %q", slug),
			Hint:       "slugs are lowercase alphanumerics and hyphens, at most 64 characters",
			HTTPStatus: 400,
		}
	}
	template := dispatch.StringArg(input, "template")
	if template == "" {
		template = "feature"
	}
	body, ok := templates[template]
	if !ok {
		return nil, api.Failure{
			Code:       api.CodeInvalidInput,
			Detail:     fmt.Sprintf("unknown template %q", template),
			Hint:       "use one of: " + strings.Join(TemplateNames(), ", "),
			HTTPStatus: 400,
		}
	}
	owner := dispatch.StringArg(input, "owner")
	if owner == "" {
		owner = uuidv7.NewString()
	}
	ttl := time.Duration(dispatch.IntArg(input, "ttl", 0)) * time.Second
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	var result map[string]any
	err := lock.WithLock(ctx, t.Store.locks, slug, owner, ttl, func(ctx context.Context) error {
		if t.Store.exists(slug) {
			return api.Failure{
				Code:       api.CodeChangeExists,
				Detail:     fmt.Sprintf("change %q already exists", slug),
				HTTPStatus: 409,
			}
		}
		// Mkdir, not MkdirAll: directory creation is the commit point, so a
		// racing open loses with EEXIST instead of sharing the directory.
		if err := os.Mkdir(t.Store.changePath(slug), 0o755); err != nil {
			if errors.Is(err, fs.ErrExist) {
				return api.Failure{
					Code:       api.CodeChangeExists,
					Detail:     fmt.Sprintf("change %q already exists", slug),
					HTTPStatus: 409,
				}
			}
			return fmt.Errorf("create change dir: %w", err)
		}
		title := dispatch.StringArg(input, "title")
		createdAt := t.Store.clock.Now()
		meta := changeMeta{
			Title:     title,
			Template:  template,
			Rationale: dispatch.StringArg(input, "rationale"),
			Owner:     owner,
			CreatedAt: createdAt,
		}
		if err := t.Store.writeMeta(slug, meta); err != nil {
			return err
		}
		content := fmt.Sprintf("# %s\n\n%s", title, body)
		if err := os.WriteFile(
			t.Store.changePath(slug)+"/"+changeFileName,
			[]byte(content), 0o644,
		); err != nil {
			return fmt.Errorf("write change file: %w", err)
		}
		t.Store.logger.Info("change.open.ok", "slug", slug, "template", template, "owner", owner)
		result = map[string]any{
			"slug":      slug,
			"uri":       "change://" + slug,
			"template":  template,
			"createdAt": createdAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
