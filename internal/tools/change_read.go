package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"pkt.systems/taskd/api"
	"pkt.systems/taskd/internal/dispatch"
	"pkt.systems/taskd/internal/resourceuri"
)

// maxReadBytes bounds the file content a single change.read returns.
const maxReadBytes = 1 << 20

// ReadChange implements the change.read tool: resolve a change:// URI to a
// file inside the change directory and return its content.
type ReadChange struct {
	Store *Store
}

func (t *ReadChange) Name() string { return "change.read" }

func (t *ReadChange) InputSchema() dispatch.Schema {
	return dispatch.Schema{Fields: []dispatch.Field{
		{Name: "uri", Type: dispatch.FieldString, Required: true, MaxLength: 1024},
	}}
}

func (t *ReadChange) Execute(ctx context.Context, input map[string]any) (any, error) {
	raw := dispatch.StringArg(input, "uri")
	res, err := resourceuri.Parse(raw)
	if err != nil {
		return nil, api.Failure{
			Code:       api.CodeInvalidInput,
			Detail:     err.Error(),
			HTTPStatus: 400,
		}
	}
	if res.Scheme != "change" {
		return nil, api.Failure{
			Code:       api.CodeInvalidInput,
			Detail:     fmt.Sprintf("unsupported scheme %q", res.Scheme),
			Hint:       "use change://<slug>[/path]",
			HTTPStatus: 400,
		}
	}
	// The verdict gate is what keeps segments out of the filesystem until
	// traversal and slug checks pass.
	if verdict := res.Verdict(); !verdict.Safe() {
		return nil, api.Failure{
			Code:       api.CodeInvalidInput,
			Detail:     fmt.Sprintf("unsafe resource identifier %q", raw),
			Details:    verdict,
			HTTPStatus: 400,
		}
	}
	if !t.Store.exists(res.Slug) {
		return nil, api.Failure{
			Code:       api.CodeChangeNotFound,
			Detail:     fmt.Sprintf("change %q does not exist", res.Slug),
			HTTPStatus: 404,
		}
	}

	rel := res.Path()
	if rel == "" {
		rel = changeFileName
	}
	target := filepath.Join(t.Store.changePath(res.Slug), rel)
	info, err := os.Stat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, api.Failure{
				Code:       api.CodeChangeNotFound,
				Detail:     fmt.Sprintf("resource %q does not exist", raw),
				HTTPStatus: 404,
			}
		}
		return nil, fmt.Errorf("stat resource: %w", err)
	}
	if info.IsDir() || info.Size() > maxReadBytes {
		return nil, api.Failure{
			Code:       api.CodeInvalidInput,
			Detail:     "resource is not a readable file",
			HTTPStatus: 400,
		}
	}
	content, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("read resource: %w", err)
	}
	return map[string]any{
		"uri":         raw,
		"contentType": resourceuri.ContentTypeHint(rel),
		"content":     string(content),
		"size":        info.Size(),
	}, nil
}
