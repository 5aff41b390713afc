package builtin

import (
	"context"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/soyeahso/parley/internal/directive"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/tool"
)

const maxFileBytes = 1 << 20

type makeFileParams struct {
	Name     string `param:"name"`
	Content  string `param:"content"`
	MimeType string `param:"mime"`
}

// makeFile delivers a text file to the user. The bytes travel as an
// artifact; the engine only sees name and size.
func makeFile() tool.Capability {
	return &tool.Func{
		ID:       "make_file",
		Desc:     "Create a text file and send it to the user.",
		External: true,
		Params: `{
			"type": "object",
			"properties": {
				"name": {"type": "string", "minLength": 1},
				"content": {"type": "string"},
				"mime": {"type": "string"}
			},
			"required": ["name", "content"]
		}`,
		Fn: func(_ context.Context, params directive.Params, _ tool.ExecutionContext) (tool.Result, error) {
			var in makeFileParams
			if err := tool.Bind(params, &in); err != nil {
				return tool.Result{}, err
			}
			name := path.Base(strings.ReplaceAll(in.Name, `\`, "/"))
			if name == "." || name == "/" || name == ".." {
				return tool.Fail(fmt.Sprintf("invalid file name %q", in.Name)), nil
			}
			if len(in.Content) > maxFileBytes {
				return tool.Fail(fmt.Sprintf("file too large (%d bytes, max %d)", len(in.Content), maxFileBytes)), nil
			}

			mt := in.MimeType
			if mt == "" {
				mt = mime.TypeByExtension(path.Ext(name))
			}
			if mt == "" {
				mt = "text/plain; charset=utf-8"
			}

			return tool.WithArtifact(
				map[string]any{"name": name, "size": len(in.Content)},
				domain.Artifact{Kind: "file", Name: name, MimeType: mt, Data: []byte(in.Content)},
			), nil
		},
	}
}
