package builtin

import (
	"context"
	"fmt"

	"github.com/soyeahso/parley/internal/directive"
	"github.com/soyeahso/parley/internal/store"
	"github.com/soyeahso/parley/internal/tool"
)

type rememberParams struct {
	Content  string `param:"content"`
	Category string `param:"category"`
}

func remember(notes Notes) tool.Capability {
	return &tool.Func{
		ID:   "remember",
		Desc: "Save a note about this conversation for later recall.",
		Params: `{
			"type": "object",
			"properties": {
				"content": {"type": "string", "minLength": 1},
				"category": {"type": "string"}
			},
			"required": ["content"]
		}`,
		Fn: func(_ context.Context, params directive.Params, ec tool.ExecutionContext) (tool.Result, error) {
			var in rememberParams
			if err := tool.Bind(params, &in); err != nil {
				return tool.Result{}, err
			}
			note, err := notes.Store(store.Note{
				Conversation: ec.Conversation,
				Category:     in.Category,
				Content:      in.Content,
			})
			if err != nil {
				return tool.Result{}, err
			}
			return tool.OK(map[string]any{"id": note.ID, "category": note.Category}), nil
		},
	}
}

type recallParams struct {
	Query string `param:"query"`
	Limit int    `param:"limit"`
}

func recall(notes Notes) tool.Capability {
	return &tool.Func{
		ID:   "recall",
		Desc: "Search notes saved in this conversation.",
		Params: `{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"limit": {"type": "integer", "minimum": 1, "maximum": 20}
			},
			"required": ["query"]
		}`,
		Fn: func(_ context.Context, params directive.Params, ec tool.ExecutionContext) (tool.Result, error) {
			in := recallParams{Limit: 5}
			if err := tool.Bind(params, &in); err != nil {
				return tool.Result{}, err
			}
			hits, err := notes.Search(ec.Conversation, in.Query, in.Limit)
			if err != nil {
				return tool.Result{}, err
			}
			found := make([]any, 0, len(hits))
			for _, n := range hits {
				found = append(found, map[string]any{"id": n.ID, "category": n.Category, "content": n.Content})
			}
			return tool.OK(map[string]any{"count": len(found), "notes": found}), nil
		},
	}
}

func forget(notes Notes) tool.Capability {
	return &tool.Func{
		ID:     "forget",
		Desc:   "Delete a saved note by id.",
		Params: `{"type": "object", "properties": {"id": {"type": "string"}}, "required": ["id"]}`,
		Fn: func(_ context.Context, params directive.Params, ec tool.ExecutionContext) (tool.Result, error) {
			id := params.Str("id")
			removed, err := notes.Delete(ec.Conversation, id)
			if err != nil {
				return tool.Result{}, err
			}
			if !removed {
				return tool.Fail(fmt.Sprintf("no note %s", id)), nil
			}
			return tool.OK(map[string]any{"deleted": id}), nil
		},
	}
}
