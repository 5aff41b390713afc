package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/soyeahso/parley/internal/directive"
	"github.com/soyeahso/parley/internal/tool"
)

// now is swapped in tests.
var now = time.Now

func clock() tool.Capability {
	return &tool.Func{
		ID:   "clock",
		Desc: "Current date and time. Optional tz is an IANA zone such as Europe/Paris; default UTC.",
		Params: `{
			"type": "object",
			"properties": {"tz": {"type": "string"}}
		}`,
		Fn: func(_ context.Context, params directive.Params, _ tool.ExecutionContext) (tool.Result, error) {
			tz := params.Str("tz")
			if tz == "" {
				tz = "UTC"
			}
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return tool.Fail(fmt.Sprintf("unknown timezone %q", tz)), nil
			}
			t := now().In(loc)
			return tool.OK(map[string]any{
				"time":     t.Format(time.RFC3339),
				"timezone": loc.String(),
				"weekday":  t.Weekday().String(),
			}), nil
		},
	}
}
