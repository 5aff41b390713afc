package tool

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/parley/internal/cancel"
	"github.com/soyeahso/parley/internal/directive"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/metrics"
)

// fakeCap is a Capability backed by a function.
type fakeCap struct {
	name         string
	schema       string
	irreversible bool
	fn           func(ctx context.Context, p directive.Params, ec ExecutionContext) (Result, error)
}

func (f *fakeCap) Name() string        { return f.name }
func (f *fakeCap) Description() string { return "test capability " + f.name }
func (f *fakeCap) Schema() string      { return f.schema }
func (f *fakeCap) Irreversible() bool  { return f.irreversible }
func (f *fakeCap) Invoke(ctx context.Context, p directive.Params, ec ExecutionContext) (Result, error) {
	return f.fn(ctx, p, ec)
}

func okCap(name string, data map[string]any) *fakeCap {
	return &fakeCap{name: name, fn: func(context.Context, directive.Params, ExecutionContext) (Result, error) {
		return OK(data), nil
	}}
}

type recordingSink struct {
	mu        sync.Mutex
	delivered []string
	ctxErrs   []error
	err       error
}

func (s *recordingSink) Deliver(ctx context.Context, ec ExecutionContext, capability string, a domain.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, string(ec.Conversation)+"/"+capability+"/"+a.Name)
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	return s.err
}

func testLogger() *logging.Logger { return logging.New(nil, "silent") }

func newTestExecutor(t *testing.T, caps ...Capability) (*Executor, *recordingSink) {
	t.Helper()
	reg := NewRegistry()
	for _, c := range caps {
		require.NoError(t, reg.Register(c))
	}
	sink := &recordingSink{}
	return NewExecutor(reg, testLogger(), WithSink(sink), WithTimeout(time.Second), WithMetrics(metrics.New())), sink
}

var testEC = ExecutionContext{Conversation: "irc:#dev:alice", Sender: "alice", ChannelID: "irc", ChatID: "#dev"}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(okCap("weather", nil)))
	require.NoError(t, reg.Register(&fakeCap{name: "make_file", irreversible: true}))

	err := reg.Register(okCap("weather", nil))
	assert.Error(t, err)
	assert.Error(t, reg.Register(okCap("", nil)))

	c, ok := reg.Lookup("weather")
	require.True(t, ok)
	assert.Equal(t, "weather", c.Name())

	_, err = reg.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, []string{"make_file", "weather"}, reg.Names())
	defs := reg.Definitions()
	require.Len(t, defs, 2)
	assert.True(t, defs[0].Irreversible)
	assert.Equal(t, 2, reg.Count())
}

func TestExecuteNotFound(t *testing.T) {
	ex, _ := newTestExecutor(t)
	out := ex.Execute(context.Background(), directive.Directive{Name: "ghost"}, testEC)

	assert.False(t, out.Result.Success)
	assert.Equal(t, "capability not found", out.Result.Error)
	assert.False(t, out.Irreversible)
}

func TestExecuteErrorAndPanicIsolated(t *testing.T) {
	failing := &fakeCap{name: "fail", fn: func(context.Context, directive.Params, ExecutionContext) (Result, error) {
		return Result{}, errors.New("upstream down")
	}}
	panicky := &fakeCap{name: "boom", fn: func(context.Context, directive.Params, ExecutionContext) (Result, error) {
		panic("kaboom")
	}}
	ex, _ := newTestExecutor(t, failing, panicky, okCap("after", map[string]any{"n": 1}))

	ds := directive.Parse("[tool:fail] [tool:boom] [tool:after]")
	outs, err := ex.ExecuteAll(context.Background(), ds, testEC, cancel.New(), nil)
	require.NoError(t, err)
	require.Len(t, outs, 3)

	assert.False(t, outs[0].Result.Success)
	assert.Equal(t, "upstream down", outs[0].Result.Error)
	assert.False(t, outs[1].Result.Success)
	assert.Contains(t, outs[1].Result.Error, "kaboom")
	assert.True(t, outs[2].Result.Success)
}

func TestExecuteTimeout(t *testing.T) {
	slow := &fakeCap{name: "slow", fn: func(ctx context.Context, _ directive.Params, _ ExecutionContext) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}}
	reg := NewRegistry()
	require.NoError(t, reg.Register(slow))
	ex := NewExecutor(reg, testLogger(), WithTimeout(20*time.Millisecond))

	out := ex.Execute(context.Background(), directive.Directive{Name: "slow"}, testEC)
	assert.False(t, out.Result.Success)
	assert.Contains(t, out.Result.Error, "timed out")
}

func TestExecuteSchemaValidation(t *testing.T) {
	called := false
	c := &fakeCap{
		name:   "weather",
		schema: `{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`,
		fn: func(context.Context, directive.Params, ExecutionContext) (Result, error) {
			called = true
			return OK(nil), nil
		},
	}
	ex, _ := newTestExecutor(t, c)

	out := ex.Execute(context.Background(), directive.Parse("[tool:weather days=2]")[0], testEC)
	assert.False(t, out.Result.Success)
	assert.Contains(t, out.Result.Error, "city")
	assert.False(t, called)

	out = ex.Execute(context.Background(), directive.Parse(`[tool:weather city="Hanoi"]`)[0], testEC)
	assert.True(t, out.Result.Success)
	assert.True(t, called)
}

func TestExecuteArtifactSanitized(t *testing.T) {
	file := &fakeCap{
		name:         "make_file",
		irreversible: true,
		fn: func(context.Context, directive.Params, ExecutionContext) (Result, error) {
			return WithArtifact(map[string]any{
				"raw":  []byte("binary"),
				"path": "notes.txt",
			}, domain.Artifact{Kind: "file", Name: "notes.txt", Data: []byte("abc")}), nil
		},
	}
	ex, sink := newTestExecutor(t, file)

	out := ex.Execute(context.Background(), directive.Directive{Name: "make_file"}, testEC)
	require.True(t, out.Result.Success)
	assert.True(t, out.Irreversible)
	require.NotNil(t, out.Artifact)
	assert.Equal(t, []byte("abc"), out.Artifact.Data)

	assert.Equal(t, `file "notes.txt" (3 bytes) delivered`, out.Result.Data[ArtifactKey])
	assert.Equal(t, "<6 bytes omitted>", out.Result.Data["raw"])
	assert.Equal(t, "notes.txt", out.Result.Data["path"])
	assert.Equal(t, []string{"irc:#dev:alice/make_file/notes.txt"}, sink.delivered)
}

func TestExecuteArtifactDeliveryFailure(t *testing.T) {
	file := &fakeCap{name: "make_file", fn: func(context.Context, directive.Params, ExecutionContext) (Result, error) {
		return WithArtifact(nil, domain.Artifact{Kind: "file", Name: "a.txt"}), nil
	}}
	ex, sink := newTestExecutor(t, file)
	sink.err = errors.New("channel offline")

	out := ex.Execute(context.Background(), directive.Directive{Name: "make_file"}, testEC)
	assert.True(t, out.Result.Success)
	assert.Equal(t, "delivery failed: channel offline", out.Result.Data[ArtifactKey])
}

func TestExecuteAllSequentialOrder(t *testing.T) {
	var order []string
	mk := func(name string) *fakeCap {
		return &fakeCap{name: name, fn: func(context.Context, directive.Params, ExecutionContext) (Result, error) {
			order = append(order, name)
			return OK(nil), nil
		}}
	}
	ex, _ := newTestExecutor(t, mk("a"), mk("b"), mk("c"))

	ds := directive.Parse("[tool:c] [tool:a] [tool:b] [tool:a]")
	_, err := ex.ExecuteAll(context.Background(), ds, testEC, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b", "a"}, order)
}

func TestExecuteAllStopsOnCancel(t *testing.T) {
	token := cancel.New()
	var irreversibleCalls int

	first := &fakeCap{name: "send", irreversible: true, fn: func(context.Context, directive.Params, ExecutionContext) (Result, error) {
		token.Cancel()
		return OK(nil), nil
	}}
	second := okCap("never", nil)
	ex, _ := newTestExecutor(t, first, second)

	ds := directive.Parse("[tool:send] [tool:never]")
	outs, err := ex.ExecuteAll(context.Background(), ds, testEC, token, func() { irreversibleCalls++ })

	assert.ErrorIs(t, err, cancel.ErrCancelled)
	require.Len(t, outs, 1)
	assert.Equal(t, "send", outs[0].Directive.Name)
	assert.Equal(t, 1, irreversibleCalls)
}

func TestExecuteAllFinishesIrreversibleOnCancel(t *testing.T) {
	token := cancel.New()
	ctx, stop := token.Context(context.Background())
	defer stop()

	var mu sync.Mutex
	var effects int
	send := &fakeCap{name: "send", irreversible: true, fn: func(context.Context, directive.Params, ExecutionContext) (Result, error) {
		time.Sleep(100 * time.Millisecond)
		mu.Lock()
		effects++
		mu.Unlock()
		return WithArtifact(map[string]any{"sent": true}, domain.Artifact{Kind: "file", Name: "receipt.txt"}), nil
	}}
	ex, sink := newTestExecutor(t, send, okCap("never", nil))

	time.AfterFunc(20*time.Millisecond, token.Cancel)

	var irreversibleCalls int
	ds := directive.Parse("[tool:send] [tool:never]")
	outs, err := ex.ExecuteAll(ctx, ds, testEC, token, func() { irreversibleCalls++ })

	assert.ErrorIs(t, err, cancel.ErrCancelled)
	require.Len(t, outs, 1)
	assert.True(t, outs[0].Result.Success, outs[0].Result.Error)
	assert.True(t, outs[0].Irreversible)
	assert.Equal(t, 1, irreversibleCalls)

	assert.Equal(t, []string{"irc:#dev:alice/send/receipt.txt"}, sink.delivered)
	assert.Equal(t, []error{nil}, sink.ctxErrs)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, effects)
}

func TestExecuteReversibleAbandonedOnCancel(t *testing.T) {
	ctx, cancelFn := context.WithCancel(context.Background())
	slow := &fakeCap{name: "lookup", fn: func(ctx context.Context, _ directive.Params, _ ExecutionContext) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}}
	ex, _ := newTestExecutor(t, slow)

	time.AfterFunc(20*time.Millisecond, cancelFn)
	out := ex.Execute(ctx, directive.Directive{Name: "lookup"}, testEC)
	assert.False(t, out.Result.Success)
	assert.False(t, out.Irreversible)
}

func TestExecuteDeliveredArtifactIsIrreversible(t *testing.T) {
	report := &fakeCap{name: "report", fn: func(context.Context, directive.Params, ExecutionContext) (Result, error) {
		return WithArtifact(nil, domain.Artifact{Kind: "file", Name: "r.txt", Data: []byte("x")}), nil
	}}
	ex, sink := newTestExecutor(t, report)

	var irreversibleCalls int
	outs, err := ex.ExecuteAll(context.Background(), directive.Parse("[tool:report]"), testEC, cancel.New(), func() { irreversibleCalls++ })
	require.NoError(t, err)
	require.Len(t, outs, 1)

	// The capability itself is reversible, but the artifact was delivered.
	assert.True(t, outs[0].Irreversible)
	assert.Equal(t, 1, irreversibleCalls)
	assert.Equal(t, []string{"irc:#dev:alice/report/r.txt"}, sink.delivered)

	sink.err = errors.New("channel offline")
	out := ex.Execute(context.Background(), directive.Directive{Name: "report"}, testEC)
	assert.False(t, out.Irreversible)
}

func TestExecuteFailedIrreversibleIsNotMarked(t *testing.T) {
	c := &fakeCap{name: "send", irreversible: true, fn: func(context.Context, directive.Params, ExecutionContext) (Result, error) {
		return Fail("recipient unknown"), nil
	}}
	ex, _ := newTestExecutor(t, c)

	out := ex.Execute(context.Background(), directive.Directive{Name: "send"}, testEC)
	assert.False(t, out.Irreversible)
}

func TestContinuationAndDisplay(t *testing.T) {
	weather := okCap("weather", map[string]any{"tempC": 30})
	ex, _ := newTestExecutor(t, weather)

	text := `Do X [tool:weather city="Hanoi"] then Y`
	ds := directive.Parse(text)
	outs, err := ex.ExecuteAll(context.Background(), ds, testEC, cancel.New(), nil)
	require.NoError(t, err)

	cont := Continuation(outs)
	assert.Contains(t, cont, "### weather")
	assert.Contains(t, cont, "status: ok")
	assert.Contains(t, cont, "tempC: 30")
	assert.True(t, strings.HasSuffix(cont, continuationInstruction))
	assert.Equal(t, cont, Continuation(outs))

	assert.Equal(t, "Do X  then Y", Display(text, ds))
}

func TestContinuationError(t *testing.T) {
	outs := []Outcome{{
		Directive: directive.Directive{Name: "ghost"},
		Result:    Fail("capability not found"),
	}}
	cont := Continuation(outs)
	assert.Contains(t, cont, "### ghost\nstatus: error\nerror: capability not found\n")
}

func TestDisplayTrims(t *testing.T) {
	text := "  [tool:clock]\n\nIt is late.  "
	assert.Equal(t, "It is late.", Display(text, directive.Parse(text)))
	assert.Equal(t, "no directives", Display(" no directives ", nil))
}

func TestBind(t *testing.T) {
	var args struct {
		City  string        `param:"city"`
		Days  int           `param:"days"`
		Loud  bool          `param:"loud"`
		Delay time.Duration `param:"delay"`
		ID    string        `param:"chatId"`
	}
	p := directive.DecodeInline(`city="Hanoi" days="3" loud=true delay=90s chatId=12345`)

	require.NoError(t, Bind(p, &args))
	assert.Equal(t, "Hanoi", args.City)
	assert.Equal(t, 3, args.Days)
	assert.True(t, args.Loud)
	assert.Equal(t, 90*time.Second, args.Delay)
	assert.Equal(t, "12345", args.ID)
}

type unmarshalable struct{}

func (unmarshalable) MarshalYAML() (any, error) { return nil, errors.New("nope") }

func TestPrettyDataFallbackSorted(t *testing.T) {
	data := map[string]any{"zeta": "last", "alpha": unmarshalable{}, "mid": 3, "beta": "two\nlines"}
	for range 5 {
		assert.Equal(t, "alpha: ?\nbeta: two lines\nmid: 3\nzeta: last\n", prettyData(data))
	}
}
