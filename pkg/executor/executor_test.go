package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/registry"
	"github.com/aretw0/tessera/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T, caps ...domain.Capability) *registry.Registry {
	t.Helper()
	r := registry.New()
	for _, c := range caps {
		require.NoError(t, r.Register(c))
	}
	require.NoError(t, r.Seal())
	return r
}

func step(name string, deadline time.Duration, deps ...string) domain.PlanStep {
	return domain.PlanStep{ID: name, Capability: name, Risk: domain.RiskLow, Deadline: deadline, DependsOn: deps}
}

func TestResultsInDeclarationOrder(t *testing.T) {
	slow := domain.Capability{Name: "slow", Risk: domain.RiskLow, Deadline: time.Second,
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			time.Sleep(40 * time.Millisecond)
			return "slow", nil
		}}
	fast := domain.Capability{Name: "fast", Risk: domain.RiskLow, Deadline: time.Second,
		Handler: func(context.Context, map[string]any) (any, error) { return "fast", nil }}

	exec := New(newRegistry(t, slow, fast))
	plan := domain.NewExecutionPlan("p", "t", [][]domain.PlanStep{{step("slow", time.Second), step("fast", time.Second)}})

	results := exec.Execute(context.Background(), plan, nil)
	require.Len(t, results, 2)
	assert.Equal(t, "slow", results[0].StepID)
	assert.Equal(t, "fast", results[1].StepID)
	assert.Equal(t, "slow", results[0].Output)
}

func TestGroupRunsConcurrently(t *testing.T) {
	var inflight, peak atomic.Int32
	h := func(ctx context.Context, _ map[string]any) (any, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inflight.Add(-1)
		return nil, nil
	}
	caps := []domain.Capability{
		{Name: "a", Risk: domain.RiskLow, Deadline: time.Second, Handler: h},
		{Name: "b", Risk: domain.RiskLow, Deadline: time.Second, Handler: h},
		{Name: "c", Risk: domain.RiskLow, Deadline: time.Second, Handler: h},
	}
	exec := New(newRegistry(t, caps...))
	plan := domain.NewExecutionPlan("p", "t", [][]domain.PlanStep{{step("a", time.Second), step("b", time.Second), step("c", time.Second)}})

	results := exec.Execute(context.Background(), plan, nil)
	for _, r := range results {
		assert.True(t, r.OK())
	}
	assert.Equal(t, int32(3), peak.Load())
}

func TestTimeoutIsAResultNotAnAbort(t *testing.T) {
	hang := domain.Capability{Name: "hang", Risk: domain.RiskLow, Deadline: time.Second, Idempotent: true, Fallback: "cached",
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
	ok := domain.Capability{Name: "ok", Risk: domain.RiskLow, Deadline: time.Second,
		Handler: func(context.Context, map[string]any) (any, error) { return 1, nil }}

	exec := New(newRegistry(t, hang, ok))
	plan := domain.NewExecutionPlan("p", "t", [][]domain.PlanStep{{step("hang", 20*time.Millisecond), step("ok", time.Second)}})

	results := exec.Execute(context.Background(), plan, nil)
	require.Len(t, results, 2)
	assert.Equal(t, domain.ResultTimeout, results[0].Status)
	assert.ErrorIs(t, results[0].Err, domain.ErrCapabilityTimeout)
	assert.True(t, results[0].Retryable)
	assert.Equal(t, "cached", results[0].Fallback)
	assert.True(t, results[1].OK())
}

func TestHandlerIgnoringContextStillTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stubborn := domain.Capability{Name: "stubborn", Risk: domain.RiskLow, Deadline: time.Second,
		Handler: func(context.Context, map[string]any) (any, error) {
			<-release
			return nil, nil
		}}

	exec := New(newRegistry(t, stubborn))
	plan := domain.NewExecutionPlan("p", "t", [][]domain.PlanStep{{step("stubborn", 10*time.Millisecond)}})
	results := exec.Execute(context.Background(), plan, nil)
	assert.Equal(t, domain.ResultTimeout, results[0].Status)
}

func TestFailuresAndPanics(t *testing.T) {
	boom := domain.Capability{Name: "boom", Risk: domain.RiskLow, Deadline: time.Second,
		Handler: func(context.Context, map[string]any) (any, error) { return nil, errors.New("upstream 500") }}
	crash := domain.Capability{Name: "crash", Risk: domain.RiskLow, Deadline: time.Second,
		Handler: func(context.Context, map[string]any) (any, error) { panic("nil map") }}

	exec := New(newRegistry(t, boom, crash))
	plan := domain.NewExecutionPlan("p", "t", [][]domain.PlanStep{{step("boom", time.Second), step("crash", time.Second), step("ghost", time.Second)}})

	results := exec.Execute(context.Background(), plan, nil)
	require.Len(t, results, 3)
	assert.Equal(t, domain.ResultFailed, results[0].Status)
	assert.EqualError(t, results[0].Err, "upstream 500")
	assert.False(t, results[0].Retryable)
	assert.ErrorIs(t, results[1].Err, domain.ErrCapabilityPanic)
	assert.ErrorIs(t, results[2].Err, domain.ErrUnknownCapability)
}

func TestOutputsFeedLaterGroupsAndFailuresPropagate(t *testing.T) {
	var seen map[string]any
	var mu sync.Mutex
	free := domain.Capability{Name: "free", Risk: domain.RiskLow, Deadline: time.Second,
		Handler: func(context.Context, map[string]any) (any, error) { return "10:00", nil }}
	book := domain.Capability{Name: "book", Risk: domain.RiskHigh, Deadline: time.Second,
		Input: schema.Schema{"slot": schema.Ref("free"), "title": schema.String(), "tenant_id": schema.String()},
		Handler: func(_ context.Context, in map[string]any) (any, error) {
			mu.Lock()
			seen = in
			mu.Unlock()
			return "booked", nil
		}}
	broken := domain.Capability{Name: "broken", Risk: domain.RiskLow, Deadline: time.Second,
		Handler: func(context.Context, map[string]any) (any, error) { return nil, errors.New("down") }}
	notify := domain.Capability{Name: "notify", Risk: domain.RiskLow, Deadline: time.Second,
		Input: schema.Schema{"x": schema.Ref("broken")},
		Handler: func(context.Context, map[string]any) (any, error) {
			t.Error("must not run when a dependency failed")
			return nil, nil
		}}

	exec := New(newRegistry(t, free, book, broken, notify))
	bookStep := step("book", time.Second, "free")
	bookStep.Inputs = map[string]any{"title": "sync"}
	plan := domain.NewExecutionPlan("p", "t", [][]domain.PlanStep{
		{step("free", time.Second), step("broken", time.Second)},
		{bookStep, step("notify", time.Second, "broken")},
	})

	results := exec.Execute(context.Background(), plan, map[string]any{"tenant_id": "acme"})
	require.Len(t, results, 4)
	assert.True(t, results[2].OK())
	assert.Equal(t, map[string]any{"slot": "10:00", "title": "sync", "tenant_id": "acme"}, seen)
	assert.Equal(t, domain.ResultFailed, results[3].Status)
	assert.ErrorIs(t, results[3].Err, domain.ErrDependencyFailed)
}

func TestRefsFallBackToSessionContext(t *testing.T) {
	var got any
	book := domain.Capability{Name: "book", Risk: domain.RiskHigh, Deadline: time.Second,
		Input: schema.Schema{"slot": schema.Ref("free")},
		Handler: func(_ context.Context, in map[string]any) (any, error) {
			got = in["slot"]
			return nil, nil
		}}
	exec := New(newRegistry(t,
		domain.Capability{Name: "free", Risk: domain.RiskLow, Deadline: time.Second, Handler: func(context.Context, map[string]any) (any, error) { return nil, nil }},
		book))
	plan := domain.NewExecutionPlan("p", "t", [][]domain.PlanStep{{step("book", time.Second)}})

	results := exec.Execute(context.Background(), plan, map[string]any{"free": "11:00"})
	assert.True(t, results[0].OK())
	assert.Equal(t, "11:00", got)
}

func TestInvalidInputsFailWithoutInvocation(t *testing.T) {
	var calls atomic.Int32
	c := domain.Capability{Name: "c", Risk: domain.RiskLow, Deadline: time.Second,
		Input: schema.Schema{"n": schema.Int()},
		Handler: func(context.Context, map[string]any) (any, error) {
			calls.Add(1)
			return nil, nil
		}}
	exec := New(newRegistry(t, c))
	s := step("c", time.Second)
	s.Inputs = map[string]any{"n": "three"}
	results := exec.Execute(context.Background(), domain.NewExecutionPlan("p", "t", [][]domain.PlanStep{{s}}), nil)

	assert.Equal(t, domain.ResultFailed, results[0].Status)
	assert.NotEmpty(t, schema.ValidationErrors(results[0].Err))
	assert.Zero(t, calls.Load())
}

func TestCancellationPropagates(t *testing.T) {
	started := make(chan struct{})
	var sawCancel atomic.Bool
	c := domain.Capability{Name: "c", Risk: domain.RiskLow, Deadline: time.Second,
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			close(started)
			<-ctx.Done()
			sawCancel.Store(true)
			return nil, ctx.Err()
		}}
	later := domain.Capability{Name: "later", Risk: domain.RiskLow, Deadline: time.Second,
		Handler: func(context.Context, map[string]any) (any, error) { return nil, nil }}

	exec := New(newRegistry(t, c, later))
	plan := domain.NewExecutionPlan("p", "t", [][]domain.PlanStep{{step("c", time.Second)}, {step("later", time.Second)}})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	results := exec.Execute(ctx, plan, nil)

	require.Len(t, results, 2)
	assert.Equal(t, domain.ResultCanceled, results[0].Status)
	assert.Equal(t, domain.ResultCanceled, results[1].Status)
	assert.ErrorIs(t, results[1].Err, domain.ErrCapabilityCanceled)
	assert.Eventually(t, sawCancel.Load, time.Second, 5*time.Millisecond)
}

func TestHooksObserveCalls(t *testing.T) {
	var calls, returns []string
	var mu sync.Mutex
	hooks := domain.LifecycleHooks{
		OnCapabilityCall: func(_ context.Context, e *domain.CapabilityEvent) {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, e.SessionID+"/"+e.Capability)
		},
		OnCapabilityReturn: func(_ context.Context, e *domain.CapabilityEvent) {
			mu.Lock()
			defer mu.Unlock()
			returns = append(returns, string(e.Status))
		},
	}
	c := domain.Capability{Name: "c", Risk: domain.RiskLow, Deadline: time.Second,
		Handler: func(context.Context, map[string]any) (any, error) { return nil, nil }}
	exec := New(newRegistry(t, c), WithHooks(hooks))
	exec.Execute(context.Background(), domain.NewExecutionPlan("p", "t", [][]domain.PlanStep{{step("c", time.Second)}}),
		map[string]any{KeySessionID: "s1"})

	assert.Equal(t, []string{"s1/c"}, calls)
	assert.Equal(t, []string{"success"}, returns)
}
