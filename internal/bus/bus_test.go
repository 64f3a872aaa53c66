package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoReq struct {
	N int `json:"n"`
}

func echo(_ context.Context, env *Envelope) (any, error) {
	var in echoReq
	if err := env.ParsePayload(&in); err != nil {
		return nil, err
	}
	return in, nil
}

func TestRequest_RoundTrip(t *testing.T) {
	b := New()
	_, err := b.Open("helper", map[string]Handler{"echo": echo})
	require.NoError(t, err)

	var out echoReq
	err = b.Request(context.Background(), "caller", "helper", "echo", echoReq{N: 7}, &out)
	require.NoError(t, err)
	assert.Equal(t, 7, out.N)
	assert.Equal(t, 0, b.Pending(), "resolved requests must leave the pending table")
}

func TestSend_UnknownEndpoint_ResolvesUnreachable(t *testing.T) {
	b := New()
	env, err := NewEnvelope("echo", echoReq{N: 1})
	require.NoError(t, err)

	resp, err := b.Send(context.Background(), "caller", "nobody", env).Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, KindUnreachable, resp.Kind)
	assert.Equal(t, env.ID, resp.ID)
	assert.ErrorIs(t, resp.Err(), ErrUnreachable)
}

func TestSend_NoHandler(t *testing.T) {
	b := New()
	_, err := b.Open("background", map[string]Handler{"echo": echo})
	require.NoError(t, err)

	err = b.Request(context.Background(), "caller", "background", "launchRockets", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoHandler)
	assert.Equal(t, "Unknown action", err.Error())
}

func TestOpen_DuplicateName(t *testing.T) {
	b := New()
	_, err := b.Open("helper", nil)
	require.NoError(t, err)
	_, err = b.Open("helper", nil)
	assert.ErrorIs(t, err, ErrEndpointExists)
}

func TestClose_ThenReopen(t *testing.T) {
	b := New()
	ep, err := b.Open("helper", map[string]Handler{"echo": echo})
	require.NoError(t, err)
	ep.Close()
	assert.False(t, b.Has("helper"))

	err = b.Request(context.Background(), "caller", "helper", "echo", echoReq{}, nil)
	assert.ErrorIs(t, err, ErrUnreachable)

	_, err = b.Open("helper", map[string]Handler{"echo": echo})
	require.NoError(t, err)
	assert.True(t, b.Has("helper"))
}

func TestClose_FailsQueuedRequests(t *testing.T) {
	b := New(WithInboxSize(8))
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	ep, err := b.Open("slow", map[string]Handler{
		"block": func(ctx context.Context, env *Envelope) (any, error) {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return "done", nil
		},
	})
	require.NoError(t, err)
	ctx := context.Background()

	first := b.Send(ctx, "c", "slow", mustEnvelope(t, "block"))
	<-started

	futs := make([]*Future, 0, 4)
	for i := 0; i < 4; i++ {
		futs = append(futs, b.Send(ctx, "c", "slow", mustEnvelope(t, "block")))
	}
	ep.Close()
	close(release)

	resp, err := first.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, resp.Success, "handler that already started must finish normally")

	for _, f := range futs {
		r, err := f.Wait(ctx)
		require.NoError(t, err)
		// Each queued request resolves exactly once: either it was dispatched
		// before Close (success) or it was failed as unreachable.
		if !r.Success {
			assert.Equal(t, KindUnreachable, r.Kind)
		}
	}
}

func TestSend_DispatchesInArrivalOrder(t *testing.T) {
	b := New(WithInboxSize(64))
	_, err := b.Open("background", map[string]Handler{})
	require.NoError(t, err)
	ctx := context.Background()

	// Unknown types are resolved by the dispatcher itself, so resolution
	// order is dispatch order.
	futs := make([]*Future, 32)
	for i := range futs {
		futs[i] = b.Send(ctx, "caller", "background", mustEnvelope(t, fmt.Sprintf("t%d", i)))
	}
	for i, f := range futs {
		<-f.Done()
		for j := 0; j < i; j++ {
			select {
			case <-futs[j].Done():
			default:
				t.Fatalf("request %d resolved before request %d", i, j)
			}
		}
	}
}

func TestSend_CancelledContextNeverDispatches(t *testing.T) {
	b := New(WithInboxSize(64))
	var ran atomic.Int32
	_, err := b.Open("helper", map[string]Handler{
		"work": func(context.Context, *Envelope) (any, error) {
			ran.Add(1)
			return nil, nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The inbox has room, so only the context check keeps these out.
	for i := 0; i < 50; i++ {
		resp, err := b.Send(ctx, "c", "helper", mustEnvelope(t, "work")).Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, KindUnreachable, resp.Kind)
	}
	require.NoError(t, b.Shutdown(context.Background()))
	assert.Zero(t, ran.Load())
	assert.Equal(t, 0, b.Pending())
}

func TestHandlerError_CarriesKind(t *testing.T) {
	b := New()
	_, err := b.Open("background", map[string]Handler{
		"fail": func(context.Context, *Envelope) (any, error) {
			return nil, kindedErr{kind: "quota_exceeded"}
		},
		"plain": func(context.Context, *Envelope) (any, error) {
			return nil, errors.New("boom")
		},
	})
	require.NoError(t, err)
	ctx := context.Background()

	resp, err := b.Send(ctx, "c", "background", mustEnvelope(t, "fail")).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, ErrorKind("quota_exceeded"), resp.Kind)
	assert.Equal(t, "daily limit reached", resp.Error)

	resp, err = b.Send(ctx, "c", "background", mustEnvelope(t, "plain")).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindInternal, resp.Kind)
	assert.Equal(t, "boom", resp.Error)
}

func TestHandlerPanic_SingleFailure(t *testing.T) {
	b := New()
	_, err := b.Open("helper", map[string]Handler{
		"explode": func(context.Context, *Envelope) (any, error) { panic("kaboom") },
	})
	require.NoError(t, err)

	resp, err := b.Send(context.Background(), "c", "helper", mustEnvelope(t, "explode")).Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, KindInternal, resp.Kind)
	assert.Contains(t, resp.Error, "kaboom")
}

func TestWait_CallerCancellationDoesNotStopHandler(t *testing.T) {
	b := New()
	var finished atomic.Bool
	release := make(chan struct{})
	_, err := b.Open("background", map[string]Handler{
		"work": func(ctx context.Context, env *Envelope) (any, error) {
			<-release
			// The handler context is detached from the caller.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			finished.Store(true)
			return "ok", nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	fut := b.Send(ctx, "c", "background", mustEnvelope(t, "work"))
	cancel()

	_, err = fut.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	resp, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.True(t, finished.Load())
}

func TestSend_DuplicateCorrelationID(t *testing.T) {
	b := New()
	release := make(chan struct{})
	_, err := b.Open("helper", map[string]Handler{
		"wait": func(context.Context, *Envelope) (any, error) { <-release; return nil, nil },
	})
	require.NoError(t, err)
	ctx := context.Background()

	env := mustEnvelope(t, "wait")
	first := b.Send(ctx, "c", "helper", env)
	dup := &Envelope{Type: "wait", ID: env.ID}
	resp, err := b.Send(ctx, "c", "helper", dup).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindDuplicate, resp.Kind)

	close(release)
	resp, err = first.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestSend_ConcurrentCallersEachGetOneResponse(t *testing.T) {
	b := New(WithInboxSize(4))
	_, err := b.Open("target", map[string]Handler{"echo": echo})
	require.NoError(t, err)
	ctx := context.Background()

	const n = 200
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var out echoReq
			if err := b.Request(ctx, fmt.Sprintf("caller-%d", i%5), "target", "echo", echoReq{N: i}, &out); err != nil {
				errs <- err
				return
			}
			if out.N != i {
				errs <- fmt.Errorf("request %d got response %d", i, out.N)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 0, b.Pending())
}

func TestShutdown_WaitsForInflight(t *testing.T) {
	b := New()
	_, err := b.Open("helper", map[string]Handler{
		"slow": func(context.Context, *Envelope) (any, error) {
			time.Sleep(20 * time.Millisecond)
			return nil, nil
		},
	})
	require.NoError(t, err)
	fut := b.Send(context.Background(), "c", "helper", mustEnvelope(t, "slow"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))

	select {
	case <-fut.Done():
	default:
		t.Fatal("in-flight request should be resolved after Shutdown")
	}
	_, err = b.Open("late", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMetrics_CountOutcomes(t *testing.T) {
	b := New()
	_, err := b.Open("helper", map[string]Handler{"echo": echo})
	require.NoError(t, err)

	msgType := fmt.Sprintf("echo-%d", time.Now().UnixNano())
	base := testutil.ToFloat64(busReqs.WithLabelValues(msgType, string(KindNoHandler)))
	_ = b.Request(context.Background(), "c", "helper", msgType, nil, nil)
	assert.Equal(t, base+1, testutil.ToFloat64(busReqs.WithLabelValues(msgType, string(KindNoHandler))))
}

type kindedErr struct{ kind string }

func (e kindedErr) Error() string     { return "daily limit reached" }
func (e kindedErr) ErrorKind() string { return e.kind }

func mustEnvelope(t *testing.T, msgType string) *Envelope {
	t.Helper()
	env, err := NewEnvelope(msgType, nil)
	require.NoError(t, err)
	return env
}
