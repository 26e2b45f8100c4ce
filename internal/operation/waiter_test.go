package operation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cumulus/pkg/resource"
)

// recordingSleeper records requested delays and never blocks.
type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

// scriptedPoller returns states in order, repeating the last one.
type scriptedPoller struct {
	states []State
	calls  int
}

func (p *scriptedPoller) Poll(_ context.Context, _ *Operation) (State, error) {
	i := min(p.calls, len(p.states)-1)
	p.calls++
	return p.states[i], nil
}

func testOp() *Operation {
	return Started("op-1", resource.Handle{Kind: resource.KindInstance, ProviderID: "vm-1", Scope: resource.Zone("z1")})
}

func testPolicy() Policy {
	return Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond, Multiplier: 2, MaxAttempts: 6}
}

func TestAwait_DoneOnThirdPoll(t *testing.T) {
	sleeper := &recordingSleeper{}
	w := NewWaiter(testPolicy(), WithSleeper(sleeper))
	poller := &scriptedPoller{states: []State{
		{Status: Pending},
		{Status: Pending},
		{Status: Done, Link: "projects/p/zones/z1/instances/vm-1"},
	}}

	link, err := w.Await(context.Background(), testOp(), poller)

	require.NoError(t, err)
	assert.Equal(t, "projects/p/zones/z1/instances/vm-1", link)
	assert.Equal(t, 3, poller.calls)
	// First poll is immediate; the two later ones sleep first.
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, sleeper.delays)
}

func TestAwait_DelayIsCapped(t *testing.T) {
	sleeper := &recordingSleeper{}
	w := NewWaiter(testPolicy(), WithSleeper(sleeper))
	poller := &scriptedPoller{states: []State{{Status: Pending}}}

	_, err := w.Await(context.Background(), testOp(), poller)

	var timeout *resource.OperationTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 6, timeout.Attempts)
	assert.Equal(t, 6, poller.calls)
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond,
		400 * time.Millisecond, 400 * time.Millisecond,
	}, sleeper.delays)
}

func TestAwait_Failed(t *testing.T) {
	raw := errors.New("ZONE_RESOURCE_POOL_EXHAUSTED")
	w := NewWaiter(testPolicy(), WithSleeper(&recordingSleeper{}))
	poller := &scriptedPoller{states: []State{
		{Status: Pending},
		{Status: Failed, Err: &OperationError{Reason: "zone exhausted", Raw: raw}},
	}}

	_, err := w.Await(context.Background(), testOp(), poller)

	var failed *resource.OperationFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "zone exhausted", failed.Reason)
	assert.Equal(t, "op-1", failed.Operation)
	assert.ErrorIs(t, err, raw)
	assert.Equal(t, 2, poller.calls)
}

func TestAwait_TerminalResultIsCached(t *testing.T) {
	w := NewWaiter(testPolicy(), WithSleeper(&recordingSleeper{}))
	op := testOp()
	poller := &scriptedPoller{states: []State{{Status: Done}}}

	first, err := w.Await(context.Background(), op, poller)
	require.NoError(t, err)
	second, err := w.Await(context.Background(), op, poller)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, poller.calls)
	assert.Equal(t, Done, op.Status)
}

func TestAwait_CompletedNeverPolls(t *testing.T) {
	w := NewWaiter(testPolicy())
	poller := &scriptedPoller{states: []State{{Status: Pending}}}
	op := Completed(resource.Handle{Kind: resource.KindKeyPair, ProviderID: "kp"}, "")

	link, err := w.Await(context.Background(), op, poller)

	require.NoError(t, err)
	assert.Equal(t, "kp", link)
	assert.Zero(t, poller.calls)
}

func TestAwait_CancelStopsWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWaiter(testPolicy())
	poller := PollerFunc(func(context.Context, *Operation) (State, error) {
		cancel()
		return State{Status: Pending}, nil
	})

	op := testOp()
	_, err := w.Await(ctx, op, poller)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Pending, op.Status)
}

func TestAwait_PollError(t *testing.T) {
	boom := errors.New("connection reset")
	w := NewWaiter(testPolicy())
	poller := PollerFunc(func(context.Context, *Operation) (State, error) {
		return State{}, boom
	})

	_, err := w.Await(context.Background(), testOp(), poller)
	assert.ErrorIs(t, err, boom)
}

func TestAwait_ObserverSeesEveryPoll(t *testing.T) {
	var attempts []int
	w := NewWaiter(testPolicy(),
		WithSleeper(&recordingSleeper{}),
		WithObserver(func(_ context.Context, _ *Operation, attempt int, _ State) {
			attempts = append(attempts, attempt)
		}))
	poller := &scriptedPoller{states: []State{{Status: Pending}, {Status: Done}}}

	_, err := w.Await(context.Background(), testOp(), poller)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestPolicyDefaults(t *testing.T) {
	p := NewWaiter(Policy{}).Policy()
	assert.Equal(t, DefaultPolicy(), p)

	p = NewWaiter(Policy{InitialDelay: time.Minute}).Policy()
	assert.Equal(t, time.Minute, p.MaxDelay)
}
