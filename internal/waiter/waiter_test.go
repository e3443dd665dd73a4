package waiter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/specrun/internal/errs"
	"github.com/kuitang/specrun/internal/intercept"
)

func req(url string) intercept.Request {
	return intercept.Request{Method: "POST", URL: url}
}

func ok(status int) intercept.ResponseSpec {
	return intercept.ResponseSpec{StatusCode: status}
}

func TestWaitFor_ReturnsResolvedImmediately(t *testing.T) {
	c := New(time.Second)
	tk := c.Begin("createBatch", req("https://c.test/api/batches"), false)
	body := map[string]any{"success": true, "data": map[string]any{"batch_id": "test-batch-123"}}
	require.NoError(t, c.Resolve(tk, intercept.ResponseSpec{StatusCode: 201, Body: body}))

	start := time.Now()
	ex, err := c.WaitFor(context.Background(), "@createBatch", Options{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, Resolved, ex.State)
	assert.Equal(t, 201, ex.StatusCode())
	assert.Equal(t, body, ex.Response.Body)

	var decoded struct {
		Data struct {
			BatchID string `json:"batch_id"`
		} `json:"data"`
	}
	require.NoError(t, ex.DecodeBody(&decoded))
	assert.Equal(t, "test-batch-123", decoded.Data.BatchID)
}

func TestWaitFor_SuspendsUntilResolved(t *testing.T) {
	c := New(time.Second)

	go func() {
		time.Sleep(20 * time.Millisecond)
		tk := c.Begin("loginRequest", req("https://e.test/auth/login"), true)
		time.Sleep(20 * time.Millisecond)
		_ = c.Resolve(tk, ok(401))
	}()

	ex, err := c.WaitFor(context.Background(), "loginRequest", Options{})
	require.NoError(t, err)
	assert.Equal(t, 401, ex.StatusCode())
	assert.True(t, ex.Passthrough)
}

func TestWaitFor_TimeoutWithNoRequests(t *testing.T) {
	c := New(time.Second)
	timeout := 80 * time.Millisecond

	start := time.Now()
	_, err := c.WaitFor(context.Background(), "neverCalled", Options{Timeout: timeout})
	elapsed := time.Since(start)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "neverCalled", te.Alias)
	assert.Equal(t, timeout, te.Timeout)
	assert.Equal(t, 0, te.Seen)
	assert.Equal(t, errs.WaitTimeout, errs.CodeOf(err))
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+500*time.Millisecond)
}

func TestWaitFor_TimeoutWhileStillPending(t *testing.T) {
	c := New(time.Second)
	c.Begin("slow", req("https://e.test/slow"), false)

	_, err := c.WaitFor(context.Background(), "slow", Options{Timeout: 20 * time.Millisecond})
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 1, te.Seen)
	assert.Equal(t, 1, c.Pending())
}

func TestWaitFor_ContextCancelled(t *testing.T) {
	c := New(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := c.WaitFor(ctx, "x", Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitFor_InvalidArguments(t *testing.T) {
	c := New(time.Second)
	_, err := c.WaitFor(context.Background(), "@", Options{})
	assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
	_, err = c.WaitFor(context.Background(), "a", Options{Index: At(-1)})
	assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
}

func TestWaitFor_ExplicitIndexAdvancesCursor(t *testing.T) {
	c := New(time.Second)
	for i := 0; i < 3; i++ {
		tk := c.Begin("list", req("https://e.test/api/events"), false)
		require.NoError(t, c.Resolve(tk, ok(200+i)))
	}

	ex, err := c.WaitFor(context.Background(), "list", Options{Index: At(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, ex.Seq)

	ex, err = c.WaitFor(context.Background(), "list", Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, ex.Seq, "cursor continues after the explicit index")

	ex, err = c.WaitFor(context.Background(), "list", Options{Index: At(0)})
	require.NoError(t, err)
	assert.Equal(t, 0, ex.Seq, "earlier exchanges stay addressable")
}

func TestResolve_OutOfOrderIsPublishedInOrder(t *testing.T) {
	c := New(time.Second)
	first := c.Begin("batch", req("https://c.test/api/batches"), false)
	second := c.Begin("batch", req("https://c.test/api/batches"), false)

	require.NoError(t, c.Resolve(second, ok(202)))
	_, err := c.WaitFor(context.Background(), "batch", Options{Index: At(1), Timeout: 20 * time.Millisecond})
	require.Error(t, err, "second exchange must not be visible before the first resolves")

	require.NoError(t, c.Resolve(first, ok(201)))
	ex, err := c.WaitFor(context.Background(), "batch", Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, ex.Seq)
	ex, err = c.WaitFor(context.Background(), "batch", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, ex.Seq)
	assert.Equal(t, 202, ex.StatusCode())
}

func TestAbort_ReleasesLaterExchanges(t *testing.T) {
	c := New(time.Second)
	first := c.Begin("a", req("https://e.test/a"), true)
	second := c.Begin("a", req("https://e.test/a"), true)
	require.NoError(t, c.Resolve(second, ok(200)))
	require.NoError(t, c.Abort(first, errors.New("connection reset")))

	ex, err := c.WaitFor(context.Background(), "a", Options{})
	var aborted *AbortedError
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, 0, aborted.Seq)
	assert.Equal(t, "connection reset", aborted.Cause)
	assert.True(t, errs.Is(err, errs.Unavailable))
	require.NotNil(t, ex)
	assert.Equal(t, "connection reset", ex.Err)
	assert.Nil(t, ex.Response)

	ex, err = c.WaitFor(context.Background(), "a", Options{})
	require.NoError(t, err)
	assert.Equal(t, 200, ex.StatusCode())
}

func TestResolve_InvariantViolations(t *testing.T) {
	c := New(time.Second)
	tk := c.Begin("a", req("https://e.test/a"), false)
	require.NoError(t, c.Resolve(tk, ok(200)))

	err := c.Resolve(tk, ok(200))
	assert.Equal(t, errs.RouterInternal, errs.CodeOf(err))

	err = c.Resolve(Ticket{Alias: "a", Seq: 5}, ok(200))
	assert.Equal(t, errs.RouterInternal, errs.CodeOf(err))

	err = c.Resolve(Ticket{Alias: "missing"}, ok(200))
	assert.Equal(t, errs.RouterInternal, errs.CodeOf(err))

	err = c.Resolve(Ticket{ID: "forged", Alias: "a", Seq: 0}, ok(200))
	assert.Equal(t, errs.RouterInternal, errs.CodeOf(err))
}

func TestRecord_UnaliasedIsNotWaitable(t *testing.T) {
	c := New(time.Second)
	c.Record(intercept.Request{Method: "GET", URL: "https://e.test/api/auth/me"})
	c.Record(intercept.Request{Method: "GET", URL: "https://e.test/api/credits/balance"})

	un := c.Unaliased()
	require.Len(t, un, 2)
	assert.Equal(t, 1, un[1].Seq)
	assert.Empty(t, un[0].Alias)
	assert.Empty(t, c.Aliases())
	assert.Equal(t, 0, c.Pending())
}

func TestReset(t *testing.T) {
	c := New(time.Second)
	tk := c.Begin("a", req("https://e.test/a"), false)
	require.NoError(t, c.Resolve(tk, ok(200)))
	c.Record(req("https://e.test/b"))

	c.Reset()
	assert.Empty(t, c.Exchanges("a"))
	assert.Empty(t, c.Unaliased())
	_, err := c.WaitFor(context.Background(), "a", Options{Timeout: 10 * time.Millisecond})
	assert.Equal(t, errs.WaitTimeout, errs.CodeOf(err))
}

func TestBegin_ConcurrentSequenceNumbersAreUnique(t *testing.T) {
	c := New(time.Second)
	const n = 64
	var wg sync.WaitGroup
	seqs := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tk := c.Begin("burst", req("https://e.test/burst"), false)
			seqs[i] = tk.Seq
			_ = c.Resolve(tk, ok(200))
		}(i)
	}
	wg.Wait()

	sort.Ints(seqs)
	for i, s := range seqs {
		require.Equal(t, i, s)
	}
	assert.Len(t, c.Exchanges("burst"), n)
	assert.Equal(t, 0, c.Pending())
}

// Property: k sequential waits on one alias return strictly increasing
// sequence numbers, whatever order the responses complete in.
func testWaitFor_StrictlyIncreasing(t *rapid.T) {
	c := New(time.Second)
	k := rapid.IntRange(1, 20).Draw(t, "k")

	tickets := make([]Ticket, k)
	for i := range tickets {
		tickets[i] = c.Begin("seq", req("https://e.test/seq"), false)
	}
	order := rapid.Permutation(tickets).Draw(t, "resolveOrder")
	for _, tk := range order {
		if err := c.Resolve(tk, ok(200+tk.Seq%300)); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
	}

	last := -1
	for i := 0; i < k; i++ {
		ex, err := c.WaitFor(context.Background(), "seq", Options{Timeout: time.Second})
		if err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
		if ex.Seq <= last {
			t.Fatalf("wait %d returned seq %d after %d", i, ex.Seq, last)
		}
		last = ex.Seq
	}
}

func TestWaitFor_StrictlyIncreasing(t *testing.T) {
	rapid.Check(t, testWaitFor_StrictlyIncreasing)
}

func TestWaitFor_FarIndexTimesOutOnTime(t *testing.T) {
	c := New(time.Second)
	c.Begin("a", req("https://e.test/a"), false)
	timeout := 10 * time.Millisecond

	start := time.Now()
	_, err := c.WaitFor(context.Background(), "a", Options{Index: At(20_000_000), Timeout: timeout})
	elapsed := time.Since(start)

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 20_000_000, te.Index)
	assert.Equal(t, 1, te.Seen)
	assert.Less(t, elapsed, timeout+200*time.Millisecond)
	assert.Len(t, c.Exchanges("a"), 1, "waiting must not open exchanges")
}

func TestWaitFor_ReservedIndexIsAdoptedByLaterRequest(t *testing.T) {
	c := New(time.Second)

	got := make(chan *Exchange, 1)
	go func() {
		ex, err := c.WaitFor(context.Background(), "a", Options{Index: At(2)})
		assert.NoError(t, err)
		got <- ex
	}()

	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 3; i++ {
		tk := c.Begin("a", req("https://e.test/a"), false)
		require.NoError(t, c.Resolve(tk, ok(200+i)))
	}

	select {
	case ex := <-got:
		assert.Equal(t, 2, ex.Seq)
		assert.Equal(t, 202, ex.StatusCode())
	case <-time.After(time.Second):
		t.Fatal("waiter for index 2 never woke")
	}
	assert.Len(t, c.Exchanges("a"), 3)
}
