// Package waiter records intercepted exchanges for one test case and lets the
// test suspend until a given alias has been exercised.
//
// Every aliased exchange gets a per-alias sequence number when its request
// is matched. An exchange becomes visible as Resolved only once every
// earlier exchange of the same alias is resolved, so waiters observe
// exchanges in the order their requests were issued even when responses
// complete out of order.
package waiter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kuitang/specrun/internal/errs"
	"github.com/kuitang/specrun/internal/intercept"
)

// DefaultTimeout applies when neither the call nor the coordinator sets one.
const DefaultTimeout = 10 * time.Second

// State is the lifecycle of an exchange.
type State int

const (
	Pending State = iota
	Resolved
)

func (s State) String() string {
	if s == Resolved {
		return "resolved"
	}
	return "pending"
}

// Exchange is one matched request and its response.
type Exchange struct {
	ID          string
	Alias       string
	Seq         int
	Request     intercept.Request
	Response    *intercept.ResponseSpec
	State       State
	Passthrough bool
	Err         string
	StartedAt   time.Time
	ResolvedAt  time.Time
}

// StatusCode returns the response status, or 0 when there is no response.
func (e *Exchange) StatusCode() int {
	if e.Response == nil {
		return 0
	}
	return e.Response.StatusCode
}

// DecodeBody unmarshals the response body into v. Structured stub bodies are
// round-tripped through JSON; raw bodies are parsed as JSON text.
func (e *Exchange) DecodeBody(v any) error {
	if e.Response == nil {
		return fmt.Errorf("exchange %s@%d has no response", e.Alias, e.Seq)
	}
	var data []byte
	switch b := e.Response.Body.(type) {
	case []byte:
		data = b
	case string:
		data = []byte(b)
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("encode stub body: %w", err)
		}
		data = encoded
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode body of %s@%d: %w", e.Alias, e.Seq, err)
	}
	return nil
}

// Ticket identifies an exchange opened by Begin.
type Ticket struct {
	ID    string
	Alias string
	Seq   int
}

// Options tune a single wait.
type Options struct {
	// Index selects a specific exchange (0-based). Nil means the next unconsumed one.
	Index *int
	// Timeout bounds the wait. Zero uses the coordinator default.
	Timeout time.Duration
}

// At is a convenience for Options.Index.
func At(index int) *int {
	return &index
}

// TimeoutError reports an aliased exchange that never resolved in time.
type TimeoutError struct {
	Alias   string
	Index   int
	Timeout time.Duration
	Seen    int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for @%s request #%d (%d matching request(s) seen)",
		e.Timeout, e.Alias, e.Index+1, e.Seen)
}

// Code reports the wait_timeout error code.
func (e *TimeoutError) Code() errs.Code {
	return errs.WaitTimeout
}

type slot struct {
	ex    Exchange
	ready bool
	done  chan struct{}
}

// AbortedError reports a waited-on exchange that settled without a response.
// WaitFor returns it together with the exchange.
type AbortedError struct {
	Alias string
	Seq   int
	Cause string
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("@%s request #%d failed: %s", e.Alias, e.Seq+1, e.Cause)
}

// Code reports the unavailable error code.
func (e *AbortedError) Code() errs.Code {
	return errs.Unavailable
}

type aliasState struct {
	// slots holds one entry per opened exchange, so len(slots) == next.
	slots []*slot
	// reserved holds slots waited on before their request arrived.
	reserved map[int]*slot
	next     int
	visible  int
	cursor   int
}

// open appends the slot of the next exchange, adopting a reserved one.
func (a *aliasState) open() *slot {
	seq := len(a.slots)
	sl, ok := a.reserved[seq]
	if ok {
		delete(a.reserved, seq)
	} else {
		sl = &slot{done: make(chan struct{})}
	}
	a.slots = append(a.slots, sl)
	return sl
}

// lookup returns the slot for index, reserving it when its request has not
// arrived yet. Only waited-on indexes are ever allocated.
func (a *aliasState) lookup(i int) *slot {
	if i < len(a.slots) {
		return a.slots[i]
	}
	if a.reserved == nil {
		a.reserved = make(map[int]*slot)
	}
	sl, ok := a.reserved[i]
	if !ok {
		sl = &slot{done: make(chan struct{})}
		a.reserved[i] = sl
	}
	return sl
}

// Coordinator owns the exchanges of one test case.
type Coordinator struct {
	mu             sync.Mutex
	aliases        map[string]*aliasState
	unaliased      []Exchange
	defaultTimeout time.Duration
	now            func() time.Time
}

// New creates a coordinator. A non-positive defaultTimeout uses DefaultTimeout.
func New(defaultTimeout time.Duration) *Coordinator {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Coordinator{
		aliases:        make(map[string]*aliasState),
		defaultTimeout: defaultTimeout,
		now:            time.Now,
	}
}

// NormalizeAlias strips a leading "@", so "@createBatch" and "createBatch" are the same alias.
func NormalizeAlias(alias string) string {
	return intercept.NormalizeAlias(alias)
}

func (c *Coordinator) state(alias string) *aliasState {
	st, ok := c.aliases[alias]
	if !ok {
		st = &aliasState{}
		c.aliases[alias] = st
	}
	return st
}

// Begin opens a pending exchange for alias and assigns its sequence number.
func (c *Coordinator) Begin(alias string, req intercept.Request, passthrough bool) Ticket {
	alias = NormalizeAlias(alias)

	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(alias)
	seq := st.next
	st.next++
	sl := st.open()
	sl.ex = Exchange{
		ID:          uuid.NewString(),
		Alias:       alias,
		Seq:         seq,
		Request:     req,
		State:       Pending,
		Passthrough: passthrough,
		StartedAt:   c.now(),
	}
	return Ticket{ID: sl.ex.ID, Alias: alias, Seq: seq}
}

// Resolve attaches the response to an open exchange.
// Resolving an unknown or already resolved exchange is a router_internal error.
func (c *Coordinator) Resolve(t Ticket, resp intercept.ResponseSpec) error {
	return c.finish(t, &resp, "")
}

// Abort settles an open exchange without a response, e.g. when the request was
// cancelled. Later exchanges of the alias are not held back by it.
func (c *Coordinator) Abort(t Ticket, cause error) error {
	msg := "aborted"
	if cause != nil {
		msg = cause.Error()
	}
	return c.finish(t, nil, msg)
}

func (c *Coordinator) finish(t Ticket, resp *intercept.ResponseSpec, failure string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.aliases[t.Alias]
	if !ok || t.Seq < 0 || t.Seq >= st.next {
		return errs.New(errs.RouterInternal, fmt.Sprintf("resolve of unknown exchange @%s#%d", t.Alias, t.Seq))
	}
	sl := st.slots[t.Seq]
	if sl.ex.ID != t.ID {
		return errs.New(errs.RouterInternal, fmt.Sprintf("exchange @%s#%d id mismatch", t.Alias, t.Seq))
	}
	if sl.ready {
		return errs.New(errs.RouterInternal, fmt.Sprintf("exchange @%s#%d resolved twice", t.Alias, t.Seq))
	}
	sl.ready = true
	sl.ex.Response = resp
	sl.ex.Err = failure
	sl.ex.ResolvedAt = c.now()

	for st.visible < st.next && st.slots[st.visible].ready {
		pub := st.slots[st.visible]
		pub.ex.State = Resolved
		close(pub.done)
		st.visible++
	}
	return nil
}

// Record stores a passthrough request that matched no rule. It is kept for
// diagnostics only and can never be waited on.
func (c *Coordinator) Record(req intercept.Request) Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	ex := Exchange{
		ID:          uuid.NewString(),
		Seq:         len(c.unaliased),
		Request:     req,
		State:       Resolved,
		Passthrough: true,
		StartedAt:   now,
		ResolvedAt:  now,
	}
	c.unaliased = append(c.unaliased, ex)
	return ex
}

// WaitFor blocks until the selected exchange of alias is resolved, the
// timeout elapses, or ctx ends. A settled wait moves the alias cursor past
// the returned exchange. An exchange aborted without a response is returned
// together with an *AbortedError.
func (c *Coordinator) WaitFor(ctx context.Context, alias string, opts Options) (*Exchange, error) {
	alias = NormalizeAlias(alias)
	if alias == "" {
		return nil, errs.New(errs.InvalidArgument, "wait needs an alias")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	c.mu.Lock()
	st := c.state(alias)
	index := st.cursor
	if opts.Index != nil {
		index = *opts.Index
	}
	if index < 0 {
		c.mu.Unlock()
		return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("wait index %d is negative", index))
	}
	sl := st.lookup(index)
	done := sl.done
	c.mu.Unlock()

	select {
	case <-done:
		return c.consume(alias, index, sl)
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return c.consume(alias, index, sl)
	case <-timer.C:
		c.mu.Lock()
		seen := c.state(alias).next
		c.mu.Unlock()
		return nil, &TimeoutError{Alias: alias, Index: index, Timeout: timeout, Seen: seen}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) consume(alias string, index int, sl *slot) (*Exchange, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(alias)
	if index+1 > st.cursor {
		st.cursor = index + 1
	}
	ex := sl.ex
	if ex.Response == nil && ex.Err != "" {
		return &ex, &AbortedError{Alias: alias, Seq: ex.Seq, Cause: ex.Err}
	}
	return &ex, nil
}

// Exchanges returns a snapshot of every exchange opened for alias, in sequence order.
func (c *Coordinator) Exchanges(alias string) []Exchange {
	alias = NormalizeAlias(alias)
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.aliases[alias]
	if !ok {
		return nil
	}
	out := make([]Exchange, 0, st.next)
	for i := 0; i < st.next; i++ {
		out = append(out, st.slots[i].ex)
	}
	return out
}

// Unaliased returns a snapshot of the passthrough requests that matched no rule.
func (c *Coordinator) Unaliased() []Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Exchange(nil), c.unaliased...)
}

// Aliases returns every alias that has at least one exchange. Stubs
// registered without an alias are tracked under "" and not listed.
func (c *Coordinator) Aliases() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.aliases))
	for alias, st := range c.aliases {
		if alias != "" && st.next > 0 {
			out = append(out, alias)
		}
	}
	return out
}

// Pending counts opened exchanges not yet visible as resolved.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, st := range c.aliases {
		n += st.next - st.visible
	}
	return n
}

// Reset discards every exchange and cursor.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aliases = make(map[string]*aliasState)
	c.unaliased = nil
}
