package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"latency_arb/internal/domain"
	"latency_arb/internal/infra"
	"latency_arb/internal/risk"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeVenue struct {
	mu        sync.Mutex
	placeErr  error
	cancelErr map[string]error
	status    map[string]domain.OrderUpdate
	placed    int
	canceled  []string
	seq       int
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{cancelErr: map[string]error{}, status: map[string]domain.OrderUpdate{}}
}

func (f *fakeVenue) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed++
	if f.placeErr != nil {
		return domain.OrderAck{}, f.placeErr
	}
	f.seq++
	id := fmt.Sprintf("v-%d", f.seq)
	f.status[id] = domain.OrderUpdate{OrderID: id, State: domain.OrderSubmitted}
	return domain.OrderAck{OrderID: id, State: domain.OrderSubmitted}, nil
}

func (f *fakeVenue) CancelOrder(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
	return f.cancelErr[id]
}

func (f *fakeVenue) OrderStatus(_ context.Context, id string) (domain.OrderUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.status[id]
	if !ok {
		return domain.OrderUpdate{}, errors.New("not found")
	}
	return u, nil
}

func (f *fakeVenue) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placed, len(f.canceled)
}

type fakeReleaser struct {
	mu       sync.Mutex
	released map[string]decimal.Decimal
}

func (r *fakeReleaser) Release(id string, qty decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released == nil {
		r.released = map[string]decimal.Decimal{}
	}
	r.released[id] = r.released[id].Add(qty)
}

type fakeRecorder struct {
	mu     sync.Mutex
	states []domain.OrderState
	fills  []domain.FillRecord
}

func (r *fakeRecorder) RecordOrder(o domain.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, o.State)
}

func (r *fakeRecorder) RecordFill(f domain.FillRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fills = append(r.fills, f)
}

func testProposal(market string) domain.Proposal {
	return domain.Proposal{
		MarketID:   market,
		Outcome:    domain.OutcomeYes,
		TokenID:    "yes-tok",
		Side:       domain.SideBuy,
		LimitPrice: dec("0.5252"),
		Quantity:   dec("20"),
	}
}

func TestSubmit_Success(t *testing.T) {
	venue := newFakeVenue()
	rec := &fakeRecorder{}
	ex := NewOrderExecutor(venue, Config{}, nil, rec, &infra.Metrics{})

	o, err := ex.Submit(context.Background(), testProposal("m1"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderSubmitted, o.State)
	assert.Equal(t, "v-1", o.ID)
	assert.NotEmpty(t, o.ClientOrderID)
	assert.Equal(t, []domain.OrderState{domain.OrderPending, domain.OrderSubmitted}, rec.states)
}

func TestSubmit_FailureRejectsWithoutRetry(t *testing.T) {
	venue := newFakeVenue()
	venue.placeErr = domain.NewNetworkError("place_order", errors.New("timeout"))
	rel := &fakeReleaser{}
	ex := NewOrderExecutor(venue, Config{}, rel, nil, nil)

	o, err := ex.Submit(context.Background(), testProposal("m1"))

	var subErr *domain.OrderSubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.False(t, domain.IsRetriable(err))
	assert.Equal(t, domain.OrderRejected, o.State)
	assert.NotEmpty(t, o.Reason)

	placed, _ := venue.counts()
	assert.Equal(t, 1, placed)
	assert.Equal(t, "20", rel.released["m1"].String())
}

func TestSubmit_BreakerOpensAfterFailures(t *testing.T) {
	venue := newFakeVenue()
	venue.placeErr = errors.New("bad signature")
	cfg := Config{Breaker: infra.CircuitBreakerConfig{Name: "test", FailureThreshold: 2, Cooldown: time.Hour}}
	ex := NewOrderExecutor(venue, cfg, nil, nil, nil)

	for i := 0; i < 2; i++ {
		_, _ = ex.Submit(context.Background(), testProposal("m1"))
	}
	_, err := ex.Submit(context.Background(), testProposal("m1"))

	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	placed, _ := venue.counts()
	assert.Equal(t, 2, placed)
}

func TestReconcile_AppliesFillsToPosition(t *testing.T) {
	venue := newFakeVenue()
	rel := &fakeReleaser{}
	rec := &fakeRecorder{}
	ex := NewOrderExecutor(venue, Config{}, rel, rec, nil)

	o, err := ex.Submit(context.Background(), testProposal("m1"))
	require.NoError(t, err)

	venue.status[o.ID] = domain.OrderUpdate{OrderID: o.ID, State: domain.OrderPartiallyFilled, FilledQty: dec("5"), AvgPrice: dec("0.52")}
	ex.Reconcile(context.Background())

	assert.Equal(t, "5", ex.MarketPosition("m1").String())
	orders := ex.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderPartiallyFilled, orders[0].State)

	venue.status[o.ID] = domain.OrderUpdate{OrderID: o.ID, State: domain.OrderFilled, FilledQty: dec("20"), AvgPrice: dec("0.52")}
	ex.Reconcile(context.Background())

	assert.Equal(t, "20", ex.MarketPosition("m1").String())
	assert.Equal(t, domain.OrderFilled, ex.Orders()[0].State)
	require.Len(t, rec.fills, 2)
	assert.Equal(t, "15", rec.fills[1].Quantity)
	assert.Empty(t, rel.released)

	pos := ex.Positions()
	require.Len(t, pos, 1)
	assert.Equal(t, "0.52", pos[0].AvgPrice.String())
}

func TestReconcile_CanceledReleasesRemainder(t *testing.T) {
	venue := newFakeVenue()
	rel := &fakeReleaser{}
	ex := NewOrderExecutor(venue, Config{}, rel, nil, nil)

	o, err := ex.Submit(context.Background(), testProposal("m1"))
	require.NoError(t, err)

	venue.status[o.ID] = domain.OrderUpdate{OrderID: o.ID, State: domain.OrderCanceled, FilledQty: dec("8")}
	ex.Reconcile(context.Background())

	assert.Equal(t, domain.OrderCanceled, ex.Orders()[0].State)
	assert.Equal(t, "8", ex.MarketPosition("m1").String())
	assert.Equal(t, "12", rel.released["m1"].String())
}

func TestCancelAll_ShutdownScenario(t *testing.T) {
	venue := newFakeVenue()
	ex := NewOrderExecutor(venue, Config{}, nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := ex.Submit(ctx, testProposal("m1"))
		require.NoError(t, err)
	}
	_, err := ex.Submit(ctx, testProposal("m2"))
	require.NoError(t, err)

	require.NoError(t, ex.Close(ctx))

	_, err = ex.Submit(ctx, testProposal("m1"))
	assert.ErrorIs(t, err, domain.ErrExecutorClosed)

	require.NoError(t, ex.CancelAll(ctx, "m1"))

	placed, canceled := venue.counts()
	assert.Equal(t, 4, placed, "no submissions after close")
	assert.Equal(t, 3, canceled)

	for _, o := range ex.Orders() {
		if o.MarketID == "m1" {
			assert.Equal(t, domain.OrderCanceled, o.State)
		}
	}

	// Idempotent second call.
	assert.NoError(t, ex.CancelAll(ctx, "m1"))
	_, canceled = venue.counts()
	assert.Equal(t, 3, canceled)
}

func TestCancelAll_AppliesFillsSinceLastReconcile(t *testing.T) {
	m := domain.MarketConfig{MarketID: "m1", MaxPosition: dec("20")}
	throttle := risk.NewRiskThrottle(risk.Limits{MaxNotionalPerTrade: dec("100"), MaxTradesPerMinute: 6}, []domain.MarketConfig{m})
	paper := NewPaperVenue(true)
	ex := NewOrderExecutor(paper, Config{}, throttle, nil, nil)
	ctx := context.Background()

	p := testProposal("m1")
	require.NoError(t, throttle.Approve(p))
	o, err := ex.Submit(ctx, p)
	require.NoError(t, err)

	require.NoError(t, paper.Fill(o.ID, dec("5")))
	require.NoError(t, ex.CancelAll(ctx, "m1"))

	got := ex.Orders()[0]
	assert.Equal(t, domain.OrderCanceled, got.State)
	assert.Equal(t, "5", got.FilledQty.String())
	assert.Equal(t, "5", ex.MarketPosition("m1").String())

	rs, _ := throttle.State("m1")
	assert.Equal(t, "5", rs.Committed.String())

	err = throttle.Approve(p)
	r, ok := domain.IsRejection(err)
	require.True(t, ok, "expected rejection, got %v", err)
	assert.Equal(t, domain.RejectPositionCapReached, r)
}

func TestCancelAll_StatusFailureKeepsLocalFills(t *testing.T) {
	venue := newFakeVenue()
	rel := &fakeReleaser{}
	ex := NewOrderExecutor(venue, Config{}, rel, nil, nil)
	ctx := context.Background()

	o, err := ex.Submit(ctx, testProposal("m1"))
	require.NoError(t, err)
	ex.Apply(o.ClientOrderID, domain.OrderUpdate{OrderID: o.ID, State: domain.OrderPartiallyFilled, FilledQty: dec("3")})

	venue.mu.Lock()
	delete(venue.status, o.ID)
	venue.mu.Unlock()

	require.NoError(t, ex.CancelAll(ctx, "m1"))
	assert.Equal(t, domain.OrderCanceled, ex.Orders()[0].State)
	assert.Equal(t, "3", ex.MarketPosition("m1").String())
	assert.Equal(t, "17", rel.released["m1"].String())
}

func TestApply_InvariantPanicReleasesLock(t *testing.T) {
	venue := newFakeVenue()
	ex := NewOrderExecutor(venue, Config{}, nil, nil, nil)

	p := testProposal("m1")
	p.LimitPrice = dec("-0.5")
	o, err := ex.Submit(context.Background(), p)
	require.NoError(t, err)

	assert.Panics(t, func() {
		ex.Apply(o.ClientOrderID, domain.OrderUpdate{OrderID: o.ID, FilledQty: dec("1")})
	})

	done := make(chan struct{})
	go func() {
		ex.Orders()
		ex.Positions()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("executor lock still held after panic")
	}
}

func TestCancelAll_FillRaceIsBenign(t *testing.T) {
	venue := newFakeVenue()
	ex := NewOrderExecutor(venue, Config{}, nil, nil, nil)
	ctx := context.Background()

	o, err := ex.Submit(ctx, testProposal("m1"))
	require.NoError(t, err)

	venue.cancelErr[o.ID] = domain.ErrOrderNotOpen
	venue.status[o.ID] = domain.OrderUpdate{OrderID: o.ID, State: domain.OrderFilled, FilledQty: dec("20"), AvgPrice: dec("0.5")}

	require.NoError(t, ex.CancelAll(ctx, "m1"))
	assert.Equal(t, domain.OrderFilled, ex.Orders()[0].State)
	assert.Equal(t, "20", ex.MarketPosition("m1").String())
}

func TestCancelAll_ReportsVenueErrors(t *testing.T) {
	venue := newFakeVenue()
	ex := NewOrderExecutor(venue, Config{}, nil, nil, nil)
	ctx := context.Background()

	o, err := ex.Submit(ctx, testProposal("m1"))
	require.NoError(t, err)
	venue.cancelErr[o.ID] = errors.New("503")

	err = ex.CancelAll(ctx, "m1")
	require.Error(t, err)
	assert.Equal(t, domain.OrderSubmitted, ex.Orders()[0].State)
}

func TestExecutor_WithPaperVenue(t *testing.T) {
	paper := NewPaperVenue(false)
	ex := NewOrderExecutor(paper, Config{}, nil, nil, nil)
	ctx := context.Background()

	_, err := ex.Submit(ctx, testProposal("m1"))
	require.NoError(t, err)
	ex.Reconcile(ctx)

	assert.Equal(t, "20", ex.MarketPosition("m1").String())
	assert.Len(t, paper.GetFills(), 1)
	assert.NoError(t, ex.CancelAll(ctx, "m1"))
}
