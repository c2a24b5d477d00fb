package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasvidela/chatburst/coordinator/domain"
	"github.com/lucasvidela/chatburst/coordinator/repository"
	pkgError "github.com/lucasvidela/chatburst/pkg/error"
)

// --- Fakes ---

type scheduledCheck struct {
	ref   domain.SettleRef
	delay time.Duration
}

// fakeScheduler records settle-checks instead of timing them, so tests fire
// them by hand in any order.
type fakeScheduler struct {
	mu      sync.Mutex
	pending []scheduledCheck
}

func (s *fakeScheduler) Schedule(ctx context.Context, ref domain.SettleRef, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, scheduledCheck{ref: ref, delay: delay})
	return nil
}

func (s *fakeScheduler) pop() (scheduledCheck, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return scheduledCheck{}, false
	}
	next := s.pending[0]
	s.pending = s.pending[1:]
	return next, true
}

type triggerCall struct {
	conversationID  string
	phone           string
	accumulatedText string
	sourceRef       string
}

type fakeTrigger struct {
	mu        sync.Mutex
	calls     []triggerCall
	err       error
	onProcess func() // runs mid-completion, before Process returns
}

func (t *fakeTrigger) Process(ctx context.Context, conversationID, phone, accumulatedText, sourceRef string) error {
	t.mu.Lock()
	if t.err != nil {
		t.mu.Unlock()
		return t.err
	}
	t.calls = append(t.calls, triggerCall{conversationID, phone, accumulatedText, sourceRef})
	hook := t.onProcess
	t.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (t *fakeTrigger) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

type testRig struct {
	coord     *Coordinator
	scheduler *fakeScheduler
	trigger   *fakeTrigger
	units     *repository.MemoryUnitRepository
	messages  *repository.MemoryMessageRepository
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	msgs := repository.NewMemoryMessageRepository()
	units := repository.NewMemoryUnitRepository(msgs)
	sched := &fakeScheduler{}
	trig := &fakeTrigger{}
	coord := New(units, msgs, sched, trig, nil, Config{Debounce: 5 * time.Second})
	return &testRig{coord: coord, scheduler: sched, trigger: trig, units: units, messages: msgs}
}

// drainChecks fires every pending settle-check, including ones rescheduled
// along the way, until the queue is empty.
func (r *testRig) drainChecks(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		check, ok := r.scheduler.pop()
		if !ok {
			return
		}
		_, err := r.coord.OnSettleCheck(context.Background(), check.ref.UnitID, check.ref.Generation)
		require.NoError(t, err)
	}
	t.Fatal("settle checks did not quiesce")
}

func userArrival(text string) domain.Arrival {
	return domain.Arrival{
		ClientID:      "acme",
		SenderKey:     "5491122334455",
		Phone:         "5491122334455",
		Text:          text,
		Role:          domain.RoleUser,
		SourceChannel: domain.ChannelWhatsApp,
	}
}

// --- Tests ---

func TestOnArrival_FirstMessageOpensUnit(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	result, err := rig.coord.OnArrival(ctx, userArrival("Hola"))
	require.NoError(t, err)
	assert.True(t, result.WasCreated)
	assert.Equal(t, int64(1), result.Unit.Generation)
	assert.Equal(t, domain.StatusOpen, result.Unit.Status)
	assert.Equal(t, "Hola", result.Unit.AccumulatedText)

	check, ok := rig.scheduler.pop()
	require.True(t, ok, "a settle check must be scheduled")
	assert.Equal(t, result.UnitID, check.ref.UnitID)
	assert.Equal(t, int64(1), check.ref.Generation)
	assert.Equal(t, 5*time.Second, check.delay)
}

func TestBurstCoalescesIntoSingleCompletion(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	first, err := rig.coord.OnArrival(ctx, userArrival("Hola"))
	require.NoError(t, err)
	second, err := rig.coord.OnArrival(ctx, userArrival("como estas"))
	require.NoError(t, err)
	third, err := rig.coord.OnArrival(ctx, userArrival("todo bien?"))
	require.NoError(t, err)

	assert.Equal(t, first.UnitID, second.UnitID)
	assert.Equal(t, first.UnitID, third.UnitID)
	assert.Equal(t, int64(3), third.Unit.Generation)
	assert.Equal(t, "Hola como estas todo bien?", third.Unit.AccumulatedText)

	rig.drainChecks(t)

	require.Equal(t, 1, rig.trigger.callCount(), "one completion per settled burst")
	assert.Equal(t, "Hola como estas todo bien?", rig.trigger.calls[0].accumulatedText)
	assert.Equal(t, "5491122334455", rig.trigger.calls[0].phone)

	unit, err := rig.units.GetByID(ctx, first.UnitID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessed, unit.Status)
}

func TestStaleCheckReschedulesAtCurrentGeneration(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	first, err := rig.coord.OnArrival(ctx, userArrival("one"))
	require.NoError(t, err)
	_, err = rig.coord.OnArrival(ctx, userArrival("two"))
	require.NoError(t, err)

	// The generation-1 check is now stale.
	check, ok := rig.scheduler.pop()
	require.True(t, ok)
	require.Equal(t, int64(1), check.ref.Generation)

	result, err := rig.coord.OnSettleCheck(ctx, check.ref.UnitID, check.ref.Generation)
	require.NoError(t, err)
	assert.True(t, result.Rescheduled)
	assert.False(t, result.Processed)
	assert.Zero(t, rig.trigger.callCount())

	// It re-armed itself at generation 2.
	rearmed, ok := rig.scheduler.pop()
	require.True(t, ok)
	assert.Equal(t, first.UnitID, rearmed.ref.UnitID)
	assert.Equal(t, int64(2), rearmed.ref.Generation)
}

func TestDuplicateSettleCheckIsBenign(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	result, err := rig.coord.OnArrival(ctx, userArrival("solo"))
	require.NoError(t, err)

	settled, err := rig.coord.OnSettleCheck(ctx, result.UnitID, 1)
	require.NoError(t, err)
	assert.True(t, settled.Processed)

	// Second delivery of the same callback finds the unit inactive.
	again, err := rig.coord.OnSettleCheck(ctx, result.UnitID, 1)
	require.NoError(t, err)
	assert.False(t, again.Processed)
	assert.Equal(t, 1, rig.trigger.callCount())
}

func TestSendersAreIsolated(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	alice := domain.Arrival{
		ClientID: "acme", SenderKey: "alice", Phone: "111",
		Text: "hola soy alice", Role: domain.RoleUser, SourceChannel: domain.ChannelAPI,
	}
	bob := domain.Arrival{
		ClientID: "acme", SenderKey: "bob", Phone: "222",
		Text: "hola soy bob", Role: domain.RoleUser, SourceChannel: domain.ChannelAPI,
	}

	aliceResult, err := rig.coord.OnArrival(ctx, alice)
	require.NoError(t, err)
	bobResult, err := rig.coord.OnArrival(ctx, bob)
	require.NoError(t, err)
	require.NotEqual(t, aliceResult.UnitID, bobResult.UnitID)

	alice.Text = "sigo escribiendo"
	merged, err := rig.coord.OnArrival(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, aliceResult.UnitID, merged.UnitID)

	// Bob's burst was never touched by Alice's second message.
	bobUnit, err := rig.units.GetByID(ctx, bobResult.UnitID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), bobUnit.Generation)
	assert.Equal(t, "hola soy bob", bobUnit.AccumulatedText)

	rig.drainChecks(t)

	require.Equal(t, 2, rig.trigger.callCount())
	texts := []string{rig.trigger.calls[0].accumulatedText, rig.trigger.calls[1].accumulatedText}
	assert.Contains(t, texts, "hola soy alice sigo escribiendo")
	assert.Contains(t, texts, "hola soy bob")
}

func TestSameSenderDifferentClientsAreIsolated(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	a := userArrival("para acme")
	b := userArrival("para globex")
	b.ClientID = "globex"

	resA, err := rig.coord.OnArrival(ctx, a)
	require.NoError(t, err)
	resB, err := rig.coord.OnArrival(ctx, b)
	require.NoError(t, err)

	assert.NotEqual(t, resA.UnitID, resB.UnitID)
}

func TestSystemRoleBypassesDebounce(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	arrival := userArrival("contexto inyectado")
	arrival.Role = domain.RoleSystem

	result, err := rig.coord.OnArrival(ctx, arrival)
	require.NoError(t, err)
	assert.Empty(t, result.UnitID)

	_, err = rig.units.FindActive(ctx, "acme", "5491122334455")
	assert.ErrorIs(t, err, domain.ErrUnitNotFound)

	_, ok := rig.scheduler.pop()
	assert.False(t, ok, "system messages must not schedule settle checks")
}

func TestRedeliveredArrivalAppliesTextOnce(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	arrival := userArrival("mensaje unico")
	arrival.ExternalID = "wamid.123"

	first, err := rig.coord.OnArrival(ctx, arrival)
	require.NoError(t, err)
	require.True(t, first.WasCreated)

	// Provider redelivers the same webhook.
	second, err := rig.coord.OnArrival(ctx, arrival)
	require.NoError(t, err)
	assert.False(t, second.WasCreated)
	assert.Equal(t, first.UnitID, second.UnitID)

	unit, err := rig.units.GetByID(ctx, first.UnitID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), unit.Generation, "redelivery must not bump the generation")
	assert.Equal(t, "mensaje unico", unit.AccumulatedText, "text must be applied exactly once")

	rig.drainChecks(t)
	require.Equal(t, 1, rig.trigger.callCount())
	assert.Equal(t, "mensaje unico", rig.trigger.calls[0].accumulatedText)
}

func TestRedeliveryAfterSettlementIsNoOp(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	arrival := userArrival("ya procesado")
	arrival.ExternalID = "wamid.456"

	result, err := rig.coord.OnArrival(ctx, arrival)
	require.NoError(t, err)
	rig.drainChecks(t)
	require.Equal(t, 1, rig.trigger.callCount())

	// Late redelivery, long after the burst settled.
	late, err := rig.coord.OnArrival(ctx, arrival)
	require.NoError(t, err)
	assert.False(t, late.WasCreated)
	assert.Equal(t, result.UnitID, late.UnitID)

	rig.drainChecks(t)
	assert.Equal(t, 1, rig.trigger.callCount(), "no second completion for a redelivered settled arrival")
}

func TestCompletionFailureLeavesUnitSettling(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.trigger.err = errors.New("model unavailable")

	result, err := rig.coord.OnArrival(ctx, userArrival("sin suerte"))
	require.NoError(t, err)

	check, ok := rig.scheduler.pop()
	require.True(t, ok)
	_, err = rig.coord.OnSettleCheck(ctx, check.ref.UnitID, check.ref.Generation)
	var trigErr pkgError.CompletionTriggerError
	require.ErrorAs(t, err, &trigErr)

	unit, err := rig.units.GetByID(ctx, result.UnitID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSettling, unit.Status)
	assert.Equal(t, 1, unit.FailureCount)

	// The next arrival merges into the settling unit, reopens it and arms a
	// fresh check. Once the model recovers, the whole burst settles.
	rig.trigger.err = nil
	merged, err := rig.coord.OnArrival(ctx, userArrival("ahora si"))
	require.NoError(t, err)
	assert.Equal(t, result.UnitID, merged.UnitID)
	assert.Equal(t, domain.StatusOpen, merged.Unit.Status)

	rig.drainChecks(t)
	require.Equal(t, 1, rig.trigger.callCount())
	assert.Equal(t, "sin suerte ahora si", rig.trigger.calls[0].accumulatedText)
}

// claimHookRepo runs a hook once, right before the first Claim, recreating
// the window between a settle-check's read and its claim.
type claimHookRepo struct {
	domain.UnitRepository
	once        sync.Once
	beforeClaim func()
}

func (r *claimHookRepo) Claim(ctx context.Context, unitID string, generation int64, now time.Time) (domain.PendingUnit, error) {
	r.once.Do(func() {
		if r.beforeClaim != nil {
			r.beforeClaim()
		}
	})
	return r.UnitRepository.Claim(ctx, unitID, generation, now)
}

func TestArrivalDuringClaimWindowKeepsCheckInFlight(t *testing.T) {
	msgs := repository.NewMemoryMessageRepository()
	units := repository.NewMemoryUnitRepository(msgs)
	wrapped := &claimHookRepo{UnitRepository: units}
	sched := &fakeScheduler{}
	trig := &fakeTrigger{}
	coord := New(wrapped, msgs, sched, trig, nil, Config{Debounce: 5 * time.Second})
	ctx := context.Background()

	first, err := coord.OnArrival(ctx, userArrival("Hola"))
	require.NoError(t, err)

	// A second message lands after the check read the unit but before it
	// claimed. The merge finds the unit open, so it arms no check of its own.
	wrapped.beforeClaim = func() {
		_, err := coord.OnArrival(ctx, userArrival("como estas"))
		require.NoError(t, err)
	}

	check, ok := sched.pop()
	require.True(t, ok)
	result, err := coord.OnSettleCheck(ctx, check.ref.UnitID, check.ref.Generation)
	require.NoError(t, err)
	assert.True(t, result.Rescheduled, "a check losing its claim to a merge must re-arm")
	assert.False(t, result.Processed)

	rearmed, ok := sched.pop()
	require.True(t, ok, "a settle check must stay in flight for the burst")
	assert.Equal(t, first.UnitID, rearmed.ref.UnitID)
	assert.Equal(t, int64(2), rearmed.ref.Generation)

	settled, err := coord.OnSettleCheck(ctx, rearmed.ref.UnitID, rearmed.ref.Generation)
	require.NoError(t, err)
	assert.True(t, settled.Processed)
	require.Equal(t, 1, trig.callCount())
	assert.Equal(t, "Hola como estas", trig.calls[0].accumulatedText)
}

func TestForceSettleRecoversFailedUnit(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.trigger.err = errors.New("model unavailable")

	result, err := rig.coord.OnArrival(ctx, userArrival("sin respuesta"))
	require.NoError(t, err)

	check, ok := rig.scheduler.pop()
	require.True(t, ok)
	_, err = rig.coord.OnSettleCheck(ctx, check.ref.UnitID, check.ref.Generation)
	var trigErr pkgError.CompletionTriggerError
	require.ErrorAs(t, err, &trigErr)

	// Model back, no new arrival in sight: the operator forces the settle.
	rig.trigger.err = nil
	forced, err := rig.coord.ForceSettle(ctx, result.UnitID)
	require.NoError(t, err)
	assert.True(t, forced.Processed)

	require.Equal(t, 1, rig.trigger.callCount())
	assert.Equal(t, "sin respuesta", rig.trigger.calls[0].accumulatedText)

	unit, err := rig.units.GetByID(ctx, result.UnitID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessed, unit.Status)
}

func TestForceSettleUnknownUnit(t *testing.T) {
	rig := newTestRig(t)

	_, err := rig.coord.ForceSettle(context.Background(), "missing")
	var notFound pkgError.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestArrivalMidCompletionOnlySendsNewTextNext(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	first, err := rig.coord.OnArrival(ctx, userArrival("Hola"))
	require.NoError(t, err)

	// An arrival lands while the completion for "Hola" is running.
	var once sync.Once
	rig.trigger.onProcess = func() {
		once.Do(func() {
			_, err := rig.coord.OnArrival(ctx, userArrival("y otra cosa"))
			require.NoError(t, err)
		})
	}

	rig.drainChecks(t)

	require.Equal(t, 2, rig.trigger.callCount())
	assert.Equal(t, "Hola", rig.trigger.calls[0].accumulatedText)
	assert.Equal(t, "y otra cosa", rig.trigger.calls[1].accumulatedText,
		"already-answered text must not ride into the next completion")

	unit, err := rig.units.GetByID(ctx, first.UnitID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessed, unit.Status)
}

func TestSupersededUnitFreesTheSlot(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	stuck, err := rig.coord.OnArrival(ctx, userArrival("atascado"))
	require.NoError(t, err)

	_, err = rig.units.Supersede(ctx, stuck.UnitID, time.Now())
	require.NoError(t, err)

	fresh, err := rig.coord.OnArrival(ctx, userArrival("de nuevo"))
	require.NoError(t, err)
	assert.True(t, fresh.WasCreated)
	assert.NotEqual(t, stuck.UnitID, fresh.UnitID)
}

func TestMalformedArrivalIsRejected(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	cases := []domain.Arrival{
		{ClientID: "", SenderKey: "s", Text: "x", Role: domain.RoleUser},
		{ClientID: "c", SenderKey: "", Text: "x", Role: domain.RoleUser},
		{ClientID: "c", SenderKey: "s", Text: "   ", Role: domain.RoleUser},
		{ClientID: "c", SenderKey: "s", Text: "x", Role: "assistant"},
	}
	for _, a := range cases {
		_, err := rig.coord.OnArrival(ctx, a)
		var malformed pkgError.MalformedArrivalError
		assert.ErrorAs(t, err, &malformed, "arrival %+v must be rejected", a)
	}

	_, ok := rig.scheduler.pop()
	assert.False(t, ok, "rejected arrivals must not schedule anything")
}

func TestConcurrentArrivalsKeepSingleActiveUnit(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := rig.coord.OnArrival(ctx, userArrival(fmt.Sprintf("parte-%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	unit, err := rig.units.FindActive(ctx, "acme", "5491122334455")
	require.NoError(t, err)
	assert.Equal(t, int64(n), unit.Generation)
	for i := 0; i < n; i++ {
		assert.Contains(t, unit.AccumulatedText, fmt.Sprintf("parte-%d", i))
	}

	rig.drainChecks(t)
	assert.Equal(t, 1, rig.trigger.callCount())
}
