package coordinator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lucasvidela/chatburst/coordinator/domain"
	pkgError "github.com/lucasvidela/chatburst/pkg/error"
	"github.com/lucasvidela/chatburst/validations"
)

const (
	// DefaultDebounce is the sliding-window width when none is configured.
	DefaultDebounce = 5 * time.Second

	defaultHistoryLimit = 20
	maxUpsertRetries    = 3
)

// Config tunes the coordinator.
type Config struct {
	// Debounce is the interval of sender inactivity required before a burst
	// settles (DEBOUNCE_SECONDS).
	Debounce time.Duration
	// HistoryLimit caps how many stored messages the completion trigger may
	// read back. Kept here so callers share one knob.
	HistoryLimit int
}

func (c *Config) applyDefaults() {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
}

// Coordinator decides, for every inbound arrival, whether to open a new burst
// or merge into the sender's pending one, and fires the completion trigger
// exactly once per settled burst.
//
// All shared state lives in the repositories; the coordinator itself holds
// nothing mutable, so independent webhook deliveries and settle callbacks can
// run it concurrently.
type Coordinator struct {
	units     domain.UnitRepository
	messages  domain.MessageRepository
	scheduler domain.Scheduler
	trigger   domain.CompletionTrigger
	guard     domain.SettleGuard // optional
	cfg       Config
	now       func() time.Time
}

// New wires a coordinator. guard may be nil.
func New(units domain.UnitRepository, messages domain.MessageRepository, scheduler domain.Scheduler, trigger domain.CompletionTrigger, guard domain.SettleGuard, cfg Config) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		units:     units,
		messages:  messages,
		scheduler: scheduler,
		trigger:   trigger,
		guard:     guard,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Debounce exposes the configured sliding-window width.
func (c *Coordinator) Debounce() time.Duration {
	return c.cfg.Debounce
}

// OnArrival persists the inbound message durability-first, then upserts or
// merges the sender's pending unit. System-role messages are recorded as
// context and never open a burst.
func (c *Coordinator) OnArrival(ctx context.Context, a domain.Arrival) (domain.ArrivalResult, error) {
	a.ClientID = strings.TrimSpace(a.ClientID)
	a.SenderKey = strings.TrimSpace(a.SenderKey)
	a.Text = strings.TrimSpace(a.Text)
	if a.SourceChannel == "" {
		a.SourceChannel = domain.ChannelAPI
	}
	if err := validations.ValidateArrival(a); err != nil {
		return domain.ArrivalResult{}, pkgError.MalformedArrivalError(err.Error())
	}

	conv, err := c.messages.EnsureConversation(ctx, a.ClientID, a.SenderKey, a.Phone, a.SourceChannel)
	if err != nil {
		return domain.ArrivalResult{}, pkgError.TransientStoreError{Err: err}
	}

	msg := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		ClientID:       a.ClientID,
		SenderKey:      a.SenderKey,
		ExternalID:     a.ExternalID,
		Role:           a.Role,
		Text:           a.Text,
		CreatedAt:      c.now(),
	}
	stored, created, err := c.messages.Insert(ctx, msg)
	if err != nil {
		return domain.ArrivalResult{}, pkgError.TransientStoreError{Err: err}
	}
	if !created {
		logrus.WithFields(logrus.Fields{
			"client_id":   a.ClientID,
			"external_id": a.ExternalID,
		}).Debug("[COORDINATOR] Redelivered message, reusing stored row")
	}

	// Injected context bypasses debouncing entirely.
	if a.Role == domain.RoleSystem {
		return domain.ArrivalResult{}, nil
	}

	return c.upsertUnit(ctx, a, stored)
}

// upsertUnit runs the find-or-create-or-merge loop under optimistic
// concurrency. Conflicts mean another delivery won the slot; re-read and
// merge instead.
func (c *Coordinator) upsertUnit(ctx context.Context, a domain.Arrival, msg domain.Message) (domain.ArrivalResult, error) {
	for attempt := 0; attempt < maxUpsertRetries; attempt++ {
		unit, err := c.units.FindActive(ctx, a.ClientID, a.SenderKey)
		if errors.Is(err, domain.ErrUnitNotFound) {
			now := c.now()
			fresh := &domain.PendingUnit{
				ID:              uuid.NewString(),
				ClientID:        a.ClientID,
				SenderKey:       a.SenderKey,
				Phone:           a.Phone,
				ConversationID:  msg.ConversationID,
				SourceChannel:   a.SourceChannel,
				SourceRef:       a.SourceRef,
				AccumulatedText: msg.Text,
				Generation:      1,
				Status:          domain.StatusOpen,
				FirstArrivalAt:  now,
				LastArrivalAt:   now,
			}
			err = c.units.Create(ctx, fresh, msg.ID)
			switch {
			case errors.Is(err, domain.ErrActiveUnitExists):
				continue // lost the race, merge into the winner
			case errors.Is(err, domain.ErrMessageAlreadyApplied):
				// Pure redelivery of an arrival whose unit already settled.
				return domain.ArrivalResult{UnitID: msg.UnitID}, nil
			case err != nil:
				return domain.ArrivalResult{}, pkgError.TransientStoreError{Err: err}
			}
			if err := c.schedule(ctx, *fresh); err != nil {
				return domain.ArrivalResult{}, err
			}
			logrus.WithFields(logrus.Fields{
				"unit_id":    fresh.ID,
				"client_id":  fresh.ClientID,
				"sender_key": fresh.SenderKey,
			}).Debug("[COORDINATOR] Opened new pending unit")
			return domain.ArrivalResult{WasCreated: true, UnitID: fresh.ID, Unit: *fresh}, nil
		}
		if err != nil {
			return domain.ArrivalResult{}, pkgError.TransientStoreError{Err: err}
		}

		wasSettling := unit.Status == domain.StatusSettling
		merged, err := c.units.Merge(ctx, unit.ID, msg.ID, msg.Text, c.now())
		switch {
		case errors.Is(err, domain.ErrMessageAlreadyApplied):
			// Redelivery: the text is already in. Re-arm a settle-check so a
			// burst orphaned by a crashed scheduler still settles; duplicates
			// are benign by the staleness rule.
			if unit.Status == domain.StatusOpen {
				if err := c.schedule(ctx, unit); err != nil {
					return domain.ArrivalResult{}, err
				}
			}
			return domain.ArrivalResult{UnitID: unit.ID, Unit: unit}, nil
		case errors.Is(err, domain.ErrStaleUnit):
			continue // went terminal between read and merge
		case err != nil:
			return domain.ArrivalResult{}, pkgError.TransientStoreError{Err: err}
		}

		// A settling unit has no live settle-check left (it fired and either
		// failed or is mid-completion), so the merge must arm a fresh one.
		if wasSettling {
			if err := c.schedule(ctx, merged); err != nil {
				return domain.ArrivalResult{}, err
			}
		}
		return domain.ArrivalResult{UnitID: merged.ID, Unit: merged}, nil
	}
	return domain.ArrivalResult{}, pkgError.TransientStoreError{Err: errors.New("unit upsert contention, giving up")}
}

// OnSettleCheck re-evaluates a burst once the debounce delay has elapsed.
// Safe to invoke more than once per (unitID, generation).
func (c *Coordinator) OnSettleCheck(ctx context.Context, unitID string, observedGeneration int64) (domain.SettleResult, error) {
	unit, err := c.units.GetByID(ctx, unitID)
	if errors.Is(err, domain.ErrUnitNotFound) {
		return domain.SettleResult{}, nil // benign: nothing to settle
	}
	if err != nil {
		return domain.SettleResult{}, pkgError.TransientStoreError{Err: err}
	}
	if !unit.Active() {
		return domain.SettleResult{}, nil // already handled
	}

	if unit.Generation > observedGeneration {
		// A later arrival extended the burst. This check is stale, but it is
		// the only one in flight, so it re-arms itself at the current
		// generation: sliding-window debounce.
		if err := c.schedule(ctx, unit); err != nil {
			return domain.SettleResult{}, err
		}
		logrus.WithFields(logrus.Fields{
			"unit_id":      unitID,
			"observed_gen": observedGeneration,
			"current_gen":  unit.Generation,
		}).Debug("[SETTLE] Stale check, rescheduled")
		return domain.SettleResult{Rescheduled: true}, nil
	}
	if unit.Generation < observedGeneration {
		return domain.SettleResult{}, nil
	}

	if c.guard != nil {
		ok, err := c.guard.Acquire(ctx, unitID, observedGeneration)
		if err != nil {
			logrus.WithError(err).Warn("[SETTLE] Dedupe guard unavailable, relying on generation check")
		} else if !ok {
			return domain.SettleResult{}, nil // duplicate callback delivery
		}
	}

	claimed, err := c.units.Claim(ctx, unitID, observedGeneration, c.now())
	if errors.Is(err, domain.ErrStaleUnit) {
		// Lost the claim. Usually a duplicate delivery of this callback owns
		// the settle now, but an arrival merging between the read above and
		// the claim also lands here, and that merge armed no check because
		// the unit was still open. Re-read to tell the cases apart: a unit
		// left open at a later generation has no check in flight, so this
		// one re-arms it.
		current, rerr := c.units.GetByID(ctx, unitID)
		if rerr != nil || current.Status != domain.StatusOpen || current.Generation <= observedGeneration {
			return domain.SettleResult{}, nil
		}
		if err := c.schedule(ctx, current); err != nil {
			return domain.SettleResult{}, err
		}
		logrus.WithFields(logrus.Fields{
			"unit_id":      unitID,
			"observed_gen": observedGeneration,
			"current_gen":  current.Generation,
		}).Debug("[SETTLE] Claim lost to a newer arrival, rescheduled")
		return domain.SettleResult{Rescheduled: true}, nil
	}
	if err != nil {
		return domain.SettleResult{}, pkgError.TransientStoreError{Err: err}
	}

	if err := c.trigger.Process(ctx, claimed.ConversationID, claimed.Phone, claimed.AccumulatedText, claimed.SourceRef); err != nil {
		if ferr := c.units.RecordFailure(ctx, unitID, c.now()); ferr != nil {
			logrus.WithError(ferr).Error("[SETTLE] Failed to record completion failure")
		}
		logrus.WithError(err).WithFields(logrus.Fields{
			"unit_id":       unitID,
			"generation":    observedGeneration,
			"failure_count": claimed.FailureCount + 1,
		}).Error("[SETTLE] Completion trigger failed, unit left settling")
		return domain.SettleResult{}, pkgError.CompletionTriggerError{Err: err}
	}

	if _, err := c.units.MarkProcessed(ctx, unitID, observedGeneration, c.now()); err != nil {
		if errors.Is(err, domain.ErrStaleUnit) {
			// An arrival extended the burst while the completion ran; the
			// merge armed a fresh check that settles the remainder. The reply
			// for this text already went out, so drop the answered prefix.
			c.trimAnswered(ctx, unitID, claimed.AccumulatedText)
			logrus.WithField("unit_id", unitID).Info("[SETTLE] Unit extended mid-completion, reply already sent")
			return domain.SettleResult{Processed: true}, nil
		}
		return domain.SettleResult{}, pkgError.TransientStoreError{Err: err}
	}
	if err := c.messages.MarkProcessed(ctx, unitID); err != nil {
		logrus.WithError(err).Warn("[SETTLE] Failed to mark messages processed")
	}

	logrus.WithFields(logrus.Fields{
		"unit_id":    unitID,
		"generation": observedGeneration,
	}).Info("[SETTLE] Burst settled and processed")
	return domain.SettleResult{Processed: true}, nil
}

// ForceSettle runs an immediate settle-check at the unit's current
// generation, reopening it first when a failed completion left it settling.
// Operator recovery path for stuck units.
func (c *Coordinator) ForceSettle(ctx context.Context, unitID string) (domain.SettleResult, error) {
	unit, err := c.units.GetByID(ctx, unitID)
	if errors.Is(err, domain.ErrUnitNotFound) {
		return domain.SettleResult{}, pkgError.NotFoundError("unit not found")
	}
	if err != nil {
		return domain.SettleResult{}, pkgError.TransientStoreError{Err: err}
	}
	if !unit.Active() {
		return domain.SettleResult{}, nil
	}
	if unit.Status == domain.StatusSettling {
		reopened, err := c.units.Reopen(ctx, unitID, c.now())
		switch {
		case errors.Is(err, domain.ErrStaleUnit):
			// Transitioned underneath us; whoever did owns the settle.
			return domain.SettleResult{}, nil
		case err != nil:
			return domain.SettleResult{}, pkgError.TransientStoreError{Err: err}
		}
		logrus.WithFields(logrus.Fields{
			"unit_id":       unitID,
			"failure_count": reopened.FailureCount,
		}).Info("[SETTLE] Reopened settling unit for forced check")
		unit = reopened
	}
	return c.OnSettleCheck(ctx, unitID, unit.Generation)
}

// trimAnswered removes already-replied text from a unit that gained arrivals
// mid-completion, so the follow-up settle only carries the new messages. Best
// effort: a concurrent merge wins the generation and the full text rides
// along, which the receiver tolerates as a duplicate.
func (c *Coordinator) trimAnswered(ctx context.Context, unitID, answered string) {
	current, err := c.units.GetByID(ctx, unitID)
	if err != nil || !current.Active() {
		return
	}
	rest, found := strings.CutPrefix(current.AccumulatedText, answered+domain.TextDelimiter)
	if !found {
		return
	}
	err = c.units.ReplaceText(ctx, unitID, current.Generation, rest, c.now())
	if err != nil && !errors.Is(err, domain.ErrStaleUnit) {
		logrus.WithError(err).WithField("unit_id", unitID).Warn("[SETTLE] Failed to trim answered burst text")
	}
}

func (c *Coordinator) schedule(ctx context.Context, u domain.PendingUnit) error {
	ref := domain.SettleRef{
		UnitID:     u.ID,
		ClientID:   u.ClientID,
		SenderKey:  u.SenderKey,
		Generation: u.Generation,
	}
	if err := c.scheduler.Schedule(ctx, ref, c.cfg.Debounce); err != nil {
		return pkgError.TransientStoreError{Err: err}
	}
	return nil
}
