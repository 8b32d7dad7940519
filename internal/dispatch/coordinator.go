// Package dispatch owns the campaign send lifecycle: partitioning
// recipients into batches, driving the transport, recording one
// delivery record per recipient, and advancing campaign status.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"SendHive/internal/ledger"
	"SendHive/internal/metrics"
	"SendHive/internal/models"
)

type Coordinator struct {
	campaigns CampaignStore
	ledger    ledger.Ledger
	transport Transport
	drafts    DraftClearer
	limiter   *rate.Limiter
	log       *zap.Logger
	cfg       Config

	mu     sync.Mutex
	paused map[uuid.UUID]*atomic.Bool
}

// NewCoordinator wires a coordinator. drafts may be nil when no
// autosave layer is attached; limiter may be nil to disable pacing.
func NewCoordinator(campaigns CampaignStore, lg ledger.Ledger, transport Transport, drafts DraftClearer, limiter *rate.Limiter, log *zap.Logger, cfg Config) *Coordinator {
	return &Coordinator{
		campaigns: campaigns,
		ledger:    lg,
		transport: transport,
		drafts:    drafts,
		limiter:   limiter,
		log:       log,
		cfg:       cfg.withDefaults(),
		paused:    make(map[uuid.UUID]*atomic.Bool),
	}
}

// Send dispatches the campaign to recipients in fixed-size batches.
// The status move to sending is a compare-and-swap against persisted
// state, so two concurrent triggers yield exactly one send. Batch
// failures are recorded and skipped over; only persistence failures
// abort the invocation.
func (c *Coordinator) Send(ctx context.Context, campaign *models.Campaign, recipients []models.Recipient) (Result, error) {
	if len(recipients) == 0 {
		return Result{}, errors.New("no recipients to dispatch")
	}

	ok, err := c.transition(ctx, campaign.ID, models.SendableStatuses(), models.StatusSending, time.Now().UTC())
	if err != nil {
		return Result{}, fmt.Errorf("transition to sending: %w", err)
	}
	if !ok {
		return Result{}, ErrInvalidStateTransition
	}

	if c.drafts != nil {
		if err := c.drafts.DeleteDraft(ctx, campaign.OwnerID); err != nil {
			c.log.Warn("failed to clear draft snapshot",
				zap.String("campaign_id", campaign.ID.String()),
				zap.Error(err),
			)
		}
	}

	flag := c.registerPause(campaign.ID)
	defer c.unregisterPause(campaign.ID)

	toSend, transientSkips, err := c.filterRecipients(ctx, campaign.ID, recipients)
	if err != nil {
		return Result{}, err
	}

	batches := partition(campaign.ID, toSend, c.cfg.BatchSize)

	c.log.Info("campaign dispatch started",
		zap.String("campaign_id", campaign.ID.String()),
		zap.Int("recipients", len(toSend)),
		zap.Int("batches", len(batches)),
		zap.Int("skipped", transientSkips),
	)

	var pausedNow bool
	if c.cfg.Concurrency > 1 {
		pausedNow, err = c.runParallel(ctx, campaign, batches, flag)
	} else {
		pausedNow, err = c.runSequential(ctx, campaign, batches, flag)
	}
	if err != nil {
		return Result{}, err
	}

	counts, err := c.ledger.CountsFor(ctx, campaign.ID)
	if err != nil {
		return Result{}, fmt.Errorf("aggregate delivery counts: %w", err)
	}
	result := Result{
		Sent:    counts.Sent,
		Failed:  counts.Failed,
		Skipped: counts.Skipped + transientSkips,
	}

	if pausedNow {
		ok, err := c.transition(ctx, campaign.ID, []models.CampaignStatus{models.StatusSending}, models.StatusPaused, time.Now().UTC())
		if err != nil {
			return result, fmt.Errorf("transition to paused: %w", err)
		}
		if ok {
			c.log.Info("campaign paused at batch boundary",
				zap.String("campaign_id", campaign.ID.String()),
				zap.Int("sent", result.Sent),
			)
		}
		result.Paused = true
		return result, nil
	}

	final := models.StatusFailed
	if counts.Sent > 0 {
		final = models.StatusSent
	}
	if _, err := c.transition(ctx, campaign.ID, []models.CampaignStatus{models.StatusSending}, final, time.Now().UTC()); err != nil {
		return result, fmt.Errorf("transition to %s: %w", final, err)
	}

	c.log.Info("campaign dispatch complete",
		zap.String("campaign_id", campaign.ID.String()),
		zap.String("status", string(final)),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

// Resume re-dispatches only the recipients still lacking a sent
// delivery record. Upsert semantics make the final ledger state
// identical whether the campaign completed in one pass or several.
func (c *Coordinator) Resume(ctx context.Context, campaign *models.Campaign) (Result, error) {
	remaining, err := c.ledger.RecipientsWithoutOutcome(ctx, campaign.ID, models.OutcomeSent)
	if err != nil {
		return Result{}, fmt.Errorf("load remaining recipients: %w", err)
	}

	if len(remaining) == 0 {
		counts, err := c.ledger.CountsFor(ctx, campaign.ID)
		if err != nil {
			return Result{}, err
		}
		return Result{Sent: counts.Sent, Failed: counts.Failed, Skipped: counts.Skipped}, nil
	}

	return c.Send(ctx, campaign, remaining)
}

// Pause requests a stop at the next batch boundary. The in-flight
// transport call always completes; the status flip to paused happens
// inside the send loop once the boundary is reached.
func (c *Coordinator) Pause(campaignID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	flag, ok := c.paused[campaignID]
	if !ok {
		return ErrInvalidStateTransition
	}
	flag.Store(true)
	return nil
}

func (c *Coordinator) runSequential(ctx context.Context, campaign *models.Campaign, batches []Batch, flag *atomic.Bool) (paused bool, err error) {
	for _, b := range batches {
		if flag.Load() {
			return true, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if err := c.dispatchBatch(ctx, campaign, b); err != nil {
			return false, err
		}
	}
	return false, nil
}

// runParallel fans batches out to a bounded worker pool. No ordering
// holds across batches, but each recipient appears in exactly one
// batch and ledger writes serialize per key, so last-write-wins is
// still deterministic.
func (c *Coordinator) runParallel(ctx context.Context, campaign *models.Campaign, batches []Batch, flag *atomic.Bool) (bool, error) {
	jobs := make(chan Batch)
	errs := make(chan error, c.cfg.Concurrency)

	// dead unblocks the feeder once any worker hits a fatal
	// persistence error; without it a full worker die-off would leave
	// the feeder stuck on the jobs send forever.
	dead := make(chan struct{})
	var deadOnce sync.Once

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range jobs {
				if err := c.dispatchBatch(ctx, campaign, b); err != nil {
					select {
					case errs <- err:
					default:
					}
					deadOnce.Do(func() { close(dead) })
					return
				}
			}
		}()
	}

	var paused bool
feed:
	for _, b := range batches {
		if flag.Load() {
			paused = true
			break
		}
		select {
		case <-ctx.Done():
			break feed
		case <-dead:
			break feed
		case jobs <- b:
		}
	}
	close(jobs)
	wg.Wait()

	select {
	case err := <-errs:
		return paused, err
	default:
	}
	if err := ctx.Err(); err != nil {
		return paused, err
	}
	return paused, nil
}

func (c *Coordinator) dispatchBatch(ctx context.Context, campaign *models.Campaign, b Batch) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	addresses := make([]string, len(b.Recipients))
	for i, r := range b.Recipients {
		addresses[i] = r.Email
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	res, sendErr := c.transport.SendBatch(sendCtx, addresses, campaign.SubjectLine, campaign.Content, c.cfg.FromAddress, c.cfg.ReplyTo)
	cancel()

	now := time.Now().UTC()

	if sendErr != nil {
		detail := sendErr.Error()
		if errors.Is(sendErr, context.DeadlineExceeded) {
			detail = fmt.Sprintf("transport timed out after %s: %v", c.cfg.SendTimeout, sendErr)
		}

		metrics.BatchesFailed.Inc()
		c.log.Error("batch send failed",
			zap.String("campaign_id", campaign.ID.String()),
			zap.Int("batch", b.SequenceIndex),
			zap.Int("size", len(b.Recipients)),
			zap.Error(sendErr),
		)

		for _, r := range b.Recipients {
			rec := models.DeliveryRecord{
				CampaignID:     campaign.ID,
				RecipientEmail: r.Email,
				Outcome:        models.OutcomeFailed,
				SentAt:         now,
				ErrorDetail:    detail,
			}
			if err := c.upsertWithRetry(ctx, rec); err != nil {
				return err
			}
			metrics.RecipientsFailed.Inc()
		}
		return nil
	}

	for _, r := range b.Recipients {
		rec := models.DeliveryRecord{
			CampaignID:        campaign.ID,
			RecipientEmail:    r.Email,
			Outcome:           models.OutcomeSent,
			SentAt:            now,
			ProviderMessageID: res.ProviderMessageID,
		}
		if err := c.upsertWithRetry(ctx, rec); err != nil {
			return err
		}
		metrics.RecipientsSent.Inc()
	}

	c.log.Info("batch sent",
		zap.String("campaign_id", campaign.ID.String()),
		zap.Int("batch", b.SequenceIndex),
		zap.Int("size", len(b.Recipients)),
	)
	return nil
}

// upsertWithRetry guards the correctness backbone: a delivery record
// write gets a bounded exponential backoff, and exhaustion fails the
// whole invocation rather than silently losing the record.
func (c *Coordinator) upsertWithRetry(ctx context.Context, rec models.DeliveryRecord) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second

	op := func() error {
		return c.ledger.Upsert(ctx, rec)
	}

	policy := backoff.WithMaxRetries(b, uint64(c.cfg.LedgerRetryAttempts))
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("delivery record write for %s: %w", rec.RecipientEmail, err)
	}
	return nil
}

// filterRecipients dedupes the input defensively and drops recipients
// that already carry a sent record, so a re-send with the full
// audience never double-delivers. Drops are reported as skips; the
// existing sent records stay untouched.
func (c *Coordinator) filterRecipients(ctx context.Context, campaignID uuid.UUID, in []models.Recipient) ([]models.Recipient, int, error) {
	existing, err := c.ledger.RecordsFor(ctx, campaignID)
	if err != nil {
		return nil, 0, fmt.Errorf("load existing delivery records: %w", err)
	}
	alreadySent := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		if rec.Outcome == models.OutcomeSent {
			alreadySent[models.NormalizeEmail(rec.RecipientEmail)] = struct{}{}
		}
	}

	seen := make(map[string]struct{}, len(in))
	out := make([]models.Recipient, 0, len(in))
	skipped := 0

	for _, r := range in {
		email := models.NormalizeEmail(r.Email)
		if email == "" {
			continue
		}
		if _, dup := seen[email]; dup {
			skipped++
			metrics.RecipientsSkipped.Inc()
			continue
		}
		seen[email] = struct{}{}

		if _, done := alreadySent[email]; done {
			skipped++
			metrics.RecipientsSkipped.Inc()
			continue
		}

		r.Email = email
		out = append(out, r)
	}
	return out, skipped, nil
}

// transition validates the move against the status table before
// handing it to the store's compare-and-swap.
func (c *Coordinator) transition(ctx context.Context, id uuid.UUID, from []models.CampaignStatus, to models.CampaignStatus, at time.Time) (bool, error) {
	for _, f := range from {
		if !f.CanTransitionTo(to) {
			return false, fmt.Errorf("illegal status transition %s -> %s", f, to)
		}
	}
	return c.campaigns.CompareAndSwapStatus(ctx, id, from, to, at)
}

func (c *Coordinator) registerPause(campaignID uuid.UUID) *atomic.Bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	flag := &atomic.Bool{}
	c.paused[campaignID] = flag
	return flag
}

func (c *Coordinator) unregisterPause(campaignID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.paused, campaignID)
}

func partition(campaignID uuid.UUID, recipients []models.Recipient, size int) []Batch {
	if len(recipients) == 0 {
		return nil
	}

	batches := make([]Batch, 0, (len(recipients)+size-1)/size)
	for start := 0; start < len(recipients); start += size {
		end := start + size
		if end > len(recipients) {
			end = len(recipients)
		}
		batches = append(batches, Batch{
			CampaignID:    campaignID,
			Recipients:    recipients[start:end],
			SequenceIndex: len(batches),
		})
	}
	return batches
}
