// Package orchestrator fans provisioning requests out to the per-platform
// builders through the update queue, records every outcome in the status
// store and answers status queries by request id or card id.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stampwise/loyalty/wallet-sync/internal/apperr"
	"github.com/stampwise/loyalty/wallet-sync/internal/credentials"
	"github.com/stampwise/loyalty/wallet-sync/internal/events"
	"github.com/stampwise/loyalty/wallet-sync/internal/models"
	"github.com/stampwise/loyalty/wallet-sync/internal/queue"
	"github.com/stampwise/loyalty/wallet-sync/internal/retry"
	"github.com/stampwise/loyalty/wallet-sync/internal/store"
)

// UpdateProvision is the update type of requests made through the API.
const UpdateProvision = "provision"

// updateRefresh marks the follow-up entry queued when a card changed while
// its previous build was running.
const updateRefresh = "refresh"

type Config struct {
	Workers      int
	BuildTimeout time.Duration
	Retry        retry.Policy
	// Retention keeps terminal entries queryable before the janitor purges them.
	Retention       time.Duration
	JanitorInterval time.Duration
	// PollInterval is how often idle workers look for entries enqueued by
	// other replicas.
	PollInterval time.Duration
	// StaleAfter is how long an entry may stay processing before the janitor
	// treats its worker as gone. Defaults to the retry budget of one build
	// plus a minute.
	StaleAfter time.Duration
	Logger     *log.Entry
	Now        func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = 30 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.JanitorInterval <= 0 {
		c.JanitorInterval = 10 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = c.Retry.Budget(c.BuildTimeout) + time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = log.WithField("component", "orchestrator")
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

type Deps struct {
	Queue       queue.Queue
	Store       store.Store
	Cards       store.CardReader
	Credentials *credentials.Provider
	Builders    []Builder
	Publisher   events.Publisher
}

type Orchestrator struct {
	queue     queue.Queue
	store     store.Store
	cards     store.CardReader
	creds     *credentials.Provider
	builders  map[models.Platform]Builder
	publisher events.Publisher
	cfg       Config
	log       *log.Entry

	wake chan struct{}

	mu      sync.Mutex
	changed chan struct{}
}

func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Queue == nil || deps.Store == nil || deps.Cards == nil {
		return nil, fmt.Errorf("orchestrator: queue, store and card reader are required")
	}
	builders := make(map[models.Platform]Builder, len(deps.Builders))
	for _, b := range deps.Builders {
		builders[b.Platform()] = b
	}
	if _, ok := builders[models.PlatformPWA]; !ok {
		return nil, fmt.Errorf("orchestrator: the %s fallback builder is required", models.PlatformPWA)
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.Noop{}
	}
	cfg = cfg.withDefaults()
	return &Orchestrator{
		queue:     deps.Queue,
		store:     deps.Store,
		cards:     deps.Cards,
		creds:     deps.Credentials,
		builders:  builders,
		publisher: publisher,
		cfg:       cfg,
		log:       cfg.Logger,
		wake:      make(chan struct{}, cfg.Workers),
		changed:   make(chan struct{}),
	}, nil
}

// Platforms lists the platforms this orchestrator can build, in processing order.
func (o *Orchestrator) Platforms() []models.Platform {
	var out []models.Platform
	for _, p := range models.AllPlatforms {
		if _, ok := o.builders[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (o *Orchestrator) normalizePlatforms(in []models.Platform) ([]models.Platform, error) {
	if len(in) == 0 {
		return o.Platforms(), nil
	}
	seen := map[models.Platform]bool{}
	var out []models.Platform
	for _, raw := range in {
		p, err := models.ParsePlatform(string(raw))
		if err != nil {
			return nil, apperr.New(apperr.InvalidRequest, "request provisioning", err)
		}
		if _, ok := o.builders[p]; !ok {
			return nil, apperr.Newf(apperr.InvalidRequest, "request provisioning", "platform %s is not enabled", p)
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

// RequestProvisioning enqueues one entry per platform (default: all enabled)
// and returns without waiting for the builds.
func (o *Orchestrator) RequestProvisioning(ctx context.Context, cardID string, platforms []models.Platform) (uuid.UUID, error) {
	return o.RequestUpdate(ctx, cardID, UpdateProvision, platforms)
}

// RequestUpdate is RequestProvisioning with an explicit update type, used by
// card-change notifications ("stamp_added", "session_used", ...).
func (o *Orchestrator) RequestUpdate(ctx context.Context, cardID, updateType string, platforms []models.Platform) (uuid.UUID, error) {
	if cardID == "" {
		return uuid.Nil, apperr.Newf(apperr.InvalidRequest, "request provisioning", "cardId required")
	}
	targets, err := o.normalizePlatforms(platforms)
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := o.cards.GetCard(ctx, cardID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return uuid.Nil, apperr.Newf(apperr.NotFound, "request provisioning", "card %s not found", cardID)
		}
		return uuid.Nil, fmt.Errorf("load card: %w", err)
	}
	if updateType == "" {
		updateType = UpdateProvision
	}

	req := models.ProvisioningRequest{
		ID:        uuid.New(),
		CardID:    cardID,
		Platforms: targets,
		Entries:   make(map[models.Platform]uuid.UUID, len(targets)),
		CreatedAt: o.cfg.Now(),
	}
	joinedRequests := map[uuid.UUID]bool{}
	allJoined := true
	for _, p := range targets {
		entry, joined, err := o.queue.Enqueue(ctx, queue.EntryInput{
			RequestID:  req.ID,
			CardID:     cardID,
			Platform:   p,
			UpdateType: updateType,
		})
		if err != nil {
			return uuid.Nil, fmt.Errorf("enqueue %s: %w", p, err)
		}
		req.Entries[p] = entry.ID
		if joined {
			joinedRequests[entry.RequestID] = true
			o.log.WithFields(log.Fields{"card_id": cardID, "platform": p, "entry_id": entry.ID}).Debug("joined active entry")
			continue
		}
		allJoined = false
		o.recordTransition(ctx, entry, models.ProvisioningPending, "provisioning.enqueued", "", map[string]interface{}{
			"updateType": updateType,
		})
	}

	if allJoined && len(joinedRequests) == 1 {
		for id := range joinedRequests {
			return id, nil
		}
	}
	if err := o.queue.CreateRequest(ctx, req); err != nil {
		return uuid.Nil, err
	}
	o.notifyWorkers()
	return req.ID, nil
}

// PlatformStatus is the per-platform detail of a request.
type PlatformStatus struct {
	Platform  models.Platform     `json:"platform"`
	EntryID   uuid.UUID           `json:"entryId"`
	Status    models.EntryStatus  `json:"status"`
	Attempts  int                 `json:"attempts"`
	Error     string              `json:"error,omitempty"`
	Retryable bool                `json:"retryable,omitempty"`
	Result    *models.BuildResult `json:"result,omitempty"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

type RequestStatus struct {
	RequestID uuid.UUID          `json:"requestId"`
	CardID    string             `json:"cardId"`
	Status    models.EntryStatus `json:"status"`
	// Done is true once every platform reached a terminal state.
	Done      bool             `json:"done"`
	Platforms []PlatformStatus `json:"platforms"`
	CreatedAt time.Time        `json:"createdAt"`
}

// GetStatus reports the request's per-platform detail and overall status.
func (o *Orchestrator) GetStatus(ctx context.Context, requestID uuid.UUID) (RequestStatus, error) {
	req, err := o.queue.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return RequestStatus{}, apperr.Newf(apperr.NotFound, "get status", "request %s not found", requestID)
		}
		return RequestStatus{}, err
	}
	out := RequestStatus{
		RequestID: req.ID,
		CardID:    req.CardID,
		CreatedAt: req.CreatedAt,
	}
	for _, p := range req.Platforms {
		id, ok := req.Entries[p]
		if !ok {
			continue
		}
		ps := PlatformStatus{Platform: p, EntryID: id}
		entry, err := o.queue.Get(ctx, id)
		switch {
		case errors.Is(err, queue.ErrNotFound):
			ps.Status = models.EntryFailed
			ps.Error = "entry expired"
		case err != nil:
			return RequestStatus{}, err
		default:
			ps.Status = entry.Status
			ps.Attempts = entry.Attempts
			ps.Error = entry.Error
			ps.Retryable = entry.Retryable
			ps.Result = entry.Result
			ps.UpdatedAt = entry.UpdatedAt
		}
		out.Platforms = append(out.Platforms, ps)
	}
	out.Status, out.Done = aggregate(out.Platforms)
	return out, nil
}

// aggregate derives the overall status. The fallback platform decides when it
// was requested: its completion makes the request usable even while or after
// the other platforms fail. Otherwise the request completes when every
// platform is terminal and at least one completed.
func aggregate(platforms []PlatformStatus) (models.EntryStatus, bool) {
	var (
		done      = true
		completed int
		failed    int
		started   bool
		fallback  *PlatformStatus
	)
	for i := range platforms {
		ps := &platforms[i]
		switch ps.Status {
		case models.EntryCompleted:
			completed++
		case models.EntryFailed:
			failed++
		case models.EntryProcessing:
			started = true
		}
		if !ps.Status.Terminal() {
			done = false
		}
		if ps.Platform == models.PlatformPWA {
			fallback = ps
		}
	}
	switch {
	case len(platforms) == 0:
		return models.EntryFailed, true
	case fallback != nil && fallback.Status == models.EntryCompleted:
		return models.EntryCompleted, done
	case fallback != nil && fallback.Status == models.EntryFailed:
		return models.EntryFailed, done
	case failed == len(platforms):
		return models.EntryFailed, done
	case done && completed > 0:
		return models.EntryCompleted, done
	case started || completed > 0 || failed > 0:
		return models.EntryProcessing, done
	}
	return models.EntryPending, done
}

// CardStatus returns the card's per-platform provisioning records.
func (o *Orchestrator) CardStatus(ctx context.Context, cardID string) ([]models.ProvisioningRecord, error) {
	return o.store.ListRecords(ctx, cardID)
}

// AuditTrail returns the card's most recent transitions, newest first.
func (o *Orchestrator) AuditTrail(ctx context.Context, cardID string, limit int) ([]models.AuditEntry, error) {
	return o.store.ListAudit(ctx, cardID, limit)
}

// ProvisionNow requests provisioning and waits until every platform is
// terminal or ctx is done. On ctx expiry it returns the latest status along
// with the context error. Workers must be running.
func (o *Orchestrator) ProvisionNow(ctx context.Context, cardID string, platforms []models.Platform) (RequestStatus, error) {
	requestID, err := o.RequestProvisioning(ctx, cardID, platforms)
	if err != nil {
		return RequestStatus{}, err
	}
	return o.Wait(ctx, requestID)
}

// Wait blocks until the request is done or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, requestID uuid.UUID) (RequestStatus, error) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		changed := o.changes()
		st, err := o.GetStatus(ctx, requestID)
		if err != nil {
			return RequestStatus{}, err
		}
		if st.Done {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-changed:
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) changes() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.changed
}

func (o *Orchestrator) broadcast() {
	o.mu.Lock()
	close(o.changed)
	o.changed = make(chan struct{})
	o.mu.Unlock()
}

func (o *Orchestrator) notifyWorkers() {
	for i := 0; i < cap(o.wake); i++ {
		select {
		case o.wake <- struct{}{}:
		default:
			return
		}
	}
}

// Run starts the worker pool and the retention janitor and blocks until ctx
// is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			o.workerLoop(ctx, worker)
			return nil
		})
	}
	g.Go(func() error {
		o.janitorLoop(ctx)
		return nil
	})
	o.log.WithField("workers", o.cfg.Workers).Info("orchestrator started")
	err := g.Wait()
	o.log.Info("orchestrator stopped")
	return err
}

func (o *Orchestrator) workerLoop(ctx context.Context, worker int) {
	logger := o.log.WithField("worker", worker)
	timer := time.NewTimer(o.cfg.PollInterval)
	defer timer.Stop()
	for {
		processed, err := o.ProcessNext(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.WithError(err).Error("process entry")
		}
		if processed {
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(o.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		case <-timer.C:
		}
	}
}

func (o *Orchestrator) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Reclaim(ctx); err != nil {
				o.log.WithError(err).Warn("reclaim abandoned entries")
			}
			if _, err := o.Purge(ctx); err != nil {
				o.log.WithError(err).Warn("purge expired entries")
			}
		}
	}
}

// errAbandoned is the entry error of builds whose worker stopped reporting.
const errAbandoned = "abandoned"

// Reclaim fails entries that have been processing longer than StaleAfter,
// releasing their (card, platform) pair for new requests. The failure is
// retryable.
func (o *Orchestrator) Reclaim(ctx context.Context) (int, error) {
	entries, err := o.queue.Reclaim(ctx, o.cfg.Now().Add(-o.cfg.StaleAfter), errAbandoned)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		o.recordTransition(ctx, entry, models.ProvisioningFailed, "provisioning.abandoned", "", map[string]interface{}{
			"error":     errAbandoned,
			"retryable": true,
		})
		o.log.WithFields(log.Fields{
			"entry_id": entry.ID,
			"card_id":  entry.CardID,
			"platform": entry.Platform,
		}).Warn("reclaimed abandoned entry")
	}
	if len(entries) > 0 {
		o.broadcast()
		o.notifyWorkers()
	}
	return len(entries), nil
}

// Purge removes terminal entries older than the retention window.
func (o *Orchestrator) Purge(ctx context.Context) (int, error) {
	n, err := o.queue.Purge(ctx, o.cfg.Now().Add(-o.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.log.WithField("entries", n).Info("purged expired queue entries")
	}
	return n, nil
}

// ProcessNext claims one entry and runs it to a terminal state. It reports
// false when the queue had nothing claimable.
func (o *Orchestrator) ProcessNext(ctx context.Context) (bool, error) {
	entry, err := o.queue.Claim(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrEmpty) {
			return false, nil
		}
		return false, err
	}
	return true, o.process(ctx, entry)
}

func (o *Orchestrator) process(ctx context.Context, entry models.UpdateQueueEntry) error {
	logger := o.log.WithFields(log.Fields{
		"entry_id": entry.ID,
		"card_id":  entry.CardID,
		"platform": entry.Platform,
	})
	o.publish(ctx, entry, string(models.EntryProcessing), "")
	o.audit(ctx, entry, "provisioning.started", nil)

	card, result, attempts, buildErr := o.build(ctx, entry)

	// Terminal writes must land even when ctx was cancelled mid-build.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if buildErr == nil {
		done, err := o.queue.Complete(finishCtx, entry.ID, result, attempts)
		if err != nil {
			return fmt.Errorf("complete entry %s: %w", entry.ID, err)
		}
		o.recordTransition(finishCtx, done, models.ProvisioningProvisioned, "provisioning.completed", result.Fingerprint, map[string]interface{}{
			"attempts":    attempts,
			"downloadUrl": result.DownloadURL,
			"objectId":    result.ObjectID,
		})
		logger.WithField("attempts", attempts).Info("provisioned")
	} else {
		msg := errorMessage(buildErr)
		retryable := apperr.Retryable(buildErr)
		failed, err := o.queue.Fail(finishCtx, entry.ID, msg, retryable, attempts)
		if err != nil {
			return fmt.Errorf("fail entry %s: %w", entry.ID, err)
		}
		status := models.ProvisioningFailed
		if apperr.KindOf(buildErr) == apperr.CredentialsMissing && o.creds != nil && !o.creds.Configured(entry.Platform) {
			status = models.ProvisioningNotSupported
		}
		o.recordTransition(finishCtx, failed, status, "provisioning.failed", "", map[string]interface{}{
			"attempts":  attempts,
			"error":     msg,
			"kind":      string(apperr.KindOf(buildErr)),
			"retryable": retryable,
		})
		logger.WithError(buildErr).WithFields(log.Fields{"attempts": attempts, "retryable": retryable}).Warn("provisioning failed")
	}
	o.broadcast()

	if ctx.Err() == nil && !card.UpdatedAt.IsZero() {
		o.followUp(ctx, entry, card.UpdatedAt)
	}
	return nil
}

// followUp queues a refresh when the card changed after the build loaded it;
// requests that joined the finished entry would otherwise keep stale output.
func (o *Orchestrator) followUp(ctx context.Context, entry models.UpdateQueueEntry, builtFrom time.Time) {
	current, err := o.cards.GetCard(ctx, entry.CardID)
	if err != nil || !current.UpdatedAt.After(builtFrom) {
		return
	}
	next, joined, err := o.queue.Enqueue(ctx, queue.EntryInput{
		RequestID:  uuid.New(),
		CardID:     entry.CardID,
		Platform:   entry.Platform,
		UpdateType: updateRefresh,
	})
	if err != nil {
		o.log.WithError(err).WithField("card_id", entry.CardID).Warn("queue follow-up refresh")
		return
	}
	if !joined {
		o.recordTransition(ctx, next, models.ProvisioningPending, "provisioning.enqueued", "", map[string]interface{}{
			"updateType": updateRefresh,
			"after":      entry.ID,
		})
		o.notifyWorkers()
	}
}

// build loads the card and runs the platform builder under the retry policy,
// each attempt bounded by BuildTimeout.
func (o *Orchestrator) build(ctx context.Context, entry models.UpdateQueueEntry) (models.CardState, models.BuildResult, int, error) {
	builder, ok := o.builders[entry.Platform]
	if !ok {
		return models.CardState{}, models.BuildResult{}, 0, apperr.Newf(apperr.InvalidRequest, "build", "platform %s is not enabled", entry.Platform)
	}
	card, err := o.cards.GetCard(ctx, entry.CardID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = apperr.Newf(apperr.NotFound, "load card", "card %s not found", entry.CardID)
		}
		return models.CardState{}, models.BuildResult{}, 0, err
	}

	var result models.BuildResult
	attempts, err := o.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		res, err := o.runBuilder(ctx, builder, card)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return card, result, attempts, err
}

type buildOutcome struct {
	result models.BuildResult
	err    error
}

// runBuilder isolates one builder call: a panic becomes an Internal error and
// a builder ignoring its deadline is abandoned at the deadline.
func (o *Orchestrator) runBuilder(ctx context.Context, b Builder, card models.CardState) (models.BuildResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.BuildTimeout)
	defer cancel()

	done := make(chan buildOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- buildOutcome{err: apperr.Newf(apperr.Internal, "build "+string(b.Platform()), "builder panicked: %v", rec)}
			}
		}()
		res, err := b.Build(ctx, card)
		done <- buildOutcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && apperr.KindOf(out.err) != apperr.Timeout {
			return models.BuildResult{}, apperr.New(apperr.Timeout, "build "+string(b.Platform()), out.err)
		}
		return out.result, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.BuildResult{}, apperr.New(apperr.Timeout, "build "+string(b.Platform()), ctx.Err())
		}
		return models.BuildResult{}, ctx.Err()
	}
}

// errorMessage is what lands on the entry: the bare kind for timeouts, the
// full classified message otherwise.
func errorMessage(err error) string {
	switch apperr.KindOf(err) {
	case apperr.Timeout:
		return string(apperr.Timeout)
	case "":
		if errors.Is(err, context.Canceled) {
			return "canceled"
		}
	}
	return err.Error()
}

// recordTransition stamps the record with the entry's own update time. A
// worker can claim and finish an entry before the enqueuer writes its pending
// record; the pending stamp is the entry's creation time, so it loses.
func (o *Orchestrator) recordTransition(ctx context.Context, entry models.UpdateQueueEntry, status models.ProvisioningStatus, action, fingerprint string, detail map[string]interface{}) {
	at := entry.UpdatedAt
	if status == models.ProvisioningPending && !entry.CreatedAt.IsZero() {
		at = entry.CreatedAt
	}
	if at.IsZero() {
		at = o.cfg.Now()
	}
	_, err := o.store.UpsertRecord(ctx, models.ProvisioningRecord{
		CardID:        entry.CardID,
		Platform:      entry.Platform,
		Status:        status,
		Error:         entry.Error,
		Fingerprint:   fingerprint,
		RequestID:     entry.RequestID.String(),
		LastUpdatedAt: at,
	})
	if err != nil {
		o.log.WithError(err).WithField("card_id", entry.CardID).Error("upsert provisioning record")
	}
	o.audit(ctx, entry, action, detail)
	o.publish(ctx, entry, string(entry.Status), entry.Error)
}

func (o *Orchestrator) audit(ctx context.Context, entry models.UpdateQueueEntry, action string, detail map[string]interface{}) {
	if detail == nil {
		detail = map[string]interface{}{}
	}
	detail["entryId"] = entry.ID.String()
	raw, err := json.Marshal(detail)
	if err != nil {
		raw = nil
	}
	if _, err := o.store.AppendAudit(ctx, store.AuditInput{
		CardID:    entry.CardID,
		Platform:  entry.Platform,
		RequestID: entry.RequestID.String(),
		Action:    action,
		Detail:    raw,
	}); err != nil {
		o.log.WithError(err).WithField("card_id", entry.CardID).Error("append audit entry")
	}
}

func (o *Orchestrator) publish(ctx context.Context, entry models.UpdateQueueEntry, status, errMsg string) {
	err := o.publisher.Publish(ctx, events.StatusEvent{
		RequestID: entry.RequestID,
		EntryID:   entry.ID,
		CardID:    entry.CardID,
		Platform:  entry.Platform,
		Status:    status,
		Error:     errMsg,
		At:        o.cfg.Now(),
	})
	if err != nil {
		o.log.WithError(err).WithField("card_id", entry.CardID).Warn("publish status event")
	}
}
