// Package clinicalsync pulls clinical resources from linked organizations and
// writes them to the timeline.
package clinicalsync

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ehr/ehrlink/internal/domain/linkage"
	"github.com/ehr/ehrlink/internal/domain/timeline"
	"github.com/ehr/ehrlink/internal/domain/tokens"
	"github.com/ehr/ehrlink/internal/platform/audit"
	"github.com/ehr/ehrlink/internal/platform/fhirclient"
	"github.com/ehr/ehrlink/internal/platform/telemetry"
)

// DefaultResourceTypes are synced when neither the caller nor the
// configuration names any.
var DefaultResourceTypes = []string{
	"Observation",
	"MedicationRequest",
	"AllergyIntolerance",
	"Immunization",
	"DiagnosticReport",
	"Procedure",
}

// ErrNotSyncable is returned for links in a status that forbids syncing.
var ErrNotSyncable = errors.New("link is not in a syncable status")

const maxErrorDetail = 1024

// Config bounds the work one engine does.
type Config struct {
	ResourceTypes []string
	PageSize      int
	MaxPages      int
	Concurrency   int
}

func (c Config) withDefaults() Config {
	if len(c.ResourceTypes) == 0 {
		c.ResourceTypes = DefaultResourceTypes
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 20
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Options narrow one sync run.
type Options struct {
	// Since limits the fetch to resources changed after this instant.
	Since *time.Time `json:"since,omitempty"`
	// Incremental uses the link's last successful sync as Since when Since is
	// not set.
	Incremental   bool     `json:"incremental,omitempty"`
	ResourceTypes []string `json:"resource_types,omitempty"`
	// RetryRefresh lets a link in error status try a token refresh before
	// the run instead of failing straight away.
	RetryRefresh bool `json:"retry_refresh,omitempty"`
}

// TypeError is a failure confined to one resource type.
type TypeError struct {
	ResourceType string `json:"resource_type"`
	Message      string `json:"message"`
	Status       int    `json:"status,omitempty"`
}

// Result reports one link sync run.
type Result struct {
	LinkID uuid.UUID `json:"link_id"`
	// Counts holds upserted entries per resource type; failed types count 0.
	Counts map[string]int `json:"counts"`
	// Skipped holds entries per type that had no body or could not be read.
	Skipped map[string]int `json:"skipped,omitempty"`
	// Unsupported lists requested types the server does not offer.
	Unsupported []string `json:"unsupported,omitempty"`
	// Truncated lists types that still had pages when MaxPages was hit.
	Truncated  []string    `json:"truncated,omitempty"`
	Errors     []TypeError `json:"errors,omitempty"`
	Cancelled  bool        `json:"cancelled,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

func newResult(linkID uuid.UUID, startedAt time.Time) *Result {
	return &Result{
		LinkID:    linkID,
		Counts:    make(map[string]int),
		Skipped:   make(map[string]int),
		StartedAt: startedAt,
	}
}

// Success reports whether every attempted type synced.
func (r *Result) Success() bool { return len(r.Errors) == 0 && !r.Cancelled }

// Total returns the number of upserted entries.
func (r *Result) Total() int {
	n := 0
	for _, c := range r.Counts {
		n += c
	}
	return n
}

func (r *Result) fail(resourceType string, err error) {
	r.Counts[resourceType] = 0
	r.Errors = append(r.Errors, TypeError{
		ResourceType: resourceType,
		Message:      err.Error(),
		Status:       fhirclient.StatusCode(err),
	})
}

// errorDetail summarizes the type errors for the link's last_sync_error.
func (r *Result) errorDetail() string {
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		parts = append(parts, e.ResourceType+": "+e.Message)
	}
	s := strings.Join(parts, "; ")
	if len(s) > maxErrorDetail {
		s = s[:maxErrorDetail]
	}
	return s
}

func (r *Result) outcome() string {
	switch {
	case r.Cancelled:
		return "cancelled"
	case len(r.Errors) == 0:
		return "success"
	case len(r.Errors) < len(r.Counts):
		return "partial"
	}
	return "failed"
}

// TokenSource is the part of the token lifecycle manager the engine uses.
type TokenSource interface {
	GetValidToken(ctx context.Context, link *linkage.LinkRecord) (*tokens.TokenSet, error)
	RetryRefresh(ctx context.Context, link *linkage.LinkRecord) (*tokens.TokenSet, error)
	Provider(link *linkage.LinkRecord) fhirclient.TokenProvider
}

// Engine runs link syncs. A single run is sequential over resource types;
// SyncMany runs different links concurrently. At most Config.Concurrency
// runs are in flight per engine, however they were started.
type Engine struct {
	cfg     Config
	slots   *semaphore.Weighted
	links   linkage.LinkRepository
	tokens  TokenSource
	clients *fhirclient.Factory
	writer  timeline.Writer
	audit   audit.Recorder
	logger  zerolog.Logger
	now     func() time.Time
}

type Deps struct {
	Config  Config
	Links   linkage.LinkRepository
	Tokens  TokenSource
	Clients *fhirclient.Factory
	Writer  timeline.Writer
	Audit   audit.Recorder
	Logger  zerolog.Logger
	Now     func() time.Time
}

func NewEngine(d Deps) *Engine {
	cfg := d.Config.withDefaults()
	e := &Engine{
		cfg:     cfg,
		slots:   semaphore.NewWeighted(int64(cfg.Concurrency)),
		links:   d.Links,
		tokens:  d.Tokens,
		clients: d.Clients,
		writer:  d.Writer,
		audit:   d.Audit,
		logger:  d.Logger.With().Str("component", "clinicalsync").Logger(),
		now:     d.Now,
	}
	if e.audit == nil {
		e.audit = audit.Nop{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// SyncLink fetches every configured resource type of link and upserts the
// results. Failures of single types are recorded in the result and do not
// stop the run. A token failure before the first fetch fails every type.
// On cancellation the partial result is returned with ctx.Err() and the
// link's last-sync fields are left untouched. Waiting for a free run slot
// also ends when ctx is done.
func (e *Engine) SyncLink(ctx context.Context, link *linkage.LinkRecord, opts Options) (*Result, error) {
	if link.Status == linkage.StatusRevoked {
		return nil, linkage.ErrRevoked
	}
	if err := e.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.slots.Release(1)

	if link.Status == linkage.StatusError && opts.RetryRefresh {
		if _, err := e.tokens.RetryRefresh(ctx, link); err != nil {
			return nil, err
		}
		fresh, err := e.links.GetByID(ctx, link.ID)
		if err != nil {
			return nil, err
		}
		link = fresh
	}
	if link.Status == linkage.StatusError {
		return nil, fmt.Errorf("%w: %s", tokens.ErrReauthRequired, link.StatusDetail)
	}
	if !link.Syncable() {
		return nil, fmt.Errorf("%w: %s", ErrNotSyncable, link.Status)
	}

	started := e.now()
	res := newResult(link.ID, started)
	logger := e.logger.With().
		Str("link_id", link.ID.String()).
		Str("organization_id", link.OrganizationID).
		Logger()

	var types []string
	for _, t := range e.resourceTypes(opts) {
		if !link.Supports(t) {
			res.Unsupported = append(res.Unsupported, t)
			continue
		}
		types = append(types, t)
	}
	since := e.since(link, opts)

	runErr := e.run(ctx, link, types, since, res, logger)
	res.FinishedAt = e.now()

	telemetry.SyncRuns.WithLabelValues(res.outcome()).Inc()
	telemetry.SyncDuration.Observe(res.FinishedAt.Sub(started).Seconds())
	for t, n := range res.Counts {
		telemetry.SyncedResources.WithLabelValues(t).Add(float64(n))
	}

	meta := map[string]any{
		"counts":      res.Counts,
		"skipped":     res.Skipped,
		"errors":      len(res.Errors),
		"outcome":     res.outcome(),
		"duration_ms": res.FinishedAt.Sub(started).Milliseconds(),
	}
	if len(res.Unsupported) > 0 {
		meta["unsupported"] = res.Unsupported
	}

	if res.Cancelled {
		e.audit.Record(ctx, &link.ID, link.UserID, audit.ActionDataSync, audit.Outcome{Err: runErr, Metadata: meta})
		logger.Warn().Err(runErr).Int("entries", res.Total()).Msg("sync cancelled")
		return res, runErr
	}

	// The run start is the watermark for the next incremental run, so changes
	// made upstream while this run was fetching are picked up again.
	if err := e.links.UpdateSyncOutcome(ctx, link.ID, res.StartedAt, res.Success(), res.errorDetail()); err != nil {
		logger.Error().Err(err).Msg("failed to record sync outcome")
	}
	var auditErr error
	if !res.Success() {
		auditErr = errors.New(res.errorDetail())
	}
	e.audit.Record(ctx, &link.ID, link.UserID, audit.ActionDataSync, audit.Outcome{
		Success:  res.Success(),
		Err:      auditErr,
		Metadata: meta,
	})

	evt := logger.Info()
	if !res.Success() {
		evt = logger.Warn()
	}
	evt.Int("entries", res.Total()).
		Int("errors", len(res.Errors)).
		Str("outcome", res.outcome()).
		Dur("duration", res.FinishedAt.Sub(started)).
		Msg("sync finished")
	return res, runErr
}

// run does the fetching. It returns a non-nil error only when the run was
// aborted as a whole.
func (e *Engine) run(ctx context.Context, link *linkage.LinkRecord, types []string, since *time.Time, res *Result, logger zerolog.Logger) error {
	if len(types) == 0 {
		return nil
	}

	if _, err := e.tokens.GetValidToken(ctx, link); err != nil {
		if ctx.Err() != nil {
			res.Cancelled = true
			return ctx.Err()
		}
		for _, t := range types {
			res.fail(t, err)
		}
		return err
	}

	client, err := e.clients.Client(link.FHIRBaseURL, link.PrimaryPatientID(), e.tokens.Provider(link))
	if err != nil {
		for _, t := range types {
			res.fail(t, err)
		}
		return err
	}

	for _, t := range types {
		if ctx.Err() != nil {
			res.Cancelled = true
			return ctx.Err()
		}
		n, err := e.syncType(ctx, client, link, t, since, res, logger)
		if err != nil {
			if ctx.Err() != nil {
				res.Counts[t] = n
				res.Cancelled = true
				return ctx.Err()
			}
			logger.Warn().Err(err).Str("resource_type", t).Msg("resource type sync failed")
			res.fail(t, err)
			continue
		}
		res.Counts[t] = n
	}
	return nil
}

// syncType pages through one resource type and upserts every readable entry.
func (e *Engine) syncType(ctx context.Context, client *fhirclient.Client, link *linkage.LinkRecord, resourceType string, since *time.Time, res *Result, logger zerolog.Logger) (int, error) {
	page, err := client.Search(ctx, resourceType, url.Values{}, fhirclient.SearchOptions{
		Count: e.cfg.PageSize,
		Since: since,
	})
	if err != nil {
		return 0, err
	}

	upserted := 0
	for pages := 1; ; pages++ {
		for _, entry := range page.Entries {
			if !entry.HasResource() {
				res.Skipped[resourceType]++
				continue
			}
			te, err := timeline.Convert(link, entry.Resource, e.now())
			if err != nil {
				res.Skipped[resourceType]++
				logger.Debug().Err(err).Str("resource_type", resourceType).Msg("skipping unreadable entry")
				continue
			}
			if err := e.writer.Upsert(ctx, te); err != nil {
				return upserted, fmt.Errorf("upsert %s/%s: %w", te.ResourceType, te.ResourceID, err)
			}
			upserted++
		}

		if page.NextURL == "" {
			return upserted, nil
		}
		if pages >= e.cfg.MaxPages {
			res.Truncated = append(res.Truncated, resourceType)
			logger.Warn().Str("resource_type", resourceType).Int("max_pages", e.cfg.MaxPages).Msg("page limit reached")
			return upserted, nil
		}
		if err := ctx.Err(); err != nil {
			return upserted, err
		}
		if page, err = client.NextPage(ctx, page); err != nil {
			return upserted, err
		}
		if page == nil {
			return upserted, nil
		}
	}
}

func (e *Engine) resourceTypes(opts Options) []string {
	if len(opts.ResourceTypes) > 0 {
		return opts.ResourceTypes
	}
	return e.cfg.ResourceTypes
}

func (e *Engine) since(link *linkage.LinkRecord, opts Options) *time.Time {
	if opts.Since != nil {
		return opts.Since
	}
	if opts.Incremental && link.LastSyncAt != nil && link.LastSyncSuccess != nil && *link.LastSyncSuccess {
		t := *link.LastSyncAt
		return &t
	}
	return nil
}

// LinkOutcome is the result of one link within a batch.
type LinkOutcome struct {
	LinkID uuid.UUID `json:"link_id"`
	Result *Result   `json:"result,omitempty"`
	Err    error     `json:"-"`
}

// SyncMany syncs links concurrently, at most Config.Concurrency at a time.
// One link's failure does not affect the others. Outcomes keep the order of
// links.
func (e *Engine) SyncMany(ctx context.Context, links []*linkage.LinkRecord, opts Options) ([]LinkOutcome, error) {
	out := make([]LinkOutcome, len(links))
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i, l := range links {
		out[i].LinkID = l.ID
		if ctx.Err() != nil {
			out[i].Err = ctx.Err()
			continue
		}
		i, l := i, l
		g.Go(func() error {
			res, err := e.SyncLink(ctx, l, opts)
			out[i].Result, out[i].Err = res, err
			return nil
		})
	}
	g.Wait()
	return out, ctx.Err()
}

// SyncUser syncs every syncable link of a user.
func (e *Engine) SyncUser(ctx context.Context, userID string, opts Options) ([]LinkOutcome, error) {
	links, err := e.links.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var due []*linkage.LinkRecord
	for _, l := range links {
		if l.Syncable() {
			due = append(due, l)
		}
	}
	return e.SyncMany(ctx, due, opts)
}

// SyncDue syncs up to limit links whose last sync is older than interval,
// oldest first.
func (e *Engine) SyncDue(ctx context.Context, interval time.Duration, limit int, opts Options) ([]LinkOutcome, error) {
	links, err := e.links.ListDueForSync(ctx, e.now().Add(-interval), limit)
	if err != nil {
		return nil, err
	}
	return e.SyncMany(ctx, links, opts)
}

// SyncForUser syncs one link after checking it belongs to userID.
func (e *Engine) SyncForUser(ctx context.Context, userID string, linkID uuid.UUID, opts Options) (*Result, error) {
	link, err := e.links.GetByID(ctx, linkID)
	if err != nil {
		return nil, err
	}
	if link.UserID != userID {
		return nil, linkage.ErrNotFound
	}
	return e.SyncLink(ctx, link, opts)
}

// Summarize counts successes and failures of a batch.
func Summarize(outcomes []LinkOutcome) (ok, failed int, entries int) {
	for _, o := range outcomes {
		if o.Err == nil && o.Result != nil && o.Result.Success() {
			ok++
		} else {
			failed++
		}
		if o.Result != nil {
			entries += o.Result.Total()
		}
	}
	return ok, failed, entries
}
