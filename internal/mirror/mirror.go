// Package mirror keeps local recurring tasks and remote OpenClaw-style
// cron collections in sync. Pull adopts the remote side's jobs into
// templates; push performs a read-modify-write merge that only ever
// touches the fields this service owns.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/clawcontrol/internal/bus"
	"github.com/basket/clawcontrol/internal/config"
	clawotel "github.com/basket/clawcontrol/internal/otel"
	"github.com/basket/clawcontrol/internal/persistence"
	"github.com/basket/clawcontrol/internal/schedule"
)

const (
	// TagMirrored marks a recurring task as remote-managed.
	TagMirrored = "openclaw"
	// tagCorrelationPrefix carries the remote job id in presentation tags.
	// Matching uses the typed RemoteJobID column; the tag is kept for
	// board display and API compatibility.
	tagCorrelationPrefix = "ocid:"

	defaultCronExpr = "0 9 * * *"
)

// SyncOutcome reports what one pulled job did to local state.
type SyncOutcome struct {
	RecurringID string `json:"id"`
	Title       string `json:"title"`
	Action      string `json:"action"` // "created" or "updated"
}

// Service is the bidirectional synchronizer. Pushes to the same endpoint
// are serialized with a per-endpoint mutex so two read-modify-write
// cycles cannot interleave.
type Service struct {
	store   *persistence.Store
	bus     *bus.Bus
	client  *client
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *clawotel.Metrics
	remotes []config.RemoteEntry

	mu     sync.Mutex
	pushMu map[string]*sync.Mutex
}

func New(store *persistence.Store, eventBus *bus.Bus, remotes []config.RemoteEntry, logger *slog.Logger, tracer trace.Tracer, metrics *clawotel.Metrics) (*Service, error) {
	c, err := newClient()
	if err != nil {
		return nil, fmt.Errorf("init mirror client: %w", err)
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("clawcontrol")
	}
	if metrics == nil {
		metrics = clawotel.NopMetrics()
	}
	return &Service{
		store:   store,
		bus:     eventBus,
		client:  c,
		logger:  logger,
		tracer:  tracer,
		metrics: metrics,
		remotes: remotes,
		pushMu:  map[string]*sync.Mutex{},
	}, nil
}

// FetchRemoteJobs reads every endpoint's job collection without touching
// local state. Endpoints with a missing credential or a failed read are
// skipped.
func (s *Service) FetchRemoteJobs(ctx context.Context) []RemoteJob {
	var out []RemoteJob
	for _, remote := range s.remotes {
		token := remote.ResolveToken()
		if token == "" || remote.APIURL == "" {
			continue
		}
		start := time.Now()
		doc, err := s.client.readJobs(ctx, remote.APIURL, token, pullTimeout)
		if err != nil {
			s.metrics.SyncErrors.Add(ctx, 1, metric.WithAttributes(clawotel.AttrRemoteID.String(remote.ID)))
			s.logger.Warn("remote crons fetch failed", "remote", remote.ID, "error", err)
			continue
		}
		s.metrics.SyncDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(clawotel.AttrRemoteID.String(remote.ID)))
		for _, job := range doc.Jobs {
			if job.Schedule.Kind == "at" && !job.Enabled {
				continue
			}
			out = append(out, RemoteJob{Job: job, RemoteID: remote.ID, RemoteName: remoteName(remote)})
		}
	}
	return out
}

// RemoteJob is a pulled job annotated with its source endpoint.
type RemoteJob struct {
	Job        Job
	RemoteID   string
	RemoteName string
}

// SyncFromRemotes pulls every endpoint and folds its jobs into the local
// recurring-task table. A failing endpoint never blocks its siblings.
func (s *Service) SyncFromRemotes(ctx context.Context) []SyncOutcome {
	ctx, span := clawotel.StartClientSpan(ctx, s.tracer, "mirror.sync")
	defer span.End()

	outcomes := []SyncOutcome{}
	for _, rj := range s.FetchRemoteJobs(ctx) {
		outcome, err := s.syncJob(ctx, rj)
		if err != nil {
			s.logger.Warn("cron sync failed for job", "remote", rj.RemoteID, "job_id", rj.Job.ID, "error", err)
			continue
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (s *Service) syncJob(ctx context.Context, rj RemoteJob) (SyncOutcome, error) {
	job := rj.Job
	title := job.Name
	if title == "" {
		title = "Untitled cron"
	}
	nextRun, lastRun := job.RunState()
	timeSpec := deriveScheduleTime(job.Schedule.Expr, job.Schedule.TZ)

	existing, err := s.store.GetRecurringByRemoteJob(ctx, job.ID)
	if errors.Is(err, persistence.ErrNotFound) {
		existing, err = s.store.GetRecurringByTitle(ctx, title)
	}
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return SyncOutcome{}, err
	}

	if existing != nil {
		existing.IsActive = job.Enabled
		if job.Payload.Message != "" {
			existing.Description = job.Payload.Message
		}
		if job.Schedule.Expr != "" {
			existing.ScheduleValue = job.Schedule.Expr
		}
		if timeSpec != "" {
			existing.ScheduleTime = timeSpec
		}
		if nextRun != nil {
			existing.NextRunAt = nextRun
		}
		if lastRun != nil {
			existing.LastRunAt = lastRun
		}
		existing.RemoteJobID = job.ID
		existing.RemoteSource = rj.RemoteID
		existing.Tags = ensureCorrelationTags(existing.Tags, rj.RemoteName, job.ID)
		if err := s.store.UpdateRecurring(ctx, *existing); err != nil {
			return SyncOutcome{}, err
		}
		s.bus.Publish(bus.TopicRecurringUpdated, bus.RecurringEvent{RecurringID: existing.ID, Title: existing.Title})
		return SyncOutcome{RecurringID: existing.ID, Title: title, Action: "updated"}, nil
	}

	if nextRun == nil {
		t, fellBack := schedule.NextRun(schedule.KindCron, job.Schedule.Expr, timeSpec, time.Now().UTC())
		if fellBack {
			s.logger.Warn("schedule parse fallback", "kind", schedule.KindCron, "value", job.Schedule.Expr)
		}
		nextRun = &t
	}
	rec := persistence.RecurringTask{
		Title:         title,
		Description:   job.Payload.Message,
		Priority:      "NORMAL",
		Tags:          ensureCorrelationTags([]string{TagMirrored, rj.RemoteName}, rj.RemoteName, job.ID),
		AssigneeID:    rj.RemoteID,
		ScheduleType:  schedule.KindCron,
		ScheduleValue: job.Schedule.Expr,
		ScheduleTime:  timeSpec,
		IsActive:      job.Enabled,
		NextRunAt:     nextRun,
		LastRunAt:     lastRun,
		RemoteJobID:   job.ID,
		RemoteSource:  rj.RemoteID,
	}
	if err := s.store.InsertRecurring(ctx, &rec, nil); err != nil {
		return SyncOutcome{}, err
	}
	s.bus.Publish(bus.TopicRecurringCreated, bus.RecurringEvent{RecurringID: rec.ID, Title: rec.Title})
	return SyncOutcome{RecurringID: rec.ID, Title: title, Action: "created"}, nil
}

// Dispatch runs a push on its own goroutine. It is the hook handed to the
// recurring engine: it must never block the mutation that triggered it,
// and its failures surface only in the log.
func (s *Service) Dispatch(deletedJobIDs []string) {
	go func() {
		if err := s.PushToRemotes(context.Background(), deletedJobIDs); err != nil {
			s.logger.Warn("background cron push failed", "error", err)
		}
	}()
}

// PushToRemotes merges local mirrored templates into every endpoint's job
// collection. deletedJobIDs are correlation ids whose remote jobs must be
// removed; the push proceeds even with no local templates left when there
// is something to delete.
func (s *Service) PushToRemotes(ctx context.Context, deletedJobIDs []string) error {
	ctx, span := clawotel.StartClientSpan(ctx, s.tracer, "mirror.push")
	defer span.End()

	all, err := s.store.ListRecurring(ctx)
	if err != nil {
		return fmt.Errorf("list recurring for push: %w", err)
	}
	var mirrored []persistence.RecurringTask
	for _, rec := range all {
		if rec.RemoteJobID != "" || slices.Contains(rec.Tags, TagMirrored) {
			mirrored = append(mirrored, rec)
		}
	}
	if len(mirrored) == 0 && len(deletedJobIDs) == 0 {
		return nil
	}

	deleted := map[string]bool{}
	for _, id := range deletedJobIDs {
		if id != "" {
			deleted[id] = true
		}
	}

	for _, remote := range s.remotes {
		token := remote.ResolveToken()
		if token == "" || remote.APIURL == "" {
			continue
		}
		tasks := s.tasksForRemote(remote, mirrored)
		if len(tasks) == 0 && len(deleted) == 0 {
			continue
		}
		start := time.Now()
		if err := s.pushEndpoint(ctx, remote, token, tasks, deleted); err != nil {
			s.metrics.PushErrors.Add(ctx, 1, metric.WithAttributes(clawotel.AttrRemoteID.String(remote.ID)))
			s.logger.Warn("cron push failed", "remote", remote.ID, "error", err)
			continue
		}
		s.metrics.PushDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(clawotel.AttrRemoteID.String(remote.ID)))
	}
	return nil
}

// tasksForRemote selects the mirrored templates one endpoint owns: by
// assignee identity, by an agent name or id tag, or everything unassigned
// in a single-remote deployment.
func (s *Service) tasksForRemote(remote config.RemoteEntry, mirrored []persistence.RecurringTask) []persistence.RecurringTask {
	name := remoteName(remote)
	var out []persistence.RecurringTask
	for _, rec := range mirrored {
		switch {
		case rec.AssigneeID == remote.ID,
			slices.Contains(rec.Tags, name),
			slices.Contains(rec.Tags, remote.ID):
			out = append(out, rec)
		case rec.AssigneeID == "" && len(s.remotes) == 1:
			out = append(out, rec)
		}
	}
	return out
}

func (s *Service) pushEndpoint(ctx context.Context, remote config.RemoteEntry, token string, tasks []persistence.RecurringTask, deleted map[string]bool) error {
	mu := s.endpointMu(remote.ID)
	mu.Lock()
	defer mu.Unlock()

	doc, err := s.client.readJobs(ctx, remote.APIURL, token, pushTimeout)
	if err != nil {
		return err
	}

	localByID := map[string]*persistence.RecurringTask{}
	for i := range tasks {
		if id := tasks[i].RemoteJobID; id != "" {
			localByID[id] = &tasks[i]
		}
	}

	now := time.Now().UTC()
	merged := make([]Job, 0, len(doc.Jobs)+len(tasks))
	matched := map[string]bool{}

	for _, job := range doc.Jobs {
		if deleted[job.ID] {
			continue
		}
		rec, ok := localByID[job.ID]
		if !ok {
			// Not ours and not deleted: the remote side owns it.
			merged = append(merged, job)
			continue
		}
		matched[job.ID] = true
		job.Name = rec.Title
		job.Enabled = rec.IsActive
		if rec.ScheduleValue != "" {
			job.Schedule.Expr = rec.ScheduleValue
		}
		if tz, ok := strings.CutPrefix(rec.ScheduleTime, "tz:"); ok && tz != "" {
			job.Schedule.TZ = tz
		}
		if rec.Description != "" {
			job.Payload.Message = rec.Description
		}
		job.Touch(now)
		merged = append(merged, job)
	}

	for _, rec := range tasks {
		if rec.RemoteJobID != "" && matched[rec.RemoteJobID] {
			continue
		}
		job, err := s.synthesizeJob(ctx, rec, now)
		if err != nil {
			s.logger.Warn("could not record correlation id", "recurring_id", rec.ID, "error", err)
			continue
		}
		merged = append(merged, job)
	}

	doc.Jobs = merged
	if err := s.client.writeJobs(ctx, remote.APIURL, token, doc); err != nil {
		return err
	}
	s.logger.Info("pushed crons", "remote", remote.ID, "jobs", len(merged))
	return nil
}

// synthesizeJob builds a fresh remote job for a local template the remote
// side does not know yet. A template without a correlation id gets one,
// recorded locally before the job is sent.
func (s *Service) synthesizeJob(ctx context.Context, rec persistence.RecurringTask, now time.Time) (Job, error) {
	jobID := rec.RemoteJobID
	if jobID == "" {
		jobID = uuid.NewString()[:8]
		rec.RemoteJobID = jobID
		rec.Tags = ensureCorrelationTags(rec.Tags, "", jobID)
		if err := s.store.UpdateRecurring(ctx, rec); err != nil {
			return Job{}, err
		}
	}
	expr := rec.ScheduleValue
	if expr == "" {
		expr = defaultCronExpr
	}
	message := rec.Description
	if message == "" {
		message = rec.Title
	}
	job := Job{
		ID:       jobID,
		Name:     rec.Title,
		Enabled:  rec.IsActive,
		Schedule: Schedule{Kind: "cron", Expr: expr},
		Payload:  Payload{Message: message},
	}
	if tz, ok := strings.CutPrefix(rec.ScheduleTime, "tz:"); ok && tz != "" {
		job.Schedule.TZ = tz
	}
	job.setExtra("sessionTarget", "isolated")
	job.setExtra("wakeMode", "next-heartbeat")
	job.setExtra("delivery", map[string]string{"mode": "announce"})
	job.setExtra("createdAtMs", now.UnixMilli())
	job.Touch(now)
	return job, nil
}

func (s *Service) endpointMu(remoteID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.pushMu[remoteID]
	if !ok {
		mu = &sync.Mutex{}
		s.pushMu[remoteID] = mu
	}
	return mu
}

func remoteName(remote config.RemoteEntry) string {
	if remote.Name != "" {
		return remote.Name
	}
	return remote.ID
}

// deriveScheduleTime turns a cron expression's minute/hour fields into the
// "HH:MM" spec the schedule package understands. A timezone overrides it
// with a "tz:" marker the human formatter resolves.
func deriveScheduleTime(expr, tz string) string {
	spec := ""
	fields := strings.Fields(expr)
	if len(fields) >= 2 {
		var minute, hour int
		if _, err := fmt.Sscanf(fields[0]+" "+fields[1], "%d %d", &minute, &hour); err == nil {
			spec = fmt.Sprintf("%02d:%02d", hour, minute)
		}
	}
	if tz != "" {
		spec = "tz:" + tz
	}
	return spec
}

// ensureCorrelationTags guarantees the mirrored marker, the source agent
// name, and the ocid tag are present, without duplicating any of them.
func ensureCorrelationTags(tags []string, agentName, jobID string) []string {
	out := slices.Clone(tags)
	add := func(tag string) {
		if tag != "" && !slices.Contains(out, tag) {
			out = append(out, tag)
		}
	}
	add(TagMirrored)
	add(agentName)
	if jobID != "" {
		add(tagCorrelationPrefix + jobID)
	}
	return out
}
