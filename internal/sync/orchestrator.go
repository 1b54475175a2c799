package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relaycrm/mailsync/internal/credentials"
	"github.com/relaycrm/mailsync/internal/mail"
	"github.com/relaycrm/mailsync/internal/mailparse"
	"github.com/relaycrm/mailsync/internal/metrics"
	"github.com/relaycrm/mailsync/internal/store/sqlite"
)

// TriggerRequest is one inbound sync trigger. Empty ConnectionID means all
// active connections; ForceFullSync ignores the stored cursor for this pass
// without destroying it.
type TriggerRequest struct {
	ConnectionID  string `json:"connectionId,omitempty"`
	ForceFullSync bool   `json:"forceFullSync,omitempty"`
}

// ConnectionReport summarizes one connection's share of a pass.
type ConnectionReport struct {
	ConnectionID   string   `json:"connectionId"`
	AccountEmail   string   `json:"accountEmail"`
	SyncedCount    int      `json:"syncedCount"`
	NewCount       int      `json:"newCount"`
	DuplicateCount int      `json:"duplicateCount"`
	SkippedCount   int      `json:"skippedCount"`
	Errors         []string `json:"errors"`
	IsFullSync     bool     `json:"isFullSync"`
}

// PassReport is the structured response of one orchestrator pass. Individual
// connection failures are report entries, never a failed invocation.
type PassReport struct {
	Connections    []ConnectionReport `json:"connections"`
	NewCount       int                `json:"newCount"`
	DuplicateCount int                `json:"duplicateCount"`
	SkippedCount   int                `json:"skippedCount"`
	ErrorCount     int                `json:"errorCount"`
	DurationMillis int64              `json:"durationMillis"`
}

// Notifier signals the downstream classification collaborator. The
// orchestrator never blocks on or fails because of its outcome.
type Notifier interface {
	PendingClassification(ctx context.Context, count int) error
}

// Orchestrator drives one pass over the active connections: refresh
// credentials, run history sync, fetch, parse, ingest, write back connection
// state once per connection.
type Orchestrator struct {
	store      *sqlite.Store
	creds      *credentials.Manager
	providers  ProviderFactory
	notifier   Notifier
	engine     Engine
	log        *zap.Logger
	passBudget time.Duration
}

func NewOrchestrator(store *sqlite.Store, creds *credentials.Manager, providers ProviderFactory, notifier Notifier, maxMessages int, passBudget time.Duration, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:      store,
		creds:      creds,
		providers:  providers,
		notifier:   notifier,
		engine:     Engine{MaxMessages: maxMessages},
		log:        log.Named("orchestrator"),
		passBudget: passBudget,
	}
}

// Run executes one pass. Connections are processed sequentially and
// independently; only a failure before any per-connection processing (for
// example, an unreachable store) is returned as an error.
func (o *Orchestrator) Run(ctx context.Context, req TriggerRequest) (*PassReport, error) {
	started := time.Now()

	var (
		conns []*mail.Connection
		err   error
	)
	if req.ConnectionID != "" {
		conn, err := o.store.GetConnection(ctx, req.ConnectionID)
		if err != nil {
			return nil, err
		}
		conns = []*mail.Connection{conn}
	} else {
		conns, err = o.store.ListActiveConnections(ctx)
		if err != nil {
			return nil, fmt.Errorf("load connections: %w", err)
		}
	}

	report := &PassReport{Connections: make([]ConnectionReport, 0, len(conns))}
	deadline := started.Add(o.passBudget)

	for _, conn := range conns {
		// Over budget: stop starting new connections, never abort mid-flight.
		if o.passBudget > 0 && time.Now().After(deadline) {
			o.log.Warn("pass budget exceeded, deferring remaining connections",
				zap.Int("remaining", len(conns)-len(report.Connections)))
			break
		}

		rep := o.syncConnection(ctx, conn, req.ForceFullSync)
		report.Connections = append(report.Connections, rep)
		report.NewCount += rep.NewCount
		report.DuplicateCount += rep.DuplicateCount
		report.SkippedCount += rep.SkippedCount
		report.ErrorCount += len(rep.Errors)
	}

	report.DurationMillis = time.Since(started).Milliseconds()
	metrics.SyncPasses.Inc()
	metrics.PassDuration.Observe(time.Since(started).Seconds())

	if report.NewCount > 0 && o.notifier != nil {
		o.signalClassifier(report.NewCount)
	}

	return report, nil
}

// signalClassifier fires the downstream classification signal without
// observing its outcome.
func (o *Orchestrator) signalClassifier(count int) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.notifier.PendingClassification(ctx, count); err != nil {
			o.log.Warn("classification signal failed", zap.Error(err))
		}
	}()
}

func (o *Orchestrator) syncConnection(ctx context.Context, conn *mail.Connection, forceFull bool) ConnectionReport {
	rep := ConnectionReport{
		ConnectionID: conn.ID,
		AccountEmail: conn.Email,
		Errors:       []string{},
	}
	log := o.log.With(zap.String("connection_id", conn.ID), zap.String("account", conn.Email))

	accessToken := conn.AccessToken
	if o.creds.IsExpired(conn.TokenExpiry) {
		tok, err := o.creds.Refresh(ctx, conn.RefreshToken)
		if err != nil {
			// Connection-fatal: never fetch with a stale token.
			log.Warn("credential refresh failed", zap.Error(err))
			rep.Errors = append(rep.Errors, fmt.Sprintf("credential refresh: %v", err))
			o.recordError(ctx, conn.ID, err)
			return rep
		}
		// Persist before any further calls on this connection.
		if err := o.store.UpdateConnectionToken(ctx, conn.ID, tok.AccessToken, tok.Expiry); err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("persist token: %v", err))
			o.recordError(ctx, conn.ID, err)
			return rep
		}
		accessToken = tok.AccessToken
		conn.AccessToken = tok.AccessToken
		conn.TokenExpiry = tok.Expiry
	}

	provider, err := o.providers(ctx, conn, accessToken)
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("create provider: %v", err))
		o.recordError(ctx, conn.ID, err)
		return rep
	}

	res, err := o.engine.Sync(ctx, provider, conn.HistoryCursor, forceFull)
	if err != nil {
		log.Warn("history sync failed", zap.Error(err))
		rep.Errors = append(rep.Errors, fmt.Sprintf("history sync: %v", err))
		o.recordError(ctx, conn.ID, err)
		return rep
	}
	rep.IsFullSync = res.IsFullSync
	log.Info("history sync",
		zap.Int("messages", len(res.Messages)),
		zap.Bool("full_sync", res.IsFullSync))

	aborted := false
	for _, ref := range res.Messages {
		raw, err := provider.GetMessage(ctx, ref.ID)
		if err != nil {
			var transient *TransientError
			if errors.As(err, &transient) {
				// Rate limit or provider outage: abort the connection's
				// remaining work so the cursor never advances past
				// unprocessed messages.
				log.Warn("transient provider error, aborting connection pass", zap.Error(err))
				rep.Errors = append(rep.Errors, fmt.Sprintf("fetch %s: %v", ref.ID, err))
				aborted = true
				break
			}
			rep.Errors = append(rep.Errors, fmt.Sprintf("fetch %s: %v", ref.ID, err))
			continue
		}

		parsed, err := mailparse.Parse(raw, conn.Email)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("parse %s: %v", ref.ID, err))
			continue
		}

		_, outcome, err := o.store.Ingest(ctx, parsed, conn, mail.VisibilityFromLabels(parsed.Labels))
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("ingest %s: %v", ref.ID, err))
			continue
		}

		rep.SyncedCount++
		switch outcome {
		case mail.IngestStored:
			rep.NewCount++
			metrics.EmailsStored.Inc()
		case mail.IngestDeduplicated:
			rep.DuplicateCount++
			metrics.EmailsDeduplicated.Inc()
		case mail.IngestSkipped:
			rep.SkippedCount++
			metrics.EmailsSkipped.Inc()
		}
	}

	if aborted {
		o.recordError(ctx, conn.ID, fmt.Errorf("pass aborted after %d of %d messages", rep.SyncedCount, len(res.Messages)))
		return rep
	}

	// Batch complete (even partially): advance the cursor and clear any prior
	// error. Cursor persistence happens only here, after message processing.
	if err := o.store.SaveSyncSuccess(ctx, conn.ID, res.NewCursor, time.Now()); err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("persist sync state: %v", err))
	}

	return rep
}

func (o *Orchestrator) recordError(ctx context.Context, connID string, cause error) {
	metrics.SyncErrors.Inc()
	if err := o.store.SaveSyncError(ctx, connID, cause.Error()); err != nil {
		o.log.Error("failed to record connection error", zap.String("connection_id", connID), zap.Error(err))
	}
}
