// Package engine drives the sending side: compose events into a job, push
// the job to each pending target, and record every outcome on the delivery
// ledger. Pushing is caller-driven; nothing here retries in the background.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"federator/internal/config"
	"federator/internal/domain"
	"federator/internal/events"
	"federator/internal/fedclient"
	"federator/internal/ledger"
	"federator/internal/summarize"
)

type Engine struct {
	Cfg        *config.Config
	Store      ledger.Store
	Client     *fedclient.Client
	Summarizer summarize.Summarizer
	Log        *zap.Logger
}

func New(cfg *config.Config, store ledger.Store, client *fedclient.Client, sum summarize.Summarizer, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sum == nil {
		sum = summarize.Disabled{}
	}
	return Engine{Cfg: cfg, Store: store, Client: client, Summarizer: sum, Log: logger}
}

// ComposeOptions selects what a composed job carries.
type ComposeOptions struct {
	IncludeDocument bool
	IncludeSummary  bool
	// Summary, when set, is used verbatim instead of the summarizer.
	Summary string
	ModelID string
}

// ComposeJob normalizes text, builds the selected events, and enqueues a job
// addressed to targetIDs. The job's event list is immutable afterwards;
// resend reuses it.
func (e Engine) ComposeJob(ctx context.Context, text, source, label string, opts ComposeOptions, targetIDs []string) (string, error) {
	if !opts.IncludeDocument && !opts.IncludeSummary {
		return "", fmt.Errorf("job must carry a document, a summary, or both")
	}
	if len(targetIDs) == 0 {
		return "", fmt.Errorf("at least one target peer required")
	}
	targets := make([]ledger.Target, 0, len(targetIDs))
	for _, id := range targetIDs {
		peer, ok := e.Cfg.PeerByID(id)
		if !ok {
			return "", fmt.Errorf("unknown target peer: %s", id)
		}
		targets = append(targets, ledger.Target{PeerID: peer.PeerID, URL: peer.URL})
	}

	text = events.NormalizeText(text)
	if text == "" {
		return "", fmt.Errorf("document text is empty")
	}
	self := e.Cfg.Self.PeerID

	var evs []domain.Event
	docID := events.DocumentID(text, source)
	if opts.IncludeDocument {
		evs = append(evs, events.NewDocumentEvent(self, docID, text, source))
	}
	if opts.IncludeSummary {
		summary := opts.Summary
		if summary == "" {
			if !e.Summarizer.Available() {
				return "", fmt.Errorf("summary requested but summarizer is not available")
			}
			var err error
			summary, err = e.Summarizer.Summarize(ctx, text)
			if err != nil {
				return "", fmt.Errorf("summarize document: %w", err)
			}
		}
		sumDocID := docID
		if !opts.IncludeDocument {
			// Summary travels without its source document; keep it out of
			// the real document id space.
			sumDocID = events.VirtualDocIDForSummary(summary, source)
		}
		modelID := opts.ModelID
		if modelID == "" {
			modelID = e.Cfg.Summarizer.ModelID
		}
		ev, err := events.NewSummaryEvent(self, sumDocID, events.SHA256Hex([]byte(text)), summary, modelID, e.promptVersion())
		if err != nil {
			return "", err
		}
		evs = append(evs, ev)
	}

	jobID, err := e.Store.AddJob(ctx, self, label, evs, targets)
	if err != nil {
		return "", err
	}
	e.Log.Info("job queued",
		zap.String("job_id", jobID),
		zap.Int("events", len(evs)),
		zap.Int("targets", len(targets)))
	return jobID, nil
}

func (e Engine) promptVersion() string {
	if v := e.Cfg.Summarizer.PromptVersion; v != "" {
		return v
	}
	return "v1"
}

// SendOutcome is the result of one target's push attempt.
type SendOutcome struct {
	TargetPeerID string
	Attempts     int
	Result       fedclient.Result
}

// SendJob pushes the job to every target still PENDING or FAILED and writes
// each outcome back to the delivery row. The attempts counter is read,
// incremented, and written back here; concurrent resends of the same target
// race and may undercount.
func (e Engine) SendJob(ctx context.Context, jobID string) ([]SendOutcome, error) {
	evs, err := e.Store.GetJobEvents(ctx, jobID)
	if err != nil {
		return nil, err
	}
	targets, err := e.Store.PendingOrFailedTargets(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var outcomes []SendOutcome
	for _, t := range targets {
		peer, ok := e.Cfg.PeerByID(t.TargetPeerID)
		if !ok {
			// Peer vanished from the roster; still reach for the recorded URL.
			peer = config.Peer{PeerID: t.TargetPeerID, URL: t.TargetURL, TLS: e.Cfg.TLSDefaults}
		}
		res := e.Client.Push(ctx, peer, evs)
		attempts := t.Attempts + 1
		status := domain.StatusSent
		var lastErr *string
		if !res.OK {
			status = domain.StatusFailed
			msg := res.Message
			lastErr = &msg
		}
		var httpStatus *int
		if res.HTTPStatus != 0 {
			s := res.HTTPStatus
			httpStatus = &s
		}
		now := float64(time.Now().UnixNano()) / float64(time.Second)
		if err := e.Store.UpdateDelivery(ctx, jobID, t.TargetPeerID, status, attempts, lastErr, now, httpStatus); err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, SendOutcome{TargetPeerID: t.TargetPeerID, Attempts: attempts, Result: res})
	}
	return outcomes, nil
}

// ResendJob re-drives the job; only PENDING and FAILED targets are pushed
// again, with the same immutable event list.
func (e Engine) ResendJob(ctx context.Context, jobID string) ([]SendOutcome, error) {
	return e.SendJob(ctx, jobID)
}
