package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/arca/internal/interfaces"
	"github.com/ternarybob/arca/internal/models"
)

// maxConsecutiveTransient aborts the batch once this many transient
// failures land in a row. Any per-item success resets the count.
const maxConsecutiveTransient = 3

// Driver runs a whole source fetch through the orchestrator: collect,
// estimate advisor cost, process each item with the transient breaker,
// acknowledge upstream, and report per-item lines plus a summary.
type Driver struct {
	orch    *Orchestrator
	advisor interfaces.AdvisorService
	logger  arbor.ILogger
	out     io.Writer

	// sleep is replaceable so tests do not wait out real backoff
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDriver wires the batch driver. out receives the user-visible
// per-item lines; nil discards them. advisor may be nil.
func NewDriver(orch *Orchestrator, advisor interfaces.AdvisorService, logger arbor.ILogger, out io.Writer) *Driver {
	if out == nil {
		out = io.Discard
	}
	return &Driver{
		orch:    orch,
		advisor: advisor,
		logger:  logger,
		out:     out,
		sleep:   ctxSleep,
	}
}

// Run fetches every matching item from the source and processes them in
// upstream order. Permanent per-item errors are counted and skipped
// over; transient ones back off exponentially and abort the batch after
// maxConsecutiveTransient in a row.
func (d *Driver) Run(ctx context.Context, source interfaces.SourceAdapter, fetch interfaces.FetchOptions, opts Options) (*models.BatchSummary, error) {
	var records []*interfaces.RawInput
	err := source.Fetch(ctx, fetch, func(item *interfaces.RawInput) error {
		records = append(records, item)
		return nil
	})
	if err != nil {
		return nil, err
	}

	summary := &models.BatchSummary{}
	n := len(records)
	if n == 0 {
		fmt.Fprintf(d.out, "no items from %s\n", source.Name())
		return summary, nil
	}

	if ok, err := d.confirmAdvisorCost(n, opts); err != nil || !ok {
		return summary, err
	}

	consecutive := 0
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		outcome := d.orch.Process(ctx, rec, opts)
		d.printLine(i+1, n, rec, outcome, opts.DryRun)

		transientHit := false
		switch outcome.Status {
		case models.StatusFailed:
			summary.Errors++
			transientHit = models.IsTransient(outcome.Err)
		case models.StatusSkipped:
			summary.Skipped++
		default:
			summary.Processed++
		}

		if ackErr := d.ack(ctx, source, rec, outcome, opts); ackErr != nil {
			d.logger.Warn().Err(ackErr).Str("source", source.Name()).Msg("Upstream ack failed")
			if models.IsTransient(ackErr) {
				transientHit = true
			}
		}

		if transientHit {
			consecutive++
			if consecutive >= maxConsecutiveTransient {
				fmt.Fprintf(d.out, "{processed: %d, skipped: %d, errors: %d}\n",
					summary.Processed, summary.Skipped, summary.Errors)
				return summary, models.Errorf(models.KindTransient, "pipeline.batch",
					"aborted after %d consecutive transient errors", consecutive)
			}
			if err := d.sleep(ctx, time.Duration(1<<consecutive)*time.Second); err != nil {
				return summary, err
			}
		} else if outcome.Status != models.StatusFailed {
			consecutive = 0
		}
	}

	fmt.Fprintf(d.out, "{processed: %d, skipped: %d, errors: %d}\n",
		summary.Processed, summary.Skipped, summary.Errors)
	return summary, nil
}

// confirmAdvisorCost surfaces the spend estimate before a batch puts
// the advisor to work. Confirmation is waived in dry-run mode and when
// no hook is installed (--yes); the estimate still prints.
func (d *Driver) confirmAdvisorCost(n int, opts Options) (bool, error) {
	if !opts.AllowLLM || d.advisor == nil || !d.advisor.Enabled() {
		return true, nil
	}
	est := d.advisor.EstimateCost(n)
	fmt.Fprintf(d.out, "advisor estimate: %d items, ~%d tokens, ~$%.2f (%s/%s)\n",
		est.Items, est.EstimatedTokens, est.EstimatedUSD, est.Provider, est.Model)
	if opts.DryRun || opts.ConfirmCost == nil {
		return true, nil
	}
	if !opts.ConfirmCost(est) {
		fmt.Fprintln(d.out, "aborted: advisor cost not confirmed")
		return false, nil
	}
	return true, nil
}

func (d *Driver) ack(ctx context.Context, source interfaces.SourceAdapter, rec *interfaces.RawInput, outcome *models.Outcome, opts Options) error {
	// Dry runs and training passes leave upstream state untouched.
	if opts.DryRun || opts.TrainOnly || rec.AckToken == "" {
		return nil
	}
	status := interfaces.AckFailed
	switch outcome.Status {
	case models.StatusArchived:
		status = interfaces.AckProcessed
	case models.StatusSkipped:
		status = interfaces.AckSkipped
	}
	return source.Ack(ctx, rec.AckToken, status)
}

func (d *Driver) printLine(i, n int, rec *interfaces.RawInput, outcome *models.Outcome, dryRun bool) {
	prefix := ""
	if dryRun {
		prefix = "(dry-run) "
	}
	fmt.Fprintf(d.out, "%s[%d/%d] %s %s: %s\n",
		prefix, i, n, outcome.Status, recordName(rec), outcomeMessage(outcome))
}

// recordName picks the best human label for one per-item output line.
func recordName(rec *interfaces.RawInput) string {
	if s := rec.Origin[models.OriginSubject]; s != "" {
		return s
	}
	if f := rec.Origin["filename"]; f != "" {
		return f
	}
	if len(rec.Attachments) > 0 && rec.Attachments[0].Filename != "" {
		return rec.Attachments[0].Filename
	}
	if id := rec.Origin[models.OriginMessageID]; id != "" {
		return id
	}
	if rec.AckToken != "" {
		return rec.AckToken
	}
	return "item"
}

func outcomeMessage(outcome *models.Outcome) string {
	switch outcome.Status {
	case models.StatusArchived:
		if outcome.Workflow != "" {
			return fmt.Sprintf("%s (%s %.2f)", outcome.Workflow, outcome.Method, outcome.Confidence)
		}
		if outcome.Archive != nil {
			return outcome.Archive.DocumentID.ShortString()
		}
		return "archived"
	case models.StatusDryRun:
		if outcome.Workflow != "" {
			return fmt.Sprintf("would archive as %s (%s %.2f)", outcome.Workflow, outcome.Method, outcome.Confidence)
		}
		return "would archive " + outcome.Reason
	case models.StatusTrainOnly:
		return "recorded " + outcome.Workflow
	case models.StatusFailed:
		if outcome.Err != nil {
			return outcome.Err.Error()
		}
		return "failed"
	default:
		if outcome.Workflow != "" {
			return fmt.Sprintf("%s (%s)", outcome.Reason, outcome.Workflow)
		}
		return outcome.Reason
	}
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
