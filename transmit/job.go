package transmit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/deliciousbrains/mergebot/budget"
	"github.com/deliciousbrains/mergebot/capture"
	"github.com/deliciousbrains/mergebot/options"
)

// ErrRetriesExhausted means the job failed its configured number of times
// and will not run again until ResetErrors is called.
var ErrRetriesExhausted = errors.New("transmission retries exhausted")

const (
	leaseName        = "mergebot_send_queries_lock"
	errorCountOption = "mergebot_send_queries_errors"
)

// JobConfig carries the background sender's tunables.
type JobConfig struct {
	// BatchCap is the authority's request-size limit in bytes. Batches are
	// packed to 90% of it.
	BatchCap int64 `json:"batch_cap"`
	// RetryLimit is how many failed runs are tolerated before the job
	// pauses itself.
	RetryLimit int `json:"retry_limit"`
	// LeaseTTL bounds how long a crashed run can hold the lock.
	LeaseTTL time.Duration `json:"lease_ttl"`
	// FetchLimit is how many records are pulled from storage at a time.
	FetchLimit int `json:"fetch_limit"`
	// TimeBudget and MemoryBudget bound one run; zero disables.
	TimeBudget   time.Duration `json:"time_budget"`
	MemoryBudget uint64        `json:"memory_budget"`
}

func (c *JobConfig) SetDefaults() {
	if c.BatchCap == 0 {
		c.BatchCap = 32 << 20
	}
	if c.RetryLimit == 0 {
		c.RetryLimit = 3
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = time.Minute
	}
	if c.FetchLimit == 0 {
		c.FetchLimit = 100
	}
}

// Job transmits captured change records to the authority in the background.
// Only one run is active at a time, enforced by an expiring lease, so
// overlapping triggers are no-ops.
type Job struct {
	store   *capture.Store
	options *options.Store
	client  *Client
	config  JobConfig
}

func NewJob(store *capture.Store, opts *options.Store, client *Client, config JobConfig) *Job {
	config.SetDefaults()
	return &Job{store: store, options: opts, client: client, config: config}
}

// Run transmits as many ready batches as the budgets allow. It returns nil
// when there is nothing (more) to do, when another run holds the lease, or
// when a budget ran out; deferred work is picked up by the next run.
func (j *Job) Run(ctx context.Context) error {
	if exhausted, err := j.retriesExhausted(ctx); err != nil {
		return err
	} else if exhausted {
		return ErrRetriesExhausted
	}

	var token, acquired, err = j.options.Acquire(ctx, leaseName, j.config.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquiring transmission lease: %w", err)
	}
	if !acquired {
		log.Debug("transmission lease held elsewhere, skipping run")
		return nil
	}
	defer func() {
		if err := j.options.Release(context.WithoutCancel(ctx), leaseName, token); err != nil {
			log.WithField("err", err).Warn("failed to release transmission lease")
		}
	}()

	var limits = budget.New(j.config.TimeBudget, j.config.MemoryBudget)
	for {
		// Cancellation and budgets are honored between batches only; a
		// batch in flight always completes its round-trip.
		if err := ctx.Err(); err != nil {
			return nil
		}
		if exceeded, kind := limits.Exceeded(); exceeded {
			log.WithField("budget", kind).Info("transmission budget reached, deferring rest")
			return nil
		}

		done, err := j.sendBatch(ctx)
		if err != nil {
			if ierr := j.recordFailure(ctx); ierr != nil {
				log.WithField("err", ierr).Error("failed to record transmission failure")
			}
			return err
		}
		if done {
			return nil
		}
	}
}

// sendBatch transmits one size-capped batch. done=true means there is
// nothing further to send right now.
func (j *Job) sendBatch(ctx context.Context) (bool, error) {
	var records, err = j.store.ProcessedBatch(ctx, j.config.FetchLimit)
	if err != nil {
		return false, err
	}
	if len(records) == 0 {
		// Distinguish "all sent" from "blocked behind an unresolved id".
		blocked, err := j.store.FirstUnprocessed(ctx)
		if err != nil {
			return false, err
		}
		if blocked != nil {
			return false, fmt.Errorf("record %d (%s on %s): %w",
				blocked.ID, blocked.Type, blocked.Table, capture.ErrUnresolvedInsertID)
		}
		return true, nil
	}

	payloads, ids, err := j.pack(ctx, records)
	if err != nil {
		return false, err
	}
	result, err := j.client.PostChangeRecords(ctx, payloads)
	if err != nil {
		return false, err
	}

	var acknowledged = make([]int64, 0, len(ids))
	for _, id := range ids {
		if message, rejected := result.Errors[id]; rejected {
			if err := j.store.SetRecordError(ctx, id, message); err != nil {
				return false, err
			}
			continue
		}
		acknowledged = append(acknowledged, id)
	}
	if err := j.store.DeleteRecords(ctx, acknowledged...); err != nil {
		return false, err
	}
	log.WithFields(log.Fields{"sent": len(acknowledged), "rejected": len(result.Errors)}).
		Info("transmitted change record batch")

	if len(result.Errors) > 0 {
		// Rejected records stay in place ahead of everything newer; stop
		// rather than send history out of order around them.
		return false, fmt.Errorf("authority rejected %d record(s)", len(result.Errors))
	}
	if result.LimitReached {
		return true, nil
	}
	// Drained only if the fetch came up short and the size cap did not
	// hold anything back.
	return len(records) < j.config.FetchLimit && len(ids) == len(records), nil
}

// pack converts records to wire payloads, bin-packing them under 90% of the
// batch cap. Overflow stays in storage for the next batch.
func (j *Job) pack(ctx context.Context, records []capture.ChangeRecord) ([]RecordPayload, []int64, error) {
	var limit = int64(float64(j.config.BatchCap) * budget.SafetyFactor)
	var payloads []RecordPayload
	var ids []int64
	var size int64
	for _, record := range records {
		var payload, err = j.payload(ctx, record)
		if err != nil {
			return nil, nil, err
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding record %d: %w", record.ID, err)
		}
		if len(payloads) > 0 && size+int64(len(encoded)) > limit {
			break
		}
		payloads = append(payloads, payload)
		ids = append(ids, record.ID)
		size += int64(len(encoded))
	}
	return payloads, ids, nil
}

func (j *Job) payload(ctx context.Context, record capture.ChangeRecord) (RecordPayload, error) {
	var payload = RecordPayload{
		ID:          record.ID,
		RecordingID: record.RecordingID,
		Type:        strings.ToLower(record.Type),
		SQL:         record.SQL,
		RecordedAt:  record.RecordedAt,
		TenantID:    record.TenantID,
		InsertID:    record.InsertID,
	}
	var snapshots, err = j.store.SnapshotsFor(ctx, record.ID)
	if err != nil {
		return payload, err
	}
	for _, snapshot := range snapshots {
		payload.PreUpdateData = append(payload.PreUpdateData, SnapshotPayload{
			Table: snapshot.Table,
			Data:  json.RawMessage(snapshot.Data),
		})
	}
	return payload, nil
}

func (j *Job) retriesExhausted(ctx context.Context) (bool, error) {
	var value, found, err = j.options.Get(ctx, errorCountOption)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	count, err := strconv.Atoi(value)
	if err != nil {
		return false, nil
	}
	return count >= j.config.RetryLimit, nil
}

func (j *Job) recordFailure(ctx context.Context) error {
	var count = 1
	if value, found, err := j.options.Get(ctx, errorCountOption); err != nil {
		return err
	} else if found {
		if previous, err := strconv.Atoi(value); err == nil {
			count = previous + 1
		}
	}
	return j.options.Set(ctx, errorCountOption, strconv.Itoa(count), 0)
}

// ResetErrors clears the failure counter so transmission resumes on the
// next run. It is the manual retry action surfaced to operators.
func (j *Job) ResetErrors(ctx context.Context) error {
	return j.options.Delete(ctx, errorCountOption)
}
