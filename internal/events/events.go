// Package events records a local audit trail of orchestration actions
// in the ledger database. Writes are batched on a background goroutine
// so emitting never blocks a submission or poll pass.
package events

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hpcrun/hpcrun/internal/ledger"
	"github.com/hpcrun/hpcrun/internal/models"
)

const (
	TypeJobSubmitted     = "JOB_SUBMITTED"
	TypeJobStatusChanged = "JOB_STATUS_CHANGED"
	TypeResultsFetched   = "RESULTS_FETCHED"
	TypeJobCleaned       = "JOB_CLEANED"
	TypeJobRemoved       = "JOB_REMOVED"
)

type Recorder struct {
	store     *ledger.Store
	in        chan models.JobEvent
	done      chan struct{}
	wg        sync.WaitGroup
	batchSize int
}

func New(store *ledger.Store) *Recorder {
	r := &Recorder{
		store:     store,
		in:        make(chan models.JobEvent, 256),
		done:      make(chan struct{}),
		batchSize: 32,
	}

	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Recorder) Close() {
	close(r.done)
	r.wg.Wait()
}

func (r *Recorder) Emit(eventType string, jobID string, payload any) {
	var payloadJSON *string
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			s := string(b)
			payloadJSON = &s
		}
	}

	var jid *string
	if jobID != "" {
		jid = &jobID
	}

	select {
	case r.in <- models.JobEvent{
		ID:          uuid.New().String(),
		At:          time.Now(),
		Type:        eventType,
		JobID:       jid,
		PayloadJSON: payloadJSON,
	}:
	default:
		// Drop rather than block a submission on audit bookkeeping
		log.Printf("events: dropped %s (buffer full)", eventType)
	}
}

func (r *Recorder) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var batch []models.JobEvent

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.writeBatch(batch); err != nil {
			log.Printf("events: writeBatch failed: %v", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case evt := <-r.in:
			batch = append(batch, evt)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.done:
			// drain anything already queued, then flush
		drain:
			for {
				select {
				case evt := <-r.in:
					batch = append(batch, evt)
				default:
					break drain
				}
			}
			flush()
			return
		}
	}
}

func (r *Recorder) writeBatch(batch []models.JobEvent) error {
	tx, err := r.store.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT INTO events (id, at, type, job_id, payload_json) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range batch {
		if _, err := stmt.Exec(e.ID, e.At.UTC(), e.Type, e.JobID, e.PayloadJSON); err != nil {
			return err
		}
	}

	return tx.Commit()
}
