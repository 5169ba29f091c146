package database

import (
	"encoding/json"
	"errors"
	"fmt"

	"go-batch-download/internal/models"

	log "github.com/sirupsen/logrus"
)

// Key prefixes for persisted records.
const (
	jobPrefix   = "job_"
	batchPrefix = "batch_"
)

func jobKey(id string) []byte   { return []byte(jobPrefix + id) }
func batchKey(id string) []byte { return []byte(batchPrefix + id) }

// PutJob serializes and stores a job record.
func (d *DB) PutJob(job models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("error marshalling job %s: %w", job.ID, err)
	}
	return d.Put(jobKey(job.ID), data)
}

// GetJob loads a job record. Returns ErrNotFound if it does not exist.
func (d *DB) GetJob(id string) (models.Job, error) {
	var job models.Job
	data, err := d.Get(jobKey(id))
	if err != nil {
		return job, err
	}
	if err := json.Unmarshal(data, &job); err != nil {
		return job, fmt.Errorf("error unmarshalling job %s: %w", id, err)
	}
	return job, nil
}

// PutBatch serializes and stores a batch record.
func (d *DB) PutBatch(batch models.Batch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("error marshalling batch %s: %w", batch.ID, err)
	}
	return d.Put(batchKey(batch.ID), data)
}

// GetBatch loads a batch record. Returns ErrNotFound if it does not exist.
func (d *DB) GetBatch(id string) (models.Batch, error) {
	var batch models.Batch
	data, err := d.Get(batchKey(id))
	if err != nil {
		return batch, err
	}
	if err := json.Unmarshal(data, &batch); err != nil {
		return batch, fmt.Errorf("error unmarshalling batch %s: %w", id, err)
	}
	return batch, nil
}

// DeleteBatch removes a batch and all of its jobs. Missing jobs are ignored.
func (d *DB) DeleteBatch(batch models.Batch) error {
	for _, id := range batch.JobIDs {
		if err := d.Delete(jobKey(id)); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("error deleting job %s of batch %s: %w", id, batch.ID, err)
		}
	}
	if err := d.Delete(batchKey(batch.ID)); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("error deleting batch %s: %w", batch.ID, err)
	}
	return nil
}

// LoadAll reads every batch and job record. Undecodable records are
// skipped with a warning.
func (d *DB) LoadAll() ([]models.Batch, []models.Job, error) {
	var batches []models.Batch
	err := d.Scan([]byte(batchPrefix), func(key, value []byte) error {
		var batch models.Batch
		if err := json.Unmarshal(value, &batch); err != nil {
			log.WithError(err).Warnf("Failed to unmarshal batch record %s, skipping", key)
			return nil
		}
		batches = append(batches, batch)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("error scanning batches: %w", err)
	}

	var jobs []models.Job
	err = d.Scan([]byte(jobPrefix), func(key, value []byte) error {
		var job models.Job
		if err := json.Unmarshal(value, &job); err != nil {
			log.WithError(err).Warnf("Failed to unmarshal job record %s, skipping", key)
			return nil
		}
		jobs = append(jobs, job)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("error scanning jobs: %w", err)
	}
	return batches, jobs, nil
}
