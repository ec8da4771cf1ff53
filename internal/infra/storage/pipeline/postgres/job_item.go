package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/datashuttle/internal/domain/pipeline"
	"github.com/ahrav/datashuttle/internal/infra/storage"
)

var defaultDBAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}

var _ pipeline.JobRepository = (*jobItemStore)(nil)

// jobItemStore is the PostgreSQL implementation of pipeline.JobRepository.
// Task positions are stored as JSONB maps of task ID to the position's compact
// wire form, which keeps the schema stable as new position kinds appear.
type jobItemStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewJobItemStore creates a PostgreSQL-backed job item repository.
func NewJobItemStore(pool *pgxpool.Pool, tracer trace.Tracer) *jobItemStore {
	return &jobItemStore{pool: pool, tracer: tracer}
}

func encodePositions(positions map[string]pipeline.Position) ([]byte, error) {
	encoded := make(map[string]string, len(positions))
	for id, pos := range positions {
		encoded[id] = pos.String()
	}
	return json.Marshal(encoded)
}

func decodePositions(raw []byte) (map[string]pipeline.Position, error) {
	var encoded map[string]string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("failed to unmarshal positions: %w", err)
	}
	positions := make(map[string]pipeline.Position, len(encoded))
	for id, s := range encoded {
		pos, err := pipeline.ParsePosition(s)
		if err != nil {
			return nil, fmt.Errorf("failed to parse position for task %s: %w", id, err)
		}
		positions[id] = pos
	}
	return positions, nil
}

// ensureJob upserts the parent job row so item writes never violate the
// foreign key, even when this node is the first to touch the job.
func (s *jobItemStore) ensureJob(ctx context.Context, jobID string) error {
	jobType, err := pipeline.ParseJobTypeFromID(jobID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipeline_jobs (job_id, job_type)
		VALUES ($1, $2)
		ON CONFLICT (job_id) DO NOTHING`,
		jobID, jobType.String())
	if err != nil {
		return fmt.Errorf("failed to ensure job row: %w", err)
	}
	return nil
}

// SaveProgress upserts a progress snapshot for a job item.
func (s *jobItemStore) SaveProgress(ctx context.Context, progress *pipeline.JobItemProgress) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", progress.JobID()),
		attribute.Int("sharding_item", progress.ShardingItem()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_job_item_progress", dbAttrs, func(ctx context.Context) error {
		if err := s.ensureJob(ctx, progress.JobID()); err != nil {
			return err
		}

		inventory, err := encodePositions(progress.InventoryPositions())
		if err != nil {
			return fmt.Errorf("failed to marshal inventory positions: %w", err)
		}
		incremental, err := encodePositions(progress.IncrementalPositions())
		if err != nil {
			return fmt.Errorf("failed to marshal incremental positions: %w", err)
		}

		_, err = s.pool.Exec(ctx, `
			INSERT INTO pipeline_job_items (job_id, sharding_item, status, inventory_positions, incremental_positions)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (job_id, sharding_item) DO UPDATE SET
				status = EXCLUDED.status,
				inventory_positions = EXCLUDED.inventory_positions,
				incremental_positions = EXCLUDED.incremental_positions,
				updated_at = NOW()`,
			progress.JobID(), progress.ShardingItem(), progress.Status().String(), inventory, incremental)
		if err != nil {
			return fmt.Errorf("failed to save job item progress: %w", err)
		}
		return nil
	})
}

// GetProgress retrieves the latest progress snapshot for a job item.
func (s *jobItemStore) GetProgress(ctx context.Context, jobID string, shardingItem int) (*pipeline.JobItemProgress, error) {
	var progress *pipeline.JobItemProgress
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", jobID),
		attribute.Int("sharding_item", shardingItem),
	)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_job_item_progress", dbAttrs, func(ctx context.Context) error {
		var (
			status         string
			inventoryRaw   []byte
			incrementalRaw []byte
		)
		err := s.pool.QueryRow(ctx, `
			SELECT status, inventory_positions, incremental_positions
			FROM pipeline_job_items
			WHERE job_id = $1 AND sharding_item = $2`,
			jobID, shardingItem).Scan(&status, &inventoryRaw, &incrementalRaw)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return pipeline.ErrNoJobItemProgress
			}
			return fmt.Errorf("failed to load job item progress: %w", err)
		}

		inventory, err := decodePositions(inventoryRaw)
		if err != nil {
			return err
		}
		incremental, err := decodePositions(incrementalRaw)
		if err != nil {
			return err
		}

		progress = pipeline.ReconstructJobItemProgress(jobID, shardingItem, pipeline.ParseJobItemStatus(status), inventory, incremental)
		return nil
	})
	return progress, err
}

// UpdateStatus records a new lifecycle status for a job item.
func (s *jobItemStore) UpdateStatus(ctx context.Context, jobID string, shardingItem int, status pipeline.JobItemStatus) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", jobID),
		attribute.Int("sharding_item", shardingItem),
		attribute.String("status", status.String()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_job_item_status", dbAttrs, func(ctx context.Context) error {
		if err := s.ensureJob(ctx, jobID); err != nil {
			return err
		}
		_, err := s.pool.Exec(ctx, `
			INSERT INTO pipeline_job_items (job_id, sharding_item, status)
			VALUES ($1, $2, $3)
			ON CONFLICT (job_id, sharding_item) DO UPDATE SET
				status = EXCLUDED.status,
				updated_at = NOW()`,
			jobID, shardingItem, status.String())
		if err != nil {
			return fmt.Errorf("failed to update job item status: %w", err)
		}
		return nil
	})
}

// SaveErrorMessage records the failure message for a job item.
func (s *jobItemStore) SaveErrorMessage(ctx context.Context, jobID string, shardingItem int, message string) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", jobID),
		attribute.Int("sharding_item", shardingItem),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_job_item_error_message", dbAttrs, func(ctx context.Context) error {
		if err := s.ensureJob(ctx, jobID); err != nil {
			return err
		}
		_, err := s.pool.Exec(ctx, `
			INSERT INTO pipeline_job_items (job_id, sharding_item, status, error_message)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (job_id, sharding_item) DO UPDATE SET
				error_message = EXCLUDED.error_message,
				updated_at = NOW()`,
			jobID, shardingItem, pipeline.JobItemStatusUnspecified.String(), message)
		if err != nil {
			return fmt.Errorf("failed to save job item error message: %w", err)
		}
		return nil
	})
}

// SetJobStopping flags the job so every node driving its items winds down.
func (s *jobItemStore) SetJobStopping(ctx context.Context, jobID string) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.set_job_stopping", dbAttrs, func(ctx context.Context) error {
		jobType, err := pipeline.ParseJobTypeFromID(jobID)
		if err != nil {
			return err
		}
		_, err = s.pool.Exec(ctx, `
			INSERT INTO pipeline_jobs (job_id, job_type, stopping)
			VALUES ($1, $2, TRUE)
			ON CONFLICT (job_id) DO UPDATE SET
				stopping = TRUE,
				updated_at = NOW()`,
			jobID, jobType.String())
		if err != nil {
			return fmt.Errorf("failed to flag job as stopping: %w", err)
		}
		return nil
	})
}

// IsJobStopping reports whether a stop has been requested for the job. A job
// with no row yet is not stopping.
func (s *jobItemStore) IsJobStopping(ctx context.Context, jobID string) (bool, error) {
	var stopping bool
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.is_job_stopping", dbAttrs, func(ctx context.Context) error {
		err := s.pool.QueryRow(ctx, `
			SELECT stopping FROM pipeline_jobs WHERE job_id = $1`,
			jobID).Scan(&stopping)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to check job stopping flag: %w", err)
		}
		return nil
	})
	return stopping, err
}
