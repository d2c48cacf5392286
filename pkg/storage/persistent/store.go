package persistent

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/velotest/velotest/pkg/models"
	"github.com/velotest/velotest/pkg/storage"
)

// Ensure Store implements storage.RunStore interface at compile time
var _ storage.RunStore = (*Store)(nil)

const (
	getCredentialSQL = `
		SELECT id, owner_id, key_hash, is_active, last_used_at, expires_at
		FROM api_credentials
		WHERE key_hash = $1 AND is_active = TRUE
		  AND (expires_at IS NULL OR expires_at > NOW());
	`
	insertTestRunSQL = `
		INSERT INTO test_runs (
			id, owner_id, creation_name, status,
			total_tests, passed_tests, failed_tests, skipped_tests,
			backend_pass_rate, frontend_pass_rate,
			duration_ms, payload_url, ai_summary, source, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW()
		);
	`
	getTestRunSQL = `
		SELECT id, owner_id, creation_name, status,
		       total_tests, passed_tests, failed_tests, skipped_tests,
		       backend_pass_rate, frontend_pass_rate,
		       duration_ms, payload_url, ai_summary, source, created_at
		FROM test_runs
		WHERE id = $1;
	`
	listTestRunsSQL = `
		SELECT id, owner_id, creation_name, status,
		       total_tests, passed_tests, failed_tests, skipped_tests,
		       backend_pass_rate, frontend_pass_rate,
		       duration_ms, payload_url, ai_summary, source, created_at
		FROM test_runs
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2;
	`
	touchCredentialSQL = `
		UPDATE api_credentials SET last_used_at = NOW() WHERE id = $1;
	`
	// GREATEST floors the balance at zero inside a single UPDATE, so
	// concurrent debits cannot drive it negative.
	debitCreditSQL = `
		UPDATE profiles
		SET credits = GREATEST(credits - 1, 0)
		WHERE id = $1
		RETURNING credits;
	`

	// Reference schema (run manually or via migrations):
	/*
		CREATE TABLE IF NOT EXISTS profiles (
			id VARCHAR(36) PRIMARY KEY,
			credits INT NOT NULL DEFAULT 0 CHECK (credits >= 0)
		);
		CREATE TABLE IF NOT EXISTS api_credentials (
			id VARCHAR(36) PRIMARY KEY,
			owner_id VARCHAR(36) NOT NULL REFERENCES profiles(id),
			key_hash CHAR(64) NOT NULL UNIQUE,   -- sha256 hex of the raw secret
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			last_used_at TIMESTAMPTZ,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS test_runs (
			id VARCHAR(36) PRIMARY KEY,
			owner_id VARCHAR(36) NOT NULL REFERENCES profiles(id),
			creation_name VARCHAR(255) NOT NULL,
			status VARCHAR(20) NOT NULL,
			total_tests INT NOT NULL,
			passed_tests INT NOT NULL,
			failed_tests INT NOT NULL,
			skipped_tests INT NOT NULL,
			backend_pass_rate INT,
			frontend_pass_rate INT,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			payload_url TEXT,
			ai_summary TEXT,
			source VARCHAR(50),
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_test_runs_owner ON test_runs (owner_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_api_credentials_hash ON api_credentials (key_hash);
	*/
)

// Store implements storage.RunStore using PostgreSQL for rows and MinIO for
// raw report payloads.
type Store struct {
	db          *pgxpool.Pool
	minioClient *minio.Client
	bucketName  string
	logger      *slog.Logger
}

// NewStore creates a new persistent store instance.
func NewStore(pgDSN, minioEndpoint, minioAccessKey, minioSecretKey, bucketName string, useSSL bool, logger *slog.Logger) (*Store, error) {
	dbpool, err := pgxpool.New(context.Background(), pgDSN)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := dbpool.Ping(context.Background()); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	logger.Info("PostgreSQL connection pool established")

	minioClient, err := minio.New(minioEndpoint, &minio.Options{Creds: credentials.NewStaticV4(minioAccessKey, minioSecretKey, ""), Secure: useSSL})
	if err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	logger.Info("MinIO client initialized", slog.String("endpoint", minioEndpoint))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = minioClient.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{})
	if err != nil {
		exists, errBucketExists := minioClient.BucketExists(ctx, bucketName)
		if errBucketExists == nil && exists {
			logger.Info("MinIO bucket already exists", slog.String("bucket", bucketName))
		} else {
			dbpool.Close()
			return nil, fmt.Errorf("failed to make/verify MinIO bucket '%s': %w", bucketName, err)
		}
	} else {
		logger.Info("Successfully created MinIO bucket", slog.String("bucket", bucketName))
	}

	return &Store{db: dbpool, minioClient: minioClient, bucketName: bucketName, logger: logger}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	s.logger.Info("Closing persistent storage connections")
	if s.db != nil {
		s.db.Close()
	}
	return nil
}

// GetCredentialByHash looks up an active, unexpired credential by key hash.
// The raw secret never reaches this layer.
func (s *Store) GetCredentialByHash(ctx context.Context, keyHash string) (*models.ApiCredential, error) {
	cred := &models.ApiCredential{}
	var lastUsed, expires sql.NullTime

	err := s.db.QueryRow(ctx, getCredentialSQL, keyHash).Scan(
		&cred.ID, &cred.OwnerID, &cred.KeyHash, &cred.IsActive, &lastUsed, &expires,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNoCredential
		}
		return nil, fmt.Errorf("failed to query credential: %w", err)
	}
	if lastUsed.Valid {
		cred.LastUsedAt = &lastUsed.Time
	}
	if expires.Valid {
		cred.ExpiresAt = &expires.Time
	}
	return cred, nil
}

// CreateTestRun stores the raw payload in MinIO first, then inserts the run
// row. A payload upload failure aborts before any row is written.
func (s *Store) CreateTestRun(ctx context.Context, run *models.TestRun) error {
	if run == nil || run.ID == "" || run.OwnerID == "" {
		return fmt.Errorf("invalid run data for create")
	}

	if len(run.ReportPayload) > 0 {
		objectName := fmt.Sprintf("%s/%s/report.json", run.OwnerID, run.ID)
		payloadURL, err := s.storePayload(ctx, objectName, run.ReportPayload)
		if err != nil {
			return fmt.Errorf("failed to store report payload for run %s: %w", run.ID, err)
		}
		run.PayloadURL = payloadURL
	}

	_, err := s.db.Exec(ctx, insertTestRunSQL,
		run.ID,
		run.OwnerID,
		run.CreationName,
		run.Status,
		run.TotalTests,
		run.PassedTests,
		run.FailedTests,
		run.SkippedTests,
		nullableInt(run.BackendPassRate),
		nullableInt(run.FrontendPassRate),
		run.DurationMs,
		sql.NullString{String: run.PayloadURL, Valid: run.PayloadURL != ""},
		sql.NullString{String: run.AISummary, Valid: run.AISummary != ""},
		sql.NullString{String: run.Source, Valid: run.Source != ""},
	)
	if err != nil {
		return fmt.Errorf("failed to insert test run %s: %w", run.ID, err)
	}
	s.logger.Info("Saved test run", slog.String("run_id", run.ID), slog.String("status", run.Status))
	return nil
}

// GetTestRun retrieves one run by ID; nil when absent.
func (s *Store) GetTestRun(ctx context.Context, runID string) (*models.TestRun, error) {
	run, err := scanTestRun(s.db.QueryRow(ctx, getTestRunSQL, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query test run %s: %w", runID, err)
	}
	return run, nil
}

// ListTestRuns retrieves the owner's most recent runs.
func (s *Store) ListTestRuns(ctx context.Context, ownerID string, limit int) ([]models.TestRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, listTestRunsSQL, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query test runs: %w", err)
	}
	defer rows.Close()

	runs := []models.TestRun{}
	for rows.Next() {
		run, err := scanTestRun(rows)
		if err != nil {
			s.logger.Error("Failed to scan test run row", slog.String("error", err.Error()))
			continue
		}
		runs = append(runs, *run)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating test run rows: %w", err)
	}
	return runs, nil
}

// TouchCredential updates last_used_at; a missing credential is non-critical.
func (s *Store) TouchCredential(ctx context.Context, credentialID string) error {
	cmdTag, err := s.db.Exec(ctx, touchCredentialSQL, credentialID)
	if err != nil {
		return fmt.Errorf("failed to update credential %s: %w", credentialID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		s.logger.Warn("Attempted to touch non-existent credential", slog.String("credential_id", credentialID))
	}
	return nil
}

// DebitCredit decrements the profile's balance with an atomic floor at zero.
func (s *Store) DebitCredit(ctx context.Context, ownerID string) (int, error) {
	var remaining int
	err := s.db.QueryRow(ctx, debitCreditSQL, ownerID).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("no profile %s to debit", ownerID)
		}
		return 0, fmt.Errorf("failed to debit credits for %s: %w", ownerID, err)
	}
	s.logger.Info("Debited credit", slog.String("owner_id", ownerID), slog.Int("remaining", remaining))
	return remaining, nil
}

// storePayload uploads the raw report document to the configured bucket.
func (s *Store) storePayload(ctx context.Context, objectName string, payload []byte) (string, error) {
	if s.bucketName == "" {
		return "", fmt.Errorf("minio bucket name is not configured")
	}
	uploadInfo, err := s.minioClient.PutObject(ctx, s.bucketName, objectName,
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("failed to upload payload '%s': %w", objectName, err)
	}
	s.logger.Info("Stored report payload", slog.String("bucket", uploadInfo.Bucket), slog.String("key", uploadInfo.Key), slog.Int64("size", uploadInfo.Size))

	payloadURL := url.URL{Scheme: "http", Host: s.minioClient.EndpointURL().Host, Path: path.Join(s.bucketName, objectName)}
	if s.minioClient.EndpointURL().Scheme == "https" {
		payloadURL.Scheme = "https"
	}
	return payloadURL.String(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTestRun(row rowScanner) (*models.TestRun, error) {
	run := &models.TestRun{}
	var backendRate, frontendRate sql.NullInt32
	var payloadURL, aiSummary, source sql.NullString

	err := row.Scan(
		&run.ID, &run.OwnerID, &run.CreationName, &run.Status,
		&run.TotalTests, &run.PassedTests, &run.FailedTests, &run.SkippedTests,
		&backendRate, &frontendRate,
		&run.DurationMs, &payloadURL, &aiSummary, &source, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if backendRate.Valid {
		v := int(backendRate.Int32)
		run.BackendPassRate = &v
	}
	if frontendRate.Valid {
		v := int(frontendRate.Int32)
		run.FrontendPassRate = &v
	}
	run.PayloadURL = payloadURL.String
	run.AISummary = aiSummary.String
	run.Source = source.String
	return run, nil
}

func nullableInt(v *int) sql.NullInt32 {
	if v == nil {
		return sql.NullInt32{}
	}
	return sql.NullInt32{Int32: int32(*v), Valid: true}
}
