// Package postgres provides a PostgreSQL implementation of the storage interface.
// This is intended for self-hosted deployments.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/shipitai/mechanic/storage"
)

// PostgreSQL provides storage operations using PostgreSQL.
type PostgreSQL struct {
	db *sql.DB
}

// New creates a new PostgreSQL storage instance.
func New(db *sql.DB) *PostgreSQL {
	return &PostgreSQL{db: db}
}

// NewFromDSN creates a new PostgreSQL storage instance from a connection string.
func NewFromDSN(ctx context.Context, dsn string) (*PostgreSQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &PostgreSQL{db: db}, nil
}

// Close closes the database connection.
func (p *PostgreSQL) Close() error {
	return p.db.Close()
}

// Migrate creates the required database tables.
func (p *PostgreSQL) Migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS installations (
			installation_id BIGINT PRIMARY KEY,
			account_id BIGINT,
			org_login TEXT NOT NULL,
			installed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			installed_by TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS commit_reviews (
			id BIGSERIAL PRIMARY KEY,
			delivery_id TEXT NOT NULL,
			installation_id BIGINT NOT NULL,
			owner TEXT NOT NULL,
			repo TEXT NOT NULL,
			pull_number INTEGER NOT NULL DEFAULT 0,
			commit_sha TEXT NOT NULL,
			state TEXT NOT NULL,
			reason TEXT,
			path TEXT,
			position TEXT,
			comment_url TEXT,
			error TEXT,
			usage JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_commit_reviews_commit ON commit_reviews(owner, repo, commit_sha);
	`

	_, err := p.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// StoreReview appends a review record.
func (p *PostgreSQL) StoreReview(ctx context.Context, review *storage.ReviewRecord) error {
	query := `
		INSERT INTO commit_reviews (delivery_id, installation_id, owner, repo, pull_number, commit_sha,
			state, reason, path, position, comment_url, error, usage, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		RETURNING id
	`

	err := p.db.QueryRowContext(ctx, query,
		review.DeliveryID,
		review.InstallationID,
		review.Owner,
		review.Repo,
		review.PullNumber,
		review.CommitSHA,
		review.State,
		review.Reason,
		review.Path,
		review.Position,
		review.CommentURL,
		review.Error,
		usageToJSON(review.Usage),
	).Scan(&review.ID)
	if err != nil {
		return fmt.Errorf("failed to store review: %w", err)
	}

	return nil
}

// ListReviewsForCommit retrieves every stored outcome for a commit, oldest first.
func (p *PostgreSQL) ListReviewsForCommit(ctx context.Context, owner, repo, commitSHA string) ([]*storage.ReviewRecord, error) {
	query := `
		SELECT id, delivery_id, installation_id, owner, repo, pull_number, commit_sha,
			state, reason, path, position, comment_url, error, usage, created_at
		FROM commit_reviews
		WHERE owner = $1 AND repo = $2 AND commit_sha = $3
		ORDER BY created_at ASC, id ASC
	`

	rows, err := p.db.QueryContext(ctx, query, owner, repo, commitSHA)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	var reviews []*storage.ReviewRecord
	for rows.Next() {
		var review storage.ReviewRecord
		var reason, path, position, commentURL, errText, usageJSON sql.NullString
		var createdAt time.Time

		if err := rows.Scan(
			&review.ID,
			&review.DeliveryID,
			&review.InstallationID,
			&review.Owner,
			&review.Repo,
			&review.PullNumber,
			&review.CommitSHA,
			&review.State,
			&reason,
			&path,
			&position,
			&commentURL,
			&errText,
			&usageJSON,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}

		review.Reason = reason.String
		review.Path = path.String
		review.Position = position.String
		review.CommentURL = commentURL.String
		review.Error = errText.String
		review.Usage = usageFromJSON(usageJSON.String)
		review.CreatedAt = createdAt.Format(time.RFC3339)
		reviews = append(reviews, &review)
	}

	return reviews, rows.Err()
}

// SaveInstallation stores a new installation.
func (p *PostgreSQL) SaveInstallation(ctx context.Context, install *storage.Installation) error {
	query := `
		INSERT INTO installations (installation_id, account_id, org_login, installed_by, installed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (installation_id) DO UPDATE SET
			org_login = EXCLUDED.org_login,
			updated_at = NOW()
	`

	installedAt := time.Now()
	if install.InstalledAt != "" {
		if t, err := time.Parse(time.RFC3339, install.InstalledAt); err == nil {
			installedAt = t
		}
	}

	_, err := p.db.ExecContext(ctx, query,
		install.InstallationID,
		install.AccountID,
		install.OrgLogin,
		install.InstalledBy,
		installedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save installation: %w", err)
	}

	return nil
}

// GetInstallation retrieves an installation, or nil when it is unknown.
func (p *PostgreSQL) GetInstallation(ctx context.Context, installationID int64) (*storage.Installation, error) {
	query := `
		SELECT installation_id, account_id, org_login, installed_at, installed_by
		FROM installations
		WHERE installation_id = $1
	`

	var install storage.Installation
	var installedAt time.Time
	var accountID sql.NullInt64
	var installedBy sql.NullString

	err := p.db.QueryRowContext(ctx, query, installationID).Scan(
		&install.InstallationID,
		&accountID,
		&install.OrgLogin,
		&installedAt,
		&installedBy,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installation: %w", err)
	}

	install.AccountID = accountID.Int64
	install.InstalledBy = installedBy.String
	install.InstalledAt = installedAt.Format(time.RFC3339)

	return &install, nil
}

// Verify PostgreSQL implements Storage at compile time.
var _ storage.Storage = (*PostgreSQL)(nil)
