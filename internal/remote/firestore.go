package remote

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"github.com/parcelsync/parcelsync/internal/record"
)

// FirestoreConfig locates the Firestore database.
type FirestoreConfig struct {
	ProjectID  string
	DatabaseID string

	// CredentialsFile or CredentialsJSON select a service account; with
	// neither, Application Default Credentials are used.
	CredentialsFile string
	CredentialsJSON string

	// ConnectAttempts bounds client creation retries (default 3).
	ConnectAttempts int
}

// NewFirestoreClient creates a Firestore client, retrying with exponential
// backoff while ctx allows.
func NewFirestoreClient(ctx context.Context, cfg FirestoreConfig, logger logrus.FieldLogger) (*firestore.Client, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("firestore project id is required")
	}

	var opts []option.ClientOption
	switch {
	case cfg.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	attempts := cfg.ConnectAttempts
	if attempts < 1 {
		attempts = 3
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		client, err := newFirestoreClient(ctx, cfg, opts)
		if err == nil {
			if logger != nil {
				logger.WithFields(logrus.Fields{"project_id": cfg.ProjectID, "attempt": attempt}).Debug("Firestore client ready")
			}
			return client, nil
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if logger != nil {
			logger.WithError(err).WithField("attempt", attempt).Warnf("Failed to create Firestore client, retrying in %s", sleep)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, fmt.Errorf("failed to create firestore client after %d attempts: %w", attempts, lastErr)
}

func newFirestoreClient(ctx context.Context, cfg FirestoreConfig, opts []option.ClientOption) (*firestore.Client, error) {
	if cfg.DatabaseID != "" && cfg.DatabaseID != firestore.DefaultDatabaseID {
		return firestore.NewClientWithDatabase(ctx, cfg.ProjectID, cfg.DatabaseID, opts...)
	}
	return firestore.NewClient(ctx, cfg.ProjectID, opts...)
}

// FirestoreCommitter commits each chunk in one Firestore transaction. Every
// document is written with Set (full overwrite), so a retried commit
// produces the same remote state.
type FirestoreCommitter struct {
	client      *firestore.Client
	maxAttempts int
}

// NewFirestoreCommitter wraps client.
func NewFirestoreCommitter(client *firestore.Client) *FirestoreCommitter {
	return &FirestoreCommitter{client: client, maxAttempts: 3}
}

// Commit implements Committer.
func (f *FirestoreCommitter) Commit(ctx context.Context, collection string, docs []record.Document) error {
	return f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, d := range docs {
			ref := f.client.Collection(collection).Doc(d.ID)
			if err := tx.Set(ref, d.Fields); err != nil {
				return fmt.Errorf("failed to set %s/%s: %w", collection, d.ID, err)
			}
			for _, child := range d.Children {
				childRef := ref.Collection(child.Collection).Doc(child.ID)
				if err := tx.Set(childRef, child.Fields); err != nil {
					return fmt.Errorf("failed to set %s/%s/%s/%s: %w", collection, d.ID, child.Collection, child.ID, err)
				}
			}
		}
		return nil
	}, firestore.MaxAttempts(f.maxAttempts))
}

// Close closes the underlying client.
func (f *FirestoreCommitter) Close() error {
	return f.client.Close()
}
