// Package statestore durably persists the copy-trading engine's mirror state
// so a restart resumes from the last known position diff instead of
// re-mirroring everything from scratch.
package statestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"copytrader/internal/core"
	"copytrader/pkg/retry"
)

// FirestoreStore implements core.IStateStore against a single Firestore
// document. The whole MirrorState snapshot round-trips as one document so a
// restart reads a single consistent view instead of reconstructing it from
// scattered collections.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	documentID string
	logger     core.ILogger
}

// NewFirestoreStore initializes the Firebase Admin SDK against
// credentialsFile and opens a Firestore client for projectID.
func NewFirestoreStore(ctx context.Context, projectID, credentialsFile, collection, documentID string, logger core.ILogger) (*FirestoreStore, error) {
	if collection == "" {
		collection = "mirror_state"
	}
	if documentID == "" {
		documentID = "state"
	}

	opt := option.WithCredentialsFile(credentialsFile)
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opt)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("open firestore client: %w", err)
	}

	return &FirestoreStore{
		client:     client,
		collection: collection,
		documentID: documentID,
		logger:     logger.WithField("component", "state_store"),
	}, nil
}

// Load reads the persisted snapshot. A missing document is not an error: it
// means the engine has never saved state and should start from empty.
// Transient gRPC faults (Firestore's transport, not HTTP) are retried.
func (s *FirestoreStore) Load(ctx context.Context) (core.Snapshot, error) {
	var doc *firestore.DocumentSnapshot
	err := retry.Do(ctx, retry.DefaultPolicy, isTransientFirestoreErr, func() error {
		var getErr error
		doc, getErr = s.docRef().Get(ctx)
		return getErr
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			s.logger.Info("no persisted mirror state found, starting empty")
			return emptySnapshot(), nil
		}
		return core.Snapshot{}, fmt.Errorf("load mirror state: %w", err)
	}

	var snap core.Snapshot
	if err := doc.DataTo(&snap); err != nil {
		return core.Snapshot{}, fmt.Errorf("decode mirror state: %w", err)
	}
	return snap, nil
}

// Save overwrites the persisted document with the full snapshot, retrying
// transient gRPC faults the same way Load does.
func (s *FirestoreStore) Save(ctx context.Context, snapshot core.Snapshot) error {
	err := retry.Do(ctx, retry.DefaultPolicy, isTransientFirestoreErr, func() error {
		_, err := s.docRef().Set(ctx, snapshot)
		return err
	})
	if err != nil {
		return fmt.Errorf("save mirror state: %w", err)
	}
	return nil
}

// isTransientFirestoreErr reports whether err is a retryable Firestore gRPC
// fault. NotFound is not transient: it is Load's empty-state signal.
func isTransientFirestoreErr(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	default:
		return false
	}
}

// Close releases the underlying Firestore client.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) docRef() *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(s.documentID)
}

func emptySnapshot() core.Snapshot {
	return core.Snapshot{
		LastPositions:     map[core.Symbol]core.Position{},
		CopiedTrades:      map[core.Symbol]bool{},
		FollowerPositions: map[string]core.FollowerPositions{},
		ClosedTrades:      []core.Symbol{},
	}
}
