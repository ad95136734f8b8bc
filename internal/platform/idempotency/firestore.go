package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultCollection = "idempotency_keys"

// ClientSource yields a Firestore client; the platform provider satisfies it.
type ClientSource interface {
	Client(ctx context.Context) (*firestore.Client, error)
}

// FirestoreStore keeps entries as documents keyed by the hashed key. A TTL policy on
// expiresAt lets Firestore purge old documents; reads treat expired documents as absent.
type FirestoreStore struct {
	source     ClientSource
	collection string
}

func NewFirestoreStore(source ClientSource, collection string) (*FirestoreStore, error) {
	if source == nil {
		return nil, errors.New("idempotency: firestore client source is required")
	}
	if collection == "" {
		collection = defaultCollection
	}
	return &FirestoreStore{source: source, collection: collection}, nil
}

func (s *FirestoreStore) doc(ctx context.Context, key string) (*firestore.Client, *firestore.DocumentRef, error) {
	client, err := s.source.Client(ctx)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Collection(s.collection).Doc(key), nil
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, lockTTL time.Duration) (Reservation, error) {
	client, ref, err := s.doc(ctx, key)
	if err != nil {
		return Reservation{}, err
	}
	var result Reservation
	err = client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var existing Entry
			if err := snap.DataTo(&existing); err != nil {
				return err
			}
			if !existing.expired(now) {
				result, err = resolve(existing, fingerprint)
				return err
			}
		}
		result = Reservation{State: StateNew}
		return tx.Set(ref, pendingEntry(fingerprint, now, lockTTL))
	}, firestore.MaxAttempts(5))
	return result, err
}

func (s *FirestoreStore) Complete(ctx context.Context, key string, entry Entry, now time.Time, ttl time.Duration) error {
	_, ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, completedEntry(entry, now, ttl))
	return err
}

func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	_, ref, err := s.doc(ctx, key)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return err
	}
	return nil
}
