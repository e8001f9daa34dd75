// Package session persists the agent's local state and supplies the
// credentials the realtime channel and the REST client authenticate with.
package session

import (
	"context"
	"database/sql"
	stderrors "errors"
	"sync"

	"inboxsync/internal/errors"
	"inboxsync/internal/migrations"
	"inboxsync/internal/privacy"
	"inboxsync/internal/security"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const (
	keyClientID     = "client_id"
	keySessionToken = "session_token"
)

// Store is a small key/value store backed by SQLite
type Store struct {
	db     *sql.DB
	enc    *encryptor
	logger *logrus.Logger

	// serializes ClientID generation
	idMu sync.Mutex
}

// Open creates or opens the state database at path and applies pending
// migrations. An empty secret stores sensitive values in plain text.
func Open(ctx context.Context, path, secret string, logger *logrus.Logger) (*Store, error) {
	if err := security.ValidatePath(path); err != nil {
		return nil, errors.NewStateError("open", err)
	}

	enc, err := newEncryptor(secret)
	if err != nil {
		return nil, errors.NewConfigError("state.encryption_secret", err.Error())
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.NewStateError("open", err)
	}
	// one writer; also keeps ":memory:" databases coherent
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.NewStateError("open", err)
	}

	applied, err := migrations.Apply(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, errors.NewStateError("migrate", err)
	}

	logger.WithFields(logrus.Fields{
		"path":       path,
		"migrations": applied,
		"encrypted":  enc.enabled(),
	}).Info("Local state opened")

	return &Store{db: db, enc: enc, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value for key; ok is false when the key is unset
func (s *Store) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	var encrypted bool
	err = s.db.QueryRowContext(ctx, `SELECT value, encrypted FROM local_state WHERE key = ?`, key).Scan(&value, &encrypted)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.NewStateError("read", err).WithContext("key", key)
	}

	if encrypted {
		value, err = s.enc.open(value)
		if err != nil {
			return "", false, errors.NewStateError("decrypt", err).WithContext("key", key)
		}
	}
	return value, true, nil
}

// Set stores value under key. Sensitive values are encrypted when a secret
// is configured.
func (s *Store) Set(ctx context.Context, key, value string, sensitive bool) error {
	encrypted := sensitive && s.enc.enabled()
	if encrypted {
		sealed, err := s.enc.seal(value)
		if err != nil {
			return errors.NewStateError("encrypt", err).WithContext("key", key)
		}
		value = sealed
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO local_state (key, value, encrypted) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, encrypted = excluded.encrypted`,
		key, value, encrypted)
	if err != nil {
		return errors.NewStateError("write", err).WithContext("key", key)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM local_state WHERE key = ?`, key); err != nil {
		return errors.NewStateError("delete", err).WithContext("key", key)
	}
	return nil
}

// ClientID returns the persisted client identifier, generating it on first
// use. The identifier never changes afterwards.
func (s *Store) ClientID(ctx context.Context) (string, error) {
	s.idMu.Lock()
	defer s.idMu.Unlock()

	id, ok, err := s.Get(ctx, keyClientID)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := s.Set(ctx, keyClientID, id, false); err != nil {
		return "", err
	}
	s.logger.WithField("client_id", privacy.MaskID(id)).Info("Generated client identifier")
	return id, nil
}

// SessionToken returns the stored session token, or "" when signed out
func (s *Store) SessionToken(ctx context.Context) (string, error) {
	token, _, err := s.Get(ctx, keySessionToken)
	return token, err
}

// SetSessionToken stores token; an empty token signs the session out
func (s *Store) SetSessionToken(ctx context.Context, token string) error {
	if token == "" {
		return s.Delete(ctx, keySessionToken)
	}
	return s.Set(ctx, keySessionToken, token, true)
}
