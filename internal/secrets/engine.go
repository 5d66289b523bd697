// Package secrets manages the remote encrypted secret store: a single
// container record of field-encrypted values, the data-encryption key that
// seals them, and the rotation protocol that replaces that key on schedule.
// Decrypted values live in a process-lifetime memory cache, which also
// serves reads when the store is unreachable and failover is enabled.
package secrets

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/edgefleet/edgefleet/internal/config"
	"github.com/edgefleet/edgefleet/internal/crypto"
	"github.com/edgefleet/edgefleet/internal/metrics"
)

// rotationCheckInterval gates how often the engine examines the DEK age.
const rotationCheckInterval = time.Hour

// stagingSuffix names the record holding the next DEK while a rotation is
// re-encrypting the container. A reader finding both records tries the
// primary key first, then the staged one.
const stagingSuffix = ".next"

// dekRecord is the stored shape of a data-encryption key.
type dekRecord struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// Engine resolves individual secrets out of the remote store. All store
// traffic passes through a circuit breaker with exponential-backoff retry;
// values decrypt with the DEK and stay cached in memory for the process
// lifetime.
type Engine struct {
	store Store
	cfg   config.SecretsConfig

	breaker *gobreaker.CircuitBreaker

	mu            sync.RWMutex
	dek           *crypto.Manager
	dekCreatedAt  time.Time
	cache         map[string]string
	lastAgeCheck  time.Time
	rotationsDone int64
}

// NewEngine wires an engine over a store. Call Open before first use.
func NewEngine(store Store, cfg config.SecretsConfig) *Engine {
	return &Engine{
		store: store,
		cfg:   cfg,
		cache: make(map[string]string),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "secret-store",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Secret store circuit breaker state changed")
			},
		}),
	}
}

// NewEngineFromConfig builds the configured backend and wraps it.
func NewEngineFromConfig(ctx context.Context, cfg config.SecretsConfig) (*Engine, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Backend {
	case "aws":
		store, err = NewAWSStore(ctx, cfg.Region, cfg.KMSKeyID)
	case "file", "":
		store, err = NewFileStore(cfg.Directory)
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return NewEngine(store, cfg), nil
}

// Open fetches or creates the DEK. A staged key left behind by an
// interrupted rotation is promoted if the primary record is unreadable,
// completing the two-phase handoff.
func (e *Engine) Open(ctx context.Context) error {
	rec, err := e.fetchDEK(ctx, e.cfg.EncryptionKeyName)
	if err != nil && errors.Is(err, ErrNotFound) {
		if staged, stagedErr := e.fetchDEK(ctx, e.cfg.EncryptionKeyName+stagingSuffix); stagedErr == nil {
			log.Warn().Msg("Promoting staged encryption key left by interrupted rotation")
			if err := e.putDEK(ctx, e.cfg.EncryptionKeyName, staged); err != nil {
				return &StoreError{Op: "promote", Name: e.cfg.EncryptionKeyName, Err: err}
			}
			_ = e.store.Delete(ctx, e.cfg.EncryptionKeyName+stagingSuffix)
			rec, err = staged, nil
		}
	}
	if err != nil && errors.Is(err, ErrNotFound) {
		rec, err = e.createDEK(ctx)
	}
	if err != nil {
		return &StoreError{Op: "open", Name: e.cfg.EncryptionKeyName, Err: err}
	}

	key, err := base64.StdEncoding.DecodeString(rec.Key)
	if err != nil {
		return &StoreError{Op: "open", Name: e.cfg.EncryptionKeyName, Err: fmt.Errorf("stored key not base64: %w", err)}
	}
	manager, err := crypto.NewManager(key)
	if err != nil {
		return &StoreError{Op: "open", Name: e.cfg.EncryptionKeyName, Err: err}
	}

	e.mu.Lock()
	e.dek = manager
	e.dekCreatedAt = rec.CreatedAt
	e.mu.Unlock()

	log.Info().
		Str("keyName", e.cfg.EncryptionKeyName).
		Time("keyCreatedAt", rec.CreatedAt).
		Msg("Secret engine opened")
	return nil
}

func (e *Engine) createDEK(ctx context.Context) (dekRecord, error) {
	key, err := crypto.NewKey()
	if err != nil {
		return dekRecord{}, err
	}
	rec := dekRecord{
		Key:       base64.StdEncoding.EncodeToString(key),
		CreatedAt: time.Now().UTC(),
	}
	if err := e.putDEK(ctx, e.cfg.EncryptionKeyName, rec); err != nil {
		return dekRecord{}, err
	}
	log.Info().Str("keyName", e.cfg.EncryptionKeyName).Msg("Generated new data-encryption key")
	return rec, nil
}

func (e *Engine) fetchDEK(ctx context.Context, name string) (dekRecord, error) {
	payload, err := e.storeGet(ctx, name)
	if err != nil {
		return dekRecord{}, err
	}
	var rec dekRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return dekRecord{}, fmt.Errorf("decode key record %s: %w", name, err)
	}
	return rec, nil
}

func (e *Engine) putDEK(ctx context.Context, name string, rec dekRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return e.storePut(ctx, name, payload)
}

// container is the single store record mapping secret names to base64
// AES-GCM ciphertext.
type container map[string]string

func (e *Engine) fetchContainer(ctx context.Context) (container, error) {
	payload, err := e.storeGet(ctx, e.cfg.SecretName)
	if errors.Is(err, ErrNotFound) {
		return container{}, nil
	}
	if err != nil {
		return nil, err
	}
	var c container
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("decode secret container: %w", err)
	}
	return c, nil
}

func (e *Engine) putContainer(ctx context.Context, c container) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return e.storePut(ctx, e.cfg.SecretName, payload)
}

// Secret returns the decrypted value for name. Implements the resolver's
// SecretSource: (value, found, error). A store outage is survivable when the
// value is already cached and failover is enabled; the error is then logged
// and swallowed.
func (e *Engine) Secret(ctx context.Context, name string) (string, bool, error) {
	e.maybeRotate(ctx)

	e.mu.RLock()
	cached, hit := e.cache[name]
	e.mu.RUnlock()

	c, err := e.fetchContainer(ctx)
	if err != nil {
		if hit && e.cfg.EnableFailover {
			metrics.RecordSecretFallback()
			log.Warn().Err(err).Str("secret", name).Msg("Secret store unavailable, serving cached value")
			return cached, true, nil
		}
		return "", false, &StoreError{Op: "get", Name: name, Err: err, Recoverable: hit}
	}

	ciphertext, ok := c[name]
	if !ok {
		return "", false, nil
	}
	value, err := e.decrypt(ciphertext)
	if err != nil {
		return "", false, &StoreError{Op: "decrypt", Name: name, Err: err}
	}

	e.mu.Lock()
	e.cache[name] = value
	e.mu.Unlock()
	return value, true, nil
}

// decrypt tries the primary DEK, then a staged one if a rotation is mid
// flight somewhere else.
func (e *Engine) decrypt(ciphertext string) (string, error) {
	e.mu.RLock()
	dek := e.dek
	e.mu.RUnlock()
	if dek == nil {
		return "", errors.New("engine not opened")
	}
	value, err := dek.DecryptString(ciphertext)
	if err == nil {
		return value, nil
	}

	staged, stagedErr := e.fetchDEK(context.Background(), e.cfg.EncryptionKeyName+stagingSuffix)
	if stagedErr != nil {
		return "", err
	}
	key, keyErr := base64.StdEncoding.DecodeString(staged.Key)
	if keyErr != nil {
		return "", err
	}
	manager, mgrErr := crypto.NewManager(key)
	if mgrErr != nil {
		return "", err
	}
	return manager.DecryptString(ciphertext)
}

// SetSecret encrypts and stores one value, updating both the container and
// the memory cache.
func (e *Engine) SetSecret(ctx context.Context, name, value string) error {
	e.mu.RLock()
	dek := e.dek
	e.mu.RUnlock()
	if dek == nil {
		return &StoreError{Op: "set", Name: name, Err: errors.New("engine not opened")}
	}

	ciphertext, err := dek.EncryptString(value)
	if err != nil {
		return &StoreError{Op: "set", Name: name, Err: err}
	}
	c, err := e.fetchContainer(ctx)
	if err != nil {
		return &StoreError{Op: "set", Name: name, Err: err}
	}
	c[name] = ciphertext
	if err := e.putContainer(ctx, c); err != nil {
		return &StoreError{Op: "set", Name: name, Err: err}
	}

	e.mu.Lock()
	e.cache[name] = value
	e.mu.Unlock()
	return nil
}

// DeleteSecret removes one value from the container and the cache.
func (e *Engine) DeleteSecret(ctx context.Context, name string) error {
	c, err := e.fetchContainer(ctx)
	if err != nil {
		return &StoreError{Op: "delete", Name: name, Err: err}
	}
	if _, ok := c[name]; !ok {
		return nil
	}
	delete(c, name)
	if err := e.putContainer(ctx, c); err != nil {
		return &StoreError{Op: "delete", Name: name, Err: err}
	}

	e.mu.Lock()
	delete(e.cache, name)
	e.mu.Unlock()
	return nil
}

// maybeRotate checks the DEK age at most once per rotationCheckInterval and
// rotates when it exceeds the configured lifetime. Rotation failures log and
// leave the current key in service; the next gate retries.
func (e *Engine) maybeRotate(ctx context.Context) {
	e.mu.Lock()
	now := time.Now()
	if now.Sub(e.lastAgeCheck) < rotationCheckInterval {
		e.mu.Unlock()
		return
	}
	e.lastAgeCheck = now
	createdAt := e.dekCreatedAt
	opened := e.dek != nil
	e.mu.Unlock()

	if !opened || e.cfg.AutoRotationDays <= 0 {
		return
	}
	maxAge := time.Duration(e.cfg.AutoRotationDays) * 24 * time.Hour
	if now.UTC().Sub(createdAt) <= maxAge {
		return
	}
	if err := e.Rotate(ctx); err != nil {
		log.Error().Err(err).Msg("Scheduled key rotation failed, keeping current key")
	}
}

// Rotate replaces the DEK in three phases: stage the new key, re-encrypt
// every secret under it, then promote the staged key and discard the stage.
// An interruption between phases leaves either key able to decrypt the
// container, so no value is ever stranded.
func (e *Engine) Rotate(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dek == nil {
		return &StoreError{Op: "rotate", Name: e.cfg.EncryptionKeyName, Err: errors.New("engine not opened")}
	}

	c, err := e.fetchContainer(ctx)
	if err != nil {
		return &StoreError{Op: "rotate", Name: e.cfg.SecretName, Err: err}
	}

	plain := make(map[string]string, len(c))
	for name, ciphertext := range c {
		value, err := e.dek.DecryptString(ciphertext)
		if err != nil {
			return &StoreError{Op: "rotate", Name: name, Err: fmt.Errorf("decrypt under old key: %w", err)}
		}
		plain[name] = value
	}

	key, err := crypto.NewKey()
	if err != nil {
		return &StoreError{Op: "rotate", Name: e.cfg.EncryptionKeyName, Err: err}
	}
	next, err := crypto.NewManager(key)
	if err != nil {
		return &StoreError{Op: "rotate", Name: e.cfg.EncryptionKeyName, Err: err}
	}
	rec := dekRecord{
		Key:       base64.StdEncoding.EncodeToString(key),
		CreatedAt: time.Now().UTC(),
	}

	// Phase 1: the new key must exist in the store before any secret is
	// sealed under it.
	stageName := e.cfg.EncryptionKeyName + stagingSuffix
	if err := e.putDEK(ctx, stageName, rec); err != nil {
		return &StoreError{Op: "rotate", Name: stageName, Err: err}
	}

	// Phase 2: re-encrypt and store the container.
	reencrypted := make(container, len(plain))
	for name, value := range plain {
		ciphertext, err := next.EncryptString(value)
		if err != nil {
			return &StoreError{Op: "rotate", Name: name, Err: err}
		}
		reencrypted[name] = ciphertext
	}
	if err := e.putContainer(ctx, reencrypted); err != nil {
		return &StoreError{Op: "rotate", Name: e.cfg.SecretName, Err: err}
	}

	// Phase 3: promote. Only now may the old key disappear.
	if err := e.putDEK(ctx, e.cfg.EncryptionKeyName, rec); err != nil {
		return &StoreError{Op: "rotate", Name: e.cfg.EncryptionKeyName, Err: err}
	}
	_ = e.store.Delete(ctx, stageName)

	e.dek = next
	e.dekCreatedAt = rec.CreatedAt
	for name, value := range plain {
		e.cache[name] = value
	}
	e.rotationsDone++
	metrics.RecordSecretRotation()
	log.Info().Int("secrets", len(plain)).Msg("Data-encryption key rotated")
	return nil
}

// KeyAge returns the active DEK's age.
func (e *Engine) KeyAge(now time.Time) time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.dekCreatedAt.IsZero() {
		return 0
	}
	return now.UTC().Sub(e.dekCreatedAt)
}

// storeGet reads one record through the breaker with retry. ErrNotFound is
// a definitive answer and is never retried.
func (e *Engine) storeGet(ctx context.Context, name string) ([]byte, error) {
	var payload []byte
	err := e.withRetry(ctx, func() error {
		out, err := e.breaker.Execute(func() (any, error) {
			data, err := e.store.Get(ctx, name)
			if errors.Is(err, ErrNotFound) {
				// Absence is success as far as the breaker is concerned.
				return nil, nil
			}
			return data, err
		})
		if err != nil {
			return err
		}
		if out == nil {
			return ErrNotFound
		}
		payload = out.([]byte)
		return nil
	})
	return payload, err
}

func (e *Engine) storePut(ctx context.Context, name string, payload []byte) error {
	return e.withRetry(ctx, func() error {
		_, err := e.breaker.Execute(func() (any, error) {
			return nil, e.store.Put(ctx, name, payload)
		})
		return err
	})
}

// withRetry retries fn with exponential backoff, honoring MaxRetries and
// doubling RetryDelay per attempt. ErrNotFound and an open breaker end the
// attempts immediately.
func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	delay := config.Seconds(e.cfg.RetryDelay)
	if delay <= 0 {
		delay = time.Second
	}
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		lastErr = fn()
		if lastErr == nil || errors.Is(lastErr, ErrNotFound) {
			return lastErr
		}
		if errors.Is(lastErr, gobreaker.ErrOpenState) {
			return lastErr
		}
		log.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("Secret store call failed")
	}
	return lastErr
}
