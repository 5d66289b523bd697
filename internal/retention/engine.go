package retention

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edgefleet/edgefleet/internal/config"
	"github.com/edgefleet/edgefleet/internal/crypto"
	"github.com/edgefleet/edgefleet/internal/metrics"
)

// Source feeds one data type into the engine: rows past their cutoff out,
// deletions by id back in. Implementations wrap the domain repositories.
type Source interface {
	DataType() string
	FetchOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]Record, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// Sweep outcomes.
const (
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusPartial   = "partial" // batch limit hit; more expired rows remain
	StatusFailed    = "failed"
)

// Result reports one Apply run.
type Result struct {
	Policy          string  `json:"policy"`
	DataType        string  `json:"dataType"`
	Processed       int     `json:"processed"`
	Archived        int     `json:"archived"`
	Deleted         int64   `json:"deleted"`
	ArchivePath     string  `json:"archivePath,omitempty"`
	DurationSeconds float64 `json:"durationSeconds"`
	Status          string  `json:"status"`
}

const (
	// defaultBatchSize bounds the rows one Apply run moves.
	defaultBatchSize = 10000
	// deleteChunk keeps the id list under engine placeholder limits.
	deleteChunk = 500
)

// Engine evaluates retention policies: expired rows are archived
// (write-then-verify) and hard-deleted, permanent policies are skipped.
type Engine struct {
	archiveDir string
	batchSize  int
	cryptoMgr  *crypto.Manager

	mu       sync.RWMutex
	policies map[string]Policy
	sources  map[string]Source
}

// NewEngine builds an engine from configuration. Every configured policy is
// validated up front; cryptoMgr may be nil when no policy requires
// encryption.
func NewEngine(cfg config.RetentionConfig, cryptoMgr *crypto.Manager) (*Engine, error) {
	e := &Engine{
		archiveDir: cfg.ArchiveDir,
		batchSize:  defaultBatchSize,
		cryptoMgr:  cryptoMgr,
		policies:   make(map[string]Policy),
		sources:    make(map[string]Source),
	}
	for _, pc := range cfg.Policies {
		policy, err := FromConfig(pc)
		if err != nil {
			return nil, err
		}
		if err := e.RegisterPolicy(policy); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// RegisterSource makes a data type sweepable. Last registration wins.
func (e *Engine) RegisterSource(s Source) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources[s.DataType()] = s
}

// RegisterPolicy validates and installs a policy under its name.
func (e *Engine) RegisterPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.EncryptionRequired && e.cryptoMgr == nil {
		return fmt.Errorf("policy %s requires encryption but no crypto manager is configured", p.Name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.policies[p.Name]; exists {
		return fmt.Errorf("retention policy %s already registered", p.Name)
	}
	e.policies[p.Name] = p
	return nil
}

// Policy looks up a registered policy by name.
func (e *Engine) Policy(name string) (Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.policies[name]
	return p, ok
}

// Policies lists registered policies, sorted by name.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *Engine) source(dataType string) (Source, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sources[dataType]
	return s, ok
}

// Apply runs one policy against one data type: fetch rows older than the
// cutoff, archive them when the policy says so, then hard-delete by id.
// Permanent policies skip everything.
func (e *Engine) Apply(ctx context.Context, policyName, dataType string) (*Result, error) {
	start := time.Now()
	policy, ok := e.Policy(policyName)
	if !ok {
		return nil, fmt.Errorf("unknown retention policy %q", policyName)
	}
	if !policy.Covers(dataType) {
		return nil, fmt.Errorf("policy %s does not cover data type %q", policyName, dataType)
	}
	result := &Result{Policy: policyName, DataType: dataType}

	if policy.Permanent() {
		result.Status = StatusSkipped
		result.DurationSeconds = time.Since(start).Seconds()
		log.Debug().Str("policy", policyName).Str("dataType", dataType).Msg("Permanent policy, sweep skipped")
		return result, nil
	}

	source, ok := e.source(dataType)
	if !ok {
		return nil, fmt.Errorf("no retention source registered for data type %q", dataType)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -policy.RetentionDays())
	records, err := source.FetchOlderThan(ctx, cutoff, e.batchSize)
	if err != nil {
		return nil, fmt.Errorf("fetch expired %s rows: %w", dataType, err)
	}
	result.Processed = len(records)
	if len(records) == 0 {
		result.Status = StatusCompleted
		result.DurationSeconds = time.Since(start).Seconds()
		return result, nil
	}

	if policy.ArchiveEnabled {
		path, err := writeArchive(e.archiveDir, dataType, policy.Format, records, start)
		if err != nil {
			return nil, err
		}
		if policy.EncryptionRequired {
			if path, err = e.sealArchive(path); err != nil {
				return nil, err
			}
		}
		result.ArchivePath = path
		result.Archived = len(records)
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		id, _ := rec["id"].(string)
		if id == "" {
			return nil, fmt.Errorf("%s record without id cannot be retired", dataType)
		}
		ids = append(ids, id)
	}
	for len(ids) > 0 {
		chunk := ids
		if len(chunk) > deleteChunk {
			chunk = ids[:deleteChunk]
		}
		n, err := source.DeleteByIDs(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("delete expired %s rows: %w", dataType, err)
		}
		result.Deleted += n
		ids = ids[len(chunk):]
	}

	result.Status = StatusCompleted
	if result.Processed == e.batchSize {
		result.Status = StatusPartial
	}
	result.DurationSeconds = time.Since(start).Seconds()

	metrics.RecordRetentionSweep(dataType, result.Status, int64(result.Archived), result.Deleted, time.Since(start))
	log.Info().
		Str("policy", policyName).
		Str("dataType", dataType).
		Int("processed", result.Processed).
		Int("archived", result.Archived).
		Int64("deleted", result.Deleted).
		Str("status", result.Status).
		Msg("Retention sweep applied")
	return result, nil
}

// sealArchive encrypts the archive in place and removes the plaintext.
func (e *Engine) sealArchive(path string) (string, error) {
	sealed := path + encryptedSuffix
	if err := e.cryptoMgr.EncryptFile(path, sealed); err != nil {
		return "", fmt.Errorf("encrypt archive: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("remove plaintext archive: %w", err)
	}
	return sealed, nil
}

// Restore reads an archive back into records. Encrypted archives are
// decrypted through a temporary file that never outlives the call.
func (e *Engine) Restore(ctx context.Context, path string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, encryptedSuffix) {
		return readArchive(path)
	}
	if e.cryptoMgr == nil {
		return nil, fmt.Errorf("archive %s is encrypted and no crypto manager is configured", path)
	}
	tmp, err := os.CreateTemp("", "edgefleet-restore-*")
	if err != nil {
		return nil, fmt.Errorf("stage decrypted archive: %w", err)
	}
	tmp.Close()
	defer os.Remove(tmp.Name())
	if err := e.cryptoMgr.DecryptFile(path, tmp.Name()); err != nil {
		return nil, err
	}
	// The codec is keyed off the original archive name; the staging file
	// only carries the plaintext bytes.
	return readArchiveAs(tmp.Name(), strings.TrimSuffix(path, encryptedSuffix))
}
