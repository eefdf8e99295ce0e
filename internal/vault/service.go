// Package vault implements the document vault: envelope-encrypted items,
// their per-grantee access grants and the item lifecycle.
package vault

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kenneth/document-vault/internal/access"
	"github.com/kenneth/document-vault/internal/audit"
	"github.com/kenneth/document-vault/internal/blobstore"
	"github.com/kenneth/document-vault/internal/config"
	"github.com/kenneth/document-vault/internal/crypto"
	"github.com/kenneth/document-vault/internal/domain"
	"github.com/kenneth/document-vault/internal/kms"
	"github.com/kenneth/document-vault/internal/lockcheck"
	"github.com/kenneth/document-vault/internal/middleware"
	"github.com/kenneth/document-vault/internal/quota"
)

// Recorder receives operation timings. *metrics.Metrics satisfies it.
type Recorder interface {
	ObserveVaultOperation(ctx context.Context, operation string, duration time.Duration, err error)
	ObserveBlobOperation(ctx context.Context, operation string, duration time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) ObserveVaultOperation(context.Context, string, time.Duration, error) {}
func (nopRecorder) ObserveBlobOperation(context.Context, string, time.Duration, error)  {}

// Deps are the collaborators of a Service. Items, Grants, Keys and Blobs are
// required; the rest fall back to permissive or no-op implementations.
type Deps struct {
	Items  ItemRepository
	Grants *access.Store
	Keys   *kms.Client
	Blobs  blobstore.Store

	Lock    lockcheck.Checker
	Quota   quota.Limiter
	Audit   audit.Logger
	Metrics Recorder
	Tracer  trace.Tracer
	Logger  logrus.FieldLogger
	Now     func() time.Time
}

// Settings are the tunables of a Service.
type Settings struct {
	// Algorithm is used for new items. Existing items keep the algorithm
	// recorded on them.
	Algorithm          crypto.Algorithm
	Limits             config.LimitsConfig
	RetrievalURLTTL    time.Duration
	VerifySourceOnRead bool
}

// SettingsFromConfig derives Settings from the process configuration.
func SettingsFromConfig(cfg *config.Config) (Settings, error) {
	alg, err := crypto.SelectAlgorithm(cfg.Crypto)
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		Algorithm:          alg,
		Limits:             cfg.Limits,
		RetrievalURLTTL:    cfg.Blob.RetrievalURLTTL,
		VerifySourceOnRead: cfg.Crypto.VerifySourceOnRead,
	}, nil
}

// Service is the vault. It holds no per-request state: plaintext data keys
// live only for the duration of one call and are destroyed before it returns.
type Service struct {
	items    ItemRepository
	grants   *access.Store
	keys     *kms.Client
	blobs    blobstore.Store
	lock     lockcheck.Checker
	quota    quota.Limiter
	audit    audit.Logger
	metrics  Recorder
	tracer   trace.Tracer
	logger   logrus.FieldLogger
	now      func() time.Time
	settings Settings
}

// New builds a Service.
func New(deps Deps, settings Settings) (*Service, error) {
	switch {
	case deps.Items == nil:
		return nil, errors.New("vault: item repository is required")
	case deps.Grants == nil:
		return nil, errors.New("vault: grant store is required")
	case deps.Keys == nil:
		return nil, errors.New("vault: key service client is required")
	case deps.Blobs == nil:
		return nil, errors.New("vault: blob store is required")
	}
	if settings.Algorithm == "" {
		settings.Algorithm = crypto.AlgorithmAES256GCM
	}
	if deps.Lock == nil {
		deps.Lock = lockcheck.Unlocked{}
	}
	if deps.Quota == nil {
		deps.Quota = quota.Unlimited{}
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewLogger(0, discardWriter{})
	}
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if deps.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		deps.Logger = l
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{
		items:    deps.Items,
		grants:   deps.Grants,
		keys:     deps.Keys,
		blobs:    deps.Blobs,
		lock:     deps.Lock,
		quota:    deps.Quota,
		audit:    deps.Audit,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		logger:   deps.Logger,
		now:      deps.Now,
		settings: settings,
	}, nil
}

type discardWriter struct{}

func (discardWriter) WriteEvent(*audit.AuditEvent) error { return nil }

// HealthChecks returns the readiness probes of the vault's backing services.
func (s *Service) HealthChecks() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"kms":   s.keys.HealthCheck,
		"blobs": s.blobs.HealthCheck,
		"store": s.items.HealthCheck,
	}
}

// begin opens a span for one vault operation and returns the function that
// closes it and records the outcome.
func (s *Service) begin(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "vault."+operation,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, func(err error) {
		d := time.Since(start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, domain.KindOf(err).String())
		}
		span.End()
		s.metrics.ObserveVaultOperation(ctx, operation, d, err)

		entry := s.logger.WithFields(logrus.Fields{
			"operation":   operation,
			"duration_ms": d.Milliseconds(),
			"request_id":  middleware.RequestID(ctx),
		})
		if err != nil {
			entry.WithError(err).WithField("error_kind", domain.KindOf(err).String()).Info("Vault operation failed")
			return
		}
		entry.Debug("Vault operation completed")
	}
}

// checkLock refuses mutations while the owner is locked. A failed lookup
// is treated as locked.
func (s *Service) checkLock(ctx context.Context, op, ownerID string) error {
	locked, err := s.lock.IsLocked(ctx, ownerID)
	if err != nil {
		return domain.Errorf(domain.KindLocked, op, "lock state of %s unavailable: %w", ownerID, err)
	}
	if locked {
		return domain.Errorf(domain.KindLocked, op, "owner %s is locked", ownerID)
	}
	return nil
}

// keyError classifies a key service failure. Only unavailability is retryable.
func keyError(op string, err error) error {
	if errors.Is(err, kms.ErrUnavailable) {
		return domain.Transient(domain.KindKeyService, op, err)
	}
	return domain.E(domain.KindKeyService, op, err)
}

func blobError(op string, err error) error {
	if blobstore.IsTransient(err) {
		return domain.Transient(domain.KindBlobStore, op, err)
	}
	return domain.E(domain.KindBlobStore, op, err)
}

func cryptoError(op string, err error) error {
	return domain.E(domain.KindCrypto, op, err)
}

// timeBlob runs one blob store call and records its duration.
func (s *Service) timeBlob(ctx context.Context, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	s.metrics.ObserveBlobOperation(ctx, operation, time.Since(start), err)
	return err
}

func (s *Service) auditFailed(err error, operation, itemID string) {
	if err == nil {
		return
	}
	s.logger.WithError(err).WithFields(logrus.Fields{
		"operation": operation,
		"item_id":   itemID,
	}).Error("Failed to write audit event")
}

// requireIDs takes name, value pairs and rejects the first empty value.
func requireIDs(op string, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return domain.Errorf(domain.KindValidation, op, "%s is required", pairs[i])
		}
	}
	return nil
}

// loadReadable returns the item unless it is missing or deleted.
func (s *Service) loadReadable(ctx context.Context, op, itemID string) (*domain.Item, error) {
	item, err := s.items.GetItem(ctx, itemID)
	if err != nil {
		return nil, domain.E(domain.KindUnknown, op, err)
	}
	if !item.Readable() {
		return nil, domain.Errorf(domain.KindNotFound, op, "item %s not found", itemID)
	}
	return item, nil
}

// loadOwned returns the item if ownerID owns it. Callers that are not the
// owner get AccessDenied.
func (s *Service) loadOwned(ctx context.Context, op, ownerID, itemID string) (*domain.Item, error) {
	item, err := s.loadReadable(ctx, op, itemID)
	if err != nil {
		return nil, err
	}
	if item.OwnerID != ownerID {
		return nil, domain.Errorf(domain.KindAccessDenied, op, "%s does not own item %s", ownerID, itemID)
	}
	return item, nil
}

// authorize returns the item when requesterID may read it: the owner always,
// anyone else only with an active grant.
func (s *Service) authorize(ctx context.Context, op, requesterID, itemID string) (*domain.Item, bool, error) {
	item, err := s.loadReadable(ctx, op, itemID)
	if err != nil {
		return nil, false, err
	}
	if item.OwnerID == requesterID {
		return item, true, nil
	}
	ok, err := s.grants.IsAuthorized(ctx, itemID, requesterID)
	if err != nil {
		return nil, false, domain.E(domain.KindUnknown, op, err)
	}
	if !ok {
		return nil, false, domain.Errorf(domain.KindAccessDenied, op, "%s holds no active grant on %s", requesterID, itemID)
	}
	return item, false, nil
}

func itemAttr(itemID string) attribute.KeyValue {
	return attribute.String("vault.item_id", itemID)
}
