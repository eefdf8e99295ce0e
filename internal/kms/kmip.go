package kms

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"time"

	"github.com/ovh/kmip-go/kmipclient"
	"github.com/ovh/kmip-go/payloads"

	"github.com/kenneth/document-vault/internal/config"
	"github.com/kenneth/document-vault/internal/crypto"
)

const kmipProvider = "kmip"

// KMIPKeyReference names one wrapping key on the KMIP server.
type KMIPKeyReference struct {
	ID      string
	Version int
}

// KMIPOptions configures a KMIPManager.
type KMIPOptions struct {
	Endpoint string
	// Keys lists every wrapping key that may appear on stored items. The
	// highest version wraps new keys.
	Keys      []KMIPKeyReference
	TLSConfig *tls.Config
	Timeout   time.Duration
	Provider  string
}

// KMIPManager generates data keys locally and wraps them with the KMIP
// Encrypt operation on a server-held wrapping key.
type KMIPManager struct {
	client    *kmipclient.Client
	provider  string
	timeout   time.Duration
	active    KMIPKeyReference
	byID      map[string]KMIPKeyReference
	byVersion map[int]KMIPKeyReference
}

// NewKMIPManager dials the KMIP server.
func NewKMIPManager(opts KMIPOptions) (*KMIPManager, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("kms: kmip endpoint is required")
	}
	if len(opts.Keys) == 0 {
		return nil, errors.New("kms: at least one kmip wrapping key is required")
	}
	keys := append([]KMIPKeyReference(nil), opts.Keys...)
	sort.Slice(keys, func(i, j int) bool { return keys[i].Version > keys[j].Version })

	m := &KMIPManager{
		provider:  opts.Provider,
		timeout:   opts.Timeout,
		active:    keys[0],
		byID:      make(map[string]KMIPKeyReference, len(keys)),
		byVersion: make(map[int]KMIPKeyReference, len(keys)),
	}
	if m.provider == "" {
		m.provider = kmipProvider
	}
	if m.timeout <= 0 {
		m.timeout = 10 * time.Second
	}
	for _, k := range keys {
		if k.ID == "" {
			return nil, errors.New("kms: kmip wrapping key id is empty")
		}
		if _, dup := m.byVersion[k.Version]; dup {
			return nil, fmt.Errorf("kms: duplicate kmip key version %d", k.Version)
		}
		m.byID[k.ID] = k
		m.byVersion[k.Version] = k
	}

	var dialOpts []kmipclient.Option
	if opts.TLSConfig != nil {
		dialOpts = append(dialOpts, kmipclient.WithTlsConfig(opts.TLSConfig))
	}
	client, err := kmipclient.Dial(opts.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, opts.Endpoint, err)
	}
	m.client = client
	return m, nil
}

// NewKMIPManagerFromConfig builds the TLS material named in cfg and dials.
func NewKMIPManagerFromConfig(cfg config.KMSConfig) (*KMIPManager, error) {
	tlsCfg, err := kmipTLSConfig(cfg.KMIP)
	if err != nil {
		return nil, err
	}
	keys := make([]KMIPKeyReference, 0, len(cfg.KMIP.Keys))
	for _, k := range cfg.KMIP.Keys {
		keys = append(keys, KMIPKeyReference{ID: k.ID, Version: k.Version})
	}
	return NewKMIPManager(KMIPOptions{
		Endpoint:  cfg.KMIP.Endpoint,
		Keys:      keys,
		TLSConfig: tlsCfg,
		Timeout:   cfg.Timeout,
	})
}

func kmipTLSConfig(cfg config.KMIPConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: cfg.ServerName,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("kms: read kmip ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("kms: no certificates in %s", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.ClientCertFile != "" || cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("kms: load kmip client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

func (m *KMIPManager) Provider() string { return m.provider }

// ActiveKeyVersion returns the version of the wrapping key used for new items.
func (m *KMIPManager) ActiveKeyVersion() int { return m.active.Version }

func (m *KMIPManager) GenerateDataKey(ctx context.Context) ([]byte, *WrappedKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	plaintext := key.Bytes()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	resp, err := m.client.Request(ctx, &payloads.EncryptRequestPayload{
		UniqueIdentifier: m.active.ID,
		Data:             plaintext,
	})
	if err != nil {
		key.Destroy()
		return nil, nil, m.classify(ctx, ErrGenerationFailed, "encrypt", err)
	}
	enc, ok := resp.(*payloads.EncryptResponsePayload)
	if !ok || len(enc.Data) == 0 {
		key.Destroy()
		return nil, nil, fmt.Errorf("%w: unexpected kmip encrypt response %T", ErrGenerationFailed, resp)
	}

	return plaintext, &WrappedKey{
		Provider:   m.provider,
		KeyID:      m.active.ID,
		KeyVersion: m.active.Version,
		Ciphertext: enc.Data,
	}, nil
}

func (m *KMIPManager) UnwrapDataKey(ctx context.Context, wrapped *WrappedKey) ([]byte, error) {
	ref, err := m.resolveKey(wrapped)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	resp, err := m.client.Request(ctx, &payloads.DecryptRequestPayload{
		UniqueIdentifier: ref.ID,
		Data:             wrapped.Ciphertext,
	})
	if err != nil {
		return nil, m.classify(ctx, ErrInvalidWrappedKey, "decrypt", err)
	}
	dec, ok := resp.(*payloads.DecryptResponsePayload)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected kmip decrypt response %T", ErrInvalidWrappedKey, resp)
	}
	return dec.Data, nil
}

// resolveKey finds the wrapping key for an envelope, by id first and by
// version when the id is missing.
func (m *KMIPManager) resolveKey(wrapped *WrappedKey) (KMIPKeyReference, error) {
	if wrapped == nil || len(wrapped.Ciphertext) == 0 {
		return KMIPKeyReference{}, fmt.Errorf("%w: empty envelope", ErrInvalidWrappedKey)
	}
	if wrapped.Provider != "" && wrapped.Provider != m.provider {
		return KMIPKeyReference{}, fmt.Errorf("%w: envelope from provider %q", ErrInvalidWrappedKey, wrapped.Provider)
	}
	if wrapped.KeyID != "" {
		if ref, ok := m.byID[wrapped.KeyID]; ok {
			return ref, nil
		}
		return KMIPKeyReference{}, fmt.Errorf("%w: unknown wrapping key %q", ErrInvalidWrappedKey, wrapped.KeyID)
	}
	if ref, ok := m.byVersion[wrapped.KeyVersion]; ok {
		return ref, nil
	}
	return KMIPKeyReference{}, fmt.Errorf("%w: unknown wrapping key version %d", ErrInvalidWrappedKey, wrapped.KeyVersion)
}

// HealthCheck round-trips a probe through the active wrapping key.
func (m *KMIPManager) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	_, err := m.client.Request(ctx, &payloads.EncryptRequestPayload{
		UniqueIdentifier: m.active.ID,
		Data:             make([]byte, crypto.KeySize),
	})
	if err != nil {
		return m.classify(ctx, ErrUnavailable, "health check", err)
	}
	return nil
}

func (m *KMIPManager) Close(context.Context) error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}

func (m *KMIPManager) classify(ctx context.Context, fallback error, op string, err error) error {
	var netErr net.Error
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%w: kmip %s: %w", ErrUnavailable, op, ctx.Err())
	case errors.As(err, &netErr), errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: kmip %s: %v", ErrUnavailable, op, err)
	default:
		return fmt.Errorf("%w: kmip %s: %v", fallback, op, err)
	}
}
