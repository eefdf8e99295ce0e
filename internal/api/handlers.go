package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/document-vault/internal/config"
	"github.com/kenneth/document-vault/internal/crypto"
	"github.com/kenneth/document-vault/internal/domain"
	"github.com/kenneth/document-vault/internal/metrics"
	"github.com/kenneth/document-vault/internal/middleware"
	"github.com/kenneth/document-vault/internal/vault"
)

// Vault is the set of vault operations served over HTTP.
type Vault interface {
	SaveItem(ctx context.Context, req vault.SaveRequest) (string, error)
	GetItem(ctx context.Context, requesterID, itemID string) (vault.ItemInfo, error)
	ListOwnedItems(ctx context.Context, ownerID string, status domain.ItemStatus) ([]vault.ItemInfo, error)
	DecryptItem(ctx context.Context, requesterID, itemID string, opts vault.DecryptOptions) (*vault.Decrypted, error)
	GetDecryptionMetadata(ctx context.Context, requesterID, itemID string, opts vault.DecryptOptions) (*vault.DecryptionMetadata, error)
	ArchiveItem(ctx context.Context, ownerID, itemID string) (vault.ItemInfo, error)
	RestoreItem(ctx context.Context, ownerID, itemID string) (vault.ItemInfo, error)
	DeleteItem(ctx context.Context, ownerID, itemID string) error
	ShareItem(ctx context.Context, ownerID, itemID, granteeID string) (domain.Grant, error)
	ActivateGrant(ctx context.Context, granteeID, itemID string) (domain.Grant, error)
	RevokeGrant(ctx context.Context, ownerID, itemID, granteeID string) (domain.Grant, error)
	ListGrants(ctx context.Context, ownerID, itemID string) ([]domain.Grant, error)
	ListSharedWithMe(ctx context.Context, granteeID string) ([]domain.Grant, error)
}

// Options configures the HTTP surface.
type Options struct {
	// PrincipalHeader carries the authenticated caller id.
	PrincipalHeader string
	// ExposeKeyMaterial enables the decryption metadata endpoint, which
	// returns plaintext data keys.
	ExposeKeyMaterial bool
	// MetricsPath serves Prometheus metrics when non-empty.
	MetricsPath string
	// MaxPartBytes caps a single upload part; MaxBodyBytes caps the body.
	MaxPartBytes int64
	MaxBodyBytes int64
}

// OptionsFromConfig derives Options from the process configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	part := int64(cfg.Limits.MaxSourceFileBytes)
	if f := int64(cfg.Limits.MaxFormDataBytes); f > part {
		part = f
	}
	opts := Options{
		PrincipalHeader:   cfg.Server.PrincipalHeader,
		ExposeKeyMaterial: cfg.Server.ExposeKeyMaterial,
		MaxPartBytes:      part,
		// base64 and JSON escaping inflate payloads.
		MaxBodyBytes: 2*int64(cfg.Limits.MaxSourceFileBytes+cfg.Limits.MaxFormDataBytes) + 64<<10,
	}
	if cfg.Metrics.Enabled {
		opts.MetricsPath = cfg.Metrics.Path
	}
	return opts
}

// Handler serves the vault API.
type Handler struct {
	vault   Vault
	logger  *logrus.Logger
	metrics *metrics.Metrics
	checks  map[string]metrics.Check
	opts    Options
}

// NewHandler creates a new API handler. checks feed the readiness probe.
func NewHandler(v Vault, logger *logrus.Logger, m *metrics.Metrics, checks map[string]metrics.Check, opts Options) *Handler {
	if opts.PrincipalHeader == "" {
		opts.PrincipalHeader = "X-Principal-ID"
	}
	if opts.MaxPartBytes <= 0 {
		opts.MaxPartBytes = 10 << 20
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 2*opts.MaxPartBytes + 64<<10
	}
	return &Handler{
		vault:   v,
		logger:  logger,
		metrics: m,
		checks:  checks,
		opts:    opts,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.Handle("/health", metrics.HealthHandler()).Methods("GET")
	r.Handle("/ready", metrics.ReadinessHandler(h.checks)).Methods("GET")
	r.Handle("/live", metrics.LivenessHandler()).Methods("GET")
	if h.metrics != nil && h.opts.MetricsPath != "" {
		r.Handle(h.opts.MetricsPath, h.metrics.Handler()).Methods("GET")
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(middleware.PrincipalMiddleware(h.opts.PrincipalHeader))

	v1.HandleFunc("/items", h.handleCreateItem).Methods("POST")
	v1.HandleFunc("/items", h.handleListItems).Methods("GET")
	v1.HandleFunc("/items/{id}", h.handleGetItem).Methods("GET")
	v1.HandleFunc("/items/{id}", h.handleDeleteItem).Methods("DELETE")
	v1.HandleFunc("/items/{id}/decrypt", h.handleDecrypt).Methods("POST")
	if h.opts.ExposeKeyMaterial {
		v1.HandleFunc("/items/{id}/metadata", h.handleMetadata).Methods("POST")
	}
	v1.HandleFunc("/items/{id}/archive", h.handleArchive).Methods("POST")
	v1.HandleFunc("/items/{id}/restore", h.handleRestore).Methods("POST")

	v1.HandleFunc("/items/{id}/grants", h.handleShare).Methods("POST")
	v1.HandleFunc("/items/{id}/grants", h.handleListGrants).Methods("GET")
	v1.HandleFunc("/items/{id}/grants/activate", h.handleActivate).Methods("POST")
	v1.HandleFunc("/items/{id}/grants/{grantee}", h.handleRevoke).Methods("DELETE")

	v1.HandleFunc("/shared", h.handleListShared).Methods("GET")
}

func (h *Handler) limitBody(w http.ResponseWriter, r *http.Request, n int64) {
	r.Body = http.MaxBytesReader(w, r.Body, n)
}

func (h *Handler) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r, h.opts.MaxBodyBytes)
	owner := middleware.Principal(r.Context())

	req, err := decodeSaveRequest(r, owner, h.opts.MaxPartBytes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := h.vault.SaveItem(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/items/"+id)
	writeJSON(w, http.StatusCreated, createdResponse{ID: id})
}

func (h *Handler) handleListItems(w http.ResponseWriter, r *http.Request) {
	var status domain.ItemStatus
	if s := r.URL.Query().Get("status"); s != "" {
		parsed, err := domain.ParseItemStatus(s)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		status = parsed
	}
	infos, err := h.vault.ListOwnedItems(r.Context(), middleware.Principal(r.Context()), status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]itemResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, toItemResponse(info))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": out})
}

func (h *Handler) handleGetItem(w http.ResponseWriter, r *http.Request) {
	info, err := h.vault.GetItem(r.Context(), middleware.Principal(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemResponse(info))
}

func (h *Handler) decryptOptions(w http.ResponseWriter, r *http.Request) (vault.DecryptOptions, error) {
	h.limitBody(w, r, 4<<10)
	var body decryptRequest
	if err := decodeJSON(r, &body, true); err != nil {
		return vault.DecryptOptions{}, err
	}
	ttl, err := parseTTL(body.URLTTLSeconds)
	if err != nil {
		return vault.DecryptOptions{}, err
	}
	return vault.DecryptOptions{IncludeSource: body.IncludeSource, URLTTL: ttl}, nil
}

func (h *Handler) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	opts, err := h.decryptOptions(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out, err := h.vault.DecryptItem(r.Context(), middleware.Principal(r.Context()), mux.Vars(r)["id"], opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, decryptResponse{
		ItemID:       out.ItemID,
		CreationMode: string(out.CreationMode),
		TemplateID:   out.TemplateID,
		FormData:     out.FormData,
		Source:       toSourceResponse(out.Source),
	})
}

func (h *Handler) handleMetadata(w http.ResponseWriter, r *http.Request) {
	opts, err := h.decryptOptions(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	opts.IncludeSource = false
	out, err := h.vault.GetDecryptionMetadata(r.Context(), middleware.Principal(r.Context()), mux.Vars(r)["id"], opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer crypto.Zeroize(out.DataKey)

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, metadataResponse{
		ItemID:            out.ItemID,
		Algorithm:         out.Algorithm,
		DataKey:           out.DataKey,
		EncryptedFormData: out.EncryptedFormData,
		FormNonce:         out.FormNonce,
		FormAAD:           out.FormAAD,
		Source:            toSourceResponse(out.Source),
	})
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	info, err := h.vault.ArchiveItem(r.Context(), middleware.Principal(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemResponse(info))
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	info, err := h.vault.RestoreItem(r.Context(), middleware.Principal(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemResponse(info))
}

func (h *Handler) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	if err := h.vault.DeleteItem(r.Context(), middleware.Principal(r.Context()), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleShare(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r, 4<<10)
	var body shareRequest
	if err := decodeJSON(r, &body, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	g, err := h.vault.ShareItem(r.Context(), middleware.Principal(r.Context()), mux.Vars(r)["id"], body.GranteeID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toGrantResponse(g))
}

func (h *Handler) handleListGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := h.vault.ListGrants(r.Context(), middleware.Principal(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"grants": toGrantResponses(grants)})
}

func (h *Handler) handleActivate(w http.ResponseWriter, r *http.Request) {
	g, err := h.vault.ActivateGrant(r.Context(), middleware.Principal(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGrantResponse(g))
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	g, err := h.vault.RevokeGrant(r.Context(), middleware.Principal(r.Context()), vars["id"], vars["grantee"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGrantResponse(g))
}

func (h *Handler) handleListShared(w http.ResponseWriter, r *http.Request) {
	grants, err := h.vault.ListSharedWithMe(r.Context(), middleware.Principal(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"grants": toGrantResponses(grants)})
}

// NewServer returns an http.Server for handler using the configured
// timeouts.
func NewServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
}
