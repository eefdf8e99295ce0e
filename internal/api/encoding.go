package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/kenneth/document-vault/internal/domain"
	"github.com/kenneth/document-vault/internal/vault"
)

const decodeOp = "api.decode"

// createItemRequest is the JSON upload form. Source.Data is base64.
type createItemRequest struct {
	CreationMode string          `json:"creation_mode"`
	TemplateID   string          `json:"template_id"`
	FormData     json.RawMessage `json:"form_data"`
	Source       *sourceRequest  `json:"source"`
}

type sourceRequest struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

type decryptRequest struct {
	IncludeSource bool `json:"include_source"`
	URLTTLSeconds int  `json:"url_ttl_seconds"`
}

type shareRequest struct {
	GranteeID string `json:"grantee_id"`
}

type createdResponse struct {
	ID string `json:"id"`
}

type itemResponse struct {
	ID                string    `json:"id"`
	OwnerID           string    `json:"owner_id"`
	TemplateID        string    `json:"template_id,omitempty"`
	CreationMode      string    `json:"creation_mode"`
	Algorithm         string    `json:"algorithm"`
	Status            string    `json:"status"`
	HasSourceFile     bool      `json:"has_source_file"`
	SourceFileName    string    `json:"source_file_name,omitempty"`
	SourceContentType string    `json:"source_content_type,omitempty"`
	SourceSize        int64     `json:"source_size,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type sourceResponse struct {
	URL            string    `json:"url"`
	ExpiresAt      time.Time `json:"expires_at"`
	Nonce          []byte    `json:"nonce"`
	AssociatedData []byte    `json:"associated_data"`
	FileName       string    `json:"file_name"`
	ContentType    string    `json:"content_type"`
	Size           int64     `json:"size"`
	Data           []byte    `json:"data,omitempty"`
}

type decryptResponse struct {
	ItemID       string          `json:"item_id"`
	CreationMode string          `json:"creation_mode"`
	TemplateID   string          `json:"template_id,omitempty"`
	FormData     json.RawMessage `json:"form_data"`
	Source       *sourceResponse `json:"source,omitempty"`
}

type metadataResponse struct {
	ItemID            string          `json:"item_id"`
	Algorithm         string          `json:"algorithm"`
	DataKey           []byte          `json:"data_key"`
	EncryptedFormData []byte          `json:"encrypted_form_data"`
	FormNonce         []byte          `json:"form_nonce"`
	FormAAD           []byte          `json:"form_aad"`
	Source            *sourceResponse `json:"source,omitempty"`
}

type grantResponse struct {
	ItemID         string     `json:"item_id"`
	GranteeID      string     `json:"grantee_id"`
	GrantedBy      string     `json:"granted_by"`
	Generation     int        `json:"generation"`
	Status         string     `json:"status"`
	GrantedAt      time.Time  `json:"granted_at"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	AccessCount    int64      `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
}

func toItemResponse(info vault.ItemInfo) itemResponse {
	return itemResponse{
		ID:                info.ID,
		OwnerID:           info.OwnerID,
		TemplateID:        info.TemplateID,
		CreationMode:      string(info.CreationMode),
		Algorithm:         info.Algorithm,
		Status:            string(info.Status),
		HasSourceFile:     info.HasSourceFile,
		SourceFileName:    info.SourceFileName,
		SourceContentType: info.SourceContentType,
		SourceSize:        info.SourceSize,
		CreatedAt:         info.CreatedAt,
		UpdatedAt:         info.UpdatedAt,
	}
}

func toSourceResponse(src *vault.SourceAccess) *sourceResponse {
	if src == nil {
		return nil
	}
	return &sourceResponse{
		URL:            src.URL,
		ExpiresAt:      src.ExpiresAt,
		Nonce:          src.Nonce,
		AssociatedData: src.AssociatedData,
		FileName:       src.FileName,
		ContentType:    src.ContentType,
		Size:           src.Size,
		Data:           src.Data,
	}
}

func toGrantResponse(g domain.Grant) grantResponse {
	return grantResponse{
		ItemID:         g.ItemID,
		GranteeID:      g.GranteeID,
		GrantedBy:      g.GrantedBy,
		Generation:     g.Generation,
		Status:         string(g.Status),
		GrantedAt:      g.GrantedAt,
		ActivatedAt:    g.ActivatedAt,
		RevokedAt:      g.RevokedAt,
		AccessCount:    g.AccessCount,
		LastAccessedAt: g.LastAccessedAt,
	}
}

func toGrantResponses(grants []domain.Grant) []grantResponse {
	out := make([]grantResponse, 0, len(grants))
	for _, g := range grants {
		out = append(out, toGrantResponse(g))
	}
	return out
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched when
// optional is set.
func decodeJSON(r *http.Request, v interface{}, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && optional {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return domain.Errorf(domain.KindValidation, decodeOp, "invalid request body: %v", err)
	}
	return nil
}

// decodeSaveRequest accepts either a JSON body or a multipart form with the
// fields creation_mode, template_id and form_data and an optional file part
// named source.
func decodeSaveRequest(r *http.Request, ownerID string, maxPart int64) (vault.SaveRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return decodeMultipartSave(r, ownerID, maxPart)
	}

	var body createItemRequest
	if err := decodeJSON(r, &body, false); err != nil {
		return vault.SaveRequest{}, err
	}
	req, err := newSaveRequest(ownerID, body.CreationMode, body.TemplateID, body.FormData)
	if err != nil {
		return vault.SaveRequest{}, err
	}
	if body.Source != nil {
		req.Source = &vault.SourceFile{
			Name:        body.Source.FileName,
			ContentType: body.Source.ContentType,
			Data:        body.Source.Data,
		}
	}
	return req, nil
}

func decodeMultipartSave(r *http.Request, ownerID string, maxPart int64) (vault.SaveRequest, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return vault.SaveRequest{}, domain.Errorf(domain.KindValidation, decodeOp, "invalid multipart body: %v", err)
	}

	var mode, templateID string
	var formData []byte
	var source *vault.SourceFile
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return vault.SaveRequest{}, multipartError(err)
		}
		// Parts are read into memory; plaintext documents never touch disk.
		data, err := io.ReadAll(io.LimitReader(part, maxPart+1))
		_ = part.Close()
		if err != nil {
			return vault.SaveRequest{}, multipartError(err)
		}
		if int64(len(data)) > maxPart {
			return vault.SaveRequest{}, domain.Errorf(domain.KindValidation, decodeOp, "part %q exceeds %d bytes", part.FormName(), maxPart)
		}

		switch part.FormName() {
		case "creation_mode":
			mode = string(data)
		case "template_id":
			templateID = string(data)
		case "form_data":
			formData = data
		case "source":
			contentType := part.Header.Get("Content-Type")
			if contentType == "" || contentType == "application/octet-stream" {
				contentType = http.DetectContentType(data)
			}
			source = &vault.SourceFile{
				Name:        part.FileName(),
				ContentType: contentType,
				Data:        data,
			}
		default:
			return vault.SaveRequest{}, domain.Errorf(domain.KindValidation, decodeOp, "unexpected form field %q", part.FormName())
		}
	}

	req, err := newSaveRequest(ownerID, mode, templateID, formData)
	if err != nil {
		return vault.SaveRequest{}, err
	}
	req.Source = source
	return req, nil
}

func multipartError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return domain.Errorf(domain.KindValidation, decodeOp, "invalid multipart body: %v", err)
}

func newSaveRequest(ownerID, mode, templateID string, formData []byte) (vault.SaveRequest, error) {
	if strings.TrimSpace(mode) == "" {
		mode = string(domain.ModeManual)
	}
	m, err := domain.ParseCreationMode(mode)
	if err != nil {
		return vault.SaveRequest{}, err
	}
	return vault.SaveRequest{
		OwnerID:      ownerID,
		CreationMode: m,
		TemplateID:   templateID,
		FormData:     bytes.TrimSpace(formData),
	}, nil
}

func parseTTL(seconds int) (time.Duration, error) {
	if seconds < 0 {
		return 0, domain.Errorf(domain.KindValidation, decodeOp, "url_ttl_seconds must not be negative")
	}
	return time.Duration(seconds) * time.Second, nil
}
