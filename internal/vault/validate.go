package vault

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ryanuber/go-glob"

	"github.com/kenneth/document-vault/internal/config"
	"github.com/kenneth/document-vault/internal/domain"
)

const maxFileNameLength = 255

// validateFormData checks that data is a JSON object within the configured
// size, field count and field length limits.
func validateFormData(op string, data []byte, limits config.LimitsConfig) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return domain.Errorf(domain.KindValidation, op, "form data is required")
	}
	if limits.MaxFormDataBytes > 0 && len(data) > limits.MaxFormDataBytes {
		return domain.Errorf(domain.KindValidation, op, "form data is %d bytes, limit is %d", len(data), limits.MaxFormDataBytes)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return domain.Errorf(domain.KindValidation, op, "form data must be a JSON object: %v", err)
	}
	if fields == nil {
		return domain.Errorf(domain.KindValidation, op, "form data must be a JSON object, got null")
	}
	if limits.MaxFieldCount > 0 && len(fields) > limits.MaxFieldCount {
		return domain.Errorf(domain.KindValidation, op, "form data has %d fields, limit is %d", len(fields), limits.MaxFieldCount)
	}

	for name, raw := range fields {
		if limits.MaxFieldNameLength > 0 && utf8.RuneCountInString(name) > limits.MaxFieldNameLength {
			return domain.Errorf(domain.KindValidation, op, "field name %q is too long", truncate(name, 50))
		}
		if limits.MaxFieldLength > 0 && fieldLength(raw) > limits.MaxFieldLength {
			return domain.Errorf(domain.KindValidation, op, "field %q is longer than %d characters", truncate(name, 50), limits.MaxFieldLength)
		}
	}
	return nil
}

// fieldLength is the character length of a string value, or of the JSON text
// of any other value.
func fieldLength(raw json.RawMessage) int {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return utf8.RuneCountInString(s)
	}
	return utf8.RuneCount(bytes.TrimSpace(raw))
}

func validateTemplateID(op, id string, limits config.LimitsConfig) error {
	if id == "" {
		return nil
	}
	if strings.TrimSpace(id) == "" {
		return domain.Errorf(domain.KindValidation, op, "template id cannot be blank")
	}
	if limits.MaxTemplateIDLength > 0 && len(id) > limits.MaxTemplateIDLength {
		return domain.Errorf(domain.KindValidation, op, "template id is %d characters, limit is %d", len(id), limits.MaxTemplateIDLength)
	}
	return nil
}

// validateSource checks a source file against the mode, size and content
// type rules and returns its normalised content type.
func validateSource(op string, mode domain.CreationMode, src *SourceFile, limits config.LimitsConfig) (string, error) {
	switch {
	case mode == domain.ModeManual && src != nil:
		return "", domain.Errorf(domain.KindValidation, op, "manual items cannot carry a source file")
	case mode == domain.ModeManual:
		return "", nil
	case src == nil || len(src.Data) == 0:
		return "", domain.Errorf(domain.KindValidation, op, "imported items require a non-empty source file")
	}
	if limits.MaxSourceFileBytes > 0 && len(src.Data) > limits.MaxSourceFileBytes {
		return "", domain.Errorf(domain.KindValidation, op, "source file is %d bytes, limit is %d", len(src.Data), limits.MaxSourceFileBytes)
	}

	contentType := src.ContentType
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if !mimeAllowed(contentType, limits.AllowedMIMETypes) {
		return "", domain.Errorf(domain.KindValidation, op, "content type %q is not allowed", src.ContentType)
	}
	return contentType, nil
}

// mimeAllowed matches contentType against the allow-list. Entries may be
// globs such as "image/*". An empty list allows nothing.
func mimeAllowed(contentType string, allowed []string) bool {
	if contentType == "" {
		return false
	}
	for _, pattern := range allowed {
		if glob.Glob(strings.ToLower(pattern), contentType) {
			return true
		}
	}
	return false
}

// sanitizeFileName strips directories, replaces anything but letters,
// digits, spaces, dots, dashes and underscores, and caps the length while
// keeping the extension.
func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '_', r == '-', r == '.', r == ' ':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name = b.String()
	if name == "" || name == "." || name == ".." {
		return "source"
	}

	if utf8.RuneCountInString(name) > maxFileNameLength {
		ext := filepath.Ext(name)
		if utf8.RuneCountInString(ext) > 16 {
			ext = ""
		}
		stem := []rune(strings.TrimSuffix(name, ext))
		name = string(stem[:maxFileNameLength-utf8.RuneCountInString(ext)]) + ext
	}
	return name
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return fmt.Sprintf("%s...", string(r[:n]))
}
