package domain

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// CreationMode records how an item was created. It never changes.
type CreationMode string

const (
	// ModeManual items carry form data only.
	ModeManual CreationMode = "manual"
	// ModeImport items carry form data and an encrypted source file.
	ModeImport CreationMode = "import"
)

// ParseCreationMode accepts "manual" or "import", case-insensitively.
func ParseCreationMode(s string) (CreationMode, error) {
	switch m := CreationMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeManual, ModeImport:
		return m, nil
	default:
		return "", Errorf(KindValidation, "domain.ParseCreationMode", "unknown creation mode %q", s)
	}
}

type ItemStatus string

const (
	ItemActive   ItemStatus = "active"
	ItemArchived ItemStatus = "archived"
	ItemDeleted  ItemStatus = "deleted"
)

// ParseItemStatus accepts a status name, case-insensitively.
func ParseItemStatus(s string) (ItemStatus, error) {
	switch st := ItemStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case ItemActive, ItemArchived, ItemDeleted:
		return st, nil
	default:
		return "", Errorf(KindValidation, "domain.ParseItemStatus", "unknown item status %q", s)
	}
}

// Item is one protected record. Only WrappedKey is stored for the data key;
// its plaintext never reaches an Item.
type Item struct {
	ID           string
	OwnerID      string
	TemplateID   string
	CreationMode CreationMode
	Algorithm    string

	// WrappedKey is the key service's opaque envelope for the data key.
	WrappedKey []byte

	EncryptedFormData []byte
	FormNonce         []byte

	HasSourceFile     bool
	SourceBlobRef     string
	SourceNonce       []byte
	SourceFileName    string
	SourceContentType string
	SourceSize        int64

	Status    ItemStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Readable reports whether the item may be returned to any caller.
func (i *Item) Readable() bool {
	return i.Status == ItemActive || i.Status == ItemArchived
}

// WithStatus returns a copy of i moved to next. Active and archived items can
// move between each other or to deleted; deleted is terminal.
func (i Item) WithStatus(next ItemStatus, now time.Time) (Item, error) {
	const op = "domain.Item.WithStatus"
	if i.Status == ItemDeleted {
		return i, Errorf(KindInvalidTransition, op, "item %s is deleted", i.ID)
	}
	switch {
	case i.Status == next:
		return i, Errorf(KindInvalidTransition, op, "item %s is already %s", i.ID, next)
	case next == ItemActive, next == ItemArchived, next == ItemDeleted:
	default:
		return i, Errorf(KindValidation, op, "unknown item status %q", next)
	}
	i.Status = next
	i.UpdatedAt = now
	return i, nil
}

// Clone returns a deep copy so that callers cannot alias stored byte slices.
func (i *Item) Clone() *Item {
	c := *i
	c.WrappedKey = bytes.Clone(i.WrappedKey)
	c.EncryptedFormData = bytes.Clone(i.EncryptedFormData)
	c.FormNonce = bytes.Clone(i.FormNonce)
	c.SourceNonce = bytes.Clone(i.SourceNonce)
	return &c
}

// Validate checks the structural invariants every persisted item must hold.
func (i *Item) Validate() error {
	const op = "domain.Item.Validate"
	switch {
	case i.ID == "" || i.OwnerID == "":
		return Errorf(KindValidation, op, "item id and owner id are required")
	case len(i.WrappedKey) == 0:
		return Errorf(KindValidation, op, "item %s has no wrapped key", i.ID)
	case len(i.EncryptedFormData) == 0 || len(i.FormNonce) == 0:
		return Errorf(KindValidation, op, "item %s has no form ciphertext", i.ID)
	case i.HasSourceFile != (i.CreationMode == ModeImport):
		return Errorf(KindValidation, op, "item %s: source file presence does not match mode %s", i.ID, i.CreationMode)
	case i.HasSourceFile && (i.SourceBlobRef == "" || len(i.SourceNonce) == 0):
		return Errorf(KindValidation, op, "item %s: source file reference incomplete", i.ID)
	}
	return nil
}

func (i *Item) String() string {
	return fmt.Sprintf("item(%s owner=%s mode=%s status=%s)", i.ID, i.OwnerID, i.CreationMode, i.Status)
}
