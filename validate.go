package fmchat

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report JSON field names instead of Go struct names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateMessage checks the invariants of a decoded or server-returned message.
func ValidateMessage(m *Message) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidMessage, fieldErrors(err))
	}
	if strings.TrimSpace(m.Text()) == "" && !m.HasAttachment() {
		return fmt.Errorf("%w: content or fileUrl required", ErrInvalidMessage)
	}
	return nil
}

func validateOutgoing(out *OutgoingMessage) error {
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidMessage, fieldErrors(err))
	}
	hasText := out.Content != nil && strings.TrimSpace(*out.Content) != ""
	hasFile := out.FileURL != nil && *out.FileURL != ""
	if !hasText && !hasFile {
		return ErrEmptyMessage
	}
	return nil
}

func validateCreateGroup(opts *CreateGroupOptions) error {
	if opts == nil {
		return errors.New("group options required")
	}
	if err := validate.Struct(opts); err != nil {
		return fmt.Errorf("invalid group: %s", fieldErrors(err))
	}
	return nil
}

func fieldErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+" failed "+fe.Tag())
	}
	return strings.Join(parts, ", ")
}

// ============================================================================
// Attachment policy
// ============================================================================

// AttachmentPolicy rejects attachments client-side before any network call.
type AttachmentPolicy struct {
	MaxSize int64
	// AllowedTypes holds MIME types; a trailing "/*" matches a whole family.
	AllowedTypes []string
}

// DefaultAttachmentPolicy allows images, PDFs and office documents up to 10 MB.
var DefaultAttachmentPolicy = AttachmentPolicy{
	MaxSize: 10 * 1024 * 1024,
	AllowedTypes: []string{
		"image/*",
		"application/pdf",
		"text/plain",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.ms-excel",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.ms-powerpoint",
		"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	},
}

// Check fills in a missing MIME type from the file name and validates size and type.
func (p AttachmentPolicy) Check(a *Attachment) error {
	if a == nil {
		return nil
	}
	if a.FileName == "" {
		return fmt.Errorf("%w: file name required", ErrAttachmentType)
	}
	if a.MimeType == "" {
		a.MimeType = guessMimeType(a.FileName)
	}
	if p.MaxSize > 0 && int64(len(a.Data)) > p.MaxSize {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrAttachmentTooLarge, len(a.Data), p.MaxSize)
	}
	if len(p.AllowedTypes) == 0 {
		return nil
	}
	for _, allowed := range p.AllowedTypes {
		if family, ok := strings.CutSuffix(allowed, "/*"); ok {
			if strings.HasPrefix(a.MimeType, family+"/") {
				return nil
			}
			continue
		}
		if a.MimeType == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: %s (%s)", ErrAttachmentType, a.MimeType, filepath.Ext(a.FileName))
}
