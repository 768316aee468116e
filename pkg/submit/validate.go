package submit

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

// allowedMimeTypes lists the image encodings the service accepts.
var allowedMimeTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/webp":      true,
	"image/heic":      true,
	"image/heif":      true,
	"image/tiff":      true,
	"image/gif":       true,
	"application/pdf": true,
}

// AllowedMimeType reports whether mime is accepted for Image.MimeType.
func AllowedMimeType(mime string) bool {
	return allowedMimeTypes[strings.ToLower(strings.TrimSpace(mime))]
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("image_mime", imageMimeValidator)
	v.RegisterStructValidation(documentParseValidator, DocumentParse{})
	return v
}

func imageMimeValidator(fl validator.FieldLevel) bool {
	val, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	return AllowedMimeType(val)
}

func documentParseValidator(sl validator.StructLevel) {
	p, ok := sl.Current().Interface().(DocumentParse)
	if !ok {
		return
	}
	if strings.TrimSpace(p.Text) == "" && len(p.Images) == 0 {
		sl.ReportError(p.Text, "Text", "text", "text_or_images", "")
	}
}
