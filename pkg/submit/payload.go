package submit

import (
	"github.com/3leaps/parsekit/pkg/jobstore"
)

// SchemaVersion is stamped into every serialized payload.
const SchemaVersion = 1

// Payload is one of DocumentParse, FormParse or FormFill.
type Payload interface {
	Kind() jobstore.Kind
	stamp(version int)
}

// Image is an embedded page image. Data is base64 in JSON.
type Image struct {
	MimeType string `json:"mime_type" validate:"required,image_mime"`
	Data     []byte `json:"data" validate:"required,min=1"`
}

// DocumentParse asks for free-text extraction. At least one of Text or
// Images must be present.
type DocumentParse struct {
	SchemaVersion int     `json:"schema_version"`
	Text          string  `json:"text,omitempty"`
	Images        []Image `json:"images,omitempty" validate:"omitempty,dive"`
}

func (*DocumentParse) Kind() jobstore.Kind { return jobstore.KindDocumentParse }

func (p *DocumentParse) stamp(v int) { p.SchemaVersion = v }

// FormParse asks the service to recognise a form from its page images.
type FormParse struct {
	SchemaVersion int     `json:"schema_version"`
	FormName      string  `json:"form_name,omitempty"`
	Images        []Image `json:"images" validate:"required,min=1,dive"`
}

func (*FormParse) Kind() jobstore.Kind { return jobstore.KindFormParse }

func (p *FormParse) stamp(v int) { p.SchemaVersion = v }

// FormFill asks the service to fill a known form with field values.
type FormFill struct {
	SchemaVersion int               `json:"schema_version"`
	FormHash      string            `json:"form_hash" validate:"required"`
	Fields        map[string]string `json:"fields" validate:"required,min=1,dive,keys,required,endkeys"`
	Images        []Image           `json:"images,omitempty" validate:"omitempty,dive"`
}

func (*FormFill) Kind() jobstore.Kind { return jobstore.KindFormFill }

func (p *FormFill) stamp(v int) { p.SchemaVersion = v }
