package types

import "time"

// TemplateMode is the matching mode that produced a biometric template.
type TemplateMode string

const (
	TemplatePerceptual TemplateMode = "perceptual"
	TemplateEmbedding  TemplateMode = "embedding"
)

// BiometricTemplate is the enrolled reference of a voter. Exactly one of Code
// or Embedding is set, according to Mode.
type BiometricTemplate struct {
	VoterID   string       `json:"voterId"             cbor:"0,keyasint,omitempty"`
	Mode      TemplateMode `json:"mode"                cbor:"1,keyasint,omitempty"`
	Code      HexBytes     `json:"code,omitempty"      cbor:"2,keyasint,omitempty"`
	Embedding []float64    `json:"embedding,omitempty" cbor:"3,keyasint,omitempty"`
	CreatedAt time.Time    `json:"createdAt"           cbor:"4,keyasint"`
}
