package domain

// Modality is a model input/output class probed by the scanner.
type Modality string

const (
	ModalityText     Modality = "TEXT"
	ModalityImage    Modality = "IMAGE"
	ModalityVideo    Modality = "VIDEO"
	ModalityDocument Modality = "DOCUMENT"
)

// ProbeModalities lists the modality probes issued for text-output models.
var ProbeModalities = []Modality{ModalityText, ModalityImage, ModalityVideo, ModalityDocument}

// Family selects the stream adapter used for a model.
type Family string

const (
	FamilyAnthropic     Family = "anthropic"
	FamilyMistral       Family = "mistral"
	FamilyConverse      Family = "converse"
	FamilyFlow          Family = "flow"
	FamilyKnowledgeBase Family = "knowledge_base"
)

// CapabilityEntry records which modalities a model actually served under the
// current credentials, plus static catalog metadata.
type CapabilityEntry struct {
	ModelID            string   `json:"model_id" dynamodbav:"model_id"`
	ModelName          string   `json:"model_name,omitempty" dynamodbav:"model_name,omitempty"`
	ProviderName       string   `json:"provider_name,omitempty" dynamodbav:"provider_name,omitempty"`
	ModelArn           string   `json:"model_arn,omitempty" dynamodbav:"model_arn,omitempty"`
	InputModalities    []string `json:"input_modalities,omitempty" dynamodbav:"input_modalities,omitempty"`
	OutputModalities   []string `json:"output_modalities,omitempty" dynamodbav:"output_modalities,omitempty"`
	StreamingSupported bool     `json:"streaming_supported" dynamodbav:"streaming_supported"`
	Imported           bool     `json:"imported,omitempty" dynamodbav:"imported,omitempty"`
	Family             Family   `json:"family" dynamodbav:"family"`

	Text          bool `json:"TEXT" dynamodbav:"TEXT"`
	Image         bool `json:"IMAGE" dynamodbav:"IMAGE"`
	Video         bool `json:"VIDEO" dynamodbav:"VIDEO"`
	Document      bool `json:"DOCUMENT" dynamodbav:"DOCUMENT"`
	AccessGranted bool `json:"access_granted" dynamodbav:"access_granted"`
}

// SetModality records a probe outcome. A modality once granted stays granted.
func (e *CapabilityEntry) SetModality(m Modality, ok bool) {
	switch m {
	case ModalityText:
		e.Text = e.Text || ok
	case ModalityImage:
		e.Image = e.Image || ok
	case ModalityVideo:
		e.Video = e.Video || ok
	case ModalityDocument:
		e.Document = e.Document || ok
	}
	e.AccessGranted = e.Text || e.Image || e.Video || e.Document
}

// HasOutput reports whether the catalog lists m as an output modality.
func (e CapabilityEntry) HasOutput(m Modality) bool {
	for _, o := range e.OutputModalities {
		if o == string(m) {
			return true
		}
	}
	return false
}

// CapabilityMatrix maps model id to its capability entry.
type CapabilityMatrix map[string]CapabilityEntry

// Visible returns the entries with at least one granted modality.
func (m CapabilityMatrix) Visible() CapabilityMatrix {
	out := make(CapabilityMatrix, len(m))
	for id, e := range m {
		if e.AccessGranted {
			out[id] = e
		}
	}
	return out
}
