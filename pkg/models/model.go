package models

import "fmt"

// Modality is the execution path a model is served through.
type Modality string

const (
	ModalityText         Modality = "text"
	ModalityCode         Modality = "code"
	ModalityVision       Modality = "vision"
	ModalityImage        Modality = "image"
	ModalitySpeechToText Modality = "speech_to_text"
	ModalityTextToSpeech Modality = "text_to_speech"
)

// Modalities returns every supported modality.
func Modalities() []Modality {
	return []Modality{
		ModalityText,
		ModalityCode,
		ModalityVision,
		ModalityImage,
		ModalitySpeechToText,
		ModalityTextToSpeech,
	}
}

// Valid reports whether m is one of the supported modalities.
func (m Modality) Valid() bool {
	for _, v := range Modalities() {
		if v == m {
			return true
		}
	}
	return false
}

// Quantization is the weight precision a local model is loaded with.
type Quantization string

const (
	QuantNone Quantization = ""
	QuantInt8 Quantization = "int8"
	QuantInt4 Quantization = "int4"
)

// Valid reports whether q is a known quantization mode.
func (q Quantization) Valid() bool {
	switch q {
	case QuantNone, QuantInt8, QuantInt4:
		return true
	}
	return false
}

// Provider is the venue a model executes in.
type Provider string

const (
	ProviderLocal      Provider = "local"
	ProviderRemote     Provider = "remote"
	ProviderRestricted Provider = "restricted"
)

// ParseProvider converts an override string to a Provider. An empty string
// yields an empty Provider, meaning no override. "together" and "shadow" are
// accepted as aliases for remote and restricted.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(s); p {
	case "", ProviderLocal, ProviderRemote, ProviderRestricted:
		return p, nil
	case "together":
		return ProviderRemote, nil
	case "shadow":
		return ProviderRestricted, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, s)
	}
}

// TaskCategory classifies a generation request for routing.
type TaskCategory string

const (
	TaskChat            TaskCategory = "chat"
	TaskReasoning       TaskCategory = "reasoning"
	TaskCode            TaskCategory = "code"
	TaskCreative        TaskCategory = "creative"
	TaskVision          TaskCategory = "vision"
	TaskImageGeneration TaskCategory = "image_generation"
	TaskSpeechToText    TaskCategory = "speech_to_text"
	TaskTextToSpeech    TaskCategory = "text_to_speech"
	TaskUnrestricted    TaskCategory = "unrestricted"
)

// TaskCategories returns every known task category.
func TaskCategories() []TaskCategory {
	return []TaskCategory{
		TaskChat, TaskReasoning, TaskCode, TaskCreative, TaskVision,
		TaskImageGeneration, TaskSpeechToText, TaskTextToSpeech, TaskUnrestricted,
	}
}

// Valid reports whether t is a known task category.
func (t TaskCategory) Valid() bool {
	for _, v := range TaskCategories() {
		if v == t {
			return true
		}
	}
	return false
}

// ModelDescriptor is the static configuration of one model.
// VRAMRequiredGB and Quantization apply to local models only;
// CostPerMillion applies to remote models only.
type ModelDescriptor struct {
	Name           string       `json:"name" yaml:"name"`
	Modality       Modality     `json:"modality" yaml:"modality"`
	Path           string       `json:"path,omitempty" yaml:"path"`
	ModelID        string       `json:"model_id,omitempty" yaml:"model_id"`
	Engine         string       `json:"engine,omitempty" yaml:"engine"`
	VRAMRequiredGB float64      `json:"vram_required_gb,omitempty" yaml:"vram_required_gb"`
	Quantization   Quantization `json:"quantization,omitempty" yaml:"quantization"`
	CostPerMillion float64      `json:"cost_per_1m_tokens,omitempty" yaml:"cost_per_1m_tokens"`
}

// Ref returns the backend-specific identifier for the model: the path when
// set, otherwise the model id, otherwise the name.
func (d ModelDescriptor) Ref() string {
	switch {
	case d.Path != "":
		return d.Path
	case d.ModelID != "":
		return d.ModelID
	default:
		return d.Name
	}
}

// ModelStatus reports the runtime state of a configured model.
type ModelStatus struct {
	Name           string   `json:"name"`
	Provider       Provider `json:"provider"`
	Modality       Modality `json:"modality"`
	VRAMRequiredGB float64  `json:"vram_required_gb,omitempty"`
	Loaded         bool     `json:"loaded"`
	CanRun         bool     `json:"can_run"`
}
