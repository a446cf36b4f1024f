package chat

import (
	"strings"

	"github.com/google/uuid"
)

// Kind discriminates the message union.
type Kind string

const (
	KindInput    Kind = "input"
	KindResponse Kind = "response"
	KindError    Kind = "error"
)

// PartKind discriminates the content parts of an input message.
type PartKind string

const (
	PartText     PartKind = "text"
	PartImageRef PartKind = "image_reference"
)

// Part is one content part of an input message.
type Part struct {
	Kind PartKind `json:"kind"`
	Text string   `json:"text,omitempty"`
	Ref  string   `json:"ref,omitempty"`
}

// OutputPart is a nested text part inside a model output item.
type OutputPart struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

// OutputItem is one top-level item of a structured model response.
// It mirrors the provider's nested output shape and may carry no text at all.
type OutputItem struct {
	Type    string       `json:"type,omitempty"`
	Content []OutputPart `json:"content,omitempty"`
}

// Message is one entry of the conversation log: a user input, a model
// response, or a synthetic error bubble. Kind is the discriminant; the
// classification helpers fall back to field sniffing for entries rehydrated
// from older persisted payloads that predate the discriminant.
type Message struct {
	ID   string `json:"id,omitempty"`
	Kind Kind   `json:"kind,omitempty"`

	// Input fields.
	Role    string   `json:"role,omitempty"`
	Content []Part   `json:"content,omitempty"`
	Images  []string `json:"images,omitempty"`

	// Response fields.
	OutputText string       `json:"output_text,omitempty"`
	Output     []OutputItem `json:"output,omitempty"`

	// Error field.
	Error string `json:"error,omitempty"`
}

// NewInputMessage builds a user message from the question text and the
// resolved attachment references.
func NewInputMessage(text string, images []string) Message {
	content := make([]Part, 0, len(images)+1)
	content = append(content, Part{Kind: PartText, Text: text})
	for _, ref := range images {
		if strings.TrimSpace(ref) == "" {
			continue
		}
		content = append(content, Part{Kind: PartImageRef, Ref: ref})
	}
	imgs := make([]string, 0, len(images))
	for _, ref := range images {
		if strings.TrimSpace(ref) != "" {
			imgs = append(imgs, ref)
		}
	}
	return Message{
		ID:      uuid.NewString(),
		Kind:    KindInput,
		Role:    "user",
		Content: content,
		Images:  imgs,
	}
}

// NewErrorMessage builds a synthetic error entry so failures stay visible in
// conversation order instead of being dropped.
func NewErrorMessage(text string) Message {
	return Message{
		ID:    uuid.NewString(),
		Kind:  KindError,
		Error: strings.TrimSpace(text),
	}
}

func classify(m Message) Kind {
	switch m.Kind {
	case KindInput, KindResponse, KindError:
		return m.Kind
	}
	if strings.TrimSpace(m.Role) != "" {
		return KindInput
	}
	if strings.TrimSpace(m.Error) != "" {
		return KindError
	}
	return KindResponse
}

// IsInputMessage reports whether m is a user-authored message.
func IsInputMessage(m Message) bool { return classify(m) == KindInput }

// IsErrorMessage reports whether m is a synthetic error entry.
func IsErrorMessage(m Message) bool { return classify(m) == KindError }

// IsResponseMessage reports whether m is a model response (the residual
// case; the three predicates are mutually exclusive and exhaustive).
func IsResponseMessage(m Message) bool { return classify(m) == KindResponse }

// DisplayText normalizes any message variant into displayable text.
// Malformed or partial response shapes degrade to an empty string.
func DisplayText(m Message) string {
	switch classify(m) {
	case KindInput:
		parts := make([]string, 0, len(m.Content))
		for _, p := range m.Content {
			if p.Kind == PartText {
				parts = append(parts, p.Text)
			}
		}
		return strings.Join(parts, "\n")
	case KindError:
		return m.Error
	default:
		if strings.TrimSpace(m.OutputText) != "" {
			return m.OutputText
		}
		items := make([]string, 0, len(m.Output))
		for _, item := range m.Output {
			var b strings.Builder
			for _, p := range item.Content {
				b.WriteString(p.Text)
			}
			if b.Len() > 0 {
				items = append(items, b.String())
			}
		}
		return strings.Join(items, "\n")
	}
}
