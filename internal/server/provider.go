package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"

	"github.com/nbatchelor/visionchat/internal/chat"
	"github.com/nbatchelor/visionchat/internal/config"
)

const defaultMaxOutputTokens = 4096

// Provider turns a conversation log into one model response message.
type Provider interface {
	Respond(ctx context.Context, input []chat.Message) (chat.Message, error)
}

// NewProvider builds the adapter for the configured provider type.
func NewProvider(cfg config.Provider, apiKey string) (Provider, error) {
	providerType := strings.ToLower(strings.TrimSpace(cfg.Type))
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	switch providerType {
	case "openai", "openai_compatible":
		opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
		if strings.TrimSpace(cfg.BaseURL) != "" {
			opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(cfg.BaseURL)))
		}
		return &openAIProvider{client: openai.NewClient(opts...), model: cfg.ModelID()}, nil
	case "anthropic":
		opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
		if strings.TrimSpace(cfg.BaseURL) != "" {
			opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(cfg.BaseURL)))
		}
		return &anthropicProvider{client: anthropic.NewClient(opts...), model: cfg.ModelID()}, nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", cfg.Type)
	}
}

type openAIProvider struct {
	client openai.Client
	model  string
}

func (p *openAIProvider) Respond(ctx context.Context, input []chat.Message) (chat.Message, error) {
	if p == nil {
		return chat.Message{}, errors.New("nil provider")
	}
	params := oresponses.ResponseNewParams{
		Model:           oshared.ResponsesModel(p.model),
		MaxOutputTokens: openai.Int(defaultMaxOutputTokens),
	}
	items := buildOpenAIInput(input)
	if len(items) == 0 {
		return chat.Message{}, errors.New("empty input")
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: items}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return chat.Message{}, err
	}

	out := chat.Message{ID: resp.ID, Kind: chat.KindResponse}
	var texts []string
	for _, item := range resp.Output {
		if item.Type != "message" {
			continue
		}
		oi := chat.OutputItem{Type: item.Type}
		var b strings.Builder
		for _, part := range item.Content {
			if part.Type != "output_text" {
				continue
			}
			oi.Content = append(oi.Content, chat.OutputPart{Type: part.Type, Text: part.Text})
			b.WriteString(part.Text)
		}
		out.Output = append(out.Output, oi)
		if b.Len() > 0 {
			texts = append(texts, b.String())
		}
	}
	out.OutputText = strings.Join(texts, "\n")
	return out, nil
}

func buildOpenAIInput(messages []chat.Message) []oresponses.ResponseInputItemUnionParam {
	items := make([]oresponses.ResponseInputItemUnionParam, 0, len(messages))
	for _, msg := range messages {
		switch {
		case chat.IsInputMessage(msg):
			content := make(oresponses.ResponseInputMessageContentListParam, 0, len(msg.Content))
			for _, part := range msg.Content {
				switch part.Kind {
				case chat.PartText:
					if txt := strings.TrimSpace(part.Text); txt != "" {
						content = append(content, oresponses.ResponseInputContentUnionParam{
							OfInputText: &oresponses.ResponseInputTextParam{Text: txt},
						})
					}
				case chat.PartImageRef:
					if ref := strings.TrimSpace(part.Ref); ref != "" {
						content = append(content, oresponses.ResponseInputContentUnionParam{
							OfInputImage: &oresponses.ResponseInputImageParam{
								Detail:   oresponses.ResponseInputImageDetailAuto,
								ImageURL: openai.String(ref),
							},
						})
					}
				}
			}
			if len(content) == 0 {
				continue
			}
			items = append(items, oresponses.ResponseInputItemParamOfMessage(content, oresponses.EasyInputMessageRoleUser))
		case chat.IsResponseMessage(msg):
			if txt := strings.TrimSpace(chat.DisplayText(msg)); txt != "" {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleAssistant))
			}
		default:
			// Error entries are a client-side rendering concern only.
		}
	}
	return items
}

type anthropicProvider struct {
	client anthropic.Client
	model  string
}

func (p *anthropicProvider) Respond(ctx context.Context, input []chat.Message) (chat.Message, error) {
	if p == nil {
		return chat.Message{}, errors.New("nil provider")
	}
	messages := buildAnthropicMessages(input)
	if len(messages) == 0 {
		return chat.Message{}, errors.New("empty input")
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: defaultMaxOutputTokens,
		Messages:  messages,
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return chat.Message{}, err
	}

	out := chat.Message{ID: msg.ID, Kind: chat.KindResponse}
	var texts []string
	for _, block := range msg.Content {
		tb, ok := block.AsAny().(anthropic.TextBlock)
		if !ok {
			continue
		}
		out.Output = append(out.Output, chat.OutputItem{
			Type:    "message",
			Content: []chat.OutputPart{{Type: "output_text", Text: tb.Text}},
		})
		if strings.TrimSpace(tb.Text) != "" {
			texts = append(texts, tb.Text)
		}
	}
	out.OutputText = strings.Join(texts, "\n")
	return out, nil
}

func buildAnthropicMessages(messages []chat.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch {
		case chat.IsInputMessage(msg):
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Content))
			for _, part := range msg.Content {
				switch part.Kind {
				case chat.PartText:
					if txt := strings.TrimSpace(part.Text); txt != "" {
						blocks = append(blocks, anthropic.NewTextBlock(txt))
					}
				case chat.PartImageRef:
					ref := strings.TrimSpace(part.Ref)
					if ref == "" {
						continue
					}
					if mediaType, b64, ok := splitDataURL(ref); ok {
						blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, b64))
						continue
					}
					if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
						blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: ref}))
					}
				}
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		case chat.IsResponseMessage(msg):
			if txt := strings.TrimSpace(chat.DisplayText(msg)); txt != "" {
				out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(txt)))
			}
		}
	}
	return out
}

// splitDataURL extracts the media type and base64 payload from a data URL.
func splitDataURL(uri string) (mediaType, b64 string, ok bool) {
	if !strings.HasPrefix(uri, "data:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(uri, "data:")
	meta, payload, found := strings.Cut(rest, ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		return "", "", false
	}
	mediaType = strings.TrimSuffix(meta, ";base64")
	if strings.TrimSpace(mediaType) == "" {
		mediaType = "image/png"
	}
	return mediaType, payload, true
}
