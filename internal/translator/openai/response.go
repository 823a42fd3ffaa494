package openai

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MapFinishReason converts a Google finish reason to its OpenAI equivalent.
func MapFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "PROHIBITED_CONTENT", "RECITATION", "BLOCKLIST", "SPII":
		return "content_filter"
	case "":
		return ""
	default:
		return strings.ToLower(reason)
	}
}

// ConvertStreamChunk translates one Google streaming SSE chunk into an OpenAI
// chat.completion.chunk. A leading "data: " prefix is tolerated. It returns
// an empty string when the chunk carries nothing worth emitting.
func ConvertStreamChunk(rawChunk []byte, chatID string, modelName string, created int64) string {
	payload := strings.TrimSpace(string(rawChunk))
	payload = strings.TrimPrefix(payload, "data: ")
	if payload == "" || payload == "[DONE]" {
		return ""
	}

	root := gjson.Parse(payload)

	template := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`
	template, _ = sjson.Set(template, "id", chatID)
	template, _ = sjson.Set(template, "model", modelName)
	template, _ = sjson.Set(template, "created", created)

	// A prompt-level block produces a single terminal error banner.
	if blockReason := root.Get("promptFeedback.blockReason"); blockReason.Exists() {
		banner := fmt.Sprintf("[Request blocked by upstream: %s]", blockReason.String())
		template, _ = sjson.Set(template, "choices.0.delta.role", "assistant")
		template, _ = sjson.Set(template, "choices.0.delta.content", banner)
		template, _ = sjson.Set(template, "choices.0.finish_reason", "stop")
		return template
	}

	content, reasoning := collectParts(root.Get("candidates.0.content.parts"))
	finishReason := MapFinishReason(root.Get("candidates.0.finishReason").String())

	if content == "" && reasoning == "" && finishReason == "" {
		return ""
	}

	if content != "" || reasoning != "" {
		template, _ = sjson.Set(template, "choices.0.delta.role", "assistant")
		if content != "" {
			template, _ = sjson.Set(template, "choices.0.delta.content", content)
		}
		if reasoning != "" {
			template, _ = sjson.Set(template, "choices.0.delta.reasoning_content", reasoning)
		}
	}
	if finishReason != "" {
		template, _ = sjson.Set(template, "choices.0.finish_reason", finishReason)
	}
	return template
}

// ConvertNonStreamResponse translates a complete Google generateContent
// response into a single OpenAI chat.completion.
func ConvertNonStreamResponse(rawJSON []byte, chatID string, modelName string, created int64) string {
	root := gjson.ParseBytes(rawJSON)

	template := `{"id":"","object":"chat.completion","created":0,"model":"","choices":[{"index":0,"message":{"role":"assistant","content":"","reasoning_content":null},"finish_reason":null}]}`
	template, _ = sjson.Set(template, "id", chatID)
	template, _ = sjson.Set(template, "model", modelName)
	template, _ = sjson.Set(template, "created", created)

	if blockReason := root.Get("promptFeedback.blockReason"); blockReason.Exists() {
		banner := fmt.Sprintf("[Request blocked by upstream: %s]", blockReason.String())
		template, _ = sjson.Set(template, "choices.0.message.content", banner)
		template, _ = sjson.Set(template, "choices.0.finish_reason", "stop")
		return template
	}

	content, reasoning := collectParts(root.Get("candidates.0.content.parts"))
	template, _ = sjson.Set(template, "choices.0.message.content", content)
	if reasoning != "" {
		template, _ = sjson.Set(template, "choices.0.message.reasoning_content", reasoning)
	}
	if finishReason := MapFinishReason(root.Get("candidates.0.finishReason").String()); finishReason != "" {
		template, _ = sjson.Set(template, "choices.0.finish_reason", finishReason)
	}

	if usage := root.Get("usageMetadata"); usage.Exists() {
		template, _ = sjson.Set(template, "usage.prompt_tokens", usage.Get("promptTokenCount").Int())
		template, _ = sjson.Set(template, "usage.completion_tokens", usage.Get("candidatesTokenCount").Int())
		template, _ = sjson.Set(template, "usage.total_tokens", usage.Get("totalTokenCount").Int())
	}

	return template
}

// collectParts walks Google response parts and splits them into visible
// content and reasoning text. Inline image data becomes a Markdown image.
func collectParts(partsResult gjson.Result) (string, string) {
	var content, reasoning strings.Builder
	if !partsResult.IsArray() {
		return "", ""
	}
	for _, partResult := range partsResult.Array() {
		if inlineData := partResult.Get("inlineData"); inlineData.Exists() {
			content.WriteString(fmt.Sprintf("![Generated Image](data:%s;base64,%s)",
				inlineData.Get("mimeType").String(), inlineData.Get("data").String()))
			continue
		}
		textResult := partResult.Get("text")
		if !textResult.Exists() {
			continue
		}
		if partResult.Get("thought").Bool() {
			reasoning.WriteString(textResult.String())
		} else {
			content.WriteString(textResult.String())
		}
	}
	return content.String(), reasoning.String()
}

// ConvertModelList translates a Google models listing into the OpenAI list
// shape. The "models/" name prefix is stripped to produce the model id.
func ConvertModelList(rawJSON []byte) string {
	out := `{"object":"list","data":[]}`
	modelsResult := gjson.GetBytes(rawJSON, "models")
	if !modelsResult.IsArray() {
		return out
	}
	for _, modelResult := range modelsResult.Array() {
		id := strings.TrimPrefix(modelResult.Get("name").String(), "models/")
		if id == "" {
			continue
		}
		entry := `{"id":"","object":"model","owned_by":"google"}`
		entry, _ = sjson.Set(entry, "id", id)
		if displayName := modelResult.Get("displayName"); displayName.Exists() {
			entry, _ = sjson.Set(entry, "display_name", displayName.String())
		}
		out, _ = sjson.SetRaw(out, "data.-1", entry)
	}
	return out
}
