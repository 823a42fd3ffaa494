// Package openai translates between the OpenAI Chat Completions API and the
// Google Generative Language API. Requests are rebuilt field by field rather
// than fully modeled; only the parts the gateway inspects are touched and the
// rest of the payload is carried as raw JSON.
package openai

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// safetySettings relaxes the four standard harm categories. The gateway
// always attaches these so upstream defaults cannot silently truncate.
const safetySettings = `[` +
	`{"category":"HARM_CATEGORY_HARASSMENT","threshold":"BLOCK_NONE"},` +
	`{"category":"HARM_CATEGORY_HATE_SPEECH","threshold":"BLOCK_NONE"},` +
	`{"category":"HARM_CATEGORY_SEXUALLY_EXPLICIT","threshold":"BLOCK_NONE"},` +
	`{"category":"HARM_CATEGORY_DANGEROUS_CONTENT","threshold":"BLOCK_NONE"}]`

// ConvertChatRequest translates an OpenAI chat completions request body to a
// Google generateContent body. It returns the model name, whether the client
// requested streaming, and the translated body.
func ConvertChatRequest(rawJSON []byte, includeThoughts bool) (string, bool, []byte) {
	root := gjson.ParseBytes(rawJSON)

	modelName := "gemini-1.5-pro-latest"
	if model := root.Get("model"); model.Type == gjson.String && model.String() != "" {
		modelName = model.String()
	}
	stream := root.Get("stream").Bool()

	out := `{"contents":[]}`

	// Partition messages: system prompts merge into systemInstruction, the
	// rest become alternating user/model contents.
	systemTexts := make([]string, 0)
	messagesResult := root.Get("messages")
	if messagesResult.IsArray() {
		for _, messageResult := range messagesResult.Array() {
			roleResult := messageResult.Get("role")
			contentResult := messageResult.Get("content")
			if roleResult.Type != gjson.String {
				continue
			}

			switch roleResult.String() {
			case "system":
				if contentResult.Type == gjson.String {
					systemTexts = append(systemTexts, contentResult.String())
				} else if contentResult.IsArray() {
					for _, item := range contentResult.Array() {
						if item.Get("type").String() == "text" {
							systemTexts = append(systemTexts, item.Get("text").String())
						}
					}
				}
			case "user", "assistant":
				role := "user"
				if roleResult.String() == "assistant" {
					role = "model"
				}
				content := `{"role":"","parts":[]}`
				content, _ = sjson.Set(content, "role", role)
				content = appendMessageParts(content, contentResult)
				if gjson.Get(content, "parts.#").Int() > 0 {
					out, _ = sjson.SetRaw(out, "contents.-1", content)
				}
			}
		}
	}

	if len(systemTexts) > 0 {
		out, _ = sjson.Set(out, "systemInstruction.parts.0.text", strings.Join(systemTexts, "\n"))
	}

	// Generation config carries the sampling parameters the OpenAI request
	// declared, under their Google names.
	if temperature := root.Get("temperature"); temperature.Exists() {
		out, _ = sjson.Set(out, "generationConfig.temperature", temperature.Float())
	}
	if topP := root.Get("top_p"); topP.Exists() {
		out, _ = sjson.Set(out, "generationConfig.topP", topP.Float())
	}
	if topK := root.Get("top_k"); topK.Exists() {
		out, _ = sjson.Set(out, "generationConfig.topK", topK.Int())
	}
	if maxTokens := root.Get("max_tokens"); maxTokens.Exists() {
		out, _ = sjson.Set(out, "generationConfig.maxOutputTokens", maxTokens.Int())
	}
	if stop := root.Get("stop"); stop.Exists() {
		if stop.IsArray() {
			out, _ = sjson.SetRaw(out, "generationConfig.stopSequences", stop.Raw)
		} else if stop.Type == gjson.String {
			out, _ = sjson.Set(out, "generationConfig.stopSequences.0", stop.String())
		}
	}
	if includeThoughts {
		out, _ = sjson.Set(out, "generationConfig.thinkingConfig.includeThoughts", true)
	}

	out, _ = sjson.SetRaw(out, "safetySettings", safetySettings)

	return modelName, stream, []byte(out)
}

// appendMessageParts translates one OpenAI message content value into Google
// parts appended to the given content object.
func appendMessageParts(content string, contentResult gjson.Result) string {
	if contentResult.Type == gjson.String {
		content, _ = sjson.Set(content, "parts.-1", map[string]any{"text": contentResult.String()})
		return content
	}
	if !contentResult.IsArray() {
		return content
	}

	for _, item := range contentResult.Array() {
		switch item.Get("type").String() {
		case "text":
			content, _ = sjson.Set(content, "parts.-1", map[string]any{"text": item.Get("text").String()})
		case "image_url":
			// Only data URIs can cross the browser boundary.
			mimeType, data, ok := parseDataURI(item.Get("image_url.url").String())
			if ok {
				content, _ = sjson.Set(content, "parts.-1", map[string]any{
					"inlineData": map[string]any{"mimeType": mimeType, "data": data},
				})
			}
		}
	}
	return content
}

// parseDataURI splits a "data:<mime>;base64,<data>" URI.
func parseDataURI(uri string) (string, string, bool) {
	if !strings.HasPrefix(uri, "data:") {
		return "", "", false
	}
	rest := uri[len("data:"):]
	mimeAndData := strings.SplitN(rest, ";", 2)
	if len(mimeAndData) != 2 || !strings.HasPrefix(mimeAndData[1], "base64,") {
		return "", "", false
	}
	return mimeAndData[0], mimeAndData[1][len("base64,"):], true
}
