package openai

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestConvertStreamChunkText(t *testing.T) {
	chunk := []byte(`data: {"candidates":[{"content":{"parts":[{"text":"Hello"}]}}]}`)
	out := ConvertStreamChunk(chunk, "chat-1", "gemini-1.5-pro-latest", 1700000000)
	require.NotEmpty(t, out)

	root := gjson.Parse(out)
	require.Equal(t, "chat.completion.chunk", root.Get("object").String())
	require.Equal(t, "chat-1", root.Get("id").String())
	require.Equal(t, "Hello", root.Get("choices.0.delta.content").String())
	require.Equal(t, gjson.Null, root.Get("choices.0.finish_reason").Type)
}

func TestConvertStreamChunkReasoning(t *testing.T) {
	chunk := []byte(`{"candidates":[{"content":{"parts":[{"text":"thinking...","thought":true},{"text":"answer"}]}}]}`)
	out := ConvertStreamChunk(chunk, "chat-1", "m", 0)

	root := gjson.Parse(out)
	require.Equal(t, "thinking...", root.Get("choices.0.delta.reasoning_content").String())
	require.Equal(t, "answer", root.Get("choices.0.delta.content").String())
}

func TestConvertStreamChunkInlineImage(t *testing.T) {
	chunk := []byte(`{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"AAAA"}}]}}]}`)
	out := ConvertStreamChunk(chunk, "chat-1", "m", 0)

	content := gjson.Get(out, "choices.0.delta.content").String()
	require.Equal(t, "![Generated Image](data:image/png;base64,AAAA)", content)
}

func TestConvertStreamChunkFinishReason(t *testing.T) {
	chunk := []byte(`{"candidates":[{"content":{"parts":[{"text":"done"}]},"finishReason":"STOP"}]}`)
	out := ConvertStreamChunk(chunk, "chat-1", "m", 0)
	require.Equal(t, "stop", gjson.Get(out, "choices.0.finish_reason").String())
}

func TestConvertStreamChunkBlockReason(t *testing.T) {
	chunk := []byte(`{"promptFeedback":{"blockReason":"SAFETY"}}`)
	out := ConvertStreamChunk(chunk, "chat-1", "m", 0)

	root := gjson.Parse(out)
	require.Contains(t, root.Get("choices.0.delta.content").String(), "SAFETY")
	require.Equal(t, "stop", root.Get("choices.0.finish_reason").String())
}

func TestConvertStreamChunkEmpty(t *testing.T) {
	require.Empty(t, ConvertStreamChunk([]byte(`{"candidates":[{"content":{"parts":[]}}]}`), "c", "m", 0))
	require.Empty(t, ConvertStreamChunk([]byte(`data: [DONE]`), "c", "m", 0))
	require.Empty(t, ConvertStreamChunk([]byte(``), "c", "m", 0))
}

func TestMapFinishReason(t *testing.T) {
	require.Equal(t, "stop", MapFinishReason("STOP"))
	require.Equal(t, "length", MapFinishReason("MAX_TOKENS"))
	require.Equal(t, "content_filter", MapFinishReason("SAFETY"))
	require.Equal(t, "content_filter", MapFinishReason("PROHIBITED_CONTENT"))
	require.Equal(t, "other", MapFinishReason("OTHER"))
	require.Equal(t, "", MapFinishReason(""))
}

func TestConvertNonStreamResponse(t *testing.T) {
	rawJSON := []byte(`{
		"candidates": [{
			"content": {"parts": [{"text": "part one "},{"text": "part two"},{"text":"hidden","thought":true}]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 5, "totalTokenCount": 15}
	}`)

	out := ConvertNonStreamResponse(rawJSON, "chat-2", "gemini-1.5-pro-latest", 1700000000)
	root := gjson.Parse(out)

	require.Equal(t, "chat.completion", root.Get("object").String())
	require.Equal(t, "part one part two", root.Get("choices.0.message.content").String())
	require.Equal(t, "hidden", root.Get("choices.0.message.reasoning_content").String())
	require.Equal(t, "stop", root.Get("choices.0.finish_reason").String())
	require.Equal(t, int64(10), root.Get("usage.prompt_tokens").Int())
	require.Equal(t, int64(15), root.Get("usage.total_tokens").Int())
}

func TestConvertNonStreamResponseNoReasoning(t *testing.T) {
	rawJSON := []byte(`{"candidates":[{"content":{"parts":[{"text":"plain"}]},"finishReason":"STOP"}]}`)
	out := ConvertNonStreamResponse(rawJSON, "c", "m", 0)
	require.Equal(t, gjson.Null, gjson.Get(out, "choices.0.message.reasoning_content").Type)
}

func TestConvertModelList(t *testing.T) {
	rawJSON := []byte(`{"models":[
		{"name":"models/gemini-1.5-pro-latest","displayName":"Gemini 1.5 Pro"},
		{"name":"models/gemini-1.5-flash"},
		{"name":""}
	]}`)

	out := ConvertModelList(rawJSON)
	root := gjson.Parse(out)

	require.Equal(t, "list", root.Get("object").String())
	data := root.Get("data").Array()
	require.Len(t, data, 2)
	require.Equal(t, "gemini-1.5-pro-latest", data[0].Get("id").String())
	require.Equal(t, "model", data[0].Get("object").String())
	require.Equal(t, "google", data[0].Get("owned_by").String())
	require.Equal(t, "Gemini 1.5 Pro", data[0].Get("display_name").String())
	require.Equal(t, "gemini-1.5-flash", data[1].Get("id").String())
}

func TestConvertModelListEmpty(t *testing.T) {
	out := ConvertModelList([]byte(`{}`))
	require.Equal(t, "list", gjson.Get(out, "object").String())
	require.Len(t, gjson.Get(out, "data").Array(), 0)
}

// Streaming and non-streaming translations agree on the visible text.
func TestStreamAndNonStreamAgreement(t *testing.T) {
	chunks := [][]byte{
		[]byte(`{"candidates":[{"content":{"parts":[{"text":"Hello, "}]}}]}`),
		[]byte(`{"candidates":[{"content":{"parts":[{"text":"world"}]}}]}`),
		[]byte(`{"candidates":[{"content":{"parts":[{"text":"!"}]},"finishReason":"STOP"}]}`),
	}
	full := []byte(`{"candidates":[{"content":{"parts":[{"text":"Hello, world!"}]},"finishReason":"STOP"}]}`)

	var streamed string
	for _, chunk := range chunks {
		out := ConvertStreamChunk(chunk, "c", "m", 0)
		if out != "" {
			streamed += gjson.Get(out, "choices.0.delta.content").String()
		}
	}

	nonStreamed := gjson.Get(ConvertNonStreamResponse(full, "c", "m", 0), "choices.0.message.content").String()
	require.Equal(t, nonStreamed, streamed)
}
