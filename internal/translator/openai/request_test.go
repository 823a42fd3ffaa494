package openai

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestConvertChatRequestBasic(t *testing.T) {
	rawJSON := []byte(`{
		"model": "gemini-1.5-pro-latest",
		"stream": true,
		"messages": [
			{"role": "system", "content": "You are terse."},
			{"role": "system", "content": "Answer in English."},
			{"role": "user", "content": "Hello"},
			{"role": "assistant", "content": "Hi there"},
			{"role": "user", "content": "Bye"}
		],
		"temperature": 0.5,
		"top_p": 0.9,
		"top_k": 40,
		"max_tokens": 256,
		"stop": ["END"]
	}`)

	modelName, stream, body := ConvertChatRequest(rawJSON, false)
	require.Equal(t, "gemini-1.5-pro-latest", modelName)
	require.True(t, stream)

	root := gjson.ParseBytes(body)
	require.Equal(t, "You are terse.\nAnswer in English.", root.Get("systemInstruction.parts.0.text").String())

	contents := root.Get("contents").Array()
	require.Len(t, contents, 3)
	require.Equal(t, "user", contents[0].Get("role").String())
	require.Equal(t, "Hello", contents[0].Get("parts.0.text").String())
	require.Equal(t, "model", contents[1].Get("role").String())
	require.Equal(t, "Hi there", contents[1].Get("parts.0.text").String())
	require.Equal(t, "user", contents[2].Get("role").String())

	require.Equal(t, 0.5, root.Get("generationConfig.temperature").Float())
	require.Equal(t, 0.9, root.Get("generationConfig.topP").Float())
	require.Equal(t, int64(40), root.Get("generationConfig.topK").Int())
	require.Equal(t, int64(256), root.Get("generationConfig.maxOutputTokens").Int())
	require.Equal(t, "END", root.Get("generationConfig.stopSequences.0").String())

	settings := root.Get("safetySettings").Array()
	require.Len(t, settings, 4)
	for _, setting := range settings {
		require.Equal(t, "BLOCK_NONE", setting.Get("threshold").String())
	}
}

func TestConvertChatRequestMultimodal(t *testing.T) {
	rawJSON := []byte(`{
		"model": "gemini-1.5-flash",
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "What is in this picture?"},
				{"type": "image_url", "image_url": {"url": "data:image/png;base64,iVBORw0KGgo="}}
			]}
		]
	}`)

	_, stream, body := ConvertChatRequest(rawJSON, false)
	require.False(t, stream)

	root := gjson.ParseBytes(body)
	parts := root.Get("contents.0.parts").Array()
	require.Len(t, parts, 2)
	require.Equal(t, "What is in this picture?", parts[0].Get("text").String())
	require.Equal(t, "image/png", parts[1].Get("inlineData.mimeType").String())
	require.Equal(t, "iVBORw0KGgo=", parts[1].Get("inlineData.data").String())
}

func TestConvertChatRequestNonDataURIImageSkipped(t *testing.T) {
	rawJSON := []byte(`{
		"messages": [
			{"role": "user", "content": [
				{"type": "image_url", "image_url": {"url": "https://example.com/cat.png"}},
				{"type": "text", "text": "hello"}
			]}
		]
	}`)

	_, _, body := ConvertChatRequest(rawJSON, false)
	parts := gjson.GetBytes(body, "contents.0.parts").Array()
	require.Len(t, parts, 1)
	require.Equal(t, "hello", parts[0].Get("text").String())
}

func TestConvertChatRequestStopString(t *testing.T) {
	rawJSON := []byte(`{"messages":[{"role":"user","content":"hi"}],"stop":"HALT"}`)
	_, _, body := ConvertChatRequest(rawJSON, false)
	require.Equal(t, "HALT", gjson.GetBytes(body, "generationConfig.stopSequences.0").String())
}

func TestConvertChatRequestThinkingConfig(t *testing.T) {
	rawJSON := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)

	_, _, body := ConvertChatRequest(rawJSON, true)
	require.True(t, gjson.GetBytes(body, "generationConfig.thinkingConfig.includeThoughts").Bool())

	_, _, body = ConvertChatRequest(rawJSON, false)
	require.False(t, gjson.GetBytes(body, "generationConfig.thinkingConfig").Exists())
}

func TestConvertChatRequestDefaultModel(t *testing.T) {
	modelName, _, _ := ConvertChatRequest([]byte(`{"messages":[]}`), false)
	require.Equal(t, "gemini-1.5-pro-latest", modelName)
}
