package stream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const assistantLine = `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hello"},{"type":"tool_use","name":"Edit","input":{"file_path":"internal/auth/login.go"}}]}}`

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantOK   bool
		wantType EventType
		wantText string
	}{
		{"assistant content blocks", assistantLine, true, EventAssistant, "hello"},
		{"assistant string message", `{"type":"assistant","message":"plain"}`, true, EventAssistant, "plain"},
		{"result", `{"type":"result","result":"all done","usage":{"input_tokens":10,"output_tokens":5}}`, true, EventResult, "all done"},
		{"system", `{"type":"system","subtype":"init"}`, true, EventSystem, ""},
		{"plain text", "Compiling...", false, "", ""},
		{"json without type", `{"foo":1}`, false, "", ""},
		{"broken json", `{"type":`, false, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := Parse(tt.line)
			assert.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantType, ev.Type)
			assert.Equal(t, tt.wantText, ev.Text)
		})
	}
}

func TestParse_ToolActionAndUsage(t *testing.T) {
	ev, ok := Parse(assistantLine)
	require.True(t, ok)
	assert.Equal(t, "Editing internal/auth/login.go", ev.ToolAction)

	ev, ok = Parse(`{"type":"result","result":"x","usage":{"input_tokens":100,"output_tokens":20,"cache_read_input_tokens":80}}`)
	require.True(t, ok)
	require.NotNil(t, ev.Usage)
	assert.Equal(t, int64(120), ev.Usage.Total())
	assert.Equal(t, int64(80), ev.Usage.CacheReadTokens)
}

func TestText(t *testing.T) {
	assert.Equal(t, "hello", Text(assistantLine))
	assert.Equal(t, "", Text(`{"type":"result","result":"dup"}`))
	assert.Equal(t, "raw line", Text("raw line"))
	assert.Equal(t, `{"type":"task_complete","taskId":"t1"}`, Text(`{"type":"task_complete","taskId":"t1"}`))
}

func TestPlainText(t *testing.T) {
	output := assistantLine + "\n" +
		`{"type":"assistant","message":{"content":[{"type":"text","text":"second"}]}}` + "\n" +
		`{"type":"result","result":"final"}` + "\n"
	assert.Equal(t, "hello\nsecond", PlainText(output))

	assert.Equal(t, "final", PlainText(`{"type":"result","result":"final"}`))
	assert.Equal(t, "line one\nline two", PlainText("line one\n\nline two\n"))
}

func TestUsageOf(t *testing.T) {
	_, ok := UsageOf("no usage here")
	assert.False(t, ok)

	u, ok := UsageOf(`{"type":"result","result":"x","usage":{"input_tokens":7,"output_tokens":3}}`)
	require.True(t, ok)
	assert.Equal(t, int64(10), u.Total())
}

func TestEncoders(t *testing.T) {
	line := EncodeUserMessage("next task")
	require.Equal(t, byte('\n'), line[len(line)-1])

	var m userMessage
	require.NoError(t, json.Unmarshal(line, &m))
	assert.Equal(t, "user", m.Type)
	assert.Equal(t, "next task", m.Message.Content[0].Text)

	assert.Equal(t, []byte("hi\n"), EncodeText("hi"))
	assert.Equal(t, []byte(`line one\nline two\nthree`+"\n"), EncodeText("line one\nline two\r\nthree"))

	enc, err := EncoderFor("text")
	require.NoError(t, err)
	assert.Equal(t, []byte("x\n"), enc("x"))

	_, err = EncoderFor("xml")
	assert.Error(t, err)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "short", Tail("short", 10))
	assert.Equal(t, "world", Tail("hello world", 5))
	assert.Equal(t, "anything", Tail("anything", 0))
	// Never split a multi-byte rune.
	assert.Equal(t, "é", Tail("aé", 2))
	assert.Equal(t, "", Tail("aé", 1))
}
