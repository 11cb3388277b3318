package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Encoder turns a follow-up message into bytes for an interactive agent's
// stdin. Implementations terminate the message with a newline.
type Encoder func(text string) []byte

// Input formats accepted by EncoderFor.
const (
	FormatStreamJSON = "stream-json"
	FormatText       = "text"
)

// EncoderFor returns the encoder for an input format.
func EncoderFor(format string) (Encoder, error) {
	switch format {
	case "", FormatStreamJSON:
		return EncodeUserMessage, nil
	case FormatText:
		return EncodeText, nil
	default:
		return nil, fmt.Errorf("unknown input format %q", format)
	}
}

type userMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string        `json:"role"`
		Content []textContent `json:"content"`
	} `json:"message"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// EncodeUserMessage encodes text as a stream-json user message line.
func EncodeUserMessage(text string) []byte {
	var m userMessage
	m.Type = "user"
	m.Message.Role = "user"
	m.Message.Content = []textContent{{Type: "text", Text: text}}
	data, _ := json.Marshal(m)
	return append(data, '\n')
}

// lineBreaks escapes line breaks so one message is exactly one line.
var lineBreaks = strings.NewReplacer("\r\n", `\n`, "\n", `\n`, "\r", `\n`)

// EncodeText writes text on a single line. Embedded line breaks become the
// two characters \n.
func EncodeText(text string) []byte {
	return []byte(lineBreaks.Replace(text) + "\n")
}
