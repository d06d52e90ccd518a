package binding

import (
	"encoding/json"
	"fmt"
	"mime"
	"strings"

	"github.com/glimte/mmate-esb/contracts"
)

const (
	ContentTypeJSON   = "application/json"
	ContentTypeText   = "text/plain; charset=utf-8"
	ContentTypeXML    = "application/xml"
	ContentTypeBinary = "application/octet-stream"
)

// EncodeContent renders message content as a wire body and guesses its
// content type. Empty content yields an empty body.
func EncodeContent(msg *contracts.Message) ([]byte, string, error) {
	if msg == nil || msg.Content() == nil {
		return nil, "", nil
	}

	body, err := contracts.ContentAs[[]byte](msg)
	if err != nil {
		return nil, "", err
	}

	switch msg.Content().(type) {
	case string, error, fmt.Stringer:
		if json.Valid(body) {
			return body, ContentTypeJSON, nil
		}
		return body, ContentTypeText, nil
	case []byte, json.RawMessage:
		if json.Valid(body) {
			return body, ContentTypeJSON, nil
		}
		return body, ContentTypeBinary, nil
	default:
		return body, ContentTypeJSON, nil
	}
}

// DecodeContent turns a wire body into message content. JSON bodies must be
// well formed and stay raw bytes for the converters; text becomes a string.
func DecodeContent(body []byte, contentType string) (interface{}, error) {
	if len(body) == 0 {
		return nil, nil
	}

	mediaType := ""
	if contentType != "" {
		mt, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return nil, fmt.Errorf("invalid content type %q: %w", contentType, err)
		}
		mediaType = mt
	}

	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		if !json.Valid(body) {
			return nil, fmt.Errorf("malformed JSON body")
		}
		return body, nil
	case strings.HasPrefix(mediaType, "text/"),
		mediaType == "application/xml",
		strings.HasSuffix(mediaType, "+xml"):
		return string(body), nil
	default:
		return body, nil
	}
}
