package content

import (
	"encoding/base64"
	"strings"
	"unicode/utf8"

	"ghwiki/internal/apperr"
)

var lineBreaks = strings.NewReplacer("\n", "", "\r", "")

// decodeContent decodes the base64 payload of a blob or contents response.
// The API wraps base64 content at 60 columns.
func decodeContent(encoding, content string) ([]byte, error) {
	switch encoding {
	case "base64":
		data, err := base64.StdEncoding.DecodeString(lineBreaks.Replace(content))
		if err != nil {
			return nil, apperr.Validation("content", "invalid base64: %v", err)
		}
		return data, nil
	case "", "utf-8":
		return []byte(content), nil
	default:
		return nil, apperr.Validation("content", "unsupported encoding %q", encoding)
	}
}

func encodeContent(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func isText(data []byte) bool {
	return utf8.Valid(data)
}
