package utils

import (
	"net/http"
	"strings"
)

// ResponseData is the envelope every HTTP handler answers with.
type ResponseData struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Results any    `json:"results,omitempty"`
}

// PanicIfNeeded re-raises an error so the recovery middleware can render it.
func PanicIfNeeded(err any) {
	if err != nil {
		panic(err)
	}
}

// StatusCode turns an HTTP status into the upper-case code used in
// ResponseData, e.g. 404 -> "NOT_FOUND".
func StatusCode(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(strings.ReplaceAll(text, " ", "_"))
}
