package utils

import (
	pkgError "github.com/lucasvidela/chatburst/pkg/error"
)

// ResponseData is the JSON envelope every REST handler returns.
type ResponseData struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Results any    `json:"results,omitempty"`
}

// PanicIfNeeded panics on error so the recovery middleware can translate it
// into the proper HTTP response. Typed errors keep their status code; plain
// errors become 500s.
func PanicIfNeeded(err error) {
	if err == nil {
		return
	}
	if generic, ok := err.(pkgError.GenericError); ok {
		panic(generic)
	}
	panic(err)
}
