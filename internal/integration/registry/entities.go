package registry

import (
	"fmt"
)

type token struct {
	Token     string  `json:"token"`
	ExpiresIn float64 `json:"expires_in"`
}

type httpError struct {
	Code    int
	Message string
	Details any
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP Error: %d - %s", e.Code, e.Message)
}
