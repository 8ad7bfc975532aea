package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ProblemDetail is an RFC 7807 error body.
type ProblemDetail struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func writeProblem(w http.ResponseWriter, status int, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("about:blank#%d", status),
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}
