package endpoint

import (
	"encoding/json"
	"net/http"
)

// StringRenderer writes Body with Status (default 200). ContentType
// defaults to "text/plain; charset=utf-8".
type StringRenderer struct {
	Status      int
	Body        string
	ContentType string
}

// Render implements Renderer.
func (sr *StringRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	if w.Header().Get("Content-Type") == "" {
		ct := sr.ContentType
		if ct == "" {
			ct = "text/plain; charset=utf-8"
		}
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(statusOr(sr.Status, http.StatusOK))
	if sr.Body == "" {
		return nil
	}
	_, err := w.Write([]byte(sr.Body))
	return err
}

// NoContentRenderer writes Status (default 204) with no body.
type NoContentRenderer struct {
	Status int
}

// Render implements Renderer.
func (nr *NoContentRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(statusOr(nr.Status, http.StatusNoContent))
	return nil
}

// RedirectRenderer redirects the client to URL with Status (default 302).
type RedirectRenderer struct {
	URL    string
	Status int
}

// Render implements Renderer.
func (rr *RedirectRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	http.Redirect(w, r, rr.URL, statusOr(rr.Status, http.StatusFound))
	return nil
}

// JSONRenderer writes Value as JSON with Status (default 200).
type JSONRenderer struct {
	Status int
	Value  any
}

// Render implements Renderer.
func (jr *JSONRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusOr(jr.Status, http.StatusOK))
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(jr.Value)
}

func statusOr(status, def int) int {
	if status == 0 {
		return def
	}
	return status
}
