package endpoint

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

type headerProcessor struct {
	Key   string
	Value string
}

func (hp headerProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	w.Header().Set(hp.Key, hp.Value)
	return next(w, r)
}

func TestHandler_ProcessorsThenRenderer(t *testing.T) {
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return &StringRenderer{Body: "ok"}, nil
	}, headerProcessor{Key: "X-Test", Value: "1"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := rec.Header().Get("X-Test"); got != "1" {
		t.Fatalf("expected X-Test header %q, got %q", "1", got)
	}
	if got := rec.Body.String(); got != "ok" {
		t.Fatalf("expected body %q, got %q", "ok", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/plain; charset=utf-8" {
		t.Fatalf("unexpected content type %q", got)
	}
}

func TestHandler_ParamBinding(t *testing.T) {
	type params struct {
		Code  string `query:"code"`
		State string `query:"state"`
		Name  string `form:""`
		Skip  string `query:"-"`
		Count int    `query:"n"`
	}
	var got params
	h := HandleFunc(func(_ http.ResponseWriter, _ *http.Request, p params) (Renderer, error) {
		got = p
		return &NoContentRenderer{}, nil
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/?code=c1&state=s1&name=bob&Skip=x&n=7", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	want := params{Code: "c1", State: "s1", Name: "bob", Count: 7}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestHandler_ParamBinding_BadInteger(t *testing.T) {
	h := HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct {
		N int `query:"n"`
	}) (Renderer, error) {
		return &NoContentRenderer{}, nil
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/?n=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_ParamBinding_MaxLength(t *testing.T) {
	h := HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct {
		Code string `query:"code" maxLength:"4"`
	}) (Renderer, error) {
		return &NoContentRenderer{}, nil
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/?code=toolong", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/?code=ok", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestHandler_ParamBinding_PathAndCookie(t *testing.T) {
	type params struct {
		ID  string `path:"id"`
		Sid string `cookie:"sid"`
	}
	var got params
	mux := http.NewServeMux()
	mux.Handle("GET /items/{id}", Handler(func(_ http.ResponseWriter, _ *http.Request, p params) (Renderer, error) {
		got = p
		return &NoContentRenderer{}, nil
	}))

	req := httptest.NewRequest(http.MethodGet, "/items/42", nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: "abc"})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if got.ID != "42" || got.Sid != "abc" {
		t.Fatalf("unexpected params %+v", got)
	}
}

func TestHandler_EndpointError_MessageOnly(t *testing.T) {
	h := HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, Error(http.StatusBadRequest, "access_denied", errors.New("internal detail"))
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "access_denied") {
		t.Fatalf("expected message in body, got %q", body)
	}
	if strings.Contains(body, "internal detail") {
		t.Fatalf("cause must not reach the client, got %q", body)
	}
}

func TestHandler_PlainError_Is500AndLogged(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return nil, errors.New("db password is hunter2")
	})
	h.Log = logger

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "hunter2") {
		t.Fatalf("error text leaked to client: %q", rec.Body.String())
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.ErrorLevel {
		t.Fatalf("expected error log entry, got %+v", entry)
	}
	if entry.Data["path"] != "/x" {
		t.Fatalf("expected path field, got %v", entry.Data)
	}
}

func TestError_DoesNotDoubleWrap(t *testing.T) {
	inner := Error(http.StatusBadRequest, "bad", nil)
	outer := Error(http.StatusInternalServerError, "oops", inner)
	var ee *EndpointError
	if !errors.As(outer, &ee) || ee.Status != http.StatusBadRequest {
		t.Fatalf("expected inner error to be kept, got %v", outer)
	}
}

func TestHandler_DeferAndCommit_ExecutionOrder(t *testing.T) {
	var order []string

	p1 := ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		Defer(r.Context(), func(w http.ResponseWriter) {
			order = append(order, "p1-hook")
			w.Header().Set("X-P1", "val")
		})
		return next(w, r)
	})
	p2 := ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		Defer(r.Context(), func(w http.ResponseWriter) {
			order = append(order, "p2-hook")
		})
		return next(w, r)
	})

	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return RendererFunc(func(w http.ResponseWriter, r *http.Request) error {
			order = append(order, "renderer")
			w.WriteHeader(http.StatusOK)
			return nil
		}), nil
	}, p1, p2)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	want := []string{"p2-hook", "p1-hook", "renderer"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("order: got %v want %v", order, want)
	}
	if rec.Header().Get("X-P1") != "val" {
		t.Errorf("X-P1 header not set by hook")
	}
}

func TestHandler_DeferAndCommit_RunOnError(t *testing.T) {
	hookRan := false
	p := ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		Defer(r.Context(), func(w http.ResponseWriter) {
			hookRan = true
		})
		return Error(http.StatusUnauthorized, "", nil)
	})
	h := Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return &StringRenderer{Body: "ok"}, nil
	}, p)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
	if !hookRan {
		t.Errorf("expected deferred hook to run on error")
	}
}

func TestDefer_NoOpWithoutContext(t *testing.T) {
	Defer(context.Background(), func(w http.ResponseWriter) {})
	Commit(context.Background(), httptest.NewRecorder())
}

func TestRedirectRenderer_DefaultsTo302(t *testing.T) {
	h := HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return &RedirectRenderer{URL: "https://idp.example.com/authorize"}, nil
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://idp.example.com/authorize" {
		t.Fatalf("unexpected location %q", loc)
	}
}

func TestJSONRenderer(t *testing.T) {
	h := HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return &JSONRenderer{Value: map[string]string{"userId": "u<1>"}}, nil
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected content type %q", rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("expected no-store")
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"userId":"u<1>"}` {
		t.Fatalf("unexpected body %q", got)
	}
}

type closingRenderer struct {
	Renderer
	closed bool
}

func (cr *closingRenderer) Close() error {
	cr.closed = true
	return nil
}

func TestRendererClosedAfterRender(t *testing.T) {
	cr := &closingRenderer{Renderer: &StringRenderer{Body: "ok"}}
	h := HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (Renderer, error) {
		return cr, nil
	})
	h(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !cr.closed {
		t.Error("expected Close() to be called")
	}
}
