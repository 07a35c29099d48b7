package handler

import (
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/comparisonguide/clicktrack/internal/metrics"
	"github.com/comparisonguide/clicktrack/internal/service"
)

// Navigation delays for the HTML documents, in milliseconds.
const (
	entryDelayMs   = 1
	refreshDelayMs = 100
)

// redirectPage navigates with a meta refresh and falls back to script.
// html/template escapes URL once per context, so the script receives a
// quoted string literal.
var redirectPage = template.Must(template.New("redirect").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="robots" content="noindex, nofollow">
<meta http-equiv="refresh" content="0; url={{.URL}}">
<title>Redirecting...</title>
</head>
<body>
<script>setTimeout(function () { window.location.href = {{.URL}}; }, {{.Delay}});</script>
</body>
</html>
`))

type redirectPageData struct {
	URL   string
	Delay int
}

// RedirectHandler serves the two-stage click redirect.
type RedirectHandler struct {
	svc     *service.ClickService
	metrics metrics.Recorder
	logger  *slog.Logger
}

// NewRedirectHandler creates a new RedirectHandler.
func NewRedirectHandler(svc *service.ClickService, recorder metrics.Recorder, logger *slog.Logger) *RedirectHandler {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &RedirectHandler{
		svc:     svc,
		metrics: recorder,
		logger:  logger.With("component", "redirect_handler"),
	}
}

// Entry handles GET /c. It records the click and sends the visitor to the
// intermediate page through an HTML document, so the entry URL becomes the
// referrer there.
func (h *RedirectHandler) Entry(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { h.metrics.ObserveRedirectDuration("entry", time.Since(start)) }()

	result := h.svc.Receive(r.Context(), service.EntryRequest{
		Query:        r.URL.Query(),
		UserAgent:    r.UserAgent(),
		Referrer:     r.Referer(),
		ForwardedFor: r.Header.Get("X-Forwarded-For"),
		RealIP:       r.Header.Get("X-Real-IP"),
	})

	h.renderPage(w, result.IntermediateURL, entryDelayMs)
}

// Intermediate handles GET /c/i. It never answers with an error: anything
// unexpected sends the visitor home.
func (h *RedirectHandler) Intermediate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { h.metrics.ObserveRedirectDuration("intermediate", time.Since(start)) }()
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("intermediate stage panic",
				"panic", rec,
				"request_id", r.Header.Get("X-Request-ID"),
			)
			h.metrics.IncClickSentHome()
			h.redirectHome(w, r)
		}
	}()

	q := r.URL.Query()
	result := h.svc.Forward(r.Context(), service.ForwardRequest{
		ClickID:    q.Get("clickId"),
		ProviderID: q.Get("provider"),
		Referrer:   r.Referer(),
	})

	switch result.Outcome {
	case service.OutcomeRedirect:
		setNoCacheHeaders(w)
		http.Redirect(w, r, result.URL, http.StatusTemporaryRedirect)
	case service.OutcomeRefresh:
		h.renderPage(w, result.URL, refreshDelayMs)
	default:
		h.logger.Info("click sent home",
			"click_id", q.Get("clickId"),
			"provider_id", q.Get("provider"),
			"reason", result.Reason,
		)
		h.redirectHome(w, r)
	}
}

func (h *RedirectHandler) renderPage(w http.ResponseWriter, target string, delayMs int) {
	setNoCacheHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := redirectPage.Execute(w, redirectPageData{URL: target, Delay: delayMs}); err != nil {
		h.logger.Error("render redirect page", "error", err)
	}
}

func (h *RedirectHandler) redirectHome(w http.ResponseWriter, r *http.Request) {
	setNoCacheHeaders(w)
	http.Redirect(w, r, service.HomePath, http.StatusTemporaryRedirect)
}

func setNoCacheHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Referrer-Policy", "no-referrer-when-downgrade")
	w.Header().Set("X-Robots-Tag", "noindex, nofollow")
}
