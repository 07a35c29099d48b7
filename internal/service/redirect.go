package service

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/comparisonguide/clicktrack/internal/clickid"
	"github.com/comparisonguide/clicktrack/internal/content"
	"github.com/comparisonguide/clicktrack/internal/model"
	"github.com/comparisonguide/clicktrack/internal/tracking"
)

// Redirect paths.
const (
	EntryPath        = "/c"
	IntermediatePath = "/c/i"
	HomePath         = "/"

	// SourceZeropark tags traffic carrying Zeropark tokens.
	SourceZeropark = "zeropark"
	// SourceDirect tags traffic with no attribution at all.
	SourceDirect = "direct"

	unknownIP = "unknown"
)

// zeroparkTokens are the query parameters Zeropark substitutes into
// campaign URLs.
var zeroparkTokens = []string{
	"cid", "traffic_type", "visitor_type", "source", "target", "target_url",
	"creative_number", "geo", "campaign_id", "long_campaign_id", "campaign_name",
	"os", "carrier", "device_id", "browser", "city", "region", "keyword",
	"keyword_match", "visit_cost",
}

// zeroparkMarkers identify a Zeropark click.
var zeroparkMarkers = []string{"cid", "campaign_id", "traffic_type"}

// EntryRequest is an inbound click at the entry stage.
type EntryRequest struct {
	Query        url.Values
	UserAgent    string
	Referrer     string
	ForwardedFor string
	RealIP       string
}

// EntryResult tells the handler where to send the visitor next.
type EntryResult struct {
	ClickID         string
	ProviderID      string
	IntermediateURL string
}

// Receive records an inbound click and returns the intermediate URL. The
// write is dispatched, not awaited.
func (s *ClickService) Receive(ctx context.Context, req EntryRequest) *EntryResult {
	id := s.ids.Generate()
	providerID := req.Query.Get("provider")
	if providerID == "" {
		providerID = model.DefaultProviderID
	}

	source := ClassifySource(req.Query)
	click := &model.Click{
		ClickID:    id,
		Source:     source,
		ProviderID: providerID,
		Status:     model.ClickStatusReceived,
		IPAddress:  ptr(ClientIP(req.ForwardedFor, req.RealIP)),
		UserAgent:  ptr(req.UserAgent),
		Referrer:   ptr(req.Referrer),
		RequestURL: ptr(s.baseURL + EntryPath + "?" + req.Query.Encode()),
		Params:     BuildParams(req.Query, source),
	}
	s.dispatcher.Dispatch(tracking.NewCreateTask(click))
	s.metrics.IncClickReceived()

	s.logger.DebugContext(ctx, "click received",
		"click_id", id,
		"provider_id", providerID,
		"source", source,
	)

	q := url.Values{}
	q.Set("clickId", id)
	q.Set("provider", providerID)
	return &EntryResult{
		ClickID:         id,
		ProviderID:      providerID,
		IntermediateURL: IntermediatePath + "?" + q.Encode(),
	}
}

// Outcome is how the intermediate stage answers the visitor.
type Outcome int

const (
	// OutcomeHome sends the visitor to the home page with a 307.
	OutcomeHome Outcome = iota
	// OutcomeRedirect sends the visitor to the provider with a 307.
	OutcomeRedirect
	// OutcomeRefresh serves an HTML page that navigates to the provider, so
	// the intermediate page becomes the referrer.
	OutcomeRefresh
)

// ForwardRequest is a visitor arriving at the intermediate stage.
type ForwardRequest struct {
	ClickID    string
	ProviderID string
	Referrer   string
}

// ForwardResult carries the outcome and, unless sent home, the provider URL.
type ForwardResult struct {
	Outcome Outcome
	URL     string
	Reason  string
}

func home(reason string) *ForwardResult {
	return &ForwardResult{Outcome: OutcomeHome, URL: HomePath, Reason: reason}
}

// Forward resolves the provider link for a click. It never fails: every
// problem sends the visitor home.
func (s *ClickService) Forward(ctx context.Context, req ForwardRequest) *ForwardResult {
	if req.ClickID == "" || !clickid.Valid(req.ClickID) {
		s.metrics.IncClickSentHome()
		return home("missing or malformed click id")
	}
	providerID := req.ProviderID
	if providerID == "" {
		providerID = model.DefaultProviderID
	}

	provider, err := s.providers.ResolveProvider(ctx, providerID)
	if err != nil {
		s.metrics.IncClickSentHome()
		if errors.Is(err, content.ErrNotFound) {
			s.markFailed(req.ClickID, "provider not found: "+providerID)
			return home("provider not found")
		}
		// Upstream failures leave the click untouched so a reload can still forward it.
		s.logger.WarnContext(ctx, "provider lookup failed",
			"click_id", req.ClickID,
			"provider_id", providerID,
			"error", err,
		)
		return home("provider lookup failed")
	}

	target, ok := ProviderURL(provider.Link, req.ClickID)
	if !ok {
		s.metrics.IncClickSentHome()
		s.markFailed(req.ClickID, "provider has no usable link: "+providerID)
		return home("provider has no usable link")
	}

	now := s.now().UTC()
	forwarded := model.ClickStatusForwarded
	s.dispatcher.Dispatch(tracking.NewUpdateTask(req.ClickID, model.ClickUpdate{
		Status:      &forwarded,
		ProviderURL: &target,
		ForwardedAt: &now,
		Metadata:    map[string]any{"forwardedTimestamp": now.Format(time.RFC3339Nano)},
	}))

	if ReferrerFromEntry(req.Referrer) {
		s.metrics.IncClickForwarded("redirect")
		return &ForwardResult{Outcome: OutcomeRedirect, URL: target}
	}

	s.logger.DebugContext(ctx, "referrer not from entry page, serving refresh",
		"click_id", req.ClickID,
		"referrer", req.Referrer,
	)
	s.metrics.IncClickForwarded("refresh")
	return &ForwardResult{Outcome: OutcomeRefresh, URL: target}
}

func (s *ClickService) markFailed(clickID, reason string) {
	failed := model.ClickStatusFailed
	s.dispatcher.Dispatch(tracking.NewUpdateTask(clickID, model.ClickUpdate{
		Status:   &failed,
		Metadata: map[string]any{"error": reason},
	}))
}

// ClassifySource tags the traffic source. Zeropark tokens win, then
// utm_source, then a plain source parameter.
func ClassifySource(q url.Values) string {
	if isZeropark(q) {
		return SourceZeropark
	}
	if v := q.Get("utm_source"); v != "" {
		return v
	}
	if v := q.Get("source"); v != "" {
		return v
	}
	return SourceDirect
}

func isZeropark(q url.Values) bool {
	for _, k := range zeroparkMarkers {
		if q.Get(k) != "" {
			return true
		}
	}
	return false
}

// BuildParams keeps the first value of every query parameter and adds the
// derived attribution fields.
func BuildParams(q url.Values, source string) map[string]any {
	params := make(map[string]any, len(q)+3)
	for k, v := range q {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}

	tokens := make(map[string]any)
	for _, k := range zeroparkTokens {
		if v, ok := q[k]; ok && len(v) > 0 {
			tokens[k] = v[0]
		}
	}

	params["traffic_source"] = source
	params["is_zeropark"] = isZeropark(q)
	params["zeropark"] = tokens
	return params
}

// ClientIP returns the first X-Forwarded-For hop, else X-Real-IP.
func ClientIP(forwardedFor, realIP string) string {
	if forwardedFor != "" {
		first, _, _ := strings.Cut(forwardedFor, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(realIP); ip != "" {
		return ip
	}
	return unknownIP
}

// ProviderURL substitutes the click id into the first $subid token of link.
// Links that are empty or not absolute http(s) URLs are rejected.
func ProviderURL(link, clickID string) (string, bool) {
	link = strings.TrimSpace(link)
	if link == "" {
		return "", false
	}
	target := strings.Replace(link, model.ProviderLinkToken, clickID, 1)

	u, err := url.Parse(target)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	return target, true
}

// ReferrerFromEntry reports whether the referrer looks like the entry page.
// It is a substring test and easy to satisfy; it only picks the redirect
// mechanism.
func ReferrerFromEntry(referrer string) bool {
	return strings.Contains(referrer, EntryPath)
}

func ptr(s string) *string {
	return &s
}
