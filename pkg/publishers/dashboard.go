package publishers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/samvad-hq/dashboard-publisher/pkg/restcall"
)

const maxSnippetLen = 512

// poster is the subset of restcall.Executor the dashboard sink uses.
type poster interface {
	PostWithCorrelation(ctx context.Context, url, jsonBody, correlationID string) restcall.CallResult
}

// dashboardPublisher submits builds to the dashboard API.
type dashboardPublisher struct {
	id   string
	url  string
	exec poster
	log  Logger
}

func newDashboardPublisher(_ context.Context, cfg PublisherConfig, deps Deps) (Publisher, error) {
	if cfg.Dashboard == nil {
		return nil, fmt.Errorf("publisher %q missing dashboard configuration", cfg.ID)
	}

	exec := restcall.New(deps.UseProxy,
		restcall.WithProxy(deps.Proxy),
		restcall.WithTimeout(deps.Timeout),
		restcall.WithAPIUser(deps.APIUser),
		restcall.WithLogger(deps.Log),
	)
	return &dashboardPublisher{
		id:   cfg.ID,
		url:  cfg.Dashboard.URL,
		exec: exec,
		log:  ensureLogger(deps.Log),
	}, nil
}

func (d *dashboardPublisher) ID() string   { return d.id }
func (d *dashboardPublisher) Type() string { return TypeDashboard }

// Publish posts the build, correlated by its ID. Any non-2xx result is an error,
// including the synthesized 400 of an unreachable dashboard.
func (d *dashboardPublisher) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt.Build)
	if err != nil {
		return fmt.Errorf("marshal build: %w", err)
	}

	res := d.exec.PostWithCorrelation(ctx, d.url, string(payload), evt.Build.ID)
	if !res.IsSuccess() {
		return fmt.Errorf("dashboard response status %d: %s", res.StatusCode, summarizeBody(res.Body))
	}
	d.log.DebugObj("dashboard accepted build", "publisher_dashboard_delivery", map[string]any{
		"publisher_id": d.id,
		"build_id":     evt.Build.ID,
		"status":       res.StatusCode,
	})
	return nil
}

// summarizeBody shortens a response body for error messages, reducing HTML
// error pages to their title and visible text.
func summarizeBody(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return "<empty>"
	}
	if looksLikeHTML(body) {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(body)); err == nil {
			title := strings.TrimSpace(doc.Find("title").First().Text())
			text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
			switch {
			case title != "" && text != "" && !strings.HasPrefix(text, title):
				body = title + ": " + text
			case text != "":
				body = text
			case title != "":
				body = title
			}
		}
	}
	return truncate(body, maxSnippetLen)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func looksLikeHTML(s string) bool {
	head := strings.ToLower(s)
	if len(head) > 256 {
		head = head[:256]
	}
	return strings.HasPrefix(head, "<!doctype html") || strings.Contains(head, "<html")
}
