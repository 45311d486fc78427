package statsparser

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// PostStats is what the oracle reads off a public t.me post page.
type PostStats struct {
	MessageID int64     `json:"message_id"`
	URL       string    `json:"url"`
	Views     int64     `json:"views"`
	Exists    bool      `json:"exists"`
	FetchedAt time.Time `json:"fetched_at"`
}

type Parser struct {
	httpClient *http.Client
	log        *zap.Logger
	maxRetries int
}

func NewParser(timeoutMS, maxRetries int, log *zap.Logger) *Parser {
	return &Parser{
		httpClient: &http.Client{
			Timeout: time.Duration(timeoutMS) * time.Millisecond,
		},
		log:        log,
		maxRetries: maxRetries,
	}
}

// FetchPostStats fetches a single post's embed page and extracts its view
// counter. A 404 means the post was deleted; that is not an error, the
// caller scores it as zero delivery.
func (p *Parser) FetchPostStats(ctx context.Context, username string, messageID int64) (*PostStats, error) {
	url := fmt.Sprintf("https://t.me/%s/%d?embed=1", username, messageID)

	var doc *goquery.Document
	var lastErr error

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return &PostStats{MessageID: messageID, URL: url, Exists: false, FetchedAt: time.Now()}, nil
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastErr = fmt.Errorf("HTTP %d for %s", resp.StatusCode, url)
			time.Sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
			continue
		}

		doc, err = goquery.NewDocumentFromReader(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}

	if lastErr != nil {
		return nil, lastErr
	}

	stats := extractPostStats(doc, messageID)
	stats.URL = url
	stats.FetchedAt = time.Now()
	return stats, nil
}

// extractPostStats pulls the view counter out of a parsed embed page.
// Split out so it can be exercised against fixture HTML.
func extractPostStats(doc *goquery.Document, messageID int64) *PostStats {
	stats := &PostStats{MessageID: messageID}

	if doc.Find(".tgme_widget_message").Length() == 0 {
		// Deleted or private post renders an empty embed.
		return stats
	}
	stats.Exists = true

	doc.Find(".tgme_widget_message_views").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if n := parseCount(strings.TrimSpace(s.Text())); n > 0 {
			stats.Views = int64(n)
			return false
		}
		return true
	})

	return stats
}

var viewCountRE = regexp.MustCompile(`[\d,.]+[KkMm]?`)

func parseCount(text string) int {
	text = strings.ReplaceAll(text, " ", "")
	text = strings.ReplaceAll(text, ",", "")

	match := viewCountRE.FindString(text)
	if match == "" {
		return 0
	}

	multiplier := 1
	if strings.HasSuffix(match, "K") || strings.HasSuffix(match, "k") {
		multiplier = 1000
		match = match[:len(match)-1]
	} else if strings.HasSuffix(match, "M") || strings.HasSuffix(match, "m") {
		multiplier = 1000000
		match = match[:len(match)-1]
	}

	f, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0
	}
	return int(f * float64(multiplier))
}
