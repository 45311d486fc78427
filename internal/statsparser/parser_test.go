package statsparser

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
)

func TestParseCount(t *testing.T) {
	tests := []struct {
		input    string
		expected int
	}{
		{"1.2K", 1200},
		{"1.5M", 1500000},
		{"123", 123},
		{"12,345", 12345},
		{"1 234", 1234},
		{"5.6K views", 5600},
		{"100K", 100000},
		{"2.3M", 2300000},
		{"0", 0},
		{"", 0},
		{"no number", 0},
		{"42k", 42000},
		{"3.14k", 3140},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := parseCount(tt.input)
			if result != tt.expected {
				t.Errorf("parseCount(%q) = %d, want %d", tt.input, result, tt.expected)
			}
		})
	}
}

func TestExtractPostStats(t *testing.T) {
	tests := []struct {
		name       string
		html       string
		wantExists bool
		wantViews  int64
	}{
		{
			name: "post with views",
			html: `<div class="tgme_widget_message" data-post="chan/42">
				<span class="tgme_widget_message_views">12.5K</span>
			</div>`,
			wantExists: true,
			wantViews:  12500,
		},
		{
			name: "post without counter",
			html: `<div class="tgme_widget_message" data-post="chan/42">
				<div class="tgme_widget_message_text">hello</div>
			</div>`,
			wantExists: true,
			wantViews:  0,
		},
		{
			name:       "deleted post renders empty embed",
			html:       `<div class="tgme_widget_message_error">Post not found</div>`,
			wantExists: false,
			wantViews:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := goquery.NewDocumentFromReader(strings.NewReader(tt.html))
			if err != nil {
				t.Fatal(err)
			}
			stats := extractPostStats(doc, 42)
			if stats.Exists != tt.wantExists {
				t.Errorf("Exists = %v, want %v", stats.Exists, tt.wantExists)
			}
			if stats.Views != tt.wantViews {
				t.Errorf("Views = %d, want %d", stats.Views, tt.wantViews)
			}
			if stats.MessageID != 42 {
				t.Errorf("MessageID = %d, want 42", stats.MessageID)
			}
		})
	}
}
