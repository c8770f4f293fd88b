// Package participants finds the email addresses of meeting participants in
// raw calendar-invite messages.
package participants

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/edeng23/beyond-meet/backend/internal/state"
	"github.com/edeng23/beyond-meet/backend/pkg/logger"
)

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// Extractor scans message bodies for participant addresses
type Extractor struct {
	ignoredEmails  map[string]struct{}
	ignoredDomains []string
	logger         *zap.Logger
}

// NewExtractor creates an extractor. ignoredDomains are matched as substrings
// of the full address, so "@google.com" also drops "x@google.com.au".
func NewExtractor(ignoredEmails, ignoredDomains []string) *Extractor {
	e := &Extractor{
		ignoredEmails: make(map[string]struct{}, len(ignoredEmails)),
		logger:        logger.Named("participants"),
	}
	for _, addr := range ignoredEmails {
		if addr = state.NormalizeEmail(addr); addr != "" {
			e.ignoredEmails[addr] = struct{}{}
		}
	}
	for _, domain := range ignoredDomains {
		if domain = strings.ToLower(strings.TrimSpace(domain)); domain != "" {
			e.ignoredDomains = append(e.ignoredDomains, domain)
		}
	}
	return e
}

// Extract returns the sorted, de-duplicated participant addresses found in
// every leaf part of msg, excluding self and ignored addresses. A part that
// cannot be decoded is logged and skipped.
func (e *Extractor) Extract(msg *Message, self string) []string {
	self = state.NormalizeEmail(self)
	found := make(map[string]struct{})

	for i, part := range msg.Parts {
		text, err := partText(part)
		if err != nil {
			e.logger.Debug("Skipping undecodable part",
				zap.Int("part", i),
				zap.String("content_type", part.ContentType),
				zap.Error(err),
			)
			continue
		}
		for _, match := range emailPattern.FindAllString(text, -1) {
			addr := state.NormalizeEmail(match)
			if e.ignored(addr, self) {
				continue
			}
			found[addr] = struct{}{}
		}
	}

	out := make([]string, 0, len(found))
	for addr := range found {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func (e *Extractor) ignored(addr, self string) bool {
	if addr == self {
		return true
	}
	if _, ok := e.ignoredEmails[addr]; ok {
		return true
	}
	for _, domain := range e.ignoredDomains {
		if strings.Contains(addr, domain) {
			return true
		}
	}
	return false
}

// partText returns the searchable text of a part. HTML is reduced to its
// visible text plus mailto targets.
func partText(part Part) (string, error) {
	if len(part.Content) == 0 {
		return "", nil
	}
	if !utf8.Valid(part.Content) {
		return "", fmt.Errorf("body is not valid UTF-8")
	}
	if part.ContentType != "text/html" {
		return string(part.Content), nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(part.Content))
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}
	var b strings.Builder
	b.WriteString(doc.Text())
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if target, ok := strings.CutPrefix(strings.TrimSpace(href), "mailto:"); ok {
			b.WriteByte(' ')
			b.WriteString(target)
		}
	})
	return b.String(), nil
}
