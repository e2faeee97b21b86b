package spider

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Commander is implemented by spiders that delegate crawling to an external
// program.
type Commander interface {
	Command() []string
}

// ListSpider crawls a fixed list of start URLs and, when enabled, follows
// links found in HTML responses within the allowed domains.
type ListSpider struct {
	def Definition
}

// NewListSpider builds a spider from def. Args may override start_urls
// (comma separated) and max_depth.
func NewListSpider(def Definition, args Args) (*ListSpider, error) {
	if v, ok := args["start_urls"]; ok {
		def.StartURLs = splitList(v)
	}
	if v, ok := args["max_depth"]; ok {
		depth, err := strconv.Atoi(v)
		if err != nil || depth < 0 {
			return nil, fmt.Errorf("spider %s: invalid max_depth %q", def.Name, v)
		}
		def.MaxDepth = depth
	}

	if len(def.StartURLs) == 0 && len(def.Command) == 0 {
		return nil, fmt.Errorf("spider %s: no start_urls", def.Name)
	}
	for _, raw := range def.StartURLs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("spider %s: invalid start url %q", def.Name, raw)
		}
	}
	return &ListSpider{def: def}, nil
}

// Name implements Spider.
func (s *ListSpider) Name() string {
	return s.def.Name
}

// Command implements Commander.
func (s *ListSpider) Command() []string {
	return s.def.Command
}

// StartRequests implements Spider.
func (s *ListSpider) StartRequests() iter.Seq[*Request] {
	return func(yield func(*Request) bool) {
		for _, u := range s.def.StartURLs {
			if !yield(NewRequest(u)) {
				return
			}
		}
	}
}

// Parse implements Spider.
func (s *ListSpider) Parse(_ context.Context, resp *Response) ([]*Request, error) {
	if !s.def.FollowLinks || resp.Request == nil {
		return nil, nil
	}
	if s.def.MaxDepth > 0 && resp.Request.Depth >= s.def.MaxDepth {
		return nil, nil
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return nil, nil
	}

	base, err := url.Parse(resp.URL)
	if err != nil {
		return nil, fmt.Errorf("parse response url: %w", err)
	}

	var out []*Request
	for _, href := range extractLinks(resp.Body) {
		ref, err := url.Parse(href)
		if err != nil {
			continue
		}
		abs := base.ResolveReference(ref)
		abs.Fragment = ""
		if abs.Scheme != "http" && abs.Scheme != "https" {
			continue
		}
		if !s.allowed(abs.Hostname()) {
			continue
		}
		out = append(out, resp.Request.Follow(abs.String()))
	}
	return out, nil
}

func (s *ListSpider) allowed(host string) bool {
	if len(s.def.AllowedDomains) == 0 {
		return true
	}
	for _, d := range s.def.AllowedDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// extractLinks returns the href values of all anchors in body.
func extractLinks(body []byte) []string {
	var links []string
	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return links
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "a" || !hasAttr {
				continue
			}
			for {
				key, val, more := z.TagAttr()
				if string(key) == "href" && len(val) > 0 {
					links = append(links, string(val))
				}
				if !more {
					break
				}
			}
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
