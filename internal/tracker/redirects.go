package tracker

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// metaRefreshContent matches the url= part of a meta refresh content
// attribute, e.g. "0; url=/next" or "3;URL='https://x'".
var metaRefreshContent = regexp.MustCompile(`(?i)^\s*\d+(?:\.\d+)?\s*;\s*url\s*=\s*['"]?([^'">]+)`)

// metaRefreshFallback catches meta refresh tags the tokenizer misses, for
// example inside noscript or malformed markup.
var metaRefreshFallback = regexp.MustCompile(`(?i)<meta[^>]+http-equiv\s*=\s*['"]?refresh['"]?[^>]+content\s*=\s*['"]\s*\d+(?:\.\d+)?\s*;\s*url\s*=\s*([^'">]+)['"]`)

// jsPattern is one named JavaScript redirect shape. The first capture group
// of every expression is the destination URL.
type jsPattern struct {
	name string
	re   *regexp.Regexp
}

// jsRedirectPatterns covers the location-setting idioms observed in affiliate
// interstitial pages. Order matters loosely: direct assignments first, then
// wrapped and indirect forms.
var jsRedirectPatterns = []jsPattern{
	{"location_href_assign", regexp.MustCompile(`(?i)(?:window\.|document\.|top\.|self\.|parent\.)?location\.href\s*=\s*["']([^"']+)["']`)},
	{"location_assign_op", regexp.MustCompile(`(?i)(?:window\.|document\.|top\.|self\.|parent\.)?location\s*=\s*["']([^"']+)["']`)},
	{"location_replace", regexp.MustCompile(`(?i)(?:window\.|document\.|top\.|self\.|parent\.)?location\.replace\s*\(\s*["']([^"']+)["']\s*\)`)},
	{"location_assign_call", regexp.MustCompile(`(?i)(?:window\.|document\.|top\.|self\.|parent\.)?location\.assign\s*\(\s*["']([^"']+)["']\s*\)`)},
	{"window_location_href", regexp.MustCompile(`(?i)window\[["']location["']\]\.href\s*=\s*["']([^"']+)["']`)},
	{"location_bracket_href", regexp.MustCompile(`(?i)location\[["']href["']\]\s*=\s*["']([^"']+)["']`)},
	{"settimeout_href", regexp.MustCompile(`(?i)setTimeout\s*\(\s*(?:function\s*\(\s*\)\s*\{|\(\s*\)\s*=>\s*\{?)[^}]*?location(?:\.href)?\s*=\s*["']([^"']+)["']`)},
	{"settimeout_replace", regexp.MustCompile(`(?i)setTimeout\s*\(\s*(?:function\s*\(\s*\)\s*\{|\(\s*\)\s*=>\s*\{?)[^}]*?location\.replace\s*\(\s*["']([^"']+)["']\s*\)`)},
	{"settimeout_string_href", regexp.MustCompile(`(?i)setTimeout\s*\(\s*["'](?:window\.)?location(?:\.href)?\s*=\s*\\?["']([^"'\\]+)`)},
	{"window_open_self", regexp.MustCompile(`(?i)window\.open\s*\(\s*["']([^"']+)["']\s*,\s*["']_self["']`)},
	{"meta_refresh_js_write", regexp.MustCompile(`(?i)document\.write\s*\([^)]*?url=([^'">\\]+)['"\\]`)},
	{"href_var_then_location", regexp.MustCompile(`(?i)var\s+\w+\s*=\s*["'](https?://[^"']+)["']\s*;?\s*(?:window\.|document\.)?location(?:\.href)?\s*=\s*\w+`)},
	{"let_var_then_location", regexp.MustCompile(`(?i)(?:let|const)\s+\w+\s*=\s*["'](https?://[^"']+)["']\s*;?\s*(?:window\.|document\.)?location(?:\.href)?\s*=\s*\w+`)},
	{"top_location_href", regexp.MustCompile(`(?i)top\.location\.href\s*=\s*["']([^"']+)["']`)},
	{"parent_location_href", regexp.MustCompile(`(?i)parent\.location\.href\s*=\s*["']([^"']+)["']`)},
	{"document_location", regexp.MustCompile(`(?i)document\.location\s*=\s*["']([^"']+)["']`)},
	{"document_location_href", regexp.MustCompile(`(?i)document\.location\.href\s*=\s*["']([^"']+)["']`)},
	{"location_href_concat", regexp.MustCompile(`(?i)location\.href\s*=\s*["']([^"']+)["']\s*\+\s*["']["']`)},
	{"navigate_call", regexp.MustCompile(`(?i)(?:window\.)?navigate\s*\(\s*["']([^"']+)["']\s*\)`)},
	{"history_replacestate_go", regexp.MustCompile(`(?i)location\.replace\s*\(\s*decodeURIComponent\s*\(\s*["']([^"']+)["']`)},
	{"redirect_func_literal", regexp.MustCompile(`(?i)function\s+redirect\w*\s*\(\s*\)\s*\{\s*(?:window\.)?location(?:\.href)?\s*=\s*["']([^"']+)["']`)},
	{"onload_location", regexp.MustCompile(`(?i)(?:window\.onload|body\s+onload)\s*=\s*["']?(?:function\s*\(\s*\)\s*\{)?\s*(?:window\.)?location(?:\.href)?\s*=\s*\\?["']([^"'\\]+)`)},
	{"jquery_attr_location", regexp.MustCompile(`(?i)\$\(\s*location\s*\)\.attr\s*\(\s*["']href["']\s*,\s*["']([^"']+)["']`)},
	{"settimeout_ms_suffix", regexp.MustCompile(`(?i)location(?:\.href)?\s*=\s*["']([^"']+)["']\s*\}?\s*,\s*\d+\s*\)`)},
	{"replace_template_literal", regexp.MustCompile("(?i)location\\.replace\\s*\\(\\s*`([^`$]+)`\\s*\\)")},
}

// FindInPageRedirect scans an HTML body for a meta-refresh target, then for a
// JavaScript location change. Returns the resolved absolute URL and the
// redirect kind ("meta_refresh" or "js"), or ("", "") when the page has no
// usable in-page redirect.
func FindInPageRedirect(pageURL string, body []byte) (string, string) {
	if target := findMetaRefresh(body); target != "" {
		if resolved := resolveInPage(pageURL, target); resolved != "" {
			return resolved, "meta_refresh"
		}
	}
	text := string(body)
	for _, p := range jsRedirectPatterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if resolved := resolveInPage(pageURL, m[1]); resolved != "" {
			return resolved, "js"
		}
	}
	return "", ""
}

// findMetaRefresh walks the token stream looking for
// <meta http-equiv="refresh" content="N;url=...">.
func findMetaRefresh(body []byte) string {
	z := html.NewTokenizer(strings.NewReader(string(body)))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// Malformed markup: one regex pass over the raw bytes.
			if m := metaRefreshFallback.FindSubmatch(body); m != nil {
				return strings.TrimSpace(string(m[1]))
			}
			return ""
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "meta" || !hasAttr {
				continue
			}
			var httpEquiv, content string
			for {
				key, val, more := z.TagAttr()
				switch strings.ToLower(string(key)) {
				case "http-equiv":
					httpEquiv = strings.ToLower(string(val))
				case "content":
					content = string(val)
				}
				if !more {
					break
				}
			}
			if httpEquiv != "refresh" {
				continue
			}
			if m := metaRefreshContent.FindStringSubmatch(content); m != nil {
				return strings.TrimSpace(m[1])
			}
		}
	}
}

// resolveInPage resolves a candidate in-page redirect target and filters out
// non-navigational values and self-loops.
func resolveInPage(pageURL, target string) string {
	target = strings.TrimSpace(target)
	if target == "" || target == "#" {
		return ""
	}
	lower := strings.ToLower(target)
	for _, scheme := range []string{"javascript:", "mailto:", "tel:", "data:"} {
		if strings.HasPrefix(lower, scheme) {
			return ""
		}
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(target)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	out := resolved.String()
	if out == pageURL {
		return ""
	}
	return out
}
