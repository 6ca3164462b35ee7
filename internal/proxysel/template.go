// Package proxysel picks upstream SOCKS5 providers for suffix production and
// click simulation, enforcing a 24-hour exit-IP dedup window per campaign.
package proxysel

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"
)

var (
	randomToken  = regexp.MustCompile(`\{random:(\d+)\}`)
	sessionToken = regexp.MustCompile(`\{session:(\d+)\}`)
)

const randomAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// ExpandUsername substitutes placeholders in a provider username template.
// {COUNTRY} is replaced before {country}; uppercase first, so the lowercase
// pass cannot re-match inside an already substituted value. {random:N} yields
// N lowercase alphanumerics, {session:N} yields N digits.
func ExpandUsername(template, country string) string {
	out := strings.ReplaceAll(template, "{COUNTRY}", strings.ToUpper(country))
	out = strings.ReplaceAll(out, "{country}", strings.ToLower(country))

	out = randomToken.ReplaceAllStringFunc(out, func(m string) string {
		n := tokenWidth(randomToken, m)
		b := make([]byte, n)
		for i := range b {
			b[i] = randomAlphabet[rand.Intn(len(randomAlphabet))]
		}
		return string(b)
	})

	out = sessionToken.ReplaceAllStringFunc(out, func(m string) string {
		n := tokenWidth(sessionToken, m)
		b := make([]byte, n)
		for i := range b {
			b[i] = byte('0' + rand.Intn(10))
		}
		return string(b)
	})

	return out
}

func tokenWidth(re *regexp.Regexp, m string) int {
	sub := re.FindStringSubmatch(m)
	var n int
	fmt.Sscanf(sub[1], "%d", &n)
	if n <= 0 {
		n = 1
	}
	if n > 64 {
		n = 64
	}
	return n
}
