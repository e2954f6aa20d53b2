//go:build ruleguard

// Package gorules holds project lint rules for ruleguard (run via gocritic).
package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

// SharedHTTPClient flags requests made outside internal/httpclient. Image
// fetches must go through the shared client so that timeouts, the user agent
// and request metrics apply.
func SharedHTTPClient(m dsl.Matcher) {
	m.Match(
		`http.Get($*_)`,
		`http.Head($*_)`,
		`http.Post($*_)`,
		`http.DefaultClient.Do($*_)`,
	).
		Where(!m.File().PkgPath.Matches(`internal/httpclient$`) && !m.File().Name.Matches(`_test\.go$`)).
		Report("use the shared client from internal/httpclient instead of net/http defaults")
}

// CentralLogger flags the standard log package; modules log through
// internal/logger so output honors module levels and file routing.
func CentralLogger(m dsl.Matcher) {
	m.Match(
		`log.Printf($*_)`,
		`log.Println($*_)`,
		`log.Print($*_)`,
		`log.Fatalf($*_)`,
	).
		Where(m.File().Imports("log")).
		Report("use internal/logger instead of the standard log package")
}

// DecodeInPipeline keeps image decoding in imagepipeline, where decode
// failures are categorized and oversized images are scaled.
func DecodeInPipeline(m dsl.Matcher) {
	m.Match(`image.Decode($r)`).
		Where(!m.File().PkgPath.Matches(`internal/imagepipeline$`) &&
			!m.File().PkgPath.Matches(`internal/httpserver$`) &&
			!m.File().Name.Matches(`_test\.go$`)).
		Report("decode images through imagepipeline so failures are categorized")
}

// WaitGroupGo suggests wg.Go over the manual Add/Done pattern.
func WaitGroupGo(m dsl.Matcher) {
	m.Match(`$wg.Add(1); go func() { defer $wg.Done(); $*body }()`).
		Where(m["wg"].Type.Is("*sync.WaitGroup") || m["wg"].Type.Is("sync.WaitGroup")).
		Report("use $wg.Go(func() { $body }) instead of manual Add/Done (Go 1.25+)").
		Suggest("$wg.Go(func() { $body })")
}
