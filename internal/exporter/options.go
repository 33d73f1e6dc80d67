package exporter

import (
	"net/http"

	"lumen/internal/alerts"
	"lumen/internal/clock"
	"lumen/internal/storage"
)

// Option configures an Exporter
type Option func(*options)

type options struct {
	clock       clock.Clock
	httpClient  *http.Client
	reporter    alerts.Reporter
	contextTags map[string]string
	queue       storage.Queue
}

// WithClock replaces the clock used for retry backoff and offline storage
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithHTTPClient sets the client used to reach the ingestion endpoint
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithReporter replaces the default loss reporters
func WithReporter(r alerts.Reporter) Option {
	return func(o *options) { o.reporter = r }
}

// WithContextTags adds tags to every envelope, such as ai.cloud.roleInstance
func WithContextTags(tags map[string]string) Option {
	return func(o *options) { o.contextTags = tags }
}

// WithQueue uses q for offline storage instead of opening the configured directory
func WithQueue(q storage.Queue) Option {
	return func(o *options) { o.queue = q }
}
