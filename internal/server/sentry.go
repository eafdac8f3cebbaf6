package server

import (
	"net/http"

	raven "github.com/getsentry/raven-go"
)

// Reporter receives errors that need operator attention
type Reporter interface {
	Report(err error, req *http.Request, tags map[string]string)
}

// SentryReporter forwards errors to Sentry
type SentryReporter struct {
	client *raven.Client
}

// NewSentryReporter creates a reporter for dsn tagged with release
func NewSentryReporter(dsn, release string) (*SentryReporter, error) {
	client, err := raven.New(dsn)
	if err != nil {
		return nil, err
	}
	client.SetRelease(release)
	return &SentryReporter{client: client}, nil
}

func (r *SentryReporter) Report(err error, req *http.Request, tags map[string]string) {
	if req != nil {
		r.client.CaptureError(err, tags, raven.NewHttp(req))
		return
	}
	r.client.CaptureError(err, tags)
}

// Close flushes pending events
func (r *SentryReporter) Close() {
	r.client.Wait()
	r.client.Close()
}

type nopReporter struct{}

func (nopReporter) Report(error, *http.Request, map[string]string) {}
