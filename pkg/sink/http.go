package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/NERVsystems/poiloader/pkg/core"
	"github.com/NERVsystems/poiloader/pkg/monitoring"
	"github.com/NERVsystems/poiloader/pkg/osm"
	"github.com/NERVsystems/poiloader/pkg/tracing"
)

const (
	// DefaultIndexName is the document index records are written to
	DefaultIndexName = "poi"

	// DefaultTimeout bounds one document write
	DefaultTimeout = 30 * time.Second
)

// HTTPSink writes each record as a JSON document to a document store that
// speaks the Elasticsearch document API: PUT <base>/<index>/_doc/<id>.
type HTTPSink struct {
	baseURL string
	index   string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPSink creates a sink for the store at baseURL. An empty index uses
// DefaultIndexName and a nil client uses a client with DefaultTimeout.
func NewHTTPSink(baseURL, index string, client *http.Client) *HTTPSink {
	if index == "" {
		index = DefaultIndexName
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTPSink{
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
		client:  client,
		logger:  slog.Default().With("component", "http_sink"),
	}
}

// SetLogger sets the logger for the sink
func (s *HTTPSink) SetLogger(logger *slog.Logger) {
	s.logger = logger.With("component", "http_sink")
}

// DocumentURL returns the URL rec is written to.
func (s *HTTPSink) DocumentURL(id string) string {
	return fmt.Sprintf("%s/%s/_doc/%s", s.baseURL, url.PathEscape(s.index), url.PathEscape(id))
}

// Index writes rec. 4xx answers are reported as SinkRejectionError, transport
// failures and 5xx answers as SinkConnectivityError.
func (s *HTTPSink) Index(ctx context.Context, rec osm.Record) error {
	if !rec.Location.Valid() {
		return &core.SinkRejectionError{RecordID: rec.ID, Reason: "invalid location"}
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return &core.SinkRejectionError{RecordID: rec.ID, Reason: "encode record", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.DocumentURL(rec.ID), bytes.NewReader(body))
	if err != nil {
		return &core.SinkConnectivityError{Sink: s.baseURL, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		monitoring.RecordExternalServiceRequest(tracing.ServiceIndex, "put_document", time.Since(start), false)
		if ctx.Err() != nil {
			return core.Cancelled("index", ctx.Err())
		}
		return &core.SinkConnectivityError{Sink: s.baseURL, Cause: err}
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	monitoring.RecordExternalServiceRequest(tracing.ServiceIndex, "put_document", time.Since(start), ok)
	if ok {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	cause := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		s.logger.Debug("document rejected", "id", rec.ID, "status", resp.StatusCode)
		return &core.SinkRejectionError{RecordID: rec.ID, Reason: http.StatusText(resp.StatusCode), Cause: cause}
	}
	return &core.SinkConnectivityError{Sink: s.baseURL, Cause: cause}
}
