package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"mes-execution-backend/config"
	"mes-execution-backend/internal/apperr"
)

// pageResponse is the envelope returned by polled upstream systems.
type pageResponse struct {
	Code int `json:"code"`
	Data struct {
		Page     int               `json:"page"`
		PageSize int               `json:"pageSize"`
		Total    int               `json:"total"`
		Items    []json.RawMessage `json:"items"`
	} `json:"data"`
}

// PollResult counts the outcome of one poll of a source.
type PollResult struct {
	Fetched    int `json:"fetched"`
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
}

// Poller pulls pages of payloads from one upstream source and ingests each.
type Poller struct {
	src    config.IngestSource
	svc    *Service
	client *http.Client
	logger *slog.Logger
}

// NewPoller creates a poller for src. An invalid proxy URL is logged and ignored.
func NewPoller(src config.IngestSource, svc *Service, logger *slog.Logger) *Poller {
	logger = logger.With("component", "ingest-poller", "source", src.Name)
	var transport http.RoundTripper = &http.Transport{}
	if src.HTTPProxy != "" {
		proxyURL, err := url.Parse(src.HTTPProxy)
		if err != nil {
			logger.Warn("invalid proxy url, polling without proxy", "proxy", src.HTTPProxy, "error", err)
		} else {
			transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}
	if src.PageSize <= 0 {
		src.PageSize = 100
	}
	if src.Interval <= 0 {
		src.Interval = time.Minute
	}
	return &Poller{
		src:    src,
		svc:    svc,
		client: &http.Client{Transport: transport, Timeout: 30 * time.Second},
		logger: logger,
	}
}

// Source is the name of the polled source.
func (p *Poller) Source() string { return p.src.Name }

// Run polls once immediately and then on every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	if !p.src.Enabled || p.src.URL == "" {
		p.logger.Info("ingest poller disabled")
		return
	}
	p.logger.Info("ingest poller started", "interval", p.src.Interval)
	p.poll(ctx)

	timer := time.NewTimer(p.src.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("ingest poller stopped")
			return
		case <-timer.C:
			p.poll(ctx)
			timer.Reset(p.src.Interval)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	res, err := p.PollOnce(ctx)
	if err != nil {
		p.logger.Error("ingest poll failed", "error", err, "fetched", res.Fetched)
		return
	}
	if res.Fetched > 0 {
		p.logger.Info("ingest poll finished", "fetched", res.Fetched, "accepted", res.Accepted,
			"duplicates", res.Duplicates, "rejected", res.Rejected)
	}
}

// PollOnce fetches every page and ingests the items. Items already fetched
// are ingested even when a later page fails.
func (p *Poller) PollOnce(ctx context.Context) (PollResult, error) {
	var (
		res      PollResult
		items    []json.RawMessage
		fetchErr error
	)
	total := 1
	for page := 1; (page-1)*p.src.PageSize < total; page++ {
		resp, err := p.fetchPage(ctx, page)
		if err != nil {
			fetchErr = fmt.Errorf("fetch page %d: %w", page, err)
			break
		}
		if resp.Data.Total == 0 || len(resp.Data.Items) == 0 {
			break
		}
		total = resp.Data.Total
		items = append(items, resp.Data.Items...)
	}
	res.Fetched = len(items)

	for _, item := range items {
		out, err := p.svc.Ingest(ctx, Input{
			Source:  p.src.Name,
			Kind:    p.src.Mapping.EventType,
			Payload: item,
		})
		switch {
		case err != nil:
			res.Rejected++
			if _, ok := apperr.As(err); !ok {
				return res, err
			}
		case out.Duplicate:
			res.Duplicates++
		default:
			res.Accepted++
		}
	}
	return res, fetchErr
}

func (p *Poller) fetchPage(ctx context.Context, page int) (*pageResponse, error) {
	payload := make(map[string]any, len(p.src.Payload)+2)
	for k, v := range p.src.Payload {
		payload[k] = v
	}
	payload["page"] = page
	payload["pageSize"] = p.src.PageSize

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.src.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.src.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	var out pageResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Code != 0 {
		return nil, fmt.Errorf("upstream returned application code %d", out.Code)
	}
	return &out, nil
}
