// Package aap reads leapp jobs and their failed task events from the
// regional automation platform REST API.
package aap

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/ignatij/leappflow/internal/config"
	"github.com/ignatij/leappflow/internal/retry"
	"github.com/ignatij/leappflow/pkg/models"
	"github.com/pkg/errors"
)

var ErrUnknownRegion = errors.New("unknown region")

const (
	jobsPath   = "/api/v2/jobs/"
	eventsPath = "/api/v2/jobs/%s/job_events/"
)

// Logger defines the logging interface used by the client.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Options are shared by every region client.
type Options struct {
	PageSize    int
	MaxPages    int
	InsecureTLS bool
	Timeout     time.Duration
	Retry       retry.Policy
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PageSize:    cfg.AAP.PageSize,
		MaxPages:    cfg.AAP.MaxPages,
		InsecureTLS: cfg.AAP.InsecureTLS,
		Timeout:     cfg.AAP.Timeout,
		Retry:       cfg.Retry,
	}
}

// RegionClient is the session with one platform instance.
type RegionClient struct {
	name    string
	baseURL *url.URL
	resty   *resty.Client
	opts    Options
	logger  Logger
}

func NewRegionClient(region config.RegionConfig, opts Options, logger Logger) (*RegionClient, error) {
	if region.BaseURL == "" {
		return nil, errors.Errorf("region %s: base url is not configured", region.Name)
	}
	base, err := url.Parse(region.BaseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "region %s: parse base url", region.Name)
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 200
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 200
	}

	client := resty.New().
		SetHeader("Accept", "application/json")
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	if opts.InsecureTLS {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	if region.Cookie != "" {
		if name, value, ok := strings.Cut(region.Cookie, "="); ok {
			client.SetCookie(&http.Cookie{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
		} else {
			client.SetHeader("Cookie", region.Cookie)
		}
	}

	return &RegionClient{name: region.Name, baseURL: base, resty: client, opts: opts, logger: logger}, nil
}

func (c *RegionClient) Name() string {
	return c.name
}

// ListJobs returns the finished leapp jobs created after createdAfter.
func (c *RegionClient) ListJobs(ctx context.Context, createdAfter time.Time) ([]models.RawRecord, error) {
	query := url.Values{}
	query.Set("format", "json")
	query.Set("name__icontains", "leapp")
	query.Set("not__finished__isnull", "true")
	query.Set("type", "job")
	query.Set("created__gt", createdAfter.UTC().Format(time.RFC3339))
	query.Set("page_size", fmt.Sprint(c.opts.PageSize))
	return c.paginate(ctx, jobsPath+"?"+query.Encode())
}

// ListFailedJobEvents returns the failed events of jobID at event level 0
// (task) or 3 (runner on failed).
func (c *RegionClient) ListFailedJobEvents(ctx context.Context, jobID string) ([]models.RawRecord, error) {
	query := url.Values{}
	query.Set("failed", "true")
	query.Set("page_size", fmt.Sprint(c.opts.PageSize))
	events, err := c.paginate(ctx, fmt.Sprintf(eventsPath, url.PathEscape(jobID))+"?"+query.Encode())
	if err != nil {
		return nil, err
	}
	kept := make([]models.RawRecord, 0, len(events))
	for _, event := range events {
		if level, ok := eventLevel(event); ok && (level == 0 || level == 3) {
			kept = append(kept, event)
		}
	}
	return kept, nil
}

type page struct {
	Next    *string            `json:"next"`
	Results []models.RawRecord `json:"results"`
}

func (c *RegionClient) paginate(ctx context.Context, first string) ([]models.RawRecord, error) {
	records := []models.RawRecord{}
	next := first
	for pages := 0; next != ""; pages++ {
		if pages >= c.opts.MaxPages {
			c.logger.Warnf("Region %s: stopped after %d pages, more results are available at %s", c.name, pages, next)
			break
		}
		target, err := c.resolve(next)
		if err != nil {
			return nil, err
		}
		p, err := c.fetchPage(ctx, target)
		if err != nil {
			return nil, err
		}
		records = append(records, p.Results...)
		next = ""
		if p.Next != nil {
			next = *p.Next
		}
	}
	return records, nil
}

// resolve accepts absolute next links and links relative to the base URL.
func (c *RegionClient) resolve(link string) (string, error) {
	ref, err := url.Parse(link)
	if err != nil {
		return "", errors.Wrapf(err, "region %s: parse page link %q", c.name, link)
	}
	return c.baseURL.ResolveReference(ref).String(), nil
}

func (c *RegionClient) fetchPage(ctx context.Context, target string) (*page, error) {
	var p *page
	notify := func(err error, wait time.Duration) {
		c.logger.Warnf("Region %s: request %s failed, retrying in %s: %v", c.name, target, wait, err)
	}
	err := retry.Do(ctx, c.opts.Retry, notify, func() error {
		resp, err := c.resty.R().SetContext(ctx).Get(target)
		if err != nil {
			return errors.Wrapf(err, "get %s", target)
		}
		if status := resp.StatusCode(); status != http.StatusOK {
			err := errors.Errorf("get %s: status %d: %s", target, status, truncate(resp.String(), 200))
			if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
				return retry.Permanent(err)
			}
			return err
		}
		decoded := &page{}
		if err := json.Unmarshal(resp.Body(), decoded); err != nil {
			return retry.Permanent(errors.Wrapf(err, "decode %s", target))
		}
		p = decoded
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "region %s", c.name)
	}
	return p, nil
}

// Client routes calls to the session of the requested region.
type Client struct {
	regions map[string]*RegionClient
}

func NewClient(regions []config.RegionConfig, opts Options, logger Logger) (*Client, error) {
	c := &Client{regions: make(map[string]*RegionClient, len(regions))}
	for _, region := range regions {
		rc, err := NewRegionClient(region, opts, logger)
		if err != nil {
			return nil, err
		}
		c.regions[region.Name] = rc
	}
	return c, nil
}

func (c *Client) region(name string) (*RegionClient, error) {
	rc, ok := c.regions[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownRegion, name)
	}
	return rc, nil
}

func (c *Client) ListJobs(ctx context.Context, region string, createdAfter time.Time) ([]models.RawRecord, error) {
	rc, err := c.region(region)
	if err != nil {
		return nil, err
	}
	return rc.ListJobs(ctx, createdAfter)
}

func (c *Client) ListFailedJobEvents(ctx context.Context, region, jobID string) ([]models.RawRecord, error) {
	rc, err := c.region(region)
	if err != nil {
		return nil, err
	}
	return rc.ListFailedJobEvents(ctx, jobID)
}

func eventLevel(event models.RawRecord) (int, bool) {
	switch v := event["event_level"].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
