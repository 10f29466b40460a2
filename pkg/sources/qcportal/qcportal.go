// Package qcportal talks to the authenticated QC web portal. The portal
// is a classic server-rendered app: a cookie session established through a
// login form, CSRF tokens scraped out of page HTML, and XHR grid endpoints
// that expect the token in a header. The Session owns all of that state.
package qcportal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/tagwatch/tagwatch/internal/utils"
	"github.com/tagwatch/tagwatch/pkg/whttp"
	"github.com/tidwall/gjson"
)

const (
	// DefaultConcurrency bounds the parallel per-channel story lookups.
	DefaultConcurrency = 10
	DefaultTimeout     = 10 * time.Second
)

// ErrAuth is returned when the portal login handshake cannot complete.
// It is fatal for the whole fetch: without a session there is no partial
// data worth returning.
var ErrAuth = errors.New("could not authenticate to the QC portal")

// Config carries the portal endpoints and credentials.
type Config struct {
	BaseURL  string
	Username string
	Password string
}

// GridChannel is one channel row of the QC grid listing.
type GridChannel struct {
	ChannelName string
	BarcCode    string
	LoggerID    string
	ClusterID   string
	TotalTime   string
	PendingQC   int
	HasPending  bool
}

// Session is the process-wide portal session: cookie jar plus whatever
// CSRF token the last page handed out. Safe for concurrent use.
type Session struct {
	cfg         Config
	client      *retryablehttp.Client
	Concurrency int
	Timeout     time.Duration

	mu sync.Mutex // serializes re-authentication
}

// NewSession builds a session with its own cookie jar.
func NewSession(cfg Config) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client := retryablehttp.NewClient()
	client.Logger = log.New(io.Discard, "", 0)
	client.RetryMax = 2
	client.HTTPClient.Jar = jar
	client.HTTPClient.Timeout = DefaultTimeout
	return &Session{
		cfg:         cfg,
		client:      client,
		Concurrency: DefaultConcurrency,
		Timeout:     DefaultTimeout,
	}, nil
}

func (s *Session) loginPageURL() string    { return s.cfg.BaseURL + "/login" }
func (s *Session) processLoginURL() string { return s.cfg.BaseURL + "/process-login" }
func (s *Session) newsPageURL() string     { return s.cfg.BaseURL + "/qcnews" }
func (s *Session) gridURL() string         { return s.cfg.BaseURL + "/qcnews/getdatagrid" }
func (s *Session) storyURL() string        { return s.cfg.BaseURL + "/qcnews/getstorydatagrid" }

// EnsureValid probes the protected listing page, re-runs the login
// handshake if the probe bounced to the login form, and returns a fresh
// CSRF token for subsequent POSTs. Calling it on a live session costs one
// GET and one HTML scrape. Any missing token is an ErrAuth for the whole
// fetch.
func (s *Session) EnsureValid(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	probe, err := whttp.SendHTTPRequest(&whttp.WHTTPReq{
		Method:  "GET",
		URL:     s.newsPageURL(),
		Timeout: s.Timeout,
	}, s.client)
	if err != nil {
		return "", fmt.Errorf("%w: probe failed: %v", ErrAuth, err)
	}

	if strings.Contains(probe.FinalURL, "/login") {
		utils.Log.Debugf("QC session expired (landed on %q, title %q), logging in again", probe.FinalURL, probe.HTTPTitle)
		if err := s.login(); err != nil {
			return "", err
		}
		probe, err = whttp.SendHTTPRequest(&whttp.WHTTPReq{
			Method:  "GET",
			URL:     s.newsPageURL(),
			Timeout: s.Timeout,
		}, s.client)
		if err != nil {
			return "", fmt.Errorf("%w: post-login fetch failed: %v", ErrAuth, err)
		}
	}

	token, err := scrapeCSRF(probe.BodyString)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return token, nil
}

// login performs the login POST with a CSRF token scraped off the login
// page. Caller holds s.mu.
func (s *Session) login() error {
	loginPage, err := whttp.SendHTTPRequest(&whttp.WHTTPReq{
		Method:  "GET",
		URL:     s.loginPageURL(),
		Timeout: s.Timeout,
	}, s.client)
	if err != nil {
		return fmt.Errorf("%w: login page fetch failed: %v", ErrAuth, err)
	}

	csrf, err := scrapeCSRF(loginPage.BodyString)
	if err != nil {
		return fmt.Errorf("%w: login page: %v", ErrAuth, err)
	}

	form := url.Values{}
	form.Set("username", s.cfg.Username)
	form.Set("password", s.cfg.Password)
	form.Set("_csrf", csrf)

	_, err = whttp.SendHTTPRequest(&whttp.WHTTPReq{
		Method: "POST",
		URL:    s.processLoginURL(),
		Headers: []whttp.WHTTPHeader{
			{Name: "Content-Type", Value: "application/x-www-form-urlencoded"},
		},
		Body:    form.Encode(),
		Timeout: s.Timeout,
	}, s.client)
	if err != nil {
		return fmt.Errorf("%w: login POST failed: %v", ErrAuth, err)
	}
	return nil
}

// scrapeCSRF pulls the _csrf hidden input value out of a portal page.
func scrapeCSRF(pageHTML string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
	if err != nil {
		return "", fmt.Errorf("failed to parse portal HTML: %v", err)
	}
	token, ok := doc.Find(`input[name="_csrf"]`).First().Attr("value")
	if !ok || token == "" {
		return "", errors.New("no _csrf token on page")
	}
	return token, nil
}

// FetchGrid posts the dated grid query and returns the channel rows.
// The date is YYYY-MM-DD; the grid endpoint wants DD/MM/YYYY.
func (s *Session) FetchGrid(ctx context.Context, date string) ([]GridChannel, error) {
	csrf, err := s.EnsureValid(ctx)
	if err != nil {
		return nil, err
	}

	gridDate, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil, fmt.Errorf("bad date %q: %w", date, err)
	}

	form := url.Values{}
	form.Set("search_currentdate", gridDate.Format("02/01/2006"))

	res, err := s.postXHR(s.gridURL(), form, csrf)
	if err != nil {
		return nil, fmt.Errorf("error fetching QC channel list: %w", err)
	}

	rows := gjson.Get(res.BodyString, "qcGridData")
	if !rows.IsArray() {
		return nil, fmt.Errorf("error fetching QC channel list: no qcGridData in response")
	}

	var channels []GridChannel
	for _, row := range rows.Array() {
		ch := GridChannel{
			ChannelName: row.Get("channelname").String(),
			BarcCode:    row.Get("barcchannelcode").String(),
			LoggerID:    row.Get("loggerid").String(),
			ClusterID:   row.Get("clusterid").String(),
			TotalTime:   row.Get("totltime").String(),
		}
		// Strings and numbers both show up here; anything that isn't an
		// integer leaves the pending count unknown.
		switch pending := row.Get("pendqcrec"); pending.Type {
		case gjson.Number:
			ch.PendingQC = int(pending.Int())
			ch.HasPending = true
		case gjson.String:
			if n, err := strconv.Atoi(strings.TrimSpace(pending.String())); err == nil {
				ch.PendingQC = n
				ch.HasPending = true
			}
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

// StoryEnd is the per-channel story lookup outcome. A nil End means the
// channel had no QC'd story for the day; that is data, not an error.
type StoryEnd struct {
	Key string
	End string
}

// FetchStoryEnds looks up the latest QC'd clip end per channel, fanned
// out over the story endpoint. channels maps an identity key (normalized
// name) to its grid row. Per-channel failures degrade to an absent end.
func (s *Session) FetchStoryEnds(ctx context.Context, date string, channels map[string]GridChannel) (map[string]string, error) {
	csrf, err := s.EnsureValid(ctx)
	if err != nil {
		return nil, err
	}

	apiDate, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil, fmt.Errorf("bad date %q: %w", date, err)
	}
	dateNumber := apiDate.Format("20060102")

	keys := make([]string, 0, len(channels))
	for k := range channels {
		keys = append(keys, k)
	}

	ends := make([]StoryEnd, len(keys))
	jobs := make(chan int, len(keys))

	concurrency := s.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	var wg sync.WaitGroup
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					return
				}
				key := keys[i]
				ends[i] = StoryEnd{Key: key, End: s.fetchStoryEnd(channels[key], dateNumber, csrf)}
			}
		}()
	}
	for i := range keys {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	out := make(map[string]string, len(ends))
	for _, e := range ends {
		out[e.Key] = e.End
	}
	return out, nil
}

// fetchStoryEnd posts one story query and digs out the latest clip end.
// The grid wraps its row list in a JSON-encoded string, hence the second
// parse. Failures yield "" and a log line.
func (s *Session) fetchStoryEnd(ch GridChannel, dateNumber, csrf string) string {
	form := url.Values{}
	form.Set("draw", "1")
	form.Set("start", "0")
	form.Set("length", "1")
	form.Set("order[0][column]", "2")
	form.Set("order[0][dir]", "desc")
	form.Set("search_loggerid", ch.LoggerID)
	form.Set("search_datenumber", dateNumber)
	form.Set("search_barcchannelcode", ch.BarcCode)
	form.Set("qcedid", "-1")
	form.Set("fieldname", "StoryAndHeadlines")

	res, err := s.postXHR(s.storyURL(), form, csrf)
	if err != nil {
		utils.Log.Warnf("QC story lookup failed for %s: %v", ch.ChannelName, err)
		return ""
	}

	// data is itself a JSON-encoded string
	inner := gjson.Get(res.BodyString, "data").String()
	stories := gjson.Parse(inner)
	if !stories.IsArray() || len(stories.Array()) == 0 {
		return ""
	}
	return stories.Array()[0].Get("clipendtime").String()
}

// postXHR posts a form to a grid endpoint with the CSRF and XHR headers
// the portal insists on.
func (s *Session) postXHR(endpoint string, form url.Values, csrf string) (*whttp.WHTTPRes, error) {
	res, err := whttp.SendHTTPRequest(&whttp.WHTTPReq{
		Method: "POST",
		URL:    endpoint,
		Headers: []whttp.WHTTPHeader{
			{Name: "Content-Type", Value: "application/x-www-form-urlencoded"},
			{Name: "X-CSRF-TOKEN", Value: csrf},
			{Name: "X-Requested-With", Value: "XMLHttpRequest"},
		},
		Body:    form.Encode(),
		Timeout: s.Timeout,
	}, s.client)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != 200 {
		return nil, fmt.Errorf("HTTP %d", res.StatusCode)
	}
	return res, nil
}
