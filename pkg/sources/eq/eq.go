// Package eq fetches the secondary per-channel activity reports. The EQ
// server is fragile, so requests are politely rate limited (small worker
// pool plus a fixed delay before every call) and every per-channel failure
// comes back as a typed soft marker instead of an error.
package eq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tagwatch/tagwatch/internal/utils"
	"github.com/tagwatch/tagwatch/pkg/timewin"
	"github.com/tagwatch/tagwatch/pkg/whttp"
	"github.com/tidwall/gjson"
)

const (
	// DefaultConcurrency stays tiny; the EQ server falls over under
	// parallel load.
	DefaultConcurrency = 2
	// DefaultDelay is waited out before every single request.
	DefaultDelay   = 250 * time.Millisecond
	DefaultTimeout = 60 * time.Second

	contentTypeNews = "News"
)

// Soft failure kinds surfaced on the dashboard per channel.
const (
	ErrNetwork     = "Network Error"
	ErrInvalidData = "Invalid Data"
	ErrServer500   = "Server Failed (500)"
)

// Result is the outcome for one channel: a reduced window, a soft error,
// or neither (the channel simply had no qualifying clips). ChannelName is
// filled whenever the payload carried one, even alongside an empty window.
type Result struct {
	ChannelID   string
	ChannelName string
	Window      timewin.Window
	HasWindow   bool
	ErrKind     string
}

// Client talks to the EQ report endpoint.
type Client struct {
	BaseURL     string
	Concurrency int
	Delay       time.Duration
	Timeout     time.Duration
}

// NewClient applies defaults for unset fields.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:     baseURL,
		Concurrency: DefaultConcurrency,
		Delay:       DefaultDelay,
		Timeout:     DefaultTimeout,
	}
}

// FetchChannels fetches each channel's report for the date (YYYY-MM-DD)
// through the rate-limited pool. Result order matches channelIDs. A
// failing channel yields its soft-error Result; siblings are unaffected.
func (c *Client) FetchChannels(ctx context.Context, date string, channelIDs []string) []Result {
	results := make([]Result, len(channelIDs))
	jobs := make(chan int, len(channelIDs))

	concurrency := c.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	delay := c.Delay
	if delay <= 0 {
		delay = DefaultDelay
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
				time.Sleep(delay)
				results[i] = c.fetchOne(date, channelIDs[i])
			}
		}()
	}
	for i := range channelIDs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}

// fetchOne pulls and reduces one channel's report.
func (c *Client) fetchOne(date, channelID string) Result {
	res := Result{ChannelID: channelID}

	apiDate, err := toAPIDate(date)
	if err != nil {
		utils.Log.Errorf("EQ invalid date %q: %v", date, err)
		res.ErrKind = ErrInvalidData
		return res
	}

	httpRes, err := whttp.SendHTTPRequest(&whttp.WHTTPReq{
		Method:  "GET",
		URL:     fmt.Sprintf("%s/%s/%s", c.BaseURL, channelID, apiDate),
		Timeout: c.timeout(),
	}, nil)
	if err != nil {
		utils.Log.Errorf("EQ network error for %s: %v", channelID, err)
		res.ErrKind = ErrNetwork
		return res
	}
	if httpRes.StatusCode == 500 {
		utils.Log.Warnf("EQ server HTTP 500 for channel %s", channelID)
		res.ErrKind = ErrServer500
		return res
	}
	if httpRes.StatusCode != 200 {
		utils.Log.Errorf("EQ unexpected HTTP %d for channel %s", httpRes.StatusCode, channelID)
		res.ErrKind = ErrNetwork
		return res
	}

	parsed := gjson.Parse(httpRes.BodyString)
	if !parsed.IsObject() {
		utils.Log.Errorf("EQ invalid payload for channel %s", channelID)
		res.ErrKind = ErrInvalidData
		return res
	}

	clips := parsed.Get("TabsonsReport")
	if !clips.IsArray() || len(clips.Array()) == 0 {
		return res
	}

	res.ChannelName = clips.Array()[0].Get("channelname").String()

	var spans []timewin.Span
	for _, clip := range clips.Array() {
		if clip.Get("ProgramType").String() != contentTypeNews {
			continue
		}
		start := clip.Get("ClipStartTime").String()
		end := clip.Get("ClipEndTime").String()
		if start == "" || end == "" {
			continue
		}
		spans = append(spans, timewin.Span{Start: start, End: end})
	}
	if len(spans) == 0 {
		return res
	}

	if w, ok := timewin.Reduce(spans); ok {
		res.Window = w
		res.HasWindow = true
	}
	return res
}

// toAPIDate converts YYYY-MM-DD to the DD-MM-YYYY form the URL expects.
func toAPIDate(date string) (string, error) {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return "", err
	}
	return t.Format("02-01-2006"), nil
}

func (c *Client) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}
