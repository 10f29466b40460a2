// Package logger fetches clip records from the logger export endpoint,
// the primary source of tagging activity. The endpoint accepts batches of
// channel IDs; batches are fetched concurrently and failures degrade to an
// empty batch so one bad chunk never sinks the rest.
package logger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tagwatch/tagwatch/internal/utils"
	"github.com/tagwatch/tagwatch/pkg/namematch"
	"github.com/tagwatch/tagwatch/pkg/timewin"
	"github.com/tagwatch/tagwatch/pkg/whttp"
	"github.com/tidwall/gjson"
)

const (
	// DefaultChunkSize is how many channel IDs go into one export request.
	DefaultChunkSize = 15
	// DefaultConcurrency bounds parallel export requests.
	DefaultConcurrency = 5
	// DefaultTimeout is generous: the export endpoint is slow on full-day pulls.
	DefaultTimeout = 120 * time.Second

	clipStampLayout = "02-01-2006 15:04:05"
)

// Clip is one validated record from the export response.
type Clip struct {
	ChannelName string
	ChannelCode string
	Start       time.Time
	End         time.Time
}

// LatestEnd is the reduced per-name daily record: the single observation
// with the latest clip end, display name preserved from the raw payload.
type LatestEnd struct {
	OriginalName string
	End          time.Time
}

// EndClock formats the retained end as wall-clock HH:MM:SS with the
// midnight rollover correction applied.
func (l LatestEnd) EndClock() string {
	return timewin.CorrectEnd(l.End.Format(timewin.ClockLayout))
}

// Window is the reduced per-channel-code window for the cluster view.
type Window struct {
	Name  string
	Start string
	End   string
}

// Client talks to the logger export endpoint.
type Client struct {
	URL         string
	ChunkSize   int
	Concurrency int
	Timeout     time.Duration
}

// NewClient applies defaults for unset fields.
func NewClient(url string) *Client {
	return &Client{
		URL:         url,
		ChunkSize:   DefaultChunkSize,
		Concurrency: DefaultConcurrency,
		Timeout:     DefaultTimeout,
	}
}

// FetchClips pulls the full day's clip records for the given channel IDs,
// chunked and fetched in parallel. Chunk results are concatenated in the
// order the chunks were built, preserving upstream list order within each
// chunk, so downstream first-wins tie-breaks stay stable. A failed chunk
// contributes nothing.
func (c *Client) FetchClips(ctx context.Context, date string, channelIDs []string) []Clip {
	chunks := chunk(channelIDs, c.chunkSize())

	results := make([][]Clip, len(chunks))
	jobs := make(chan int, len(chunks))

	var wg sync.WaitGroup
	for w := 0; w < c.concurrency(); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if ctx.Err() != nil {
					return
				}
				results[i] = c.fetchChunk(date, chunks[i])
			}
		}()
	}
	for i := range chunks {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	var all []Clip
	for _, r := range results {
		all = append(all, r...)
	}
	return all
}

// fetchChunk posts one export request. Any transport or decode problem
// yields an empty result for just this chunk.
func (c *Client) fetchChunk(date string, channelIDs []string) []Clip {
	payload := exportPayload(date, channelIDs)

	res, err := whttp.SendHTTPRequest(&whttp.WHTTPReq{
		Method: "POST",
		URL:    c.URL,
		Headers: []whttp.WHTTPHeader{
			{Name: "Content-Type", Value: "application/json"},
		},
		Body:    payload,
		Timeout: c.timeout(),
	}, nil)
	if err != nil {
		utils.Log.Warnf("Logger export request failed for %d channels: %v", len(channelIDs), err)
		return nil
	}
	if res.StatusCode != 200 {
		utils.Log.Warnf("Logger export returned HTTP %d", res.StatusCode)
		return nil
	}

	parsed := gjson.Parse(res.BodyString)
	if !parsed.IsArray() {
		utils.Log.Warnf("Logger export returned a non-list payload")
		return nil
	}

	var clips []Clip
	for _, raw := range parsed.Array() {
		clip, err := parseClip(raw)
		if err != nil {
			// Skip the record, keep the batch.
			utils.Log.Debugf("Skipping logger clip: %v", err)
			continue
		}
		clips = append(clips, clip)
	}
	return clips
}

func parseClip(raw gjson.Result) (Clip, error) {
	name := raw.Get("channelname").String()
	start, err := time.Parse(clipStampLayout, raw.Get("ClipStartDate").String()+" "+raw.Get("ClipStartTime").String())
	if err != nil {
		return Clip{}, err
	}
	end, err := time.Parse(clipStampLayout, raw.Get("ClipEndDate").String()+" "+raw.Get("ClipEndTime").String())
	if err != nil {
		return Clip{}, err
	}
	return Clip{
		ChannelName: name,
		ChannelCode: raw.Get("ChannelCode").String(),
		Start:       start,
		End:         end,
	}, nil
}

// GroupLatestEnds reduces clips to one record per normalized channel name,
// keeping the observation with the strictly-latest end. Exact-equal ends
// keep the first-seen record, which is why clip order matters.
func GroupLatestEnds(clips []Clip, norm *namematch.Normalizer) map[string]LatestEnd {
	grouped := make(map[string]LatestEnd)
	for _, clip := range clips {
		key := norm.Normalize(clip.ChannelName)
		if key == "" {
			continue
		}
		cur, seen := grouped[key]
		if !seen || clip.End.After(cur.End) {
			grouped[key] = LatestEnd{OriginalName: clip.ChannelName, End: clip.End}
		}
	}
	return grouped
}

// GroupWindows reduces clips to per-channel-code activity windows for the
// cluster view. Identity here is the numeric channel code, exact-match
// only; no fuzzy step applies.
func GroupWindows(clips []Clip) map[string]Window {
	type agg struct {
		name  string
		start time.Time
		end   time.Time
	}
	byCode := make(map[string]*agg)
	for _, clip := range clips {
		if clip.ChannelCode == "" {
			continue
		}
		a, ok := byCode[clip.ChannelCode]
		if !ok {
			a = &agg{name: clip.ChannelName, start: clip.Start, end: clip.End}
			byCode[clip.ChannelCode] = a
			continue
		}
		if clip.ChannelName != "" {
			a.name = clip.ChannelName
		}
		if clip.Start.Before(a.start) {
			a.start = clip.Start
		}
		if clip.End.After(a.end) {
			a.end = clip.End
		}
	}

	windows := make(map[string]Window, len(byCode))
	for code, a := range byCode {
		windows[code] = Window{
			Name:  a.name,
			Start: a.start.Format(timewin.ClockLayout),
			End:   timewin.CorrectEnd(a.end.Format(timewin.ClockLayout)),
		}
	}
	return windows
}

func exportPayload(date string, channelIDs []string) string {
	ids := ""
	for i, id := range channelIDs {
		if i > 0 {
			ids += ","
		}
		ids += fmt.Sprintf("%q", id)
	}
	return fmt.Sprintf(`{"StartDateUTC":"%sT00:00:00","EndDateUTC":"%sT23:59:59","SignalIds":[],"ChannelIds":[%s]}`, date, date, ids)
}

func chunk(ids []string, size int) [][]string {
	var chunks [][]string
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[i:end])
	}
	return chunks
}

func (c *Client) chunkSize() int {
	if c.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return c.ChunkSize
}

func (c *Client) concurrency() int {
	if c.Concurrency <= 0 {
		return DefaultConcurrency
	}
	return c.Concurrency
}

func (c *Client) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}
