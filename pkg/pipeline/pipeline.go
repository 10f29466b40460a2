// Package pipeline wires the source adapters, reconciler and classifier
// into the two report shapes the dashboard serves: the per-channel daily
// status list and the per-cluster activity/progress view.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/tagwatch/tagwatch/internal/utils"
	"github.com/tagwatch/tagwatch/pkg/classify"
	"github.com/tagwatch/tagwatch/pkg/namematch"
	"github.com/tagwatch/tagwatch/pkg/reconcile"
	"github.com/tagwatch/tagwatch/pkg/sources/eq"
	"github.com/tagwatch/tagwatch/pkg/sources/logger"
	"github.com/tagwatch/tagwatch/pkg/sources/qcportal"
	"github.com/tagwatch/tagwatch/pkg/timewin"
)

// Source labels used on the cluster view.
const (
	SourceXen = "Xen"
	SourceEQ  = "EQ"
)

// DefaultClusterChunkSize is the export batch size for cluster pulls,
// smaller than the daily pull's because cluster requests run alongside EQ
// traffic.
const DefaultClusterChunkSize = 10

// QCCluster is one cluster of the QC summary with its expected channel
// count, as the portal reports per-cluster membership only implicitly.
type QCCluster struct {
	ID    string
	Name  string
	Total int
}

// Config wires the pipeline's collaborators and channel topology.
type Config struct {
	Logger *logger.Client
	EQ     *eq.Client
	Portal *qcportal.Session
	Norm   *namematch.Normalizer

	// ChannelIDs feed the daily logger pull.
	ChannelIDs []string
	// Clusters maps cluster name to its channel IDs.
	Clusters map[string][]string
	// EQChannels lists the channel IDs the EQ source knows about.
	EQChannels []string
	// QCClusters drives the QC summary progress view.
	QCClusters []QCCluster

	// Threshold overrides the fuzzy acceptance threshold; zero means
	// reconcile.DefaultThreshold.
	Threshold float64
	// ClusterChunkSize overrides the cluster pull batch size.
	ClusterChunkSize int
}

// Pipeline builds reports. Safe for concurrent use; every call fetches
// fresh upstream data and owns its own result.
type Pipeline struct {
	cfg Config
}

func New(cfg Config) *Pipeline {
	return &Pipeline{cfg: cfg}
}

func (p *Pipeline) threshold() float64 {
	if p.cfg.Threshold <= 0 {
		return reconcile.DefaultThreshold
	}
	return p.cfg.Threshold
}

// DailyRow is one channel line of the daily status list.
type DailyRow struct {
	ChannelName   string `json:"channel_name"`
	LoggerEndTime string `json:"logger_end_time"`
	QCEndTime     string `json:"qc_end_time"`
	StatusClass   string `json:"status_class"`
	Status        string `json:"status"`
	Rank          int    `json:"-"`
}

// BuildDaily fetches the logger and QC sides in parallel, reconciles
// channel identities across their naming schemes, classifies each channel
// and returns the rows sorted by status rank. A portal auth failure fails
// the whole build; the caller never sees a silently half-reconciled list.
func (p *Pipeline) BuildDaily(ctx context.Context, date string) ([]DailyRow, error) {
	var (
		wg     sync.WaitGroup
		latest map[string]logger.LatestEnd
		qcEnds map[string]string
		qcErr  error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		clips := p.cfg.Logger.FetchClips(ctx, date, p.cfg.ChannelIDs)
		latest = logger.GroupLatestEnds(clips, p.cfg.Norm)
	}()
	go func() {
		defer wg.Done()
		qcEnds, qcErr = p.fetchQCEnds(ctx, date)
	}()
	wg.Wait()

	if qcErr != nil {
		return nil, qcErr
	}

	loggerKeys := sortedKeys(latest)
	qcKeys := sortedKeys(qcEnds)
	matched := reconcile.MatchKeys(loggerKeys, qcKeys, p.threshold())

	rows := make([]DailyRow, 0, len(loggerKeys))
	for _, key := range loggerKeys {
		le := latest[key]
		loggerEnd := le.EndClock()

		qcKey, qcMatched := matched[key]
		qcEnd := ""
		if qcMatched {
			qcEnd = timewin.CorrectEnd(qcEnds[qcKey])
		}

		status := classify.Classify(loggerEnd, qcEnd, qcMatched)
		rows = append(rows, DailyRow{
			ChannelName:   le.OriginalName,
			LoggerEndTime: orElse(loggerEnd, "N/A"),
			QCEndTime:     orElse(qcEnd, "Not in QC"),
			StatusClass:   status.Class(),
			Status:        status.String(),
			Rank:          status.Rank(),
		})
	}

	// Keys are already name-sorted, so a stable sort leaves equal ranks
	// alphabetical.
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Rank < rows[j].Rank })

	return rows, nil
}

// fetchQCEnds pulls the QC grid and the per-channel latest story ends,
// keyed by normalized channel name.
func (p *Pipeline) fetchQCEnds(ctx context.Context, date string) (map[string]string, error) {
	grid, err := p.cfg.Portal.FetchGrid(ctx, date)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]qcportal.GridChannel, len(grid))
	for _, ch := range grid {
		key := p.cfg.Norm.Normalize(ch.ChannelName)
		if key == "" {
			continue
		}
		byKey[key] = ch
	}

	return p.cfg.Portal.FetchStoryEnds(ctx, date, byKey)
}

// Summarize counts daily rows per status label for the dashboard header.
func Summarize(rows []DailyRow) map[string]int {
	counts := make(map[string]int, 4)
	for _, r := range rows {
		counts[r.Status]++
	}
	return counts
}

// SourceLog is one source's reduced window (or soft error) for a channel
// on the cluster view.
type SourceLog struct {
	Source string `json:"logger"`
	Start  string `json:"start"`
	End    string `json:"end"`
}

// ClusterChannel carries all source rows for one channel.
type ClusterChannel struct {
	ChannelID string      `json:"channel_id"`
	Name      string      `json:"name"`
	Logs      []SourceLog `json:"logs"`
}

// Progress is the cluster completion summary.
type Progress struct {
	Total      int     `json:"total"`
	QCed       int     `json:"qced"`
	Percentage float64 `json:"percentage"`
}

// ClusterReport is the per-cluster activity view: per-channel source
// windows, the set of channels still below the low-duration bar, and the
// derived progress numbers.
type ClusterReport struct {
	Channels    []ClusterChannel `json:"channels"`
	LowDuration []string         `json:"low_duration"`
	Progress    Progress         `json:"progress"`
}

// BuildCluster fetches the logger export for the cluster's channels and
// the EQ reports for its EQ-enabled ones in parallel, merges them by
// numeric channel code (exact identity, no fuzzy step) and derives the
// low-duration set and progress.
func (p *Pipeline) BuildCluster(ctx context.Context, clusterName, date string) (*ClusterReport, error) {
	ids, ok := p.cfg.Clusters[clusterName]
	if !ok || len(ids) == 0 {
		return nil, fmt.Errorf("invalid cluster %q", clusterName)
	}

	eqIDs := intersect(p.cfg.EQChannels, ids)

	var (
		wg        sync.WaitGroup
		windows   map[string]logger.Window
		eqResults []eq.Result
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		client := *p.cfg.Logger
		client.ChunkSize = p.clusterChunkSize()
		clips := client.FetchClips(ctx, date, ids)
		windows = logger.GroupWindows(clips)
	}()
	if p.cfg.EQ != nil && len(eqIDs) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eqResults = p.cfg.EQ.FetchChannels(ctx, date, eqIDs)
		}()
	}
	wg.Wait()

	combined := make(map[string]*ClusterChannel)
	channel := func(id string) *ClusterChannel {
		c, ok := combined[id]
		if !ok {
			c = &ClusterChannel{ChannelID: id, Name: "Unknown"}
			combined[id] = c
		}
		return c
	}

	for _, id := range sortedKeys(windows) {
		w := windows[id]
		c := channel(id)
		c.Name = w.Name
		c.Logs = append(c.Logs, SourceLog{Source: SourceXen, Start: w.Start, End: w.End})
	}
	for _, r := range eqResults {
		c := channel(r.ChannelID)
		if r.ChannelName != "" {
			c.Name = r.ChannelName
		}
		switch {
		case r.ErrKind != "":
			utils.Log.Warnf("EQ soft failure for channel %s: %s", r.ChannelID, r.ErrKind)
			c.Logs = append(c.Logs, SourceLog{Source: SourceEQ, Start: "Error: " + r.ErrKind, End: "N/A"})
		case r.HasWindow:
			c.Logs = append(c.Logs, SourceLog{Source: SourceEQ, Start: r.Window.Start, End: r.Window.End})
		}
	}

	report := &ClusterReport{}
	for _, id := range sortedKeys(combined) {
		c := combined[id]
		report.Channels = append(report.Channels, *c)
		if classify.LowDuration(latestValidEnd(c.Logs)) {
			report.LowDuration = append(report.LowDuration, id)
		}
	}

	total := len(report.Channels)
	qced := total - len(report.LowDuration)
	report.Progress = Progress{Total: total, QCed: qced, Percentage: percentage(qced, total)}
	return report, nil
}

// latestValidEnd picks the latest parseable end time across source rows.
// Soft-error rows carry "N/A" ends and must not count.
func latestValidEnd(logs []SourceLog) string {
	latest := "00:00:00"
	for _, l := range logs {
		end, err := timewin.ParseClock(l.End)
		if err != nil {
			continue
		}
		if end > latest {
			latest = end
		}
	}
	return latest
}

// QCChannelRow is one channel of the QC summary with its cluster-rule
// inputs and verdict.
type QCChannelRow struct {
	ChannelName string  `json:"channel_name"`
	ClusterID   string  `json:"cluster_id"`
	ClusterName string  `json:"cluster_name"`
	TotalHours  float64 `json:"total_hours"`
	Complete    bool    `json:"complete"`
}

// QCClusterProgress is the QC summary's per-cluster completion line.
type QCClusterProgress struct {
	Name       string  `json:"name"`
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Percentage float64 `json:"percentage"`
}

// QCSummary is the portal-driven completion view. Its completion rule
// (total duration and pending-QC count) is separate from the daily
// classifier; the two consume unrelated upstream fields.
type QCSummary struct {
	Channels []QCChannelRow      `json:"channels"`
	Clusters []QCClusterProgress `json:"clusters"`
}

// BuildQCSummary fetches the QC grid and applies the cluster completion
// rule per channel: summed duration at least 17 hours and fewer than 100
// pending QC records.
func (p *Pipeline) BuildQCSummary(ctx context.Context, date string) (*QCSummary, error) {
	grid, err := p.cfg.Portal.FetchGrid(ctx, date)
	if err != nil {
		return nil, err
	}

	type channelAgg struct {
		name       string
		clusterID  string
		completion classify.ChannelCompletion
	}
	byBarc := make(map[string]*channelAgg)
	var barcOrder []string
	for _, row := range grid {
		if row.BarcCode == "" {
			continue
		}
		agg, ok := byBarc[row.BarcCode]
		if !ok {
			agg = &channelAgg{name: row.ChannelName, clusterID: row.ClusterID, completion: classify.NewChannelCompletion()}
			byBarc[row.BarcCode] = agg
			barcOrder = append(barcOrder, row.BarcCode)
		}
		if hours, ok := classify.ParseDurationHours(row.TotalTime); ok {
			agg.completion.TotalHours += hours
		}
		// pendqcrec is channel-level but missing on some logger rows; any
		// row carrying a valid value is taken as the true count.
		if row.HasPending {
			agg.completion.PendingQC = row.PendingQC
		}
	}

	clusterNames := make(map[string]string, len(p.cfg.QCClusters))
	completed := make(map[string]int)
	for _, c := range p.cfg.QCClusters {
		clusterNames[c.ID] = c.Name
	}

	summary := &QCSummary{}
	for _, barc := range barcOrder {
		agg := byBarc[barc]
		complete := agg.completion.Complete()
		if complete {
			completed[agg.clusterID]++
		}
		name := clusterNames[agg.clusterID]
		if name == "" {
			name = "Cluster " + agg.clusterID
		}
		summary.Channels = append(summary.Channels, QCChannelRow{
			ChannelName: agg.name,
			ClusterID:   agg.clusterID,
			ClusterName: name,
			TotalHours:  agg.completion.TotalHours,
			Complete:    complete,
		})
	}

	// Completed channels first, then by cluster, then by name.
	sort.SliceStable(summary.Channels, func(i, j int) bool {
		a, b := summary.Channels[i], summary.Channels[j]
		if a.Complete != b.Complete {
			return a.Complete
		}
		if a.ClusterID != b.ClusterID {
			return a.ClusterID < b.ClusterID
		}
		return strings.ToLower(a.ChannelName) < strings.ToLower(b.ChannelName)
	})

	for _, c := range p.cfg.QCClusters {
		summary.Clusters = append(summary.Clusters, QCClusterProgress{
			Name:       c.Name,
			Total:      c.Total,
			Completed:  completed[c.ID],
			Percentage: percentage(completed[c.ID], c.Total),
		})
	}
	return summary, nil
}

// ClusterNames returns the configured cluster names, sorted.
func (p *Pipeline) ClusterNames() []string {
	return sortedKeys(p.cfg.Clusters)
}

func (p *Pipeline) clusterChunkSize() int {
	if p.cfg.ClusterChunkSize <= 0 {
		return DefaultClusterChunkSize
	}
	return p.cfg.ClusterChunkSize
}

func percentage(part, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(part)/float64(total)*1000) / 10
}

func orElse(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// intersect keeps the members of ids that appear in allowed, preserving
// the order of ids.
func intersect(allowed, ids []string) []string {
	set := make(map[string]struct{}, len(allowed))
	for _, id := range allowed {
		set[id] = struct{}{}
	}
	var out []string
	for _, id := range ids {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
