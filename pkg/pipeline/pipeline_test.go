package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/tagwatch/tagwatch/pkg/namematch"
	"github.com/tagwatch/tagwatch/pkg/sources/eq"
	"github.com/tagwatch/tagwatch/pkg/sources/logger"
	"github.com/tagwatch/tagwatch/pkg/sources/qcportal"
)

const portalPage = `<html><body><form><input type="hidden" name="_csrf" value="tok-1"/></form></body></html>`

func clipJSON(name, code, start, end string) string {
	return fmt.Sprintf(`{"channelname":%q,"ChannelCode":%q,"ClipStartDate":"15-03-2026","ClipStartTime":%q,"ClipEndDate":"15-03-2026","ClipEndTime":%q}`,
		name, code, start, end)
}

func newLoggerServer(clips ...string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "[")
		for i, c := range clips {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprint(w, c)
		}
		fmt.Fprint(w, "]")
	}))
}

// newPortalServer serves an already-authenticated portal: the listing page
// hands out a CSRF token directly, the grid endpoint returns rows and the
// story endpoint answers per logger ID.
func newPortalServer(gridRows string, storyEnds map[string]string) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/qcnews", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, portalPage)
	})
	mux.HandleFunc("/qcnews/getdatagrid", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"qcGridData":[%s]}`, gridRows)
	})
	mux.HandleFunc("/qcnews/getstorydatagrid", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		end, ok := storyEnds[r.PostFormValue("search_loggerid")]
		if !ok {
			fmt.Fprintf(w, `{"data":%q}`, `[]`)
			return
		}
		fmt.Fprintf(w, `{"data":%q}`, `[{"clipendtime":"`+end+`"}]`)
	})
	return httptest.NewServer(mux)
}

func newTestPortal(t *testing.T, baseURL string) *qcportal.Session {
	t.Helper()
	s, err := qcportal.NewSession(qcportal.Config{BaseURL: baseURL, Username: "u", Password: "p"})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestBuildDaily(t *testing.T) {
	loggerSrv := newLoggerServer(
		clipJSON("Alpha News", "101", "09:00:00", "23:40:00"),
		clipJSON("Beta TV", "102", "09:00:00", "23:30:00"),
		clipJSON("Gamma", "103", "09:00:00", "21:00:00"),
		clipJSON("Delta", "104", "09:00:00", "23:40:00"),
	)
	defer loggerSrv.Close()

	// "Alpha New" only fuzzy-matches "Alpha News"; "Beta Tv" is an exact
	// match after normalization; Delta has no QC row at all.
	grid := `{"channelname":"Alpha New","barcchannelcode":"B1","loggerid":"L1","clusterid":"1","totltime":"9:00:00"},` +
		`{"channelname":"Beta Tv","barcchannelcode":"B2","loggerid":"L2","clusterid":"1","totltime":"9:00:00"}`
	portalSrv := newPortalServer(grid, map[string]string{
		"L1": "23:45:00",
		"L2": "22:00:00",
	})
	defer portalSrv.Close()

	p := New(Config{
		Logger:     logger.NewClient(loggerSrv.URL),
		Portal:     newTestPortal(t, portalSrv.URL),
		Norm:       namematch.NewNormalizer(nil),
		ChannelIDs: []string{"101", "102", "103", "104"},
	})

	rows, err := p.BuildDaily(context.Background(), "2026-03-15")
	if err != nil {
		t.Fatal(err)
	}

	want := []DailyRow{
		{ChannelName: "Delta", LoggerEndTime: "23:40:00", QCEndTime: "Not in QC", StatusClass: "status-eligible", Status: "Eligible to Pull (Default)", Rank: 0},
		{ChannelName: "Beta TV", LoggerEndTime: "23:30:00", QCEndTime: "22:00:00", StatusClass: "status-eligible", Status: "Eligible to Pull (Catch-up)", Rank: 1},
		{ChannelName: "Gamma", LoggerEndTime: "21:00:00", QCEndTime: "Not in QC", StatusClass: "status-progress", Status: "Tagging in Progress", Rank: 2},
		{ChannelName: "Alpha News", LoggerEndTime: "23:40:00", QCEndTime: "23:45:00", StatusClass: "status-completed", Status: "QC DONE", Rank: 3},
	}
	if !reflect.DeepEqual(rows, want) {
		t.Errorf("got %+v, want %+v", rows, want)
	}
}

func TestSummarize(t *testing.T) {
	rows := []DailyRow{
		{Status: "QC DONE"},
		{Status: "QC DONE"},
		{Status: "Tagging in Progress"},
	}
	want := map[string]int{"QC DONE": 2, "Tagging in Progress": 1}
	if got := Summarize(rows); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBuildDailyPortalFailureIsFatal(t *testing.T) {
	loggerSrv := newLoggerServer(clipJSON("Alpha News", "101", "09:00:00", "23:40:00"))
	defer loggerSrv.Close()

	// A portal page with no CSRF token means the session handshake can
	// never complete; no partial row list may come back.
	portalSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>maintenance</body></html>`)
	}))
	defer portalSrv.Close()

	p := New(Config{
		Logger:     logger.NewClient(loggerSrv.URL),
		Portal:     newTestPortal(t, portalSrv.URL),
		Norm:       namematch.NewNormalizer(nil),
		ChannelIDs: []string{"101"},
	})

	rows, err := p.BuildDaily(context.Background(), "2026-03-15")
	if !errors.Is(err, qcportal.ErrAuth) {
		t.Fatalf("want ErrAuth, got %v", err)
	}
	if rows != nil {
		t.Errorf("want no rows on auth failure, got %+v", rows)
	}
}

func TestBuildCluster(t *testing.T) {
	loggerSrv := newLoggerServer(
		clipJSON("Alpha", "C1", "09:00:00", "23:30:00"),
		clipJSON("Beta", "C2", "10:00:00", "18:00:00"),
	)
	defer loggerSrv.Close()

	eqSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/C2/15-03-2026":
			fmt.Fprint(w, `{"TabsonsReport":[`+
				`{"channelname":"Beta EQ","ProgramType":"News","ClipStartTime":"07:00:00","ClipEndTime":"12:00:00"},`+
				`{"channelname":"Beta EQ","ProgramType":"News","ClipStartTime":"13:00:00","ClipEndTime":"22:30:00"}]}`)
		case "/C3/15-03-2026":
			http.Error(w, "boom", 500)
		default:
			http.NotFound(w, r)
		}
	}))
	defer eqSrv.Close()

	eqClient := eq.NewClient(eqSrv.URL)
	eqClient.Delay = 1

	p := New(Config{
		Logger:     logger.NewClient(loggerSrv.URL),
		EQ:         eqClient,
		Norm:       namematch.NewNormalizer(nil),
		Clusters:   map[string][]string{"metro": {"C1", "C2", "C3"}},
		EQChannels: []string{"C2", "C3"},
	})

	report, err := p.BuildCluster(context.Background(), "metro", "2026-03-15")
	if err != nil {
		t.Fatal(err)
	}

	wantChannels := []ClusterChannel{
		{ChannelID: "C1", Name: "Alpha", Logs: []SourceLog{
			{Source: "Xen", Start: "09:00:00", End: "23:30:00"},
		}},
		{ChannelID: "C2", Name: "Beta EQ", Logs: []SourceLog{
			{Source: "Xen", Start: "10:00:00", End: "18:00:00"},
			{Source: "EQ", Start: "07:00:00", End: "22:30:00"},
		}},
		{ChannelID: "C3", Name: "Unknown", Logs: []SourceLog{
			{Source: "EQ", Start: "Error: Server Failed (500)", End: "N/A"},
		}},
	}
	if !reflect.DeepEqual(report.Channels, wantChannels) {
		t.Errorf("channels: got %+v, want %+v", report.Channels, wantChannels)
	}

	// C1 ends at 23:30; C2's latest valid end is 22:30; C3 has no valid
	// end at all.
	if want := []string{"C2", "C3"}; !reflect.DeepEqual(report.LowDuration, want) {
		t.Errorf("low duration: got %v, want %v", report.LowDuration, want)
	}
	if want := (Progress{Total: 3, QCed: 1, Percentage: 33.3}); report.Progress != want {
		t.Errorf("progress: got %+v, want %+v", report.Progress, want)
	}
}

func TestBuildClusterUnknown(t *testing.T) {
	p := New(Config{Clusters: map[string][]string{"metro": {"C1"}}})
	if _, err := p.BuildCluster(context.Background(), "nope", "2026-03-15"); err == nil {
		t.Fatal("want error for unknown cluster")
	}
}

func TestBuildQCSummary(t *testing.T) {
	grid := `{"channelname":"Alpha","barcchannelcode":"B1","loggerid":"L1","clusterid":"1","totltime":"9:30:00","pendqcrec":5},` +
		`{"channelname":"Alpha","barcchannelcode":"B1","loggerid":"L9","clusterid":"1","totltime":"8:00:00"},` +
		`{"channelname":"Beta","barcchannelcode":"B2","loggerid":"L2","clusterid":"2","totltime":"20:00:00"}`
	portalSrv := newPortalServer(grid, nil)
	defer portalSrv.Close()

	p := New(Config{
		Portal: newTestPortal(t, portalSrv.URL),
		QCClusters: []QCCluster{
			{ID: "1", Name: "North", Total: 2},
			{ID: "2", Name: "South", Total: 1},
		},
	})

	summary, err := p.BuildQCSummary(context.Background(), "2026-03-15")
	if err != nil {
		t.Fatal(err)
	}

	// Alpha sums to 17.5h with 5 pending: complete. Beta has the hours
	// but never reported a pending count, so it cannot count complete.
	wantChannels := []QCChannelRow{
		{ChannelName: "Alpha", ClusterID: "1", ClusterName: "North", TotalHours: 17.5, Complete: true},
		{ChannelName: "Beta", ClusterID: "2", ClusterName: "South", TotalHours: 20.0, Complete: false},
	}
	if !reflect.DeepEqual(summary.Channels, wantChannels) {
		t.Errorf("channels: got %+v, want %+v", summary.Channels, wantChannels)
	}

	wantClusters := []QCClusterProgress{
		{Name: "North", Total: 2, Completed: 1, Percentage: 50},
		{Name: "South", Total: 1, Completed: 0, Percentage: 0},
	}
	if !reflect.DeepEqual(summary.Clusters, wantClusters) {
		t.Errorf("clusters: got %+v, want %+v", summary.Clusters, wantClusters)
	}
}

func TestPercentage(t *testing.T) {
	tests := []struct {
		part, total int
		want        float64
	}{
		{1, 3, 33.3},
		{2, 3, 66.7},
		{3, 3, 100},
		{0, 0, 0},
		{5, 0, 0},
	}
	for _, tt := range tests {
		if got := percentage(tt.part, tt.total); got != tt.want {
			t.Errorf("percentage(%d, %d) = %v, want %v", tt.part, tt.total, got, tt.want)
		}
	}
}
