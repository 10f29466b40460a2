package qcportal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// fakePortal mimics the portal's session/CSRF handshake.
type fakePortal struct {
	mux        *http.ServeMux
	logins     int32
	probeCount int32
}

func newFakePortal(t *testing.T) (*fakePortal, *httptest.Server) {
	t.Helper()
	p := &fakePortal{mux: http.NewServeMux()}

	loggedIn := func(r *http.Request) bool {
		c, err := r.Cookie("PORTALSESSION")
		return err == nil && c.Value == "valid"
	}

	p.mux.HandleFunc("/portal/login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><form><input type="hidden" name="_csrf" value="login-token"></form></body></html>`)
	})
	p.mux.HandleFunc("/portal/process-login", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("_csrf") != "login-token" || r.Form.Get("username") != "user" {
			w.WriteHeader(403)
			return
		}
		atomic.AddInt32(&p.logins, 1)
		http.SetCookie(w, &http.Cookie{Name: "PORTALSESSION", Value: "valid", Path: "/"})
	})
	p.mux.HandleFunc("/portal/qcnews", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&p.probeCount, 1)
		if !loggedIn(r) {
			http.Redirect(w, r, "/portal/login", http.StatusFound)
			return
		}
		fmt.Fprint(w, `<html><head><title>QC News</title></head><body><input type="hidden" name="_csrf" value="page-token"></body></html>`)
	})
	p.mux.HandleFunc("/portal/qcnews/getdatagrid", func(w http.ResponseWriter, r *http.Request) {
		if !loggedIn(r) || r.Header.Get("X-CSRF-TOKEN") != "page-token" {
			w.WriteHeader(403)
			return
		}
		fmt.Fprint(w, `{"qcGridData":[
			{"channelname":"Aaj Tak","barcchannelcode":"B1","loggerid":"L1","clusterid":3,"totltime":"17:30:00","pendqcrec":12},
			{"channelname":"Zee News","barcchannelcode":"B2","loggerid":"L2","clusterid":3,"totltime":"4:00:00"}
		]}`)
	})
	p.mux.HandleFunc("/portal/qcnews/getstorydatagrid", func(w http.ResponseWriter, r *http.Request) {
		if !loggedIn(r) || r.Header.Get("X-CSRF-TOKEN") != "page-token" {
			w.WriteHeader(403)
			return
		}
		r.ParseForm()
		if r.Form.Get("search_loggerid") == "L1" {
			// data is a JSON-encoded string, as the real portal sends it
			fmt.Fprint(w, `{"data":"[{\"clipendtime\":\"23:31:00\"}]"}`)
			return
		}
		fmt.Fprint(w, `{"data":"[]"}`)
	})

	srv := httptest.NewServer(p.mux)
	return p, srv
}

func newTestSession(t *testing.T, baseURL string) *Session {
	t.Helper()
	s, err := NewSession(Config{BaseURL: baseURL + "/portal", Username: "user", Password: "pass"})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestEnsureValidLogsInOnce(t *testing.T) {
	portal, srv := newFakePortal(t)
	defer srv.Close()
	s := newTestSession(t, srv.URL)

	token, err := s.EnsureValid(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if token != "page-token" {
		t.Errorf("token = %q, want page-token", token)
	}
	if portal.logins != 1 {
		t.Errorf("logins = %d, want 1", portal.logins)
	}

	// Second call: session already valid, no second login.
	before := portal.probeCount
	if _, err := s.EnsureValid(context.Background()); err != nil {
		t.Fatal(err)
	}
	if portal.logins != 1 {
		t.Errorf("revalidation triggered another login (%d)", portal.logins)
	}
	if portal.probeCount != before+1 {
		t.Errorf("revalidation should cost exactly one probe, got %d extra", portal.probeCount-before)
	}
}

func TestEnsureValidMissingCSRFIsAuthError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/portal/qcnews", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>no token here</body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newTestSession(t, srv.URL)
	_, err := s.EnsureValid(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Errorf("err = %v, want ErrAuth", err)
	}
}

func TestFetchGrid(t *testing.T) {
	_, srv := newFakePortal(t)
	defer srv.Close()
	s := newTestSession(t, srv.URL)

	channels, err := s.FetchGrid(context.Background(), "2026-03-15")
	if err != nil {
		t.Fatal(err)
	}
	if len(channels) != 2 {
		t.Fatalf("got %d channels", len(channels))
	}
	first := channels[0]
	if first.ChannelName != "Aaj Tak" || first.BarcCode != "B1" || first.LoggerID != "L1" || first.ClusterID != "3" {
		t.Errorf("first row = %+v", first)
	}
	if !first.HasPending || first.PendingQC != 12 {
		t.Errorf("pending = %+v", first)
	}
	if channels[1].HasPending {
		t.Errorf("row without pendqcrec should report HasPending=false: %+v", channels[1])
	}
}

func TestFetchGridPendingValidation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/portal/qcnews", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><input type="hidden" name="_csrf" value="tok"></body></html>`)
	})
	mux.HandleFunc("/portal/qcnews/getdatagrid", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"qcGridData":[
			{"channelname":"A","barcchannelcode":"B1","totltime":"20:00:00","pendqcrec":"abc"},
			{"channelname":"B","barcchannelcode":"B2","totltime":"20:00:00","pendqcrec":" 42 "},
			{"channelname":"C","barcchannelcode":"B3","totltime":"20:00:00","pendqcrec":null},
			{"channelname":"D","barcchannelcode":"B4","totltime":"20:00:00","pendqcrec":7}
		]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	s := newTestSession(t, srv.URL)

	channels, err := s.FetchGrid(context.Background(), "2026-03-15")
	if err != nil {
		t.Fatal(err)
	}
	if len(channels) != 4 {
		t.Fatalf("got %d channels", len(channels))
	}
	if channels[0].HasPending {
		t.Errorf("non-numeric pendqcrec must leave the count unknown: %+v", channels[0])
	}
	if !channels[1].HasPending || channels[1].PendingQC != 42 {
		t.Errorf("numeric string pendqcrec = %+v, want 42", channels[1])
	}
	if channels[2].HasPending {
		t.Errorf("null pendqcrec must leave the count unknown: %+v", channels[2])
	}
	if !channels[3].HasPending || channels[3].PendingQC != 7 {
		t.Errorf("number pendqcrec = %+v, want 7", channels[3])
	}
}

func TestFetchStoryEnds(t *testing.T) {
	_, srv := newFakePortal(t)
	defer srv.Close()
	s := newTestSession(t, srv.URL)

	ends, err := s.FetchStoryEnds(context.Background(), "2026-03-15", map[string]GridChannel{
		"aaj tak":  {ChannelName: "Aaj Tak", BarcCode: "B1", LoggerID: "L1"},
		"zee news": {ChannelName: "Zee News", BarcCode: "B2", LoggerID: "L2"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if ends["aaj tak"] != "23:31:00" {
		t.Errorf("aaj tak end = %q", ends["aaj tak"])
	}
	if ends["zee news"] != "" {
		t.Errorf("zee news should have no story end, got %q", ends["zee news"])
	}
}

func TestScrapeCSRF(t *testing.T) {
	token, err := scrapeCSRF(`<form><input name="_csrf" value="abc123"></form>`)
	if err != nil || token != "abc123" {
		t.Errorf("scrapeCSRF = %q, %v", token, err)
	}
	if _, err := scrapeCSRF(`<form><input name="other" value="x"></form>`); err == nil {
		t.Error("missing token should error")
	}
}
