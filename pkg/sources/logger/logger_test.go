package logger

import (
	"reflect"
	"testing"
	"time"

	"github.com/tagwatch/tagwatch/pkg/namematch"
)

func stamp(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(clipStampLayout, s)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func TestGroupLatestEnds(t *testing.T) {
	norm := namematch.NewNormalizer(map[string]string{"dd news": "dd news new"})
	clips := []Clip{
		{ChannelName: "Aaj Tak", End: stamp(t, "15-03-2026 21:00:00")},
		{ChannelName: " aaj tak ", End: stamp(t, "15-03-2026 22:00:00")},
		{ChannelName: "DD News", End: stamp(t, "15-03-2026 20:00:00")},
		{ChannelName: "DD News New", End: stamp(t, "15-03-2026 19:00:00")},
		{ChannelName: "", End: stamp(t, "15-03-2026 23:00:00")},
	}

	got := GroupLatestEnds(clips, norm)

	if len(got) != 2 {
		t.Fatalf("got %d groups, want 2: %v", len(got), got)
	}
	if got["aaj tak"].End != stamp(t, "15-03-2026 22:00:00") {
		t.Errorf("aaj tak retained end = %v, want the later observation", got["aaj tak"].End)
	}
	if got["aaj tak"].OriginalName != " aaj tak " {
		t.Errorf("display name should come from the retained observation, got %q", got["aaj tak"].OriginalName)
	}
	// Alias folds both DD News spellings into one key, keeping the later end.
	if got["dd news new"].End != stamp(t, "15-03-2026 20:00:00") {
		t.Errorf("dd news new end = %v", got["dd news new"].End)
	}
}

func TestGroupLatestEndsFirstWinsOnTie(t *testing.T) {
	norm := namematch.NewNormalizer(nil)
	clips := []Clip{
		{ChannelName: "Zee News", End: stamp(t, "15-03-2026 22:00:00")},
		{ChannelName: "ZEE NEWS", End: stamp(t, "15-03-2026 22:00:00")},
	}
	got := GroupLatestEnds(clips, norm)
	if got["zee news"].OriginalName != "Zee News" {
		t.Errorf("tie should keep the first-seen record, got %q", got["zee news"].OriginalName)
	}
}

func TestLatestEndMidnightCorrection(t *testing.T) {
	le := LatestEnd{End: stamp(t, "16-03-2026 00:00:00")}
	if got := le.EndClock(); got != "23:59:59" {
		t.Errorf("EndClock() = %q, want 23:59:59", got)
	}
	le = LatestEnd{End: stamp(t, "15-03-2026 23:10:00")}
	if got := le.EndClock(); got != "23:10:00" {
		t.Errorf("EndClock() = %q, want 23:10:00", got)
	}
}

func TestGroupWindows(t *testing.T) {
	clips := []Clip{
		{ChannelCode: "1010013", ChannelName: "Aaj Tak", Start: stamp(t, "15-03-2026 09:00:00"), End: stamp(t, "15-03-2026 12:00:00")},
		{ChannelCode: "1010013", ChannelName: "Aaj Tak", Start: stamp(t, "15-03-2026 06:30:00"), End: stamp(t, "15-03-2026 10:00:00")},
		{ChannelCode: "1010013", ChannelName: "Aaj Tak", Start: stamp(t, "15-03-2026 14:00:00"), End: stamp(t, "16-03-2026 00:00:00")},
		{ChannelCode: "1010022", ChannelName: "Zee News", Start: stamp(t, "15-03-2026 07:00:00"), End: stamp(t, "15-03-2026 22:30:00")},
		{ChannelCode: "", ChannelName: "ignored", Start: stamp(t, "15-03-2026 01:00:00"), End: stamp(t, "15-03-2026 02:00:00")},
	}

	got := GroupWindows(clips)
	want := map[string]Window{
		"1010013": {Name: "Aaj Tak", Start: "06:30:00", End: "23:59:59"},
		"1010022": {Name: "Zee News", Start: "07:00:00", End: "22:30:00"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("GroupWindows = %v, want %v", got, want)
	}
}

func TestChunk(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	got := chunk(ids, 2)
	want := [][]string{{"a", "b"}, {"c", "d"}, {"e"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("chunk = %v, want %v", got, want)
	}
	if chunk(nil, 2) != nil {
		t.Error("chunk(nil) should be nil")
	}
}

func TestExportPayload(t *testing.T) {
	got := exportPayload("2026-03-15", []string{"1010013", "1010022"})
	want := `{"StartDateUTC":"2026-03-15T00:00:00","EndDateUTC":"2026-03-15T23:59:59","SignalIds":[],"ChannelIds":["1010013","1010022"]}`
	if got != want {
		t.Errorf("exportPayload = %s, want %s", got, want)
	}
}
