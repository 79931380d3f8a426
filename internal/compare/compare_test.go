package compare

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"rss_relay/internal/model"
	"rss_relay/internal/storage"
)

var testNow = time.Date(2024, 12, 14, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *storage.SQLite) {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	e := New(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.now = func() time.Time { return testNow }
	return e, s
}

func at(d time.Duration) *time.Time {
	t := testNow.Add(-d)
	return &t
}

func guids(entries []Entry) []string {
	var out []string
	for _, en := range entries {
		out = append(out, en.Article.GUID)
	}
	return out
}

func TestCompareNewThenSeen(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	articles := []model.Article{
		{GUID: "a", Title: "First", Published: at(time.Hour)},
		{GUID: "b", Title: "Second", Published: at(2 * time.Hour)},
	}

	res, err := e.Compare(ctx, 1, articles, Options{})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, guids(res.ToDeliver)); diff != "" {
		t.Errorf("first run deliveries mismatch (-want +got):\n%s", diff)
	}

	res, err = e.Compare(ctx, 1, articles, Options{})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(res.ToDeliver) != 0 {
		t.Errorf("expected nothing on second run, got %v", guids(res.ToDeliver))
	}
}

func TestComparePassingChange(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	opts := Options{Passing: []string{"Title"}}

	original := []model.Article{{GUID: "a", Title: "Draft"}}
	if _, err := e.Compare(ctx, 1, original, opts); err != nil {
		t.Fatalf("compare: %v", err)
	}

	unchanged, err := e.Compare(ctx, 1, original, opts)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(unchanged.ToDeliver) != 0 {
		t.Errorf("unchanged article delivered again: %v", guids(unchanged.ToDeliver))
	}

	edited := []model.Article{{GUID: "a", Title: "Final"}}
	res, err := e.Compare(ctx, 1, edited, opts)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if diff := cmp.Diff([]string{"a"}, guids(res.Passed)); diff != "" {
		t.Errorf("passed mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a"}, guids(res.ToDeliver)); diff != "" {
		t.Errorf("deliver mismatch (-want +got):\n%s", diff)
	}

	res, err = e.Compare(ctx, 1, edited, opts)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(res.ToDeliver) != 0 {
		t.Errorf("edited article delivered twice: %v", guids(res.ToDeliver))
	}
}

func TestCompareNewPassingFieldIsNotAChange(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)

	articles := []model.Article{{GUID: "a", Title: "T", Description: "body"}}
	if _, err := e.Compare(ctx, 1, articles, Options{}); err != nil {
		t.Fatalf("compare: %v", err)
	}

	res, err := e.Compare(ctx, 1, articles, Options{Passing: []string{"description"}})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(res.ToDeliver) != 0 {
		t.Errorf("newly tracked field triggered delivery: %v", guids(res.ToDeliver))
	}

	id := Identify(articles)[0].ID
	stored, err := s.FindArticleFields(ctx, 1, []string{id})
	if err != nil {
		t.Fatalf("find fields: %v", err)
	}
	if diff := cmp.Diff(Hash("body"), stored[id]["description"]); diff != "" {
		t.Errorf("tracked field not recorded (-want +got):\n%s", diff)
	}
}

func TestCompareBlocking(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	opts := Options{Blocking: []string{"title"}}

	if _, err := e.Compare(ctx, 1, []model.Article{{GUID: "a", Title: "Breaking news"}}, opts); err != nil {
		t.Fatalf("compare: %v", err)
	}

	repost := []model.Article{
		{GUID: "a-repost", Title: "Breaking news"},
		{GUID: "c", Title: "Something else"},
	}
	res, err := e.Compare(ctx, 1, repost, opts)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if diff := cmp.Diff([]string{"a-repost"}, guids(res.Blocked)); diff != "" {
		t.Errorf("blocked mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"c"}, guids(res.ToDeliver)); diff != "" {
		t.Errorf("deliver mismatch (-want +got):\n%s", diff)
	}

	// Blocked articles are recorded and stay quiet afterwards.
	res, err = e.Compare(ctx, 1, repost, opts)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(res.ToDeliver)+len(res.Blocked) != 0 {
		t.Errorf("expected no activity, got deliver=%v blocked=%v", guids(res.ToDeliver), guids(res.Blocked))
	}
}

func TestCompareBlockingWithinBatch(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	res, err := e.Compare(ctx, 1, []model.Article{
		{GUID: "x", Link: "https://example.com/post"},
		{GUID: "y", Link: "https://example.com/post"},
		{GUID: "z", Link: "https://example.com/other"},
	}, Options{Blocking: []string{"link"}})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if diff := cmp.Diff([]string{"x", "z"}, guids(res.ToDeliver)); diff != "" {
		t.Errorf("deliver mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"y"}, guids(res.Blocked)); diff != "" {
		t.Errorf("blocked mismatch (-want +got):\n%s", diff)
	}
}

func TestCompareFeedIsolation(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	articles := []model.Article{{GUID: "shared", Title: "Same URL"}}

	for _, feedID := range []int64{1, 2} {
		res, err := e.Compare(ctx, feedID, articles, Options{Blocking: []string{"title"}})
		if err != nil {
			t.Fatalf("compare feed %d: %v", feedID, err)
		}
		if diff := cmp.Diff([]string{"shared"}, guids(res.ToDeliver)); diff != "" {
			t.Errorf("feed %d deliver mismatch (-want +got):\n%s", feedID, diff)
		}
	}
}

func TestCompareStaleArticles(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	opts := Options{OldArticleThreshold: 72 * time.Hour}

	articles := []model.Article{
		{GUID: "fresh", Published: at(time.Hour)},
		{GUID: "old", Published: at(30 * 24 * time.Hour)},
		{GUID: "undated"},
	}
	res, err := e.Compare(ctx, 1, articles, opts)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if diff := cmp.Diff([]string{"fresh", "undated"}, guids(res.ToDeliver)); diff != "" {
		t.Errorf("deliver mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"old"}, guids(res.Stale)); diff != "" {
		t.Errorf("stale mismatch (-want +got):\n%s", diff)
	}

	// The stale article was recorded, so lifting the threshold does not deliver it.
	res, err = e.Compare(ctx, 1, articles, Options{})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(res.ToDeliver) != 0 {
		t.Errorf("expected stale article to be recorded, got %v", guids(res.ToDeliver))
	}
}

func TestCompareSeedOnFirstRun(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	opts := Options{SeedOnFirstRun: true}

	res, err := e.Compare(ctx, 1, []model.Article{{GUID: "a"}, {GUID: "b"}}, opts)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !res.Seeded || len(res.ToDeliver) != 0 {
		t.Fatalf("expected seeded run with no deliveries, got %+v", res)
	}

	res, err = e.Compare(ctx, 1, []model.Article{{GUID: "a"}, {GUID: "b"}, {GUID: "c"}}, opts)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if res.Seeded {
		t.Error("second run must not seed")
	}
	if diff := cmp.Diff([]string{"c"}, guids(res.ToDeliver)); diff != "" {
		t.Errorf("deliver mismatch (-want +got):\n%s", diff)
	}
}

func TestCompareUnidentifiableAlwaysNew(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)
	articles := []model.Article{{Description: "no guid, title or date"}}

	for run := 0; run < 2; run++ {
		res, err := e.Compare(ctx, 1, articles, Options{})
		if err != nil {
			t.Fatalf("compare: %v", err)
		}
		if diff := cmp.Diff(1, len(res.ToDeliver)); diff != "" {
			t.Errorf("run %d deliver count mismatch (-want +got):\n%s", run, diff)
		}
	}
}

func TestIdentify(t *testing.T) {
	pub := time.Date(2024, 12, 9, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		articles []model.Article
		want     []string
	}{
		{
			name:     "guid preferred",
			articles: []model.Article{{GUID: "g1", Title: "t1"}, {GUID: "g2", Title: "t2"}},
			want:     []string{IDGUID, IDGUID},
		},
		{
			name: "colliding guids fall back to title then date",
			articles: []model.Article{
				{GUID: "same", Title: "t1"},
				{GUID: "same", Published: &pub},
				{GUID: "same", Title: "t3"},
			},
			want: []string{IDTitle, IDPubDate, IDTitle},
		},
		{
			name:     "missing guid uses title",
			articles: []model.Article{{Title: "only title"}},
			want:     []string{IDTitle},
		},
		{
			name:     "nothing to identify",
			articles: []model.Article{{Link: "https://x"}},
			want:     []string{""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, en := range Identify(tt.articles) {
				got = append(got, en.IDType)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Identify mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
