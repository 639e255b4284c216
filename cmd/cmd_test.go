package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/guqu-crawler/internal/app"
	"github.com/JakeFAU/guqu-crawler/internal/config"
	"github.com/JakeFAU/guqu-crawler/internal/crawler"
	"github.com/JakeFAU/guqu-crawler/internal/storage/memory"
)

const homePage = `<html><body><div class="im_c3">
<dl><dt class="im_tm1"><a href="/gzq/">古筝曲</a></dt></dl>
<dl><dt class="im_tm1"><a href="/lxq/">流行曲</a></dt></dl>
</div></body></html>`

const categoryPage = `<html><body>
<div class="showpage">共 <b>2</b> 首 每页 <b>10</b> 首</div>
<div class="pub"><div class="c628">
<ul class="c628title"><div>曲名</div><span>作者</span></ul>
<ul><div><a href="/gzq/4821.html">渔舟唱晚 古筝独奏</a></div><span>娄树华</span></ul>
<ul><div><a href="/gzq/4822.html">高山流水</a></div><span>佚名</span></ul>
</div></div></body></html>`

const detailPage = `<html><body><object id="MediaPlayer1">
<param name="URL" value="%s/media/%s.mp3">
</object></body></html>`

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	html := func(w http.ResponseWriter, body string) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(body))
	}
	mux.HandleFunc("/{$}", func(w http.ResponseWriter, _ *http.Request) { html(w, homePage) })
	mux.HandleFunc("/gzq/", func(w http.ResponseWriter, _ *http.Request) { html(w, categoryPage) })
	mux.HandleFunc("/guquplayer1.asp", func(w http.ResponseWriter, r *http.Request) {
		html(w, fmt.Sprintf(detailPage, srv.URL, r.URL.Query().Get("Musicid")))
	})
	mux.HandleFunc("/media/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/media/4822.mp3" {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("ID3 audio bytes"))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func siteConfig(baseURL string) config.Config {
	stage := config.StageConfig{Concurrency: 2, Timeout: 2 * time.Second, MaxAttempts: 2, RetryDelay: time.Millisecond}
	return config.Config{
		Server: config.ServerConfig{Port: 7001},
		Site: config.SiteConfig{
			BaseURL:           baseURL + "/",
			Charset:           "gb2312",
			UserAgent:         "test-agent",
			DetailURLTemplate: "/guquplayer1.asp?Musicid={id}&urlid=1",
			ListingPagePrefix: "List_",
			ListingPageExt:    ".html",
		},
		Crawler: config.CrawlerConfig{Categories: []string{"古筝曲"}},
		Stages:  config.StagesConfig{Pagination: stage, Listing: stage, Detail: stage, Media: stage},
		HTTP:    config.HTTPConfig{Timeout: 2 * time.Second},
		Storage: config.StorageConfig{Backend: config.BackendMemory},
		DB:      config.DBConfig{Backend: config.BackendMemory},
	}
}

func TestRunCrawl_PersistsAndMaterializes(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	a, err := app.New(context.Background(), siteConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	out := filepath.Join(t.TempDir(), "result.json")
	err = runCrawl(context.Background(), a, &crawlOptions{output: out, media: true}, &bytes.Buffer{})
	require.NoError(t, err)

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var result crawler.CrawlResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Records, 2)
	require.Equal(t, "4821", result.Records[0].ExternalID)
	require.Equal(t, "渔舟唱晚", result.Records[0].Name)
	require.Equal(t, srv.URL+"/media/4821.mp3", result.Records[0].ResourceURL)

	rows, err := a.Records.Query(context.Background(), "古筝曲", 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	pending, err := a.Records.FindRecordsNeedingMedia(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "4822", pending[0].ExternalID)
	require.Equal(t, crawler.MediaFailed, pending[0].MediaStatus)

	store, ok := a.Media.(*memory.MediaStore)
	require.True(t, ok)
	body, ok := store.Get("古筝曲/渔舟唱晚-4821.mp3")
	require.True(t, ok)
	require.Equal(t, "ID3 audio bytes", string(body))
}

func TestRunCrawl_WritesStdout(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	a, err := app.New(context.Background(), siteConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	var stdout bytes.Buffer
	require.NoError(t, runCrawl(context.Background(), a, &crawlOptions{output: "-"}, &stdout))
	require.Contains(t, stdout.String(), `"run_id": "run-`)
	require.Contains(t, stdout.String(), "高山流水")
}

func TestRunCrawl_HomeFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	a, err := app.New(context.Background(), siteConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	err = runCrawl(context.Background(), a, &crawlOptions{}, &bytes.Buffer{})
	require.ErrorIs(t, err, crawler.ErrTransport)
}

func TestRunCrawl_InterruptedKeepsPartialRecords(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := http.NewServeMux()
	var srv *httptest.Server
	html := func(w http.ResponseWriter, body string) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(body))
	}
	mux.HandleFunc("/{$}", func(w http.ResponseWriter, _ *http.Request) { html(w, homePage) })
	mux.HandleFunc("/gzq/", func(w http.ResponseWriter, _ *http.Request) { html(w, categoryPage) })
	mux.HandleFunc("/guquplayer1.asp", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("Musicid")
		if id == "4822" {
			cancel()
			<-r.Context().Done()
			return
		}
		html(w, fmt.Sprintf(detailPage, srv.URL, id))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := siteConfig(srv.URL)
	cfg.Stages.Detail.Concurrency = 1
	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()
	sink := &ctxSink{RecordStore: memory.NewRecordStore()}
	a.Records = sink

	err = runCrawl(ctx, a, &crawlOptions{}, &bytes.Buffer{})
	require.ErrorIs(t, err, context.Canceled)

	rows, err := sink.Query(context.Background(), "", 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "4821", rows[0].ExternalID)
}

// ctxSink rejects writes on a done context the way a database driver does.
type ctxSink struct {
	*memory.RecordStore
}

func (s *ctxSink) CreateRecords(ctx context.Context, rows []crawler.StoredRecord) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.RecordStore.CreateRecords(ctx, rows)
}

func TestResolveAppMissing(t *testing.T) {
	t.Parallel()

	_, err := resolveApp(context.Background())
	require.EqualError(t, err, "application services not initialized")
}

func TestRootCmdRegistersSubcommands(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	for _, name := range []string{"serve", "crawl", "media"} {
		sub, _, err := root.Find([]string{name})
		require.NoError(t, err)
		require.Equal(t, name, sub.Name())
	}
	require.NotNil(t, root.PersistentFlags().Lookup("config"))
}

//nolint:paralleltest // replaces the package-level app factory
func TestMediaCmd_NothingPending(t *testing.T) {
	srv := newSite(t)
	orig := newApp
	t.Cleanup(func() { newApp = orig })
	newApp = func(ctx context.Context, _ string) (*app.App, error) {
		return app.New(ctx, siteConfig(srv.URL), zap.NewNop())
	}

	root := newRootCmd()
	root.SetArgs([]string{"media"})
	root.SetOut(&bytes.Buffer{})
	require.NoError(t, root.ExecuteContext(context.Background()))
}

//nolint:paralleltest // replaces the package-level app factory
func TestRootCmd_AppInitFailure(t *testing.T) {
	orig := newApp
	t.Cleanup(func() { newApp = orig })
	newApp = func(context.Context, string) (*app.App, error) {
		return nil, errors.New("boom")
	}

	root := newRootCmd()
	root.SetArgs([]string{"crawl"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "failed to initialize application services: boom")
}

//nolint:paralleltest // replaces the package-level app factory
func TestServeCmd_StopsOnCancel(t *testing.T) {
	srv := newSite(t)
	orig := newApp
	t.Cleanup(func() { newApp = orig })
	newApp = func(ctx context.Context, _ string) (*app.App, error) {
		cfg := siteConfig(srv.URL)
		cfg.Server.Port = 0
		return app.New(ctx, cfg, zap.NewNop())
	}

	ctx, cancel := context.WithCancel(context.Background())
	root := newRootCmd()
	root.SetArgs([]string{"serve"})
	root.SetOut(&bytes.Buffer{})

	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}
