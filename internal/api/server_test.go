package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/guqu-crawler/internal/config"
	"github.com/JakeFAU/guqu-crawler/internal/crawler"
	"github.com/JakeFAU/guqu-crawler/internal/storage/memory"
)

func TestServer_Crawl_PersistsRecords(t *testing.T) {
	t.Parallel()

	h := &fakeHarvester{result: sampleResult()}
	sink := memory.NewRecordStore()
	server := newTestServer(h, sink, config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/musics/crawl", bytes.NewBufferString(`{"categories":["古筝曲"]}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeEnvelope(t, rec.Body)
	require.Equal(t, 0, body.Code)
	require.Equal(t, "run-1", body.Data["run_id"])
	require.EqualValues(t, 2, body.Data["created"])
	require.Equal(t, []string{"古筝曲"}, h.allowed)
	require.Equal(t, 2, sink.Len())

	rows, err := sink.Query(context.Background(), "古筝曲", 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, crawler.MediaPending, rows[0].MediaStatus)
	require.Equal(t, "http://music.guqu.net/uploads/a.mp3", rows[0].URL)
}

func TestServer_Crawl_EmptyBodyUsesDefaults(t *testing.T) {
	t.Parallel()

	h := &fakeHarvester{result: crawler.CrawlResult{RunID: "run-empty"}}
	server := newTestServer(h, memory.NewRecordStore(), config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/musics/crawl", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, h.allowed)
}

func TestServer_Crawl_InvalidJSON(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeHarvester{}, memory.NewRecordStore(), config.Config{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/musics/crawl", bytes.NewBufferString("{invalid"))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Crawl_HomeFailure(t *testing.T) {
	t.Parallel()

	h := &fakeHarvester{
		result: crawler.CrawlResult{RunID: "run-2"},
		err:    fmt.Errorf("discover categories: %w", crawler.ErrTransport),
	}
	sink := memory.NewRecordStore()
	server := newTestServer(h, sink, config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/musics/crawl", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	body := decodeEnvelope(t, rec.Body)
	require.Equal(t, 1, body.Code)
	require.Contains(t, body.Msg, "discover categories")
	require.Zero(t, sink.Len())
}

func TestServer_Crawl_TimeoutKeepsPartialRecords(t *testing.T) {
	t.Parallel()

	h := &fakeHarvester{result: sampleResult(), waitForDone: true}
	sink := &ctxSink{RecordStore: memory.NewRecordStore()}
	server := newTestServer(h, sink, config.Config{Server: config.ServerConfig{CrawlTimeout: 20 * time.Millisecond}})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/musics/crawl", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	body := decodeEnvelope(t, rec.Body)
	require.EqualValues(t, 2, body.Data["created"])
	require.Equal(t, 2, sink.Len())
}

func TestServer_Crawl_ConflictWhileBusy(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeHarvester{}, memory.NewRecordStore(), config.Config{})
	server.busy.Lock()
	defer server.busy.Unlock()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/musics/crawl", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_Crawl_SinkError(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeHarvester{result: sampleResult()}, &failingSink{}, config.Config{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/musics/crawl", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_Patch_NothingToDo(t *testing.T) {
	t.Parallel()

	h := &fakeHarvester{}
	server := newTestServer(h, memory.NewRecordStore(), config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/musics/patch", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeEnvelope(t, rec.Body)
	require.Equal(t, 0, body.Code)
	require.Equal(t, "no records need media", body.Msg)
	require.Zero(t, h.materialized)
}

func TestServer_Patch_UpdatesSink(t *testing.T) {
	t.Parallel()

	sink := memory.NewRecordStore()
	_, err := sink.CreateRecords(context.Background(), crawler.NewStoredRecords(sampleResult(), time.Unix(10, 0)))
	require.NoError(t, err)

	h := &fakeHarvester{failExternalID: "200"}
	server := newTestServer(h, sink, config.Config{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/musics/patch", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeEnvelope(t, rec.Body)
	require.EqualValues(t, 1, body.Data["fetched"])
	require.EqualValues(t, 1, body.Data["failed"])
	require.Equal(t, 2, h.materialized)

	pending, err := sink.FindRecordsNeedingMedia(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "200", pending[0].ExternalID)
	require.Equal(t, crawler.MediaFailed, pending[0].MediaStatus)

	latest := httptest.NewRecorder()
	server.Handler().ServeHTTP(latest, httptest.NewRequest(http.MethodGet, "/api/v1/runs/latest", nil))
	require.Equal(t, http.StatusOK, latest.Code)
	require.Contains(t, latest.Body.String(), `"kind":"patch"`)
}

func TestServer_ListMusics(t *testing.T) {
	t.Parallel()

	sink := memory.NewRecordStore()
	_, err := sink.CreateRecords(context.Background(), crawler.NewStoredRecords(sampleResult(), time.Unix(10, 0)))
	require.NoError(t, err)
	server := newTestServer(&fakeHarvester{}, sink, config.Config{})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/musics?category=%E5%8F%A4%E7%AD%9D%E6%9B%B2&page=0&size=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Code int                    `json:"code"`
		Data []crawler.StoredRecord `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Data, 1)
	require.Equal(t, "100", body.Data[0].ExternalID)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/musics?category=none", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"data":[]`)
}

func TestServer_ListMusics_BadParams(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeHarvester{}, memory.NewRecordStore(), config.Config{})
	for _, target := range []string{
		"/api/v1/musics?page=abc",
		"/api/v1/musics?page=-1",
		"/api/v1/musics?size=0",
		"/api/v1/musics?size=5000",
	} {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestServer_LatestRun_NotFound(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeHarvester{}, memory.NewRecordStore(), config.Config{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/latest", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeHarvester{}, memory.NewRecordStore(), config.Config{})
	for _, target := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusOK, rec.Code, target)
	}
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	server := newTestServer(&fakeHarvester{}, memory.NewRecordStore(), cfg)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/musics", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/musics", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/musics?api_key=secret", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeHarvester{}, memory.NewRecordStore(), config.Config{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "given")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "given", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

type fakeHarvester struct {
	mu             sync.Mutex
	result         crawler.CrawlResult
	err            error
	allowed        []string
	materialized   int
	failExternalID string
	waitForDone    bool
}

func (f *fakeHarvester) Crawl(ctx context.Context, allowed []string) (crawler.CrawlResult, error) {
	f.mu.Lock()
	f.allowed = allowed
	result, err, wait := f.result, f.err, f.waitForDone
	f.mu.Unlock()
	if wait {
		<-ctx.Done()
		return result, fmt.Errorf("crawl canceled during detail: %w", ctx.Err())
	}
	return result, err
}

func (f *fakeHarvester) Materialize(
	ctx context.Context,
	_ crawler.MediaStore,
	records []crawler.DownloadRecord,
	update crawler.UpdateFunc,
) ([]crawler.MediaFile, error) {
	f.mu.Lock()
	f.materialized += len(records)
	f.mu.Unlock()
	files := make([]crawler.MediaFile, 0, len(records))
	for _, rec := range records {
		file := crawler.MediaFile{DownloadRecord: rec, MediaStatus: crawler.MediaFetched}
		u := crawler.MediaUpdate{ExternalID: rec.ExternalID, MediaStatus: crawler.MediaFetched}
		if rec.ExternalID == f.failExternalID {
			file.MediaStatus = crawler.MediaFailed
			u.MediaStatus = crawler.MediaFailed
		} else {
			file.StoredRelativePath = rec.CategoryName + "/" + rec.Name + "-" + rec.ExternalID + ".mp3"
			u.StoredRelativePath = file.StoredRelativePath
		}
		if err := update(ctx, u); err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, nil
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

type failingSink struct{}

func (failingSink) CreateRecords(context.Context, []crawler.StoredRecord) ([]int64, error) {
	return nil, errors.New("db down")
}

func (failingSink) FindRecordsNeedingMedia(context.Context) ([]crawler.StoredRecord, error) {
	return nil, errors.New("db down")
}

func (failingSink) UpdateMedia(context.Context, crawler.MediaUpdate) error {
	return errors.New("db down")
}

func (failingSink) Query(context.Context, string, int, int) ([]crawler.StoredRecord, error) {
	return nil, errors.New("db down")
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

type testEnvelope struct {
	Code int            `json:"code"`
	Msg  string         `json:"msg"`
	Data map[string]any `json:"data"`
}

func decodeEnvelope(t *testing.T, r io.Reader) testEnvelope {
	t.Helper()
	var body testEnvelope
	require.NoError(t, json.NewDecoder(r).Decode(&body))
	return body
}

func sampleResult() crawler.CrawlResult {
	cats := []crawler.Category{{Index: 0, Name: "古筝曲", SourceURL: "http://music.guqu.net/guzhengqu/"}}
	return crawler.CrawlResult{
		RunID:      "run-1",
		Categories: cats,
		Records: []crawler.DownloadRecord{
			{
				MusicItem: crawler.MusicItem{
					Seq: 0, ExternalID: "100", Name: "渔舟唱晚", Title: "渔舟唱晚 古筝",
					Author: "佚名", CategoryIndex: 0, CategoryName: "古筝曲",
				},
				ResourceURL: "http://music.guqu.net/uploads/a.mp3",
			},
			{
				MusicItem: crawler.MusicItem{
					Seq: 1, ExternalID: "200", Name: "高山流水", Title: "高山流水",
					Author: "佚名", CategoryIndex: 0, CategoryName: "古筝曲", LocalIndex: 1,
				},
				ResourceURL: "http://music.guqu.net/uploads/b.mp3",
			},
		},
		Stats: []crawler.StageStats{{Stage: "home", Input: 1, Succeeded: 1}},
	}
}

func newTestServer(h Harvester, sink crawler.RecordSink, cfg config.Config) *Server {
	return NewServer(h, sink, nil, &fakeClock{now: time.Unix(100, 0).UTC()}, cfg, zap.NewNop())
}
