package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mes-execution-backend/config"
	"mes-execution-backend/internal/model"
	"mes-execution-backend/internal/testutil"
)

// upstream serves lots lot-1..lot-n in pages and records each request body.
type upstream struct {
	mu       sync.Mutex
	n        int
	failPage int
	requests []map[string]any
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	_ = json.NewDecoder(r.Body).Decode(&req)
	u.mu.Lock()
	u.requests = append(u.requests, req)
	u.mu.Unlock()

	page := int(req["page"].(float64))
	size := int(req["pageSize"].(float64))
	if page == u.failPage {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	var items []map[string]any
	for i := (page-1)*size + 1; i <= page*size && i <= u.n; i++ {
		items = append(items, map[string]any{"id": fmt.Sprintf("issue-%d", i), "lot": fmt.Sprintf("lot-%d", i)})
	}
	resp := map[string]any{
		"code": 0,
		"data": map[string]any{"page": page, "pageSize": size, "total": u.n, "items": items},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func pollSource(url string) config.IngestSource {
	return config.IngestSource{
		Name:      "paste-feed",
		Enabled:   true,
		URL:       url,
		EventType: model.EventIngest,
		PageSize:  2,
		Headers:   map[string]string{"X-Token": "secret"},
		Payload:   map[string]any{"workshop": "W1"},
		Mapping:   config.IngestMapping{DedupeKeyPath: "payload.id", LotIDPath: "payload.lot"},
	}
}

func TestPoller_PollOnce(t *testing.T) {
	up := &upstream{n: 5}
	server := httptest.NewServer(up)
	defer server.Close()

	db := testutil.NewDB(t)
	src := pollSource(server.URL)
	p := NewPoller(src, newService(db, src), discard())

	res, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollResult{Fetched: 5, Accepted: 5}, res)
	require.Len(t, up.requests, 3)
	assert.Equal(t, "W1", up.requests[0]["workshop"])
	assert.EqualValues(t, 3, up.requests[2]["page"])

	res, err = p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollResult{Fetched: 5, Duplicates: 5}, res)

	var count int64
	require.NoError(t, db.Model(&model.MesEvent{}).Where("entity_type = ?", "SOLDER_PASTE_LOT").Count(&count).Error)
	assert.EqualValues(t, 5, count)
}

func TestPoller_PartialFetch(t *testing.T) {
	up := &upstream{n: 5, failPage: 2}
	server := httptest.NewServer(up)
	defer server.Close()

	db := testutil.NewDB(t)
	src := pollSource(server.URL)
	p := NewPoller(src, newService(db, src), discard())

	res, err := p.PollOnce(context.Background())
	assert.ErrorContains(t, err, "fetch page 2")
	assert.Equal(t, PollResult{Fetched: 2, Accepted: 2}, res)
}

func TestPoller_RejectsApplicationError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		_, _ = w.Write([]byte(`{"code":7,"data":{}}`))
	}))
	defer server.Close()

	db := testutil.NewDB(t)
	src := pollSource(server.URL)
	p := NewPoller(src, newService(db, src), discard())

	res, err := p.PollOnce(context.Background())
	assert.ErrorContains(t, err, "application code 7")
	assert.Zero(t, res.Fetched)
}

func TestPoller_RunDisabled(t *testing.T) {
	db := testutil.NewDB(t)
	src := pollSource("")
	p := NewPoller(src, newService(db, src), discard())

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()
	<-done
}
