package messaging

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagepilot/pagepilot/api/schemas"
)

// startServer runs a configured Server on a loopback port and tears it down
// with the test.
func startServer(t *testing.T, configure func(*Server)) string {
	t.Helper()
	srv := NewServer("127.0.0.1:0", zap.NewNop())
	configure(srv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	addr := srv.Addr()
	require.NotEmpty(t, addr, "server must come up")
	return "http://" + addr
}

func TestPrepareRoundTrip(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var got []schemas.PrepareRequest
	base := startServer(t, func(s *Server) {
		s.OnPrepare(func(_ context.Context, req schemas.PrepareRequest) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, req)
			return nil
		})
	})

	c := NewClient(base, nil, zap.NewNop())
	req := schemas.PrepareRequest{
		TaskID:        "t1",
		PublicationID: "p1",
		Settings:      map[string]any{"aspect_ratio": "16:9"},
		APIBaseURL:    "https://alt.backend.test",
	}
	require.NoError(t, c.Prepare(context.Background(), req))

	// Redelivery is the initiator's prerogative; the channel accepts it.
	require.NoError(t, c.Prepare(context.Background(), req))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].TaskID)
	assert.Equal(t, "16:9", got[0].Settings["aspect_ratio"])
	assert.Equal(t, "https://alt.backend.test", got[0].APIBaseURL)
}

func TestPrepareRequiresTaskID(t *testing.T) {
	t.Parallel()
	base := startServer(t, func(s *Server) {
		s.OnPrepare(func(context.Context, schemas.PrepareRequest) error { return nil })
	})

	c := NewClient(base, nil, zap.NewNop())
	err := c.Prepare(context.Background(), schemas.PrepareRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task_id")
}

func TestPrepareHandlerFailureIsRejection(t *testing.T) {
	t.Parallel()
	base := startServer(t, func(s *Server) {
		s.OnPrepare(func(context.Context, schemas.PrepareRequest) error {
			return errors.New("store unavailable")
		})
	})

	c := NewClient(base, nil, zap.NewNop())
	err := c.Prepare(context.Background(), schemas.PrepareRequest{TaskID: "t1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "store unavailable")
}

func TestExtractLinksRoundTrip(t *testing.T) {
	t.Parallel()
	base := startServer(t, func(s *Server) {
		s.OnLinks(func(context.Context) schemas.LinkSnapshot {
			return schemas.LinkSnapshot{
				ShareLink:    "https://studio.test/share/abc",
				DownloadLink: "https://cdn.test/download/abc.mp4",
			}
		})
	})

	c := NewClient(base, nil, zap.NewNop())
	snap, err := c.ExtractLinks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://studio.test/share/abc", snap.ShareLink)
	assert.Equal(t, "https://cdn.test/download/abc.mp4", snap.DownloadLink)
}

func TestResultSinkRoundTrip(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var got []schemas.AutomationResult
	base := startServer(t, func(s *Server) {
		s.OnResult(func(_ context.Context, res schemas.AutomationResult) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, res)
			return nil
		})
	})

	c := NewClient(base, nil, zap.NewNop())
	res := schemas.AutomationResult{
		TaskID:    "t1",
		ResultURL: "https://studio.test/share/abc",
		Status:    schemas.ResultSuccess,
	}
	require.NoError(t, c.SubmitResult(context.Background(), res))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "https://studio.test/share/abc", got[0].ResultURL)
}

func TestResultRejection(t *testing.T) {
	t.Parallel()
	base := startServer(t, func(s *Server) {
		s.OnResult(func(context.Context, schemas.AutomationResult) error {
			return errors.New("unknown task")
		})
	})

	c := NewClient(base, nil, zap.NewNop())
	err := c.SubmitResult(context.Background(), schemas.AutomationResult{TaskID: "t1"})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestUnknownMessageType(t *testing.T) {
	t.Parallel()
	base := startServer(t, func(s *Server) {})

	resp, err := http.Post(base+"/v1/message", "application/json",
		bytes.NewReader([]byte(`{"type":"SELF_DESTRUCT"}`)))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnregisteredHandlerRejects(t *testing.T) {
	t.Parallel()
	// An initiator-side server has no PREPARE handler.
	base := startServer(t, func(s *Server) {
		s.OnResult(func(context.Context, schemas.AutomationResult) error { return nil })
	})

	c := NewClient(base, nil, zap.NewNop())
	err := c.Prepare(context.Background(), schemas.PrepareRequest{TaskID: "t1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func TestMalformedEnvelope(t *testing.T) {
	t.Parallel()
	base := startServer(t, func(s *Server) {})

	resp, err := http.Post(base+"/v1/message", "application/json",
		bytes.NewReader([]byte(`{nope`)))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
