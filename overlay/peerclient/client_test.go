package peerclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sarafanio/overlay/overlay/magnet"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	host := strings.TrimPrefix(ts.URL, "http://")
	c, err := New(host, "", "", DefaultTimeouts())
	require.NoError(t, err)
	return c, ts
}

func TestHello(t *testing.T) {
	c, ts := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/hello", r.URL.Path)
		w.Write([]byte(`{"version":"1.0.0","content_service_id":"content.example"}`))
	})
	defer ts.Close()

	resp, err := c.Hello(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1.0.0", resp.Version)
	require.Equal(t, "content.example", resp.ContentServiceID)
}

func TestDiscover(t *testing.T) {
	m := magnet.FromBytes([]byte("discover target"))
	c, ts := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/discover", r.URL.Path)
		require.Equal(t, m.String(), r.URL.Query().Get("magnet"))
		w.Write([]byte(`{"match":[{"service_id":"a","rating":1}],"near":[{"service_id":"b","rating":0.5}]}`))
	})
	defer ts.Close()

	match, near, err := c.Discover(context.Background(), m)
	require.NoError(t, err)
	require.Len(t, match, 1)
	require.Equal(t, "a", match[0].ServiceID)
	require.Len(t, near, 1)
	require.Equal(t, "b", near[0].ServiceID)
}

func TestDiscoverUnsupported(t *testing.T) {
	c, ts := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotImplemented)
	})
	defer ts.Close()

	_, _, err := c.Discover(context.Background(), magnet.FromBytes([]byte("x")))
	require.ErrorIs(t, err, ErrUnsupportedPeerMethod)
}

func TestHasMagnet(t *testing.T) {
	m := magnet.FromBytes([]byte("present content"))
	c, ts := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		if strings.Contains(r.URL.Path, m.String()[:16]) {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	defer ts.Close()

	has, err := c.HasMagnet(context.Background(), m)
	require.NoError(t, err)
	require.True(t, has)

	missing := magnet.FromBytes([]byte("absent content"))
	has, err = c.HasMagnet(context.Background(), missing)
	require.NoError(t, err)
	require.False(t, has)
}

func TestDownloadSuccess(t *testing.T) {
	payload := "the bundle bytes"
	c, ts := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		w.Write([]byte(payload))
	})
	defer ts.Close()

	var got string
	err := c.Download(context.Background(), magnet.FromBytes([]byte("x")), func(m magnet.Magnet, src io.Reader) error {
		b, err := io.ReadAll(src)
		got = string(b)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestDownloadSinkErrorIsWrapped(t *testing.T) {
	sinkErr := errors.New("checksum mismatch")
	c, ts := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bytes"))
	})
	defer ts.Close()

	err := c.Download(context.Background(), magnet.FromBytes([]byte("x")), func(m magnet.Magnet, src io.Reader) error {
		io.Copy(io.Discard, src)
		return sinkErr
	})
	require.ErrorIs(t, err, ErrDownload)
	require.ErrorIs(t, err, sinkErr)
}

func TestUploadAccepted(t *testing.T) {
	m := magnet.FromBytes([]byte("upload me"))
	var gotBody string
	c, ts := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/upload/"+m.String(), r.URL.Path)
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusAccepted)
	})
	defer ts.Close()

	err := c.Upload(context.Background(), m, strings.NewReader("payload bytes"))
	require.NoError(t, err)
	require.Equal(t, "payload bytes", gotBody)
}

func TestUploadRejectedOverSizeLimit(t *testing.T) {
	c, ts := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	defer ts.Close()

	err := c.Upload(context.Background(), magnet.FromBytes([]byte("x")), strings.NewReader("too big"))
	require.ErrorIs(t, err, ErrUpload)
}
