package api

import (
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/lookout/internal/identity"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*identity.Store, http.Handler) {
	t.Helper()
	root := t.TempDir()
	logger, _ := test.NewNullLogger()
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)
	s, err := identity.Open(filepath.Join(root, "faces"), filepath.Join(root, "info.json"),
		identity.WithLogger(logger), identity.WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	for _, v := range []uint8{0, 200} {
		img := image.NewGray(image.Rect(0, 0, 8, 8))
		for i := range img.Pix {
			img.Pix[i] = v
		}
		_, err := s.Create(img)
		require.NoError(t, err)
	}
	return s, NewRouter(s, logger)
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestList(t *testing.T) {
	_, h := setup(t)
	rec := do(h, http.MethodGet, "/api/v1/identities", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got []IdentityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, IdentityResponse{ID: "face_1", Name: "Person 1", LastSeen: "2024-05-01 10:00:00", HasImage: true}, got[0])
	assert.Equal(t, "face_2", got[1].ID)
}

func TestGet(t *testing.T) {
	_, h := setup(t)

	rec := do(h, http.MethodGet, "/api/v1/identities/face_2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got IdentityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Person 2", got.Name)

	rec = do(h, http.MethodGet, "/api/v1/identities/face_9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRename(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		body   string
		status int
	}{
		{name: "Valid", id: "face_1", body: `{"name":"Ana"}`, status: http.StatusOK},
		{name: "Empty name", id: "face_1", body: `{"name":"  "}`, status: http.StatusBadRequest},
		{name: "Bad JSON", id: "face_1", body: `{"name":`, status: http.StatusBadRequest},
		{name: "Unknown identity", id: "face_7", body: `{"name":"Bo"}`, status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, h := setup(t)
			rec := do(h, http.MethodPut, "/api/v1/identities/"+tt.id+"/name", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				got, _ := s.Get(tt.id)
				assert.Equal(t, "Ana", got.DisplayName)
			}
		})
	}
}

func TestImage(t *testing.T) {
	_, h := setup(t)
	rec := do(h, http.MethodGet, "/api/v1/identities/face_1/image", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	rec = do(h, http.MethodGet, "/api/v1/identities/face_3/image", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	_, h := setup(t)
	rec := do(h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","identities":2}`, rec.Body.String())
}

func TestListSeesIdentitiesFromOtherWriters(t *testing.T) {
	s, h := setup(t)
	logger, _ := test.NewNullLogger()
	other, err := identity.Open(s.Dir(), filepath.Join(filepath.Dir(s.Dir()), "info.json"), identity.WithLogger(logger))
	require.NoError(t, err)
	_, err = other.Create(image.NewGray(image.Rect(0, 0, 8, 8)))
	require.NoError(t, err)

	rec := do(h, http.MethodGet, "/api/v1/identities", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []IdentityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 3)
	assert.Equal(t, IdentityResponse{ID: "face_3", Name: "Person 3", LastSeen: got[2].LastSeen, HasImage: true}, got[2])
}
