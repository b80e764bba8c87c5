package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursegrab/internal/domain"
	"coursegrab/internal/ledger"
	"coursegrab/internal/pathplan"
	"coursegrab/internal/service"
	"coursegrab/internal/storage"
)

type fakeController struct {
	startErr  error
	startedID string
	lastReq   domain.DownloadRequest
	cancelled bool
	snap      domain.SessionSnapshot
}

func (f *fakeController) Start(ctx context.Context, req domain.DownloadRequest) (string, error) {
	f.lastReq = req
	if f.startErr != nil {
		return "", f.startErr
	}
	if f.startedID == "" {
		f.startedID = "sess-1"
	}
	return f.startedID, nil
}

func (f *fakeController) Cancel() { f.cancelled = true }

func (f *fakeController) Subscribe() (<-chan domain.OverallProgressEvent, func()) {
	ch := make(chan domain.OverallProgressEvent)
	return ch, func() {}
}

func (f *fakeController) Snapshot() domain.SessionSnapshot { return f.snap }

func (f *fakeController) Shutdown() {}

type fakeHistory struct {
	sessions map[string]domain.Session
	deleted  []string
}

func (f *fakeHistory) SessionStarted(ctx context.Context, s *domain.Session) error { return nil }
func (f *fakeHistory) SessionUpdated(ctx context.Context, s *domain.Session) error { return nil }
func (f *fakeHistory) ReplaceItems(ctx context.Context, id string, items []domain.QueueItem) error {
	return nil
}
func (f *fakeHistory) RecordItem(ctx context.Context, id string, item domain.QueueItem) error {
	return nil
}

func (f *fakeHistory) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, errors.New("session not found")
	}
	return &s, nil
}

func (f *fakeHistory) ListSessions(ctx context.Context) ([]domain.Session, error) {
	var out []domain.Session
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeHistory) DeleteSession(ctx context.Context, id string) error {
	if _, ok := f.sessions[id]; !ok {
		return errors.New("session not found")
	}
	delete(f.sessions, id)
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeUsers struct {
	user      *domain.User
	authErr   error
	regErr    error
	gotSecret string
}

func (f *fakeUsers) Register(ctx context.Context, username, password, secret string) (*domain.User, error) {
	f.gotSecret = secret
	if f.regErr != nil {
		return nil, f.regErr
	}
	return f.user, nil
}

func (f *fakeUsers) Authenticate(ctx context.Context, username, password string) (*domain.User, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return f.user, nil
}

func (f *fakeUsers) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	if f.user == nil {
		return nil, errors.New("user not found")
	}
	return f.user, nil
}

func (f *fakeUsers) UpdatePrefs(ctx context.Context, id int64, prefs domain.DownloadPrefs) (*domain.User, error) {
	if f.user == nil {
		return nil, errors.New("user not found")
	}
	f.user.Prefs = prefs
	return f.user, nil
}

type fakeStorage struct {
	objects       []storage.ObjectInfo
	deletedPrefix string
}

func (f *fakeStorage) UploadDirectory(ctx context.Context, localPath string, opts storage.UploadOptions) (string, error) {
	return "s3://" + opts.Bucket + "/" + opts.KeyPrefix, nil
}

func (f *fakeStorage) ListObjects(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	return f.objects, nil
}

func (f *fakeStorage) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	f.deletedPrefix = prefix
	return nil
}

func (f *fakeStorage) GetObjectURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	return "https://signed.example/" + key, nil
}

func newTestRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	h.RegisterRoutes(router)
	return router
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func doRequest(router *gin.Engine, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestStartSessionAccepted(t *testing.T) {
	ctrl := &fakeController{startedID: "abc-123"}
	h := NewHandler(ctrl, &fakeHistory{}, nil, nil, nil, AuthConfig{}, "", "", testLogger())
	router := newTestRouter(h)

	rec := doRequest(router, http.MethodPost, "/api/sessions",
		`{"url":"https://example.com/course","site":"youtube","mode":"per-item","subtitle_lang":"en"}`, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "abc-123", resp["session_id"])
	assert.Equal(t, "https://example.com/course", ctrl.lastReq.URL)
	assert.Equal(t, domain.SiteYouTube, ctrl.lastReq.Site)
	assert.Equal(t, domain.RunModePerItem, ctrl.lastReq.Mode)
	assert.Equal(t, "en", ctrl.lastReq.SubtitleLang)
}

func TestStartSessionConflictWhileRunning(t *testing.T) {
	ctrl := &fakeController{startErr: domain.ErrAlreadyRunning}
	h := NewHandler(ctrl, &fakeHistory{}, nil, nil, nil, AuthConfig{}, "", "", testLogger())
	router := newTestRouter(h)

	rec := doRequest(router, http.MethodPost, "/api/sessions", `{"url":"https://example.com"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartSessionRejectsInvalidRequests(t *testing.T) {
	ctrl := &fakeController{startErr: &domain.ValidationError{Field: "site", Reason: "unknown"}}
	h := NewHandler(ctrl, &fakeHistory{}, nil, nil, nil, AuthConfig{}, "", "", testLogger())
	router := newTestRouter(h)

	rec := doRequest(router, http.MethodPost, "/api/sessions", `{"url":"https://example.com","site":"myspace"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Body without the required url never reaches the controller.
	rec = doRequest(router, http.MethodPost, "/api/sessions", `{"site":"youtube"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelSessionAccepted(t *testing.T) {
	ctrl := &fakeController{}
	h := NewHandler(ctrl, &fakeHistory{}, nil, nil, nil, AuthConfig{}, "", "", testLogger())
	router := newTestRouter(h)

	rec := doRequest(router, http.MethodPost, "/api/session/cancel", "", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, ctrl.cancelled)
}

func TestCurrentSessionSnapshot(t *testing.T) {
	now := time.Now().UTC()
	ctrl := &fakeController{snap: domain.SessionSnapshot{
		Session: domain.Session{
			ID:             "abc-123",
			URL:            "https://example.com/course",
			Status:         domain.SessionRunning,
			CourseTitle:    "Intro to Go",
			TotalItems:     3,
			CompletedCount: 1,
			CreatedAt:      now,
			UpdatedAt:      now,
			Items: []domain.QueueItem{
				{Ordinal: 1, Title: "Lesson 1", Status: domain.ItemStatusCompleted},
				{Ordinal: 2, Title: "Lesson 2", Status: domain.ItemStatusDownloading},
				{Ordinal: 3, Title: "Lesson 3", Status: domain.ItemStatusPending},
			},
		},
		CurrentIndex:   2,
		OverallPercent: 50,
	}}
	h := NewHandler(ctrl, &fakeHistory{}, nil, nil, nil, AuthConfig{}, "", "", testLogger())
	router := newTestRouter(h)

	rec := doRequest(router, http.MethodGet, "/api/session", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SnapshotResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "abc-123", resp.ID)
	assert.Equal(t, domain.SessionRunning, resp.Status)
	assert.Equal(t, 2, resp.CurrentIndex)
	assert.Equal(t, float64(50), resp.OverallPercent)
	require.Len(t, resp.Items, 3)
	assert.Equal(t, domain.ItemStatusDownloading, resp.Items[1].Status)
}

func TestGetSessionFromHistory(t *testing.T) {
	hist := &fakeHistory{sessions: map[string]domain.Session{
		"abc": {ID: "abc", URL: "https://example.com", Status: domain.SessionCompleted},
	}}
	h := NewHandler(&fakeController{}, hist, nil, nil, nil, AuthConfig{}, "", "", testLogger())
	router := newTestRouter(h)

	rec := doRequest(router, http.MethodGet, "/api/sessions/abc", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/sessions/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteSessionRemovesMirror(t *testing.T) {
	hist := &fakeHistory{sessions: map[string]domain.Session{
		"abc": {ID: "abc", Status: domain.SessionCompleted, MirrorLocation: "s3://media/courses/Intro to Go"},
	}}
	store := &fakeStorage{}
	h := NewHandler(&fakeController{}, hist, nil, store, nil, AuthConfig{}, "media", "", testLogger())
	router := newTestRouter(h)

	rec := doRequest(router, http.MethodDelete, "/api/sessions/abc?delete_remote=true", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "courses/Intro to Go", store.deletedPrefix)
	assert.Equal(t, []string{"abc"}, hist.deleted)
}

func TestLedgerEndpointsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	led, err := ledger.Open(pathplan.ArchivePath(dir, "download-archive.txt"))
	require.NoError(t, err)
	require.NoError(t, led.Append("youtube abc123"))
	require.NoError(t, led.Append("vimeo 987"))
	require.NoError(t, led.Close())

	h := NewHandler(&fakeController{}, &fakeHistory{}, nil, nil, nil, AuthConfig{}, "", "", testLogger())
	router := newTestRouter(h)

	rec := doRequest(router, http.MethodGet, "/api/ledger?dir="+dir, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Entries []string `json:"entries"`
		Count   int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"youtube abc123", "vimeo 987"}, resp.Entries)
	assert.Equal(t, 2, resp.Count)

	rec = doRequest(router, http.MethodDelete, "/api/ledger?dir="+dir, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/ledger?dir="+dir, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Entries)

	rec = doRequest(router, http.MethodGet, "/api/ledger", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStorageObjectURL(t *testing.T) {
	store := &fakeStorage{}
	h := NewHandler(&fakeController{}, &fakeHistory{}, nil, store, nil, AuthConfig{}, "media", "", testLogger())
	router := newTestRouter(h)

	rec := doRequest(router, http.MethodGet, "/api/storage/url?key=courses/intro/001.mp4", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "https://signed.example/courses/intro/001.mp4", resp["url"])

	rec = doRequest(router, http.MethodGet, "/api/storage/url", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthGuardsProtectedRoutes(t *testing.T) {
	users := &fakeUsers{user: &domain.User{ID: 7, Username: "alice"}}
	auth := AuthConfig{Secret: "test-secret", TokenTTL: time.Hour}
	h := NewHandler(&fakeController{}, &fakeHistory{}, users, nil, nil, auth, "", "", testLogger())
	router := newTestRouter(h)

	// No token.
	rec := doRequest(router, http.MethodGet, "/api/session", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Garbage token.
	rec = doRequest(router, http.MethodGet, "/api/session", "", map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Login and use the issued token.
	rec = doRequest(router, http.MethodPost, "/api/auth/login", `{"username":"alice","password":"hunter22"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var loginResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loginResp))
	require.NotEmpty(t, loginResp["token"])

	rec = doRequest(router, http.MethodGet, "/api/session", "", map[string]string{
		"Authorization": "Bearer " + loginResp["token"],
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Query parameter fallback for websocket clients.
	rec = doRequest(router, http.MethodGet, "/api/session?token="+loginResp["token"], "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterCreatesUser(t *testing.T) {
	users := &fakeUsers{user: &domain.User{ID: 3, Username: "bob"}}
	h := NewHandler(&fakeController{}, &fakeHistory{}, users, nil, nil, AuthConfig{Secret: "s"}, "", "", testLogger())
	router := newTestRouter(h)

	body := `{"username":"bob","password":"hunter22","registration_password":"letmein"}`
	rec := doRequest(router, http.MethodPost, "/api/auth/register", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "bob", resp["username"])
	assert.Equal(t, float64(3), resp["id"])
	// The gate value from the request body must reach the user service.
	assert.Equal(t, "letmein", users.gotSecret)
}

func TestRegisterErrorMapping(t *testing.T) {
	body := `{"username":"bob","password":"hunter22","registration_password":"wrong"}`

	h := NewHandler(&fakeController{}, &fakeHistory{}, &fakeUsers{regErr: service.ErrUserAlreadyExists}, nil, nil, AuthConfig{Secret: "s"}, "", "", testLogger())
	rec := doRequest(newTestRouter(h), http.MethodPost, "/api/auth/register", body, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	h = NewHandler(&fakeController{}, &fakeHistory{}, &fakeUsers{regErr: service.ErrInvalidRegistrationPassword}, nil, nil, AuthConfig{Secret: "s"}, "", "", testLogger())
	rec = doRequest(newTestRouter(h), http.MethodPost, "/api/auth/register", body, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	h = NewHandler(&fakeController{}, &fakeHistory{}, &fakeUsers{}, nil, nil, AuthConfig{Secret: "s"}, "", "", testLogger())
	rec = doRequest(newTestRouter(h), http.MethodPost, "/api/auth/register", `{"username":"bob"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPrefsRoundTrip(t *testing.T) {
	users := &fakeUsers{user: &domain.User{ID: 7, Username: "alice"}}
	auth := AuthConfig{Secret: "test-secret", TokenTTL: time.Hour}
	h := NewHandler(&fakeController{}, &fakeHistory{}, users, nil, nil, auth, "", "", testLogger())
	router := newTestRouter(h)

	rec := doRequest(router, http.MethodPost, "/api/auth/login", `{"username":"alice","password":"hunter22"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var loginResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loginResp))
	authHeader := map[string]string{"Authorization": "Bearer " + loginResp["token"]}

	body := `{"default_destination":"/media/courses","subtitle_lang":"en","preferred_mode":"playlist"}`
	rec = doRequest(router, http.MethodPut, "/api/auth/prefs", body, authHeader)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/auth/me", "", authHeader)
	require.Equal(t, http.StatusOK, rec.Code)
	var me map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, "alice", me["username"])
	assert.Equal(t, "/media/courses", me["default_destination"])
	assert.Equal(t, "en", me["subtitle_lang"])
	assert.Equal(t, "playlist", me["preferred_mode"])
}

func TestStartSessionFillsBlanksFromPrefs(t *testing.T) {
	users := &fakeUsers{user: &domain.User{
		ID:       7,
		Username: "alice",
		Prefs: domain.DownloadPrefs{
			DefaultDestination: "/media/courses",
			SubtitleLang:       "de",
			PreferredMode:      domain.RunModePlaylist,
		},
	}}
	auth := AuthConfig{Secret: "test-secret", TokenTTL: time.Hour}
	ctrl := &fakeController{}
	h := NewHandler(ctrl, &fakeHistory{}, users, nil, nil, auth, "", "", testLogger())
	router := newTestRouter(h)

	rec := doRequest(router, http.MethodPost, "/api/auth/login", `{"username":"alice","password":"hunter22"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var loginResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loginResp))
	authHeader := map[string]string{"Authorization": "Bearer " + loginResp["token"]}

	// Blank fields take the account defaults.
	rec = doRequest(router, http.MethodPost, "/api/sessions", `{"url":"https://example.com/course"}`, authHeader)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "/media/courses", ctrl.lastReq.DestinationRoot)
	assert.Equal(t, "de", ctrl.lastReq.SubtitleLang)
	assert.Equal(t, domain.RunModePlaylist, ctrl.lastReq.Mode)

	// Explicit fields win over the account defaults.
	rec = doRequest(router, http.MethodPost, "/api/sessions",
		`{"url":"https://example.com/course","destination":"/tmp/dl","subtitle_lang":"en","mode":"per-item"}`, authHeader)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "/tmp/dl", ctrl.lastReq.DestinationRoot)
	assert.Equal(t, "en", ctrl.lastReq.SubtitleLang)
	assert.Equal(t, domain.RunModePerItem, ctrl.lastReq.Mode)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	users := &fakeUsers{authErr: service.ErrInvalidCredentials}
	h := NewHandler(&fakeController{}, &fakeHistory{}, users, nil, nil, AuthConfig{Secret: "s"}, "", "", testLogger())
	router := newTestRouter(h)

	rec := doRequest(router, http.MethodPost, "/api/auth/login", `{"username":"alice","password":"wrong"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	h := NewHandler(&fakeController{}, &fakeHistory{}, nil, nil, nil, AuthConfig{}, "", "", testLogger())
	router := newTestRouter(h)

	rec := doRequest(router, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestExtractS3Prefix(t *testing.T) {
	prefix, err := extractS3Prefix("s3://media/courses/Intro to Go", "media")
	require.NoError(t, err)
	assert.Equal(t, "courses/Intro to Go", prefix)

	_, err = extractS3Prefix("s3://other/courses/x", "media")
	assert.Error(t, err)

	_, err = extractS3Prefix("https://media/courses/x", "media")
	assert.Error(t, err)

	_, err = extractS3Prefix("s3://media", "media")
	assert.Error(t, err)
}
