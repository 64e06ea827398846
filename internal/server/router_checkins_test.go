package server

import (
	contextpkg "context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/footprint/internal/auth"
	"github.com/MarcoPoloResearchLab/footprint/internal/checkins"
	"github.com/MarcoPoloResearchLab/footprint/internal/couples"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSigningSecret = "router-secret"

type routerFixture struct {
	handler  http.Handler
	database *gorm.DB
	couples  *couples.Service
	issuer   *auth.TokenIssuer
}

func newRouterFixture(testContext *testing.T, rateLimitBurst int) routerFixture {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "router.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&checkins.Record{}, &couples.Binding{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	coupleService, err := couples.NewService(couples.ServiceConfig{Database: database})
	if err != nil {
		testContext.Fatalf("failed to build couples service: %v", err)
	}
	checkinsService, err := checkins.NewService(checkins.ServiceConfig{
		Database:   database,
		Partners:   coupleService,
		IDProvider: checkins.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build checkins service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    "app_session",
	})
	if err != nil {
		testContext.Fatalf("failed to build validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		testContext.Fatalf("failed to build issuer: %v", err)
	}

	rps := 0.0
	if rateLimitBurst > 0 {
		rps = 0.001
	}
	handler, err := NewHTTPHandler(Dependencies{
		Sessions:        validator,
		CheckinsService: checkinsService,
		Logger:          zap.NewNop(),
		RateLimitRPS:    rps,
		RateLimitBurst:  rateLimitBurst,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	return routerFixture{handler: handler, database: database, couples: coupleService, issuer: issuer}
}

func (f routerFixture) token(testContext *testing.T, userID string, roles ...string) string {
	testContext.Helper()
	token, _, err := f.issuer.Issue(userID, roles...)
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (f routerFixture) do(method, target, token, body string) *httptest.ResponseRecorder {
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, target, http.NoBody)
	} else {
		request = httptest.NewRequest(method, target, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func (f routerFixture) seed(testContext *testing.T, records ...checkins.Record) {
	testContext.Helper()
	for index := range records {
		record := records[index]
		record.Status = checkins.LifecycleActive
		if record.AuditStatus == "" {
			record.AuditStatus = checkins.AuditStatusApproved
		}
		record.Address = "Dongcheng"
		record.Images = []string{}
		record.UpdatedAtSeconds = record.CreatedAtSeconds
		if err := f.database.Create(&record).Error; err != nil {
			testContext.Fatalf("failed to seed: %v", err)
		}
	}
}

func decodeJSON[T any](testContext *testing.T, recorder *httptest.ResponseRecorder) T {
	testContext.Helper()
	var payload T
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		testContext.Fatalf("failed to decode %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestHandleMapMarkersAppliesVisibilityAndRadius(testContext *testing.T) {
	fixture := newRouterFixture(testContext, 0)
	fixture.seed(testContext,
		checkins.Record{ID: "public", OwnerUserID: "U1", Latitude: 39.908823, Longitude: 116.397470, IsPublic: true, CreatedAtSeconds: 10},
		checkins.Record{ID: "rejected", OwnerUserID: "U1", Latitude: 39.9088, Longitude: 116.3975, IsPublic: true, AuditStatus: checkins.AuditStatusRejected, CreatedAtSeconds: 20},
		checkins.Record{ID: "far", OwnerUserID: "U1", Latitude: 31.23, Longitude: 121.47, IsPublic: true, CreatedAtSeconds: 30},
	)

	recorder := fixture.do(http.MethodGet, "/checkins/map-markers?latitude=39.91&longitude=116.40", "", "")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	markers := decodeJSON[[]checkinPayload](testContext, recorder)
	if len(markers) != 1 || markers[0].ID != "public" {
		testContext.Fatalf("anonymous viewer must see only the nearby public record, got %+v", markers)
	}
	if markers[0].CreatedAt.Unix() != 10 || markers[0].Images == nil {
		testContext.Fatalf("unexpected payload shape %+v", markers[0])
	}

	recorder = fixture.do(http.MethodGet, "/checkins/map-markers?latitude=39.91&longitude=116.40", fixture.token(testContext, "U1"), "")
	markers = decodeJSON[[]checkinPayload](testContext, recorder)
	if len(markers) != 2 || markers[0].ID != "rejected" {
		testContext.Fatalf("owner must see own rejected record first, got %+v", markers)
	}

	recorder = fixture.do(http.MethodGet, "/checkins/map-markers?latitude=39.91&longitude=116.40&radius=0.1", "", "")
	markers = decodeJSON[[]checkinPayload](testContext, recorder)
	if len(markers) != 0 {
		testContext.Fatalf("0.1 km radius must exclude the record, got %+v", markers)
	}
}

func TestHandleMapMarkersValidation(testContext *testing.T) {
	fixture := newRouterFixture(testContext, 0)
	testCases := []struct {
		name       string
		target     string
		token      string
		wantStatus int
		wantError  string
		wantCode   string
	}{
		{name: "radius too small", target: "/checkins/map-markers?latitude=1&longitude=1&radius=0.05", wantStatus: http.StatusBadRequest, wantError: errorInvalidRequest},
		{name: "radius too large", target: "/checkins/map-markers?latitude=1&longitude=1&radius=1001", wantStatus: http.StatusBadRequest, wantError: errorInvalidRequest},
		{name: "latitude out of range", target: "/checkins/map-markers?latitude=91&longitude=1", wantStatus: http.StatusBadRequest, wantError: errorInvalidRequest},
		{name: "bad includePublic", target: "/checkins/map-markers?includePublic=maybe", wantStatus: http.StatusBadRequest, wantError: errorInvalidRequest},
		{
			name:       "anonymous private view",
			target:     "/checkins/map-markers?includePublic=false",
			wantStatus: http.StatusBadRequest,
			wantError:  errorInvalidRequest,
			wantCode:   "checkins.get_map_markers.invalid_request",
		},
		{name: "garbage token", target: "/checkins/map-markers", token: "not-a-jwt", wantStatus: http.StatusUnauthorized, wantError: errorUnauthorized},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			recorder := fixture.do(http.MethodGet, testCase.target, testCase.token, "")
			if recorder.Code != testCase.wantStatus {
				testContext.Fatalf("unexpected status: got %d want %d (%s)", recorder.Code, testCase.wantStatus, recorder.Body.String())
			}
			payload := decodeJSON[map[string]any](testContext, recorder)
			if payload["error"] != testCase.wantError {
				testContext.Fatalf("expected error %s, got %v", testCase.wantError, payload["error"])
			}
			if testCase.wantCode != "" && payload["code"] != testCase.wantCode {
				testContext.Fatalf("expected code %s, got %v", testCase.wantCode, payload["code"])
			}
		})
	}
}

func TestHandleMapMarkersIncludesServiceErrorCode(testContext *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	context, _ := gin.CreateTestContext(recorder)
	context.Request = httptest.NewRequest(http.MethodGet, "/checkins/map-markers", http.NoBody)

	handler := &httpHandler{
		checkinsService: &checkins.Service{},
		logger:          zap.NewNop(),
	}

	handler.handleMapMarkers(context)

	if recorder.Code != http.StatusInternalServerError {
		testContext.Fatalf("expected internal server error status, got %d", recorder.Code)
	}
	payload := decodeJSON[map[string]any](testContext, recorder)
	if payload["code"] != "checkins.get_map_markers.missing_database" || payload["error"] != errorInternal {
		testContext.Fatalf("expected service error code, got %v", payload)
	}
}

func TestHandleListCheckinsReturnsPage(testContext *testing.T) {
	fixture := newRouterFixture(testContext, 0)
	day := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC).Unix()
	fixture.seed(testContext,
		checkins.Record{ID: "a", OwnerUserID: "U1", CreatedAtSeconds: day},
		checkins.Record{ID: "b", OwnerUserID: "U1", CreatedAtSeconds: day + 60},
		checkins.Record{ID: "c", OwnerUserID: "U1", CreatedAtSeconds: day + 86400},
	)

	recorder := fixture.do(http.MethodGet, "/checkins?page=1&pageSize=1&startDate=2026-04-02&endDate=2026-04-02&includePublic=false", fixture.token(testContext, "U1"), "")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	page := decodeJSON[pagePayload](testContext, recorder)
	if page.Total != 2 || page.Page != 1 || page.PageSize != 1 || len(page.List) != 1 || page.List[0].ID != "b" {
		testContext.Fatalf("unexpected page %+v", page)
	}

	recorder = fixture.do(http.MethodGet, "/checkins?startDate=04-02-2026", fixture.token(testContext, "U1"), "")
	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("malformed date must be rejected, got %d", recorder.Code)
	}
	recorder = fixture.do(http.MethodGet, "/checkins?pageSize=101", "", "")
	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("oversized page must be rejected, got %d", recorder.Code)
	}
}

func TestHandleGetCheckinHidesInvisibleRecords(testContext *testing.T) {
	fixture := newRouterFixture(testContext, 0)
	fixture.seed(testContext,
		checkins.Record{ID: "private", OwnerUserID: "U2", CreatedAtSeconds: 1},
	)
	if _, err := fixture.couples.Bind(contextpkg.Background(), "U1", "U2"); err != nil {
		testContext.Fatalf("bind failed: %v", err)
	}

	recorder := fixture.do(http.MethodGet, "/checkins/private", fixture.token(testContext, "U3"), "")
	if recorder.Code != http.StatusNotFound {
		testContext.Fatalf("stranger must get not found, got %d", recorder.Code)
	}
	payload := decodeJSON[map[string]any](testContext, recorder)
	if payload["error"] != errorNotFound {
		testContext.Fatalf("unexpected error body %v", payload)
	}

	recorder = fixture.do(http.MethodGet, "/checkins/private", fixture.token(testContext, "U1"), "")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("partner must see private record, got %d", recorder.Code)
	}

	recorder = fixture.do(http.MethodGet, "/checkins/missing", "", "")
	if recorder.Code != http.StatusNotFound {
		testContext.Fatalf("absent record must be not found, got %d", recorder.Code)
	}
}

func TestCheckinLifecycleEndpoints(testContext *testing.T) {
	fixture := newRouterFixture(testContext, 0)
	ownerToken := fixture.token(testContext, "U1")

	recorder := fixture.do(http.MethodPost, "/checkins", "", `{"latitude":1,"longitude":1,"address":"x"}`)
	if recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("anonymous create must be unauthorized, got %d", recorder.Code)
	}

	recorder = fixture.do(http.MethodPost, "/checkins", ownerToken, `{"latitude":0,"longitude":0,"address":"Null Island","images":["https://img.example/a.jpg"],"isPublic":true}`)
	if recorder.Code != http.StatusCreated {
		testContext.Fatalf("create failed: %d %s", recorder.Code, recorder.Body.String())
	}
	created := decodeJSON[checkinPayload](testContext, recorder)
	if created.AuditStatus != string(checkins.AuditStatusPending) || created.OwnerUserID != "U1" || created.ID == "" {
		testContext.Fatalf("unexpected created payload %+v", created)
	}

	recorder = fixture.do(http.MethodPost, "/checkins", ownerToken, `{"longitude":0,"address":"missing latitude"}`)
	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("missing latitude must be rejected, got %d", recorder.Code)
	}

	auditBody := `{"status":"rejected","remark":"not a place"}`
	recorder = fixture.do(http.MethodPost, "/checkins/"+created.ID+"/audit", ownerToken, auditBody)
	if recorder.Code != http.StatusForbidden {
		testContext.Fatalf("non-admin audit must be forbidden, got %d", recorder.Code)
	}
	recorder = fixture.do(http.MethodPost, "/checkins/"+created.ID+"/audit", fixture.token(testContext, "mod", checkins.RoleAdmin), auditBody)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("admin audit failed: %d %s", recorder.Code, recorder.Body.String())
	}
	audited := decodeJSON[checkinPayload](testContext, recorder)
	if audited.AuditStatus != string(checkins.AuditStatusRejected) || audited.AuditedAt == nil || audited.AuditedBy != "mod" {
		testContext.Fatalf("unexpected audit payload %+v", audited)
	}

	recorder = fixture.do(http.MethodGet, "/checkins/"+created.ID, fixture.token(testContext, "U9"), "")
	if recorder.Code != http.StatusNotFound {
		testContext.Fatalf("rejected record must be hidden from strangers, got %d", recorder.Code)
	}

	recorder = fixture.do(http.MethodPut, "/checkins/"+created.ID, ownerToken, `{"latitude":0,"longitude":0,"address":"Null Island, again","isPublic":true}`)
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("update failed: %d %s", recorder.Code, recorder.Body.String())
	}
	if updated := decodeJSON[checkinPayload](testContext, recorder); updated.AuditStatus != string(checkins.AuditStatusPending) {
		testContext.Fatalf("edit must resubmit for review, got %+v", updated)
	}

	recorder = fixture.do(http.MethodDelete, "/checkins/"+created.ID, fixture.token(testContext, "U9"), "")
	if recorder.Code != http.StatusForbidden {
		testContext.Fatalf("stranger delete of visible record must be forbidden, got %d", recorder.Code)
	}
	recorder = fixture.do(http.MethodDelete, "/checkins/"+created.ID, ownerToken, "")
	if recorder.Code != http.StatusNoContent {
		testContext.Fatalf("delete failed: %d", recorder.Code)
	}
	recorder = fixture.do(http.MethodGet, "/checkins/"+created.ID, ownerToken, "")
	if recorder.Code != http.StatusNotFound {
		testContext.Fatalf("deleted record must be gone, got %d", recorder.Code)
	}
}

func TestCheckinRoutesAreRateLimited(testContext *testing.T) {
	fixture := newRouterFixture(testContext, 2)

	for attempt := 0; attempt < 2; attempt++ {
		if recorder := fixture.do(http.MethodGet, "/checkins/map-markers", "", ""); recorder.Code != http.StatusOK {
			testContext.Fatalf("request %d must pass, got %d", attempt, recorder.Code)
		}
	}
	recorder := fixture.do(http.MethodGet, "/checkins/map-markers", "", "")
	if recorder.Code != http.StatusTooManyRequests {
		testContext.Fatalf("expected rate limit, got %d", recorder.Code)
	}
	if recorder.Body.String() != `{"error":"rate_limited"}` {
		testContext.Fatalf("unexpected body %s", recorder.Body.String())
	}
	if recorder := fixture.do(http.MethodGet, "/healthz", "", ""); recorder.Code != http.StatusOK {
		testContext.Fatalf("health check must not be limited, got %d", recorder.Code)
	}
}
