package protocol

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/centersync/internal/db"
	"github.com/kimhsiao/centersync/internal/keeper"
	"github.com/kimhsiao/centersync/internal/logging"
	"github.com/kimhsiao/centersync/internal/models"
	syncengine "github.com/kimhsiao/centersync/internal/sync"
)

func setupHandler(t *testing.T) (*Handler, *keeper.RecordKeeper) {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	require.NoError(t, db.NewMigrator(database.DB).Migrate())
	k, err := keeper.New(database.DB, "main", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() {
		k.Close()
		database.Close()
	})
	s := syncengine.New(k, nil, logging.Discard())
	return NewHandler(k, s, logging.Discard()), k
}

func call(t *testing.T, h *Handler, user string, req interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/sync", bytes.NewReader(body))
	if user != "" {
		r.SetBasicAuth(user, "secret")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func addPeer(t *testing.T, k *keeper.RecordKeeper, clientUser string) *models.Center {
	t.Helper()
	peer := &models.Center{Name: "Peer", ClientUser: clientUser}
	require.NoError(t, k.PutCenter(peer, models.NewTransaction("admin").WithoutRecords()))
	return peer
}

func TestRequiresAuthentication(t *testing.T) {
	h, _ := setupHandler(t)
	w := call(t, h, "", &syncengine.Request{Method: syncengine.MethodGetNewItemCount})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
}

func TestRejectsUnknownUser(t *testing.T) {
	h, _ := setupHandler(t)
	w := call(t, h, "stranger", &syncengine.Request{Method: syncengine.MethodGetNewItemCount})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNKNOWN_CENTER", errorCode(t, w))
}

func TestRejectsNonPost(t *testing.T) {
	h, _ := setupHandler(t)
	r := httptest.NewRequest(http.MethodGet, "/sync", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestRejectsMalformedBody(t *testing.T) {
	h, k := setupHandler(t)
	addPeer(t, k, "peer-user")
	r := httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader("{not json"))
	r.SetBasicAuth("peer-user", "secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "MALFORMED_PAYLOAD", errorCode(t, w))
}

func TestRejectsUnknownMethod(t *testing.T) {
	h, k := setupHandler(t)
	addPeer(t, k, "peer-user")
	w := call(t, h, "peer-user", &syncengine.Request{Method: "selfDestruct"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "UNKNOWN_METHOD", errorCode(t, w))
}

func TestRejectsSelfSync(t *testing.T) {
	h, k := setupHandler(t)
	addPeer(t, k, "peer-user")
	localID, err := k.LocalCenterID()
	require.NoError(t, err)

	w := call(t, h, "peer-user", &syncengine.Request{
		Method:   syncengine.MethodSynchronize,
		CenterID: localID,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "SELF_SYNC", errorCode(t, w))
}

func TestRejectsCenterIDMismatch(t *testing.T) {
	h, k := setupHandler(t)
	peer := addPeer(t, k, "peer-user")
	peer.CenterID = 7001
	require.NoError(t, k.PutCenter(peer, models.NewTransaction("admin").WithoutRecords()))

	w := call(t, h, "peer-user", &syncengine.Request{
		Method:   syncengine.MethodGetNewItemCount,
		CenterID: 8888,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "CENTER_MISMATCH", errorCode(t, w))
}

func TestSynchronizeAndReportSuccess(t *testing.T) {
	h, k := setupHandler(t)
	addPeer(t, k, "peer-user")

	// One change to hand out.
	branch := &models.Center{Name: "Branch", CenterID: 5001}
	require.NoError(t, k.PutCenter(branch, models.NewTransaction("admin")))

	w := call(t, h, "peer-user", &syncengine.Request{
		Method:   syncengine.MethodSynchronize,
		CenterID: 9005,
		SyncType: "Automatic",
		RecordID: 42,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp syncengine.SynchronizeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotZero(t, resp.CenterID)
	assert.NotZero(t, resp.RecordID)
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, "presence", resp.Changes[0].Change)

	rec, err := k.SyncRecordByID(resp.RecordID)
	require.NoError(t, err)
	assert.True(t, rec.Pending())

	w = call(t, h, "peer-user", &syncengine.Request{
		Method:   syncengine.MethodReportSuccess,
		CenterID: 9005,
		RecordID: resp.RecordID,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	rec, err = k.SyncRecordByID(resp.RecordID)
	require.NoError(t, err)
	assert.True(t, rec.Succeeded())
}

func TestGetNewItemCount(t *testing.T) {
	h, k := setupHandler(t)
	addPeer(t, k, "peer-user")
	branch := &models.Center{Name: "Branch", CenterID: 5001}
	require.NoError(t, k.PutCenter(branch, models.NewTransaction("admin")))

	w := call(t, h, "peer-user", &syncengine.Request{Method: syncengine.MethodGetNewItemCount})
	require.Equal(t, http.StatusOK, w.Code)

	var resp syncengine.CountResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.ItemCount)
}
