// Package protocol implements the JSON wire protocol endpoint. One POST
// request is one RPC-style call; the method field selects the operation.
package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	apperrors "github.com/kimhsiao/centersync/internal/errors"
	"github.com/kimhsiao/centersync/internal/keeper"
	"github.com/kimhsiao/centersync/internal/logging"
	"github.com/kimhsiao/centersync/internal/models"
	syncengine "github.com/kimhsiao/centersync/internal/sync"
)

const maxRequestBytes = 64 << 20

// Handler serves the sync endpoint. Callers authenticate with HTTP
// basic auth; the user must be the registered client user of exactly
// one known, non-deleted center.
type Handler struct {
	keeper *keeper.RecordKeeper
	sync   *syncengine.Synchronizer
	log    *logrus.Entry
}

// NewHandler creates the protocol handler.
func NewHandler(k *keeper.RecordKeeper, s *syncengine.Synchronizer, logger *logrus.Logger) *Handler {
	return &Handler{
		keeper: k,
		sync:   s,
		log:    logging.ForNamespace(logger, k.Namespace()),
	}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps caller mistakes to 400 and everything else to 500,
// per the protocol contract.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := string(apperrors.ErrInternal)
	message := "internal error"

	if appErr, ok := err.(*apperrors.AppError); ok {
		code = string(appErr.Code)
		message = appErr.Message
		switch {
		case appErr.Code == apperrors.ErrUnknownCenter:
			status = http.StatusUnauthorized
		case apperrors.CallerError(err):
			status = http.StatusBadRequest
		}
	}
	if status == http.StatusInternalServerError {
		h.log.WithError(err).Error("request failed")
	}

	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

// ServeHTTP handles one wire call.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user, _, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="centersync"`)
		h.writeError(w, apperrors.New(apperrors.ErrUnknownCenter, "authentication required"))
		return
	}

	var req syncengine.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		h.writeError(w, apperrors.Wrap(apperrors.ErrMalformedPayload, "bad request body", err))
		return
	}

	center, err := h.authorize(&req, user)
	if err != nil {
		h.writeError(w, err)
		return
	}

	switch req.Method {
	case syncengine.MethodSynchronize:
		resp, err := h.sync.HandleSynchronize(center, &req, user)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)

	case syncengine.MethodGetNewItemCount:
		resp, err := h.sync.HandleCount(&req)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)

	case syncengine.MethodReportSuccess:
		if err := h.sync.HandleReportSuccess(center, &req, user); err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})

	default:
		h.writeError(w, apperrors.New(apperrors.ErrUnknownMethod,
			fmt.Sprintf("unknown method %q", req.Method)))
	}
}

// authorize resolves the caller to its center and enforces the
// protocol constraints: no self-sync, and a known center id must match
// the request's claim. The reserved id 0 is exempt from gating.
func (h *Handler) authorize(req *syncengine.Request, user string) (*models.Center, error) {
	localID, err := h.keeper.LocalCenterID()
	if err != nil {
		return nil, err
	}
	if req.CenterID != syncengine.CenterIDDisabled && req.CenterID == localID {
		return nil, apperrors.New(apperrors.ErrSelfSync, "a center cannot synchronize with itself")
	}

	center, err := h.keeper.CenterByClientUser(user)
	if err != nil {
		return nil, err
	}

	if req.CenterID != syncengine.CenterIDDisabled &&
		center.HasCenterID() && center.CenterID != req.CenterID {
		return nil, apperrors.New(apperrors.ErrCenterMismatch,
			fmt.Sprintf("center %q is known as %d but claims %d", center.Name, center.CenterID, req.CenterID))
	}
	return center, nil
}
