package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	apperrors "github.com/kimhsiao/centersync/internal/errors"
	"github.com/kimhsiao/centersync/internal/models"
)

// RemoteClient is the outbound surface used by a client-side attempt to
// talk to the counterpart center.
type RemoteClient interface {
	Synchronize(ctx context.Context, center *models.Center, req *Request) (*SynchronizeResponse, error)
	NewItemCount(ctx context.Context, center *models.Center, req *Request) (*CountResponse, error)
	ReportSuccess(ctx context.Context, center *models.Center, req *Request) error
}

const (
	remoteTimeout     = 30 * time.Second
	remoteRetries     = 3
	maxResponseBytes  = 64 << 20
	remoteContentType = "application/json"
)

// HTTPRemote calls a remote center's sync endpoint over HTTP with basic
// auth. Transient failures (network errors, 5xx) are retried with
// exponential backoff; rejections are not.
type HTTPRemote struct {
	client *http.Client
	log    *logrus.Logger
}

// NewHTTPRemote creates a remote client with a bounded request timeout.
func NewHTTPRemote(logger *logrus.Logger) *HTTPRemote {
	return &HTTPRemote{
		client: &http.Client{Timeout: remoteTimeout},
		log:    logger,
	}
}

func (r *HTTPRemote) call(ctx context.Context, center *models.Center, req *Request, out interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncFailed, "failed to encode request", err)
	}

	op := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, center.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(apperrors.Wrap(apperrors.ErrSyncFailed, "bad center url", err))
		}
		httpReq.Header.Set("Content-Type", remoteContentType)
		httpReq.SetBasicAuth(center.ServerUser, center.ServerPassword)

		resp, err := r.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("remote returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(apperrors.New(apperrors.ErrSyncFailed,
				fmt.Sprintf("remote rejected %s: status %d: %s", req.Method, resp.StatusCode, bytes.TrimSpace(data))))
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(apperrors.Wrap(apperrors.ErrMalformedPayload,
				fmt.Sprintf("bad %s response", req.Method), err))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), remoteRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		if _, ok := err.(*apperrors.AppError); ok {
			return err
		}
		return apperrors.Wrap(apperrors.ErrSyncFailed,
			fmt.Sprintf("%s call to %q failed", req.Method, center.Name), err)
	}
	return nil
}

// Synchronize performs the synchronize call.
func (r *HTTPRemote) Synchronize(ctx context.Context, center *models.Center, req *Request) (*SynchronizeResponse, error) {
	req.Method = MethodSynchronize
	var resp SynchronizeResponse
	if err := r.call(ctx, center, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// NewItemCount performs the getNewItemCount call.
func (r *HTTPRemote) NewItemCount(ctx context.Context, center *models.Center, req *Request) (*CountResponse, error) {
	req.Method = MethodGetNewItemCount
	var resp CountResponse
	if err := r.call(ctx, center, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportSuccess performs the reportSuccess call.
func (r *HTTPRemote) ReportSuccess(ctx context.Context, center *models.Center, req *Request) error {
	req.Method = MethodReportSuccess
	return r.call(ctx, center, req, nil)
}
