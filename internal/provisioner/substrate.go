package provisioner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appErr "github.com/deploybay/engine/pkg/errors"
	"github.com/deploybay/engine/pkg/logger"
	"go.uber.org/zap"
)

// SubstrateProvisioner talks to the compute substrate's REST API. The
// substrate deduplicates creates by idempotency key, so Create may be called
// any number of times for the same deployment.
type SubstrateProvisioner struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewSubstrateProvisioner(baseURL, token string, timeout time.Duration) *SubstrateProvisioner {
	return &SubstrateProvisioner{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

var _ Provisioner = (*SubstrateProvisioner)(nil)

func (p *SubstrateProvisioner) Create(ctx context.Context, input CreateInput) (*Unit, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "marshal create input failed")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/units", bytes.NewReader(body))
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "build create request failed")
	}
	req.Header.Set("Content-Type", "application/json")
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "substrate create request failed")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	default:
		return nil, p.statusError(resp, "substrate rejected create")
	}

	var u Unit
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "decode create response failed")
	}
	if u.Ref == "" || u.Endpoint == "" {
		return nil, appErr.New(appErr.CodeInternal, "substrate returned incomplete unit")
	}
	logger.L().Info("execution unit created",
		zap.String("unit_ref", u.Ref),
		zap.String("idempotency_key", input.IdempotencyKey),
	)
	return &u, nil
}

func (p *SubstrateProvisioner) ProbeReady(ctx context.Context, unit *Unit) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, unit.Endpoint, nil)
	if err != nil {
		return false, appErr.Wrap(err, appErr.CodeInternal, "build probe request failed")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// Connection refused while the unit boots is the normal case.
		return false, nil
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	return resp.StatusCode < http.StatusInternalServerError, nil
}

func (p *SubstrateProvisioner) Destroy(ctx context.Context, unitRef string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+"/v1/units/"+unitRef, nil)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "build destroy request failed")
	}
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeUnavailable, "substrate destroy request failed")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		// Already gone counts as destroyed.
		return nil
	default:
		return p.statusError(resp, "substrate rejected destroy")
	}
}

func (p *SubstrateProvisioner) authorize(req *http.Request) {
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
}

func (p *SubstrateProvisioner) statusError(resp *http.Response, msg string) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return appErr.New(appErr.CodeUnavailable, msg).
		WithMeta("status", resp.StatusCode).
		WithMeta("body", fmt.Sprintf("%.512s", string(snippet)))
}
