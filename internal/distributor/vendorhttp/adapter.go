package vendorhttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/openlend/circ/internal/distributor"
	"github.com/openlend/circ/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds the vendor endpoint settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RenewWithHolds mirrors the vendor's renewal-under-holds policy.
	RenewWithHolds bool
}

// Adapter speaks the JSON vendor circulation API.
type Adapter struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
}

// New creates a vendor adapter.
func New(cfg Config, logger zerolog.Logger) (*Adapter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("vendor base URL required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse vendor base URL: %w", err)
	}
	return &Adapter{
		cfg:    cfg,
		client: newHTTPClient(cfg.Timeout),
		logger: logger.With().Str("component", "vendor_http").Logger(),
	}, nil
}

// Type implements distributor.Distributor.
func (a *Adapter) Type() models.DistributorType {
	return models.DistributorVendorHTTP
}

// AllowsRenewalWithHolds implements distributor.Distributor.
func (a *Adapter) AllowsRenewalWithHolds() bool {
	return a.cfg.RenewWithHolds
}

// Wire representations of the vendor API.

type availabilityResponse struct {
	Total         int  `json:"total"`
	Available     int  `json:"available"`
	SupportsHolds bool `json:"supports_holds"`
}

type loanResponse struct {
	LoanID string     `json:"loan_id"`
	Start  time.Time  `json:"start"`
	End    *time.Time `json:"end,omitempty"`
	Format string     `json:"format,omitempty"`
}

type holdResponse struct {
	HoldID    string     `json:"hold_id"`
	Position  int64      `json:"position"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type fulfillmentResponse struct {
	ContentLink string     `json:"content_link"`
	ContentType string     `json:"content_type"`
	Expires     *time.Time `json:"expires,omitempty"`
}

type snapshotResponse struct {
	Total         int  `json:"total"`
	Available     int  `json:"available"`
	Reserved      int  `json:"reserved"`
	HoldQueueSize int  `json:"hold_queue_size"`
	SupportsHolds bool `json:"supports_holds"`
	Loans         []struct {
		Patron string     `json:"patron"`
		Title  string     `json:"title"`
		LoanID string     `json:"loan_id"`
		End    *time.Time `json:"end,omitempty"`
	} `json:"loans,omitempty"`
	Holds []struct {
		Patron   string `json:"patron"`
		Title    string `json:"title"`
		Position int64  `json:"position"`
		Ready    bool   `json:"ready"`
	} `json:"holds,omitempty"`
}

type errorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// CheckAvailability implements distributor.Distributor.
func (a *Adapter) CheckAvailability(ctx context.Context, pool *models.LicensePool) (*distributor.Availability, error) {
	var resp availabilityResponse
	path := fmt.Sprintf("/titles/%s/availability", url.PathEscape(pool.TitleID))
	if err := a.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &distributor.Availability{
		Total:         resp.Total,
		Available:     resp.Available,
		SupportsHolds: resp.SupportsHolds,
	}, nil
}

// Checkout implements distributor.Distributor.
func (a *Adapter) Checkout(ctx context.Context, patron *models.Patron, pool *models.LicensePool, format string) (*distributor.LoanGrant, error) {
	body := map[string]string{"patron": patron.Identifier}
	if format != "" {
		body["format"] = format
	}
	var resp loanResponse
	path := fmt.Sprintf("/titles/%s/checkout", url.PathEscape(pool.TitleID))
	if err := a.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return &distributor.LoanGrant{
		ExternalID: resp.LoanID,
		Start:      resp.Start,
		End:        resp.End,
		Format:     resp.Format,
	}, nil
}

// PlaceHold implements distributor.Distributor.
func (a *Adapter) PlaceHold(ctx context.Context, patron *models.Patron, pool *models.LicensePool) (*distributor.HoldGrant, error) {
	body := map[string]string{"patron": patron.Identifier}
	var resp holdResponse
	path := fmt.Sprintf("/titles/%s/holds", url.PathEscape(pool.TitleID))
	if err := a.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return &distributor.HoldGrant{
		ExternalID: resp.HoldID,
		Position:   resp.Position,
		ExpiresAt:  resp.ExpiresAt,
	}, nil
}

// Fulfill implements distributor.Distributor.
func (a *Adapter) Fulfill(ctx context.Context, patron *models.Patron, pool *models.LicensePool, loan *models.Loan, format string) (*distributor.FulfillmentToken, error) {
	if loan.ExternalID == "" {
		return nil, distributor.NewError(distributor.KindPermanent, "loan has no distributor identifier")
	}
	body := map[string]string{"patron": patron.Identifier, "format": format}
	var resp fulfillmentResponse
	path := fmt.Sprintf("/loans/%s/fulfill", url.PathEscape(loan.ExternalID))
	if err := a.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return &distributor.FulfillmentToken{
		ContentLink: resp.ContentLink,
		ContentType: resp.ContentType,
		Expires:     resp.Expires,
	}, nil
}

// Renew implements distributor.Distributor.
func (a *Adapter) Renew(ctx context.Context, patron *models.Patron, pool *models.LicensePool, loan *models.Loan) (*distributor.LoanGrant, error) {
	if loan.ExternalID == "" {
		return nil, distributor.NewError(distributor.KindPermanent, "loan has no distributor identifier")
	}
	body := map[string]string{"patron": patron.Identifier}
	var resp loanResponse
	path := fmt.Sprintf("/loans/%s/renew", url.PathEscape(loan.ExternalID))
	if err := a.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return &distributor.LoanGrant{
		ExternalID: resp.LoanID,
		Start:      resp.Start,
		End:        resp.End,
	}, nil
}

// Return implements distributor.Distributor. A 404 from the vendor means
// the loan is already gone, which counts as success.
func (a *Adapter) Return(ctx context.Context, patron *models.Patron, pool *models.LicensePool, loan *models.Loan) error {
	if loan == nil || loan.ExternalID == "" {
		// Never fulfilled at the vendor; nothing to check in remotely.
		return nil
	}
	path := fmt.Sprintf("/loans/%s", url.PathEscape(loan.ExternalID))
	err := a.do(ctx, http.MethodDelete, path, nil, nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

// ReleaseHold implements distributor.Distributor. Idempotent like Return.
func (a *Adapter) ReleaseHold(ctx context.Context, patron *models.Patron, pool *models.LicensePool, _ *models.Hold) error {
	path := fmt.Sprintf("/titles/%s/holds/%s",
		url.PathEscape(pool.TitleID), url.PathEscape(patron.Identifier))
	err := a.do(ctx, http.MethodDelete, path, nil, nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

// Sync implements distributor.Distributor.
func (a *Adapter) Sync(ctx context.Context, scope distributor.SyncScope) (*distributor.RemoteSnapshot, error) {
	path := fmt.Sprintf("/titles/%s/sync", url.PathEscape(scope.Pool.TitleID))
	if scope.Patron != nil {
		path += "?patron=" + url.QueryEscape(scope.Patron.Identifier)
	}
	var resp snapshotResponse
	if err := a.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	snap := &distributor.RemoteSnapshot{
		Total:         resp.Total,
		Available:     resp.Available,
		Reserved:      resp.Reserved,
		HoldQueueSize: resp.HoldQueueSize,
		SupportsHolds: resp.SupportsHolds,
		TakenAt:       time.Now().UTC(),
	}
	for _, l := range resp.Loans {
		snap.Loans = append(snap.Loans, distributor.RemoteLoan{
			PatronRef:  l.Patron,
			TitleID:    l.Title,
			ExternalID: l.LoanID,
			End:        l.End,
		})
	}
	for _, h := range resp.Holds {
		snap.Holds = append(snap.Holds, distributor.RemoteHold{
			PatronRef: h.Patron,
			TitleID:   h.Title,
			Position:  h.Position,
			Ready:     h.Ready,
		})
	}
	return snap, nil
}

// do performs one vendor request and classifies the outcome.
func (a *Adapter) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return distributor.WrapError(distributor.KindPermanent, "encode request", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, reqBody)
	if err != nil {
		return distributor.WrapError(distributor.KindPermanent, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		// Network failures and timeouts are retryable.
		return distributor.WrapError(distributor.KindTransient, "vendor request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return distributor.WrapError(distributor.KindPermanent, "decode vendor response", err)
		}
		return nil
	}

	return a.classify(resp)
}

// classify maps a non-2xx vendor response onto the error taxonomy.
func (a *Adapter) classify(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var vendorErr errorResponse
	_ = json.Unmarshal(raw, &vendorErr)
	detail := vendorErr.Detail
	if detail == "" {
		detail = fmt.Sprintf("vendor returned status %d", resp.StatusCode)
	}

	a.logger.Debug().
		Int("status", resp.StatusCode).
		Str("code", vendorErr.Code).
		Msg("vendor error response")

	switch {
	case resp.StatusCode == http.StatusConflict:
		// The vendor distinguishes outcome conflicts by code.
		switch vendorErr.Code {
		case "not_holdable":
			return distributor.NewError(distributor.KindNotHoldable, detail)
		case "renewal_denied":
			return distributor.NewError(distributor.KindRenewalDenied, detail)
		default:
			return distributor.NewError(distributor.KindBusy, detail)
		}
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return distributor.NewError(distributor.KindFormatUnavailable, detail)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return distributor.NewError(distributor.KindDenied, detail)
	case resp.StatusCode == http.StatusNotFound:
		return &notFoundError{detail: detail}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return distributor.NewError(distributor.KindTransient, detail)
	default:
		return distributor.NewError(distributor.KindPermanent, detail)
	}
}

// notFoundError lets the idempotent operations treat vendor 404s as
// success while everything else surfaces them as permanent failures.
type notFoundError struct {
	detail string
}

func (e *notFoundError) Error() string {
	return "not found: " + e.detail
}

// As allows errors.As to see the not-found as a permanent classified error.
func (e *notFoundError) As(target any) bool {
	if de, ok := target.(**distributor.Error); ok {
		*de = distributor.NewError(distributor.KindPermanent, e.detail)
		return true
	}
	return false
}

func isNotFound(err error) bool {
	var nf *notFoundError
	return errors.As(err, &nf)
}
