package rest

import (
	"context"
	"net/http"
	"net/url"

	"github.com/trezcool/kanisa/core/attendance"
	"github.com/trezcool/kanisa/core/officer"
)

type (
	sessionResponse struct {
		Session *attendance.Session `json:"session"`
	}

	resetResponse struct {
		Session        attendance.Session `json:"session"`
		RecordsCleared int                `json:"recordsCleared"`
	}

	forceCloseResponse struct {
		ClosedSession struct {
			Role string `json:"role"`
		} `json:"closedSession"`
	}

	recordsResponse struct {
		Records []attendance.Record `json:"records"`
	}

	loginRequest struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	loginResponse struct {
		Token   string          `json:"token"`
		Officer officer.Officer `json:"officer"`
	}
)

// Login authenticates the client. The token is kept for subsequent requests.
func (c *Client) Login(ctx context.Context, username, password string) (officer.Officer, error) {
	var resp loginResponse
	if err := c.do(ctx, http.MethodPost, "/v1/officers/login", nil, loginRequest{username, password}, &resp); err != nil {
		return officer.Officer{}, err
	}
	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()
	return resp.Officer, nil
}

func (c *Client) Status(ctx context.Context) (*attendance.Session, error) {
	var resp sessionResponse
	if err := c.do(ctx, http.MethodGet, "/v1/attendance/session", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Session, nil
}

func (c *Client) Open(ctx context.Context, role, ministry string) (attendance.Session, error) {
	var resp sessionResponse
	body := attendance.OpenSession{Role: role, Ministry: ministry}
	if err := c.do(ctx, http.MethodPost, "/v1/attendance/session/start", nil, body, &resp); err != nil {
		return attendance.Session{}, err
	}
	if resp.Session == nil {
		return attendance.Session{}, &HTTPError{Code: http.StatusBadGateway, Message: "empty session in response"}
	}
	return *resp.Session, nil
}

func (c *Client) Close(ctx context.Context, role string, finalCount int) (attendance.Session, error) {
	var resp sessionResponse
	body := attendance.CloseSession{Role: role, FinalCount: finalCount}
	if err := c.do(ctx, http.MethodPost, "/v1/attendance/session/close", nil, body, &resp); err != nil {
		return attendance.Session{}, err
	}
	if resp.Session == nil {
		return attendance.Session{}, &HTTPError{Code: http.StatusBadGateway, Message: "empty session in response"}
	}
	return *resp.Session, nil
}

func (c *Client) Reset(ctx context.Context, role string) (attendance.Session, int, error) {
	var resp resetResponse
	body := attendance.ResetSession{Role: role}
	if err := c.do(ctx, http.MethodPost, "/v1/attendance/session/reset", nil, body, &resp); err != nil {
		return attendance.Session{}, 0, err
	}
	return resp.Session, resp.RecordsCleared, nil
}

func (c *Client) ForceClose(ctx context.Context, newRole string) (string, error) {
	var resp forceCloseResponse
	body := attendance.ForceCloseSession{NewRole: newRole}
	if err := c.do(ctx, http.MethodPost, "/v1/attendance/session/force-close", nil, body, &resp); err != nil {
		return "", err
	}
	return resp.ClosedSession.Role, nil
}

func (c *Client) Records(ctx context.Context, sessionID string) ([]attendance.Record, error) {
	var resp recordsResponse
	query := url.Values{"session_id": {sessionID}}
	if err := c.do(ctx, http.MethodGet, "/v1/attendance/records", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// SignIn adds an attendee to the register of an active session.
func (c *Client) SignIn(ctx context.Context, nr attendance.NewRecord) (attendance.Record, error) {
	var rec attendance.Record
	if err := c.do(ctx, http.MethodPost, "/v1/attendance/records", nil, nr, &rec); err != nil {
		return attendance.Record{}, err
	}
	return rec, nil
}

// ExportRecords downloads the records of a session as an xlsx workbook.
func (c *Client) ExportRecords(ctx context.Context, sessionID string) ([]byte, error) {
	return c.download(ctx, "/v1/attendance/records/export", url.Values{"session_id": {sessionID}})
}

// SignInQRCode downloads the PNG QR code pointing attendees to the active session's sign-in page.
func (c *Client) SignInQRCode(ctx context.Context) ([]byte, error) {
	return c.download(ctx, "/v1/attendance/session/qr", nil)
}
