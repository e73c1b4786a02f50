package integration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

// TestErrorInvalidJSON tests handling of invalid JSON payloads
func TestErrorInvalidJSON(t *testing.T) {
	c := getTestClient()
	skipIfNoServices(t, c)
	ctx := context.Background()

	view, client := newContract(t, c, Payee{Kind: "individual", UserID: "e2e-json-freelancer"}, "100",
		MilestoneInput{Title: "All", WeightPct: "100"})

	req, _ := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/contracts/"+view.Contract.ID+"/deposits", strings.NewReader("{ invalid json content"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", client.ID)

	resp, err := c.http.Do(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// TestErrorResponses checks the status and code for each error kind.
func TestErrorResponses(t *testing.T) {
	c := getTestClient()
	skipIfNoServices(t, c)
	ctx := context.Background()

	view, client := newContract(t, c, Payee{Kind: "individual", UserID: "e2e-err-freelancer"}, "100",
		MilestoneInput{Title: "All", WeightPct: "100"})
	contractID, mid := view.Contract.ID, view.Milestones[0].ID
	outsider := Actor{ID: fmt.Sprintf("e2e-outsider-%d", time.Now().UnixNano()), Role: "user"}

	tests := []struct {
		name       string
		call       func() error
		wantStatus int
		wantCode   string
	}{
		{
			name: "negative deposit",
			call: func() error {
				_, err := c.Deposit(ctx, client, contractID, "-10")
				return err
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_amount",
		},
		{
			name: "deposit above total",
			call: func() error {
				_, err := c.Deposit(ctx, client, contractID, "100.01")
				return err
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   "exceeds_contract_total",
		},
		{
			name: "outsider deposit",
			call: func() error {
				_, err := c.Deposit(ctx, outsider, contractID, "10")
				return err
			},
			wantStatus: http.StatusForbidden,
			wantCode:   "unauthorized",
		},
		{
			name: "unknown contract",
			call: func() error {
				_, err := c.GetEscrow(ctx, client, "e2e-missing-contract")
				return err
			},
			wantStatus: http.StatusNotFound,
			wantCode:   "contract_not_found",
		},
		{
			name: "release pending milestone",
			call: func() error {
				_, err := c.Release(ctx, client, contractID, mid)
				return err
			},
			wantStatus: http.StatusConflict,
			wantCode:   "milestone_not_approved",
		},
		{
			name: "partial release without funds",
			call: func() error {
				if err := c.MilestoneAction(ctx, Actor{ID: "e2e-err-freelancer", Role: "user"}, contractID, mid, "start", nil); err != nil {
					return err
				}
				_, err := c.PartialRelease(ctx, client, contractID, mid, "10")
				return err
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "insufficient_escrow_balance",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected an API error, got %v", err)
			}
			if apiErr.Status != tt.wantStatus || apiErr.Code != tt.wantCode {
				t.Errorf("got %d %s, want %d %s", apiErr.Status, apiErr.Code, tt.wantStatus, tt.wantCode)
			}
		})
	}
}

// TestErrorUnauthenticated checks that anonymous calls are rejected.
func TestErrorUnauthenticated(t *testing.T) {
	c := getTestClient()
	skipIfNoServices(t, c)

	_, err := c.GetEscrow(context.Background(), Actor{}, "any-contract")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}
