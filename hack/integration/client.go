package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultEscrowURL is the service address in the local docker-compose setup.
const DefaultEscrowURL = "http://localhost:8080"

// Actor identifies the caller through the development identity headers.
type Actor struct {
	ID   string
	Role string
}

// Client is the integration test client
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a new integration test client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is the error object returned by the service.
type APIError struct {
	Status    int    `json:"-"`
	Code      string `json:"code"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

// Request makes an HTTP request as actor.
func (c *Client) Request(ctx context.Context, actor Actor, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if actor.ID != "" {
		req.Header.Set("X-User-ID", actor.ID)
		req.Header.Set("X-User-Role", actor.Role)
	}
	return c.http.Do(req)
}

// JSON makes a request and decodes the JSON response. Error responses are
// returned as *APIError.
func (c *Client) JSON(ctx context.Context, actor Actor, method, path string, body, result any) error {
	resp, err := c.Request(ctx, actor, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error APIError `json:"error"`
		}
		bodyBytes, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(bodyBytes))
		}
		envelope.Error.Status = resp.StatusCode
		return &envelope.Error
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

// HealthCheck checks if the service is healthy
func (c *Client) HealthCheck(ctx context.Context) error {
	resp, err := c.Request(ctx, Actor{}, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

// Internal API

type MilestoneInput struct {
	Title     string `json:"title"`
	WeightPct string `json:"weight_pct,omitempty"`
	Amount    string `json:"amount,omitempty"`
}

type Payee struct {
	Kind   string `json:"kind"`
	UserID string `json:"user_id,omitempty"`
	TeamID string `json:"team_id,omitempty"`
}

type CreateContractRequest struct {
	ID          string           `json:"id,omitempty"`
	ProjectID   string           `json:"project_id"`
	BidID       string           `json:"bid_id,omitempty"`
	ClientID    string           `json:"client_id"`
	Payee       Payee            `json:"payee"`
	TotalAmount string           `json:"total_amount"`
	Milestones  []MilestoneInput `json:"milestones"`
}

type Contract struct {
	ID              string `json:"id"`
	ClientID        string `json:"client_id"`
	TotalAmount     string `json:"total_amount"`
	EscrowBalance   string `json:"escrow_balance"`
	ReleasedAmount  string `json:"released_amount"`
	RefundedAmount  string `json:"refunded_amount"`
	Status          string `json:"status"`
	ActiveDisputeID string `json:"active_dispute_id,omitempty"`
}

type Milestone struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Status         string `json:"status"`
	ReleasedPct    string `json:"released_pct"`
	ReleasedAmount string `json:"released_amount"`
}

type ContractView struct {
	Contract   Contract    `json:"contract"`
	Milestones []Milestone `json:"milestones"`
}

type TeamMember struct {
	UserID string `json:"user_id"`
	Status string `json:"status,omitempty"`
}

type Team struct {
	Name    string       `json:"name"`
	Members []TeamMember `json:"members"`
}

func (c *Client) CreateContract(ctx context.Context, caller Actor, req *CreateContractRequest) (*ContractView, error) {
	var result ContractView
	err := c.JSON(ctx, caller, http.MethodPost, "/internal/v1/contracts", req, &result)
	return &result, err
}

func (c *Client) UpsertTeam(ctx context.Context, caller Actor, teamID string, team *Team) error {
	return c.JSON(ctx, caller, http.MethodPut, "/internal/v1/teams/"+teamID, team, nil)
}

// Escrow API

type DepositResult struct {
	EscrowBalance string `json:"new_escrow_balance"`
	TransactionID string `json:"transaction_id"`
}

type ReleaseResult struct {
	ReleaseAmount  string `json:"release_amount"`
	EscrowBalance  string `json:"new_escrow_balance"`
	AlreadyPaid    bool   `json:"already_paid"`
	ContractStatus string `json:"contract_status"`
	TransactionID  string `json:"transaction_id,omitempty"`
}

type PartialReleaseResult struct {
	ReleaseAmount      string `json:"release_amount"`
	ReleasedPercentage string `json:"released_pct"`
	RemainingAmount    string `json:"remaining_amount"`
	MilestoneStatus    string `json:"milestone_status"`
}

type EscrowBalance struct {
	EscrowBalance  string `json:"escrow_balance"`
	TotalAmount    string `json:"total_amount"`
	ReleasedAmount string `json:"released_amount"`
	RefundedAmount string `json:"refunded_amount"`
	Status         string `json:"status"`
}

type Transaction struct {
	ID           string `json:"id"`
	Seq          int64  `json:"seq"`
	Kind         string `json:"kind"`
	Amount       string `json:"amount"`
	BalanceAfter string `json:"balance_after"`
	Status       string `json:"status"`
}

type Wallet struct {
	OwnerID string `json:"owner_id"`
	Balance string `json:"balance"`
}

func (c *Client) Deposit(ctx context.Context, caller Actor, contractID, amount string) (*DepositResult, error) {
	var result DepositResult
	err := c.JSON(ctx, caller, http.MethodPost, "/v1/contracts/"+contractID+"/deposits",
		map[string]string{"amount": amount}, &result)
	return &result, err
}

// MilestoneAction posts to a milestone transition endpoint (start, submit,
// approve, reject).
func (c *Client) MilestoneAction(ctx context.Context, caller Actor, contractID, milestoneID, action string, body any) error {
	return c.JSON(ctx, caller, http.MethodPost, "/v1/contracts/"+contractID+"/milestones/"+milestoneID+"/"+action, body, nil)
}

func (c *Client) Release(ctx context.Context, caller Actor, contractID, milestoneID string) (*ReleaseResult, error) {
	var result ReleaseResult
	err := c.JSON(ctx, caller, http.MethodPost, "/v1/contracts/"+contractID+"/milestones/"+milestoneID+"/release", nil, &result)
	return &result, err
}

func (c *Client) PartialRelease(ctx context.Context, caller Actor, contractID, milestoneID, pct string) (*PartialReleaseResult, error) {
	var result PartialReleaseResult
	err := c.JSON(ctx, caller, http.MethodPost, "/v1/contracts/"+contractID+"/milestones/"+milestoneID+"/partial-release",
		map[string]string{"release_pct": pct}, &result)
	return &result, err
}

func (c *Client) GetEscrow(ctx context.Context, caller Actor, contractID string) (*EscrowBalance, error) {
	var result EscrowBalance
	err := c.JSON(ctx, caller, http.MethodGet, "/v1/contracts/"+contractID+"/escrow", nil, &result)
	return &result, err
}

func (c *Client) GetTransactions(ctx context.Context, caller Actor, contractID string) ([]Transaction, error) {
	var result struct {
		Transactions []Transaction `json:"transactions"`
	}
	err := c.JSON(ctx, caller, http.MethodGet, "/v1/contracts/"+contractID+"/transactions", nil, &result)
	return result.Transactions, err
}

func (c *Client) GetWallet(ctx context.Context, caller Actor, ownerID string) (*Wallet, error) {
	var result Wallet
	err := c.JSON(ctx, caller, http.MethodGet, "/v1/wallets/"+ownerID, nil, &result)
	return &result, err
}

// Dispute API

type Dispute struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount string `json:"amount"`
}

type ResolveResult struct {
	Dispute  Dispute       `json:"dispute"`
	Contract EscrowBalance `json:"contract"`
	Amount   string        `json:"amount"`
}

func (c *Client) CreateDispute(ctx context.Context, caller Actor, contractID, reason, description string) (string, error) {
	var result struct {
		DisputeID string `json:"dispute_id"`
	}
	err := c.JSON(ctx, caller, http.MethodPost, "/v1/contracts/"+contractID+"/disputes",
		map[string]string{"reason": reason, "description": description}, &result)
	return result.DisputeID, err
}

func (c *Client) ResolveDispute(ctx context.Context, caller Actor, disputeID, action, resolution string) (*ResolveResult, error) {
	var result ResolveResult
	err := c.JSON(ctx, caller, http.MethodPost, "/v1/disputes/"+disputeID+"/resolve",
		map[string]string{"action": action, "resolution": resolution}, &result)
	return &result, err
}
