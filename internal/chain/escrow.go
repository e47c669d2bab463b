package chain

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/human-protocol/job-launcher/internal/config"
	"github.com/human-protocol/job-launcher/internal/domain/errs"
	"github.com/human-protocol/job-launcher/pkg/logger"
)

// EscrowStatus mirrors the on-chain escrow state enum.
type EscrowStatus string

const (
	EscrowLaunched EscrowStatus = "Launched"
	EscrowPending  EscrowStatus = "Pending"
	EscrowPartial  EscrowStatus = "Partial"
	EscrowPaid     EscrowStatus = "Paid"
	EscrowComplete EscrowStatus = "Complete"
	EscrowCanceled EscrowStatus = "Cancelled"
)

// EscrowConfig is the setup struct written into a freshly created escrow.
type EscrowConfig struct {
	RecordingOracle     string `json:"recording_oracle"`
	ReputationOracle    string `json:"reputation_oracle"`
	RecordingOracleFee  int    `json:"recording_oracle_fee"`
	ReputationOracleFee int    `json:"reputation_oracle_fee"`
	ManifestURL         string `json:"manifest_url"`
	ManifestHash        string `json:"manifest_hash"`
}

// Escrow is the contract adapter the orchestrator drives.
type Escrow interface {
	// CreateEscrow asks the network's factory for a new escrow and returns
	// its address. An empty address reports errs.ErrEscrowNotCreated.
	CreateEscrow(ctx context.Context, chainID int, trustedHandlers []string) (string, error)
	SetupEscrow(ctx context.Context, chainID int, escrowAddr string, cfg EscrowConfig) error
	// FundEscrow transfers fund tokens from the operator account.
	FundEscrow(ctx context.Context, chainID int, escrowAddr string, amount decimal.Decimal) error
	ResultsURL(ctx context.Context, chainID int, escrowAddr string) (string, error)
	CancelEscrow(ctx context.Context, chainID int, escrowAddr string) error
	Status(ctx context.Context, chainID int, escrowAddr string) (EscrowStatus, error)
	// Balance reports the tokens remaining in the escrow.
	Balance(ctx context.Context, chainID int, escrowAddr string) (decimal.Decimal, error)
}

// EscrowAdapter implements Escrow over the per-network operator nodes.
type EscrowAdapter struct {
	clients  map[int]*Client
	networks map[int]config.Network
	log      *logger.Logger
}

var _ Escrow = (*EscrowAdapter)(nil)

// NewEscrowAdapter builds one client per configured network.
func NewEscrowAdapter(networks []config.Network, log *logger.Logger) (*EscrowAdapter, error) {
	if log == nil {
		log = logger.NewDefault("escrow-adapter")
	}

	clients := make(map[int]*Client, len(networks))
	byID := make(map[int]config.Network, len(networks))
	for _, n := range networks {
		client, err := NewClient(ClientConfig{RPCURL: n.RPCURL, ChainID: n.ChainID})
		if err != nil {
			return nil, fmt.Errorf("network %s: %w", n.Name, err)
		}
		clients[n.ChainID] = client
		byID[n.ChainID] = n
	}

	return &EscrowAdapter{clients: clients, networks: byID, log: log}, nil
}

func (a *EscrowAdapter) client(chainID int) (*Client, config.Network, error) {
	c, ok := a.clients[chainID]
	if !ok {
		return nil, config.Network{}, errs.ErrInvalidChainID
	}
	return c, a.networks[chainID], nil
}

func (a *EscrowAdapter) CreateEscrow(ctx context.Context, chainID int, trustedHandlers []string) (string, error) {
	client, net, err := a.client(chainID)
	if err != nil {
		return "", err
	}

	addr, err := client.CallString(ctx, "escrow_create", []interface{}{net.FactoryAddr, net.TokenAddress, trustedHandlers})
	if err != nil {
		return "", fmt.Errorf("create escrow: %w", err)
	}
	if addr == "" {
		return "", errs.ErrEscrowNotCreated
	}

	a.log.WithField("chain_id", chainID).
		WithField("escrow_address", addr).
		Info("escrow created")
	return addr, nil
}

func (a *EscrowAdapter) SetupEscrow(ctx context.Context, chainID int, escrowAddr string, cfg EscrowConfig) error {
	client, _, err := a.client(chainID)
	if err != nil {
		return err
	}
	if _, err := client.Call(ctx, "escrow_setup", []interface{}{escrowAddr, cfg}); err != nil {
		return fmt.Errorf("setup escrow: %w", err)
	}
	return nil
}

func (a *EscrowAdapter) FundEscrow(ctx context.Context, chainID int, escrowAddr string, amount decimal.Decimal) error {
	client, net, err := a.client(chainID)
	if err != nil {
		return err
	}
	if _, err := client.Call(ctx, "token_transfer", []interface{}{net.TokenAddress, escrowAddr, amount.String()}); err != nil {
		return fmt.Errorf("fund escrow: %w", err)
	}
	a.log.WithField("chain_id", chainID).
		WithField("escrow_address", escrowAddr).
		WithField("amount", amount.String()).
		Info("escrow funded")
	return nil
}

func (a *EscrowAdapter) ResultsURL(ctx context.Context, chainID int, escrowAddr string) (string, error) {
	client, _, err := a.client(chainID)
	if err != nil {
		return "", err
	}
	url, err := client.CallString(ctx, "escrow_finalResultsUrl", []interface{}{escrowAddr})
	if err != nil {
		return "", fmt.Errorf("query results url: %w", err)
	}
	return url, nil
}

func (a *EscrowAdapter) CancelEscrow(ctx context.Context, chainID int, escrowAddr string) error {
	client, _, err := a.client(chainID)
	if err != nil {
		return err
	}
	if _, err := client.Call(ctx, "escrow_cancel", []interface{}{escrowAddr}); err != nil {
		return fmt.Errorf("cancel escrow: %w", err)
	}
	return nil
}

func (a *EscrowAdapter) Status(ctx context.Context, chainID int, escrowAddr string) (EscrowStatus, error) {
	client, _, err := a.client(chainID)
	if err != nil {
		return "", err
	}
	s, err := client.CallString(ctx, "escrow_status", []interface{}{escrowAddr})
	if err != nil {
		return "", fmt.Errorf("query escrow status: %w", err)
	}
	return EscrowStatus(s), nil
}

func (a *EscrowAdapter) Balance(ctx context.Context, chainID int, escrowAddr string) (decimal.Decimal, error) {
	client, _, err := a.client(chainID)
	if err != nil {
		return decimal.Zero, err
	}
	raw, err := client.CallString(ctx, "escrow_balance", []interface{}{escrowAddr})
	if err != nil {
		return decimal.Zero, fmt.Errorf("query escrow balance: %w", err)
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse escrow balance %q: %w", raw, err)
	}
	return balance, nil
}
