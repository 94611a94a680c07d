// Package evm adapts an OTC desk contract deployed on an EVM chain to the
// chain-agnostic ledger interface. The adapter holds a single signing key;
// transaction submissions on behalf of any other address are rejected rather
// than silently signed by the wrong key.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"otcdesk/ledger"
	"otcdesk/native/otc"
)

const deskABI = `[
  {"type":"function","name":"createOffer","stateMutability":"nonpayable","inputs":[{"name":"beneficiary","type":"address"},{"name":"consignmentId","type":"uint64"},{"name":"tokenAmount","type":"uint256"},{"name":"discountBps","type":"uint16"},{"name":"currency","type":"uint8"},{"name":"lockupSeconds","type":"uint64"}],"outputs":[{"name":"offerId","type":"uint64"}]},
  {"type":"function","name":"approveOffer","stateMutability":"nonpayable","inputs":[{"name":"offerId","type":"uint64"}],"outputs":[]},
  {"type":"function","name":"fulfillOffer","stateMutability":"payable","inputs":[{"name":"offerId","type":"uint64"}],"outputs":[]},
  {"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[{"name":"offerId","type":"uint64"}],"outputs":[]},
  {"type":"function","name":"cancelOffer","stateMutability":"nonpayable","inputs":[{"name":"offerId","type":"uint64"}],"outputs":[]},
  {"type":"function","name":"setPrices","stateMutability":"nonpayable","inputs":[{"name":"tokenUsd8d","type":"uint256"},{"name":"nativeUsd8d","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"nextOfferId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint64"}]},
  {"type":"function","name":"getOffer","stateMutability":"view","inputs":[{"name":"offerId","type":"uint64"}],"outputs":[{"name":"offer","type":"tuple","components":[
    {"name":"id","type":"uint64"},
    {"name":"consignmentId","type":"uint64"},
    {"name":"beneficiary","type":"address"},
    {"name":"tokenAmount","type":"uint256"},
    {"name":"discountBps","type":"uint16"},
    {"name":"currency","type":"uint8"},
    {"name":"createdAt","type":"uint64"},
    {"name":"unlockTime","type":"uint64"},
    {"name":"tokenUsd8d","type":"uint256"},
    {"name":"nativeUsd8d","type":"uint256"},
    {"name":"approved","type":"bool"},
    {"name":"paid","type":"bool"},
    {"name":"fulfilled","type":"bool"},
    {"name":"cancelled","type":"bool"},
    {"name":"payer","type":"address"},
    {"name":"amountPaid","type":"uint256"}]}]},
  {"type":"function","name":"getDesk","stateMutability":"view","inputs":[],"outputs":[{"name":"desk","type":"tuple","components":[
    {"name":"owner","type":"address"},
    {"name":"agent","type":"address"},
    {"name":"requiredApprovals","type":"uint32"},
    {"name":"minUsd8d","type":"uint256"},
    {"name":"maxTokenPerOrder","type":"uint256"},
    {"name":"maxLockupSecs","type":"uint64"},
    {"name":"quoteExpirySecs","type":"uint64"},
    {"name":"deposited","type":"uint256"},
    {"name":"reserved","type":"uint256"},
    {"name":"tokenUsd8d","type":"uint256"},
    {"name":"nativeUsd8d","type":"uint256"},
    {"name":"pricesUpdatedAt","type":"uint64"},
    {"name":"paused","type":"bool"}]}]}
]`

type rawOffer struct {
	Id            uint64
	ConsignmentId uint64
	Beneficiary   common.Address
	TokenAmount   *big.Int
	DiscountBps   uint16
	Currency      uint8
	CreatedAt     uint64
	UnlockTime    uint64
	TokenUsd8d    *big.Int
	NativeUsd8d   *big.Int
	Approved      bool
	Paid          bool
	Fulfilled     bool
	Cancelled     bool
	Payer         common.Address
	AmountPaid    *big.Int
}

type rawDesk struct {
	Owner             common.Address
	Agent             common.Address
	RequiredApprovals uint32
	MinUsd8d          *big.Int
	MaxTokenPerOrder  *big.Int
	MaxLockupSecs     uint64
	QuoteExpirySecs   uint64
	Deposited         *big.Int
	Reserved          *big.Int
	TokenUsd8d        *big.Int
	NativeUsd8d       *big.Int
	PricesUpdatedAt   uint64
	Paused            bool
}

// Ledger submits desk transactions through a JSON-RPC endpoint.
type Ledger struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	address  common.Address
	signer   common.Address

	// mu serialises transactions so the keyed transactor's nonce management
	// never races.
	mu   sync.Mutex
	opts *bind.TransactOpts
}

// Dial connects to the RPC endpoint and binds the desk contract. The private
// key is hex-encoded without a 0x prefix.
func Dial(ctx context.Context, rpcURL, contractAddr, privKeyHex string) (*Ledger, error) {
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("evm: invalid contract address %q", contractAddr)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", rpcURL, err)
	}
	parsed, err := abi.JSON(strings.NewReader(deskABI))
	if err != nil {
		return nil, fmt.Errorf("evm: parse abi: %w", err)
	}
	address := common.HexToAddress(contractAddr)
	contract := bind.NewBoundContract(address, parsed, client, client, client)

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("evm: parse signing key: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("evm: chain id: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("evm: transactor: %w", err)
	}
	return &Ledger{
		client:   client,
		contract: contract,
		address:  address,
		signer:   crypto.PubkeyToAddress(key.PublicKey),
		opts:     opts,
	}, nil
}

// Close releases the underlying RPC connection.
func (l *Ledger) Close() { l.client.Close() }

// Chain implements ledger.Ledger.
func (l *Ledger) Chain() string { return "evm" }

// Signer returns the address the adapter signs with.
func (l *Ledger) Signer() string { return strings.ToLower(l.signer.Hex()) }

func (l *Ledger) requireSigner(caller string) error {
	if caller == "" {
		return nil
	}
	if !otc.SameAddress(caller, l.signer.Hex()) {
		return fmt.Errorf("%w: caller %s does not match signer %s", ledger.ErrUnsupported, caller, l.Signer())
	}
	return nil
}

func (l *Ledger) transact(ctx context.Context, value *big.Int, method string, args ...interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	opts := *l.opts
	opts.Context = ctx
	opts.Value = value
	tx, err := l.contract.Transact(&opts, method, args...)
	if err != nil {
		return fmt.Errorf("evm: %s: %w", method, err)
	}
	receipt, err := bind.WaitMined(ctx, l.client, tx)
	if err != nil {
		return fmt.Errorf("evm: %s wait mined: %w", method, err)
	}
	if receipt.Status == 0 {
		return fmt.Errorf("evm: %s reverted in tx %s", method, tx.Hash())
	}
	return nil
}

// SubmitCreate implements ledger.Ledger.
func (l *Ledger) SubmitCreate(ctx context.Context, params ledger.CreateParams) (uint64, error) {
	if !common.IsHexAddress(params.Beneficiary) {
		return 0, fmt.Errorf("evm: invalid beneficiary %q", params.Beneficiary)
	}
	before, err := l.nextOfferID(ctx)
	if err != nil {
		return 0, err
	}
	err = l.transact(ctx, nil, "createOffer",
		common.HexToAddress(params.Beneficiary),
		params.ConsignmentID,
		params.TokenAmount,
		params.DiscountBps,
		uint8(params.Currency),
		uint64(params.LockupSecs),
	)
	if err != nil {
		return 0, err
	}
	return before, nil
}

// SubmitApprove implements ledger.Ledger.
func (l *Ledger) SubmitApprove(ctx context.Context, offerID uint64, approver string) error {
	if err := l.requireSigner(approver); err != nil {
		return err
	}
	return l.transact(ctx, nil, "approveOffer", offerID)
}

// SubmitFulfill implements ledger.Ledger.
func (l *Ledger) SubmitFulfill(ctx context.Context, offerID uint64, payer string, nativeValue *big.Int) error {
	if err := l.requireSigner(payer); err != nil {
		return err
	}
	return l.transact(ctx, nativeValue, "fulfillOffer", offerID)
}

// SubmitClaim implements ledger.Ledger.
func (l *Ledger) SubmitClaim(ctx context.Context, offerID uint64, caller string) error {
	if err := l.requireSigner(caller); err != nil {
		return err
	}
	return l.transact(ctx, nil, "claim", offerID)
}

// SubmitCancel implements ledger.Ledger.
func (l *Ledger) SubmitCancel(ctx context.Context, offerID uint64, caller string) error {
	if err := l.requireSigner(caller); err != nil {
		return err
	}
	return l.transact(ctx, nil, "cancelOffer", offerID)
}

// PublishPrices pushes fresh oracle prices to the contract, satisfying the
// oracle manager's publisher interface.
func (l *Ledger) PublishPrices(ctx context.Context, tokenUsd8d, nativeUsd8d *big.Int) error {
	return l.transact(ctx, nil, "setPrices", tokenUsd8d, nativeUsd8d)
}

func (l *Ledger) nextOfferID(ctx context.Context) (uint64, error) {
	var out []interface{}
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, "nextOfferId"); err != nil {
		return 0, fmt.Errorf("evm: nextOfferId: %w", err)
	}
	next := *abi.ConvertType(out[0], new(uint64)).(*uint64)
	return next, nil
}

// Offer implements ledger.Ledger.
func (l *Ledger) Offer(ctx context.Context, offerID uint64) (*otc.Offer, error) {
	var out []interface{}
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getOffer", offerID); err != nil {
		return nil, fmt.Errorf("evm: getOffer %d: %w", offerID, err)
	}
	raw := *abi.ConvertType(out[0], new(rawOffer)).(*rawOffer)
	if raw.Id == 0 {
		return nil, otc.ErrOfferNotFound
	}
	return &otc.Offer{
		ID:            raw.Id,
		ConsignmentID: raw.ConsignmentId,
		Beneficiary:   strings.ToLower(raw.Beneficiary.Hex()),
		TokenAmount:   raw.TokenAmount,
		DiscountBps:   raw.DiscountBps,
		Currency:      otc.Currency(raw.Currency),
		CreatedAt:     int64(raw.CreatedAt),
		UnlockTime:    int64(raw.UnlockTime),
		TokenUsd8d:    raw.TokenUsd8d,
		NativeUsd8d:   raw.NativeUsd8d,
		Approved:      raw.Approved,
		Paid:          raw.Paid,
		Fulfilled:     raw.Fulfilled,
		Cancelled:     raw.Cancelled,
		Payer:         strings.ToLower(raw.Payer.Hex()),
		AmountPaid:    raw.AmountPaid,
	}, nil
}

// Desk implements ledger.Ledger.
func (l *Ledger) Desk(ctx context.Context) (*otc.Desk, error) {
	var out []interface{}
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getDesk"); err != nil {
		return nil, fmt.Errorf("evm: getDesk: %w", err)
	}
	raw := *abi.ConvertType(out[0], new(rawDesk)).(*rawDesk)
	return &otc.Desk{
		Address:           strings.ToLower(l.address.Hex()),
		Owner:             strings.ToLower(raw.Owner.Hex()),
		Agent:             strings.ToLower(raw.Agent.Hex()),
		RequiredApprovals: raw.RequiredApprovals,
		MinUsd8d:          raw.MinUsd8d,
		MaxTokenPerOrder:  raw.MaxTokenPerOrder,
		MaxLockupSecs:     int64(raw.MaxLockupSecs),
		QuoteExpirySecs:   int64(raw.QuoteExpirySecs),
		Deposited:         raw.Deposited,
		Reserved:          raw.Reserved,
		TokenUsd8d:        raw.TokenUsd8d,
		NativeUsd8d:       raw.NativeUsd8d,
		PricesUpdatedAt:   int64(raw.PricesUpdatedAt),
		Paused:            raw.Paused,
	}, nil
}

// OpenOfferIDs implements ledger.Ledger by scanning the id space. Offer ids
// are dense and monotonically increasing, so a bounded scan from 1 to
// nextOfferId is exact.
func (l *Ledger) OpenOfferIDs(ctx context.Context) ([]uint64, error) {
	next, err := l.nextOfferID(ctx)
	if err != nil {
		return nil, err
	}
	open := make([]uint64, 0)
	for id := uint64(1); id < next; id++ {
		offer, err := l.Offer(ctx, id)
		if err != nil {
			return nil, err
		}
		if offer.Terminal() {
			continue
		}
		open = append(open, id)
	}
	return open, nil
}

// Health implements ledger.Ledger by verifying the desk contract is deployed
// at the configured address.
func (l *Ledger) Health(ctx context.Context) error {
	code, err := l.client.CodeAt(ctx, l.address, nil)
	if err != nil {
		return fmt.Errorf("evm: code at %s: %w", l.address.Hex(), err)
	}
	if len(code) == 0 {
		return fmt.Errorf("evm: no contract deployed at %s", l.address.Hex())
	}
	return nil
}
