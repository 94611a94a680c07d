// Package solana adapts the Anchor OTC desk program to the chain-agnostic
// ledger interface. Account layouts follow Anchor conventions: an 8-byte
// instruction/account discriminator derived from the name, followed by
// Borsh-encoded fields.
package solana

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"

	bin "github.com/gagliardetto/binary"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"otcdesk/ledger"
	"otcdesk/native/otc"
)

// discriminator computes the Anchor 8-byte discriminator for the namespaced
// name, e.g. "global:approve_offer" or "account:Offer".
func discriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte(name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

var (
	ixApproveOffer = discriminator("global:approve_offer")
	ixCancelOffer  = discriminator("global:cancel_offer")
	ixSetPrices    = discriminator("global:set_prices")
)

type rawOffer struct {
	Id            uint64
	ConsignmentId uint64
	Beneficiary   solanago.PublicKey
	TokenAmount   uint64
	DiscountBps   uint16
	Currency      uint8
	CreatedAt     int64
	UnlockTime    int64
	TokenUsd8d    uint64
	NativeUsd8d   uint64
	Approved      bool
	Paid          bool
	Fulfilled     bool
	Cancelled     bool
	Payer         solanago.PublicKey
	AmountPaid    uint64
}

type rawDesk struct {
	Owner             solanago.PublicKey
	Agent             solanago.PublicKey
	RequiredApprovals uint32
	MinUsd8d          uint64
	MaxTokenPerOrder  uint64
	MaxLockupSecs     int64
	QuoteExpirySecs   int64
	Deposited         uint64
	Reserved          uint64
	TokenUsd8d        uint64
	NativeUsd8d       uint64
	PricesUpdatedAt   int64
	Paused            bool
	NextOfferId       uint64
}

// Ledger submits desk transactions against a Solana RPC node.
type Ledger struct {
	client  *rpc.Client
	program solanago.PublicKey
	desk    solanago.PublicKey
	signer  solanago.PrivateKey
}

// Dial binds the desk program. The signing key is base58-encoded.
func Dial(rpcURL, programID, deskAddr, privKeyBase58 string) (*Ledger, error) {
	program, err := solanago.PublicKeyFromBase58(programID)
	if err != nil {
		return nil, fmt.Errorf("solana: program id: %w", err)
	}
	desk, err := solanago.PublicKeyFromBase58(deskAddr)
	if err != nil {
		return nil, fmt.Errorf("solana: desk address: %w", err)
	}
	signer, err := solanago.PrivateKeyFromBase58(privKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("solana: signing key: %w", err)
	}
	return &Ledger{
		client:  rpc.New(rpcURL),
		program: program,
		desk:    desk,
		signer:  signer,
	}, nil
}

// Chain implements ledger.Ledger.
func (l *Ledger) Chain() string { return "solana" }

// Signer returns the base58 address the adapter signs with.
func (l *Ledger) Signer() string { return l.signer.PublicKey().String() }

func (l *Ledger) requireSigner(caller string) error {
	if caller == "" {
		return nil
	}
	if !otc.SameAddress(caller, l.Signer()) {
		return fmt.Errorf("%w: caller %s does not match signer %s", ledger.ErrUnsupported, caller, l.Signer())
	}
	return nil
}

// offerPDA derives the offer account address from the desk and offer id.
func (l *Ledger) offerPDA(offerID uint64) (solanago.PublicKey, error) {
	var idLE [8]byte
	binary.LittleEndian.PutUint64(idLE[:], offerID)
	addr, _, err := solanago.FindProgramAddress([][]byte{[]byte("offer"), l.desk.Bytes(), idLE[:]}, l.program)
	if err != nil {
		return solanago.PublicKey{}, fmt.Errorf("solana: derive offer pda: %w", err)
	}
	return addr, nil
}

func (l *Ledger) submit(ctx context.Context, disc [8]byte, args []byte, accounts solanago.AccountMetaSlice) error {
	data := append(append([]byte{}, disc[:]...), args...)
	instruction := solanago.NewInstruction(l.program, accounts, data)
	recent, err := l.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return fmt.Errorf("solana: latest blockhash: %w", err)
	}
	tx, err := solanago.NewTransaction(
		[]solanago.Instruction{instruction},
		recent.Value.Blockhash,
		solanago.TransactionPayer(l.signer.PublicKey()),
	)
	if err != nil {
		return fmt.Errorf("solana: build transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solanago.PublicKey) *solanago.PrivateKey {
		if key.Equals(l.signer.PublicKey()) {
			return &l.signer
		}
		return nil
	}); err != nil {
		return fmt.Errorf("solana: sign transaction: %w", err)
	}
	if _, err := l.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	}); err != nil {
		return fmt.Errorf("solana: send transaction: %w", err)
	}
	return nil
}

func (l *Ledger) offerInstruction(ctx context.Context, disc [8]byte, offerID uint64) error {
	offerAddr, err := l.offerPDA(offerID)
	if err != nil {
		return err
	}
	var args [8]byte
	binary.LittleEndian.PutUint64(args[:], offerID)
	accounts := solanago.AccountMetaSlice{
		solanago.Meta(l.desk).WRITE(),
		solanago.Meta(offerAddr).WRITE(),
		solanago.Meta(l.signer.PublicKey()).SIGNER(),
	}
	return l.submit(ctx, disc, args[:], accounts)
}

// SubmitCreate is not implemented: offer creation requires the beneficiary's
// wallet signature and is submitted by the counterparty UI, never by the
// services that hold only the operational key.
func (l *Ledger) SubmitCreate(context.Context, ledger.CreateParams) (uint64, error) {
	return 0, fmt.Errorf("%w: createOffer requires the counterparty wallet", ledger.ErrUnsupported)
}

// SubmitApprove implements ledger.Ledger.
func (l *Ledger) SubmitApprove(ctx context.Context, offerID uint64, approver string) error {
	if err := l.requireSigner(approver); err != nil {
		return err
	}
	return l.offerInstruction(ctx, ixApproveOffer, offerID)
}

// SubmitFulfill is not implemented for the same reason as SubmitCreate.
func (l *Ledger) SubmitFulfill(context.Context, uint64, string, *big.Int) error {
	return fmt.Errorf("%w: fulfillOffer requires the payer wallet", ledger.ErrUnsupported)
}

// SubmitClaim is not implemented for the same reason as SubmitCreate.
func (l *Ledger) SubmitClaim(context.Context, uint64, string) error {
	return fmt.Errorf("%w: claim requires the beneficiary wallet", ledger.ErrUnsupported)
}

// SubmitCancel implements ledger.Ledger.
func (l *Ledger) SubmitCancel(ctx context.Context, offerID uint64, caller string) error {
	if err := l.requireSigner(caller); err != nil {
		return err
	}
	return l.offerInstruction(ctx, ixCancelOffer, offerID)
}

// PublishPrices pushes fresh oracle prices to the desk account, satisfying
// the oracle manager's publisher interface. Prices above the u64 range are
// rejected before submission.
func (l *Ledger) PublishPrices(ctx context.Context, tokenUsd8d, nativeUsd8d *big.Int) error {
	if !tokenUsd8d.IsUint64() || !nativeUsd8d.IsUint64() {
		return fmt.Errorf("solana: price exceeds u64 range")
	}
	var args [16]byte
	binary.LittleEndian.PutUint64(args[0:8], tokenUsd8d.Uint64())
	binary.LittleEndian.PutUint64(args[8:16], nativeUsd8d.Uint64())
	accounts := solanago.AccountMetaSlice{
		solanago.Meta(l.desk).WRITE(),
		solanago.Meta(l.signer.PublicKey()).SIGNER(),
	}
	return l.submit(ctx, ixSetPrices, args[:], accounts)
}

func (l *Ledger) accountData(ctx context.Context, addr solanago.PublicKey) ([]byte, error) {
	info, err := l.client.GetAccountInfoWithOpts(ctx, addr, &rpc.GetAccountInfoOpts{
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, err
	}
	if info == nil || info.Value == nil {
		return nil, fmt.Errorf("solana: account %s not found", addr)
	}
	data := info.Value.Data.GetBinary()
	if len(data) < 8 {
		return nil, fmt.Errorf("solana: account %s too short", addr)
	}
	return data[8:], nil
}

// Offer implements ledger.Ledger.
func (l *Ledger) Offer(ctx context.Context, offerID uint64) (*otc.Offer, error) {
	offerAddr, err := l.offerPDA(offerID)
	if err != nil {
		return nil, err
	}
	data, err := l.accountData(ctx, offerAddr)
	if err != nil {
		return nil, fmt.Errorf("solana: offer %d: %w", offerID, err)
	}
	var raw rawOffer
	if err := bin.NewBorshDecoder(data).Decode(&raw); err != nil {
		return nil, fmt.Errorf("solana: decode offer %d: %w", offerID, err)
	}
	return &otc.Offer{
		ID:            raw.Id,
		ConsignmentID: raw.ConsignmentId,
		Beneficiary:   raw.Beneficiary.String(),
		TokenAmount:   new(big.Int).SetUint64(raw.TokenAmount),
		DiscountBps:   raw.DiscountBps,
		Currency:      otc.Currency(raw.Currency),
		CreatedAt:     raw.CreatedAt,
		UnlockTime:    raw.UnlockTime,
		TokenUsd8d:    new(big.Int).SetUint64(raw.TokenUsd8d),
		NativeUsd8d:   new(big.Int).SetUint64(raw.NativeUsd8d),
		Approved:      raw.Approved,
		Paid:          raw.Paid,
		Fulfilled:     raw.Fulfilled,
		Cancelled:     raw.Cancelled,
		Payer:         raw.Payer.String(),
		AmountPaid:    new(big.Int).SetUint64(raw.AmountPaid),
	}, nil
}

// Desk implements ledger.Ledger.
func (l *Ledger) Desk(ctx context.Context) (*otc.Desk, error) {
	data, err := l.accountData(ctx, l.desk)
	if err != nil {
		return nil, fmt.Errorf("solana: desk: %w", err)
	}
	var raw rawDesk
	if err := bin.NewBorshDecoder(data).Decode(&raw); err != nil {
		return nil, fmt.Errorf("solana: decode desk: %w", err)
	}
	return &otc.Desk{
		Address:           l.desk.String(),
		Owner:             raw.Owner.String(),
		Agent:             raw.Agent.String(),
		RequiredApprovals: raw.RequiredApprovals,
		MinUsd8d:          new(big.Int).SetUint64(raw.MinUsd8d),
		MaxTokenPerOrder:  new(big.Int).SetUint64(raw.MaxTokenPerOrder),
		MaxLockupSecs:     raw.MaxLockupSecs,
		QuoteExpirySecs:   raw.QuoteExpirySecs,
		Deposited:         new(big.Int).SetUint64(raw.Deposited),
		Reserved:          new(big.Int).SetUint64(raw.Reserved),
		TokenUsd8d:        new(big.Int).SetUint64(raw.TokenUsd8d),
		NativeUsd8d:       new(big.Int).SetUint64(raw.NativeUsd8d),
		PricesUpdatedAt:   raw.PricesUpdatedAt,
		Paused:            raw.Paused,
		NextOfferID:       raw.NextOfferId,
	}, nil
}

// OpenOfferIDs implements ledger.Ledger by scanning offer PDAs up to the
// desk's next offer id.
func (l *Ledger) OpenOfferIDs(ctx context.Context) ([]uint64, error) {
	desk, err := l.Desk(ctx)
	if err != nil {
		return nil, err
	}
	open := make([]uint64, 0)
	for id := uint64(1); id < desk.NextOfferID; id++ {
		offer, err := l.Offer(ctx, id)
		if err != nil {
			// An offer account may have been closed after settlement.
			continue
		}
		if offer.Terminal() {
			continue
		}
		open = append(open, id)
	}
	return open, nil
}

// Health implements ledger.Ledger by verifying the desk account exists and
// the node answers.
func (l *Ledger) Health(ctx context.Context) error {
	if _, err := l.accountData(ctx, l.desk); err != nil {
		return err
	}
	return nil
}
