package evm

import (
	"context"
	"fmt"
	"math/big"
)

// ExactEIP3009Authorization is the signed message body of an ERC-3009
// transferWithAuthorization payment.
type ExactEIP3009Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactEIP3009Payload is the wire payload carried in PaymentPayload.Payload for the
// exact scheme: the authorization plus the EIP-712 signature over it.
type ExactEIP3009Payload struct {
	Signature     string                    `json:"signature"`
	Authorization ExactEIP3009Authorization `json:"authorization"`
}

// ToMap converts the payload to the loosely-typed map the core PaymentPayload carries.
func (p *ExactEIP3009Payload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"signature": p.Signature,
		"authorization": map[string]interface{}{
			"from":        p.Authorization.From,
			"to":          p.Authorization.To,
			"value":       p.Authorization.Value,
			"validAfter":  p.Authorization.ValidAfter,
			"validBefore": p.Authorization.ValidBefore,
			"nonce":       p.Authorization.Nonce,
		},
	}
}

// PayloadFromMap reconstructs an ExactEIP3009Payload from the loosely-typed payload map.
func PayloadFromMap(data map[string]interface{}) (*ExactEIP3009Payload, error) {
	payload := &ExactEIP3009Payload{}
	if sig, ok := data["signature"].(string); ok {
		payload.Signature = sig
	}
	auth, ok := data["authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing or invalid authorization field")
	}
	fields := map[string]*string{
		"from":        &payload.Authorization.From,
		"to":          &payload.Authorization.To,
		"value":       &payload.Authorization.Value,
		"validAfter":  &payload.Authorization.ValidAfter,
		"validBefore": &payload.Authorization.ValidBefore,
		"nonce":       &payload.Authorization.Nonce,
	}
	for key, dst := range fields {
		v, ok := auth[key].(string)
		if !ok {
			return nil, fmt.Errorf("missing or invalid authorization.%s field", key)
		}
		*dst = v
	}
	return payload, nil
}

// ClientEvmSigner signs EIP-712 typed data on behalf of a payer.
type ClientEvmSigner interface {
	// Address returns the signer's checksummed Ethereum address.
	Address() string
	// SignTypedData signs an EIP-712 digest and returns the 65-byte (r, s, v) signature.
	SignTypedData(ctx context.Context, domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}) ([]byte, error)
}

// FacilitatorEvmSigner performs the on-chain reads and writes a facilitator needs to
// verify and settle exact-scheme payments.
type FacilitatorEvmSigner interface {
	// GetBalance returns the ERC-20 balance of address for tokenAddress.
	GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error)
	// NonceUsed reports whether authorizer has already consumed nonce on tokenAddress.
	NonceUsed(ctx context.Context, tokenAddress string, authorizer string, nonce [32]byte) (bool, error)
	// SubmitTransferWithAuthorization executes the on-chain transfer and returns the tx hash.
	SubmitTransferWithAuthorization(ctx context.Context, tokenAddress string, auth ExactEIP3009Authorization, signature []byte) (string, error)
	// WaitForReceipt blocks until txHash is mined and returns its status.
	WaitForReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)
}

// TypedDataDomain is the EIP-712 domain separator.
type TypedDataDomain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// TypedDataField is a single field of an EIP-712 struct type.
type TypedDataField struct {
	Name string
	Type string
}

// TransactionReceipt is the subset of an on-chain receipt the facilitator checks.
type TransactionReceipt struct {
	Status      uint64
	BlockNumber uint64
	TxHash      string
}

// AssetInfo describes an ERC-20 token usable as a payment asset.
type AssetInfo struct {
	Address  string
	Name     string
	Version  string
	Decimals int
}
