package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	x402 "github.com/x402-go/x402"
)

// ExactEvmFacilitator implements x402.SchemeNetworkFacilitator for the exact scheme.
type ExactEvmFacilitator struct {
	signer FacilitatorEvmSigner
}

// NewExactEvmFacilitator creates a facilitator-side exact scheme handler backed by signer.
func NewExactEvmFacilitator(signer FacilitatorEvmSigner) *ExactEvmFacilitator {
	return &ExactEvmFacilitator{signer: signer}
}

// Scheme returns "exact".
func (f *ExactEvmFacilitator) Scheme() string {
	return SchemeExact
}

// Verify checks the authorization's signature, amount, recipient, expiry and nonce
// without submitting anything on-chain.
func (f *ExactEvmFacilitator) Verify(ctx context.Context, version int, payloadBytes []byte, requirementsBytes []byte) (x402.VerifyResponse, error) {
	payload, requirements, err := unmarshalPaymentPair(payloadBytes, requirementsBytes)
	if err != nil {
		return x402.VerifyResponse{IsValid: false, InvalidReason: err.Error()}, nil
	}
	return f.verify(ctx, payload, requirements)
}

func (f *ExactEvmFacilitator) verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error) {
	evmPayload, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return x402.VerifyResponse{IsValid: false, InvalidReason: fmt.Sprintf("invalid payload: %v", err)}, nil
	}
	if evmPayload.Signature == "" {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "missing signature"}, nil
	}

	networkStr := string(requirements.Network)
	config, err := GetNetworkConfig(networkStr)
	if err != nil {
		return x402.VerifyResponse{}, err
	}
	assetInfo, err := GetAssetInfo(networkStr, requirements.Asset)
	if err != nil {
		return x402.VerifyResponse{}, err
	}

	if !strings.EqualFold(evmPayload.Authorization.To, requirements.PayTo) {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "recipient mismatch"}, nil
	}

	authValue, ok := new(big.Int).SetString(evmPayload.Authorization.Value, 10)
	if !ok {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "invalid authorization value"}, nil
	}
	requiredValue, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return x402.VerifyResponse{IsValid: false, InvalidReason: fmt.Sprintf("invalid required amount: %s", requirements.Amount)}, nil
	}
	if authValue.Cmp(requiredValue) < 0 {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "insufficient amount"}, nil
	}

	validAfter, ok := new(big.Int).SetString(evmPayload.Authorization.ValidAfter, 10)
	if !ok {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "invalid validAfter"}, nil
	}
	validBefore, ok := new(big.Int).SetString(evmPayload.Authorization.ValidBefore, 10)
	if !ok {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "invalid validBefore"}, nil
	}
	now := big.NewInt(time.Now().Unix())
	if validBefore.Cmp(now) <= 0 {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "authorization expired"}, nil
	}
	if validAfter.Cmp(now) > 0 {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "authorization not yet valid"}, nil
	}

	tokenName, tokenVersion := assetInfo.Name, assetInfo.Version
	if requirements.Extra != nil {
		if v, ok := requirements.Extra["name"].(string); ok {
			tokenName = v
		}
		if v, ok := requirements.Extra["version"].(string); ok {
			tokenVersion = v
		}
	}

	signatureBytes, err := HexToBytes(evmPayload.Signature)
	if err != nil {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "invalid signature format"}, nil
	}
	recovered, err := RecoverAuthorizationSigner(evmPayload.Authorization, signatureBytes, config.ChainID, assetInfo.Address, tokenName, tokenVersion)
	if err != nil {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "invalid signature"}, nil
	}
	if !strings.EqualFold(recovered, evmPayload.Authorization.From) {
		return x402.VerifyResponse{IsValid: false, InvalidReason: "invalid signature"}, nil
	}

	if f.signer != nil {
		nonceBytes, err := HexToBytes(evmPayload.Authorization.Nonce)
		if err != nil {
			return x402.VerifyResponse{IsValid: false, InvalidReason: "invalid nonce"}, nil
		}
		var nonceArr [32]byte
		copy(nonceArr[:], nonceBytes)
		used, err := f.signer.NonceUsed(ctx, assetInfo.Address, evmPayload.Authorization.From, nonceArr)
		if err != nil {
			return x402.VerifyResponse{}, fmt.Errorf("failed to check nonce: %w", err)
		}
		if used {
			return x402.VerifyResponse{IsValid: false, InvalidReason: "nonce already used"}, nil
		}

		balance, err := f.signer.GetBalance(ctx, evmPayload.Authorization.From, assetInfo.Address)
		if err != nil {
			return x402.VerifyResponse{}, fmt.Errorf("failed to get balance: %w", err)
		}
		if balance.Cmp(authValue) < 0 {
			return x402.VerifyResponse{IsValid: false, InvalidReason: "insufficient_funds"}, nil
		}
	}

	return x402.VerifyResponse{IsValid: true, Payer: evmPayload.Authorization.From}, nil
}

// Settle re-verifies the payment, then submits transferWithAuthorization on-chain.
func (f *ExactEvmFacilitator) Settle(ctx context.Context, version int, payloadBytes []byte, requirementsBytes []byte) (x402.SettleResponse, error) {
	payload, requirements, err := unmarshalPaymentPair(payloadBytes, requirementsBytes)
	if err != nil {
		return x402.SettleResponse{Success: false, ErrorReason: err.Error()}, nil
	}
	return f.settle(ctx, payload, requirements)
}

func (f *ExactEvmFacilitator) settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error) {
	verifyResp, err := f.verify(ctx, payload, requirements)
	if err != nil {
		return x402.SettleResponse{}, err
	}
	if !verifyResp.IsValid {
		return x402.SettleResponse{Success: false, ErrorReason: verifyResp.InvalidReason, Network: requirements.Network}, nil
	}
	if f.signer == nil {
		return x402.SettleResponse{}, fmt.Errorf("exact scheme facilitator has no on-chain signer configured")
	}

	evmPayload, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return x402.SettleResponse{Success: false, ErrorReason: fmt.Sprintf("invalid payload: %v", err)}, nil
	}
	assetInfo, err := GetAssetInfo(string(requirements.Network), requirements.Asset)
	if err != nil {
		return x402.SettleResponse{}, err
	}
	signatureBytes, err := HexToBytes(evmPayload.Signature)
	if err != nil {
		return x402.SettleResponse{Success: false, ErrorReason: "invalid signature format"}, nil
	}

	txHash, err := f.signer.SubmitTransferWithAuthorization(ctx, assetInfo.Address, evmPayload.Authorization, signatureBytes)
	if err != nil {
		return x402.SettleResponse{Success: false, ErrorReason: fmt.Sprintf("failed to submit transfer: %v", err)}, nil
	}

	receipt, err := f.signer.WaitForReceipt(ctx, txHash)
	if err != nil {
		return x402.SettleResponse{Success: false, ErrorReason: fmt.Sprintf("failed to confirm transfer: %v", err), Transaction: txHash}, nil
	}
	if receipt.Status != TxStatusSuccess {
		return x402.SettleResponse{Success: false, ErrorReason: "transaction_reverted", Transaction: txHash}, nil
	}

	return x402.SettleResponse{
		Success:     true,
		Transaction: txHash,
		Network:     requirements.Network,
		Payer:       evmPayload.Authorization.From,
	}, nil
}

func unmarshalPaymentPair(payloadBytes, requirementsBytes []byte) (x402.PaymentPayload, x402.PaymentRequirements, error) {
	var payload x402.PaymentPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return x402.PaymentPayload{}, x402.PaymentRequirements{}, fmt.Errorf("invalid payment payload: %w", err)
	}
	var requirements x402.PaymentRequirements
	if err := json.Unmarshal(requirementsBytes, &requirements); err != nil {
		return x402.PaymentPayload{}, x402.PaymentRequirements{}, fmt.Errorf("invalid payment requirements: %w", err)
	}
	return payload, requirements, nil
}
