package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	x402 "github.com/x402-go/x402"
)

// ExactEvmClient implements x402.SchemeNetworkClient for the exact (ERC-3009) scheme.
type ExactEvmClient struct {
	signer ClientEvmSigner
}

// NewExactEvmClient creates a client-side exact scheme handler backed by signer.
func NewExactEvmClient(signer ClientEvmSigner) *ExactEvmClient {
	return &ExactEvmClient{signer: signer}
}

// Scheme returns "exact".
func (c *ExactEvmClient) Scheme() string {
	return SchemeExact
}

// CreatePaymentPayload builds and signs an EIP-3009 authorization covering requirements,
// unmarshaling requirementsBytes and marshaling the resulting partial v2 payload back to bytes.
func (c *ExactEvmClient) CreatePaymentPayload(ctx context.Context, version int, requirementsBytes []byte) ([]byte, error) {
	var requirements x402.PaymentRequirements
	if err := json.Unmarshal(requirementsBytes, &requirements); err != nil {
		return nil, fmt.Errorf("invalid payment requirements: %w", err)
	}

	payload, err := c.createAuthorization(ctx, requirements)
	if err != nil {
		return nil, err
	}

	partial := struct {
		X402Version int                    `json:"x402Version"`
		Payload     map[string]interface{} `json:"payload"`
	}{
		X402Version: version,
		Payload:     payload.ToMap(),
	}
	return json.Marshal(partial)
}

func (c *ExactEvmClient) createAuthorization(ctx context.Context, requirements x402.PaymentRequirements) (*ExactEIP3009Payload, error) {
	networkStr := string(requirements.Network)
	config, err := GetNetworkConfig(networkStr)
	if err != nil {
		return nil, err
	}
	assetInfo, err := GetAssetInfo(networkStr, requirements.Asset)
	if err != nil {
		return nil, err
	}

	value, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", requirements.Amount)
	}

	nonce, err := CreateNonce()
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(requirements.MaxTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Hour
	}
	validAfter, validBefore := CreateValidityWindow(timeout)

	tokenName, tokenVersion := assetInfo.Name, assetInfo.Version
	if requirements.Extra != nil {
		if v, ok := requirements.Extra["name"].(string); ok {
			tokenName = v
		}
		if v, ok := requirements.Extra["version"].(string); ok {
			tokenVersion = v
		}
	}

	authorization := ExactEIP3009Authorization{
		From:        c.signer.Address(),
		To:          requirements.PayTo,
		Value:       value.String(),
		ValidAfter:  validAfter.String(),
		ValidBefore: validBefore.String(),
		Nonce:       nonce,
	}

	domain := TypedDataDomain{Name: tokenName, Version: tokenVersion, ChainID: config.ChainID, VerifyingContract: assetInfo.Address}
	parsedValue, _ := new(big.Int).SetString(authorization.Value, 10)
	parsedValidAfter, _ := new(big.Int).SetString(authorization.ValidAfter, 10)
	parsedValidBefore, _ := new(big.Int).SetString(authorization.ValidBefore, 10)
	nonceBytes, _ := HexToBytes(authorization.Nonce)
	message := map[string]interface{}{
		"from":        authorization.From,
		"to":          authorization.To,
		"value":       parsedValue,
		"validAfter":  parsedValidAfter,
		"validBefore": parsedValidBefore,
		"nonce":       nonceBytes,
	}

	signature, err := c.signer.SignTypedData(ctx, domain, eip3009Types(), "TransferWithAuthorization", message)
	if err != nil {
		return nil, fmt.Errorf("failed to sign authorization: %w", err)
	}

	return &ExactEIP3009Payload{
		Signature:     BytesToHex(signature),
		Authorization: authorization,
	}, nil
}
