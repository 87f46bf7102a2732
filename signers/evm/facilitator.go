package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	x402evm "github.com/x402-go/x402/mechanisms/evm"
)

// FacilitatorSigner implements x402evm.FacilitatorEvmSigner against a live chain via
// ethclient, submitting transferWithAuthorization calls from its own funded account.
type FacilitatorSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	ethClient  *ethclient.Client
	chainID    *big.Int
	abi        abi.ABI
}

// NewFacilitatorSigner builds a FacilitatorSigner that submits settlement transactions
// from privateKeyHex against the node reachable at ethClient.
func NewFacilitatorSigner(ctx context.Context, privateKeyHex string, ethClient *ethclient.Client) (*FacilitatorSigner, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	chainID, err := ethClient.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain id: %w", err)
	}
	parsedABI, err := abi.JSON(strings.NewReader(x402evm.TransferWithAuthorizationABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse transferWithAuthorization ABI: %w", err)
	}
	return &FacilitatorSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		ethClient:  ethClient,
		chainID:    chainID,
		abi:        parsedABI,
	}, nil
}

// GetBalance reads the ERC-20 balanceOf(address) on tokenAddress.
func (s *FacilitatorSigner) GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error) {
	result, err := s.call(ctx, tokenAddress, x402evm.FunctionBalanceOf, common.HexToAddress(address))
	if err != nil {
		return nil, err
	}
	balance, ok := result[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf return type")
	}
	return balance, nil
}

// NonceUsed reads authorizationState(authorizer, nonce) on tokenAddress.
func (s *FacilitatorSigner) NonceUsed(ctx context.Context, tokenAddress string, authorizer string, nonce [32]byte) (bool, error) {
	result, err := s.call(ctx, tokenAddress, x402evm.FunctionAuthorizationState, common.HexToAddress(authorizer), nonce)
	if err != nil {
		return false, err
	}
	used, ok := result[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected authorizationState return type")
	}
	return used, nil
}

// SubmitTransferWithAuthorization sends a signed transaction invoking
// transferWithAuthorization on tokenAddress, paid for by the facilitator's own account.
func (s *FacilitatorSigner) SubmitTransferWithAuthorization(ctx context.Context, tokenAddress string, auth x402evm.ExactEIP3009Authorization, signature []byte) (string, error) {
	if len(signature) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return "", fmt.Errorf("invalid value: %s", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return "", fmt.Errorf("invalid validAfter: %s", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return "", fmt.Errorf("invalid validBefore: %s", auth.ValidBefore)
	}
	nonceBytes, err := x402evm.HexToBytes(auth.Nonce)
	if err != nil {
		return "", fmt.Errorf("invalid nonce: %w", err)
	}
	var nonceArr [32]byte
	copy(nonceArr[:], nonceBytes)
	var r, sArr [32]byte
	copy(r[:], signature[0:32])
	copy(sArr[:], signature[32:64])
	v := signature[64]

	data, err := s.abi.Pack(
		x402evm.FunctionTransferWithAuthorization,
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value, validAfter, validBefore, nonceArr, v, r, sArr,
	)
	if err != nil {
		return "", fmt.Errorf("failed to encode transferWithAuthorization call: %w", err)
	}

	nonce, err := s.ethClient.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", fmt.Errorf("failed to fetch facilitator nonce: %w", err)
	}
	tip, err := s.ethClient.SuggestGasTipCap(ctx)
	if err != nil {
		tip = big.NewInt(1_000_000_000)
	}
	to := common.HexToAddress(tokenAddress)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: new(big.Int).Mul(tip, big.NewInt(3)),
		Gas:       200_000,
		To:        &to,
		Data:      data,
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign settlement transaction: %w", err)
	}
	if err := s.ethClient.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to broadcast settlement transaction: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}

// WaitForReceipt polls for the transaction receipt until it is mined or ctx expires.
func (s *FacilitatorSigner) WaitForReceipt(ctx context.Context, txHash string) (*x402evm.TransactionReceipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		receipt, err := s.ethClient.TransactionReceipt(ctx, hash)
		if err == nil {
			return &x402evm.TransactionReceipt{
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				TxHash:      txHash,
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *FacilitatorSigner) call(ctx context.Context, contractAddress string, functionName string, args ...interface{}) ([]interface{}, error) {
	data, err := s.abi.Pack(functionName, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", functionName, err)
	}
	addr := common.HexToAddress(contractAddress)
	result, err := s.ethClient.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", functionName, err)
	}
	return s.abi.Unpack(functionName, result)
}
