// Package evm implements the x402 "exact" payment scheme for EIP-155 (EVM) networks
// using ERC-3009 transferWithAuthorization, signed as EIP-712 typed data.
package evm

import (
	x402 "github.com/x402-go/x402"
)

// RegisterClient registers the exact scheme client handler for each of networks.
// If networks is empty, every network in NetworkConfigs is registered.
func RegisterClient(client *x402.X402Client, signer ClientEvmSigner, networks ...string) {
	evmClient := NewExactEvmClient(signer)
	for _, network := range resolveNetworks(networks) {
		client.RegisterScheme(x402.Network(network), evmClient)
	}
}

// RegisterFacilitator registers the exact scheme facilitator handler for each of networks.
func RegisterFacilitator(facilitator *x402.X402Facilitator, signer FacilitatorEvmSigner, networks ...string) {
	evmFacilitator := NewExactEvmFacilitator(signer)
	for _, network := range resolveNetworks(networks) {
		facilitator.RegisterScheme(x402.Network(network), evmFacilitator)
	}
}

// RegisterServerOptions returns resource server options wiring the exact scheme's
// price-parsing and requirements-enhancement logic for each of networks.
func RegisterServerOptions(networks ...string) []x402.ResourceServerOption {
	evmService := NewExactEvmService()
	opts := make([]x402.ResourceServerOption, 0, len(networks))
	for _, network := range resolveNetworks(networks) {
		opts = append(opts, x402.WithSchemeServer(x402.Network(network), evmService))
	}
	return opts
}

func resolveNetworks(networks []string) []string {
	if len(networks) > 0 {
		valid := make([]string, 0, len(networks))
		for _, n := range networks {
			if IsValidNetwork(n) {
				valid = append(valid, n)
			}
		}
		return valid
	}
	all := make([]string, 0, len(NetworkConfigs))
	for n := range NetworkConfigs {
		all = append(all, n)
	}
	return all
}
