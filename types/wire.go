package types

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// RequirementsInfo holds the routing-relevant fields extracted from a
// serialized PaymentRequirements, independent of x402 version: both V1 and
// V2 requirements carry scheme/network at the top level.
type RequirementsInfo struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
}

// ExtractRequirementsInfo pulls scheme/network out of serialized requirements
// for routing to the right mechanism, without fully decoding the version-
// specific requirements shape.
func ExtractRequirementsInfo(requirementsBytes []byte) (*RequirementsInfo, error) {
	var info RequirementsInfo
	if err := json.Unmarshal(requirementsBytes, &info); err != nil {
		return nil, fmt.Errorf("invalid payment requirements: %w", err)
	}
	if info.Scheme == "" || info.Network == "" {
		return nil, fmt.Errorf("payment requirements missing scheme or network")
	}
	return &info, nil
}

// PayloadBase holds the version and opaque mechanism payload shared by
// both partial (mechanism-produced) and complete payment payloads.
type PayloadBase struct {
	X402Version int                    `json:"x402Version"`
	Payload     map[string]interface{} `json:"payload"`
}

// ToPayloadBase unmarshals the x402Version/payload fields common to every
// payment payload shape, ignoring version-specific envelope fields.
func ToPayloadBase(data []byte) (*PayloadBase, error) {
	var base PayloadBase
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid payment payload: %w", err)
	}
	if base.X402Version == 0 {
		return nil, fmt.Errorf("payment payload missing x402Version")
	}
	return &base, nil
}

// DetectVersion reads the x402Version field common to every payload shape.
func DetectVersion(payloadBytes []byte) (int, error) {
	base, err := ToPayloadBase(payloadBytes)
	if err != nil {
		return 0, err
	}
	return base.X402Version, nil
}

// payloadSchemeNetwork captures the two places scheme/network can live in a
// serialized payment payload: top-level (V1) or nested under accepted (V2).
type payloadSchemeNetwork struct {
	Scheme   string `json:"scheme"`
	Network  string `json:"network"`
	Accepted struct {
		Scheme  string `json:"scheme"`
		Network string `json:"network"`
	} `json:"accepted"`
}

func extractPayloadSchemeNetwork(version int, payloadBytes []byte) (scheme, network string, err error) {
	var sn payloadSchemeNetwork
	if err := json.Unmarshal(payloadBytes, &sn); err != nil {
		return "", "", fmt.Errorf("invalid payment payload: %w", err)
	}
	if version == 1 {
		if sn.Scheme == "" || sn.Network == "" {
			return "", "", fmt.Errorf("v1 payment payload missing scheme or network")
		}
		return sn.Scheme, sn.Network, nil
	}
	if sn.Accepted.Scheme == "" || sn.Accepted.Network == "" {
		return "", "", fmt.Errorf("v2 payment payload missing accepted scheme or network")
	}
	return sn.Accepted.Scheme, sn.Accepted.Network, nil
}

// MatchPayloadToRequirements reports whether a serialized payment payload was
// created against the given serialized requirements. For V2 the payload's
// accepted object and the requirements are both decoded into
// PaymentRequirementsV2 and compared by deep equality (map key order does not
// matter). For V1 only scheme (exactly) and network (via CAIP-2 wildcard
// matching) are compared.
func MatchPayloadToRequirements(version int, payloadBytes, requirementsBytes []byte) (bool, error) {
	if version != 1 {
		var p struct {
			Accepted PaymentRequirementsV2 `json:"accepted"`
		}
		if err := json.Unmarshal(payloadBytes, &p); err != nil {
			return false, fmt.Errorf("invalid payment payload: %w", err)
		}
		var req PaymentRequirementsV2
		if err := json.Unmarshal(requirementsBytes, &req); err != nil {
			return false, fmt.Errorf("invalid payment requirements: %w", err)
		}
		return reflect.DeepEqual(p.Accepted, req), nil
	}
	payloadScheme, payloadNetwork, err := extractPayloadSchemeNetwork(version, payloadBytes)
	if err != nil {
		return false, err
	}
	reqInfo, err := ExtractRequirementsInfo(requirementsBytes)
	if err != nil {
		return false, err
	}
	if payloadScheme != reqInfo.Scheme {
		return false, nil
	}
	return networkMatch(payloadNetwork, reqInfo.Network), nil
}

// networkMatch compares two CAIP-2 network identifiers, honoring a ":*"
// wildcard reference on either side. Mirrors Network.Match in the root
// package, duplicated here to avoid an import cycle with it.
func networkMatch(a, b string) bool {
	if a == b {
		return true
	}
	if strings.HasSuffix(b, ":*") {
		return strings.HasPrefix(a, strings.TrimSuffix(b, "*"))
	}
	if strings.HasSuffix(a, ":*") {
		return strings.HasPrefix(b, strings.TrimSuffix(a, "*"))
	}
	return false
}
