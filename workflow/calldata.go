package workflow

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/mesmerverse/walletkit/keys"
)

// Contract method signatures used by the token holder and device manager.
const (
	sigExecuteRule           = "executeRule(address,bytes,uint256,bytes32,bytes32,uint8)"
	sigDirectTransfers       = "directTransfers(address[],uint256[])"
	sigPay                   = "pay(address,address[],uint256[],string,uint256)"
	sigAuthorizeSession      = "authorizeSession(address,uint256,uint256)"
	sigAddOwnerWithThreshold = "addOwnerWithThreshold(address,uint256)"
	sigRemoveOwner           = "removeOwner(address,address,uint256)"
	sigInitiateRecovery      = "initiateRecovery(address,address,address)"
	sigAbortRecovery         = "abortRecoveryByOwner(address,address,address)"
	sigResetRecoveryOwner    = "resetRecoveryOwner(address,address)"
)

// baseTokenDecimals is the decimal width of the chain's base token, which
// prices and fiat amounts are quoted against.
const baseTokenDecimals = 18

func selector(signature string) []byte {
	return keys.Keccak256([]byte(signature))[:4]
}

func abiWordBig(v *big.Int) []byte {
	word := make([]byte, 32)
	v.FillBytes(word)
	return word
}

func abiWordInt(v int64) []byte {
	return abiWordBig(big.NewInt(v))
}

func abiWordAddress(address string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(address), "0x"))
	if err != nil || len(raw) != 20 {
		return nil, invalidInput("INVALID_ADDRESS", "%q is not a valid address", address)
	}
	word := make([]byte, 32)
	copy(word[12:], raw)
	return word, nil
}

func abiAddressArray(addresses []string) ([]byte, error) {
	out := abiWordInt(int64(len(addresses)))
	for _, a := range addresses {
		word, err := abiWordAddress(a)
		if err != nil {
			return nil, err
		}
		out = append(out, word...)
	}
	return out, nil
}

func abiUintArray(values []*big.Int) []byte {
	out := abiWordInt(int64(len(values)))
	for _, v := range values {
		out = append(out, abiWordBig(v)...)
	}
	return out
}

func abiString(s string) []byte {
	out := abiWordInt(int64(len(s)))
	padded := make([]byte, (len(s)+31)/32*32)
	copy(padded, s)
	return append(out, padded...)
}

// encodeDirectTransfers ABI-encodes directTransfers(address[],uint256[]).
func encodeDirectTransfers(toAddresses []string, amounts []*big.Int) (string, error) {
	addrTail, err := abiAddressArray(toAddresses)
	if err != nil {
		return "", err
	}
	amountTail := abiUintArray(amounts)

	data := selector(sigDirectTransfers)
	data = append(data, abiWordInt(64)...)
	data = append(data, abiWordInt(int64(64+len(addrTail)))...)
	data = append(data, addrTail...)
	data = append(data, amountTail...)
	return "0x" + hex.EncodeToString(data), nil
}

// encodePay ABI-encodes pay(address,address[],uint256[],string,uint256):
// the token holder, transfer targets, fiat amounts, the fiat currency code
// and the accepted price point in wei.
func encodePay(from string, toAddresses []string, amounts []*big.Int, currencyCode string, priceWei *big.Int) (string, error) {
	fromWord, err := abiWordAddress(from)
	if err != nil {
		return "", err
	}
	addrTail, err := abiAddressArray(toAddresses)
	if err != nil {
		return "", err
	}
	amountTail := abiUintArray(amounts)
	codeTail := abiString(currencyCode)

	headSize := int64(5 * 32)
	data := selector(sigPay)
	data = append(data, fromWord...)
	data = append(data, abiWordInt(headSize)...)
	data = append(data, abiWordInt(headSize+int64(len(addrTail)))...)
	data = append(data, abiWordInt(headSize+int64(len(addrTail)+len(amountTail)))...)
	data = append(data, abiWordBig(priceWei)...)
	data = append(data, addrTail...)
	data = append(data, amountTail...)
	data = append(data, codeTail...)
	return "0x" + hex.EncodeToString(data), nil
}

// encodeAuthorizeSession ABI-encodes authorizeSession(address,uint256,uint256).
func encodeAuthorizeSession(sessionAddress string, spendingLimit *big.Int, expirationHeight int64) (string, error) {
	addrWord, err := abiWordAddress(sessionAddress)
	if err != nil {
		return "", err
	}
	data := selector(sigAuthorizeSession)
	data = append(data, addrWord...)
	data = append(data, abiWordBig(spendingLimit)...)
	data = append(data, abiWordInt(expirationHeight)...)
	return "0x" + hex.EncodeToString(data), nil
}

// encodeAddOwner ABI-encodes addOwnerWithThreshold(address,uint256).
func encodeAddOwner(owner string, threshold int64) (string, error) {
	addrWord, err := abiWordAddress(owner)
	if err != nil {
		return "", err
	}
	data := selector(sigAddOwnerWithThreshold)
	data = append(data, addrWord...)
	data = append(data, abiWordInt(threshold)...)
	return "0x" + hex.EncodeToString(data), nil
}

// encodeRemoveOwner ABI-encodes removeOwner(address,address,uint256).
func encodeRemoveOwner(prevOwner, owner string, threshold int64) (string, error) {
	prevWord, err := abiWordAddress(prevOwner)
	if err != nil {
		return "", err
	}
	addrWord, err := abiWordAddress(owner)
	if err != nil {
		return "", err
	}
	data := selector(sigRemoveOwner)
	data = append(data, prevWord...)
	data = append(data, addrWord...)
	data = append(data, abiWordInt(threshold)...)
	return "0x" + hex.EncodeToString(data), nil
}

// encodeAddresses ABI-encodes a static all-address call like
// initiateRecovery(address,address,address).
func encodeAddresses(signature string, addresses ...string) (string, error) {
	data := selector(signature)
	for _, a := range addresses {
		word, err := abiWordAddress(a)
		if err != nil {
			return "", err
		}
		data = append(data, word...)
	}
	return "0x" + hex.EncodeToString(data), nil
}

// rawCalldata renders the human-readable calldata JSON the platform expects
// alongside the ABI bytes.
func rawCalldata(method string, parameters ...any) (string, error) {
	raw, err := json.Marshal(map[string]any{
		"method":     method,
		"parameters": parameters,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode raw calldata: %w", err)
	}
	return string(raw), nil
}

func decodeCalldata(calldata string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(calldata, "0x"))
	if err != nil {
		return nil, invalidInput("INVALID_CALLDATA", "calldata is not valid hex")
	}
	return raw, nil
}

// transactionHash computes the EIP-1077-style signing hash the session key
// signs: keccak(0x19 || 0x00 || from || to || value || keccak(data) ||
// nonce || callPrefix).
func transactionHash(from, to, calldata string, nonce int64) (string, error) {
	fromWord, err := abiWordAddress(from)
	if err != nil {
		return "", err
	}
	toWord, err := abiWordAddress(to)
	if err != nil {
		return "", err
	}
	data, err := decodeCalldata(calldata)
	if err != nil {
		return "", err
	}

	var preimage []byte
	preimage = append(preimage, 0x19, 0x00)
	preimage = append(preimage, fromWord[12:]...)
	preimage = append(preimage, toWord[12:]...)
	preimage = append(preimage, abiWordInt(0)...)
	preimage = append(preimage, keys.Keccak256(data)...)
	preimage = append(preimage, abiWordInt(nonce)...)
	preimage = append(preimage, selector(sigExecuteRule)...)
	return "0x" + hex.EncodeToString(keys.Keccak256(preimage)), nil
}

// operationHash computes the device-manager operation hash a device or
// recovery key signs: keccak(0x19 || 0x01 || deviceManager ||
// keccak(data) || nonce).
func operationHash(deviceManager, calldata string, nonce int64) (string, error) {
	dmWord, err := abiWordAddress(deviceManager)
	if err != nil {
		return "", err
	}
	data, err := decodeCalldata(calldata)
	if err != nil {
		return "", err
	}

	var preimage []byte
	preimage = append(preimage, 0x19, 0x01)
	preimage = append(preimage, dmWord[12:]...)
	preimage = append(preimage, keys.Keccak256(data)...)
	preimage = append(preimage, abiWordInt(nonce)...)
	return "0x" + hex.EncodeToString(keys.Keccak256(preimage)), nil
}

// parseAmount parses a base-10 wei amount.
func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, invalidInput("INVALID_AMOUNT", "%q is not a valid amount", s)
	}
	return v, nil
}

// decimalToWei scales a decimal string (e.g. a price point "0.02") by
// 10^decimals, truncating any remainder.
func decimalToWei(dec string, decimals int64) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(dec)
	if !ok {
		return nil, invalidInput("INVALID_DECIMAL", "%q is not a valid decimal", dec)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(decimals), nil)
	r.Mul(r, new(big.Rat).SetInt(scale))
	return new(big.Int).Quo(r.Num(), r.Denom()), nil
}

// fiatToTokenWei converts a fiat amount (in fiat wei) into token wei:
// fiat x conversionFactor x 10^tokenDecimals / (pricePoint x 10^18).
func fiatToTokenWei(fiatWei *big.Int, conversionFactor string, tokenDecimals int64, pricePoint string) (*big.Int, error) {
	cf, ok := new(big.Rat).SetString(conversionFactor)
	if !ok || cf.Sign() <= 0 {
		return nil, invalidInput("INVALID_CONVERSION_FACTOR", "%q is not a valid conversion factor", conversionFactor)
	}
	price, ok := new(big.Rat).SetString(pricePoint)
	if !ok || price.Sign() <= 0 {
		return nil, invalidInput("INVALID_PRICE_POINT", "%q is not a valid price point", pricePoint)
	}

	out := new(big.Rat).SetInt(fiatWei)
	out.Mul(out, cf)
	out.Quo(out, price)

	shift := tokenDecimals - baseTokenDecimals
	if shift > 0 {
		out.Mul(out, new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(shift), nil)))
	} else if shift < 0 {
		out.Quo(out, new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(-shift), nil)))
	}
	return new(big.Int).Quo(out.Num(), out.Denom()), nil
}
