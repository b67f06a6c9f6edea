// Package keys implements the wallet key manager: generation, storage and
// use of the device key, the API key, session keys, mnemonic-derived wallets
// and the PIN-derived recovery key.
package keys

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/crypto/sha3"
)

const privateKeyHexLength = 64

// Sentinel errors.
var (
	// ErrKeyNotFound is returned when required key material is absent
	// from the vault. Key absence cannot self-heal, so callers must treat
	// this as fatal for the current attempt.
	ErrKeyNotFound = errors.New("keys: no private key found")
	// ErrSignFailed is returned when a signing operation fails.
	ErrSignFailed = errors.New("keys: signing failed")
)

// wallet is an in-memory secp256k1 key pair.
type wallet struct {
	priv    *btcec.PrivateKey
	address string
}

// newWallet generates a fresh random key pair.
func newWallet() (*wallet, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return &wallet{priv: priv, address: addressOf(priv)}, nil
}

// walletFromMnemonic derives the key pair at m/44'/60'/0'/0/0 from a BIP-39
// mnemonic sentence.
func walletFromMnemonic(words []string) (*wallet, error) {
	mnemonic := strings.Join(words, " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("keys: invalid mnemonic sentence")
	}
	seed := bip39.NewSeed(mnemonic, "")

	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	// m/44'/60'/0'/0/0
	for _, child := range []uint32{
		bip32.FirstHardenedChild + 44,
		bip32.FirstHardenedChild + 60,
		bip32.FirstHardenedChild,
		0,
		0,
	} {
		if key, err = key.NewChildKey(child); err != nil {
			return nil, fmt.Errorf("derive child %d: %w", child, err)
		}
	}

	priv, _ := btcec.PrivKeyFromBytes(key.Key)
	return &wallet{priv: priv, address: addressOf(priv)}, nil
}

// walletFromPrivateKeyHex builds a wallet from a stored private key,
// left-padding short values to the expected 32-byte width.
func walletFromPrivateKeyHex(privHex string) (*wallet, error) {
	padded := leftPadHex(strings.TrimPrefix(privHex, "0x"))
	raw, err := hex.DecodeString(padded)
	if err != nil {
		return nil, fmt.Errorf("keys: malformed private key: %w", err)
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return &wallet{priv: priv, address: addressOf(priv)}, nil
}

// AddressFromMnemonics derives the account address of the wallet the given
// words describe, without touching the vault.
func AddressFromMnemonics(words []string) (string, error) {
	w, err := walletFromMnemonic(words)
	if err != nil {
		return "", err
	}
	return w.address, nil
}

// newMnemonicWallet generates a 12-word mnemonic and its derived key pair.
func newMnemonicWallet() ([]string, *wallet, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	words := strings.Split(mnemonic, " ")
	w, err := walletFromMnemonic(words)
	if err != nil {
		return nil, nil, err
	}
	return words, w, nil
}

func (w *wallet) privateKeyHex() string {
	return hex.EncodeToString(w.priv.Serialize())
}

// signHash signs a 32-byte hash and returns the 65-byte r||s||v signature
// with the recovery byte shifted by +27 for legacy chain compatibility.
func (w *wallet) signHash(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("%w: hash must be 32 bytes, got %d", ErrSignFailed, len(hash))
	}
	// SignCompact yields the header byte (27 + recovery id) first;
	// reorder to the conventional r||s||v layout.
	compact := secpecdsa.SignCompact(w.priv, hash, false)
	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0]
	return sig, nil
}

// signPersonal signs a message with the standard personal-message envelope.
func (w *wallet) signPersonal(message string) ([]byte, error) {
	return w.signHash(personalMessageHash(message))
}

// personalMessageHash applies the "\x19Ethereum Signed Message" envelope.
func personalMessageHash(message string) []byte {
	prefixed := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(message)) + message
	return Keccak256([]byte(prefixed))
}

// Keccak256 computes the legacy Keccak-256 digest used for addresses,
// signing hashes and method selectors.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// addressOf derives the account address: last 20 bytes of the Keccak-256 of
// the uncompressed public key, EIP-55 checksummed.
func addressOf(priv *btcec.PrivateKey) string {
	pub := priv.PubKey().SerializeUncompressed()
	hash := Keccak256(pub[1:]) // skip the 0x04 prefix
	return ChecksumAddress(hex.EncodeToString(hash[12:]))
}

// ChecksumAddress renders a hex address with the EIP-55 mixed-case
// checksum and a 0x prefix.
func ChecksumAddress(address string) string {
	addr := strings.ToLower(strings.TrimPrefix(address, "0x"))
	hash := hex.EncodeToString(Keccak256([]byte(addr)))

	var b strings.Builder
	b.WriteString("0x")
	for i, c := range addr {
		if c >= 'a' && c <= 'f' && hash[i] >= '8' {
			b.WriteByte(byte(c) - 32)
		} else {
			b.WriteByte(byte(c))
		}
	}
	return b.String()
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimPrefix(a, "0x"), strings.TrimPrefix(b, "0x"))
}

// IsValidAddress reports whether s looks like a 20-byte hex address.
func IsValidAddress(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 40 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// ScryptParams are the cost parameters for the PIN-derived recovery key.
// They must match what the server used when issuing the user's salt.
type ScryptParams struct {
	N    int
	R    int
	P    int
	Size int
}

// recoveryWallet runs the deterministic slow derivation over
// prefix+pin+userID with the given salt. Identical inputs always produce
// the identical wallet; this is the basis of PIN verification.
func recoveryWallet(passphrasePrefix, pin, userID, salt string, params ScryptParams) (*wallet, error) {
	seed, err := scrypt.Key(
		[]byte(passphrasePrefix+pin+userID),
		[]byte(salt),
		params.N, params.R, params.P, params.Size,
	)
	if err != nil {
		return nil, fmt.Errorf("scrypt derivation failed: %w", err)
	}
	priv, _ := btcec.PrivKeyFromBytes(seed)
	return &wallet{priv: priv, address: addressOf(priv)}, nil
}

// hexSignature renders a signature as 0x-prefixed hex.
func hexSignature(sig []byte) string {
	return "0x" + hex.EncodeToString(sig)
}

func leftPadHex(s string) string {
	if len(s) >= privateKeyHexLength {
		return s
	}
	return strings.Repeat("0", privateKeyHexLength-len(s)) + s
}
