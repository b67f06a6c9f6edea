package keys

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/walletkit/keystore"
)

// Vault storage key prefixes. Private keys and mnemonics live under their
// own entries; the per-user record points at them.
const (
	ethereumKeyPrefix   = "ethereum_key_for_"
	mnemonicsPrefix     = "mnemonics_for_"
	sessionKeyPrefix    = "session_key_for_"
	deviceInfoKeyPrefix = "user_device_info_for_"
)

// metaEntry points at a stored secret.
type metaEntry struct {
	StorageKey     string `cbor:"storage_key"`
	HardwareBacked bool   `cbor:"hardware_backed"`
}

// deviceInfo is the per-user record tracking the current device and API
// addresses plus the maps from lowercased address to stored key material.
type deviceInfo struct {
	DeviceAddress    string               `cbor:"device_address"`
	APIAddress       string               `cbor:"api_address"`
	BiometricEnabled bool                 `cbor:"biometric_preference"`
	RecoveryPinHash  []byte               `cbor:"recovery_pin_hash"`
	EthKeys          map[string]metaEntry `cbor:"eth_key_meta"`
	Mnemonics        map[string]metaEntry `cbor:"mnemonics_meta"`
	SessionKeys      map[string]metaEntry `cbor:"session_key_meta"`
}

func newDeviceInfo() *deviceInfo {
	return &deviceInfo{
		EthKeys:     make(map[string]metaEntry),
		Mnemonics:   make(map[string]metaEntry),
		SessionKeys: make(map[string]metaEntry),
	}
}

// userLocks serializes read-modify-write cycles on the per-user record.
// Managers for the same user may coexist, so the lock is keyed globally.
var userLocks sync.Map

func lockFor(userID string) *sync.Mutex {
	mu, _ := userLocks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Manager owns one user's key material. All key bytes stay inside the vault;
// wallets are materialized only for the duration of a single operation.
type Manager struct {
	store  *keystore.Store
	userID string
	scrypt ScryptParams
}

// NewManager creates a key manager for userID backed by the given vault.
func NewManager(store *keystore.Store, userID string, params ScryptParams) *Manager {
	return &Manager{store: store, userID: userID, scrypt: params}
}

// UserID returns the owning user identifier.
func (m *Manager) UserID() string { return m.userID }

// CreateDeviceKey generates a fresh 12-word mnemonic, derives the device key
// from it and records both in the vault. Returns the device address.
func (m *Manager) CreateDeviceKey() (string, error) {
	mu := lockFor(m.userID)
	mu.Lock()
	defer mu.Unlock()

	words, w, err := newMnemonicWallet()
	if err != nil {
		return "", err
	}
	addr := strings.ToLower(w.address)

	// Secrets first, record second. A crash between the two leaves an
	// orphaned secret, never a dangling pointer.
	if err := m.store.Set(mnemonicsPrefix+addr, []byte(strings.Join(words, " "))); err != nil {
		return "", fmt.Errorf("failed to store mnemonics: %w", err)
	}
	if err := m.store.Set(ethereumKeyPrefix+addr, []byte(w.privateKeyHex())); err != nil {
		return "", fmt.Errorf("failed to store device key: %w", err)
	}

	info, err := m.loadInfo()
	if err != nil {
		return "", err
	}
	info.DeviceAddress = w.address
	info.EthKeys[addr] = metaEntry{StorageKey: ethereumKeyPrefix + addr, HardwareBacked: m.store.HardwareBacked()}
	info.Mnemonics[addr] = metaEntry{StorageKey: mnemonicsPrefix + addr, HardwareBacked: m.store.HardwareBacked()}
	if err := m.saveInfo(info); err != nil {
		return "", err
	}

	log.Info().Str("user_id", m.userID).Str("address", w.address).Msg("Device key created")
	return w.address, nil
}

// CreateAPIKey generates the API signer key pair. Returns its address.
func (m *Manager) CreateAPIKey() (string, error) {
	mu := lockFor(m.userID)
	mu.Lock()
	defer mu.Unlock()

	w, err := newWallet()
	if err != nil {
		return "", err
	}
	addr := strings.ToLower(w.address)

	if err := m.store.Set(ethereumKeyPrefix+addr, []byte(w.privateKeyHex())); err != nil {
		return "", fmt.Errorf("failed to store API key: %w", err)
	}

	info, err := m.loadInfo()
	if err != nil {
		return "", err
	}
	info.APIAddress = w.address
	info.EthKeys[addr] = metaEntry{StorageKey: ethereumKeyPrefix + addr, HardwareBacked: m.store.HardwareBacked()}
	if err := m.saveInfo(info); err != nil {
		return "", err
	}

	log.Info().Str("user_id", m.userID).Str("address", w.address).Msg("API key created")
	return w.address, nil
}

// CreateSessionKey generates an ephemeral session key pair. Returns its
// address.
func (m *Manager) CreateSessionKey() (string, error) {
	mu := lockFor(m.userID)
	mu.Lock()
	defer mu.Unlock()

	w, err := newWallet()
	if err != nil {
		return "", err
	}
	addr := strings.ToLower(w.address)

	if err := m.store.Set(sessionKeyPrefix+addr, []byte(w.privateKeyHex())); err != nil {
		return "", fmt.Errorf("failed to store session key: %w", err)
	}

	info, err := m.loadInfo()
	if err != nil {
		return "", err
	}
	info.SessionKeys[addr] = metaEntry{StorageKey: sessionKeyPrefix + addr, HardwareBacked: m.store.HardwareBacked()}
	if err := m.saveInfo(info); err != nil {
		return "", err
	}

	log.Info().Str("user_id", m.userID).Str("address", w.address).Msg("Session key created")
	return w.address, nil
}

// DeviceAddress returns the current device address, or "" when no device key
// has been created yet.
func (m *Manager) DeviceAddress() (string, error) {
	info, err := m.loadInfo()
	if err != nil {
		return "", err
	}
	return info.DeviceAddress, nil
}

// APIAddress returns the current API signer address, or "".
func (m *Manager) APIAddress() (string, error) {
	info, err := m.loadInfo()
	if err != nil {
		return "", err
	}
	return info.APIAddress, nil
}

// SessionAddresses returns the lowercased addresses of all stored session
// keys.
func (m *Manager) SessionAddresses() ([]string, error) {
	info, err := m.loadInfo()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(info.SessionKeys))
	for addr := range info.SessionKeys {
		out = append(out, addr)
	}
	return out, nil
}

// HasSessionKey reports whether a session key is stored for address.
func (m *Manager) HasSessionKey(address string) (bool, error) {
	info, err := m.loadInfo()
	if err != nil {
		return false, err
	}
	_, ok := info.SessionKeys[strings.ToLower(address)]
	return ok, nil
}

// DeviceMnemonics returns the 12 words backing the current device key.
func (m *Manager) DeviceMnemonics() ([]string, error) {
	info, err := m.loadInfo()
	if err != nil {
		return nil, err
	}
	if info.DeviceAddress == "" {
		return nil, fmt.Errorf("%w: no device key", ErrKeyNotFound)
	}
	entry, ok := info.Mnemonics[strings.ToLower(info.DeviceAddress)]
	if !ok {
		return nil, fmt.Errorf("%w: no mnemonics for device", ErrKeyNotFound)
	}
	raw, err := m.store.Get(entry.StorageKey)
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			return nil, fmt.Errorf("%w: mnemonics missing from vault", ErrKeyNotFound)
		}
		return nil, err
	}
	return strings.Split(string(raw), " "), nil
}

// DeleteSessionKey removes the session key for address. Missing keys are a
// no-op. The record pointer goes first so a crash cannot leave a pointer to
// deleted key material.
func (m *Manager) DeleteSessionKey(address string) error {
	mu := lockFor(m.userID)
	mu.Lock()
	defer mu.Unlock()
	return m.deleteSessionLocked(strings.ToLower(address))
}

// DeleteAllSessions removes every stored session key for the user.
func (m *Manager) DeleteAllSessions() error {
	mu := lockFor(m.userID)
	mu.Lock()
	defer mu.Unlock()

	info, err := m.loadInfo()
	if err != nil {
		return err
	}
	for addr := range info.SessionKeys {
		if err := m.deleteSessionLocked(addr); err != nil {
			return err
		}
	}
	log.Info().Str("user_id", m.userID).Msg("All session keys deleted")
	return nil
}

func (m *Manager) deleteSessionLocked(addr string) error {
	info, err := m.loadInfo()
	if err != nil {
		return err
	}
	entry, ok := info.SessionKeys[addr]
	if !ok {
		return nil
	}
	delete(info.SessionKeys, addr)
	if err := m.saveInfo(info); err != nil {
		return err
	}
	return m.store.Delete(entry.StorageKey)
}

// SignMessageWithAPIKey signs message under the personal-message envelope
// with the API signer key. Returns a 0x-prefixed hex signature.
func (m *Manager) SignMessageWithAPIKey(message string) (string, error) {
	info, err := m.loadInfo()
	if err != nil {
		return "", err
	}
	if info.APIAddress == "" {
		return "", fmt.Errorf("%w: no API key", ErrKeyNotFound)
	}
	w, err := m.ethWallet(info, info.APIAddress)
	if err != nil {
		return "", err
	}
	sig, err := w.signPersonal(message)
	if err != nil {
		return "", err
	}
	return hexSignature(sig), nil
}

// SignHashWithDeviceKey signs a 0x-prefixed 32-byte hash with the device key.
func (m *Manager) SignHashWithDeviceKey(hashHex string) (string, error) {
	info, err := m.loadInfo()
	if err != nil {
		return "", err
	}
	if info.DeviceAddress == "" {
		return "", fmt.Errorf("%w: no device key", ErrKeyNotFound)
	}
	w, err := m.ethWallet(info, info.DeviceAddress)
	if err != nil {
		return "", err
	}
	return m.signHashWith(w, hashHex)
}

// SignHashWithSessionKey signs a 0x-prefixed 32-byte hash with the session
// key for address.
func (m *Manager) SignHashWithSessionKey(address, hashHex string) (string, error) {
	info, err := m.loadInfo()
	if err != nil {
		return "", err
	}
	entry, ok := info.SessionKeys[strings.ToLower(address)]
	if !ok {
		return "", fmt.Errorf("%w: no session key for %s", ErrKeyNotFound, address)
	}
	raw, err := m.store.Get(entry.StorageKey)
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			return "", fmt.Errorf("%w: session key missing from vault", ErrKeyNotFound)
		}
		return "", err
	}
	w, err := walletFromPrivateKeyHex(string(raw))
	if err != nil {
		return "", err
	}
	return m.signHashWith(w, hashHex)
}

// SignHashWithMnemonics derives a wallet from the given words and signs the
// hash with it. Used to authorize this device from an older one.
func (m *Manager) SignHashWithMnemonics(words []string, hashHex string) (addr, sig string, err error) {
	w, err := walletFromMnemonic(words)
	if err != nil {
		return "", "", err
	}
	sig, err = m.signHashWith(w, hashHex)
	if err != nil {
		return "", "", err
	}
	return w.address, sig, nil
}

// RecoveryOwnerAddress derives the user's recovery owner address from the
// PIN inputs. Deterministic: the same inputs always yield the same address.
func (m *Manager) RecoveryOwnerAddress(passphrasePrefix, pin, salt string) (string, error) {
	w, err := recoveryWallet(passphrasePrefix, pin, m.userID, salt, m.scrypt)
	if err != nil {
		return "", err
	}
	return w.address, nil
}

// SignHashWithRecoveryKey re-derives the recovery key from the PIN inputs
// and signs the hash. Returns the recovery address alongside the signature.
func (m *Manager) SignHashWithRecoveryKey(passphrasePrefix, pin, salt, hashHex string) (addr, sig string, err error) {
	w, err := recoveryWallet(passphrasePrefix, pin, m.userID, salt, m.scrypt)
	if err != nil {
		return "", "", err
	}
	sig, err = m.signHashWith(w, hashHex)
	if err != nil {
		return "", "", err
	}
	return w.address, sig, nil
}

// VerifyPin checks the PIN against the user's recovery owner address.
// A cached hash of the full input tuple is tried first; on miss the slow
// scrypt derivation runs and, when it succeeds, refreshes the cache.
func (m *Manager) VerifyPin(passphrasePrefix, pin, salt, recoveryOwnerAddress string) (bool, error) {
	cached := pinHash(m.userID, passphrasePrefix, pin, salt, recoveryOwnerAddress)

	info, err := m.loadInfo()
	if err != nil {
		return false, err
	}
	if len(info.RecoveryPinHash) > 0 && bytes.Equal(info.RecoveryPinHash, cached) {
		return true, nil
	}

	derived, err := m.RecoveryOwnerAddress(passphrasePrefix, pin, salt)
	if err != nil {
		return false, err
	}
	if !SameAddress(derived, recoveryOwnerAddress) {
		return false, nil
	}

	mu := lockFor(m.userID)
	mu.Lock()
	defer mu.Unlock()
	info, err = m.loadInfo()
	if err != nil {
		return false, err
	}
	info.RecoveryPinHash = cached
	if err := m.saveInfo(info); err != nil {
		return false, err
	}
	return true, nil
}

// DeletePinHash drops the cached PIN hash. Called when the recovery owner
// changes (reset PIN, recovery) so stale inputs stop fast-verifying.
func (m *Manager) DeletePinHash() error {
	mu := lockFor(m.userID)
	mu.Lock()
	defer mu.Unlock()

	info, err := m.loadInfo()
	if err != nil {
		return err
	}
	if len(info.RecoveryPinHash) == 0 {
		return nil
	}
	info.RecoveryPinHash = nil
	return m.saveInfo(info)
}

// SetBiometricPreference records whether the user wants biometric unlock.
func (m *Manager) SetBiometricPreference(enabled bool) error {
	mu := lockFor(m.userID)
	mu.Lock()
	defer mu.Unlock()

	info, err := m.loadInfo()
	if err != nil {
		return err
	}
	info.BiometricEnabled = enabled
	return m.saveInfo(info)
}

// BiometricEnabled reports the stored biometric preference.
func (m *Manager) BiometricEnabled() (bool, error) {
	info, err := m.loadInfo()
	if err != nil {
		return false, err
	}
	return info.BiometricEnabled, nil
}

// pinHash is the cheap cache digest over the full verification tuple. The
// recovery address is lowercased so checksum casing cannot split the cache.
func pinHash(userID, passphrasePrefix, pin, salt, recoveryOwnerAddress string) []byte {
	return Keccak256([]byte(userID + passphrasePrefix + pin + salt + strings.ToLower(recoveryOwnerAddress)))
}

// ethWallet loads the wallet recorded under address in the eth-key map,
// falling back to mnemonic re-derivation when only the words survive.
func (m *Manager) ethWallet(info *deviceInfo, address string) (*wallet, error) {
	addr := strings.ToLower(address)
	if entry, ok := info.EthKeys[addr]; ok {
		raw, err := m.store.Get(entry.StorageKey)
		if err == nil {
			return walletFromPrivateKeyHex(string(raw))
		}
		if !errors.Is(err, keystore.ErrNotFound) {
			return nil, err
		}
	}
	if entry, ok := info.Mnemonics[addr]; ok {
		raw, err := m.store.Get(entry.StorageKey)
		if err == nil {
			return walletFromMnemonic(strings.Split(string(raw), " "))
		}
		if !errors.Is(err, keystore.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, address)
}

func (m *Manager) signHashWith(w *wallet, hashHex string) (string, error) {
	hash, err := decodeHash(hashHex)
	if err != nil {
		return "", err
	}
	sig, err := w.signHash(hash)
	if err != nil {
		return "", err
	}
	return hexSignature(sig), nil
}

func decodeHash(hashHex string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(hashHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed hash %q", ErrSignFailed, hashHex)
	}
	return raw, nil
}

func (m *Manager) infoKey() string { return deviceInfoKeyPrefix + m.userID }

func (m *Manager) loadInfo() (*deviceInfo, error) {
	raw, err := m.store.Get(m.infoKey())
	if errors.Is(err, keystore.ErrNotFound) {
		return newDeviceInfo(), nil
	}
	if err != nil {
		return nil, err
	}
	info := newDeviceInfo()
	if err := cbor.Unmarshal(raw, info); err != nil {
		return nil, fmt.Errorf("failed to decode device info: %w", err)
	}
	return info, nil
}

func (m *Manager) saveInfo(info *deviceInfo) error {
	raw, err := cbor.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode device info: %w", err)
	}
	return m.store.Set(m.infoKey(), raw)
}
