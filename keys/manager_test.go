package keys

import (
	"errors"
	"strings"
	"testing"

	"github.com/mesmerverse/walletkit/keystore"
)

// fastScrypt keeps test derivations quick; production parameters are
// supplied by the config layer.
var fastScrypt = ScryptParams{N: 16, R: 8, P: 1, Size: 32}

func newTestManager(t *testing.T, userID string) *Manager {
	t.Helper()
	store, err := keystore.Open(":memory:", "test-app", nil)
	if err != nil {
		t.Fatalf("Failed to open keystore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewManager(store, userID, fastScrypt)
}

func TestManager_CreateDeviceKey(t *testing.T) {
	m := newTestManager(t, "user-1")

	addr, err := m.CreateDeviceKey()
	if err != nil {
		t.Fatalf("CreateDeviceKey failed: %v", err)
	}
	if !IsValidAddress(addr) {
		t.Errorf("Device address %q is not valid", addr)
	}

	got, err := m.DeviceAddress()
	if err != nil {
		t.Fatalf("DeviceAddress failed: %v", err)
	}
	if got != addr {
		t.Errorf("Expected %s, got %s", addr, got)
	}

	// Mnemonics are stored alongside and re-derive the same address
	words, err := m.DeviceMnemonics()
	if err != nil {
		t.Fatalf("DeviceMnemonics failed: %v", err)
	}
	if len(words) != 12 {
		t.Errorf("Expected 12 words, got %d", len(words))
	}
	derived, err := AddressFromMnemonics(words)
	if err != nil {
		t.Fatalf("AddressFromMnemonics failed: %v", err)
	}
	if !SameAddress(derived, addr) {
		t.Errorf("Mnemonics derive %s, expected %s", derived, addr)
	}
}

func TestManager_AddressesEmptyBeforeCreation(t *testing.T) {
	m := newTestManager(t, "user-1")

	if addr, err := m.DeviceAddress(); err != nil || addr != "" {
		t.Errorf("Expected empty device address, got %q (err %v)", addr, err)
	}
	if addr, err := m.APIAddress(); err != nil || addr != "" {
		t.Errorf("Expected empty API address, got %q (err %v)", addr, err)
	}
}

func TestManager_KeyIsolation(t *testing.T) {
	m := newTestManager(t, "user-1")

	deviceAddr, err := m.CreateDeviceKey()
	if err != nil {
		t.Fatalf("CreateDeviceKey failed: %v", err)
	}
	apiAddr, err := m.CreateAPIKey()
	if err != nil {
		t.Fatalf("CreateAPIKey failed: %v", err)
	}

	s1, err := m.CreateSessionKey()
	if err != nil {
		t.Fatalf("First CreateSessionKey failed: %v", err)
	}
	s2, err := m.CreateSessionKey()
	if err != nil {
		t.Fatalf("Second CreateSessionKey failed: %v", err)
	}

	// Creating sessions must not disturb the device or API pointers
	if got, _ := m.DeviceAddress(); got != deviceAddr {
		t.Errorf("Device address changed: %s -> %s", deviceAddr, got)
	}
	if got, _ := m.APIAddress(); got != apiAddr {
		t.Errorf("API address changed: %s -> %s", apiAddr, got)
	}

	// Deleting one session leaves the other intact
	if err := m.DeleteSessionKey(s1); err != nil {
		t.Fatalf("DeleteSessionKey failed: %v", err)
	}
	sessions, err := m.SessionAddresses()
	if err != nil {
		t.Fatalf("SessionAddresses failed: %v", err)
	}
	if len(sessions) != 1 || !SameAddress(sessions[0], s2) {
		t.Errorf("Expected only %s to remain, got %v", s2, sessions)
	}
	if _, err := m.SignHashWithSessionKey(s1, strings.Repeat("ab", 32)); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound for deleted session, got %v", err)
	}
	if _, err := m.SignHashWithSessionKey(s2, strings.Repeat("ab", 32)); err != nil {
		t.Errorf("Surviving session failed to sign: %v", err)
	}
}

func TestManager_DeleteAllSessions(t *testing.T) {
	m := newTestManager(t, "user-1")

	for i := 0; i < 3; i++ {
		if _, err := m.CreateSessionKey(); err != nil {
			t.Fatalf("CreateSessionKey failed: %v", err)
		}
	}
	if err := m.DeleteAllSessions(); err != nil {
		t.Fatalf("DeleteAllSessions failed: %v", err)
	}
	sessions, err := m.SessionAddresses()
	if err != nil {
		t.Fatalf("SessionAddresses failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("Expected no sessions, got %v", sessions)
	}

	// Deleting again is a no-op
	if err := m.DeleteAllSessions(); err != nil {
		t.Errorf("Second DeleteAllSessions errored: %v", err)
	}
}

func TestManager_RecoveryDeterminism(t *testing.T) {
	m := newTestManager(t, "user-1")

	first, err := m.RecoveryOwnerAddress("prefix", "123456", "salt")
	if err != nil {
		t.Fatalf("RecoveryOwnerAddress failed: %v", err)
	}
	second, err := m.RecoveryOwnerAddress("prefix", "123456", "salt")
	if err != nil {
		t.Fatalf("Second derivation failed: %v", err)
	}
	if first != second {
		t.Errorf("Derivation not deterministic: %s vs %s", first, second)
	}

	// A fresh manager with the same inputs derives the same address
	other := newTestManager(t, "user-1")
	third, err := other.RecoveryOwnerAddress("prefix", "123456", "salt")
	if err != nil {
		t.Fatalf("Cross-instance derivation failed: %v", err)
	}
	if first != third {
		t.Errorf("Derivation differs across instances: %s vs %s", first, third)
	}

	// Any input change yields a different address
	changed, err := m.RecoveryOwnerAddress("prefix", "123457", "salt")
	if err != nil {
		t.Fatalf("Changed-pin derivation failed: %v", err)
	}
	if changed == first {
		t.Error("Different PIN produced the same address")
	}
}

func TestManager_VerifyPin(t *testing.T) {
	m := newTestManager(t, "user-1")

	recoveryAddr, err := m.RecoveryOwnerAddress("prefix", "123456", "salt")
	if err != nil {
		t.Fatalf("RecoveryOwnerAddress failed: %v", err)
	}

	// Slow path succeeds and populates the cache
	ok, err := m.VerifyPin("prefix", "123456", "salt", recoveryAddr)
	if err != nil {
		t.Fatalf("VerifyPin failed: %v", err)
	}
	if !ok {
		t.Error("Correct PIN rejected")
	}

	// Fast path, case-insensitive on the address
	ok, err = m.VerifyPin("prefix", "123456", "salt", strings.ToUpper(recoveryAddr))
	if err != nil {
		t.Fatalf("Cached VerifyPin failed: %v", err)
	}
	if !ok {
		t.Error("Cached verification rejected correct PIN")
	}

	// Single-character mutations fail
	for _, tc := range []struct{ prefix, pin string }{
		{"prefix", "123457"},
		{"prefiy", "123456"},
	} {
		ok, err := m.VerifyPin(tc.prefix, tc.pin, "salt", recoveryAddr)
		if err != nil {
			t.Fatalf("VerifyPin(%s,%s) errored: %v", tc.prefix, tc.pin, err)
		}
		if ok {
			t.Errorf("Mutated input (%s,%s) verified", tc.prefix, tc.pin)
		}
	}

	// Dropping the cache forces the slow path, which still succeeds
	if err := m.DeletePinHash(); err != nil {
		t.Fatalf("DeletePinHash failed: %v", err)
	}
	ok, err = m.VerifyPin("prefix", "123456", "salt", recoveryAddr)
	if err != nil {
		t.Fatalf("Post-delete VerifyPin failed: %v", err)
	}
	if !ok {
		t.Error("Slow path rejected correct PIN after cache delete")
	}
}

func TestManager_BiometricPreference(t *testing.T) {
	m := newTestManager(t, "user-1")

	enabled, err := m.BiometricEnabled()
	if err != nil {
		t.Fatalf("BiometricEnabled failed: %v", err)
	}
	if enabled {
		t.Error("Biometric preference should default to false")
	}

	if err := m.SetBiometricPreference(true); err != nil {
		t.Fatalf("SetBiometricPreference failed: %v", err)
	}
	enabled, err = m.BiometricEnabled()
	if err != nil {
		t.Fatalf("BiometricEnabled failed: %v", err)
	}
	if !enabled {
		t.Error("Biometric preference was not persisted")
	}
}

func TestManager_UsersAreIsolated(t *testing.T) {
	store, err := keystore.Open(":memory:", "test-app", nil)
	if err != nil {
		t.Fatalf("Failed to open keystore: %v", err)
	}
	defer store.Close()

	m1 := NewManager(store, "user-1", fastScrypt)
	m2 := NewManager(store, "user-2", fastScrypt)

	addr1, err := m1.CreateDeviceKey()
	if err != nil {
		t.Fatalf("CreateDeviceKey failed: %v", err)
	}
	if got, _ := m2.DeviceAddress(); got != "" {
		t.Errorf("user-2 sees user-1's device address %q", got)
	}
	if got, _ := m1.DeviceAddress(); got != addr1 {
		t.Errorf("user-1 lost its device address")
	}
}
