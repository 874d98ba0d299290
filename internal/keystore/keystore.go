package keystore

import (
	"fmt"
	"sync"

	"github.com/threesd-go/threesd/internal/crypto"
)

// Well-known key slot IDs used by the NCCH Container and Ticket/TMD
// pipeline. These follow the public 3DS key-slot
// numbering: four NCCH "Secure" slots selected by a 2-bit field in the NCCH
// header, the SD-card key slot fed by movable.sed, and the ticket common-key
// slot whose Y half is swapped by SelectCommonKeyIndex.
const (
	SlotNCCHSecure1   = 0x2C
	SlotNCCHSecure2   = 0x25
	SlotNCCHSecure3   = 0x18
	SlotNCCHSecure4   = 0x1B
	SlotSD            = 0x34
	SlotMovableSed    = 0x26
	SlotTicketCommon  = 0x3D
	NumKeySlots       = 0x40
	NumCommonKeySlots = 6
)

// generatorConstant is the fixed 128-bit constant baked into the hardware
// key generator; see original key.cpp: solved from a known (KeyX, KeyY,
// NormalKey) triple.
var generatorConstant = AESKey{
	0x1F, 0xF9, 0xE9, 0xAA, 0xC5, 0xFE, 0x04, 0x08,
	0x02, 0x45, 0x91, 0xDC, 0x5D, 0x52, 0x76, 0x8A,
}

// Slot holds one key slot's X/Y/derived-Normal state.
// Normal is present when both X and Y have been set since the last Clear
// (setting either re-runs the derivation), or after SetNormal stored it
// directly.
type Slot struct {
	x, y, normal *AESKey
}

func (s *Slot) generate() {
	if s.x != nil && s.y != nil {
		n := Lrot128(Add128(Xor128(Lrot128(*s.x, 2), *s.y), generatorConstant), 87)
		s.normal = &n
	} else {
		s.normal = nil
	}
}

// SetX sets the slot's KeyX and recomputes Normal if KeyY is already set.
func (s *Slot) SetX(key AESKey) {
	s.x = &key
	s.generate()
}

// SetY sets the slot's KeyY and recomputes Normal if KeyX is already set.
func (s *Slot) SetY(key AESKey) {
	s.y = &key
	s.generate()
}

// SetNormal sets the slot's Normal key directly, bypassing derivation (used
// by the boot-rom loader, which dumps some Normal keys pre-derived).
func (s *Slot) SetNormal(key AESKey) {
	s.normal = &key
}

// IsNormalAvailable reports whether the slot currently holds a Normal key,
// whether derived or set directly.
func (s *Slot) IsNormalAvailable() bool { return s.normal != nil }

// Normal returns the slot's Normal key, or the zero key if unavailable.
func (s *Slot) Normal() AESKey {
	if s.normal == nil {
		return AESKey{}
	}
	return *s.normal
}

func (s *Slot) clear() {
	if s.x != nil {
		crypto.SecureZero(s.x[:])
	}
	if s.y != nil {
		crypto.SecureZero(s.y[:])
	}
	if s.normal != nil {
		crypto.SecureZero(s.normal[:])
	}
	*s = Slot{}
}

// Store is the process-wide key slot registry: the "Key Store"
// component. It is safe for concurrent read access once initialization has
// completed; the key store is written only during
// initialization and read-only during transfers.
type Store struct {
	mu           sync.RWMutex
	slots        [NumKeySlots]Slot
	commonKeysY  [NumCommonKeySlots]*AESKey
}

// New returns an empty key store.
func New() *Store {
	return &Store{}
}

// SetX sets KeyX on the given slot.
func (s *Store) SetX(slot int, key AESKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot].SetX(key)
}

// SetY sets KeyY on the given slot.
func (s *Store) SetY(slot int, key AESKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot].SetY(key)
}

// SetNormal sets the Normal key on the given slot directly.
func (s *Store) SetNormal(slot int, key AESKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot].SetNormal(key)
}

// IsNormalAvailable reports whether slot currently holds a usable Normal key.
func (s *Store) IsNormalAvailable(slot int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slots[slot].IsNormalAvailable()
}

// Normal returns slot's Normal key, or the zero key if unavailable.
func (s *Store) Normal(slot int) AESKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slots[slot].Normal()
}

// SetCommonKeyY registers one of the six common-key Y candidates, indexed
// 0-5. The table holds only the candidates registered through this method;
// no loader in this package fills it.
func (s *Store) SetCommonKeyY(index int, key AESKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commonKeysY[index] = &key
}

// SelectCommonKeyIndex copies common-key Y candidate index into the ticket
// common-key slot's Y half, recomputing its Normal key. A ticket's
// common_key_index field drives this selection before title-key unwrap.
func (s *Store) SelectCommonKeyIndex(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	y := s.commonKeysY[index]
	if y == nil {
		s.slots[SlotTicketCommon].clear()
		return
	}
	s.slots[SlotTicketCommon].SetY(*y)
}

// UnwrapTitleKey selects commonKeyIndex's common key and CBC-decrypts a
// ticket's encrypted title key under it, with the title ID (big-endian,
// zero-padded to a full block) as IV, matching the console's title-key
// unwrap scheme.
func (s *Store) UnwrapTitleKey(commonKeyIndex int, titleID uint64, encryptedKey AESKey) (AESKey, error) {
	s.SelectCommonKeyIndex(commonKeyIndex)
	if !s.IsNormalAvailable(SlotTicketCommon) {
		return AESKey{}, fmt.Errorf("keystore: ticket common key %d is not available", commonKeyIndex)
	}

	var iv [16]byte
	for i := 0; i < 8; i++ {
		iv[i] = byte(titleID >> uint(56-8*i))
	}

	titleKey := encryptedKey
	if err := crypto.DecryptCBC(s.Normal(SlotTicketCommon), iv, titleKey[:]); err != nil {
		return AESKey{}, err
	}
	return titleKey, nil
}

// ClearAll resets every slot and the common-key table to empty.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.slots {
		s.slots[i].clear()
	}
	for i := range s.commonKeysY {
		s.commonKeysY[i] = nil
	}
}
