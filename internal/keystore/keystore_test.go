package keystore

import "testing"

func TestNormalKeyDerivedOnlyWhenBothSet(t *testing.T) {
	s := New()
	if s.IsNormalAvailable(0x11) {
		t.Fatal("fresh store should have no normal key")
	}

	var x, y AESKey
	x[0] = 1
	y[0] = 2

	s.SetX(0x11, x)
	if s.IsNormalAvailable(0x11) {
		t.Error("normal key should not be available with only X set")
	}

	s.SetY(0x11, y)
	if !s.IsNormalAvailable(0x11) {
		t.Error("normal key should be available once both X and Y are set")
	}
}

func TestSetNormalDirectly(t *testing.T) {
	s := New()
	var n AESKey
	n[0] = 0xAB
	s.SetNormal(0x05, n)
	if !s.IsNormalAvailable(0x05) {
		t.Fatal("expected normal key to be available")
	}
	if got := s.Normal(0x05); got != n {
		t.Errorf("Normal() = %x, want %x", got, n)
	}
}

func TestClearAllResetsEverything(t *testing.T) {
	s := New()
	var x, y AESKey
	x[0], y[0] = 1, 2
	s.SetX(0x2C, x)
	s.SetY(0x2C, y)
	s.SetCommonKeyY(0, y)

	s.ClearAll()

	if s.IsNormalAvailable(0x2C) {
		t.Error("expected normal key cleared")
	}
	s.SelectCommonKeyIndex(0)
	if s.IsNormalAvailable(SlotTicketCommon) {
		t.Error("expected ticket common slot to be empty after clear")
	}
}

func TestSelectCommonKeyIndex(t *testing.T) {
	s := New()
	var commonX AESKey
	commonX[0] = 0x99
	s.SetX(SlotTicketCommon, commonX)

	var y0, y1 AESKey
	y0[0], y1[0] = 0xAA, 0xBB
	s.SetCommonKeyY(0, y0)
	s.SetCommonKeyY(1, y1)

	s.SelectCommonKeyIndex(0)
	if !s.IsNormalAvailable(SlotTicketCommon) {
		t.Fatal("expected normal key available after selecting common key 0")
	}
	first := s.Normal(SlotTicketCommon)

	s.SelectCommonKeyIndex(1)
	second := s.Normal(SlotTicketCommon)

	if first == second {
		t.Error("expected different normal keys for different common-key indices")
	}
}

