package eeprom

import "testing"

func TestMTR20VariantSelection(t *testing.T) {
	if got := MTR20Variant("CUTERA"); got != CuteraMTR20 {
		t.Fatalf("got %+v, want CuteraMTR20", got)
	}
	if got := MTR20Variant("CLASSYS"); got != ClassysMTR20 {
		t.Fatalf("got %+v, want ClassysMTR20", got)
	}
	if got := MTR20Variant(""); got != ClassysMTR20 {
		t.Fatalf("unrecognized country should default to ClassysMTR20, got %+v", got)
	}
}

func TestVariantOffsetsDistinct(t *testing.T) {
	variants := []Variant{ClassysMTR20, CuteraMTR20, MTR40}
	seen := map[string]bool{}
	for _, v := range variants {
		key := v.Name
		if seen[key] {
			t.Fatalf("duplicate variant name %q", key)
		}
		seen[key] = true
	}
	if ClassysMTR20.Addr != CuteraMTR20.Addr {
		t.Fatal("CLASSYS and CUTERA MTR20 variants must share the same device address")
	}
	if ClassysMTR20.Base == CuteraMTR20.Base {
		t.Fatal("CLASSYS and CUTERA MTR20 variants must use distinct base offsets")
	}
	if MTR40.Addr == ClassysMTR20.Addr {
		t.Fatal("MTR40 must use a distinct device address from MTR20")
	}
}

func TestShotCountBytesRoundTrip(t *testing.T) {
	cases := []uint16{0, 1, 255, 256, 4321, 65535}
	for _, v := range cases {
		b := shotCountBytes(v)
		got := uint16(b[0])<<8 | uint16(b[1])
		if got != v {
			t.Fatalf("shotCountBytes(%d) round-trip = %d", v, got)
		}
	}
}

func TestDateBytesRoundTrip(t *testing.T) {
	b := dateBytes(2026, 7, 31)
	rec := decodeRecord(0, [2]byte{}, b, 0)
	if rec.Year != 2026 || rec.Month != 7 || rec.Day != 31 {
		t.Fatalf("got year=%d month=%d day=%d, want 2026/7/31", rec.Year, rec.Month, rec.Day)
	}
}

func TestDecodeRecord(t *testing.T) {
	rec := decodeRecord(3, shotCountBytes(1500), dateBytes(2025, 12, 1), 7)
	if rec.TipType != 3 {
		t.Fatalf("TipType = %d, want 3", rec.TipType)
	}
	if rec.ShotCount != 1500 {
		t.Fatalf("ShotCount = %d, want 1500", rec.ShotCount)
	}
	if rec.Year != 2025 || rec.Month != 12 || rec.Day != 1 {
		t.Fatalf("date = %d/%d/%d, want 2025/12/1", rec.Year, rec.Month, rec.Day)
	}
	if rec.MakerCode != 7 {
		t.Fatalf("MakerCode = %d, want 7", rec.MakerCode)
	}
}
