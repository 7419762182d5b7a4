package track

import "testing"

func TestNormalizeMMSI_PadsShort(t *testing.T) {
	got, err := NormalizeMMSI(" 0012345 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "000012345" {
		t.Fatalf("expected 000012345, got %q", got)
	}
}

func TestNormalizeMMSI_StripsNonDigits(t *testing.T) {
	got, err := NormalizeMMSI("36-700-0001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "367000001" {
		t.Fatalf("expected 367000001, got %q", got)
	}
}

func TestNormalizeMMSI_RejectsPlaceholders(t *testing.T) {
	for _, raw := range []string{"999999999", "000000000", "0000000"} {
		if _, err := NormalizeMMSI(raw); err == nil {
			t.Fatalf("expected reject for %q", raw)
		}
	}
}

func TestNormalizeMMSI_RejectsWrongLength(t *testing.T) {
	for _, raw := range []string{"ABC123", "123456", "1234567890", ""} {
		if _, err := NormalizeMMSI(raw); err == nil {
			t.Fatalf("expected reject for %q", raw)
		}
	}
}

func TestNormalizeMMSI_AlwaysNineDigits(t *testing.T) {
	// Any 7-9 digit input (not all-zero/all-nine) must come out as 9 digits.
	inputs := []string{"1234567", "12345678", "123456789", "x1y2z3a4b5c6d7"}
	for _, raw := range inputs {
		got, err := NormalizeMMSI(raw)
		if err != nil {
			t.Fatalf("unexpected reject for %q: %v", raw, err)
		}
		if len(got) != 9 {
			t.Fatalf("expected 9 digits for %q, got %q", raw, got)
		}
	}
}

func TestAircraftKey_FallbackChain(t *testing.T) {
	k, err := AircraftKey("UAL123", "N12345", "ual123 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k != "aircraft:UAL123" {
		t.Fatalf("flight id should win, got %q", k)
	}

	k, _ = AircraftKey("", "N12345", "ual123")
	if k != "aircraft:N12345" {
		t.Fatalf("registration should win over callsign, got %q", k)
	}

	k, _ = AircraftKey("", "", " ual123 ")
	if k != "aircraft:UAL123" {
		t.Fatalf("callsign should be trimmed and upper-cased, got %q", k)
	}

	if _, err := AircraftKey("", "", ""); err == nil {
		t.Fatal("expected error when no identifier is present")
	}
}

func TestEntityKey_KindAndID(t *testing.T) {
	k := MakeKey(KindVessel, "367000001")
	if k.Kind() != KindVessel {
		t.Fatalf("expected vessel kind, got %q", k.Kind())
	}
	if k.ID() != "367000001" {
		t.Fatalf("expected id 367000001, got %q", k.ID())
	}
}

func TestEntityKey_ShardStable(t *testing.T) {
	k := MakeKey(KindAircraft, "UAL123")
	first := k.Shard(16)
	for i := 0; i < 10; i++ {
		if k.Shard(16) != first {
			t.Fatal("shard assignment must be deterministic")
		}
	}
	if first < 0 || first >= 16 {
		t.Fatalf("shard out of range: %d", first)
	}
	if k.Shard(1) != 0 || k.Shard(0) != 0 {
		t.Fatal("degenerate shard counts must map to 0")
	}
}

func TestSourceWeight_Clamped(t *testing.T) {
	if w := Source("unknown-feed").Weight(); w != DefaultSourceWeight {
		t.Fatalf("unknown source should get default weight, got %v", w)
	}
	for _, s := range []Source{SourceAISWS, SourceAISHub, SourceADSB} {
		w := s.Weight()
		if w < 0 || w > 1 {
			t.Fatalf("weight for %s out of [0,1]: %v", s, w)
		}
	}
}
