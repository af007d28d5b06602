package pubkey

import "testing"

func TestBinIndex_FourBins(t *testing.T) {
	// number_of_bins = 4 => shift = 24 - 2 = 22.
	var p Pubkey
	p[0] = 0xFF // leading byte all ones -> top bits set

	got := p.BinIndex(4)
	if got > 3 {
		t.Fatalf("BinIndex(4) = %d, want in [0,3]", got)
	}
}

func TestBinIndex_Distributes(t *testing.T) {
	seen := map[uint32]bool{}

	for i := 0; i < 256; i++ {
		var p Pubkey
		p[0] = byte(i)

		seen[p.BinIndex(4)] = true
	}

	if len(seen) != 4 {
		t.Fatalf("expected all 4 bins to be hit varying only byte 0, got %d distinct bins", len(seen))
	}
}

func TestLess(t *testing.T) {
	a := Pubkey{0x01}
	b := Pubkey{0x02}

	if !a.Less(b) {
		t.Fatalf("expected a < b")
	}

	if b.Less(a) {
		t.Fatalf("expected !(b < a)")
	}

	if a.Less(a) {
		t.Fatalf("expected !(a < a)")
	}
}

func TestIsPowerOfTwoUpTo24Bits(t *testing.T) {
	cases := map[uint32]bool{
		0:        false,
		1:        true,
		2:        true,
		3:        false,
		1 << 24:  true,
		1 << 25:  false,
		1 << 20:  true,
	}

	for n, want := range cases {
		if got := IsPowerOfTwoUpTo24Bits(n); got != want {
			t.Fatalf("IsPowerOfTwoUpTo24Bits(%d) = %v, want %v", n, got, want)
		}
	}
}

func TestFastHash_DeterministicAndDistinguishesKeys(t *testing.T) {
	a := Pubkey{1, 2, 3}
	b := Pubkey{1, 2, 4}

	if a.FastHash() != a.FastHash() {
		t.Fatalf("FastHash not deterministic")
	}

	if a.FastHash() == b.FastHash() {
		t.Fatalf("FastHash collided on trivially distinct keys (allowed but astronomically unlikely for this test vector)")
	}
}
