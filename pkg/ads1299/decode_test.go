package ads1299

import (
	"math"
	"testing"
)

func TestDecodeSample(t *testing.T) {
	cases := []struct {
		b0, b1, b2 byte
		want       int32
	}{
		{0x00, 0x00, 0x00, 0},
		{0x00, 0x00, 0x01, 1},
		{0x7F, 0xFF, 0xFF, 1<<23 - 1},
		{0xFF, 0xFF, 0xFF, -1},
		{0x80, 0x00, 0x00, -(1 << 23)},
		{0x80, 0x00, 0x01, -(1 << 23) + 1},
	}
	for _, tc := range cases {
		if got := DecodeSample(tc.b0, tc.b1, tc.b2); got != tc.want {
			t.Errorf("DecodeSample(%02x %02x %02x) = %d, want %d", tc.b0, tc.b1, tc.b2, got, tc.want)
		}
	}
}

func TestRawToVolts(t *testing.T) {
	// Full scale positive at gain 1 is just under vref.
	v := RawToVolts(1<<23-1, 4.5, 1)
	if math.Abs(float64(v)-4.5) > 1e-5 {
		t.Errorf("full scale = %g, want ~4.5", v)
	}
	// Gain divides the input-referred range.
	v = RawToVolts(1<<22, 4.5, 24)
	want := 0.5 * 4.5 / 24
	if math.Abs(float64(v)-want) > 1e-7 {
		t.Errorf("half scale at 24x = %g, want %g", v, want)
	}
	if RawToVolts(-(1 << 23), 4.5, 1) != -4.5 {
		t.Errorf("negative full scale wrong")
	}
}

func TestVoltsRoundTrip(t *testing.T) {
	const vref = 4.5
	for _, gain := range []int{1, 8, 24} {
		step := vref / float64(gain) / (1 << 23)
		for _, volts := range []float64{0, 37e-6, -120e-6, 0.01, -0.15} {
			raw := VoltsToRaw(volts, vref, gain)
			back := float64(RawToVolts(raw, vref, gain))
			if math.Abs(back-volts) > step {
				t.Errorf("gain %d: %g -> %d -> %g, off by more than one code", gain, volts, raw, back)
			}
		}
	}
}

func TestVoltsToRawClamps(t *testing.T) {
	if got := VoltsToRaw(10, 4.5, 1); got != 1<<23-1 {
		t.Errorf("positive overflow = %d, want %d", got, 1<<23-1)
	}
	if got := VoltsToRaw(-10, 4.5, 1); got != -(1 << 23) {
		t.Errorf("negative overflow = %d, want %d", got, -(1 << 23))
	}
}

func TestSampleRateCode(t *testing.T) {
	want := map[int]byte{16000: 0, 8000: 1, 4000: 2, 2000: 3, 1000: 4, 500: 5, 250: 6}
	for rate, code := range want {
		got, ok := sampleRateCode(rate)
		if !ok || got != code {
			t.Errorf("sampleRateCode(%d) = %d,%v, want %d", rate, got, ok, code)
		}
	}
	if _, ok := sampleRateCode(300); ok {
		t.Error("sampleRateCode(300) accepted")
	}
}
