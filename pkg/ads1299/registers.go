// Package ads1299 drives the TI ADS1299 family of 8-channel 24-bit
// sigma-delta ADCs: SPI register access, the DRDY-paced continuous read
// loop, and sample decoding. A mock source with the same contract generates
// synthetic waveforms for development without hardware.
package ads1299

// Source: https://www.ti.com/lit/ds/symlink/ads1299.pdf

// Command opcodes.
const (
	CmdWakeup  = 0x02
	CmdStandby = 0x04
	CmdReset   = 0x06
	CmdStart   = 0x08
	CmdStop    = 0x0A
	CmdRdatac  = 0x10
	CmdSdatac  = 0x11
	CmdRdata   = 0x12

	// RREG/WREG carry the register address in the low five bits of the
	// first byte and a count-1 second byte.
	CmdRreg = 0x20
	CmdWreg = 0x40
)

// Register addresses.
const (
	RegID        = 0x00
	RegConfig1   = 0x01
	RegConfig2   = 0x02
	RegConfig3   = 0x03
	RegLoff      = 0x04
	RegCh1Set    = 0x05 // CHnSET = RegCh1Set + n
	RegCh8Set    = 0x0C
	RegBiasSensP = 0x0D
	RegBiasSensN = 0x0E
	RegLoffSensP = 0x0F
	RegLoffSensN = 0x10
	RegLoffFlip  = 0x11
	RegLoffStatP = 0x12
	RegLoffStatN = 0x13
	RegGpio      = 0x14
	RegMisc1     = 0x15
	RegMisc2     = 0x16
	RegConfig4   = 0x17
)

// CONFIG1: bit7 reserved-high, DAISY_EN bit6, CLK_EN bit5, DR in bits 2:0.
// Output rate is 16 kSPS >> DR.
const config1Base = 0x90

// CONFIG2: test-signal defaults (internal test source off).
const config2Default = 0xC0

// CONFIG3: internal reference buffer on, BIASREF internal, bias buffer on.
const config3Default = 0xEC

// CHnSET fields.
const (
	ChPowerDown  = 0x80 // PDn
	ChMuxNormal  = 0x00
	ChMuxShorted = 0x01
)

// NumChannels is fixed for the 8-channel parts this driver targets.
const NumChannels = 8

// StatusBytes precede the channel data in every DRDY frame.
const StatusBytes = 3

// idFamily matches bits 4:2 of the ID register (bit 4 always reads 1,
// DEV_ID = 11 for the ADS1299 family). Bits 1:0 encode the channel count.
const (
	idFamilyMask = 0x1C
	idFamily     = 0x1C
)

// sampleRateCode returns the CONFIG1 DR field for a supported output rate.
func sampleRateCode(rate int) (byte, bool) {
	for code := 0; code <= 6; code++ {
		if 16000>>code == rate {
			return byte(code), true
		}
	}
	return 0, false
}

// gainCode returns the CHnSET GAIN field (bits 6:4) for a PGA setting.
func gainCode(gain int) (byte, bool) {
	switch gain {
	case 1:
		return 0x00, true
	case 2:
		return 0x10, true
	case 4:
		return 0x20, true
	case 6:
		return 0x30, true
	case 8:
		return 0x40, true
	case 12:
		return 0x50, true
	case 24:
		return 0x60, true
	}
	return 0, false
}

// DecodeSample sign-extends a big-endian 24-bit two's-complement sample.
func DecodeSample(b0, b1, b2 byte) int32 {
	v := int32(uint32(b0)<<16 | uint32(b1)<<8 | uint32(b2))
	if v&0x800000 != 0 {
		v -= 1 << 24
	}
	return v
}

// RawToVolts converts an ADC code to volts for the given reference and PGA
// gain: raw / 2^23 * vref / gain.
func RawToVolts(raw int32, vref float64, gain int) float32 {
	return float32(float64(raw) / (1 << 23) * vref / float64(gain))
}

// VoltsToRaw is the inverse mapping, clamped to the 24-bit code range. The
// mock source uses it to synthesize realistic codes.
func VoltsToRaw(volts, vref float64, gain int) int32 {
	code := volts * float64(gain) / vref * (1 << 23)
	if code > 1<<23-1 {
		code = 1<<23 - 1
	}
	if code < -(1 << 23) {
		code = -(1 << 23)
	}
	return int32(code)
}
