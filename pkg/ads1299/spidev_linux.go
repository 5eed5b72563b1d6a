//go:build linux

package ads1299

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// spidev ioctl numbers, kernel include/uapi/linux/spi/spidev.h.
const (
	spiIocMagic = 'k'

	iocWrite    = 1
	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func iow(nr, size uintptr) uintptr {
	return iocWrite<<iocDirShift | size<<iocSizeShift | spiIocMagic<<iocTypeShift | nr<<iocNrShift
}

var (
	spiIocWrMode        = iow(1, 1)
	spiIocWrBitsPerWord = iow(3, 1)
	spiIocWrMaxSpeedHz  = iow(4, 4)
)

func spiIocMessage(n int) uintptr {
	return iow(0, uintptr(n)*unsafe.Sizeof(spiIocTransfer{}))
}

// SPI mode 1: CPOL=0, CPHA=1, per the datasheet serial interface timing.
const spiMode1 = 0x01

// spiIocTransfer mirrors struct spi_ioc_transfer.
type spiIocTransfer struct {
	txBuf       uint64
	rxBuf       uint64
	len         uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNbits     uint8
	rxNbits     uint8
	wordDelay   uint8
	pad         uint8
}

// Reset stabilization: 2^18 / 2.048 MHz ≈ 128 ms, rounded up.
const resetStabilization = 150 * time.Millisecond

// DRDY polling slice so cancellation is observed promptly.
const drdyPollSlice = 50 * time.Millisecond

// spidevHal talks to an ADS1299 through /dev/spidevB.C and watches DRDY on
// a sysfs GPIO line.
type spidevHal struct {
	fd      int
	drdyFd  int
	gpio    int
	speedHz uint32
}

// Open claims the SPI device and the DRDY GPIO. The chip expects SPI mode 1
// (CPOL=0, CPHA=1).
func Open(device string, speedHz, drdyGPIO int) (Hal, error) {
	fd, err := unix.Open(device, unix.O_RDWR, 0)
	if err != nil {
		return nil, &BusError{Kind: KindIO, Detail: "open " + device, Err: err}
	}
	h := &spidevHal{fd: fd, drdyFd: -1, gpio: drdyGPIO, speedHz: uint32(speedHz)}

	mode := uint8(spiMode1)
	bits := uint8(8)
	speed := h.speedHz
	if err := h.ioctl(spiIocWrMode, unsafe.Pointer(&mode)); err != nil {
		h.Close()
		return nil, &BusError{Kind: KindIO, Detail: "set spi mode", Err: err}
	}
	if err := h.ioctl(spiIocWrBitsPerWord, unsafe.Pointer(&bits)); err != nil {
		h.Close()
		return nil, &BusError{Kind: KindIO, Detail: "set bits per word", Err: err}
	}
	if err := h.ioctl(spiIocWrMaxSpeedHz, unsafe.Pointer(&speed)); err != nil {
		h.Close()
		return nil, &BusError{Kind: KindIO, Detail: "set spi speed", Err: err}
	}

	if err := h.openDrdy(); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

func (h *spidevHal) openDrdy() error {
	base := filepath.Join("/sys/class/gpio", "gpio"+strconv.Itoa(h.gpio))
	if _, err := os.Stat(base); os.IsNotExist(err) {
		if err := os.WriteFile("/sys/class/gpio/export", []byte(strconv.Itoa(h.gpio)), 0200); err != nil {
			return &BusError{Kind: KindIO, Detail: "export drdy gpio", Err: err}
		}
	}
	if err := os.WriteFile(filepath.Join(base, "direction"), []byte("in"), 0644); err != nil {
		return &BusError{Kind: KindIO, Detail: "set drdy direction", Err: err}
	}
	if err := os.WriteFile(filepath.Join(base, "edge"), []byte("falling"), 0644); err != nil {
		return &BusError{Kind: KindIO, Detail: "set drdy edge", Err: err}
	}
	fd, err := unix.Open(filepath.Join(base, "value"), unix.O_RDONLY, 0)
	if err != nil {
		return &BusError{Kind: KindIO, Detail: "open drdy value", Err: err}
	}
	h.drdyFd = fd
	return nil
}

func (h *spidevHal) ioctl(req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(h.fd), req, uintptr(arg))
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR {
			continue
		}
		return errno
	}
}

// transfer runs one full-duplex segment with CS held for its duration.
func (h *spidevHal) transfer(tx, rx []byte) error {
	tr := spiIocTransfer{
		len:         uint32(len(tx)),
		speedHz:     h.speedHz,
		bitsPerWord: 8,
	}
	if len(tx) > 0 {
		tr.txBuf = uint64(uintptr(unsafe.Pointer(&tx[0])))
	}
	if len(rx) > 0 {
		tr.rxBuf = uint64(uintptr(unsafe.Pointer(&rx[0])))
	}
	if err := h.ioctl(spiIocMessage(1), unsafe.Pointer(&tr)); err != nil {
		return &BusError{Kind: KindIO, Detail: "spi transfer", Err: err}
	}
	return nil
}

func (h *spidevHal) ReadRegister(addr byte) (byte, error) {
	tx := []byte{CmdRreg | (addr & 0x1F), 0x00, 0x00}
	rx := make([]byte, 3)
	if err := h.transfer(tx, rx); err != nil {
		return 0, err
	}
	return rx[2], nil
}

func (h *spidevHal) WriteRegister(addr, value byte) error {
	tx := []byte{CmdWreg | (addr & 0x1F), 0x00, value}
	return h.transfer(tx, make([]byte, 3))
}

func (h *spidevHal) SendCommand(op byte) error {
	return h.transfer([]byte{op}, make([]byte, 1))
}

func (h *spidevHal) ReadData(buf []byte) error {
	tx := make([]byte, len(buf))
	return h.transfer(tx, buf)
}

func (h *spidevHal) AwaitDRDY(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &BusError{Kind: KindTimeout, Detail: fmt.Sprintf("drdy not asserted within %v", timeout)}
		}
		slice := remaining
		if slice > drdyPollSlice {
			slice = drdyPollSlice
		}

		fds := []unix.PollFd{{Fd: int32(h.drdyFd), Events: unix.POLLPRI | unix.POLLERR}}
		n, err := unix.Poll(fds, int(slice.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return &BusError{Kind: KindIO, Detail: "poll drdy", Err: err}
		}
		if n == 0 {
			continue
		}
		// Consume the edge so the next poll blocks again.
		var b [8]byte
		if _, err := unix.Pread(h.drdyFd, b[:], 0); err != nil && err != unix.EINTR {
			return &BusError{Kind: KindIO, Detail: "read drdy value", Err: err}
		}
		return nil
	}
}

func (h *spidevHal) Reset() error {
	if err := h.SendCommand(CmdReset); err != nil {
		return err
	}
	time.Sleep(resetStabilization)
	return nil
}

func (h *spidevHal) Close() error {
	var first error
	if h.drdyFd >= 0 {
		if err := unix.Close(h.drdyFd); err != nil {
			first = err
		}
		h.drdyFd = -1
	}
	if h.fd >= 0 {
		if err := unix.Close(h.fd); err != nil && first == nil {
			first = err
		}
		h.fd = -1
	}
	return first
}
