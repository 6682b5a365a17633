// Package firmware writes firmware images to units running the SAM-BA
// monitor. The monitor is reached through any io.ReadWriter, normally the
// bulk pipe m1000.SAMBAPort.
package firmware

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SAM3U flash controller layout.
const (
	FlashBase = 0x80000
	FlashSize = 128 * 1024
	PageSize  = 256

	eefcFCR  = 0x400E0804
	eefcFSR  = 0x400E0808
	rstcCR   = 0x400E1400
	fcrKey   = 0x5A
	rstcKey  = 0xA500000D
	fsrReady = 0x1

	cmdWritePage  = 0x03
	cmdSetGPNVM   = 0x0B
	bootFromFlash = 1
)

// Progress reports how many pages have been written.
type Progress struct {
	Page  int
	Pages int
}

type Option func(f *Flasher)

func WithProgress(fn func(Progress)) Option {
	return func(f *Flasher) {
		f.progress = fn
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(f *Flasher) {
		f.logger = logger
	}
}

// WithReadyTimeout bounds how long a page write may keep the flash busy.
func WithReadyTimeout(d time.Duration) Option {
	return func(f *Flasher) {
		if d > 0 {
			f.readyTimeout = d
		}
	}
}

type Flasher struct {
	rw           io.ReadWriter
	progress     func(Progress)
	logger       zerolog.Logger
	readyTimeout time.Duration
}

func NewFlasher(rw io.ReadWriter, opts ...Option) *Flasher {
	f := &Flasher{
		rw:           rw,
		progress:     func(Progress) {},
		logger:       log.Logger,
		readyTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Flash writes image page by page, sets the boot-from-flash bit and resets
// the unit.
func (f *Flasher) Flash(ctx context.Context, image []byte) error {
	if len(image) == 0 {
		return fmt.Errorf("empty firmware image")
	}
	if len(image) > FlashSize {
		return fmt.Errorf("firmware image of %d bytes exceeds %d bytes of flash", len(image), FlashSize)
	}

	if err := f.command("N#"); err != nil {
		return err
	}
	ack := make([]byte, 2)
	if _, err := io.ReadFull(f.rw, ack); err != nil {
		return fmt.Errorf("reading monitor ack: %w", err)
	}

	pages := (len(image) + PageSize - 1) / PageSize
	f.logger.Info().Int("bytes", len(image)).Int("pages", pages).Msg("flashing firmware")

	page := make([]byte, PageSize)
	for p := 0; p < pages; p++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		for i := range page {
			page[i] = 0xFF
		}
		copy(page, image[p*PageSize:])

		if err := f.command(fmt.Sprintf("S%08X,%X#", FlashBase+p*PageSize, PageSize)); err != nil {
			return err
		}
		if _, err := f.rw.Write(page); err != nil {
			return fmt.Errorf("sending page %d: %w", p, err)
		}
		if err := f.flashCommand(ctx, cmdWritePage, p); err != nil {
			return fmt.Errorf("writing page %d: %w", p, err)
		}
		f.progress(Progress{Page: p + 1, Pages: pages})
	}

	if err := f.flashCommand(ctx, cmdSetGPNVM, bootFromFlash); err != nil {
		return fmt.Errorf("setting boot mode: %w", err)
	}

	f.logger.Info().Msg("resetting unit")
	return f.command(fmt.Sprintf("W%08X,%08X#", rstcCR, rstcKey))
}

func (f *Flasher) command(cmd string) error {
	if _, err := io.WriteString(f.rw, cmd); err != nil {
		return fmt.Errorf("sending %q: %w", cmd, err)
	}
	return nil
}

// flashCommand issues an EEFC command and waits for the controller to be
// ready again.
func (f *Flasher) flashCommand(ctx context.Context, cmd, arg int) error {
	fcr := fcrKey<<24 | (arg&0xFFFF)<<8 | cmd
	if err := f.command(fmt.Sprintf("W%08X,%08X#", eefcFCR, fcr)); err != nil {
		return err
	}

	deadline := time.Now().Add(f.readyTimeout)
	status := make([]byte, 4)
	for {
		if err := f.command(fmt.Sprintf("w%08X,4#", eefcFSR)); err != nil {
			return err
		}
		if _, err := io.ReadFull(f.rw, status); err != nil {
			return fmt.Errorf("reading flash status: %w", err)
		}
		fsr := binary.LittleEndian.Uint32(status)
		if fsr&^fsrReady != 0 {
			return fmt.Errorf("flash controller error, status %#x", fsr)
		}
		if fsr&fsrReady != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("flash controller busy after %s", f.readyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}
