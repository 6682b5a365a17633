package m1000

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// A unit in its SAM-BA monitor enumerates as an Atmel CDC device.
const (
	SAMBAVendorID  gousb.ID = 0x03eb
	SAMBAProductID gousb.ID = 0x6124

	sambaInterface   = 1
	sambaInEndpoint  = 2
	sambaOutEndpoint = 1
	sambaTimeout     = 2 * time.Second
)

// SAMBAPort is the bulk pipe of a unit running its SAM-BA monitor. It
// implements io.ReadWriteCloser for the firmware flasher.
type SAMBAPort struct {
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
}

// OpenSAMBA opens the first unit in SAM-BA mode, waiting up to wait for it to
// enumerate after EnterBootloader.
func (d *Driver) OpenSAMBA(ctx context.Context, wait time.Duration) (*SAMBAPort, error) {
	deadline := time.Now().Add(wait)
	for {
		dev, err := d.ctx.OpenDeviceWithVIDPID(SAMBAVendorID, SAMBAProductID)
		if err != nil {
			return nil, classify(err, "open-samba")
		}
		if dev != nil {
			return openSAMBA(dev)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("no device in SAM-BA mode after %s", wait)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func openSAMBA(dev *gousb.Device) (*SAMBAPort, error) {
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		return nil, err
	}
	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		return nil, err
	}
	intf, err := cfg.Interface(sambaInterface, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		return nil, err
	}
	p := &SAMBAPort{dev: dev, cfg: cfg, intf: intf}
	if p.in, err = intf.InEndpoint(sambaInEndpoint); err != nil {
		p.Close()
		return nil, err
	}
	if p.out, err = intf.OutEndpoint(sambaOutEndpoint); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *SAMBAPort) Read(b []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sambaTimeout)
	defer cancel()
	n, err := p.in.ReadContext(ctx, b)
	return n, classify(err, "samba-read")
}

func (p *SAMBAPort) Write(b []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sambaTimeout)
	defer cancel()
	n, err := p.out.WriteContext(ctx, b)
	return n, classify(err, "samba-write")
}

func (p *SAMBAPort) Close() error {
	p.intf.Close()
	p.cfg.Close()
	return p.dev.Close()
}
