package output

import (
	"context"
	"fmt"
	"net"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/norasector/smu/pkg/smu/config"
	"github.com/norasector/smu/pkg/util"
)

const receiveChannels = 8

// UDPOutput sends every batch as length-prefixed packets to each destination.
type UDPOutput struct {
	dests      []config.OutputDestination
	maxPayload int
	recvChan   chan *Batch
	metrics    api.WriteAPI
}

func NewUDPOutput(dests []config.OutputDestination, metrics api.WriteAPI) *UDPOutput {
	return &UDPOutput{
		dests:      dests,
		maxPayload: MaxPayload,
		recvChan:   make(chan *Batch, receiveChannels),
		metrics:    metrics,
	}
}

func (u *UDPOutput) Receive() chan<- *Batch {
	return u.recvChan
}

func (u *UDPOutput) resolve() ([]*net.UDPAddr, error) {
	destAddrs := make([]*net.UDPAddr, 0, len(u.dests))
	for _, dest := range u.dests {
		ips, err := net.LookupIP(dest.Host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("no IPs returned for %s", dest.Host)
		}

		destAddr := &net.UDPAddr{IP: ips[0], Port: dest.Port}
		destAddrs = append(destAddrs, destAddr)
		log.Info().IPAddr("dest_ip", destAddr.IP).Int("port", dest.Port).Msg("stream output starting")
	}
	return destAddrs, nil
}

func (u *UDPOutput) Start(ctx context.Context) error {
	destAddrs, err := u.resolve()
	if err != nil {
		return err
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case b := <-u.recvChan:
				for _, part := range SplitBatch(b, u.maxPayload) {
					u.send(conn, destAddrs, part)
				}
			}
		}
	})

	return eg.Wait()
}

func (u *UDPOutput) send(conn *net.UDPConn, destAddrs []*net.UDPAddr, b *Batch) {
	encoded, err := MarshalPacket(b)
	if err != nil {
		log.Warn().Err(err).Msg("error encoding packet")
		return
	}
	msg, err := Frame(encoded)
	if err != nil {
		log.Warn().Err(err).Msg("error framing packet")
		return
	}

	sent, dropped := 0, 0
	var bytesWritten int
	writeTime := util.TimeOperationMicroseconds(func() {
		for _, destAddr := range destAddrs {
			n, err := conn.WriteToUDP(msg, destAddr)
			if err != nil {
				log.Error().Err(err).Str("dest", destAddr.String()).Msg("error writing")
				dropped++
				continue
			}
			bytesWritten += n
			sent++
		}
	})

	u.metrics.WritePoint(influxdb2.NewPoint("udp.sent_packet",
		map[string]string{
			"serial": b.Serial,
		},
		map[string]interface{}{
			"bytes_written":  bytesWritten,
			"frames":         len(b.Frames),
			"encoded_length": len(encoded),
			"sent":           sent,
			"dropped":        dropped,
			"write_us":       writeTime,
		}, time.Now()))
}
