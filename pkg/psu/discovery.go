package psu

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"psu/pkg/visa"
)

const (
	// discoveryPort is the UDP port used for instrument discovery.
	// Control panels probe it to locate running servers, and
	// instruments announce themselves on it.
	discoveryPort = "48025"

	// discoveryToken marks a control panel probe.
	discoveryToken = "psudiscovery1"

	// announceToken marks an instrument announcement, optionally
	// followed by the instrument's resource address.
	announceToken = "psuinstrument1"

	// instrumentPort is assumed for announcements that carry no
	// explicit address.
	instrumentPort = "5025"

	probeTimeout = 2 * time.Second
)

// Discovery answers discovery requests from control panels and records
// instruments that announce themselves into the resource manager.
type Discovery struct {
	addr      string
	port      string
	response  string
	resources *visa.ResourceManager
	logger    log.FieldLogger

	// bound receives the listener address once the socket is up.
	bound chan net.Addr
}

// NewDiscovery creates a discovery listener announcing the given HTTP
// port and feeding discovered instruments into resources.
func NewDiscovery(addr string, port int, resources *visa.ResourceManager, logger log.FieldLogger) (*Discovery, error) {
	d := Discovery{
		addr:      addr,
		port:      discoveryPort,
		response:  fmt.Sprintf(`{"PsuPort": %d}`, port),
		resources: resources,
		logger:    logger,
		bound:     make(chan net.Addr, 1),
	}

	return &d, nil
}

func (d *Discovery) Run(ctx context.Context) error {
	buf := make([]byte, 1024)

	listenAddress, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.addr, d.port))
	if err != nil {
		return fmt.Errorf("cannot resolve listen address: %v", err)
	}

	// Create receive socket
	rSock, err := net.ListenUDP("udp", listenAddress)
	if err != nil {
		return fmt.Errorf("cannot bind receive socket: %v", err)
	}
	defer rSock.Close()

	// Create a send socket bound to addr and an ephemeral port
	localAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.addr, "0"))
	if err != nil {
		return err
	}

	tSock, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return fmt.Errorf("cannot bind send socket: %v", err)
	}
	defer tSock.Close()

	select {
	case d.bound <- rSock.LocalAddr():
	default:
	}

	d.logger.Debugf("Discovery listener started on %s", rSock.LocalAddr())
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			// Set a read deadline to periodically check for context cancellation
			rSock.SetReadDeadline(time.Now().Add(1 * time.Second))

			n, addr, err := rSock.ReadFromUDP(buf)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					// Timeout, continue
					continue
				}
				d.logger.Debugf("Error reading from socket: %v", err)
				continue
			}

			data := string(buf[:n])
			d.logger.Debugf("Received %s from %s", data, addr.String())

			switch {
			case strings.HasPrefix(data, announceToken):
				d.record(data, addr)
			case strings.Contains(data, discoveryToken):
				if _, err := tSock.WriteToUDP([]byte(d.response), addr); err != nil {
					d.logger.Errorf("Error writing to socket: %v", err)
				}
			}
		}
	}
}

// record registers an announced instrument with the resource manager.
// The announcement may carry an explicit resource address; otherwise
// the sender's IP with the standard SCPI port is assumed. Addresses
// that do not answer a TCP probe are ignored.
func (d *Discovery) record(data string, sender *net.UDPAddr) {
	address := strings.TrimSpace(strings.TrimPrefix(data, announceToken))
	if address == "" {
		address = net.JoinHostPort(sender.IP.String(), instrumentPort)
	}

	if !d.resources.Probe(address, probeTimeout) {
		d.logger.Warnf("Announced instrument %s does not answer, ignoring", address)
		return
	}

	d.resources.Add(address)
	d.logger.Infof("Discovered instrument at %s", address)
}
