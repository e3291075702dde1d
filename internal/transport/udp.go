package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// UDPSender writes each package as one datagram
type UDPSender struct {
	WriteTimeout time.Duration

	dialer net.Dialer
}

// NewUDPSender creates a sender with the given write timeout
func NewUDPSender(writeTimeout time.Duration) *UDPSender {
	return &UDPSender{WriteTimeout: writeTimeout}
}

// Send resolves the destination and writes the message
func (s *UDPSender) Send(ctx context.Context, p Package) error {
	conn, err := s.dialer.DialContext(ctx, "udp", p.Endpoint())
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.Endpoint(), err)
	}
	defer conn.Close()

	if s.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout)); err != nil {
			return fmt.Errorf("set write deadline %s: %w", p.Endpoint(), err)
		}
	}
	if _, err := conn.Write([]byte(p.Message)); err != nil {
		return fmt.Errorf("write %s: %w", p.Endpoint(), err)
	}
	return nil
}
