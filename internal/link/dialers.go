package link

import (
	"context"
	"fmt"
	"io"
	"net"

	"go.bug.st/serial"
)

// SerialDialer opens a UART (or BLE-UART bridge) tty at 8N1
func SerialDialer(port string, baud int) Dialer {
	return func(ctx context.Context) (io.WriteCloser, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := serial.Open(port, &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
		if err != nil {
			return nil, fmt.Errorf("open serial port %s: %w", port, err)
		}
		return p, nil
	}
}

// SerialPorts lists the serial ports present on the host
func SerialPorts() ([]string, error) {
	return serial.GetPortsList()
}

// TCPDialer connects to a serial-over-TCP bridge
func TCPDialer(addr string) Dialer {
	return func(ctx context.Context) (io.WriteCloser, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return conn, nil
	}
}

// WriterDialer wraps w; Close is a no-op unless w is an io.Closer
func WriterDialer(w io.Writer) Dialer {
	return func(ctx context.Context) (io.WriteCloser, error) {
		if wc, ok := w.(io.WriteCloser); ok {
			return wc, nil
		}
		return nopCloser{w}, nil
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
