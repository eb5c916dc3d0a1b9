package serialport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/mindrace/internal/monitoring"
)

var (
	// ErrTimeout is returned when the device stops delivering bytes.
	ErrTimeout = errors.New("serial read timed out")
	// ErrNoPort is returned when no device path is configured.
	ErrNoPort = errors.New("no serial port configured")
)

// Stats counts device activity for the debug page.
type Stats struct {
	Path      string    `json:"path"`
	Open      bool      `json:"open"`
	Reads     int       `json:"reads"`
	BytesRead int       `json:"bytes_read"`
	Failures  int       `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
	LastRead  time.Time `json:"last_read"`
}

// Device is a hardware generator on a serial port. The port is opened on the
// first read and kept open; any read failure closes it so the next read
// reopens it. Reads are serialised.
type Device struct {
	path   string
	opts   PortOptions
	opener Opener

	mu    sync.Mutex
	port  SerialPorter
	stats Stats
}

// NewDevice returns a device at path. A nil opener selects OpenSerial.
func NewDevice(path string, opts PortOptions, opener Opener) (*Device, error) {
	if path == "" {
		return nil, ErrNoPort
	}
	normalised, err := opts.Normalise()
	if err != nil {
		return nil, err
	}
	if opener == nil {
		opener = OpenSerial
	}
	return &Device{path: path, opts: normalised, opener: opener, stats: Stats{Path: path}}, nil
}

// Path returns the configured device path.
func (d *Device) Path() string { return d.path }

// ReadBits reads ceil(n/8) bytes and returns the first n bits, most
// significant bit of each byte first.
func (d *Device) ReadBits(ctx context.Context, n int) ([]uint8, error) {
	if n <= 0 {
		return nil, fmt.Errorf("bit count must be positive, got %d", n)
	}
	buf := make([]byte, (n+7)/8)

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.readFullLocked(ctx, buf); err != nil {
		d.stats.Failures++
		d.stats.LastError = err.Error()
		d.closeLocked()
		return nil, err
	}
	d.stats.Reads++
	d.stats.BytesRead += len(buf)
	d.stats.LastRead = time.Now()
	return UnpackBits(buf, n), nil
}

func (d *Device) readFullLocked(ctx context.Context, buf []byte) error {
	if d.port == nil {
		port, err := d.opener(d.path, d.opts)
		if err != nil {
			return fmt.Errorf("open %s: %w", d.path, err)
		}
		if tp, ok := port.(TimeoutSerialPorter); ok {
			if err := tp.SetReadTimeout(d.opts.ReadTimeout); err != nil {
				port.Close()
				return fmt.Errorf("set read timeout on %s: %w", d.path, err)
			}
		}
		d.port = port
		d.stats.Open = true
		monitoring.Logf("serialport: opened %s at %d baud", d.path, d.opts.BaudRate)
	}

	for got := 0; got < len(buf); {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := d.port.Read(buf[got:])
		if err != nil {
			return fmt.Errorf("read %s: %w", d.path, err)
		}
		if m == 0 {
			// go.bug.st/serial reports a timeout as a zero-length read
			return fmt.Errorf("%s: %w after %d of %d bytes", d.path, ErrTimeout, got, len(buf))
		}
		got += m
	}
	return nil
}

func (d *Device) closeLocked() {
	if d.port == nil {
		return
	}
	if err := d.port.Close(); err != nil {
		monitoring.Logf("serialport: close %s: %v", d.path, err)
	}
	d.port = nil
	d.stats.Open = false
}

// Close releases the port if it is open.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
	return nil
}

// Stats returns a copy of the activity counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// AttachAdminRoutes exposes the device counters under /debug/.
func (d *Device) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("serial", "hardware generator status", func(w http.ResponseWriter, r *http.Request) {
		s := d.Stats()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "path: %s\nopen: %t\nreads: %d\nbytes: %d\nfailures: %d\n", s.Path, s.Open, s.Reads, s.BytesRead, s.Failures)
		if s.LastError != "" {
			fmt.Fprintf(w, "last error: %s\n", s.LastError)
		}
		if !s.LastRead.IsZero() {
			fmt.Fprintf(w, "last read: %s\n", s.LastRead.Format(time.RFC3339))
		}
	})
}

// UnpackBits expands data into n bits, most significant bit first. n is
// capped at 8*len(data).
func UnpackBits(data []byte, n int) []uint8 {
	if limit := len(data) * 8; n > limit {
		n = limit
	}
	bits := make([]uint8, n)
	for i := range bits {
		bits[i] = (data[i/8] >> (7 - uint(i%8))) & 1
	}
	return bits
}
