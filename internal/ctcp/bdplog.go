package ctcp

import (
	"fmt"
	"os"

	"github.com/jonboulle/clockwork"
)

// BDPLog appends bandwidth-delay-product measurements to a file as CSV
// lines "now_ms,bdp_bits". This is the transport's only persisted state.
type BDPLog struct {
	f     *os.File
	clock clockwork.Clock
}

// OpenBDPLog opens (or creates, truncating) the measurement file.
func OpenBDPLog(path string, clock clockwork.Clock) (*BDPLog, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open bdp log %s: %w", path, err)
	}
	return &BDPLog{f: f, clock: clock}, nil
}

// Append writes one measurement line. Write errors are swallowed: the
// measurement file never disturbs the data path.
func (l *BDPLog) Append(bdpBits int64) {
	_, _ = fmt.Fprintf(l.f, "%d,%d\n", l.clock.Now().UnixMilli(), bdpBits)
}

// Close closes the underlying file.
func (l *BDPLog) Close() error {
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("close bdp log: %w", err)
	}
	return nil
}
