package hostcall

import (
	"errors"
	"fmt"
	"net"

	"github.com/cuemby/durawasm/pkg/types"
)

// classifyRemoteErr tags a failed ReadRemote call as transient (worth
// retrying internally before the guest ever sees it) or permanent.
// Network-level failures -- timeouts, connection resets/refusals,
// temporary DNS lookup errors -- are transient; anything else (a
// malformed request, an application-level rejection from the backend)
// is permanent.
func classifyRemoteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrHostTransient) || errors.Is(err, types.ErrHostPermanent) {
		return err
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
		return fmt.Errorf("%w: %v", types.ErrHostTransient, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", types.ErrHostTransient, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", types.ErrHostTransient, err)
	}

	return fmt.Errorf("%w: %v", types.ErrHostPermanent, err)
}
