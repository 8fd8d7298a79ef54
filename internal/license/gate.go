package license

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Verdict codes.
const (
	CodeLicenseInvalid = "LICENSE_INVALID"
	CodeDeviceMismatch = "DEVICE_MISMATCH"
	CodeAPIUnavailable = "LICENSE_API_UNAVAILABLE"
)

// Verdict is the gate decision. Code is empty when OK is true; Reason carries
// the authority failure sub-reason for CodeAPIUnavailable.
type Verdict struct {
	OK          bool
	Code        string
	Reason      string
	BoundDevice string
	Message     string
}

// ErrMissingCredentials is returned for a blank license or device.
var ErrMissingCredentials = errors.New("license and device are required")

// Gate applies the binding decision table on top of the authority answer.
type Gate struct {
	Authority Authority
	Bindings  BindingStore
}

func NewGate(authority Authority, bindings BindingStore) *Gate {
	return &Gate{Authority: authority, Bindings: bindings}
}

// Authorize decides whether device may use license. Authority failures are
// reported as a CodeAPIUnavailable verdict, never as approval or denial. The
// returned error is reserved for invalid input and ledger failures.
func (g *Gate) Authorize(ctx context.Context, license, device string) (Verdict, error) {
	license = strings.TrimSpace(license)
	device = strings.TrimSpace(device)
	if license == "" || device == "" {
		return Verdict{}, ErrMissingCredentials
	}
	if g == nil || g.Authority == nil {
		return Verdict{}, errors.New("license gate is not initialized")
	}

	resp, err := g.Authority.Check(ctx, license, device)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return Verdict{}, ctxErr
		}
		reason := ReasonAPIDown
		var authErr *AuthorityError
		if errors.As(err, &authErr) && authErr.Reason != "" {
			reason = authErr.Reason
		}
		return Verdict{Code: CodeAPIUnavailable, Reason: reason, Message: err.Error()}, nil
	}

	if !resp.Approved() {
		switch denial := resp.Denial(); denial {
		case StatusDeviceMismatch, StatusBound:
			return Verdict{Code: CodeDeviceMismatch, BoundDevice: resp.Device, Message: "license is bound to another device"}, nil
		default:
			msg := "license is not valid"
			if denial != "" {
				msg = fmt.Sprintf("license is not valid (%s)", denial)
			}
			return Verdict{Code: CodeLicenseInvalid, Message: msg}, nil
		}
	}

	if authDevice := strings.TrimSpace(resp.Device); authDevice != "" && authDevice != device {
		return Verdict{Code: CodeDeviceMismatch, BoundDevice: authDevice, Message: "license is bound to another device"}, nil
	}

	if g.Bindings == nil {
		return Verdict{OK: true, BoundDevice: device}, nil
	}
	bound, err := g.Bindings.BindIfAbsent(ctx, license, device)
	if err != nil {
		return Verdict{}, fmt.Errorf("bind device: %w", err)
	}
	if bound != device {
		return Verdict{Code: CodeDeviceMismatch, BoundDevice: bound, Message: "license is bound to another device"}, nil
	}
	return Verdict{OK: true, BoundDevice: bound}, nil
}
