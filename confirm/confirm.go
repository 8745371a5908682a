// Package confirm provides core.ConfirmationChannel implementations: an
// email based channel that asks the user and waits for the reply, a function
// adapter and a channel that always declines.
package confirm

import (
	"context"
	"strconv"
	"strings"

	"github.com/hupe1980/mailagent/core"
)

// Func adapts a function to core.ConfirmationChannel.
type Func func(ctx context.Context, req core.ConfirmationRequest) (core.ConfirmationResponse, error)

// Confirm implements core.ConfirmationChannel.
func (f Func) Confirm(ctx context.Context, req core.ConfirmationRequest) (core.ConfirmationResponse, error) {
	return f(ctx, req)
}

// Choose returns a response carrying only a selection.
func Choose(opt *core.ConfirmationOption) core.ConfirmationResponse {
	return core.ConfirmationResponse{Choice: opt}
}

// Decline never selects an option.
type Decline struct{}

// Confirm implements core.ConfirmationChannel.
func (Decline) Confirm(context.Context, core.ConfirmationRequest) (core.ConfirmationResponse, error) {
	return core.ConfirmationResponse{}, nil
}

// First always selects the first option. Useful for unattended runs.
type First struct{}

// Confirm implements core.ConfirmationChannel.
func (First) Confirm(_ context.Context, req core.ConfirmationRequest) (core.ConfirmationResponse, error) {
	if len(req.Options) == 0 {
		return core.ConfirmationResponse{}, nil
	}
	opt := req.Options[0]
	return Choose(&opt), nil
}

// ParseSelection reads a user's choice from a reply body. The first line
// that is not quoted may hold the option number, its id or its label. It
// returns nil when nothing matches.
func ParseSelection(body string, options []core.ConfirmationOption) *core.ConfirmationOption {
	line := firstLine(body)
	if line == "" || len(options) == 0 {
		return nil
	}

	token := strings.TrimRight(line, ".):")
	if n, err := strconv.Atoi(strings.TrimPrefix(token, "#")); err == nil {
		if n >= 1 && n <= len(options) {
			opt := options[n-1]
			return &opt
		}
		return nil
	}

	for _, opt := range options {
		if strings.EqualFold(token, opt.Label) || strings.EqualFold(token, opt.ID) {
			o := opt
			return &o
		}
	}

	// Fall back to a unique label mentioned anywhere in the line.
	var match *core.ConfirmationOption
	lower := strings.ToLower(line)
	for _, opt := range options {
		if opt.Label == "" || !strings.Contains(lower, strings.ToLower(opt.Label)) {
			continue
		}
		if match != nil {
			return nil
		}
		o := opt
		match = &o
	}
	return match
}

func firstLine(body string) string {
	for _, l := range strings.Split(body, "\n") {
		l = strings.TrimSpace(l)
		if l == "" || strings.HasPrefix(l, ">") {
			continue
		}
		return l
	}
	return ""
}
