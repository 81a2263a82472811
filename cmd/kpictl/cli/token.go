package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lodgeboard/kpi-engine/internal/auth"
)

// TokenOptions defines available flags for the token command.
type TokenOptions struct {
	Secret    string
	Issuer    string
	Subject   string
	CompanyID int64
	Role      string
	TTL       time.Duration
	Stdout    io.Writer
	Stderr    io.Writer
}

// TokenCommand prints a signed access token for local testing.
func TokenCommand(opts TokenOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Secret == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "token: JWT_SECRET is required")
		return 1
	}
	if opts.CompanyID <= 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "token: --company is required and must be positive")
		return 1
	}
	switch opts.Role {
	case auth.RoleAdmin, auth.RoleManager, auth.RoleViewer:
	default:
		_, _ = fmt.Fprintf(opts.Stderr, "token: unknown role %q\n", opts.Role)
		return 1
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	tok, err := auth.Issue(opts.Secret, opts.Issuer, auth.Principal{
		Subject:   opts.Subject,
		CompanyID: opts.CompanyID,
		Role:      opts.Role,
	}, opts.TTL)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "token: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(opts.Stdout, tok)
	return 0
}
