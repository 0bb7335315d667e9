package cli

import (
	"errors"
	"io"
	"time"

	"github.com/spf13/pflag"

	"github.com/aydenstechdungeon/livetrack/auth"
	"github.com/aydenstechdungeon/livetrack/config"
)

// ErrDomainRequired is returned when token is called without a domain id.
var ErrDomainRequired = errors.New("domain id required")

// Token prints a signed tracking token for the domain named in args.
func Token(args []string, p *ColorPrinter) error {
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.StringP("config", "c", "", "path to a YAML config file")
	secret := fs.String("secret", "", "signing secret (defaults to token_secret)")
	ttl := fs.Duration("ttl", 0, "token lifetime (defaults to token_ttl)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return ErrDomainRequired
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if fs.Changed("secret") {
		cfg.TokenSecret = *secret
	}
	lifetime := cfg.TokenTTL
	if fs.Changed("ttl") {
		lifetime = *ttl
	}
	if lifetime <= 0 {
		lifetime = auth.DefaultTTL
	}

	issuer, err := auth.NewIssuer(cfg.TokenSecret, lifetime)
	if err != nil {
		return err
	}
	tok, err := issuer.Sign(fs.Arg(0))
	if err != nil {
		return err
	}
	p.Println(tok)
	p.Success("Token for %s expires in %s", fs.Arg(0), lifetime.Round(time.Second))
	return nil
}
