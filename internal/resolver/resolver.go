package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"regexp"
	"strings"

	"go-batch-download/internal/helpers"
	"go-batch-download/internal/models"
	"go-batch-download/internal/upstream"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrInvalidLocator is permanent: the locator is malformed or the
	// upstream says the resource does not exist. Never retried.
	ErrInvalidLocator = errors.New("invalid locator")
	// ErrUpstreamUnavailable is transient and safe to retry.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// Grammar is the URL shape accepted for a provider.
type Grammar struct {
	Schemes []string
	Hosts   []string
	Path    *regexp.Regexp
}

// NewGrammar compiles a grammar from configuration.
func NewGrammar(cfg models.ProviderConfig) (*Grammar, error) {
	re, err := regexp.Compile(cfg.PathPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid provider path pattern %q: %w", cfg.PathPattern, err)
	}
	g := &Grammar{Path: re}
	for _, s := range cfg.Schemes {
		g.Schemes = append(g.Schemes, strings.ToLower(s))
	}
	for _, h := range cfg.Hosts {
		g.Hosts = append(g.Hosts, strings.ToLower(h))
	}
	return g, nil
}

// ParseLocator validates raw against the grammar and returns its normalized
// form. It never touches the network.
func (g *Grammar) ParseLocator(raw string) (models.Locator, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return models.Locator{}, fmt.Errorf("%w: empty locator", ErrInvalidLocator)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return models.Locator{}, fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if !contains(g.Schemes, scheme) {
		return models.Locator{}, fmt.Errorf("%w: scheme %q not allowed", ErrInvalidLocator, u.Scheme)
	}
	if u.User != nil {
		return models.Locator{}, fmt.Errorf("%w: credentials in locator", ErrInvalidLocator)
	}

	host := strings.ToLower(u.Hostname())
	if !g.hostAllowed(host) {
		return models.Locator{}, fmt.Errorf("%w: host %q not allowed", ErrInvalidLocator, host)
	}
	if port := u.Port(); port != "" && !isDefaultPort(scheme, port) {
		host = net.JoinHostPort(host, port)
	}

	p := u.EscapedPath()
	if p != "/" && strings.HasSuffix(p, "/") {
		p = strings.TrimSuffix(p, "/")
	}
	if !g.Path.MatchString(p) {
		return models.Locator{}, fmt.Errorf("%w: path %q does not match provider pattern", ErrInvalidLocator, u.Path)
	}

	norm := url.URL{Scheme: scheme, Host: host, RawPath: p, RawQuery: u.RawQuery}
	norm.Path, _ = url.PathUnescape(p)
	return models.Locator{Raw: raw, Normalized: norm.String()}, nil
}

// hostAllowed accepts listed hosts and their subdomains.
func (g *Grammar) hostAllowed(host string) bool {
	for _, h := range g.Hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "https" && port == "443") || (scheme == "http" && port == "80")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Prober fetches metadata for a URL.
type Prober interface {
	Probe(ctx context.Context, rawURL string) (upstream.Head, error)
}

// Resolver turns a locator into file metadata.
type Resolver struct {
	Grammar *Grammar
	Prober  Prober
	Clock   clock.Clock
}

// New creates a resolver. A nil clock means wall time.
func New(grammar *Grammar, prober Prober, clk clock.Clock) *Resolver {
	if clk == nil {
		clk = clock.New()
	}
	return &Resolver{Grammar: grammar, Prober: prober, Clock: clk}
}

// Resolve re-validates the locator and probes the upstream for metadata.
// Errors wrap ErrInvalidLocator or ErrUpstreamUnavailable.
func (r *Resolver) Resolve(ctx context.Context, loc models.Locator) (models.FileMetadata, error) {
	target := loc.Normalized
	if target == "" {
		parsed, err := r.Grammar.ParseLocator(loc.Raw)
		if err != nil {
			return models.FileMetadata{}, err
		}
		target = parsed.Normalized
	}

	head, err := r.Prober.Probe(ctx, target)
	if err != nil {
		return models.FileMetadata{}, classify(ctx, err)
	}

	name := helpers.ConvertToSlug(head.Filename)
	if name == "" {
		name = helpers.ConvertToSlug(path.Base(target))
	}
	if name == "" {
		name = "download"
	}

	meta := models.FileMetadata{
		Name:          name,
		Size:          head.Size,
		ContentType:   head.ContentType,
		ResolvedAt:    r.Clock.Now().UTC(),
		DownloadURL:   head.FinalURL,
		AcceptsRanges: head.AcceptsRanges,
		Checksum:      head.Checksum,
	}
	if meta.DownloadURL == "" {
		meta.DownloadURL = target
	}
	log.WithFields(log.Fields{"locator": target, "name": meta.Name, "size": meta.Size}).Debug("Locator resolved")
	return meta, nil
}

func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, upstream.ErrNotFound), errors.Is(err, upstream.ErrForbidden):
		return fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	case errors.Is(err, upstream.ErrUnexpectedStatus):
		return fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	case ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded):
		// Caller cancelled; let the cause surface unchanged.
		return context.Cause(ctx)
	default:
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
}
