package keyspec

import (
	"github.com/dgraph-io/ristretto"
)

// DefaultPrefix namespaces lock keys in a shared backend.
const DefaultPrefix = "LOCK:"

// Codec turns key expressions into lock keys. Parsed expressions are kept in
// a bounded ristretto cache so hot call sites are parsed once.
type Codec struct {
	prefix string
	cache  *ristretto.Cache
}

// Option configures a Codec.
type Option func(*codecOptions)

type codecOptions struct {
	prefix string
	cfg    *ristretto.Config
}

// WithPrefix sets the prefix prepended to every resolved key. An empty prefix
// disables prefixing.
func WithPrefix(p string) Option {
	return func(o *codecOptions) {
		o.prefix = p
	}
}

// WithCacheConfig replaces the expression cache configuration.
// A nil cfg disables caching.
func WithCacheConfig(cfg *ristretto.Config) Option {
	return func(o *codecOptions) {
		o.cfg = cfg
	}
}

// NewCodec returns a Codec using DefaultPrefix unless configured otherwise.
func NewCodec(opts ...Option) *Codec {
	o := codecOptions{
		prefix: DefaultPrefix,
		cfg: &ristretto.Config{
			NumCounters: 1e4,
			MaxCost:     1 << 10, // one unit per expression
			BufferItems: 64,
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Codec{prefix: o.prefix}
	if o.cfg != nil {
		rc, err := ristretto.NewCache(o.cfg)
		if err != nil {
			panic(err)
		}
		c.cache = rc
	}
	return c
}

// Prefix returns the configured key prefix.
func (c *Codec) Prefix() string { return c.prefix }

// Compile parses expr, consulting the cache first.
func (c *Codec) Compile(expr string) (Expr, error) {
	if c.cache != nil {
		if v, ok := c.cache.Get(expr); ok {
			return v.(Expr), nil
		}
	}
	e, err := Parse(expr)
	if err != nil {
		return Expr{}, err
	}
	if c.cache != nil {
		c.cache.Set(expr, e, 1)
	}
	return e, nil
}

// Key resolves expr against args and applies the prefix.
func (c *Codec) Key(expr string, args Args) (string, error) {
	e, err := c.Compile(expr)
	if err != nil {
		return "", err
	}
	return c.KeyOf(e, args)
}

// KeyOf resolves an already parsed expression and applies the prefix.
func (c *Codec) KeyOf(e Expr, args Args) (string, error) {
	k, err := e.Resolve(args)
	if err != nil {
		return "", err
	}
	return c.prefix + k, nil
}

// Close releases the expression cache.
func (c *Codec) Close() {
	if c.cache != nil {
		c.cache.Close()
	}
}
